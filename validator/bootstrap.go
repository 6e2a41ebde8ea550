package validator

import (
	"fmt"

	"github.com/blockberries/forkberry/chaindb"
	"github.com/blockberries/forkberry/types"
)

// NewGenesisBlock returns the genesis block for a chain started at
// timestamp. Genesis pays no reward.
func NewGenesisBlock(timestamp uint64) *types.Block {
	cb := &types.Coinbase{}
	return types.NewBlock(types.Header{
		Version:   types.BlockVersion,
		Timestamp: timestamp,
	}, [][]byte{cb.Bytes()})
}

// Bootstrap prepares a canonical store. An empty store gets the native
// contracts and the genesis block; an existing one must hold the same
// genesis and has its native contracts refreshed.
func Bootstrap(bc *chaindb.Blockchain, genesis *types.Block) error {
	if genesis.Header.Height != 0 || !types.IsHashEmpty(&genesis.Header.Previous) {
		return fmt.Errorf("%w: height %d, previous %s", ErrInvalidGenesis,
			genesis.Header.Height, genesis.Header.Previous)
	}
	if genesis.ComputeTxRoot() != genesis.Header.TxRoot {
		return fmt.Errorf("%w: %v", ErrInvalidGenesis, ErrTxRootMismatch)
	}

	empty, err := bc.IsEmpty()
	if err != nil {
		return err
	}

	ov := chaindb.NewOverlay(bc)

	if empty {
		if err := DeployNativeContracts(ov, 0); err != nil {
			return err
		}

		h, err := ov.InsertBlock(genesis)
		if err != nil {
			return err
		}
		for _, tx := range genesis.Txs {
			if err := ov.PutTx(tx); err != nil {
				return err
			}
		}
		rec := chaindb.NewGenesisDifficulty(genesis.Header.Timestamp)
		if err := ov.InsertDifficulty(rec); err != nil {
			return err
		}

		log.Infof("Bootstrapping chain with genesis %s", h)
	} else {
		stored, err := chaindb.BlockHashByHeight(bc, 0)
		if err != nil {
			return err
		}
		if want := genesis.Hash(); stored != want {
			return fmt.Errorf("%w: stored %s, configured %s",
				ErrGenesisMismatch, stored, want)
		}

		tip, err := bc.LastBlock()
		if err != nil {
			return err
		}
		if err := DeployNativeContracts(ov, tip.Header.Height+1); err != nil {
			return err
		}
	}

	diff := ov.Diff()
	if diff.IsEmpty() {
		return nil
	}
	_, err = bc.ApplyDiff(diff)
	return err
}
