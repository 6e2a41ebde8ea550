// Package validator verifies candidate blocks against a fork's overlay and
// hosts the chain's emission schedule, genesis bootstrap and native
// contract deployment.
package validator

import (
	"fmt"
	"math/big"

	"github.com/blockberries/forkberry/chaindb"
	"github.com/blockberries/forkberry/internal/logutil"
	"github.com/blockberries/forkberry/types"
)

// TargetSource computes mining targets and checks header PoW
type TargetSource interface {
	NextMineTargetAndDifficulty(ov *chaindb.Overlay) (*big.Int, *big.Int, error)
	VerifyBlockTarget(header *types.Header, target *big.Int) (*big.Int, error)
}

// TxExecutor applies a non-coinbase transaction's effects to an overlay.
// Transaction semantics are opaque to the verifier.
type TxExecutor interface {
	Execute(ov *chaindb.Overlay, tx []byte, height uint64) error
}

// NopExecutor accepts every transaction without side effects
type NopExecutor struct{}

// Execute implements TxExecutor
func (NopExecutor) Execute(*chaindb.Overlay, []byte, uint64) error {
	return nil
}

// Verifier validates blocks and applies them to overlays
type Verifier struct {
	pow  TargetSource
	exec TxExecutor
}

// New creates a block verifier. A nil executor accepts all transactions.
func New(pow TargetSource, exec TxExecutor) *Verifier {
	if exec == nil {
		exec = NopExecutor{}
	}
	return &Verifier{pow: pow, exec: exec}
}

// VerifyBlock checks block as the successor of prev under the slot clock tk
// and, on success, applies it to ov. The overlay is left untouched when
// verification fails. In testing mode the PoW target is not enforced.
func (v *Verifier) VerifyBlock(ov *chaindb.Overlay, tk types.TimeKeeper,
	block, prev *types.Block, expectedReward uint64, testing bool) error {

	hdr := &block.Header
	prevHash := prev.Hash()

	if hdr.Version != types.BlockVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, hdr.Version)
	}
	if hdr.Previous != prevHash {
		return fmt.Errorf("%w: got %s, want %s", ErrPreviousMismatch,
			hdr.Previous, prevHash)
	}
	if hdr.Height != prev.Header.Height+1 {
		return fmt.Errorf("%w: got %d, want %d", ErrHeightMismatch,
			hdr.Height, prev.Header.Height+1)
	}
	if hdr.Slot != tk.VerifyingSlot || hdr.Slot <= prev.Header.Slot {
		return fmt.Errorf("%w: slot %d (verifying %d, previous %d)",
			ErrInvalidSlot, hdr.Slot, tk.VerifyingSlot, prev.Header.Slot)
	}
	if hdr.Timestamp <= prev.Header.Timestamp {
		return fmt.Errorf("%w: %d <= %d", ErrTimestampTooOld,
			hdr.Timestamp, prev.Header.Timestamp)
	}
	if root := block.ComputeTxRoot(); root != hdr.TxRoot {
		return fmt.Errorf("%w: got %s, want %s", ErrTxRootMismatch,
			hdr.TxRoot, root)
	}

	cb, err := block.Coinbase()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCoinbase, err)
	}
	if cb.Height != hdr.Height {
		return fmt.Errorf("%w: coinbase height %d in block %d",
			ErrInvalidCoinbase, cb.Height, hdr.Height)
	}
	if cb.Reward != expectedReward {
		return fmt.Errorf("%w: got %d, want %d", ErrRewardMismatch,
			cb.Reward, expectedReward)
	}

	if !testing {
		target, _, err := v.pow.NextMineTargetAndDifficulty(ov)
		if err != nil {
			return err
		}
		if _, err := v.pow.VerifyBlockTarget(hdr, target); err != nil {
			return err
		}
	}

	if err := checkDuplicates(ov, block); err != nil {
		return err
	}

	ov.Checkpoint()
	if err := v.apply(ov, block); err != nil {
		ov.RevertToCheckpoint()
		ov.PurgeNewTrees()
		return err
	}

	log.Debugf("Verified block %s at height %d slot %d", block.Hash(),
		hdr.Height, hdr.Slot)
	log.Tracef("Verified header: %v", logutil.SpewLogClosure(hdr))

	return nil
}

func checkDuplicates(ov *chaindb.Overlay, block *types.Block) error {
	seen := make(map[types.Hash]struct{}, len(block.Txs))
	for _, h := range block.TxHashes() {
		if _, ok := seen[h]; ok {
			return fmt.Errorf("%w: %s repeated in block", ErrDuplicateTx, h)
		}
		seen[h] = struct{}{}

		included, err := ov.HasTx(h)
		if err != nil {
			return err
		}
		if included {
			return fmt.Errorf("%w: %s already included", ErrDuplicateTx, h)
		}
	}
	return nil
}

func (v *Verifier) apply(ov *chaindb.Overlay, block *types.Block) error {
	height := block.Header.Height
	for i, tx := range block.Txs {
		if i > 0 {
			if err := v.exec.Execute(ov, tx, height); err != nil {
				return fmt.Errorf("%w: tx %d: %v", ErrTxExecution, i, err)
			}
		}
		if err := ov.PutTx(tx); err != nil {
			return err
		}
		if err := ov.RemovePendingTx(types.TxHash(tx)); err != nil {
			return err
		}
	}

	_, err := ov.InsertBlock(block)
	return err
}
