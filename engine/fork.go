package engine

import (
	"fmt"
	"math/big"

	"github.com/blockberries/forkberry/chaindb"
	"github.com/blockberries/forkberry/pow"
	"github.com/blockberries/forkberry/types"
)

// Fork is a candidate chain of unfinalized proposals on top of the
// canonical tip. Each fork exclusively owns its overlay.
type Fork struct {
	overlay *chaindb.Overlay

	// proposals are the fork's block hashes, oldest first. Each block's
	// Previous is the hash before it, the first one extends the canonical
	// tip.
	proposals []types.Hash

	// mempool holds pending tx hashes not yet included on this fork
	mempool []types.Hash

	// targetsRank and hashesRank are summed from genesis
	targetsRank *big.Int
	hashesRank  *big.Int
}

// newFork creates an empty fork over a fresh overlay of the canonical
// chain. Its ranks start at the canonical tip's cumulative ranks.
func newFork(bc *chaindb.Blockchain, pending []types.Hash) (*Fork, error) {
	ov := chaindb.NewOverlay(bc)

	rec, err := bc.LastDifficulty()
	if err != nil {
		return nil, fmt.Errorf("failed to load canonical ranks: %w", err)
	}

	mempool := make([]types.Hash, 0, len(pending))
	for _, h := range pending {
		included, err := ov.HasTx(h)
		if err != nil {
			return nil, err
		}
		if !included {
			mempool = append(mempool, h)
		}
	}

	return &Fork{
		overlay:     ov,
		mempool:     mempool,
		targetsRank: new(big.Int).Set(rec.TargetsRank),
		hashesRank:  new(big.Int).Set(rec.HashesRank),
	}, nil
}

// fullClone returns an independent copy of the fork
func (f *Fork) fullClone() *Fork {
	return &Fork{
		overlay:     f.overlay.FullClone(),
		proposals:   append([]types.Hash(nil), f.proposals...),
		mempool:     append([]types.Hash(nil), f.mempool...),
		targetsRank: new(big.Int).Set(f.targetsRank),
		hashesRank:  new(big.Int).Set(f.hashesRank),
	}
}

// tip returns the hash of the fork's last proposal
func (f *Fork) tip() (types.Hash, bool) {
	if len(f.proposals) == 0 {
		return types.Hash{}, false
	}
	return f.proposals[len(f.proposals)-1], true
}

// indexOf scans the proposals newest first for h
func (f *Fork) indexOf(h types.Hash) (int, bool) {
	for i := len(f.proposals) - 1; i >= 0; i-- {
		if f.proposals[i] == h {
			return i, true
		}
	}
	return 0, false
}

// append records a verified block on the fork. The block must already be
// applied to the fork's overlay.
func (f *Fork) append(block *types.Block, prevRec *chaindb.DifficultyRecord,
	target, difficulty, output *big.Int) error {

	targetRank, hashRank := pow.BlockRank(target, output)
	f.targetsRank.Add(f.targetsRank, targetRank)
	f.hashesRank.Add(f.hashesRank, hashRank)

	cumulative := new(big.Int).Add(prevRec.CumulativeDifficulty, difficulty)
	rec := &chaindb.DifficultyRecord{
		Height:               block.Header.Height,
		Timestamp:            block.Header.Timestamp,
		Difficulty:           new(big.Int).Set(difficulty),
		CumulativeDifficulty: cumulative,
		TargetsRank:          new(big.Int).Set(f.targetsRank),
		HashesRank:           new(big.Int).Set(f.hashesRank),
	}
	if err := f.overlay.InsertDifficulty(rec); err != nil {
		return err
	}

	f.proposals = append(f.proposals, block.Hash())
	f.filterMempool(block.TxHashes())

	return nil
}

// filterMempool drops the given tx hashes from the fork's mempool
func (f *Fork) filterMempool(included []types.Hash) {
	if len(included) == 0 || len(f.mempool) == 0 {
		return
	}

	drop := make(map[types.Hash]struct{}, len(included))
	for _, h := range included {
		drop[h] = struct{}{}
	}

	kept := f.mempool[:0]
	for _, h := range f.mempool {
		if _, ok := drop[h]; !ok {
			kept = append(kept, h)
		}
	}
	f.mempool = kept
}

// ForkInfo is a read-only snapshot of a fork
type ForkInfo struct {
	Proposals   []types.Hash
	Mempool     []types.Hash
	TargetsRank *big.Int
	HashesRank  *big.Int

	// Tip is the hash of the last proposal, Height its block height
	Tip    types.Hash
	Height uint64
}

// info snapshots the fork. Height is left zero if the tip block cannot be
// read.
func (f *Fork) info() ForkInfo {
	info := ForkInfo{
		Proposals:   append([]types.Hash(nil), f.proposals...),
		Mempool:     append([]types.Hash(nil), f.mempool...),
		TargetsRank: new(big.Int).Set(f.targetsRank),
		HashesRank:  new(big.Int).Set(f.hashesRank),
	}
	tip, ok := f.tip()
	if !ok {
		return info
	}
	info.Tip = tip

	b, err := f.overlay.BlockByHash(tip)
	if err != nil {
		log.Warnf("Unable to read tip %s of fork: %v", tip, err)
		return info
	}
	info.Height = b.Header.Height
	return info
}
