package engine

import (
	"fmt"

	"github.com/blockberries/forkberry/types"
)

// Finalize closes the current slot. If the best fork is uniquely best and
// longer than the finalization threshold, its oldest blocks beyond the
// threshold are written to the canonical store and every fork sharing
// them is rebuilt over the new canonical tip; the rest are discarded. The
// checkpoint then advances to the current slot, after which proposals for
// it are rejected. Returns the finalized blocks.
func (e *Engine) Finalize() ([]*types.Block, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return nil, ErrNotStarted
	}

	tk := e.timeKeeper()

	finalized, err := e.promoteBestFork(tk)
	if err != nil {
		return nil, err
	}

	if tk.VerifyingSlot > e.checkpoint {
		if err := e.anchorJournal(tk.VerifyingSlot); err != nil {
			return finalized, err
		}
	}

	e.metrics.finalized.Add(float64(len(finalized)))
	e.updateForkGauges()

	if len(finalized) > 0 {
		last := finalized[len(finalized)-1]
		log.Infof("Finalized %d blocks up to height %d (%s), %d forks "+
			"remain", len(finalized), last.Header.Height, last.Hash(),
			len(e.forks))
	}

	return finalized, nil
}

// promoteBestFork writes the finalizable prefix of the best fork to the
// canonical store. Every surviving fork is rebuilt before anything is
// committed, so on error the canonical store and fork set are unchanged.
// Must be called with the engine lock held.
func (e *Engine) promoteBestFork(tk types.TimeKeeper) ([]*types.Block, error) {
	idx, err := bestForkIndex(e.forks)
	if err != nil {
		return nil, nil
	}
	if !uniqueBest(e.forks, idx) {
		log.Debugf("Best fork %d is tied, nothing to finalize", idx)
		return nil, nil
	}

	best := e.forks[idx]
	n := len(best.proposals) - e.config.FinalizationThreshold
	if n <= 0 {
		return nil, nil
	}
	prefix := append([]types.Hash(nil), best.proposals[:n]...)

	// Replay on a fresh overlay so the diff holds only the prefix.
	promoted, err := e.rebuildFork(best, prefix, tk)
	if err != nil {
		return nil, err
	}
	blocks, err := promoted.overlay.GetBlocksByHash(prefix)
	if err != nil {
		return nil, err
	}

	// Survivors are staged on top of the promoted prefix.
	survivors := make([]*Fork, 0, len(e.forks))
	for i, f := range e.forks {
		if !hasPrefix(f.proposals, prefix) || len(f.proposals) == n {
			log.Debugf("Discarding fork %d", i)
			continue
		}

		staged, err := e.replayOnto(
			promoted.fullClone(), f, f.proposals[n:], tk,
		)
		if err != nil {
			return nil, err
		}
		survivors = append(survivors, staged)
	}

	diff := promoted.overlay.Diff()
	if _, err := e.blockchain.ApplyDiff(diff); err != nil {
		return nil, fmt.Errorf("failed to apply finalized blocks: %w", err)
	}

	for _, f := range survivors {
		f.overlay.Rebase(diff)
		f.proposals = append([]types.Hash(nil), f.proposals[n:]...)
	}
	e.forks = survivors

	var committed []types.Hash
	for _, b := range blocks {
		committed = append(committed, b.TxHashes()[1:]...)
	}
	e.mempool.MarkCommitted(committed)

	return blocks, nil
}

func hasPrefix(proposals, prefix []types.Hash) bool {
	if len(proposals) < len(prefix) {
		return false
	}
	for i, h := range prefix {
		if proposals[i] != h {
			return false
		}
	}
	return true
}
