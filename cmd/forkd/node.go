package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/blockberries/forkberry/engine"
	"github.com/blockberries/forkberry/miner"
	"github.com/blockberries/forkberry/types"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

// finalizeLead is how long before a slot ends it is finalized
const finalizeLead = time.Second

// node drives the engine's slot schedule: it closes every slot shortly
// before it ends and, on a devnet, mines one block per slot.
type node struct {
	eng      *engine.Engine
	clock    clock.Clock
	ticker   ticker.Ticker
	devnet   bool
	minerCfg miner.Config
	address  [32]byte

	wg sync.WaitGroup

	// finalized is the last slot closed by the node
	finalized uint64
	// mined is the last slot a mining attempt was started for
	mined uint64

	cancelMining context.CancelFunc
}

func newNode(eng *engine.Engine, clk clock.Clock, t ticker.Ticker,
	devnet bool, minerCfg miner.Config, address [32]byte) *node {

	// Slots up to the checkpoint are already closed.
	checkpoint := eng.Checkpoint()

	return &node{
		eng:          eng,
		clock:        clk,
		ticker:       t,
		devnet:       devnet,
		minerCfg:     minerCfg,
		address:      address,
		finalized:    checkpoint,
		mined:        checkpoint,
		cancelMining: func() {},
	}
}

// run processes ticks until ctx is done
func (n *node) run(ctx context.Context) {
	n.ticker.Resume()
	defer n.ticker.Stop()

	for {
		select {
		case <-n.ticker.Ticks():
			n.tick(ctx)

		case <-ctx.Done():
			n.cancelMining()
			n.wg.Wait()
			return
		}
	}
}

// tick closes the current slot when it is about to end and starts mining
// for a slot that has just begun.
func (n *node) tick(ctx context.Context) {
	tk := n.eng.TimeKeeper()
	slot := tk.VerifyingSlot
	closeAt := time.Unix(int64(tk.SlotStart(slot+1)), 0).Add(-finalizeLead)
	remaining := closeAt.Sub(n.clock.Now())

	if n.devnet && slot > n.mined && slot > n.eng.Checkpoint() &&
		remaining > 0 {

		n.mined = slot
		n.startMining(ctx, remaining)
	}

	if slot > n.finalized && remaining <= 0 {
		n.finalized = slot
		n.cancelMining()
		n.endSlot(slot)
	}
}

// endSlot finalizes the slot and prunes excess forks
func (n *node) endSlot(slot uint64) {
	blocks, err := n.eng.Finalize()
	if err != nil {
		fdLog.Errorf("Unable to finalize slot %d: %v", slot, err)
		return
	}
	if len(blocks) > 0 {
		fdLog.Infof("Slot %d finalized %d blocks", slot, len(blocks))
	}

	for {
		pruned, err := n.eng.PruneWorstFork()
		if err != nil {
			fdLog.Errorf("Unable to prune forks: %v", err)
			return
		}
		if !pruned {
			break
		}
	}

	stats, err := n.eng.GetStats()
	if err != nil {
		fdLog.Errorf("Unable to read engine stats: %v", err)
		return
	}
	fdLog.Infof("Slot %d closed: canonical height %d, %d forks (best "+
		"length %d), %d pending txs", slot, stats.CanonicalTip,
		stats.Forks, stats.BestForkLength, stats.Pending)
}

// startMining grinds a candidate on the best fork for at most timeout and
// proposes it if found
func (n *node) startMining(ctx context.Context, timeout time.Duration) {
	if !n.eng.Participating() {
		return
	}

	block, target, err := n.eng.MiningCandidate(n.address)
	if err != nil {
		fdLog.Errorf("Unable to build mining candidate: %v", err)
		return
	}

	mineCtx, cancel := context.WithTimeout(ctx, timeout)
	n.cancelMining = cancel

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer cancel()

		mined, err := miner.Mine(mineCtx, n.minerCfg, block, target)
		switch {
		case errors.Is(err, context.DeadlineExceeded),
			errors.Is(err, context.Canceled):

			fdLog.Debugf("Mining for slot %d stopped: %v",
				block.Header.Slot, err)
			return

		case err != nil:
			fdLog.Errorf("Mining failed: %v", err)
			return
		}

		err = n.eng.AppendProposal(types.NewProposal(mined))
		if err != nil {
			fdLog.Warnf("Mined block %s rejected: %v", mined.Hash(),
				err)
			return
		}
		fdLog.Infof("Mined block %s at height %d", mined.Hash(),
			mined.Header.Height)
	}()
}
