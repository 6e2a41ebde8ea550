package engine

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/blockberries/forkberry/chaindb"
	"github.com/blockberries/forkberry/internal/logutil"
	"github.com/blockberries/forkberry/mempool"
	"github.com/blockberries/forkberry/types"
	"github.com/blockberries/forkberry/wal"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// BlockVerifier validates a block as the successor of prev and applies it
// to the overlay on success.
type BlockVerifier interface {
	VerifyBlock(ov *chaindb.Overlay, tk types.TimeKeeper,
		block, prev *types.Block, expectedReward uint64, testing bool) error
}

// PoWVerifier supplies mining targets and PoW outputs
type PoWVerifier interface {
	NextMineTargetAndDifficulty(ov *chaindb.Overlay) (*big.Int, *big.Int, error)
	VerifyBlockTarget(header *types.Header, target *big.Int) (*big.Int, error)
	OutputHash(header *types.Header) *big.Int
}

// Engine is the proof-of-work fork-choice engine. It keeps every live
// candidate chain on top of the canonical store and ranks them by
// accumulated work.
type Engine struct {
	mu sync.RWMutex

	// Configuration
	config *Config

	// Components
	blockchain *chaindb.Blockchain
	verifier   BlockVerifier
	pow        PoWVerifier
	mempool    *mempool.Pool
	wal        wal.WAL
	clock      clock.Clock
	metrics    *metrics

	// State
	participating bool
	checkpoint    uint64
	forks         []*Fork
	started       bool
}

// NewEngine creates a new fork-choice engine. A nil journal disables
// journaling, a nil clock uses wall time and a nil pool creates an empty
// one with default limits.
func NewEngine(
	config *Config,
	bc *chaindb.Blockchain,
	verifier BlockVerifier,
	pw PoWVerifier,
	pool *mempool.Pool,
	w wal.WAL,
	clk clock.Clock,
) (*Engine, error) {

	if err := config.ValidateBasic(); err != nil {
		return nil, err
	}
	if w == nil {
		w = &wal.NopWAL{}
	}
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	if pool == nil {
		pool = mempool.NewPool(mempool.DefaultConfig())
	}

	m := newMetrics()
	if config.Registerer != nil {
		if err := m.register(config.Registerer); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	return &Engine{
		config:     config,
		blockchain: bc,
		verifier:   verifier,
		pow:        pw,
		mempool:    pool,
		wal:        w,
		clock:      clk,
		metrics:    m,
	}, nil
}

// Start loads the persisted checkpoint and pending transactions, starts the
// journal and replays it to restore the fork set.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return ErrAlreadyStarted
	}

	checkpoint, err := e.blockchain.Checkpoint()
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	e.checkpoint = checkpoint

	if err := e.mempool.Load(e.blockchain); err != nil {
		return fmt.Errorf("failed to load mempool: %w", err)
	}

	if err := e.wal.Start(); err != nil {
		return fmt.Errorf("failed to start WAL: %w", err)
	}

	result, err := e.replayJournal()
	if err != nil {
		if stopErr := e.wal.Stop(); stopErr != nil {
			log.Errorf("Failed to stop WAL: %v", stopErr)
		}
		return err
	}

	e.started = true
	e.updateForkGauges()

	log.Infof("Engine started at checkpoint %d with %d forks (%d "+
		"proposals replayed)", e.checkpoint, len(e.forks),
		result.Replayed)

	return nil
}

// Stop stops the engine and its journal
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return ErrNotStarted
	}
	e.started = false

	if err := e.wal.Stop(); err != nil {
		return fmt.Errorf("failed to stop WAL: %w", err)
	}

	log.Infof("Engine stopped")
	return nil
}

// timeKeeper returns the time context for the current slot
func (e *Engine) timeKeeper() types.TimeKeeper {
	return types.NewTimeKeeper(e.config.GenesisTime, e.config.SlotTime,
		e.clock.Now())
}

// AppendProposal validates a proposal and adds it to the fork it extends,
// or to a new fork. On any error the fork set is left unchanged.
func (e *Engine) AppendProposal(p *types.Proposal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return ErrNotStarted
	}

	err := e.appendProposal(p, e.timeKeeper())
	if err != nil {
		e.metrics.rejected.WithLabelValues(rejectReason(err)).Inc()
		return err
	}

	e.metrics.accepted.Inc()
	e.updateForkGauges()
	return nil
}

func (e *Engine) appendProposal(p *types.Proposal, tk types.TimeKeeper) error {
	if p == nil || p.Block == nil {
		return fmt.Errorf("%w: missing block", ErrInvalidBlock)
	}

	if tk.VerifyingSlot <= e.checkpoint {
		return fmt.Errorf("%w: slot %d, checkpoint %d", ErrFinalizedSlot,
			tk.VerifyingSlot, e.checkpoint)
	}
	if p.Block.Header.Slot != tk.VerifyingSlot {
		return fmt.Errorf("%w: got %d, want %d", ErrSlotMismatch,
			p.Block.Header.Slot, tk.VerifyingSlot)
	}

	fork, idx, err := e.admit(p, tk)
	if err != nil {
		log.Debugf("Rejected proposal %s: %v", p.Hash, err)
		return err
	}

	if err := e.journal(p); err != nil {
		return fmt.Errorf("%w: %v", ErrWALWrite, err)
	}

	e.insertFork(fork, idx)

	log.Infof("Accepted proposal %s at height %d slot %d (%d forks)",
		p.Hash, p.Block.Header.Height, p.Block.Header.Slot, len(e.forks))
	log.Tracef("Fork ranks: %v", logutil.NewLogClosure(func() string {
		return fmt.Sprintf("targets=%v hashes=%v", fork.targetsRank,
			fork.hashesRank)
	}))

	return nil
}

// admit runs the integrity checks, resolves the fork the proposal extends
// and applies the block to it. The returned fork is never one of e.forks.
func (e *Engine) admit(p *types.Proposal,
	tk types.TimeKeeper) (*Fork, fn.Option[int], error) {

	none := fn.None[int]()
	block := p.Block

	if h := block.Hash(); h != p.Hash {
		return nil, none, fmt.Errorf("%w: carried %s, computed %s",
			ErrProposalHashMismatch, p.Hash, h)
	}
	if h := block.Header.Hash(); h != p.HeaderHash {
		return nil, none, fmt.Errorf("%w: carried %s, computed %s",
			ErrHeaderHashMismatch, p.HeaderHash, h)
	}
	if len(block.Txs) > e.config.MaxBlockTxs {
		return nil, none, fmt.Errorf("%w: %d > %d", ErrTooManyTxs,
			len(block.Txs), e.config.MaxBlockTxs)
	}

	known, err := e.isKnown(p.Hash)
	if err != nil {
		return nil, none, err
	}
	if known {
		return nil, none, fmt.Errorf("%w: %s", ErrProposalExists, p.Hash)
	}

	fork, idx, err := e.findExtendedForkOverlay(p, tk)
	if err != nil {
		return nil, none, err
	}

	if err := e.applyProposal(fork, block, tk); err != nil {
		return nil, none, err
	}

	return fork, idx, nil
}

// isKnown reports whether a proposal is on a live fork or canonical
func (e *Engine) isKnown(h types.Hash) (bool, error) {
	for _, f := range e.forks {
		if _, ok := f.indexOf(h); ok {
			return true, nil
		}
	}

	_, err := e.blockchain.BlockByHash(h)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, chaindb.ErrBlockNotFound):
		return false, nil
	default:
		return false, err
	}
}

// findExtendedForkOverlay returns a fork the proposal's block can be
// applied to. A match at a fork's tip yields a full clone and the fork's
// index. A mid-chain match yields a fork rebuilt up to the parent, and a
// proposal extending the canonical tip yields a new empty fork; both
// without an index.
func (e *Engine) findExtendedForkOverlay(p *types.Proposal,
	tk types.TimeKeeper) (*Fork, fn.Option[int], error) {

	previous := p.Block.Header.Previous

	for i, f := range e.forks {
		pos, ok := f.indexOf(previous)
		if !ok {
			continue
		}

		if pos == len(f.proposals)-1 {
			return f.fullClone(), fn.Some(i), nil
		}

		rebuilt, err := e.rebuildFork(f, f.proposals[:pos+1], tk)
		if err != nil {
			return nil, fn.None[int](), err
		}
		e.metrics.rebuilds.Inc()

		log.Debugf("Rebuilt fork %d up to proposal %d of %d", i, pos+1,
			len(f.proposals))

		return rebuilt, fn.None[int](), nil
	}

	tip, err := e.blockchain.LastBlock()
	if err != nil {
		return nil, fn.None[int](), err
	}
	if previous != tip.Hash() || p.Block.Header.Slot <= tip.Header.Slot {
		return nil, fn.None[int](), fmt.Errorf("%w: previous %s",
			ErrExtendedChainNotFound, previous)
	}

	fork, err := newFork(e.blockchain, e.mempool.PendingHashes())
	if err != nil {
		return nil, fn.None[int](), err
	}
	return fork, fn.None[int](), nil
}

// rebuildFork replays the given proposals of src onto a fresh fork over
// the canonical tip.
func (e *Engine) rebuildFork(src *Fork, hashes []types.Hash,
	tk types.TimeKeeper) (*Fork, error) {

	fork, err := newFork(e.blockchain, e.mempool.PendingHashes())
	if err != nil {
		return nil, err
	}
	return e.replayOnto(fork, src, hashes, tk)
}

// replayOnto applies the given proposals of src to fork. Each block is
// verified under its own slot. A failure means a block valid on src is
// invalid on identical state, so it is reported as ErrForkReplay.
func (e *Engine) replayOnto(fork, src *Fork, hashes []types.Hash,
	tk types.TimeKeeper) (*Fork, error) {

	blocks, err := src.overlay.GetBlocksByHash(hashes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrForkReplay, err)
	}

	for _, b := range blocks {
		err := e.applyProposal(fork, b, tk.WithSlot(b.Header.Slot))
		if err != nil {
			fork.overlay.PurgeNewTrees()
			log.Criticalf("Replay of block %s at height %d failed: %v",
				b.Hash(), b.Header.Height, err)
			return nil, fmt.Errorf("%w: block %s: %v", ErrForkReplay,
				b.Hash(), err)
		}
	}

	return fork, nil
}

// applyProposal verifies block against the fork's tip and, on success,
// appends it to the fork. On failure the overlay is restored.
func (e *Engine) applyProposal(f *Fork, block *types.Block,
	tk types.TimeKeeper) error {

	prev, err := f.overlay.LastBlock()
	if err != nil {
		return err
	}
	prevRec, err := f.overlay.LastDifficulty()
	if err != nil {
		return err
	}

	target, difficulty, err := e.pow.NextMineTargetAndDifficulty(f.overlay)
	if err != nil {
		return err
	}
	output := e.pow.OutputHash(&block.Header)

	f.overlay.Checkpoint()

	reward := e.config.reward(block.Header.Height)
	err = e.verifier.VerifyBlock(
		f.overlay, tk, block, prev, reward, e.config.TestingMode,
	)
	if err != nil {
		f.overlay.RevertToCheckpoint()
		f.overlay.PurgeNewTrees()
		return &VerificationError{BlockHash: block.Hash(), Err: err}
	}

	if err := f.append(block, prevRec, target, difficulty, output); err != nil {
		f.overlay.RevertToCheckpoint()
		f.overlay.PurgeNewTrees()
		return err
	}

	return nil
}

// journal records an admitted proposal
func (e *Engine) journal(p *types.Proposal) error {
	return e.writeJournal(wal.NewProposalMessage(p))
}

func (e *Engine) writeJournal(msg *wal.Message) error {
	if e.config.WALSync {
		return e.wal.WriteSync(msg)
	}
	return e.wal.Write(msg)
}

// insertFork replaces the fork at idx or appends a new one
func (e *Engine) insertFork(f *Fork, idx fn.Option[int]) {
	idx.WhenSome(func(i int) {
		e.forks[i] = f
	})
	if idx.IsNone() {
		e.forks = append(e.forks, f)
	}
}

// AppendTx admits a transaction to the mempool, persists it as pending
// and offers it to every fork that has not included it.
func (e *Engine) AppendTx(tx []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return ErrNotStarted
	}

	h, err := e.mempool.Add(tx)
	if err != nil {
		return err
	}

	ov := chaindb.NewOverlay(e.blockchain)
	if err := ov.AddPendingTx(tx); err != nil {
		e.mempool.Remove([]types.Hash{h})
		return err
	}
	if _, err := e.blockchain.ApplyDiff(ov.Diff()); err != nil {
		e.mempool.Remove([]types.Hash{h})
		return fmt.Errorf("failed to persist pending tx: %w", err)
	}

	for _, f := range e.forks {
		included, err := f.overlay.HasTx(h)
		if err != nil {
			return err
		}
		if !included {
			f.mempool = append(f.mempool, h)
		}
	}

	log.Debugf("Appended tx %s to %d forks", h, len(e.forks))
	return nil
}

// MiningCandidate builds an unmined block on the best fork's tip, or on
// the canonical tip when there are no forks, and returns it with the
// target it must be mined against.
func (e *Engine) MiningCandidate(miner [32]byte) (*types.Block, *big.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var fork *Fork
	if idx, err := bestForkIndex(e.forks); err == nil {
		fork = e.forks[idx]
	} else {
		fork, err = newFork(e.blockchain, e.mempool.PendingHashes())
		if err != nil {
			return nil, nil, err
		}
	}

	prev, err := fork.overlay.LastBlock()
	if err != nil {
		return nil, nil, err
	}
	target, _, err := e.pow.NextMineTargetAndDifficulty(fork.overlay)
	if err != nil {
		return nil, nil, err
	}

	height := prev.Header.Height + 1
	coinbase := &types.Coinbase{
		Height: height,
		Reward: e.config.reward(height),
		Miner:  miner,
	}
	txs := [][]byte{coinbase.Bytes()}

	for _, h := range fork.mempool {
		if len(txs) >= e.config.MaxBlockTxs {
			break
		}
		tx, err := e.mempool.Get(h)
		if errors.Is(err, mempool.ErrTxNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		txs = append(txs, tx)
	}

	timestamp := uint64(e.clock.Now().Unix())
	if timestamp <= prev.Header.Timestamp {
		timestamp = prev.Header.Timestamp + 1
	}

	header := types.Header{
		Version:   types.BlockVersion,
		Previous:  prev.Hash(),
		Height:    height,
		Slot:      e.timeKeeper().VerifyingSlot,
		Timestamp: timestamp,
	}

	return types.NewBlock(header, txs), target, nil
}

// BestForkIndex returns the index of the highest ranked fork
func (e *Engine) BestForkIndex() (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return bestForkIndex(e.forks)
}

// WorstForkIndex returns the index of the lowest ranked fork
func (e *Engine) WorstForkIndex() (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return worstForkIndex(e.forks)
}

// Forks returns snapshots of all live forks in fork order
func (e *Engine) Forks() []ForkInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	infos := make([]ForkInfo, len(e.forks))
	for i, f := range e.forks {
		infos[i] = f.info()
	}
	return infos
}

// Fork returns a snapshot of the fork at index i
func (e *Engine) Fork(i int) (ForkInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if i < 0 || i >= len(e.forks) {
		return ForkInfo{}, fmt.Errorf("%w: %d of %d", ErrForkIndex, i,
			len(e.forks))
	}
	return e.forks[i].info(), nil
}

// PruneWorstFork drops the lowest ranked fork if there are more than
// MaxForks. The drop is journaled so a restart does not revive the fork.
// It reports whether a fork was dropped.
func (e *Engine) PruneWorstFork() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return false, ErrNotStarted
	}
	if len(e.forks) <= e.config.MaxForks {
		return false, nil
	}

	idx, err := worstForkIndex(e.forks)
	if err != nil {
		return false, err
	}

	tip, _ := e.forks[idx].tip()
	msg := wal.NewPruneForkMessage(e.timeKeeper().VerifyingSlot, tip)
	if err := e.writeJournal(msg); err != nil {
		return false, fmt.Errorf("%w: %v", ErrWALWrite, err)
	}

	e.removeFork(idx)
	e.updateForkGauges()

	log.Infof("Pruned fork %d (%d forks remain)", idx, len(e.forks))
	return true, nil
}

// removeFork drops the fork at idx keeping the order of the rest
func (e *Engine) removeFork(idx int) {
	e.forks = append(e.forks[:idx], e.forks[idx+1:]...)
}

// SetParticipating toggles whether the node produces blocks
func (e *Engine) SetParticipating(participating bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.participating = participating
}

// Participating reports whether the node produces blocks
func (e *Engine) Participating() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.participating
}

// Checkpoint returns the last finalized slot
func (e *Engine) Checkpoint() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.checkpoint
}

// TimeKeeper returns the time context for the current slot
func (e *Engine) TimeKeeper() types.TimeKeeper {
	return e.timeKeeper()
}
