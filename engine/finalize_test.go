package engine

import (
	"errors"
	"math/big"
	"testing"

	"github.com/blockberries/forkberry/chaindb"
	"github.com/blockberries/forkberry/mempool"
	"github.com/blockberries/forkberry/types"
	"github.com/stretchr/testify/require"
)

func blockHashes(blocks []*types.Block) []types.Hash {
	hashes := make([]types.Hash, len(blocks))
	for i, b := range blocks {
		hashes[i] = b.Hash()
	}
	return hashes
}

func TestFinalizePromotesBestForkPrefix(t *testing.T) {
	h := newHarness(t, withThreshold(1))

	tx := []byte("settled")
	require.NoError(t, h.engine.AppendTx(tx))
	txHash := types.TxHash(tx)

	a1 := h.block(h.genesis, 1, 0, tx)
	a2 := h.block(a1, 2, 0)
	a3 := h.block(a2, 3, 0)
	b2 := h.block(a1, 4, 1)
	h.mustPropose(a1)
	h.mustPropose(a2)
	h.mustPropose(a3)
	h.mustPropose(b2)
	require.Len(t, h.engine.Forks(), 2)

	before, err := h.engine.Fork(0)
	require.NoError(t, err)

	finalized, err := h.engine.Finalize()
	require.NoError(t, err)
	require.Equal(t, []types.Hash{a1.Hash(), a2.Hash()},
		blockHashes(finalized))

	// The prefix is canonical.
	tip, err := h.bc.LastBlock()
	require.NoError(t, err)
	require.Equal(t, a2.Hash(), tip.Hash())

	h1, err := chaindb.BlockHashByHeight(h.bc, 1)
	require.NoError(t, err)
	require.Equal(t, a1.Hash(), h1)

	rec, err := h.bc.LastDifficulty()
	require.NoError(t, err)
	require.Equal(t, uint64(2), rec.Height)

	// The included tx left every pool.
	included, err := chaindb.HasTx(h.bc, txHash)
	require.NoError(t, err)
	require.True(t, included)
	_, err = h.pool.Get(txHash)
	require.ErrorIs(t, err, mempool.ErrTxNotFound)
	_, err = h.bc.Get(chaindb.TreePendingTxs, txHash[:])
	require.ErrorIs(t, err, chaindb.ErrKeyNotFound)

	// Only the best fork shared the prefix; it was rebuilt on the new
	// tip with its ranks intact.
	forks := h.engine.Forks()
	require.Len(t, forks, 1)
	require.Equal(t, []types.Hash{a3.Hash()}, forks[0].Proposals)
	require.Zero(t, before.TargetsRank.Cmp(forks[0].TargetsRank))
	require.Zero(t, before.HashesRank.Cmp(forks[0].HashesRank))

	// The slot is closed.
	require.Equal(t, uint64(4), h.engine.Checkpoint())
	require.ErrorIs(t, h.propose(h.block(a3, 4, 0)), ErrFinalizedSlot)

	h.mustPropose(h.block(a3, 5, 0))
	require.Len(t, h.proposals(0), 2)
}

func TestFinalizeKeepsForksSharingPrefix(t *testing.T) {
	h := newHarness(t, withThreshold(1))

	a1 := h.block(h.genesis, 1, 0)
	a2 := h.block(a1, 2, 0)
	a3 := h.block(a2, 3, 0)
	b3 := h.block(a2, 4, 1)
	h.mustPropose(a1)
	h.mustPropose(a2)
	h.mustPropose(a3)
	h.mustPropose(b3)

	finalized, err := h.engine.Finalize()
	require.NoError(t, err)
	require.Equal(t, []types.Hash{a1.Hash(), a2.Hash()},
		blockHashes(finalized))

	forks := h.engine.Forks()
	require.Len(t, forks, 2)
	require.Equal(t, []types.Hash{a3.Hash()}, forks[0].Proposals)
	require.Equal(t, []types.Hash{b3.Hash()}, forks[1].Proposals)
}

// rejectingVerifier fails one block once armed
type rejectingVerifier struct {
	BlockVerifier

	reject types.Hash
	armed  bool
}

func (v *rejectingVerifier) VerifyBlock(ov *chaindb.Overlay,
	tk types.TimeKeeper, block, prev *types.Block, reward uint64,
	testingMode bool) error {

	if v.armed && block.Hash() == v.reject {
		return errors.New("rejected")
	}
	return v.BlockVerifier.VerifyBlock(ov, tk, block, prev, reward,
		testingMode)
}

func TestFinalizeFailedSurvivorRebuildChangesNothing(t *testing.T) {
	h := newHarness(t, withThreshold(2))

	a1 := h.block(h.genesis, 1, 0)
	a2 := h.block(a1, 2, 0)
	a3 := h.block(a2, 3, 0)
	a4 := h.block(a3, 4, 0)
	b3 := h.block(a2, 5, 1)
	h.mustPropose(a1)
	h.mustPropose(a2)
	h.mustPropose(a3)
	h.mustPropose(a4)
	h.mustPropose(b3)

	verifier := &rejectingVerifier{
		BlockVerifier: h.engine.verifier,
		reject:        b3.Hash(),
		armed:         true,
	}
	h.engine.verifier = verifier

	before := h.engine.Forks()
	require.Len(t, before, 2)

	_, err := h.engine.Finalize()
	require.ErrorIs(t, err, ErrForkReplay)

	tip, err := h.bc.LastBlock()
	require.NoError(t, err)
	require.Equal(t, h.genesis.Hash(), tip.Hash())
	require.Zero(t, h.engine.Checkpoint())
	requireSameForks(t, before, h.engine.Forks())

	// Once the survivor replays cleanly the same finalization succeeds.
	verifier.armed = false

	finalized, err := h.engine.Finalize()
	require.NoError(t, err)
	require.Equal(t, []types.Hash{a1.Hash(), a2.Hash()},
		blockHashes(finalized))
	require.Equal(t, uint64(5), h.engine.Checkpoint())

	forks := h.engine.Forks()
	require.Len(t, forks, 2)
	require.Equal(t, []types.Hash{a3.Hash(), a4.Hash()}, forks[0].Proposals)
	require.Equal(t, []types.Hash{b3.Hash()}, forks[1].Proposals)
	require.Zero(t, before[1].TargetsRank.Cmp(forks[1].TargetsRank))
	require.Zero(t, before[1].HashesRank.Cmp(forks[1].HashesRank))

	// The survivors extend the new canonical tip.
	h.mustPropose(h.block(a4, 6, 0))
	require.Len(t, h.proposals(0), 3)
}

func TestFinalizeBelowThreshold(t *testing.T) {
	h := newHarness(t)

	a1 := h.block(h.genesis, 1, 0)
	a2 := h.block(a1, 2, 0)
	h.mustPropose(a1)
	h.mustPropose(a2)

	h.setSlot(3)
	finalized, err := h.engine.Finalize()
	require.NoError(t, err)
	require.Empty(t, finalized)

	require.Equal(t, []types.Hash{a1.Hash(), a2.Hash()}, h.proposals(0))
	require.Equal(t, uint64(3), h.engine.Checkpoint())

	tip, err := h.bc.LastBlock()
	require.NoError(t, err)
	require.Equal(t, h.genesis.Hash(), tip.Hash())
}

func TestFinalizeSkipsTiedBestFork(t *testing.T) {
	h := newHarness(t, withThreshold(0))

	h.mustPropose(h.block(h.genesis, 1, 0))
	h.mustPropose(h.block(h.genesis, 1, 1))

	tied := h.engine.forks[0]
	h.engine.forks[1].targetsRank = new(big.Int).Set(tied.targetsRank)
	h.engine.forks[1].hashesRank = new(big.Int).Set(tied.hashesRank)

	h.setSlot(2)
	finalized, err := h.engine.Finalize()
	require.NoError(t, err)
	require.Empty(t, finalized)
	require.Len(t, h.engine.Forks(), 2)
	require.Equal(t, uint64(2), h.engine.Checkpoint())
}

func TestFinalizeSameSlotKeepsCheckpoint(t *testing.T) {
	h := newHarness(t, withThreshold(0))

	a1 := h.block(h.genesis, 1, 0)
	h.mustPropose(a1)

	h.setSlot(2)
	_, err := h.engine.Finalize()
	require.NoError(t, err)
	require.Empty(t, h.engine.Forks())

	// A second call in the same slot has nothing left to do.
	finalized, err := h.engine.Finalize()
	require.NoError(t, err)
	require.Empty(t, finalized)
	require.Equal(t, uint64(2), h.engine.Checkpoint())
}

func TestFinalizeNotStarted(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.Stop())

	_, err := h.engine.Finalize()
	require.ErrorIs(t, err, ErrNotStarted)
}
