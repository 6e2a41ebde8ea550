package chaindb

import (
	"math/big"
	"path/filepath"
	"testing"

	"github.com/blockberries/forkberry/types"
	"github.com/stretchr/testify/require"
)

func newTestChain(t *testing.T) *Blockchain {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "chain.db")
	cfg.DBTimeout = 0

	bc, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, bc.Close())
	})
	return bc
}

func testBlock(height uint64, previous types.Hash, extra ...[]byte) *types.Block {
	cb := &types.Coinbase{Height: height}
	txs := append([][]byte{cb.Bytes()}, extra...)
	return types.NewBlock(types.Header{
		Version:   types.BlockVersion,
		Previous:  previous,
		Height:    height,
		Slot:      height,
		Timestamp: 1000 + height,
	}, txs)
}

func TestOpenCreatesBaseTrees(t *testing.T) {
	bc := newTestChain(t)

	for _, name := range BaseTrees {
		ok, err := bc.HasTree(name)
		require.NoError(t, err)
		require.True(t, ok, "missing tree %s", name)
	}

	empty, err := bc.IsEmpty()
	require.NoError(t, err)
	require.True(t, empty)

	_, err = bc.LastBlock()
	require.ErrorIs(t, err, ErrEmptyChain)
}

func TestConfigValidateBasic(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.ValidateBasic())

	cfg.Path = ""
	require.Error(t, cfg.ValidateBasic())

	cfg = DefaultConfig()
	cfg.BlockCacheSize = 0
	require.Error(t, cfg.ValidateBasic())
}

func TestApplyDiffAndInverse(t *testing.T) {
	bc := newTestChain(t)

	ov := NewOverlay(bc)
	require.NoError(t, ov.Put(TreeMeta, []byte("a"), []byte("1")))
	require.NoError(t, ov.Put("scratch", []byte("k"), []byte("v")))

	inverse, err := bc.ApplyDiff(ov.Diff())
	require.NoError(t, err)

	v, err := bc.Get(TreeMeta, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	ok, err := bc.HasTree("scratch")
	require.NoError(t, err)
	require.True(t, ok)

	// Applying the inverse restores the prior state.
	_, err = bc.ApplyDiff(inverse)
	require.NoError(t, err)

	_, err = bc.Get(TreeMeta, []byte("a"))
	require.ErrorIs(t, err, ErrKeyNotFound)

	ok, err = bc.HasTree("scratch")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestApplyDiffInverseRestoresOverwrite(t *testing.T) {
	bc := newTestChain(t)

	_, err := bc.ApplyDiff(&StateDiff{Ops: []TreeOp{
		{Tree: TreeMeta, Key: []byte("k"), Value: []byte("old")},
	}})
	require.NoError(t, err)

	inverse, err := bc.ApplyDiff(&StateDiff{Ops: []TreeOp{
		{Tree: TreeMeta, Key: []byte("k"), Value: []byte("new")},
		{Tree: TreeMeta, Key: []byte("k"), Delete: true},
	}})
	require.NoError(t, err)

	_, err = bc.Get(TreeMeta, []byte("k"))
	require.ErrorIs(t, err, ErrKeyNotFound)

	_, err = bc.ApplyDiff(inverse)
	require.NoError(t, err)

	v, err := bc.Get(TreeMeta, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("old"), v)
}

func TestOverlayReadThrough(t *testing.T) {
	bc := newTestChain(t)

	genesis := testBlock(0, types.Hash{})
	ov := NewOverlay(bc)
	h, err := ov.InsertBlock(genesis)
	require.NoError(t, err)
	require.NoError(t, ov.InsertDifficulty(NewGenesisDifficulty(1000)))

	// Nothing is canonical until the diff is applied.
	_, err = bc.BlockByHash(h)
	require.ErrorIs(t, err, ErrBlockNotFound)

	_, err = bc.ApplyDiff(ov.Diff())
	require.NoError(t, err)

	tip, err := bc.LastBlock()
	require.NoError(t, err)
	require.Equal(t, h, tip.Hash())

	// A fresh overlay sees canonical state and layers its own writes.
	next := testBlock(1, h)
	ov2 := NewOverlay(bc)
	last, err := ov2.LastBlock()
	require.NoError(t, err)
	require.Equal(t, h, last.Hash())

	nh, err := ov2.InsertBlock(next)
	require.NoError(t, err)

	last, err = ov2.LastBlock()
	require.NoError(t, err)
	require.Equal(t, nh, last.Hash())

	blocks, err := ov2.GetBlocksByHash([]types.Hash{h, nh})
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	require.Equal(t, uint64(1), blocks[1].Header.Height)

	got, err := BlockHashByHeight(ov2, 1)
	require.NoError(t, err)
	require.Equal(t, nh, got)

	// Canonical tip is unchanged.
	tip, err = bc.LastBlock()
	require.NoError(t, err)
	require.Equal(t, h, tip.Hash())
}

func TestOverlayFullCloneIsIndependent(t *testing.T) {
	bc := newTestChain(t)

	ov := NewOverlay(bc)
	require.NoError(t, ov.Put(TreeMeta, []byte("k"), []byte("a")))

	clone := ov.FullClone()
	require.NoError(t, clone.Put(TreeMeta, []byte("k"), []byte("b")))

	v, err := ov.Get(TreeMeta, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("a"), v)

	v, err = clone.Get(TreeMeta, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("b"), v)
}

func TestOverlayCheckpointRevert(t *testing.T) {
	bc := newTestChain(t)

	ov := NewOverlay(bc)
	require.NoError(t, ov.Put(TreeMeta, []byte("kept"), []byte("1")))
	ov.Checkpoint()

	require.NoError(t, ov.Put(TreeMeta, []byte("dropped"), []byte("2")))
	require.NoError(t, ov.Delete(TreeMeta, []byte("kept")))
	require.NoError(t, ov.Put("contract_state_x", []byte("k"), []byte("v")))

	ov.RevertToCheckpoint()
	ov.PurgeNewTrees()

	v, err := ov.Get(TreeMeta, []byte("kept"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)

	_, err = ov.Get(TreeMeta, []byte("dropped"))
	require.ErrorIs(t, err, ErrKeyNotFound)

	ok, err := ov.HasTree("contract_state_x")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOverlayRevertWithoutCheckpoint(t *testing.T) {
	bc := newTestChain(t)

	ov := NewOverlay(bc)
	require.NoError(t, ov.Put("fresh", []byte("k"), []byte("v")))

	ov.RevertToCheckpoint()
	ov.PurgeNewTrees()

	require.True(t, ov.Diff().IsEmpty())
}

func TestOverlayRebaseAfterCommit(t *testing.T) {
	bc := newTestChain(t)

	base := NewOverlay(bc)
	require.NoError(t, base.Put("fresh", []byte("k1"), []byte("v1")))
	require.NoError(t, base.Put(TreeMeta, []byte("k"), []byte("a")))

	ov := base.FullClone()
	require.NoError(t, ov.Put("fresh", []byte("k2"), []byte("v2")))
	require.NoError(t, ov.Put(TreeMeta, []byte("k"), []byte("c")))
	ov.Checkpoint()

	diff := base.Diff()
	_, err := bc.ApplyDiff(diff)
	require.NoError(t, err)

	ov.Rebase(diff)

	rebased := ov.Diff()
	require.Empty(t, rebased.NewTrees)
	require.Equal(t, []TreeOp{
		{Tree: "fresh", Key: []byte("k2"), Value: []byte("v2")},
		{Tree: TreeMeta, Key: []byte("k"), Value: []byte("c")},
	}, rebased.Ops)

	// Committed writes are now read through the canonical store.
	v, err := ov.Get("fresh", []byte("k1"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	// The checkpoint taken before the rebase is gone.
	ov.RevertToCheckpoint()
	require.True(t, ov.Diff().IsEmpty())
}

func TestOverlayCreatedTreeDoesNotFallThrough(t *testing.T) {
	bc := newTestChain(t)

	ov := NewOverlay(bc)
	require.NoError(t, ov.OpenTree("fresh"))

	_, err := ov.Get("fresh", []byte("missing"))
	require.ErrorIs(t, err, ErrKeyNotFound)

	diff := ov.Diff()
	require.Equal(t, []string{"fresh"}, diff.NewTrees)
	require.Equal(t, []string{"fresh"}, diff.Trees())
}

func TestOverlayDiffIsSorted(t *testing.T) {
	bc := newTestChain(t)

	ov := NewOverlay(bc)
	require.NoError(t, ov.Put(TreeTxs, []byte("b"), []byte("2")))
	require.NoError(t, ov.Put(TreeMeta, []byte("z"), []byte("3")))
	require.NoError(t, ov.Put(TreeTxs, []byte("a"), []byte("1")))

	diff := ov.Diff()
	require.Len(t, diff.Ops, 3)
	require.Equal(t, TreeMeta, diff.Ops[0].Tree)
	require.Equal(t, []byte("a"), diff.Ops[1].Key)
	require.Equal(t, []byte("b"), diff.Ops[2].Key)
}

func TestPendingTxs(t *testing.T) {
	bc := newTestChain(t)

	tx := []byte("transfer")
	h := types.TxHash(tx)

	ov := NewOverlay(bc)
	require.NoError(t, ov.AddPendingTx(tx))
	_, err := bc.ApplyDiff(ov.Diff())
	require.NoError(t, err)

	ov = NewOverlay(bc)
	require.NoError(t, ov.RemovePendingTx(h))
	require.NoError(t, ov.PutTx(tx))

	// Removing an absent tx is a no-op.
	require.NoError(t, ov.RemovePendingTx(types.TxHash([]byte("other"))))

	included, err := ov.HasTx(h)
	require.NoError(t, err)
	require.True(t, included)

	_, err = ov.Get(TreePendingTxs, h[:])
	require.ErrorIs(t, err, ErrKeyNotFound)

	_, err = bc.Get(TreePendingTxs, h[:])
	require.NoError(t, err)
}

func TestDifficultyRecords(t *testing.T) {
	bc := newTestChain(t)

	ov := NewOverlay(bc)
	prev := types.Hash{}
	for height := uint64(0); height < 5; height++ {
		b := testBlock(height, prev)
		h, err := ov.InsertBlock(b)
		require.NoError(t, err)
		prev = h

		rec := &DifficultyRecord{
			Height:               height,
			Timestamp:            b.Header.Timestamp,
			Difficulty:           big.NewInt(int64(height)),
			CumulativeDifficulty: big.NewInt(int64(height * 10)),
			TargetsRank:          big.NewInt(int64(height * 100)),
			HashesRank:           new(big.Int).Lsh(big.NewInt(1), 300),
		}
		require.NoError(t, ov.InsertDifficulty(rec))
	}

	last, err := ov.LastDifficulty()
	require.NoError(t, err)
	require.Equal(t, uint64(4), last.Height)
	require.Equal(t, int64(400), last.TargetsRank.Int64())
	require.Equal(t, 0, last.HashesRank.Cmp(new(big.Int).Lsh(big.NewInt(1), 300)))

	recs, err := ov.Difficulties(3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.Equal(t, uint64(2), recs[0].Height)

	recs, err = ov.Difficulties(10)
	require.NoError(t, err)
	require.Len(t, recs, 5)

	_, err = bc.ApplyDiff(ov.Diff())
	require.NoError(t, err)

	last, err = bc.LastDifficulty()
	require.NoError(t, err)
	require.Equal(t, uint64(4), last.Height)
}

func TestCheckpointPersists(t *testing.T) {
	bc := newTestChain(t)

	slot, err := bc.Checkpoint()
	require.NoError(t, err)
	require.Zero(t, slot)

	require.NoError(t, bc.SetCheckpoint(42))

	slot, err = bc.Checkpoint()
	require.NoError(t, err)
	require.Equal(t, uint64(42), slot)

	require.NoError(t, bc.SetCheckpoint(1<<40+7))
	slot, err = bc.Checkpoint()
	require.NoError(t, err)
	require.Equal(t, uint64(1<<40+7), slot)

	_, err = bc.ApplyDiff(&StateDiff{Ops: []TreeOp{{
		Tree:  TreeMeta,
		Key:   metaCheckpointKey,
		Value: []byte{1, 2, 3},
	}}})
	require.NoError(t, err)
	_, err = bc.Checkpoint()
	require.Error(t, err)
}

func TestBlockCacheInvalidation(t *testing.T) {
	bc := newTestChain(t)

	b := testBlock(0, types.Hash{})
	ov := NewOverlay(bc)
	h, err := ov.InsertBlock(b)
	require.NoError(t, err)

	inverse, err := bc.ApplyDiff(ov.Diff())
	require.NoError(t, err)

	_, err = bc.BlockByHash(h)
	require.NoError(t, err)

	// Reverting removes the block; the cache must not serve it.
	_, err = bc.ApplyDiff(inverse)
	require.NoError(t, err)

	_, err = bc.BlockByHash(h)
	require.ErrorIs(t, err, ErrBlockNotFound)
}
