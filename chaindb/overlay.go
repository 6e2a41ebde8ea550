package chaindb

import (
	"bytes"
	"errors"
	"sort"

	"github.com/blockberries/forkberry/types"
)

type entry struct {
	value   []byte
	deleted bool
}

type overlayTree struct {
	entries map[string]entry

	// created marks a tree that does not exist in the canonical store.
	// Reads from it never fall through.
	created bool
}

func (t *overlayTree) clone() *overlayTree {
	c := &overlayTree{
		entries: make(map[string]entry, len(t.entries)),
		created: t.created,
	}
	for k, e := range t.entries {
		c.entries[k] = entry{
			value:   append([]byte(nil), e.value...),
			deleted: e.deleted,
		}
	}
	return c
}

// Overlay is a copy-on-write view over the canonical store. Writes stay in
// memory until Diff is applied to the canonical store. An Overlay is not
// safe for concurrent use.
type Overlay struct {
	canonical *Blockchain
	trees     map[string]*overlayTree

	// checkpoint is nil until Checkpoint is first called
	checkpoint map[string]*overlayTree
}

// NewOverlay creates an empty overlay over the canonical store
func NewOverlay(canonical *Blockchain) *Overlay {
	return &Overlay{
		canonical: canonical,
		trees:     make(map[string]*overlayTree),
	}
}

// OpenTree makes a tree writable in the overlay, creating it if the
// canonical store does not have it.
func (o *Overlay) OpenTree(name string) error {
	if _, ok := o.trees[name]; ok {
		return nil
	}
	exists, err := o.canonical.HasTree(name)
	if err != nil {
		return err
	}
	o.trees[name] = &overlayTree{
		entries: make(map[string]entry),
		created: !exists,
	}
	return nil
}

// HasTree reports whether the tree exists in the overlay or canonically
func (o *Overlay) HasTree(name string) (bool, error) {
	if _, ok := o.trees[name]; ok {
		return true, nil
	}
	return o.canonical.HasTree(name)
}

// Get reads a key, preferring overlay writes over canonical state
func (o *Overlay) Get(tree string, key []byte) ([]byte, error) {
	t, ok := o.trees[tree]
	if ok {
		if e, ok := t.entries[string(key)]; ok {
			if e.deleted {
				return nil, ErrKeyNotFound
			}
			return append([]byte(nil), e.value...), nil
		}
		if t.created {
			return nil, ErrKeyNotFound
		}
	}
	return o.canonical.Get(tree, key)
}

// Put writes a key, opening the tree if needed
func (o *Overlay) Put(tree string, key, value []byte) error {
	if err := o.OpenTree(tree); err != nil {
		return err
	}
	o.trees[tree].entries[string(key)] = entry{
		value: append([]byte(nil), value...),
	}
	return nil
}

// Delete removes a key, opening the tree if needed
func (o *Overlay) Delete(tree string, key []byte) error {
	if err := o.OpenTree(tree); err != nil {
		return err
	}
	o.trees[tree].entries[string(key)] = entry{deleted: true}
	return nil
}

func cloneTrees(trees map[string]*overlayTree) map[string]*overlayTree {
	c := make(map[string]*overlayTree, len(trees))
	for name, t := range trees {
		c[name] = t.clone()
	}
	return c
}

// FullClone returns an independent overlay with the same pending writes.
// The clone has no checkpoint.
func (o *Overlay) FullClone() *Overlay {
	return &Overlay{
		canonical: o.canonical,
		trees:     cloneTrees(o.trees),
	}
}

// Checkpoint snapshots the overlay's pending writes
func (o *Overlay) Checkpoint() {
	o.checkpoint = cloneTrees(o.trees)
}

// RevertToCheckpoint discards writes made since the last Checkpoint, or all
// writes if no checkpoint was taken.
func (o *Overlay) RevertToCheckpoint() {
	if o.checkpoint == nil {
		o.trees = make(map[string]*overlayTree)
		return
	}
	o.trees = cloneTrees(o.checkpoint)
}

// PurgeNewTrees drops trees created in the overlay that were not present
// at the last checkpoint.
func (o *Overlay) PurgeNewTrees() {
	for name, t := range o.trees {
		if !t.created {
			continue
		}
		if o.checkpoint != nil {
			if _, ok := o.checkpoint[name]; ok {
				continue
			}
		}
		delete(o.trees, name)
	}
}

// Rebase drops the writes that diff has committed to the canonical store,
// keeping only those the overlay made on top of it. The overlay must have
// been cloned from the one diff was taken from. Any checkpoint is cleared.
func (o *Overlay) Rebase(diff *StateDiff) {
	for _, name := range diff.NewTrees {
		if t, ok := o.trees[name]; ok {
			t.created = false
		}
	}

	for _, op := range diff.Ops {
		t, ok := o.trees[op.Tree]
		if !ok {
			continue
		}
		e, ok := t.entries[string(op.Key)]
		if !ok || e.deleted != op.Delete {
			continue
		}
		if op.Delete || bytes.Equal(e.value, op.Value) {
			delete(t.entries, string(op.Key))
		}
	}

	for name, t := range o.trees {
		if !t.created && len(t.entries) == 0 {
			delete(o.trees, name)
		}
	}
	o.checkpoint = nil
}

// Diff returns the overlay's writes as a diff against canonical state, in
// deterministic order.
func (o *Overlay) Diff() *StateDiff {
	names := make([]string, 0, len(o.trees))
	for name := range o.trees {
		names = append(names, name)
	}
	sort.Strings(names)

	diff := &StateDiff{}
	for _, name := range names {
		t := o.trees[name]
		if t.created {
			diff.NewTrees = append(diff.NewTrees, name)
		}

		keys := make([]string, 0, len(t.entries))
		for k := range t.entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			e := t.entries[k]
			diff.Ops = append(diff.Ops, TreeOp{
				Tree:   name,
				Key:    []byte(k),
				Value:  e.value,
				Delete: e.deleted,
			})
		}
	}
	return diff
}

// InsertBlock stores a block and makes it the overlay's tip
func (o *Overlay) InsertBlock(b *types.Block) (types.Hash, error) {
	h := b.Hash()
	headerHash := b.Header.Hash()

	if err := o.Put(TreeBlocks, h[:], b.Bytes()); err != nil {
		return h, err
	}
	if err := o.Put(TreeHeaders, headerHash[:], b.Header.Bytes()); err != nil {
		return h, err
	}
	if err := o.Put(TreeOrder, HeightKey(b.Header.Height), h[:]); err != nil {
		return h, err
	}
	if err := o.Put(TreeMeta, metaTipKey, h[:]); err != nil {
		return h, err
	}
	return h, nil
}

// InsertDifficulty stores a difficulty record under its height
func (o *Overlay) InsertDifficulty(rec *DifficultyRecord) error {
	data, err := rec.Encode()
	if err != nil {
		return err
	}
	return o.Put(TreeDifficulty, HeightKey(rec.Height), data)
}

// PutTx records an included transaction
func (o *Overlay) PutTx(tx []byte) error {
	h := types.TxHash(tx)
	return o.Put(TreeTxs, h[:], tx)
}

// AddPendingTx records a transaction awaiting inclusion
func (o *Overlay) AddPendingTx(tx []byte) error {
	h := types.TxHash(tx)
	return o.Put(TreePendingTxs, h[:], tx)
}

// RemovePendingTx drops a pending transaction if present
func (o *Overlay) RemovePendingTx(h types.Hash) error {
	_, err := o.Get(TreePendingTxs, h[:])
	if errors.Is(err, ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return o.Delete(TreePendingTxs, h[:])
}

// BlockByHash returns a block written in the overlay or canonically
func (o *Overlay) BlockByHash(h types.Hash) (*types.Block, error) {
	if t, ok := o.trees[TreeBlocks]; ok {
		if e, ok := t.entries[string(h[:])]; ok && !e.deleted {
			return types.DecodeBlock(e.value)
		}
	}
	return o.canonical.BlockByHash(h)
}

// GetBlocksByHash returns blocks for the given hashes in order
func (o *Overlay) GetBlocksByHash(hashes []types.Hash) ([]*types.Block, error) {
	return getBlocks(hashes, o.BlockByHash)
}

// LastBlock returns the overlay's tip
func (o *Overlay) LastBlock() (*types.Block, error) {
	h, err := tipHash(o)
	if err != nil {
		return nil, err
	}
	return o.BlockByHash(h)
}

// LastDifficulty returns the difficulty record of the overlay's tip
func (o *Overlay) LastDifficulty() (*DifficultyRecord, error) {
	return lastDifficulty(o, o.LastBlock)
}

// Difficulties returns up to n records ending at the overlay's tip, oldest
// first.
func (o *Overlay) Difficulties(n int) ([]*DifficultyRecord, error) {
	tip, err := o.LastBlock()
	if err != nil {
		return nil, err
	}
	return Difficulties(o, tip.Header.Height, n)
}

// HasTx reports whether a transaction is included in the overlay's chain
func (o *Overlay) HasTx(h types.Hash) (bool, error) {
	return HasTx(o, h)
}
