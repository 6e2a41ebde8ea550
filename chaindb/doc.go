// Package chaindb holds the canonical chain database and the copy-on-write
// overlays candidate forks speculate on.
//
// The canonical store is a set of named trees (bbolt top-level buckets via
// lnd's kvdb). An Overlay layers in-memory writes over the canonical trees:
// reads fall through to canonical for untouched keys, writes never reach
// disk until the overlay's Diff is applied with Blockchain.ApplyDiff.
//
// Overlays are plain values owned by exactly one fork. FullClone produces an
// independent copy; Checkpoint/RevertToCheckpoint and PurgeNewTrees undo a
// failed speculative operation.
package chaindb
