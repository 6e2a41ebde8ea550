// Package engine implements the proof-of-work fork-choice engine.
//
// The engine keeps every live candidate chain ("fork") on top of the
// canonical store and admits block proposals through a fixed pipeline:
//
//	finalization gate → slot match → hash integrity → tx cap → fork resolution → verify → append
//
// # Core Components
//
// Engine: Admission, fork resolution, enumeration and finalization behind a
// single RWMutex. Admission and finalization are exclusive, enumeration is
// shared.
//
// Fork: An ordered list of unfinalized proposal hashes, the fork's view of
// the mempool, its cumulative rank pair and an exclusively owned overlay of
// the canonical store.
//
// Rank: Each block contributes ((MAX - target)², (MAX - output)²). Forks are
// ordered by targets rank, then hashes rank, then lowest index.
//
// Finalize: Promotes the best fork's prefix beyond the finalization
// threshold to the canonical store and advances the checkpoint. Surviving
// forks are rebuilt before the prefix is committed.
//
// Replay: Restores the fork set from the proposal journal after restart,
// including forks dropped by PruneWorstFork.
//
// # Usage Example
//
//	cfg := engine.DefaultConfig()
//	cfg.GenesisTime = genesis.Header.Timestamp
//	eng, err := engine.NewEngine(cfg, bc, verifier, powModule, pool, journal, nil)
//	if err != nil {
//	    return err
//	}
//	if err := eng.Start(); err != nil {
//	    return err
//	}
//
//	err = eng.AppendProposal(types.NewProposal(block))
//	best, err := eng.BestForkIndex()
//
// # Thread Safety
//
// All public methods are thread-safe. A rejected proposal never mutates the
// fork set, and a fork's overlay is only ever written through a clone.
package engine
