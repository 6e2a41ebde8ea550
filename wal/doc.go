// Package wal implements the proposal journal used to restore the live fork
// set after a restart.
//
// Every admitted proposal is journaled before admission returns. When a
// slot is finalized the engine writes an EndSlot marker followed by the
// proposals of every fork that survived finalization, so the journal from
// the latest marker onwards is enough to rebuild all forks.
//
// # Message Types
//
//	- MsgTypeProposal: An admitted proposal (the encoded block)
//	- MsgTypeEndSlot: A finalization marker
//	- MsgTypePruneFork: A fork dropped by pruning, named by its tip
//
// Messages are lnd TLV streams carrying the type, the slot and the payload.
//
// # File Format
//
// FileWAL stores records in segment files named journal-000000.seg,
// journal-000001.seg, ... Each record is framed as:
//
//	[4 bytes: payload length][4 bytes: CRC-32C of payload][payload]
//
// Records are buffered; WriteSync and FlushAndSync fsync the open segment.
// A segment is closed and the next one opened once it reaches the
// configured size.
//
// # Recovery
//
// Start indexes the EndSlot markers of every segment. A damaged record at
// the end of the newest segment, left by a torn write, is truncated away
// before appending resumes. Readers report damage as ErrCorrupted.
//
// SearchForEndSlot positions a reader right after a slot's marker and the
// reader continues through every later segment. Checkpoint removes the
// segments older than the one holding a marker.
//
// # Usage Example
//
//	w, err := wal.NewFileWAL("./data/journal")
//	if err != nil {
//	    return err
//	}
//	if err := w.Start(); err != nil {
//	    return err
//	}
//	defer w.Stop()
//
//	err = w.WriteSync(wal.NewProposalMessage(proposal))
//
//	reader, found, err := w.SearchForEndSlot(checkpoint)
package wal
