package engine

import (
	"errors"
	"fmt"
	"io"

	"github.com/blockberries/forkberry/types"
	"github.com/blockberries/forkberry/wal"
)

// JournalReplayResult contains the result of a journal replay
type JournalReplayResult struct {
	// Checkpoint the replay started from
	Checkpoint uint64
	// Whether the checkpoint's EndSlot marker was found
	FoundMarker bool
	// Number of proposals re-admitted
	Replayed int
	// Number of proposals already known
	Skipped int
	// Number of proposals that no longer apply
	Rejected int
	// Number of forks dropped by journaled prunes
	Pruned int
}

// replayJournal restores forks from the proposals journaled after the
// current checkpoint's marker. Replayed proposals bypass the finalization
// gate and are verified under their own slot. Must be called with the
// engine lock held.
func (e *Engine) replayJournal() (*JournalReplayResult, error) {
	result := &JournalReplayResult{Checkpoint: e.checkpoint}

	reader, found, err := e.wal.SearchForEndSlot(e.checkpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWALReplay, err)
	}
	if !found {
		// Anchor a fresh journal so the next restart has a marker.
		msg := wal.NewEndSlotMessage(e.checkpoint)
		if err := e.wal.WriteSync(msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrWALWrite, err)
		}
		return result, nil
	}
	defer reader.Close()

	result.FoundMarker = true
	tk := e.timeKeeper()

	for {
		msg, err := reader.Read()
		if err == io.EOF {
			break
		}
		if errors.Is(err, wal.ErrCorrupted) {
			log.Warnf("Stopping journal replay at torn record: %v", err)
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrWALReplay, err)
		}

		if err := e.replayMessage(msg, tk, result); err != nil {
			return nil, err
		}
	}

	log.Infof("Journal replay from checkpoint %d: %d replayed, %d "+
		"skipped, %d rejected, %d forks pruned", result.Checkpoint,
		result.Replayed, result.Skipped, result.Rejected, result.Pruned)

	return result, nil
}

// replayMessage replays a single journal message
func (e *Engine) replayMessage(msg *wal.Message, tk types.TimeKeeper,
	result *JournalReplayResult) error {

	switch msg.Type {
	case wal.MsgTypeProposal:
		return e.replayProposal(msg, tk, result)

	case wal.MsgTypePruneFork:
		e.replayPrune(msg, result)
		return nil

	case wal.MsgTypeEndSlot:
		// A later marker belongs to a finalization whose checkpoint
		// write did not land.
		if msg.Slot > e.checkpoint {
			if err := e.blockchain.SetCheckpoint(msg.Slot); err != nil {
				return fmt.Errorf("%w: %v", ErrWALReplay, err)
			}
			e.checkpoint = msg.Slot
		}
		return nil

	default:
		log.Warnf("Skipping journal message of type %v", msg.Type)
		return nil
	}
}

func (e *Engine) replayProposal(msg *wal.Message, tk types.TimeKeeper,
	result *JournalReplayResult) error {

	p, err := wal.DecodeProposal(msg.Data)
	if err != nil {
		log.Warnf("Skipping undecodable journaled proposal: %v", err)
		result.Rejected++
		return nil
	}

	fork, idx, err := e.admit(p, tk.WithSlot(msg.Slot))
	switch {
	case err == nil:
		e.insertFork(fork, idx)
		result.Replayed++

	case errors.Is(err, ErrProposalExists):
		result.Skipped++

	case errors.Is(err, ErrForkReplay):
		return err

	default:
		log.Debugf("Journaled proposal %s no longer applies: %v",
			p.Hash, err)
		result.Rejected++
	}

	return nil
}

// replayPrune drops the fork whose tip the message names. The fork may
// already be gone if its proposals no longer apply.
func (e *Engine) replayPrune(msg *wal.Message, result *JournalReplayResult) {
	tip, err := types.NewHash(msg.Data)
	if err != nil {
		log.Warnf("Skipping malformed journaled prune: %v", err)
		return
	}

	for i, f := range e.forks {
		if h, ok := f.tip(); ok && h == tip {
			e.removeFork(i)
			result.Pruned++
			return
		}
	}
	log.Debugf("Journaled prune of fork %s matches no fork", tip)
}

// anchorJournal writes the EndSlot marker for slot followed by the
// proposals of every live fork, then persists slot as the checkpoint and
// drops journal segments older than the marker. Must be called with the
// engine lock held.
func (e *Engine) anchorJournal(slot uint64) error {
	if err := e.wal.Write(wal.NewEndSlotMessage(slot)); err != nil {
		return fmt.Errorf("%w: %v", ErrWALWrite, err)
	}

	written := make(map[types.Hash]struct{})
	for _, f := range e.forks {
		blocks, err := f.overlay.GetBlocksByHash(f.proposals)
		if err != nil {
			return err
		}
		for _, b := range blocks {
			p := types.NewProposal(b)
			if _, ok := written[p.Hash]; ok {
				continue
			}
			written[p.Hash] = struct{}{}

			if err := e.wal.Write(wal.NewProposalMessage(p)); err != nil {
				return fmt.Errorf("%w: %v", ErrWALWrite, err)
			}
		}
	}

	if err := e.wal.FlushAndSync(); err != nil {
		return fmt.Errorf("%w: %v", ErrWALWrite, err)
	}

	if err := e.blockchain.SetCheckpoint(slot); err != nil {
		return fmt.Errorf("failed to persist checkpoint: %w", err)
	}
	e.checkpoint = slot

	if err := e.wal.Checkpoint(slot); err != nil {
		log.Warnf("Failed to drop journal segments before slot %d: %v",
			slot, err)
	}

	log.Debugf("Anchored journal at slot %d with %d proposals", slot,
		len(written))

	return nil
}
