package engine

import (
	"errors"
	"fmt"

	"github.com/blockberries/forkberry/types"
)

// Admission errors
var (
	ErrFinalizedSlot         = errors.New("slot is already finalized")
	ErrSlotMismatch          = errors.New("proposal slot is not the verifying slot")
	ErrProposalHashMismatch  = errors.New("proposal hash does not match block")
	ErrHeaderHashMismatch    = errors.New("proposal header hash does not match header")
	ErrTooManyTxs            = errors.New("proposal carries too many transactions")
	ErrProposalExists        = errors.New("proposal already known")
	ErrInvalidBlock          = errors.New("invalid block")
	ErrExtendedChainNotFound = errors.New("proposal does not extend any known chain")

	// ErrForkReplay means a block that was valid on one fork failed when
	// replayed on a fresh overlay. It indicates local state corruption.
	ErrForkReplay = errors.New("fork replay failed")
)

// Engine errors
var (
	ErrNoForks        = errors.New("no forks")
	ErrForkIndex      = errors.New("fork index out of range")
	ErrWALWrite       = errors.New("journal write failed")
	ErrWALReplay      = errors.New("journal replay failed")
	ErrAlreadyStarted = errors.New("engine already started")
	ErrNotStarted     = errors.New("engine not started")
	ErrInvalidConfig  = errors.New("invalid engine config")
)

// VerificationError is returned when a proposal's block fails block
// verification. It matches ErrInvalidBlock and the verifier's own error.
type VerificationError struct {
	BlockHash types.Hash
	Err       error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("%v %s: %v", ErrInvalidBlock, e.BlockHash, e.Err)
}

// Unwrap exposes both ErrInvalidBlock and the underlying cause
func (e *VerificationError) Unwrap() []error {
	return []error{ErrInvalidBlock, e.Err}
}

// rejectReason maps an admission error to a metrics label
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrFinalizedSlot):
		return "finalized_slot"
	case errors.Is(err, ErrSlotMismatch):
		return "slot_mismatch"
	case errors.Is(err, ErrProposalHashMismatch):
		return "hash_mismatch"
	case errors.Is(err, ErrHeaderHashMismatch):
		return "header_hash_mismatch"
	case errors.Is(err, ErrTooManyTxs):
		return "too_many_txs"
	case errors.Is(err, ErrProposalExists):
		return "exists"
	case errors.Is(err, ErrInvalidBlock):
		return "invalid_block"
	case errors.Is(err, ErrExtendedChainNotFound):
		return "orphan"
	case errors.Is(err, ErrForkReplay):
		return "fork_replay"
	case errors.Is(err, ErrWALWrite):
		return "journal"
	default:
		return "other"
	}
}
