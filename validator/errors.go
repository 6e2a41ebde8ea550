package validator

import "errors"

// Validation errors
var (
	ErrPreviousMismatch   = errors.New("block does not link to previous block")
	ErrHeightMismatch     = errors.New("block height does not follow previous")
	ErrInvalidSlot        = errors.New("block slot is not the verifying slot")
	ErrTimestampTooOld    = errors.New("block timestamp does not advance")
	ErrTxRootMismatch     = errors.New("block tx root mismatch")
	ErrInvalidCoinbase    = errors.New("invalid coinbase")
	ErrRewardMismatch     = errors.New("coinbase reward mismatch")
	ErrDuplicateTx        = errors.New("duplicate transaction")
	ErrTxExecution        = errors.New("transaction execution failed")
	ErrUnsupportedVersion = errors.New("unsupported block version")

	ErrGenesisMismatch = errors.New("stored genesis does not match")
	ErrInvalidGenesis  = errors.New("invalid genesis block")
)
