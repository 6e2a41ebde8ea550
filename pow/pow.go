// Package pow computes mining targets from a chain's difficulty history and
// checks header proof-of-work against them.
//
// The retarget follows the Monero scheme: over the last Window blocks,
// sort timestamps, cut Cut outliers from each end and scale the work done
// in the remaining span to the target block time. A header meets a target
// when the big-endian blake2b-256 digest of its encoding is strictly below
// the target.
package pow

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/blockberries/forkberry/chaindb"
	"github.com/blockberries/forkberry/types"
	"golang.org/x/crypto/blake2b"
)

// Errors
var (
	ErrTargetNotMet      = errors.New("header does not meet target")
	ErrInvalidDifficulty = errors.New("difficulty must be positive")
)

// MAX is the largest value a 256-bit PoW output or target can take.
var MAX = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Config holds retarget parameters
type Config struct {
	// TargetBlockTime is the desired spacing between blocks, in seconds
	TargetBlockTime uint64

	// Window is the number of most recent blocks considered
	Window int

	// Cut is the number of outlier timestamps dropped from each end
	Cut int

	// InitialDifficulty is used until enough history exists
	InitialDifficulty *big.Int

	// FixedDifficulty, if set, disables retargeting
	FixedDifficulty *big.Int
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		TargetBlockTime:   90,
		Window:            720,
		Cut:               60,
		InitialDifficulty: big.NewInt(1),
	}
}

// ValidateBasic performs basic validation of the config
func (cfg Config) ValidateBasic() error {
	if cfg.TargetBlockTime == 0 {
		return errors.New("target block time must be positive")
	}
	if cfg.Window < 2 {
		return fmt.Errorf("window must be at least 2, got %d", cfg.Window)
	}
	if cfg.Cut < 0 || 2*cfg.Cut >= cfg.Window-1 {
		return fmt.Errorf("cut %d leaves no usable window of %d", cfg.Cut,
			cfg.Window)
	}
	if cfg.InitialDifficulty == nil || cfg.InitialDifficulty.Sign() <= 0 {
		return fmt.Errorf("initial %w", ErrInvalidDifficulty)
	}
	if cfg.FixedDifficulty != nil && cfg.FixedDifficulty.Sign() <= 0 {
		return fmt.Errorf("fixed %w", ErrInvalidDifficulty)
	}
	return nil
}

// Module is the PoW verifier
type Module struct {
	cfg Config
}

// New creates a PoW module
func New(cfg Config) (*Module, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, err
	}
	return &Module{cfg: cfg}, nil
}

// Config returns the module's retarget parameters
func (m *Module) Config() Config {
	return m.cfg
}

// NextMineTargetAndDifficulty returns the target and difficulty the block
// following the overlay's tip must be mined at.
func (m *Module) NextMineTargetAndDifficulty(ov *chaindb.Overlay) (*big.Int, *big.Int, error) {
	var records []*chaindb.DifficultyRecord
	if m.cfg.FixedDifficulty == nil {
		var err error
		records, err = ov.Difficulties(m.cfg.Window)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load difficulty history: %w", err)
		}
	}

	difficulty := NextDifficulty(m.cfg, records)
	target := TargetFromDifficulty(difficulty)

	log.Tracef("Next difficulty %v (target %x) over %d records",
		difficulty, target, len(records))

	return target, difficulty, nil
}

// NextDifficulty computes the difficulty following records, which must be
// ordered oldest first.
func NextDifficulty(cfg Config, records []*chaindb.DifficultyRecord) *big.Int {
	if cfg.FixedDifficulty != nil {
		return new(big.Int).Set(cfg.FixedDifficulty)
	}

	if len(records) > cfg.Window {
		records = records[len(records)-cfg.Window:]
	}
	if len(records) < 2 {
		return new(big.Int).Set(cfg.InitialDifficulty)
	}

	timestamps := make([]uint64, len(records))
	for i, r := range records {
		timestamps[i] = r.Timestamp
	}
	sort.Slice(timestamps, func(i, j int) bool {
		return timestamps[i] < timestamps[j]
	})

	cutBegin, cutEnd := 0, len(records)
	if usable := cfg.Window - 2*cfg.Cut; len(records) > usable {
		cutBegin = (len(records) - usable + 1) / 2
		cutEnd = cutBegin + usable
	}

	timeSpan := timestamps[cutEnd-1] - timestamps[cutBegin]
	if timeSpan == 0 {
		timeSpan = 1
	}

	work := new(big.Int).Sub(
		records[cutEnd-1].CumulativeDifficulty,
		records[cutBegin].CumulativeDifficulty,
	)
	if work.Sign() <= 0 {
		return new(big.Int).Set(cfg.InitialDifficulty)
	}

	// (work * target + span - 1) / span
	span := new(big.Int).SetUint64(timeSpan)
	next := work.Mul(work, new(big.Int).SetUint64(cfg.TargetBlockTime))
	next.Add(next, span)
	next.Sub(next, big.NewInt(1))
	next.Div(next, span)

	if next.Sign() <= 0 {
		return big.NewInt(1)
	}
	return next
}

// TargetFromDifficulty converts a difficulty into a 256-bit target.
// Non-positive difficulties map to the easiest target.
func TargetFromDifficulty(difficulty *big.Int) *big.Int {
	if difficulty.Sign() <= 0 {
		return new(big.Int).Set(MAX)
	}
	return new(big.Int).Div(MAX, difficulty)
}

// OutputHash returns the header's PoW output as a big-endian integer
func (m *Module) OutputHash(header *types.Header) *big.Int {
	return OutputHash(header)
}

// OutputHash returns the header's PoW output as a big-endian integer
func OutputHash(header *types.Header) *big.Int {
	sum := blake2b.Sum256(header.Bytes())
	return new(big.Int).SetBytes(sum[:])
}

// VerifyBlockTarget checks the header's PoW output against target and
// returns the output.
func (m *Module) VerifyBlockTarget(header *types.Header, target *big.Int) (*big.Int, error) {
	out := OutputHash(header)
	if out.Cmp(target) >= 0 {
		return out, fmt.Errorf("%w: output %x >= target %x", ErrTargetNotMet,
			out, target)
	}
	return out, nil
}

// BlockRank returns a block's contribution to a fork's targets and hashes
// ranks: (MAX - target)² and (MAX - output)².
func BlockRank(target, output *big.Int) (*big.Int, *big.Int) {
	t := new(big.Int).Sub(MAX, target)
	t.Mul(t, t)

	h := new(big.Int).Sub(MAX, output)
	h.Mul(h, h)

	return t, h
}
