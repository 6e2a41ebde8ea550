package engine

import (
	"fmt"

	"github.com/blockberries/forkberry/validator"
	"github.com/prometheus/client_golang/prometheus"
)

// Config holds configuration for the fork-choice engine
type Config struct {
	// GenesisTime is the genesis timestamp slots are counted from, in unix
	// seconds
	GenesisTime uint64

	// SlotTime is the slot length in seconds
	SlotTime uint64

	// MaxBlockTxs caps the transactions in a proposal, coinbase included
	MaxBlockTxs int

	// FinalizationThreshold is the number of most recent proposals of the
	// best fork that stay unfinalized
	FinalizationThreshold int

	// MaxForks is the fork count PruneWorstFork trims down to
	MaxForks int

	// TestingMode skips the PoW target check
	TestingMode bool

	// WALSync forces a sync on every journaled proposal
	WALSync bool

	// ExpectedReward returns the coinbase reward for a height. Nil uses
	// the chain's emission schedule.
	ExpectedReward func(height uint64) uint64

	// Registerer receives the engine's metrics. Nil disables registration.
	Registerer prometheus.Registerer
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		SlotTime:              90,
		MaxBlockTxs:           50,
		FinalizationThreshold: 3,
		MaxForks:              32,
		WALSync:               true,
	}
}

// ValidateBasic performs basic validation of the config
func (cfg *Config) ValidateBasic() error {
	if cfg.SlotTime == 0 {
		return fmt.Errorf("%w: slot time must be positive", ErrInvalidConfig)
	}
	if cfg.MaxBlockTxs < 1 {
		return fmt.Errorf("%w: max block txs must leave room for the "+
			"coinbase, got %d", ErrInvalidConfig, cfg.MaxBlockTxs)
	}
	if cfg.FinalizationThreshold < 0 {
		return fmt.Errorf("%w: negative finalization threshold %d",
			ErrInvalidConfig, cfg.FinalizationThreshold)
	}
	if cfg.MaxForks < 1 {
		return fmt.Errorf("%w: max forks must be positive, got %d",
			ErrInvalidConfig, cfg.MaxForks)
	}
	return nil
}

func (cfg *Config) reward(height uint64) uint64 {
	if cfg.ExpectedReward != nil {
		return cfg.ExpectedReward(height)
	}
	return validator.ExpectedReward(height)
}
