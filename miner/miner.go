// Package miner grinds block nonces against a PoW target. It exists for
// devnets and tests; production block production is out of scope.
package miner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"runtime"
	"sync/atomic"

	"github.com/blockberries/forkberry/pow"
	"github.com/blockberries/forkberry/types"
	"golang.org/x/sync/errgroup"
)

// ErrNonceSpaceExhausted is returned when no nonce meets the target
var ErrNonceSpaceExhausted = errors.New("nonce space exhausted")

// Config holds miner configuration
type Config struct {
	// Workers is the number of goroutines grinding disjoint nonce ranges
	Workers int

	// CheckInterval is the number of hashes between cancellation checks
	CheckInterval uint64
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Workers:       runtime.NumCPU(),
		CheckInterval: 1 << 12,
	}
}

// ValidateBasic performs basic validation of the config
func (cfg Config) ValidateBasic() error {
	if cfg.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", cfg.Workers)
	}
	if cfg.CheckInterval == 0 {
		return fmt.Errorf("check interval must be positive")
	}
	return nil
}

// Mine searches for a nonce whose PoW output is below target and returns a
// copy of block carrying it. Worker i tries nonces i, i+Workers, ... so
// the ranges never overlap. Mining stops when ctx is done.
func Mine(ctx context.Context, cfg Config, block *types.Block,
	target *big.Int) (*types.Block, error) {

	if err := cfg.ValidateBasic(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		found  atomic.Bool
		nonce  atomic.Uint64
		hashes atomic.Uint64
	)

	g, gctx := errgroup.WithContext(ctx)
	step := uint64(cfg.Workers)

	for w := uint64(0); w < step; w++ {
		start := w
		g.Go(func() error {
			hdr := block.Header

			var tried uint64
			for n := start; ; n += step {
				if tried%cfg.CheckInterval == 0 {
					if err := gctx.Err(); err != nil {
						hashes.Add(tried)
						return err
					}
				}
				tried++

				hdr.Nonce = n
				if pow.OutputHash(&hdr).Cmp(target) < 0 {
					if found.CompareAndSwap(false, true) {
						nonce.Store(n)
						cancel()
					}
					hashes.Add(tried)
					return nil
				}

				if n > math.MaxUint64-step {
					hashes.Add(tried)
					return nil
				}
			}
		})
	}

	err := g.Wait()
	if found.Load() {
		mined := types.CopyBlock(block)
		mined.Header.Nonce = nonce.Load()

		log.Debugf("Mined block at height %d with nonce %d after %d "+
			"hashes", mined.Header.Height, mined.Header.Nonce,
			hashes.Load())

		return mined, nil
	}
	if err != nil {
		return nil, err
	}
	return nil, ErrNonceSpaceExhausted
}
