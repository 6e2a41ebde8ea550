// Package mempool holds transactions awaiting inclusion in a block.
//
// The pool keeps pending transactions in arrival order and remembers the
// hashes of recently committed ones so a transaction cannot re-enter after
// it was included. It does not interpret transactions.
package mempool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/blockberries/forkberry/chaindb"
	"github.com/blockberries/forkberry/types"
)

// Errors
var (
	ErrDuplicateTx = errors.New("duplicate transaction")
	ErrCommittedTx = errors.New("transaction already committed")
	ErrTxTooLarge  = errors.New("transaction too large")
	ErrEmptyTx     = errors.New("empty transaction")
	ErrPoolFull    = errors.New("mempool is full")
	ErrTxNotFound  = errors.New("transaction not found")
)

// MaxCommitted limits how many committed hashes are remembered
const MaxCommitted = 100000

// Config holds mempool configuration
type Config struct {
	// MaxTxs is the maximum number of pending transactions
	MaxTxs int
	// MaxTxBytes is the maximum size of a single transaction
	MaxTxBytes int
	// MaxPoolBytes is the maximum total size of pending transactions
	MaxPoolBytes int64
}

// DefaultConfig returns default mempool configuration
func DefaultConfig() Config {
	return Config{
		MaxTxs:       5000,
		MaxTxBytes:   types.MaxTxSize,
		MaxPoolBytes: 64 << 20, // 64MB
	}
}

// ValidateBasic performs basic validation of the config
func (cfg Config) ValidateBasic() error {
	if cfg.MaxTxs <= 0 {
		return fmt.Errorf("max txs must be positive, got %d", cfg.MaxTxs)
	}
	if cfg.MaxTxBytes <= 0 || cfg.MaxTxBytes > types.MaxTxSize {
		return fmt.Errorf("max tx bytes must be in (0, %d], got %d",
			types.MaxTxSize, cfg.MaxTxBytes)
	}
	if cfg.MaxPoolBytes < int64(cfg.MaxTxBytes) {
		return fmt.Errorf("max pool bytes %d below max tx bytes %d",
			cfg.MaxPoolBytes, cfg.MaxTxBytes)
	}
	return nil
}

// Pool manages pending transactions
type Pool struct {
	mu     sync.RWMutex
	config Config

	// Pending transactions in arrival order
	order []types.Hash
	txs   map[types.Hash][]byte
	bytes int64

	// Recently committed hashes, oldest first in committedOrder
	committed      map[types.Hash]struct{}
	committedOrder []types.Hash
}

// NewPool creates a new mempool
func NewPool(config Config) *Pool {
	return &Pool{
		config:    config,
		txs:       make(map[types.Hash][]byte),
		committed: make(map[types.Hash]struct{}),
	}
}

// Add admits a transaction and returns its hash
func (p *Pool) Add(tx []byte) (types.Hash, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.add(tx)
}

func (p *Pool) add(tx []byte) (types.Hash, error) {
	h := types.TxHash(tx)

	switch {
	case len(tx) == 0:
		return h, ErrEmptyTx
	case len(tx) > p.config.MaxTxBytes:
		return h, fmt.Errorf("%w: %d > %d bytes", ErrTxTooLarge, len(tx),
			p.config.MaxTxBytes)
	}

	if _, ok := p.txs[h]; ok {
		return h, ErrDuplicateTx
	}
	if _, ok := p.committed[h]; ok {
		return h, ErrCommittedTx
	}
	if len(p.order) >= p.config.MaxTxs ||
		p.bytes+int64(len(tx)) > p.config.MaxPoolBytes {

		return h, ErrPoolFull
	}

	p.txs[h] = append([]byte(nil), tx...)
	p.order = append(p.order, h)
	p.bytes += int64(len(tx))

	log.Debugf("Added tx %s (%d pending)", h, len(p.order))
	return h, nil
}

// Load restores pending transactions persisted in the canonical store
func (p *Pool) Load(bc *chaindb.Blockchain) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	loaded := 0
	err := bc.ForEach(chaindb.TreePendingTxs, func(_, v []byte) error {
		_, err := p.add(v)
		switch {
		case err == nil:
			loaded++
		case errors.Is(err, ErrDuplicateTx):
		default:
			log.Warnf("Dropping persisted pending tx: %v", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Infof("Loaded %d pending transactions", loaded)
	return nil
}

// Get returns a pending transaction
func (p *Pool) Get(h types.Hash) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	tx, ok := p.txs[h]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTxNotFound, h)
	}
	return append([]byte(nil), tx...), nil
}

// PendingHashes returns the hashes of all pending transactions in arrival
// order.
func (p *Pool) PendingHashes() []types.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]types.Hash, len(p.order))
	copy(out, p.order)
	return out
}

// MarkCommitted removes included transactions and remembers their hashes
func (p *Pool) MarkCommitted(hashes []types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, h := range hashes {
		if _, ok := p.committed[h]; !ok {
			p.committed[h] = struct{}{}
			p.committedOrder = append(p.committedOrder, h)
		}
	}
	if len(p.committedOrder) > MaxCommitted {
		p.pruneOldestCommitted(len(p.committedOrder) - MaxCommitted)
	}

	p.removePending(hashes)
}

// Remove drops transactions from the pending set without marking them
// committed.
func (p *Pool) Remove(hashes []types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.removePending(hashes)
}

// Size returns the number of pending transactions
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.order)
}

// Bytes returns the total size of pending transactions
func (p *Pool) Bytes() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bytes
}

// pruneOldestCommitted forgets the n oldest committed hashes.
// Caller must hold p.mu.
func (p *Pool) pruneOldestCommitted(n int) {
	for _, h := range p.committedOrder[:n] {
		delete(p.committed, h)
	}
	p.committedOrder = append([]types.Hash(nil), p.committedOrder[n:]...)
}

// removePending removes transactions from the pending list.
// Caller must hold p.mu.
func (p *Pool) removePending(toRemove []types.Hash) {
	removeSet := make(map[types.Hash]struct{}, len(toRemove))
	for _, h := range toRemove {
		if tx, ok := p.txs[h]; ok {
			p.bytes -= int64(len(tx))
			delete(p.txs, h)
			removeSet[h] = struct{}{}
		}
	}
	if len(removeSet) == 0 {
		return
	}

	remaining := p.order[:0]
	for _, h := range p.order {
		if _, ok := removeSet[h]; !ok {
			remaining = append(remaining, h)
		}
	}
	p.order = remaining
}
