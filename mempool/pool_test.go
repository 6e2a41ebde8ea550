package mempool

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/blockberries/forkberry/chaindb"
	"github.com/blockberries/forkberry/types"
)

func TestPoolNew(t *testing.T) {
	pool := NewPool(DefaultConfig())
	if pool == nil {
		t.Fatal("NewPool should not return nil")
	}
	if pool.Size() != 0 {
		t.Errorf("new pool should have size 0, got %d", pool.Size())
	}
}

func TestConfigValidateBasic(t *testing.T) {
	if err := DefaultConfig().ValidateBasic(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}

	cfg := DefaultConfig()
	cfg.MaxTxs = 0
	if err := cfg.ValidateBasic(); err == nil {
		t.Error("zero MaxTxs should be invalid")
	}

	cfg = DefaultConfig()
	cfg.MaxPoolBytes = int64(cfg.MaxTxBytes) - 1
	if err := cfg.ValidateBasic(); err == nil {
		t.Error("pool smaller than a single tx should be invalid")
	}
}

func TestPoolAddAndGet(t *testing.T) {
	pool := NewPool(DefaultConfig())

	tx := []byte("transfer 10")
	h, err := pool.Add(tx)
	if err != nil {
		t.Fatalf("failed to add tx: %v", err)
	}
	if h != types.TxHash(tx) {
		t.Error("Add should return the tx hash")
	}

	got, err := pool.Get(h)
	if err != nil {
		t.Fatalf("failed to get tx: %v", err)
	}
	if string(got) != string(tx) {
		t.Errorf("got %q, want %q", got, tx)
	}

	// Returned slices are copies
	got[0] = 'X'
	again, _ := pool.Get(h)
	if again[0] != 't' {
		t.Error("Get should return a copy")
	}

	if _, err := pool.Get(types.TxHash([]byte("missing"))); !errors.Is(err, ErrTxNotFound) {
		t.Errorf("expected ErrTxNotFound, got %v", err)
	}
}

func TestPoolRejects(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTxs = 2
	cfg.MaxTxBytes = 8
	cfg.MaxPoolBytes = 16
	pool := NewPool(cfg)

	if _, err := pool.Add(nil); !errors.Is(err, ErrEmptyTx) {
		t.Errorf("expected ErrEmptyTx, got %v", err)
	}
	if _, err := pool.Add([]byte("123456789")); !errors.Is(err, ErrTxTooLarge) {
		t.Errorf("expected ErrTxTooLarge, got %v", err)
	}

	if _, err := pool.Add([]byte("a")); err != nil {
		t.Fatalf("failed to add tx: %v", err)
	}
	if _, err := pool.Add([]byte("a")); !errors.Is(err, ErrDuplicateTx) {
		t.Errorf("expected ErrDuplicateTx, got %v", err)
	}
	if _, err := pool.Add([]byte("b")); err != nil {
		t.Fatalf("failed to add tx: %v", err)
	}
	if _, err := pool.Add([]byte("c")); !errors.Is(err, ErrPoolFull) {
		t.Errorf("expected ErrPoolFull, got %v", err)
	}
}

func TestPoolPendingOrder(t *testing.T) {
	pool := NewPool(DefaultConfig())

	txs := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, tx := range txs {
		if _, err := pool.Add(tx); err != nil {
			t.Fatalf("failed to add tx: %v", err)
		}
	}

	hashes := pool.PendingHashes()
	if len(hashes) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(hashes))
	}
	for i, tx := range txs {
		if hashes[i] != types.TxHash(tx) {
			t.Errorf("pending %d out of arrival order", i)
		}
	}
}

func TestPoolMarkCommitted(t *testing.T) {
	pool := NewPool(DefaultConfig())

	a, _ := pool.Add([]byte("a"))
	b, _ := pool.Add([]byte("bb"))

	pool.MarkCommitted([]types.Hash{a})

	if pool.Size() != 1 {
		t.Errorf("expected 1 pending, got %d", pool.Size())
	}
	if _, err := pool.Get(a); !errors.Is(err, ErrTxNotFound) {
		t.Error("committed tx should no longer be pending")
	}
	if _, err := pool.Get(b); err != nil {
		t.Error("uncommitted tx should remain pending")
	}
	if pool.Bytes() != 2 {
		t.Errorf("expected 2 pending bytes, got %d", pool.Bytes())
	}

	// Committed txs cannot re-enter
	if _, err := pool.Add([]byte("a")); !errors.Is(err, ErrCommittedTx) {
		t.Errorf("expected ErrCommittedTx, got %v", err)
	}

	// Plain removal allows re-entry
	pool.Remove([]types.Hash{b})
	if _, err := pool.Add([]byte("bb")); err != nil {
		t.Errorf("removed tx should be re-admitted: %v", err)
	}
}

func TestPoolCommittedPruning(t *testing.T) {
	pool := NewPool(DefaultConfig())

	hashes := make([]types.Hash, MaxCommitted+10)
	for i := range hashes {
		hashes[i] = types.HashBytes([]byte{byte(i), byte(i >> 8), byte(i >> 16)})
	}
	pool.MarkCommitted(hashes)

	if len(pool.committed) != MaxCommitted {
		t.Errorf("expected %d committed, got %d", MaxCommitted, len(pool.committed))
	}
	if _, ok := pool.committed[hashes[0]]; ok {
		t.Error("oldest committed hash should have been pruned")
	}
	if _, ok := pool.committed[hashes[len(hashes)-1]]; !ok {
		t.Error("newest committed hash should be kept")
	}
}

func TestPoolLoad(t *testing.T) {
	cfg := chaindb.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "chain.db")
	bc, err := chaindb.Open(cfg)
	if err != nil {
		t.Fatalf("failed to open chain: %v", err)
	}
	defer bc.Close()

	ov := chaindb.NewOverlay(bc)
	for _, tx := range [][]byte{[]byte("x"), []byte("y")} {
		if err := ov.AddPendingTx(tx); err != nil {
			t.Fatalf("failed to add pending tx: %v", err)
		}
	}
	if _, err := bc.ApplyDiff(ov.Diff()); err != nil {
		t.Fatalf("failed to apply diff: %v", err)
	}

	pool := NewPool(DefaultConfig())
	if err := pool.Load(bc); err != nil {
		t.Fatalf("failed to load pool: %v", err)
	}
	if pool.Size() != 2 {
		t.Errorf("expected 2 loaded txs, got %d", pool.Size())
	}
	if _, err := pool.Get(types.TxHash([]byte("x"))); err != nil {
		t.Error("loaded pool missing tx")
	}
}
