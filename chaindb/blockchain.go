package chaindb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	_ "github.com/btcsuite/btcwallet/walletdb/bdb" // Import to register backend.
	"github.com/blockberries/forkberry/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lightningnetwork/lnd/kvdb"
)

// Errors
var (
	ErrKeyNotFound   = errors.New("key not found")
	ErrBlockNotFound = errors.New("block not found")
	ErrEmptyChain    = errors.New("chain has no blocks")
	ErrTreeNotFound  = errors.New("tree not found")
	ErrStoreClosed   = errors.New("chain store is closed")
)

// Config holds canonical store configuration
type Config struct {
	// Path is the bbolt database file
	Path string

	// NoFreelistSync skips syncing the bolt freelist to disk
	NoFreelistSync bool

	// DBTimeout bounds waiting for the database file lock
	DBTimeout time.Duration

	// BlockCacheSize is the number of decoded blocks kept in memory
	BlockCacheSize int
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Path:           "data/chain.db",
		NoFreelistSync: true,
		DBTimeout:      kvdb.DefaultDBTimeout,
		BlockCacheSize: 256,
	}
}

// ValidateBasic performs basic validation of the config
func (cfg Config) ValidateBasic() error {
	if cfg.Path == "" {
		return errors.New("chain database path must be set")
	}
	if cfg.BlockCacheSize <= 0 {
		return fmt.Errorf("block cache size must be positive, got %d",
			cfg.BlockCacheSize)
	}
	return nil
}

// Reader is read access to a set of trees. Get returns ErrKeyNotFound for
// missing keys and missing trees alike.
type Reader interface {
	Get(tree string, key []byte) ([]byte, error)
	HasTree(tree string) (bool, error)
}

// Blockchain is the canonical chain database
type Blockchain struct {
	db         kvdb.Backend
	ownsDB     bool
	blockCache *lru.Cache[types.Hash, *types.Block]
}

// Open opens (creating if needed) a bbolt-backed canonical store
func Open(cfg Config) (*Blockchain, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, err
	}

	db, err := kvdb.Create(
		kvdb.BoltBackendName, cfg.Path, cfg.NoFreelistSync,
		cfg.DBTimeout, false,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open chain database: %w", err)
	}

	bc, err := New(db, cfg.BlockCacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}
	bc.ownsDB = true

	log.Infof("Opened chain database at %s", cfg.Path)
	return bc, nil
}

// New wraps an already open backend, creating the base trees
func New(db kvdb.Backend, cacheSize int) (*Blockchain, error) {
	cache, err := lru.New[types.Hash, *types.Block](cacheSize)
	if err != nil {
		return nil, err
	}

	err = kvdb.Update(db, func(tx kvdb.RwTx) error {
		for _, name := range BaseTrees {
			if tx.ReadWriteBucket([]byte(name)) != nil {
				continue
			}
			if _, err := tx.CreateTopLevelBucket([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}, func() {})
	if err != nil {
		return nil, fmt.Errorf("failed to create base trees: %w", err)
	}

	return &Blockchain{db: db, blockCache: cache}, nil
}

// Close closes the backend if it was opened by Open
func (bc *Blockchain) Close() error {
	if !bc.ownsDB {
		return nil
	}
	return bc.db.Close()
}

// Get reads a key from a canonical tree
func (bc *Blockchain) Get(tree string, key []byte) ([]byte, error) {
	var value []byte
	err := kvdb.View(bc.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket([]byte(tree))
		if bucket == nil {
			return ErrKeyNotFound
		}
		v := bucket.Get(key)
		if v == nil {
			return ErrKeyNotFound
		}
		value = append([]byte(nil), v...)
		return nil
	}, func() {
		value = nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// HasTree reports whether a canonical tree exists
func (bc *Blockchain) HasTree(tree string) (bool, error) {
	var found bool
	err := kvdb.View(bc.db, func(tx kvdb.RTx) error {
		found = tx.ReadBucket([]byte(tree)) != nil
		return nil
	}, func() {
		found = false
	})
	return found, err
}

// ForEach iterates a canonical tree in key order
func (bc *Blockchain) ForEach(tree string, fn func(k, v []byte) error) error {
	return kvdb.View(bc.db, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket([]byte(tree))
		if bucket == nil {
			return fmt.Errorf("%w: %s", ErrTreeNotFound, tree)
		}
		return bucket.ForEach(fn)
	}, func() {})
}

// ApplyDiff atomically applies a diff to the canonical store and returns
// its inverse. Applying the inverse restores the prior state.
func (bc *Blockchain) ApplyDiff(diff *StateDiff) (*StateDiff, error) {
	var inverse *StateDiff

	err := kvdb.Update(bc.db, func(tx kvdb.RwTx) error {
		inverse = &StateDiff{}

		for _, name := range diff.NewTrees {
			if tx.ReadWriteBucket([]byte(name)) != nil {
				continue
			}
			if _, err := tx.CreateTopLevelBucket([]byte(name)); err != nil {
				return err
			}
			inverse.DropTrees = append(inverse.DropTrees, name)
		}

		undo := make([]TreeOp, 0, len(diff.Ops))
		for _, op := range diff.Ops {
			bucket := tx.ReadWriteBucket([]byte(op.Tree))
			if bucket == nil {
				var err error
				bucket, err = tx.CreateTopLevelBucket([]byte(op.Tree))
				if err != nil {
					return err
				}
				inverse.DropTrees = append(inverse.DropTrees, op.Tree)
			}

			prev := bucket.Get(op.Key)
			if prev == nil {
				undo = append(undo, TreeOp{
					Tree: op.Tree, Key: op.Key, Delete: true,
				})
			} else {
				undo = append(undo, TreeOp{
					Tree:  op.Tree,
					Key:   op.Key,
					Value: append([]byte(nil), prev...),
				})
			}

			var err error
			if op.Delete {
				err = bucket.Delete(op.Key)
			} else {
				err = bucket.Put(op.Key, op.Value)
			}
			if err != nil {
				return fmt.Errorf("failed to apply %s op: %w", op.Tree, err)
			}
		}

		// Undo ops must run newest first.
		for i := len(undo) - 1; i >= 0; i-- {
			inverse.Ops = append(inverse.Ops, undo[i])
		}

		for _, name := range diff.DropTrees {
			if tx.ReadWriteBucket([]byte(name)) == nil {
				continue
			}
			if err := tx.DeleteTopLevelBucket([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}, func() {
		inverse = nil
	})
	if err != nil {
		return nil, err
	}

	bc.invalidate(diff)
	log.Debugf("Applied diff touching %d trees (%d ops)",
		len(diff.Trees()), len(diff.Ops))

	return inverse, nil
}

// invalidate evicts cached blocks a diff may have changed
func (bc *Blockchain) invalidate(diff *StateDiff) {
	for _, name := range diff.DropTrees {
		if name == TreeBlocks {
			bc.blockCache.Purge()
			return
		}
	}
	for _, op := range diff.Ops {
		if op.Tree != TreeBlocks {
			continue
		}
		if h, err := types.NewHash(op.Key); err == nil {
			bc.blockCache.Remove(h)
		}
	}
}

// BlockByHash returns a canonical block, served from the block cache when
// possible.
func (bc *Blockchain) BlockByHash(h types.Hash) (*types.Block, error) {
	if b, ok := bc.blockCache.Get(h); ok {
		return b, nil
	}
	b, err := decodeBlockAt(bc, h)
	if err != nil {
		return nil, err
	}
	bc.blockCache.Add(h, b)
	return b, nil
}

// GetBlocksByHash returns the canonical blocks for the given hashes in order
func (bc *Blockchain) GetBlocksByHash(hashes []types.Hash) ([]*types.Block, error) {
	return getBlocks(hashes, bc.BlockByHash)
}

// LastBlock returns the canonical tip
func (bc *Blockchain) LastBlock() (*types.Block, error) {
	h, err := tipHash(bc)
	if err != nil {
		return nil, err
	}
	return bc.BlockByHash(h)
}

// IsEmpty reports whether the canonical chain has no blocks yet
func (bc *Blockchain) IsEmpty() (bool, error) {
	_, err := tipHash(bc)
	if errors.Is(err, ErrEmptyChain) {
		return true, nil
	}
	return false, err
}

// LastDifficulty returns the difficulty record of the canonical tip
func (bc *Blockchain) LastDifficulty() (*DifficultyRecord, error) {
	return lastDifficulty(bc, bc.LastBlock)
}

// Checkpoint returns the persisted finalization checkpoint, or zero if
// finalization never ran.
func (bc *Blockchain) Checkpoint() (uint64, error) {
	return readCheckpoint(bc)
}

// SetCheckpoint persists the finalization checkpoint
func (bc *Blockchain) SetCheckpoint(slot uint64) error {
	_, err := bc.ApplyDiff(&StateDiff{Ops: []TreeOp{{
		Tree:  TreeMeta,
		Key:   metaCheckpointKey,
		Value: HeightKey(slot),
	}}})
	return err
}

// decodeBlockAt reads and decodes a block from the blocks tree
func decodeBlockAt(r Reader, h types.Hash) (*types.Block, error) {
	data, err := r.Get(TreeBlocks, h[:])
	if errors.Is(err, ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, h)
	}
	if err != nil {
		return nil, err
	}
	return types.DecodeBlock(data)
}

func getBlocks(hashes []types.Hash,
	fetch func(types.Hash) (*types.Block, error)) ([]*types.Block, error) {

	blocks := make([]*types.Block, 0, len(hashes))
	for _, h := range hashes {
		b, err := fetch(h)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

func tipHash(r Reader) (types.Hash, error) {
	data, err := r.Get(TreeMeta, metaTipKey)
	if errors.Is(err, ErrKeyNotFound) {
		return types.Hash{}, ErrEmptyChain
	}
	if err != nil {
		return types.Hash{}, err
	}
	return types.NewHash(data)
}

// BlockHashByHeight returns the hash of the block at a height
func BlockHashByHeight(r Reader, height uint64) (types.Hash, error) {
	data, err := r.Get(TreeOrder, HeightKey(height))
	if errors.Is(err, ErrKeyNotFound) {
		return types.Hash{}, fmt.Errorf("%w: height %d", ErrBlockNotFound,
			height)
	}
	if err != nil {
		return types.Hash{}, err
	}
	return types.NewHash(data)
}

// DifficultyAt returns the difficulty record of the block at a height
func DifficultyAt(r Reader, height uint64) (*DifficultyRecord, error) {
	data, err := r.Get(TreeDifficulty, HeightKey(height))
	if err != nil {
		return nil, fmt.Errorf("difficulty at height %d: %w", height, err)
	}
	return DecodeDifficultyRecord(data)
}

func lastDifficulty(r Reader,
	last func() (*types.Block, error)) (*DifficultyRecord, error) {

	tip, err := last()
	if err != nil {
		return nil, err
	}
	return DifficultyAt(r, tip.Header.Height)
}

// Difficulties returns up to n difficulty records ending at the tip,
// oldest first.
func Difficulties(r Reader, tipHeight uint64, n int) ([]*DifficultyRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	start := uint64(0)
	if tipHeight+1 > uint64(n) {
		start = tipHeight + 1 - uint64(n)
	}

	records := make([]*DifficultyRecord, 0, tipHeight-start+1)
	for h := start; h <= tipHeight; h++ {
		rec, err := DifficultyAt(r, h)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// HasTx reports whether a transaction has been included in a block
func HasTx(r Reader, h types.Hash) (bool, error) {
	_, err := r.Get(TreeTxs, h[:])
	switch {
	case errors.Is(err, ErrKeyNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	return true, nil
}

func readCheckpoint(r Reader) (uint64, error) {
	data, err := r.Get(TreeMeta, metaCheckpointKey)
	if errors.Is(err, ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("malformed checkpoint of %d bytes", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}
