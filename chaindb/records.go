package chaindb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/lightningnetwork/lnd/tlv"
)

// Canonical tree names
const (
	// TreeBlocks maps block hash to encoded block
	TreeBlocks = "blocks"

	// TreeHeaders maps header hash to encoded header
	TreeHeaders = "headers"

	// TreeOrder maps big-endian height to block hash
	TreeOrder = "block_order"

	// TreeDifficulty maps big-endian height to a DifficultyRecord
	TreeDifficulty = "block_difficulty"

	// TreeTxs maps tx hash to included transaction
	TreeTxs = "txs"

	// TreePendingTxs maps tx hash to a transaction awaiting inclusion
	TreePendingTxs = "pending_txs"

	// TreeContracts maps contract ID to deployed wasm bytecode
	TreeContracts = "wasm_bincode"

	// TreeMeta holds chain-wide singletons
	TreeMeta = "meta"
)

// BaseTrees are created when a canonical store is opened
var BaseTrees = []string{
	TreeBlocks, TreeHeaders, TreeOrder, TreeDifficulty,
	TreeTxs, TreePendingTxs, TreeContracts, TreeMeta,
}

// Meta keys
var (
	metaTipKey        = []byte("tip")
	metaCheckpointKey = []byte("finalization_checkpoint")
)

// HeightKey encodes a height as a sortable tree key
func HeightKey(height uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], height)
	return k[:]
}

// DifficultyRecord tracks per-block PoW accounting: the difficulty the
// block was mined at, the running cumulative difficulty and the running
// fork-choice rank sums up to and including the block.
type DifficultyRecord struct {
	Height               uint64
	Timestamp            uint64
	Difficulty           *big.Int
	CumulativeDifficulty *big.Int
	TargetsRank          *big.Int
	HashesRank           *big.Int
}

// NewGenesisDifficulty returns the record for a genesis block. Genesis is
// never competitively ranked.
func NewGenesisDifficulty(timestamp uint64) *DifficultyRecord {
	return &DifficultyRecord{
		Timestamp:            timestamp,
		Difficulty:           big.NewInt(0),
		CumulativeDifficulty: big.NewInt(0),
		TargetsRank:          big.NewInt(0),
		HashesRank:           big.NewInt(0),
	}
}

// Difficulty record tlv types
const (
	diffHeightType     tlv.Type = 0
	diffTimestampType  tlv.Type = 2
	diffDifficultyType tlv.Type = 4
	diffCumulativeType tlv.Type = 6
	diffTargetsType    tlv.Type = 8
	diffHashesType     tlv.Type = 10
)

// Encode serializes the record
func (r *DifficultyRecord) Encode() ([]byte, error) {
	difficulty := r.Difficulty.Bytes()
	cumulative := r.CumulativeDifficulty.Bytes()
	targets := r.TargetsRank.Bytes()
	hashes := r.HashesRank.Bytes()

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(diffHeightType, &r.Height),
		tlv.MakePrimitiveRecord(diffTimestampType, &r.Timestamp),
		tlv.MakePrimitiveRecord(diffDifficultyType, &difficulty),
		tlv.MakePrimitiveRecord(diffCumulativeType, &cumulative),
		tlv.MakePrimitiveRecord(diffTargetsType, &targets),
		tlv.MakePrimitiveRecord(diffHashesType, &hashes),
	)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeDifficultyRecord deserializes a record
func DecodeDifficultyRecord(data []byte) (*DifficultyRecord, error) {
	var r DifficultyRecord
	var difficulty, cumulative, targets, hashes []byte

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(diffHeightType, &r.Height),
		tlv.MakePrimitiveRecord(diffTimestampType, &r.Timestamp),
		tlv.MakePrimitiveRecord(diffDifficultyType, &difficulty),
		tlv.MakePrimitiveRecord(diffCumulativeType, &cumulative),
		tlv.MakePrimitiveRecord(diffTargetsType, &targets),
		tlv.MakePrimitiveRecord(diffHashesType, &hashes),
	)
	if err != nil {
		return nil, err
	}
	if err := stream.Decode(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("invalid difficulty record: %w", err)
	}

	r.Difficulty = new(big.Int).SetBytes(difficulty)
	r.CumulativeDifficulty = new(big.Int).SetBytes(cumulative)
	r.TargetsRank = new(big.Int).SetBytes(targets)
	r.HashesRank = new(big.Int).SetBytes(hashes)
	return &r, nil
}
