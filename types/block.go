package types

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	// BlockVersion is the header version produced by this implementation
	BlockVersion uint8 = 1

	// MaxHeaderSize bounds an encoded header when decoding untrusted input
	MaxHeaderSize = 1024

	// MaxTxSize bounds a single encoded transaction
	MaxTxSize = 1 << 20

	// MaxEncodedTxs bounds the tx count read from the wire. Admission
	// enforces a much lower policy cap.
	MaxEncodedTxs = 10000
)

// Block encoding errors
var (
	ErrTooManyEncodedTxs = errors.New("encoded block carries too many transactions")
	ErrMissingCoinbase   = errors.New("block has no coinbase transaction")
)

// Header tlv record types
const (
	headerVersionType   tlv.Type = 0
	headerPreviousType  tlv.Type = 2
	headerHeightType    tlv.Type = 4
	headerSlotType      tlv.Type = 6
	headerTimestampType tlv.Type = 8
	headerNonceType     tlv.Type = 10
	headerTxRootType    tlv.Type = 12
)

// Header is a block header. Slot is the time slot the block was produced
// in; Height is its distance from genesis.
type Header struct {
	Version   uint8
	Previous  Hash
	Height    uint64
	Slot      uint64
	Timestamp uint64
	Nonce     uint64
	TxRoot    Hash
}

func (h *Header) records() []tlv.Record {
	return []tlv.Record{
		tlv.MakePrimitiveRecord(headerVersionType, &h.Version),
		tlv.MakePrimitiveRecord(headerPreviousType, (*[32]byte)(&h.Previous)),
		tlv.MakePrimitiveRecord(headerHeightType, &h.Height),
		tlv.MakePrimitiveRecord(headerSlotType, &h.Slot),
		tlv.MakePrimitiveRecord(headerTimestampType, &h.Timestamp),
		tlv.MakePrimitiveRecord(headerNonceType, &h.Nonce),
		tlv.MakePrimitiveRecord(headerTxRootType, (*[32]byte)(&h.TxRoot)),
	}
}

// Encode writes the header as a tlv stream
func (h *Header) Encode(w io.Writer) error {
	stream, err := tlv.NewStream(h.records()...)
	if err != nil {
		return err
	}
	return stream.Encode(w)
}

// Decode reads a header tlv stream until EOF
func (h *Header) Decode(r io.Reader) error {
	stream, err := tlv.NewStream(h.records()...)
	if err != nil {
		return err
	}
	return stream.Decode(r)
}

// Bytes returns the canonical header encoding
func (h *Header) Bytes() []byte {
	var buf bytes.Buffer
	if err := h.Encode(&buf); err != nil {
		panic(fmt.Sprintf("CONSENSUS CRITICAL: failed to encode block header: %v", err))
	}
	return buf.Bytes()
}

// Hash computes the header hash
func (h *Header) Hash() Hash {
	return HashBytes(h.Bytes())
}

// Block is a header plus its ordered transactions. Txs[0] is the coinbase.
type Block struct {
	Header Header
	Txs    [][]byte
}

// NewBlock creates a block over the given transactions, filling in the
// header's tx root.
func NewBlock(header Header, txs [][]byte) *Block {
	b := &Block{Header: header, Txs: txs}
	b.Header.TxRoot = b.ComputeTxRoot()
	return b
}

// Encode writes the block: var-bytes header, var-int tx count and
// var-bytes transactions.
func (b *Block) Encode(w io.Writer) error {
	var hdr bytes.Buffer
	if err := b.Header.Encode(&hdr); err != nil {
		return err
	}
	if err := wire.WriteVarBytes(w, 0, hdr.Bytes()); err != nil {
		return err
	}
	if err := wire.WriteVarInt(w, 0, uint64(len(b.Txs))); err != nil {
		return err
	}
	for _, tx := range b.Txs {
		if err := wire.WriteVarBytes(w, 0, tx); err != nil {
			return err
		}
	}
	return nil
}

// Decode reads a block written by Encode
func (b *Block) Decode(r io.Reader) error {
	hdr, err := wire.ReadVarBytes(r, 0, MaxHeaderSize, "header")
	if err != nil {
		return err
	}
	if err := b.Header.Decode(bytes.NewReader(hdr)); err != nil {
		return fmt.Errorf("failed to decode header: %w", err)
	}

	count, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return err
	}
	if count > MaxEncodedTxs {
		return fmt.Errorf("%w: %d", ErrTooManyEncodedTxs, count)
	}

	b.Txs = make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		tx, err := wire.ReadVarBytes(r, 0, MaxTxSize, "tx")
		if err != nil {
			return err
		}
		b.Txs = append(b.Txs, tx)
	}
	return nil
}

// Bytes returns the canonical block encoding
func (b *Block) Bytes() []byte {
	var buf bytes.Buffer
	if err := b.Encode(&buf); err != nil {
		panic(fmt.Sprintf("CONSENSUS CRITICAL: failed to encode block: %v", err))
	}
	return buf.Bytes()
}

// DecodeBlock decodes a block from its canonical encoding
func DecodeBlock(data []byte) (*Block, error) {
	b := &Block{}
	if err := b.Decode(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return b, nil
}

// Hash computes the block's content hash
func (b *Block) Hash() Hash {
	return HashBytes(b.Bytes())
}

// TxHashes returns the hashes of all transactions in order
func (b *Block) TxHashes() []Hash {
	hashes := make([]Hash, len(b.Txs))
	for i, tx := range b.Txs {
		hashes[i] = TxHash(tx)
	}
	return hashes
}

// ComputeTxRoot returns the merkle root over the block's transactions
func (b *Block) ComputeTxRoot() Hash {
	return MerkleRoot(b.TxHashes())
}

// Coinbase decodes the block's producer transaction
func (b *Block) Coinbase() (*Coinbase, error) {
	if len(b.Txs) == 0 {
		return nil, ErrMissingCoinbase
	}
	return DecodeCoinbase(b.Txs[0])
}

// CopyBlock creates a deep copy of a Block.
func CopyBlock(b *Block) *Block {
	if b == nil {
		return nil
	}

	blockCopy := &Block{Header: b.Header}
	if len(b.Txs) > 0 {
		blockCopy.Txs = make([][]byte, len(b.Txs))
		for i, tx := range b.Txs {
			blockCopy.Txs[i] = append([]byte(nil), tx...)
		}
	}
	return blockCopy
}

// Coinbase tlv record types
const (
	coinbaseHeightType tlv.Type = 0
	coinbaseRewardType tlv.Type = 2
	coinbaseMinerType  tlv.Type = 4
)

// Coinbase is the producer transaction paying the block reward.
type Coinbase struct {
	Height uint64
	Reward uint64
	Miner  [32]byte
}

func (c *Coinbase) records() []tlv.Record {
	return []tlv.Record{
		tlv.MakePrimitiveRecord(coinbaseHeightType, &c.Height),
		tlv.MakePrimitiveRecord(coinbaseRewardType, &c.Reward),
		tlv.MakePrimitiveRecord(coinbaseMinerType, &c.Miner),
	}
}

// Bytes encodes the coinbase as a transaction payload
func (c *Coinbase) Bytes() []byte {
	var buf bytes.Buffer
	stream := tlv.MustNewStream(c.records()...)
	if err := stream.Encode(&buf); err != nil {
		panic(fmt.Sprintf("CONSENSUS CRITICAL: failed to encode coinbase: %v", err))
	}
	return buf.Bytes()
}

// DecodeCoinbase decodes a coinbase transaction payload
func DecodeCoinbase(tx []byte) (*Coinbase, error) {
	c := &Coinbase{}
	stream, err := tlv.NewStream(c.records()...)
	if err != nil {
		return nil, err
	}
	if err := stream.Decode(bytes.NewReader(tx)); err != nil {
		return nil, fmt.Errorf("invalid coinbase: %w", err)
	}
	return c, nil
}
