package wal

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/blockberries/forkberry/types"
	"github.com/lightningnetwork/lnd/tlv"
)

var (
	ErrClosed         = errors.New("journal is not started")
	ErrCorrupted      = errors.New("journal record is corrupted")
	ErrNotFound       = errors.New("no journal segments found")
	ErrMarkerNotFound = errors.New("no EndSlot marker for slot")
)

// MessageType identifies the kind of journal record
type MessageType uint8

const (
	MsgTypeUnknown MessageType = iota

	// MsgTypeProposal records an admitted proposal
	MsgTypeProposal

	// MsgTypeEndSlot marks a finalization checkpoint at Slot
	MsgTypeEndSlot

	// MsgTypePruneFork records that the fork ending at the hash in Data
	// was dropped
	MsgTypePruneFork
)

// String returns a human-readable message type
func (t MessageType) String() string {
	switch t {
	case MsgTypeProposal:
		return "Proposal"
	case MsgTypeEndSlot:
		return "EndSlot"
	case MsgTypePruneFork:
		return "PruneFork"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// Message tlv types
const (
	msgTypeType tlv.Type = 0
	msgSlotType tlv.Type = 2
	msgDataType tlv.Type = 4
)

// Message is a single journal record
type Message struct {
	Type MessageType
	Slot uint64
	Data []byte
}

// Encode serializes the message
func (m *Message) Encode() ([]byte, error) {
	msgType := uint8(m.Type)
	data := m.Data

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(msgTypeType, &msgType),
		tlv.MakePrimitiveRecord(msgSlotType, &m.Slot),
		tlv.MakePrimitiveRecord(msgDataType, &data),
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

// Decode deserializes the message
func (m *Message) Decode(data []byte) error {
	var msgType uint8
	var payload []byte

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(msgTypeType, &msgType),
		tlv.MakePrimitiveRecord(msgSlotType, &m.Slot),
		tlv.MakePrimitiveRecord(msgDataType, &payload),
	)
	if err != nil {
		return err
	}
	if err := stream.Decode(bytes.NewReader(data)); err != nil {
		return err
	}

	m.Type = MessageType(msgType)
	m.Data = payload
	return nil
}

// WAL is the proposal journal the engine writes to and replays from
type WAL interface {
	// Write buffers a record
	Write(msg *Message) error

	// WriteSync writes a record and makes it durable
	WriteSync(msg *Message) error

	// FlushAndSync makes every buffered record durable
	FlushAndSync() error

	// SearchForEndSlot returns a Reader positioned after slot's EndSlot
	// marker, or false if the journal holds no such marker.
	SearchForEndSlot(slot uint64) (Reader, bool, error)

	// Checkpoint discards records older than slot's marker
	Checkpoint(slot uint64) error

	Start() error
	Stop() error
}

// Reader iterates journal records. Read returns io.EOF after the last one.
type Reader interface {
	Read() (*Message, error)
	Close() error
}

// NewProposalMessage creates a WAL message for an admitted proposal
func NewProposalMessage(proposal *types.Proposal) *Message {
	return &Message{
		Type: MsgTypeProposal,
		Slot: proposal.Block.Header.Slot,
		Data: proposal.Block.Bytes(),
	}
}

// NewEndSlotMessage creates a WAL message marking a finalization checkpoint
func NewEndSlotMessage(slot uint64) *Message {
	return &Message{
		Type: MsgTypeEndSlot,
		Slot: slot,
	}
}

// NewPruneForkMessage creates a WAL message recording a dropped fork by
// its tip
func NewPruneForkMessage(slot uint64, tip types.Hash) *Message {
	return &Message{
		Type: MsgTypePruneFork,
		Slot: slot,
		Data: tip[:],
	}
}

// DecodeProposal decodes a proposal from WAL message data
func DecodeProposal(data []byte) (*types.Proposal, error) {
	block, err := types.DecodeBlock(data)
	if err != nil {
		return nil, err
	}
	return types.NewProposal(block), nil
}

// NopWAL discards every record
type NopWAL struct{}

func (w *NopWAL) Write(msg *Message) error                           { return nil }
func (w *NopWAL) WriteSync(msg *Message) error                       { return nil }
func (w *NopWAL) FlushAndSync() error                                { return nil }
func (w *NopWAL) SearchForEndSlot(slot uint64) (Reader, bool, error) { return nil, false, nil }
func (w *NopWAL) Checkpoint(slot uint64) error                       { return nil }
func (w *NopWAL) Start() error                                       { return nil }
func (w *NopWAL) Stop() error                                        { return nil }

var _ WAL = (*NopWAL)(nil)
