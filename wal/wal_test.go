package wal

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/blockberries/forkberry/types"
)

func readAll(t *testing.T, r Reader) []*Message {
	t.Helper()

	var msgs []*Message
	for {
		msg, err := r.Read()
		if err == io.EOF {
			return msgs
		}
		if err != nil {
			t.Fatalf("failed to read message: %v", err)
		}
		msgs = append(msgs, msg)
	}
}

func TestFileWALBasic(t *testing.T) {
	dir := t.TempDir()

	wal, err := NewFileWAL(dir)
	if err != nil {
		t.Fatalf("failed to create WAL: %v", err)
	}

	if err := wal.Start(); err != nil {
		t.Fatalf("failed to start WAL: %v", err)
	}

	if err := wal.Write(&Message{Type: MsgTypeProposal, Slot: 1}); err != nil {
		t.Fatalf("failed to write message: %v", err)
	}
	if err := wal.WriteSync(NewEndSlotMessage(1)); err != nil {
		t.Fatalf("failed to write sync message: %v", err)
	}

	if err := wal.Stop(); err != nil {
		t.Fatalf("failed to stop WAL: %v", err)
	}

	walPath := filepath.Join(dir, "journal-000000.seg")
	if _, err := os.Stat(walPath); os.IsNotExist(err) {
		t.Error("WAL segment file should exist")
	}
}

func TestMessageEncoding(t *testing.T) {
	msg := &Message{Type: MsgTypeProposal, Slot: 77, Data: []byte("payload")}

	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}

	var decoded Message
	if err := decoded.Decode(data); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if decoded.Type != msg.Type || decoded.Slot != msg.Slot ||
		string(decoded.Data) != string(msg.Data) {

		t.Errorf("decoded %+v, want %+v", decoded, *msg)
	}

	if MsgTypeEndSlot.String() != "EndSlot" {
		t.Errorf("unexpected type string %q", MsgTypeEndSlot.String())
	}
	if MsgTypePruneFork.String() != "PruneFork" {
		t.Errorf("unexpected type string %q", MsgTypePruneFork.String())
	}
}

func TestFileWALReadWrite(t *testing.T) {
	dir := t.TempDir()

	wal, err := NewFileWAL(dir)
	if err != nil {
		t.Fatalf("failed to create WAL: %v", err)
	}
	if err := wal.Start(); err != nil {
		t.Fatalf("failed to start WAL: %v", err)
	}

	messages := []*Message{
		{Type: MsgTypeProposal, Slot: 1, Data: []byte("a")},
		{Type: MsgTypeProposal, Slot: 1, Data: []byte("b")},
		NewEndSlotMessage(1),
		{Type: MsgTypeProposal, Slot: 2, Data: []byte("c")},
	}
	for _, msg := range messages {
		if err := wal.Write(msg); err != nil {
			t.Fatalf("failed to write message: %v", err)
		}
	}

	if err := wal.Stop(); err != nil {
		t.Fatalf("failed to stop WAL: %v", err)
	}

	reader, err := OpenReader(dir)
	if err != nil {
		t.Fatalf("failed to open WAL for reading: %v", err)
	}
	defer reader.Close()

	read := readAll(t, reader)
	if len(read) != len(messages) {
		t.Fatalf("expected %d messages, got %d", len(messages), len(read))
	}
	for i, msg := range messages {
		if read[i].Type != msg.Type {
			t.Errorf("message %d: expected type %v, got %v", i, msg.Type, read[i].Type)
		}
		if read[i].Slot != msg.Slot {
			t.Errorf("message %d: expected slot %d, got %d", i, msg.Slot, read[i].Slot)
		}
		if string(read[i].Data) != string(msg.Data) {
			t.Errorf("message %d: data mismatch", i)
		}
	}
}

func TestFileWALProposalRoundTrip(t *testing.T) {
	dir := t.TempDir()

	wal, _ := NewFileWAL(dir)
	if err := wal.Start(); err != nil {
		t.Fatalf("failed to start WAL: %v", err)
	}

	cb := &types.Coinbase{Height: 3, Reward: 9}
	block := types.NewBlock(types.Header{
		Version: types.BlockVersion,
		Height:  3,
		Slot:    8,
	}, [][]byte{cb.Bytes(), []byte("tx")})
	proposal := types.NewProposal(block)

	if err := wal.WriteSync(NewProposalMessage(proposal)); err != nil {
		t.Fatalf("failed to write proposal: %v", err)
	}
	wal.Stop()

	reader, err := OpenReader(dir)
	if err != nil {
		t.Fatalf("failed to open WAL for reading: %v", err)
	}
	defer reader.Close()

	msgs := readAll(t, reader)
	if len(msgs) != 1 || msgs[0].Slot != 8 {
		t.Fatalf("unexpected messages: %+v", msgs)
	}

	decoded, err := DecodeProposal(msgs[0].Data)
	if err != nil {
		t.Fatalf("failed to decode proposal: %v", err)
	}
	if decoded.Hash != proposal.Hash || decoded.HeaderHash != proposal.HeaderHash {
		t.Error("decoded proposal hashes differ")
	}
}

func TestFileWALSearchForEndSlot(t *testing.T) {
	dir := t.TempDir()

	wal, err := NewFileWAL(dir)
	if err != nil {
		t.Fatalf("failed to create WAL: %v", err)
	}
	if err := wal.Start(); err != nil {
		t.Fatalf("failed to start WAL: %v", err)
	}
	defer wal.Stop()

	wal.Write(&Message{Type: MsgTypeProposal, Slot: 1})
	wal.Write(NewEndSlotMessage(1))
	wal.Write(&Message{Type: MsgTypeProposal, Slot: 2})
	wal.Write(NewEndSlotMessage(2))
	wal.Write(&Message{Type: MsgTypeProposal, Slot: 3})

	reader, found, err := wal.SearchForEndSlot(1)
	if err != nil {
		t.Fatalf("failed to search for end slot: %v", err)
	}
	if !found {
		t.Fatal("expected to find end slot 1")
	}
	rest := readAll(t, reader)
	reader.Close()
	if len(rest) != 3 {
		t.Errorf("expected 3 messages after slot 1, got %d", len(rest))
	}

	reader, found, err = wal.SearchForEndSlot(99)
	if err != nil {
		t.Fatalf("failed to search for end slot: %v", err)
	}
	if found {
		t.Error("should not find end slot 99")
	}
	if reader != nil {
		reader.Close()
	}
}

func TestFileWALSearchSpansSegments(t *testing.T) {
	dir := t.TempDir()

	// Tiny segments force a rotation before nearly every write
	wal, err := NewFileWALWithSegmentSize(dir, 16)
	if err != nil {
		t.Fatalf("failed to create WAL: %v", err)
	}
	if err := wal.Start(); err != nil {
		t.Fatalf("failed to start WAL: %v", err)
	}
	defer wal.Stop()

	wal.Write(NewEndSlotMessage(5))
	for i := 0; i < 4; i++ {
		wal.Write(&Message{Type: MsgTypeProposal, Slot: 6, Data: []byte("proposal")})
	}

	if wal.SegmentCount() < 2 {
		t.Fatalf("expected rotation, got %d segments", wal.SegmentCount())
	}

	reader, found, err := wal.SearchForEndSlot(5)
	if err != nil || !found {
		t.Fatalf("failed to find end slot 5: found=%v err=%v", found, err)
	}
	defer reader.Close()

	if rest := readAll(t, reader); len(rest) != 4 {
		t.Errorf("expected 4 messages across segments, got %d", len(rest))
	}
}

func TestFileWALCheckpoint(t *testing.T) {
	dir := t.TempDir()

	wal, err := NewFileWALWithSegmentSize(dir, 16)
	if err != nil {
		t.Fatalf("failed to create WAL: %v", err)
	}
	if err := wal.Start(); err != nil {
		t.Fatalf("failed to start WAL: %v", err)
	}
	defer wal.Stop()

	for i := 0; i < 3; i++ {
		wal.Write(&Message{Type: MsgTypeProposal, Slot: 1, Data: []byte("old")})
	}
	wal.Write(NewEndSlotMessage(2))
	wal.Write(&Message{Type: MsgTypeProposal, Slot: 3, Data: []byte("new")})

	before := wal.SegmentCount()
	if err := wal.Checkpoint(2); err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}
	if wal.SegmentCount() >= before {
		t.Errorf("expected segments to be pruned, %d -> %d", before, wal.SegmentCount())
	}

	// Everything from the marker on survives
	reader, found, err := wal.SearchForEndSlot(2)
	if err != nil || !found {
		t.Fatalf("marker lost after checkpoint: found=%v err=%v", found, err)
	}
	defer reader.Close()
	if rest := readAll(t, reader); len(rest) != 1 {
		t.Errorf("expected 1 message after marker, got %d", len(rest))
	}

	if err := wal.Checkpoint(42); !errors.Is(err, ErrMarkerNotFound) {
		t.Errorf("expected ErrMarkerNotFound, got %v", err)
	}
}

func TestFileWALRestartRebuildsIndex(t *testing.T) {
	dir := t.TempDir()

	wal, _ := NewFileWAL(dir)
	if err := wal.Start(); err != nil {
		t.Fatalf("failed to start WAL: %v", err)
	}
	wal.Write(NewEndSlotMessage(4))
	wal.Write(&Message{Type: MsgTypeProposal, Slot: 5})
	wal.Stop()

	wal, _ = NewFileWAL(dir)
	if err := wal.Start(); err != nil {
		t.Fatalf("failed to restart WAL: %v", err)
	}
	defer wal.Stop()

	if _, ok := wal.markers[4]; !ok {
		t.Error("restart should index existing markers")
	}

	reader, found, err := wal.SearchForEndSlot(4)
	if err != nil || !found {
		t.Fatalf("failed to find marker after restart: found=%v err=%v", found, err)
	}
	defer reader.Close()
	if rest := readAll(t, reader); len(rest) != 1 {
		t.Errorf("expected 1 message after marker, got %d", len(rest))
	}
}

func TestFileWALCorruptedTail(t *testing.T) {
	dir := t.TempDir()

	wal, _ := NewFileWAL(dir)
	if err := wal.Start(); err != nil {
		t.Fatalf("failed to start WAL: %v", err)
	}
	wal.Write(&Message{Type: MsgTypeProposal, Slot: 1, Data: []byte("ok")})
	wal.Stop()

	// Simulate a torn write
	f, err := os.OpenFile(filepath.Join(dir, segmentName(0)), os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatalf("failed to open segment: %v", err)
	}
	f.Write([]byte{0, 0, 0, 9, 1, 2})
	f.Close()

	reader, err := OpenReader(dir)
	if err != nil {
		t.Fatalf("failed to open WAL for reading: %v", err)
	}
	defer reader.Close()

	if _, err := reader.Read(); err != nil {
		t.Fatalf("first message should be intact: %v", err)
	}
	if _, err := reader.Read(); !errors.Is(err, ErrCorrupted) {
		t.Errorf("expected ErrCorrupted, got %v", err)
	}
}

func TestFileWALStartRepairsTornTail(t *testing.T) {
	dir := t.TempDir()

	wal, _ := NewFileWAL(dir)
	if err := wal.Start(); err != nil {
		t.Fatalf("failed to start WAL: %v", err)
	}
	wal.Write(NewEndSlotMessage(1))
	wal.Write(&Message{Type: MsgTypeProposal, Slot: 2, Data: []byte("ok")})
	wal.Stop()

	f, err := os.OpenFile(filepath.Join(dir, segmentName(0)), os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatalf("failed to open segment: %v", err)
	}
	f.Write([]byte{0, 0, 0, 9, 1, 2})
	f.Close()

	// Records written after the restart must stay readable.
	wal, _ = NewFileWAL(dir)
	if err := wal.Start(); err != nil {
		t.Fatalf("failed to restart WAL: %v", err)
	}
	defer wal.Stop()
	if err := wal.WriteSync(&Message{Type: MsgTypeProposal, Slot: 3, Data: []byte("new")}); err != nil {
		t.Fatalf("failed to write after repair: %v", err)
	}

	reader, found, err := wal.SearchForEndSlot(1)
	if err != nil || !found {
		t.Fatalf("failed to find marker: found=%v err=%v", found, err)
	}
	defer reader.Close()

	rest := readAll(t, reader)
	if len(rest) != 2 || string(rest[1].Data) != "new" {
		t.Errorf("unexpected records after repair: %+v", rest)
	}
}

func TestFileWALWriteBeforeStart(t *testing.T) {
	dir := t.TempDir()

	wal, err := NewFileWAL(dir)
	if err != nil {
		t.Fatalf("failed to create WAL: %v", err)
	}

	err = wal.Write(&Message{Type: MsgTypeProposal, Slot: 1})
	if err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestFileWALDoubleStartStop(t *testing.T) {
	dir := t.TempDir()

	wal, err := NewFileWAL(dir)
	if err != nil {
		t.Fatalf("failed to create WAL: %v", err)
	}

	if err := wal.Start(); err != nil {
		t.Fatalf("failed to start WAL: %v", err)
	}
	if err := wal.Start(); err != nil {
		t.Errorf("double start should be a no-op, got: %v", err)
	}

	if err := wal.Stop(); err != nil {
		t.Fatalf("failed to stop WAL: %v", err)
	}
	if err := wal.Stop(); err != nil {
		t.Errorf("double stop should be a no-op, got: %v", err)
	}
}

func TestOpenReaderNotFound(t *testing.T) {
	dir := t.TempDir()

	_, err := OpenReader(dir)
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
