package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	// DefaultSegmentSize is the size a segment grows to before the journal
	// moves on to the next one
	DefaultSegmentSize int64 = 64 << 20

	segmentPrefix = "journal-"
	segmentSuffix = ".seg"

	filePerm = 0600
	dirPerm  = 0700

	// A record is its payload length and CRC-32C followed by the payload.
	recordHeaderSize = 8
	maxRecordSize    = 10 << 20

	writeBufferSize = 64 << 10
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// FileWAL is a journal stored as numbered segment files in one directory
type FileWAL struct {
	mu sync.Mutex

	dir         string
	segmentSize int64

	started bool
	first   int
	last    int

	file    *os.File
	buf     *bufio.Writer
	written int64

	// markers maps a slot to the segment holding its EndSlot marker
	markers map[uint64]int
}

// NewFileWAL creates a journal in dir with the default segment size
func NewFileWAL(dir string) (*FileWAL, error) {
	return NewFileWALWithSegmentSize(dir, DefaultSegmentSize)
}

// NewFileWALWithSegmentSize creates a journal in dir whose segments rotate
// once they reach segmentSize bytes
func NewFileWALWithSegmentSize(dir string, segmentSize int64) (*FileWAL, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("unable to create journal directory: %w", err)
	}
	if segmentSize <= 0 {
		segmentSize = DefaultSegmentSize
	}

	return &FileWAL{dir: dir, segmentSize: segmentSize}, nil
}

// Start indexes the existing segments, repairs a torn tail and opens the
// newest segment for appending. Starting twice is a no-op.
func (w *FileWAL) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return nil
	}

	segments, err := listSegments(w.dir)
	if err != nil {
		return err
	}
	w.first, w.last = 0, 0
	if len(segments) > 0 {
		w.first, w.last = segments[0], segments[len(segments)-1]
	}

	w.markers = make(map[uint64]int)
	for _, seg := range segments {
		if err := w.indexSegment(seg, seg == w.last); err != nil {
			return err
		}
	}

	if err := w.openTail(); err != nil {
		return err
	}
	w.started = true

	log.Debugf("Journal started at %s (segments %d-%d, %d markers)", w.dir,
		w.first, w.last, len(w.markers))

	return nil
}

// indexSegment records the markers held by a segment. A damaged tail of the
// newest segment is cut off so appends continue after the last intact
// record.
func (w *FileWAL) indexSegment(seg int, newest bool) error {
	path := w.segmentPath(seg)
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var intact int64
	for {
		msg, n, err := readRecord(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			log.Warnf("Journal segment %d damaged after %d bytes: %v",
				seg, intact, err)
			if !newest {
				return nil
			}
			return os.Truncate(path, intact)
		}

		intact += int64(n)
		if msg.Type == MsgTypeEndSlot {
			w.markers[msg.Slot] = seg
		}
	}
}

func (w *FileWAL) segmentPath(seg int) string {
	return filepath.Join(w.dir, segmentName(seg))
}

// openTail opens the newest segment for appending
func (w *FileWAL) openTail() error {
	f, err := os.OpenFile(w.segmentPath(w.last),
		os.O_WRONLY|os.O_CREATE|os.O_APPEND, filePerm)
	if err != nil {
		return fmt.Errorf("unable to open journal segment %d: %w",
			w.last, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	w.file = f
	w.buf = bufio.NewWriterSize(f, writeBufferSize)
	w.written = info.Size()
	return nil
}

// Stop flushes and closes the open segment. Stopping twice is a no-op.
func (w *FileWAL) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return nil
	}
	w.started = false

	if err := w.sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// Write appends msg to the write buffer
func (w *FileWAL) Write(msg *Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.append(msg)
}

// WriteSync appends msg and fsyncs the segment
func (w *FileWAL) WriteSync(msg *Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.append(msg); err != nil {
		return err
	}
	return w.sync()
}

func (w *FileWAL) append(msg *Message) error {
	if !w.started {
		return ErrClosed
	}

	if w.written >= w.segmentSize {
		if err := w.rotate(); err != nil {
			return fmt.Errorf("unable to rotate journal: %w", err)
		}
	}

	n, err := writeRecord(w.buf, msg)
	if err != nil {
		return err
	}
	w.written += int64(n)

	if msg.Type == MsgTypeEndSlot {
		w.markers[msg.Slot] = w.last
	}
	return nil
}

func (w *FileWAL) rotate() error {
	if err := w.sync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	w.last++
	log.Debugf("Journal moved to segment %d", w.last)

	return w.openTail()
}

// FlushAndSync writes out buffered records and fsyncs the segment
func (w *FileWAL) FlushAndSync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return ErrClosed
	}
	return w.sync()
}

func (w *FileWAL) sync() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	return w.file.Sync()
}

// SearchForEndSlot returns a reader positioned right after the EndSlot
// marker of slot. The reader runs through every later segment.
func (w *FileWAL) SearchForEndSlot(slot uint64) (Reader, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return nil, false, ErrClosed
	}
	if err := w.buf.Flush(); err != nil {
		return nil, false, err
	}

	if seg, ok := w.markers[slot]; ok {
		r, found, err := w.seekMarker(seg, slot)
		if err != nil || found {
			return r, found, err
		}
		log.Warnf("Journal marker for slot %d not in segment %d, "+
			"scanning all segments", slot, seg)
	}

	r, found, err := w.seekMarker(w.first, slot)
	if found {
		w.markers[slot] = w.first
	}
	return r, found, err
}

// seekMarker reads from segment start onwards until slot's marker
func (w *FileWAL) seekMarker(start int, slot uint64) (Reader, bool, error) {
	r := &segmentReader{dir: w.dir, segments: segmentRange(start, w.last)}
	for {
		msg, err := r.Read()
		if err == io.EOF || errors.Is(err, ErrCorrupted) {
			r.Close()
			return nil, false, nil
		}
		if err != nil {
			r.Close()
			return nil, false, err
		}

		if msg.Type == MsgTypeEndSlot && msg.Slot == slot {
			return r, true, nil
		}
	}
}

// Checkpoint removes the segments older than the one holding slot's marker
func (w *FileWAL) Checkpoint(slot uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return ErrClosed
	}

	keep, ok := w.markers[slot]
	if !ok {
		return fmt.Errorf("%w: slot %d", ErrMarkerNotFound, slot)
	}

	for seg := w.first; seg < keep; seg++ {
		err := os.Remove(w.segmentPath(seg))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("unable to remove journal segment %d: %w",
				seg, err)
		}
	}
	for s, seg := range w.markers {
		if seg < keep {
			delete(w.markers, s)
		}
	}

	if keep > w.first {
		log.Debugf("Removed journal segments %d-%d before slot %d",
			w.first, keep-1, slot)
		w.first = keep
	}
	return nil
}

// SegmentCount returns the number of live segments
func (w *FileWAL) SegmentCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.last - w.first + 1
}

var _ WAL = (*FileWAL)(nil)

// OpenReader reads a journal directory from its oldest segment
func OpenReader(dir string) (Reader, error) {
	segments, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, ErrNotFound
	}
	return &segmentReader{dir: dir, segments: segments}, nil
}

func segmentName(seg int) string {
	return fmt.Sprintf("%s%06d%s", segmentPrefix, seg, segmentSuffix)
}

func parseSegmentName(name string) (int, bool) {
	if !strings.HasPrefix(name, segmentPrefix) ||
		!strings.HasSuffix(name, segmentSuffix) {

		return 0, false
	}

	num := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix),
		segmentSuffix)
	seg, err := strconv.Atoi(num)
	if err != nil || seg < 0 {
		return 0, false
	}
	return seg, true
}

// listSegments returns the segment numbers found in dir in ascending order
func listSegments(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("unable to list journal segments: %w", err)
	}

	var segments []int
	for _, entry := range entries {
		if seg, ok := parseSegmentName(entry.Name()); ok {
			segments = append(segments, seg)
		}
	}
	sort.Ints(segments)
	return segments, nil
}

func segmentRange(from, to int) []int {
	var segments []int
	for seg := from; seg <= to; seg++ {
		segments = append(segments, seg)
	}
	return segments
}

// writeRecord frames msg and returns the number of bytes written
func writeRecord(w io.Writer, msg *Message) (int, error) {
	payload, err := msg.Encode()
	if err != nil {
		return 0, err
	}
	if len(payload) > maxRecordSize {
		return 0, fmt.Errorf("journal record of %d bytes exceeds %d",
			len(payload), maxRecordSize)
	}

	var header [recordHeaderSize]byte
	binary.BigEndian.PutUint32(header[:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[4:], crc32.Checksum(payload, castagnoli))

	if _, err := w.Write(header[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(payload); err != nil {
		return 0, err
	}
	return recordHeaderSize + len(payload), nil
}

// readRecord reads one framed message and the number of bytes it took. A
// clean io.EOF is only returned at a record boundary.
func readRecord(r io.Reader) (*Message, int, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		return nil, 0, torn(err)
	}

	size := binary.BigEndian.Uint32(header[:4])
	if size > maxRecordSize {
		return nil, 0, fmt.Errorf("%w: record length %d", ErrCorrupted,
			size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, 0, torn(err)
	}

	want := binary.BigEndian.Uint32(header[4:])
	if got := crc32.Checksum(payload, castagnoli); got != want {
		return nil, 0, fmt.Errorf("%w: checksum %08x, want %08x",
			ErrCorrupted, got, want)
	}

	msg := &Message{}
	if err := msg.Decode(payload); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return msg, recordHeaderSize + int(size), nil
}

func torn(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: torn record", ErrCorrupted)
	}
	return err
}

// segmentReader reads records from a list of segments in order
type segmentReader struct {
	dir      string
	segments []int

	file *os.File
	r    *bufio.Reader
}

func (s *segmentReader) Read() (*Message, error) {
	for {
		if s.file == nil {
			if len(s.segments) == 0 {
				return nil, io.EOF
			}

			f, err := os.Open(filepath.Join(s.dir, segmentName(s.segments[0])))
			if err != nil {
				return nil, err
			}
			s.segments = s.segments[1:]
			s.file = f
			s.r = bufio.NewReader(f)
		}

		msg, _, err := readRecord(s.r)
		if err == io.EOF {
			s.file.Close()
			s.file = nil
			continue
		}
		return msg, err
	}
}

func (s *segmentReader) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

var _ Reader = (*segmentReader)(nil)
