// Package changefeed implements segmented append-only files recording the
// committed states of a partition, so that synchronization consumers can
// replay changes from a given state number without touching the database.
//
// File format:
//
//   - file = segmentHeader record*
//   - segmentHeader = magic:64 version:8 pad:8 flags:16 pad:32 segmentOrdinal:32
//     timestamp:32 firstState:32 pad:32 invariant:64*4 reserved:64*7 checksum:64
//   - record = size:uvarint state:uvarint tsDelta:uvarint data:size checksum:64
//
// Each record checksum is xxhash64 over the record header and data, so
// a torn write is detected and the segment is trimmed after the last good
// record when the feed is reopened.
package changefeed

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrIncompatible       = errors.New("incompatible change feed")
	ErrUnsupportedVersion = errors.New("unsupported change feed version")
	ErrClosed             = errors.New("change feed closed")
	ErrStateOrder         = errors.New("change feed states must increase")
	errCorruptedFile      = errors.New("corrupted change feed segment")
)

type Options struct {
	Context     context.Context
	FileName    string // e.g. "main-*.feed"
	MaxFileSize int64  // new segment after this size
	DebugName   string
	Now         func() time.Time
	Invariant   [32]byte

	Logger  *slog.Logger
	Verbose bool
}

const DefaultMaxFileSize = 4 * 1024 * 1024

const (
	magic          = 0x44454546474e4843 // "CHNGFEED" as little-endian uint64
	version0 uint8 = 0
)

const segmentHeaderSize = 16 * 8

type segmentHeader struct {
	Magic          uint64
	Version        uint8
	_              uint8
	Flags          uint16
	_              uint32
	SegmentOrdinal uint32
	Timestamp      uint32
	FirstState     uint32
	_              uint32
	Invariant      [32]byte
	_              [7]uint64
	Checksum       uint64
}

const timestampFmt = "20060102T150405"

// Record is a single committed state.
type Record struct {
	State     uint32
	Timestamp uint32
	Data      []byte
}

// Feed is a directory of segment files. Appends are serialized; reads open
// their own file handles and may run concurrently with appends.
type Feed struct {
	context        context.Context
	maxFileSize    int64
	fileNamePrefix string
	fileNameSuffix string
	debugName      string
	dir            string
	now            func() time.Time
	logger         *slog.Logger
	verbose        bool
	invariant      [32]byte

	lock      sync.Mutex
	closed    bool
	lastSeg   uint32
	lastState uint32
	seg       *segmentWriter
}

// Open prepares the feed in dir for appending, repairing the last segment
// if its tail is corrupted.
func Open(dir string, o Options) (*Feed, error) {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Context == nil {
		o.Context = context.Background()
	}
	if o.FileName == "" {
		o.FileName = "*.feed"
	}
	prefix, suffix, _ := strings.Cut(o.FileName, "*")
	if o.DebugName == "" {
		o.DebugName = "changefeed"
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, err
	}
	f := &Feed{
		context:        o.Context,
		maxFileSize:    o.MaxFileSize,
		fileNamePrefix: prefix,
		fileNameSuffix: suffix,
		debugName:      o.DebugName,
		dir:            dir,
		now:            o.Now,
		logger:         o.Logger,
		verbose:        o.Verbose,
		invariant:      o.Invariant,
	}
	if err := f.recover(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Feed) String() string {
	return f.debugName
}

// LastState returns the state of the last durable record, or 0.
func (f *Feed) LastState() uint32 {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.lastState
}

func (f *Feed) timestamp() uint32 {
	v := f.now().Unix()
	if v < 0 || uint64(v)&0xFFFF_FFFF_0000_0000 != 0 {
		panic("time travel disallowed")
	}
	return uint32(v)
}

type segmentFile struct {
	name       string
	seg        uint32
	firstState uint32
}

func (f *Feed) segments() ([]segmentFile, error) {
	ents, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	var result []segmentFile
	for _, ent := range ents {
		if !ent.Type().IsRegular() {
			continue
		}
		name := ent.Name()
		seg, _, first, err := parseSegmentName(f.fileNamePrefix, f.fileNameSuffix, name)
		if err != nil {
			continue
		}
		result = append(result, segmentFile{name, seg, first})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].seg < result[j].seg
	})
	return result, nil
}

func (f *Feed) recover() error {
	for {
		if err := f.context.Err(); err != nil {
			return err
		}
		segs, err := f.segments()
		if err != nil {
			return err
		}
		if len(segs) == 0 {
			return nil
		}
		last := segs[len(segs)-1]
		fn := filepath.Join(f.dir, last.name)

		file, err := os.OpenFile(fn, os.O_RDWR, 0o666)
		if err != nil {
			return err
		}

		var h segmentHeader
		err = f.readHeader(file, &h, last.seg)
		if err == errCorruptedFile {
			file.Close()
			f.logger.LogAttrs(f.context, slog.LevelWarn, "changefeed: deleting corrupted segment", slog.String("feed", f.debugName), slog.String("file", last.name))
			if err := os.Remove(fn); err != nil {
				return fmt.Errorf("changefeed: failed to delete corrupted segment: %w", err)
			}
			continue
		} else if err != nil {
			file.Close()
			return err
		}

		end := int64(segmentHeaderSize)
		lastState, ts := h.FirstState, h.Timestamp
		r := newRecordReader(bufio.NewReader(file), ts)
		for {
			rec, n, err := r.next()
			if err == io.EOF {
				break
			} else if err != nil {
				f.logger.LogAttrs(f.context, slog.LevelWarn, "changefeed: trimming corrupted tail", slog.String("feed", f.debugName), slog.String("file", last.name), slog.Int64("off", end), slog.Any("err", err))
				break
			}
			end += n
			lastState, ts = rec.State, rec.Timestamp
		}
		if err := file.Truncate(end); err != nil {
			file.Close()
			return err
		}
		if _, err := file.Seek(end, io.SeekStart); err != nil {
			file.Close()
			return err
		}

		f.lastSeg = last.seg
		if end > segmentHeaderSize {
			f.lastState = lastState
		} else if last.firstState > 0 {
			f.lastState = last.firstState - 1
		}
		f.seg = &segmentWriter{f: file, seg: last.seg, ts: ts, size: end}
		if f.verbose {
			f.logger.LogAttrs(f.context, slog.LevelDebug, "changefeed: opened", slog.String("feed", f.debugName), slog.String("file", last.name), slog.Uint64("state", uint64(f.lastState)))
		}
		return nil
	}
}

// Append writes a record for state. States must be strictly increasing.
func (f *Feed) Append(state uint32, data []byte) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.closed {
		return ErrClosed
	}
	if state <= f.lastState {
		return fmt.Errorf("%w: %d after %d", ErrStateOrder, state, f.lastState)
	}

	ts := f.timestamp()
	if f.seg != nil && f.seg.size >= f.maxFileSize {
		f.seg.close()
		f.seg = nil
	}
	if f.seg == nil {
		sw, err := f.startSegment(f.lastSeg+1, ts, state)
		if err != nil {
			return err
		}
		f.lastSeg++
		f.seg = sw
	}
	if err := f.seg.writeRecord(state, ts, data); err != nil {
		f.logger.LogAttrs(f.context, slog.LevelError, "changefeed: write failed", slog.String("feed", f.debugName), slog.Any("err", err))
		return err
	}
	f.lastState = state
	return nil
}

// Sync flushes the current segment to stable storage.
func (f *Feed) Sync() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.seg == nil {
		return nil
	}
	return datasync(f.seg.f)
}

func (f *Feed) Close() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.closed = true
	if f.seg != nil {
		f.seg.close()
		f.seg = nil
	}
	return nil
}

// Read calls fn for every record with a state greater than after, in order.
// A corrupted record ends the read silently; it is the durable end of the feed.
func (f *Feed) Read(after uint32, fn func(rec Record) error) error {
	segs, err := f.segments()
	if err != nil {
		return err
	}
	for i, s := range segs {
		if i+1 < len(segs) && segs[i+1].firstState > 0 && segs[i+1].firstState <= after+1 {
			continue
		}
		if err := f.readSegment(s, after, fn); err != nil {
			return err
		}
	}
	return nil
}

func (f *Feed) readSegment(s segmentFile, after uint32, fn func(rec Record) error) error {
	file, err := os.Open(filepath.Join(f.dir, s.name))
	if err != nil {
		return err
	}
	defer file.Close()

	var h segmentHeader
	err = f.readHeader(file, &h, s.seg)
	if err == errCorruptedFile {
		return nil
	} else if err != nil {
		return err
	}

	r := newRecordReader(bufio.NewReader(file), h.Timestamp)
	for {
		rec, _, err := r.next()
		if err != nil {
			return nil
		}
		if rec.State <= after {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

func (f *Feed) readHeader(file *os.File, h *segmentHeader, expectedSeg uint32) error {
	var buf [segmentHeaderSize]byte
	_, err := io.ReadFull(file, buf[:])
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return errCorruptedFile
	} else if err != nil {
		return err
	}
	n, err := binary.Decode(buf[:], binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != len(buf) {
		panic("internal size mismatch")
	}

	if xxhash.Sum64(buf[:segmentHeaderSize-8]) != h.Checksum {
		return errCorruptedFile
	}
	if h.Magic != magic || expectedSeg != h.SegmentOrdinal {
		return errCorruptedFile
	}
	if h.Version > version0 {
		return ErrUnsupportedVersion
	}
	if h.Invariant != f.invariant {
		return ErrIncompatible
	}
	return nil
}

func (f *Feed) startSegment(seg, ts, firstState uint32) (*segmentWriter, error) {
	name := formatSegmentName(f.fileNamePrefix, f.fileNameSuffix, seg, ts, firstState)
	file, err := os.OpenFile(filepath.Join(f.dir, name), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return nil, err
	}

	h := segmentHeader{
		Magic:          magic,
		Version:        version0,
		SegmentOrdinal: seg,
		Timestamp:      ts,
		FirstState:     firstState,
		Invariant:      f.invariant,
	}
	var buf [segmentHeaderSize]byte
	if _, err := binary.Encode(buf[:], binary.LittleEndian, h); err != nil {
		panic(err)
	}
	binary.LittleEndian.PutUint64(buf[segmentHeaderSize-8:], xxhash.Sum64(buf[:segmentHeaderSize-8]))

	if _, err := file.Write(buf[:]); err != nil {
		file.Close()
		os.Remove(file.Name())
		return nil, err
	}
	if f.verbose {
		f.logger.LogAttrs(f.context, slog.LevelDebug, "changefeed: new segment", slog.String("feed", f.debugName), slog.String("file", name))
	}
	return &segmentWriter{f: file, seg: seg, ts: ts, size: segmentHeaderSize}, nil
}

type segmentWriter struct {
	f    *os.File
	seg  uint32
	ts   uint32
	size int64
	buf  []byte
}

const maxRecHeaderLen = 3 * binary.MaxVarintLen64

func (sw *segmentWriter) writeRecord(state, ts uint32, data []byte) error {
	var tsDelta uint32
	if ts > sw.ts {
		tsDelta = ts - sw.ts
		sw.ts = ts
	}

	b := sw.buf[:0]
	b = appendRecordHeader(b, len(data), state, tsDelta)
	b = append(b, data...)
	b = binary.LittleEndian.AppendUint64(b, xxhash.Sum64(b))
	sw.buf = b

	n, err := sw.f.Write(b)
	sw.size += int64(n)
	return err
}

func (sw *segmentWriter) close() {
	if sw.f == nil {
		return
	}
	sw.f.Close()
	sw.f = nil
}

func appendRecordHeader(b []byte, size int, state, tsDelta uint32) []byte {
	b = binary.AppendUvarint(b, uint64(size))
	b = binary.AppendUvarint(b, uint64(state))
	b = binary.AppendUvarint(b, uint64(tsDelta))
	return b
}

type recordReader struct {
	r   *bufio.Reader
	ts  uint32
	buf []byte
}

func newRecordReader(r *bufio.Reader, ts uint32) *recordReader {
	return &recordReader{r: r, ts: ts}
}

// next returns the next record and the number of bytes it occupies.
func (rr *recordReader) next() (Record, int64, error) {
	var hdr [maxRecHeaderLen]byte
	h := hdr[:0]
	var vals [3]uint64
	for i := range vals {
		v, err := binary.ReadUvarint(byteRecorder{rr.r, &h})
		if err != nil {
			if i == 0 && err == io.EOF {
				return Record{}, 0, io.EOF
			}
			return Record{}, 0, errCorruptedFile
		}
		vals[i] = v
	}
	size := vals[0]
	if size > 1<<30 || vals[1] > 0xFFFF_FFFF || vals[2] > 0xFFFF_FFFF {
		return Record{}, 0, errCorruptedFile
	}

	total := len(h) + int(size) + 8
	if cap(rr.buf) < total {
		rr.buf = make([]byte, total)
	}
	buf := rr.buf[:total]
	copy(buf, h)
	if _, err := io.ReadFull(rr.r, buf[len(h):]); err != nil {
		return Record{}, 0, errCorruptedFile
	}
	body := buf[:total-8]
	if xxhash.Sum64(body) != binary.LittleEndian.Uint64(buf[total-8:]) {
		return Record{}, 0, errCorruptedFile
	}

	rr.ts += uint32(vals[2])
	data := make([]byte, size)
	copy(data, body[len(h):])
	return Record{State: uint32(vals[1]), Timestamp: rr.ts, Data: data}, int64(total), nil
}

type byteRecorder struct {
	r   io.ByteReader
	out *[]byte
}

func (br byteRecorder) ReadByte() (byte, error) {
	b, err := br.r.ReadByte()
	if err == nil {
		*br.out = append(*br.out, b)
	}
	return b, err
}

func formatSegmentName(prefix, suffix string, seg, ts, firstState uint32) string {
	t := time.Unix(int64(uint64(ts)), 0).UTC()
	return fmt.Sprintf("%s%012d-%s-%08x%s", prefix, seg, t.Format(timestampFmt), firstState, suffix)
}

func parseSegmentName(prefix, suffix, name string) (seg, ts, firstState uint32, err error) {
	core, ok := strings.CutPrefix(name, prefix)
	if ok {
		core, ok = strings.CutSuffix(core, suffix)
	}
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	segStr, rem, ok := strings.Cut(core, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	v, err := strconv.ParseUint(segStr, 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q (invalid segment number)", name)
	}
	seg = uint32(v)

	tsStr, stateStr, ok := strings.Cut(rem, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	t, err := time.ParseInLocation(timestampFmt, tsStr, time.UTC)
	if err != nil {
		return seg, 0, 0, fmt.Errorf("invalid segment file name %q (invalid timestamp)", name)
	}
	ts = uint32(t.Unix())

	v, err = strconv.ParseUint(stateStr, 16, 32)
	if err != nil {
		return seg, ts, 0, fmt.Errorf("invalid segment file name %q (invalid state)", name)
	}
	firstState = uint32(v)
	return
}
