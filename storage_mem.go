package jsondb

import (
	"bytes"
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"
)

var (
	errMemClosed   = errors.New("jsondb: in-memory storage closed")
	errMemReadOnly = errors.New("jsondb: read-only transaction")
)

// memStorage backs ephemeral partitions. The committed bucket set is never
// mutated in place: readers hold on to it without locking, and the single
// writer copies every bucket it touches before changing it.
type memStorage struct {
	mu         sync.Mutex
	writerDone *sync.Cond
	committed  map[string]*memBucket // by memBucketPath
	writing    bool
	closed     bool
}

func newMemStorage() *memStorage {
	s := &memStorage{committed: make(map[string]*memBucket)}
	s.writerDone = sync.NewCond(&s.mu)
	return s
}

func (s *memStorage) BeginTx(writable bool) (storageTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for writable && s.writing && !s.closed {
		s.writerDone.Wait()
	}
	if s.closed {
		return nil, errMemClosed
	}
	tx := &memTx{s: s, view: s.committed}
	if writable {
		s.writing = true
		tx.view = maps.Clone(s.committed)
		tx.copied = make(map[string]bool)
	}
	return tx, nil
}

func (s *memStorage) Sync() error { return nil }

func (s *memStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.committed = nil
	s.writerDone.Broadcast()
	return nil
}

// memTx sees the bucket set as of its start. copied is nil for readers.
type memTx struct {
	s      *memStorage
	view   map[string]*memBucket
	copied map[string]bool
	done   bool
}

func (tx *memTx) Writable() bool { return tx.copied != nil }

func (tx *memTx) check(write bool) error {
	if tx.done {
		panic("jsondb: use of a finished transaction")
	}
	if write && !tx.Writable() {
		return errMemReadOnly
	}
	return nil
}

// finish releases the writer slot. Called with s.mu held.
func (tx *memTx) finish() {
	if tx.done {
		return
	}
	tx.done = true
	if tx.Writable() {
		tx.s.writing = false
		tx.s.writerDone.Broadcast()
	}
}

// bucket returns the bucket at path. In a write transaction the bucket is
// copied on first access, and created when create is set.
func (tx *memTx) bucket(path string, create bool) *memBucket {
	b, ok := tx.view[path]
	if !tx.Writable() || tx.copied[path] {
		return b
	}
	switch {
	case ok:
		b = &memBucket{rows: slices.Clone(b.rows)}
	case create:
		b = &memBucket{}
	default:
		return nil
	}
	tx.view[path] = b
	tx.copied[path] = true
	return b
}

func (tx *memTx) Bucket(name, sub string) storageBucket {
	ensure(tx.check(false))
	b := tx.bucket(memBucketPath(name, sub), false)
	if b == nil {
		return nil
	}
	return memBucketHandle{tx: tx, b: b}
}

func (tx *memTx) CreateBucket(name, sub string) (storageBucket, error) {
	if err := tx.check(true); err != nil {
		return nil, err
	}
	tx.bucket(memBucketPath(name, ""), true)
	return memBucketHandle{tx: tx, b: tx.bucket(memBucketPath(name, sub), true)}, nil
}

func (tx *memTx) DeleteBucket(name, sub string) error {
	if err := tx.check(true); err != nil {
		return err
	}
	path := memBucketPath(name, sub)
	if _, ok := tx.view[path]; !ok || sub == "" {
		return ErrBucketNotFound
	}
	delete(tx.view, path)
	delete(tx.copied, path)
	return nil
}

func (tx *memTx) ForEachRoot(fn func(name string) error) error {
	var roots []string
	for path := range tx.view {
		if name, ok := strings.CutSuffix(path, memBucketSep); ok {
			roots = append(roots, name)
		}
	}
	slices.Sort(roots)
	for _, name := range roots {
		if err := fn(name); err != nil {
			return err
		}
	}
	return nil
}

func (tx *memTx) Commit() error {
	if tx.done {
		return nil
	}
	if err := tx.check(true); err != nil {
		return err
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	defer tx.finish()
	if tx.s.closed {
		return errMemClosed
	}
	tx.s.committed = tx.view
	return nil
}

func (tx *memTx) Rollback() error {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	tx.finish()
	return nil
}

func (tx *memTx) Size() int64 {
	var n int64
	for _, b := range tx.view {
		n += b.size()
	}
	return n
}

const memBucketSep = "\x00"

// memBucketPath names a nested bucket; root buckets have an empty sub.
func memBucketPath(name, sub string) string {
	return name + memBucketSep + sub
}

type memRow struct {
	k, v []byte
}

// memBucket holds the rows of one bucket sorted by key.
type memBucket struct {
	rows []memRow
}

func (b *memBucket) search(key []byte) (int, bool) {
	return slices.BinarySearchFunc(b.rows, key, func(r memRow, k []byte) int {
		return bytes.Compare(r.k, k)
	})
}

func (b *memBucket) size() int64 {
	var n int64
	for _, r := range b.rows {
		n += int64(len(r.k) + len(r.v))
	}
	return n
}

type memBucketHandle struct {
	tx *memTx
	b  *memBucket
}

func (h memBucketHandle) Get(key []byte) []byte {
	if i, ok := h.b.search(key); ok {
		return h.b.rows[i].v
	}
	return nil
}

func (h memBucketHandle) Put(key, value []byte) error {
	if err := h.tx.check(true); err != nil {
		return err
	}
	row := memRow{k: bytes.Clone(key), v: append([]byte{}, value...)}
	if i, ok := h.b.search(key); ok {
		h.b.rows[i] = row
	} else {
		h.b.rows = slices.Insert(h.b.rows, i, row)
	}
	return nil
}

func (h memBucketHandle) Delete(key []byte) error {
	if err := h.tx.check(true); err != nil {
		return err
	}
	if i, ok := h.b.search(key); ok {
		h.b.rows = slices.Delete(h.b.rows, i, i+1)
	}
	return nil
}

func (h memBucketHandle) Cursor() storageCursor {
	return &memCursor{b: h.b, pos: -1}
}

func (h memBucketHandle) Stats() bucketStats {
	n := h.b.size()
	return bucketStats{KeyN: len(h.b.rows), LeafInuse: n, LeafAlloc: n}
}

// memCursor walks a bucket by row position, with -1 and len(rows) standing
// for "before the first" and "after the last". Writes to the bucket
// invalidate it, as they do a bbolt cursor.
type memCursor struct {
	b   *memBucket
	pos int
}

func (c *memCursor) moveTo(i int) ([]byte, []byte) {
	n := len(c.b.rows)
	c.pos = max(-1, min(i, n))
	if c.pos < 0 || c.pos == n {
		return nil, nil
	}
	r := c.b.rows[c.pos]
	return r.k, r.v
}

func (c *memCursor) First() ([]byte, []byte) { return c.moveTo(0) }

func (c *memCursor) Last() ([]byte, []byte) { return c.moveTo(len(c.b.rows) - 1) }

func (c *memCursor) Seek(seek []byte) ([]byte, []byte) {
	i, _ := c.b.search(seek)
	return c.moveTo(i)
}

func (c *memCursor) SeekLast(prefix []byte) ([]byte, []byte) {
	end := incCopy(prefix)
	if end == nil {
		return c.Last()
	}
	i, _ := c.b.search(end)
	return c.moveTo(i - 1)
}

func (c *memCursor) Next() ([]byte, []byte) {
	if c.pos < 0 {
		return c.First()
	}
	return c.moveTo(c.pos + 1)
}

func (c *memCursor) Prev() ([]byte, []byte) { return c.moveTo(c.pos - 1) }
