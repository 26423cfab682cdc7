package jsondb

import (
	"fmt"
	"time"
	"unsafe"

	"go.etcd.io/bbolt"
)

type boltStorage struct {
	bdb *bbolt.DB
}

func openBoltStorage(path string, conf *Config) (*boltStorage, error) {
	bopt := &bbolt.Options{}
	*bopt = *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if conf.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 1024
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if conf.MmapSize != 0 {
		bopt.InitialMmapSize = conf.MmapSize
	}

	bdb, err := bbolt.Open(path, 0666, bopt)
	if err != nil {
		return nil, fmt.Errorf("jsondb: opening %s: %w", path, err)
	}
	return &boltStorage{bdb: bdb}, nil
}

func (s *boltStorage) BeginTx(writable bool) (storageTx, error) {
	btx, err := s.bdb.Begin(writable)
	if err != nil {
		return nil, err
	}
	return &boltStorageTx{btx: btx}, nil
}

func (s *boltStorage) Sync() error {
	return s.bdb.Sync()
}

func (s *boltStorage) Close() error {
	return s.bdb.Close()
}

type boltStorageTx struct {
	btx *bbolt.Tx
}

func (tx *boltStorageTx) Writable() bool { return tx.btx.Writable() }

func (tx *boltStorageTx) Bucket(name, sub string) storageBucket {
	b := tx.btx.Bucket(unsafeBytesFromString(name))
	if b != nil && sub != "" {
		b = b.Bucket(unsafeBytesFromString(sub))
	}
	if b == nil {
		return nil
	}
	return boltBucket{b: b}
}

// CreateBucket creates the root bucket and, for a non-empty sub, the nested
// one. Names are copied since bbolt keeps them.
func (tx *boltStorageTx) CreateBucket(name, sub string) (storageBucket, error) {
	b, err := tx.btx.CreateBucketIfNotExists([]byte(name))
	if err == nil && sub != "" {
		b, err = b.CreateBucketIfNotExists([]byte(sub))
	}
	if err != nil {
		return nil, fmt.Errorf("jsondb: creating bucket %s/%s: %w", name, sub, err)
	}
	return boltBucket{b: b}, nil
}

func (tx *boltStorageTx) DeleteBucket(name, sub string) error {
	root := tx.btx.Bucket(unsafeBytesFromString(name))
	if root == nil || sub == "" {
		return ErrBucketNotFound
	}
	switch err := root.DeleteBucket(unsafeBytesFromString(sub)); err {
	case nil:
		return nil
	case bbolt.ErrBucketNotFound:
		return ErrBucketNotFound
	default:
		return fmt.Errorf("jsondb: deleting bucket %s/%s: %w", name, sub, err)
	}
}

func (tx *boltStorageTx) ForEachRoot(fn func(name string) error) error {
	return tx.btx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
		return fn(string(name))
	})
}

func (tx *boltStorageTx) Commit() error { return tx.btx.Commit() }

func (tx *boltStorageTx) Rollback() error {
	err := tx.btx.Rollback()
	if err == bbolt.ErrTxClosed {
		return nil
	}
	return err
}

func (tx *boltStorageTx) Size() int64 { return tx.btx.Size() }

type boltBucket struct {
	b *bbolt.Bucket
}

func (b boltBucket) Get(key []byte) []byte { return b.b.Get(key) }

func (b boltBucket) Put(key, value []byte) error { return b.b.Put(key, value) }

func (b boltBucket) Delete(key []byte) error { return b.b.Delete(key) }

func (b boltBucket) Cursor() storageCursor { return boltCursor{c: b.b.Cursor()} }

func (b boltBucket) Stats() bucketStats {
	s := b.b.Stats()
	return bucketStats{
		KeyN:        s.KeyN,
		LeafInuse:   int64(s.LeafInuse),
		LeafAlloc:   int64(s.LeafAlloc),
		BranchAlloc: int64(s.BranchAlloc),
	}
}

type boltCursor struct {
	c *bbolt.Cursor
}

func (c boltCursor) First() ([]byte, []byte) { return c.c.First() }

func (c boltCursor) Last() ([]byte, []byte) { return c.c.Last() }

func (c boltCursor) Seek(seek []byte) ([]byte, []byte) { return c.c.Seek(seek) }

// SeekLast seeks just past the keys having prefix and steps back. A prefix
// with no successor (all 0xFF) has nothing after it.
func (c boltCursor) SeekLast(prefix []byte) ([]byte, []byte) {
	end := incCopy(prefix)
	if end == nil {
		return c.c.Last()
	}
	if k, _ := c.c.Seek(end); k == nil {
		return c.c.Last()
	}
	return c.c.Prev()
}

func (c boltCursor) Next() ([]byte, []byte) { return c.c.Next() }

func (c boltCursor) Prev() ([]byte, []byte) { return c.c.Prev() }

func unsafeBytesFromString(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
