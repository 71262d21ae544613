// Package storage wraps the single embedded pebble database shared by the
// registry, snapshot, order and rate-cache components. Each component
// owns a disjoint key prefix; write concurrency is serialized by pebble's
// own write lock, reads are lock-free.
package storage

import (
	"github.com/cockroachdb/pebble"
)

type Store struct {
	db *pebble.DB
}

func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Get(key []byte) ([]byte, bool, error) {
	val, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	out := make([]byte, len(val))
	copy(out, val)
	return out, true, nil
}

// Set writes key/value. sync forces the write to be fsynced before
// returning; durable records (snapshots, terminal order status) use sync,
// high-volume append-only records may opt out.
func (s *Store) Set(key, value []byte, sync bool) error {
	opts := pebble.NoSync
	if sync {
		opts = pebble.Sync
	}
	return s.db.Set(key, value, opts)
}

func (s *Store) Delete(key []byte, sync bool) error {
	opts := pebble.NoSync
	if sync {
		opts = pebble.Sync
	}
	return s.db.Delete(key, opts)
}

// ScanPrefix calls fn for every key under prefix in ascending order,
// stopping at the first error fn returns.
func (s *Store) ScanPrefix(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: UpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Batch exposes pebble's atomic multi-key write batch for callers that
// must commit several keys together (e.g. an orderdb record and its index
// entries).
type Batch struct {
	b *pebble.Batch
}

func (s *Store) NewBatch() *Batch { return &Batch{b: s.db.NewBatch()} }

func (b *Batch) Set(key, value []byte) error { return b.b.Set(key, value, nil) }
func (b *Batch) Delete(key []byte) error     { return b.b.Delete(key, nil) }
func (b *Batch) Commit(sync bool) error {
	opts := pebble.NoSync
	if sync {
		opts = pebble.Sync
	}
	return b.b.Commit(opts)
}

// UpperBound returns the exclusive upper bound for a prefix scan.
func UpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	for i := len(bound) - 1; i >= 0; i-- {
		bound[i]++
		if bound[i] != 0 {
			return bound[:i+1]
		}
	}
	return nil // prefix was all 0xff: unbounded
}
