// Package snapshot persists the latest serialized order-book state per
// asset pair, tagged with the offset at which it was taken, bounding how
// much of the event log must be replayed on restart.
package snapshot

import (
	"fmt"

	"github.com/dexmatcher/matcherd/pkg/matching"
	"github.com/dexmatcher/matcherd/pkg/order"
	"github.com/dexmatcher/matcherd/pkg/storage"
)

const (
	prefix         = "snap:"
	currentVersion = uint8(1)
)

func key(pair order.Pair) []byte {
	return []byte(fmt.Sprintf("%s%s|%s", prefix, pair.AmountAsset, pair.PriceAsset))
}

// Record is the versioned, self-describing snapshot of one order book.
type Record struct {
	Version     uint8
	Pair        order.Pair
	Offset      uint64
	Aggregation matching.Aggregation
	Bids        []matching.RestingSnapshot
	Asks        []matching.RestingSnapshot
	LastPrice   int64
	LastAmount  int64
}

// Store is the durable, pair-keyed snapshot table. Writes are atomic
// single-key pebble.Sync puts, so readers never observe a torn record.
type Store struct {
	db *storage.Store
}

func NewStore(db *storage.Store) *Store { return &Store{db: db} }

// Put durably writes rec, replacing any prior snapshot for its pair.
func (s *Store) Put(rec Record) error {
	rec.Version = currentVersion
	val, err := storage.EncodeGob(rec)
	if err != nil {
		return fmt.Errorf("snapshot: encode: %w", err)
	}
	return s.db.Set(key(rec.Pair), val, true)
}

// Get returns the latest snapshot for pair, if any.
func (s *Store) Get(pair order.Pair) (Record, bool, error) {
	val, ok, err := s.db.Get(key(pair))
	if err != nil {
		return Record{}, false, fmt.Errorf("snapshot: read: %w", err)
	}
	if !ok {
		return Record{}, false, nil
	}
	var rec Record
	if err := storage.DecodeGob(val, &rec); err != nil {
		return Record{}, false, fmt.Errorf("snapshot: decode: %w", err)
	}
	return rec, true, nil
}

// Drop removes pair's snapshot, used when an OrderBookDeleted event retires
// the pair entirely.
func (s *Store) Drop(pair order.Pair) error {
	return s.db.Delete(key(pair), true)
}
