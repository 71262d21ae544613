// Package orderdb indexes order identifiers to their terminal status and
// fill amounts, enabling idempotent replay (an OrderBookActor can check
// whether an offset was already applied to a given order) and client
// status/history queries.
package orderdb

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dexmatcher/matcherd/pkg/order"
	"github.com/dexmatcher/matcherd/pkg/storage"
)

const (
	orderPrefix  = "ord:"
	ownerPrefix  = "owi:"
	offsetPrefix = "offi:"
)

func orderKey(id string) []byte { return []byte(orderPrefix + id) }

func ownerIndexKey(owner common.Address, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", ownerPrefix, owner.Hex(), id))
}

func ownerIndexPrefix(owner common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", ownerPrefix, owner.Hex()))
}

func offsetIndexKey(offset uint64, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", offsetPrefix, offset, id))
}

// Record is the durable projection of one order's lifecycle.
type Record struct {
	Order      order.Order
	Status     order.Status
	LastOffset uint64
}

// DB is the pebble-backed order index.
type DB struct {
	db *storage.Store
}

func New(db *storage.Store) *DB { return &DB{db: db} }

// Put durably records rec, creating the owner and offset secondary index
// entries alongside the primary record. All three keys are written in one
// atomic batch so readers never see a record without its index entries.
func (d *DB) Put(rec Record) error {
	val, err := storage.EncodeGob(rec)
	if err != nil {
		return fmt.Errorf("orderdb: encode: %w", err)
	}
	b := d.db.NewBatch()
	if err := b.Set(orderKey(rec.Order.ID), val); err != nil {
		return err
	}
	if err := b.Set(ownerIndexKey(rec.Order.Owner, rec.Order.ID), nil); err != nil {
		return err
	}
	if err := b.Set(offsetIndexKey(rec.LastOffset, rec.Order.ID), nil); err != nil {
		return err
	}
	return b.Commit(true)
}

// Get returns the record for id, if known.
func (d *DB) Get(id string) (Record, bool, error) {
	val, ok, err := d.db.Get(orderKey(id))
	if err != nil || !ok {
		return Record{}, ok, err
	}
	var rec Record
	if err := storage.DecodeGob(val, &rec); err != nil {
		return Record{}, false, fmt.Errorf("orderdb: decode: %w", err)
	}
	return rec, true, nil
}

// AppliedAtOrAfter reports whether the order with id has already recorded
// an event at offset >= the supplied offset, used for idempotent replay.
func (d *DB) AppliedAtOrAfter(id string, offset uint64) (bool, error) {
	rec, ok, err := d.Get(id)
	if err != nil || !ok {
		return false, err
	}
	return rec.LastOffset >= offset, nil
}

// ByOwner returns every order record owned by owner, most recent first.
func (d *DB) ByOwner(owner common.Address) ([]Record, error) {
	var ids []string
	err := d.db.ScanPrefix(ownerIndexPrefix(owner), func(key, _ []byte) error {
		parts := strings.Split(string(key), ":")
		ids = append(ids, parts[len(parts)-1])
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, ok, err := d.Get(id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastOffset > out[j].LastOffset })
	return out, nil
}

// ExportSince returns every record whose LastOffset is >= since, in
// offset order. It exists solely so the out-of-scope relational export
// collaborator can page through newly-settled orders incrementally.
func (d *DB) ExportSince(since uint64) ([]Record, error) {
	var out []Record
	err := d.db.ScanPrefix([]byte(offsetPrefix), func(key, _ []byte) error {
		rest := strings.TrimPrefix(string(key), offsetPrefix)
		sep := strings.Index(rest, ":")
		if sep < 0 {
			return nil
		}
		offset, err := strconv.ParseUint(rest[:sep], 10, 64)
		if err != nil || offset < since {
			return nil
		}
		id := rest[sep+1:]
		rec, ok, err := d.Get(id)
		if err != nil {
			return err
		}
		if ok {
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}
