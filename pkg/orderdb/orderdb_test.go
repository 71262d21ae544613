package orderdb

import (
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/dexmatcher/matcherd/pkg/order"
	"github.com/dexmatcher/matcherd/pkg/storage"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store)
}

func TestPutAndGet(t *testing.T) {
	db := openTestDB(t)
	owner := common.HexToAddress("0x1111111111111111111111111111111111111111")

	rec := Record{
		Order:      order.Order{ID: "o1", Owner: owner, Pair: order.Pair{AmountAsset: "A", PriceAsset: "W"}},
		Status:     order.Status{Tag: order.PartiallyFilled, Filled: 10},
		LastOffset: 5,
	}
	require.NoError(t, db.Put(rec))

	got, ok, err := db.Get("o1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec, got)

	_, ok, err = db.Get("missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAppliedAtOrAfter(t *testing.T) {
	db := openTestDB(t)
	owner := common.HexToAddress("0x2222222222222222222222222222222222222222")
	require.NoError(t, db.Put(Record{
		Order:      order.Order{ID: "o1", Owner: owner},
		LastOffset: 7,
	}))

	applied, err := db.AppliedAtOrAfter("o1", 7)
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = db.AppliedAtOrAfter("o1", 8)
	require.NoError(t, err)
	require.False(t, applied)

	applied, err = db.AppliedAtOrAfter("unknown", 0)
	require.NoError(t, err)
	require.False(t, applied)
}

func TestByOwner(t *testing.T) {
	db := openTestDB(t)
	owner := common.HexToAddress("0x3333333333333333333333333333333333333333")
	other := common.HexToAddress("0x4444444444444444444444444444444444444444")

	require.NoError(t, db.Put(Record{Order: order.Order{ID: "o1", Owner: owner}, LastOffset: 1}))
	require.NoError(t, db.Put(Record{Order: order.Order{ID: "o2", Owner: owner}, LastOffset: 2}))
	require.NoError(t, db.Put(Record{Order: order.Order{ID: "o3", Owner: other}, LastOffset: 3}))

	recs, err := db.ByOwner(owner)
	require.NoError(t, err)
	require.Len(t, recs, 2)
}

func TestExportSince(t *testing.T) {
	db := openTestDB(t)
	owner := common.HexToAddress("0x5555555555555555555555555555555555555555")

	require.NoError(t, db.Put(Record{Order: order.Order{ID: "o1", Owner: owner}, LastOffset: 1}))
	require.NoError(t, db.Put(Record{Order: order.Order{ID: "o2", Owner: owner}, LastOffset: 5}))
	require.NoError(t, db.Put(Record{Order: order.Order{ID: "o3", Owner: owner}, LastOffset: 10}))

	recs, err := db.ExportSince(5)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, r := range recs {
		require.GreaterOrEqual(t, r.LastOffset, uint64(5))
	}
}
