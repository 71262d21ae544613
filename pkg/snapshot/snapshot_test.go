package snapshot

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dexmatcher/matcherd/pkg/matching"
	"github.com/dexmatcher/matcherd/pkg/order"
	"github.com/dexmatcher/matcherd/pkg/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	pair := order.Pair{AmountAsset: "A", PriceAsset: "W"}

	rec := Record{
		Pair:        pair,
		Offset:      42,
		Aggregation: matching.Aggregation{Mode: matching.Enabled, Tick: 100},
		Bids: []matching.RestingSnapshot{
			{Order: order.Order{ID: "b1", Pair: pair}, AmountRemaining: 5},
		},
		LastPrice:  200,
		LastAmount: 5,
	}
	require.NoError(t, s.Put(rec))

	got, ok, err := s.Get(pair)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, currentVersion, got.Version)
	require.Equal(t, rec.Offset, got.Offset)
	require.Equal(t, rec.Aggregation, got.Aggregation)
	require.Len(t, got.Bids, 1)
}

func TestGetMissingPair(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.Get(order.Pair{AmountAsset: "X", PriceAsset: "Y"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDrop(t *testing.T) {
	s := openTestStore(t)
	pair := order.Pair{AmountAsset: "A", PriceAsset: "W"}
	require.NoError(t, s.Put(Record{Pair: pair, Offset: 1}))

	require.NoError(t, s.Drop(pair))

	_, ok, err := s.Get(pair)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPutReplacesPriorSnapshot(t *testing.T) {
	s := openTestStore(t)
	pair := order.Pair{AmountAsset: "A", PriceAsset: "W"}
	require.NoError(t, s.Put(Record{Pair: pair, Offset: 1}))
	require.NoError(t, s.Put(Record{Pair: pair, Offset: 2}))

	got, ok, err := s.Get(pair)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), got.Offset)
}
