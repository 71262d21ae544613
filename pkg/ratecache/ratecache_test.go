package ratecache

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dexmatcher/matcherd/pkg/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRateCacheSetGet(t *testing.T) {
	c := NewRateCache(openTestStore(t))
	require.NoError(t, c.Set("W", 1500))

	rate, ok := c.Get("W")
	require.True(t, ok)
	require.Equal(t, int64(1500), rate)

	_, ok = c.Get("missing")
	require.False(t, ok)
}

func TestRateCacheLoadRecoversFromStore(t *testing.T) {
	store := openTestStore(t)
	c1 := NewRateCache(store)
	require.NoError(t, c1.Set("W", 42))

	c2 := NewRateCache(store)
	require.NoError(t, c2.Load())
	rate, ok := c2.Get("W")
	require.True(t, ok)
	require.Equal(t, int64(42), rate)
}

func TestAssetDecimalsCacheLazyPopulatesAndCaches(t *testing.T) {
	calls := 0
	lookup := func(asset string) (uint8, error) {
		calls++
		return 6, nil
	}
	c := NewAssetDecimalsCache(lookup, openTestStore(t), nil)

	require.Equal(t, uint8(6), c.Decimals("A"))
	require.Equal(t, uint8(6), c.Decimals("A"))
	require.Equal(t, 1, calls)
}

func TestAssetDecimalsCacheFallsBackOnLookupError(t *testing.T) {
	lookup := func(asset string) (uint8, error) { return 0, errors.New("chain unavailable") }
	c := NewAssetDecimalsCache(lookup, openTestStore(t), nil)

	require.Equal(t, DefaultDecimals, c.Decimals("A"))
}
