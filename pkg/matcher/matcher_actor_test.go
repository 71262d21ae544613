package matcher

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dexmatcher/matcherd/pkg/chain/chaintest"
	"github.com/dexmatcher/matcherd/pkg/matching"
	"github.com/dexmatcher/matcherd/pkg/order"
	"github.com/dexmatcher/matcherd/pkg/orderdb"
	"github.com/dexmatcher/matcherd/pkg/queue"
	"github.com/dexmatcher/matcherd/pkg/registry"
	"github.com/dexmatcher/matcherd/pkg/snapshot"
	"github.com/dexmatcher/matcherd/pkg/storage"
	"github.com/dexmatcher/matcherd/pkg/util"
)

func newTestMatcher(t *testing.T, pairs ...order.Pair) (*MatcherActor, *queue.LocalQueue) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := registry.NewAssetPairRegistry(store)
	for _, p := range pairs {
		_, err := reg.RegisterPair(p, matching.Aggregation{Mode: matching.Disabled})
		require.NoError(t, err)
	}

	q, err := queue.OpenLocal(filepath.Join(t.TempDir(), "queue"), util.RealClock{})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close(time.Second) })

	orders := orderdb.New(store)
	snaps := snapshot.NewStore(store)
	m := New(reg, q, orders, snaps, store, chaintest.New(), nil, 0, nil)
	return m, q
}

func TestMatcherActorBecomesReadyWithEmptyQueue(t *testing.T) {
	m, _ := newTestMatcher(t, pair)
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.WaitUntilReady(time.Second))
	require.Equal(t, Ready, m.Status())
}

func TestMatcherActorReplaysPriorEventsBeforeReady(t *testing.T) {
	m, q := newTestMatcher(t, pair)
	_, _, err := q.Append(queue.Event{Type: queue.PlaceOrder, Pair: pair, Order: sell("S1", 100, order.PriceConstant)})
	require.NoError(t, err)
	_, _, err = q.Append(queue.Event{Type: queue.PlaceOrder, Pair: pair, Order: buy("B1", 40, order.PriceConstant)})
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.WaitUntilReady(2*time.Second))

	actor, ok := m.BookFor(pair)
	require.True(t, ok)
	levels := actor.Book().GetAskLevels()
	require.Len(t, levels, 1)
	require.Equal(t, int64(60), levels[0].Amount)
}

func TestMatcherActorRoutesEventsByPair(t *testing.T) {
	otherPair := order.Pair{AmountAsset: "Z", PriceAsset: "W"}
	m, q := newTestMatcher(t, pair, otherPair)

	_, _, err := q.Append(queue.Event{Type: queue.PlaceOrder, Pair: pair, Order: sell("S1", 10, order.PriceConstant)})
	require.NoError(t, err)
	_, _, err = q.Append(queue.Event{Type: queue.PlaceOrder, Pair: otherPair, Order: sell("S2", 20, order.PriceConstant)})
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.WaitUntilReady(2*time.Second))

	a1, _ := m.BookFor(pair)
	a2, _ := m.BookFor(otherPair)
	require.True(t, a1.Book().Contains("S1"))
	require.False(t, a1.Book().Contains("S2"))
	require.True(t, a2.Book().Contains("S2"))
}

func TestMatcherActorStopSnapshotsBooks(t *testing.T) {
	m, q := newTestMatcher(t, pair)
	_, _, err := q.Append(queue.Event{Type: queue.PlaceOrder, Pair: pair, Order: sell("S1", 10, order.PriceConstant)})
	require.NoError(t, err)

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.WaitUntilReady(2*time.Second))
	require.NoError(t, m.Stop(time.Second))

	rec, found, err := m.snaps.Get(pair)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, rec.Asks, 1)
}
