package matcher

import (
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/dexmatcher/matcherd/pkg/addressbook"
	"github.com/dexmatcher/matcherd/pkg/matching"
	"github.com/dexmatcher/matcherd/pkg/order"
	"github.com/dexmatcher/matcherd/pkg/orderdb"
	"github.com/dexmatcher/matcherd/pkg/queue"
	"github.com/dexmatcher/matcherd/pkg/snapshot"
	"github.com/dexmatcher/matcherd/pkg/storage"
)

type noopAddressActors struct{}

func (noopAddressActors) Get(common.Address) *addressbook.AddressActor { return nil }

func newTestActor(t *testing.T, pair order.Pair) (*OrderBookActor, *orderdb.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	orders := orderdb.New(db)
	snaps := snapshot.NewStore(db)
	actor := NewOrderBookActor(pair, matching.Aggregation{Mode: matching.Disabled}, orders, snaps, noopAddressActors{}, nil, 0, nil, nil)
	t.Cleanup(actor.Stop)
	actor.RestoreFromSnapshot(snapshot.Record{}, false)
	return actor, orders
}

func placeEvent(offset uint64, o *order.Order) queue.EventWithMeta {
	return queue.EventWithMeta{Offset: offset, Event: queue.Event{Type: queue.PlaceOrder, Pair: o.Pair, Order: o}}
}

func cancelEvent(offset uint64, pair order.Pair, orderID string) queue.EventWithMeta {
	return queue.EventWithMeta{Offset: offset, Event: queue.Event{Type: queue.CancelOrder, Pair: pair, OrderID: orderID}}
}

var pair = order.Pair{AmountAsset: "A", PriceAsset: "W"}

func sell(id string, amount, price int64) *order.Order {
	return &order.Order{ID: id, Pair: pair, Side: order.Sell, Amount: amount, Price: price, FeeAsset: "W"}
}

func buy(id string, amount, price int64) *order.Order {
	return &order.Order{ID: id, Pair: pair, Side: order.Buy, Amount: amount, Price: price, FeeAsset: "W"}
}

func TestApplyEventPersistsOrderStatus(t *testing.T) {
	actor, orders := newTestActor(t, pair)

	require.NoError(t, actor.ApplyEvent(placeEvent(1, sell("S1", 100, order.PriceConstant))))
	rec, ok, err := orders.Get("S1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, order.Accepted, rec.Status.Tag)

	require.NoError(t, actor.ApplyEvent(placeEvent(2, buy("B1", 40, order.PriceConstant))))
	rec, ok, err = orders.Get("S1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, order.PartiallyFilled, rec.Status.Tag)
	require.Equal(t, int64(40), rec.Status.Filled)
}

func TestApplyEventIsIdempotentByOffset(t *testing.T) {
	actor, orders := newTestActor(t, pair)

	ev := placeEvent(1, sell("S1", 100, order.PriceConstant))
	require.NoError(t, actor.ApplyEvent(ev))
	require.NoError(t, actor.ApplyEvent(ev)) // replay of the same offset must be a no-op

	require.Equal(t, uint64(1), actor.LastAppliedOffset())
	require.True(t, actor.Book().Contains("S1"))

	levels := actor.Book().GetAskLevels()
	require.Len(t, levels, 1)
	require.Equal(t, int64(100), levels[0].Amount)

	rec, ok, err := orders.Get("S1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), rec.LastOffset)
}

func TestApplyCancelMarksOrderCancelled(t *testing.T) {
	actor, orders := newTestActor(t, pair)
	require.NoError(t, actor.ApplyEvent(placeEvent(1, sell("S1", 100, order.PriceConstant))))
	require.NoError(t, actor.ApplyEvent(cancelEvent(2, pair, "S1")))

	require.False(t, actor.Book().Contains("S1"))
	rec, ok, err := orders.Get("S1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, order.Cancelled, rec.Status.Tag)
}

func TestApplyCancelUnknownOrderIsNoop(t *testing.T) {
	actor, _ := newTestActor(t, pair)
	require.NoError(t, actor.ApplyEvent(cancelEvent(1, pair, "missing")))
	require.Equal(t, uint64(1), actor.LastAppliedOffset())
}

func TestRestoreFromSnapshotSeedsBookAndOffset(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	defer db.Close()
	orders := orderdb.New(db)
	snaps := snapshot.NewStore(db)

	seed := NewOrderBookActor(pair, matching.Aggregation{Mode: matching.Disabled}, orders, snaps, noopAddressActors{}, nil, 0, nil, nil)
	require.NoError(t, seed.ApplyEvent(placeEvent(1, sell("S1", 100, order.PriceConstant))))
	seed.Snapshot()
	seed.Stop()

	actor := NewOrderBookActor(pair, matching.Aggregation{Mode: matching.Disabled}, orders, snaps, noopAddressActors{}, nil, 0, nil, nil)
	defer actor.Stop()
	rec, found, err := snaps.Get(pair)
	require.NoError(t, err)
	require.True(t, found)
	actor.RestoreFromSnapshot(rec, found)

	require.True(t, actor.Restored())
	require.Equal(t, uint64(1), actor.LastAppliedOffset())
	require.True(t, actor.Book().Contains("S1"))
}
