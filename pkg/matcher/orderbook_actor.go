// Package matcher implements the actor tier that sits between the event
// queue and the order-book core: one OrderBookActor per asset pair, and
// the MatcherActor that spawns, restores, and routes events to them.
package matcher

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/dexmatcher/matcherd/pkg/addressbook"
	"github.com/dexmatcher/matcherd/pkg/broadcaster"
	"github.com/dexmatcher/matcherd/pkg/chain"
	"github.com/dexmatcher/matcherd/pkg/matcherr"
	"github.com/dexmatcher/matcherd/pkg/matching"
	"github.com/dexmatcher/matcherd/pkg/metrics"
	"github.com/dexmatcher/matcherd/pkg/order"
	"github.com/dexmatcher/matcherd/pkg/orderdb"
	"github.com/dexmatcher/matcherd/pkg/queue"
	"github.com/dexmatcher/matcherd/pkg/snapshot"
)

// AddressActors resolves (and lazily creates) the AddressActor owning an
// address's reservations; MatcherActor supplies this so OrderBookActors
// never construct actors directly.
type AddressActors interface {
	Get(owner common.Address) *addressbook.AddressActor
}

// PlacementDeadline bounds how long a broadcasted ExchangeTransaction is
// given to be observed forged before the broadcaster gives up on it.
const PlacementDeadline = 2 * time.Minute

type mailEntry func()

// OrderBookActor is the single-writer owner of one pair's OrderBook. Every
// exported method enqueues a closure onto its mailbox and blocks for the
// result, so the book itself is mutated by exactly one goroutine.
type OrderBookActor struct {
	pair    order.Pair
	book    *matching.OrderBook
	orders  *orderdb.DB
	snaps   *snapshot.Store
	addrs   AddressActors
	bcast   *broadcaster.Broadcaster
	logger  *zap.Logger
	mailbox chan mailEntry

	snapshotInterval  uint64
	lastAppliedOffset uint64
	lastSnapshotOff   uint64
	restored          bool

	// notify, if set, is invoked after a PlaceOrder or CancelOrder event
	// mutates the book, so a caller (the API layer) can push WebSocket
	// updates without OrderBookActor depending on it directly.
	notify func(pair order.Pair, book *matching.OrderBook, fills []matching.Fill, ts int64)
}

func NewOrderBookActor(pair order.Pair, agg matching.Aggregation, orders *orderdb.DB, snaps *snapshot.Store, addrs AddressActors, bcast *broadcaster.Broadcaster, snapshotInterval uint64, notify func(order.Pair, *matching.OrderBook, []matching.Fill, int64), logger *zap.Logger) *OrderBookActor {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &OrderBookActor{
		pair:             pair,
		book:             matching.NewOrderBook(pair, agg),
		orders:           orders,
		snaps:            snaps,
		addrs:            addrs,
		bcast:            bcast,
		logger:           logger.With(zap.String("pair", pair.String())),
		mailbox:          make(chan mailEntry, 256),
		snapshotInterval: snapshotInterval,
		notify:           notify,
	}
	go a.run()
	return a
}

func (a *OrderBookActor) run() {
	for entry := range a.mailbox {
		entry()
	}
}

func (a *OrderBookActor) call(fn func()) {
	done := make(chan struct{})
	a.mailbox <- func() { fn(); close(done) }
	<-done
}

// Stop closes the mailbox; no further calls may be made afterward.
func (a *OrderBookActor) Stop() { close(a.mailbox) }

// RestoreFromSnapshot loads rec (if non-zero) into the book and marks the
// actor as having caught up to rec.Offset. Called once at startup, before
// any ApplyEvent.
func (a *OrderBookActor) RestoreFromSnapshot(rec snapshot.Record, found bool) {
	a.call(func() {
		if found {
			a.book.Restore(rec.Bids, rec.Asks)
			a.lastAppliedOffset = rec.Offset
			a.lastSnapshotOff = rec.Offset
		}
		a.restored = true
	})
}

// Restored reports whether RestoreFromSnapshot has completed.
func (a *OrderBookActor) Restored() bool {
	var out bool
	a.call(func() { out = a.restored })
	return out
}

// LastAppliedOffset returns the highest offset this actor has applied.
// The coordinator computes its restore floor from snapshot offsets, not
// from this value.
func (a *OrderBookActor) LastAppliedOffset() uint64 {
	var out uint64
	a.call(func() { out = a.lastAppliedOffset })
	return out
}

// ApplyEvent applies ev if it has not already been applied (idempotent by
// offset, per the replay-determinism invariant).
func (a *OrderBookActor) ApplyEvent(ev queue.EventWithMeta) error {
	var applyErr error
	a.call(func() {
		if ev.Offset <= a.lastAppliedOffset {
			return
		}
		start := time.Now()
		switch ev.Event.Type {
		case queue.PlaceOrder:
			applyErr = a.applyPlace(ev)
		case queue.CancelOrder:
			applyErr = a.applyCancel(ev)
		case queue.OrderBookDeleted:
			// handled by the coordinator (actor teardown); nothing to mutate here.
		default:
			applyErr = matcherr.Wrap("matcher.ApplyEvent", matcherr.ErrInvalid, "unknown event type")
		}
		metrics.MatchingLatency.WithLabelValues(a.pair.String()).Observe(time.Since(start).Seconds())
		if applyErr == nil {
			a.lastAppliedOffset = ev.Offset
			if a.snapshotInterval > 0 && ev.Offset-a.lastSnapshotOff >= a.snapshotInterval {
				a.snapshotLocked(ev.Offset)
			}
		}
	})
	return applyErr
}

func (a *OrderBookActor) applyPlace(ev queue.EventWithMeta) error {
	o := ev.Event.Order
	if o == nil {
		return matcherr.Wrap("matcher.ApplyEvent", matcherr.ErrInvalid, "PlaceOrder missing order")
	}
	fills, remaining, feeCharged := a.book.Place(o)

	for _, f := range fills {
		makerOwner := common.Address(f.MakerOwner)
		for _, leg := range []struct {
			orderID string
			owner   common.Address
			amount  int64
			fee     int64
		}{
			{f.TakerID, common.Address(f.TakerOwner), f.Amount, f.TakerFee},
			{f.MakerID, makerOwner, f.Amount, f.MakerFee},
		} {
			if actor := a.addrs.Get(leg.owner); actor != nil {
				actor.ApplyFill(leg.orderID, leg.amount, leg.fee)
			}
		}

		tx := chain.ExchangeTransaction{
			ID:          fmt.Sprintf("%s-%d", o.ID, ev.Offset),
			AmountAsset: a.pair.AmountAsset,
			PriceAsset:  a.pair.PriceAsset,
			Price:       f.Price,
			Amount:      f.Amount,
			Timestamp:   ev.Timestamp,
		}
		if o.Side == order.Buy {
			tx.BuyOrderID, tx.SellOrderID = f.TakerID, f.MakerID
			tx.Buyer, tx.Seller = o.Owner, makerOwner
			tx.BuyMatcherFee, tx.SellMatcherFee = f.TakerFee, f.MakerFee
		} else {
			tx.BuyOrderID, tx.SellOrderID = f.MakerID, f.TakerID
			tx.Buyer, tx.Seller = makerOwner, o.Owner
			tx.BuyMatcherFee, tx.SellMatcherFee = f.MakerFee, f.TakerFee
		}
		if a.bcast != nil {
			a.bcast.Submit(context.Background(), tx, time.Now().Add(PlacementDeadline))
		}

		a.recordStatus(f.MakerID, f.Amount, f.MakerFee, ev.Offset)
	}

	tag := order.Accepted
	switch {
	case remaining == 0:
		tag = order.Filled
	case remaining < o.Amount:
		tag = order.PartiallyFilled
	}
	if a.orders != nil {
		rec := orderdb.Record{Order: *o, Status: order.Status{Tag: tag, Filled: o.Amount - remaining, FilledFee: feeCharged}, LastOffset: ev.Offset}
		if err := a.orders.Put(rec); err != nil {
			return err
		}
	}
	if a.notify != nil {
		a.notify(a.pair, a.book, fills, ev.Timestamp)
	}
	return nil
}

// recordStatus updates a resting (maker) order's cumulative fill record
// after it absorbed a fill. The maker's terminal status is derived from
// the book's own bookkeeping: if the book no longer contains it, it filled.
func (a *OrderBookActor) recordStatus(orderID string, filledDelta, feeDelta int64, offset uint64) {
	if a.orders == nil {
		return
	}
	rec, ok, err := a.orders.Get(orderID)
	if err != nil || !ok {
		return
	}
	rec.Status.Filled += filledDelta
	rec.Status.FilledFee += feeDelta
	if a.book.Contains(orderID) {
		rec.Status.Tag = order.PartiallyFilled
	} else {
		rec.Status.Tag = order.Filled
	}
	rec.LastOffset = offset
	_ = a.orders.Put(rec)
}

func (a *OrderBookActor) applyCancel(ev queue.EventWithMeta) error {
	o, remaining, feeCharged, found := a.book.Cancel(ev.Event.OrderID)
	if !found {
		return nil
	}
	if actor := a.addrs.Get(o.Owner); actor != nil {
		actor.ApplyCancel(ev.Event.OrderID)
	}
	if a.orders != nil {
		rec := orderdb.Record{
			Order:      *o,
			Status:     order.Status{Tag: order.Cancelled, Filled: o.Amount - remaining, FilledFee: feeCharged},
			LastOffset: ev.Offset,
		}
		if err := a.orders.Put(rec); err != nil {
			return err
		}
	}
	if a.notify != nil {
		a.notify(a.pair, a.book, nil, ev.Timestamp)
	}
	return nil
}

func (a *OrderBookActor) snapshotLocked(offset uint64) {
	if a.snaps == nil {
		return
	}
	bids, asks := a.book.Export()
	rec := snapshot.Record{Pair: a.pair, Offset: offset, Bids: bids, Asks: asks}
	rec.LastPrice, rec.LastAmount = a.book.GetLastTrade()
	if err := a.snaps.Put(rec); err != nil {
		a.logger.Warn("snapshot write failed", zap.Error(err))
		return
	}
	a.lastSnapshotOff = offset
	metrics.SnapshotsTaken.WithLabelValues(a.pair.String()).Inc()
}

// Snapshot forces an out-of-band snapshot, used on graceful shutdown.
func (a *OrderBookActor) Snapshot() {
	a.call(func() { a.snapshotLocked(a.lastAppliedOffset) })
}

// PingAll is a barrier: it returns only once every event already enqueued
// ahead of it has been applied.
func (a *OrderBookActor) PingAll() { a.call(func() {}) }

// Book exposes the read-only market view; OrderBook's own mutex makes this
// safe to call from any goroutine without routing through the mailbox.
func (a *OrderBookActor) Book() *matching.OrderBook { return a.book }
