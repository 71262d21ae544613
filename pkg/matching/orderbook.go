// Package matching implements the price-time-priority limit order book:
// the pure, in-memory data structure mutated by an OrderBookActor for a
// single asset pair.
package matching

import (
	"container/heap"
	"sort"
	"sync"

	"github.com/dexmatcher/matcherd/pkg/order"
)

// TickMode selects whether a book aggregates resting orders into buckets.
type TickMode uint8

const (
	Disabled TickMode = iota
	Enabled
)

func (m TickMode) String() string {
	if m == Enabled {
		return "Enabled"
	}
	return "Disabled"
}

// Aggregation is the tick-size and dust-handling setting in effect for a
// book at a given offset; see MatchingRules.
type Aggregation struct {
	Mode TickMode
	Tick int64

	// MinFillUnit is the smallest tradable amount for the pair; a crossing
	// that would leave a positive residual below it on either side instead
	// fully consumes that side rather than leaving dust resting. Zero means
	// "use DefaultMinFillUnit".
	MinFillUnit int64
}

// minFillUnit resolves the effective minimum-fill unit, substituting
// DefaultMinFillUnit when the pair has not configured one.
func (a Aggregation) minFillUnit() int64 {
	if a.MinFillUnit > 0 {
		return a.MinFillUnit
	}
	return DefaultMinFillUnit
}

// bucketKey returns the level key an order at price rests under for side.
func (a Aggregation) bucketKey(side order.Side, price int64) int64 {
	if a.Mode == Disabled || a.Tick <= 0 {
		return price
	}
	if side == order.Buy {
		return (price / a.Tick) * a.Tick
	}
	// ceil for asks
	if price%a.Tick == 0 {
		return price
	}
	return (price/a.Tick + 1) * a.Tick
}

// Fill is one matched execution produced while applying an incoming order.
type Fill struct {
	TakerID    string
	MakerID    string
	TakerOwner [20]byte
	MakerOwner [20]byte
	Price      int64 // maker's real order price; the settlement price
	Amount     int64
	TakerFee   int64
	MakerFee   int64
}

// restingOrder is a book entry: the immutable order plus mutable fill state.
type restingOrder struct {
	Order           *order.Order
	AmountRemaining int64
	FeeCharged      int64
	levelKey        int64
}

func (r *restingOrder) less(o *restingOrder) bool {
	if r.Order.Timestamp != o.Order.Timestamp {
		return r.Order.Timestamp < o.Order.Timestamp
	}
	return r.Order.ID < o.Order.ID
}

// level holds all resting orders sharing one bucket key, sorted oldest first.
type level struct {
	key    int64
	orders []*restingOrder
}

func (l *level) insert(r *restingOrder) {
	i := sort.Search(len(l.orders), func(i int) bool { return r.less(l.orders[i]) })
	l.orders = append(l.orders, nil)
	copy(l.orders[i+1:], l.orders[i:])
	l.orders[i] = r
}

func (l *level) removeAt(i int) {
	l.orders = append(l.orders[:i], l.orders[i+1:]...)
}

// PriceLevel is an aggregated, read-only view of a book side for display.
type PriceLevel struct {
	Price  int64
	Amount int64
}

// DefaultMinFillUnit is the minimum-fill unit used for any pair whose
// Aggregation does not set one explicitly.
const DefaultMinFillUnit int64 = 1

// OrderBook is the single-pair matching engine. All mutating methods must
// be called from the owning OrderBookActor's goroutine; OrderBook itself
// does no actor-level synchronization beyond the mutex protecting its
// read-only accessors used by HTTP status handlers on other goroutines.
type OrderBook struct {
	mu sync.RWMutex

	pair order.Pair

	bidHeap maxPriceHeap
	askHeap minPriceHeap
	bids    map[int64]*level
	asks    map[int64]*level

	orderIndex map[string]*restingOrder

	aggregation Aggregation
	minFillUnit int64

	lastTradePrice  int64
	lastTradeAmount int64
}

func NewOrderBook(pair order.Pair, agg Aggregation) *OrderBook {
	return &OrderBook{
		pair:        pair,
		bids:        make(map[int64]*level),
		asks:        make(map[int64]*level),
		orderIndex:  make(map[string]*restingOrder),
		aggregation: agg,
		minFillUnit: agg.minFillUnit(),
	}
}

func (ob *OrderBook) bestBidKey() (int64, bool) {
	if len(ob.bidHeap) == 0 {
		return 0, false
	}
	return ob.bidHeap.Peek(), true
}

func (ob *OrderBook) bestAskKey() (int64, bool) {
	if len(ob.askHeap) == 0 {
		return 0, false
	}
	return ob.askHeap.Peek(), true
}

func (ob *OrderBook) insertResting(r *restingOrder) {
	key := ob.aggregation.bucketKey(r.Order.Side, r.Order.Price)
	r.levelKey = key
	var side map[int64]*level
	var h heap.Interface
	if r.Order.Side == order.Buy {
		side = ob.bids
		h = &ob.bidHeap
	} else {
		side = ob.asks
		h = &ob.askHeap
	}
	lv, ok := side[key]
	if !ok {
		lv = &level{key: key}
		side[key] = lv
		heap.Push(h, key)
	}
	lv.insert(r)
	ob.orderIndex[r.Order.ID] = r
}

func (ob *OrderBook) removeResting(r *restingOrder) {
	var side map[int64]*level
	var h heap.Interface
	if r.Order.Side == order.Buy {
		side = ob.bids
		h = &ob.bidHeap
	} else {
		side = ob.asks
		h = &ob.askHeap
	}
	lv, ok := side[r.levelKey]
	if !ok {
		return
	}
	for i, o := range lv.orders {
		if o.Order.ID == r.Order.ID {
			lv.removeAt(i)
			break
		}
	}
	if len(lv.orders) == 0 {
		delete(side, r.levelKey)
		removeKeyFromHeap(h, r.levelKey)
	}
	delete(ob.orderIndex, r.Order.ID)
}

func removeKeyFromHeap(h heap.Interface, key int64) {
	switch hh := h.(type) {
	case *maxPriceHeap:
		for i, k := range *hh {
			if k == key {
				heap.Remove(hh, i)
				return
			}
		}
	case *minPriceHeap:
		for i, k := range *hh {
			if k == key {
				heap.Remove(hh, i)
				return
			}
		}
	}
}

func ceilDiv(num, den int64) int64 {
	if den <= 0 {
		return 0
	}
	return (num + den - 1) / den
}

// proratedFee returns the fee charged for this fill and the new running
// total, clamped so the sum never exceeds totalFee. Rounds up (ceilDiv)
// rather than down so a sequence of partial fills never under-collects
// the matcher fee relative to totalFee; the clamp absorbs the at-most-one
// unit of overcollection on the final fill.
func proratedFee(totalFee, orderAmount, fillAmount, chargedSoFar int64) (fee int64, newCharged int64) {
	if orderAmount <= 0 {
		return 0, chargedSoFar
	}
	raw := ceilDiv(totalFee*fillAmount, orderAmount)
	if chargedSoFar+raw > totalFee {
		raw = totalFee - chargedSoFar
	}
	if raw < 0 {
		raw = 0
	}
	return raw, chargedSoFar + raw
}

// Place applies an incoming order against the opposite side, returning the
// fills produced, the amount remaining for the incoming order after
// matching (zero means fully filled; otherwise the remainder rests), and
// the part of its matcher fee charged across those fills.
func (ob *OrderBook) Place(o *order.Order) (fills []Fill, remainingAmount int64, feeCharged int64) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	remaining := o.Amount
	var chargedSoFar int64

	for remaining > 0 {
		var oppositeKey int64
		var crosses bool
		var oppositeSide map[int64]*level
		var oppositeHeap heap.Interface

		if o.Side == order.Buy {
			k, ok := ob.bestAskKey()
			crosses = ok && k <= o.Price
			oppositeKey, oppositeSide, oppositeHeap = k, ob.asks, &ob.askHeap
		} else {
			k, ok := ob.bestBidKey()
			crosses = ok && k >= o.Price
			oppositeKey, oppositeSide, oppositeHeap = k, ob.bids, &ob.bidHeap
		}
		if !crosses {
			break
		}

		lv := oppositeSide[oppositeKey]
		if lv == nil || len(lv.orders) == 0 {
			delete(oppositeSide, oppositeKey)
			removeKeyFromHeap(oppositeHeap, oppositeKey)
			continue
		}
		maker := lv.orders[0]

		match := remaining
		if maker.AmountRemaining < match {
			match = maker.AmountRemaining
		}

		takerFee, newCharged := proratedFee(o.MatcherFee, o.Amount, match, chargedSoFar)
		chargedSoFar = newCharged
		makerFee, newMakerCharged := proratedFee(maker.Order.MatcherFee, maker.Order.Amount, match, maker.FeeCharged)
		maker.FeeCharged = newMakerCharged

		remaining -= match
		maker.AmountRemaining -= match

		// No-dust rule: a sub-minimum residual left on either side by this
		// match is absorbed into that side's bookkeeping (treated as fully
		// closed) rather than left resting, or retried against the next
		// opposite order, as a tradable sliver nobody can ever fill.
		if maker.AmountRemaining > 0 && maker.AmountRemaining < ob.minFillUnit {
			maker.AmountRemaining = 0
		}
		if remaining > 0 && remaining < ob.minFillUnit {
			remaining = 0
		}

		fills = append(fills, Fill{
			TakerID:    o.ID,
			MakerID:    maker.Order.ID,
			TakerOwner: o.Owner,
			MakerOwner: maker.Order.Owner,
			Price:      maker.Order.Price,
			Amount:     match,
			TakerFee:   takerFee,
			MakerFee:   makerFee,
		})
		ob.lastTradePrice = maker.Order.Price
		ob.lastTradeAmount = match

		if maker.AmountRemaining <= 0 {
			ob.removeResting(maker)
		}
	}

	if remaining > 0 {
		r := &restingOrder{Order: o, AmountRemaining: remaining, FeeCharged: chargedSoFar}
		ob.insertResting(r)
	}

	return fills, remaining, chargedSoFar
}

// Cancel removes a resting order, reporting whether it was found and its
// remaining amount/charged fee at the time of cancellation.
func (ob *OrderBook) Cancel(orderID string) (o *order.Order, amountRemaining, feeCharged int64, found bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	r, ok := ob.orderIndex[orderID]
	if !ok {
		return nil, 0, 0, false
	}
	ob.removeResting(r)
	return r.Order, r.AmountRemaining, r.FeeCharged, true
}

// Contains reports whether orderID currently rests in the book.
func (ob *OrderBook) Contains(orderID string) bool {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	_, ok := ob.orderIndex[orderID]
	return ok
}

// ApplyAggregation re-buckets all resting orders under a new tick setting.
// Order identity and remaining amounts are untouched; only level membership
// changes. Nothing in this module calls it: an OrderBookActor keeps the
// aggregation it was constructed with (the rule in force at offset 0), so
// later MatchingRules entries are not applied to a live book.
func (ob *OrderBook) ApplyAggregation(agg Aggregation) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	if agg == ob.aggregation {
		return
	}
	ob.aggregation = agg
	ob.minFillUnit = agg.minFillUnit()

	rebuild := func(side map[int64]*level, h heap.Interface) map[int64]*level {
		all := make([]*restingOrder, 0)
		for _, lv := range side {
			all = append(all, lv.orders...)
		}
		for h.Len() > 0 {
			heap.Pop(h)
		}
		fresh := make(map[int64]*level)
		for _, r := range all {
			key := ob.aggregation.bucketKey(r.Order.Side, r.Order.Price)
			r.levelKey = key
			lv, ok := fresh[key]
			if !ok {
				lv = &level{key: key}
				fresh[key] = lv
				heap.Push(h, key)
			}
			lv.insert(r)
		}
		return fresh
	}
	ob.bids = rebuild(ob.bids, &ob.bidHeap)
	ob.asks = rebuild(ob.asks, &ob.askHeap)
}

func (ob *OrderBook) GetBestBid() (int64, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.bestBidKey()
}

func (ob *OrderBook) GetBestAsk() (int64, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.bestAskKey()
}

// IsCrossed reports whether the book currently violates price-time
// invariants (best bid >= best ask with both sides non-empty).
func (ob *OrderBook) IsCrossed() bool {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	bid, hasBid := ob.bestBidKey()
	ask, hasAsk := ob.bestAskKey()
	return hasBid && hasAsk && bid >= ask
}

func (ob *OrderBook) GetLastTrade() (price, amount int64) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.lastTradePrice, ob.lastTradeAmount
}

func (ob *OrderBook) GetMidPrice() int64 {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	bid, hasBid := ob.bestBidKey()
	ask, hasAsk := ob.bestAskKey()
	if !hasBid || !hasAsk {
		return 0
	}
	return (bid + ask) / 2
}

func levels(side map[int64]*level, ascending bool) []PriceLevel {
	out := make([]PriceLevel, 0, len(side))
	for key, lv := range side {
		var total int64
		for _, r := range lv.orders {
			total += r.AmountRemaining
		}
		out = append(out, PriceLevel{Price: key, Amount: total})
	}
	sort.Slice(out, func(i, j int) bool {
		if ascending {
			return out[i].Price < out[j].Price
		}
		return out[i].Price > out[j].Price
	})
	return out
}

// GetBidLevels returns bid levels best-first (highest price first).
func (ob *OrderBook) GetBidLevels() []PriceLevel {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return levels(ob.bids, false)
}

// GetAskLevels returns ask levels best-first (lowest price first).
func (ob *OrderBook) GetAskLevels() []PriceLevel {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return levels(ob.asks, true)
}

// RestingSnapshot is the serializable projection of one resting order,
// used by the snapshot codec.
type RestingSnapshot struct {
	Order           order.Order
	AmountRemaining int64
	FeeCharged      int64
}

// Export returns every resting order on both sides, for snapshotting.
func (ob *OrderBook) Export() (bids, asks []RestingSnapshot) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	collect := func(side map[int64]*level) []RestingSnapshot {
		out := make([]RestingSnapshot, 0)
		for _, lv := range side {
			for _, r := range lv.orders {
				out = append(out, RestingSnapshot{Order: *r.Order, AmountRemaining: r.AmountRemaining, FeeCharged: r.FeeCharged})
			}
		}
		sort.Slice(out, func(i, j int) bool {
			if out[i].Order.Timestamp != out[j].Order.Timestamp {
				return out[i].Order.Timestamp < out[j].Order.Timestamp
			}
			return out[i].Order.ID < out[j].Order.ID
		})
		return out
	}
	return collect(ob.bids), collect(ob.asks)
}

// Restore repopulates the book from a prior Export, used during snapshot
// load. The book must be empty before calling Restore.
func (ob *OrderBook) Restore(bids, asks []RestingSnapshot) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	load := func(entries []RestingSnapshot) {
		for i := range entries {
			o := entries[i].Order
			r := &restingOrder{Order: &o, AmountRemaining: entries[i].AmountRemaining, FeeCharged: entries[i].FeeCharged}
			ob.insertResting(r)
		}
	}
	load(bids)
	load(asks)
}
