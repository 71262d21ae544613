package matcher

import (
	"context"
	"sync"
	"sync/atomic"
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
	"github.com/dexmatcher/matcherd/pkg/registry"
	"github.com/dexmatcher/matcherd/pkg/snapshot"
	"github.com/dexmatcher/matcherd/pkg/storage"
)

// Status is the matcher's coarse public lifecycle state, checked by the
// HTTP surface before admitting any request.
type Status int32

const (
	Starting Status = iota
	Ready
)

func (s Status) String() string {
	if s == Ready {
		return "Ready"
	}
	return "Starting"
}

// MatcherActor is the root coordinator: it owns the AssetPairRegistry,
// spawns one OrderBookActor per known pair, restores each from its latest
// snapshot, computes the offset at which event consumption must resume,
// and routes the queue's events to the actor owning their pair.
type MatcherActor struct {
	registry *registry.AssetPairRegistry
	queue    queue.EventQueue
	orders   *orderdb.DB
	snaps    *snapshot.Store
	store    *storage.Store
	chain    chain.BlockchainContext
	bcast    *broadcaster.Broadcaster
	logger   *zap.Logger

	snapshotInterval uint64

	mu    sync.RWMutex
	books map[string]*OrderBookActor

	addrMu    sync.Mutex
	addresses map[common.Address]*addressbook.AddressActor

	status          atomic.Int32
	targetOffset    uint64
	processedOffset atomic.Uint64

	consumeCancel context.CancelFunc
	consumeDone   chan struct{}

	notify func(pair order.Pair, book *matching.OrderBook, fills []matching.Fill, ts int64)
}

// SetNotify registers a callback invoked after every event that mutates a
// pair's book, for the API layer to push WebSocket updates. Must be set
// before Start.
func (m *MatcherActor) SetNotify(fn func(order.Pair, *matching.OrderBook, []matching.Fill, int64)) {
	m.notify = fn
}

func New(reg *registry.AssetPairRegistry, q queue.EventQueue, orders *orderdb.DB, snaps *snapshot.Store, store *storage.Store, bc chain.BlockchainContext, bcast *broadcaster.Broadcaster, snapshotInterval uint64, logger *zap.Logger) *MatcherActor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MatcherActor{
		registry:         reg,
		queue:            q,
		orders:           orders,
		snaps:            snaps,
		store:            store,
		chain:            bc,
		bcast:            bcast,
		logger:           logger,
		snapshotInterval: snapshotInterval,
		books:            make(map[string]*OrderBookActor),
		addresses:        make(map[common.Address]*addressbook.AddressActor),
	}
}

// Get returns (creating if necessary) the AddressActor owning owner's
// reservations. Implements AddressActors.
func (m *MatcherActor) Get(owner common.Address) *addressbook.AddressActor {
	m.addrMu.Lock()
	defer m.addrMu.Unlock()
	if a, ok := m.addresses[owner]; ok {
		return a
	}
	a := addressbook.NewAddressActor(owner, m.chain, m.store)
	m.addresses[owner] = a
	return a
}

// BookFor returns the OrderBookActor for pair, if one has been spawned.
func (m *MatcherActor) BookFor(pair order.Pair) (*OrderBookActor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.books[pair.String()]
	return a, ok
}

// Status reports the matcher's current lifecycle state.
func (m *MatcherActor) Status() Status { return Status(m.status.Load()) }

// Start restores every registered pair's order book from its latest
// snapshot, computes the replay floor, and begins consuming the event
// queue in the background. It returns once restoration (not full replay)
// is complete; Status() remains Starting until the consumer has caught up
// to the offset observed at startup. ctx bounds restoration only; the
// background consumer runs until Stop, even after ctx is cancelled.
func (m *MatcherActor) Start(ctx context.Context) error {
	if err := m.registry.Load(); err != nil {
		return matcherr.Wrap("matcher.Start", matcherr.ErrInternalInvariant, err.Error())
	}

	var restoreOffset uint64
	first := true
	for _, pair := range m.registry.Pairs() {
		if err := ctx.Err(); err != nil {
			return matcherr.Wrap("matcher.Start", matcherr.ErrTimeout, err.Error())
		}
		actor := m.spawnBook(pair)
		rec, found, err := m.snaps.Get(pair)
		if err != nil {
			return matcherr.Wrap("matcher.Start", matcherr.ErrInternalInvariant, err.Error())
		}
		actor.RestoreFromSnapshot(rec, found)
		off := rec.Offset
		if !found {
			off = 0
		}
		if first || off < restoreOffset {
			restoreOffset = off
			first = false
		}
	}

	m.targetOffset = m.queue.LastEventOffset()
	fromOffset := restoreOffset + 1

	consumeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.consumeCancel = cancel
	m.consumeDone = make(chan struct{})

	if m.targetOffset == 0 {
		m.status.Store(int32(Ready))
	}

	go func() {
		defer close(m.consumeDone)
		err := m.queue.StartConsume(consumeCtx, fromOffset, m.handle)
		if err != nil && consumeCtx.Err() == nil {
			m.logger.Error("event consumption halted", zap.Error(err))
		}
	}()
	return nil
}

func (m *MatcherActor) spawnBook(pair order.Pair) *OrderBookActor {
	agg, _ := m.registry.AggregationAt(pair, 0)
	actor := NewOrderBookActor(pair, agg, m.orders, m.snaps, m, m.bcast, m.snapshotInterval, m.notify, m.logger)
	m.mu.Lock()
	m.books[pair.String()] = actor
	m.mu.Unlock()
	return actor
}

func (m *MatcherActor) handle(ev queue.EventWithMeta) error {
	if ev.Event.Type == queue.OrderBookDeleted {
		m.mu.Lock()
		if actor, ok := m.books[ev.Event.Pair.String()]; ok {
			actor.Stop()
			delete(m.books, ev.Event.Pair.String())
		}
		m.mu.Unlock()
		_ = m.snaps.Drop(ev.Event.Pair)
		m.advance(ev.Offset)
		return nil
	}

	m.mu.RLock()
	actor, ok := m.books[ev.Event.Pair.String()]
	m.mu.RUnlock()
	if !ok {
		if !m.registry.Exists(ev.Event.Pair) {
			m.logger.Warn("event for unknown pair dropped", zap.String("pair", ev.Event.Pair.String()))
			m.advance(ev.Offset)
			return nil
		}
		actor = m.spawnBook(ev.Event.Pair)
		rec, found, err := m.snaps.Get(ev.Event.Pair)
		if err != nil {
			m.logger.Error("snapshot lookup failed for newly spawned book", zap.String("pair", ev.Event.Pair.String()), zap.Error(err))
		}
		actor.RestoreFromSnapshot(rec, found)
	}

	if err := actor.ApplyEvent(ev); err != nil {
		m.logger.Error("apply event failed", zap.String("pair", ev.Event.Pair.String()), zap.Uint64("offset", ev.Offset), zap.Error(err))
	}
	m.advance(ev.Offset)
	return nil
}

func (m *MatcherActor) advance(offset uint64) {
	m.processedOffset.Store(offset)
	if offset > m.targetOffset {
		m.targetOffset = offset
	}
	last := m.queue.LastEventOffset()
	metrics.QueueLag.Set(float64(last - m.processedOffset.Load()))
	if offset >= m.targetOffset && m.status.Load() == int32(Starting) {
		m.status.Store(int32(Ready))
	}
}

// WaitUntilReady blocks until Status() reports Ready or timeout elapses.
func (m *MatcherActor) WaitUntilReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if m.Status() == Ready {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return matcherr.Wrap("matcher.WaitUntilReady", matcherr.ErrTimeout, "")
}

// Stop snapshots every live book and halts the event consumer.
func (m *MatcherActor) Stop(timeout time.Duration) error {
	if m.consumeCancel != nil {
		m.consumeCancel()
		select {
		case <-m.consumeDone:
		case <-time.After(timeout):
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, actor := range m.books {
		actor.Snapshot()
		actor.Stop()
	}
	return nil
}
