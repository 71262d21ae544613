// Package queue implements the append-only, offset-ordered event log that
// decouples order acceptance from matching. Two transports are provided:
// a local single-file log for standalone deployments, and a Kafka-backed
// transport for partitioned, multi-process deployments.
package queue

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dexmatcher/matcherd/pkg/order"
)

// EventType tags the variant carried by an Event.
type EventType uint8

const (
	PlaceOrder EventType = iota
	CancelOrder
	OrderBookDeleted
)

// Event is the tagged-variant command appended to the queue. Only the
// fields relevant to Type are populated.
type Event struct {
	Type    EventType
	Pair    order.Pair
	Order   *order.Order   // PlaceOrder
	OrderID string         // CancelOrder
	By      common.Address // CancelOrder: address requesting cancellation
	ReqID   string         // idempotency key for Append retries
}

// EventWithMeta is the durable, offset-stamped record.
type EventWithMeta struct {
	Offset    uint64
	Timestamp int64
	Event     Event
}

// Handler processes one durably-recorded event. The caller acknowledges
// consumption implicitly by returning; a non-nil error halts the consumer.
type Handler func(EventWithMeta) error

// EventQueue is the append-only, offset-ordered log of matcher commands.
type EventQueue interface {
	// Append durably records event and assigns it the next offset. Retried
	// appends of a request already recorded (matched by Event.ReqID) return
	// the original assignment rather than duplicating it.
	Append(event Event) (offset uint64, ts int64, err error)

	// LastEventOffset is the highest offset assigned to any event.
	LastEventOffset() uint64

	// LastProcessedOffset is the highest offset whose consumption has been
	// acknowledged by a prior StartConsume handler.
	LastProcessedOffset() uint64

	// StartConsume streams events in offset order starting at fromOffset
	// until ctx is cancelled or handler returns an error.
	StartConsume(ctx context.Context, fromOffset uint64, handler Handler) error

	// Close flushes and releases resources, failing with matcherr.ErrTimeout
	// if it cannot complete within timeout.
	Close(timeout time.Duration) error
}
