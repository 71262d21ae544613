package queue

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/dexmatcher/matcherd/pkg/matcherr"
	"github.com/dexmatcher/matcherd/pkg/storage"
	"github.com/dexmatcher/matcherd/pkg/util"
)

// RemoteConfig configures the Kafka-backed transport used by
// multi-process deployments. Partitioning is keyed by pair so that
// per-pair ordering is preserved even though the topic as a whole is
// only eventually consistent across partitions.
type RemoteConfig struct {
	Bootstrap       []string
	Topic           string
	ClientID        string
	GroupID         string
	ProducerAcks    kafka.RequiredAcks
	ConsumerMaxPoll int
}

// RemoteQueue is the EventQueue implementation backed by segmentio/kafka-go.
// The matcher assigns its own dense offset sequence at produce time
// (persisted alongside the local counter file) so that downstream code
// can reason about a single strictly increasing offset regardless of how
// many Kafka partitions back the topic; the per-partition key (pair) only
// guarantees relative ordering of events for that pair.
type RemoteQueue struct {
	cfg    RemoteConfig
	writer *kafka.Writer
	reader *kafka.Reader
	clock  util.Clock

	mu            sync.Mutex
	lastOffset    uint64
	haveOffset    bool
	lastProcessed uint64
	seenReqIDs    map[string]uint64
	counterPath   string
	offsetPath    string
}

func OpenRemote(cfg RemoteConfig, stateDir string, clock util.Clock) (*RemoteQueue, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("queue: prepare state dir: %w", err)
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Bootstrap...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: cfg.ProducerAcks,
		Async:        false,
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Bootstrap,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	q := &RemoteQueue{
		cfg:         cfg,
		writer:      writer,
		reader:      reader,
		clock:       clock,
		seenReqIDs:  make(map[string]uint64),
		counterPath: filepath.Join(stateDir, "remote.counter"),
		offsetPath:  filepath.Join(stateDir, "remote.processed"),
	}
	q.lastOffset, q.haveOffset = q.readCounter()
	q.lastProcessed = q.readOffset(q.offsetPath)
	return q, nil
}

func (q *RemoteQueue) readCounter() (uint64, bool) {
	data, err := os.ReadFile(q.counterPath)
	if err != nil || len(data) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(data), true
}

func (q *RemoteQueue) readOffset(path string) uint64 {
	data, err := os.ReadFile(path)
	if err != nil || len(data) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}

func writeOffsetFile(path string, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return os.WriteFile(path, buf[:], 0o644)
}

func (q *RemoteQueue) Append(event Event) (uint64, int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if event.ReqID != "" {
		if existing, ok := q.seenReqIDs[event.ReqID]; ok {
			return existing, 0, nil
		}
	}

	offset := uint64(1)
	if q.haveOffset {
		offset = q.lastOffset + 1
	}
	ts := q.clock.Now().UnixMilli()
	rec := EventWithMeta{Offset: offset, Timestamp: ts, Event: event}
	payload, err := storage.EncodeGob(rec)
	if err != nil {
		return 0, 0, matcherr.Wrap("queue.Append", matcherr.ErrQueueUnavailable, err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msg := kafka.Message{
		Key:   []byte(event.Pair.String()),
		Value: payload,
	}
	if err := q.writer.WriteMessages(ctx, msg); err != nil {
		return 0, 0, matcherr.Wrap("queue.Append", matcherr.ErrQueueUnavailable, err.Error())
	}

	q.lastOffset = offset
	q.haveOffset = true
	if event.ReqID != "" {
		q.seenReqIDs[event.ReqID] = offset
	}
	if err := writeOffsetFile(q.counterPath, offset); err != nil {
		return 0, 0, matcherr.Wrap("queue.Append", matcherr.ErrQueueUnavailable, err.Error())
	}
	return offset, ts, nil
}

func (q *RemoteQueue) LastEventOffset() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastOffset
}

func (q *RemoteQueue) LastProcessedOffset() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastProcessed
}

// StartConsume streams records from the Kafka topic, skipping any whose
// matcher-assigned offset is below fromOffset (a partition rebalance may
// redeliver already-processed records; dedup by offset as required).
func (q *RemoteQueue) StartConsume(ctx context.Context, fromOffset uint64, handler Handler) error {
	for {
		msg, err := q.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return matcherr.Wrap("queue.StartConsume", matcherr.ErrQueueUnavailable, err.Error())
		}
		var rec EventWithMeta
		if err := storage.DecodeGob(msg.Value, &rec); err != nil {
			return matcherr.Wrap("queue.StartConsume", matcherr.ErrQueueUnavailable, err.Error())
		}
		if rec.Offset < fromOffset {
			continue
		}
		if err := handler(rec); err != nil {
			return err
		}
		q.mu.Lock()
		if rec.Offset > q.lastProcessed {
			q.lastProcessed = rec.Offset
		}
		q.mu.Unlock()
		if err := writeOffsetFile(q.offsetPath, rec.Offset); err != nil {
			return matcherr.Wrap("queue.StartConsume", matcherr.ErrQueueUnavailable, err.Error())
		}
	}
}

func (q *RemoteQueue) Close(timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		if err := q.writer.Close(); err != nil {
			done <- err
			return
		}
		done <- q.reader.Close()
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return matcherr.Wrap("queue.Close", matcherr.ErrTimeout, "remote queue close timed out")
	}
}
