package queue

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dexmatcher/matcherd/pkg/matcherr"
	"github.com/dexmatcher/matcherd/pkg/storage"
	"github.com/dexmatcher/matcherd/pkg/util"
)

// LocalQueue is a single append-only file of 4-byte-length-prefixed,
// gob-encoded EventWithMeta records, with a companion offset file the
// consumer flushes on acknowledgement. It is the transport used by
// standalone, single-process deployments.
type LocalQueue struct {
	mu         sync.Mutex
	cond       *sync.Cond
	logPath    string
	offsetPath string
	file       *os.File
	clock      util.Clock

	lastOffset    uint64
	haveOffset    bool
	lastProcessed uint64
	seenReqIDs    map[string]uint64
	positions     []int64 // positions[offset-1] = byte offset of that record's header; offsets start at 1
}

// OpenLocal opens (creating if absent) the local log under dir, replaying
// its existing contents to recover lastOffset, the request-id dedup table,
// and the record-position index.
func OpenLocal(dir string, clock util.Clock) (*LocalQueue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("queue: prepare dir: %w", err)
	}
	logPath := filepath.Join(dir, "events.log")
	offsetPath := filepath.Join(dir, "events.offset")

	f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, matcherr.Wrap("queue.OpenLocal", matcherr.ErrQueueUnavailable, err.Error())
	}

	q := &LocalQueue{
		logPath:    logPath,
		offsetPath: offsetPath,
		file:       f,
		clock:      clock,
		seenReqIDs: make(map[string]uint64),
	}
	q.cond = sync.NewCond(&q.mu)
	if err := q.replayIndex(); err != nil {
		f.Close()
		return nil, err
	}
	q.lastProcessed = q.readOffsetFile()
	return q, nil
}

func (q *LocalQueue) replayIndex() error {
	if _, err := q.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r := io.Reader(q.file)
	var pos int64
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return fmt.Errorf("queue: read length prefix: %w", err)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			break // truncated tail record from a prior crash; stop replay here
		}
		var rec EventWithMeta
		if err := storage.DecodeGob(payload, &rec); err != nil {
			break
		}
		q.positions = append(q.positions, pos)
		q.lastOffset = rec.Offset
		q.haveOffset = true
		if rec.Event.ReqID != "" {
			q.seenReqIDs[rec.Event.ReqID] = rec.Offset
		}
		pos += int64(4 + n)
	}
	if _, err := q.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return nil
}

func (q *LocalQueue) readOffsetFile() uint64 {
	data, err := os.ReadFile(q.offsetPath)
	if err != nil || len(data) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}

func (q *LocalQueue) writeOffsetFile(offset uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], offset)
	return os.WriteFile(q.offsetPath, buf[:], 0o644)
}

func (q *LocalQueue) Append(event Event) (uint64, int64, error) {
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
	pos, err := q.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, 0, matcherr.Wrap("queue.Append", matcherr.ErrQueueUnavailable, err.Error())
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := q.file.Write(lenBuf[:]); err != nil {
		return 0, 0, matcherr.Wrap("queue.Append", matcherr.ErrQueueUnavailable, err.Error())
	}
	if _, err := q.file.Write(payload); err != nil {
		return 0, 0, matcherr.Wrap("queue.Append", matcherr.ErrQueueUnavailable, err.Error())
	}
	if err := q.file.Sync(); err != nil {
		return 0, 0, matcherr.Wrap("queue.Append", matcherr.ErrQueueUnavailable, err.Error())
	}

	q.positions = append(q.positions, pos)
	q.lastOffset = offset
	q.haveOffset = true
	if event.ReqID != "" {
		q.seenReqIDs[event.ReqID] = offset
	}
	q.cond.Broadcast()
	return offset, ts, nil
}

func (q *LocalQueue) LastEventOffset() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastOffset
}

func (q *LocalQueue) LastProcessedOffset() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastProcessed
}

// StartConsume replays the log from fromOffset and then keeps blocking for
// records appended later, invoking handler for each one and advancing the
// acknowledged offset file after each successful call. It only returns once
// ctx is cancelled or handler returns an error, mirroring RemoteQueue's
// behavior of blocking forever on the underlying transport. fromOffset is
// 1-based; 0 means "replay everything".
func (q *LocalQueue) StartConsume(ctx context.Context, fromOffset uint64, handler Handler) error {
	if fromOffset == 0 {
		fromOffset = 1
	}

	// Cond.Wait has no context support, so a watcher goroutine wakes it
	// up on cancellation; stopped via close(done) before returning.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		q.mu.Lock()
		for fromOffset > q.lastOffset || len(q.positions) == 0 || fromOffset-1 >= uint64(len(q.positions)) {
			if ctx.Err() != nil {
				q.mu.Unlock()
				return ctx.Err()
			}
			q.cond.Wait()
		}
		pos := q.positions[fromOffset-1]
		q.mu.Unlock()

		rec, err := q.readAt(pos)
		if err != nil {
			return matcherr.Wrap("queue.StartConsume", matcherr.ErrQueueUnavailable, err.Error())
		}
		if err := handler(rec); err != nil {
			return err
		}

		q.mu.Lock()
		q.lastProcessed = rec.Offset
		q.mu.Unlock()
		if err := q.writeOffsetFile(rec.Offset); err != nil {
			return matcherr.Wrap("queue.StartConsume", matcherr.ErrQueueUnavailable, err.Error())
		}
		fromOffset++
	}
}

func (q *LocalQueue) readAt(pos int64) (EventWithMeta, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var lenBuf [4]byte
	if _, err := q.file.ReadAt(lenBuf[:], pos); err != nil {
		return EventWithMeta{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if _, err := q.file.ReadAt(payload, pos+4); err != nil {
		return EventWithMeta{}, err
	}
	var rec EventWithMeta
	if err := storage.DecodeGob(payload, &rec); err != nil {
		return EventWithMeta{}, err
	}
	return rec, nil
}

func (q *LocalQueue) Close(timeout time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	done := make(chan error, 1)
	go func() { done <- q.file.Close() }()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return matcherr.Wrap("queue.Close", matcherr.ErrTimeout, "local queue close timed out")
	}
}
