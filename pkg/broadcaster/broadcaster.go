// Package broadcaster implements ExchangeTransactionBroadcaster: the only
// component, besides AddressActor, permitted to make a blocking
// BlockchainContext call. It drains a bounded queue of settled
// transactions, broadcasts each through a circuit breaker so a wedged
// chain node degrades to fast-fail instead of stalling the pool, paces
// retries with a token-bucket limiter, and polls for inclusion until a
// deadline elapses. A rejected broadcast never unwinds matcher state;
// it is only logged and counted.
package broadcaster

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dexmatcher/matcherd/pkg/chain"
	"github.com/dexmatcher/matcherd/pkg/metrics"
)

// Job is one settled transaction awaiting broadcast, together with the
// deadline by which it must be observed forged before the poll gives up.
type Job struct {
	Tx       chain.ExchangeTransaction
	Deadline time.Time
}

// Config tunes the worker pool, retry pacing, and inclusion polling.
type Config struct {
	Workers         int
	QueueSize       int
	RetriesPerMin   int // token-bucket rate for broadcast attempts
	PollInterval    time.Duration
	BreakerName     string
	BreakerTimeout  time.Duration // how long the breaker stays open before a trial request
	BreakerMaxFails uint32        // consecutive failures before tripping
}

func DefaultConfig() Config {
	return Config{
		Workers:         4,
		QueueSize:       1024,
		RetriesPerMin:   600,
		PollInterval:    500 * time.Millisecond,
		BreakerName:     "chain-broadcast",
		BreakerTimeout:  30 * time.Second,
		BreakerMaxFails: 5,
	}
}

// Broadcaster owns the worker pool. Chain() must implement BroadcastTx and
// WasForged; it is the BlockchainContext, narrowed at the call sites below.
type Broadcaster struct {
	cfg    Config
	chain  chain.BlockchainContext
	logger *zap.Logger

	jobs    chan Job
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[bool]

	cancel context.CancelFunc
}

func New(cfg Config, bc chain.BlockchainContext, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	rps := float64(cfg.RetriesPerMin) / 60.0
	burst := cfg.RetriesPerMin / 10
	if burst < 1 {
		burst = 1
	}

	breakerSettings := gobreaker.Settings{
		Name:    cfg.BreakerName,
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxFails
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("broadcast circuit breaker state change",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}

	return &Broadcaster{
		cfg:     cfg,
		chain:   bc,
		logger:  logger,
		jobs:    make(chan Job, cfg.QueueSize),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		breaker: gobreaker.NewCircuitBreaker[bool](breakerSettings),
	}
}

// Start launches the worker pool. Call Stop to drain and shut it down.
func (b *Broadcaster) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	for i := 0; i < b.cfg.Workers; i++ {
		go b.worker(ctx)
	}
}

// Stop cancels all workers; jobs not yet picked up are dropped.
func (b *Broadcaster) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
}

// Submit enqueues tx for broadcast, blocking if the queue is full. It
// returns false if ctx is cancelled first.
func (b *Broadcaster) Submit(ctx context.Context, tx chain.ExchangeTransaction, deadline time.Time) bool {
	select {
	case b.jobs <- Job{Tx: tx, Deadline: deadline}:
		metrics.BroadcastQueued.Inc()
		return true
	case <-ctx.Done():
		return false
	}
}

func (b *Broadcaster) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-b.jobs:
			b.run(ctx, job)
		}
	}
}

func (b *Broadcaster) run(ctx context.Context, job Job) {
	start := time.Now()
	logger := b.logger.With(zap.String("tx", job.Tx.ID))

	for attempt := 1; ; attempt++ {
		if time.Now().After(job.Deadline) {
			metrics.BroadcastExpired.Inc()
			logger.Warn("broadcast deadline elapsed before inclusion", zap.Int("attempts", attempt))
			return
		}
		if err := b.limiter.Wait(ctx); err != nil {
			return
		}

		forged, err := b.broadcastOnce(job.Tx)
		metrics.BroadcastAttempts.Inc()
		if err != nil {
			metrics.BroadcastFailures.Inc()
			logger.Warn("broadcast attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if forged {
			metrics.BroadcastTimeToInclusion.Observe(time.Since(start).Seconds())
			return
		}

		if b.pollForInclusion(ctx, job, logger) {
			metrics.BroadcastTimeToInclusion.Observe(time.Since(start).Seconds())
			return
		}
	}
}

func (b *Broadcaster) broadcastOnce(tx chain.ExchangeTransaction) (bool, error) {
	return b.breaker.Execute(func() (bool, error) {
		return b.chain.BroadcastTx(tx)
	})
}

// pollForInclusion waits for wasForged to report true, retrying on the
// broadcaster's poll interval until job.Deadline. It returns false (never
// an error) on deadline expiry so the outer loop can decide to rebroadcast.
func (b *Broadcaster) pollForInclusion(ctx context.Context, job Job, logger *zap.Logger) bool {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if time.Now().After(job.Deadline) {
				return false
			}
			forged, err := b.chain.WasForged(job.Tx.ID)
			if err != nil {
				logger.Warn("wasForged poll error", zap.Error(err))
				continue
			}
			if forged {
				return true
			}
		}
	}
}
