package broadcaster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/dexmatcher/matcherd/pkg/chain"
	"github.com/dexmatcher/matcherd/pkg/chain/chaintest"
	"github.com/dexmatcher/matcherd/pkg/metrics"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.RetriesPerMin = 6000
	cfg.PollInterval = 5 * time.Millisecond
	cfg.BreakerMaxFails = 3
	cfg.BreakerTimeout = 20 * time.Millisecond
	return cfg
}

func TestBroadcasterDeliversSuccessfulBroadcast(t *testing.T) {
	fake := chaintest.New()
	b := New(testConfig(), fake, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	tx := chain.ExchangeTransaction{ID: "tx1", BuyOrderID: "b1", SellOrderID: "s1"}
	require.True(t, b.Submit(ctx, tx, time.Now().Add(time.Second)))

	require.Eventually(t, func() bool {
		for _, bt := range fake.Broadcasts() {
			if bt.ID == "tx1" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestBroadcasterExpiresPastDeadlineWithoutAttempting(t *testing.T) {
	fake := chaintest.New()
	fake.BroadcastFails = true
	b := New(testConfig(), fake, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	before := testutil.ToFloat64(metrics.BroadcastExpired)
	tx := chain.ExchangeTransaction{ID: "tx2"}
	require.True(t, b.Submit(ctx, tx, time.Now().Add(-time.Second)))

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.BroadcastExpired) > before
	}, time.Second, 5*time.Millisecond)
	require.Empty(t, fake.Broadcasts())
}

// flakyChain fails BroadcastTx a fixed number of times before succeeding,
// exercising the retry loop and eventual forged delivery.
type flakyChain struct {
	*chaintest.Fake
	mu        sync.Mutex
	failsLeft int
}

func (f *flakyChain) BroadcastTx(tx chain.ExchangeTransaction) (bool, error) {
	f.mu.Lock()
	if f.failsLeft > 0 {
		f.failsLeft--
		f.mu.Unlock()
		return false, errors.New("node temporarily unavailable")
	}
	f.mu.Unlock()
	return f.Fake.BroadcastTx(tx)
}

func TestBroadcasterRetriesUntilForged(t *testing.T) {
	fake := &flakyChain{Fake: chaintest.New(), failsLeft: 2}
	b := New(testConfig(), fake, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)
	defer b.Stop()

	tx := chain.ExchangeTransaction{ID: "tx3"}
	require.True(t, b.Submit(ctx, tx, time.Now().Add(2*time.Second)))

	require.Eventually(t, func() bool {
		forged, _ := fake.WasForged("tx3")
		return forged
	}, 2*time.Second, 5*time.Millisecond)
}
