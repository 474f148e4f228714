package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelhadee/247trader-V2-sub000/pkg/logging"
)

func newTestLimiter(endpoints map[string]float64) *Limiter {
	return NewLimiter(Config{Endpoints: endpoints}, logging.NewNop())
}

func TestAcquire_ImmediateWhenTokensAvailable(t *testing.T) {
	l := newTestLimiter(map[string]float64{"quotes": 100})

	start := time.Now()
	err := l.Acquire(context.Background(), "quotes", 1, true)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestAcquire_NoWaitFailsWhenExhausted(t *testing.T) {
	l := newTestLimiter(map[string]float64{"orders": 1})

	require.NoError(t, l.Acquire(context.Background(), "orders", 1, false))
	err := l.Acquire(context.Background(), "orders", 1, false)
	assert.Error(t, err)
}

func TestAcquire_WaitsForShortfall(t *testing.T) {
	l := newTestLimiter(map[string]float64{"orders": 10})

	ctx := context.Background()
	// Drain the burst.
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Acquire(ctx, "orders", 1, true))
	}

	start := time.Now()
	require.NoError(t, l.Acquire(ctx, "orders", 1, true))
	// Refill rate is 10/s so the shortfall is ~100ms.
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitTime_ZeroWhenAvailable(t *testing.T) {
	l := newTestLimiter(map[string]float64{"quotes": 100})
	assert.Equal(t, time.Duration(0), l.WaitTime("quotes"))
}

func TestUnconfiguredEndpointGetsDefault(t *testing.T) {
	l := newTestLimiter(nil)

	// Private endpoints get the private default, everything else public.
	assert.Equal(t, DefaultPrivateRate, l.bucket("orders").ratePS)
	assert.Equal(t, DefaultPublicRate, l.bucket("products").ratePS)
}

func TestUtilization(t *testing.T) {
	l := newTestLimiter(map[string]float64{"quotes": 10})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire(ctx, "quotes", 1, true))
	}

	u := l.Utilization("quotes")
	assert.InDelta(t, 0.5, u, 0.11)

	snap := l.Snapshot()
	assert.Contains(t, snap, "quotes")
}

func TestAcquire_Concurrent(t *testing.T) {
	l := newTestLimiter(map[string]float64{"quotes": 1000})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Acquire(ctx, "quotes", 1, true)
		}()
	}
	wg.Wait()
}
