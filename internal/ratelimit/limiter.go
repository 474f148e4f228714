// Package ratelimit provides per-endpoint token-bucket quotas with
// proactive waiting and utilization alerts
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aelhadee/247trader-V2-sub000/internal/core"
	"github.com/aelhadee/247trader-V2-sub000/pkg/telemetry"
)

// Defaults applied to endpoints without an explicit quota
const (
	DefaultPublicRate  = 10.0
	DefaultPrivateRate = 15.0
)

// Config sets endpoint quotas in requests per second
type Config struct {
	Endpoints      map[string]float64
	AlertThreshold float64
}

type endpointBucket struct {
	limiter *rate.Limiter
	ratePS  float64

	mu        sync.Mutex
	callTimes []time.Time
}

// Limiter enforces per-endpoint quotas. Safe for concurrent use.
type Limiter struct {
	mu             sync.Mutex
	buckets        map[string]*endpointBucket
	configured     map[string]float64
	alertThreshold float64
	logger         core.ILogger
	now            func() time.Time
}

// NewLimiter creates a limiter from configured endpoint quotas
func NewLimiter(cfg Config, logger core.ILogger) *Limiter {
	threshold := cfg.AlertThreshold
	if threshold <= 0 {
		threshold = 0.8
	}
	return &Limiter{
		buckets:        make(map[string]*endpointBucket),
		configured:     cfg.Endpoints,
		alertThreshold: threshold,
		logger:         logger.WithField("component", "rate_limiter"),
		now:            time.Now,
	}
}

func (l *Limiter) bucket(endpoint string) *endpointBucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[endpoint]; ok {
		return b
	}

	ratePS, ok := l.configured[endpoint]
	if !ok || ratePS <= 0 {
		if isPrivateEndpoint(endpoint) {
			ratePS = DefaultPrivateRate
		} else {
			ratePS = DefaultPublicRate
		}
	}

	// Capacity equals the refill rate: a full second of burst, no more.
	b := &endpointBucket{
		limiter: rate.NewLimiter(rate.Limit(ratePS), burstFor(ratePS)),
		ratePS:  ratePS,
	}
	l.buckets[endpoint] = b
	return b
}

func burstFor(ratePS float64) int {
	burst := int(ratePS)
	if burst < 1 {
		burst = 1
	}
	return burst
}

// Acquire takes tokens for endpoint. With wait it sleeps for exactly the
// shortfall; without it returns an error when tokens are unavailable.
func (l *Limiter) Acquire(ctx context.Context, endpoint string, tokens int, wait bool) error {
	if tokens <= 0 {
		tokens = 1
	}
	b := l.bucket(endpoint)

	if wait {
		if err := b.limiter.WaitN(ctx, tokens); err != nil {
			return fmt.Errorf("rate limit wait failed for %s: %w", endpoint, err)
		}
	} else if !b.limiter.AllowN(l.now(), tokens) {
		return fmt.Errorf("rate limit exhausted for %s", endpoint)
	}

	l.recordCall(endpoint, b)
	return nil
}

// WaitTime returns how long a single-token acquire on endpoint would block.
// Zero means a token is available now.
func (l *Limiter) WaitTime(endpoint string) time.Duration {
	b := l.bucket(endpoint)
	r := b.limiter.ReserveN(l.now(), 1)
	delay := r.Delay()
	r.CancelAt(l.now())
	return delay
}

// Utilization returns calls in the trailing window divided by the endpoint's
// per-second quota.
func (l *Limiter) Utilization(endpoint string) float64 {
	b := l.bucket(endpoint)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(l.now())
	if b.ratePS <= 0 {
		return 0
	}
	return float64(len(b.callTimes)) / b.ratePS
}

// Snapshot returns current utilization for every endpoint seen so far
func (l *Limiter) Snapshot() map[string]float64 {
	l.mu.Lock()
	endpoints := make([]string, 0, len(l.buckets))
	for ep := range l.buckets {
		endpoints = append(endpoints, ep)
	}
	l.mu.Unlock()

	out := make(map[string]float64, len(endpoints))
	for _, ep := range endpoints {
		out[ep] = l.Utilization(ep)
	}
	return out
}

func (l *Limiter) recordCall(endpoint string, b *endpointBucket) {
	now := l.now()

	b.mu.Lock()
	b.callTimes = append(b.callTimes, now)
	b.pruneLocked(now)
	utilization := float64(len(b.callTimes)) / b.ratePS
	b.mu.Unlock()

	telemetry.GetGlobalMetrics().SetRateUtilization(endpoint, utilization)

	if utilization >= l.alertThreshold {
		l.logger.Warn("Rate limit utilization high",
			"endpoint", endpoint,
			"utilization", fmt.Sprintf("%.2f", utilization),
			"rate_per_sec", b.ratePS)
	}
}

func (b *endpointBucket) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Second)
	i := 0
	for i < len(b.callTimes) && b.callTimes[i].Before(cutoff) {
		i++
	}
	b.callTimes = b.callTimes[i:]
}

func isPrivateEndpoint(endpoint string) bool {
	switch endpoint {
	case "accounts", "orders", "fills", "order_status", "cancel", "preview", "convert":
		return true
	}
	return false
}
