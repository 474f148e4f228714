package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy defines how to retry an operation. Backoff uses full jitter:
// sleep = uniform(0, min(Cap, Base * 2^attempt)).
type Policy struct {
	MaxRetries int
	Base       time.Duration
	Cap        time.Duration
}

// DefaultPolicy matches the exchange client defaults
var DefaultPolicy = Policy{
	MaxRetries: 3,
	Base:       1 * time.Second,
	Cap:        30 * time.Second,
}

// IsTransientFunc reports whether an error should be retried
type IsTransientFunc func(error) bool

// Do executes fn with full-jitter exponential backoff. The attempt budget is
// MaxRetries+1 calls; there is no sleep after the final attempt. rng may be
// seeded for deterministic tests; nil uses the shared source.
func Do(ctx context.Context, policy Policy, rng *rand.Rand, isTransient IsTransientFunc, fn func() error) error {
	var err error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if !isTransient(err) {
			return err
		}

		if attempt == policy.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Backoff(policy, rng, attempt)):
		}
	}

	return err
}

// Backoff returns the full-jitter sleep for the given attempt index
func Backoff(policy Policy, rng *rand.Rand, attempt int) time.Duration {
	ceiling := policy.Base << uint(attempt)
	if ceiling > policy.Cap || ceiling <= 0 {
		ceiling = policy.Cap
	}
	if ceiling <= 0 {
		return 0
	}
	if rng != nil {
		return time.Duration(rng.Int63n(int64(ceiling)))
	}
	return time.Duration(rand.Int63n(int64(ceiling)))
}
