package risk

import (
	"sync"
	"time"

	"github.com/aelhadee/247trader-V2-sub000/internal/core"
)

// CooldownTracker records per-symbol "do not re-enter until" timestamps.
// Stop-loss exits carry a longer cooldown than normal trades.
type CooldownTracker struct {
	mu      sync.Mutex
	until   map[string]time.Time
	normal  time.Duration
	stop    time.Duration
	enabled bool
	logger  core.ILogger
	now     func() time.Time
}

// NewCooldownTracker creates a tracker with the configured durations
func NewCooldownTracker(normal, stopLoss time.Duration, enabled bool, logger core.ILogger) *CooldownTracker {
	return &CooldownTracker{
		until:   make(map[string]time.Time),
		normal:  normal,
		stop:    stopLoss,
		enabled: enabled,
		logger:  logger.WithField("component", "cooldown_tracker"),
		now:     time.Now,
	}
}

// SetClock overrides the time source for tests
func (c *CooldownTracker) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Apply records a cooldown for symbol; stop-loss exits use the longer window
func (c *CooldownTracker) Apply(symbol string, isStopLoss bool) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	dur := c.normal
	if isStopLoss {
		dur = c.stop
	}
	until := c.now().Add(dur)
	c.until[symbol] = until
	c.logger.Info("Symbol cooldown applied",
		"symbol", symbol,
		"stop_loss", isStopLoss,
		"until", until.UTC().Format(time.RFC3339))
}

// Active reports whether symbol is cooling down and for how much longer
func (c *CooldownTracker) Active(symbol string) (bool, time.Duration) {
	if !c.enabled {
		return false, 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	until, ok := c.until[symbol]
	if !ok {
		return false, 0
	}
	now := c.now()
	if now.After(until) {
		delete(c.until, symbol)
		return false, 0
	}
	return true, until.Sub(now)
}
