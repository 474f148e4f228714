// Package clocksync validates the local clock against NTP before trading.
// Exchange signatures and quote-age gating both assume a sane clock.
package clocksync

import (
	"fmt"
	"time"

	"github.com/beevik/ntp"

	"github.com/aelhadee/247trader-V2-sub000/internal/core"
	apperrors "github.com/aelhadee/247trader-V2-sub000/pkg/errors"
)

// MaxOffset is the tolerated absolute clock offset for LIVE trading
const MaxOffset = 100 * time.Millisecond

var defaultServers = []string{
	"time.google.com",
	"pool.ntp.org",
	"time.cloudflare.com",
}

// queryFn is swappable for tests
type queryFn func(server string) (*ntp.Response, error)

// Validator checks clock offset against a list of NTP servers
type Validator struct {
	servers []string
	logger  core.ILogger
	query   queryFn
}

// NewValidator creates a validator; an empty server list uses the defaults
func NewValidator(servers []string, logger core.ILogger) *Validator {
	if len(servers) == 0 {
		servers = defaultServers
	}
	return &Validator{
		servers: servers,
		logger:  logger.WithField("component", "clock_sync"),
		query:   ntp.Query,
	}
}

// Result carries the measured offset from the first responding server
type Result struct {
	Server    string
	Offset    time.Duration
	RoundTrip time.Duration
}

// Measure queries servers in order and returns the first successful
// offset. The NTP library computes offset as ((T2-T1)+(T3-T4))/2 from the
// four protocol timestamps.
func (v *Validator) Measure() (*Result, error) {
	var lastErr error
	for _, server := range v.servers {
		resp, err := v.query(server)
		if err != nil {
			v.logger.Warn("NTP server unreachable", "server", server, "error", err)
			lastErr = err
			continue
		}
		if err := resp.Validate(); err != nil {
			v.logger.Warn("NTP response invalid", "server", server, "error", err)
			lastErr = err
			continue
		}
		return &Result{
			Server:    server,
			Offset:    resp.ClockOffset,
			RoundTrip: resp.RTT,
		}, nil
	}
	return nil, fmt.Errorf("%w: all NTP servers unreachable: %v", apperrors.ErrClockSyncFailed, lastErr)
}

// Validate enforces the mode-dependent policy: DRY_RUN skips entirely,
// PAPER logs a warning on failure, LIVE refuses to start on a bad or
// unmeasurable clock.
func (v *Validator) Validate(mode core.Mode) error {
	if mode == core.ModeDryRun {
		v.logger.Info("Clock sync check skipped in DRY_RUN")
		return nil
	}

	res, err := v.Measure()
	if err != nil {
		if mode == core.ModeLive {
			return err
		}
		v.logger.Warn("Clock sync check failed, continuing outside LIVE", "error", err)
		return nil
	}

	offset := res.Offset
	if offset < 0 {
		offset = -offset
	}

	v.logger.Info("Clock offset measured",
		"server", res.Server,
		"offset", res.Offset.String(),
		"round_trip", res.RoundTrip.String())

	if offset > MaxOffset {
		err := fmt.Errorf("%w: offset %s exceeds %s", apperrors.ErrClockSyncFailed, res.Offset, MaxOffset)
		if mode == core.ModeLive {
			return err
		}
		v.logger.Warn("Clock offset out of tolerance, continuing outside LIVE", "error", err)
	}
	return nil
}
