package alert

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelhadee/247trader-V2-sub000/internal/core"
	"github.com/aelhadee/247trader-V2-sub000/pkg/logging"
)

type captureSink struct {
	mu     sync.Mutex
	events []core.AlertEvent
}

func (c *captureSink) Name() string { return "capture" }

func (c *captureSink) Send(_ context.Context, event core.AlertEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestNotify_SeverityFilter(t *testing.T) {
	sink := &captureSink{}
	m := NewManager(core.SeverityWarning, true, logging.NewNop(), sink)

	m.Notify(core.SeverityInfo, "cycle_slow", "below threshold", "", nil)
	m.Notify(core.SeverityCritical, "circuit_tripped", "above threshold", "", nil)
	m.Close()

	require.Equal(t, 1, sink.count())
	assert.Equal(t, "circuit_tripped", sink.events[0].Type)
	assert.NotEmpty(t, sink.events[0].ID)
}

func TestNotify_DedupeWindow(t *testing.T) {
	sink := &captureSink{}
	m := NewManager(core.SeverityInfo, true, logging.NewNop(), sink)

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	current := base
	m.SetClock(func() time.Time { return current })

	m.Notify(core.SeverityWarning, "stale_quote", "BTC quote stale", "BTC-USD", nil)
	current = base.Add(time.Minute)
	m.Notify(core.SeverityWarning, "stale_quote", "BTC quote stale", "BTC-USD", nil)
	current = base.Add(6 * time.Minute)
	m.Notify(core.SeverityWarning, "stale_quote", "BTC quote stale", "BTC-USD", nil)
	m.Close()

	assert.Equal(t, 2, sink.count(), "repeat inside the window is suppressed")
}

func TestNotify_DifferentSymbolsNotDeduped(t *testing.T) {
	sink := &captureSink{}
	m := NewManager(core.SeverityInfo, true, logging.NewNop(), sink)

	m.Notify(core.SeverityWarning, "stale_quote", "quote stale", "BTC-USD", nil)
	m.Notify(core.SeverityWarning, "stale_quote", "quote stale", "ETH-USD", nil)
	m.Close()

	assert.Equal(t, 2, sink.count())
}

func TestNotify_DisabledDropsEverything(t *testing.T) {
	sink := &captureSink{}
	m := NewManager(core.SeverityInfo, false, logging.NewNop(), sink)

	m.Critical("circuit_tripped", "should not deliver", nil)
	m.Close()

	assert.Zero(t, sink.count())
}

func TestParseSeverity(t *testing.T) {
	assert.Equal(t, core.SeverityInfo, ParseSeverity("info"))
	assert.Equal(t, core.SeverityWarning, ParseSeverity("WARN"))
	assert.Equal(t, core.SeverityError, ParseSeverity("Error"))
	assert.Equal(t, core.SeverityCritical, ParseSeverity("CRITICAL"))
	assert.Equal(t, core.SeverityWarning, ParseSeverity("bogus"), "unknown defaults to WARNING")
}

func TestSlackSink_PostsWebhook(t *testing.T) {
	var gotBody string
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(buf)
		gotBody = string(buf)
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewSlackSink(srv.URL)
	err := sink.Send(context.Background(), core.AlertEvent{
		Severity: core.SeverityCritical,
		Type:     "circuit_tripped",
		Summary:  "volatility crash",
		Symbol:   "BTC-USD",
	})

	require.NoError(t, err)
	assert.Equal(t, "application/json", gotContentType)
	assert.Contains(t, gotBody, "circuit_tripped")
	assert.Contains(t, gotBody, "BTC-USD")
}

func TestSlackSink_NonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	sink := NewSlackSink(srv.URL)
	err := sink.Send(context.Background(), core.AlertEvent{Type: "t", Summary: "s"})
	assert.ErrorContains(t, err, "403")
}
