// Package audit writes the append-only JSONL decision trail, one line per
// trading cycle
package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aelhadee/247trader-V2-sub000/internal/core"
)

// CycleRecord is one audit line. The config hash ties every decision back
// to the exact policy bytes it was made under.
type CycleRecord struct {
	Timestamp     time.Time          `json:"timestamp"`
	CycleNumber   int64              `json:"cycle_number"`
	Mode          core.Mode          `json:"mode"`
	ConfigHash    string             `json:"config_hash"`
	Regime        string             `json:"regime,omitempty"`
	UniverseSize  int                `json:"universe_size"`
	Proposals     int                `json:"proposals"`
	Approved      int                `json:"approved"`
	Executed      int                `json:"executed"`
	NoTradeReason string             `json:"no_trade_reason,omitempty"`
	Rejections    map[string][]string `json:"rejections,omitempty"`
	Orders        []OrderOutcome     `json:"orders,omitempty"`
	Portfolio     PortfolioSummary   `json:"portfolio"`
	StageSeconds  map[string]float64 `json:"stage_seconds,omitempty"`
	DurationSecs  float64            `json:"duration_seconds"`
	RateUsagePct  float64            `json:"rate_usage_pct"`
	CircuitsOpen  []string           `json:"circuits_open,omitempty"`
}

// OrderOutcome summarizes one execution attempt in the cycle
type OrderOutcome struct {
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          core.Side       `json:"side"`
	Route         core.Route      `json:"route,omitempty"`
	Status        string          `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	NotionalUSD   decimal.Decimal `json:"notional_usd"`
	FilledUSD     decimal.Decimal `json:"filled_usd"`
	Fees          decimal.Decimal `json:"fees"`
}

// PortfolioSummary is the end-of-cycle account snapshot
type PortfolioSummary struct {
	AccountValueUSD decimal.Decimal `json:"account_value_usd"`
	OpenPositions   int             `json:"open_positions"`
	PendingBuysUSD  decimal.Decimal `json:"pending_buys_usd"`
	DailyPnLPct     decimal.Decimal `json:"daily_pnl_pct"`
}

// Logger appends cycle records to a JSONL file. Writes are flushed per
// line so a crash loses at most the in-flight cycle.
type Logger struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	logger core.ILogger
	now    func() time.Time
}

// NewLogger opens (or creates) the audit file in append mode
func NewLogger(path string, logger core.ILogger) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	return &Logger{
		path:   path,
		file:   f,
		logger: logger.WithField("component", "audit"),
		now:    time.Now,
	}, nil
}

// SetClock overrides the time source for tests
func (l *Logger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Record appends one cycle line. Audit failures are logged but never fail
// the cycle: trading decisions already happened.
func (l *Logger) Record(rec *CycleRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now().UTC()
	}

	line, err := json.Marshal(rec)
	if err != nil {
		l.logger.Error("Failed to marshal audit record", "error", err)
		return
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		l.logger.Error("Failed to append audit record", "path", l.path, "error", err)
		return
	}
	if err := l.file.Sync(); err != nil {
		l.logger.Warn("Audit fsync failed", "error", err)
	}
}

// Close releases the audit file handle
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// ReadAll parses every record from an audit file, oldest first. Intended
// for tests and operator tooling, not the hot path.
func ReadAll(path string) ([]*CycleRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var records []*CycleRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		rec := &CycleRecord{}
		if err := dec.Decode(rec); err != nil {
			return records, fmt.Errorf("corrupt audit line %d: %w", len(records)+1, err)
		}
		records = append(records, rec)
	}
	return records, nil
}
