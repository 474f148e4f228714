// Package state persists the bot's durable snapshot with atomic writes
// and backup rotation
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aelhadee/247trader-V2-sub000/internal/core"
)

const maxEvents = 500

// OpenOrderRecord is the persisted index entry for a dispatched order,
// keyed by client_order_id for idempotent resubmission checks.
type OpenOrderRecord struct {
	ClientOrderID   string          `json:"client_order_id"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	Symbol          string          `json:"symbol"`
	Side            core.Side       `json:"side"`
	NotionalUSD     decimal.Decimal `json:"notional_usd"`
	Route           core.Route      `json:"route"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Event is one append-only log entry
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

// LatencyStat tracks a running latency summary per endpoint
type LatencyStat struct {
	Count     int64   `json:"count"`
	TotalSecs float64 `json:"total_secs"`
	MaxSecs   float64 `json:"max_secs"`
}

// Record is the full persisted document
type Record struct {
	Portfolio         *core.PortfolioState        `json:"portfolio"`
	OpenOrders        map[string]*OpenOrderRecord `json:"open_orders"`
	PendingMarkers    []*core.PendingMarker       `json:"pending_markers"`
	Events            []Event                     `json:"events"`
	ZeroTriggerCycles int                         `json:"zero_trigger_cycles"`
	AutoTuneApplied   map[string]float64          `json:"auto_tune_applied,omitempty"`
	LatencyStats      map[string]*LatencyStat     `json:"latency_stats"`
	SavedAt           time.Time                   `json:"saved_at"`
}

func newRecord() *Record {
	return &Record{
		Portfolio:    core.NewPortfolioState(),
		OpenOrders:   make(map[string]*OpenOrderRecord),
		LatencyStats: make(map[string]*LatencyStat),
	}
}

// Options configure persistence behavior
type Options struct {
	Path           string
	BackupEnabled  bool
	BackupPath     string
	BackupInterval time.Duration
	BackupMaxFiles int
	FlushInterval  time.Duration
}

// Store holds the in-memory snapshot and flushes it to disk. The trading
// cycle is the single writer; the background flusher only reads under the
// mutex and never mutates.
type Store struct {
	mu     sync.Mutex
	record *Record
	opts   Options
	logger core.ILogger
	now    func() time.Time

	dirty      bool
	lastBackup time.Time
}

// NewStore creates a store; call Load before first use
func NewStore(opts Options, logger core.ILogger) *Store {
	if opts.BackupMaxFiles <= 0 {
		opts.BackupMaxFiles = 5
	}
	if opts.BackupPath == "" {
		opts.BackupPath = filepath.Join(filepath.Dir(opts.Path), "backups")
	}
	return &Store{
		record: newRecord(),
		opts:   opts,
		logger: logger.WithField("component", "state_store"),
		now:    time.Now,
	}
}

// SetClock overrides the time source for tests
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Load reads the persisted record. A corrupt main file falls back to the
// newest readable backup; when nothing loads, the store reinitializes with
// safe defaults.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, err := readRecord(s.opts.Path); err == nil {
		s.record = rec
		return nil
	} else if !os.IsNotExist(err) {
		s.logger.Error("State file unreadable, trying backups", "path", s.opts.Path, "error", err)
		if rec := s.loadNewestBackup(); rec != nil {
			s.record = rec
			return nil
		}
		s.logger.Warn("No usable backup, reinitializing state with defaults")
	}

	s.record = newRecord()
	return nil
}

func readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rec := newRecord()
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("corrupt state file %s: %w", path, err)
	}
	if rec.Portfolio == nil {
		rec.Portfolio = core.NewPortfolioState()
	}
	if rec.OpenOrders == nil {
		rec.OpenOrders = make(map[string]*OpenOrderRecord)
	}
	if rec.LatencyStats == nil {
		rec.LatencyStats = make(map[string]*LatencyStat)
	}
	return rec, nil
}

func (s *Store) loadNewestBackup() *Record {
	entries, err := os.ReadDir(s.opts.BackupPath)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	// Backup names embed a sortable timestamp.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	for _, name := range names {
		if rec, err := readRecord(filepath.Join(s.opts.BackupPath, name)); err == nil {
			s.logger.Warn("Loaded state from backup", "backup", name)
			return rec
		}
	}
	return nil
}

// Save atomically writes the record: temp file, fsync, rename. A crash
// mid-save leaves either the old or the new document, never a mix.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	s.record.SavedAt = s.now().UTC()

	data, err := json.MarshalIndent(s.record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	dir := filepath.Dir(s.opts.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.opts.Path); err != nil {
		return fmt.Errorf("failed to rename state file: %w", err)
	}

	s.dirty = false
	s.maybeBackupLocked(data)
	return nil
}

func (s *Store) maybeBackupLocked(data []byte) {
	if !s.opts.BackupEnabled || s.opts.BackupInterval <= 0 {
		return
	}
	now := s.now()
	if now.Sub(s.lastBackup) < s.opts.BackupInterval {
		return
	}

	if err := os.MkdirAll(s.opts.BackupPath, 0o755); err != nil {
		s.logger.Warn("Failed to create backup dir", "error", err)
		return
	}
	name := fmt.Sprintf("state-%s.json", now.UTC().Format("20060102T150405"))
	if err := os.WriteFile(filepath.Join(s.opts.BackupPath, name), data, 0o644); err != nil {
		s.logger.Warn("Failed to write state backup", "error", err)
		return
	}
	s.lastBackup = now
	s.rotateBackupsLocked()
}

func (s *Store) rotateBackupsLocked() {
	entries, err := os.ReadDir(s.opts.BackupPath)
	if err != nil {
		return
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) <= s.opts.BackupMaxFiles {
		return
	}
	sort.Strings(names)
	for _, name := range names[:len(names)-s.opts.BackupMaxFiles] {
		if err := os.Remove(filepath.Join(s.opts.BackupPath, name)); err != nil {
			s.logger.Warn("Failed to remove old backup", "backup", name, "error", err)
		}
	}
}

// StartFlusher runs a periodic background save until ctx is done
func (s *Store) StartFlusher(ctx context.Context) {
	if s.opts.FlushInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(s.opts.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				dirty := s.dirty
				s.mu.Unlock()
				if !dirty {
					continue
				}
				if err := s.Save(); err != nil {
					s.logger.Error("Background state flush failed", "error", err)
				}
			}
		}
	}()
}

// Portfolio returns a reference to the live portfolio state. Only the
// trading cycle may mutate it.
func (s *Store) Portfolio() *core.PortfolioState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.Portfolio
}

// MarkDirty flags in-memory changes for the background flusher
func (s *Store) MarkDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = true
}

// RecordOpenOrder indexes a dispatched order by client id
func (s *Store) RecordOpenOrder(clientID string, rec *OpenOrderRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.OpenOrders[clientID] = rec
	s.dirty = true
}

// HasOpenOrder reports whether a dispatched order with this client id is
// already persisted; used for idempotent submission.
func (s *Store) HasOpenOrder(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.record.OpenOrders[clientID]
	return ok
}

// OpenOrders returns a copy of the open-order index
func (s *Store) OpenOrders() map[string]*OpenOrderRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*OpenOrderRecord, len(s.record.OpenOrders))
	for k, v := range s.record.OpenOrders {
		cp := *v
		out[k] = &cp
	}
	return out
}

// CloseOrder drops the open-order index entry and logs the outcome event
func (s *Store) CloseOrder(clientID string, status core.OrderStatus, detail map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.record.OpenOrders, clientID)
	s.appendEventLocked("order_closed", mergeDetail(detail, map[string]interface{}{
		"client_order_id": clientID,
		"status":          string(status),
	}))
	s.dirty = true
}

// AddPendingMarker records optimistic exposure for a dispatched buy
func (s *Store) AddPendingMarker(m *core.PendingMarker) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.record.PendingMarkers = append(s.record.PendingMarkers, m)
	if s.record.Portfolio.PendingOrders[m.Side] == nil {
		s.record.Portfolio.PendingOrders[m.Side] = make(map[string]decimal.Decimal)
	}
	s.record.Portfolio.PendingOrders[m.Side][m.Symbol] =
		s.record.Portfolio.PendingOrders[m.Side][m.Symbol].Add(m.NotionalUSD)
	s.dirty = true
}

// RemovePendingMarker drops markers for a symbol+side, typically on fill
// or cancel confirmation
func (s *Store) RemovePendingMarker(symbol string, side core.Side) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeMarkersLocked(func(m *core.PendingMarker) bool {
		return m.Symbol == symbol && m.Side == side
	})
	s.dirty = true
}

// PurgeExpiredPending drops markers past their TTL and returns the count
func (s *Store) PurgeExpiredPending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := s.removeMarkersLocked(func(m *core.PendingMarker) bool {
		return now.After(m.ExpiresAt)
	})
	if removed > 0 {
		s.logger.Info("Purged expired pending markers", "count", removed)
		s.dirty = true
	}
	return removed
}

func (s *Store) removeMarkersLocked(match func(*core.PendingMarker) bool) int {
	kept := s.record.PendingMarkers[:0]
	removed := 0
	for _, m := range s.record.PendingMarkers {
		if match(m) {
			removed++
			if bucket := s.record.Portfolio.PendingOrders[m.Side]; bucket != nil {
				remaining := bucket[m.Symbol].Sub(m.NotionalUSD)
				if remaining.IsPositive() {
					bucket[m.Symbol] = remaining
				} else {
					delete(bucket, m.Symbol)
				}
			}
			continue
		}
		kept = append(kept, m)
	}
	s.record.PendingMarkers = kept
	return removed
}

// UpdateFromFills applies reconciled fills to positions and cash. Buys
// increase base quantity by the quote-derived base size; sells reduce it.
func (s *Store) UpdateFromFills(symbol string, side core.Side, fills []*core.Fill) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.record.Portfolio
	pos := p.OpenPositions[symbol]

	for _, f := range fills {
		base := f.BaseSize()
		quote := f.QuoteValue()

		if side == core.SideBuy {
			if pos == nil {
				pos = &core.Position{Symbol: symbol, OpenedAt: f.TradeTime}
				p.OpenPositions[symbol] = pos
			}
			pos.BaseQty = pos.BaseQty.Add(base)
			pos.EntryValueUSD = pos.EntryValueUSD.Add(quote)
			pos.FeesPaid = pos.FeesPaid.Add(f.Commission)
			if pos.BaseQty.IsPositive() {
				pos.EntryPrice = pos.EntryValueUSD.Div(pos.BaseQty)
			}
		} else if pos != nil {
			if pos.BaseQty.IsPositive() {
				soldFraction := base.Div(pos.BaseQty)
				if soldFraction.GreaterThan(decimal.NewFromInt(1)) {
					soldFraction = decimal.NewFromInt(1)
				}
				pos.EntryValueUSD = pos.EntryValueUSD.Mul(decimal.NewFromInt(1).Sub(soldFraction))
			}
			pos.BaseQty = pos.BaseQty.Sub(base)
			pos.FeesPaid = pos.FeesPaid.Add(f.Commission)
			if !pos.BaseQty.IsPositive() {
				delete(p.OpenPositions, symbol)
				delete(p.ManagedPositions, symbol)
				pos = nil
			}
		}
	}

	p.UpdatedAt = s.now()
	s.dirty = true
}

// ReconcileExchangeSnapshot replaces positions and cash with the
// exchange's authoritative view
func (s *Store) ReconcileExchangeSnapshot(positions map[string]*core.Position, cash map[string]decimal.Decimal, accountValueUSD decimal.Decimal, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.record.Portfolio
	p.OpenPositions = positions
	p.CashBalances = cash
	p.AccountValueUSD = accountValueUSD
	p.UpdatedAt = ts

	if accountValueUSD.GreaterThan(p.HighWaterMark) {
		p.HighWaterMark = accountValueUSD
	}
	if p.HighWaterMark.IsPositive() {
		drawdown := p.HighWaterMark.Sub(accountValueUSD).Div(p.HighWaterMark).Mul(decimal.NewFromInt(100))
		if drawdown.GreaterThan(p.MaxDrawdownPct) {
			p.MaxDrawdownPct = drawdown
		}
	}

	// Drop managed metadata for positions that no longer exist.
	for symbol := range p.ManagedPositions {
		if _, ok := positions[symbol]; !ok {
			delete(p.ManagedPositions, symbol)
		}
	}

	s.dirty = true
}

// UpdateLatencyStats folds one observation into the per-endpoint summary
func (s *Store) UpdateLatencyStats(endpoint string, seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stat := s.record.LatencyStats[endpoint]
	if stat == nil {
		stat = &LatencyStat{}
		s.record.LatencyStats[endpoint] = stat
	}
	stat.Count++
	stat.TotalSecs += seconds
	if seconds > stat.MaxSecs {
		stat.MaxSecs = seconds
	}
	s.dirty = true
}

// LatencyStats returns a copy of the latency summaries
func (s *Store) LatencyStats() map[string]LatencyStat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]LatencyStat, len(s.record.LatencyStats))
	for k, v := range s.record.LatencyStats {
		out[k] = *v
	}
	return out
}

// AppendEvent adds one entry to the capped append-only event log
func (s *Store) AppendEvent(eventType string, detail map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendEventLocked(eventType, detail)
	s.dirty = true
}

func (s *Store) appendEventLocked(eventType string, detail map[string]interface{}) {
	s.record.Events = append(s.record.Events, Event{
		Timestamp: s.now().UTC(),
		Type:      eventType,
		Detail:    detail,
	})
	if len(s.record.Events) > maxEvents {
		s.record.Events = s.record.Events[len(s.record.Events)-maxEvents:]
	}
}

// ZeroTriggerCycles returns the consecutive zero-proposal cycle count
func (s *Store) ZeroTriggerCycles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record.ZeroTriggerCycles
}

// SetZeroTriggerCycles records the consecutive zero-proposal cycle count
func (s *Store) SetZeroTriggerCycles(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.ZeroTriggerCycles = n
	s.dirty = true
}

// SetAutoTuneApplied records the runtime trigger-threshold overrides
func (s *Store) SetAutoTuneApplied(overrides map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record.AutoTuneApplied = overrides
	s.dirty = true
}

// AutoTuneApplied returns the active runtime overrides, if any
func (s *Store) AutoTuneApplied() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.record.AutoTuneApplied))
	for k, v := range s.record.AutoTuneApplied {
		out[k] = v
	}
	return out
}

func mergeDetail(a, b map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
