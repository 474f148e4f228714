// Package secrets tracks API credential age so stale keys get rotated.
// Only rotation metadata is persisted, never secret material.
package secrets

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aelhadee/247trader-V2-sub000/internal/core"
)

const (
	// MaxAge is the rotation deadline
	MaxAge = 90 * 24 * time.Hour
	// WarningWindow starts nagging this long before the deadline
	WarningWindow = 7 * 24 * time.Hour
)

// RotationEvent is one entry in the rotation history
type RotationEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

type metadata struct {
	LastRotation time.Time       `json:"last_rotation_utc"`
	History      []RotationEvent `json:"history"`
}

// Level classifies the credential age
type Level int

const (
	LevelOK Level = iota
	LevelWarning
	LevelCritical
)

// CheckResult is the outcome of an age check
type CheckResult struct {
	Level        Level
	Age          time.Duration
	LastRotation time.Time
	Message      string
}

// Tracker persists rotation metadata beside the state files
type Tracker struct {
	path   string
	logger core.ILogger
	now    func() time.Time
	meta   metadata
}

// NewTracker loads (or initializes) rotation metadata at path. Missing or
// corrupt metadata reinitializes as first-run-today rather than failing.
func NewTracker(path string, logger core.ILogger) *Tracker {
	t := &Tracker{
		path:   path,
		logger: logger.WithField("component", "secret_rotation"),
		now:    time.Now,
	}
	t.load()
	return t
}

// SetClock overrides the time source for tests
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

func (t *Tracker) load() {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if !os.IsNotExist(err) {
			t.logger.Warn("Rotation metadata unreadable, reinitializing", "path", t.path, "error", err)
		}
		t.reinitialize("first_run")
		return
	}
	if err := json.Unmarshal(data, &t.meta); err != nil || t.meta.LastRotation.IsZero() {
		t.logger.Warn("Rotation metadata corrupt, reinitializing", "path", t.path)
		t.reinitialize("metadata_corrupt")
		return
	}
}

func (t *Tracker) reinitialize(reason string) {
	t.meta = metadata{
		LastRotation: t.now().UTC(),
		History:      []RotationEvent{{Timestamp: t.now().UTC(), Reason: reason}},
	}
	t.save()
}

func (t *Tracker) save() {
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		t.logger.Warn("Failed to create rotation metadata directory", "error", err)
		return
	}
	data, err := json.MarshalIndent(&t.meta, "", "  ")
	if err != nil {
		t.logger.Warn("Failed to marshal rotation metadata", "error", err)
		return
	}
	if err := os.WriteFile(t.path, data, 0o600); err != nil {
		t.logger.Warn("Failed to persist rotation metadata", "error", err)
	}
}

// MarkRotated records a credential rotation with a reason
func (t *Tracker) MarkRotated(reason string) {
	now := t.now().UTC()
	t.meta.LastRotation = now
	t.meta.History = append(t.meta.History, RotationEvent{Timestamp: now, Reason: reason})
	t.save()
	t.logger.Info("Credential rotation recorded", "reason", reason)
}

// Check classifies the current credential age
func (t *Tracker) Check() CheckResult {
	age := t.now().UTC().Sub(t.meta.LastRotation)
	res := CheckResult{
		Age:          age,
		LastRotation: t.meta.LastRotation,
	}

	switch {
	case age > MaxAge:
		res.Level = LevelCritical
		res.Message = fmt.Sprintf("API credentials are %.0f days old (rotation deadline %d days)",
			age.Hours()/24, int(MaxAge.Hours()/24))
	case age > MaxAge-WarningWindow:
		res.Level = LevelWarning
		remaining := MaxAge - age
		res.Message = fmt.Sprintf("API credentials expire in %.0f days", remaining.Hours()/24)
	default:
		res.Level = LevelOK
	}
	return res
}

// History returns a copy of the rotation event history
func (t *Tracker) History() []RotationEvent {
	out := make([]RotationEvent, len(t.meta.History))
	copy(out, t.meta.History)
	return out
}
