package secrets

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelhadee/247trader-V2-sub000/pkg/logging"
)

func writeMetadata(t *testing.T, dir string, lastRotation time.Time) string {
	t.Helper()
	path := filepath.Join(dir, "rotation.json")
	data, err := json.Marshal(metadata{
		LastRotation: lastRotation,
		History:      []RotationEvent{{Timestamp: lastRotation, Reason: "initial"}},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestCheck_FreshCredentialsOK(t *testing.T) {
	now := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	path := writeMetadata(t, t.TempDir(), now.Add(-10*24*time.Hour))

	tr := NewTracker(path, logging.NewNop())
	tr.SetClock(func() time.Time { return now })

	res := tr.Check()
	assert.Equal(t, LevelOK, res.Level)
	assert.Empty(t, res.Message)
}

func TestCheck_WarningNearDeadline(t *testing.T) {
	now := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	// 85 days old: inside the 7-day warning window before day 90.
	path := writeMetadata(t, t.TempDir(), now.Add(-85*24*time.Hour))

	tr := NewTracker(path, logging.NewNop())
	tr.SetClock(func() time.Time { return now })

	res := tr.Check()
	assert.Equal(t, LevelWarning, res.Level)
	assert.Contains(t, res.Message, "expire in 5 days")
}

func TestCheck_CriticalPastDeadline(t *testing.T) {
	now := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	path := writeMetadata(t, t.TempDir(), now.Add(-120*24*time.Hour))

	tr := NewTracker(path, logging.NewNop())
	tr.SetClock(func() time.Time { return now })

	res := tr.Check()
	assert.Equal(t, LevelCritical, res.Level)
	assert.Contains(t, res.Message, "120 days old")
}

func TestNewTracker_MissingFileInitializesFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rotation.json")

	tr := NewTracker(path, logging.NewNop())

	assert.Equal(t, LevelOK, tr.Check().Level)
	history := tr.History()
	require.Len(t, history, 1)
	assert.Equal(t, "first_run", history[0].Reason)

	// The reinitialized metadata is persisted.
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestNewTracker_CorruptFileReinitializes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rotation.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	tr := NewTracker(path, logging.NewNop())

	assert.Equal(t, LevelOK, tr.Check().Level)
	history := tr.History()
	require.Len(t, history, 1)
	assert.Equal(t, "metadata_corrupt", history[0].Reason)
}

func TestMarkRotated_ResetsAgeAndAppendsHistory(t *testing.T) {
	now := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	path := writeMetadata(t, t.TempDir(), now.Add(-120*24*time.Hour))

	tr := NewTracker(path, logging.NewNop())
	tr.SetClock(func() time.Time { return now })
	require.Equal(t, LevelCritical, tr.Check().Level)

	tr.MarkRotated("operator_rotation")

	assert.Equal(t, LevelOK, tr.Check().Level)
	history := tr.History()
	require.Len(t, history, 2)
	assert.Equal(t, "operator_rotation", history[1].Reason)

	// Reload from disk and confirm persistence.
	tr2 := NewTracker(path, logging.NewNop())
	tr2.SetClock(func() time.Time { return now })
	assert.Equal(t, LevelOK, tr2.Check().Level)
}

func TestMetadataFileNeverContainsSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rotation.json")
	tr := NewTracker(path, logging.NewNop())
	tr.MarkRotated("test")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "key")
	assert.NotContains(t, string(data), "secret")
}
