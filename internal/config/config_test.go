package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aelhadee/247trader-V2-sub000/internal/core"
)

const validApp = `
app:
  mode: DRY_RUN
logging:
  level: INFO
loop:
  interval_seconds: 300
  jitter_pct: 10
monitoring:
  metrics_enabled: true
  metrics_port: 9090
`

const validPolicy = `
risk:
  max_total_at_risk_pct: 30
  per_symbol_cap_pct: 10
  daily_loss_pct: 3
  min_trade_notional_usd: 10
execution:
  default_order_type: limit_post_only
  maker_fee_bps: 40
  taker_fee_bps: 60
microstructure:
  max_quote_age_seconds: 30
  max_spread_bps: 50
governance:
  live_trading_enabled: false
`

func writeConfigDir(t *testing.T, app, policy string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, AppFile), []byte(app), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, PolicyFile), []byte(policy), 0o644))
	return dir
}

func TestLoad_Valid(t *testing.T) {
	dir := writeConfigDir(t, validApp, validPolicy)

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, core.ModeDryRun, cfg.Mode())
	assert.Equal(t, 300, cfg.App.Loop.IntervalSeconds)
	assert.Equal(t, 30.0, cfg.Policy.Risk.MaxTotalAtRiskPct)
	assert.Len(t, cfg.Hash, 16)
}

func TestLoad_Defaults(t *testing.T) {
	dir := writeConfigDir(t, "app:\n  mode: PAPER\n", validPolicy)

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 300, cfg.App.Loop.IntervalSeconds)
	assert.Equal(t, 10.0, cfg.App.Loop.JitterPct)
	assert.Equal(t, "INFO", cfg.App.Logging.Level)
	assert.Equal(t, 2.0, cfg.Policy.Execution.DepthMultiplier)
	assert.Equal(t, "t247-", cfg.Policy.Execution.ClientOrderIDPrefix)
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	dir := writeConfigDir(t, validApp+"\nnot_a_real_key: 1\n", validPolicy)

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_a_real_key")
}

func TestLoad_InvalidMode(t *testing.T) {
	dir := writeConfigDir(t, "app:\n  mode: YOLO\n", validPolicy)

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app.mode")
}

func TestLoad_JitterOutOfRange(t *testing.T) {
	app := "app:\n  mode: DRY_RUN\nloop:\n  interval_seconds: 60\n  jitter_pct: 35\n"
	dir := writeConfigDir(t, app, validPolicy)

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jitter_pct")
}

func TestLoad_PerSymbolCapExceedsTotal(t *testing.T) {
	policy := `
risk:
  max_total_at_risk_pct: 10
  per_symbol_cap_pct: 50
execution:
  maker_fee_bps: 40
  taker_fee_bps: 60
`
	dir := writeConfigDir(t, validApp, policy)

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "per_symbol_cap_pct")
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_WEBHOOK", "https://hooks.example.com/abc")
	app := validApp + "  alerts:\n    slack_webhook_url: ${TEST_WEBHOOK}\n"
	dir := writeConfigDir(t, app, validPolicy)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example.com/abc", cfg.App.Monitoring.Alerts.SlackWebhookURL)
}

func TestHashDir_ChangesWithPolicy(t *testing.T) {
	dir := writeConfigDir(t, validApp, validPolicy)

	h1, err := HashDir(dir)
	require.NoError(t, err)
	require.Len(t, h1, 16)

	require.NoError(t, os.WriteFile(filepath.Join(dir, PolicyFile), []byte(validPolicy+"\ntwap:\n  replace_seconds: 20\n"), 0o644))
	h2, err := HashDir(dir)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	// app.yaml changes do not move the hash.
	require.NoError(t, os.WriteFile(filepath.Join(dir, AppFile), []byte(validApp+"\n# comment\n"), 0o644))
	h3, err := HashDir(dir)
	require.NoError(t, err)
	assert.Equal(t, h2, h3)
}

func TestHashDir_OptionalFilesContribute(t *testing.T) {
	dir := writeConfigDir(t, validApp, validPolicy)

	h1, err := HashDir(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, UniverseFile), []byte("tiers:\n  tier1: [BTC-USD]\n"), 0o644))
	h2, err := HashDir(dir)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
