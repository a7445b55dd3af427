package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"ezoutreach/internal/service/orchestrator"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestLoadFrom_DecodesSections(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
db:
  host: localhost
  port: 5432
server:
  port: "8090"
scheduler:
  interval: 30s
  default_throughput_cap: 25
orchestrator:
  delivery_mode: inline
  retry_backoff: 5m
completion:
  auto_stop:
    enabled: true
    max_bounce_rate: 0.2
reply:
  lookback: 336h
  automated_markers: [noreply]
rate_limit:
  default: 1
  caps:
    hosted: 3
`)
	writeFile(t, dir, "staging.yaml", `
orchestrator:
  delivery_mode: queue
`)

	cfg, err := LoadFrom("staging", dir)
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.DB.Host)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 25, cfg.Scheduler.DefaultThroughputCap)
	assert.Equal(t, orchestrator.DeliveryQueue, cfg.Orchestrator.DeliveryMode)
	assert.Equal(t, 5*time.Minute, cfg.Orchestrator.RetryBackoff)
	assert.True(t, cfg.Completion.AutoStop.Enabled)
	assert.InDelta(t, 0.2, cfg.Completion.AutoStop.MaxBounceRate, 1e-9)
	assert.Equal(t, 14*24*time.Hour, cfg.Reply.Lookback)
	assert.Equal(t, []string{"noreply"}, cfg.Reply.AutomatedMarkers)
	assert.Equal(t, 3, cfg.RateLimit.Caps["hosted"])
	assert.Equal(t, 8090, cfg.OpsPort(9000))
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
db:
  host: localhost
verifier:
  api_key: from-file
`)
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("VERIFIER_API_KEY", "from-env")
	t.Setenv("DELIVERY_MODE", "queue")

	cfg, err := LoadFrom("local", dir)
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.DB.Host)
	assert.Equal(t, "from-env", cfg.Verifier.APIKey)
	assert.Equal(t, orchestrator.DeliveryQueue, cfg.Orchestrator.DeliveryMode)
}

func TestLoadFrom_RejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"delivery mode": "orchestrator:\n  delivery_mode: carrier-pigeon\n",
		"server port":   "server:\n  port: http\n",
		"rate cap":      "rate_limit:\n  caps:\n    smtp: 0\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, "base.yaml", body)
			_, err := LoadFrom("local", dir)
			assert.Error(t, err)
		})
	}
}

func TestLoadFrom_MissingBase(t *testing.T) {
	_, err := LoadFrom("local", t.TempDir())
	assert.Error(t, err)
}

func TestOpsPort_Default(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, 9000, cfg.OpsPort(9000))
}
