package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Executor.ExecutionWindow.Duration)
	assert.Equal(t, 5*time.Second, cfg.Executor.RollbackWindow.Duration)
	assert.Equal(t, 250*time.Millisecond, cfg.Executor.PollInterval.Duration)
	assert.Equal(t, 168*time.Hour, cfg.Executor.Retention.Duration)
	assert.Equal(t, "badger", cfg.Store.Driver)
	assert.Equal(t, "paper", cfg.Gateway.Mode)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	p := writeFile(t, "atomicd.yaml", `
executor:
  execution_window: 10s
  rollback_window: 2
  poll_interval: 0.1
store:
  driver: sqlite
  path: /tmp/groups.db
gateway:
  mode: rest
  base_url: http://broker.local
  rate_limit:
    capacity: 4
    refill_per_second: 2.5
risk:
  max_legs: 3
  blocked_instruments: [AAPL, MSFT]
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.Executor.ExecutionWindow.Duration)
	assert.Equal(t, 2*time.Second, cfg.Executor.RollbackWindow.Duration)
	assert.Equal(t, 100*time.Millisecond, cfg.Executor.PollInterval.Duration)
	// 未出现的字段保持默认
	assert.Equal(t, 5*time.Second, cfg.Executor.CallTimeout.Duration)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 4, cfg.Gateway.RateLimit.Capacity)
	assert.InDelta(t, 2.5, cfg.Gateway.RateLimit.RefillPerSecond, 1e-9)
	assert.Equal(t, []string{"AAPL", "MSFT"}, cfg.Risk.BlockedInstruments)
}

func TestLoad_JSON(t *testing.T) {
	p := writeFile(t, "atomicd.json", `{"executor":{"execution_window":"20s","rollback_window":3},"store":{"driver":"file","path":"groups"}}`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, cfg.Executor.ExecutionWindow.Duration)
	assert.Equal(t, 3*time.Second, cfg.Executor.RollbackWindow.Duration)
	assert.Equal(t, "file", cfg.Store.Driver)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	p := writeFile(t, "atomicd.yaml", "store:\n  path: from-file\n")
	t.Setenv("STORE_PATH", "from-env")
	t.Setenv("EXECUTION_WINDOW", "45s")
	t.Setenv("RISK_BLOCKED_INSTRUMENTS", "X, Y,,Z")
	t.Setenv("GATEWAY_RATE_REFILL", "7.5")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Store.Path)
	assert.Equal(t, 45*time.Second, cfg.Executor.ExecutionWindow.Duration)
	assert.Equal(t, []string{"X", "Y", "Z"}, cfg.Risk.BlockedInstruments)
	assert.InDelta(t, 7.5, cfg.Gateway.RateLimit.RefillPerSecond, 1e-9)
}

func TestLoad_BadDurationEnv(t *testing.T) {
	t.Setenv("ROLLBACK_WINDOW", "soon")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ROLLBACK_WINDOW")
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	p := writeFile(t, "atomicd.toml", "x = 1")
	_, err := Load(p)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"rollback not shorter than execution", func(c *Config) { c.Executor.RollbackWindow = c.Executor.ExecutionWindow }},
		{"zero execution window", func(c *Config) { c.Executor.ExecutionWindow = D(0) }},
		{"zero rollback window", func(c *Config) { c.Executor.RollbackWindow = D(0) }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "redis" }},
		{"empty store path", func(c *Config) { c.Store.Path = " " }},
		{"unknown gateway mode", func(c *Config) { c.Gateway.Mode = "fix" }},
		{"rest without base url", func(c *Config) { c.Gateway.Mode = "rest" }},
		{"negative max legs", func(c *Config) { c.Risk.MaxLegs = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.mutate(c)
			require.Error(t, c.Validate())
		})
	}
	require.NoError(t, Default().Validate())
}

func TestDuration_JSONRoundTrip(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1m30s"`)))
	assert.Equal(t, 90*time.Second, d.Duration)
	require.NoError(t, d.UnmarshalJSON([]byte(`1.5`)))
	assert.Equal(t, 1500*time.Millisecond, d.Duration)
	require.NoError(t, d.UnmarshalJSON([]byte(`null`)))
	assert.Zero(t, d.Duration)
	require.Error(t, d.UnmarshalJSON([]byte(`"later"`)))

	b, err := D(5 * time.Second).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"5s"`, string(b))
}
