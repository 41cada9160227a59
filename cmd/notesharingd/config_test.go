package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notesharing/internal/sharednote"
)

func TestLoadConfigCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.json")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	require.NoError(t, cfg.Validate())

	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestLoadConfigKeepsDefaultsForMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"slot_scope": "pair", "finality_depth": 5}`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, sharednote.ScopePair, cfg.Scope())
	assert.EqualValues(t, 5, cfg.FinalityDepth)
	assert.Equal(t, DefaultConfig().ListenAddr, cfg.ListenAddr)
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := DefaultConfig()
	cfg.EnableProofs = false
	cfg.BlockIntervalMs = 20
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		err    string
	}{
		{"block interval", func(c *Config) { c.BlockIntervalMs = 0 }, "block_interval_ms"},
		{"max txs", func(c *Config) { c.MaxTxsPerBlock = -1 }, "max_txs_per_block"},
		{"poll interval", func(c *Config) { c.PollIntervalMs = 0 }, "poll_interval_ms"},
		{"discovery timeout", func(c *Config) { c.DiscoveryTimeoutSeconds = 0 }, "discovery_timeout_seconds"},
		{"call timeout", func(c *Config) { c.TimeoutSeconds = 0 }, "timeout_seconds"},
		{"rate limit", func(c *Config) { c.RateLimitPerSecond = -1 }, "rate_limit_per_second"},
		{"proof cache", func(c *Config) { c.ProofCacheSize = 0 }, "proof_cache_size"},
		{"scope", func(c *Config) { c.SlotScope = "global" }, "slot_scope"},
		{"audit path", func(c *Config) { c.AuditLogPath = "" }, "audit_log_path"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.err)
		})
	}

	cfg := DefaultConfig()
	cfg.EnableProofs = false
	cfg.ProofCacheSize = 0
	assert.NoError(t, cfg.Validate())
}

func TestLoggerAuditTrail(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "node.log")
	auditPath := filepath.Join(dir, "audit.log")

	l, err := NewLogger("debug", logPath, auditPath)
	require.NoError(t, err)
	l.Info().Msg("routine")
	l.Warn().Msg("suspicious")
	l.Audit("node_started", map[string]any{"head": 3})
	require.NoError(t, l.Close())

	logged, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(logged), "routine")
	assert.Contains(t, string(logged), "suspicious")

	audit, err := os.ReadFile(auditPath)
	require.NoError(t, err)
	assert.NotContains(t, string(audit), "routine")
	assert.Contains(t, string(audit), "suspicious")
	assert.Contains(t, string(audit), `"event":"node_started"`)
}
