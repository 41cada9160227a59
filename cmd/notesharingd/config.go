// config.go - Configuration management for the shared note node
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"notesharing/internal/sharednote"
)

// Config represents the node configuration
type Config struct {
	// File paths
	LedgerPath string `json:"ledger_path"`
	WalletDir  string `json:"wallet_dir"`
	KeyDir     string `json:"key_dir"`

	// Proving
	EnableProofs   bool `json:"enable_proofs"`
	ProofCacheSize int  `json:"proof_cache_size"`

	// Ledger and sequencing
	BlockIntervalMs int    `json:"block_interval_ms"`
	FinalityDepth   uint64 `json:"finality_depth"`
	MaxTxsPerBlock  int    `json:"max_txs_per_block"`
	SlotScope       string `json:"slot_scope"`

	// Discovery
	PollIntervalMs          int `json:"poll_interval_ms"`
	DiscoveryTimeoutSeconds int `json:"discovery_timeout_seconds"`

	// API
	ListenAddr         string  `json:"listen_addr"`
	RateLimitPerSecond float64 `json:"rate_limit_per_second"`
	RateLimitBurst     int     `json:"rate_limit_burst"`
	TimeoutSeconds     int     `json:"timeout_seconds"`

	// Logging
	LogLevel     string `json:"log_level"`
	LogFile      string `json:"log_file"`
	EnableAudit  bool   `json:"enable_audit"`
	AuditLogPath string `json:"audit_log_path"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		LedgerPath:              "ledger",
		WalletDir:               "wallets",
		KeyDir:                  "keys",
		EnableProofs:            true,
		ProofCacheSize:          4096,
		BlockIntervalMs:         500,
		FinalityDepth:           2,
		MaxTxsPerBlock:          256,
		SlotScope:               "instance",
		PollIntervalMs:          100,
		DiscoveryTimeoutSeconds: 30,
		ListenAddr:              "127.0.0.1:8545",
		RateLimitPerSecond:      10,
		RateLimitBurst:          20,
		TimeoutSeconds:          60,
		LogLevel:                "info",
		LogFile:                 "notesharing.log",
		EnableAudit:             true,
		AuditLogPath:            "audit.log",
	}
}

// LoadConfig loads configuration from file or creates default
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); err == nil {
		file, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer file.Close()

		config := DefaultConfig()
		if err := json.NewDecoder(file).Decode(config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		return config, nil
	}

	config := DefaultConfig()
	if err := SaveConfig(config, configPath); err != nil {
		return nil, fmt.Errorf("failed to save default config: %w", err)
	}
	return config, nil
}

// SaveConfig saves configuration to file
func SaveConfig(config *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.BlockIntervalMs <= 0 {
		return fmt.Errorf("block_interval_ms must be positive")
	}
	if c.MaxTxsPerBlock < 0 {
		return fmt.Errorf("max_txs_per_block must not be negative")
	}
	if c.PollIntervalMs <= 0 {
		return fmt.Errorf("poll_interval_ms must be positive")
	}
	if c.DiscoveryTimeoutSeconds <= 0 {
		return fmt.Errorf("discovery_timeout_seconds must be positive")
	}
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout_seconds must be positive")
	}
	if c.RateLimitPerSecond < 0 {
		return fmt.Errorf("rate_limit_per_second must not be negative")
	}
	if c.EnableProofs && c.ProofCacheSize <= 0 {
		return fmt.Errorf("proof_cache_size must be positive when proofs are enabled")
	}
	if _, err := sharednote.ParseScope(c.SlotScope); err != nil {
		return fmt.Errorf("slot_scope: %w", err)
	}
	if c.EnableAudit && c.AuditLogPath == "" {
		return fmt.Errorf("audit_log_path is required when audit is enabled")
	}
	return nil
}

// Scope returns the slot scope new contracts are deployed with.
func (c *Config) Scope() sharednote.Scope {
	s, _ := sharednote.ParseScope(c.SlotScope)
	return s
}

func (c *Config) blockInterval() time.Duration {
	return time.Duration(c.BlockIntervalMs) * time.Millisecond
}

func (c *Config) pollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c *Config) discoveryTimeout() time.Duration {
	return time.Duration(c.DiscoveryTimeoutSeconds) * time.Second
}

func (c *Config) callTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
