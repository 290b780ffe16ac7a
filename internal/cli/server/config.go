package server

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds every tunable of the indexer. Durations are expressed in the
// unit their key names (milliseconds or days) so the TOML file stays flat.
type Config struct {
	// DatabaseURL is the postgres connection string.
	DatabaseURL string `toml:"database_url"`

	// ListenAddr hosts the status and metrics endpoints.
	ListenAddr string `toml:"listen_addr"`

	LogLevel string `toml:"log_level"`

	// LogFile enables rotated file logging when set; empty logs to stderr.
	LogFile       string `toml:"log_file"`
	LogMaxSizeMB  int    `toml:"log_max_size_mb"`
	LogMaxBackups int    `toml:"log_max_backups"`
	LogMaxAgeDays int    `toml:"log_max_age_days"`

	// ELEndpoints are the execution-layer JSON-RPC URLs, in preference order.
	ELEndpoints []string `toml:"el_endpoints"`

	// CLEndpoints are the checkpoint-layer REST base URLs.
	CLEndpoints []string `toml:"cl_endpoints"`

	ExpectedChainID         uint64 `toml:"expected_chain_id"`
	RPCTimeoutMs            int    `toml:"rpc_timeout_ms"`
	RPCMaxConsecutiveErrors int    `toml:"rpc_max_consecutive_errors"`
	RPCCooldownMs           int    `toml:"rpc_cooldown_ms"`
	RPCParallelism          int    `toml:"rpc_parallelism"`

	TipPollIntervalMs       int    `toml:"tip_poll_interval_ms"`
	BlockBackfillTarget     uint64 `toml:"block_backfill_target"`
	MilestoneBackfillTarget uint64 `toml:"milestone_backfill_target"`
	BackfillBatchSize       int    `toml:"backfill_batch_size"`

	GapAnalyzerIntervalMs int `toml:"gap_analyzer_interval_ms"`
	GapAnalyzerBatch      int `toml:"gap_analyzer_batch"`
	GapAnalyzerBuffer     int `toml:"gap_analyzer_buffer"`

	GapFillerIntervalMs int `toml:"gap_filler_interval_ms"`
	FinalityIntervalMs  int `toml:"finality_interval_ms"`
	PriorityFeeBatch    int `toml:"priority_fee_batch"`
	StatsRefreshMs      int `toml:"stats_refresh_interval_ms"`

	CompressionThresholdDays int `toml:"compression_threshold_days"`
	ShutdownGraceMs          int `toml:"shutdown_grace_ms"`
}

// DefaultConfig returns the baseline configuration; a config file and flags
// override it field by field.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:               ":8080",
		LogLevel:                 "info",
		LogMaxSizeMB:             100,
		LogMaxBackups:            5,
		LogMaxAgeDays:            14,
		ExpectedChainID:          137,
		RPCTimeoutMs:             10000,
		RPCMaxConsecutiveErrors:  5,
		RPCCooldownMs:            30000,
		RPCParallelism:           8,
		TipPollIntervalMs:        2000,
		BlockBackfillTarget:      0,
		MilestoneBackfillTarget:  1,
		BackfillBatchSize:        50,
		GapAnalyzerIntervalMs:    300000,
		GapAnalyzerBatch:         10000,
		GapAnalyzerBuffer:        100,
		GapFillerIntervalMs:      10000,
		FinalityIntervalMs:       60000,
		PriorityFeeBatch:         10,
		StatsRefreshMs:           900000,
		CompressionThresholdDays: 10,
		ShutdownGraceMs:          30000,
	}
}

// LoadConfig merges the TOML file at path over the defaults.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	return config, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}

	if len(c.ELEndpoints) == 0 {
		return fmt.Errorf("at least one execution-layer endpoint is required")
	}

	if len(c.CLEndpoints) == 0 {
		return fmt.Errorf("at least one checkpoint-layer endpoint is required")
	}

	if c.ExpectedChainID == 0 {
		return fmt.Errorf("expected_chain_id is required")
	}

	return nil
}

func (c *Config) rpcTimeout() time.Duration {
	return time.Duration(c.RPCTimeoutMs) * time.Millisecond
}

func (c *Config) rpcCooldown() time.Duration {
	return time.Duration(c.RPCCooldownMs) * time.Millisecond
}

func (c *Config) tipPollInterval() time.Duration {
	return time.Duration(c.TipPollIntervalMs) * time.Millisecond
}

func (c *Config) gapAnalyzerInterval() time.Duration {
	return time.Duration(c.GapAnalyzerIntervalMs) * time.Millisecond
}

func (c *Config) gapFillerInterval() time.Duration {
	return time.Duration(c.GapFillerIntervalMs) * time.Millisecond
}

func (c *Config) finalityInterval() time.Duration {
	return time.Duration(c.FinalityIntervalMs) * time.Millisecond
}

func (c *Config) statsRefreshInterval() time.Duration {
	return time.Duration(c.StatsRefreshMs) * time.Millisecond
}

func (c *Config) compressionThreshold() time.Duration {
	return time.Duration(c.CompressionThresholdDays) * 24 * time.Hour
}

func (c *Config) shutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMs) * time.Millisecond
}
