// Package config provides configuration management for Conclave.
// It loads settings from environment variables with the CONCLAVE_ prefix
// and provides sensible defaults for all configuration options. The council's
// voice table is loaded separately from YAML (see LoadVoices).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Config holds all configuration settings for the Conclave application.
type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	LLM     LLMConfig
	Gateway GatewayConfig
	Index   IndexConfig
	Council CouncilConfig
	Engine  EngineConfig
	Backup  BackupConfig
	Log     LogConfig
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port      int     // Server port (default: 6464)
	Host      string  // Server host (default: 127.0.0.1)
	RateLimit float64 // Requests per second per client (default: 20, 0 disables)
	RateBurst int     // Burst size (default: 40)
	APIToken  string  // Bearer token required on /api routes; empty allows all
}

// StorageConfig contains persistence configuration.
type StorageConfig struct {
	StorageEngine string // jsonfile, sqlite, postgres, memory (default: jsonfile)
	DataPath      string // Path to data directory (default: ./data)
	PostgresDSN   string // Connection string for the postgres engine
	CompactEvery  int    // jsonfile journal entries between compactions (default: 500)
}

// LLMConfig contains LLM provider configuration for LLM-backed voices.
type LLMConfig struct {
	LLMProvider string        // ollama, openai, anthropic (default: ollama)
	BaseURL     string        // Provider URL override
	Model       string        // Model name (provider default when empty)
	APIKey      string        // API key for hosted providers
	Timeout     time.Duration // Per-request timeout (default: 30s)
}

// GatewayConfig contains ingestion settings.
type GatewayConfig struct {
	DedupWindow    time.Duration // default: 5m
	MatchThreshold float64       // fuzzy entity match threshold (default: 0.85)
	MaxBodyLength  int           // default: 4000
	DetectMentions bool          // default: true
	RedisURL       string        // shared dedup index, e.g. redis://localhost:6379/0
}

// IndexConfig contains indexer settings.
type IndexConfig struct {
	EntityWindow   int           // default: 20
	VerifyInterval time.Duration // periodic rebuild comparison (default: 10m, 0 disables)
}

// CouncilConfig contains council settings.
type CouncilConfig struct {
	Deadline         time.Duration // default: 10s
	VoiceTimeout     time.Duration // default: 8s
	ContextLimit     int           // default: 25
	StanceSimilarity float64       // default: 0.8
	ConfidenceCap    float64       // default: 2.0
	RecordDecisions  bool          // default: false
	VoicesFile       string        // YAML voice table; defaults used when empty
}

// EngineConfig contains worker pool and store settings.
type EngineConfig struct {
	Workers       int           // default: 8
	QueueSize     int           // default: 256
	AppendTimeout time.Duration // default: 5s
}

// BackupConfig contains backup configuration.
type BackupConfig struct {
	BackupEnabled          bool          // Enable automatic backups (default: false)
	BackupInterval         time.Duration // Backup interval duration (default: 24h)
	BackupPath             string        // Path to backup directory (default: ./backups)
	BackupRetentionHourly  int           // Number of hourly backups to keep (default: 24)
	BackupRetentionDaily   int           // Number of daily backups to keep (default: 7)
	BackupRetentionWeekly  int           // Number of weekly backups to keep (default: 4)
	BackupRetentionMonthly int           // Number of monthly backups to keep (default: 12)
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string // debug, info, warn, error (default: info)
	Format string // console or json (default: console)
}

// LoadConfig loads configuration from environment variables with sensible
// defaults and validates the result.
func LoadConfig() (*Config, error) {
	cfg := buildBaseConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch c.Storage.StorageEngine {
	case "jsonfile", "sqlite", "postgres", "memory":
	default:
		return errors.Newf("config: unknown storage engine %q", c.Storage.StorageEngine)
	}
	if c.Storage.StorageEngine == "postgres" && c.Storage.PostgresDSN == "" {
		return errors.New("config: CONCLAVE_POSTGRES_DSN is required for the postgres engine")
	}
	switch c.LLM.LLMProvider {
	case "ollama", "openai", "anthropic":
	default:
		return errors.Newf("config: unknown LLM provider %q", c.LLM.LLMProvider)
	}
	if c.Gateway.MatchThreshold <= 0 || c.Gateway.MatchThreshold > 1 {
		return errors.Newf("config: match threshold must be in (0,1], got %v", c.Gateway.MatchThreshold)
	}
	if c.Council.StanceSimilarity <= 0 || c.Council.StanceSimilarity > 1 {
		return errors.Newf("config: stance similarity must be in (0,1], got %v", c.Council.StanceSimilarity)
	}
	if c.Council.ConfidenceCap < 1 {
		return errors.Newf("config: confidence cap must be at least 1, got %v", c.Council.ConfidenceCap)
	}
	if c.Council.Deadline <= 0 {
		return errors.New("config: council deadline must be positive")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return errors.Newf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

// buildBaseConfig constructs a Config with values from environment variables
// and defaults.
func buildBaseConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      getEnvInt("CONCLAVE_PORT", 6464),
			Host:      getEnv("CONCLAVE_HOST", "127.0.0.1"),
			RateLimit: getEnvFloat("CONCLAVE_RATE_LIMIT", 20),
			RateBurst: getEnvInt("CONCLAVE_RATE_BURST", 40),
			APIToken:  getEnv("CONCLAVE_API_TOKEN", ""),
		},
		Storage: StorageConfig{
			StorageEngine: getEnv("CONCLAVE_STORAGE_ENGINE", "jsonfile"),
			DataPath:      getEnv("CONCLAVE_DATA_PATH", "./data"),
			PostgresDSN:   getEnv("CONCLAVE_POSTGRES_DSN", ""),
			CompactEvery:  getEnvInt("CONCLAVE_COMPACT_EVERY", 500),
		},
		LLM: LLMConfig{
			LLMProvider: getEnv("CONCLAVE_LLM_PROVIDER", "ollama"),
			BaseURL:     getEnv("CONCLAVE_LLM_URL", ""),
			Model:       getEnv("CONCLAVE_LLM_MODEL", ""),
			APIKey:      getEnv("CONCLAVE_LLM_API_KEY", ""),
			Timeout:     getEnvDuration("CONCLAVE_LLM_TIMEOUT", 30*time.Second),
		},
		Gateway: GatewayConfig{
			DedupWindow:    getEnvDuration("CONCLAVE_DEDUP_WINDOW", 5*time.Minute),
			MatchThreshold: getEnvFloat("CONCLAVE_MATCH_THRESHOLD", 0.85),
			MaxBodyLength:  getEnvInt("CONCLAVE_MAX_BODY_LENGTH", 4000),
			DetectMentions: getEnvBool("CONCLAVE_DETECT_MENTIONS", true),
			RedisURL:       getEnv("CONCLAVE_REDIS_URL", ""),
		},
		Index: IndexConfig{
			EntityWindow:   getEnvInt("CONCLAVE_ENTITY_WINDOW", 20),
			VerifyInterval: getEnvDuration("CONCLAVE_INDEX_VERIFY_INTERVAL", 10*time.Minute),
		},
		Council: CouncilConfig{
			Deadline:         getEnvDuration("CONCLAVE_COUNCIL_DEADLINE", 10*time.Second),
			VoiceTimeout:     getEnvDuration("CONCLAVE_VOICE_TIMEOUT", 8*time.Second),
			ContextLimit:     getEnvInt("CONCLAVE_CONTEXT_LIMIT", 25),
			StanceSimilarity: getEnvFloat("CONCLAVE_STANCE_SIMILARITY", 0.8),
			ConfidenceCap:    getEnvFloat("CONCLAVE_CONFIDENCE_CAP", 2.0),
			RecordDecisions:  getEnvBool("CONCLAVE_RECORD_DECISIONS", false),
			VoicesFile:       getEnv("CONCLAVE_VOICES_FILE", ""),
		},
		Engine: EngineConfig{
			Workers:       getEnvInt("CONCLAVE_WORKERS", 8),
			QueueSize:     getEnvInt("CONCLAVE_QUEUE_SIZE", 256),
			AppendTimeout: getEnvDuration("CONCLAVE_APPEND_TIMEOUT", 5*time.Second),
		},
		Backup: BackupConfig{
			BackupEnabled:          getEnvBool("CONCLAVE_BACKUP_ENABLED", false),
			BackupInterval:         getEnvDuration("CONCLAVE_BACKUP_INTERVAL", 24*time.Hour),
			BackupPath:             getEnv("CONCLAVE_BACKUP_PATH", "./backups"),
			BackupRetentionHourly:  getEnvInt("CONCLAVE_BACKUP_RETENTION_HOURLY", 24),
			BackupRetentionDaily:   getEnvInt("CONCLAVE_BACKUP_RETENTION_DAILY", 7),
			BackupRetentionWeekly:  getEnvInt("CONCLAVE_BACKUP_RETENTION_WEEKLY", 4),
			BackupRetentionMonthly: getEnvInt("CONCLAVE_BACKUP_RETENTION_MONTHLY", 12),
		},
		Log: LogConfig{
			Level:  getEnv("CONCLAVE_LOG_LEVEL", "info"),
			Format: getEnv("CONCLAVE_LOG_FORMAT", "console"),
		},
	}
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration (e.g. "90s", "5m") or returns a default
// value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
// If the environment variable exists but cannot be parsed as a boolean,
// it returns the default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}
