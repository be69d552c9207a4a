package driftsync

import (
	"os"
	"strconv"
	"time"

	"github.com/lucentapps/driftsync/internal/store"
)

// Config configures the driftsync client.
type Config struct {
	// LocalPath is the path to the local SQLite database.
	LocalPath string

	// RemoteURL is the base URL of the LedgerHub document API.
	// If empty, the client operates in offline-only mode: local writes
	// accumulate in the sync queue until a remote is configured.
	RemoteURL string

	// APIKey authenticates with LedgerHub.
	APIKey string

	// SourceID identifies this client instance in remote requests.
	// Defaults to hostname if not set.
	SourceID string

	// SyncInterval is how often the background loop runs a full sync.
	// Defaults to 5 minutes.
	SyncInterval time.Duration

	// AutoSync enables the background sync loop.
	AutoSync bool

	// MaxRetries bounds transient-failure retries per queue item.
	// Defaults to 3.
	MaxRetries int

	// QueueBatchSize caps how many queue items one drain processes.
	// Defaults to 100.
	QueueBatchSize int

	// ConflictRetention is the age after which resolved conflict records
	// are purged. Pending conflicts are never purged. Defaults to 30 days.
	ConflictRetention time.Duration

	// Debug enables verbose logging of all remote API communications.
	Debug bool

	// DebugLogPath is the path to write debug logs.
	// Defaults to stderr if empty.
	DebugLogPath string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	hostname, _ := os.Hostname()
	return Config{
		LocalPath:         store.DefaultDBPath(),
		SyncInterval:      DefaultSyncInterval,
		AutoSync:          true,
		MaxRetries:        DefaultMaxRetries,
		QueueBatchSize:    DefaultQueueBatchSize,
		ConflictRetention: DefaultConflictRetention,
		SourceID:          hostname,
	}
}

// ConfigFromEnv reads configuration from environment variables.
//
//	DRIFTSYNC_DB_PATH     → LocalPath
//	LEDGERHUB_URL         → RemoteURL
//	LEDGERHUB_API_KEY     → APIKey
//	DRIFTSYNC_SOURCE_ID   → SourceID
//	DRIFTSYNC_MAX_RETRIES → MaxRetries
//	DRIFTSYNC_DEBUG       → Debug (any non-empty value enables)
//	DRIFTSYNC_DEBUG_LOG   → DebugLogPath
func ConfigFromEnv() Config {
	cfg := Config{
		LocalPath:    os.Getenv("DRIFTSYNC_DB_PATH"),
		RemoteURL:    os.Getenv("LEDGERHUB_URL"),
		APIKey:       os.Getenv("LEDGERHUB_API_KEY"),
		SourceID:     os.Getenv("DRIFTSYNC_SOURCE_ID"),
		Debug:        os.Getenv("DRIFTSYNC_DEBUG") != "",
		DebugLogPath: os.Getenv("DRIFTSYNC_DEBUG_LOG"),
	}
	if v := os.Getenv("DRIFTSYNC_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxRetries = n
		}
	}
	return cfg
}

// Validate checks the configuration for errors.
// Returns *ValidationError for invalid fields.
func (c *Config) Validate() error {
	if c.LocalPath == "" {
		return &ValidationError{Field: "LocalPath", Message: "required: path to SQLite database"}
	}
	if c.RemoteURL != "" && c.APIKey == "" {
		return &ValidationError{Field: "APIKey", Message: "required when RemoteURL is set"}
	}
	if c.SyncInterval < 0 {
		return &ValidationError{Field: "SyncInterval", Message: "must be non-negative"}
	}
	if c.MaxRetries < 0 {
		return &ValidationError{Field: "MaxRetries", Message: "must be non-negative"}
	}
	if c.ConflictRetention < 0 {
		return &ValidationError{Field: "ConflictRetention", Message: "must be non-negative"}
	}
	return nil
}

// IsOffline returns true if the client operates in offline-only mode.
func (c *Config) IsOffline() bool {
	return c.RemoteURL == ""
}

// WithDefaults fills in default values for unset fields.
func (c Config) WithDefaults() Config {
	if c.LocalPath == "" {
		c.LocalPath = store.DefaultDBPath()
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.QueueBatchSize == 0 {
		c.QueueBatchSize = DefaultQueueBatchSize
	}
	if c.ConflictRetention == 0 {
		c.ConflictRetention = DefaultConflictRetention
	}
	if c.SourceID == "" {
		hostname, _ := os.Hostname()
		c.SourceID = hostname
	}
	return c
}
