package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Config holds sqlite connection settings for the default backing store.
type Config struct {
	DatabasePath    string        `json:"database_path" mapstructure:"path"`
	MaxConnections  int           `json:"max_connections" mapstructure:"max_connections"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
	// WriteRetryDelay is how long the writer waits before its single retry.
	WriteRetryDelay time.Duration `json:"write_retry_delay" mapstructure:"write_retry_delay"`
}

// DefaultConfig sizes the pool for a single-node deployment. Reads run
// concurrently under WAL; writes are serialized by the store's writer loop.
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:    "./data/mindbridge.db",
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		WriteRetryDelay: 5 * time.Second,
	}
}

func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return errors.New("database path cannot be empty")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be greater than 0")
	}
	if c.ConnMaxLifetime <= 0 {
		return errors.New("connection max lifetime must be greater than 0")
	}
	if c.ConnMaxIdleTime <= 0 {
		return errors.New("connection max idle time must be greater than 0")
	}
	if c.WriteRetryDelay < 0 {
		return errors.New("write retry delay cannot be negative")
	}
	return nil
}

// DSN returns the go-sqlite3 connection string for the configured file.
func (c *Config) DSN() string {
	return c.DatabasePath + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
}

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA cache_size = -64000",
	"PRAGMA temp_store = MEMORY",
	"PRAGMA foreign_keys = ON",
	"PRAGMA busy_timeout = 5000",
}

// ApplyPragmas tunes a freshly opened sqlite handle.
func ApplyPragmas(db *sql.DB) error {
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}
