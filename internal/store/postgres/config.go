package postgres

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the Postgres connection configuration for the database-backed
// store. Shape and defaulting/validation style are grounded on
// jordigilh-kubernaut's internal/database.Config (DefaultConfig /
// LoadFromEnv / Validate / ConnectionString / Connect).
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// IsolationLevel controls the transaction isolation used by WithTx.
	// "read_committed" (default, relies on explicit row locks per §4.1) or
	// "serializable".
	IsolationLevel string
}

// DefaultConfig returns the baseline configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            5432,
		User:            "workorder",
		Database:        "workorder",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		IsolationLevel:  "read_committed",
	}
}

// LoadFromEnv overlays WORKORDER_DB_* environment variables onto c.
// Malformed numeric values are ignored, leaving the existing value in place.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("WORKORDER_DB_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("WORKORDER_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("WORKORDER_DB_USER"); v != "" {
		c.User = v
	}
	if v := os.Getenv("WORKORDER_DB_PASSWORD"); v != "" {
		c.Password = v
	}
	if v := os.Getenv("WORKORDER_DB_NAME"); v != "" {
		c.Database = v
	}
	if v := os.Getenv("WORKORDER_DB_SSL_MODE"); v != "" {
		c.SSLMode = v
	}
}

// Validate checks that c describes a usable connection.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("database port must be between 1 and 65535, got %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("database user is required")
	}
	if c.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if c.MaxOpenConns <= 0 {
		return fmt.Errorf("max open connections must be greater than 0")
	}
	if c.MaxIdleConns < 0 {
		return fmt.Errorf("max idle connections must be non-negative")
	}
	switch c.IsolationLevel {
	case "read_committed", "serializable":
	default:
		return fmt.Errorf("unsupported isolation level: %s", c.IsolationLevel)
	}
	return nil
}

// ConnectionString renders c as a libpq connection string.
func (c *Config) ConnectionString() string {
	s := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Database, c.SSLMode)
	if c.Password != "" {
		s += fmt.Sprintf(" password=%s", c.Password)
	}
	return s
}
