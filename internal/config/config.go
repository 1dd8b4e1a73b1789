// Package config provides configuration for the session sync service.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds the service configuration.
type Config struct {
	// Server settings
	HTTPPort int
	RPCPort  int

	// Storage
	DatabaseURL  string // durable archive
	EphemeralURL string // "memory" or a SQLite DSN

	// Upstream agent API
	AgentAPIURL  string
	AgentTimeout time.Duration

	// Polling
	PollInterval       time.Duration
	PollErrorThreshold int

	// Lifetimes
	SessionTTL    time.Duration
	PointerTTL    time.Duration
	StaleAfter    time.Duration
	SweepInterval time.Duration

	// Fanout
	SubscriberBuffer int
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	MaxMessageSize   int64

	// Policy
	ArchivePolicyFile string

	// Logging
	LogLevel string
}

// Debug reports whether verbose logging is enabled.
func (c *Config) Debug() bool {
	return strings.EqualFold(c.LogLevel, "debug")
}

var defaults = map[string]interface{}{
	"http_port":            8080,
	"rpc_port":             8082,
	"database_url":         "file:sessionsync.db?cache=shared&mode=rwc",
	"ephemeral_url":        "file:sessionsync-ephemeral.db?cache=shared&mode=rwc",
	"agent_api_url":        "http://localhost:4096",
	"agent_timeout_ms":     10000,
	"poll_interval_ms":     500,
	"poll_error_threshold": 5,
	"session_ttl_ms":       3600000,
	"pointer_ttl_ms":       3600000,
	"stale_after_ms":       300000,
	"sweep_interval_ms":    60000,
	"subscriber_buffer":    64,
	"ws_ping_interval_ms":  30000,
	"ws_write_timeout_ms":  10000,
	"ws_read_timeout_ms":   60000,
	"ws_max_message_size":  65536,
	"archive_policy_file":  "",
	"log_level":            "info",
}

// NewViper returns a viper instance with defaults and environment binding.
// Every key is read from the upper-cased environment variable of the same
// name, e.g. poll_interval_ms from POLL_INTERVAL_MS.
func NewViper() *viper.Viper {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.AutomaticEnv()
	return v
}

// Load loads configuration from environment variables.
func Load() *Config {
	return FromViper(NewViper())
}

// LoadFile loads configuration from an optional config file (TOML, YAML or
// JSON by extension) and environment variables; flags bound with BindFlags
// take precedence over both.
func LoadFile(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = NewViper()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return FromViper(v), nil
}

// BindFlags binds command line flags to config keys. Unknown flags are
// ignored.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	for flag, key := range keys {
		f := flags.Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}
	return nil
}

// FromViper builds a Config from v.
func FromViper(v *viper.Viper) *Config {
	ms := func(key string) time.Duration {
		return time.Duration(v.GetInt(key)) * time.Millisecond
	}
	return &Config{
		HTTPPort:           v.GetInt("http_port"),
		RPCPort:            v.GetInt("rpc_port"),
		DatabaseURL:        v.GetString("database_url"),
		EphemeralURL:       v.GetString("ephemeral_url"),
		AgentAPIURL:        v.GetString("agent_api_url"),
		AgentTimeout:       ms("agent_timeout_ms"),
		PollInterval:       ms("poll_interval_ms"),
		PollErrorThreshold: v.GetInt("poll_error_threshold"),
		SessionTTL:         ms("session_ttl_ms"),
		PointerTTL:         ms("pointer_ttl_ms"),
		StaleAfter:         ms("stale_after_ms"),
		SweepInterval:      ms("sweep_interval_ms"),
		SubscriberBuffer:   v.GetInt("subscriber_buffer"),
		PingInterval:       ms("ws_ping_interval_ms"),
		WriteTimeout:       ms("ws_write_timeout_ms"),
		ReadTimeout:        ms("ws_read_timeout_ms"),
		MaxMessageSize:     v.GetInt64("ws_max_message_size"),
		ArchivePolicyFile:  v.GetString("archive_policy_file"),
		LogLevel:           v.GetString("log_level"),
	}
}
