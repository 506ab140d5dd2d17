package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Environment overrides, applied after the file.
const (
	EnvServerURL = "ENSEMBLE_SERVER_URL"
	EnvUsername  = "ENSEMBLE_USERNAME"
	EnvDBPath    = "ENSEMBLE_DB_PATH"
	EnvLogLevel  = "ENSEMBLE_LOG_LEVEL"
)

// Duration is a time.Duration written as a string ("500ms", "15s") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func duration(d time.Duration) Duration { return Duration{d} }

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Sync     SyncConfig     `toml:"sync"`
	Database DatabaseConfig `toml:"database"`
	Library  LibraryConfig  `toml:"library"`
	Logging  LoggingConfig  `toml:"logging"`
	Status   StatusConfig   `toml:"status"`
	Client   ClientConfig   `toml:"client"`
}

// ServerConfig describes the room server connection.
type ServerConfig struct {
	URL                  string   `toml:"url"`
	PingInterval         Duration `toml:"ping_interval"`
	DialTimeout          Duration `toml:"dial_timeout"`
	WriteTimeout         Duration `toml:"write_timeout"`
	InitialBackoff       Duration `toml:"initial_backoff"`
	MaxBackoff           Duration `toml:"max_backoff"`
	MaxReconnectAttempts int      `toml:"max_reconnect_attempts"`
	SessionGrace         Duration `toml:"session_grace"`
}

// SyncConfig holds playback synchronization timings.
type SyncConfig struct {
	PositionTolerance     Duration `toml:"position_tolerance"`
	EchoHold              Duration `toml:"echo_hold"`
	HeartbeatInterval     Duration `toml:"heartbeat_interval"`
	QueueDebounce         Duration `toml:"queue_debounce"`
	ReadyPollInterval     Duration `toml:"ready_poll_interval"`
	ReadyPollAttempts     int      `toml:"ready_poll_attempts"`
	BufferCompleteTimeout Duration `toml:"buffer_complete_timeout"`
}

// DatabaseConfig contains database-related configuration
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// LibraryConfig describes the local music library.
type LibraryConfig struct {
	Path             string   `toml:"path"`
	SupportedFormats []string `toml:"supported_formats"`
	WatchForChanges  bool     `toml:"watch_for_changes"`
	ScanOnStartup    bool     `toml:"scan_on_startup"`
	CacheTTL         Duration `toml:"cache_ttl"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// StatusConfig controls the local HTTP status surface.
type StatusConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    string `toml:"port"`
}

// ClientConfig holds per-user settings.
type ClientConfig struct {
	Username string `toml:"username"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			URL:                  "ws://localhost:8080/ws",
			PingInterval:         duration(25 * time.Second),
			DialTimeout:          duration(10 * time.Second),
			WriteTimeout:         duration(10 * time.Second),
			InitialBackoff:       duration(time.Second),
			MaxBackoff:           duration(30 * time.Second),
			MaxReconnectAttempts: 10,
			SessionGrace:         duration(10 * time.Minute),
		},
		Sync: SyncConfig{
			PositionTolerance:     duration(100 * time.Millisecond),
			EchoHold:              duration(200 * time.Millisecond),
			HeartbeatInterval:     duration(15 * time.Second),
			QueueDebounce:         duration(500 * time.Millisecond),
			ReadyPollInterval:     duration(100 * time.Millisecond),
			ReadyPollAttempts:     50,
			BufferCompleteTimeout: duration(10 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "./ensemble.db",
		},
		Library: LibraryConfig{
			Path:             "./music",
			SupportedFormats: []string{".flac", ".mp3", ".wav", ".m4a"},
			WatchForChanges:  true,
			ScanOnStartup:    true,
			CacheTTL:         duration(15 * time.Minute),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Status: StatusConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    "7070",
		},
	}
}

// LoadConfig loads configuration from a TOML file, creating it with defaults
// when missing. Variables from envPath (if it exists) and the process
// environment override file values.
func LoadConfig(configPath, envPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		if err := cfg.SaveToFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config file: %w", err)
		}
	} else if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envPath, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvServerURL); v != "" {
		c.Server.URL = v
	}
	if v := getenv(EnvUsername); v != "" {
		c.Client.Username = v
	}
	if v := getenv(EnvDBPath); v != "" {
		c.Database.Path = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// SaveToFile saves the configuration to a TOML file
func (c *Config) SaveToFile(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	header := `# Ensemble listening session client configuration.
# Durations use Go syntax, e.g. "500ms", "15s", "10m".

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write config header: %w", err)
	}

	if err := toml.NewEncoder(file).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server url cannot be empty")
	}
	if !strings.HasPrefix(c.Server.URL, "ws://") && !strings.HasPrefix(c.Server.URL, "wss://") {
		return fmt.Errorf("server url must use ws:// or wss://: %s", c.Server.URL)
	}
	if c.Server.MaxReconnectAttempts < 1 {
		return fmt.Errorf("server max reconnect attempts must be at least 1")
	}
	if c.Server.InitialBackoff.Duration <= 0 || c.Server.MaxBackoff.Duration < c.Server.InitialBackoff.Duration {
		return fmt.Errorf("server backoff must satisfy 0 < initial_backoff <= max_backoff")
	}

	positive := map[string]Duration{
		"sync position_tolerance":      c.Sync.PositionTolerance,
		"sync echo_hold":               c.Sync.EchoHold,
		"sync queue_debounce":          c.Sync.QueueDebounce,
		"sync ready_poll_interval":     c.Sync.ReadyPollInterval,
		"sync buffer_complete_timeout": c.Sync.BufferCompleteTimeout,
	}
	for name, d := range positive {
		if d.Duration <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Sync.HeartbeatInterval.Duration < 0 {
		return fmt.Errorf("sync heartbeat_interval cannot be negative")
	}
	if c.Sync.ReadyPollAttempts < 1 {
		return fmt.Errorf("sync ready_poll_attempts must be at least 1")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	if len(c.Library.SupportedFormats) == 0 {
		return fmt.Errorf("at least one supported audio format must be specified")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	validLogFormats := map[string]bool{
		"text": true, "json": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	if c.Status.Enabled {
		if c.Status.Host == "" {
			return fmt.Errorf("status host cannot be empty")
		}
		if _, err := strconv.Atoi(c.Status.Port); err != nil {
			return fmt.Errorf("invalid status port: %s", c.Status.Port)
		}
	}
	return nil
}

// StatusAddress returns the status surface listen address.
func (c *Config) StatusAddress() string {
	return c.Status.Host + ":" + c.Status.Port
}
