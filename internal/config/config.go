// Package config handles configuration loading, validation, and management for xccmsync.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 1

// EnvPrefix prefixes every environment override.
const EnvPrefix = "XCCMSYNC_"

// Config holds the complete agent configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Storage selects the durable backends behind the write-ahead log.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// WAL retention and replay.
	WAL WALConfig `toml:"wal" json:"wal" yaml:"wal"`

	// Save controls the debounced save queue.
	Save SaveConfig `toml:"save" json:"save" yaml:"save"`

	// Prefetch controls the speculative content cache.
	Prefetch PrefetchConfig `toml:"prefetch" json:"prefetch" yaml:"prefetch"`

	// Reconnect controls collaboration transport backoff.
	Reconnect ReconnectConfig `toml:"reconnect" json:"reconnect" yaml:"reconnect"`

	// History controls undo/redo depth.
	History HistoryConfig `toml:"history" json:"history" yaml:"history"`

	// Remote persistence API.
	Remote RemoteConfig `toml:"remote" json:"remote" yaml:"remote"`

	// Collab is the live collaboration transport.
	Collab CollabConfig `toml:"collab" json:"collab" yaml:"collab"`

	// Bridge is the local HTTP API used by the editor surface.
	Bridge BridgeConfig `toml:"bridge" json:"bridge" yaml:"bridge"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Type is the primary backend: "sqlite", "badger", "redis", "file" or "memory".
	Type string `toml:"type" json:"type" yaml:"type"`

	// Fallback is used when the primary is unavailable: "file", "redis", "memory" or "none".
	Fallback string `toml:"fallback" json:"fallback" yaml:"fallback"`

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `toml:"sqlite_path" json:"sqlite_path" yaml:"sqlite_path"`

	// BadgerDir is the directory for the badger backend.
	BadgerDir string `toml:"badger_dir" json:"badger_dir" yaml:"badger_dir"`

	// FilePath is the append-only record file for the file backend.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// RedisURL is a redis:// URL for the redis backend.
	RedisURL string `toml:"redis_url" json:"redis_url" yaml:"redis_url"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// WALConfig holds write-ahead log retention configuration.
type WALConfig struct {
	// RetentionHours is how long synced entries are kept before purging.
	RetentionHours int `toml:"retention_hours" json:"retention_hours" yaml:"retention_hours"`

	// PurgeIntervalSec is how often the janitor runs. 0 disables it.
	PurgeIntervalSec int `toml:"purge_interval_sec" json:"purge_interval_sec" yaml:"purge_interval_sec"`

	// ReplayOnStart pushes unsynced entries to the remote at startup.
	ReplayOnStart bool `toml:"replay_on_start" json:"replay_on_start" yaml:"replay_on_start"`
}

// SaveConfig holds save queue configuration.
type SaveConfig struct {
	// DebounceMs is the quiet period before an autosave fires.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`

	// TransitionMs is how long content changes are dropped after a
	// document switch unless the editor acknowledges the switch first.
	TransitionMs int `toml:"transition_ms" json:"transition_ms" yaml:"transition_ms"`

	// TimeoutMs bounds each remote save.
	TimeoutMs int `toml:"timeout_ms" json:"timeout_ms" yaml:"timeout_ms"`

	// SkipUnchanged avoids remote writes whose content matches the last ack.
	SkipUnchanged bool `toml:"skip_unchanged" json:"skip_unchanged" yaml:"skip_unchanged"`
}

// PrefetchConfig holds prefetch cache configuration.
type PrefetchConfig struct {
	MaxEntries int  `toml:"max_entries" json:"max_entries" yaml:"max_entries"`
	TTLSec     int  `toml:"ttl_sec" json:"ttl_sec" yaml:"ttl_sec"`
	Neighbors  bool `toml:"neighbors" json:"neighbors" yaml:"neighbors"`
}

// ReconnectConfig holds backoff configuration.
type ReconnectConfig struct {
	InitialDelayMs int `toml:"initial_delay_ms" json:"initial_delay_ms" yaml:"initial_delay_ms"`
	MaxDelayMs     int `toml:"max_delay_ms" json:"max_delay_ms" yaml:"max_delay_ms"`
	MaxRetries     int `toml:"max_retries" json:"max_retries" yaml:"max_retries"`
	MaxJitterMs    int `toml:"max_jitter_ms" json:"max_jitter_ms" yaml:"max_jitter_ms"`
}

// HistoryConfig holds undo/redo configuration.
type HistoryConfig struct {
	MaxSize int `toml:"max_size" json:"max_size" yaml:"max_size"`
}

// RemoteConfig holds remote persistence configuration.
type RemoteConfig struct {
	// Type is "http" or "postgres".
	Type string `toml:"type" json:"type" yaml:"type"`

	BaseURL   string  `toml:"base_url" json:"base_url" yaml:"base_url"`
	Token     string  `toml:"token" json:"token" yaml:"token"`
	TimeoutMs int     `toml:"timeout_ms" json:"timeout_ms" yaml:"timeout_ms"`
	RateLimit float64 `toml:"rate_limit" json:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `toml:"rate_burst" json:"rate_burst" yaml:"rate_burst"`

	// PostgresDSN is used when Type is "postgres".
	PostgresDSN string `toml:"postgres_dsn" json:"postgres_dsn" yaml:"postgres_dsn"`
}

// CollabConfig holds collaboration transport configuration.
type CollabConfig struct {
	Enabled            bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	URL                string `toml:"url" json:"url" yaml:"url"`
	PingIntervalSec    int    `toml:"ping_interval_sec" json:"ping_interval_sec" yaml:"ping_interval_sec"`
	HandshakeTimeoutMs int    `toml:"handshake_timeout_ms" json:"handshake_timeout_ms" yaml:"handshake_timeout_ms"`
}

// BridgeConfig holds the local HTTP bridge configuration.
type BridgeConfig struct {
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `toml:"level" json:"level" yaml:"level"`
	Format     string `toml:"format" json:"format" yaml:"format"`
	Output     string `toml:"output" json:"output" yaml:"output"`
	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dataDir := DataDir()
	return &Config{
		Version: Version,
		Storage: StorageConfig{
			Type:          "sqlite",
			Fallback:      "file",
			SQLitePath:    filepath.Join(dataDir, "wal.db"),
			BadgerDir:     filepath.Join(dataDir, "badger"),
			FilePath:      filepath.Join(dataDir, "wal.log"),
			BusyTimeoutMs: 5000,
		},
		WAL: WALConfig{
			RetentionHours:   24 * 7,
			PurgeIntervalSec: 3600,
			ReplayOnStart:    true,
		},
		Save: SaveConfig{
			DebounceMs:    1500,
			TransitionMs:  50,
			TimeoutMs:     15000,
			SkipUnchanged: true,
		},
		Prefetch: PrefetchConfig{
			MaxEntries: 50,
			TTLSec:     300,
			Neighbors:  true,
		},
		Reconnect: ReconnectConfig{
			InitialDelayMs: 1000,
			MaxDelayMs:     30000,
			MaxRetries:     10,
			MaxJitterMs:    1000,
		},
		History: HistoryConfig{
			MaxSize: 100,
		},
		Remote: RemoteConfig{
			Type:      "http",
			BaseURL:   "http://localhost:8080",
			TimeoutMs: 15000,
			RateLimit: 20,
			RateBurst: 10,
		},
		Collab: CollabConfig{
			Enabled:            false,
			URL:                "ws://localhost:1234/collab",
			PingIntervalSec:    15,
			HandshakeTimeoutMs: 5000,
		},
		Bridge: BridgeConfig{
			ListenAddr: "127.0.0.1:7431",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "xccmsync.log"),
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// DataDir returns the base data directory.
// XCCMSYNC_DATA_DIR overrides the platform default.
func DataDir() string {
	if envDir := os.Getenv(EnvPrefix + "DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// decode parses data into cfg according to the file extension.
func decode(path string, data []byte, cfg *Config) error {
	switch filepath.Ext(path) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("decode config (unknown format): %w", err)
		}
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the configured backends write to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{filepath.Dir(c.Logging.FilePath)}
	for _, kind := range []string{c.Storage.Type, c.Storage.Fallback} {
		switch kind {
		case "sqlite":
			dirs = append(dirs, filepath.Dir(c.Storage.SQLitePath))
		case "badger":
			dirs = append(dirs, c.Storage.BadgerDir)
		case "file":
			dirs = append(dirs, filepath.Dir(c.Storage.FilePath))
		}
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with XCCMSYNC_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	envString(EnvPrefix+"STORAGE_TYPE", &c.Storage.Type)
	envString(EnvPrefix+"STORAGE_FALLBACK", &c.Storage.Fallback)
	envString(EnvPrefix+"SQLITE_PATH", &c.Storage.SQLitePath)
	envString(EnvPrefix+"BADGER_DIR", &c.Storage.BadgerDir)
	envString(EnvPrefix+"WAL_FILE", &c.Storage.FilePath)
	envString(EnvPrefix+"REDIS_URL", &c.Storage.RedisURL)

	envInt(EnvPrefix+"WAL_RETENTION_HOURS", &c.WAL.RetentionHours)
	envInt(EnvPrefix+"SAVE_DEBOUNCE_MS", &c.Save.DebounceMs)
	envInt(EnvPrefix+"SAVE_TIMEOUT_MS", &c.Save.TimeoutMs)
	envInt(EnvPrefix+"PREFETCH_MAX_ENTRIES", &c.Prefetch.MaxEntries)
	envInt(EnvPrefix+"RECONNECT_MAX_RETRIES", &c.Reconnect.MaxRetries)
	envInt(EnvPrefix+"HISTORY_MAX_SIZE", &c.History.MaxSize)

	// Credentials are expected from the environment rather than the file.
	envString(EnvPrefix+"REMOTE_TYPE", &c.Remote.Type)
	envString(EnvPrefix+"REMOTE_URL", &c.Remote.BaseURL)
	envString(EnvPrefix+"REMOTE_TOKEN", &c.Remote.Token)
	envString(EnvPrefix+"POSTGRES_DSN", &c.Remote.PostgresDSN)

	envString(EnvPrefix+"COLLAB_URL", &c.Collab.URL)
	if v := os.Getenv(EnvPrefix + "COLLAB_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Collab.Enabled = b
		}
	}
	envString(EnvPrefix+"LISTEN_ADDR", &c.Bridge.ListenAddr)

	envString(EnvPrefix+"LOG_LEVEL", &c.Logging.Level)
	envString(EnvPrefix+"LOG_FORMAT", &c.Logging.Format)
	envString(EnvPrefix+"LOG_PATH", &c.Logging.FilePath)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return &Config{
		Version:   c.Version,
		Storage:   c.Storage,
		WAL:       c.WAL,
		Save:      c.Save,
		Prefetch:  c.Prefetch,
		Reconnect: c.Reconnect,
		History:   c.History,
		Remote:    c.Remote,
		Collab:    c.Collab,
		Bridge:    c.Bridge,
		Logging:   c.Logging,
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Debounce returns the autosave quiet period.
func (s SaveConfig) Debounce() time.Duration { return ms(s.DebounceMs) }

// Transition returns the switch lock duration.
func (s SaveConfig) Transition() time.Duration { return ms(s.TransitionMs) }

// Timeout returns the per-save remote timeout.
func (s SaveConfig) Timeout() time.Duration { return ms(s.TimeoutMs) }

// TTL returns the prefetch entry lifetime.
func (p PrefetchConfig) TTL() time.Duration { return time.Duration(p.TTLSec) * time.Second }

// InitialDelay returns the base backoff delay.
func (r ReconnectConfig) InitialDelay() time.Duration { return ms(r.InitialDelayMs) }

// MaxDelay returns the backoff ceiling.
func (r ReconnectConfig) MaxDelay() time.Duration { return ms(r.MaxDelayMs) }

// MaxJitter returns the upper bound of the random addend.
func (r ReconnectConfig) MaxJitter() time.Duration { return ms(r.MaxJitterMs) }

// Retention returns how long synced entries are kept.
func (w WALConfig) Retention() time.Duration { return time.Duration(w.RetentionHours) * time.Hour }

// PurgeInterval returns the janitor period.
func (w WALConfig) PurgeInterval() time.Duration {
	return time.Duration(w.PurgeIntervalSec) * time.Second
}

// Timeout returns the remote HTTP timeout.
func (r RemoteConfig) Timeout() time.Duration { return ms(r.TimeoutMs) }

// PingInterval returns the websocket ping period.
func (c CollabConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSec) * time.Second
}

// HandshakeTimeout returns the websocket dial timeout.
func (c CollabConfig) HandshakeTimeout() time.Duration { return ms(c.HandshakeTimeoutMs) }
