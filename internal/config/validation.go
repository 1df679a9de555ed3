package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is makes errors.Is(err, ErrInvalidConfig) hold for any validation failure.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 0 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateWAL(&c.WAL)...)
	errs = append(errs, validateSave(&c.Save)...)
	errs = append(errs, validatePrefetch(&c.Prefetch)...)
	errs = append(errs, validateReconnect(&c.Reconnect)...)
	errs = append(errs, validateHistory(&c.History)...)
	errs = append(errs, validateRemote(&c.Remote)...)
	errs = append(errs, validateCollab(&c.Collab)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if c.Bridge.ListenAddr == "" {
		errs = append(errs, *RequiredFieldError("bridge.listen_addr"))
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	switch s.Type {
	case "sqlite", "badger", "redis", "file", "memory":
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.type",
			Message: fmt.Sprintf("invalid storage type: %s (valid: sqlite, badger, redis, file, memory)", s.Type),
		})
	}

	switch s.Fallback {
	case "file", "redis", "memory", "none", "":
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.fallback",
			Message: fmt.Sprintf("invalid fallback: %s (valid: file, redis, memory, none)", s.Fallback),
		})
	}
	if s.Fallback != "" && s.Fallback != "none" && s.Fallback == s.Type {
		errs = append(errs, ValidationError{
			Field:   "storage.fallback",
			Message: "fallback must differ from the primary backend",
		})
	}

	need := map[string]bool{s.Type: true, s.Fallback: true}
	if need["sqlite"] && s.SQLitePath == "" {
		errs = append(errs, *RequiredFieldError("storage.sqlite_path"))
	}
	if need["badger"] && s.BadgerDir == "" {
		errs = append(errs, *RequiredFieldError("storage.badger_dir"))
	}
	if need["file"] && s.FilePath == "" {
		errs = append(errs, *RequiredFieldError("storage.file_path"))
	}
	if need["redis"] {
		if u, err := url.Parse(s.RedisURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			errs = append(errs, ValidationError{
				Field:   "storage.redis_url",
				Message: "a redis:// or rediss:// URL is required",
			})
		}
	}

	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.busy_timeout_ms",
			Message: "busy timeout cannot be negative",
		})
	}
	return errs
}

func validateWAL(w *WALConfig) ValidationErrors {
	var errs ValidationErrors

	if w.RetentionHours < 1 {
		errs = append(errs, ValidationError{
			Field:   "wal.retention_hours",
			Message: "retention hours must be at least 1",
		})
	}
	if w.PurgeIntervalSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "wal.purge_interval_sec",
			Message: "purge interval cannot be negative",
		})
	}
	return errs
}

func validateSave(s *SaveConfig) ValidationErrors {
	var errs ValidationErrors

	if s.DebounceMs < 0 || s.DebounceMs > 60000 {
		errs = append(errs, *RangeError("save.debounce_ms", 0, 60000))
	}
	if s.TransitionMs < 0 || s.TransitionMs > 5000 {
		errs = append(errs, *RangeError("save.transition_ms", 0, 5000))
	}
	if s.TimeoutMs < 100 {
		errs = append(errs, ValidationError{
			Field:   "save.timeout_ms",
			Message: "save timeout must be at least 100ms",
		})
	}
	return errs
}

func validatePrefetch(p *PrefetchConfig) ValidationErrors {
	var errs ValidationErrors

	if p.MaxEntries < 1 {
		errs = append(errs, ValidationError{
			Field:   "prefetch.max_entries",
			Message: "cache must hold at least one entry",
		})
	}
	if p.TTLSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "prefetch.ttl_sec",
			Message: "ttl must be at least 1 second",
		})
	}
	return errs
}

func validateReconnect(r *ReconnectConfig) ValidationErrors {
	var errs ValidationErrors

	if r.InitialDelayMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "reconnect.initial_delay_ms",
			Message: "initial delay must be positive",
		})
	}
	if r.MaxDelayMs < r.InitialDelayMs {
		errs = append(errs, ValidationError{
			Field:   "reconnect.max_delay_ms",
			Message: "max delay must be at least the initial delay",
		})
	}
	if r.MaxRetries < 1 {
		errs = append(errs, ValidationError{
			Field:   "reconnect.max_retries",
			Message: "max retries must be at least 1",
		})
	}
	if r.MaxJitterMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "reconnect.max_jitter_ms",
			Message: "jitter cannot be negative",
		})
	}
	return errs
}

func validateHistory(h *HistoryConfig) ValidationErrors {
	if h.MaxSize < 1 || h.MaxSize > 10000 {
		return ValidationErrors{*RangeError("history.max_size", 1, 10000)}
	}
	return nil
}

func validateRemote(r *RemoteConfig) ValidationErrors {
	var errs ValidationErrors

	switch r.Type {
	case "http":
		if !isValidURL(r.BaseURL) {
			errs = append(errs, ValidationError{
				Field:   "remote.base_url",
				Message: fmt.Sprintf("invalid URL: %s", r.BaseURL),
			})
		}
	case "postgres":
		if r.PostgresDSN == "" {
			errs = append(errs, *RequiredFieldError("remote.postgres_dsn"))
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "remote.type",
			Message: fmt.Sprintf("invalid remote type: %s (valid: http, postgres)", r.Type),
		})
	}

	if r.TimeoutMs < 100 {
		errs = append(errs, ValidationError{
			Field:   "remote.timeout_ms",
			Message: "timeout must be at least 100ms",
		})
	}
	if r.RateLimit < 0 {
		errs = append(errs, ValidationError{
			Field:   "remote.rate_limit",
			Message: "rate limit cannot be negative",
		})
	}
	return errs
}

func validateCollab(c *CollabConfig) ValidationErrors {
	if !c.Enabled {
		return nil
	}
	var errs ValidationErrors

	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, ValidationError{
			Field:   "collab.url",
			Message: fmt.Sprintf("invalid websocket URL: %s", c.URL),
		})
	}
	if c.PingIntervalSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "collab.ping_interval_sec",
			Message: "ping interval must be at least 1 second",
		})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	return errs
}

func isValidURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
