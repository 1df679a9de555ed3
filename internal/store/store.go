// Package store provides the durable backends behind the write-ahead log:
// SQLite (the default primary), BadgerDB, Redis, plus a factory that picks
// primary and fallback from configuration.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"xccmsync/internal/config"
	"xccmsync/internal/logging"
	"xccmsync/internal/wal"
)

// ErrUnknownBackend is returned for an unrecognized storage type.
var ErrUnknownBackend = errors.New("store: unknown backend type")

// Pinger is implemented by backends that can report liveness cheaply.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Open creates the primary and fallback backends named by cfg. The fallback
// is nil when cfg.Fallback is "none" or empty.
//
// A primary that cannot be opened is fatal only without a fallback.
// Otherwise it is replaced by a stand-in that keeps retrying the open, and
// Unavailable reports the cause; the log then starts on the fallback.
func Open(cfg config.StorageConfig, logger *logging.Logger) (primary, fallback wal.Backend, err error) {
	hasFallback := cfg.Fallback != "" && cfg.Fallback != "none"
	if hasFallback {
		fallback, err = openBackend(cfg.Fallback, cfg, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open fallback %s: %w", cfg.Fallback, err)
		}
	}
	primary, err = openBackend(cfg.Type, cfg, logger)
	if err == nil {
		return primary, fallback, nil
	}
	if !hasFallback || errors.Is(err, ErrUnknownBackend) {
		if fallback != nil {
			fallback.Close()
		}
		return nil, nil, fmt.Errorf("open primary %s: %w", cfg.Type, err)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	logger.Warn("primary store unavailable at startup, using fallback",
		"primary", cfg.Type, "fallback", cfg.Fallback, "error", err)
	kind := cfg.Type
	primary = newDeferred(kind, func() (wal.Backend, error) {
		return openBackend(kind, cfg, logger)
	}, err)
	return primary, fallback, nil
}

// NewLog opens the configured backends and builds the write-ahead log over
// them, starting degraded when the primary is unavailable.
func NewLog(cfg config.StorageConfig, opts wal.Options) (*wal.Log, error) {
	primary, fallback, err := Open(cfg, opts.Logger)
	if err != nil {
		return nil, err
	}
	opts.Fallback = fallback
	opts.StartDegraded = Unavailable(primary) != nil
	return wal.New(primary, opts), nil
}

func openBackend(kind string, cfg config.StorageConfig, logger *logging.Logger) (wal.Backend, error) {
	switch kind {
	case "sqlite":
		return OpenSQLite(cfg.SQLitePath, time.Duration(cfg.BusyTimeoutMs)*time.Millisecond)
	case "badger":
		bc := DefaultBadgerConfig(cfg.BadgerDir)
		bc.Logger = logger
		return OpenBadger(bc)
	case "redis":
		return NewRedisBackend(cfg.RedisURL)
	case "file":
		return wal.OpenFile(cfg.FilePath)
	case "memory":
		return wal.NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, kind)
	}
}
