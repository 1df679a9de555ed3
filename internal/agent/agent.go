// Package agent wires the persistence and collaboration layer together.
//
// An Agent owns the write-ahead log, the remote, the save guard, the undo
// history, the prefetch caches and the collaboration supervisor. The local
// bridge and the CLI talk only to the Agent.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"xccmsync/internal/collab"
	"xccmsync/internal/config"
	"xccmsync/internal/health"
	"xccmsync/internal/history"
	"xccmsync/internal/logging"
	"xccmsync/internal/metrics"
	"xccmsync/internal/prefetch"
	"xccmsync/internal/reconnect"
	"xccmsync/internal/remote"
	"xccmsync/internal/savequeue"
	"xccmsync/internal/store"
	"xccmsync/internal/wal"
)

// ErrCollabDisabled is returned by collaboration operations when the
// transport is not configured.
var ErrCollabDisabled = errors.New("agent: collaboration disabled")

// maxHealthyBacklog is the unsynced count above which the wal component
// reports degraded.
const maxHealthyBacklog = 1000

// structureCacheSize bounds the number of project trees kept.
const structureCacheSize = 8

// Options configures an Agent. Log, Remote and Metrics are built from
// Config when nil.
type Options struct {
	Config  *config.Config
	Logger  *logging.Logger
	Log     *wal.Log
	Remote  remote.Remote
	Metrics *metrics.Metrics

	// OnStatus observes every save outcome after the agent has handled it.
	OnStatus func(savequeue.Status)
}

// Agent is safe for concurrent use.
type Agent struct {
	logger  *logging.Logger
	log     *wal.Log
	remote  remote.Remote
	guard   *savequeue.Guard
	history *history.History
	content *prefetch.Cache[string]
	trees   *prefetch.Cache[*remote.Tree]
	janitor *wal.Janitor
	collab  *collab.Supervisor
	metrics *metrics.Metrics
	health  *health.Checker

	onStatus func(savequeue.Status)

	cfgMu sync.RWMutex
	cfg   *config.Config

	recoverMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds an Agent. Nothing runs until Start.
func New(ctx context.Context, opts Options) (*Agent, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	log := opts.Log
	if log == nil {
		var err error
		log, err = store.NewLog(cfg.Storage, wal.Options{
			Logger:     logger,
			OnDegraded: m.SetDegraded,
		})
		if err != nil {
			return nil, fmt.Errorf("open wal storage: %w", err)
		}
	}

	rem := opts.Remote
	if rem == nil {
		var err error
		rem, err = remote.New(ctx, cfg.Remote, logger)
		if err != nil {
			log.Close()
			return nil, fmt.Errorf("open remote: %w", err)
		}
	}

	actx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		logger:   logger.WithComponent("agent"),
		log:      log,
		remote:   rem,
		history:  history.New(cfg.History.MaxSize),
		metrics:  m,
		health:   health.NewChecker(),
		onStatus: opts.OnStatus,
		cfg:      cfg,
		ctx:      actx,
		cancel:   cancel,
	}

	guard, err := savequeue.New(savequeue.Options{
		Log:             log,
		Saver:           rem,
		Debounce:        cfg.Save.Debounce(),
		TransitionDelay: cfg.Save.Transition(),
		SaveTimeout:     cfg.Save.Timeout(),
		SkipUnchanged:   cfg.Save.SkipUnchanged,
		OnStatus:        a.handleStatus,
		Logger:          logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	a.guard = guard

	a.content = prefetch.New[string](
		prefetch.WithMaxEntries(cfg.Prefetch.MaxEntries),
		prefetch.WithTTL(cfg.Prefetch.TTL()),
		prefetch.WithObserver(m.Prefetch),
		prefetch.WithLogger(logger),
	)
	a.trees = prefetch.New[*remote.Tree](
		prefetch.WithMaxEntries(structureCacheSize),
		prefetch.WithTTL(cfg.Prefetch.TTL()),
		prefetch.WithLogger(logger),
	)
	a.janitor = wal.NewJanitor(log, cfg.WAL.PurgeInterval(), cfg.WAL.Retention())

	if cfg.Collab.Enabled {
		a.collab = collab.NewSupervisor(
			collab.NewTransport(collab.TransportConfig{
				URL:              cfg.Collab.URL,
				HandshakeTimeout: cfg.Collab.HandshakeTimeout(),
				PingInterval:     cfg.Collab.PingInterval(),
				Logger:           logger,
			}),
			collab.SupervisorOptions{
				Reconnect: reconnect.Options{
					InitialDelay: cfg.Reconnect.InitialDelay(),
					MaxDelay:     cfg.Reconnect.MaxDelay(),
					MaxJitter:    cfg.Reconnect.MaxJitter(),
					MaxRetries:   cfg.Reconnect.MaxRetries,
					OnAttempt:    func(int) { m.ReconnectAttempt() },
				},
				OnRecovered: a.recover,
				OnFailed:    func(error) { m.ReconnectExhausted() },
				Logger:      logger,
			},
		)
	}

	a.registerHealth()
	return a, nil
}

func (a *Agent) registerHealth() {
	a.health.RegisterFunc("wal", true, health.WALCheck(a.log, maxHealthyBacklog))
	if p, ok := a.remote.(store.Pinger); ok {
		a.health.RegisterFunc("remote", false, health.PingCheck("remote", p.Ping))
	}
	if a.collab != nil {
		a.health.RegisterFunc("collab", false, health.ConnectionCheck(a.collab))
	}
}

// Start replays unsynced changes, starts the janitor and connects the
// collaboration transport. A failed replay is logged and left for later.
func (a *Agent) Start(ctx context.Context) error {
	if a.config().WAL.ReplayOnStart {
		if n, err := a.Replay(ctx); err != nil {
			a.logger.Warn("startup replay incomplete", "settled", n, "error", err)
		}
	}
	a.refreshUnsynced()
	a.janitor.Start(a.ctx)
	if a.collab != nil {
		a.collab.Start(ctx)
	}
	a.health.SetReady(true)
	a.logger.Info("agent started", "degraded", a.log.Degraded())
	return nil
}

// Stop flushes pending saves and releases every resource. Content that
// could not be saved stays in the WAL for the next start.
func (a *Agent) Stop(ctx context.Context) error {
	a.health.SetReady(false)
	var errs []error
	if err := a.guard.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}
	a.guard.Close()
	a.janitor.Stop()
	if a.collab != nil {
		a.collab.Stop()
	}
	a.cancel()
	if err := a.remote.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close remote: %w", err))
	}
	if err := a.log.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close wal: %w", err))
	}
	a.logger.Info("agent stopped")
	return errors.Join(errs...)
}

// recover runs after the collaboration link comes back: failed saves are
// retried and orphaned WAL entries pushed.
func (a *Agent) recover() {
	a.recoverMu.Lock()
	defer a.recoverMu.Unlock()

	ctx, cancel := context.WithTimeout(a.ctx, 2*time.Minute)
	defer cancel()
	if err := a.guard.Flush(ctx); err != nil {
		a.logger.Warn("flush after reconnect failed", "error", err)
	}
	if _, err := a.Replay(ctx); err != nil {
		a.logger.Warn("replay after reconnect failed", "error", err)
	}
}

// Replay pushes unsynced WAL entries the guard does not own.
func (a *Agent) Replay(ctx context.Context) (int, error) {
	r := &Replayer{
		Log:     a.log,
		Saver:   a.remote,
		Owned:   a.guard.Owns,
		Resolve: a.guard.Context,
		Logger:  a.logger,
	}
	n, err := r.Run(ctx)
	a.refreshUnsynced()
	return n, err
}

func (a *Agent) refreshUnsynced() {
	n, err := a.log.UnsyncedCount(a.ctx)
	if err != nil {
		return
	}
	a.metrics.SetUnsynced(n)
}

func (a *Agent) config() *config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// ApplyConfig applies the live-tunable parts of cfg: save timings, cache
// bounds, history depth and reconnect backoff. Storage, remote and collab
// endpoints need a restart.
func (a *Agent) ApplyConfig(cfg *config.Config) {
	a.cfgMu.Lock()
	a.cfg = cfg
	a.cfgMu.Unlock()

	a.guard.Configure(cfg.Save.Debounce(), cfg.Save.Transition(), cfg.Save.Timeout())
	a.content.Resize(cfg.Prefetch.MaxEntries, cfg.Prefetch.TTL())
	a.trees.Resize(structureCacheSize, cfg.Prefetch.TTL())
	a.history.SetMaxSize(cfg.History.MaxSize)
	if a.collab != nil {
		a.collab.Controller().Configure(
			cfg.Reconnect.InitialDelay(), cfg.Reconnect.MaxDelay(),
			cfg.Reconnect.MaxJitter(), cfg.Reconnect.MaxRetries,
		)
	}
	a.logger.Info("configuration applied")
}

// Health returns the health checker.
func (a *Agent) Health() *health.Checker { return a.health }

// Metrics returns the collectors.
func (a *Agent) Metrics() *metrics.Metrics { return a.metrics }

// Log returns the write-ahead log.
func (a *Agent) Log() *wal.Log { return a.log }

// Guard returns the save guard.
func (a *Agent) Guard() *savequeue.Guard { return a.guard }

// History returns the undo history.
func (a *Agent) History() *history.History { return a.history }
