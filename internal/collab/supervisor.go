package collab

import (
	"context"
	"sync"
	"sync/atomic"

	"xccmsync/internal/logging"
	"xccmsync/internal/reconnect"
)

// SupervisorOptions configures a Supervisor.
type SupervisorOptions struct {
	Reconnect reconnect.Options

	// OnRecovered runs after a reconnect attempt brings the transport back.
	OnRecovered func()
	// OnFailed runs once when the controller gives up.
	OnFailed func(error)

	Logger *logging.Logger
}

// Supervisor restarts a dropped Transport through a reconnect.Controller.
type Supervisor struct {
	transport *Transport
	ctrl      *reconnect.Controller
	logger    *logging.Logger

	onRecovered func()
	onFailed    func(error)

	failed  atomic.Bool
	stopped atomic.Bool

	mu      sync.Mutex
	lastErr error
}

// NewSupervisor binds t to a new reconnect controller.
func NewSupervisor(t *Transport, opts SupervisorOptions) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	s := &Supervisor{
		transport:   t,
		logger:      opts.Logger.WithComponent("collab"),
		onRecovered: opts.OnRecovered,
		onFailed:    opts.OnFailed,
	}
	ro := opts.Reconnect
	ro.Logger = opts.Logger
	ro.OnFailed = s.handleFailed
	s.ctrl = reconnect.New(ro)
	t.OnDrop(s.handleDrop)
	return s
}

// Controller exposes the reconnect controller for state and live tuning.
func (s *Supervisor) Controller() *reconnect.Controller { return s.ctrl }

// Transport returns the supervised transport.
func (s *Supervisor) Transport() *Transport { return s.transport }

// Start connects. An initial failure starts the reconnect cycle rather
// than failing the caller.
func (s *Supervisor) Start(ctx context.Context) {
	s.stopped.Store(false)
	if err := s.transport.Connect(ctx); err != nil {
		s.logger.Warn("initial collaboration connect failed", "error", err)
		s.ctrl.Start(s.attempt)
		return
	}
	s.ctrl.NotifySuccess()
}

func (s *Supervisor) attempt(ctx context.Context) error {
	err := s.transport.Connect(ctx)
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		return err
	}
	s.failed.Store(false)
	if s.onRecovered != nil {
		go s.onRecovered()
	}
	return nil
}

func (s *Supervisor) handleDrop(cause error) {
	if s.stopped.Load() {
		return
	}
	s.mu.Lock()
	s.lastErr = cause
	s.mu.Unlock()
	s.ctrl.Start(s.attempt)
}

func (s *Supervisor) handleFailed(err error) {
	s.failed.Store(true)
	s.logger.Error("collaboration unavailable", "error", err)
	if s.onFailed != nil {
		s.onFailed(err)
	}
}

// NotifyLive tells the controller the transport is up. Used when the
// connection was restored outside the reconnect cycle.
func (s *Supervisor) NotifyLive() {
	if s.transport.IsLive() {
		s.failed.Store(false)
		s.ctrl.NotifySuccess()
	}
}

// ManualReconnect starts a fresh reconnect cycle.
func (s *Supervisor) ManualReconnect(ctx context.Context) {
	s.stopped.Store(false)
	s.failed.Store(false)
	if s.transport.IsLive() {
		s.ctrl.NotifySuccess()
		return
	}
	s.logger.Info("manual reconnect requested")
	s.ctrl.Start(s.attempt)
}

// IsLive reports whether the transport is connected.
func (s *Supervisor) IsLive() bool { return s.transport.IsLive() }

// Reconnecting reports whether a reconnect cycle is running.
func (s *Supervisor) Reconnecting() bool { return s.ctrl.State().IsReconnecting }

// Failed reports whether the last reconnect cycle gave up.
func (s *Supervisor) Failed() bool { return s.failed.Load() }

// LastError returns the most recent connection error.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Stop cancels reconnection and closes the transport.
func (s *Supervisor) Stop() {
	s.stopped.Store(true)
	s.ctrl.Stop()
	s.transport.Disconnect()
}
