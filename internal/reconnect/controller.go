// Package reconnect retries a dropped collaboration connection with
// bounded exponential backoff and jitter.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"xccmsync/internal/logging"
)

// ErrReconnectExhausted is delivered to OnFailed once MaxRetries attempts
// have failed.
var ErrReconnectExhausted = errors.New("reconnect: retries exhausted")

// ReconnectFunc makes one connection attempt. A nil error means the
// connection is live.
type ReconnectFunc func(ctx context.Context) error

// Options configures a Controller.
type Options struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxJitter    time.Duration
	MaxRetries   int

	// OnFailed fires once per Start when retries are exhausted.
	OnFailed func(err error)

	// OnAttempt fires before every attempt. attempt starts at 1.
	OnAttempt func(attempt int)

	// Rand returns a value in [0, 1). Tests replace it.
	Rand func() float64

	Logger *logging.Logger
}

// DefaultOptions returns the default backoff: 1s doubling to 30s, up to
// 1s of jitter, 10 attempts.
func DefaultOptions() Options {
	return Options{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		MaxJitter:    time.Second,
		MaxRetries:   10,
	}
}

// State is a snapshot of the controller.
type State struct {
	IsReconnecting bool          `json:"isReconnecting"`
	Attempt        int           `json:"attempt"`
	NextRetryDelay time.Duration `json:"nextRetryDelay"`
}

// Controller schedules reconnect attempts. Safe for concurrent use.
type Controller struct {
	mu     sync.Mutex
	opts   Options
	logger *logging.Logger

	// epoch invalidates scheduled attempts from an earlier Start.
	epoch        uint64
	reconnecting bool
	attempt      int
	nextDelay    time.Duration
	timer        *time.Timer
	cancel       context.CancelFunc
}

// New creates an idle Controller.
func New(opts Options) *Controller {
	def := DefaultOptions()
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = def.InitialDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = def.MaxDelay
	}
	if opts.MaxJitter < 0 {
		opts.MaxJitter = 0
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = def.MaxRetries
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Controller{opts: opts, logger: opts.Logger.WithComponent("reconnect")}
}

// Delay returns the wait before retry n (0-based):
// min(InitialDelay*2^n + jitter, MaxDelay), jitter in [0, MaxJitter].
func (c *Controller) Delay(n int) time.Duration {
	c.mu.Lock()
	opts := c.opts
	c.mu.Unlock()
	return delay(opts, n)
}

func delay(opts Options, n int) time.Duration {
	base := opts.MaxDelay
	if n < 62 {
		if d := opts.InitialDelay << uint(n); d > 0 && d>>uint(n) == opts.InitialDelay {
			base = d
		}
	}
	if base >= opts.MaxDelay {
		return opts.MaxDelay
	}
	jitter := time.Duration(opts.Rand() * float64(opts.MaxJitter+1))
	return min(base+jitter, opts.MaxDelay)
}

// Start resets the attempt counter and runs the first attempt right away.
// Failed attempts are retried after Delay until MaxRetries is reached.
// Calling Start while reconnecting restarts the cycle.
func (c *Controller) Start(fn ReconnectFunc) {
	c.mu.Lock()
	c.resetLocked()
	c.reconnecting = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	epoch := c.epoch
	c.mu.Unlock()

	c.logger.Info("reconnect started")
	go c.attemptOnce(ctx, epoch, fn)
}

func (c *Controller) attemptOnce(ctx context.Context, epoch uint64, fn ReconnectFunc) {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	n := c.attempt + 1
	c.attempt = n
	c.nextDelay = 0
	onAttempt := c.opts.OnAttempt
	c.mu.Unlock()

	if onAttempt != nil {
		onAttempt(n)
	}
	err := fn(ctx)

	c.mu.Lock()
	if c.epoch != epoch {
		// Stopped or succeeded while the attempt ran.
		c.mu.Unlock()
		return
	}
	if err == nil {
		c.resetLocked()
		c.mu.Unlock()
		c.logger.Info("reconnected", "attempt", n)
		return
	}

	if c.attempt >= c.opts.MaxRetries {
		onFailed := c.opts.OnFailed
		c.resetLocked()
		c.mu.Unlock()
		c.logger.Warn("reconnect gave up", "attempts", n, "error", err)
		if onFailed != nil {
			onFailed(fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, n, err))
		}
		return
	}

	d := delay(c.opts, c.attempt-1)
	c.nextDelay = d
	c.timer = time.AfterFunc(d, func() { c.attemptOnce(ctx, epoch, fn) })
	c.mu.Unlock()
	c.logger.Debug("reconnect attempt failed", "attempt", n, "retry_in", d, "error", err)
}

// resetLocked cancels any scheduled or running attempt and returns to idle.
func (c *Controller) resetLocked() {
	c.epoch++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.reconnecting = false
	c.attempt = 0
	c.nextDelay = 0
}

// Stop cancels any scheduled attempt and resets state.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

// NotifySuccess reports that the transport is live again.
func (c *Controller) NotifySuccess() {
	c.mu.Lock()
	was := c.reconnecting
	c.resetLocked()
	c.mu.Unlock()
	if was {
		c.logger.Info("connection confirmed live")
	}
}

// State returns a snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		IsReconnecting: c.reconnecting,
		Attempt:        c.attempt,
		NextRetryDelay: c.nextDelay,
	}
}

// Configure replaces the backoff parameters. A cycle in progress uses the
// new values from its next scheduled attempt on.
func (c *Controller) Configure(initial, maxDelay, maxJitter time.Duration, maxRetries int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if initial > 0 {
		c.opts.InitialDelay = initial
	}
	if maxDelay > 0 {
		c.opts.MaxDelay = maxDelay
	}
	if maxJitter >= 0 {
		c.opts.MaxJitter = maxJitter
	}
	if maxRetries > 0 {
		c.opts.MaxRetries = maxRetries
	}
}
