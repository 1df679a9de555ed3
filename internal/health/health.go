// Package health aggregates component checks for the agent.
//
// Components:
//   - wal (critical): degraded mode and unsynced backlog
//   - remote: the persistence API answers
//   - collab: the live connection, or why it is down
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult represents the result of a health check.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check is a function that performs a health check.
type Check func(ctx context.Context) CheckResult

// Component represents a health-checkable component.
type Component struct {
	Name     string
	Critical bool // If true, failure makes overall status unhealthy
	Check    Check
	Timeout  time.Duration
}

// Checker manages health checks.
type Checker struct {
	mu         sync.RWMutex
	components map[string]*Component
	results    map[string]CheckResult
	startTime  time.Time
	ready      bool
}

// NewChecker creates a new Checker.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]*Component),
		results:    make(map[string]CheckResult),
		startTime:  time.Now(),
	}
}

// Register adds a component. Its result is unknown until the first check.
func (c *Checker) Register(component *Component) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if component.Timeout == 0 {
		component.Timeout = 5 * time.Second
	}
	c.components[component.Name] = component
	c.results[component.Name] = CheckResult{Status: StatusUnknown}
}

// RegisterFunc registers a check with the default timeout.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{Name: name, Critical: critical, Check: check})
}

// SetReady sets the readiness state.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// IsReady returns the readiness state.
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Check runs all registered checks concurrently.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	components := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		components = append(components, comp)
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(components))
	var (
		wg    sync.WaitGroup
		resMu sync.Mutex
	)
	for _, comp := range components {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := run(ctx, comp)
			resMu.Lock()
			results[comp.Name] = result
			resMu.Unlock()
		}()
	}
	wg.Wait()

	c.mu.Lock()
	for name, r := range results {
		c.results[name] = r
	}
	c.mu.Unlock()
	return results
}

// run executes one check with its timeout, turning panics and overruns
// into unhealthy results.
func run(ctx context.Context, comp *Component) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := time.Now()
	resCh := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- CheckResult{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
			}
		}()
		resCh <- comp.Check(checkCtx)
	}()

	var result CheckResult
	select {
	case result = <-resCh:
	case <-checkCtx.Done():
		result = CheckResult{Status: StatusUnhealthy, Message: "check timed out", Error: checkCtx.Err().Error()}
	}
	result.LastChecked = start
	result.Duration = time.Since(start)
	return result
}

// CheckComponent runs a single component's check.
func (c *Checker) CheckComponent(ctx context.Context, name string) (CheckResult, bool) {
	c.mu.RLock()
	comp, ok := c.components[name]
	c.mu.RUnlock()
	if !ok {
		return CheckResult{}, false
	}

	result := run(ctx, comp)
	c.mu.Lock()
	c.results[name] = result
	c.mu.Unlock()
	return result, true
}

// GetResults returns a copy of the last results.
func (c *Checker) GetResults() map[string]CheckResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	results := make(map[string]CheckResult, len(c.results))
	for k, v := range c.results {
		results[k] = v
	}
	return results
}

// Components lists registered names in order.
func (c *Checker) Components() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.components))
	for name := range c.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OverallStatus aggregates the last results. A failing critical component
// makes the whole unhealthy; a failing optional one only degrades it.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hasUnknown := false
	hasDegraded := false
	for name, result := range c.results {
		comp := c.components[name]
		if comp == nil {
			continue
		}
		switch result.Status {
		case StatusUnhealthy:
			if comp.Critical {
				return StatusUnhealthy
			}
			hasDegraded = true
		case StatusDegraded:
			hasDegraded = true
		case StatusUnknown:
			if comp.Critical {
				hasUnknown = true
			}
		}
	}
	switch {
	case hasUnknown:
		return StatusUnknown
	case hasDegraded:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// Response is the body of the health endpoint.
type Response struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Response runs the checks and builds the endpoint body.
func (c *Checker) Response(ctx context.Context, includeComponents bool) Response {
	components := c.Check(ctx)
	if !includeComponents {
		components = nil
	}

	c.mu.RLock()
	ready := c.ready
	uptime := time.Since(c.startTime)
	c.mu.RUnlock()

	return Response{
		Status:     c.OverallStatus(),
		Ready:      ready,
		Uptime:     uptime.Round(time.Second).String(),
		Components: components,
		Timestamp:  time.Now(),
	}
}

// Handler serves the aggregated status. ?full=true includes components.
// Degraded still answers 200.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		response := c.Response(r.Context(), r.URL.Query().Get("full") == "true")

		w.Header().Set("Content-Type", "application/json")
		if response.Status == StatusHealthy || response.Status == StatusDegraded {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(response)
	})
}

// ReadinessHandler answers 503 until SetReady(true) and while unhealthy.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		status := c.OverallStatus()
		ready := c.IsReady()
		if !ready || status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status":    status,
			"ready":     ready,
			"timestamp": time.Now(),
		})
	})
}

// WALSource is what WALCheck needs from the log.
type WALSource interface {
	Degraded() bool
	UnsyncedCount(ctx context.Context) (int, error)
}

// WALCheck reports the log unhealthy when it cannot be read, degraded when
// running on the fallback backend or when the backlog exceeds maxBacklog.
func WALCheck(src WALSource, maxBacklog int) Check {
	return func(ctx context.Context) CheckResult {
		n, err := src.UnsyncedCount(ctx)
		if err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "wal unreadable", Error: err.Error()}
		}
		details := map[string]any{"unsynced": n, "degraded": src.Degraded()}
		switch {
		case src.Degraded():
			return CheckResult{Status: StatusDegraded, Message: "writing to fallback backend", Details: details}
		case maxBacklog > 0 && n > maxBacklog:
			return CheckResult{Status: StatusDegraded, Message: "unsynced backlog growing", Details: details}
		}
		return CheckResult{Status: StatusHealthy, Message: "wal ok", Details: details}
	}
}

// PingCheck wraps a connectivity probe.
func PingCheck(what string, ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: what + " unreachable", Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy, Message: what + " ok"}
	}
}

// ConnectionSource is what ConnectionCheck needs from the collab supervisor.
type ConnectionSource interface {
	IsLive() bool
	Reconnecting() bool
	Failed() bool
	LastError() error
}

// ConnectionCheck maps the collaboration link to a status: live is
// healthy, reconnecting is degraded, given up is unhealthy.
func ConnectionCheck(src ConnectionSource) Check {
	return func(ctx context.Context) CheckResult {
		switch {
		case src.IsLive():
			return CheckResult{Status: StatusHealthy, Message: "connected"}
		case src.Failed():
			r := CheckResult{Status: StatusUnhealthy, Message: "reconnect gave up"}
			if err := src.LastError(); err != nil {
				r.Error = err.Error()
			}
			return r
		case src.Reconnecting():
			return CheckResult{Status: StatusDegraded, Message: "reconnecting"}
		default:
			return CheckResult{Status: StatusDegraded, Message: "disconnected"}
		}
	}
}
