package wal

import (
	"context"
	"sync"
	"time"
)

// Janitor periodically purges synced changes and, while the log is
// degraded, tries to move back to the primary backend.
type Janitor struct {
	log       *Log
	interval  time.Duration
	retention time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewJanitor creates a stopped janitor.
func NewJanitor(log *Log, interval, retention time.Duration) *Janitor {
	return &Janitor{log: log, interval: interval, retention: retention}
}

// Start begins the purge loop. It is a no-op if already running or if the
// interval is not positive.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running || j.interval <= 0 {
		return
	}

	ctx, j.cancel = context.WithCancel(ctx)
	j.running = true
	j.wg.Add(1)
	go j.run(ctx)
}

func (j *Janitor) run(ctx context.Context) {
	defer j.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single recover-and-purge pass.
func (j *Janitor) RunOnce(ctx context.Context) {
	j.log.TryRecover(ctx)
	n, err := j.log.PurgeSynced(ctx, j.retention)
	if err != nil {
		j.log.logger.Warn("purge failed", "error", err)
	}
	if n > 0 {
		if err := j.log.Compact(); err != nil {
			j.log.logger.Warn("compaction failed", "error", err)
		}
	}
}

// Stop ends the loop and waits for it to exit.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	j.cancel()
	j.mu.Unlock()
	j.wg.Wait()
}
