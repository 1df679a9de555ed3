// Package prefetch is a bounded LRU cache with TTL that warms content the
// user is likely to open next.
//
// Concurrent Prefetch calls for the same key share one fetch. A key that
// is invalidated while its fetch is in flight does not get the stale
// result stored.
package prefetch

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"xccmsync/internal/logging"
)

// FetchFunc loads the value for a key.
type FetchFunc[V any] func(ctx context.Context) (V, error)

// Result labels reported to Options.OnResult.
const (
	ResultHit      = "hit"
	ResultMiss     = "miss"
	ResultShared   = "shared"
	ResultError    = "error"
	ResultEviction = "eviction"
)

// Options configures a Cache.
type Options struct {
	// MaxEntries caps the cache. Default 50.
	MaxEntries int

	// TTL is how long an entry stays fresh. Default 5 minutes.
	TTL time.Duration

	// FetchTimeout bounds a shared fetch. The fetch outlives any single
	// caller's context, so this is its only deadline. Default 30 seconds.
	FetchTimeout time.Duration

	// OnResult observes hits, misses, shared fetches, errors and evictions.
	OnResult func(result string)

	Logger *logging.Logger

	Now func() time.Time
}

// Option configures a Cache.
type Option func(*Options)

// DefaultOptions returns the default cache options.
func DefaultOptions() Options {
	return Options{
		MaxEntries:   50,
		TTL:          5 * time.Minute,
		FetchTimeout: 30 * time.Second,
	}
}

// WithMaxEntries sets the entry cap.
func WithMaxEntries(n int) Option {
	return func(o *Options) { o.MaxEntries = n }
}

// WithTTL sets the freshness window.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = ttl }
}

// WithFetchTimeout bounds each shared fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(o *Options) { o.FetchTimeout = d }
}

// WithObserver sets the result callback.
func WithObserver(fn func(result string)) Option {
	return func(o *Options) { o.OnResult = fn }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Now = now }
}

type entry[V any] struct {
	key      string
	value    V
	storedAt time.Time
	elem     *list.Element
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries    int
	MaxEntries int
	TTL        time.Duration
	Hits       int64
	Misses     int64
	Shared     int64
	Fetches    int64
	Errors     int64
	Evictions  int64
	Discarded  int64
}

// Cache is an LRU cache keyed by path key. Safe for concurrent use.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]
	// lru front is the least recently used entry, back the most recent.
	lru *list.List
	// inflight maps a key being fetched to whether it was invalidated
	// since the fetch started.
	inflight map[string]bool
	flight   singleflight.Group

	maxEntries int
	ttl        time.Duration
	timeout    time.Duration
	onResult   func(string)
	logger     *logging.Logger
	now        func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	shared    atomic.Int64
	fetches   atomic.Int64
	errors    atomic.Int64
	evictions atomic.Int64
	discarded atomic.Int64
}

// New creates a Cache.
func New[V any](opts ...Option) *Cache[V] {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = DefaultOptions().MaxEntries
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = DefaultOptions().FetchTimeout
	}
	return &Cache[V]{
		entries:    make(map[string]*entry[V]),
		lru:        list.New(),
		inflight:   make(map[string]bool),
		maxEntries: o.MaxEntries,
		ttl:        o.TTL,
		timeout:    o.FetchTimeout,
		onResult:   o.OnResult,
		logger:     o.Logger.WithComponent("prefetch"),
		now:        o.Now,
	}
}

func (c *Cache[V]) report(result string) {
	if c.onResult != nil {
		c.onResult(result)
	}
}

// lookupLocked returns a fresh entry and marks it most recently used.
// Expired entries are dropped.
func (c *Cache[V]) lookupLocked(key string) (*entry[V], bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && c.now().Sub(e.storedAt) >= c.ttl {
		c.removeLocked(e)
		return nil, false
	}
	c.lru.MoveToBack(e.elem)
	return e, true
}

func (c *Cache[V]) removeLocked(e *entry[V]) {
	c.lru.Remove(e.elem)
	delete(c.entries, e.key)
}

// Get returns a fresh cached value without fetching.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	e, ok := c.lookupLocked(key)
	c.mu.Unlock()
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Prefetch returns the cached value for key when it is fresh. Otherwise it
// calls fetch, stores the result, and returns it. Callers that arrive while
// a fetch for key is running wait for that fetch instead of starting one.
func (c *Cache[V]) Prefetch(ctx context.Context, key string, fetch FetchFunc[V]) (V, error) {
	c.mu.Lock()
	if e, ok := c.lookupLocked(key); ok {
		c.mu.Unlock()
		c.hits.Add(1)
		c.report(ResultHit)
		return e.value, nil
	}
	c.mu.Unlock()
	c.misses.Add(1)

	ch := c.flight.DoChan(key, func() (interface{}, error) {
		c.mu.Lock()
		c.inflight[key] = false
		c.mu.Unlock()

		c.fetches.Add(1)
		// Joined callers must not inherit the first caller's cancellation.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		v, err := fetch(fctx)

		c.mu.Lock()
		defer c.mu.Unlock()
		invalidated := c.inflight[key]
		delete(c.inflight, key)
		if err != nil {
			return v, err
		}
		if invalidated {
			c.discarded.Add(1)
			c.logger.Debug("dropping result invalidated during fetch", "key", key)
			return v, nil
		}
		c.storeLocked(key, v)
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			c.errors.Add(1)
			c.report(ResultError)
			var zero V
			return zero, res.Err
		}
		if res.Shared {
			c.shared.Add(1)
			c.report(ResultShared)
		} else {
			c.report(ResultMiss)
		}
		v, _ := res.Val.(V)
		return v, nil
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Put stores value under key as if it had just been fetched.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(key, value)
}

func (c *Cache[V]) storeLocked(key string, value V) {
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.storedAt = c.now()
		c.lru.MoveToBack(e.elem)
		return
	}
	for len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	e := &entry[V]{key: key, value: value, storedAt: c.now()}
	e.elem = c.lru.PushBack(e)
	c.entries[key] = e
}

func (c *Cache[V]) evictOldestLocked() {
	front := c.lru.Front()
	if front == nil {
		return
	}
	e := front.Value.(*entry[V])
	c.removeLocked(e)
	c.evictions.Add(1)
	c.report(ResultEviction)
}

// Invalidate removes key immediately. A fetch for key already in flight
// completes for its callers but its result is not stored.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
	if _, ok := c.inflight[key]; ok {
		c.inflight[key] = true
	}
}

// Clear removes every entry.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry[V])
	c.lru.Init()
	for k := range c.inflight {
		c.inflight[k] = true
	}
}

// Resize changes the limits live, evicting down to the new cap.
func (c *Cache[V]) Resize(maxEntries int, ttl time.Duration) {
	if maxEntries <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxEntries = maxEntries
	c.ttl = ttl
	for len(c.entries) > c.maxEntries {
		c.evictOldestLocked()
	}
}

// Len returns the number of entries, fresh or not.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys returns the cached keys, least recently used first.
func (c *Cache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, c.lru.Len())
	for el := c.lru.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry[V]).key)
	}
	return keys
}

// Stats returns current cache statistics.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	n, maxEntries, ttl := len(c.entries), c.maxEntries, c.ttl
	c.mu.Unlock()
	return Stats{
		Entries:    n,
		MaxEntries: maxEntries,
		TTL:        ttl,
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Shared:     c.shared.Load(),
		Fetches:    c.fetches.Load(),
		Errors:     c.errors.Load(),
		Evictions:  c.evictions.Load(),
		Discarded:  c.discarded.Load(),
	}
}
