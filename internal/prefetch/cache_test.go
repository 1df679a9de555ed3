package prefetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func constFetch(v string, calls *atomic.Int32) FetchFunc[string] {
	return func(context.Context) (string, error) {
		calls.Add(1)
		return v, nil
	}
}

func TestPrefetchHitAvoidsFetch(t *testing.T) {
	ctx := context.Background()
	c := New[string]()
	var calls atomic.Int32

	v, err := c.Prefetch(ctx, "p:a:b:c:n", constFetch("body", &calls))
	require.NoError(t, err)
	assert.Equal(t, "body", v)

	v, err = c.Prefetch(ctx, "p:a:b:c:n", constFetch("other", &calls))
	require.NoError(t, err)
	assert.Equal(t, "body", v)
	assert.Equal(t, int32(1), calls.Load())

	st := c.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
}

func TestPrefetchConcurrentCallsShareOneFetch(t *testing.T) {
	ctx := context.Background()
	c := New[string]()

	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})
	fetch := func(context.Context) (string, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return "shared", nil
	}

	var wg sync.WaitGroup
	results := make([]string, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = c.Prefetch(ctx, "k", fetch)
	}()
	<-started
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], _ = c.Prefetch(ctx, "k", fetch)
	}()

	// Give the second caller time to join the in-flight fetch.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, []string{"shared", "shared"}, results)
}

func TestPrefetchNeverExceedsCapAndEvictsLRU(t *testing.T) {
	ctx := context.Background()
	c := New[string](WithMaxEntries(3))
	var calls atomic.Int32

	for _, k := range []string{"a", "b", "c"} {
		_, err := c.Prefetch(ctx, k, constFetch(k, &calls))
		require.NoError(t, err)
	}
	// Touch "a" so "b" becomes the least recently used.
	_, ok := c.Get("a")
	require.True(t, ok)

	_, err := c.Prefetch(ctx, "d", constFetch("d", &calls))
	require.NoError(t, err)

	assert.Equal(t, 3, c.Len())
	assert.Equal(t, []string{"c", "a", "d"}, c.Keys())
	_, ok = c.Get("b")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Evictions)

	for i := 0; i < 20; i++ {
		_, _ = c.Prefetch(ctx, fmt.Sprint("k", i), constFetch("x", &calls))
		assert.LessOrEqual(t, c.Len(), 3)
	}
}

func TestPrefetchExpiredEntryRefetches(t *testing.T) {
	ctx := context.Background()
	clock := &testClock{now: time.Now()}
	c := New[string](WithTTL(time.Minute), WithClock(clock.Now))
	var calls atomic.Int32

	_, err := c.Prefetch(ctx, "k", constFetch("v1", &calls))
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	v, _ := c.Prefetch(ctx, "k", constFetch("v2", &calls))
	assert.Equal(t, "v1", v)

	clock.Advance(31 * time.Second)
	v, _ = c.Prefetch(ctx, "k", constFetch("v2", &calls))
	assert.Equal(t, "v2", v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestInvalidateRemovesEntry(t *testing.T) {
	ctx := context.Background()
	c := New[string]()
	var calls atomic.Int32

	_, _ = c.Prefetch(ctx, "k", constFetch("old", &calls))
	c.Invalidate("k")
	_, ok := c.Get("k")
	assert.False(t, ok)

	v, _ := c.Prefetch(ctx, "k", constFetch("new", &calls))
	assert.Equal(t, "new", v)
}

func TestInvalidateDuringFetchDropsResult(t *testing.T) {
	ctx := context.Background()
	c := New[string]()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan string)
	go func() {
		v, _ := c.Prefetch(ctx, "k", func(context.Context) (string, error) {
			close(started)
			<-release
			return "stale", nil
		})
		done <- v
	}()

	<-started
	c.Invalidate("k")
	close(release)

	assert.Equal(t, "stale", <-done, "the caller still gets its result")
	_, ok := c.Get("k")
	assert.False(t, ok, "the invalidated result must not be cached")
	assert.Equal(t, int64(1), c.Stats().Discarded)
}

func TestPrefetchErrorNotCached(t *testing.T) {
	ctx := context.Background()
	var results []string
	c := New[string](WithObserver(func(r string) { results = append(results, r) }))

	boom := errors.New("boom")
	_, err := c.Prefetch(ctx, "k", func(context.Context) (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, []string{ResultError}, results)
}

func TestPrefetchHonorsCallerContext(t *testing.T) {
	c := New[string]()
	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Prefetch(ctx, "slow", func(context.Context) (string, error) {
		<-release
		return "late", nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// The fetch runs on behalf of every waiting caller, so the first
// caller giving up must not fail the others.
func TestPrefetchSurvivesFirstCallerCancel(t *testing.T) {
	c := New[string]()
	release := make(chan struct{})
	started := make(chan struct{})
	fetch := func(ctx context.Context) (string, error) {
		close(started)
		select {
		case <-release:
			return "body", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := c.Prefetch(firstCtx, "k", fetch)
		first <- err
	}()
	<-started

	type result struct {
		v   string
		err error
	}
	second := make(chan result, 1)
	go func() {
		v, err := c.Prefetch(context.Background(), "k", fetch)
		second <- result{v, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-first, context.Canceled)
	close(release)

	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, "body", got.v)
	assert.Equal(t, 1, c.Len())
}

func TestPrefetchFetchTimeout(t *testing.T) {
	c := New[string](WithFetchTimeout(20 * time.Millisecond))
	_, err := c.Prefetch(context.Background(), "slow", func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.Len())
}

func TestResizeEvictsDown(t *testing.T) {
	c := New[int](WithMaxEntries(5))
	for i := 0; i < 5; i++ {
		c.Put(fmt.Sprint(i), i)
	}
	c.Resize(2, time.Minute)

	assert.Equal(t, []string{"3", "4"}, c.Keys())
	assert.Equal(t, 2, c.Stats().MaxEntries)
}
