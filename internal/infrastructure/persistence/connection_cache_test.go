package persistence

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/cryptod/pkg/constants"
	"github.com/turtacn/cryptod/pkg/errors"
	"github.com/turtacn/cryptod/pkg/logger"
)

type fakeHandle struct {
	tenantID string
	closes   atomic.Int32
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type handleFactory struct {
	loads   atomic.Int32
	delay   time.Duration
	unknown map[string]bool
}

func (f *handleFactory) load(_ context.Context, tenantID string) (*fakeHandle, error) {
	f.loads.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.unknown[tenantID] {
		return nil, errors.ErrUnknownTenant(tenantID)
	}
	return &fakeHandle{tenantID: tenantID}, nil
}

func closeFake(h *fakeHandle) error {
	h.closes.Add(1)
	return nil
}

func newTestCache(f *handleFactory, settings CacheSettings, clock *fakeClock) (*ConnectionCache[*fakeHandle], *fakeHandle) {
	shared := &fakeHandle{tenantID: "cluster"}
	return NewConnectionCache(shared, f.load, closeFake, settings, logger.NewNoopLogger(), WithClock(clock.Now)), shared
}

func TestConnectionCache_SingleCreationUnderConcurrency(t *testing.T) {
	f := &handleFactory{delay: 20 * time.Millisecond}
	cache, _ := newTestCache(f, CacheSettings{TTL: time.Minute, MaximumSize: 10}, &fakeClock{t: time.Now()})
	defer cache.Close()

	const callers = 50
	handles := make([]*fakeHandle, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := cache.Get(context.Background(), "vnode-123")
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.loads.Load())
	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
	assert.Equal(t, 1, cache.Size())
}

func TestConnectionCache_ClusterTenantsShareHandle(t *testing.T) {
	f := &handleFactory{}
	cache, shared := newTestCache(f, CacheSettings{}, &fakeClock{t: time.Now()})

	for _, tenant := range constants.ClusterTenants {
		h, err := cache.Get(context.Background(), tenant)
		require.NoError(t, err)
		assert.Same(t, shared, h)
	}
	assert.Equal(t, int32(0), f.loads.Load())
	assert.Equal(t, 0, cache.Size())

	cache.Close()
	assert.Equal(t, int32(0), shared.closes.Load())
}

func TestConnectionCache_TTLEviction(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	f := &handleFactory{}
	cache, _ := newTestCache(f, CacheSettings{TTL: time.Minute, MaximumSize: 10}, clock)
	defer cache.Close()

	first, err := cache.Get(context.Background(), "vnode-123")
	require.NoError(t, err)

	// access refreshes the idle timer
	clock.Advance(50 * time.Second)
	_, err = cache.Get(context.Background(), "vnode-123")
	require.NoError(t, err)
	clock.Advance(50 * time.Second)
	cache.Cleanup()
	assert.Equal(t, int32(0), first.closes.Load())

	clock.Advance(11 * time.Second)
	cache.Cleanup()
	assert.Equal(t, int32(1), first.closes.Load())
	assert.Equal(t, 0, cache.Size())

	second, err := cache.Get(context.Background(), "vnode-123")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, int32(2), f.loads.Load())
}

func TestConnectionCache_ExpiredOnAccess(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cache, _ := newTestCache(&handleFactory{}, CacheSettings{TTL: time.Minute, MaximumSize: 10}, clock)
	defer cache.Close()

	first, err := cache.Get(context.Background(), "vnode-123")
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	second, err := cache.Get(context.Background(), "vnode-123")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, int32(1), first.closes.Load())
}

func TestConnectionCache_SizeEvictsLeastRecentlyUsed(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cache, _ := newTestCache(&handleFactory{}, CacheSettings{TTL: time.Hour, MaximumSize: 2}, clock)
	defer cache.Close()
	ctx := context.Background()

	a, err := cache.Get(ctx, "vnode-a")
	require.NoError(t, err)
	b, err := cache.Get(ctx, "vnode-b")
	require.NoError(t, err)
	_, err = cache.Get(ctx, "vnode-a")
	require.NoError(t, err)
	_, err = cache.Get(ctx, "vnode-c")
	require.NoError(t, err)

	assert.Equal(t, 2, cache.Size())
	assert.Equal(t, int32(1), b.closes.Load())
	assert.Equal(t, int32(0), a.closes.Load())
}

func TestConnectionCache_LoadErrorIsNotCached(t *testing.T) {
	f := &handleFactory{unknown: map[string]bool{"vnode-404": true}}
	cache, _ := newTestCache(f, CacheSettings{}, &fakeClock{t: time.Now()})
	defer cache.Close()

	for i := 0; i < 2; i++ {
		_, err := cache.Get(context.Background(), "vnode-404")
		require.Error(t, err)
		assert.True(t, errors.IsValidation(err))
	}
	assert.Equal(t, int32(2), f.loads.Load())
	assert.Equal(t, 0, cache.Size())
}

func TestConnectionCache_ReconfigureDrains(t *testing.T) {
	f := &handleFactory{}
	cache, _ := newTestCache(f, CacheSettings{TTL: time.Minute, MaximumSize: 10}, &fakeClock{t: time.Now()})
	defer cache.Close()
	ctx := context.Background()

	var before []*fakeHandle
	for i := 0; i < 3; i++ {
		h, err := cache.Get(ctx, fmt.Sprintf("vnode-%d", i))
		require.NoError(t, err)
		before = append(before, h)
	}

	cache.Reconfigure(CacheSettings{TTL: 5 * time.Minute, MaximumSize: 1})

	assert.Equal(t, 0, cache.Size())
	assert.Equal(t, CacheSettings{TTL: 5 * time.Minute, MaximumSize: 1}, cache.Settings())
	for _, h := range before {
		assert.Equal(t, int32(1), h.closes.Load())
	}

	after, err := cache.Get(ctx, "vnode-0")
	require.NoError(t, err)
	assert.NotSame(t, before[0], after)
	assert.Equal(t, int32(4), f.loads.Load())
}

func TestConnectionCache_CloseRacesWithEviction(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cache, _ := newTestCache(&handleFactory{}, CacheSettings{TTL: time.Minute, MaximumSize: 100}, clock)
	ctx := context.Background()

	var handles []*fakeHandle
	for i := 0; i < 20; i++ {
		h, err := cache.Get(ctx, fmt.Sprintf("vnode-%d", i))
		require.NoError(t, err)
		handles = append(handles, h)
	}
	clock.Advance(2 * time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); cache.Cleanup() }()
		go func() { defer wg.Done(); cache.Close() }()
	}
	wg.Wait()

	for _, h := range handles {
		assert.Equal(t, int32(1), h.closes.Load(), h.tenantID)
	}
}

func TestConnectionCache_GetAfterClose(t *testing.T) {
	cache, _ := newTestCache(&handleFactory{}, CacheSettings{}, &fakeClock{t: time.Now()})
	cache.Close()
	cache.Close()

	_, err := cache.Get(context.Background(), "vnode-123")
	require.Error(t, err)
	assert.Equal(t, errors.KindIllegalState, errors.KindOf(err))
}

func TestConnectionCache_Janitor(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cache, _ := newTestCache(&handleFactory{}, CacheSettings{TTL: time.Minute, MaximumSize: 10}, clock)
	defer cache.Close()

	h, err := cache.Get(context.Background(), "vnode-123")
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	cache.StartJanitor(5 * time.Millisecond)
	assert.Eventually(t, func() bool { return h.closes.Load() == 1 }, time.Second, 5*time.Millisecond)
}
