package persistence

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/turtacn/cryptod/internal/domain/service"
	"github.com/turtacn/cryptod/pkg/constants"
	"github.com/turtacn/cryptod/pkg/errors"
	"github.com/turtacn/cryptod/pkg/logger"
)

// Connection cache events reported to metrics.
const (
	CacheEventHit          = "hit"
	CacheEventLoad         = "load"
	CacheEventLoadError    = "load_error"
	CacheEventEvictExpired = "evict_expired"
	CacheEventEvictSize    = "evict_size"
	CacheEventReconfigure  = "reconfigure"
	CacheEventClose        = "close"
)

// LoadFunc creates the handle of a tenant. It is called at most once per tenant at a time.
type LoadFunc[H any] func(ctx context.Context, tenantID string) (H, error)

// CloseFunc releases a handle. The cache calls it exactly once per created handle.
type CloseFunc[H any] func(H) error

// CacheSettings bounds the cache.
type CacheSettings struct {
	// TTL is the idle time after which an entry is evicted.
	TTL time.Duration
	// MaximumSize is the number of entries above which the least recently used is evicted.
	MaximumSize int
}

func (s CacheSettings) normalized() CacheSettings {
	if s.TTL <= 0 {
		s.TTL = constants.ConnectionCacheDefaultTTL
	}
	if s.MaximumSize <= 0 {
		s.MaximumSize = constants.ConnectionCacheDefaultSize
	}
	return s
}

type cacheEntry[H any] struct {
	tenantID   string
	handle     H
	lastAccess time.Time
	closeOnce  sync.Once
}

// ConnectionCache hands out one handle per tenant. Cluster tenants share a single handle
// that is never cached nor closed by the cache. Other handles are created lazily, at most
// once per tenant under concurrent access, and closed exactly once when evicted by idle
// TTL or size, when the cache is reconfigured, or when the cache is closed.
type ConnectionCache[H any] struct {
	shared  H
	load    LoadFunc[H]
	closeFn CloseFunc[H]
	now     func() time.Time
	metrics service.Metrics
	logger  logger.Logger

	group singleflight.Group

	mu       sync.Mutex
	settings CacheSettings
	entries  map[string]*list.Element
	lru      *list.List // front is most recently used
	closed   bool
	stop     chan struct{}
	stopOnce sync.Once
}

// CacheOption customizes a ConnectionCache.
type CacheOption func(*cacheOptions)

type cacheOptions struct {
	now     func() time.Time
	metrics service.Metrics
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(o *cacheOptions) { o.now = now }
}

// WithCacheMetrics reports cache events to m.
func WithCacheMetrics(m service.Metrics) CacheOption {
	return func(o *cacheOptions) { o.metrics = m }
}

// NewConnectionCache creates an empty cache. shared is returned for cluster tenants.
func NewConnectionCache[H any](shared H, load LoadFunc[H], closeFn CloseFunc[H], settings CacheSettings, log logger.Logger, opts ...CacheOption) *ConnectionCache[H] {
	o := cacheOptions{now: time.Now, metrics: service.NoopMetrics{}}
	for _, opt := range opts {
		opt(&o)
	}
	return &ConnectionCache[H]{
		shared:   shared,
		load:     load,
		closeFn:  closeFn,
		now:      o.now,
		metrics:  o.metrics,
		logger:   log.WithComponent("ConnectionCache"),
		settings: settings.normalized(),
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		stop:     make(chan struct{}),
	}
}

// Get returns the handle of tenantID, creating it on first use.
func (c *ConnectionCache[H]) Get(ctx context.Context, tenantID string) (H, error) {
	var zero H
	if constants.IsClusterTenant(tenantID) {
		return c.shared, nil
	}

	if h, ok, err := c.lookup(tenantID); err != nil || ok {
		return h, err
	}

	v, err, _ := c.group.Do(tenantID, func() (interface{}, error) {
		// a flight that finished just before this one may have stored the handle
		if h, ok, err := c.lookup(tenantID); err != nil || ok {
			return h, err
		}
		// one caller giving up must not fail the others waiting on this flight
		h, err := c.load(context.WithoutCancel(ctx), tenantID)
		if err != nil {
			c.metrics.RecordCacheEvent(CacheEventLoadError, c.Size())
			return zero, err
		}
		return c.store(ctx, tenantID, h)
	})
	if err != nil {
		return zero, err
	}
	return v.(H), nil
}

// lookup returns a live entry and refreshes its access time. Expired entries are evicted.
func (c *ConnectionCache[H]) lookup(tenantID string) (H, bool, error) {
	var zero H
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return zero, false, errors.ErrIllegalState("connection cache is closed")
	}
	el, ok := c.entries[tenantID]
	if !ok {
		c.mu.Unlock()
		return zero, false, nil
	}
	e := el.Value.(*cacheEntry[H])
	now := c.now()
	if now.Sub(e.lastAccess) >= c.settings.TTL {
		c.removeLocked(el)
		size := len(c.entries)
		c.mu.Unlock()
		c.closeEntry(e, CacheEventEvictExpired, size)
		return zero, false, nil
	}
	e.lastAccess = now
	c.lru.MoveToFront(el)
	size := len(c.entries)
	c.mu.Unlock()

	c.metrics.RecordCacheEvent(CacheEventHit, size)
	return e.handle, true, nil
}

func (c *ConnectionCache[H]) store(ctx context.Context, tenantID string, h H) (H, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.closeEntry(&cacheEntry[H]{tenantID: tenantID, handle: h}, CacheEventClose, 0)
		return h, errors.ErrIllegalState("connection cache is closed")
	}
	if el, ok := c.entries[tenantID]; ok {
		existing := el.Value.(*cacheEntry[H])
		c.mu.Unlock()
		c.closeEntry(&cacheEntry[H]{tenantID: tenantID, handle: h}, CacheEventClose, 0)
		return existing.handle, nil
	}

	e := &cacheEntry[H]{tenantID: tenantID, handle: h, lastAccess: c.now()}
	c.entries[tenantID] = c.lru.PushFront(e)

	var evicted []*cacheEntry[H]
	for len(c.entries) > c.settings.MaximumSize {
		oldest := c.lru.Back()
		evicted = append(evicted, oldest.Value.(*cacheEntry[H]))
		c.removeLocked(oldest)
	}
	size := len(c.entries)
	c.mu.Unlock()

	c.metrics.RecordCacheEvent(CacheEventLoad, size)
	c.logger.Debug(ctx, "Cached tenant connection", logger.String("tenant_id", tenantID), logger.Int("size", size))
	for _, old := range evicted {
		c.closeEntry(old, CacheEventEvictSize, size)
	}
	return h, nil
}

// Cleanup evicts every entry idle for longer than the TTL.
func (c *ConnectionCache[H]) Cleanup() {
	c.mu.Lock()
	now := c.now()
	var expired []*cacheEntry[H]
	// the back of the list holds the least recently used entries
	for el := c.lru.Back(); el != nil; {
		e := el.Value.(*cacheEntry[H])
		if now.Sub(e.lastAccess) < c.settings.TTL {
			break
		}
		prev := el.Prev()
		expired = append(expired, e)
		c.removeLocked(el)
		el = prev
	}
	size := len(c.entries)
	c.mu.Unlock()

	for _, e := range expired {
		c.closeEntry(e, CacheEventEvictExpired, size)
	}
}

// StartJanitor runs Cleanup every interval until the cache is closed.
func (c *ConnectionCache[H]) StartJanitor(interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Cleanup()
			case <-c.stop:
				return
			}
		}
	}()
}

// Reconfigure drains the cache, closing every handle immediately, and continues empty
// under the new settings. Callers still holding a drained handle get closed-handle
// errors, which are transient and retried by the processor against a fresh handle.
func (c *ConnectionCache[H]) Reconfigure(settings CacheSettings) {
	settings = settings.normalized()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	drained := c.drainLocked()
	old := c.settings
	c.settings = settings
	c.mu.Unlock()

	c.logger.Info(context.Background(), "Connection cache reconfigured",
		logger.Duration("old_ttl", old.TTL),
		logger.Int("old_maximum_size", old.MaximumSize),
		logger.Duration("ttl", settings.TTL),
		logger.Int("maximum_size", settings.MaximumSize),
		logger.Int("drained", len(drained)),
	)
	for _, e := range drained {
		c.closeEntry(e, CacheEventReconfigure, 0)
	}
}

// Close drains the cache and rejects further use. Calling it again does nothing.
func (c *ConnectionCache[H]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	drained := c.drainLocked()
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stop) })
	for _, e := range drained {
		c.closeEntry(e, CacheEventClose, 0)
	}
}

// Size returns the number of cached handles.
func (c *ConnectionCache[H]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Settings returns the current bounds.
func (c *ConnectionCache[H]) Settings() CacheSettings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

func (c *ConnectionCache[H]) removeLocked(el *list.Element) {
	e := el.Value.(*cacheEntry[H])
	delete(c.entries, e.tenantID)
	c.lru.Remove(el)
}

func (c *ConnectionCache[H]) drainLocked() []*cacheEntry[H] {
	drained := make([]*cacheEntry[H], 0, len(c.entries))
	for el := c.lru.Front(); el != nil; el = el.Next() {
		drained = append(drained, el.Value.(*cacheEntry[H]))
	}
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
	return drained
}

func (c *ConnectionCache[H]) closeEntry(e *cacheEntry[H], event string, size int) {
	e.closeOnce.Do(func() {
		if err := c.closeFn(e.handle); err != nil {
			c.logger.Warn(context.Background(), "Failed to close tenant connection",
				logger.String("tenant_id", e.tenantID),
				logger.Err(err),
			)
		}
		c.metrics.RecordCacheEvent(event, size)
	})
}
