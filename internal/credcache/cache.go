// Package credcache keeps one credential-scoped storage backend per
// collection and refreshes it when its credentials expire.
package credcache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"
	"pkt.systems/pslog"

	"pkt.systems/scopedstore/internal/clock"
	"pkt.systems/scopedstore/internal/credential"
	"pkt.systems/scopedstore/internal/loggingutil"
	"pkt.systems/scopedstore/internal/storage"
)

// DefaultResolveTimeout bounds one fetch plus backend construction.
const DefaultResolveTimeout = 30 * time.Second

// ErrClosed is returned by Resolve after Close.
var ErrClosed = errors.New("credcache: closed")

// Fetcher issues credentials. *credential.Client satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, req credential.Request) (credential.Record, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req credential.Request) (credential.Record, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, req credential.Request) (credential.Record, error) {
	return f(ctx, req)
}

// Factory builds a backend from a derived storage config. A backend replaced
// by a refresh or evicted by the LRU bound is only dropped from the cache,
// since callers of an earlier Resolve may still be using it. Invalidate,
// Reset and Close do close the backends they drop.
type Factory func(ctx context.Context, cfg storage.Config) (storage.Backend, error)

// Config configures a Cache.
type Config struct {
	Template storage.Config
	Fetcher  Fetcher
	Factory  Factory
	Clock    clock.Clock
	Logger   pslog.Logger
	// MeterProvider defaults to the global otel provider.
	MeterProvider metric.MeterProvider
	// RefreshThreshold refreshes entries whose remaining validity is below
	// it. Zero refreshes only once an entry has expired.
	RefreshThreshold time.Duration
	// MaxEntries bounds the cache with LRU eviction. Zero is unbounded.
	MaxEntries int
	// ResolveTimeout overrides DefaultResolveTimeout.
	ResolveTimeout time.Duration
}

// Entry is a snapshot of one cached backend.
type Entry struct {
	CollectionID int64
	WriteAccess  bool
	Backend      storage.Backend
	ExpiresAt    time.Time
}

type entryKey struct {
	collectionID int64
	write        bool
}

func (k entryKey) String() string {
	return strconv.FormatInt(k.collectionID, 10) + "/" + strconv.FormatBool(k.write)
}

// Cache maps collection ids to credential-scoped backends. It is safe for
// concurrent use.
type Cache struct {
	template       storage.Config
	fetcher        Fetcher
	factory        Factory
	clock          clock.Clock
	logger         pslog.Logger
	threshold      time.Duration
	maxEntries     int
	resolveTimeout time.Duration
	metrics        *cacheMetrics

	mu      sync.Mutex
	entries map[entryKey]*list.Element
	lru     *list.List
	closed  bool

	group singleflight.Group
}

// New constructs a Cache.
func New(cfg Config) (*Cache, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("credcache: fetcher required")
	}
	if cfg.Factory == nil {
		return nil, fmt.Errorf("credcache: factory required")
	}
	if cfg.MaxEntries < 0 {
		return nil, fmt.Errorf("credcache: max entries must be >= 0")
	}
	if cfg.RefreshThreshold < 0 {
		return nil, fmt.Errorf("credcache: refresh threshold must be >= 0")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	timeout := cfg.ResolveTimeout
	if timeout <= 0 {
		timeout = DefaultResolveTimeout
	}
	c := &Cache{
		template:       cfg.Template.Clone(),
		fetcher:        cfg.Fetcher,
		factory:        cfg.Factory,
		clock:          clk,
		logger:         loggingutil.WithSubsystem(cfg.Logger, "storage.cache"),
		threshold:      cfg.RefreshThreshold,
		maxEntries:     cfg.MaxEntries,
		resolveTimeout: timeout,
		entries:        make(map[entryKey]*list.Element),
		lru:            list.New(),
	}
	c.metrics = newCacheMetrics(c.logger, cfg.MeterProvider, c)
	return c, nil
}

// Resolve returns the backend scoped to collectionID, fetching credentials
// on a miss or when the cached entry is stale. A failed refresh leaves any
// existing entry in place and returns the error.
func (c *Cache) Resolve(ctx context.Context, collectionID int64, instanceName, bucketName string, writeAccess bool) (storage.Backend, error) {
	global := collectionID == storage.GlobalCollectionID
	key := entryKey{collectionID: collectionID, write: writeAccess && !global}
	logger := loggingutil.FromContext(ctx, c.logger)

	backend, ok, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	if ok {
		c.metrics.recordLookup(ctx, "hit", global)
		logger.Trace("credcache.resolve.hit", "collection_id", collectionID, "write_access", key.write)
		return backend, nil
	}
	c.metrics.recordLookup(ctx, "miss", global)
	logger.Trace("credcache.resolve.miss", "collection_id", collectionID, "write_access", key.write)

	ch := c.group.DoChan(key.String(), func() (any, error) {
		return c.refresh(ctx, key, instanceName, bucketName)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(storage.Backend), nil
	}
}

func (c *Cache) lookup(key entryKey) (storage.Backend, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false, ErrClosed
	}
	elem, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	entry := elem.Value.(*Entry)
	if c.stale(entry) {
		return nil, false, nil
	}
	c.lru.MoveToFront(elem)
	return entry.Backend, true, nil
}

func (c *Cache) stale(entry *Entry) bool {
	return credential.IsExpired(c.clock.Now().Add(c.threshold), entry.ExpiresAt)
}

// refresh runs once per key at a time. It is detached from the caller's
// cancellation so waiters sharing the flight all observe one outcome.
func (c *Cache) refresh(parent context.Context, key entryKey, instanceName, bucketName string) (storage.Backend, error) {
	if backend, ok, err := c.lookup(key); err != nil || ok {
		return backend, err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.resolveTimeout)
	defer cancel()
	logger := loggingutil.FromContext(ctx, c.logger)
	global := key.collectionID == storage.GlobalCollectionID
	begin := time.Now()

	req := credential.Request{
		BucketName: bucketName,
		Global:     global,
	}
	if !global {
		req.CollectionID = strconv.FormatInt(key.collectionID, 10)
		req.InstanceName = instanceName
		req.WriteAccess = key.write
	}
	logger.Trace("credcache.refresh.begin", "collection_id", key.collectionID, "global", global)
	rec, err := c.fetcher.Fetch(ctx, req)
	if err != nil {
		c.metrics.recordFetchError(ctx, "fetch")
		logger.Warn("credcache.refresh.fetch_failed", "collection_id", key.collectionID, "error", err, "elapsed", time.Since(begin))
		return nil, err
	}
	expiresAt, err := credential.ParseExpiration(rec.Expiration)
	if err != nil {
		c.metrics.recordFetchError(ctx, "malformed")
		logger.Warn("credcache.refresh.bad_expiration", "collection_id", key.collectionID, "expiration", rec.Expiration, "error", err)
		return nil, err
	}
	backend, err := c.factory(ctx, DeriveConfig(c.template, rec))
	if err != nil {
		c.metrics.recordFetchError(ctx, "factory")
		logger.Warn("credcache.refresh.factory_failed", "collection_id", key.collectionID, "error", err)
		return nil, fmt.Errorf("credcache: build backend for collection %d: %w", key.collectionID, err)
	}
	if err := c.store(ctx, key, backend, expiresAt); err != nil {
		_ = backend.Close()
		return nil, err
	}
	c.metrics.recordRefresh(ctx, global)
	logger.Debug("credcache.refresh.success",
		"collection_id", key.collectionID,
		"write_access", key.write,
		"expires_at", expiresAt,
		"elapsed", time.Since(begin),
	)
	return backend, nil
}

func (c *Cache) store(ctx context.Context, key entryKey, backend storage.Backend, expiresAt time.Time) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	entry := &Entry{
		CollectionID: key.collectionID,
		WriteAccess:  key.write,
		Backend:      backend,
		ExpiresAt:    expiresAt,
	}
	if elem, ok := c.entries[key]; ok {
		elem.Value = entry
		c.lru.MoveToFront(elem)
	} else {
		c.entries[key] = c.lru.PushFront(entry)
	}
	evicted := 0
	for c.maxEntries > 0 && c.lru.Len() > c.maxEntries {
		oldest := c.lru.Back()
		old := oldest.Value.(*Entry)
		c.lru.Remove(oldest)
		delete(c.entries, entryKey{collectionID: old.CollectionID, write: old.WriteAccess})
		evicted++
	}
	c.mu.Unlock()
	for i := 0; i < evicted; i++ {
		c.metrics.recordEviction(ctx)
	}
	return nil
}

func (c *Cache) retire(backends []storage.Backend) {
	for _, b := range backends {
		if b == nil {
			continue
		}
		if err := b.Close(); err != nil {
			c.logger.Warn("credcache.backend.close_failed", "error", err)
		}
	}
}

// Len reports the number of resident entries, including stale ones not yet
// refreshed.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Entries returns a snapshot ordered by collection id.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	out := make([]Entry, 0, c.lru.Len())
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		out = append(out, *elem.Value.(*Entry))
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CollectionID != out[j].CollectionID {
			return out[i].CollectionID < out[j].CollectionID
		}
		return !out[i].WriteAccess && out[j].WriteAccess
	})
	return out
}

// Invalidate drops every entry for collectionID and returns how many were
// removed.
func (c *Cache) Invalidate(collectionID int64) int {
	var retired []storage.Backend
	c.mu.Lock()
	for _, write := range []bool{false, true} {
		key := entryKey{collectionID: collectionID, write: write}
		if elem, ok := c.entries[key]; ok {
			retired = append(retired, elem.Value.(*Entry).Backend)
			c.lru.Remove(elem)
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
	c.retire(retired)
	return len(retired)
}

// Reset drops all entries and closes their backends.
func (c *Cache) Reset() error {
	c.mu.Lock()
	retired := c.drainLocked()
	c.mu.Unlock()
	return closeAll(retired)
}

// Close drops all entries. Later Resolve calls return ErrClosed.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	retired := c.drainLocked()
	c.mu.Unlock()
	return closeAll(retired)
}

func (c *Cache) drainLocked() []storage.Backend {
	retired := make([]storage.Backend, 0, c.lru.Len())
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		retired = append(retired, elem.Value.(*Entry).Backend)
	}
	c.entries = make(map[entryKey]*list.Element)
	c.lru.Init()
	return retired
}

func closeAll(backends []storage.Backend) error {
	var errs []error
	for _, b := range backends {
		if b == nil {
			continue
		}
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
