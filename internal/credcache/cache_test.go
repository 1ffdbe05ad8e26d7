package credcache

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"pkt.systems/scopedstore/internal/clock"
	"pkt.systems/scopedstore/internal/credential"
	"pkt.systems/scopedstore/internal/storage"
	"pkt.systems/scopedstore/internal/storage/memory"
)

var baseTime = time.Date(2023, 8, 20, 14, 0, 0, 0, time.UTC)

type stubFetcher struct {
	mu       sync.Mutex
	calls    atomic.Int64
	requests []credential.Request
	expiry   string
	err      error
	gate     chan struct{}
}

func (s *stubFetcher) Fetch(ctx context.Context, req credential.Request) (credential.Record, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.requests = append(s.requests, req)
	expiry, err, gate := s.expiry, s.err, s.gate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return credential.Record{}, ctx.Err()
		}
	}
	if err != nil {
		return credential.Record{}, err
	}
	if expiry == "" {
		expiry = "2023-08-20T15:00:00Z"
	}
	return credential.Record{
		AccessKeyID:     "AK-" + req.CollectionID,
		SecretAccessKey: "secret",
		SessionToken:    "token",
		TenantKeyID:     "tenant-" + req.CollectionID,
		Expiration:      expiry,
	}, nil
}

func (s *stubFetcher) set(expiry string, err error) {
	s.mu.Lock()
	s.expiry = expiry
	s.err = err
	s.mu.Unlock()
}

type recordingFactory struct {
	mu      sync.Mutex
	configs []storage.Config
	built   []*memory.Store
}

func (f *recordingFactory) build(_ context.Context, cfg storage.Config) (storage.Backend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs = append(f.configs, cfg)
	store := memory.New()
	f.built = append(f.built, store)
	return store, nil
}

func newTestCache(t *testing.T, fetcher Fetcher, mutate func(*Config)) (*Cache, *clock.Manual, *recordingFactory) {
	t.Helper()
	clk := clock.NewManual(baseTime)
	factory := &recordingFactory{}
	cfg := Config{
		Template: storage.Config{Provider: storage.ProviderS3, Bucket: "bucket", BYOKEnabled: true},
		Fetcher:  fetcher,
		Factory:  factory.build,
		Clock:    clk,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	cache, err := New(cfg)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(func() { _ = cache.Close() })
	return cache, clk, factory
}

func TestResolveMissFetchesOnceThenHits(t *testing.T) {
	fetcher := &stubFetcher{}
	cache, _, factory := newTestCache(t, fetcher, nil)
	ctx := context.Background()

	first, err := cache.Resolve(ctx, 42, "inst", "bucket", true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := fetcher.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one fetch on miss, got %d", got)
	}
	second, err := cache.Resolve(ctx, 42, "inst", "bucket", true)
	if err != nil {
		t.Fatalf("resolve hit: %v", err)
	}
	if got := fetcher.calls.Load(); got != 1 {
		t.Fatalf("expected zero fetches on hit, got %d total", got)
	}
	if first != second {
		t.Fatalf("expected cached backend to be reused")
	}
	req := fetcher.requests[0]
	if req.CollectionID != "42" || req.InstanceName != "inst" || req.BucketName != "bucket" || !req.WriteAccess || req.Global {
		t.Fatalf("unexpected request %+v", req)
	}
	if len(factory.configs) != 1 || factory.configs[0].BYOKEnabled {
		t.Fatalf("expected one derived config with BYOK off, got %+v", factory.configs)
	}
}

func TestResolveExpiryBoundary(t *testing.T) {
	fetcher := &stubFetcher{}
	cache, clk, _ := newTestCache(t, fetcher, nil)
	ctx := context.Background()
	exp := time.Date(2023, 8, 20, 15, 0, 0, 0, time.UTC)

	if _, err := cache.Resolve(ctx, 7, "inst", "", true); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	clk.Set(exp)
	if _, err := cache.Resolve(ctx, 7, "inst", "", true); err != nil {
		t.Fatalf("resolve at expiry: %v", err)
	}
	if got := fetcher.calls.Load(); got != 1 {
		t.Fatalf("entry must stay valid at now == exp, fetches=%d", got)
	}
	clk.Set(exp.Add(time.Nanosecond))
	if _, err := cache.Resolve(ctx, 7, "inst", "", true); err != nil {
		t.Fatalf("resolve after expiry: %v", err)
	}
	if got := fetcher.calls.Load(); got != 2 {
		t.Fatalf("expected refresh after expiry, fetches=%d", got)
	}
	if cache.Len() != 1 {
		t.Fatalf("expected refreshed entry to replace old one, len=%d", cache.Len())
	}
}

func TestResolveFailedRefreshKeepsEntry(t *testing.T) {
	fetcher := &stubFetcher{}
	cache, clk, _ := newTestCache(t, fetcher, nil)
	ctx := context.Background()

	if _, err := cache.Resolve(ctx, 9, "inst", "", true); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	before := cache.Entries()
	clk.Advance(2 * time.Hour)
	fetcher.set("", credential.ErrCredentialUnavailable)
	if _, err := cache.Resolve(ctx, 9, "inst", "", true); !errors.Is(err, credential.ErrCredentialUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	after := cache.Entries()
	if len(after) != 1 || after[0].Backend != before[0].Backend || !after[0].ExpiresAt.Equal(before[0].ExpiresAt) {
		t.Fatalf("expected existing entry untouched, before=%+v after=%+v", before, after)
	}
}

func TestResolveMalformedExpiration(t *testing.T) {
	fetcher := &stubFetcher{expiry: "not-a-time"}
	cache, _, factory := newTestCache(t, fetcher, nil)

	_, err := cache.Resolve(context.Background(), 3, "inst", "", true)
	if !errors.Is(err, credential.ErrCredentialMalformed) {
		t.Fatalf("expected malformed, got %v", err)
	}
	if cache.Len() != 0 || len(factory.configs) != 0 {
		t.Fatalf("expected no entry and no backend on malformed expiry")
	}
}

func TestResolveConcurrentMissFetchesOnce(t *testing.T) {
	fetcher := &stubFetcher{gate: make(chan struct{})}
	cache, _, _ := newTestCache(t, fetcher, nil)

	const workers = 32
	var wg sync.WaitGroup
	backends := make([]storage.Backend, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			backends[i], errs[i] = cache.Resolve(context.Background(), 11, "inst", "", true)
		}(i)
	}
	deadline := time.After(5 * time.Second)
	for fetcher.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("fetch never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	close(fetcher.gate)
	wg.Wait()
	if got := fetcher.calls.Load(); got != 1 {
		t.Fatalf("expected a single fetch, got %d", got)
	}
	for i := range backends {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if backends[i] != backends[0] {
			t.Fatalf("worker %d got a different backend", i)
		}
	}
}

func TestResolveWaiterCancellationDoesNotAbortFetch(t *testing.T) {
	fetcher := &stubFetcher{gate: make(chan struct{})}
	cache, _, _ := newTestCache(t, fetcher, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := cache.Resolve(ctx, 5, "inst", "", true)
		done <- err
	}()
	for fetcher.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled waiter, got %v", err)
	}
	close(fetcher.gate)
	deadline := time.Now().Add(5 * time.Second)
	for cache.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if cache.Len() != 1 {
		t.Fatalf("expected detached fetch to populate the cache")
	}
}

func TestResolveGlobalCredentials(t *testing.T) {
	fetcher := &stubFetcher{}
	cache, _, _ := newTestCache(t, fetcher, nil)

	if _, err := cache.Resolve(context.Background(), storage.GlobalCollectionID, "inst", "bucket", true); err != nil {
		t.Fatalf("resolve global: %v", err)
	}
	req := fetcher.requests[0]
	if !req.Global || req.CollectionID != "" || req.InstanceName != "" || req.WriteAccess {
		t.Fatalf("unexpected global request %+v", req)
	}
	entries := cache.Entries()
	if len(entries) != 1 || entries[0].CollectionID != storage.GlobalCollectionID || entries[0].WriteAccess {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestResolveRefreshThreshold(t *testing.T) {
	fetcher := &stubFetcher{}
	cache, clk, _ := newTestCache(t, fetcher, func(cfg *Config) {
		cfg.RefreshThreshold = 5 * time.Minute
	})
	ctx := context.Background()
	if _, err := cache.Resolve(ctx, 1, "inst", "", true); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	clk.Set(time.Date(2023, 8, 20, 14, 54, 0, 0, time.UTC))
	if _, err := cache.Resolve(ctx, 1, "inst", "", true); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := fetcher.calls.Load(); got != 1 {
		t.Fatalf("expected hit with 6m remaining, fetches=%d", got)
	}
	clk.Advance(2 * time.Minute)
	if _, err := cache.Resolve(ctx, 1, "inst", "", true); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := fetcher.calls.Load(); got != 2 {
		t.Fatalf("expected early refresh below threshold, fetches=%d", got)
	}
}

func TestMaxEntriesEvictsLeastRecentlyUsed(t *testing.T) {
	fetcher := &stubFetcher{}
	cache, _, factory := newTestCache(t, fetcher, func(cfg *Config) {
		cfg.MaxEntries = 2
	})
	ctx := context.Background()
	for _, id := range []int64{1, 2} {
		if _, err := cache.Resolve(ctx, id, "inst", "", true); err != nil {
			t.Fatalf("resolve %d: %v", id, err)
		}
	}
	if _, err := cache.Resolve(ctx, 1, "inst", "", true); err != nil {
		t.Fatalf("touch 1: %v", err)
	}
	if _, err := cache.Resolve(ctx, 3, "inst", "", true); err != nil {
		t.Fatalf("resolve 3: %v", err)
	}
	entries := cache.Entries()
	if len(entries) != 2 || entries[0].CollectionID != 1 || entries[1].CollectionID != 3 {
		t.Fatalf("expected entries 1 and 3, got %+v", entries)
	}
	if factory.built[1].Closed() {
		t.Fatalf("evicted backend must stay usable by earlier callers")
	}
}

func TestRefreshLeavesSupersededBackendUsable(t *testing.T) {
	fetcher := &stubFetcher{}
	cache, clk, factory := newTestCache(t, fetcher, nil)
	ctx := context.Background()

	held, err := cache.Resolve(ctx, 7, "inst", "", true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := held.PutObject(ctx, "files/insert_log/7/1/1", strings.NewReader("segment"), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put through held backend: %v", err)
	}

	clk.Advance(2 * time.Hour)
	fetcher.set("2023-08-20T18:00:00Z", nil)
	fresh, err := cache.Resolve(ctx, 7, "inst", "", true)
	if err != nil {
		t.Fatalf("resolve after expiry: %v", err)
	}
	if fresh == held {
		t.Fatalf("expected a new backend after refresh")
	}
	if len(factory.built) != 2 || factory.built[0].Closed() {
		t.Fatalf("superseded backend must not be closed while callers may hold it")
	}
	obj, err := held.GetObject(ctx, "files/insert_log/7/1/1")
	if err != nil {
		t.Fatalf("read through superseded backend: %v", err)
	}
	data, err := io.ReadAll(obj.Reader)
	_ = obj.Reader.Close()
	if err != nil || string(data) != "segment" {
		t.Fatalf("unexpected data %q err=%v", data, err)
	}
}

func TestInvalidateResetAndClose(t *testing.T) {
	fetcher := &stubFetcher{}
	cache, _, factory := newTestCache(t, fetcher, nil)
	ctx := context.Background()
	for _, id := range []int64{1, 2, 3} {
		if _, err := cache.Resolve(ctx, id, "inst", "", true); err != nil {
			t.Fatalf("resolve %d: %v", id, err)
		}
	}
	if n := cache.Invalidate(2); n != 1 {
		t.Fatalf("expected one invalidated entry, got %d", n)
	}
	if cache.Len() != 2 {
		t.Fatalf("expected 2 entries after invalidate, got %d", cache.Len())
	}
	if err := cache.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if cache.Len() != 0 {
		t.Fatalf("expected empty cache after reset")
	}
	for i, store := range factory.built {
		if !store.Closed() {
			t.Fatalf("backend %d not closed", i)
		}
	}
	if err := cache.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := cache.Resolve(ctx, 1, "inst", "", true); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Factory: func(context.Context, storage.Config) (storage.Backend, error) { return nil, nil }}); err == nil {
		t.Fatalf("expected error without fetcher")
	}
	if _, err := New(Config{Fetcher: &stubFetcher{}}); err == nil {
		t.Fatalf("expected error without factory")
	}
}

func TestMetricsRecordLookups(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	fetcher := &stubFetcher{}
	cache, _, _ := newTestCache(t, fetcher, func(cfg *Config) {
		cfg.MeterProvider = provider
	})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := cache.Resolve(ctx, 42, "inst", "", true); err != nil {
			t.Fatalf("resolve: %v", err)
		}
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	lookups := map[string]int64{}
	var entries int64 = -1
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			switch m.Name {
			case "scopedstore.credcache.lookup":
				sum, ok := m.Data.(metricdata.Sum[int64])
				if !ok {
					t.Fatalf("unexpected lookup data %T", m.Data)
				}
				for _, dp := range sum.DataPoints {
					result, _ := dp.Attributes.Value("scopedstore.credcache.result")
					lookups[result.AsString()] += dp.Value
				}
			case "scopedstore.credcache.entries":
				gauge, ok := m.Data.(metricdata.Gauge[int64])
				if !ok {
					t.Fatalf("unexpected entries data %T", m.Data)
				}
				if len(gauge.DataPoints) > 0 {
					entries = gauge.DataPoints[0].Value
				}
			}
		}
	}
	if lookups["miss"] != 1 || lookups["hit"] != 2 {
		t.Fatalf("unexpected lookup counts %v", lookups)
	}
	if entries != 1 {
		t.Fatalf("expected entries gauge 1, got %d", entries)
	}
}
