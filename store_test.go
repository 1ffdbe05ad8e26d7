package scopedstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

	"pkt.systems/scopedstore/internal/clock"
	"pkt.systems/scopedstore/internal/credential"
	"pkt.systems/scopedstore/internal/router"
	"pkt.systems/scopedstore/internal/storage"
	"pkt.systems/scopedstore/internal/storage/memory"
)

// sharedView hands every scope the same in-memory objects.
type sharedView struct {
	storage.Backend
}

func (sharedView) Close() error { return nil }

type countingFetcher struct {
	mu       sync.Mutex
	calls    atomic.Int64
	requests []credential.Request
	expiry   string
	err      error
}

func (f *countingFetcher) Fetch(_ context.Context, req credential.Request) (credential.Record, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return credential.Record{}, f.err
	}
	expiry := f.expiry
	if expiry == "" {
		expiry = "2023-08-20T15:00:00Z"
	}
	return credential.Record{
		AccessKeyID:     "AK-" + req.CollectionID,
		SecretAccessKey: "secret",
		SessionToken:    "token",
		Expiration:      expiry,
	}, nil
}

type byokFixture struct {
	store   *Store
	fetcher *countingFetcher
	objects *memory.Store
	clock   *clock.Manual
	mu      sync.Mutex
	derived []storage.Config
}

func newBYOKStore(t *testing.T, mutate func(*Config)) *byokFixture {
	t.Helper()
	f := &byokFixture{
		fetcher: &countingFetcher{},
		objects: memory.New(),
		clock:   clock.NewManual(time.Date(2023, 8, 20, 14, 0, 0, 0, time.UTC)),
	}
	cfg := Config{
		Store:            "s3://localhost:9000/bucket",
		RootPath:         "files",
		BYOK:             true,
		AccessManagerURL: "passthrough:///access-manager",
		InstanceName:     "inst-a",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	store, err := New(context.Background(), cfg,
		WithCredentialFetcher(f.fetcher),
		WithClock(f.clock),
		WithBackendFactory(func(_ context.Context, sc storage.Config) (storage.Backend, error) {
			f.mu.Lock()
			f.derived = append(f.derived, sc)
			f.mu.Unlock()
			return sharedView{f.objects}, nil
		}),
	)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	f.store = store
	return f
}

func newSharedStore(t *testing.T) (*Store, *memory.Store) {
	t.Helper()
	shared := memory.New()
	store, err := New(context.Background(), Config{Store: "mem://"}, WithSharedBackend(shared))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, shared
}

func TestStoreVerbsWithSharedBackend(t *testing.T) {
	store, shared := newSharedStore(t)
	ctx := context.Background()
	path := "files/insert_log/42/7/1"

	if ok, err := store.Exist(ctx, path); err != nil || ok {
		t.Fatalf("expected missing object, got %v err=%v", ok, err)
	}
	if err := store.Write(ctx, path, []byte("segment")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if ok, err := store.Exist(ctx, path); err != nil || !ok {
		t.Fatalf("expected object to exist, got %v err=%v", ok, err)
	}
	size, err := store.Size(ctx, path)
	if err != nil || size != 7 {
		t.Fatalf("expected size 7, got %d err=%v", size, err)
	}
	buf := make([]byte, 16)
	n, err := store.Read(ctx, path, buf)
	if err != nil || string(buf[:n]) != "segment" {
		t.Fatalf("read: %q err=%v", buf[:n], err)
	}
	data, err := store.ReadAll(ctx, path)
	if err != nil || string(data) != "segment" {
		t.Fatalf("read all: %q err=%v", data, err)
	}
	if err := store.Remove(ctx, path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := store.Size(ctx, path); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after remove, got %v", err)
	}
	if shared.Len() != 0 {
		t.Fatalf("expected shared backend to be empty")
	}
	if store.BYOK() || len(store.CacheEntries()) != 0 {
		t.Fatalf("expected BYOK off without cache entries")
	}
}

func TestReadShortBuffer(t *testing.T) {
	store, _ := newSharedStore(t)
	ctx := context.Background()
	if err := store.Write(ctx, "a/b/1/f", []byte("0123456789")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := store.Read(ctx, "a/b/1/f", make([]byte, 4)); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("expected short buffer, got %v", err)
	}
	n, err := store.Read(ctx, "a/b/1/f", make([]byte, 10))
	if err != nil || n != 10 {
		t.Fatalf("expected exact fit, got n=%d err=%v", n, err)
	}
}

func TestReadAtWriteAtNotImplemented(t *testing.T) {
	store, _ := newSharedStore(t)
	if _, err := store.ReadAt(context.Background(), "a", make([]byte, 1), 5); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented, got %v", err)
	}
	if err := store.WriteAt(context.Background(), "a", []byte("x"), 5); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented, got %v", err)
	}
	if KindOf(ErrNotImplemented) != KindNotImplemented {
		t.Fatalf("unexpected kind")
	}
}

func TestListWithPrefix(t *testing.T) {
	store, _ := newSharedStore(t)
	ctx := context.Background()
	for _, key := range []string{"files/a/1", "files/a/2", "files/a/sub/3", "files/b/4"} {
		if err := store.Write(ctx, key, []byte(key)); err != nil {
			t.Fatalf("write %s: %v", key, err)
		}
	}
	flat, err := store.ListWithPrefix(ctx, "files/a/", false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := keysOf(flat); got != "files/a/1,files/a/2,files/a/sub/" {
		t.Fatalf("unexpected flat listing %s", got)
	}
	if sub := flat[2]; sub.Size != 0 || !sub.LastModified.IsZero() {
		t.Fatalf("prefix entry must carry no object metadata: %+v", sub)
	}
	deep, err := store.ListWithPrefix(ctx, "files/a/", true)
	if err != nil {
		t.Fatalf("list recursive: %v", err)
	}
	if got := keysOf(deep); got != "files/a/1,files/a/2,files/a/sub/3" {
		t.Fatalf("unexpected recursive listing %s", got)
	}
}

func keysOf(objs []ObjectInfo) string {
	keys := make([]string, len(objs))
	for i, obj := range objs {
		keys[i] = obj.Key
	}
	return strings.Join(keys, ",")
}

func TestMultiReadWrite(t *testing.T) {
	store, _ := newSharedStore(t)
	ctx := context.Background()
	if err := store.MultiWrite(ctx, map[string][]byte{"k/1": []byte("one"), "k/2": []byte("two")}); err != nil {
		t.Fatalf("multi write: %v", err)
	}
	out, err := store.MultiRead(ctx, []string{"k/1", "k/missing", "k/2"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected joined not found, got %v", err)
	}
	if string(out[0]) != "one" || out[1] != nil || string(out[2]) != "two" {
		t.Fatalf("unexpected multi read result %q", out)
	}
}

func TestRemoveWithPrefixBatches(t *testing.T) {
	store, shared := newSharedStore(t)
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		if err := store.Write(ctx, fmt.Sprintf("files/x/%d/obj", i), []byte("v")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := store.Write(ctx, "files/keep", []byte("v")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.RemoveWithPrefix(ctx, "files/x/"); err != nil {
		t.Fatalf("remove with prefix: %v", err)
	}
	if shared.Len() != 1 {
		t.Fatalf("expected only files/keep to remain, len=%d", shared.Len())
	}
}

func TestBYOKRoutesThroughCredentialCache(t *testing.T) {
	f := newBYOKStore(t, nil)
	ctx := context.Background()
	path := "files/insert_log/42/7/1"

	if err := f.store.Write(ctx, path, []byte("v1")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := f.store.ReadAll(ctx, path); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := f.fetcher.calls.Load(); got != 1 {
		t.Fatalf("expected one fetch for collection 42, got %d", got)
	}
	req := f.fetcher.requests[0]
	if req.CollectionID != "42" || req.InstanceName != "inst-a" || req.BucketName != "bucket" || !req.WriteAccess {
		t.Fatalf("unexpected credential request %+v", req)
	}
	if len(f.derived) != 1 || f.derived[0].BYOKEnabled || f.derived[0].AccessKeyID != "AK-42" {
		t.Fatalf("unexpected derived configs %+v", f.derived)
	}

	if _, err := f.store.ListWithPrefix(ctx, "files/", true); err != nil {
		t.Fatalf("list: %v", err)
	}
	if last := f.fetcher.requests[len(f.fetcher.requests)-1]; !last.Global {
		t.Fatalf("expected listing to request global credentials, got %+v", last)
	}
	entries := f.store.CacheEntries()
	if len(entries) != 2 || entries[0].CollectionID != storage.GlobalCollectionID || entries[1].CollectionID != 42 {
		t.Fatalf("unexpected cache entries %+v", entries)
	}
}

func TestBYOKRefreshesAfterExpiry(t *testing.T) {
	f := newBYOKStore(t, nil)
	ctx := context.Background()
	path := "files/insert_log/42/7/1"
	if _, err := f.store.Exist(ctx, path); err != nil {
		t.Fatalf("exist: %v", err)
	}
	f.clock.Set(time.Date(2023, 8, 20, 15, 0, 0, 0, time.UTC))
	if _, err := f.store.Exist(ctx, path); err != nil {
		t.Fatalf("exist at expiry: %v", err)
	}
	if got := f.fetcher.calls.Load(); got != 1 {
		t.Fatalf("expected no refresh at expiry instant, got %d fetches", got)
	}
	f.clock.Advance(time.Second)
	f.fetcher.mu.Lock()
	f.fetcher.err = credential.ErrCredentialDenied
	f.fetcher.mu.Unlock()
	if _, err := f.store.Exist(ctx, path); !errors.Is(err, ErrCredentialDenied) {
		t.Fatalf("expected denied, got %v", err)
	}
	if KindOf(fmt.Errorf("wrapped: %w", ErrCredentialDenied)) != KindCredentialDenied {
		t.Fatalf("expected denied kind")
	}
	if len(f.store.CacheEntries()) != 1 {
		t.Fatalf("expected stale entry retained after failed refresh")
	}
}

func TestBYOKUnresolvablePath(t *testing.T) {
	f := newBYOKStore(t, nil)
	if _, err := f.store.ReadAll(context.Background(), "files/short"); !errors.Is(err, ErrPathScopeUnresolvable) {
		t.Fatalf("expected unresolvable, got %v", err)
	}
	if f.fetcher.calls.Load() != 0 {
		t.Fatalf("fetch issued for unresolvable path")
	}
	if KindOf(fmt.Errorf("x: %w", ErrPathScopeUnresolvable)) != KindPathScopeUnresolvable {
		t.Fatalf("unexpected kind")
	}
}

func TestBYOKSegmentIndexOverride(t *testing.T) {
	f := newBYOKStore(t, func(cfg *Config) {
		cfg.CollectionSegmentIndex = 1
		cfg.CollectionSegmentIndexSet = true
	})
	scope, err := f.store.Scope(router.OpRead, "tenant/77/file")
	if err != nil {
		t.Fatalf("scope: %v", err)
	}
	if !scope.Scoped || scope.CollectionID != 77 || !scope.WriteAccess {
		t.Fatalf("unexpected scope %+v", scope)
	}
}

func TestPlanRouteNeedsNoBackend(t *testing.T) {
	cfg := Config{
		Store:            "s3://127.0.0.1:1/bucket",
		RootPath:         "files",
		BYOK:             true,
		AccessManagerURL: "127.0.0.1:1",
		InstanceName:     "inst-a",
		WriteAccess:      "operation",
	}
	scope, bucket, err := PlanRoute(cfg, router.OpWrite, "files/insert_log/42/7/1")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if bucket != "bucket" || !scope.Scoped || scope.CollectionID != 42 || !scope.WriteAccess {
		t.Fatalf("unexpected plan %+v bucket=%s", scope, bucket)
	}
	scope, _, err = PlanRoute(cfg, router.OpList, "files/")
	if err != nil || scope.CollectionID != storage.GlobalCollectionID || scope.WriteAccess {
		t.Fatalf("unexpected listing plan %+v err=%v", scope, err)
	}
	if _, _, err := PlanRoute(cfg, router.OpRead, "files/insert_log/abc/7/1"); !errors.Is(err, ErrPathScopeUnresolvable) {
		t.Fatalf("expected unresolvable path error, got %v", err)
	}

	cfg.BYOK = false
	scope, _, err = PlanRoute(cfg, router.OpWrite, "files/insert_log/42/7/1")
	if err != nil || scope.Scoped {
		t.Fatalf("expected shared plan, got %+v err=%v", scope, err)
	}
}

func TestBYOKConcurrentFirstAccessFetchesOnce(t *testing.T) {
	f := newBYOKStore(t, nil)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.store.Exist(context.Background(), "files/insert_log/9/1/1")
		}()
	}
	wg.Wait()
	if got := f.fetcher.calls.Load(); got != 1 {
		t.Fatalf("expected one fetch, got %d", got)
	}
}

func TestBYOKWithFakeS3(t *testing.T) {
	backend := s3mem.New()
	server := httptest.NewServer(gofakes3.New(backend).Server())
	t.Cleanup(server.Close)
	if err := backend.CreateBucket("scoped"); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	endpoint := strings.TrimPrefix(server.URL, "http://")
	fetcher := &countingFetcher{}
	store, err := New(context.Background(), Config{
		Store:            "s3://" + endpoint + "/scoped?insecure=1&path-style=1&region=us-east-1",
		BYOK:             true,
		AccessManagerURL: "passthrough:///unused",
		InstanceName:     "inst",
	}, WithCredentialFetcher(fetcher))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	path := "files/insert_log/5/1/1"
	if err := store.Write(ctx, path, []byte("payload")); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := store.ReadAll(ctx, path)
	if err != nil || !bytes.Equal(data, []byte("payload")) {
		t.Fatalf("read: %q err=%v", data, err)
	}
	objs, err := store.ListWithPrefix(ctx, "files/", true)
	if err != nil || len(objs) != 1 || objs[0].Key != path {
		t.Fatalf("list: %+v err=%v", objs, err)
	}
	if fetcher.calls.Load() != 2 {
		t.Fatalf("expected collection and global fetches, got %d", fetcher.calls.Load())
	}
}

func TestNewRejectsBYOKForUnsupportedProvider(t *testing.T) {
	_, err := New(context.Background(), Config{
		Store:            "mem://",
		BYOK:             true,
		AccessManagerURL: "x:1",
		InstanceName:     "i",
	}, WithCredentialFetcher(&countingFetcher{}))
	if err == nil || !strings.Contains(err.Error(), "byok") {
		t.Fatalf("expected byok provider error, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newBYOKStore(t, nil)
	if _, err := f.store.Exist(context.Background(), "files/a/1/x"); err != nil {
		t.Fatalf("exist: %v", err)
	}
	if err := f.store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := f.store.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := f.store.Exist(context.Background(), "files/a/1/x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestStoreAccessors(t *testing.T) {
	f := newBYOKStore(t, func(cfg *Config) {
		cfg.RootPath = "/files/"
		cfg.CollectionIDIndexPath = true
	})
	if f.store.Name() != "CollectionScopedStore" {
		t.Fatalf("unexpected name %q", f.store.Name())
	}
	if f.store.RootPath() != "files" || f.store.BucketName() != "bucket" {
		t.Fatalf("unexpected root/bucket %q/%q", f.store.RootPath(), f.store.BucketName())
	}
	if !f.store.UseCollectionIDBasedIndexPath() || !f.store.BYOK() {
		t.Fatalf("expected index-path and byok flags")
	}
	tmpl := f.store.StorageTemplate()
	if !tmpl.BYOKEnabled || tmpl.Bucket != "bucket" {
		t.Fatalf("unexpected template %+v", tmpl.Redacted())
	}

	shared, _ := newSharedStore(t)
	if shared.BYOK() || shared.UseCollectionIDBasedIndexPath() {
		t.Fatalf("shared store must not report byok")
	}
	if entries := shared.CacheEntries(); len(entries) != 0 {
		t.Fatalf("shared store has no cache, got %d entries", len(entries))
	}
}
