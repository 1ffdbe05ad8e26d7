package router

import (
	"context"
	"errors"
	"sync"
	"testing"

	"pkt.systems/scopedstore/internal/storage"
	"pkt.systems/scopedstore/internal/storage/memory"
)

type resolveCall struct {
	id       int64
	instance string
	bucket   string
	write    bool
	scope    storage.Scope
}

type fakeCache struct {
	mu      sync.Mutex
	calls   []resolveCall
	backend storage.Backend
	err     error
}

func (f *fakeCache) Resolve(ctx context.Context, id int64, instance, bucket string, write bool) (storage.Backend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	scope, _ := storage.ScopeFromContext(ctx)
	f.calls = append(f.calls, resolveCall{id: id, instance: instance, bucket: bucket, write: write, scope: scope})
	if f.err != nil {
		return nil, f.err
	}
	return f.backend, nil
}

func TestRootOffsetResolver(t *testing.T) {
	cases := []struct {
		root string
		path string
		want int64
	}{
		{"", "a/b/42/file.bin", 42},
		{"files", "a/b/42/file.bin", 42},
		{"data/files", "a/b/c/7/x", 7},
	}
	for _, tc := range cases {
		got, err := RootOffsetResolver{RootPath: tc.root}.CollectionID(tc.path)
		if err != nil {
			t.Fatalf("root %q path %q: %v", tc.root, tc.path, err)
		}
		if got != tc.want {
			t.Fatalf("root %q path %q: expected %d, got %d", tc.root, tc.path, tc.want, got)
		}
	}
}

func TestResolverRejectsUnresolvablePaths(t *testing.T) {
	resolver := RootOffsetResolver{RootPath: "files"}
	for _, path := range []string{"a/b", "a", "", "a/b//file", "a/b/abc/file", "a/b/-3/file"} {
		if _, err := resolver.CollectionID(path); !errors.Is(err, ErrPathScopeUnresolvable) {
			t.Fatalf("path %q: expected ErrPathScopeUnresolvable, got %v", path, err)
		}
	}
	if _, err := (SegmentResolver{Index: -1}).CollectionID("1/2"); !errors.Is(err, ErrPathScopeUnresolvable) {
		t.Fatalf("expected negative index to be rejected, got %v", err)
	}
	if got, err := (SegmentResolver{Index: 0}).CollectionID("9/x"); err != nil || got != 9 {
		t.Fatalf("expected 9, got %d err=%v", got, err)
	}
}

func TestRouteWithoutBYOKUsesShared(t *testing.T) {
	shared := memory.New()
	cache := &fakeCache{}
	resolved := 0
	r, err := New(Config{
		Shared: shared,
		Cache:  cache,
		Resolver: ResolverFunc(func(string) (int64, error) {
			resolved++
			return 0, nil
		}),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, op := range []Op{OpExist, OpRead, OpWrite, OpRemove, OpList} {
		ctx, backend, err := r.Route(context.Background(), op, "x")
		if err != nil {
			t.Fatalf("route %s: %v", op, err)
		}
		if backend != shared {
			t.Fatalf("route %s: expected shared backend", op)
		}
		if scope, ok := storage.ScopeFromContext(ctx); !ok || scope.Scoped {
			t.Fatalf("route %s: expected unscoped context, got %+v", op, scope)
		}
	}
	if len(cache.calls) != 0 || resolved != 0 {
		t.Fatalf("cache or resolver consulted with BYOK off: calls=%d resolved=%d", len(cache.calls), resolved)
	}
}

func TestRouteWithBYOKResolvesCollection(t *testing.T) {
	scoped := memory.New()
	cache := &fakeCache{backend: scoped}
	r, err := New(Config{
		BYOK:         true,
		Cache:        cache,
		Resolver:     RootOffsetResolver{RootPath: "files"},
		InstanceName: "inst",
		BucketName:   "bucket",
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, backend, err := r.Route(context.Background(), OpRead, "a/b/42/file.bin")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if backend != scoped {
		t.Fatalf("expected scoped backend")
	}
	call := cache.calls[0]
	if call.id != 42 || call.instance != "inst" || call.bucket != "bucket" || !call.write {
		t.Fatalf("unexpected resolve call %+v", call)
	}
	if scope, ok := storage.ScopeFromContext(ctx); !ok || !scope.Scoped || scope.CollectionID != 42 {
		t.Fatalf("unexpected scope %+v", scope)
	}
	if call.scope.CollectionID != 42 {
		t.Fatalf("expected scope attached before resolve, got %+v", call.scope)
	}

	if _, _, err := r.Route(context.Background(), OpList, "anything"); err != nil {
		t.Fatalf("route list: %v", err)
	}
	if got := cache.calls[1].id; got != storage.GlobalCollectionID {
		t.Fatalf("expected listing to use global id, got %d", got)
	}
}

func TestRoutePropagatesFailuresWithoutFallback(t *testing.T) {
	shared := memory.New()
	cacheErr := errors.New("boom")
	cache := &fakeCache{err: cacheErr}
	r, err := New(Config{
		Shared:   shared,
		BYOK:     true,
		Cache:    cache,
		Resolver: RootOffsetResolver{},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, backend, err := r.Route(context.Background(), OpRead, "short"); !errors.Is(err, ErrPathScopeUnresolvable) || backend != nil {
		t.Fatalf("expected unresolvable without backend, got %v %v", backend, err)
	}
	if len(cache.calls) != 0 {
		t.Fatalf("cache consulted for unresolvable path")
	}
	if _, backend, err := r.Route(context.Background(), OpWrite, "a/b/1/f"); !errors.Is(err, cacheErr) || backend != nil {
		t.Fatalf("expected cache error without fallback, got %v %v", backend, err)
	}
}

func TestWriteAccessPolicy(t *testing.T) {
	cache := &fakeCache{backend: memory.New()}
	r, err := New(Config{
		BYOK:        true,
		Cache:       cache,
		Resolver:    SegmentResolver{Index: 0},
		WritePolicy: WriteAccessOperation,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for _, op := range []Op{OpRead, OpWrite, OpExist, OpRemove} {
		if _, _, err := r.Route(context.Background(), op, "5/f"); err != nil {
			t.Fatalf("route %s: %v", op, err)
		}
	}
	want := []bool{false, true, false, true}
	for i, call := range cache.calls {
		if call.write != want[i] {
			t.Fatalf("call %d: expected write=%v, got %v", i, want[i], call.write)
		}
	}
	if !WriteAccessAlways.WriteAccess(OpRead) {
		t.Fatalf("always policy must request write access")
	}
	if _, err := ParseWriteAccessPolicy("sometimes"); err == nil {
		t.Fatalf("expected unknown policy error")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without shared backend")
	}
	if _, err := New(Config{BYOK: true, Resolver: RootOffsetResolver{}}); err == nil {
		t.Fatalf("expected error without cache")
	}
	if _, err := New(Config{BYOK: true, Cache: &fakeCache{}}); err == nil {
		t.Fatalf("expected error without resolver")
	}
}

func TestParseOp(t *testing.T) {
	for name, want := range map[string]Op{"read": OpRead, "get": OpRead, "put": OpWrite, "ls": OpList, "Remove": OpRemove, "size": OpSize} {
		got, err := ParseOp(name)
		if err != nil || got != want {
			t.Fatalf("ParseOp(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParseOp("chmod"); err == nil {
		t.Fatalf("expected unknown op error")
	}
}

func TestPlanScopeWithoutBackends(t *testing.T) {
	plan := Plan{BYOK: true, Resolver: RootOffsetResolver{RootPath: "files"}, WritePolicy: WriteAccessOperation}
	scope, err := plan.Scope(OpRemove, "files/delta_log/42/7/1")
	if err != nil {
		t.Fatalf("scope: %v", err)
	}
	if !scope.Scoped || scope.CollectionID != 42 || !scope.WriteAccess {
		t.Fatalf("unexpected scope %+v", scope)
	}
	if scope, err = plan.Scope(OpSize, "files/delta_log/42/7/1"); err != nil || scope.WriteAccess {
		t.Fatalf("expected read-only scope, got %+v err=%v", scope, err)
	}
	if scope, err = plan.Scope(OpList, "files/"); err != nil || scope.CollectionID != storage.GlobalCollectionID {
		t.Fatalf("expected global listing scope, got %+v err=%v", scope, err)
	}
	if _, err := plan.Scope(OpRead, "files/x"); !errors.Is(err, ErrPathScopeUnresolvable) {
		t.Fatalf("expected unresolvable path, got %v", err)
	}
	if scope, err := (Plan{}).Scope(OpWrite, "files/delta_log/42/7/1"); err != nil || scope.Scoped {
		t.Fatalf("expected shared scope without BYOK, got %+v err=%v", scope, err)
	}
}
