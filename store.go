package scopedstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"

	"pkt.systems/scopedstore/internal/clock"
	"pkt.systems/scopedstore/internal/credcache"
	"pkt.systems/scopedstore/internal/credential"
	"pkt.systems/scopedstore/internal/loggingutil"
	"pkt.systems/scopedstore/internal/router"
	"pkt.systems/scopedstore/internal/storage"
	loggingbackend "pkt.systems/scopedstore/internal/storage/logging"
	"pkt.systems/scopedstore/internal/storage/retry"
)

// Name identifies the store in logs and diagnostics.
const Name = "CollectionScopedStore"

// Store routes object-storage calls either to a shared backend or to a
// backend scoped by per-collection credentials. It is safe for concurrent
// use.
type Store struct {
	cfg       Config
	template  storage.Config
	logger    pslog.Logger
	clock     clock.Clock
	retryCfg  retry.Config
	router    *router.Router
	cache     *credcache.Cache
	shared    storage.Backend
	ownShared bool
	closers   []func() error
	telemetry *telemetryBundle

	closeOnce sync.Once
	closeErr  error
}

// New validates cfg and builds a Store. With BYOK disabled the shared backend
// is opened (or taken from WithSharedBackend). With BYOK enabled a credential
// cache is created and the access manager is dialled unless
// WithCredentialFetcher is supplied.
func New(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	template, err := cfg.StorageTemplate()
	if err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	logger := loggingutil.EnsureLogger(o.logger)
	clk := o.clock
	if clk == nil {
		clk = clock.Real{}
	}
	s := &Store{
		cfg:      cfg,
		template: template,
		logger:   logger,
		clock:    clk,
		retryCfg: retry.Config{
			MaxAttempts: cfg.StorageRetryMaxAttempts,
			BaseDelay:   cfg.StorageRetryBaseDelay,
			MaxDelay:    cfg.StorageRetryMaxDelay,
			Multiplier:  cfg.StorageRetryMultiplier,
		},
	}

	s.telemetry, err = setupTelemetry(ctx, telemetryConfig{
		OTLPEndpoint:           cfg.OTLPEndpoint,
		MetricsListen:          cfg.MetricsListen,
		PprofListen:            cfg.PprofListen,
		EnableProfilingMetrics: cfg.EnableProfilingMetrics,
	}, loggingutil.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	if s.telemetry != nil {
		s.closers = append(s.closers, func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return s.telemetry.Shutdown(shutdownCtx)
		})
	}
	meterProvider := o.meterProvider
	if meterProvider == nil {
		meterProvider = s.telemetry.meter()
	}

	routerCfg := router.Config{
		BYOK:         cfg.BYOK,
		InstanceName: cfg.InstanceName,
		BucketName:   template.Bucket,
		WritePolicy:  router.WriteAccessPolicy(cfg.WriteAccess),
		Logger:       logger,
	}

	if o.shared != nil {
		s.shared = o.shared
	} else if !cfg.BYOK {
		raw, err := openBackend(template)
		if err != nil {
			s.closeAll()
			return nil, err
		}
		if err := ensureObjectStoreReady(ctx, raw, template.Bucket); err != nil {
			_ = raw.Close()
			s.closeAll()
			return nil, err
		}
		s.shared = s.wrap(raw, "storage.backend.shared")
		s.ownShared = true
	}
	routerCfg.Shared = s.shared

	if cfg.BYOK {
		fetcher := o.fetcher
		if fetcher == nil {
			client, err := credential.Dial(credential.Config{
				Address:         cfg.AccessManagerURL,
				TLS:             cfg.AccessManagerTLS,
				Method:          cfg.AccessManagerMethod,
				Timeout:         cfg.AccessManagerTimeout,
				Bucket:          template.Bucket,
				ApplicationType: cfg.ApplicationType,
				Logger:          logger,
			})
			if err != nil {
				s.closeAll()
				return nil, err
			}
			s.closers = append(s.closers, client.Close)
			fetcher = client
		}
		build := o.factory
		if build == nil {
			build = func(_ context.Context, sc storage.Config) (storage.Backend, error) {
				return openBackend(sc)
			}
		}
		cache, err := credcache.New(credcache.Config{
			Template: template,
			Fetcher:  fetcher,
			Factory: func(ctx context.Context, sc storage.Config) (storage.Backend, error) {
				raw, err := build(ctx, sc)
				if err != nil {
					return nil, err
				}
				return s.wrap(raw, "storage.backend.scoped"), nil
			},
			Clock:            clk,
			Logger:           logger,
			MeterProvider:    meterProvider,
			RefreshThreshold: cfg.CredentialRefreshThreshold,
			MaxEntries:       cfg.CacheMaxEntries,
		})
		if err != nil {
			s.closeAll()
			return nil, err
		}
		s.cache = cache
		routerCfg.Cache = cache
		routerCfg.Resolver = cfg.pathResolver()
	}

	s.router, err = router.New(routerCfg)
	if err != nil {
		s.closeAll()
		return nil, err
	}
	logger.Info("scopedstore.ready",
		"provider", string(template.Provider),
		"bucket", template.Bucket,
		"root_path", cfg.RootPath,
		"byok", cfg.BYOK,
		"segment_index", cfg.SegmentIndex(),
		"write_access", cfg.WriteAccess,
	)
	return s, nil
}

func (s *Store) wrap(raw storage.Backend, sys string) storage.Backend {
	backendLogger := loggingutil.WithSubsystem(s.logger, sys)
	backend := loggingbackend.Wrap(raw, backendLogger.With("layer", "backend"), sys)
	return retry.Wrap(backend, backendLogger.With("layer", "retry"), s.clock, s.retryCfg)
}

// Close releases the credential cache, the owned shared backend, the
// access-manager connection and telemetry exporters.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.closeAll()
	})
	return s.closeErr
}

func (s *Store) closeAll() error {
	var errs []error
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.ownShared && s.shared != nil {
		if err := s.shared.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Name returns the store name.
func (s *Store) Name() string { return Name }

// RootPath returns the configured logical root.
func (s *Store) RootPath() string { return s.cfg.RootPath }

// BucketName returns the bucket (or container) of the storage template.
func (s *Store) BucketName() string { return s.template.Bucket }

// UseCollectionIDBasedIndexPath reports whether index files are laid out by
// collection id.
func (s *Store) UseCollectionIDBasedIndexPath() bool { return s.cfg.CollectionIDIndexPath }

// BYOK reports whether calls are routed through collection credentials.
func (s *Store) BYOK() bool { return s.router.BYOK() }

// StorageTemplate returns a copy of the template scoped configs derive from.
func (s *Store) StorageTemplate() StorageConfig { return s.template.Clone() }

// CacheEntries returns a snapshot of the credential cache. It is empty when
// BYOK is disabled.
func (s *Store) CacheEntries() []credcache.Entry {
	if s.cache == nil {
		return nil
	}
	return s.cache.Entries()
}

// Invalidate drops cached credentials for collectionID.
func (s *Store) Invalidate(collectionID int64) int {
	if s.cache == nil {
		return 0
	}
	return s.cache.Invalidate(collectionID)
}

// Reset drops every cached credential-scoped backend.
func (s *Store) Reset() error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Reset()
}

// Scope reports how a call of kind op on path would be routed.
func (s *Store) Scope(op router.Op, path string) (storage.Scope, error) {
	return s.router.Scope(op, path)
}

// PlanRoute reports how a call of kind op on path would be routed under cfg,
// together with the bucket of the storage template. Nothing is opened or
// dialled.
func PlanRoute(cfg Config, op router.Op, path string) (storage.Scope, string, error) {
	if err := cfg.Validate(); err != nil {
		return storage.Scope{}, "", err
	}
	template, err := cfg.StorageTemplate()
	if err != nil {
		return storage.Scope{}, "", err
	}
	plan := router.Plan{
		BYOK:        cfg.BYOK,
		Resolver:    cfg.pathResolver(),
		WritePolicy: router.WriteAccessPolicy(cfg.WriteAccess),
	}
	scope, err := plan.Scope(op, path)
	if err != nil {
		return storage.Scope{}, "", err
	}
	return scope, template.Bucket, nil
}

func (s *Store) route(ctx context.Context, op router.Op, path string) (context.Context, storage.Backend, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.router.Route(ctx, op, path)
}

// Exist reports whether path exists.
func (s *Store) Exist(ctx context.Context, path string) (bool, error) {
	ctx, backend, err := s.route(ctx, router.OpExist, path)
	if err != nil {
		return false, err
	}
	if _, err := backend.StatObject(ctx, path); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Size returns the object size in bytes.
func (s *Store) Size(ctx context.Context, path string) (int64, error) {
	ctx, backend, err := s.route(ctx, router.OpSize, path)
	if err != nil {
		return 0, err
	}
	info, err := backend.StatObject(ctx, path)
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

// Read copies the whole object at path into buf and returns the number of
// bytes read. ErrShortBuffer is returned when the object does not fit.
func (s *Store) Read(ctx context.Context, path string, buf []byte) (int, error) {
	ctx, backend, err := s.route(ctx, router.OpRead, path)
	if err != nil {
		return 0, err
	}
	result, err := backend.GetObject(ctx, path)
	if err != nil {
		return 0, err
	}
	defer result.Reader.Close()
	if result.Info != nil && result.Info.Size > int64(len(buf)) {
		return 0, fmt.Errorf("%w: %s is %d bytes, buffer holds %d", ErrShortBuffer, path, result.Info.Size, len(buf))
	}
	n, err := io.ReadFull(result.Reader, buf)
	switch {
	case err == nil:
		var probe [1]byte
		if m, _ := result.Reader.Read(probe[:]); m > 0 {
			return n, fmt.Errorf("%w: %s exceeds %d bytes", ErrShortBuffer, path, len(buf))
		}
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
	default:
		return n, err
	}
	return n, nil
}

// ReadAll returns the whole object at path.
func (s *Store) ReadAll(ctx context.Context, path string) ([]byte, error) {
	ctx, backend, err := s.route(ctx, router.OpRead, path)
	if err != nil {
		return nil, err
	}
	result, err := backend.GetObject(ctx, path)
	if err != nil {
		return nil, err
	}
	defer result.Reader.Close()
	return io.ReadAll(result.Reader)
}

// Write stores data at path, replacing any existing object.
func (s *Store) Write(ctx context.Context, path string, data []byte) error {
	ctx, backend, err := s.route(ctx, router.OpWrite, path)
	if err != nil {
		return err
	}
	_, err = backend.PutObject(ctx, path, bytes.NewReader(data), storage.PutObjectOptions{
		ContentType: storage.ContentTypeOctetStream,
		Size:        int64(len(data)),
	})
	return err
}

// Remove deletes the object at path.
func (s *Store) Remove(ctx context.Context, path string) error {
	ctx, backend, err := s.route(ctx, router.OpRemove, path)
	if err != nil {
		return err
	}
	return backend.DeleteObject(ctx, path, storage.DeleteObjectOptions{})
}

// ListWithPrefix returns the objects below prefix in lexical order. With
// recursive unset, only objects directly below prefix are returned and each
// deeper level is reported once as an entry whose key is the sub-prefix
// ending in "/" (zero size, no modification time).
func (s *Store) ListWithPrefix(ctx context.Context, prefix string, recursive bool) ([]ObjectInfo, error) {
	ctx, backend, err := s.route(ctx, router.OpList, prefix)
	if err != nil {
		return nil, err
	}
	var out []ObjectInfo
	seen := make(map[string]struct{})
	opts := storage.ListOptions{Prefix: prefix, Recursive: recursive}
	for {
		res, err := backend.ListObjects(ctx, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, res.Objects...)
		for _, p := range res.Prefixes {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, ObjectInfo{Key: p})
		}
		if !res.Truncated || res.NextStartAfter == "" || res.NextStartAfter == opts.StartAfter {
			break
		}
		opts.StartAfter = res.NextStartAfter
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// ReadAt is not supported.
func (s *Store) ReadAt(_ context.Context, path string, _ []byte, offset int64) (int, error) {
	return 0, fmt.Errorf("%w: %s read at offset %d", ErrNotImplemented, Name, offset)
}

// WriteAt is not supported.
func (s *Store) WriteAt(_ context.Context, path string, _ []byte, offset int64) error {
	return fmt.Errorf("%w: %s write at offset %d", ErrNotImplemented, Name, offset)
}

// MultiRead reads every path, routing each independently. Failed entries are
// nil in the result and their errors are joined.
func (s *Store) MultiRead(ctx context.Context, paths []string) ([][]byte, error) {
	out := make([][]byte, len(paths))
	var errs []error
	for i, path := range paths {
		data, err := s.ReadAll(ctx, path)
		if err != nil {
			errs = append(errs, fmt.Errorf("read %s: %w", path, err))
			continue
		}
		out[i] = data
	}
	return out, errors.Join(errs...)
}

// MultiWrite writes every entry in key order, routing each independently.
// Errors are joined.
func (s *Store) MultiWrite(ctx context.Context, objects map[string][]byte) error {
	keys := make([]string, 0, len(objects))
	for key := range objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var errs []error
	for _, key := range keys {
		if err := s.Write(ctx, key, objects[key]); err != nil {
			errs = append(errs, fmt.Errorf("write %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// RemoveWithPrefix lists every object below prefix and deletes them in
// batches of DefaultRemovePrefixBatch concurrent removals. Each delete is
// routed through its own collection scope.
func (s *Store) RemoveWithPrefix(ctx context.Context, prefix string) error {
	objects, err := s.ListWithPrefix(ctx, prefix, true)
	if err != nil {
		return err
	}
	for start := 0; start < len(objects); start += DefaultRemovePrefixBatch {
		end := min(start+DefaultRemovePrefixBatch, len(objects))
		g, gctx := errgroup.WithContext(ctx)
		for _, obj := range objects[start:end] {
			key := obj.Key
			g.Go(func() error {
				if err := s.Remove(gctx, key); err != nil {
					return fmt.Errorf("remove %s: %w", key, err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}
