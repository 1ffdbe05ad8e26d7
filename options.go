package scopedstore

import (
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"pkt.systems/scopedstore/internal/clock"
	"pkt.systems/scopedstore/internal/credcache"
	"pkt.systems/scopedstore/internal/credential"
	"pkt.systems/scopedstore/internal/storage"
)

// Re-exported types so callers can supply collaborators.
type (
	// Backend is the object-storage contract served by every backend.
	Backend = storage.Backend
	// StorageConfig is the provider-neutral storage template.
	StorageConfig = storage.Config
	// ObjectInfo describes a stored object.
	ObjectInfo = storage.ObjectInfo
	// CredentialRequest describes one credential fetch.
	CredentialRequest = credential.Request
	// CredentialRecord holds issued credentials.
	CredentialRecord = credential.Record
	// CredentialFetcher issues credentials.
	CredentialFetcher = credcache.Fetcher
	// CredentialFetcherFunc adapts a function to CredentialFetcher.
	CredentialFetcherFunc = credcache.FetcherFunc
	// BackendFactory builds a backend from a derived storage config.
	BackendFactory = credcache.Factory
	// Clock abstracts time for tests.
	Clock = clock.Clock
)

// Option customises Store construction.
type Option func(*options)

type options struct {
	logger        pslog.Logger
	fetcher       credcache.Fetcher
	shared        storage.Backend
	factory       credcache.Factory
	clock         clock.Clock
	meterProvider metric.MeterProvider
}

// WithLogger sets the base logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithCredentialFetcher replaces the gRPC access-manager client.
func WithCredentialFetcher(f CredentialFetcher) Option {
	return func(o *options) {
		o.fetcher = f
	}
}

// WithSharedBackend supplies the backend used when BYOK is disabled. The
// Store does not close it.
func WithSharedBackend(b Backend) Option {
	return func(o *options) {
		o.shared = b
	}
}

// WithBackendFactory replaces how scoped backends are built from derived
// configs.
func WithBackendFactory(f BackendFactory) Option {
	return func(o *options) {
		o.factory = f
	}
}

// WithClock overrides the clock used for credential expiry and retry
// backoff.
func WithClock(c Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithMeterProvider sets the meter provider for cache metrics.
func WithMeterProvider(p metric.MeterProvider) Option {
	return func(o *options) {
		o.meterProvider = p
	}
}
