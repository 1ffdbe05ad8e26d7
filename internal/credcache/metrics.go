package credcache

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type cacheMetrics struct {
	lookups     metric.Int64Counter
	refreshes   metric.Int64Counter
	fetchErrors metric.Int64Counter
	evictions   metric.Int64Counter
	entries     metric.Int64ObservableGauge
}

func newCacheMetrics(logger pslog.Logger, provider metric.MeterProvider, cache *Cache) *cacheMetrics {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter("pkt.systems/scopedstore/credcache")
	m := &cacheMetrics{}
	var err error

	m.lookups, err = meter.Int64Counter(
		"scopedstore.credcache.lookup",
		metric.WithDescription("Credential cache lookups by result"),
	)
	logMetricInitError(logger, "scopedstore.credcache.lookup", err)

	m.refreshes, err = meter.Int64Counter(
		"scopedstore.credcache.refresh",
		metric.WithDescription("Scoped backends built from freshly fetched credentials"),
	)
	logMetricInitError(logger, "scopedstore.credcache.refresh", err)

	m.fetchErrors, err = meter.Int64Counter(
		"scopedstore.credcache.fetch_error",
		metric.WithDescription("Credential fetch or backend construction failures"),
	)
	logMetricInitError(logger, "scopedstore.credcache.fetch_error", err)

	m.evictions, err = meter.Int64Counter(
		"scopedstore.credcache.eviction",
		metric.WithDescription("Entries removed by the size bound"),
	)
	logMetricInitError(logger, "scopedstore.credcache.eviction", err)

	m.entries, err = meter.Int64ObservableGauge(
		"scopedstore.credcache.entries",
		metric.WithDescription("Resident cache entries"),
	)
	logMetricInitError(logger, "scopedstore.credcache.entries", err)

	if m.entries != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.entries, int64(cache.Len()))
			return nil
		}, m.entries); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "scopedstore.credcache.entries", "error", err)
		}
	}
	return m
}

func (m *cacheMetrics) recordLookup(ctx context.Context, result string, global bool) {
	if m == nil || m.lookups == nil {
		return
	}
	m.lookups.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("scopedstore.credcache.result", result),
		attribute.Bool("scopedstore.credcache.global", global),
	))
}

func (m *cacheMetrics) recordRefresh(ctx context.Context, global bool) {
	if m == nil || m.refreshes == nil {
		return
	}
	m.refreshes.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.Bool("scopedstore.credcache.global", global)))
}

func (m *cacheMetrics) recordFetchError(ctx context.Context, kind string) {
	if m == nil || m.fetchErrors == nil {
		return
	}
	m.fetchErrors.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("scopedstore.credcache.error", kind)))
}

func (m *cacheMetrics) recordEviction(ctx context.Context) {
	if m == nil || m.evictions == nil {
		return
	}
	m.evictions.Add(metricContext(ctx), 1)
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
