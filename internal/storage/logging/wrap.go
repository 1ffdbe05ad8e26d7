package logging

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/scopedstore/internal/correlation"
	"pkt.systems/scopedstore/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with trace/debug logging.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if inner == nil {
		return nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/scopedstore/storage"),
		sys:    sys,
	}
}

func (b *backend) start(ctx context.Context, op string) (context.Context, trace.Span, pslog.Logger, time.Time, func(string, error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "scopedstore.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("scopedstore.storage.operation", op),
		attribute.String("scopedstore.sys", b.sys),
	)
	span.AddEvent("scopedstore.storage.begin")

	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	} else if corr := correlation.ID(ctx); corr != "" {
		logger = logger.With("cid", corr)
	}
	if corr := correlation.ID(ctx); corr != "" {
		span.SetAttributes(attribute.String("scopedstore.correlation_id", corr))
	}
	if scope, ok := storage.ScopeFromContext(ctx); ok {
		span.SetAttributes(
			attribute.Bool("scopedstore.storage.scoped", scope.Scoped),
			attribute.Int64("scopedstore.storage.collection_id", scope.CollectionID),
			attribute.Bool("scopedstore.storage.write_access", scope.WriteAccess),
		)
		if scope.Scoped {
			logger = logger.With("collection_id", scope.CollectionID)
		}
	}

	ctx = pslog.ContextWithLogger(ctx, logger)
	return ctx, span, logger, begin, func(result string, err error) {
		duration := time.Since(begin).Milliseconds()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.AddEvent("scopedstore.storage.end", trace.WithAttributes(
			attribute.String("scopedstore.storage.result", result),
			attribute.Int64("scopedstore.storage.duration_ms", duration),
		))
	}
}

func (b *backend) StatObject(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "stat_object")
	defer span.End()

	span.SetAttributes(attribute.Bool("scopedstore.storage.has_key", key != ""))
	verbose.Trace("storage.stat_object.begin", "key", key)
	info, err := b.inner.StatObject(ctx, key)
	if err != nil {
		finish("error", err)
		verbose.Debug("storage.stat_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return info, err
	}
	size := int64(0)
	if info != nil {
		size = info.Size
	}
	span.SetAttributes(attribute.Int64("scopedstore.storage.object_size", size))
	finish("ok", nil)
	verbose.Debug("storage.stat_object.success", "key", key, "size", size, "elapsed", time.Since(begin))
	return info, nil
}

func (b *backend) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "get_object")
	defer span.End()

	span.SetAttributes(attribute.Bool("scopedstore.storage.has_key", key != ""))
	verbose.Trace("storage.get_object.begin", "key", key)
	result, err := b.inner.GetObject(ctx, key)
	if err != nil {
		finish("error", err)
		verbose.Debug("storage.get_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return result, err
	}
	info := result.Info
	etag := ""
	size := int64(0)
	if info != nil {
		etag = info.ETag
		size = info.Size
	}
	span.SetAttributes(
		attribute.Bool("scopedstore.storage.found", info != nil),
		attribute.Bool("scopedstore.storage.has_etag", etag != ""),
		attribute.Int64("scopedstore.storage.object_size", size),
	)
	finish("ok", nil)
	verbose.Debug("storage.get_object.success", "key", key, "etag", etag, "size", size, "elapsed", time.Since(begin))
	return result, nil
}

func (b *backend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "put_object")
	defer span.End()

	span.SetAttributes(
		attribute.Bool("scopedstore.storage.has_key", key != ""),
		attribute.String("scopedstore.storage.content_type", opts.ContentType),
	)
	verbose.Trace("storage.put_object.begin", "key", key, "content_type", opts.ContentType, "size_hint", opts.Size)
	info, err := b.inner.PutObject(ctx, key, body, opts)
	if err != nil {
		finish("error", err)
		verbose.Debug("storage.put_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return info, err
	}
	etag := ""
	size := int64(0)
	if info != nil {
		etag = info.ETag
		size = info.Size
	}
	span.SetAttributes(attribute.Int64("scopedstore.storage.object_size", size))
	finish("ok", nil)
	verbose.Debug("storage.put_object.success", "key", key, "etag", etag, "size", size, "elapsed", time.Since(begin))
	return info, nil
}

func (b *backend) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	ctx, span, verbose, begin, finish := b.start(ctx, "delete_object")
	defer span.End()

	span.SetAttributes(
		attribute.Bool("scopedstore.storage.has_key", key != ""),
		attribute.Bool("scopedstore.storage.ignore_not_found", opts.IgnoreNotFound),
	)
	verbose.Trace("storage.delete_object.begin", "key", key, "ignore_not_found", opts.IgnoreNotFound)
	if err := b.inner.DeleteObject(ctx, key, opts); err != nil {
		finish("error", err)
		verbose.Debug("storage.delete_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return err
	}
	finish("ok", nil)
	verbose.Debug("storage.delete_object.success", "key", key, "elapsed", time.Since(begin))
	return nil
}

func (b *backend) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "list_objects")
	defer span.End()

	span.SetAttributes(
		attribute.String("scopedstore.storage.prefix", opts.Prefix),
		attribute.String("scopedstore.storage.start_after", opts.StartAfter),
		attribute.Int("scopedstore.storage.limit", opts.Limit),
		attribute.Bool("scopedstore.storage.recursive", opts.Recursive),
	)
	verbose.Trace("storage.list_objects.begin",
		"prefix", opts.Prefix,
		"start_after", opts.StartAfter,
		"limit", opts.Limit,
		"recursive", opts.Recursive,
	)
	result, err := b.inner.ListObjects(ctx, opts)
	if err != nil {
		finish("error", err)
		verbose.Debug("storage.list_objects.error", "error", err, "elapsed", time.Since(begin))
		return result, err
	}
	count := 0
	prefixes := 0
	if result != nil {
		count = len(result.Objects)
		prefixes = len(result.Prefixes)
	}
	span.SetAttributes(
		attribute.Int("scopedstore.storage.object_count", count),
		attribute.Int("scopedstore.storage.prefix_count", prefixes),
	)
	finish("ok", nil)
	verbose.Debug("storage.list_objects.success",
		"prefix", opts.Prefix,
		"start_after", opts.StartAfter,
		"limit", opts.Limit,
		"count", count,
		"prefixes", prefixes,
		"truncated", result != nil && result.Truncated,
		"elapsed", time.Since(begin),
	)
	return result, nil
}

func (b *backend) Close() error {
	_, span, verbose, begin, finish := b.start(context.Background(), "close")
	defer span.End()

	verbose.Trace("storage.close.begin")
	if err := b.inner.Close(); err != nil {
		finish("error", err)
		verbose.Debug("storage.close.error", "error", err, "elapsed", time.Since(begin))
		return err
	}
	finish("ok", nil)
	verbose.Debug("storage.close.success", "elapsed", time.Since(begin))
	return nil
}
