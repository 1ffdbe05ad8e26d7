package scopedstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/pslog"
)

const (
	otlpGRPCPort     = "4317"
	otlpHTTPPort     = "4318"
	otlpSendTimeout  = 10 * time.Second
	telemetryService = "scopedstore"
)

// telemetryConfig selects which exporters and listeners are started.
type telemetryConfig struct {
	OTLPEndpoint           string
	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
}

func (c telemetryConfig) enabled() bool {
	return strings.TrimSpace(c.OTLPEndpoint) != "" ||
		strings.TrimSpace(c.MetricsListen) != "" ||
		strings.TrimSpace(c.PprofListen) != "" ||
		c.EnableProfilingMetrics
}

// telemetryBundle owns the providers and listeners started for one Store.
// Stop functions run in reverse start order on Shutdown.
type telemetryBundle struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	metricsLn      net.Listener
	stops          []telemetryStop
	logger         pslog.Logger
}

type telemetryStop struct {
	name string
	fn   func(context.Context) error
}

func (t *telemetryBundle) onShutdown(name string, fn func(context.Context) error) {
	t.stops = append(t.stops, telemetryStop{name: name, fn: fn})
}

// Shutdown flushes exporters and closes listeners. It keeps going after a
// failure and returns every error joined.
func (t *telemetryBundle) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	for i := len(t.stops) - 1; i >= 0; i-- {
		stop := t.stops[i]
		if err := stop.fn(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("%s shutdown: %w", stop.name, err))
			t.logger.Warn("telemetry.shutdown.failure", "component", stop.name, "error", err)
		}
	}
	t.stops = nil
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	t.logger.Info("telemetry.shutdown.complete")
	return nil
}

// MetricsAddr returns the bound Prometheus listener address, if any.
func (t *telemetryBundle) MetricsAddr() string {
	if t == nil || t.metricsLn == nil {
		return ""
	}
	return t.metricsLn.Addr().String()
}

func (t *telemetryBundle) meter() metric.MeterProvider {
	if t == nil || t.meterProvider == nil {
		return nil
	}
	return t.meterProvider
}

type otelErrorHandler struct {
	logger pslog.Logger
}

func (h otelErrorHandler) Handle(err error) {
	if err == nil {
		return
	}
	// Collectors that are still starting produce this on every export.
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		h.logger.Debug("telemetry.exporter.retry", "error", err)
		return
	}
	h.logger.Warn("telemetry.exporter.error", "error", err)
}

// setupTelemetry starts tracing, metrics and pprof as selected by cfg. It
// returns nil when nothing is enabled. A failure part way through stops
// whatever was already started.
func setupTelemetry(ctx context.Context, cfg telemetryConfig, logger pslog.Logger) (*telemetryBundle, error) {
	if !cfg.enabled() {
		return nil, nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	metricsListen := strings.TrimSpace(cfg.MetricsListen)
	if cfg.EnableProfilingMetrics && metricsListen == "" {
		return nil, fmt.Errorf("telemetry: profiling metrics require metrics listen address")
	}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceName(telemetryService)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	bundle := &telemetryBundle{logger: logger}
	fail := func(err error) (*telemetryBundle, error) {
		_ = bundle.Shutdown(ctx)
		return nil, err
	}

	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		target, err := resolveOTLPTarget(endpoint)
		if err != nil {
			return nil, err
		}
		exporter, err := newTraceExporter(ctx, target)
		if err != nil {
			return nil, err
		}
		bundle.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
			sdktrace.WithBatcher(exporter),
		)
		bundle.onShutdown("trace", bundle.tracerProvider.Shutdown)
		otel.SetTracerProvider(bundle.tracerProvider)
		logger.Info("telemetry.tracing.enabled",
			"protocol", target.protocol,
			"endpoint", target.endpoint,
			"path", target.path,
			"insecure", target.insecure,
		)
	}

	if metricsListen != "" {
		registry := prometheus.NewRegistry()
		exporterOpts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
		if cfg.EnableProfilingMetrics {
			exporterOpts = append(exporterOpts, otelprometheus.WithProducer(otelruntime.NewProducer()))
		}
		exporter, err := otelprometheus.New(exporterOpts...)
		if err != nil {
			return fail(fmt.Errorf("telemetry: start prometheus exporter: %w", err))
		}
		bundle.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		bundle.onShutdown("metric", bundle.meterProvider.Shutdown)
		otel.SetMeterProvider(bundle.meterProvider)
		if cfg.EnableProfilingMetrics {
			if err := startRuntimeMetrics(bundle.meterProvider); err != nil {
				return fail(err)
			}
			logger.Info("profiling.metrics.enabled")
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		ln, err := bundle.serve("metrics server", metricsListen, mux)
		if err != nil {
			return fail(fmt.Errorf("telemetry: metrics listen: %w", err))
		}
		bundle.metricsLn = ln
		logger.Info("telemetry.metrics.enabled", "listen", ln.Addr().String())
	}

	if pprofListen := strings.TrimSpace(cfg.PprofListen); pprofListen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		ln, err := bundle.serve("pprof server", pprofListen, mux)
		if err != nil {
			return fail(fmt.Errorf("profiling: pprof listen: %w", err))
		}
		logger.Info("profiling.pprof.enabled", "listen", ln.Addr().String())
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetErrorHandler(otelErrorHandler{logger: logger})
	return bundle, nil
}

// serve binds addr and serves handler in the background until Shutdown.
func (t *telemetryBundle) serve(name, addr string, handler http.Handler) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Warn("telemetry.serve_error", "component", name, "error", err)
		}
	}()
	t.onShutdown(name, srv.Shutdown)
	return ln, nil
}

func newTraceExporter(ctx context.Context, target otlpTarget) (sdktrace.SpanExporter, error) {
	switch target.protocol {
	case "grpc":
		creds := insecure.NewCredentials()
		if !target.insecure {
			creds = credentials.NewClientTLSFromCert(nil, "")
		}
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(target.endpoint),
			otlptracegrpc.WithTimeout(otlpSendTimeout),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(creds)),
		}
		if target.insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: start trace exporter (grpc): %w", err)
		}
		return exporter, nil
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(target.endpoint),
			otlptracehttp.WithTimeout(otlpSendTimeout),
		}
		if target.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if target.path != "" && target.path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(target.path))
		}
		exporter, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("telemetry: start trace exporter (http): %w", err)
		}
		return exporter, nil
	default:
		return nil, fmt.Errorf("telemetry: unsupported protocol %q", target.protocol)
	}
}

var (
	runtimeMetricsOnce sync.Once
	runtimeMetricsErr  error
)

// startRuntimeMetrics registers Go runtime instruments once per process.
func startRuntimeMetrics(provider metric.MeterProvider) error {
	if provider == nil {
		return fmt.Errorf("profiling: meter provider unavailable")
	}
	runtimeMetricsOnce.Do(func() {
		runtimeMetricsErr = otelruntime.Start(otelruntime.WithMeterProvider(provider))
	})
	return runtimeMetricsErr
}

type otlpTarget struct {
	protocol string // "grpc" or "http"
	endpoint string // host:port
	path     string
	insecure bool
}

// otlpSchemes maps endpoint URL schemes to exporter settings.
var otlpSchemes = map[string]otlpTarget{
	"grpc":  {protocol: "grpc", insecure: true},
	"grpcs": {protocol: "grpc"},
	"http":  {protocol: "http", insecure: true},
	"https": {protocol: "http"},
}

// resolveOTLPTarget parses an OTLP endpoint. A bare host[:port] means
// plaintext gRPC. Missing ports default to 4317 for gRPC and 4318 for HTTP.
func resolveOTLPTarget(raw string) (otlpTarget, error) {
	if raw == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		return otlpTarget{protocol: "grpc", endpoint: withDefaultPort(raw, otlpGRPCPort), insecure: true}, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	target, ok := otlpSchemes[strings.ToLower(u.Scheme)]
	if !ok {
		return otlpTarget{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
	host := u.Host
	if host == "" {
		host = u.Path
		u.Path = ""
	}
	if host == "" {
		return otlpTarget{}, fmt.Errorf("telemetry: missing endpoint host")
	}
	target.path = strings.TrimSuffix(u.Path, "/")
	port := otlpGRPCPort
	if target.protocol == "http" {
		port = otlpHTTPPort
	}
	target.endpoint = withDefaultPort(host, port)
	return target, nil
}

func withDefaultPort(host, port string) string {
	if strings.Contains(host, ":") {
		return host
	}
	return net.JoinHostPort(host, port)
}
