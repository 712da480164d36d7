// Package observability provides OpenTelemetry instrumentation for the proxy.
package observability

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	instrumentationName = "github.com/fihtony/dproxy"
)

// Metrics holds all proxy metrics.
type Metrics struct {
	// Request metrics
	RequestsTotal   metric.Int64Counter
	RequestDuration metric.Float64Histogram
	ActiveRequests  metric.Int64UpDownCounter

	// Response metrics
	ResponseSize metric.Int64Histogram

	// Certificate metrics
	CertsGenerated metric.Int64Counter
	CertsCacheHits metric.Int64Counter
	CertsCacheMiss metric.Int64Counter

	// Record store metrics
	StoreWrites      metric.Int64Counter
	StoreErrors      metric.Int64Counter
	StoreDuration    metric.Float64Histogram
	StoreQueueDepth  metric.Int64ObservableGauge

	// Mode dispatch metrics
	ModeDispatches metric.Int64Counter

	// Matching engine metrics
	MatchAttempts metric.Int64Counter
	MatchMisses   metric.Int64Counter

	// Session fabric metrics
	SessionsCreated metric.Int64Counter
	SessionResolved metric.Int64Counter

	// Connection metrics
	ActiveConnections metric.Int64UpDownCounter

	// For queue depth callback
	queueDepthFunc func() int64
}

// NewMetrics creates a new Metrics instance with all instruments registered.
func NewMetrics(meterProvider metric.MeterProvider) (*Metrics, error) {
	if meterProvider == nil {
		meterProvider = otel.GetMeterProvider()
	}

	meter := meterProvider.Meter(instrumentationName)
	m := &Metrics{}

	var err error

	m.RequestsTotal, err = meter.Int64Counter(
		"dproxy.requests.total",
		metric.WithDescription("Total number of requests processed"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram(
		"dproxy.request.duration",
		metric.WithDescription("Request duration in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRequests, err = meter.Int64UpDownCounter(
		"dproxy.requests.active",
		metric.WithDescription("Number of requests currently being processed"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.ResponseSize, err = meter.Int64Histogram(
		"dproxy.response.size",
		metric.WithDescription("Response body size in bytes"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(100, 1000, 10000, 100000, 1000000, 10000000),
	)
	if err != nil {
		return nil, err
	}

	m.CertsGenerated, err = meter.Int64Counter(
		"dproxy.certs.generated",
		metric.WithDescription("Total number of certificates generated"),
		metric.WithUnit("{certificate}"),
	)
	if err != nil {
		return nil, err
	}

	m.CertsCacheHits, err = meter.Int64Counter(
		"dproxy.certs.cache.hits",
		metric.WithDescription("Number of certificate cache hits"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return nil, err
	}

	m.CertsCacheMiss, err = meter.Int64Counter(
		"dproxy.certs.cache.misses",
		metric.WithDescription("Number of certificate cache misses"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		return nil, err
	}

	m.StoreWrites, err = meter.Int64Counter(
		"dproxy.store.writes",
		metric.WithDescription("Total number of record store writes"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		return nil, err
	}

	m.StoreErrors, err = meter.Int64Counter(
		"dproxy.store.errors",
		metric.WithDescription("Total number of record store errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	m.StoreDuration, err = meter.Float64Histogram(
		"dproxy.store.duration",
		metric.WithDescription("Record store batch write duration in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000),
	)
	if err != nil {
		return nil, err
	}

	m.ModeDispatches, err = meter.Int64Counter(
		"dproxy.mode.dispatches",
		metric.WithDescription("Requests dispatched per proxy mode"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.MatchAttempts, err = meter.Int64Counter(
		"dproxy.match.attempts",
		metric.WithDescription("Matching engine lookups by resulting strategy"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	m.MatchMisses, err = meter.Int64Counter(
		"dproxy.match.misses",
		metric.WithDescription("Matching engine lookups with no candidate record"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsCreated, err = meter.Int64Counter(
		"dproxy.sessions.created",
		metric.WithDescription("Total number of DPSESSION sessions created"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionResolved, err = meter.Int64Counter(
		"dproxy.sessions.resolved",
		metric.WithDescription("Requests resolved to an existing session, by resolution path"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveConnections, err = meter.Int64UpDownCounter(
		"dproxy.connections.active",
		metric.WithDescription("Number of active connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RegisterQueueDepthCallback registers a callback to observe the Record
// Store's async write queue depth.
func (m *Metrics) RegisterQueueDepthCallback(meterProvider metric.MeterProvider, fn func() int64) error {
	if meterProvider == nil {
		meterProvider = otel.GetMeterProvider()
	}

	meter := meterProvider.Meter(instrumentationName)
	m.queueDepthFunc = fn

	var err error
	m.StoreQueueDepth, err = meter.Int64ObservableGauge(
		"dproxy.store.queue.depth",
		metric.WithDescription("Current number of items pending an async store write"),
		metric.WithUnit("{item}"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			if m.queueDepthFunc != nil {
				o.Observe(m.queueDepthFunc())
			}
			return nil
		}),
	)
	return err
}

// RecordRequest records metrics for a completed request.
func (m *Metrics) RecordRequest(ctx context.Context, method, host string, statusCode int, duration time.Duration, responseSize int64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("host", host),
		attribute.Int("status_code", statusCode),
		attribute.String("status_class", statusClass(statusCode)),
	}

	m.RequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.RequestDuration.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))

	if responseSize > 0 {
		m.ResponseSize.Record(ctx, responseSize, metric.WithAttributes(
			attribute.String("host", host),
		))
	}
}

// RequestStart should be called when a request starts.
func (m *Metrics) RequestStart(ctx context.Context) {
	m.ActiveRequests.Add(ctx, 1)
}

// RequestEnd should be called when a request ends.
func (m *Metrics) RequestEnd(ctx context.Context) {
	m.ActiveRequests.Add(ctx, -1)
}

// RecordCertGenerated records a certificate generation.
func (m *Metrics) RecordCertGenerated(ctx context.Context, host string) {
	m.CertsGenerated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("host", host),
	))
}

// RecordCertCacheHit records a certificate cache hit.
func (m *Metrics) RecordCertCacheHit(ctx context.Context) {
	m.CertsCacheHits.Add(ctx, 1)
}

// RecordCertCacheMiss records a certificate cache miss.
func (m *Metrics) RecordCertCacheMiss(ctx context.Context) {
	m.CertsCacheMiss.Add(ctx, 1)
}

// RecordStoreWrite records a successful record store write.
func (m *Metrics) RecordStoreWrite(ctx context.Context) {
	m.StoreWrites.Add(ctx, 1)
}

// RecordStoreError records a record store error.
func (m *Metrics) RecordStoreError(ctx context.Context) {
	m.StoreErrors.Add(ctx, 1)
}

// RecordStoreDuration records the latency of a record store batch write.
func (m *Metrics) RecordStoreDuration(ctx context.Context, d time.Duration) {
	m.StoreDuration.Record(ctx, float64(d.Milliseconds()))
}

// RecordModeDispatch records which mode handled a request.
func (m *Metrics) RecordModeDispatch(ctx context.Context, mode string) {
	m.ModeDispatches.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
}

// RecordMatchAttempt records a matching-engine lookup and its strategy
// (empty strategy means no candidate was found).
func (m *Metrics) RecordMatchAttempt(ctx context.Context, strategy string) {
	if strategy == "" {
		m.MatchMisses.Add(ctx, 1)
		return
	}
	m.MatchAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", strategy)))
}

// RecordSessionCreated records a new session creation.
func (m *Metrics) RecordSessionCreated(ctx context.Context) {
	m.SessionsCreated.Add(ctx, 1)
}

// RecordSessionResolved records identity resolution via a named path
// ("dpsession" for the DPSESSION cookie, "hash" for a us_hash or
// oauth_hash lookup).
func (m *Metrics) RecordSessionResolved(ctx context.Context, path string) {
	m.SessionResolved.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
}

// ConnectionOpened should be called when a connection is opened.
func (m *Metrics) ConnectionOpened(ctx context.Context) {
	m.ActiveConnections.Add(ctx, 1)
}

// ConnectionClosed should be called when a connection is closed.
func (m *Metrics) ConnectionClosed(ctx context.Context) {
	m.ActiveConnections.Add(ctx, -1)
}

// statusClass returns the status class (1xx, 2xx, etc.)
func statusClass(code int) string {
	switch {
	case code >= 100 && code < 200:
		return "1xx"
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}

// MetricsMiddleware wraps an http.Handler with metrics collection. Used
// for the CA/admin-adapter endpoints exposed outside the proxy core.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		start := time.Now()

		m.RequestStart(ctx)
		defer m.RequestEnd(ctx)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		m.RecordRequest(ctx, r.Method, r.Host, wrapped.statusCode, duration, wrapped.bytesWritten)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytesWritten += int64(n)
	return n, err
}
