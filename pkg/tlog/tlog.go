// Package tlog implements the Traffic Logger (spec §4.11 "Traffic
// Logger"): an async, fire-and-forget record of every monitored
// request/response pair, independent of the Stats Aggregator and not
// gated on replay mode (unlike stats, traffic log entries are useful
// precisely when debugging a replay miss).
package tlog

import (
	"context"
	"log/slog"
	"time"

	"github.com/fihtony/dproxy/pkg/backend"
	"github.com/fihtony/dproxy/pkg/reqctx"
)

// Entry is one logged request/response pair.
type Entry struct {
	RequestID string
	Method    string
	Host      string
	Path      string
	Status    int
	LatencyMs int64
	Mode      reqctx.Mode
	Source    string // "upstream" | "replay" | "replay-miss"
	Timestamp time.Time
}

// slogSink adapts a *slog.Logger to backend.Sink[Entry].
type slogSink struct {
	logger *slog.Logger
}

func (s *slogSink) WriteBatch(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		s.logger.Info("traffic",
			"request_id", e.RequestID,
			"method", e.Method,
			"host", e.Host,
			"path", e.Path,
			"status", e.Status,
			"latency_ms", e.LatencyMs,
			"mode", e.Mode,
			"source", e.Source,
			"timestamp", e.Timestamp,
		)
	}
	return nil
}

func (s *slogSink) Close() error { return nil }

// Logger records traffic log entries asynchronously.
type Logger struct {
	queue *backend.AsyncQueue[Entry]
}

// New creates a Logger writing through slog logger (nil uses
// slog.Default()) with the given async queue configuration (nil uses
// backend.DefaultAsyncConfig).
func New(logger *slog.Logger, cfg *backend.AsyncConfig, metrics backend.Metrics) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	sink := &slogSink{logger: logger}
	return &Logger{queue: backend.NewAsyncQueue(sink, cfg)}
}

// Close drains and stops the logger.
func (l *Logger) Close() error {
	return l.queue.Close()
}

// Record enqueues a traffic log entry for ctx. Unlike the stats
// aggregator, this runs for every monitored request regardless of mode.
func (l *Logger) Record(ctx *reqctx.Context, source string) {
	if !ctx.Monitored {
		return
	}
	status := 0
	if ctx.Response != nil {
		status = ctx.Response.StatusCode
	}
	l.queue.Push(Entry{
		RequestID: ctx.RequestID,
		Method:    ctx.Current.Method,
		Host:      ctx.Current.Host,
		Path:      ctx.Current.URL.Path,
		Status:    status,
		LatencyMs: ctx.LatencyMs,
		Mode:      ctx.Mode,
		Source:    source,
		Timestamp: time.Now(),
	})
}

// Interceptor is the lowest-priority response-chain interceptor: it runs
// last, after every other interceptor (including stats recording) has
// finalized the response, so the logged entry reflects exactly what the
// client received.
type Interceptor struct {
	Logger *Logger
}

func (i *Interceptor) Name() string  { return "traffic-log" }
func (i *Interceptor) Priority() int { return 5 }

func (i *Interceptor) HandleResponse(ctx *reqctx.Context) error {
	i.Logger.Record(ctx, ctx.Meta("source"))
	return nil
}
