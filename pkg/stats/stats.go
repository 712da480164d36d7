// Package stats implements the Stats Aggregator (spec §4.11): an
// async, fire-and-forget recorder of per-response performance rows,
// built on the same bounded-queue batch-worker pattern the traffic
// logger uses.
package stats

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/fihtony/dproxy/pkg/backend"
	"github.com/fihtony/dproxy/pkg/reqctx"
	"github.com/fihtony/dproxy/pkg/store"
)

// storeSink adapts a store.RecordStore to backend.Sink[store.StatsRow].
type storeSink struct {
	store store.RecordStore
}

func (s *storeSink) WriteBatch(ctx context.Context, rows []store.StatsRow) error {
	for i := range rows {
		if err := s.store.InsertStatsRow(ctx, &rows[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *storeSink) Close() error { return nil }

// Aggregator records stats rows asynchronously.
type Aggregator struct {
	queue *backend.AsyncQueue[store.StatsRow]
}

// New creates an Aggregator writing to s with the given async queue
// configuration (nil uses backend.DefaultAsyncConfig).
func New(s store.RecordStore, cfg *backend.AsyncConfig, metrics backend.Metrics) *Aggregator {
	sink := &storeSink{store: s}
	return &Aggregator{queue: backend.NewAsyncQueue(sink, cfg)}
}

// Close drains and stops the aggregator.
func (a *Aggregator) Close() error {
	return a.queue.Close()
}

// Record enqueues a stats row for ctx, unless the request is
// unmonitored or was served in replay mode (spec §4.11: "replay-mode
// never recorded").
func (a *Aggregator) Record(ctx *reqctx.Context, forwarderTargetHost string) {
	if !ctx.Monitored || ctx.Mode == reqctx.ModeReplay {
		return
	}
	if ctx.Response == nil {
		return
	}

	row := store.StatsRow{
		Host:           resolveHost(ctx, forwarderTargetHost),
		EndpointPath:   ctx.Current.URL.Path,
		Method:         ctx.Current.Method,
		AppPlatform:    ctx.AppPlatform,
		AppVersion:     ctx.AppVersion,
		AppEnvironment: ctx.AppEnvironment,
		AppLanguage:    ctx.AppLanguage,
		ResponseStatus: ctx.Response.StatusCode,
		ResponseLength: responseLength(ctx.Response),
		LatencyMs:      ctx.LatencyMs,
		CreatedAt:      time.Now(),
	}
	a.queue.Push(row)
}

// resolveHost implements the priority order from spec §4.11: forwarder's
// targetUrl, then the absolute inbound URL, then Host header + path,
// then "unknown".
func resolveHost(ctx *reqctx.Context, forwarderTargetHost string) string {
	if forwarderTargetHost != "" {
		return forwarderTargetHost
	}
	if ctx.Current.URL.IsAbs() && ctx.Current.URL.Host != "" {
		return ctx.Current.URL.Host
	}
	if ctx.Current.Host != "" {
		return ctx.Current.Host
	}
	return "unknown"
}

func responseLength(resp *http.Response) int64 {
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			return n
		}
	}
	return resp.ContentLength
}

// Interceptor is the response-chain interceptor (priority 50) that
// records the stats row after every other response interceptor has had
// a chance to finalize headers, but before logging.
type Interceptor struct {
	Aggregator *Aggregator
	TargetHost func(*reqctx.Context) string
}

func (i *Interceptor) Name() string  { return "stats-recording" }
func (i *Interceptor) Priority() int { return 50 }

func (i *Interceptor) HandleResponse(ctx *reqctx.Context) error {
	host := ""
	if i.TargetHost != nil {
		host = i.TargetHost(ctx)
	}
	i.Aggregator.Record(ctx, host)
	return nil
}
