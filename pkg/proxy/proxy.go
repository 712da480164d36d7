// Package proxy assembles the CONNECT Dispatcher, Blind Tunnel, HTTPS
// Interceptor, interceptor chain, and Mode Service into one goproxy-based
// HTTP/HTTPS proxy server.
package proxy

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/elazarl/goproxy"

	"github.com/fihtony/dproxy/pkg/backend"
	"github.com/fihtony/dproxy/pkg/ca"
	"github.com/fihtony/dproxy/pkg/chain"
	"github.com/fihtony/dproxy/pkg/forwarder"
	"github.com/fihtony/dproxy/pkg/httpintercept"
	"github.com/fihtony/dproxy/pkg/matcher"
	"github.com/fihtony/dproxy/pkg/mode"
	"github.com/fihtony/dproxy/pkg/observability"
	"github.com/fihtony/dproxy/pkg/reqctx"
	"github.com/fihtony/dproxy/pkg/session"
	"github.com/fihtony/dproxy/pkg/stats"
	"github.com/fihtony/dproxy/pkg/tlog"
	"github.com/fihtony/dproxy/pkg/trafficconfig"
	"github.com/fihtony/dproxy/pkg/tunnel"
)

// Config holds proxy configuration options.
type Config struct {
	Verbose     bool
	JWTKey      []byte
	SessionTTL  time.Duration
	Forwarder   *forwarder.Config
	AsyncQueue  *backend.AsyncConfig
	Logger      *slog.Logger
	Metrics     backend.Metrics

	// OTelMetrics is optional; when set it feeds the domain-specific
	// instruments (session resolution and creation) that backend.Metrics
	// is too narrow to carry. Nil is a no-op. Mode-dispatch instruments
	// are fed through mode.Service.Metrics instead.
	OTelMetrics *observability.Metrics
}

// DefaultConfig returns default proxy configuration.
func DefaultConfig() *Config {
	return &Config{
		Verbose:    false,
		SessionTTL: session.DefaultLifetime,
	}
}

// Proxy is the assembled MITM proxy server.
type Proxy struct {
	server *goproxy.ProxyHttpServer

	ca       *ca.CA
	cache    *trafficconfig.Cache
	sessions *session.Manager
	matcher  *matcher.Engine
	stats    *stats.Aggregator
	tlog     *tlog.Logger

	mode atomic.Value // reqctx.Mode
}

// New assembles a Proxy from its component collaborators. Callers build
// the store, cache, CA, and metrics themselves (typically in cmd/dproxy)
// so tests can substitute in-memory implementations.
func New(cfg *Config, authority *ca.CA, cache *trafficconfig.Cache, svc *mode.Service, sessions *session.Manager, m *matcher.Engine, statsAgg *stats.Aggregator, trafficLog *tlog.Logger) *Proxy {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	server := goproxy.NewProxyHttpServer()
	server.Verbose = cfg.Verbose

	p := &Proxy{
		server:   server,
		ca:       authority,
		cache:    cache,
		sessions: sessions,
		matcher:  m,
		stats:    statsAgg,
		tlog:     trafficLog,
	}
	p.mode.Store(reqctx.ModePassthrough)

	dispatcher := tunnel.New(authority, cache)
	server.OnRequest().HandleConnect(dispatcher.HTTPSHandler())

	interceptorChain := chain.New(
		[]chain.RequestInterceptor{
			&chain.UserIDInterceptor{Cache: cache},
			&chain.SessionRequestInterceptor{Sessions: sessions, Cache: cache, Metrics: cfg.OTelMetrics},
			&chain.MobileHeaderInterceptor{Cache: cache},
			&chain.HeaderNormalizationInterceptor{},
			&chain.LoggingRequestInterceptor{Logger: cfg.Logger},
		},
		[]chain.ResponseInterceptor{
			&chain.SecurityHeadersInterceptor{},
			&chain.CORSInterceptor{},
			&chain.JSONResponseInterceptor{},
			&chain.SessionResponseInterceptor{Sessions: sessions, Cache: cache, TTL: cfg.SessionTTL},
			&stats.Interceptor{Aggregator: statsAgg, TargetHost: func(rc *reqctx.Context) string { return rc.Meta("target-host") }},
			&chain.LoggingResponseInterceptor{Logger: cfg.Logger},
			&tlog.Interceptor{Logger: trafficLog},
		},
	)

	intercept := httpintercept.New(cache, interceptorChain, svc, p.CurrentMode)

	server.OnRequest().DoFunc(intercept.OnRequest)
	server.OnResponse().DoFunc(intercept.OnResponse)

	return p
}

// SetMode atomically changes the dispatch mode every subsequent request
// will observe. serve calls it once at startup with the persisted mode;
// "dproxy mode set" only writes the store and does not reach a running
// proxy.
func (p *Proxy) SetMode(m reqctx.Mode) {
	p.mode.Store(m)
}

// CurrentMode returns the dispatch mode in effect right now.
func (p *Proxy) CurrentMode() reqctx.Mode {
	return p.mode.Load().(reqctx.Mode)
}

// Server returns the underlying goproxy server, e.g. for tests that want
// to drive it with httptest.
func (p *Proxy) Server() *goproxy.ProxyHttpServer {
	return p.server
}

// ListenAndServe starts the proxy server.
func (p *Proxy) ListenAndServe(addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           p.server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return server.ListenAndServe()
}

// Close stops the background aggregators, flushing any queued rows.
func (p *Proxy) Close(ctx context.Context) error {
	var err error
	if p.stats != nil {
		if e := p.stats.Close(); e != nil {
			err = e
		}
	}
	if p.tlog != nil {
		if e := p.tlog.Close(); e != nil {
			err = e
		}
	}
	return err
}
