package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fihtony/dproxy/pkg/backend"
	"github.com/fihtony/dproxy/pkg/ca"
	"github.com/fihtony/dproxy/pkg/config"
	"github.com/fihtony/dproxy/pkg/forwarder"
	"github.com/fihtony/dproxy/pkg/matcher"
	"github.com/fihtony/dproxy/pkg/mode"
	"github.com/fihtony/dproxy/pkg/observability"
	"github.com/fihtony/dproxy/pkg/proxy"
	"github.com/fihtony/dproxy/pkg/session"
	"github.com/fihtony/dproxy/pkg/stats"
	"github.com/fihtony/dproxy/pkg/store"
	"github.com/fihtony/dproxy/pkg/tlog"
	"github.com/fihtony/dproxy/pkg/trafficconfig"
)

type serveOptions struct {
	configPath string

	proxyPort          int
	httpsPort          int
	host               string
	enableHTTPS        bool
	dbURL              string
	requestTimeoutMs   int
	sessionExpirySecs  int
	logLevel           string
	verbose            bool

	metricsPort int
	jwtSecret   string
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy server",
		Long: `Start the MITM forward proxy in whichever mode it was last set to
(passthrough, recording, or replay — see "dproxy mode").

Deployment modes:
  Solo:       dproxy serve --db sqlite://./data/proxy.db
  Production: dproxy serve --db postgres://... --metrics-port 9090 --enable-https`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.configPath, "config", "", "Path to a YAML config file (defaults layered under flags)")
	cmd.Flags().IntVar(&opts.proxyPort, "proxy-port", 0, "Plaintext HTTP proxy listener port (0 = use config default)")
	cmd.Flags().IntVar(&opts.httpsPort, "https-port", 0, "Reserved for a future standalone HTTPS listener (0 = use config default)")
	cmd.Flags().StringVar(&opts.host, "host", "", "Host to bind to")
	cmd.Flags().BoolVar(&opts.enableHTTPS, "enable-https", false, "Enable MITM HTTPS interception for monitored domains")
	cmd.Flags().StringVar(&opts.dbURL, "db", "", "Record Store DSN (sqlite://path or postgres://...); empty keeps the config's dbPath (default ./data/proxy.db)")
	cmd.Flags().IntVar(&opts.requestTimeoutMs, "request-timeout-ms", 0, "Upstream request timeout in milliseconds")
	cmd.Flags().IntVar(&opts.sessionExpirySecs, "session-expiry-seconds", 0, "DPSESSION lifetime in seconds")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Operational log level (debug, info, warn, error)")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable goproxy verbose logging")
	cmd.Flags().IntVar(&opts.metricsPort, "metrics-port", 0, "Port for /metrics and /healthz (0 = disabled)")
	cmd.Flags().StringVar(&opts.jwtSecret, "replay-jwt-secret", "", "HS256 signing key for replay-mode token substitution (spec §4.8)")

	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fileCfg, err := config.LoadOrDefault(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyFlagOverrides(fileCfg, opts)

	logger := newLogger(fileCfg.LogLevel)

	var obs *observability.Provider
	var health *observability.HealthChecker
	var metrics *observability.Metrics
	var backendMetrics backend.Metrics = backend.NoopMetrics{}

	if opts.metricsPort > 0 {
		obs, err = observability.NewProvider(&observability.Config{ServiceName: "dproxy", EnablePrometheus: true})
		if err != nil {
			return fmt.Errorf("failed to set up observability: %w", err)
		}
		defer obs.Shutdown(ctx)
		metrics = obs.Metrics
		backendMetrics = observability.NewBackendMetrics(metrics)
		health = observability.NewHealthChecker()
	}

	recordStore, err := openRecordStore(ctx, fileCfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}
	defer recordStore.Close()

	cache := trafficconfig.New(recordStore, logger)
	if err := cache.RefreshAll(ctx); err != nil {
		logger.Warn("initial traffic config refresh failed", "error", err)
	}

	var authority *ca.CA
	if fileCfg.MITM.EnableHTTPS {
		certPath, keyPath := resolveCAPaths(fileCfg)
		authority, err = ca.LoadOrCreate(certPath, keyPath, nil)
		if err != nil {
			return fmt.Errorf("failed to set up CA: %w", err)
		}
		cacheCfg := &backend.MemoryCertCacheConfig{}
		authority = authority.WithCache(backend.NewMemoryCertCache(cacheCfg), backendMetrics)
		fmt.Printf("Using CA certificate: %s\n", certPath)
		fmt.Println("To trust this CA, run: dproxy ca install")
	}

	fwdCfg := forwarder.DefaultConfig()
	fwdCfg.TotalTimeout = time.Duration(fileCfg.Server.RequestTimeoutMs) * time.Millisecond
	fwd := forwarder.New(fwdCfg)

	matchEngine := matcher.New(recordStore)
	if err := matchEngine.Refresh(ctx); err != nil {
		logger.Warn("initial matcher rule refresh failed", "error", err)
	}

	sessionTTL := time.Duration(fileCfg.Server.SessionExpirySeconds) * time.Second
	sessions := session.New(recordStore, sessionTTL)

	signer := session.NewJWTSigner(resolveJWTSecret(opts.jwtSecret))

	asyncCfg := backend.DefaultAsyncConfig()
	asyncCfg.Metrics = backendMetrics
	statsAgg := stats.New(recordStore, asyncCfg, backendMetrics)
	trafficLog := tlog.New(logger, asyncCfg, backendMetrics)

	svc := &mode.Service{
		Forwarder: fwd,
		Cache:     cache,
		Store:     recordStore,
		Matcher:   matchEngine,
		Sessions:  sessions,
		Signer:    signer,
		Metrics:   metrics,
	}

	persistedMode, err := mode.GetPersistedMode(ctx, recordStore)
	if err != nil {
		logger.Warn("failed to read persisted mode, defaulting to passthrough", "error", err)
	}

	proxyCfg := &proxy.Config{
		Verbose:     opts.verbose,
		SessionTTL:  sessionTTL,
		Forwarder:   fwdCfg,
		AsyncQueue:  asyncCfg,
		Logger:      logger,
		Metrics:     backendMetrics,
		OTelMetrics: metrics,
	}

	p := proxy.New(proxyCfg, authority, cache, svc, sessions, matchEngine, statsAgg, trafficLog)
	p.SetMode(persistedMode)
	defer p.Close(context.Background())

	go refreshLoop(ctx, cache, matchEngine, logger)

	if opts.metricsPort > 0 {
		go serveMetrics(opts.metricsPort, obs, health)
		if health != nil {
			health.SetReady(true)
		}
	}

	addr := fmt.Sprintf("%s:%d", fileCfg.Server.Host, fileCfg.Server.ProxyPort)
	fmt.Printf("DeepProxy starting on %s (mode=%s)\n", addr, persistedMode)
	if fileCfg.MITM.EnableHTTPS {
		fmt.Println("MITM enabled for monitored HTTPS domains")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- p.ListenAndServe(addr) }()

	select {
	case <-ctx.Done():
		fmt.Println("\nShutting down...")
		if health != nil {
			health.SetReady(false)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// applyFlagOverrides layers explicitly-set serve flags over the loaded
// file config, matching spec §6's "environment-driven, flags override
// file" process configuration precedence.
func applyFlagOverrides(cfg *config.Config, opts *serveOptions) {
	if opts.proxyPort != 0 {
		cfg.Server.ProxyPort = opts.proxyPort
	}
	if opts.httpsPort != 0 {
		cfg.Server.HTTPSPort = opts.httpsPort
	}
	if opts.host != "" {
		cfg.Server.Host = opts.host
	}
	if opts.enableHTTPS {
		cfg.MITM.EnableHTTPS = true
	}
	if opts.dbURL != "" {
		cfg.Server.DBPath = opts.dbURL
	}
	if opts.requestTimeoutMs != 0 {
		cfg.Server.RequestTimeoutMs = opts.requestTimeoutMs
	}
	if opts.sessionExpirySecs != 0 {
		cfg.Server.SessionExpirySeconds = opts.sessionExpirySecs
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// openRecordStore opens the configured Record Store, falling back to an
// in-process, non-persistent store when no DSN is configured (spec §1
// allows a passthrough-only deployment with no persistence).
func openRecordStore(ctx context.Context, dsn string) (store.RecordStore, error) {
	if dsn == "" {
		return store.NewMemoryRecordStore(), nil
	}
	if !strings.Contains(dsn, "://") {
		dsn = "sqlite://" + dsn
	}
	return store.OpenSQLStore(ctx, dsn)
}

func resolveCAPaths(cfg *config.Config) (certPath, keyPath string) {
	certPath, keyPath = cfg.CA.CertPath, cfg.CA.KeyPath
	if certPath == "" {
		certPath = ca.DefaultCertPath()
	}
	if keyPath == "" {
		keyPath = ca.DefaultKeyPath()
	}
	return certPath, keyPath
}

// resolveJWTSecret returns the configured replay-mode JWT signing key, or
// a fixed process-local fallback. The key is explicitly not a security
// boundary (spec §9 "Replay-mode JWT"): replay tokens are never presented
// to a real identity provider.
func resolveJWTSecret(flag string) []byte {
	if flag != "" {
		return []byte(flag)
	}
	if env := os.Getenv("DPROXY_REPLAY_JWT_SECRET"); env != "" {
		return []byte(env)
	}
	return []byte("dproxy-replay-mode-fixed-key")
}

func refreshLoop(ctx context.Context, cache *trafficconfig.Cache, matchEngine *matcher.Engine, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cache.RefreshAll(ctx); err != nil {
				logger.Warn("traffic config refresh failed", "error", err)
			}
			if err := matchEngine.Refresh(ctx); err != nil {
				logger.Warn("matcher rule refresh failed", "error", err)
			}
		}
	}
}

func serveMetrics(port int, obs *observability.Provider, health *observability.HealthChecker) {
	mux := http.NewServeMux()
	if health != nil {
		mux.Handle("/healthz", health.LivenessHandler())
		mux.Handle("/readyz", health.ReadinessHandler())
	}
	if obs != nil {
		mux.Handle("/metrics", obs.PrometheusHandler())
	}
	addr := fmt.Sprintf(":%d", port)
	fmt.Printf("Metrics/health server on %s\n", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
	}
}
