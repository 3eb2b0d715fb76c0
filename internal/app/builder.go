package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"k8s.io/utils/clock"

	"github.com/stacklok/handshake-coordinator/internal/api"
	"github.com/stacklok/handshake-coordinator/internal/artifact"
	"github.com/stacklok/handshake-coordinator/internal/config"
	"github.com/stacklok/handshake-coordinator/internal/coordinator"
	"github.com/stacklok/handshake-coordinator/internal/events"
	"github.com/stacklok/handshake-coordinator/internal/httpclient"
	"github.com/stacklok/handshake-coordinator/internal/monitor"
	"github.com/stacklok/handshake-coordinator/internal/telemetry"
	"github.com/stacklok/handshake-coordinator/internal/versions"
)

const (
	defaultHTTPAddress     = ":8080"
	defaultRequestTimeout  = 10 * time.Second
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 15 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
	defaultUpstreamTimeout = 10 * time.Second

	instrumentationName = "github.com/stacklok/handshake-coordinator"
)

// CoordinatorAppOptions is a function that configures the coordinator app builder
type CoordinatorAppOptions func(*coordinatorAppConfig) error

// coordinatorAppConfig collects the builder inputs.
// Component overrides exist primarily for testing.
type coordinatorAppConfig struct {
	config        *config.Config
	configManager *config.Manager

	fetcher   artifact.Fetcher
	clock     clock.WithTicker
	telemetry *telemetry.Telemetry

	// HTTP server options
	address         string
	middlewares     []func(http.Handler) http.Handler
	requestTimeout  time.Duration
	readTimeout     time.Duration
	writeTimeout    time.Duration
	idleTimeout     time.Duration
	shutdownTimeout time.Duration
}

func baseConfig(opts ...CoordinatorAppOptions) (*coordinatorAppConfig, error) {
	cfg := &coordinatorAppConfig{
		address:         defaultHTTPAddress,
		requestTimeout:  defaultRequestTimeout,
		readTimeout:     defaultReadTimeout,
		writeTimeout:    defaultWriteTimeout,
		idleTimeout:     defaultIdleTimeout,
		shutdownTimeout: defaultShutdownTimeout,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil && cfg.configManager != nil {
		cfg.config = cfg.configManager.GetConfig()
	}
	if cfg.config == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	return cfg, nil
}

// NewCoordinatorApp builds the coordinator, its HTTP control plane and telemetry
func NewCoordinatorApp(
	ctx context.Context,
	opts ...CoordinatorAppOptions,
) (*CoordinatorApp, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}

	if cfg.telemetry == nil {
		cfg.telemetry, err = telemetry.New(ctx, telemetry.WithTelemetryConfig(cfg.config.Telemetry))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
	}

	components, err := buildCoordinatorComponents(cfg)
	if err != nil {
		_ = cfg.telemetry.Shutdown(ctx)
		return nil, fmt.Errorf("failed to build coordinator components: %w", err)
	}

	streamsCtx, cancelStreams := context.WithCancel(context.WithoutCancel(ctx))
	httpServer, err := buildHTTPServer(streamsCtx, cfg, components)
	if err != nil {
		cancelStreams()
		_ = cfg.telemetry.Shutdown(ctx)
		return nil, fmt.Errorf("failed to build HTTP server: %w", err)
	}

	return &CoordinatorApp{
		config:          cfg.config,
		configManager:   cfg.configManager,
		components:      components,
		httpServer:      httpServer,
		shutdownTimeout: cfg.shutdownTimeout,
		cancelStreams:   cancelStreams,
	}, nil
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) CoordinatorAppOptions {
	return func(cfg *coordinatorAppConfig) error {
		cfg.config = c
		return nil
	}
}

// WithConfigManager watches the configuration file and applies blacklist updates
func WithConfigManager(m *config.Manager) CoordinatorAppOptions {
	return func(cfg *coordinatorAppConfig) error {
		cfg.configManager = m
		return nil
	}
}

// WithAddress sets the HTTP server address
func WithAddress(addr string) CoordinatorAppOptions {
	return func(cfg *coordinatorAppConfig) error {
		cfg.address = addr
		return nil
	}
}

// WithMiddlewares replaces the default HTTP middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) CoordinatorAppOptions {
	return func(cfg *coordinatorAppConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithFetcher replaces the HTTP artifact fetcher
func WithFetcher(f artifact.Fetcher) CoordinatorAppOptions {
	return func(cfg *coordinatorAppConfig) error {
		cfg.fetcher = f
		return nil
	}
}

// WithClock sets the clock shared by the coordinator components
func WithClock(c clock.WithTicker) CoordinatorAppOptions {
	return func(cfg *coordinatorAppConfig) error {
		cfg.clock = c
		return nil
	}
}

// WithTelemetry sets pre-built telemetry providers
func WithTelemetry(t *telemetry.Telemetry) CoordinatorAppOptions {
	return func(cfg *coordinatorAppConfig) error {
		cfg.telemetry = t
		return nil
	}
}

// WithShutdownTimeout bounds the graceful shutdown
func WithShutdownTimeout(d time.Duration) CoordinatorAppOptions {
	return func(cfg *coordinatorAppConfig) error {
		if d <= 0 {
			return fmt.Errorf("shutdown timeout must be positive")
		}
		cfg.shutdownTimeout = d
		return nil
	}
}

// buildCoordinatorComponents builds the fetcher, blacklist and coordinator
func buildCoordinatorComponents(b *coordinatorAppConfig) (*AppComponents, error) {
	slog.Info("Initializing coordinator components")

	metrics, err := telemetry.NewCoordinatorMetrics(b.telemetry.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator metrics: %w", err)
	}

	if b.fetcher == nil {
		timeout := b.config.GetUpstreamTimeout()
		if timeout == 0 {
			timeout = defaultUpstreamTimeout
		}
		client := httpclient.NewDefaultClient(timeout,
			httpclient.WithHeader("User-Agent", "handshake-coordinator/"+versions.GetVersionInfo().Version),
		)
		b.fetcher = artifact.NewHTTPFetcher(client, b.config.Upstream.Endpoint,
			artifact.WithTracer(b.telemetry.Tracer(instrumentationName)),
		)
		slog.Info("Created artifact fetcher", "endpoint", b.config.Upstream.Endpoint, "timeout", timeout)
	}

	blacklist := monitor.NewStaticBlacklist(b.config.Blacklist...)
	if b.configManager != nil {
		b.configManager.OnReload(func(c *config.Config) {
			blacklist.Replace(c.Blacklist)
		})
	}

	coordOpts := []coordinator.Option{
		coordinator.WithBlacklist(blacklist),
		coordinator.WithMetrics(metrics),
	}
	if b.clock != nil {
		coordOpts = append(coordOpts, coordinator.WithClock(b.clock))
	}
	coord := coordinator.New(b.fetcher, CoordinatorConfig(b.config), coordOpts...)
	coord.Subscribe(events.LogSubscriber{})

	slog.Info("Coordinator components initialized successfully", "blacklist_size", len(b.config.Blacklist))
	return &AppComponents{
		Coordinator: coord,
		Blacklist:   blacklist,
		Telemetry:   b.telemetry,
	}, nil
}

// buildHTTPServer builds the HTTP server with router and middleware.
// baseCtx is the parent of every request context and is cancelled on shutdown.
func buildHTTPServer(
	baseCtx context.Context,
	b *coordinatorAppConfig,
	components *AppComponents,
) (*http.Server, error) {
	slog.Info("Initializing HTTP server")

	if b.middlewares == nil {
		limiter := api.NewRateLimiter(b.config.GetRateLimit(), b.config.GetBurst())
		b.middlewares = []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			telemetry.TracingMiddleware(b.telemetry.TracerProvider()),
			limiter.Middleware,
			api.LoggingMiddleware,
		}
	}

	// metrics go first to capture requests rejected by the limiter
	metricsMiddleware, err := telemetry.MetricsMiddleware(b.telemetry.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics middleware: %w", err)
	}
	if metricsMiddleware != nil {
		b.middlewares = append([]func(http.Handler) http.Handler{metricsMiddleware}, b.middlewares...)
	}

	serverOpts := []api.ServerOption{
		api.WithMiddlewares(b.middlewares...),
		api.WithRequestTimeout(b.requestTimeout),
	}
	if h := b.telemetry.MetricsHandler(); h != nil {
		serverOpts = append(serverOpts, api.WithMetricsHandler(h))
		slog.Info("Prometheus metrics exposed on /metrics")
	}

	router := api.NewServer(components.Coordinator, serverOpts...)

	return &http.Server{
		Addr:         b.address,
		Handler:      router,
		ReadTimeout:  b.readTimeout,
		WriteTimeout: b.writeTimeout,
		IdleTimeout:  b.idleTimeout,
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}, nil
}
