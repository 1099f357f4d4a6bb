// Command gatewayd serves the edge API: versioned RPC dispatch on /rpc and
// cross-region event fanout on /fanout.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/dreamware/servelane/internal/backend"
	"github.com/dreamware/servelane/internal/cache"
	"github.com/dreamware/servelane/internal/config"
	"github.com/dreamware/servelane/internal/fanout"
	"github.com/dreamware/servelane/internal/gateway"
	"github.com/dreamware/servelane/internal/region"
	"github.com/dreamware/servelane/internal/store"
	"github.com/dreamware/servelane/internal/telemetry"
	"github.com/dreamware/servelane/internal/version"
)

func main() {
	configPath := flag.String("config", getenv("SERVELANE_CONFIG", ""), "path to a YAML, TOML or JSON config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatewayd: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("gatewayd exited", "error", err)
		os.Exit(1)
	}
}

// run builds the application from cfg and serves until ctx is done.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	meter, shutdownMetrics, err := setupMetrics(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	app, err := build(ctx, cfg, meter, logger)
	if err != nil {
		return errors.Join(err, shutdownMetrics(context.Background()))
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           app.srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gatewayd listening", "addr", cfg.Server.Addr, "primary", cfg.Regions.Primary)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	if cfg.Health.Enabled {
		go app.health.Start(ctx, app.endpoints)
	}
	if app.srv.limiter != nil {
		go sweepLimiter(ctx, app.srv.limiter, time.Minute, 10*time.Minute, logger)
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	err = errors.Join(
		serveErr,
		httpSrv.Shutdown(shutdownCtx),
		app.close(),
		shutdownMetrics(shutdownCtx),
	)
	logger.Info("gatewayd stopped")
	return err
}

func sweepLimiter(ctx context.Context, l *clientLimiter, every, idle time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.sweep(idle); n > 0 {
				logger.Debug("rate limiter swept idle clients", "removed", n)
			}
		}
	}
}

// application holds every long-lived component.
type application struct {
	srv       *server
	health    *region.HealthMonitor
	recorder  *telemetry.Recorder
	pool      *backend.Pool
	store     *store.Store
	closers   []func() error
	endpoints func() []region.Endpoint
}

// close drains detached tasks, then releases connections.
func (a *application) close() error {
	if a.health != nil {
		a.health.Stop()
	}
	if a.recorder != nil {
		a.recorder.Wait()
	}
	errs := []error{a.pool.Close()}
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

func build(ctx context.Context, cfg config.Config, meter metric.Meter, logger *slog.Logger) (*application, error) {
	if logger == nil {
		logger = slog.Default()
	}
	router, err := region.NewRouter(region.ID(cfg.Regions.Primary), region.ParseIDs(cfg.Regions.Known))
	if err != nil {
		return nil, err
	}

	pool, err := buildBackends(cfg.Backends)
	if err != nil {
		return nil, err
	}
	app := &application{pool: pool}

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("open store: %w", err), pool.Close())
	}
	app.store = st

	var lookup version.Lookup
	primary, primaryErr := pool.For(router.Primary())
	if primaryErr == nil {
		lookup = version.RemoteLookup{Invoker: primary, Operation: cfg.Versions.LookupOperation}
	} else {
		logger.Warn("primary region has no backend; active version lookups use defaults", "primary", router.Primary())
	}
	resolver := version.NewResolver(lookup, resolverConfig(cfg.Versions), logger)

	var (
		metricsSink telemetry.MetricsSink
		clientStore telemetry.ClientStore
	)
	switch cfg.Telemetry.Sink {
	case "sql":
		metricsSink, clientStore = st, st
	case "backend":
		if primaryErr != nil {
			return nil, errors.Join(fmt.Errorf("telemetry.sink=backend: %w", primaryErr), app.close())
		}
		sink := telemetry.BackendSink{Primary: primary}
		metricsSink, clientStore = sink, sink
	}
	recorder, err := telemetry.NewRecorder(metricsSink, clientStore, meter, cfg.Telemetry.Budget, logger)
	if err != nil {
		return nil, errors.Join(err, app.close())
	}
	app.recorder = recorder

	var resultCache *cache.Cache
	if cfg.Cache.Enabled {
		resultCache = cache.New(cfg.Cache.Capacity, cfg.Cache.TTL, cfg.Cache.EvictBatch)
	}
	dispatcher, err := gateway.NewDispatcher(router, resolver, pool, recorder, gateway.Options{
		Cache:     resultCache,
		Cacheable: cfg.Cache.Operations,
		Logger:    logger,
	})
	if err != nil {
		return nil, errors.Join(err, app.close())
	}

	broadcaster, closeBroadcaster, err := buildBroadcaster(cfg.Fanout, logger)
	if err != nil {
		return nil, errors.Join(err, app.close())
	}
	app.closers = append(app.closers, closeBroadcaster)
	engine, err := fanout.NewEngine(router, broadcaster, st, fanout.Options{
		Meter:          meter,
		Logger:         logger,
		AttemptTimeout: cfg.Fanout.AttemptTimeout,
		BaseDelay:      cfg.Fanout.BaseDelay,
		MaxAttempts:    cfg.Fanout.MaxAttempts,
	})
	if err != nil {
		return nil, errors.Join(err, app.close())
	}

	app.health = region.NewHealthMonitor(cfg.Health.Interval, logger)
	app.health.SetOnUnhealthy(func(id region.ID) {
		logger.Warn("region backend unhealthy", "region", id)
	})
	endpoints := healthEndpoints(cfg.Backends)
	app.endpoints = func() []region.Endpoint { return endpoints }

	app.srv = newServer(serverDeps{
		dispatcher: dispatcher,
		fanout:     engine,
		router:     router,
		backends:   pool,
		health:     app.health,
		logs:       st,
		limiter:    newClientLimiter(cfg.Server.RateLimit.RPS, cfg.Server.RateLimit.Burst),
		logger:     logger,
	})
	return app, nil
}

func resolverConfig(v config.VersionsConfig) version.Config {
	cfg := version.Config{
		Defaults: version.ActivePair{
			Current:  version.Protocol(v.Current),
			Fallback: version.Protocol(v.Fallback),
		},
		Minimums: make(map[version.Protocol]string, len(v.Minimums)),
	}
	for p, minimum := range v.Minimums {
		cfg.Minimums[version.Protocol(p)] = minimum
	}
	return cfg
}

func buildBackends(backends map[string]config.BackendConfig) (*backend.Pool, error) {
	handles := make(map[region.ID]backend.Backend, len(backends))
	for id, b := range backends {
		switch b.Kind {
		case "http":
			handles[region.ID(id)] = backend.NewHTTPBackend(region.ID(id), b.URL, b.APIKey, b.Timeout)
		case "postgres":
			pg, err := backend.OpenPostgres(region.ID(id), b.DSN)
			if err != nil {
				return nil, errors.Join(fmt.Errorf("backend %s: %w", id, err), backend.NewPool(handles).Close())
			}
			handles[region.ID(id)] = pg
		default:
			return nil, fmt.Errorf("backend %s: unknown kind %q", id, b.Kind)
		}
	}
	return backend.NewPool(handles), nil
}

// healthEndpoints probes health_addr when set, else the URL of http
// backends. Postgres backends without a health address are not probed.
func healthEndpoints(backends map[string]config.BackendConfig) []region.Endpoint {
	var out []region.Endpoint
	for id, b := range backends {
		addr := b.Health
		if addr == "" && b.Kind == "http" {
			addr = b.URL
		}
		if addr != "" {
			out = append(out, region.Endpoint{Region: region.ID(id), Addr: addr})
		}
	}
	return out
}

func buildBroadcaster(cfg config.FanoutConfig, logger *slog.Logger) (fanout.Broadcaster, func() error, error) {
	codec, err := fanout.CodecByName(cfg.Codec)
	if err != nil {
		return nil, nil, err
	}
	noop := func() error { return nil }

	switch cfg.Transport {
	case "redis":
		addrs := make(map[region.ID]string, len(cfg.Redis.Addrs))
		for id, addr := range cfg.Redis.Addrs {
			addrs[region.ID(id)] = addr
		}
		b := fanout.NewRedisBroadcaster(addrs, cfg.Redis.Password, cfg.Prefix, codec)
		return b, b.Close, nil
	case "amqp":
		urls := make(map[region.ID]string, len(cfg.AMQP.URLs))
		for id, url := range cfg.AMQP.URLs {
			urls[region.ID(id)] = url
		}
		b := fanout.NewAMQPBroadcaster(urls, cfg.Prefix, codec)
		return b, b.Close, nil
	case "kafka":
		brokers := make(map[region.ID][]string, len(cfg.Kafka.Brokers))
		for id, seeds := range cfg.Kafka.Brokers {
			brokers[region.ID(id)] = seeds
		}
		b, err := fanout.NewKafkaBroadcaster(brokers, cfg.Prefix, codec)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	case "log", "":
		return fanout.NewLogBroadcaster(codec, logger), noop, nil
	}
	return nil, nil, fmt.Errorf("unknown fanout transport %q", cfg.Transport)
}

// setupMetrics installs an OTLP-exporting meter provider when an endpoint is
// configured. Without one the returned meter is nil and components record
// nothing.
func setupMetrics(ctx context.Context, cfg config.TelemetryConfig) (metric.Meter, func(context.Context) error, error) {
	if cfg.OTLPEndpoint == "" {
		return nil, func(context.Context) error { return nil }, nil
	}
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure())
	if err != nil {
		return nil, nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.ExportInterval))),
		sdkmetric.WithResource(resource.NewSchemaless(attribute.String("service.name", "servelane"))),
	)
	otel.SetMeterProvider(provider)
	return provider.Meter("github.com/dreamware/servelane"), provider.Shutdown, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
