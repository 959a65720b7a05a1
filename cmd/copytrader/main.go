// Command copytrader launches the trade replication runtime.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/tandem/internal/app/breaker"
	"github.com/coachpo/tandem/internal/app/exposure"
	"github.com/coachpo/tandem/internal/app/ledger"
	"github.com/coachpo/tandem/internal/app/lifecycle"
	"github.com/coachpo/tandem/internal/app/pipeline"
	"github.com/coachpo/tandem/internal/app/report"
	"github.com/coachpo/tandem/internal/app/risk"
	"github.com/coachpo/tandem/internal/app/sizing"
	"github.com/coachpo/tandem/internal/domain/market"
	"github.com/coachpo/tandem/internal/infra/config"
	"github.com/coachpo/tandem/internal/infra/kafka"
	"github.com/coachpo/tandem/internal/infra/paper"
	"github.com/coachpo/tandem/internal/infra/persistence"
	"github.com/coachpo/tandem/internal/infra/persistence/migrations"
	"github.com/coachpo/tandem/internal/infra/redis"
	"github.com/coachpo/tandem/internal/infra/reportsink"
	httpserver "github.com/coachpo/tandem/internal/infra/server/http"
	"github.com/coachpo/tandem/internal/infra/source"
	"github.com/coachpo/tandem/internal/infra/telemetry"
	"github.com/coachpo/tandem/internal/observability"
	"github.com/coachpo/tandem/lib/async"
)

const (
	defaultConfigPath            = "config/app.yaml"
	copytraderLoggerPrefix       = "copytrader "
	meterName                    = "github.com/coachpo/tandem"
	shutdownTimeout              = 30 * time.Second
	controlServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout     = 10 * time.Second
	submissionFlushTimeout       = 10 * time.Second
	relayDrainTimeout            = 5 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
	controlReadHeaderTimeout     = 5 * time.Second
)

type flags struct {
	configPath string
	envFile    string
}

func main() {
	opts := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newCopytraderLogger()

	configPath := resolveConfigPath(opts.configPath)
	appCfg, err := config.LoadEnv(ctx, configPath, opts.envFile)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, leaders=%d, sources=%v",
		appCfg.Environment, len(appCfg.Leaders), appCfg.Source.Kinds)

	structured, err := observability.NewLogrus(appCfg.LogConfig())
	if err != nil {
		logger.Fatalf("initialise logging: %v", err)
	}
	defer func() { _ = structured.Close() }()
	observability.SetLogger(structured)

	telemetryProvider, recorder, err := initTelemetry(ctx, logger, appCfg)
	if err != nil {
		logger.Fatalf("initialise telemetry: %v", err)
	}

	backend, err := openBackend(ctx, logger, appCfg.Storage)
	if err != nil {
		logger.Fatalf("open ledger store: %v", err)
	}
	defer func() { _ = backend.Close() }()
	logger.Printf("ledger store ready: driver=%s", appCfg.Storage.Driver)

	runtime, err := buildRuntime(ctx, appCfg, backend, recorder)
	if err != nil {
		logger.Fatalf("initialise replication runtime: %v", err)
	}
	defer runtime.closeAll(logger)

	if err := runtime.manager.Recover(ctx); err != nil {
		logger.Fatalf("recover ledger: %v", err)
	}
	logger.Printf("recovery complete: working orders=%d", runtime.manager.WorkingOrders())

	meter := telemetryProvider.Meter(meterName)
	if err := telemetry.ObserveGauges(meter, telemetry.Gauges{
		BreakerOpen: runtime.breaker.IsOpen,
		Exposure: func() (map[string]decimal.Decimal, map[string]decimal.Decimal) {
			snap := runtime.exposure.Snapshot()
			return snap.Markets, snap.Categories
		},
		WorkingOrders: runtime.manager.WorkingOrders,
	}); err != nil {
		logger.Printf("gauges unavailable: %v", err)
	}

	var lifecycleGroup conc.WaitGroup
	startRuntime(ctx, cancel, &lifecycleGroup, logger, runtime)

	apiServer := buildAPIServer(appCfg, runtime, backend)
	startAPIServer(&lifecycleGroup, logger, apiServer)
	logger.Printf("control API listening on %s", apiServer.Addr)

	logger.Print("copytrader started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycleGroup,
		manager:    runtime.manager,
		relay:      runtime.relay,
		telemetry:  telemetryProvider,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() flags {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	envFile := flag.String("env", config.DefaultCredentialsFile, "Optional dotenv file with credentials")
	flag.Parse()
	return flags{configPath: *cfgPath, envFile: *envFile}
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newCopytraderLogger() *log.Logger {
	return log.New(os.Stdout, copytraderLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.AppConfig) (*telemetry.Provider, *telemetry.Recorder, error) {
	telemetryCfg := cfg.OTelConfig()
	telemetry.SetEnvironment(string(cfg.Environment))

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	recorder, err := telemetry.NewRecorder(provider.Meter(meterName), string(cfg.Gateway.Kind))
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, nil, fmt.Errorf("initialize recorder: %w", err)
	}

	if telemetryCfg.Enabled {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, recorder, nil
}

func openBackend(ctx context.Context, logger *log.Logger, cfg config.StorageConfig) (persistence.Backend, error) {
	migrationsDir := strings.TrimSpace(cfg.Migrations)
	if migrationsDir == "" {
		migrationsDir = migrations.Embedded
	}
	return persistence.Open(ctx, persistence.Options{
		Driver:     cfg.Driver,
		Path:       cfg.Path,
		DSN:        cfg.DSN,
		MaxConns:   cfg.MaxConns,
		Migrations: migrationsDir,
		Logger:     logger,
	})
}

// replicationRuntime groups the long-lived components wired from configuration.
type replicationRuntime struct {
	limits     risk.Limits
	ledger     *ledger.Ledger
	exposure   *exposure.State
	breaker    *breaker.Breaker
	manager    *lifecycle.Manager
	dispatcher *pipeline.Dispatcher
	sources    []pipeline.Source
	relay      *report.Relay
	closers    []io.Closer
}

func buildRuntime(ctx context.Context, cfg config.AppConfig, backend persistence.Backend, recorder *telemetry.Recorder) (*replicationRuntime, error) {
	rt := &replicationRuntime{}
	ok := false
	defer func() {
		if !ok {
			rt.closeAll(nil)
		}
	}()

	limits, err := cfg.RiskLimits()
	if err != nil {
		return nil, err
	}
	sizingCfg, err := cfg.SizingConfig()
	if err != nil {
		return nil, err
	}
	lifecycleCfg, err := cfg.LifecycleConfig()
	if err != nil {
		return nil, err
	}
	breakerCfg, err := cfg.BreakerConfig()
	if err != nil {
		return nil, err
	}
	retryPolicy, err := cfg.RetryPolicy()
	if err != nil {
		return nil, err
	}
	paperOpts, err := cfg.PaperOptions()
	if err != nil {
		return nil, err
	}

	rt.limits = limits
	rt.ledger = ledger.New(backend, ledger.WithObserver(recorder.EntryTerminal))
	rt.exposure = exposure.New()
	rt.breaker = breaker.New(breakerCfg, breaker.WithLogger(observability.WithComponent(nil, "breaker")))
	sizer := sizing.NewSizer(sizingCfg, sizing.NewLeaderBook())
	gate := risk.NewGate(limits, sizer)

	venue := paper.NewVenue(paperOpts)
	provider, err := buildMarketProvider(ctx, cfg.Market, venue)
	if err != nil {
		return nil, err
	}
	if closer, isCloser := provider.(io.Closer); isCloser {
		rt.closers = append(rt.closers, closer)
	}

	pool, err := async.NewPool(cfg.Execution.Workers, cfg.Execution.QueueSize)
	if err != nil {
		return nil, fmt.Errorf("submission pool: %w", err)
	}
	rt.manager, err = lifecycle.NewManager(lifecycleCfg, lifecycle.Dependencies{
		Ledger:   rt.ledger,
		Gate:     gate,
		Sizer:    sizer,
		Exposure: rt.exposure,
		Breaker:  rt.breaker,
		Gateway:  venue,
		Market:   provider,
		Pool:     pool,
		Retry:    retryPolicy,
		Metrics:  recorder,
	})
	if err != nil {
		pool.Close()
		return nil, err
	}

	rt.dispatcher = pipeline.NewDispatcher(pipeline.HandlerFunc(rt.manager.Handle), pipeline.Options{
		LaneBuffer: cfg.Execution.LaneBuffer,
		Logger:     observability.WithComponent(nil, "pipeline"),
	})
	sources, err := buildSources(cfg, recorder)
	if err != nil {
		return nil, err
	}
	rt.sources = sources

	sink, err := buildSinks(cfg.Report, string(cfg.Gateway.Kind))
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, sink)
	rt.relay = report.NewRelay(backend, sink,
		report.WithRelayInterval(config.Duration(cfg.Report.Relay.Interval, time.Second)),
		report.WithRelayBatchSize(cfg.Report.Relay.BatchSize),
		report.WithRelayRetention(config.Duration(cfg.Report.Relay.Retention, 0)),
		report.WithRelayObserver(recorder.Relayed),
	)

	ok = true
	return rt, nil
}

// buildMarketProvider returns the paper venue itself unless a Redis snapshot feed is configured.
func buildMarketProvider(ctx context.Context, cfg config.MarketConfig, venue *paper.Venue) (market.Provider, error) {
	switch cfg.Kind {
	case config.MarketRedis:
		client, err := redis.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		var opts []redis.Option
		if cfg.Redis.KeyPrefix != "" {
			opts = append(opts, redis.WithKeyPrefix(cfg.Redis.KeyPrefix))
		}
		return closingProvider{MarketProvider: redis.NewMarketProvider(client, opts...), closer: client}, nil
	default:
		return venue, nil
	}
}

type closingProvider struct {
	*redis.MarketProvider
	closer io.Closer
}

func (p closingProvider) Close() error { return p.closer.Close() }

// buildSources constructs the enabled leader event sources. Kafka readers are closed by
// their own Run.
func buildSources(cfg config.AppConfig, recorder *telemetry.Recorder) ([]pipeline.Source, error) {
	var sources []pipeline.Source
	if cfg.Source.Enabled(config.SourceKafka) {
		k := cfg.Source.Kafka
		src, err := kafka.NewSource(kafka.SourceConfig{
			Brokers:        k.Brokers,
			Topic:          k.Topic,
			GroupID:        k.GroupID,
			MinBytes:       k.MinBytes,
			MaxBytes:       k.MaxBytes,
			CommitInterval: config.Duration(k.CommitInterval, time.Second),
		},
			kafka.WithSourceLogger(observability.WithComponent(nil, "kafka-source")),
			kafka.WithSourceObserver(recorder.SourceEvent),
		)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	if cfg.Source.Enabled(config.SourceFile) {
		retryPolicy, err := cfg.RetryPolicy()
		if err != nil {
			return nil, err
		}
		f := cfg.Source.File
		poller, err := source.NewFilePoller(source.FileConfig{
			Path:       f.Path,
			Interval:   config.Duration(f.Interval, time.Second),
			StartAtEnd: f.StartAtEnd,
			Retry:      retryPolicy,
		}, observability.WithComponent(nil, "file-source"))
		if err != nil {
			return nil, err
		}
		sources = append(sources, poller)
	}
	if len(sources) == 0 {
		return nil, errors.New("no leader event source enabled")
	}
	return sources, nil
}

// buildSinks fans relayed records out to every configured report destination.
func buildSinks(cfg config.ReportConfig, mode string) (*report.Fanout, error) {
	var sinks []report.Sink
	fail := func(err error) (*report.Fanout, error) {
		_ = report.NewFanout(sinks...).Close()
		return nil, err
	}
	if cfg.JSONL.Path != "" {
		sink, err := reportsink.NewJSONL(reportsink.JSONLConfig{
			Path:       cfg.JSONL.Path,
			MaxSizeMB:  cfg.JSONL.MaxSizeMB,
			MaxBackups: cfg.JSONL.MaxBackups,
			MaxAgeDays: cfg.JSONL.MaxAgeDays,
			Compress:   cfg.JSONL.Compress,
		})
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.CSV.Path != "" {
		sink, err := reportsink.NewCSV(cfg.CSV.Path, mode)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, sink)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		sink, err := kafka.NewPublisher(kafka.PublisherConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, sink)
	}
	return report.NewFanout(sinks...), nil
}

func (rt *replicationRuntime) closeAll(logger *log.Logger) {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil && logger != nil {
			logger.Printf("close: %v", err)
		}
	}
	rt.closers = nil
}

func (rt *replicationRuntime) stats() any {
	return map[string]any{
		"dispatcher":    rt.dispatcher.Stats(),
		"workingOrders": rt.manager.WorkingOrders(),
		"breakerOpen":   rt.breaker.IsOpen(),
	}
}

// startRuntime launches the dispatcher, the lifecycle ticker and the report relay. A
// systemic fault from any of them stops the process.
func startRuntime(ctx context.Context, cancel context.CancelFunc, group *conc.WaitGroup, logger *log.Logger, rt *replicationRuntime) {
	stopOnFault := func(name string, run func(context.Context) error) {
		group.Go(func() {
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Printf("%s stopped: %v", name, err)
				cancel()
			}
		})
	}
	stopOnFault("dispatcher", func(ctx context.Context) error {
		return rt.dispatcher.Run(ctx, rt.sources...)
	})
	stopOnFault("lifecycle", rt.manager.Run)
	stopOnFault("report relay", rt.relay.Run)
}

func buildAPIServer(cfg config.AppConfig, rt *replicationRuntime, backend persistence.Backend) *http.Server {
	handler := httpserver.NewHandler(httpserver.Dependencies{
		Environment: cfg.Environment,
		Ledger:      rt.ledger,
		Positions:   backend,
		Exposure:    rt.exposure,
		Breaker:     rt.breaker,
		Limits:      rt.limits,
		Stats:       rt.stats,
		Health:      backend.Ping,
	})

	return &http.Server{
		Addr:              cfg.APIServer.Addr,
		Handler:           handler,
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
}

func startAPIServer(group *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	group.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("control server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	manager    *lifecycle.Manager
	relay      *report.Relay
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping control server", controlServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.manager != nil {
		shutdownStep("flushing in-flight submissions", submissionFlushTimeout, cfg.manager.Flush)
	}

	if cfg.relay != nil {
		shutdownStep("draining report outbox", relayDrainTimeout, func(stepCtx context.Context) error {
			_, err := cfg.relay.Drain(stepCtx)
			return err
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
