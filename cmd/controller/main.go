// Package main is the entry point for the pipeline controller: it wires
// configuration, logging, metrics, the descriptor store, the pipeline
// executor factory, and the automaton supervisor, then blocks until
// SIGINT/SIGTERM triggers a graceful drain.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/streamforge/pipeline-controller/internal/config"
	"github.com/streamforge/pipeline-controller/internal/domain"
	"github.com/streamforge/pipeline-controller/internal/executor"
	"github.com/streamforge/pipeline-controller/internal/pipelineclient"
	"github.com/streamforge/pipeline-controller/internal/store"
	"github.com/streamforge/pipeline-controller/internal/store/memory"
	"github.com/streamforge/pipeline-controller/internal/store/postgres"
	"github.com/streamforge/pipeline-controller/internal/supervisor"
	"github.com/streamforge/pipeline-controller/pkg/logger"
	"github.com/streamforge/pipeline-controller/pkg/metrics"
)

const serviceName = "pipeline-controller"

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	showVersion := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s\n", serviceName)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	slog.SetDefault(log)

	log.Info("starting pipeline controller",
		"service", serviceName,
		"platform_version", cfg.PlatformVersion,
		"store_backend", cfg.Store.Backend,
		"executor_backend", cfg.Executor.Backend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := metrics.DefaultRegistry()

	descriptorStore, closeStore, err := newDescriptorStore(ctx, cfg, log, registry)
	if err != nil {
		log.Error("failed to initialize descriptor store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	httpClient := newPipelineClient(cfg)

	sup := supervisor.New(
		descriptorStore,
		executorFactory(cfg.Executor, registry),
		httpClient,
		cfg.PlatformVersion,
		cfg.Automaton,
		log,
		registry.Automaton(),
	)

	server := newMetricsServer(cfg, registry, log)
	serverErrCh := make(chan error, 1)
	go func() {
		log.Info("metrics/health server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
			return
		}
		serverErrCh <- nil
	}()

	supervisorErrCh := make(chan error, 1)
	go func() {
		supervisorErrCh <- sup.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-supervisorErrCh:
		if err != nil {
			log.Error("supervisor exited with error", "error", err)
		}
		stop()
	case err := <-serverErrCh:
		if err != nil {
			log.Error("metrics/health server failed", "error", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics/health server shutdown error", "error", err)
	}

	<-supervisorErrCh
	log.Info("pipeline controller stopped")
}

// newDescriptorStore builds the configured store backend and returns a
// close func the caller must defer. For the memory backend close is a
// no-op; for Postgres it runs migrations before returning and disconnects
// the pool on close.
func newDescriptorStore(ctx context.Context, cfg *config.Config, log *slog.Logger, registry *metrics.MetricsRegistry) (store.DescriptorStore, func(), error) {
	switch cfg.Store.Backend {
	case "memory":
		return memory.New(), func() {}, nil

	case "postgres":
		pgCfg := &postgres.Config{
			Host:              cfg.Store.Postgres.Host,
			Port:              cfg.Store.Postgres.Port,
			Database:          cfg.Store.Postgres.Database,
			User:              cfg.Store.Postgres.User,
			Password:          cfg.Store.Postgres.Password,
			SSLMode:           cfg.Store.Postgres.SSLMode,
			MaxConns:          cfg.Store.Postgres.MaxConns,
			MinConns:          cfg.Store.Postgres.MinConns,
			MaxConnLifetime:   cfg.Store.Postgres.MaxConnLifetime,
			MaxConnIdleTime:   cfg.Store.Postgres.MaxConnIdleTime,
			HealthCheckPeriod: cfg.Store.Postgres.HealthCheckPeriod,
			ConnectTimeout:    cfg.Store.Postgres.ConnectTimeout,
		}

		pool := postgres.NewPool(pgCfg, log, registry.Retry())
		if err := pool.Connect(ctx); err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}

		if err := postgres.RunMigrations(ctx, pool, log); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}

		return postgres.New(pool, registry.Store()), func() { pool.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported store backend: %s", cfg.Store.Backend)
	}
}

// newPipelineClient builds the Pipeline HTTP Client, signing requests with
// cfg.ControlSurfaceSigningKey when one is configured.
func newPipelineClient(cfg *config.Config) *pipelineclient.Client {
	if cfg.ControlSurfaceSigningKey == "" {
		return pipelineclient.New(cfg.Automaton.RequestTimeout)
	}
	return pipelineclient.NewAuthenticated(cfg.Automaton.RequestTimeout, []byte(cfg.ControlSurfaceSigningKey))
}

// executorFactory returns a supervisor.ExecutorFactory for the configured
// executor backend. Each call builds a fresh, unshared executor instance,
// since the supervisor hands over exclusive ownership to one automaton.
func executorFactory(cfg config.ExecutorConfig, registry *metrics.MetricsRegistry) supervisor.ExecutorFactory {
	return func(tenant domain.TenantID, pipeline domain.PipelineID) (executor.PipelineExecutor, error) {
		switch cfg.Backend {
		case "process":
			return executor.NewProcess(tenant, pipeline, cfg.Process, registry.Executor()), nil
		case "docker":
			return executor.NewDocker(tenant, pipeline, cfg.Docker, registry.Executor(), registry.Retry())
		case "kubernetes":
			return executor.NewKubernetes(tenant, pipeline, cfg.Kubernetes, registry.Executor(), registry.Retry())
		default:
			return nil, fmt.Errorf("unsupported executor backend: %s", cfg.Backend)
		}
	}
}

// newMetricsServer builds the admin HTTP server exposing /healthz and, when
// enabled, the Prometheus /metrics endpoint.
func newMetricsServer(cfg *config.Config, registry *metrics.MetricsRegistry, log *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	if cfg.Metrics.Enabled {
		endpointCfg := metrics.DefaultEndpointConfig()
		endpointCfg.Path = cfg.Metrics.Path
		handler, err := metrics.NewMetricsEndpointHandler(endpointCfg, registry)
		if err != nil {
			log.Error("failed to build metrics endpoint, /metrics disabled", "error", err)
		} else {
			handler.SetLogger(log)
			mux.Handle(cfg.Metrics.Path, handler)
		}
	}

	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}
