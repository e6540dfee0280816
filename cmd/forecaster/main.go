// Command forecaster runs the gridcast demand forecasting service.
//
// The forecaster:
//  1. Loads trained model artifacts from a local directory
//  2. Serves ensemble forecasts over HTTP and gRPC
//  3. Periodically collects each tenant's demand history from its source and
//     stores a fresh forecast
//  4. Scores stored forecasts against actuals and summarises renewable
//     integration
//
// The HTTP API listens on :8081 (configurable):
//   - POST /v1/forecast - Forecast a tenant
//   - GET /forecast/current?tenant=<id> - Latest stored forecast
//   - POST /v1/evaluate, GET /v1/plan, GET /v1/models, POST /v1/models/reload, GET /v1/tenants
//   - GET /healthz - Health check endpoint
//   - GET /metrics - Prometheus metrics endpoint
//
// The gRPC service gridcast.forecast.v1.Forecaster listens on :9091.
//
// Usage:
//
//	forecaster \
//	  -artifacts-dir=/var/lib/gridcast/models \
//	  -tenants-file=/etc/gridcast/tenants.yaml \
//	  -storage=redis -redis-addr=redis:6379
//
// Environment variables:
//
//	ARTIFACTS_DIR     - Directory of trained model artifacts (default: models)
//	ARTIFACT_RETRY_INTERVAL - Minimum time between re-reads of a missing artifact (default: 30s)
//	TENANTS_FILE      - Tenants YAML file (default: built-in tenants)
//	STORAGE           - memory or redis (default: memory)
//	FORECAST_TIMEOUT  - Ensemble time budget before falling back (default: 10s)
//	INTERVAL_LEVEL    - Forecast band confidence (default: p95)
//	SCHEDULE_INTERVAL - Scheduled forecast interval (default: 1h)
//	HISTORY_WINDOW    - History collected per scheduled forecast (default: 168h)
//	LOG_LEVEL         - Logging level: debug, info, warn, error (default: info)
//	LOG_FORMAT        - Logging format: text, json (default: text)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/reflection"

	"github.com/HatiCode/gridcast/cmd/forecaster/config"
	"github.com/HatiCode/gridcast/cmd/forecaster/logger"
	"github.com/HatiCode/gridcast/cmd/forecaster/metrics"
	"github.com/HatiCode/gridcast/cmd/forecaster/router"
	"github.com/HatiCode/gridcast/cmd/forecaster/store"
	"github.com/HatiCode/gridcast/pkg/artifacts"
	"github.com/HatiCode/gridcast/pkg/grpcapi"
	"github.com/HatiCode/gridcast/pkg/httpx"
	"github.com/HatiCode/gridcast/pkg/service"
	"github.com/HatiCode/gridcast/pkg/sources"
	"github.com/HatiCode/gridcast/pkg/tenants"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	cfg, err := config.Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(2)
	}

	log := logger.New(cfg)
	slog.SetDefault(log)

	log.Info("starting gridcast forecaster",
		"version", version,
		"listen", cfg.Listen,
		"grpc_listen", cfg.GRPCListen,
		"artifacts_dir", cfg.ArtifactsDir,
		"storage", cfg.Storage,
		"tls_enabled", cfg.TLS.Enabled,
	)

	if err := run(cfg, log); err != nil {
		log.Error("forecaster failed", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	models := artifacts.NewStore(cfg.ArtifactsDir, log)
	models.SetRetryInterval(cfg.ArtifactRetry)

	registry := tenants.Default()
	if cfg.TenantsFile != "" {
		var err error
		if registry, err = tenants.Load(cfg.TenantsFile); err != nil {
			return fmt.Errorf("load tenants: %w", err)
		}
	}

	st, err := store.New(cfg, log)
	if err != nil {
		return fmt.Errorf("create store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error("failed to close store", "error", err)
		}
	}()

	m := metrics.New(prometheus.DefaultRegisterer)

	ensembleOpts := cfg.EnsembleOptions()
	ensembleOpts.Logger = log
	svc, err := service.New(models, registry, st, service.Options{
		Ensemble:     ensembleOpts,
		FallbackSeed: cfg.FallbackSeed,
		StaleAfter:   cfg.StaleAfter,
		Logger:       log,
		Recorder:     m,
	})
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	serverTLS, err := cfg.TLS.Server()
	if err != nil {
		return fmt.Errorf("server tls: %w", err)
	}
	clientTLS, err := cfg.TLS.Client()
	if err != nil {
		return fmt.Errorf("client tls: %w", err)
	}

	sourceClient := httpx.NewClient(clientTLS, 30*time.Second)
	f, err := New(svc, registry, func(c sources.Config) (sources.Source, error) {
		return sources.NewWithClient(c, sourceClient)
	}, cfg.HistoryWindow, log, m)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	healthCheck := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return st.Ping(ctx)
	}
	httpServer := httpx.NewServer(cfg.Listen, router.SetupRoutes(svc, healthCheck, log), log)
	if serverTLS != nil {
		httpServer.SetTLSConfig(serverTLS)
	}

	serverErr := make(chan error, 2)

	var (
		grpcServer   *grpc.Server
		healthServer *health.Server
	)
	if cfg.GRPCListen != "" {
		lis, err := net.Listen("tcp", cfg.GRPCListen)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}

		opts := []grpc.ServerOption{grpc.ChainUnaryInterceptor(grpcapi.LoggingInterceptor(log))}
		if serverTLS != nil {
			opts = append(opts, grpc.Creds(credentials.NewTLS(serverTLS)))
		}
		grpcServer = grpc.NewServer(opts...)
		healthServer = grpcapi.Register(grpcServer, grpcapi.NewServer(svc, log))
		reflection.Register(grpcServer)

		go func() {
			log.Info("grpc server listening", "address", cfg.GRPCListen)
			if err := grpcServer.Serve(lis); err != nil {
				serverErr <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	go func() {
		if err := f.Run(ctx, cfg.ScheduleInterval); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("forecast loop failed", "error", err)
		}
	}()

	go func() {
		if err := httpServer.Start(); err != nil {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig)
	case runErr = <-serverErr:
	}

	log.Info("shutting down")
	cancel()

	if grpcServer != nil {
		log.Info("shutting down grpc server")
		healthServer.Shutdown()
		grpcServer.GracefulStop()
	}
	if err := httpServer.Stop(10 * time.Second); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}
