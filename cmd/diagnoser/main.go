// Command diagnoser implements the turbowatch gas-turbine diagnosis service.
//
// At startup the diagnoser:
//  1. Loads the training set and fits the feature scaler
//  2. Trains one decay regressor for the compressor and one for the turbine
//  3. Loads the threshold rule table (built-in envelope or a YAML file)
//  4. Opens the history store and the audit log
//
// It then accepts websocket clients on port 8765 (configurable). Every telemetry
// message is answered with a verdict; the text GET_HISTORY returns the rolling
// window of processed messages.
//
// HTTP endpoints on the same listener:
//   - /ws and / - websocket diagnosis stream
//   - GET /history - rolling history snapshot
//   - GET /rules - active threshold rules
//   - GET /healthz - health check endpoint
//   - GET /metrics - Prometheus metrics endpoint
//
// A gRPC health service is served on port 50051 (configurable, empty disables).
//
// Usage:
//
//	diagnoser \
//	  -training-data=navalplantmaintenance.csv \
//	  -model=forest -forest-trees=100 \
//	  -audit-log=sensor_logs.csv
//
// Environment variables:
//
//	LISTEN           - Websocket/HTTP listen address (default: :8765)
//	GRPC_LISTEN      - gRPC health listen address (default: :50051)
//	TRAINING_DATA    - Training data file (default: navalplantmaintenance.csv)
//	MODEL            - Decay model: forest, linear, byom (default: forest)
//	RULES_FILE       - YAML threshold rule table (default: built-in)
//	ATTRIBUTION      - Fault attribution: shared, subsystem (default: shared)
//	HISTORY_BACKEND  - History backend: memory, redis (default: memory)
//	HISTORY_CAPACITY - History window size (default: 100)
//	AUDIT_LOG        - Audit log path (default: sensor_logs.csv)
//	LOG_LEVEL        - Logging level: debug, info, warn, error (default: info)
//	LOG_FORMAT       - Logging format: text, json (default: text)
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/HatiCode/turbowatch/cmd/diagnoser/config"
	"github.com/HatiCode/turbowatch/cmd/diagnoser/metrics"
	regressors "github.com/HatiCode/turbowatch/cmd/diagnoser/models"
	"github.com/HatiCode/turbowatch/cmd/diagnoser/router"
	"github.com/HatiCode/turbowatch/cmd/diagnoser/store"
	"github.com/HatiCode/turbowatch/pkg/audit"
	"github.com/HatiCode/turbowatch/pkg/dataset"
	"github.com/HatiCode/turbowatch/pkg/diagnosis"
	"github.com/HatiCode/turbowatch/pkg/httpx"
	"github.com/HatiCode/turbowatch/pkg/logger"
	"github.com/HatiCode/turbowatch/pkg/models"
	"github.com/HatiCode/turbowatch/pkg/rules"
	"github.com/HatiCode/turbowatch/pkg/stream"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	cfg := config.ParseFlags()

	log := logger.New(cfg.LogFormat, cfg.LogLevel, "diagnoser")
	slog.SetDefault(log)

	log.Info("starting turbowatch diagnoser",
		"version", version,
		"listen", cfg.Listen,
		"model", cfg.Model,
		"history_backend", cfg.HistoryBackend,
		"tls_enabled", cfg.TLS.Enabled,
	)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	attribution, _ := diagnosis.ParseAttribution(cfg.Attribution)
	if attribution == diagnosis.Shared {
		log.Warn("shared fault attribution: every violation raises the compressor flag and the turbine flag never fires; use -attribution=subsystem to separate them")
	}

	table, err := loadRules(cfg.RulesFile)
	if err != nil {
		log.Error("failed to load threshold rules", "file", cfg.RulesFile, "error", err)
		os.Exit(1)
	}
	engine, err := rules.NewEngine(table)
	if err != nil {
		log.Error("invalid threshold rules", "error", err)
		os.Exit(1)
	}
	log.Info("threshold rules loaded", "rules", len(table), "file", cfg.RulesFile)

	ds, err := dataset.Load(cfg.TrainingData)
	if err != nil {
		log.Error("failed to load training data", "file", cfg.TrainingData, "error", err)
		os.Exit(1)
	}
	log.Info("training data loaded", "file", cfg.TrainingData, "rows", ds.Len())

	newModel, err := regressors.New(cfg, log)
	if err != nil {
		log.Error("failed to create model", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	predictor, err := models.NewDecayPredictor(ctx, ds, newModel)
	if err != nil {
		log.Error("failed to train decay models", "error", err)
		os.Exit(1)
	}
	log.Info("decay models trained", "model", predictor.Name())

	hist, err := store.New(cfg, log)
	if err != nil {
		log.Error("failed to create history store", "error", err)
		os.Exit(1)
	}
	if closer, ok := hist.(interface{ Close() error }); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				log.Error("failed to close history store", "error", err)
			}
		}()
	}

	auditLog, err := audit.Open(cfg.AuditLog, cfg.AuditFsync)
	if err != nil {
		log.Error("failed to open audit log", "path", cfg.AuditLog, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := auditLog.Close(); err != nil {
			log.Error("failed to close audit log", "error", err)
		}
	}()

	m := metrics.New(prometheus.DefaultRegisterer, predictor.Name())

	d := New(predictor, engine, attribution, hist, auditLog, log, m)

	wsHandler := stream.NewHandler(d, stream.Options{
		Logger:       log,
		Observer:     m,
		IdleTimeout:  cfg.ClientIdleTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	var ready atomic.Bool
	mux := router.SetupRoutes(router.Deps{
		Stream:  wsHandler,
		History: d,
		Rules:   engine.Rules(),
		Ready: func() error {
			if !ready.Load() {
				return errors.New("not serving")
			}
			return nil
		},
		Logger: log,
	})
	httpServer := httpx.NewServer(cfg.Listen, mux, log)

	serverTLS, err := cfg.TLS.Server()
	if err != nil {
		log.Error("failed to create TLS config", "error", err)
		os.Exit(1)
	}

	var grpcServer *grpc.Server
	var healthServer *health.Server
	if cfg.GRPCListen != "" {
		lis, err := net.Listen("tcp", cfg.GRPCListen)
		if err != nil {
			log.Error("failed to listen", "address", cfg.GRPCListen, "error", err)
			os.Exit(1)
		}
		grpcServer, healthServer = startHealthServer(lis, serverTLS, log)
	}

	if serverTLS != nil {
		httpServer.SetTLSConfig(serverTLS)
	}

	serverErr := make(chan error, 1)
	go func() {
		if serverTLS != nil {
			serverErr <- httpServer.StartTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
			return
		}
		serverErr <- httpServer.Start()
	}()
	ready.Store(true)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := 0
	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		if err != nil {
			log.Error("server failed", "error", err)
			exitCode = 1
		}
	}

	log.Info("shutting down")
	ready.Store(false)
	if healthServer != nil {
		healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := wsHandler.Shutdown(shutdownCtx); err != nil {
		log.Warn("websocket clients did not close in time", "active", wsHandler.Active(), "error", err)
	}
	shutdownCancel()
	cancel()

	if err := httpServer.Stop(cfg.ShutdownTimeout); err != nil {
		log.Error("http server shutdown failed", "error", err)
		exitCode = 1
	}

	if grpcServer != nil {
		log.Info("shutting down grpc server")
		grpcServer.GracefulStop()
	}

	log.Info("shutdown complete", "audit_rows", auditLog.Rows())
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func loadRules(path string) ([]rules.Rule, error) {
	if path == "" {
		return rules.DefaultRules(), nil
	}
	return rules.LoadFile(path)
}
