package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentinelstack/sentinel-soar/internal/agents"
	"github.com/sentinelstack/sentinel-soar/internal/api"
	"github.com/sentinelstack/sentinel-soar/internal/bus"
	"github.com/sentinelstack/sentinel-soar/internal/config"
	"github.com/sentinelstack/sentinel-soar/internal/coordinator"
	"github.com/sentinelstack/sentinel-soar/internal/metrics"
	"github.com/sentinelstack/sentinel-soar/internal/models"
	"github.com/sentinelstack/sentinel-soar/internal/scheduler"
	"github.com/sentinelstack/sentinel-soar/internal/store"
	"github.com/sentinelstack/sentinel-soar/internal/triage"
	"github.com/sentinelstack/sentinel-soar/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting sentinel-soar", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var backend store.Backend = store.NewMemoryBackend()
	if cfg.Store.Backend == "redis" && cfg.Store.Redis.Addr != "" {
		redisBackend, err := store.NewRedisBackend(store.RedisConfig{
			Addr:         cfg.Store.Redis.Addr,
			Username:     cfg.Store.Redis.Username,
			Password:     cfg.Store.Redis.Password,
			DB:           cfg.Store.Redis.DB,
			DialTimeout:  cfg.Store.Redis.DialTimeout,
			ReadTimeout:  cfg.Store.Redis.ReadTimeout,
			WriteTimeout: cfg.Store.Redis.WriteTimeout,
			MaxRetries:   cfg.Store.Redis.MaxRetries,
			TLS:          cfg.Store.Redis.TLS,
		})
		if err != nil {
			logger.Warn("redis backend unavailable, falling back to in-memory store", slog.Any("error", err))
		} else {
			backend = redisBackend
		}
	}
	defer backend.Close()

	workflowStore := store.New(backend, logger, store.Options{
		TimeoutHorizon: cfg.Scheduler.TimeoutHorizon,
		MaxRetries:     cfg.Store.MaxRetries,
		RetryDelay:     cfg.Store.RetryDelay,
	})

	var eventBus bus.Bus
	var dispatcher agents.Dispatcher
	if cfg.Bus.Kind == "nats" && cfg.Bus.NATS.URL != "" {
		natsBus, err := bus.NewNATSBus(bus.NATSConfig{
			URL:            cfg.Bus.NATS.URL,
			Name:           cfg.Bus.NATS.Name,
			ReconnectWait:  cfg.Bus.NATS.ReconnectWait,
			MaxReconnects:  cfg.Bus.NATS.MaxReconnects,
			ConnectTimeout: cfg.Bus.NATS.ConnectTimeout,
		}, logger)
		if err != nil {
			logger.Error("failed to connect to nats", slog.Any("error", err))
			os.Exit(1)
		}
		eventBus = natsBus
		dispatcher = agents.InstrumentedDispatcher{Next: agents.NewNATSDispatcher(natsBus.Conn())}
	} else {
		eventBus = bus.NewInProcBus(cfg.Bus.Buffer)
		dispatcher = agents.InstrumentedDispatcher{Next: agents.LoggingDispatcher{Logger: logger}}
	}
	defer eventBus.Close()

	var prober agents.Prober
	if len(cfg.Agents.Endpoints) > 0 {
		endpoints := make(map[models.AgentKind]string, len(cfg.Agents.Endpoints))
		for kind, endpoint := range cfg.Agents.Endpoints {
			endpoints[models.AgentKind(kind)] = endpoint
		}
		prober = agents.NewGRPCProber(endpoints, cfg.Agents.ProbeTimeout)
	} else {
		logger.Warn("no agent endpoints configured, health probes report static success")
		prober = agents.NewStaticProber()
	}
	defer prober.Close()

	scorer := triage.NewScorer(cfg.Triage.HighRiskAnomalies)

	sched := scheduler.New(scheduler.Config{
		MaxConcurrentWorkflows: cfg.Scheduler.MaxConcurrentWorkflows,
		MaxPendingQueue:        cfg.Scheduler.MaxPendingQueue,
		StallThreshold:         cfg.Scheduler.StallThreshold,
		AutoApproveThreshold:   cfg.Scheduler.AutoApproveThreshold,
		SweepInterval:          cfg.Scheduler.SweepInterval,
	}, logger, workflowStore, scorer, dispatcher)

	coord := coordinator.New(coordinator.Config{
		HealthCheckInterval: cfg.Coordinator.HealthCheckInterval,
		EmergencyThreshold:  cfg.Coordinator.EmergencyThreshold,
		DetectionInterval:   cfg.Coordinator.DetectionInterval,
		RecoveryErrorLimit:  cfg.Coordinator.RecoveryErrorLimit,
		PerformanceWindow:   cfg.Coordinator.PerformanceWindow,
	}, logger, dispatcher, prober, sched)
	sched.SetEmergencyHandler(coord)

	server, err := api.NewServer(cfg.Server, coord, logger)
	if err != nil {
		logger.Error("failed to create admin server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if runErr := sched.Run(ctx, eventBus); runErr != nil {
			logger.Error("scheduler exited", slog.Any("error", runErr))
			stop()
		}
	}()

	go func() {
		if runErr := coord.Run(ctx); runErr != nil {
			logger.Error("coordinator exited", slog.Any("error", runErr))
			stop()
		}
	}()

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("admin server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	logger.Info("sentinel-soar stopped")
}
