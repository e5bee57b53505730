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

	"github.com/sentinelstack/sentinel-engine/internal/aggregator"
	"github.com/sentinelstack/sentinel-engine/internal/api"
	"github.com/sentinelstack/sentinel-engine/internal/cache"
	"github.com/sentinelstack/sentinel-engine/internal/config"
	"github.com/sentinelstack/sentinel-engine/internal/detector"
	"github.com/sentinelstack/sentinel-engine/internal/health"
	"github.com/sentinelstack/sentinel-engine/internal/metrics"
	"github.com/sentinelstack/sentinel-engine/internal/notify"
	"github.com/sentinelstack/sentinel-engine/internal/objstore"
	"github.com/sentinelstack/sentinel-engine/internal/orchestrator"
	"github.com/sentinelstack/sentinel-engine/internal/queue"
	"github.com/sentinelstack/sentinel-engine/internal/recovery"
	"github.com/sentinelstack/sentinel-engine/internal/scheduler"
	"github.com/sentinelstack/sentinel-engine/internal/store"
	"github.com/sentinelstack/sentinel-engine/internal/sysinfo"
	"github.com/sentinelstack/sentinel-engine/internal/utils"
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
	logger.Info("starting sentinel-engine", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer bootCancel()

	metricsStore, err := store.New(bootCtx, cfg.Postgres, logger)
	if err != nil {
		logger.Error("failed to connect metrics store", slog.Any("error", err))
		os.Exit(1)
	}
	defer metricsStore.Close()
	if err := metricsStore.EnsureSchema(bootCtx); err != nil {
		logger.Error("failed to ensure schema", slog.Any("error", err))
		os.Exit(1)
	}

	var cacheProvider cache.Provider = cache.NoopProvider{}
	if cfg.Redis.Addr != "" {
		provider, err := cache.NewRedisProvider(cfg.Redis)
		if err != nil {
			logger.Warn("redis cache unavailable", slog.Any("error", err))
		} else {
			cacheProvider = provider
			defer provider.Close()
		}
	}

	queueClient, err := queue.New(cfg.Redis)
	if err != nil {
		logger.Error("failed to connect queue backend", slog.Any("error", err))
		os.Exit(1)
	}
	defer queueClient.Close()

	var storageProbe health.ObjectStorageProber
	var janitor recovery.ObjectJanitor
	if cfg.Storage.Bucket != "" {
		objClient, err := objstore.New(bootCtx, cfg.Storage)
		if err != nil {
			logger.Warn("object storage unavailable", slog.Any("error", err))
		} else {
			storageProbe = objClient
			janitor = objClient
		}
	}

	var workerManager recovery.WorkerManager
	var scaler scheduler.Scaler
	if cfg.Orchestrator.BaseURL != "" {
		orchClient := orchestrator.New(cfg.Orchestrator)
		workerManager = orchClient
		scaler = orchClient
	}

	var notifier notify.Notifier
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify)
	}

	queueNames := make([]string, 0, len(cfg.Queues))
	for _, q := range cfg.Queues {
		queueNames = append(queueNames, q.Name)
	}

	prober := health.NewProber(
		logger,
		metricsStore,
		cacheProvider,
		storageProbe,
		queueClient,
		queueNames,
		cfg.Thresholds,
		cfg.Health,
	)

	agg := aggregator.New(logger, metricsStore, queueClient, queueNames)
	det := detector.New(cfg.Detector)

	var alertSender recovery.AlertSender
	if notifier != nil {
		alertSender = notifier
	}
	engine := recovery.NewEngine(
		logger,
		cfg.Recovery,
		cfg.Queues,
		queueClient,
		cacheProvider,
		workerManager,
		janitor,
		metricsStore,
		alertSender,
	)

	var alertChannel scheduler.AlertChannel
	if notifier != nil {
		alertChannel = notifier
	}
	sched := scheduler.New(
		logger,
		cfg,
		sysinfo.NewCollector(cfg.Health.DiskPath),
		prober,
		engine,
		agg,
		det,
		metricsStore,
		alertChannel,
		scaler,
		func() float64 { return agg.Tracker().PercentileMs(95) },
	)

	server := api.NewServer(logger, cfg.Server, prober, agg, engine, metricsStore, agg.Tracker())

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

	go sched.Run(ctx)

	go func() {
		if serveErr := server.Start(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Error("http server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", slog.Any("error", err))
	}

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("sentinel-engine stopped")
}
