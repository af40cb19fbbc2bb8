package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	deviceadapter "github.com/couchcryptid/quake-sentinel/internal/adapter/device"
	"github.com/couchcryptid/quake-sentinel/internal/adapter/history"
	httpadapter "github.com/couchcryptid/quake-sentinel/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/quake-sentinel/internal/adapter/kafka"
	"github.com/couchcryptid/quake-sentinel/internal/adapter/postgres"
	"github.com/couchcryptid/quake-sentinel/internal/adapter/push"
	"github.com/couchcryptid/quake-sentinel/internal/adapter/rediscache"
	"github.com/couchcryptid/quake-sentinel/internal/config"
	"github.com/couchcryptid/quake-sentinel/internal/defense"
	"github.com/couchcryptid/quake-sentinel/internal/detector"
	"github.com/couchcryptid/quake-sentinel/internal/domain"
	"github.com/couchcryptid/quake-sentinel/internal/location"
	"github.com/couchcryptid/quake-sentinel/internal/observability"
	"github.com/couchcryptid/quake-sentinel/internal/report"
	"github.com/couchcryptid/quake-sentinel/internal/warning"
)

// readiness is ready once both the detection pipeline and the warning
// consumer have seen traffic.
type readiness struct {
	pipeline *detector.Pipeline
	consumer *warning.Consumer
}

func (r readiness) CheckReadiness(ctx context.Context) error {
	if err := r.pipeline.CheckReadiness(ctx); err != nil {
		return err
	}
	return r.consumer.CheckReadiness(ctx)
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgStore, err := postgres.NewStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	if err := pgStore.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	historyStore, err := history.NewStore(ctx, cfg.HistoryPath, logger)
	if err != nil {
		logger.Error("failed to open event history", "error", err, "path", cfg.HistoryPath)
		os.Exit(1)
	}

	cache := rediscache.NewCache(cfg, logger)
	if err := cache.Ping(ctx); err != nil {
		logger.Warn("redis unavailable, last-known locations degraded", "error", err)
	}

	gateway, err := deviceadapter.NewGateway(cfg, logger)
	if err != nil {
		logger.Error("failed to connect to mqtt broker", "error", err, "broker", cfg.MQTTBroker)
		os.Exit(1)
	}

	pushClient := push.NewClient(cfg, logger)

	registry := location.NewRegistry()
	locations := location.NewService(pgStore, cache, logger, clock)
	emergency := location.NewEmergencyReporter(gateway, registry, locations, cfg.LocationTimeout, logger, clock)

	controller := defense.NewController(gateway, emergency, cfg.FalseAlarmLock, cfg.DefenseWatchInterval, logger, metrics, clock)

	sampleReader := kafkaadapter.NewSampleReader(cfg, logger)
	reportReader := kafkaadapter.NewReportReader(cfg, logger)
	reportWriter := kafkaadapter.NewReportWriter(cfg, logger)

	detCfg := detector.DefaultConfig()
	detCfg.Sensitivity = cfg.Sensitivity
	detCfg.MinEventDuration = cfg.MinEventDuration
	detCfg.Cooldown = cfg.DetectionCooldown

	sinks := []detector.ReportSink{pgStore, reportWriter}
	pipeline := detector.NewPipeline(
		sampleReader, historyStore, sinks,
		gateway, cache, controller, registry,
		detCfg, cfg.LocationTimeout,
		logger, metrics, clock,
	)

	intake := report.NewIntake([]report.Sink{pgStore, reportWriter}, logger, metrics, clock)

	warnOpts := domain.WarningOptions{
		WaveSpeedKmPerSec: cfg.WaveSpeedKmPerSec,
		MinDistanceKm:     cfg.WarningMinDistanceKm,
		UrgentSeconds:     cfg.WarningUrgentSeconds,
	}
	engine := warning.NewEngine(pgStore, pushClient, pgStore, warnOpts, cfg.WarningLookback, cfg.WarningSettleDelay, logger, metrics, clock)
	consumer := warning.NewConsumer(reportReader, engine, logger, metrics)

	srv := httpadapter.NewServer(cfg.HTTPAddr, httpadapter.Dependencies{
		Ready:     readiness{pipeline: pipeline, consumer: consumer},
		Intake:    intake,
		Reports:   pgStore,
		Locations: locations,
		Status:    pipeline,
		History:   historyStore,
		Defense:   controller,
	}, logger)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		if err := pipeline.Run(ctx); err != nil {
			logger.Error("detection pipeline error", "error", err)
		}
	}()

	go func() {
		if err := consumer.Run(ctx); err != nil {
			logger.Error("warning consumer error", "error", err)
		}
	}()

	go controller.Watch(ctx)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := sampleReader.Close(); err != nil {
		logger.Error("sample reader close error", "error", err)
	}
	if err := reportReader.Close(); err != nil {
		logger.Error("report reader close error", "error", err)
	}
	if err := reportWriter.Close(); err != nil {
		logger.Error("report writer close error", "error", err)
	}
	gateway.Close()
	if err := cache.Close(); err != nil {
		logger.Error("redis close error", "error", err)
	}
	if err := historyStore.Close(); err != nil {
		logger.Error("event history close error", "error", err)
	}
	if err := pgStore.Close(); err != nil {
		logger.Error("postgres close error", "error", err)
	}

	logger.Info("shutdown complete")
}
