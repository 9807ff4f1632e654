package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joejoethish/ecom-sub017/internal/config"
	repos "github.com/joejoethish/ecom-sub017/internal/data/repos/migration"
	"github.com/joejoethish/ecom-sub017/internal/handlers"
	"github.com/joejoethish/ecom-sub017/internal/migration"
	"github.com/joejoethish/ecom-sub017/internal/monitor"
	"github.com/joejoethish/ecom-sub017/internal/observability"
	"github.com/joejoethish/ecom-sub017/internal/pkg/logger"
	"github.com/joejoethish/ecom-sub017/internal/server"
	"github.com/joejoethish/ecom-sub017/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	runNow := flag.Bool("run", false, "start a migration run immediately instead of waiting for API calls")
	flag.Parse()

	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load(*configPath, log)
	if err != nil {
		log.Error("Config load failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOtel := observability.InitOTel(ctx, log, observability.OtelConfig{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		Environment: os.Getenv("APP_ENV"),
	})
	if shutdownOtel != nil {
		defer func() {
			shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownOtel(shCtx)
		}()
	}

	// One long-lived target handle carries the audit trail; run stores are
	// opened fresh per launch.
	auditStore, err := openStore(cfg.Target, cfg.Copy.WatermarkColumn, log)
	if err != nil {
		log.Error("Target store init failed", "error", err)
		os.Exit(1)
	}
	defer auditStore.Close()

	auditSink, err := repos.NewGormAuditSink(auditStore.DB(), log)
	if err != nil {
		log.Warn("Audit sink init failed, runs will not be mirrored", "error", err)
		auditSink = nil
	}

	var redisSink monitor.RedisSink
	if cfg.Redis.Addr != "" {
		redisSink, err = monitor.NewRedisSink(cfg.Redis.Addr, time.Duration(cfg.Redis.KeyTTLSeconds)*time.Second, log)
		if err != nil {
			log.Warn("Redis sink init failed, progress will not be published", "error", err)
		} else {
			defer redisSink.Close()
		}
	}

	registry := migration.NewRunRegistry()

	launch := func() (*migration.Orchestrator, error) {
		source, err := openStore(cfg.Source, cfg.Copy.WatermarkColumn, log)
		if err != nil {
			return nil, fmt.Errorf("open source store: %w", err)
		}
		target, err := openStore(cfg.Target, cfg.Copy.WatermarkColumn, log)
		if err != nil {
			source.Close()
			return nil, fmt.Errorf("open target store: %w", err)
		}

		engineCfg := migration.EngineConfig{
			BatchSize:       cfg.Copy.BatchSize,
			CopyWorkers:     cfg.Copy.Workers,
			MaxBatchRetries: cfg.Copy.MaxBatchRetries,
			WatermarkColumn: cfg.Copy.WatermarkColumn,
		}
		triggerCfg := migration.TriggerConfig{
			MaxErrors:             cfg.Triggers.MaxErrors,
			MaxValidationFailures: cfg.Triggers.MaxValidationFailures,
			MaxSyncLagSeconds:     cfg.Triggers.MaxSyncLagSeconds,
			MaxMigrationTimeHours: cfg.Triggers.MaxMigrationTimeHours,
		}

		o := migration.NewOrchestrator(source, target, engineCfg, triggerCfg, log)
		if auditSink != nil {
			o.SetAuditSink(auditSink)
		}
		if redisSink != nil {
			redisSink.Attach(o.ID().String(), o.Callbacks())
		}
		return o, nil
	}

	migrationHandler := handlers.NewMigrationHandler(registry, launch, log)
	router := server.NewRouter(server.RouterConfig{MigrationHandler: migrationHandler})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}
	go func() {
		log.Info("HTTP server listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	if *runNow {
		o, err := launch()
		if err != nil {
			log.Error("Migration launch failed", "error", err)
			os.Exit(1)
		}
		registry.Add(o)
		go func() {
			if err := o.Run(ctx); err != nil {
				log.Error("Migration run failed", "run_id", o.ID().String(), "error", err)
			}
		}()
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shCtx); err != nil {
		log.Warn("HTTP shutdown failed", "error", err)
	}
}

func openStore(cfg config.StoreConfig, watermarkColumn string, log *logger.Logger) (store.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return store.NewSQLiteStore(cfg.DSN, watermarkColumn, log)
	case "postgres":
		return store.NewPostgresStore(cfg.DSN, watermarkColumn, log)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
