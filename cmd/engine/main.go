package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/twkanban/kanban-engine/internal/api"
	"github.com/twkanban/kanban-engine/internal/audit"
	"github.com/twkanban/kanban-engine/internal/config"
	"github.com/twkanban/kanban-engine/internal/engine"
	"github.com/twkanban/kanban-engine/internal/indicator"
	"github.com/twkanban/kanban-engine/internal/notify"
	"github.com/twkanban/kanban-engine/internal/rules"
	"github.com/twkanban/kanban-engine/internal/storage"
	"github.com/twkanban/kanban-engine/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load configuration: " + err.Error())
	}

	if err := logger.Init(cfg.LogLevel, cfg.Environment); err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("Starting kanban rule engine",
		logger.String("environment", cfg.Environment),
		logger.String("storage_backend", cfg.StorageBackend),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// storage backends
	var (
		ruleStore    storage.RuleStore
		cardStore    storage.CardStore
		executions   storage.ExecutionStore
		indicators   storage.IndicatorStore
		priceSource  storage.PriceSource
		priceHistory storage.PriceHistorySource
		auditSink    storage.AuditSink
	)

	var redisCache *storage.RedisSnapshotCache
	if cfg.Redis.Enabled {
		redisCache, err = storage.NewRedisSnapshotCache(cfg.Redis)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", logger.ErrorField(err))
		}
		defer redisCache.Close()
	}

	switch cfg.StorageBackend {
	case "postgres":
		pg, err := storage.NewPostgresStore(cfg.Database)
		if err != nil {
			logger.Fatal("Failed to connect to PostgreSQL", logger.ErrorField(err))
		}
		defer pg.Close()

		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to ensure database schema", logger.ErrorField(err))
		}

		ruleStore = pg
		cardStore = pg
		executions = pg
		indicators = pg
		priceHistory = pg
		auditSink = audit.NewRecorder(pg)

		if redisCache == nil {
			logger.Fatal("Redis is required with the postgres backend, price snapshots are read from Redis")
		}
		priceSource = redisCache

	default:
		mem := storage.NewMemoryPriceSource()
		ruleStore = storage.NewMemoryRuleStore()
		cardStore = storage.NewMemoryCardStore()
		executions = storage.NewMemoryExecutionStore()
		indicators = storage.NewMemoryIndicatorStore()
		priceSource = mem
		priceHistory = mem
		auditSink = audit.NewRecorder(storage.NewMemoryAuditStore())
	}

	if redisCache != nil && cfg.StorageBackend != "postgres" {
		priceSource = storage.NewCachedPriceSource(redisCache, priceSource)
	}

	// expression evaluator
	evaluator, err := rules.NewEvaluator()
	if err != nil {
		logger.Fatal("Failed to build expression evaluator", logger.ErrorField(err))
	}

	// indicator engine
	indicatorEngine := indicator.NewEngine(priceHistory, indicators, cardStore, redisCache, cfg.Indicator)
	if err := indicatorEngine.Start(ctx); err != nil {
		logger.Fatal("Failed to start indicator engine", logger.ErrorField(err))
	}
	defer indicatorEngine.Stop()

	// notification pipeline
	hub := notify.NewHub(cfg.Notify)
	sinks := []storage.NotificationSink{hub, notify.LogSink{}}
	if redisCache != nil {
		sinks = append(sinks, redisCache)
	}
	dispatcher := notify.NewDispatcher(cfg.Notify, sinks...)
	if err := dispatcher.Start(ctx); err != nil {
		logger.Fatal("Failed to start notification dispatcher", logger.ErrorField(err))
	}
	defer dispatcher.Stop()

	// executor and scheduler
	executor := engine.NewExecutor(ruleStore, cardStore, executions, indicators,
		priceSource, auditSink, dispatcher, evaluator, cfg.Engine)

	scheduler := engine.NewScheduler(ruleStore, executor, cfg.Engine)
	if err := scheduler.Start(ctx); err != nil {
		logger.Fatal("Failed to start scheduler", logger.ErrorField(err))
	}
	defer scheduler.Stop()

	// HTTP surface
	server := api.NewServer(ruleStore, cardStore, executions, evaluator,
		executor, scheduler, indicatorEngine, hub, cfg.HTTP)
	server.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", logger.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", logger.ErrorField(err))
	}
	hub.Close()
	cancel()
}
