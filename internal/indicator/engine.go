package indicator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/twkanban/kanban-engine/internal/config"
	"github.com/twkanban/kanban-engine/internal/models"
	"github.com/twkanban/kanban-engine/internal/storage"
	"github.com/twkanban/kanban-engine/pkg/logger"
)

var (
	recomputeRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indicator_recompute_runs_total",
		Help: "Total number of indicator recompute cycles",
	})

	recomputeResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indicator_recompute_results_total",
			Help: "Per-stock recompute outcomes",
		},
		[]string{"result"},
	)

	recomputeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "indicator_recompute_duration_seconds",
		Help:    "Duration of a full indicator recompute cycle in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	})
)

// Stats tracks indicator engine activity
type Stats struct {
	mu               sync.RWMutex
	CyclesRun        int64
	StocksComputed   int64
	StocksSkipped    int64
	StocksFailed     int64
	LastCycleAt      time.Time
	LastCycleElapsed time.Duration
}

// Snapshot returns a copy of the current stats
func (s *Stats) Snapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		CyclesRun:        s.CyclesRun,
		StocksComputed:   s.StocksComputed,
		StocksSkipped:    s.StocksSkipped,
		StocksFailed:     s.StocksFailed,
		LastCycleAt:      s.LastCycleAt,
		LastCycleElapsed: s.LastCycleElapsed,
	}
}

// Engine periodically recomputes technical indicators for every stock
// code that appears on a card, fanning the work out over a small worker
// pool.
type Engine struct {
	history storage.PriceHistorySource
	store   storage.IndicatorStore
	cards   storage.CardStore
	cache   *storage.RedisSnapshotCache // optional, may be nil
	cfg     config.IndicatorConfig

	stats   Stats
	running bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine creates an indicator engine. cache may be nil when Redis is
// not configured.
func NewEngine(history storage.PriceHistorySource, store storage.IndicatorStore,
	cards storage.CardStore, cache *storage.RedisSnapshotCache, cfg config.IndicatorConfig) *Engine {
	return &Engine{
		history: history,
		store:   store,
		cards:   cards,
		cache:   cache,
		cfg:     cfg,
	}
}

// Start begins the periodic recompute loop
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("indicator engine already running")
	}
	e.running = true
	ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	logger.Info("Starting indicator engine",
		logger.Duration("interval", e.cfg.RecomputeInterval),
		logger.Int("workers", e.cfg.Workers),
	)

	e.wg.Add(1)
	go e.loop(ctx)
	return nil
}

// Stop halts the recompute loop and waits for in-flight work
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	logger.Info("Indicator engine stopped")
}

// GetStats returns a copy of the engine stats
func (e *Engine) GetStats() Stats {
	return e.stats.Snapshot()
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.RecomputeInterval)
	defer ticker.Stop()

	// run once up front so rules see fresh indicators immediately
	e.RecomputeAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.RecomputeAll(ctx)
		}
	}
}

// RecomputeAll recalculates indicators for every distinct stock code on
// the board. Per-stock failures are logged and counted, never fatal.
func (e *Engine) RecomputeAll(ctx context.Context) {
	start := time.Now()
	recomputeRuns.Inc()

	codes, err := e.cards.DistinctStockCodes(ctx)
	if err != nil {
		logger.Error("Failed to list stock codes for recompute", logger.ErrorField(err))
		logger.ErrorsTotal.WithLabelValues("indicator", "list_codes").Inc()
		return
	}

	workers := e.cfg.Workers
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for code := range jobs {
				e.recomputeOne(ctx, code)
			}
		}()
	}

	for _, code := range codes {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return
		case jobs <- code:
		}
	}
	close(jobs)
	wg.Wait()

	elapsed := time.Since(start)
	recomputeDuration.Observe(elapsed.Seconds())

	e.stats.mu.Lock()
	e.stats.CyclesRun++
	e.stats.LastCycleAt = time.Now()
	e.stats.LastCycleElapsed = elapsed
	e.stats.mu.Unlock()

	logger.Debug("Indicator recompute cycle complete",
		logger.Int("stocks", len(codes)),
		logger.Duration("elapsed", elapsed),
	)
}

// CalculateAndStore computes the snapshot for one stock code and persists
// it when enough history exists. Insufficient-data snapshots are returned
// to the caller but not persisted.
func (e *Engine) CalculateAndStore(ctx context.Context, stockCode string) (*models.IndicatorSnapshot, error) {
	points, err := e.history.GetRecentPrices(ctx, stockCode, e.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load price history for %s: %w", stockCode, err)
	}

	snapshot := Calculate(stockCode, points)
	if snapshot.CalculationSource == models.SourceInsufficientData {
		return snapshot, nil
	}

	if err := e.store.SaveIndicator(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("failed to save indicator snapshot for %s: %w", stockCode, err)
	}

	if e.cache != nil {
		if err := e.cache.PutIndicator(ctx, snapshot); err != nil {
			logger.Warn("Failed to cache indicator snapshot",
				logger.String("stock_code", stockCode),
				logger.ErrorField(err),
			)
		}
	}
	return snapshot, nil
}

func (e *Engine) recomputeOne(ctx context.Context, stockCode string) {
	snapshot, err := e.CalculateAndStore(ctx, stockCode)
	if err != nil {
		recomputeResults.WithLabelValues("failed").Inc()
		e.stats.mu.Lock()
		e.stats.StocksFailed++
		e.stats.mu.Unlock()
		logger.Error("Indicator recompute failed",
			logger.String("stock_code", stockCode),
			logger.ErrorField(err),
		)
		return
	}

	if snapshot.CalculationSource == models.SourceInsufficientData {
		recomputeResults.WithLabelValues("insufficient_data").Inc()
		e.stats.mu.Lock()
		e.stats.StocksSkipped++
		e.stats.mu.Unlock()
		logger.Debug("Insufficient history for indicators",
			logger.String("stock_code", stockCode),
		)
		return
	}

	recomputeResults.WithLabelValues("computed").Inc()
	e.stats.mu.Lock()
	e.stats.StocksComputed++
	e.stats.mu.Unlock()
}
