package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/twkanban/kanban-engine/internal/config"
	"github.com/twkanban/kanban-engine/internal/models"
	"github.com/twkanban/kanban-engine/internal/storage"
	"github.com/twkanban/kanban-engine/pkg/logger"
)

var (
	scanCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_scan_cycles_total",
		Help: "Total number of scheduler scan cycles",
	})

	scanSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_scan_cycles_skipped_total",
		Help: "Scan ticks skipped because the previous cycle was still running",
	})

	rulesScanned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_rules_scanned_total",
			Help: "Rules considered per cycle by readiness",
		},
		[]string{"state"},
	)
)

// SchedulerStats tracks scan loop activity
type SchedulerStats struct {
	mu            sync.RWMutex
	CyclesRun     int64
	RulesExecuted int64
	RulesDeferred int64
	RuleErrors    int64
	LastCycleAt   time.Time
}

// Snapshot returns a copy of the current stats
func (s *SchedulerStats) Snapshot() SchedulerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SchedulerStats{
		CyclesRun:     s.CyclesRun,
		RulesExecuted: s.RulesExecuted,
		RulesDeferred: s.RulesDeferred,
		RuleErrors:    s.RuleErrors,
		LastCycleAt:   s.LastCycleAt,
	}
}

// Scheduler drives the periodic scan: every interval it loads the
// enabled rules, filters out the ones still inside their own cooldown
// window, and hands the rest to the executor in priority order.
type Scheduler struct {
	ruleStore storage.RuleStore
	executor  *Executor
	cfg       config.EngineConfig

	stats   SchedulerStats
	busy    atomic.Bool
	running bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	clock   func() time.Time
}

// NewScheduler creates a scheduler over the given executor
func NewScheduler(ruleStore storage.RuleStore, executor *Executor, cfg config.EngineConfig) *Scheduler {
	return &Scheduler{
		ruleStore: ruleStore,
		executor:  executor,
		cfg:       cfg,
		clock:     time.Now,
	}
}

// Start begins the scan loop
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	logger.Info("Starting rule scheduler",
		logger.Duration("interval", s.cfg.ScanInterval),
	)

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop halts the scan loop and waits for the in-flight cycle
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	logger.Info("Rule scheduler stopped")
}

// GetStats returns a copy of the scheduler stats
func (s *Scheduler) GetStats() SchedulerStats {
	return s.stats.Snapshot()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.busy.CompareAndSwap(false, true) {
				scanSkipped.Inc()
				logger.Warn("Previous scan cycle still running, skipping tick")
				continue
			}
			s.RunOnce(ctx)
			s.busy.Store(false)
		}
	}
}

// RunOnce performs a single scan cycle: ready rules run in priority
// order, each isolated from the others' failures.
func (s *Scheduler) RunOnce(ctx context.Context) {
	scanCycles.Inc()
	now := s.clock()

	enabled, err := s.ruleStore.FindEnabledRules(ctx)
	if err != nil {
		logger.Error("Failed to load enabled rules", logger.ErrorField(err))
		logger.ErrorsTotal.WithLabelValues("scheduler", "load_rules").Inc()
		return
	}

	ready := filterReady(enabled, now)
	sortByPriority(ready)
	rulesScanned.WithLabelValues("ready").Add(float64(len(ready)))
	rulesScanned.WithLabelValues("deferred").Add(float64(len(enabled) - len(ready)))

	var executed, errored int64
	for _, rule := range ready {
		if ctx.Err() != nil {
			return
		}
		batch, err := s.executor.ExecuteRuleForAllCards(ctx, rule)
		if err != nil {
			errored++
			logger.Error("Rule batch failed",
				logger.String("rule_id", rule.ID),
				logger.String("rule_name", rule.Name),
				logger.ErrorField(err),
			)
			continue
		}
		executed++
		logger.Debug("Rule batch complete",
			logger.String("rule_id", rule.ID),
			logger.Int("total", batch.Total),
			logger.Int("success", batch.Success),
			logger.Int("failed", batch.Failed),
			logger.Int("skipped", batch.Skipped),
			logger.Int("cooldown", batch.Cooldown),
		)
	}

	s.stats.mu.Lock()
	s.stats.CyclesRun++
	s.stats.RulesExecuted += executed
	s.stats.RulesDeferred += int64(len(enabled) - len(ready))
	s.stats.RuleErrors += errored
	s.stats.LastCycleAt = now
	s.stats.mu.Unlock()
}

// filterReady drops rules whose own cooldown window has not elapsed
// since their last triggered execution
func filterReady(rules []*models.Rule, now time.Time) []*models.Rule {
	ready := make([]*models.Rule, 0, len(rules))
	for _, rule := range rules {
		if rule.LastExecutedAt == nil || !now.Before(rule.LastExecutedAt.Add(rule.Cooldown())) {
			ready = append(ready, rule)
		}
	}
	return ready
}

// sortByPriority orders rules by ascending priority, oldest first within
// a priority
func sortByPriority(rules []*models.Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})
}
