package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/twkanban/kanban-engine/internal/config"
	"github.com/twkanban/kanban-engine/internal/models"
	"github.com/twkanban/kanban-engine/internal/rules"
	"github.com/twkanban/kanban-engine/internal/storage"
	"github.com/twkanban/kanban-engine/pkg/logger"
)

var (
	executionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_executions_total",
			Help: "Rule executions by outcome status",
		},
		[]string{"status"},
	)

	executionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rule_execution_duration_seconds",
		Help:    "Duration of a single rule execution in seconds",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	statusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "card_status_transitions_total",
			Help: "Card status transitions performed by rules",
		},
		[]string{"from", "to"},
	)
)

// BatchResult tallies outcomes of running one rule over a set of cards
type BatchResult struct {
	RuleID   string
	Total    int
	Success  int
	Failed   int
	Skipped  int
	Cooldown int
}

// Executor evaluates rules against cards and applies the resulting
// status transitions. Concurrent executions of the same (rule, card)
// pair are serialized.
type Executor struct {
	ruleStore  storage.RuleStore
	cardStore  storage.CardStore
	executions storage.ExecutionStore
	indicators storage.IndicatorStore
	prices     storage.PriceSource
	audit      storage.AuditSink
	notify     storage.NotificationSink
	cfg        config.EngineConfig

	evaluator *rules.Evaluator
	inflight  *keyedMutex
	clock     func() time.Time
}

// NewExecutor wires the executor. audit and notify may be nil when those
// sinks are not configured.
func NewExecutor(
	ruleStore storage.RuleStore,
	cardStore storage.CardStore,
	executions storage.ExecutionStore,
	indicators storage.IndicatorStore,
	prices storage.PriceSource,
	audit storage.AuditSink,
	notify storage.NotificationSink,
	evaluator *rules.Evaluator,
	cfg config.EngineConfig,
) *Executor {
	return &Executor{
		ruleStore:  ruleStore,
		cardStore:  cardStore,
		executions: executions,
		indicators: indicators,
		prices:     prices,
		audit:      audit,
		notify:     notify,
		cfg:        cfg,
		evaluator:  evaluator,
		inflight:   newKeyedMutex(),
		clock:      time.Now,
	}
}

// ExecuteRuleForCard runs one rule against one card and returns the
// outcome status. Every outcome except cooldown suppression appends an
// execution record.
func (e *Executor) ExecuteRuleForCard(ctx context.Context, rule *models.Rule, card *models.Card) (models.ExecutionStatus, error) {
	key := rule.ID + ":" + card.ID
	e.inflight.Lock(key)
	defer e.inflight.Unlock(key)

	start := e.clock()
	defer func() {
		executionDuration.Observe(e.clock().Sub(start).Seconds())
	}()

	// card-level cooldown: most recent record for this pair, regardless
	// of its outcome, holds the pair quiet for the rule's cooldown window
	last, err := e.executions.FindMostRecent(ctx, rule.ID, card.ID)
	if err != nil {
		return models.ExecutionFailed, fmt.Errorf("failed to load execution history: %w", err)
	}
	if last != nil && start.Before(last.ExecutedAt.Add(rule.Cooldown())) {
		executionsTotal.WithLabelValues(string(models.ExecutionCooldown)).Inc()
		return models.ExecutionCooldown, nil
	}

	snap, ind, fetchErr := e.fetchMarketData(ctx, card.StockCode)
	if fetchErr != nil {
		e.record(ctx, rule, card, &models.ExecutionRecord{
			Status:  models.ExecutionFailed,
			Message: fetchErr.Error(),
		}, start)
		return models.ExecutionFailed, nil
	}
	if snap == nil {
		e.record(ctx, rule, card, &models.ExecutionRecord{
			Status:  models.ExecutionSkipped,
			Message: "no price data",
		}, start)
		return models.ExecutionSkipped, nil
	}

	vars := rules.BuildContext(card, snap, ind)
	result := e.evaluator.Evaluate(rule.ConditionExpression, vars)

	if !result.Success {
		e.record(ctx, rule, card, &models.ExecutionRecord{
			Status:          models.ExecutionFailed,
			ConditionResult: result.ToJSON(),
			PriceSnapshot:   marshalSnapshot(snap),
			Message:         result.ErrorMessage,
		}, start)
		return models.ExecutionFailed, nil
	}

	if !result.Matched {
		e.record(ctx, rule, card, &models.ExecutionRecord{
			Status:          models.ExecutionSkipped,
			ConditionResult: result.ToJSON(),
			PriceSnapshot:   marshalSnapshot(snap),
			Message:         "condition not matched",
		}, start)
		return models.ExecutionSkipped, nil
	}

	if card.Status == rule.TargetStatus {
		e.record(ctx, rule, card, &models.ExecutionRecord{
			Status:          models.ExecutionSkipped,
			ConditionResult: result.ToJSON(),
			PriceSnapshot:   marshalSnapshot(snap),
			Message:         "already at target status",
		}, start)
		return models.ExecutionSkipped, nil
	}

	return e.applyTransition(ctx, rule, card, snap, result, start)
}

func (e *Executor) applyTransition(ctx context.Context, rule *models.Rule, card *models.Card,
	snap *models.PriceSnapshot, result *rules.EvaluationResult, start time.Time) (models.ExecutionStatus, error) {

	previous := card.Status
	target := rule.TargetStatus

	if err := e.cardStore.UpdateStatus(ctx, card.ID, target); err != nil {
		e.record(ctx, rule, card, &models.ExecutionRecord{
			Status:          models.ExecutionFailed,
			ConditionResult: result.ToJSON(),
			PriceSnapshot:   marshalSnapshot(snap),
			Message:         fmt.Sprintf("status update failed: %v", err),
		}, start)
		return models.ExecutionFailed, nil
	}
	card.Status = target
	statusTransitions.WithLabelValues(string(previous), string(target)).Inc()

	now := e.clock()
	rule.LastExecutedAt = &now
	rule.TriggerCount++
	if err := e.ruleStore.UpdateRule(ctx, rule); err != nil {
		logger.Warn("Failed to persist rule trigger bookkeeping",
			logger.String("rule_id", rule.ID),
			logger.ErrorField(err),
		)
		logger.SideEffectFailures.WithLabelValues("rule_store").Inc()
	}

	if e.audit != nil {
		reason := fmt.Sprintf("rule %q matched", rule.Name)
		if err := e.audit.RecordStatusChange(ctx, card.UserID, card.ID, previous, target, reason); err != nil {
			logger.Warn("Audit record failed",
				logger.String("card_id", card.ID),
				logger.ErrorField(err),
			)
			logger.SideEffectFailures.WithLabelValues("audit").Inc()
		}
	}

	notified := false
	if rule.SendNotification && e.notify != nil {
		event := buildNotification(rule, card, previous, target)
		if err := e.notify.Dispatch(ctx, event); err != nil {
			logger.Warn("Notification dispatch failed",
				logger.String("rule_id", rule.ID),
				logger.ErrorField(err),
			)
			logger.SideEffectFailures.WithLabelValues("notify").Inc()
		} else {
			notified = true
		}
	}

	record := &models.ExecutionRecord{
		Status:           models.ExecutionSuccess,
		PreviousStatus:   &previous,
		NewStatus:        &target,
		ConditionResult:  result.ToJSON(),
		PriceSnapshot:    marshalSnapshot(snap),
		NotificationSent: notified,
	}
	e.record(ctx, rule, card, record, start)

	logger.Info("Rule transition applied",
		logger.String("rule_id", rule.ID),
		logger.String("card_id", card.ID),
		logger.String("stock_code", card.StockCode),
		logger.String("from", string(previous)),
		logger.String("to", string(target)),
	)
	return models.ExecutionSuccess, nil
}

// ExecuteRuleForAllCards runs one rule over every card owned by the
// rule's user. Per-card failures are tallied, never fatal to the batch.
func (e *Executor) ExecuteRuleForAllCards(ctx context.Context, rule *models.Rule) (*BatchResult, error) {
	cards, err := e.cardStore.FindCardsByOwner(ctx, rule.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cards for rule %s: %w", rule.ID, err)
	}

	result := &BatchResult{RuleID: rule.ID, Total: len(cards)}
	for _, card := range cards {
		status, err := e.ExecuteRuleForCard(ctx, rule, card)
		if err != nil {
			result.Failed++
			logger.Error("Rule execution error",
				logger.String("rule_id", rule.ID),
				logger.String("card_id", card.ID),
				logger.ErrorField(err),
			)
			continue
		}
		switch status {
		case models.ExecutionSuccess:
			result.Success++
		case models.ExecutionFailed:
			result.Failed++
		case models.ExecutionCooldown:
			result.Cooldown++
		default:
			result.Skipped++
		}
	}
	return result, nil
}

// fetchMarketData loads the price snapshot and latest indicators for a
// stock code within the configured lookup timeout. A missing indicator
// snapshot is not an error; rules that reference indicator variables
// simply fail to match.
func (e *Executor) fetchMarketData(ctx context.Context, stockCode string) (*models.PriceSnapshot, *models.IndicatorSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.LookupTimeout)
	defer cancel()

	snap, err := e.prices.GetLatestSnapshot(ctx, stockCode)
	if err != nil {
		return nil, nil, fmt.Errorf("price lookup failed: %w", err)
	}

	ind, err := e.indicators.FindLatestIndicator(ctx, stockCode)
	if err != nil {
		logger.Warn("Indicator lookup failed",
			logger.String("stock_code", stockCode),
			logger.ErrorField(err),
		)
		ind = nil
	}
	return snap, ind, nil
}

func (e *Executor) record(ctx context.Context, rule *models.Rule, card *models.Card,
	record *models.ExecutionRecord, start time.Time) {

	record.ID = uuid.NewString()
	record.RuleID = rule.ID
	record.CardID = card.ID
	record.ExecutedAt = start
	record.ExecutionTimeMs = e.clock().Sub(start).Milliseconds()

	executionsTotal.WithLabelValues(string(record.Status)).Inc()

	if err := e.executions.SaveExecution(ctx, record); err != nil {
		logger.Error("Failed to save execution record",
			logger.String("rule_id", rule.ID),
			logger.String("card_id", card.ID),
			logger.ErrorField(err),
		)
		logger.SideEffectFailures.WithLabelValues("execution_store").Inc()
	}
}

func buildNotification(rule *models.Rule, card *models.Card, from, to models.CardStatus) *models.NotificationEvent {
	message := rule.NotificationTemplate
	if message == "" {
		message = fmt.Sprintf("Rule %q moved %s (%s) from %s to %s",
			rule.Name, card.StockName, card.StockCode, from, to)
	} else {
		replacer := strings.NewReplacer(
			"{stockCode}", card.StockCode,
			"{stockName}", card.StockName,
			"{ruleName}", rule.Name,
			"{fromStatus}", string(from),
			"{toStatus}", string(to),
		)
		message = replacer.Replace(message)
	}

	return &models.NotificationEvent{
		ID:             uuid.NewString(),
		UserID:         card.UserID,
		RuleID:         rule.ID,
		RuleName:       rule.Name,
		CardID:         card.ID,
		StockCode:      card.StockCode,
		StockName:      card.StockName,
		PreviousStatus: from,
		NewStatus:      to,
		Message:        message,
		TriggeredAt:    time.Now().UTC(),
	}
}

func marshalSnapshot(snap *models.PriceSnapshot) string {
	data, err := json.Marshal(snap)
	if err != nil {
		return ""
	}
	return string(data)
}
