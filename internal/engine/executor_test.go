package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twkanban/kanban-engine/internal/config"
	"github.com/twkanban/kanban-engine/internal/models"
	"github.com/twkanban/kanban-engine/internal/rules"
	"github.com/twkanban/kanban-engine/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testHarness struct {
	ruleStore  *storage.MemoryRuleStore
	cardStore  *storage.MemoryCardStore
	executions *storage.MemoryExecutionStore
	indicators *storage.MemoryIndicatorStore
	prices     *storage.MemoryPriceSource
	audit      *storage.MockAuditSink
	notify     *storage.MockNotificationSink
	clock      *fakeClock
	executor   *Executor
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	evaluator, err := rules.NewEvaluator()
	require.NoError(t, err)

	h := &testHarness{
		ruleStore:  storage.NewMemoryRuleStore(),
		cardStore:  storage.NewMemoryCardStore(),
		executions: storage.NewMemoryExecutionStore(),
		indicators: storage.NewMemoryIndicatorStore(),
		prices:     storage.NewMemoryPriceSource(),
		audit:      &storage.MockAuditSink{},
		notify:     &storage.MockNotificationSink{},
		clock:      newFakeClock(),
	}
	h.executor = NewExecutor(h.ruleStore, h.cardStore, h.executions, h.indicators,
		h.prices, h.audit, h.notify,
		evaluator,
		config.EngineConfig{ScanInterval: time.Minute, LookupTimeout: 5 * time.Second})
	h.executor.clock = h.clock.Now
	return h
}

func (h *testHarness) addRule(t *testing.T, expression string, target models.CardStatus) *models.Rule {
	t.Helper()
	rule := &models.Rule{
		ID:                  "rule-1",
		UserID:              "user-1",
		Name:                "breakout",
		RuleType:            models.RuleTypeCustom,
		ConditionExpression: expression,
		TriggerEvent:        models.TriggerPriceChange,
		TargetStatus:        target,
		Enabled:             true,
		CooldownSeconds:     3600,
		Priority:            5,
		SendNotification:    true,
		CreatedAt:           h.clock.Now(),
		UpdatedAt:           h.clock.Now(),
	}
	require.NoError(t, h.ruleStore.AddRule(context.Background(), rule))
	return rule
}

func (h *testHarness) addCard(t *testing.T, id, code string, status models.CardStatus) *models.Card {
	t.Helper()
	card := &models.Card{
		ID:        id,
		UserID:    "user-1",
		StockCode: code,
		StockName: code,
		Status:    status,
		CreatedAt: h.clock.Now(),
		UpdatedAt: h.clock.Now(),
	}
	require.NoError(t, h.cardStore.AddCard(context.Background(), card))
	return card
}

func (h *testHarness) setPrice(code string, price float64) {
	h.prices.SetSnapshot(&models.PriceSnapshot{
		StockCode:     code,
		CurrentPrice:  price,
		OpenPrice:     price,
		HighPrice:     price,
		LowPrice:      price,
		PreviousClose: price,
		Volume:        1000,
		UpdatedAt:     h.clock.Now(),
	})
}

func TestExecuteRuleMatchTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rule := h.addRule(t, "price > 100", models.StatusAlerts)
	card := h.addCard(t, "card-1", "2330", models.StatusWatch)
	h.setPrice("2330", 150)

	status, err := h.executor.ExecuteRuleForCard(ctx, rule, card)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSuccess, status)

	// card moved
	updated, err := h.cardStore.GetCard(ctx, "card-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAlerts, updated.Status)

	// rule bookkeeping persisted
	stored, err := h.ruleStore.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.TriggerCount)
	require.NotNil(t, stored.LastExecutedAt)

	// execution record captured the transition
	record, err := h.executions.FindMostRecent(ctx, rule.ID, card.ID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, models.ExecutionSuccess, record.Status)
	require.NotNil(t, record.PreviousStatus)
	require.NotNil(t, record.NewStatus)
	assert.Equal(t, models.StatusWatch, *record.PreviousStatus)
	assert.Equal(t, models.StatusAlerts, *record.NewStatus)
	assert.NotEmpty(t, record.ConditionResult)
	assert.NotEmpty(t, record.PriceSnapshot)
	assert.True(t, record.NotificationSent)

	// side effects fired
	assert.Equal(t, 1, h.audit.Count())
	assert.Equal(t, 1, h.notify.Count())
}

func TestExecuteRuleCooldownSuppresses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rule := h.addRule(t, "price > 100", models.StatusAlerts)
	card := h.addCard(t, "card-1", "2330", models.StatusWatch)
	h.setPrice("2330", 150)

	status, err := h.executor.ExecuteRuleForCard(ctx, rule, card)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionSuccess, status)
	require.Equal(t, 1, h.executions.Count())

	// immediately again: suppressed, and no record is written
	status, err = h.executor.ExecuteRuleForCard(ctx, rule, card)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCooldown, status)
	assert.Equal(t, 1, h.executions.Count())
	assert.Equal(t, 1, h.notify.Count())

	// past the window the pair is live again
	h.clock.Advance(2 * time.Hour)
	require.NoError(t, h.cardStore.UpdateStatus(ctx, card.ID, models.StatusWatch))
	card.Status = models.StatusWatch

	status, err = h.executor.ExecuteRuleForCard(ctx, rule, card)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSuccess, status)
	assert.Equal(t, 2, h.executions.Count())
}

func TestExecuteRuleAlreadyAtTarget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rule := h.addRule(t, "price > 100", models.StatusAlerts)
	card := h.addCard(t, "card-1", "2330", models.StatusAlerts)
	h.setPrice("2330", 150)

	status, err := h.executor.ExecuteRuleForCard(ctx, rule, card)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSkipped, status)

	record, err := h.executions.FindMostRecent(ctx, rule.ID, card.ID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "already at target status", record.Message)
	assert.NotEmpty(t, record.PriceSnapshot)

	// no transition, no side effects
	assert.Equal(t, 0, h.audit.Count())
	assert.Equal(t, 0, h.notify.Count())

	stored, err := h.ruleStore.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stored.TriggerCount)
	assert.Nil(t, stored.LastExecutedAt)
}

func TestExecuteRuleConditionNotMatched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rule := h.addRule(t, "price > 1000", models.StatusAlerts)
	card := h.addCard(t, "card-1", "2330", models.StatusWatch)
	h.setPrice("2330", 150)

	status, err := h.executor.ExecuteRuleForCard(ctx, rule, card)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSkipped, status)

	record, err := h.executions.FindMostRecent(ctx, rule.ID, card.ID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "condition not matched", record.Message)
	assert.NotEmpty(t, record.PriceSnapshot)

	updated, err := h.cardStore.GetCard(ctx, "card-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusWatch, updated.Status)
	assert.Equal(t, 0, h.notify.Count())
}

func TestExecuteRuleMalformedExpression(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rule := h.addRule(t, "price >>> 5", models.StatusAlerts)
	card := h.addCard(t, "card-1", "2330", models.StatusWatch)
	h.setPrice("2330", 150)

	status, err := h.executor.ExecuteRuleForCard(ctx, rule, card)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, status)

	record, err := h.executions.FindMostRecent(ctx, rule.ID, card.ID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, models.ExecutionFailed, record.Status)
	assert.NotEmpty(t, record.Message)
	assert.NotEmpty(t, record.PriceSnapshot)
}

func TestExecuteRuleNoPriceData(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rule := h.addRule(t, "price > 100", models.StatusAlerts)
	card := h.addCard(t, "card-1", "9999", models.StatusWatch)

	status, err := h.executor.ExecuteRuleForCard(ctx, rule, card)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSkipped, status)

	record, err := h.executions.FindMostRecent(ctx, rule.ID, card.ID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "no price data", record.Message)
}

func TestExecuteRulePriceSourceFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rule := h.addRule(t, "price > 100", models.StatusAlerts)
	card := h.addCard(t, "card-1", "2330", models.StatusWatch)

	h.executor.prices = &storage.FailingPriceSource{}

	status, err := h.executor.ExecuteRuleForCard(ctx, rule, card)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, status)

	record, err := h.executions.FindMostRecent(ctx, rule.ID, card.ID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, models.ExecutionFailed, record.Status)
}

func TestExecuteRuleSideEffectFailuresDoNotUnwind(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.audit.Err = assert.AnError
	h.notify.Err = assert.AnError

	rule := h.addRule(t, "price > 100", models.StatusAlerts)
	card := h.addCard(t, "card-1", "2330", models.StatusWatch)
	h.setPrice("2330", 150)

	status, err := h.executor.ExecuteRuleForCard(ctx, rule, card)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSuccess, status)

	// transition and bookkeeping land despite both sinks erroring
	updated, err := h.cardStore.GetCard(ctx, "card-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAlerts, updated.Status)

	stored, err := h.ruleStore.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.TriggerCount)

	record, err := h.executions.FindMostRecent(ctx, rule.ID, card.ID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, models.ExecutionSuccess, record.Status)
	assert.False(t, record.NotificationSent)
}

// advancingIndicatorStore moves the fake clock forward during the market
// data fetch so the recorded elapsed time has a known value.
type advancingIndicatorStore struct {
	*storage.MemoryIndicatorStore
	clock *fakeClock
	step  time.Duration
}

func (s *advancingIndicatorStore) FindLatestIndicator(ctx context.Context, stockCode string) (*models.IndicatorSnapshot, error) {
	s.clock.Advance(s.step)
	return s.MemoryIndicatorStore.FindLatestIndicator(ctx, stockCode)
}

func TestExecuteRuleElapsedFollowsClock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.executor.indicators = &advancingIndicatorStore{
		MemoryIndicatorStore: h.indicators,
		clock:                h.clock,
		step:                 250 * time.Millisecond,
	}

	rule := h.addRule(t, "price > 100", models.StatusAlerts)
	card := h.addCard(t, "card-1", "2330", models.StatusWatch)
	h.setPrice("2330", 150)

	started := h.clock.Now()
	status, err := h.executor.ExecuteRuleForCard(ctx, rule, card)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionSuccess, status)

	record, err := h.executions.FindMostRecent(ctx, rule.ID, card.ID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, started, record.ExecutedAt)
	assert.Equal(t, int64(250), record.ExecutionTimeMs)
}

func TestExecuteRuleIndicatorVariables(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rule := h.addRule(t, "rsi14 < 30 && price > ma20", models.StatusReadyToBuy)
	card := h.addCard(t, "card-1", "2330", models.StatusWatch)
	h.setPrice("2330", 550)

	rsi := 25.0
	ma20 := 500.0
	require.NoError(t, h.indicators.SaveIndicator(ctx, &models.IndicatorSnapshot{
		StockCode:         "2330",
		RSI14:             &rsi,
		MA20:              &ma20,
		DataPoints:        30,
		CalculationSource: models.SourceCalculated,
		CalculatedAt:      h.clock.Now(),
	}))

	status, err := h.executor.ExecuteRuleForCard(ctx, rule, card)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSuccess, status)
}

func TestExecuteRuleMissingIndicatorFailsClosed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// no indicator snapshot exists, so the reference errors and the
	// card stays put
	rule := h.addRule(t, "rsi14 < 30", models.StatusReadyToBuy)
	card := h.addCard(t, "card-1", "2330", models.StatusWatch)
	h.setPrice("2330", 550)

	status, err := h.executor.ExecuteRuleForCard(ctx, rule, card)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, status)

	updated, err := h.cardStore.GetCard(ctx, "card-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusWatch, updated.Status)
}

func TestExecuteRuleNotificationTemplate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rule := h.addRule(t, "price > 100", models.StatusAlerts)
	rule.NotificationTemplate = "{stockName} hit the mark, moving to {toStatus}"
	require.NoError(t, h.ruleStore.UpdateRule(ctx, rule))

	card := h.addCard(t, "card-1", "2330", models.StatusWatch)
	h.setPrice("2330", 150)

	_, err := h.executor.ExecuteRuleForCard(ctx, rule, card)
	require.NoError(t, err)

	require.Equal(t, 1, h.notify.Count())
	event := h.notify.Events[0]
	assert.Equal(t, "2330 hit the mark, moving to ALERTS", event.Message)
	assert.Equal(t, "user-1", event.UserID)
}

func TestExecuteRuleNotificationDisabled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rule := h.addRule(t, "price > 100", models.StatusAlerts)
	rule.SendNotification = false
	require.NoError(t, h.ruleStore.UpdateRule(ctx, rule))

	card := h.addCard(t, "card-1", "2330", models.StatusWatch)
	h.setPrice("2330", 150)

	status, err := h.executor.ExecuteRuleForCard(ctx, rule, card)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSuccess, status)
	assert.Equal(t, 0, h.notify.Count())

	record, err := h.executions.FindMostRecent(ctx, rule.ID, card.ID)
	require.NoError(t, err)
	assert.False(t, record.NotificationSent)
}

func TestExecuteRuleForAllCardsTallies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rule := h.addRule(t, "price > 100", models.StatusAlerts)

	h.addCard(t, "card-1", "2330", models.StatusWatch) // matches
	h.addCard(t, "card-2", "2317", models.StatusWatch) // no match
	h.addCard(t, "card-3", "9999", models.StatusWatch) // no price data
	h.setPrice("2330", 150)
	h.setPrice("2317", 50)

	batch, err := h.executor.ExecuteRuleForAllCards(ctx, rule)
	require.NoError(t, err)

	assert.Equal(t, 3, batch.Total)
	assert.Equal(t, 1, batch.Success)
	assert.Equal(t, 2, batch.Skipped)
	assert.Equal(t, 0, batch.Failed)
	assert.Equal(t, 0, batch.Cooldown)
}

func TestExecuteRuleForAllCardsCooldownTally(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rule := h.addRule(t, "price > 100", models.StatusAlerts)
	h.addCard(t, "card-1", "2330", models.StatusWatch)
	h.setPrice("2330", 150)

	first, err := h.executor.ExecuteRuleForAllCards(ctx, rule)
	require.NoError(t, err)
	require.Equal(t, 1, first.Success)

	second, err := h.executor.ExecuteRuleForAllCards(ctx, rule)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Cooldown)
	assert.Equal(t, 0, second.Success)
}

func TestConcurrentSamePairSerialized(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rule := h.addRule(t, "price > 100", models.StatusAlerts)
	card := h.addCard(t, "card-1", "2330", models.StatusWatch)
	h.setPrice("2330", 150)

	const workers = 8
	results := make(chan models.ExecutionStatus, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, err := h.executor.ExecuteRuleForCard(ctx, rule, card)
			assert.NoError(t, err)
			results <- status
		}()
	}
	wg.Wait()
	close(results)

	var successes int
	for status := range results {
		if status == models.ExecutionSuccess {
			successes++
		}
	}
	// exactly one execution wins; the rest land in cooldown or see the
	// card already at target
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, h.notify.Count())
}
