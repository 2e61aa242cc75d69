package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twkanban/kanban-engine/internal/config"
	"github.com/twkanban/kanban-engine/internal/engine"
	"github.com/twkanban/kanban-engine/internal/models"
	"github.com/twkanban/kanban-engine/internal/rules"
	"github.com/twkanban/kanban-engine/internal/storage"
)

type apiHarness struct {
	server *Server
	router http.Handler

	ruleStore  *storage.MemoryRuleStore
	cardStore  *storage.MemoryCardStore
	executions *storage.MemoryExecutionStore
	prices     *storage.MemoryPriceSource
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	evaluator, err := rules.NewEvaluator()
	require.NoError(t, err)

	h := &apiHarness{
		ruleStore:  storage.NewMemoryRuleStore(),
		cardStore:  storage.NewMemoryCardStore(),
		executions: storage.NewMemoryExecutionStore(),
		prices:     storage.NewMemoryPriceSource(),
	}

	executor := engine.NewExecutor(h.ruleStore, h.cardStore, h.executions,
		storage.NewMemoryIndicatorStore(), h.prices,
		&storage.MockAuditSink{}, &storage.MockNotificationSink{},
		evaluator,
		config.EngineConfig{ScanInterval: time.Minute, LookupTimeout: 5 * time.Second})

	h.server = NewServer(h.ruleStore, h.cardStore, h.executions, evaluator,
		executor, nil, nil, nil, config.HTTPConfig{Port: 0})
	h.router = h.server.Router()
	return h
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func ruleBody(name string) map[string]any {
	return map[string]any{
		"user_id":              "user-1",
		"name":                 name,
		"rule_type":            "CUSTOM",
		"condition_expression": "price > 100",
		"trigger_event":        "PRICE_CHANGE",
		"target_status":        "ALERTS",
		"enabled":              true,
		"cooldown_seconds":     3600,
		"priority":             5,
		"send_notification":    true,
	}
}

func TestHealthEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestCreateAndGetRule(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/rules", ruleBody("breakout"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created models.Rule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, int64(0), created.TriggerCount)

	rec = h.do(t, http.MethodGet, "/api/v1/rules/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateRuleRejectsBadExpression(t *testing.T) {
	h := newAPIHarness(t)

	body := ruleBody("broken")
	body["condition_expression"] = "price >>> 5"

	rec := h.do(t, http.MethodPost, "/api/v1/rules", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "expression")
}

func TestCreateRuleRejectsBadTargetStatus(t *testing.T) {
	h := newAPIHarness(t)

	body := ruleBody("bad-target")
	body["target_status"] = "NOWHERE"

	rec := h.do(t, http.MethodPost, "/api/v1/rules", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDuplicateRuleNameConflict(t *testing.T) {
	h := newAPIHarness(t)

	require.Equal(t, http.StatusCreated,
		h.do(t, http.MethodPost, "/api/v1/rules", ruleBody("breakout")).Code)
	rec := h.do(t, http.MethodPost, "/api/v1/rules", ruleBody("breakout"))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetMissingRule(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodGet, "/api/v1/rules/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateRulePreservesBookkeeping(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/rules", ruleBody("breakout"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var created models.Rule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	update := ruleBody("breakout renamed")
	update["trigger_count"] = 999
	rec = h.do(t, http.MethodPut, "/api/v1/rules/"+created.ID, update)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var updated models.Rule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "breakout renamed", updated.Name)
	assert.Equal(t, int64(0), updated.TriggerCount, "trigger count is not client-writable")
}

func TestValidateExpressionEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/rules/validate",
		map[string]string{"expression": "price > ma20"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"valid":true`)

	rec = h.do(t, http.MethodPost, "/api/v1/rules/validate",
		map[string]string{"expression": "price >"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"valid":false`)
}

func TestExecuteRuleEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/rules", ruleBody("breakout"))
	require.Equal(t, http.StatusCreated, rec.Code)
	var rule models.Rule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rule))

	rec = h.do(t, http.MethodPost, "/api/v1/cards", map[string]any{
		"user_id":    "user-1",
		"stock_code": "2330",
		"stock_name": "TSMC",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var card models.Card
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &card))
	assert.Equal(t, models.StatusWatch, card.Status, "new cards default to WATCH")

	h.prices.SetSnapshot(&models.PriceSnapshot{
		StockCode:    "2330",
		CurrentPrice: 150,
		UpdatedAt:    time.Now(),
	})

	rec = h.do(t, http.MethodPost, fmt.Sprintf("/api/v1/rules/%s/execute", rule.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var batch engine.BatchResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &batch))
	assert.Equal(t, 1, batch.Total)
	assert.Equal(t, 1, batch.Success)

	rec = h.do(t, http.MethodGet, fmt.Sprintf("/api/v1/rules/%s/executions", rule.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var records []*models.ExecutionRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, models.ExecutionSuccess, records[0].Status)
}

func TestListRulesRequiresUser(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodGet, "/api/v1/rules", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCardLifecycle(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodPost, "/api/v1/cards", map[string]any{
		"user_id":    "user-1",
		"stock_code": "2330",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var card models.Card
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &card))

	rec = h.do(t, http.MethodGet, "/api/v1/cards?user_id=user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodDelete, "/api/v1/cards/"+card.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/cards/"+card.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
