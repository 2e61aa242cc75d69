package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/twkanban/kanban-engine/internal/config"
	"github.com/twkanban/kanban-engine/internal/engine"
	"github.com/twkanban/kanban-engine/internal/indicator"
	"github.com/twkanban/kanban-engine/internal/models"
	"github.com/twkanban/kanban-engine/internal/notify"
	"github.com/twkanban/kanban-engine/internal/rules"
	"github.com/twkanban/kanban-engine/internal/storage"
	"github.com/twkanban/kanban-engine/pkg/logger"
)

const defaultPageLimit = 50

// Server exposes rule and card management, execution history, health,
// metrics and the websocket subscription endpoint.
type Server struct {
	ruleStore  storage.RuleStore
	cardStore  storage.CardStore
	executions storage.ExecutionStore
	evaluator  *rules.Evaluator
	executor   *engine.Executor
	scheduler  *engine.Scheduler
	indicators *indicator.Engine
	hub        *notify.Hub

	httpServer *http.Server
}

// NewServer wires the HTTP surface over the engine components
func NewServer(
	ruleStore storage.RuleStore,
	cardStore storage.CardStore,
	executions storage.ExecutionStore,
	evaluator *rules.Evaluator,
	executor *engine.Executor,
	scheduler *engine.Scheduler,
	indicators *indicator.Engine,
	hub *notify.Hub,
	cfg config.HTTPConfig,
) *Server {
	s := &Server{
		ruleStore:  ruleStore,
		cardStore:  cardStore,
		executions: executions,
		evaluator:  evaluator,
		executor:   executor,
		scheduler:  scheduler,
		indicators: indicators,
		hub:        hub,
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Router builds the route table
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	if s.hub != nil {
		r.HandleFunc("/ws", s.hub.HandleUpgrade)
	}

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/rules", s.handleCreateRule).Methods(http.MethodPost)
	api.HandleFunc("/rules", s.handleListRules).Methods(http.MethodGet)
	api.HandleFunc("/rules/validate", s.handleValidateExpression).Methods(http.MethodPost)
	api.HandleFunc("/rules/{id}", s.handleGetRule).Methods(http.MethodGet)
	api.HandleFunc("/rules/{id}", s.handleUpdateRule).Methods(http.MethodPut)
	api.HandleFunc("/rules/{id}", s.handleDeleteRule).Methods(http.MethodDelete)
	api.HandleFunc("/rules/{id}/enable", s.handleEnableRule).Methods(http.MethodPost)
	api.HandleFunc("/rules/{id}/disable", s.handleDisableRule).Methods(http.MethodPost)
	api.HandleFunc("/rules/{id}/execute", s.handleExecuteRule).Methods(http.MethodPost)
	api.HandleFunc("/rules/{id}/executions", s.handleRuleExecutions).Methods(http.MethodGet)

	api.HandleFunc("/cards", s.handleCreateCard).Methods(http.MethodPost)
	api.HandleFunc("/cards", s.handleListCards).Methods(http.MethodGet)
	api.HandleFunc("/cards/{id}", s.handleGetCard).Methods(http.MethodGet)
	api.HandleFunc("/cards/{id}", s.handleDeleteCard).Methods(http.MethodDelete)
	api.HandleFunc("/cards/{id}/executions", s.handleCardExecutions).Methods(http.MethodGet)

	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	return r
}

// Start begins serving in a background goroutine
func (s *Server) Start() {
	go func() {
		logger.Info("HTTP server listening", logger.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", logger.ErrorField(err))
		}
	}()
}

// Shutdown stops the listener gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ---- rules ----

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule models.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	rule.LastExecutedAt = nil
	rule.TriggerCount = 0

	if err := rules.ValidateRule(s.evaluator, &rule); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.ruleStore.AddRule(r.Context(), &rule); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &rule)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("user_id is required"))
		return
	}

	list, err := s.ruleStore.FindRulesByOwner(r.Context(), userID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.ruleStore.GetRule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	existing, err := s.ruleStore.GetRule(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	var rule models.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	// identity and bookkeeping fields are not client-writable
	rule.ID = existing.ID
	rule.UserID = existing.UserID
	rule.CreatedAt = existing.CreatedAt
	rule.LastExecutedAt = existing.LastExecutedAt
	rule.TriggerCount = existing.TriggerCount
	rule.UpdatedAt = time.Now().UTC()

	if err := rules.ValidateRule(s.evaluator, &rule); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.ruleStore.UpdateRule(r.Context(), &rule); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.ruleStore.DeleteRule(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnableRule(w http.ResponseWriter, r *http.Request) {
	if err := s.ruleStore.EnableRule(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDisableRule(w http.ResponseWriter, r *http.Request) {
	if err := s.ruleStore.DisableRule(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleExecuteRule runs one rule over all of its owner's cards
// immediately, outside the scheduler
func (s *Server) handleExecuteRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.ruleStore.GetRule(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}

	batch, err := s.executor.ExecuteRuleForAllCards(r.Context(), rule)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (s *Server) handleValidateExpression(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Expression string `json:"expression"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	if err := s.evaluator.ValidateExpression(body.Expression); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

func (s *Server) handleRuleExecutions(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	records, err := s.executions.FindByRule(r.Context(), mux.Vars(r)["id"], limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// ---- cards ----

func (s *Server) handleCreateCard(w http.ResponseWriter, r *http.Request) {
	var card models.Card
	if err := json.NewDecoder(r.Body).Decode(&card); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	if card.ID == "" {
		card.ID = uuid.NewString()
	}
	if card.Status == "" {
		card.Status = models.StatusWatch
	}
	now := time.Now().UTC()
	card.CreatedAt = now
	card.UpdatedAt = now

	if err := card.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.cardStore.AddCard(r.Context(), &card); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &card)
}

func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("user_id is required"))
		return
	}

	list, err := s.cardStore.FindCardsByOwner(r.Context(), userID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetCard(w http.ResponseWriter, r *http.Request) {
	card, err := s.cardStore.GetCard(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, card)
}

func (s *Server) handleDeleteCard(w http.ResponseWriter, r *http.Request) {
	if err := s.cardStore.DeleteCard(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCardExecutions(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	records, err := s.executions.FindByCard(r.Context(), mux.Vars(r)["id"], limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// ---- stats ----

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := map[string]any{}
	if s.scheduler != nil {
		stats["scheduler"] = s.scheduler.GetStats()
	}
	if s.indicators != nil {
		stats["indicator"] = s.indicators.GetStats()
	}
	writeJSON(w, http.StatusOK, stats)
}

// ---- helpers ----

func pagination(r *http.Request) (limit, offset int) {
	limit = defaultPageLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to encode response", logger.ErrorField(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrRuleNotFound), errors.Is(err, models.ErrCardNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, models.ErrDuplicateRule), errors.Is(err, models.ErrDuplicateCard),
		errors.Is(err, models.ErrDuplicateRuleName):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
