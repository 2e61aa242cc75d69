package storage

import (
	"context"

	"github.com/twkanban/kanban-engine/internal/models"
)

// PriceSource provides the latest raw price snapshot per stock code.
// Returns (nil, nil) when no snapshot is known for the code.
type PriceSource interface {
	GetLatestSnapshot(ctx context.Context, stockCode string) (*models.PriceSnapshot, error)
}

// PriceHistorySource provides recent daily price history, most recent first.
type PriceHistorySource interface {
	GetRecentPrices(ctx context.Context, stockCode string, limit int) ([]*models.PricePoint, error)
}

// RuleStore defines the interface for storing and retrieving rules
type RuleStore interface {
	// GetRule retrieves a rule by ID
	GetRule(ctx context.Context, id string) (*models.Rule, error)

	// FindEnabledRules retrieves all enabled rules
	FindEnabledRules(ctx context.Context) ([]*models.Rule, error)

	// FindRulesByOwner retrieves all rules owned by a user
	FindRulesByOwner(ctx context.Context, userID string) ([]*models.Rule, error)

	// AddRule adds a new rule
	AddRule(ctx context.Context, rule *models.Rule) error

	// UpdateRule updates an existing rule
	UpdateRule(ctx context.Context, rule *models.Rule) error

	// DeleteRule deletes a rule by ID
	DeleteRule(ctx context.Context, id string) error

	// EnableRule enables a rule
	EnableRule(ctx context.Context, id string) error

	// DisableRule disables a rule
	DisableRule(ctx context.Context, id string) error
}

// CardStore defines the interface for storing and retrieving cards
type CardStore interface {
	// GetCard retrieves a card by ID
	GetCard(ctx context.Context, id string) (*models.Card, error)

	// FindCardsByOwner retrieves all cards owned by a user
	FindCardsByOwner(ctx context.Context, userID string) ([]*models.Card, error)

	// DistinctStockCodes lists every stock code present on any card
	DistinctStockCodes(ctx context.Context) ([]string, error)

	// AddCard adds a new card
	AddCard(ctx context.Context, card *models.Card) error

	// UpdateStatus atomically sets the status of a single card.
	// This is the only card mutation the rule engine performs.
	UpdateStatus(ctx context.Context, cardID string, status models.CardStatus) error

	// DeleteCard deletes a card by ID
	DeleteCard(ctx context.Context, id string) error
}

// ExecutionStore is the append-only log of rule evaluation attempts
type ExecutionStore interface {
	// SaveExecution appends an execution record. Records are never mutated.
	SaveExecution(ctx context.Context, record *models.ExecutionRecord) error

	// FindMostRecent returns the latest record for a (rule, card) pair,
	// or (nil, nil) when the pair has never been evaluated.
	FindMostRecent(ctx context.Context, ruleID, cardID string) (*models.ExecutionRecord, error)

	// FindByRule returns records for a rule, newest first, paginated.
	FindByRule(ctx context.Context, ruleID string, limit, offset int) ([]*models.ExecutionRecord, error)

	// FindByCard returns records for a card, newest first, paginated.
	FindByCard(ctx context.Context, cardID string, limit, offset int) ([]*models.ExecutionRecord, error)
}

// IndicatorStore persists computed indicator snapshots
type IndicatorStore interface {
	// SaveIndicator persists an indicator snapshot
	SaveIndicator(ctx context.Context, snapshot *models.IndicatorSnapshot) error

	// FindLatestIndicator returns the latest snapshot for a stock code,
	// or (nil, nil) when none has been computed yet.
	FindLatestIndicator(ctx context.Context, stockCode string) (*models.IndicatorSnapshot, error)
}

// AuditSink records card status changes, best-effort
type AuditSink interface {
	RecordStatusChange(ctx context.Context, userID, cardID string, from, to models.CardStatus, reason string) error
}

// AuditStore persists audit entries
type AuditStore interface {
	SaveAuditEntry(ctx context.Context, entry *models.AuditEntry) error
}

// NotificationSink delivers rule-triggered notification events, best-effort
type NotificationSink interface {
	Dispatch(ctx context.Context, event *models.NotificationEvent) error
}
