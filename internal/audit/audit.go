package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/twkanban/kanban-engine/internal/models"
	"github.com/twkanban/kanban-engine/internal/storage"
	"github.com/twkanban/kanban-engine/pkg/logger"
)

// Recorder persists card status changes to an audit store and mirrors
// them to the structured log. It implements the audit sink interface.
type Recorder struct {
	store storage.AuditStore
}

// NewRecorder creates a recorder over the given store
func NewRecorder(store storage.AuditStore) *Recorder {
	return &Recorder{store: store}
}

// RecordStatusChange appends one audit entry
func (r *Recorder) RecordStatusChange(ctx context.Context, userID, cardID string,
	from, to models.CardStatus, reason string) error {

	entry := &models.AuditEntry{
		ID:         uuid.NewString(),
		UserID:     userID,
		CardID:     cardID,
		FromStatus: from,
		ToStatus:   to,
		Reason:     reason,
		CreatedAt:  time.Now().UTC(),
	}

	if err := r.store.SaveAuditEntry(ctx, entry); err != nil {
		return fmt.Errorf("failed to save audit entry: %w", err)
	}

	logger.Info("Card status change",
		logger.String("user_id", userID),
		logger.String("card_id", cardID),
		logger.String("from", string(from)),
		logger.String("to", string(to)),
		logger.String("reason", reason),
	)
	return nil
}

// LogRecorder writes status changes to the log only, for deployments
// without an audit store
type LogRecorder struct{}

// RecordStatusChange logs the change
func (LogRecorder) RecordStatusChange(_ context.Context, userID, cardID string,
	from, to models.CardStatus, reason string) error {

	logger.Info("Card status change",
		logger.String("user_id", userID),
		logger.String("card_id", cardID),
		logger.String("from", string(from)),
		logger.String("to", string(to)),
		logger.String("reason", reason),
	)
	return nil
}

var _ storage.AuditSink = (*Recorder)(nil)
var _ storage.AuditSink = LogRecorder{}
