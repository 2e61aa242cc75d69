package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/twkanban/kanban-engine/internal/models"
)

// Mock sinks for testing. The in-memory stores in memory.go double as store
// test doubles; these cover the fire-and-forget collaborators and let tests
// inject failures.

// MockAuditSink records status changes in memory
type MockAuditSink struct {
	mu      sync.Mutex
	Entries []*models.AuditEntry
	Err     error
}

func (m *MockAuditSink) RecordStatusChange(ctx context.Context, userID, cardID string, from, to models.CardStatus, reason string) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Entries = append(m.Entries, &models.AuditEntry{
		UserID:     userID,
		CardID:     cardID,
		FromStatus: from,
		ToStatus:   to,
		Reason:     reason,
	})
	return nil
}

// Count returns the number of recorded entries
func (m *MockAuditSink) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Entries)
}

// MockNotificationSink records dispatched events in memory
type MockNotificationSink struct {
	mu     sync.Mutex
	Events []*models.NotificationEvent
	Err    error
}

func (m *MockNotificationSink) Dispatch(ctx context.Context, event *models.NotificationEvent) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, event)
	return nil
}

// Count returns the number of dispatched events
func (m *MockNotificationSink) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Events)
}

// FailingPriceSource returns an error on every lookup
type FailingPriceSource struct {
	Err error
}

func (f *FailingPriceSource) GetLatestSnapshot(ctx context.Context, stockCode string) (*models.PriceSnapshot, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return nil, errors.New("price source unavailable")
}
