package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/twkanban/kanban-engine/internal/config"
	"github.com/twkanban/kanban-engine/internal/models"
	"github.com/twkanban/kanban-engine/internal/storage"
)

func testNotifyConfig(queueSize int) config.NotifyConfig {
	return config.NotifyConfig{
		QueueSize:       queueSize,
		DispatchTimeout: time.Second,
		WriteTimeout:    time.Second,
		PingInterval:    time.Second,
	}
}

func testEvent(id string) *models.NotificationEvent {
	return &models.NotificationEvent{
		ID:          id,
		UserID:      "user-1",
		RuleID:      "rule-1",
		RuleName:    "breakout",
		CardID:      "card-1",
		StockCode:   "2330",
		Message:     "moved",
		TriggeredAt: time.Now(),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDispatcherDeliversToSinks(t *testing.T) {
	first := &storage.MockNotificationSink{}
	second := &storage.MockNotificationSink{}
	d := NewDispatcher(testNotifyConfig(10), first, second)

	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	require.NoError(t, d.Dispatch(context.Background(), testEvent("evt-1")))

	waitFor(t, func() bool { return first.Count() == 1 && second.Count() == 1 })
	assert.Equal(t, "evt-1", first.Events[0].ID)
}

func TestDispatcherFullQueueDrops(t *testing.T) {
	sink := &storage.MockNotificationSink{}
	// never started, so the queue fills up
	d := NewDispatcher(testNotifyConfig(2), sink)

	require.NoError(t, d.Dispatch(context.Background(), testEvent("evt-1")))
	require.NoError(t, d.Dispatch(context.Background(), testEvent("evt-2")))

	err := d.Dispatch(context.Background(), testEvent("evt-3"))
	assert.Error(t, err)
	assert.Equal(t, 2, d.QueueDepth())
}

func TestDispatcherSinkFailureIsolated(t *testing.T) {
	broken := &storage.MockNotificationSink{Err: assert.AnError}
	healthy := &storage.MockNotificationSink{}
	d := NewDispatcher(testNotifyConfig(10), broken, healthy)

	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	require.NoError(t, d.Dispatch(context.Background(), testEvent("evt-1")))

	waitFor(t, func() bool { return healthy.Count() == 1 })
}

func TestDispatcherDoubleStart(t *testing.T) {
	d := NewDispatcher(testNotifyConfig(1), &storage.MockNotificationSink{})
	require.NoError(t, d.Start(context.Background()))
	assert.Error(t, d.Start(context.Background()))
	d.Stop()
}

func TestHubDispatchWithoutClients(t *testing.T) {
	hub := NewHub(testNotifyConfig(10))

	// nobody connected is not a delivery failure
	assert.NoError(t, hub.Dispatch(context.Background(), testEvent("evt-1")))
	assert.Equal(t, 0, hub.ClientCount("user-1"))
}
