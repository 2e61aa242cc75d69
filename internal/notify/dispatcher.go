package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/twkanban/kanban-engine/internal/config"
	"github.com/twkanban/kanban-engine/internal/models"
	"github.com/twkanban/kanban-engine/internal/storage"
	"github.com/twkanban/kanban-engine/pkg/logger"
)

var (
	eventsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notify_events_enqueued_total",
		Help: "Notification events accepted into the dispatch queue",
	})

	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notify_events_dropped_total",
		Help: "Notification events dropped because the queue was full",
	})

	sinkDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notify_sink_deliveries_total",
			Help: "Per-sink delivery outcomes",
		},
		[]string{"result"},
	)
)

// Dispatcher decouples rule execution from notification delivery: events
// land in a bounded queue and a worker fans them out to the configured
// sinks. A full queue drops the event rather than blocking the engine.
type Dispatcher struct {
	queue chan *models.NotificationEvent
	sinks []storage.NotificationSink
	cfg   config.NotifyConfig

	running bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given delivery sinks
func NewDispatcher(cfg config.NotifyConfig, sinks ...storage.NotificationSink) *Dispatcher {
	return &Dispatcher{
		queue: make(chan *models.NotificationEvent, cfg.QueueSize),
		sinks: sinks,
		cfg:   cfg,
	}
}

// Start launches the delivery worker
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	ctx, d.cancel = context.WithCancel(ctx)
	d.mu.Unlock()

	logger.Info("Starting notification dispatcher",
		logger.Int("queue_size", d.cfg.QueueSize),
		logger.Int("sinks", len(d.sinks)),
	)

	d.wg.Add(1)
	go d.run(ctx)
	return nil
}

// Stop drains nothing further and waits for the worker to exit
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	d.wg.Wait()
	logger.Info("Notification dispatcher stopped")
}

// Dispatch enqueues an event without blocking. A full queue returns an
// error and the event is dropped.
func (d *Dispatcher) Dispatch(ctx context.Context, event *models.NotificationEvent) error {
	select {
	case d.queue <- event:
		eventsEnqueued.Inc()
		return nil
	default:
		eventsDropped.Inc()
		return fmt.Errorf("notification queue full, dropping event %s", event.ID)
	}
}

// QueueDepth reports the number of events waiting for delivery
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-d.queue:
			d.deliver(event)
		}
	}
}

func (d *Dispatcher) deliver(event *models.NotificationEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DispatchTimeout)
	defer cancel()

	for _, sink := range d.sinks {
		if err := sink.Dispatch(ctx, event); err != nil {
			sinkDeliveries.WithLabelValues("failed").Inc()
			logger.Warn("Notification sink delivery failed",
				logger.String("event_id", event.ID),
				logger.String("user_id", event.UserID),
				logger.ErrorField(err),
			)
			continue
		}
		sinkDeliveries.WithLabelValues("delivered").Inc()
	}
}

// LogSink writes notification events to the structured log. Useful as a
// fallback sink when no delivery transport is configured.
type LogSink struct{}

// Dispatch logs the event
func (LogSink) Dispatch(_ context.Context, event *models.NotificationEvent) error {
	logger.Info("Notification",
		logger.String("user_id", event.UserID),
		logger.String("rule_name", event.RuleName),
		logger.String("stock_code", event.StockCode),
		logger.String("message", event.Message),
		logger.Time("triggered_at", event.TriggeredAt),
	)
	return nil
}

var _ storage.NotificationSink = (*Dispatcher)(nil)
var _ storage.NotificationSink = LogSink{}
