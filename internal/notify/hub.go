package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/twkanban/kanban-engine/internal/config"
	"github.com/twkanban/kanban-engine/internal/models"
	"github.com/twkanban/kanban-engine/internal/storage"
	"github.com/twkanban/kanban-engine/pkg/logger"
)

const clientSendBuffer = 64

var (
	wsConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notify_ws_connections",
		Help: "Currently connected websocket clients",
	})

	wsMessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notify_ws_messages_sent_total",
		Help: "Notification messages pushed over websockets",
	})

	wsMessagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notify_ws_messages_dropped_total",
		Help: "Messages dropped because a client send buffer was full",
	})
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type client struct {
	hub    *Hub
	userID string
	conn   *websocket.Conn
	send   chan []byte
}

// Hub pushes notification events to connected websocket clients,
// keyed by user so each user only sees their own rule activity.
// It implements the notification sink interface.
type Hub struct {
	cfg config.NotifyConfig

	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
}

// NewHub creates an empty hub
func NewHub(cfg config.NotifyConfig) *Hub {
	return &Hub{
		cfg:     cfg,
		clients: make(map[string]map[*client]struct{}),
	}
}

// Dispatch pushes the event to every connected client of the event's
// user. No connected clients is not an error.
func (h *Hub) Dispatch(_ context.Context, event *models.NotificationEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[event.UserID] {
		select {
		case c.send <- data:
			wsMessagesSent.Inc()
		default:
			wsMessagesDropped.Inc()
		}
	}
	return nil
}

// ClientCount reports the number of connected clients for a user
func (h *Hub) ClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// HandleUpgrade upgrades an HTTP request to a websocket subscription.
// The user is identified by the user_id query parameter.
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Websocket upgrade failed", logger.ErrorField(err))
		return
	}

	c := &client{
		hub:    h,
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, clientSendBuffer),
	}
	h.register(c)

	logger.Info("Websocket client connected",
		logger.String("user_id", userID),
		logger.String("remote", r.RemoteAddr),
	)

	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.userID] == nil {
		h.clients[c.userID] = make(map[*client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	wsConnections.Inc()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.clients[c.userID]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.clients, c.userID)
			}
			close(c.send)
			wsConnections.Dec()
		}
	}
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0)
	for _, set := range h.clients {
		for c := range set {
			clients = append(clients, c)
		}
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound messages; its job is detecting disconnects
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
		logger.Debug("Websocket client disconnected",
			logger.String("user_id", c.userID),
		)
	}()

	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

var _ storage.NotificationSink = (*Hub)(nil)
