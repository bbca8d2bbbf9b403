package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"playguard/internal/drm"
	"playguard/internal/infrastructure"
)

const (
	// TypeConnection is sent to a client right after it registers
	TypeConnection = "connection"

	broadcastBuffer = 256
)

// Message is the envelope written to clients
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	TraceID   string      `json:"trace_id,omitempty"`
}

type outbound struct {
	kind    drm.EventKind
	payload []byte
}

// Hub tracks connected clients and fans gatekeeper events out to them.
// A client whose send buffer is full is disconnected rather than blocking
// the hub.
type Hub struct {
	clients map[*Client]bool

	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client

	mu     sync.RWMutex
	logger *slog.Logger

	totalConnections atomic.Int64
	messagesSent     atomic.Int64
	messagesDropped  atomic.Int64

	sentCounter    metric.Int64Counter
	droppedCounter metric.Int64Counter

	quit     chan struct{}
	done     chan struct{}
	running  bool
	stopOnce sync.Once
}

// HubOption configures a Hub
type HubOption func(*Hub)

// WithMeter records sent and dropped messages on meter
func WithMeter(meter metric.Meter) HubOption {
	return func(h *Hub) {
		if meter == nil {
			return
		}
		h.sentCounter = h.counter(meter, "playguard_ws_messages_sent_total",
			"Events written to WebSocket clients")
		h.droppedCounter = h.counter(meter, "playguard_ws_messages_dropped_total",
			"Events dropped because a client or the hub was saturated")
	}
}

// counter creates a hub instrument. On failure the hub runs without it.
func (h *Hub) counter(meter metric.Meter, name, description string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		h.logger.Warn("failed to create websocket metric",
			slog.String("metric", name),
			slog.String("error", err.Error()))
		return nil
	}
	return c
}

// NewHub creates a hub. Call Start before registering clients.
func NewHub(logger *slog.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}

	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan outbound, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger.With(slog.String("component", "websocket.hub")),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start runs the hub loop in a new goroutine
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	go h.run()
}

// Stop ends the hub loop and closes every client's send channel
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		h.mu.RLock()
		running := h.running
		h.mu.RUnlock()

		close(h.quit)
		if running {
			<-h.done
		}
	})
}

func (h *Hub) run() {
	defer close(h.done)

	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			h.logger.Info("hub shutting down")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.totalConnections.Add(1)

			ctx := client.context()
			h.logger.InfoContext(ctx, "client registered",
				slog.Int("total_clients", count),
				slog.String("client_id", client.id),
				slog.String("remote_addr", client.remoteAddr))

			if data, err := json.Marshal(Message{
				Type:      TypeConnection,
				Data:      map[string]interface{}{"status": "connected", "client_id": client.id},
				Timestamp: time.Now(),
				TraceID:   client.traceID,
			}); err == nil {
				select {
				case client.send <- data:
				default:
				}
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()

			h.logger.InfoContext(client.context(), "client unregistered",
				slog.Int("total_clients", count),
				slog.String("client_id", client.id),
				slog.Duration("connection_duration", time.Since(client.connectedAt)))

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) deliver(msg outbound) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		if client.wants(msg.kind) {
			clients = append(clients, client)
		}
	}
	h.mu.RUnlock()

	ctx := context.Background()
	for _, client := range clients {
		select {
		case client.send <- msg.payload:
			h.messagesSent.Add(1)
			h.count(ctx, h.sentCounter, msg.kind)
		default:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.messagesDropped.Add(1)
			h.count(ctx, h.droppedCounter, msg.kind)
			h.logger.WarnContext(client.context(), "client send buffer full, disconnecting",
				slog.String("client_id", client.id))
		}
	}
}

func (h *Hub) count(ctx context.Context, c metric.Int64Counter, kind drm.EventKind) {
	if c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attribute.String("event", kind.String())))
	}
}

// BroadcastEvent queues ev for every interested client. It never blocks:
// when the hub queue is full the event is dropped and counted.
func (h *Hub) BroadcastEvent(ev drm.Event) {
	data, err := json.Marshal(Message{
		Type:      ev.Kind.String(),
		Data:      ev.Payload,
		Timestamp: ev.Timestamp,
	})
	if err != nil {
		h.logger.Error("error marshaling event",
			slog.String("event", ev.Kind.String()),
			slog.String("error", err.Error()))
		return
	}

	select {
	case h.broadcast <- outbound{kind: ev.Kind, payload: data}:
	default:
		h.messagesDropped.Add(1)
		h.count(context.Background(), h.droppedCounter, ev.Kind)
		h.logger.Warn("broadcast queue full, dropping event", slog.String("event", ev.Kind.String()))
	}
}

// Attach subscribes the hub to every event on bus
func (h *Hub) Attach(bus *drm.EventBus) drm.ListenerID {
	return bus.OnAll(h.BroadcastEvent)
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.quit:
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HubStats is a snapshot of hub counters
type HubStats struct {
	ActiveClients    int   `json:"active_clients"`
	TotalConnections int64 `json:"total_connections"`
	MessagesSent     int64 `json:"messages_sent"`
	MessagesDropped  int64 `json:"messages_dropped"`
}

// Stats returns current hub counters
func (h *Hub) Stats() HubStats {
	return HubStats{
		ActiveClients:    h.ClientCount(),
		TotalConnections: h.totalConnections.Load(),
		MessagesSent:     h.messagesSent.Load(),
		MessagesDropped:  h.messagesDropped.Load(),
	}
}
