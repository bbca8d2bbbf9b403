package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"playguard/internal/drm"
	"playguard/internal/infrastructure"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512

	sendBuffer = 64
)

// Client is a middleman between one WebSocket connection and the hub
type Client struct {
	hub  *Hub
	conn Connection
	send chan []byte

	// nil means every kind
	kinds map[drm.EventKind]bool

	id          string
	traceID     string
	remoteAddr  string
	connectedAt time.Time
	logger      *slog.Logger
}

// NewClient creates a client for conn. kinds limits delivered events; an
// empty list subscribes to all of them.
func NewClient(hub *Hub, conn Connection, traceID string, kinds []drm.EventKind, logger *slog.Logger) *Client {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}

	id := uuid.New().String()
	c := &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		id:          id,
		traceID:     traceID,
		remoteAddr:  conn.RemoteAddr(),
		connectedAt: time.Now(),
		logger: logger.With(
			slog.String("component", "websocket.client"),
			slog.String("client_id", id)),
	}
	if len(kinds) > 0 {
		c.kinds = make(map[drm.EventKind]bool, len(kinds))
		for _, k := range kinds {
			c.kinds[k] = true
		}
	}
	return c
}

// ID returns the client's identifier
func (c *Client) ID() string { return c.id }

func (c *Client) wants(kind drm.EventKind) bool {
	return c.kinds == nil || c.kinds[kind]
}

func (c *Client) context() context.Context {
	ctx := context.Background()
	if c.traceID != "" {
		ctx = infrastructure.WithTraceID(ctx, c.traceID)
	}
	return ctx
}

// ReadPump drains the connection so control frames are processed. Clients
// do not send commands; anything they send is discarded.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.ErrorContext(c.context(), "unexpected WebSocket close error",
					slog.String("error", err.Error()))
			}
			return
		}
	}
}

// WritePump writes queued events and periodic pings until the hub closes
// the send channel or a write fails
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.DebugContext(c.context(), "error writing message to WebSocket",
					slog.String("error", err.Error()))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.DebugContext(c.context(), "failed to send ping message",
					slog.String("error", err.Error()))
				return
			}
		}
	}
}

// ParseKinds parses a comma separated list of event names
func ParseKinds(raw string) ([]drm.EventKind, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var kinds []drm.EventKind
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		kind, ok := drm.ParseEventKind(name)
		if !ok {
			return nil, fmt.Errorf("unknown event %q", name)
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

// Handler upgrades requests to WebSocket connections and registers them on
// hub. The optional "events" query parameter filters event kinds.
func Handler(hub *Hub, upgrader websocket.Upgrader, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}

	return func(w http.ResponseWriter, r *http.Request) {
		kinds, err := ParseKinds(r.URL.Query().Get("events"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.WarnContext(r.Context(), "websocket upgrade failed", slog.String("error", err.Error()))
			return
		}

		traceID := infrastructure.GetTraceID(infrastructure.EnsureTraceID(r.Context()))
		client := NewClient(hub, NewConnectionWrapper(conn), traceID, kinds, logger)
		hub.Register(client)

		go client.WritePump()
		go client.ReadPump()
	}
}
