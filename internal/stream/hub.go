// Package stream pushes dispatched envelopes to WebSocket clients in real
// time. Like the history recorder it is an ordinary subscriber: it attaches
// to rule names and fans what it receives out to connected clients.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/argos-watch/argos/pkg/envelope"
)

// StreamMessage is the frame pushed to clients: the dispatched message plus
// the rule it traveled through.
type StreamMessage struct {
	Rule     string            `json:"rule"`
	Tag      envelope.Tag      `json:"tag"`
	Envelope envelope.Envelope `json:"envelope"`
}

// Client represents one connected WebSocket client. A client may restrict
// itself to a subset of rules; an empty filter means everything.
type Client struct {
	conn   *websocket.Conn
	rules  map[string]struct{}
	send   chan StreamMessage
	logger *zap.Logger
}

func (c *Client) wants(rule string) bool {
	if len(c.rules) == 0 {
		return true
	}
	_, ok := c.rules[rule]
	return ok
}

// Hub manages active WebSocket connections and broadcasts stream messages.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	logger  *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("stream client connected")
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	h.logger.Debug("stream client disconnected")
}

// Broadcast delivers msg to every client whose filter matches. A client with
// a full send buffer is skipped so one slow consumer never stalls the rest.
func (h *Hub) Broadcast(msg StreamMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !c.wants(msg.Rule) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("client send buffer full, dropping message",
				zap.String("rule", msg.Rule),
				zap.String("monitor_id", msg.Envelope.MonitorID))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// writePump sends messages from the client's send channel to the WebSocket.
func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				// Channel closed by hub (unregister).
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := wsjson.Write(writeCtx, c.conn, msg); err != nil {
				cancel()
				c.logger.Debug("stream write error", zap.Error(err))
				return
			}
			cancel()
		}
	}
}

// readPump reads from the WebSocket to detect client disconnect. Clients do
// not send anything after the upgrade, so we just drain.
func (c *Client) readPump(ctx context.Context) {
	for {
		_, _, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
	}
}
