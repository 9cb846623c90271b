package stream

import (
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/argos-watch/argos/internal/dispatch"
)

// Handler provides the WebSocket endpoint for live envelope streaming.
type Handler struct {
	hub    *Hub
	logger *zap.Logger

	quit chan struct{}

	mu          sync.Mutex
	unregisters []func()
	forwarders  sync.WaitGroup
	closeOnce   sync.Once
}

// NewHandler creates a stream handler with an empty hub. Call Subscribe to
// attach it to rules, then RegisterRoutes to expose the endpoint.
func NewHandler(logger *zap.Logger) *Handler {
	return &Handler{
		hub:    NewHub(logger),
		logger: logger,
		quit:   make(chan struct{}),
	}
}

// Hub exposes the underlying hub, used by tests.
func (h *Handler) Hub() *Hub {
	return h.hub
}

// Subscribe attaches the handler to the named rules; every envelope
// dispatched to them is broadcast to matching clients.
func (h *Handler) Subscribe(registry *dispatch.Registry, rules ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, rule := range rules {
		inbox := make(dispatch.Inbox, 64)
		h.unregisters = append(h.unregisters, registry.Register(rule, inbox))

		h.forwarders.Add(1)
		go func(rule string, inbox dispatch.Inbox) {
			defer h.forwarders.Done()
			for {
				select {
				case msg := <-inbox:
					h.hub.Broadcast(StreamMessage{
						Rule:     rule,
						Tag:      msg.Tag,
						Envelope: msg.Envelope,
					})
				case <-h.quit:
					return
				}
			}
		}(rule, inbox)
	}
}

// RegisterRoutes registers the stream endpoint on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/stream", h.handleStream)
}

// handleStream upgrades the connection and streams envelopes until the
// client disconnects. An optional rules query parameter (comma-separated)
// restricts which rules the client receives.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error("websocket accept failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:   conn,
		rules:  parseRuleFilter(r.URL.Query().Get("rules")),
		send:   make(chan StreamMessage, 256),
		logger: h.logger,
	}

	h.hub.Register(client)

	ctx := r.Context()
	done := make(chan struct{})
	go func() {
		client.writePump(ctx)
		close(done)
	}()

	// readPump blocks until the client disconnects.
	client.readPump(ctx)

	h.hub.Unregister(client)
	conn.Close(websocket.StatusNormalClosure, "")
	<-done
}

// Close detaches the handler from the registry and stops the forwarders.
// Connected clients are left to their own read loops; the HTTP server's
// shutdown tears those down.
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		for _, unregister := range h.unregisters {
			unregister()
		}
		h.unregisters = nil
		h.mu.Unlock()

		close(h.quit)
		h.forwarders.Wait()
	})
}

func parseRuleFilter(raw string) map[string]struct{} {
	if raw == "" {
		return nil
	}
	rules := make(map[string]struct{})
	for _, rule := range strings.Split(raw, ",") {
		if rule = strings.TrimSpace(rule); rule != "" {
			rules[rule] = struct{}{}
		}
	}
	return rules
}
