// Package events carries change notifications ("process:created",
// "production_lot:updated", ...) to in-process subscribers and to browsers
// connected over a websocket.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"upfweb/internal/metrics"
)

// Event is the payload delivered to subscribers and broadcast to every
// connected browser.
type Event struct {
	Type   string `json:"type"`
	ID     any    `json:"id,omitempty"`
	Action string `json:"action"`
}

// Name builds "resource:action".
func Name(resource, action string) string { return resource + ":" + action }

// Matches reports whether pattern selects the event type. "resource:*"
// matches every action of a resource and "*" matches everything.
func Matches(pattern, typ string) bool {
	if pattern == "*" || pattern == typ {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ":*"); ok {
		return strings.HasPrefix(typ, prefix+":")
	}
	return false
}

type subscriber struct {
	pattern string
	fn      func(Event)
}

// client wraps a WebSocket connection with a mutex for thread-safe writes.
type client struct {
	conn *ws.Conn
	mu   sync.Mutex
}

// Hub fans events out to subscribers and websocket clients.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	clients map[*client]struct{}
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewHub creates a new Hub. log and m may be nil.
func NewHub(log *zap.Logger, m *metrics.Metrics) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		subs:    make(map[*subscriber]struct{}),
		clients: make(map[*client]struct{}),
		log:     log,
		metrics: m,
	}
}

// Subscribe registers fn for events matching pattern until ctx is done.
// fn runs synchronously on the publisher's goroutine and must not block.
func (h *Hub) Subscribe(ctx context.Context, pattern string, fn func(Event)) {
	s := &subscriber{pattern: pattern, fn: fn}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, s)
		h.mu.Unlock()
	}()
}

// Subscribers returns the number of live in-process subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish delivers evt to matching subscribers and broadcasts it to
// websocket clients.
func (h *Hub) Publish(evt Event) {
	if h.metrics != nil {
		h.metrics.EventsPublished.WithLabelValues(evt.Type).Inc()
	}
	h.mu.RLock()
	var fns []func(Event)
	for s := range h.subs {
		if Matches(s.pattern, evt.Type) {
			fns = append(fns, s.fn)
		}
	}
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(evt)
	}
	h.broadcast(evt)
}

// PublishChange is a convenience helper for resource changes.
func (h *Hub) PublishChange(resource, action string, id any) {
	h.Publish(Event{Type: Name(resource, action), ID: id, Action: action})
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.WSClients.Set(float64(n))
	}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}
	if h.metrics != nil {
		h.metrics.WSClients.Set(float64(n))
	}
	if c.conn != nil {
		defer func() {
			if r := recover(); r != nil {
				h.log.Warn("ws: close panic", zap.Any("recovered", r))
			}
		}()
		_ = c.conn.Close()
	}
}

func (h *Hub) broadcast(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.log.Error("ws: marshal error", zap.Error(err))
		return
	}
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.mu.Lock()
		writeErr := func() (writeErr error) {
			defer func() {
				if r := recover(); r != nil {
					writeErr = fmt.Errorf("ws: write panic: %v", r)
				}
			}()
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			return c.conn.WriteMessage(ws.TextMessage, data)
		}()
		c.mu.Unlock()

		if writeErr != nil {
			h.log.Debug("ws: dropping client", zap.Error(writeErr))
			h.unregister(c)
		}
	}
}

// Upgrader only accepts same-origin upgrades.
var Upgrader = ws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// ServeHTTP upgrades the connection and keeps it alive with pings until the
// browser goes away. Browsers only listen; anything they send is discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws: upgrade error", zap.Error(err))
		return
	}

	c := &client{conn: conn}
	h.register(c)
	h.log.Debug("ws: client connected")

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.mu.Lock()
				err := conn.WriteControl(ws.PingMessage, nil, time.Now().Add(5*time.Second))
				c.mu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	close(stop)
	h.unregister(c)
	h.log.Debug("ws: client disconnected")
}
