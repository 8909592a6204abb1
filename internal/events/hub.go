// Package events pushes orchestrator events to websocket clients and
// serves the HTTP API.
package events

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"cardshelf/internal/shelf"
)

// Frame is the wire form of every pushed event.
type Frame struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

const (
	subscriberBuffer = 64
	writeTimeout     = 5 * time.Second
)

type subscriber struct {
	ch   chan []byte
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Hub fans published events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full is disconnected.
type Hub struct {
	logger shelf.Logger

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

// NewHub creates an empty Hub.
func NewHub(logger shelf.Logger) *Hub {
	if logger == nil {
		logger = shelf.NewNopLogger()
	}
	return &Hub{logger: logger, subs: make(map[*subscriber]struct{})}
}

// Publish implements shelf.Publisher.
func (h *Hub) Publish(name string, payload any) {
	data, err := json.Marshal(Frame{Event: name, Payload: payload})
	if err != nil {
		h.logger.Error("encoding event", "event", name, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- data:
		default:
			h.logger.Warn("dropping slow subscriber", "event", name)
			delete(h.subs, sub)
			sub.close()
		}
	}
}

// Subscribe registers a subscriber. The returned channel is closed when
// the subscriber falls behind, cancel is called, or the hub closes.
func (h *Hub) Subscribe() (<-chan []byte, func()) {
	sub := &subscriber{ch: make(chan []byte, subscriberBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	return sub.ch, func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
		sub.close()
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber. Later subscriptions are closed at once.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		sub.close()
	}
}

// ServeWS upgrades the request and streams frames until either side goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.CloseNow()

	frames, cancel := h.Subscribe()
	defer cancel()
	h.logger.Debug("websocket client connected", "remote", r.RemoteAddr)

	// Clients only listen; CloseRead handles their control frames.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-frames:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "event stream closed")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			wcancel()
			if err != nil {
				h.logger.Debug("websocket write failed", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}

// Compile-time check that Hub implements shelf.Publisher
var _ shelf.Publisher = (*Hub)(nil)
