package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Subscription receives encoded messages for one topic.
type Subscription struct {
	topic string
	ch    chan []byte
}

// C returns the delivery channel. It is closed on Unsubscribe.
func (s *Subscription) C() <-chan []byte { return s.ch }

// Hub is an in-process topic broadcaster. Messages to a subscriber whose
// buffer is full are dropped.
type Hub struct {
	mu       sync.RWMutex
	subs     map[string]map[*Subscription]struct{}
	buffer   int
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHub creates a hub whose subscribers buffer up to buffer messages.
func NewHub(buffer int, log *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = 32
	}
	return &Hub{
		subs:     make(map[string]map[*Subscription]struct{}),
		buffer:   buffer,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		log:      log.Named("hub"),
	}
}

func (h *Hub) Subscribe(topic string) *Subscription {
	sub := &Subscription{topic: topic, ch: make(chan []byte, h.buffer)}
	h.mu.Lock()
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[*Subscription]struct{})
	}
	h.subs[topic][sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if set, ok := h.subs[sub.topic]; ok {
		if _, ok := set[sub]; ok {
			delete(set, sub)
			close(sub.ch)
		}
		if len(set) == 0 {
			delete(h.subs, sub.topic)
		}
	}
	h.mu.Unlock()
}

// Subscribers returns the number of live subscriptions on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}

func (h *Hub) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		record("hub", "error")
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[topic] {
		select {
		case sub.ch <- data:
			record("hub", "sent")
		default:
			record("hub", "dropped")
		}
	}
	return nil
}

// ServeTopic upgrades the request to a websocket and streams topic until
// the client goes away.
func (h *Hub) ServeTopic(w http.ResponseWriter, r *http.Request, topic string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := h.Subscribe(topic)
	defer h.Unsubscribe(sub)

	// Reader goroutine notices the client closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}
