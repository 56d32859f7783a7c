package server

import (
	"context"
	"sync"
	"time"
	"zerotrace/internal/model"
	"zerotrace/internal/utils/log"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeTimeout = 5 * time.Second

type (
	subscriber struct {
		mu   sync.Mutex
		conn *websocket.Conn
	}

	// Hub tracks the notify sockets held by this server instance, keyed by
	// KEM public key. One key may have several sockets.
	Hub struct {
		mu   sync.RWMutex
		subs map[string]map[*subscriber]struct{}
	}
)

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*subscriber]struct{})}
}

func (h *Hub) Add(key string, conn *websocket.Conn) *subscriber {
	sub := &subscriber{conn: conn}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[key] == nil {
		h.subs[key] = make(map[*subscriber]struct{})
	}
	h.subs[key][sub] = struct{}{}
	return sub
}

func (h *Hub) Remove(key string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[key]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, key)
		}
	}
	sub.conn.Close()
}

// Publish delivers n to local subscribers of keys. It satisfies Publisher
// for single-instance deployments.
func (h *Hub) Publish(_ context.Context, n model.Notification, keys ...string) error {
	h.Deliver(n, keys...)
	return nil
}

func (h *Hub) Deliver(n model.Notification, keys ...string) {
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		h.mu.RLock()
		targets := make([]*subscriber, 0, len(h.subs[key]))
		for sub := range h.subs[key] {
			targets = append(targets, sub)
		}
		h.mu.RUnlock()

		for _, sub := range targets {
			if err := sub.write(n); err != nil {
				log.Debug("notify write failed", zap.Error(err))
			}
		}
	}
}

func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, set := range h.subs {
		for sub := range set {
			sub.conn.Close()
		}
		delete(h.subs, key)
	}
}

func (h *Hub) Len(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[key])
}

func (s *subscriber) write(n model.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(&n)
}
