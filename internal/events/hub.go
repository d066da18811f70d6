package events

import (
	"context"
	"log/slog"
	"sync"
)

// Publisher delivers events. Publishing is best effort and never fails the caller.
type Publisher interface {
	Publish(ctx context.Context, events ...Event)
}

// Listener is called synchronously for every locally published event. It must not block.
type Listener func(ctx context.Context, e Event)

type Subscription struct {
	C <-chan Event

	ch    chan Event
	rooms []string
	hub   *Hub
	once  sync.Once
}

// Close detaches the subscription and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.unsubscribe(s)
	})
}

// Hub fans events out to room subscribers inside this process.
type Hub struct {
	mu        sync.RWMutex
	rooms     map[string]map[*Subscription]struct{}
	listeners []Listener
	logger    *slog.Logger
	metrics   *Metrics
}

func NewHub(logger *slog.Logger, metrics *Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:   make(map[string]map[*Subscription]struct{}),
		logger:  logger.With("component", "events"),
		metrics: metrics,
	}
}

func (h *Hub) Subscribe(buffer int, rooms ...string) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, rooms: rooms, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, room := range rooms {
		members, ok := h.rooms[room]
		if !ok {
			members = make(map[*Subscription]struct{})
			h.rooms[room] = members
		}
		members[sub] = struct{}{}
	}
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, room := range sub.rooms {
		members := h.rooms[room]
		delete(members, sub)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	close(sub.ch)
}

func (h *Hub) AddListener(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, l)
}

// Publish delivers to subscribers, then to listeners.
func (h *Hub) Publish(ctx context.Context, events ...Event) {
	h.Broadcast(events...)

	h.mu.RLock()
	listeners := append([]Listener(nil), h.listeners...)
	h.mu.RUnlock()
	for _, e := range events {
		for _, l := range listeners {
			l(ctx, e)
		}
	}
}

// Broadcast delivers to room subscribers only. A subscriber whose buffer is full loses the
// event rather than stalling the publisher.
func (h *Hub) Broadcast(events ...Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, e := range events {
		h.metrics.published(e.Type)
		for sub := range h.rooms[e.Room] {
			select {
			case sub.ch <- e:
			default:
				h.metrics.dropped(e.Type)
				h.logger.Warn("subscriber buffer full, event dropped", "type", e.Type, "room", e.Room)
			}
		}
	}
}

// Subscribers returns how many subscriptions are attached to room.
func (h *Hub) Subscribers(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

type multi []Publisher

// Multi publishes to every p in order.
func Multi(publishers ...Publisher) Publisher {
	return multi(publishers)
}

func (m multi) Publish(ctx context.Context, events ...Event) {
	for _, p := range m {
		p.Publish(ctx, events...)
	}
}
