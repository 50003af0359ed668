// Package stream fans live event updates out to subscribers.
package stream

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"shipnotes/internal"
	"shipnotes/pkg/storage"
)

// Message types.
const (
	TypeSnapshot = "snapshot"
	TypeNewEvent = "new_event"
	TypeRefresh  = "refresh"
	TypeError    = "error"
)

const (
	defaultInterval = 30 * time.Second
	defaultBuffer   = 16
)

// Message is one tagged update.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Subscription receives messages on C until it is closed.
type Subscription struct {
	C <-chan Message

	id   uint64
	ch   chan Message
	hub  *Hub
	once sync.Once
}

// Close unregisters the subscription and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Hub keeps an explicit registry of subscribers. Producers never block: a
// full subscriber buffer drops the message.
type Hub struct {
	source   Source
	interval time.Duration
	buffer   int
	logger   *log.Logger

	mu      sync.Mutex
	subs    map[uint64]*Subscription
	nextID  uint64
	dropped int64
}

// Option customizes a Hub.
type Option func(*Hub)

// WithInterval sets the refresh period.
func WithInterval(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.interval = d
		}
	}
}

// WithBuffer sets the per-subscriber channel size.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// NewHub returns a Hub polling source. Call Run to start it.
func NewHub(source Source, opts ...Option) *Hub {
	h := &Hub{
		source:   source,
		interval: defaultInterval,
		buffer:   defaultBuffer,
		logger:   internal.NewLogger("stream"),
		subs:     make(map[uint64]*Subscription),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a subscriber whose first message is a snapshot. The
// subscription closes when ctx is done.
func (h *Hub) Subscribe(ctx context.Context) *Subscription {
	first := h.snapshot(ctx, TypeSnapshot)
	ch := make(chan Message, h.buffer)
	ch <- first

	h.mu.Lock()
	h.nextID++
	sub := &Subscription{C: ch, id: h.nextID, ch: ch, hub: h}
	h.subs[sub.id] = sub
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		sub.Close()
	}()
	return sub
}

// Announce sends a new_event message for a processed event.
func (h *Hub) Announce(_ context.Context, event storage.Event) error {
	h.broadcast(Message{Type: TypeNewEvent, Payload: ViewOf(event)})
	return nil
}

// AnnounceRaw forwards an already encoded event view.
func (h *Hub) AnnounceRaw(payload json.RawMessage) {
	h.broadcast(Message{Type: TypeNewEvent, Payload: payload})
}

// Run emits refresh snapshots until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if h.Subscribers() == 0 {
				continue
			}
			h.Refresh(ctx)
		}
	}
}

// Refresh broadcasts a fresh snapshot to every subscriber.
func (h *Hub) Refresh(ctx context.Context) {
	h.broadcast(h.snapshot(ctx, TypeRefresh))
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many messages were dropped on full buffers.
func (h *Hub) Dropped() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

func (h *Hub) snapshot(ctx context.Context, kind string) Message {
	if h.source == nil {
		return Message{Type: kind, Payload: Snapshot{}}
	}
	snap, err := h.source.Snapshot(ctx)
	if err != nil {
		h.logger.Printf("snapshot failed: %v", err)
		return Message{Type: TypeError, Payload: map[string]string{"error": err.Error()}}
	}
	return Message{Type: kind, Payload: snap}
}

func (h *Hub) broadcast(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		select {
		case sub.ch <- msg:
		default:
			h.dropped++
			internal.IncStreamDrop()
		}
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.id]; !ok {
		return
	}
	delete(h.subs, sub.id)
	close(sub.ch)
}
