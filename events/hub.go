package events

import (
	"sync"
	"time"
)

// Event is one post-commit notification for a subject (an escrow or dispute
// id). Payload values are already JSON-safe.
type Event struct {
	Subject string         `json:"subject"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}

const subscriberBuffer = 16

// Hub is an in-process pub/sub switchboard keyed by subject id. Publishing
// never blocks: a subscriber whose buffer is full misses the event. Clients
// that need a complete record read the audit trail, not the hub.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe registers interest in one subject. The returned cancel func
// must be called to release the channel; after cancel the channel is closed.
func (h *Hub) Subscribe(subject string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	set, ok := h.subs[subject]
	if !ok {
		set = make(map[chan Event]struct{})
		h.subs[subject] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		set, ok := h.subs[subject]
		if !ok {
			return
		}
		if _, live := set[ch]; !live {
			return
		}
		delete(set, ch)
		if len(set) == 0 {
			delete(h.subs, subject)
		}
		close(ch)
	}
	return ch, cancel
}

// Publish fans an event out to every subscriber of the subject.
func (h *Hub) Publish(subject, eventType string, payload map[string]any) {
	evt := Event{
		Subject: subject,
		Type:    eventType,
		Payload: payload,
		At:      time.Now().UTC(),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[subject] {
		select {
		case ch <- evt:
		default:
			// Slow subscriber, drop.
		}
	}
}

// Subscribers reports how many channels are registered for a subject.
func (h *Hub) Subscribers(subject string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[subject])
}
