package ws

import (
	"encoding/json"
	"sync"

	"github.com/gantry-sh/gantry/internal/domain"
)

// Subscriber is one attached stream consumer. Send receives the encoded log
// entry; a failed Send detaches and closes the subscriber.
type Subscriber interface {
	Send(payload []byte) error
	Close()
}

// Hub fans launch log entries out to subscribers keyed by launch ID. Entries
// are encoded once per publish, not once per subscriber.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[Subscriber]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[Subscriber]struct{})}
}

// Register attaches a subscriber to a launch's stream.
func (h *Hub) Register(launchID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[launchID] == nil {
		h.subs[launchID] = make(map[Subscriber]struct{})
	}
	h.subs[launchID][sub] = struct{}{}
}

// Unregister detaches a subscriber. Unknown subscribers are ignored.
func (h *Hub) Unregister(launchID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.subs[launchID]
	if !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.subs, launchID)
	}
}

// Publish delivers a log entry to every subscriber of its launch, dropping
// and closing subscribers whose Send fails.
func (h *Hub) Publish(entry domain.LaunchLog) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.subs[entry.LaunchID]
	if !ok {
		return
	}
	for sub := range subs {
		if err := sub.Send(payload); err != nil {
			delete(subs, sub)
			sub.Close()
		}
	}
	if len(subs) == 0 {
		delete(h.subs, entry.LaunchID)
	}
}
