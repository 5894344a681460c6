package bus

import (
	"context"
	"sync"
)

const defaultHubBuffer = 64

// Hub fans events out between contexts living in one process.
type Hub struct {
	buffer int

	mu      sync.RWMutex
	members map[string]*HubTransport
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultHubBuffer
	}
	return &Hub{buffer: buffer, members: map[string]*HubTransport{}}
}

// Join registers origin and returns its transport. Joining twice with the
// same origin replaces the earlier member.
func (h *Hub) Join(origin string) *HubTransport {
	member := &HubTransport{hub: h, origin: origin, events: make(chan Event, h.buffer)}
	h.mu.Lock()
	if previous, ok := h.members[origin]; ok {
		close(previous.events)
	}
	h.members[origin] = member
	h.mu.Unlock()
	return member
}

func (h *Hub) leave(member *HubTransport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.members[member.origin]; ok && current == member {
		delete(h.members, member.origin)
		close(member.events)
	}
}

func (h *Hub) deliver(from string, event Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	failures := map[string]error{}
	for origin, member := range h.members {
		if origin == from {
			continue
		}
		select {
		case member.events <- event:
			delivered++
		default:
			failures[origin] = ErrBufferFull
		}
	}
	if len(failures) > 0 {
		return &DeliveryError{Failures: failures}
	}
	if delivered == 0 {
		return ErrNoReceiver
	}
	return nil
}

type HubTransport struct {
	hub    *Hub
	origin string
	events chan Event
}

func (t *HubTransport) Send(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.hub.deliver(t.origin, event)
}

// Subscribe returns the member's inbox. It closes when the member leaves.
func (t *HubTransport) Subscribe(context.Context) (<-chan Event, error) {
	return t.events, nil
}

func (t *HubTransport) Leave() {
	t.hub.leave(t)
}
