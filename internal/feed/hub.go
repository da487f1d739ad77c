package feed

import (
	"context"
	"errors"
	"sync"
)

// ErrHubDown is reported to subscribers while the hub is disconnected.
var ErrHubDown = errors.New("hub disconnected")

// Hub is an in-process Source. Backends that cannot notify on their own
// (memory, SQLite) publish their writes to it.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*stream]struct{}
	online bool
}

// NewHub returns a connected hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*stream]struct{}), online: true}
}

var _ Source = (*Hub)(nil)

func (h *Hub) Subscribe(ctx context.Context, t Topic) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := newStream(t, h.remove)
	h.mu.Lock()
	h.subs[s] = struct{}{}
	online := h.online
	h.mu.Unlock()
	if online {
		s.setStatus(Status{State: StateSubscribed})
	} else {
		s.setStatus(Status{State: StateError, Reason: ReasonDropped, Err: ErrHubDown})
	}
	return s, nil
}

func (h *Hub) remove(s *stream) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

func (h *Hub) snapshot() ([]*stream, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*stream, 0, len(h.subs))
	for s := range h.subs {
		out = append(out, s)
	}
	return out, h.online
}

// Publish fans ev out to every matching subscription. Events published
// while disconnected are lost, as they would be on a broken connection.
func (h *Hub) Publish(ev Event) {
	subs, online := h.snapshot()
	if !online {
		return
	}
	for _, s := range subs {
		if s.topic.Match(ev) {
			s.deliver(ev)
		}
	}
}

// Disconnect marks the hub offline and reports err to every subscriber.
func (h *Hub) Disconnect(err error) {
	if err == nil {
		err = ErrHubDown
	}
	h.mu.Lock()
	h.online = false
	h.mu.Unlock()
	subs, _ := h.snapshot()
	for _, s := range subs {
		s.setStatus(Status{State: StateError, Reason: ReasonDropped, Err: err})
	}
}

// Reconnect brings the hub back and asks subscribers to resync.
func (h *Hub) Reconnect() {
	h.mu.Lock()
	h.online = true
	h.mu.Unlock()
	subs, _ := h.snapshot()
	for _, s := range subs {
		s.setStatus(Status{State: StateSubscribed, Resync: true})
	}
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
