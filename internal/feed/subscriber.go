package feed

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Handlers receive the events of one topic. Both run on the handle's
// delivery goroutine, one call at a time.
type Handlers struct {
	Event func(Event)
	// Resync is called when the source may have lost events (reconnect).
	Resync func()
}

// Subscriber keeps exactly one subscription per topic key.
type Subscriber struct {
	source   Source
	logger   *zap.SugaredLogger
	onStatus func(Topic, Status)

	mu      sync.Mutex
	handles map[string]*Handle
}

type SubscriberOption func(*Subscriber)

// WithStatusHook registers fn to be told about every status change,
// including teardowns.
func WithStatusHook(fn func(Topic, Status)) SubscriberOption {
	return func(s *Subscriber) { s.onStatus = fn }
}

func NewSubscriber(source Source, logger *zap.SugaredLogger, opts ...SubscriberOption) *Subscriber {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Subscriber{source: source, logger: logger, handles: make(map[string]*Handle)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Watch opens a subscription for t, or returns the open one with the same key.
// Events are buffered until Start is called on the handle.
func (s *Subscriber) Watch(ctx context.Context, t Topic) (*Handle, error) {
	key := t.Key()
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[key]; ok {
		return h, nil
	}
	sub, err := s.source.Subscribe(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", key, err)
	}
	h := &Handle{
		key:     key,
		sub:     sub,
		owner:   s,
		started: make(chan struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		status:  Status{State: StateConnecting},
	}
	s.handles[key] = h
	go h.run()
	s.logger.Debugw("subscription opened", "topic", key)
	return h, nil
}

// Replace tears down every subscription whose topic is not in topics, waits
// for their delivery to stop, then opens the missing ones. The returned
// handles line up with topics.
func (s *Subscriber) Replace(ctx context.Context, topics ...Topic) ([]*Handle, error) {
	keep := make(map[string]bool, len(topics))
	for _, t := range topics {
		keep[t.Key()] = true
	}
	s.mu.Lock()
	var stale []*Handle
	for key, h := range s.handles {
		if !keep[key] {
			stale = append(stale, h)
			delete(s.handles, key)
		}
	}
	s.mu.Unlock()
	for _, h := range stale {
		h.teardown()
	}

	out := make([]*Handle, 0, len(topics))
	for _, t := range topics {
		h, err := s.Watch(ctx, t)
		if err != nil {
			return out, err
		}
		out = append(out, h)
	}
	return out, nil
}

// Unwatch tears h down and waits for its delivery goroutine to exit.
func (s *Subscriber) Unwatch(h *Handle) {
	if h == nil {
		return
	}
	s.mu.Lock()
	if cur, ok := s.handles[h.key]; ok && cur == h {
		delete(s.handles, h.key)
	}
	s.mu.Unlock()
	h.teardown()
}

// CloseAll tears down every open subscription.
func (s *Subscriber) CloseAll() {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for key, h := range s.handles {
		handles = append(handles, h)
		delete(s.handles, key)
	}
	s.mu.Unlock()
	for _, h := range handles {
		h.teardown()
	}
}

// Connected reports whether no open subscription is offline. A subscription
// that is still connecting does not count as an outage.
func (s *Subscriber) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.handles {
		if h.Status().Offline() {
			return false
		}
	}
	return true
}

// Open returns the number of open subscriptions.
func (s *Subscriber) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func (s *Subscriber) report(t Topic, st Status) {
	switch {
	case st.Offline():
		s.logger.Warnw("subscription offline", "topic", t.Key(), "state", st.State.String(), "reason", st.Reason.String(), "err", st.Err)
	case st.Resync:
		s.logger.Infow("subscription resumed, resync requested", "topic", t.Key())
	}
	if s.onStatus != nil {
		s.onStatus(t, st)
	}
}

// Handle is one open subscription.
type Handle struct {
	key   string
	sub   Subscription
	owner *Subscriber

	startOnce sync.Once
	started   chan struct{}
	handlers  Handlers

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	mu     sync.Mutex
	status Status
}

func (h *Handle) Topic() Topic { return h.sub.Topic() }

// Status returns the last status seen on the subscription.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Start begins delivery. Events that arrived since Watch are delivered
// first, in order. Only the first call has an effect.
func (h *Handle) Start(hs Handlers) {
	h.startOnce.Do(func() {
		h.handlers = hs
		close(h.started)
	})
}

func (h *Handle) record(st Status) {
	h.mu.Lock()
	h.status = st
	h.mu.Unlock()
	h.owner.report(h.sub.Topic(), st)
}

func (h *Handle) teardown() {
	h.stopOnce.Do(func() {
		close(h.stop)
		<-h.done
		_ = h.sub.Close()
		h.record(Status{State: StateClosed, Reason: ReasonTeardown})
		h.owner.logger.Debugw("subscription closed", "topic", h.key)
	})
}

func (h *Handle) run() {
	defer close(h.done)
	events := h.sub.Events()
	statuses := h.sub.Statuses()
	started := h.started
	var pending []Event
	resync := false

	for {
		select {
		case <-h.stop:
			return
		case <-started:
			started = nil
			for _, ev := range pending {
				h.deliver(ev)
			}
			pending = nil
			if resync && h.handlers.Resync != nil {
				h.handlers.Resync()
			}
			resync = false
		case st, ok := <-statuses:
			if !ok {
				statuses = nil
				st = Status{State: StateClosed, Reason: ReasonDropped}
			}
			h.record(st)
			if st.Resync {
				if started != nil {
					resync = true
				} else if h.handlers.Resync != nil {
					h.handlers.Resync()
				}
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				h.record(Status{State: StateClosed, Reason: ReasonDropped})
				continue
			}
			if started != nil {
				pending = append(pending, ev)
				continue
			}
			h.deliver(ev)
		}
	}
}

func (h *Handle) deliver(ev Event) {
	if h.handlers.Event != nil {
		h.handlers.Event(ev)
	}
}
