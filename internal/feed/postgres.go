package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const pingInterval = 90 * time.Second

// ErrListenerDown is reported while the LISTEN connection is broken.
var ErrListenerDown = errors.New("postgres listener disconnected")

// PQSource is a Source backed by Postgres LISTEN/NOTIFY. Row triggers
// publish {table, kind, scope, row} payloads on one channel; the source
// fans them out to subscriptions whose topic matches.
type PQSource struct {
	listener *pq.Listener
	channel  string
	logger   *zap.SugaredLogger

	mu     sync.RWMutex
	subs   map[*stream]struct{}
	online bool

	done chan struct{}
	wg   sync.WaitGroup
}

var _ Source = (*PQSource)(nil)

// NewPQSource opens a listener on channel. The connection is (re)established
// in the background; subscribers see StateError until it is up.
func NewPQSource(dsn, channel string, minReconnect, maxReconnect time.Duration, logger *zap.SugaredLogger) (*PQSource, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &PQSource{
		channel: channel,
		logger:  logger,
		subs:    make(map[*stream]struct{}),
		done:    make(chan struct{}),
	}
	s.listener = pq.NewListener(dsn, minReconnect, maxReconnect, s.onEvent)
	if err := s.listener.Listen(channel); err != nil {
		_ = s.listener.Close()
		return nil, err
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

func (s *PQSource) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		s.logger.Infow("change feed connected", "channel", s.channel)
		s.setOnline(true, Status{State: StateSubscribed})
	case pq.ListenerEventReconnected:
		s.logger.Infow("change feed reconnected", "channel", s.channel)
		s.setOnline(true, Status{State: StateSubscribed, Resync: true})
	case pq.ListenerEventDisconnected:
		s.logger.Warnw("change feed disconnected", "channel", s.channel, "err", err)
		if err == nil {
			err = ErrListenerDown
		}
		s.setOnline(false, Status{State: StateError, Reason: ReasonDropped, Err: err})
	case pq.ListenerEventConnectionAttemptFailed:
		s.logger.Debugw("change feed reconnect attempt failed", "channel", s.channel, "err", err)
	}
}

func (s *PQSource) setOnline(online bool, st Status) {
	s.mu.Lock()
	s.online = online
	subs := make([]*stream, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.setStatus(st)
	}
}

func (s *PQSource) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case n := <-s.listener.Notify:
			// nil follows a reconnect; onEvent already asked for a resync
			if n == nil {
				continue
			}
			s.dispatch(n.Extra)
		case <-ticker.C:
			go func() {
				if err := s.listener.Ping(); err != nil {
					s.logger.Debugw("change feed ping failed", "err", err)
				}
			}()
		}
	}
}

func (s *PQSource) dispatch(payload string) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		s.logger.Warnw("dropping malformed change payload", "err", err)
		return
	}
	s.mu.RLock()
	matched := make([]*stream, 0, len(s.subs))
	for sub := range s.subs {
		if sub.topic.Match(ev) {
			matched = append(matched, sub)
		}
	}
	s.mu.RUnlock()
	for _, sub := range matched {
		sub.deliver(ev)
	}
}

func (s *PQSource) Subscribe(ctx context.Context, t Topic) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := newStream(t, s.remove)
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	online := s.online
	s.mu.Unlock()
	if online {
		sub.setStatus(Status{State: StateSubscribed})
	} else {
		sub.setStatus(Status{State: StateConnecting})
	}
	return sub, nil
}

func (s *PQSource) remove(sub *stream) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

// Close stops the listener. Open subscriptions stop receiving events.
func (s *PQSource) Close() error {
	close(s.done)
	err := s.listener.Close()
	s.wg.Wait()
	return err
}
