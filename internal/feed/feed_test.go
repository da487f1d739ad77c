package feed

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func rowEvent(t *testing.T, coll, scope string, kind Kind, row map[string]any) Event {
	t.Helper()
	raw, err := json.Marshal(row)
	require.NoError(t, err)
	return Event{Collection: coll, Kind: kind, Scope: scope, Row: raw}
}

type recorder struct {
	mu      sync.Mutex
	events  []Event
	resyncs int
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		Event: func(ev Event) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		},
		Resync: func() {
			r.mu.Lock()
			r.resyncs++
			r.mu.Unlock()
		},
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) resyncCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resyncs
}

func TestTopicKeyIsStable(t *testing.T) {
	a := Topic{Collection: "packages", Scope: "MIA", Filter: map[string]string{"location": "A-01", "city": "MIA"}}
	b := Topic{Collection: "packages", Scope: "MIA", Filter: map[string]string{"city": "MIA", "location": "A-01"}}
	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), Topic{Collection: "packages", Scope: "WPB"}.Key())
}

func TestTopicMatch(t *testing.T) {
	shelf := Topic{Collection: "packages", Scope: "MIA", Filter: map[string]string{"location": "A-01"}}
	assert.True(t, shelf.Match(rowEvent(t, "packages", "MIA", KindInsert, map[string]any{"location": "A-01"})))
	assert.False(t, shelf.Match(rowEvent(t, "packages", "MIA", KindInsert, map[string]any{"location": "B-02"})))
	assert.False(t, shelf.Match(rowEvent(t, "packages", "WPB", KindInsert, map[string]any{"location": "A-01"})))
	assert.False(t, shelf.Match(rowEvent(t, "locations", "MIA", KindInsert, map[string]any{"location": "A-01"})))
	assert.False(t, shelf.Match(Event{Collection: "packages", Scope: "MIA", Row: json.RawMessage(`not json`)}))
}

func TestStatusOffline(t *testing.T) {
	assert.False(t, Status{State: StateConnecting}.Offline())
	assert.False(t, Status{State: StateSubscribed}.Offline())
	assert.False(t, Status{State: StateClosed, Reason: ReasonTeardown}.Offline())
	assert.True(t, Status{State: StateClosed, Reason: ReasonDropped}.Offline())
	assert.True(t, Status{State: StateError, Reason: ReasonDropped}.Offline())
}

func TestSubscriberBuffersUntilStart(t *testing.T) {
	hub := NewHub()
	sub := NewSubscriber(hub, nil)
	defer sub.CloseAll()

	h, err := sub.Watch(context.Background(), Topic{Collection: "locations", Scope: "MIA"})
	require.NoError(t, err)

	hub.Publish(rowEvent(t, "locations", "MIA", KindInsert, map[string]any{"id": "1"}))
	hub.Publish(rowEvent(t, "locations", "MIA", KindInsert, map[string]any{"id": "2"}))

	rec := &recorder{}
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, rec.count())

	h.Start(rec.handlers())
	hub.Publish(rowEvent(t, "locations", "MIA", KindInsert, map[string]any{"id": "3"}))
	require.Eventually(t, func() bool { return rec.count() == 3 }, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var ids []string
	for _, ev := range rec.events {
		var row map[string]string
		require.NoError(t, json.Unmarshal(ev.Row, &row))
		ids = append(ids, row["id"])
	}
	assert.Equal(t, []string{"1", "2", "3"}, ids)
}

func TestSubscriberOneSubscriptionPerTopic(t *testing.T) {
	hub := NewHub()
	sub := NewSubscriber(hub, nil)
	defer sub.CloseAll()

	topic := Topic{Collection: "packages", Scope: "MIA"}
	h1, err := sub.Watch(context.Background(), topic)
	require.NoError(t, err)
	h2, err := sub.Watch(context.Background(), topic)
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.Equal(t, 1, hub.Subscribers())
	assert.Equal(t, 1, sub.Open())
}

func TestReplaceTearsDownOldScope(t *testing.T) {
	hub := NewHub()
	var mu sync.Mutex
	var teardowns []string
	sub := NewSubscriber(hub, nil, WithStatusHook(func(tp Topic, st Status) {
		if st.Reason == ReasonTeardown {
			mu.Lock()
			teardowns = append(teardowns, tp.Scope)
			mu.Unlock()
		}
	}))
	defer sub.CloseAll()

	old, err := sub.Replace(context.Background(), Topic{Collection: "packages", Scope: "MIA"})
	require.NoError(t, err)
	oldRec := &recorder{}
	old[0].Start(oldRec.handlers())

	fresh, err := sub.Replace(context.Background(), Topic{Collection: "packages", Scope: "WPB"})
	require.NoError(t, err)
	newRec := &recorder{}
	fresh[0].Start(newRec.handlers())

	assert.Equal(t, 1, hub.Subscribers())
	hub.Publish(rowEvent(t, "packages", "MIA", KindInsert, map[string]any{"id": "1"}))
	hub.Publish(rowEvent(t, "packages", "WPB", KindInsert, map[string]any{"id": "2"}))

	require.Eventually(t, func() bool { return newRec.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, oldRec.count())
	assert.Equal(t, StateClosed, old[0].Status().State)
	assert.Equal(t, ReasonTeardown, old[0].Status().Reason)

	mu.Lock()
	assert.Equal(t, []string{"MIA"}, teardowns)
	mu.Unlock()
	// a teardown is not an outage
	assert.True(t, sub.Connected())
}

func TestDropAndResync(t *testing.T) {
	hub := NewHub()
	sub := NewSubscriber(hub, nil)
	defer sub.CloseAll()

	h, err := sub.Watch(context.Background(), Topic{Collection: "locations", Scope: "MIA"})
	require.NoError(t, err)
	rec := &recorder{}
	h.Start(rec.handlers())
	require.Eventually(t, func() bool { return h.Status().Online() }, time.Second, 5*time.Millisecond)
	assert.True(t, sub.Connected())

	hub.Disconnect(nil)
	require.Eventually(t, func() bool { return !sub.Connected() }, time.Second, 5*time.Millisecond)
	st := h.Status()
	assert.Equal(t, StateError, st.State)
	assert.Equal(t, ReasonDropped, st.Reason)
	assert.ErrorIs(t, st.Err, ErrHubDown)

	// lost while down
	hub.Publish(rowEvent(t, "locations", "MIA", KindInsert, map[string]any{"id": "1"}))

	hub.Reconnect()
	require.Eventually(t, func() bool { return sub.Connected() && rec.resyncCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, rec.count())
}

func TestResyncBeforeStartIsDeferred(t *testing.T) {
	hub := NewHub()
	sub := NewSubscriber(hub, nil)
	defer sub.CloseAll()

	h, err := sub.Watch(context.Background(), Topic{Collection: "locations", Scope: "MIA"})
	require.NoError(t, err)
	hub.Disconnect(nil)
	hub.Reconnect()
	require.Eventually(t, func() bool { return h.Status().Resync }, time.Second, 5*time.Millisecond)

	rec := &recorder{}
	h.Start(rec.handlers())
	require.Eventually(t, func() bool { return rec.resyncCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSubscribeCanceledContext(t *testing.T) {
	hub := NewHub()
	sub := NewSubscriber(hub, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sub.Watch(ctx, Topic{Collection: "locations", Scope: "MIA"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, sub.Open())
}
