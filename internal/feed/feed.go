// Package feed delivers row change notifications from the store. A Source
// produces events for a Topic; Subscriber keeps exactly one subscription per
// topic and tracks whether the feed is online.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Kind is the type of row change.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Event is one row change. For deletes Row holds the removed row.
type Event struct {
	Collection string          `json:"table"`
	Kind       Kind            `json:"kind"`
	Scope      string          `json:"scope"`
	Row        json.RawMessage `json:"row"`
}

// Topic selects the events of one collection within one scope, optionally
// narrowed by equality on row fields (e.g. location=A-01).
type Topic struct {
	Collection string
	Scope      string
	Filter     map[string]string
}

// Key identifies the topic; two topics with the same key are the same subscription.
func (t Topic) Key() string {
	var b strings.Builder
	b.WriteString(t.Collection)
	b.WriteByte('|')
	b.WriteString(t.Scope)
	fields := make([]string, 0, len(t.Filter))
	for f := range t.Filter {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		fmt.Fprintf(&b, "|%s=%s", f, t.Filter[f])
	}
	return b.String()
}

// Match reports whether ev belongs to the topic.
func (t Topic) Match(ev Event) bool {
	if ev.Collection != t.Collection || ev.Scope != t.Scope {
		return false
	}
	if len(t.Filter) == 0 {
		return true
	}
	var row map[string]any
	if err := json.Unmarshal(ev.Row, &row); err != nil {
		return false
	}
	for field, want := range t.Filter {
		v, ok := row[field]
		if !ok || v == nil || fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}

// State is the lifecycle state of a subscription.
type State int

const (
	StateConnecting State = iota
	StateSubscribed
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateSubscribed:
		return "subscribed"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "connecting"
	}
}

// Reason tells a deliberate teardown apart from an unexpected drop.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonTeardown
	ReasonDropped
)

func (r Reason) String() string {
	switch r {
	case ReasonTeardown:
		return "teardown"
	case ReasonDropped:
		return "dropped"
	default:
		return ""
	}
}

// Status is a subscription status change. Resync is set when events may
// have been missed while the connection was down.
type Status struct {
	State  State
	Reason Reason
	Err    error
	Resync bool
}

// Online reports whether events are flowing.
func (s Status) Online() bool { return s.State == StateSubscribed }

// Offline reports whether the status should surface as an outage. A closed
// subscription that was torn down on purpose is not an outage.
func (s Status) Offline() bool {
	switch s.State {
	case StateError:
		return true
	case StateClosed:
		return s.Reason != ReasonTeardown
	}
	return false
}

// Subscription is a live stream of events for one topic.
type Subscription interface {
	Topic() Topic
	Events() <-chan Event
	Statuses() <-chan Status
	Close() error
}

// Source opens subscriptions.
type Source interface {
	Subscribe(ctx context.Context, t Topic) (Subscription, error)
}
