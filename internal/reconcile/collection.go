// Package reconcile keeps the in-memory copy of one remote collection for
// the active scope. Initial loads, change feed events and optimistic local
// edits all go through a Collection, which is the only place that enforces
// id uniqueness and idempotent merges.
package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/feed"
)

// Keyed is implemented by every entity held in a Collection.
type Keyed interface {
	EntityID() string
	BusinessKey() string
}

// Order decides where rows that were not part of a load are placed.
type Order int

const (
	// NewestFirst prepends new rows, matching lists sorted by created_at desc.
	NewestFirst Order = iota
	// InsertionOrder appends new rows, matching lists sorted by created_at asc.
	InsertionOrder
)

// Generation identifies one scope activation. Work issued under an older
// generation is discarded.
type Generation uint64

var ErrStale = errors.New("stale generation")

// Collection is an ordered, id-unique set of rows for one scope.
type Collection[T Keyed] struct {
	name     string
	order    Order
	observer Observer

	mu      sync.Mutex
	scope   string
	gen     Generation
	items   []T
	byID    map[string]int
	byKey   map[string][]string
	clock   uint64
	touched map[string]uint64
	loaded  uint64
	pending []*Mutation[T]
	version uint64

	notifyMu  sync.Mutex
	notified  uint64
	listeners []func([]T)
}

type Option func(*options)

type options struct {
	observer Observer
}

// WithObserver reports applied, dropped and rolled back changes.
func WithObserver(o Observer) Option {
	return func(opts *options) { opts.observer = o }
}

// New returns an empty collection. name labels metrics and logs.
func New[T Keyed](name string, order Order, opts ...Option) *Collection[T] {
	o := options{observer: NopObserver{}}
	for _, opt := range opts {
		opt(&o)
	}
	return &Collection[T]{
		name:     name,
		order:    order,
		observer: o.observer,
		byID:     make(map[string]int),
		byKey:    make(map[string][]string),
		touched:  make(map[string]uint64),
	}
}

func (c *Collection[T]) Name() string { return c.name }

// Scope returns the scope of the current generation.
func (c *Collection[T]) Scope() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scope
}

func (c *Collection[T]) Generation() Generation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Reset discards every row and pending mutation and starts a new generation
// for scope.
func (c *Collection[T]) Reset(scope string) Generation {
	c.mu.Lock()
	c.gen++
	c.scope = scope
	c.items = nil
	c.touched = make(map[string]uint64)
	c.loaded = 0
	for _, m := range c.pending {
		m.status = StatusFailed
	}
	c.pending = nil
	c.reindex()
	gen := c.gen
	snap, v := c.changed()
	c.mu.Unlock()
	c.publish(snap, v)
	return gen
}

// Load installs rows as the authoritative list for gen. Local rows of
// optimistic inserts still in flight are kept unless the load already
// contains a row with the same business key.
func (c *Collection[T]) Load(gen Generation, rows []T) error {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		c.observer.Dropped(c.name, "stale_load")
		return fmt.Errorf("%w: load for generation %d, current %d", ErrStale, gen, c.gen)
	}
	c.items = make([]T, 0, len(rows))
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		id := row.EntityID()
		if seen[id] {
			continue
		}
		seen[id] = true
		c.items = append(c.items, row)
	}
	c.reindex()
	for _, m := range c.pending {
		if m.kind != KindInsert {
			continue
		}
		if ids := c.byKey[m.row.BusinessKey()]; len(ids) > 0 {
			m.serverID = ids[0]
			continue
		}
		c.insertAt(m.row)
	}
	c.clock++
	c.loaded = c.clock
	snap, v := c.changed()
	c.mu.Unlock()
	c.publish(snap, v)
	return nil
}

// Ingest decodes a change event and applies it. It is the single entry
// point for feed events.
func (c *Collection[T]) Ingest(gen Generation, ev feed.Event) error {
	var row T
	if err := json.Unmarshal(ev.Row, &row); err != nil {
		c.observer.Dropped(c.name, "malformed")
		return fmt.Errorf("decode %s %s event: %w", ev.Collection, ev.Kind, err)
	}
	switch ev.Kind {
	case feed.KindInsert:
		c.ApplyRemoteInsert(gen, row)
	case feed.KindUpdate:
		c.ApplyRemoteUpdate(gen, row)
	case feed.KindDelete:
		c.ApplyRemoteDelete(gen, row.EntityID())
	default:
		c.observer.Dropped(c.name, "unknown_kind")
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	return nil
}

// ApplyRemoteInsert adds row unless its id is already present. An optimistic
// insert with the same business key whose echo this is adopts the row in
// place. It reports whether the collection changed.
func (c *Collection[T]) ApplyRemoteInsert(gen Generation, row T) bool {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		c.observer.Dropped(c.name, "stale_event")
		return false
	}
	id := row.EntityID()
	if _, ok := c.byID[id]; ok {
		c.mu.Unlock()
		c.observer.Dropped(c.name, "duplicate")
		return false
	}
	c.clock++
	c.touched[id] = c.clock
	if m := c.adoptable(row.BusinessKey()); m != nil {
		c.items[c.byID[m.localID]] = row
		m.serverID = id
	} else {
		c.insertAt(row)
	}
	c.reindex()
	snap, v := c.changed()
	c.mu.Unlock()
	c.observer.Applied(c.name, string(feed.KindInsert))
	c.publish(snap, v)
	return true
}

// ApplyRemoteUpdate replaces the row with the same id, or inserts it when absent.
func (c *Collection[T]) ApplyRemoteUpdate(gen Generation, row T) bool {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		c.observer.Dropped(c.name, "stale_event")
		return false
	}
	id := row.EntityID()
	c.clock++
	c.touched[id] = c.clock
	if i, ok := c.byID[id]; ok {
		c.items[i] = row
	} else if m := c.adoptable(row.BusinessKey()); m != nil {
		c.items[c.byID[m.localID]] = row
		m.serverID = id
	} else {
		c.insertAt(row)
	}
	c.reindex()
	snap, v := c.changed()
	c.mu.Unlock()
	c.observer.Applied(c.name, string(feed.KindUpdate))
	c.publish(snap, v)
	return true
}

// ApplyRemoteDelete removes id. Deleting an absent id changes nothing.
func (c *Collection[T]) ApplyRemoteDelete(gen Generation, id string) bool {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		c.observer.Dropped(c.name, "stale_event")
		return false
	}
	c.clock++
	c.touched[id] = c.clock
	i, ok := c.byID[id]
	if !ok {
		c.mu.Unlock()
		c.observer.Dropped(c.name, "absent")
		return false
	}
	c.removeAt(i)
	c.reindex()
	snap, v := c.changed()
	c.mu.Unlock()
	c.observer.Applied(c.name, string(feed.KindDelete))
	c.publish(snap, v)
	return true
}

// adoptable returns the oldest in-flight insert with key whose local row is
// still a placeholder. Called with c.mu held.
func (c *Collection[T]) adoptable(key string) *Mutation[T] {
	for _, m := range c.pending {
		if m.kind != KindInsert || m.serverID != "" || m.row.BusinessKey() != key {
			continue
		}
		if _, ok := c.byID[m.localID]; ok {
			return m
		}
	}
	return nil
}

// insertAt places a row that was not part of a load. Called with c.mu held.
func (c *Collection[T]) insertAt(row T) {
	if c.order == NewestFirst {
		c.items = append([]T{row}, c.items...)
	} else {
		c.items = append(c.items, row)
	}
	c.reindex()
}

func (c *Collection[T]) insertIndex(i int, row T) {
	if i < 0 {
		i = 0
	}
	if i > len(c.items) {
		i = len(c.items)
	}
	c.items = append(c.items, row)
	copy(c.items[i+1:], c.items[i:])
	c.items[i] = row
}

func (c *Collection[T]) removeAt(i int) {
	c.items = append(c.items[:i], c.items[i+1:]...)
}

func (c *Collection[T]) reindex() {
	c.byID = make(map[string]int, len(c.items))
	c.byKey = make(map[string][]string, len(c.items))
	for i, row := range c.items {
		c.byID[row.EntityID()] = i
		k := row.BusinessKey()
		c.byKey[k] = append(c.byKey[k], row.EntityID())
	}
}

// changed bumps the version and copies the rows. Called with c.mu held.
func (c *Collection[T]) changed() ([]T, uint64) {
	c.version++
	snap := make([]T, len(c.items))
	copy(snap, c.items)
	return snap, c.version
}

// publish hands snap to listeners unless a newer snapshot was already published.
func (c *Collection[T]) publish(snap []T, version uint64) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if version <= c.notified {
		return
	}
	c.notified = version
	for _, fn := range c.listeners {
		fn(snap)
	}
}

// OnChange registers fn to receive a full snapshot after every change.
// fn must not call back into the collection's mutating methods.
func (c *Collection[T]) OnChange(fn func([]T)) {
	c.notifyMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.notifyMu.Unlock()
}

// Snapshot returns a copy of the rows in presentation order.
func (c *Collection[T]) Snapshot() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}

func (c *Collection[T]) Get(id string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.byID[id]
	if !ok {
		var zero T
		return zero, false
	}
	return c.items[i], true
}

// FindByKey returns the rows with business key, in presentation order.
func (c *Collection[T]) FindByKey(key string) []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := c.byKey[key]
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.items[c.byID[id]])
	}
	return out
}

func (c *Collection[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Pending returns the number of optimistic mutations still in flight.
func (c *Collection[T]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
