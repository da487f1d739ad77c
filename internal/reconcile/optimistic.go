package reconcile

import (
	"fmt"
	"slices"
)

// Kind is the type of an optimistic mutation.
type Kind int

const (
	KindInsert Kind = iota
	KindUpdate
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	default:
		return "insert"
	}
}

// MutationStatus tags an optimistic mutation.
type MutationStatus int

const (
	StatusPending MutationStatus = iota
	StatusConfirmed
	StatusFailed
)

func (s MutationStatus) String() string {
	switch s {
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Mutation is a local change applied before the server acknowledged it.
type Mutation[T Keyed] struct {
	c    *Collection[T]
	kind Kind
	gen  Generation
	seq  uint64

	row       T
	prev      T
	hadPrev   bool
	prevIndex int

	localID  string
	serverID string
	status   MutationStatus
}

func (m *Mutation[T]) Kind() Kind { return m.kind }

func (m *Mutation[T]) Generation() Generation { return m.gen }

func (m *Mutation[T]) Status() MutationStatus {
	m.c.mu.Lock()
	defer m.c.mu.Unlock()
	return m.status
}

// LocalID is the id the row carried when the mutation began.
func (m *Mutation[T]) LocalID() string { return m.localID }

// ServerID is set once the server row is known, from the write response
// or from its echo on the change feed.
func (m *Mutation[T]) ServerID() string {
	m.c.mu.Lock()
	defer m.c.mu.Unlock()
	return m.serverID
}

// Begin applies an optimistic change. For inserts row must carry a
// placeholder id; for updates row is the full new value; for deletes only
// its id is used.
func (c *Collection[T]) Begin(gen Generation, kind Kind, row T) (*Mutation[T], error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s %s for generation %d, current %d", ErrStale, kind, c.name, gen, c.gen)
	}
	c.clock++
	id := row.EntityID()
	m := &Mutation[T]{c: c, kind: kind, gen: gen, seq: c.clock, row: row, localID: id}
	if i, ok := c.byID[id]; ok {
		m.prev, m.hadPrev, m.prevIndex = c.items[i], true, i
	}

	switch kind {
	case KindInsert:
		if m.hadPrev {
			c.mu.Unlock()
			return nil, fmt.Errorf("insert %s: id %s already present", c.name, id)
		}
		c.insertAt(row)
	case KindUpdate:
		if m.hadPrev {
			c.items[m.prevIndex] = row
		} else {
			c.insertAt(row)
		}
	case KindDelete:
		if m.hadPrev {
			c.removeAt(m.prevIndex)
		}
	}
	c.reindex()
	c.pending = append(c.pending, m)
	snap, v := c.changed()
	c.mu.Unlock()
	c.publish(snap, v)
	return m, nil
}

func (c *Collection[T]) settle(m *Mutation[T], status MutationStatus) bool {
	if m.status != StatusPending {
		return false
	}
	m.status = status
	if i := slices.Index(c.pending, m); i >= 0 {
		c.pending = slices.Delete(c.pending, i, i+1)
	}
	return true
}

// overtaken reports whether the server state for id was observed after m began.
func (c *Collection[T]) overtaken(m *Mutation[T], id string) bool {
	return c.touched[id] > m.seq || c.loaded > m.seq
}

// Confirm records the server's answer. For inserts the placeholder id is
// swapped for the server id, or dropped if the echo already landed. The
// server row is ignored for deletes.
func (c *Collection[T]) Confirm(m *Mutation[T], server T) {
	c.mu.Lock()
	if !c.settle(m, StatusConfirmed) {
		c.mu.Unlock()
		return
	}
	if m.kind != KindDelete {
		m.serverID = server.EntityID()
	} else {
		m.serverID = m.localID
	}
	if m.gen != c.gen {
		c.mu.Unlock()
		c.observer.Dropped(c.name, "stale_confirm")
		return
	}

	switch m.kind {
	case KindInsert:
		sid := server.EntityID()
		li, hasLocal := c.byID[m.localID]
		_, hasServer := c.byID[sid]
		switch {
		case hasServer && hasLocal && sid != m.localID:
			c.removeAt(li)
		case hasServer:
		case hasLocal:
			c.items[li] = server
		case !c.overtaken(m, sid):
			c.insertAt(server)
		}
	case KindUpdate:
		if !c.overtaken(m, server.EntityID()) {
			if i, ok := c.byID[server.EntityID()]; ok {
				c.items[i] = server
			} else {
				c.insertAt(server)
			}
		}
	}
	c.reindex()
	snap, v := c.changed()
	c.mu.Unlock()
	c.publish(snap, v)
}

// Fail rolls the mutation back. The previous value and position come back
// unless the server state for the row was observed after the mutation
// began, in which case the server wins.
func (c *Collection[T]) Fail(m *Mutation[T]) {
	c.mu.Lock()
	if !c.settle(m, StatusFailed) {
		c.mu.Unlock()
		return
	}
	if m.gen != c.gen {
		c.mu.Unlock()
		c.observer.Dropped(c.name, "stale_rollback")
		return
	}

	id := m.localID
	switch m.kind {
	case KindInsert:
		if m.serverID == "" {
			if i, ok := c.byID[id]; ok {
				c.removeAt(i)
			}
		}
	case KindUpdate:
		if !c.overtaken(m, id) {
			i, present := c.byID[id]
			switch {
			case m.hadPrev && present:
				c.items[i] = m.prev
			case m.hadPrev:
				c.insertIndex(m.prevIndex, m.prev)
			case present:
				c.removeAt(i)
			}
		}
	case KindDelete:
		if !c.overtaken(m, id) && m.hadPrev {
			if _, present := c.byID[id]; !present {
				c.insertIndex(m.prevIndex, m.prev)
			}
		}
	}
	c.reindex()
	snap, v := c.changed()
	c.mu.Unlock()
	c.observer.RolledBack(c.name)
	c.publish(snap, v)
}
