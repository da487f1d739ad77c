package reconcile

import "sync"

// Observer is told about what happens to incoming changes.
type Observer interface {
	Applied(collection, kind string)
	Dropped(collection, reason string)
	RolledBack(collection string)
}

type NopObserver struct{}

func (NopObserver) Applied(string, string) {}
func (NopObserver) Dropped(string, string) {}
func (NopObserver) RolledBack(string)      {}

// Derived is a value recomputed from scratch from the collection's rows
// after every change.
type Derived[T Keyed, V any] struct {
	mu    sync.RWMutex
	val   V
	fresh bool
}

// NewDerived computes fn over the current rows and again after every change.
func NewDerived[T Keyed, V any](c *Collection[T], fn func([]T) V) *Derived[T, V] {
	d := &Derived[T, V]{}
	c.OnChange(func(rows []T) {
		v := fn(rows)
		d.mu.Lock()
		d.val, d.fresh = v, true
		d.mu.Unlock()
	})
	v := fn(c.Snapshot())
	d.mu.Lock()
	// a change published meanwhile already produced a newer value
	if !d.fresh {
		d.val = v
	}
	d.mu.Unlock()
	return d
}

func (d *Derived[T, V]) Get() V {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.val
}
