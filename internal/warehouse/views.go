package warehouse

import (
	location "github.com/ovaphlow/pitchfork/service-warehouse-go/internal/location/entity"
	parcel "github.com/ovaphlow/pitchfork/service-warehouse-go/internal/parcel/entity"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/projection"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/reconcile"
)

// Scope returns the active city, empty before the first switch.
func (w *Workspace) Scope() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.sess.city
}

// Locations returns the city's locations in insertion order.
func (w *Workspace) Locations() []location.Location {
	return w.locations.Snapshot()
}

// Shelf returns the open location and its packages, newest first.
func (w *Workspace) Shelf() (string, []parcel.Package) {
	w.mu.RLock()
	code := w.sess.shelfCode
	w.mu.RUnlock()
	return code, w.shelf.Snapshot()
}

// Review projects the city's packages through f.
func (w *Workspace) Review(f projection.Filter) []parcel.Package {
	return projection.Project(w.review.Snapshot(), f)
}

func (w *Workspace) TabCounts() []projection.TabCount { return w.counts.Get() }

// Worklist is the unshelving list: pending-removal packages by location.
func (w *Workspace) Worklist() []projection.Group { return w.worklist.Get() }

// Connected is false while any subscription of the workspace is offline.
func (w *Workspace) Connected() bool { return w.sub.Connected() }

// Loading is true while a scope-level load or resync is outstanding.
func (w *Workspace) Loading() bool { return w.loading.Load() > 0 }

// Stale is true after a failed load until the next successful one.
func (w *Workspace) Stale() bool { return w.stale.Load() }

// Status summarizes the workspace for the UI banner.
type Status struct {
	City          string               `json:"city"`
	Generation    reconcile.Generation `json:"generation"`
	Connected     bool                 `json:"connected"`
	Loading       bool                 `json:"loading"`
	Stale         bool                 `json:"stale"`
	Subscriptions int                  `json:"subscriptions"`
	Pending       int                  `json:"pending"`
	Shelf         string               `json:"shelf,omitempty"`
}

func (w *Workspace) Status() Status {
	w.mu.RLock()
	sess := w.sess
	w.mu.RUnlock()
	return Status{
		City:          sess.city,
		Generation:    w.review.Generation(),
		Connected:     w.Connected(),
		Loading:       w.Loading(),
		Stale:         w.Stale(),
		Subscriptions: w.sub.Open(),
		Pending:       w.locations.Pending() + w.review.Pending() + w.shelf.Pending(),
		Shelf:         sess.shelfCode,
	}
}

// Close tears down every subscription. The workspace is unusable afterwards.
func (w *Workspace) Close() {
	w.opMu.Lock()
	defer w.opMu.Unlock()
	w.closed = true
	w.sub.CloseAll()
}
