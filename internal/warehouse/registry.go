package warehouse

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/profile/entity"
)

// Tracker counts open workspaces.
type Tracker interface {
	WorkspaceOpened()
	WorkspaceClosed()
}

type nopTracker struct{}

func (nopTracker) WorkspaceOpened() {}
func (nopTracker) WorkspaceClosed() {}

type entry struct {
	w    *Workspace
	used time.Time
}

// Registry keeps one workspace per signed-in user. Every session of a user
// shares it, so a scope switch in one session moves the others too.
type Registry struct {
	deps    Deps
	tracker Tracker
	now     func() time.Time

	mu     sync.Mutex
	spaces map[string]*entry
}

func NewRegistry(deps Deps, tracker Tracker) *Registry {
	if tracker == nil {
		tracker = nopTracker{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	return &Registry{deps: deps, tracker: tracker, now: time.Now, spaces: make(map[string]*entry)}
}

// Get returns the user's workspace, creating it on first use and loading
// the user's current city. The identity is refreshed on every call; a
// workspace whose city was revoked falls back to the current city.
func (r *Registry) Get(ctx context.Context, id entity.Identity) (*Workspace, error) {
	r.mu.Lock()
	e, ok := r.spaces[id.UserID]
	if !ok {
		e = &entry{w: New(id, r.deps)}
		r.spaces[id.UserID] = e
		r.tracker.WorkspaceOpened()
	}
	e.used = r.now()
	w := e.w
	r.mu.Unlock()

	if ok {
		w.SetIdentity(id)
	}
	if w.Scope() == "" && id.CurrentCity != "" {
		if err := w.SwitchScope(ctx, id.CurrentCity); err != nil {
			return w, err
		}
	}
	return w, nil
}

// Drop closes and forgets the user's workspace. Unknown users are ignored.
func (r *Registry) Drop(userID string) {
	r.mu.Lock()
	e, ok := r.spaces[userID]
	delete(r.spaces, userID)
	r.mu.Unlock()
	if ok {
		e.w.Close()
		r.tracker.WorkspaceClosed()
	}
}

// EvictIdle closes the workspaces not used for longer than maxIdle and
// returns how many were closed.
func (r *Registry) EvictIdle(maxIdle time.Duration) int {
	cutoff := r.now().Add(-maxIdle)
	r.mu.Lock()
	var idle []*Workspace
	for userID, e := range r.spaces {
		if e.used.Before(cutoff) {
			idle = append(idle, e.w)
			delete(r.spaces, userID)
		}
	}
	r.mu.Unlock()
	for _, w := range idle {
		w.Close()
		r.tracker.WorkspaceClosed()
	}
	return len(idle)
}

// RunEviction calls EvictIdle every interval until ctx is done.
func (r *Registry) RunEviction(ctx context.Context, interval, maxIdle time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := r.EvictIdle(maxIdle); n > 0 {
				r.deps.Logger.Infow("closed idle workspaces", "count", n)
			}
		}
	}
}

// Len is the number of open workspaces.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spaces)
}

// Close closes every workspace.
func (r *Registry) Close() {
	r.mu.Lock()
	spaces := r.spaces
	r.spaces = make(map[string]*entry)
	r.mu.Unlock()
	for _, e := range spaces {
		e.w.Close()
		r.tracker.WorkspaceClosed()
	}
}
