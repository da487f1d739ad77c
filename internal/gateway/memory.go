package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	location "github.com/ovaphlow/pitchfork/service-warehouse-go/internal/location/entity"
	parcel "github.com/ovaphlow/pitchfork/service-warehouse-go/internal/parcel/entity"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/pkg/utilities"
)

// Memory is an in-process Store for tests and single-user development.
// Wrap it with Notify to get change events.
type Memory struct {
	mu        sync.Mutex
	locations map[string]location.Location
	packages  map[string]parcel.Package
	now       func() time.Time
	newID     func() string
	failures  map[string]error
}

type MemoryOption func(*Memory)

// WithClock overrides the clock used for created_at.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// WithIDs overrides the id generator.
func WithIDs(next func() string) MemoryOption {
	return func(m *Memory) { m.newID = next }
}

var _ Store = (*Memory)(nil)

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		locations: make(map[string]location.Location),
		packages:  make(map[string]parcel.Package),
		now:       time.Now,
		newID:     utilities.NewSnowflakeID,
		failures:  make(map[string]error),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FailNext makes the next call of op (the method name, e.g. "InsertPackage")
// return err instead of touching the data.
func (m *Memory) FailNext(op string, err error) {
	m.mu.Lock()
	m.failures[op] = err
	m.mu.Unlock()
}

// injected must be called with m.mu held.
func (m *Memory) injected(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err, ok := m.failures[op]; ok {
		delete(m.failures, op)
		return err
	}
	return nil
}

func (m *Memory) ListLocations(ctx context.Context, city string) ([]location.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(ctx, "ListLocations"); err != nil {
		return nil, err
	}
	out := make([]location.Location, 0)
	for _, l := range m.locations {
		if l.City == city {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) codeTaken(city, code, exceptID string) bool {
	for _, l := range m.locations {
		if l.City == city && l.Code == code && l.ID != exceptID {
			return true
		}
	}
	return false
}

func (m *Memory) InsertLocation(ctx context.Context, loc location.Location) (location.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(ctx, "InsertLocation"); err != nil {
		return location.Location{}, err
	}
	if m.codeTaken(loc.City, loc.Code, "") {
		return location.Location{}, fmt.Errorf("%w: location %q already exists", ErrConflict, loc.Code)
	}
	loc.ID = m.newID()
	loc.CreatedAt = m.now().UTC()
	m.locations[loc.ID] = loc
	return loc, nil
}

func (m *Memory) RenameLocation(ctx context.Context, city, id, code string) (location.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(ctx, "RenameLocation"); err != nil {
		return location.Location{}, err
	}
	loc, ok := m.locations[id]
	if !ok || loc.City != city {
		return location.Location{}, fmt.Errorf("%w: location %s", ErrNotFound, id)
	}
	if m.codeTaken(city, code, id) {
		return location.Location{}, fmt.Errorf("%w: location %q already exists", ErrConflict, code)
	}
	for pid, p := range m.packages {
		if p.City == city && p.Location == loc.Code {
			p.Location = code
			m.packages[pid] = p
		}
	}
	loc.Code = code
	m.locations[id] = loc
	return loc, nil
}

func (m *Memory) DeleteLocation(ctx context.Context, city, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(ctx, "DeleteLocation"); err != nil {
		return err
	}
	loc, ok := m.locations[id]
	if !ok || loc.City != city {
		return fmt.Errorf("%w: location %s", ErrNotFound, id)
	}
	delete(m.locations, id)
	return nil
}

func (m *Memory) ListPackages(ctx context.Context, q PackageQuery) ([]parcel.Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(ctx, "ListPackages"); err != nil {
		return nil, err
	}
	out := make([]parcel.Package, 0)
	for _, p := range m.packages {
		if p.City != q.City {
			continue
		}
		if q.Location != "" && p.Location != q.Location {
			continue
		}
		if q.Status != "" && p.PackageStatus != q.Status {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *Memory) InsertPackage(ctx context.Context, p parcel.Package) (parcel.Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(ctx, "InsertPackage"); err != nil {
		return parcel.Package{}, err
	}
	p.ID = m.newID()
	p.CreatedAt = m.now().UTC()
	m.packages[p.ID] = p
	return p, nil
}

func (m *Memory) UpdatePackage(ctx context.Context, city, id string, patch parcel.Patch) (parcel.Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(ctx, "UpdatePackage"); err != nil {
		return parcel.Package{}, err
	}
	p, ok := m.packages[id]
	if !ok || p.City != city {
		return parcel.Package{}, fmt.Errorf("%w: package %s", ErrNotFound, id)
	}
	p = patch.Apply(p)
	m.packages[id] = p
	return p, nil
}

func (m *Memory) DeletePackage(ctx context.Context, city, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(ctx, "DeletePackage"); err != nil {
		return err
	}
	p, ok := m.packages[id]
	if !ok || p.City != city {
		return fmt.Errorf("%w: package %s", ErrNotFound, id)
	}
	delete(m.packages, id)
	return nil
}

func (m *Memory) CountPackagesAtLocation(ctx context.Context, city, code string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(ctx, "CountPackagesAtLocation"); err != nil {
		return 0, err
	}
	n := 0
	for _, p := range m.packages {
		if p.City == city && p.Location == code {
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeletePackagesAtLocation(ctx context.Context, city, code string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected(ctx, "DeletePackagesAtLocation"); err != nil {
		return nil, err
	}
	var ids []string
	for id, p := range m.packages {
		if p.City == city && p.Location == code {
			ids = append(ids, id)
			delete(m.packages, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
