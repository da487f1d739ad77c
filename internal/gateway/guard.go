package gateway

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	location "github.com/ovaphlow/pitchfork/service-warehouse-go/internal/location/entity"
	parcel "github.com/ovaphlow/pitchfork/service-warehouse-go/internal/parcel/entity"
)

// DefaultTimeout bounds a single store call when the guard is built without one.
const DefaultTimeout = 5 * time.Second

// Guard binds a Store to one city. It refuses calls for any other city,
// bounds every call with a timeout and refuses writes while offline.
type Guard struct {
	store   Store
	city    string
	timeout time.Duration
	online  func() bool
	logger  *zap.SugaredLogger
	strict  bool
}

// GuardOption customizes a Guard.
type GuardOption func(*Guard)

// WithTimeout sets the per-call deadline.
func WithTimeout(d time.Duration) GuardOption {
	return func(g *Guard) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithOnline supplies the connectivity probe consulted before writes.
func WithOnline(fn func() bool) GuardOption {
	return func(g *Guard) { g.online = fn }
}

// WithLogger sets the logger used to report scope violations.
func WithLogger(l *zap.SugaredLogger) GuardOption {
	return func(g *Guard) { g.logger = l }
}

// WithStrictScope makes scope violations panic, for development builds.
func WithStrictScope(strict bool) GuardOption {
	return func(g *Guard) { g.strict = strict }
}

var _ Store = (*Guard)(nil)

// NewGuard wraps store for city.
func NewGuard(store Store, city string, opts ...GuardOption) *Guard {
	g := &Guard{store: store, city: city, timeout: DefaultTimeout, logger: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// City returns the city the guard is bound to.
func (g *Guard) City() string { return g.city }

func (g *Guard) checkScope(op, city string) error {
	if city == g.city {
		return nil
	}
	err := fmt.Errorf("%w: %s for %q while bound to %q", ErrScopeMismatch, op, city, g.city)
	g.logger.Errorw("scope mismatch", "op", op, "city", city, "bound", g.city)
	if g.strict {
		panic(err)
	}
	return err
}

func (g *Guard) checkWrite(op, city string) error {
	if err := g.checkScope(op, city); err != nil {
		return err
	}
	if g.online != nil && !g.online() {
		return fmt.Errorf("%w: %s refused while offline", ErrDisconnected, op)
	}
	return nil
}

func (g *Guard) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return Classify(fn(ctx))
}

func (g *Guard) ListLocations(ctx context.Context, city string) ([]location.Location, error) {
	if err := g.checkScope("list locations", city); err != nil {
		return nil, err
	}
	var out []location.Location
	err := g.call(ctx, func(ctx context.Context) (err error) {
		out, err = g.store.ListLocations(ctx, city)
		return err
	})
	return out, err
}

func (g *Guard) InsertLocation(ctx context.Context, loc location.Location) (location.Location, error) {
	if err := g.checkWrite("insert location", loc.City); err != nil {
		return location.Location{}, err
	}
	var out location.Location
	err := g.call(ctx, func(ctx context.Context) (err error) {
		out, err = g.store.InsertLocation(ctx, loc)
		return err
	})
	return out, err
}

func (g *Guard) RenameLocation(ctx context.Context, city, id, code string) (location.Location, error) {
	if err := g.checkWrite("rename location", city); err != nil {
		return location.Location{}, err
	}
	var out location.Location
	err := g.call(ctx, func(ctx context.Context) (err error) {
		out, err = g.store.RenameLocation(ctx, city, id, code)
		return err
	})
	return out, err
}

func (g *Guard) DeleteLocation(ctx context.Context, city, id string) error {
	if err := g.checkWrite("delete location", city); err != nil {
		return err
	}
	return g.call(ctx, func(ctx context.Context) error {
		return g.store.DeleteLocation(ctx, city, id)
	})
}

func (g *Guard) ListPackages(ctx context.Context, q PackageQuery) ([]parcel.Package, error) {
	if err := g.checkScope("list packages", q.City); err != nil {
		return nil, err
	}
	var out []parcel.Package
	err := g.call(ctx, func(ctx context.Context) (err error) {
		out, err = g.store.ListPackages(ctx, q)
		return err
	})
	return out, err
}

func (g *Guard) InsertPackage(ctx context.Context, p parcel.Package) (parcel.Package, error) {
	if err := g.checkWrite("insert package", p.City); err != nil {
		return parcel.Package{}, err
	}
	var out parcel.Package
	err := g.call(ctx, func(ctx context.Context) (err error) {
		out, err = g.store.InsertPackage(ctx, p)
		return err
	})
	return out, err
}

func (g *Guard) UpdatePackage(ctx context.Context, city, id string, patch parcel.Patch) (parcel.Package, error) {
	if err := g.checkWrite("update package", city); err != nil {
		return parcel.Package{}, err
	}
	var out parcel.Package
	err := g.call(ctx, func(ctx context.Context) (err error) {
		out, err = g.store.UpdatePackage(ctx, city, id, patch)
		return err
	})
	return out, err
}

func (g *Guard) DeletePackage(ctx context.Context, city, id string) error {
	if err := g.checkWrite("delete package", city); err != nil {
		return err
	}
	return g.call(ctx, func(ctx context.Context) error {
		return g.store.DeletePackage(ctx, city, id)
	})
}

func (g *Guard) CountPackagesAtLocation(ctx context.Context, city, code string) (int, error) {
	if err := g.checkScope("count packages", city); err != nil {
		return 0, err
	}
	var n int
	err := g.call(ctx, func(ctx context.Context) (err error) {
		n, err = g.store.CountPackagesAtLocation(ctx, city, code)
		return err
	})
	return n, err
}

func (g *Guard) DeletePackagesAtLocation(ctx context.Context, city, code string) ([]string, error) {
	if err := g.checkWrite("delete packages at location", city); err != nil {
		return nil, err
	}
	var ids []string
	err := g.call(ctx, func(ctx context.Context) (err error) {
		ids, err = g.store.DeletePackagesAtLocation(ctx, city, code)
		return err
	})
	return ids, err
}
