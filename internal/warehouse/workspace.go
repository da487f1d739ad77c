// Package warehouse holds the per-user workspace: the reconciled locations
// and packages of the active city and the shelving, instruction and
// unshelving operations on them.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/feed"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/gateway"
	location "github.com/ovaphlow/pitchfork/service-warehouse-go/internal/location/entity"
	parcel "github.com/ovaphlow/pitchfork/service-warehouse-go/internal/parcel/entity"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/profile/entity"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/projection"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/reconcile"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/pkg/utilities"
)

var (
	// ErrNoMatch means an unshelving scan matched no pending-removal package.
	ErrNoMatch = errors.New("no matching package")
	// ErrInvalid covers empty input, unknown enums and unknown locations.
	ErrInvalid = errors.New("invalid input")
	// ErrForbidden is a role or city gate.
	ErrForbidden = errors.New("forbidden")
	// ErrNoScope means no city has been selected yet.
	ErrNoScope = errors.New("no active city")
	// ErrClosed is returned by a workspace after Close.
	ErrClosed = errors.New("workspace closed")
)

// ScopeRecorder persists the city a user last worked in.
type ScopeRecorder interface {
	RecordCurrentScope(ctx context.Context, id entity.Identity, city string) error
}

// Deps are the collaborators shared by every workspace.
type Deps struct {
	Store    gateway.Store
	Source   feed.Source
	Profiles ScopeRecorder
	Observer reconcile.Observer
	OnStatus func(feed.Topic, feed.Status)
	Logger   *zap.SugaredLogger
	Timeout  time.Duration
	// Strict makes scope violations panic.
	Strict bool
	Now    func() time.Time
}

// session is the state bound to one scope activation.
type session struct {
	city      string
	guard     *gateway.Guard
	locGen    reconcile.Generation
	reviewGen reconcile.Generation
	shelfGen  reconcile.Generation
	shelfCode string
}

// Workspace is one user's view of one city at a time.
type Workspace struct {
	deps   Deps
	logger *zap.SugaredLogger
	sub    *feed.Subscriber

	locations *reconcile.Collection[location.Location]
	review    *reconcile.Collection[parcel.Package]
	shelf     *reconcile.Collection[parcel.Package]
	counts    *reconcile.Derived[parcel.Package, []projection.TabCount]
	worklist  *reconcile.Derived[parcel.Package, []projection.Group]

	// opMu serializes scope switches and shelf changes.
	opMu   sync.Mutex
	closed bool

	mu       sync.RWMutex
	identity entity.Identity
	sess     session

	loading atomic.Int32
	stale   atomic.Bool
}

// New builds an idle workspace; call SwitchScope to load a city.
func New(id entity.Identity, deps Deps) *Workspace {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.Observer == nil {
		deps.Observer = reconcile.NopObserver{}
	}
	if deps.Timeout <= 0 {
		deps.Timeout = gateway.DefaultTimeout
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	logger := deps.Logger.With("user", id.UserID)
	var subOpts []feed.SubscriberOption
	if deps.OnStatus != nil {
		subOpts = append(subOpts, feed.WithStatusHook(deps.OnStatus))
	}
	w := &Workspace{
		deps:      deps,
		logger:    logger,
		sub:       feed.NewSubscriber(deps.Source, logger, subOpts...),
		identity:  id,
		locations: reconcile.New[location.Location](gateway.CollectionLocations, reconcile.InsertionOrder, reconcile.WithObserver(deps.Observer)),
		review:    reconcile.New[parcel.Package](gateway.CollectionPackages, reconcile.NewestFirst, reconcile.WithObserver(deps.Observer)),
		shelf:     reconcile.New[parcel.Package]("shelf", reconcile.NewestFirst, reconcile.WithObserver(deps.Observer)),
	}
	w.counts = reconcile.NewDerived(w.review, projection.TabCounts)
	w.worklist = reconcile.NewDerived(w.review, projection.Worklist)
	return w
}

func (w *Workspace) now() time.Time { return w.deps.Now().UTC() }

// Identity returns the identity the workspace acts for.
func (w *Workspace) Identity() entity.Identity {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.identity
}

// SetIdentity refreshes role and cities after the profile was reloaded.
// When the active city is no longer accessible the workspace leaves it.
func (w *Workspace) SetIdentity(id entity.Identity) {
	w.mu.Lock()
	w.identity = id
	city := w.sess.city
	w.mu.Unlock()
	if city != "" && !id.CanAccess(city) {
		w.leaveScope(city)
	}
}

// leaveScope drops the subscriptions and cached rows of city and returns
// the workspace to the no-scope state.
func (w *Workspace) leaveScope(city string) {
	w.opMu.Lock()
	defer w.opMu.Unlock()
	w.mu.Lock()
	if w.sess.city != city {
		w.mu.Unlock()
		return
	}
	w.sess = session{}
	w.mu.Unlock()

	w.sub.CloseAll()
	w.locations.Reset("")
	w.review.Reset("")
	w.shelf.Reset("")
	w.stale.Store(false)
	w.logger.Infow("city access revoked, scope cleared", "city", city)
}

func (w *Workspace) current() (session, entity.Identity, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.sess.city == "" {
		return session{}, w.identity, ErrNoScope
	}
	if !w.identity.CanAccess(w.sess.city) {
		return session{}, w.identity, fmt.Errorf("%w: city %s", ErrForbidden, w.sess.city)
	}
	return w.sess, w.identity, nil
}

func requireRole(id entity.Identity, min entity.Role, op string) error {
	if !id.Role.AtLeast(min) {
		return fmt.Errorf("%w: %s requires %s", ErrForbidden, op, min)
	}
	return nil
}

func locationsTopic(city string) feed.Topic {
	return feed.Topic{Collection: gateway.CollectionLocations, Scope: city}
}

func packagesTopic(city string) feed.Topic {
	return feed.Topic{Collection: gateway.CollectionPackages, Scope: city}
}

func shelfTopic(city, code string) feed.Topic {
	return feed.Topic{Collection: gateway.CollectionPackages, Scope: city, Filter: map[string]string{"location": code}}
}

// SwitchScope rebuilds the workspace for city: old subscriptions are torn
// down first, new ones buffer while locations and packages load, and
// delivery starts once the load is in. A failed load leaves the workspace
// on the new city, empty and stale.
func (w *Workspace) SwitchScope(ctx context.Context, city string) error {
	id := w.Identity()
	if !id.CanAccess(city) {
		return fmt.Errorf("%w: city %s", ErrForbidden, city)
	}
	w.opMu.Lock()
	defer w.opMu.Unlock()
	if w.closed {
		return ErrClosed
	}

	guard := gateway.NewGuard(w.deps.Store, city,
		gateway.WithTimeout(w.deps.Timeout),
		gateway.WithOnline(w.sub.Connected),
		gateway.WithLogger(w.logger),
		gateway.WithStrictScope(w.deps.Strict),
	)
	sess := session{
		city:      city,
		guard:     guard,
		locGen:    w.locations.Reset(city),
		reviewGen: w.review.Reset(city),
		shelfGen:  w.shelf.Reset(city),
	}
	w.mu.Lock()
	w.sess = sess
	w.mu.Unlock()

	handles, err := w.sub.Replace(ctx, locationsTopic(city), packagesTopic(city))
	if err != nil {
		w.stale.Store(true)
		return err
	}

	loadErr := w.load(ctx, sess)
	handles[0].Start(w.handlers(w.locations, sess.locGen, func() { w.reloadLocations(sess) }))
	handles[1].Start(w.handlers(w.review, sess.reviewGen, func() { w.reloadReview(sess) }))
	if loadErr != nil {
		return loadErr
	}

	if w.deps.Profiles != nil {
		if err := w.deps.Profiles.RecordCurrentScope(ctx, id, city); err != nil {
			w.logger.Warnw("record current city", "city", city, "err", err)
		}
	}
	w.logger.Infow("scope switched", "city", city, "locations", w.locations.Len(), "packages", w.review.Len())
	return nil
}

func (w *Workspace) load(ctx context.Context, sess session) error {
	w.loading.Add(1)
	defer w.loading.Add(-1)

	var locs []location.Location
	var pkgs []parcel.Package
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		locs, err = sess.guard.ListLocations(gctx, sess.city)
		return err
	})
	g.Go(func() (err error) {
		pkgs, err = sess.guard.ListPackages(gctx, gateway.PackageQuery{City: sess.city})
		return err
	})
	if err := g.Wait(); err != nil {
		w.stale.Store(true)
		w.logger.Warnw("scope load failed", "city", sess.city, "err", err)
		return fmt.Errorf("load %s: %w", sess.city, err)
	}
	err := errors.Join(
		w.locations.Load(sess.locGen, locs),
		w.review.Load(sess.reviewGen, pkgs),
	)
	if err != nil {
		return err
	}
	w.stale.Store(false)
	return nil
}

func (w *Workspace) handlers(c interface {
	Ingest(reconcile.Generation, feed.Event) error
}, gen reconcile.Generation, resync func()) feed.Handlers {
	return feed.Handlers{
		Event: func(ev feed.Event) {
			if err := c.Ingest(gen, ev); err != nil {
				w.logger.Warnw("dropping change event", "table", ev.Collection, "kind", ev.Kind, "err", err)
			}
		},
		Resync: resync,
	}
}

// reload* run on the feed's delivery goroutine after a reconnect. A failed
// reload keeps the cached rows and marks the workspace stale.
func (w *Workspace) reloadLocations(sess session) {
	w.loading.Add(1)
	defer w.loading.Add(-1)
	rows, err := sess.guard.ListLocations(context.Background(), sess.city)
	w.afterReload("locations", err, func() error { return w.locations.Load(sess.locGen, rows) })
}

func (w *Workspace) reloadReview(sess session) {
	w.loading.Add(1)
	defer w.loading.Add(-1)
	rows, err := sess.guard.ListPackages(context.Background(), gateway.PackageQuery{City: sess.city})
	w.afterReload("packages", err, func() error { return w.review.Load(sess.reviewGen, rows) })
}

func (w *Workspace) reloadShelf(sess session) {
	w.loading.Add(1)
	defer w.loading.Add(-1)
	rows, err := sess.guard.ListPackages(context.Background(), gateway.PackageQuery{City: sess.city, Location: sess.shelfCode})
	w.afterReload("shelf", err, func() error { return w.shelf.Load(sess.shelfGen, rows) })
}

func (w *Workspace) afterReload(what string, err error, install func() error) {
	if err == nil {
		err = install()
	}
	switch {
	case errors.Is(err, reconcile.ErrStale):
	case err != nil:
		w.stale.Store(true)
		w.logger.Warnw("resync failed, keeping cached rows", "what", what, "err", err)
	default:
		w.stale.Store(false)
	}
}

// OpenLocation points the shelf stream at code.
func (w *Workspace) OpenLocation(ctx context.Context, code string) error {
	w.opMu.Lock()
	defer w.opMu.Unlock()
	return w.openLocation(ctx, code)
}

func (w *Workspace) openLocation(ctx context.Context, code string) error {
	if w.closed {
		return ErrClosed
	}
	sess, _, err := w.current()
	if err != nil {
		return err
	}
	if len(w.locations.FindByKey(code)) == 0 {
		return fmt.Errorf("%w: unknown location %q", ErrInvalid, code)
	}
	if sess.shelfCode == code {
		return nil
	}
	sess.shelfCode = code
	sess.shelfGen = w.shelf.Reset(sess.city)
	w.mu.Lock()
	if w.sess.city != sess.city {
		w.mu.Unlock()
		return fmt.Errorf("%w: city changed", reconcile.ErrStale)
	}
	w.sess.shelfCode, w.sess.shelfGen = sess.shelfCode, sess.shelfGen
	w.mu.Unlock()

	handles, err := w.sub.Replace(ctx, locationsTopic(sess.city), packagesTopic(sess.city), shelfTopic(sess.city, code))
	if err != nil {
		return err
	}
	w.loading.Add(1)
	rows, err := sess.guard.ListPackages(ctx, gateway.PackageQuery{City: sess.city, Location: code})
	w.loading.Add(-1)
	if err == nil {
		err = w.shelf.Load(sess.shelfGen, rows)
	}
	handles[2].Start(w.handlers(w.shelf, sess.shelfGen, func() { w.reloadShelf(sess) }))
	return err
}

// mutation tracks one optimistic change across the streams that show the row.
type mutation struct {
	c *reconcile.Collection[parcel.Package]
	m *reconcile.Mutation[parcel.Package]
}

type mutations []mutation

func (ms mutations) confirm(server parcel.Package) {
	for _, x := range ms {
		x.c.Confirm(x.m, server)
	}
}

func (ms mutations) fail() {
	for _, x := range ms {
		x.c.Fail(x.m)
	}
}

// beginPackage applies row optimistically to every stream that shows, or
// showed, the package. Pass deleted to remove it everywhere.
func (w *Workspace) beginPackage(sess session, row parcel.Package, deleted bool) (mutations, error) {
	streams := []struct {
		c    *reconcile.Collection[parcel.Package]
		gen  reconcile.Generation
		keep bool
	}{
		{w.review, sess.reviewGen, !deleted},
		{w.shelf, sess.shelfGen, !deleted && sess.shelfCode != "" && row.Location == sess.shelfCode},
	}
	var ms mutations
	for _, s := range streams {
		_, present := s.c.Get(row.ID)
		var kind reconcile.Kind
		switch {
		case present && s.keep:
			kind = reconcile.KindUpdate
		case present:
			kind = reconcile.KindDelete
		case s.keep:
			kind = reconcile.KindInsert
		default:
			continue
		}
		m, err := s.c.Begin(s.gen, kind, row)
		if err != nil {
			ms.fail()
			return nil, err
		}
		ms = append(ms, mutation{c: s.c, m: m})
	}
	return ms, nil
}

// Shelve records number as stored at code.
func (w *Workspace) Shelve(ctx context.Context, code, number string) (parcel.Package, error) {
	number = trim(number)
	if number == "" {
		return parcel.Package{}, fmt.Errorf("%w: empty package number", ErrInvalid)
	}
	w.opMu.Lock()
	err := w.openLocation(ctx, code)
	w.opMu.Unlock()
	if err != nil {
		return parcel.Package{}, err
	}
	sess, id, err := w.current()
	if err != nil {
		return parcel.Package{}, err
	}

	now := w.now()
	pkg := parcel.Package{
		ID:             newLocalID(),
		PackageNumber:  number,
		Location:       code,
		PackageStatus:  parcel.StatusInWarehouse,
		ShelvingTime:   &now,
		LastModifiedBy: id.Username,
		City:           sess.city,
		CreatedAt:      now,
	}
	ms, err := w.beginPackage(sess, pkg, false)
	if err != nil {
		return parcel.Package{}, err
	}
	saved, err := sess.guard.InsertPackage(ctx, pkg)
	if err != nil {
		ms.fail()
		w.logger.Warnw("shelve failed", "package", number, "location", code, "err", err)
		return parcel.Package{}, err
	}
	ms.confirm(saved)
	w.logger.Debugw("package shelved", "package", number, "location", code, "id", saved.ID)
	return saved, nil
}

// updatePackage applies patch to a cached package optimistically and on the store.
func (w *Workspace) updatePackage(ctx context.Context, sess session, pkg parcel.Package, patch parcel.Patch) (parcel.Package, error) {
	next := patch.Apply(pkg)
	if err := next.Validate(); err != nil {
		return parcel.Package{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	ms, err := w.beginPackage(sess, next, false)
	if err != nil {
		return parcel.Package{}, err
	}
	saved, err := sess.guard.UpdatePackage(ctx, sess.city, pkg.ID, patch)
	if err != nil {
		ms.fail()
		return parcel.Package{}, err
	}
	ms.confirm(saved)
	return saved, nil
}

func (w *Workspace) lookup(id string) (parcel.Package, error) {
	if p, ok := w.review.Get(id); ok {
		return p, nil
	}
	if p, ok := w.shelf.Get(id); ok {
		return p, nil
	}
	return parcel.Package{}, fmt.Errorf("%w: package %s", gateway.ErrNotFound, id)
}

// IssueInstruction marks the packages pending removal with instr. Every
// package is attempted; failures are joined.
func (w *Workspace) IssueInstruction(ctx context.Context, ids []string, instr parcel.Instruction) ([]parcel.Package, error) {
	sess, id, err := w.current()
	if err != nil {
		return nil, err
	}
	if err := requireRole(id, entity.RoleManager, "issue instruction"); err != nil {
		return nil, err
	}
	if !instr.Valid() {
		return nil, fmt.Errorf("%w: unknown instruction %q", ErrInvalid, instr)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no packages selected", ErrInvalid)
	}

	now := w.now()
	status := parcel.StatusPendingRemoval
	patch := parcel.Patch{
		PackageStatus:   &status,
		CustomerService: &instr,
		InstructionTime: &now,
		LastModifiedBy:  &id.Username,
	}
	out := make([]parcel.Package, len(ids))
	errs := make([]error, len(ids))
	var g errgroup.Group
	g.SetLimit(4)
	for i, pid := range ids {
		g.Go(func() error {
			pkg, err := w.lookup(pid)
			if err == nil {
				out[i], err = w.updatePackage(ctx, sess, pkg, patch)
			}
			if err != nil {
				errs[i] = fmt.Errorf("package %s: %w", pid, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	updated := out[:0]
	for i, p := range out {
		if errs[i] == nil {
			updated = append(updated, p)
		}
	}
	return updated, errors.Join(errs...)
}

// Unshelve records a scanned package as removed. Only packages pending
// removal match; anything else is ErrNoMatch and changes nothing.
func (w *Workspace) Unshelve(ctx context.Context, number string) (parcel.Package, error) {
	number = trim(number)
	if number == "" {
		return parcel.Package{}, fmt.Errorf("%w: empty package number", ErrInvalid)
	}
	sess, id, err := w.current()
	if err != nil {
		return parcel.Package{}, err
	}

	pkg, ok := pendingRemoval(w.review.FindByKey(number))
	if !ok {
		// the cache may be behind while stale; ask the store
		rows, err := sess.guard.ListPackages(ctx, gateway.PackageQuery{City: sess.city, Status: parcel.StatusPendingRemoval})
		if err != nil {
			return parcel.Package{}, err
		}
		var matches []parcel.Package
		for _, p := range rows {
			if p.PackageNumber == number {
				matches = append(matches, p)
			}
		}
		if pkg, ok = pendingRemoval(matches); !ok {
			return parcel.Package{}, fmt.Errorf("%w: %s", ErrNoMatch, number)
		}
	}

	now := w.now()
	status := parcel.StatusRemoved
	saved, err := w.updatePackage(ctx, sess, pkg, parcel.Patch{
		PackageStatus:  &status,
		UnshelvingTime: &now,
		LastModifiedBy: &id.Username,
	})
	if err != nil {
		return parcel.Package{}, err
	}
	w.logger.Debugw("package unshelved", "package", number, "id", saved.ID)
	return saved, nil
}

func pendingRemoval(rows []parcel.Package) (parcel.Package, bool) {
	for _, p := range rows {
		if p.PackageStatus == parcel.StatusPendingRemoval {
			return p, true
		}
	}
	return parcel.Package{}, false
}

// PackageEdit is an admin correction of one package.
type PackageEdit struct {
	Location         *string             `json:"location,omitempty"`
	Status           *parcel.Status      `json:"package_status,omitempty"`
	Instruction      *parcel.Instruction `json:"customer_service,omitempty"`
	ClearInstruction bool                `json:"clear_instruction,omitempty"`
}

// patchFor turns an edit into a patch that keeps status and timestamps consistent.
func (w *Workspace) patchFor(pkg parcel.Package, e PackageEdit, by string) (parcel.Patch, error) {
	patch := parcel.Patch{LastModifiedBy: &by}
	now := w.now()
	if e.Location != nil {
		code := trim(*e.Location)
		if len(w.locations.FindByKey(code)) == 0 {
			return parcel.Patch{}, fmt.Errorf("%w: unknown location %q", ErrInvalid, code)
		}
		patch.Location = &code
	}
	if e.Instruction != nil {
		if !e.Instruction.Valid() {
			return parcel.Patch{}, fmt.Errorf("%w: unknown instruction %q", ErrInvalid, *e.Instruction)
		}
		patch.CustomerService = e.Instruction
		if pkg.InstructionValue() != *e.Instruction {
			patch.InstructionTime = &now
		}
	}
	patch.ClearInstruction = e.ClearInstruction && e.Instruction == nil
	if e.Status != nil {
		if !e.Status.Valid() {
			return parcel.Patch{}, fmt.Errorf("%w: unknown status %q", ErrInvalid, *e.Status)
		}
		patch.PackageStatus = e.Status
		switch *e.Status {
		case parcel.StatusPendingRemoval:
			if pkg.InstructionTime == nil && patch.InstructionTime == nil {
				patch.InstructionTime = &now
			}
		case parcel.StatusRemoved:
			if pkg.UnshelvingTime == nil {
				patch.UnshelvingTime = &now
			}
		}
	}
	if patch.Location == nil && patch.PackageStatus == nil && patch.CustomerService == nil && !patch.ClearInstruction {
		return parcel.Patch{}, fmt.Errorf("%w: nothing to change", ErrInvalid)
	}
	return patch, nil
}

// UpdatePackage applies an edit. The result must satisfy the status and
// timestamp invariant, otherwise ErrInvalid.
func (w *Workspace) UpdatePackage(ctx context.Context, pid string, e PackageEdit) (parcel.Package, error) {
	sess, id, err := w.current()
	if err != nil {
		return parcel.Package{}, err
	}
	if err := requireRole(id, entity.RoleManager, "edit package"); err != nil {
		return parcel.Package{}, err
	}
	pkg, err := w.lookup(pid)
	if err != nil {
		return parcel.Package{}, err
	}
	patch, err := w.patchFor(pkg, e, id.Username)
	if err != nil {
		return parcel.Package{}, err
	}
	return w.updatePackage(ctx, sess, pkg, patch)
}

// DeletePackages removes packages. Ids that are already gone count as deleted.
func (w *Workspace) DeletePackages(ctx context.Context, ids []string) (int, error) {
	sess, id, err := w.current()
	if err != nil {
		return 0, err
	}
	if err := requireRole(id, entity.RoleAdmin, "delete packages"); err != nil {
		return 0, err
	}
	var deleted atomic.Int32
	errs := make([]error, len(ids))
	var g errgroup.Group
	g.SetLimit(4)
	for i, pid := range ids {
		g.Go(func() error {
			pkg, ok := w.review.Get(pid)
			if !ok {
				pkg = parcel.Package{ID: pid, City: sess.city}
			}
			ms, err := w.beginPackage(sess, pkg, true)
			if err != nil {
				errs[i] = err
				return nil
			}
			err = sess.guard.DeletePackage(ctx, sess.city, pid)
			if err != nil && !errors.Is(err, gateway.ErrNotFound) {
				ms.fail()
				errs[i] = fmt.Errorf("package %s: %w", pid, err)
				return nil
			}
			ms.confirm(pkg)
			deleted.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(deleted.Load()), errors.Join(errs...)
}

func trim(s string) string { return strings.TrimSpace(s) }

var newLocalID = utilities.NewLocalID
