package warehouse

import (
	"context"
	"errors"
	"fmt"

	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/gateway"
	location "github.com/ovaphlow/pitchfork/service-warehouse-go/internal/location/entity"
	parcel "github.com/ovaphlow/pitchfork/service-warehouse-go/internal/parcel/entity"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/profile/entity"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/reconcile"
)

// AddLocation creates a storage location in the active city.
func (w *Workspace) AddLocation(ctx context.Context, code string) (location.Location, error) {
	sess, id, err := w.current()
	if err != nil {
		return location.Location{}, err
	}
	if err := requireRole(id, entity.RoleManager, "add location"); err != nil {
		return location.Location{}, err
	}
	code = trim(code)
	if code == "" {
		return location.Location{}, fmt.Errorf("%w: empty location code", ErrInvalid)
	}
	if len(w.locations.FindByKey(code)) > 0 {
		return location.Location{}, fmt.Errorf("%w: location %q already exists", gateway.ErrConflict, code)
	}

	loc := location.Location{ID: newLocalID(), Code: code, City: sess.city, CreatedAt: w.now()}
	m, err := w.locations.Begin(sess.locGen, reconcile.KindInsert, loc)
	if err != nil {
		return location.Location{}, err
	}
	saved, err := sess.guard.InsertLocation(ctx, loc)
	if err != nil {
		w.locations.Fail(m)
		return location.Location{}, err
	}
	w.locations.Confirm(m, saved)
	w.logger.Infow("location added", "city", sess.city, "code", code, "id", saved.ID)
	return saved, nil
}

func (w *Workspace) findLocation(id string) (location.Location, error) {
	loc, ok := w.locations.Get(id)
	if !ok {
		return location.Location{}, fmt.Errorf("%w: location %s", gateway.ErrNotFound, id)
	}
	return loc, nil
}

// RenameLocation changes a location code. The store moves the packages
// along; their updates arrive through the feed. An open shelf on the old
// code follows the rename.
func (w *Workspace) RenameLocation(ctx context.Context, locID, code string) (location.Location, error) {
	sess, id, err := w.current()
	if err != nil {
		return location.Location{}, err
	}
	if err := requireRole(id, entity.RoleAdmin, "rename location"); err != nil {
		return location.Location{}, err
	}
	code = trim(code)
	if code == "" {
		return location.Location{}, fmt.Errorf("%w: empty location code", ErrInvalid)
	}
	old, err := w.findLocation(locID)
	if err != nil {
		return location.Location{}, err
	}
	if old.Code == code {
		return old, nil
	}
	if len(w.locations.FindByKey(code)) > 0 {
		return location.Location{}, fmt.Errorf("%w: location %q already exists", gateway.ErrConflict, code)
	}

	next := old
	next.Code = code
	m, err := w.locations.Begin(sess.locGen, reconcile.KindUpdate, next)
	if err != nil {
		return location.Location{}, err
	}
	saved, err := sess.guard.RenameLocation(ctx, sess.city, locID, code)
	if err != nil {
		w.locations.Fail(m)
		return location.Location{}, err
	}
	w.locations.Confirm(m, saved)

	if sess.shelfCode == old.Code {
		w.opMu.Lock()
		err = w.openLocation(ctx, code)
		w.opMu.Unlock()
		if err != nil {
			w.logger.Warnw("reopen renamed shelf", "code", code, "err", err)
		}
	}
	w.logger.Infow("location renamed", "city", sess.city, "from", old.Code, "to", code)
	return saved, nil
}

// DeleteImpact is what deleting a location would remove.
type DeleteImpact struct {
	Location location.Location `json:"location"`
	Packages int               `json:"packages"`
}

// PreviewLocationDelete counts the packages a delete would cascade to.
func (w *Workspace) PreviewLocationDelete(ctx context.Context, locID string) (DeleteImpact, error) {
	sess, _, err := w.current()
	if err != nil {
		return DeleteImpact{}, err
	}
	loc, err := w.findLocation(locID)
	if err != nil {
		return DeleteImpact{}, err
	}
	n, err := sess.guard.CountPackagesAtLocation(ctx, sess.city, loc.Code)
	if err != nil {
		return DeleteImpact{}, err
	}
	return DeleteImpact{Location: loc, Packages: n}, nil
}

// DeleteReport is the outcome of a cascading location delete.
type DeleteReport struct {
	Locations int      `json:"locations"`
	Packages  int      `json:"packages"`
	IDs       []string `json:"package_ids"`
}

func (r DeleteReport) String() string {
	return fmt.Sprintf("deleted %s and %s", plural(r.Locations, "location"), plural(r.Packages, "package"))
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}

// DeleteLocation removes a location and every package stored under it.
// Packages go first; if the location delete then fails the packages stay
// deleted and the location is restored.
func (w *Workspace) DeleteLocation(ctx context.Context, locID string) (DeleteReport, error) {
	sess, id, err := w.current()
	if err != nil {
		return DeleteReport{}, err
	}
	if err := requireRole(id, entity.RoleAdmin, "delete location"); err != nil {
		return DeleteReport{}, err
	}
	loc, err := w.findLocation(locID)
	if err != nil {
		return DeleteReport{}, err
	}

	lm, err := w.locations.Begin(sess.locGen, reconcile.KindDelete, loc)
	if err != nil {
		return DeleteReport{}, err
	}
	var pms mutations
	for _, p := range w.review.Snapshot() {
		if p.Location != loc.Code {
			continue
		}
		ms, err := w.beginPackage(sess, p, true)
		if err != nil {
			pms.fail()
			w.locations.Fail(lm)
			return DeleteReport{}, err
		}
		pms = append(pms, ms...)
	}

	ids, err := sess.guard.DeletePackagesAtLocation(ctx, sess.city, loc.Code)
	if err != nil {
		pms.fail()
		w.locations.Fail(lm)
		return DeleteReport{}, err
	}
	pms.confirm(parcel.Package{})

	report := DeleteReport{Packages: len(ids), IDs: ids}
	err = sess.guard.DeleteLocation(ctx, sess.city, locID)
	switch {
	case err == nil, errors.Is(err, gateway.ErrNotFound):
		w.locations.Confirm(lm, loc)
		report.Locations = 1
	default:
		w.locations.Fail(lm)
		return report, fmt.Errorf("%s, location kept: %w", report, err)
	}
	w.logger.Infow(report.String(), "city", sess.city, "code", loc.Code)
	return report, nil
}
