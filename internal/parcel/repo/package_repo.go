package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/gateway"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/parcel/entity"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/pkg/utilities"
)

const columns = `id, package_number, location, package_status, customer_service,
	shelving_time, instruction_time, unshelving_time, last_modified_by, city, created_at`

// Repo provides data access for the packages table using sqlx.
type Repo struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewRepo(db *sqlx.DB) *Repo { return &Repo{db: db, now: time.Now} }

var _ gateway.PackageStore = (*Repo)(nil)

// ListPackages returns matching packages, newest first.
func (r *Repo) ListPackages(ctx context.Context, f gateway.PackageQuery) ([]entity.Package, error) {
	where := []string{"city=?"}
	args := []any{f.City}
	if f.Location != "" {
		where = append(where, "location=?")
		args = append(args, f.Location)
	}
	if f.Status != "" {
		where = append(where, "package_status=?")
		args = append(args, string(f.Status))
	}
	q := r.db.Rebind(`SELECT ` + columns + ` FROM packages WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id DESC`)
	out := make([]entity.Package, 0)
	if err := r.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, err
	}
	return out, nil
}

// InsertPackage assigns id and created_at and stores the row.
func (r *Repo) InsertPackage(ctx context.Context, p entity.Package) (entity.Package, error) {
	p.ID = utilities.NewSnowflakeID()
	p.CreatedAt = r.now().UTC()
	const q = `INSERT INTO packages (` + columns + `)
		VALUES (:id, :package_number, :location, :package_status, :customer_service,
		:shelving_time, :instruction_time, :unshelving_time, :last_modified_by, :city, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, q, p); err != nil {
		return entity.Package{}, err
	}
	return p, nil
}

// UpdatePackage applies the patch and returns the stored row.
func (r *Repo) UpdatePackage(ctx context.Context, city, id string, patch entity.Patch) (entity.Package, error) {
	cols := patch.Columns()
	if len(cols) == 0 {
		return r.get(ctx, city, id)
	}
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)
	sets := make([]string, 0, len(names))
	args := make([]any, 0, len(names)+2)
	for _, name := range names {
		sets = append(sets, name+"=?")
		args = append(args, cols[name])
	}
	args = append(args, id, city)

	q := r.db.Rebind(`UPDATE packages SET ` + strings.Join(sets, ", ") + ` WHERE id=? AND city=? RETURNING ` + columns)
	var out entity.Package
	if err := r.db.GetContext(ctx, &out, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entity.Package{}, fmt.Errorf("%w: package %s", gateway.ErrNotFound, id)
		}
		return entity.Package{}, err
	}
	return out, nil
}

func (r *Repo) get(ctx context.Context, city, id string) (entity.Package, error) {
	var out entity.Package
	q := r.db.Rebind(`SELECT ` + columns + ` FROM packages WHERE id=? AND city=?`)
	if err := r.db.GetContext(ctx, &out, q, id, city); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entity.Package{}, fmt.Errorf("%w: package %s", gateway.ErrNotFound, id)
		}
		return entity.Package{}, err
	}
	return out, nil
}

func (r *Repo) DeletePackage(ctx context.Context, city, id string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM packages WHERE id=? AND city=?`), id, city)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: package %s", gateway.ErrNotFound, id)
	}
	return nil
}

func (r *Repo) CountPackagesAtLocation(ctx context.Context, city, code string) (int, error) {
	var n int
	q := r.db.Rebind(`SELECT COUNT(*) FROM packages WHERE city=? AND location=?`)
	if err := r.db.GetContext(ctx, &n, q, city, code); err != nil {
		return 0, err
	}
	return n, nil
}

// DeletePackagesAtLocation removes every package under code and returns their ids.
func (r *Repo) DeletePackagesAtLocation(ctx context.Context, city, code string) ([]string, error) {
	ids := make([]string, 0)
	q := r.db.Rebind(`DELETE FROM packages WHERE city=? AND location=? RETURNING id`)
	if err := r.db.SelectContext(ctx, &ids, q, city, code); err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}
