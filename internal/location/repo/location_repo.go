package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/gateway"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/location/entity"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/pkg/database"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/pkg/utilities"
)

// Repo provides data access for the locations table using sqlx.
type Repo struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewRepo(db *sqlx.DB) *Repo { return &Repo{db: db, now: time.Now} }

var _ gateway.LocationStore = (*Repo)(nil)

func mapErr(err error, code string) error {
	if err == nil {
		return nil
	}
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("%w: location %q already exists", gateway.ErrConflict, code)
	}
	return err
}

// ListLocations returns the city's locations, oldest first.
func (r *Repo) ListLocations(ctx context.Context, city string) ([]entity.Location, error) {
	q := r.db.Rebind(`SELECT id, code, city, created_at FROM locations WHERE city=? ORDER BY created_at ASC, id ASC`)
	out := make([]entity.Location, 0)
	if err := r.db.SelectContext(ctx, &out, q, city); err != nil {
		return nil, err
	}
	return out, nil
}

// InsertLocation assigns id and created_at and stores the row.
func (r *Repo) InsertLocation(ctx context.Context, loc entity.Location) (entity.Location, error) {
	loc.ID = utilities.NewSnowflakeID()
	loc.CreatedAt = r.now().UTC()
	const q = `INSERT INTO locations (id, code, city, created_at) VALUES (:id, :code, :city, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, q, loc); err != nil {
		return entity.Location{}, mapErr(err, loc.Code)
	}
	return loc, nil
}

// RenameLocation updates the code and moves the packages shelved under the
// old code in the same transaction.
func (r *Repo) RenameLocation(ctx context.Context, city, id, code string) (entity.Location, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return entity.Location{}, err
	}
	defer tx.Rollback()

	var loc entity.Location
	q := tx.Rebind(`SELECT id, code, city, created_at FROM locations WHERE id=? AND city=?`)
	if err := tx.GetContext(ctx, &loc, q, id, city); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entity.Location{}, fmt.Errorf("%w: location %s", gateway.ErrNotFound, id)
		}
		return entity.Location{}, err
	}
	if loc.Code == code {
		return loc, nil
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE locations SET code=? WHERE id=?`), code, id); err != nil {
		return entity.Location{}, mapErr(err, code)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE packages SET location=? WHERE city=? AND location=?`), code, city, loc.Code); err != nil {
		return entity.Location{}, err
	}
	if err := tx.Commit(); err != nil {
		return entity.Location{}, err
	}
	loc.Code = code
	return loc, nil
}

// DeleteLocation removes one location. Its packages are removed separately
// with DeletePackagesAtLocation.
func (r *Repo) DeleteLocation(ctx context.Context, city, id string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM locations WHERE id=? AND city=?`), id, city)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: location %s", gateway.ErrNotFound, id)
	}
	return nil
}
