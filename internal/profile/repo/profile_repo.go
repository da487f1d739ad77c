package repo

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/profile/entity"
)

const columns = `id, email, username, password_hash, role, cities, current_city, is_active, created_at, updated_at`

// ProfileRepo provides data access for the profiles table using sqlx.
type ProfileRepo struct {
	db *sqlx.DB
}

func NewProfileRepo(db *sqlx.DB) *ProfileRepo { return &ProfileRepo{db: db} }

// Create inserts a new profile row. ID and CreatedAt must already be set.
func (r *ProfileRepo) Create(ctx context.Context, p *entity.Profile) error {
	const q = `INSERT INTO profiles (` + columns + `)
		VALUES (:id, :email, :username, :password_hash, :role, :cities, :current_city, :is_active, :created_at, :updated_at)`
	_, err := r.db.NamedExecContext(ctx, q, p)
	return err
}

// GetByEmail returns a profile matched by email or sql.ErrNoRows.
func (r *ProfileRepo) GetByEmail(ctx context.Context, email string) (*entity.Profile, error) {
	var row entity.Profile
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+columns+` FROM profiles WHERE lower(email)=lower(?)`), email); err != nil {
		return nil, err
	}
	return &row, nil
}

// GetByUsername fetches by username.
func (r *ProfileRepo) GetByUsername(ctx context.Context, username string) (*entity.Profile, error) {
	var row entity.Profile
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+columns+` FROM profiles WHERE username=?`), username); err != nil {
		return nil, err
	}
	return &row, nil
}

// GetByID fetches a full profile row.
func (r *ProfileRepo) GetByID(ctx context.Context, id string) (*entity.Profile, error) {
	var row entity.Profile
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+columns+` FROM profiles WHERE id=?`), id); err != nil {
		return nil, err
	}
	return &row, nil
}

// UpdateCurrentCity remembers the last scope the user worked in.
func (r *ProfileRepo) UpdateCurrentCity(ctx context.Context, id, city string) error {
	q := r.db.Rebind(`UPDATE profiles SET current_city=?, updated_at=? WHERE id=?`)
	_, err := r.db.ExecContext(ctx, q, city, time.Now().UTC(), id)
	return err
}

// List returns every profile, oldest first.
func (r *ProfileRepo) List(ctx context.Context) ([]entity.Profile, error) {
	var rows []entity.Profile
	if err := r.db.SelectContext(ctx, &rows, `SELECT `+columns+` FROM profiles ORDER BY created_at ASC, id ASC`); err != nil {
		return nil, err
	}
	return rows, nil
}

// Update sets the given columns and updated_at. Returns sql.ErrNoRows when
// the profile does not exist.
func (r *ProfileRepo) Update(ctx context.Context, id string, set map[string]any) error {
	cols := make([]string, 0, len(set))
	for col := range set {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	parts := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+2)
	for _, col := range cols {
		parts = append(parts, col+"=?")
		args = append(args, set[col])
	}
	parts = append(parts, "updated_at=?")
	args = append(args, time.Now().UTC(), id)
	q := r.db.Rebind(`UPDATE profiles SET ` + strings.Join(parts, ", ") + ` WHERE id=?`)
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	return affected(res)
}

// Delete removes a profile. Returns sql.ErrNoRows when it does not exist.
func (r *ProfileRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM profiles WHERE id=?`), id)
	if err != nil {
		return err
	}
	return affected(res)
}

func affected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
