package repo

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// RefreshSession is a persisted refresh token. Only the token hash is stored.
type RefreshSession struct {
	ID        string    `db:"id"`
	TokenHash string    `db:"token_hash"`
	UserID    string    `db:"user_id"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
}

type RefreshRepo struct {
	db *sqlx.DB
}

func NewRefreshRepo(db *sqlx.DB) *RefreshRepo {
	return &RefreshRepo{db: db}
}

func (r *RefreshRepo) Save(ctx context.Context, s *RefreshSession) error {
	const q = `INSERT INTO refresh_sessions (id, token_hash, user_id, expires_at, created_at)
		VALUES (:id, :token_hash, :user_id, :expires_at, :created_at)`
	_, err := r.db.NamedExecContext(ctx, q, s)
	return err
}

// Get returns the session for hash or sql.ErrNoRows.
func (r *RefreshRepo) Get(ctx context.Context, hash string) (*RefreshSession, error) {
	var s RefreshSession
	q := r.db.Rebind(`SELECT id, token_hash, user_id, expires_at, created_at FROM refresh_sessions WHERE token_hash=?`)
	if err := r.db.GetContext(ctx, &s, q, hash); err != nil {
		return nil, err
	}
	return &s, nil
}

// Delete removes the session for hash and reports whether it existed.
func (r *RefreshRepo) Delete(ctx context.Context, hash string) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM refresh_sessions WHERE token_hash=?`), hash)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *RefreshRepo) DeleteUser(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM refresh_sessions WHERE user_id=?`), userID)
	return err
}

func (r *RefreshRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM refresh_sessions WHERE expires_at < ?`), now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
