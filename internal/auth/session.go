package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	authrepo "github.com/ovaphlow/pitchfork/service-warehouse-go/internal/auth/repo"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/pkg/utilities"
)

var ErrInvalidRefresh = errors.New("invalid refresh token")

// Sessions hands out opaque refresh tokens. A token is single use: Rotate
// deletes it and issues a new one.
type Sessions struct {
	repo   *authrepo.RefreshRepo
	ttl    time.Duration
	now    func() time.Time
	logger *zap.SugaredLogger
}

func NewSessions(db *sqlx.DB, ttl time.Duration, logger *zap.SugaredLogger) *Sessions {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Sessions{repo: authrepo.NewRefreshRepo(db), ttl: ttl, now: time.Now, logger: logger}
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// Start stores a new refresh session for userID and returns its token.
func (s *Sessions) Start(ctx context.Context, userID string) (string, time.Time, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, err
	}
	token := base64.RawURLEncoding.EncodeToString(buf)
	now := s.now().UTC()
	rs := &authrepo.RefreshSession{
		ID:        utilities.NewKSUID(),
		TokenHash: hashToken(token),
		UserID:    userID,
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}
	if err := s.repo.Save(ctx, rs); err != nil {
		return "", time.Time{}, fmt.Errorf("save refresh session: %w", err)
	}
	return token, rs.ExpiresAt, nil
}

// Rotate consumes token and starts a fresh session for the same user.
func (s *Sessions) Rotate(ctx context.Context, token string) (userID, next string, exp time.Time, err error) {
	if token == "" {
		return "", "", time.Time{}, ErrInvalidRefresh
	}
	hash := hashToken(token)
	rs, err := s.repo.Get(ctx, hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", time.Time{}, ErrInvalidRefresh
		}
		return "", "", time.Time{}, err
	}
	// a concurrent rotation of the same token loses here
	ok, err := s.repo.Delete(ctx, hash)
	if err != nil {
		return "", "", time.Time{}, err
	}
	if !ok || rs.ExpiresAt.Before(s.now()) {
		return "", "", time.Time{}, ErrInvalidRefresh
	}
	next, exp, err = s.Start(ctx, rs.UserID)
	if err != nil {
		return "", "", time.Time{}, err
	}
	return rs.UserID, next, exp, nil
}

// Revoke ends the session of token and returns its user. Unknown tokens
// are ignored and yield an empty user id.
func (s *Sessions) Revoke(ctx context.Context, token string) (string, error) {
	hash := hashToken(token)
	rs, err := s.repo.Get(ctx, hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	if _, err := s.repo.Delete(ctx, hash); err != nil {
		return "", err
	}
	return rs.UserID, nil
}

// RevokeUser ends every session of userID, e.g. after disabling the profile.
func (s *Sessions) RevokeUser(ctx context.Context, userID string) error {
	return s.repo.DeleteUser(ctx, userID)
}

// Prune drops expired sessions.
func (s *Sessions) Prune(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpired(ctx, s.now().UTC())
	if err == nil && n > 0 {
		s.logger.Debugw("pruned refresh sessions", "count", n)
	}
	return n, err
}
