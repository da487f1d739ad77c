package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-warehouse-go/pkg/database"
)

func newSessions(t *testing.T, ttl time.Duration) *Sessions {
	t.Helper()
	db, err := database.Connect(database.Config{DSN: "sqlite://:memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.EnsureSchema(context.Background(), db, "warehouse_changes"))
	return NewSessions(db, ttl, nil)
}

func TestRotateIsSingleUse(t *testing.T) {
	ctx := context.Background()
	s := newSessions(t, time.Hour)

	first, exp, err := s.Start(ctx, "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, first)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	user, second, _, err := s.Rotate(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "u1", user)
	assert.NotEqual(t, first, second)

	_, _, _, err = s.Rotate(ctx, first)
	assert.ErrorIs(t, err, ErrInvalidRefresh)

	user, err = s.Revoke(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, "u1", user)
	_, _, _, err = s.Rotate(ctx, second)
	assert.ErrorIs(t, err, ErrInvalidRefresh)

	_, _, _, err = s.Rotate(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidRefresh)

	user, err = s.Revoke(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, user)
}

func TestExpiredRefreshRejected(t *testing.T) {
	ctx := context.Background()
	s := newSessions(t, time.Hour)
	s.now = func() time.Time { return time.Now().Add(-3 * time.Hour) }
	old, _, err := s.Start(ctx, "u1")
	require.NoError(t, err)
	s.now = time.Now

	_, _, _, err = s.Rotate(ctx, old)
	assert.ErrorIs(t, err, ErrInvalidRefresh)
}

func TestRevokeUserAndPrune(t *testing.T) {
	ctx := context.Background()
	s := newSessions(t, time.Hour)

	a, _, err := s.Start(ctx, "u1")
	require.NoError(t, err)
	b, _, err := s.Start(ctx, "u1")
	require.NoError(t, err)
	keep, _, err := s.Start(ctx, "u2")
	require.NoError(t, err)

	require.NoError(t, s.RevokeUser(ctx, "u1"))
	for _, tok := range []string{a, b} {
		_, _, _, err = s.Rotate(ctx, tok)
		assert.ErrorIs(t, err, ErrInvalidRefresh)
	}

	s.now = func() time.Time { return time.Now().Add(-3 * time.Hour) }
	_, _, err = s.Start(ctx, "u3")
	require.NoError(t, err)
	s.now = time.Now

	n, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	user, _, _, err := s.Rotate(ctx, keep)
	require.NoError(t, err)
	assert.Equal(t, "u2", user)
}
