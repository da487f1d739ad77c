package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/profile/entity"
)

const secret = "test-secret-0123456789"

type identities map[string]entity.Identity

func (m identities) Identity(_ context.Context, userID string) (entity.Identity, error) {
	id, ok := m[userID]
	if !ok {
		return entity.Identity{}, errors.New("inactive")
	}
	return id, nil
}

func TestIssueAndVerify(t *testing.T) {
	tokens, err := NewTokens(secret, "warehouse-api", time.Hour)
	require.NoError(t, err)

	tok, exp, err := tokens.Issue(entity.Identity{UserID: "u1", Role: entity.RoleManager})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	claims, err := tokens.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, entity.RoleManager, claims.Role)

	other, err := NewTokens("another-secret-0123456789", "warehouse-api", time.Hour)
	require.NoError(t, err)
	_, err = other.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestExpiredToken(t *testing.T) {
	tokens, err := NewTokens(secret, "warehouse-api", time.Minute)
	require.NoError(t, err)
	tokens.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	tok, _, err := tokens.Issue(entity.Identity{UserID: "u1"})
	require.NoError(t, err)
	tokens.now = time.Now
	_, err = tokens.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestShortSecretRejected(t *testing.T) {
	_, err := NewTokens("short", "x", time.Hour)
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	tokens, err := NewTokens(secret, "warehouse-api", time.Hour)
	require.NoError(t, err)
	src := identities{
		"u1": {UserID: "u1", Role: entity.RoleUser, Cities: []string{"MIA"}},
		"a1": {UserID: "a1", Role: entity.RoleAdmin, Cities: []string{"MIA"}},
	}
	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFromContext(r.Context())
		require.True(t, ok)
		w.Header().Set("X-User", id.UserID)
		w.WriteHeader(http.StatusNoContent)
	})
	h := RequireAuth(tokens, src, zap.NewNop().Sugar())(RequireRole(entity.RoleAdmin)(final))

	call := func(userID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodDelete, "/returns", nil)
		if userID != "" {
			tok, _, err := tokens.Issue(entity.Identity{UserID: userID})
			require.NoError(t, err)
			req.Header.Set("Authorization", "Bearer "+tok)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, call("").Code)
	assert.Equal(t, http.StatusUnauthorized, call("gone").Code)
	assert.Equal(t, http.StatusForbidden, call("u1").Code)
	rec := call("a1")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "a1", rec.Header().Get("X-User"))
}
