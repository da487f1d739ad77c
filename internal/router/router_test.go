package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/auth"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/feed"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/gateway"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/profile"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/profile/entity"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/warehouse"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/pkg/database"
)

const base = "/warehouse-api"

type server struct {
	http.Handler
	ready    error
	reg      *warehouse.Registry
	profiles *profile.Service
}

func newServer(t *testing.T) *server {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop().Sugar()

	db, err := database.Connect(database.Config{DSN: "sqlite://:memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.EnsureSchema(ctx, db, "warehouse_changes"))

	profiles := profile.NewService(db, []string{"MIA", "TPA"}, profile.BcryptHasher{Cost: bcrypt.MinCost}, logger)
	_, err = profiles.Create(ctx, profile.NewProfile{
		Email: "ana@example.com", Username: "ana", Password: "pw",
		Role: entity.RoleManager, Cities: []string{"MIA"},
	})
	require.NoError(t, err)
	_, err = profiles.Create(ctx, profile.NewProfile{
		Email: "root@example.com", Username: "root", Password: "pw",
		Role: entity.RoleAdmin, Cities: []string{"MIA", "TPA"},
	})
	require.NoError(t, err)

	tokens, err := auth.NewTokens("router-secret-0123456789", "warehouse-api", time.Hour)
	require.NoError(t, err)
	m := metrics.New()
	hub := feed.NewHub()
	reg := warehouse.NewRegistry(warehouse.Deps{
		Store:    gateway.Notify(gateway.NewMemory(), hub, logger),
		Source:   hub,
		Profiles: profiles,
		Observer: m,
		OnStatus: m.FeedStatus,
		Logger:   logger,
	}, m)
	t.Cleanup(reg.Close)

	s := &server{reg: reg, profiles: profiles}
	s.Handler = New(Options{
		BasePath:       base,
		AllowedOrigins: []string{"https://station.example.com"},
		Logger:         logger,
		Metrics:        m,
		Tokens:         tokens,
		Sessions:       auth.NewSessions(db, 24*time.Hour, logger),
		Profiles:       profiles,
		Warehouse:      warehouse.NewHandler(reg, time.UTC, logger),
		OnSignOut:      reg.Drop,
		Ready:          func() error { return s.ready },
	})
	return s
}

func (s *server) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndHeaders(t *testing.T) {
	s := newServer(t)
	rec := s.do(t, http.MethodGet, base+"/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))

	s.ready = errors.New("db down")
	assert.Equal(t, http.StatusServiceUnavailable, s.do(t, http.MethodGet, base+"/health", "", nil).Code)
}

func TestLoginThenWorkspace(t *testing.T) {
	s := newServer(t)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, base+"/status", "", nil).Code)

	rec := s.do(t, http.MethodPost, base+"/auth/login", "", map[string]string{"identifier": "ana", "password": "pw"})
	require.Equal(t, http.StatusOK, rec.Code)
	var login profile.LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))

	rec = s.do(t, http.MethodGet, base+"/scope", login.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var scope struct {
		City string `json:"city"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &scope))
	assert.Equal(t, "MIA", scope.City)

	assert.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, base+"/locations", login.Token, map[string]string{"code": "A-01"}).Code)
	assert.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, base+"/shelving/A-01/packages", login.Token, map[string]string{"package_number": "PKG-1"}).Code)

	rec = s.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "warehouse_workspaces_open 1")
	assert.Contains(t, rec.Body.String(), "warehouse_http_request_duration_seconds")
}

func TestCORSPreflight(t *testing.T) {
	s := newServer(t)
	req := httptest.NewRequest(http.MethodOptions, base+"/locations", nil)
	req.Header.Set("Origin", "https://station.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, "https://station.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRefreshAndLogout(t *testing.T) {
	s := newServer(t)
	rec := s.do(t, http.MethodPost, base+"/auth/login", "", map[string]string{"identifier": "ana@example.com", "password": "pw"})
	require.Equal(t, http.StatusOK, rec.Code)
	var login profile.LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))
	require.NotEmpty(t, login.RefreshToken)
	require.NotNil(t, login.RefreshExpiresAt)

	rec = s.do(t, http.MethodPost, base+"/auth/refresh", "", profile.RefreshRequest{RefreshToken: login.RefreshToken})
	require.Equal(t, http.StatusOK, rec.Code)
	var next profile.LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &next))
	assert.NotEqual(t, login.RefreshToken, next.RefreshToken)
	assert.Equal(t, "ana", next.Identity.Username)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, base+"/auth/me", next.Token, nil).Code)

	// the consumed token is gone
	assert.Equal(t, http.StatusUnauthorized,
		s.do(t, http.MethodPost, base+"/auth/refresh", "", profile.RefreshRequest{RefreshToken: login.RefreshToken}).Code)

	assert.Equal(t, http.StatusNoContent,
		s.do(t, http.MethodPost, base+"/auth/logout", "", profile.RefreshRequest{RefreshToken: next.RefreshToken}).Code)
	assert.Equal(t, http.StatusUnauthorized,
		s.do(t, http.MethodPost, base+"/auth/refresh", "", profile.RefreshRequest{RefreshToken: next.RefreshToken}).Code)
}

func (s *server) login(t *testing.T, who string) profile.LoginResponse {
	t.Helper()
	rec := s.do(t, http.MethodPost, base+"/auth/login", "", map[string]string{"identifier": who, "password": "pw"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp profile.LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestLogoutClosesWorkspace(t *testing.T) {
	s := newServer(t)
	ana := s.login(t, "ana")
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, base+"/scope", ana.Token, nil).Code)
	require.Equal(t, 1, s.reg.Len())

	require.Equal(t, http.StatusNoContent,
		s.do(t, http.MethodPost, base+"/auth/logout", "", profile.RefreshRequest{RefreshToken: ana.RefreshToken}).Code)
	assert.Equal(t, 0, s.reg.Len())

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "warehouse_workspaces_open 0")
}

func TestDisabledProfileIsSignedOut(t *testing.T) {
	ctx := context.Background()
	s := newServer(t)
	ana := s.login(t, "ana")
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, base+"/scope", ana.Token, nil).Code)
	require.Equal(t, 1, s.reg.Len())

	// disabled behind the API's back; the next request notices
	require.NoError(t, s.profiles.SetActive(ctx, profile.Operator, ana.Identity.UserID, false))
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, base+"/scope", ana.Token, nil).Code)
	assert.Equal(t, 0, s.reg.Len())
}

func TestProfileAdminRoutes(t *testing.T) {
	s := newServer(t)
	ana := s.login(t, "ana")
	root := s.login(t, "root")

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, base+"/profiles", "", nil).Code)
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, base+"/profiles", ana.Token, nil).Code)

	rec := s.do(t, http.MethodGet, base+"/profiles", root.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []entity.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	assert.Len(t, rows, 2)

	// ana works in MIA; moving her to TPA rebuilds her workspace there
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, base+"/scope", ana.Token, nil).Code)
	rec = s.do(t, http.MethodPatch, base+"/profiles/"+ana.Identity.UserID, root.Token, map[string]any{"cities": []string{"TPA"}})
	require.Equal(t, http.StatusOK, rec.Code)
	var out entity.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, []string{"TPA"}, out.Cities)

	rec = s.do(t, http.MethodGet, base+"/scope", ana.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var scope struct {
		City string `json:"city"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &scope))
	assert.Equal(t, "TPA", scope.City)

	assert.Equal(t, http.StatusForbidden,
		s.do(t, http.MethodDelete, base+"/profiles/"+root.Identity.UserID, root.Token, nil).Code)
	assert.Equal(t, http.StatusNoContent,
		s.do(t, http.MethodDelete, base+"/profiles/"+ana.Identity.UserID, root.Token, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, base+"/scope", ana.Token, nil).Code)
	assert.Equal(t, http.StatusUnauthorized,
		s.do(t, http.MethodPost, base+"/auth/refresh", "", profile.RefreshRequest{RefreshToken: ana.RefreshToken}).Code)
}
