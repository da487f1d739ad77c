package profile

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/auth"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/profile/entity"
)

// Handler exposes login, token refresh, logout and user management.
type Handler struct {
	svc      *Service
	tokens   *auth.Tokens
	sessions *auth.Sessions
	logger   *zap.SugaredLogger
	signOut  func(userID string)
}

type HandlerOption func(*Handler)

// WithSignOut registers fn to be called when a user logs out or loses
// the right to sign in.
func WithSignOut(fn func(userID string)) HandlerOption {
	return func(h *Handler) { h.signOut = fn }
}

// NewHandler builds the handler. Without sessions no refresh tokens are issued.
func NewHandler(svc *Service, tokens *auth.Tokens, sessions *auth.Sessions, logger *zap.SugaredLogger, opts ...HandlerOption) *Handler {
	h := &Handler{svc: svc, tokens: tokens, sessions: sessions, logger: logger, signOut: func(string) {}}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// LoginRequest login payload.
type LoginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// LoginResponse carries the session token and the identity it stands for.
type LoginResponse struct {
	Token            string          `json:"token"`
	ExpiresAt        time.Time       `json:"expires_at"`
	RefreshToken     string          `json:"refresh_token,omitempty"`
	RefreshExpiresAt *time.Time      `json:"refresh_expires_at,omitempty"`
	Identity         entity.Identity `json:"identity"`
}

// RefreshRequest carries a refresh token for /auth/refresh and /auth/logout.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Debugw("invalid login payload", "err", err)
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	id, err := h.svc.Authenticate(r.Context(), req.Identifier, req.Password)
	if err != nil {
		h.logger.Debugw("login failed", "err", err)
		switch {
		case errors.Is(err, ErrBadCredentials):
			h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		case errors.Is(err, ErrInactive):
			h.writeJSON(w, http.StatusForbidden, map[string]string{"error": "account disabled"})
		default:
			h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "login failed"})
		}
		return
	}
	resp, err := h.issue(r, id, "")
	if err != nil {
		h.logger.Errorw("issue token", "err", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "login failed"})
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// issue signs an access token and, unless refresh is already set, starts a
// refresh session.
func (h *Handler) issue(r *http.Request, id entity.Identity, refresh string) (LoginResponse, error) {
	token, exp, err := h.tokens.Issue(id)
	if err != nil {
		return LoginResponse{}, err
	}
	resp := LoginResponse{Token: token, ExpiresAt: exp, Identity: id, RefreshToken: refresh}
	if refresh == "" && h.sessions != nil {
		rt, rexp, err := h.sessions.Start(r.Context(), id.UserID)
		if err != nil {
			return LoginResponse{}, err
		}
		resp.RefreshToken, resp.RefreshExpiresAt = rt, &rexp
	}
	return resp, nil
}

// Refresh swaps a refresh token for a new access token and a new refresh
// token. The old refresh token stops working.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "refresh disabled"})
		return
	}
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	userID, next, rexp, err := h.sessions.Rotate(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidRefresh) {
			h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid refresh token"})
			return
		}
		h.logger.Errorw("rotate refresh token", "err", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "refresh failed"})
		return
	}
	id, err := h.svc.Identity(r.Context(), userID)
	if err != nil {
		h.logger.Debugw("refresh rejected", "user", userID, "err", err)
		_, _ = h.sessions.Revoke(r.Context(), next)
		h.signOut(userID)
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid refresh token"})
		return
	}
	resp, err := h.issue(r, id, next)
	if err != nil {
		h.logger.Errorw("issue token", "err", err)
		h.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "refresh failed"})
		return
	}
	resp.RefreshExpiresAt = &rexp
	h.writeJSON(w, http.StatusOK, resp)
}

// Logout revokes the given refresh token. Access tokens run out on their own.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	if h.sessions != nil && req.RefreshToken != "" {
		userID, err := h.sessions.Revoke(r.Context(), req.RefreshToken)
		if err != nil {
			h.logger.Warnw("revoke refresh token", "err", err)
		} else if userID != "" {
			h.signOut(userID)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, ErrExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		h.logger.Errorw("profile request failed", "err", err)
		h.writeJSON(w, status, map[string]string{"error": "internal error"})
		return
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// endSessions revokes the refresh sessions of userID and signs it out.
func (h *Handler) endSessions(r *http.Request, userID string) {
	if h.sessions != nil {
		if err := h.sessions.RevokeUser(r.Context(), userID); err != nil {
			h.logger.Warnw("revoke sessions", "user", userID, "err", err)
		}
	}
	h.signOut(userID)
}

// List returns every profile.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.IdentityFromContext(r.Context())
	rows, err := h.svc.List(r.Context(), actor)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rows)
}

// Update edits role, cities, username or status of a profile.
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.IdentityFromContext(r.Context())
	var ch Change
	if err := json.NewDecoder(r.Body).Decode(&ch); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	userID := chi.URLParam(r, "id")
	out, err := h.svc.Update(r.Context(), actor, userID, ch)
	if err != nil {
		h.fail(w, err)
		return
	}
	switch {
	case !out.Active:
		h.endSessions(r, userID)
	case ch.Cities != nil:
		// the workspace is rebuilt on the next request
		h.signOut(userID)
	}
	h.writeJSON(w, http.StatusOK, out)
}

// Delete removes a profile and ends its sessions.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.IdentityFromContext(r.Context())
	userID := chi.URLParam(r, "id")
	if err := h.svc.Delete(r.Context(), actor, userID); err != nil {
		h.fail(w, err)
		return
	}
	h.endSessions(r, userID)
	w.WriteHeader(http.StatusNoContent)
}

// Me returns the identity of the caller.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		h.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	h.writeJSON(w, http.StatusOK, id)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
