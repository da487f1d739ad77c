package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/profile/entity"
)

// IdentitySource loads the current identity of a user. It rejects
// inactive users with an error.
type IdentitySource interface {
	Identity(ctx context.Context, userID string) (entity.Identity, error)
}

type ctxKeyIdentity struct{}

func WithIdentity(ctx context.Context, id entity.Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, id)
}

func IdentityFromContext(ctx context.Context) (entity.Identity, bool) {
	id, ok := ctx.Value(ctxKeyIdentity{}).(entity.Identity)
	return id, ok
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// RequireAuth verifies the bearer token, reloads the profile and puts the
// identity into the request context.
func RequireAuth(tokens *Tokens, source IdentitySource, logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearer(r)
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			claims, err := tokens.Verify(raw)
			if err != nil {
				logger.Debugw("token rejected", "err", err)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			id, err := source.Identity(r.Context(), claims.Subject)
			if err != nil {
				logger.Debugw("identity rejected", "sub", claims.Subject, "err", err)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireRole refuses requests from identities below min.
func RequireRole(min entity.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if !id.Role.AtLeast(min) {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
