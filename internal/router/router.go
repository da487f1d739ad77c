package router

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/auth"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/profile"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/profile/entity"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/warehouse"
)

// statusRecorder captures status and size for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.size += n
	return n, err
}

// LoggingMiddleware logs every request at debug level and records its
// latency when m is not nil.
func LoggingMiddleware(logger *zap.SugaredLogger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			dur := time.Since(start)
			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			if m != nil {
				m.ObserveRequest(r.Method, status, dur)
			}
			logger.Debugw("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"remote", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
				"status", status,
				"duration_ms", float64(dur.Microseconds())/1000.0,
				"size", rec.size,
			)
		})
	}
}

// SecurityHeadersMiddleware sets the headers a JSON API needs.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Cache-Control", "no-store")
			if h.Get("Content-Security-Policy") == "" {
				h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			}
			if r.TLS != nil {
				h.Set("Strict-Transport-Security", "max-age=2592000; includeSubDomains")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Options wires the router.
type Options struct {
	BasePath       string
	AllowedOrigins []string
	Logger         *zap.SugaredLogger
	Metrics        *metrics.Metrics
	Tokens         *auth.Tokens
	Sessions       *auth.Sessions
	Profiles       *profile.Service
	Warehouse      *warehouse.Handler
	// OnSignOut releases what a user holds once they log out or can no
	// longer sign in. Usually the workspace registry's Drop.
	OnSignOut func(userID string)
	// Ready reports whether the store answers; nil means always ready.
	Ready func() error
}

// signOutSource signs a user out when their profile is gone or disabled.
type signOutSource struct {
	profiles *profile.Service
	signOut  func(userID string)
}

func (s signOutSource) Identity(ctx context.Context, userID string) (entity.Identity, error) {
	id, err := s.profiles.Identity(ctx, userID)
	if errors.Is(err, profile.ErrInactive) || errors.Is(err, profile.ErrNotFound) {
		s.signOut(userID)
	}
	return id, err
}

// New mounts the API under opts.BasePath and /metrics at the root.
func New(opts Options) http.Handler {
	logger := opts.Logger
	signOut := opts.OnSignOut
	if signOut == nil {
		signOut = func(string) {}
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(logger, opts.Metrics))
	r.Use(SecurityHeadersMiddleware())
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   opts.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	r.Route(opts.BasePath, func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
			if opts.Ready != nil {
				if err := opts.Ready(); err != nil {
					logger.Warnw("health check failed", "err", err)
					http.Error(w, "unavailable", http.StatusServiceUnavailable)
					return
				}
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})

		ph := profile.NewHandler(opts.Profiles, opts.Tokens, opts.Sessions, logger, profile.WithSignOut(signOut))
		r.Post("/auth/login", ph.Login)
		r.Post("/auth/refresh", ph.Refresh)
		r.Post("/auth/logout", ph.Logout)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(opts.Tokens, signOutSource{profiles: opts.Profiles, signOut: signOut}, logger))
			r.Get("/auth/me", ph.Me)
			opts.Warehouse.Routes(r)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(entity.RoleAdmin))
				r.Get("/profiles", ph.List)
				r.Patch("/profiles/{id}", ph.Update)
				r.Delete("/profiles/{id}", ph.Delete)
			})
		})
	})
	return r
}
