// Package app builds the long-lived dependencies shared by the binaries.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/auth"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/config"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/feed"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/gateway"
	locrepo "github.com/ovaphlow/pitchfork/service-warehouse-go/internal/location/repo"
	pkgrepo "github.com/ovaphlow/pitchfork/service-warehouse-go/internal/parcel/repo"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/profile"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/warehouse"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/pkg/database"
)

// App holds the database, the store with its change feed, profiles and
// refresh sessions.
type App struct {
	Config   config.Config
	Logger   *zap.SugaredLogger
	DB       *sqlx.DB
	Store    gateway.Store
	Source   feed.Source
	Profiles *profile.Service
	Sessions *auth.Sessions
	Metrics  *metrics.Metrics

	closers []func() error
}

// Open connects to the database and picks the change feed for its driver:
// Postgres triggers through LISTEN/NOTIFY, or an in-process hub fed by the
// store's own writes for SQLite.
func Open(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) (*App, error) {
	db, err := database.Connect(database.Config{
		DSN:            cfg.Database.URL,
		MaxConns:       cfg.Database.MaxConns,
		Timeout:        cfg.Database.Timeout,
		TimeZone:       cfg.Database.TimeZone,
		ClientEncoding: cfg.Database.ClientEncoding,
	})
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, DB: db, Metrics: metrics.New()}
	a.closers = append(a.closers, db.Close)

	if err := database.EnsureSchema(ctx, db, cfg.Feed.Channel); err != nil {
		a.Close()
		return nil, err
	}

	store := gateway.Compose(locrepo.NewRepo(db), pkgrepo.NewRepo(db))
	driver, _ := database.DriverFor(cfg.Database.URL)
	switch driver {
	case database.DriverPostgres:
		src, err := feed.NewPQSource(cfg.Database.URL, cfg.Feed.Channel, cfg.Feed.MinReconnect, cfg.Feed.MaxReconnect, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("change feed: %w", err)
		}
		a.closers = append(a.closers, src.Close)
		a.Store, a.Source = store, src
	default:
		hub := feed.NewHub()
		a.Store, a.Source = gateway.Notify(store, hub, logger), hub
		logger.Infow("using in-process change feed", "driver", driver)
	}

	a.Profiles = profile.NewService(db, cfg.Warehouse.Cities, profile.BcryptHasher{Cost: bcrypt.DefaultCost}, logger)
	a.Sessions = auth.NewSessions(db, cfg.Auth.RefreshTTL, logger)
	return a, nil
}

// WorkspaceDeps are the collaborators of every user workspace.
func (a *App) WorkspaceDeps() warehouse.Deps {
	return warehouse.Deps{
		Store:    a.Store,
		Source:   a.Source,
		Profiles: a.Profiles,
		Observer: a.Metrics,
		OnStatus: a.Metrics.FeedStatus,
		Logger:   a.Logger,
		Timeout:  a.Config.Warehouse.RequestTimeout,
		Strict:   a.Config.Log.Dev,
	}
}

// Ping checks the database.
func (a *App) Ping(ctx context.Context) error {
	return a.DB.PingContext(ctx)
}

// Close releases everything in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
