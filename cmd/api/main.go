package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/app"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/auth"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/config"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/router"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/warehouse"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/pkg/utilities"
)

func main() {
	// best-effort: without a .env the real environment and defaults apply
	_ = godotenv.Load()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "warehouse api: %v\n", err)
		os.Exit(1)
	}
}

// run returns instead of exiting so every deferred close runs.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("timezone: %w", err)
	}

	lg, err := utilities.InitLogger(utilities.LogConfig{
		Level:        cfg.Log.Level,
		Dev:          cfg.Log.Dev,
		File:         cfg.Log.File,
		MaxAge:       cfg.Log.MaxAge,
		RotationTime: cfg.Log.RotationTime,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer lg.Sync()
	sugar := lg.Sugar()
	sugar.Infow("starting warehouse api", "addr", cfg.ListenAddr, "base_path", cfg.BasePath, "timezone", loc.String())

	if err := utilities.SetSnowflakeNode(cfg.SnowflakeNode); err != nil {
		return fmt.Errorf("snowflake node: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, sugar)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			sugar.Warnf("close: %v", err)
		}
	}()

	tokens, err := auth.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	registry := warehouse.NewRegistry(a.WorkspaceDeps(), a.Metrics)
	defer registry.Close()

	if _, err := a.Sessions.Prune(ctx); err != nil {
		sugar.Warnw("prune refresh sessions", "err", err)
	}

	handler := router.New(router.Options{
		BasePath:       cfg.BasePath,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Logger:         sugar,
		Metrics:        a.Metrics,
		Tokens:         tokens,
		Sessions:       a.Sessions,
		Profiles:       a.Profiles,
		Warehouse:      warehouse.NewHandler(registry, loc, sugar),
		OnSignOut:      registry.Drop,
		Ready: func() error {
			pctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return a.Ping(pctx)
		},
	})
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		registry.RunEviction(gctx, max(cfg.Warehouse.IdleTimeout/4, time.Second), cfg.Warehouse.IdleTimeout)
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sugar.Info("shutting down")
		doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(doneCtx); err != nil {
			sugar.Warnf("http server shutdown failed: %v", err)
		}
		return nil
	})
	sugar.Info("service is running; press Ctrl+C to stop")

	if err := g.Wait(); err != nil {
		return err
	}
	sugar.Info("goodbye")
	return nil
}
