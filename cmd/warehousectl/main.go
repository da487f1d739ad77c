// Command warehousectl sets up the database, bootstraps profiles and runs a
// terminal scan loop for handheld scanners.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/app"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/config"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/pkg/utilities"
)

func main() {
	_ = godotenv.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(os.Stdin, os.Stdout)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cli carries what every subcommand needs.
type cli struct {
	in  io.Reader
	out io.Writer

	logLevel string
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	c := &cli{in: in, out: out}
	root := &cobra.Command{
		Use:           "warehousectl",
		Short:         "Warehouse station tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(in)
	root.SetOut(out)
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	root.AddCommand(c.migrateCmd(), c.profileCmd(), c.locationCmd(), c.scanCmd())
	return root
}

// open loads configuration and connects. The caller closes the app.
func (c *cli) open(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	lg, err := utilities.InitLogger(utilities.LogConfig{Level: c.logLevel, Dev: cfg.Log.Dev})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	if err := utilities.SetSnowflakeNode(cfg.SnowflakeNode); err != nil {
		return nil, fmt.Errorf("snowflake node: %w", err)
	}
	return app.Open(ctx, cfg, lg.Sugar())
}

func (c *cli) withApp(cmd *cobra.Command, fn func(*app.App) error) error {
	a, err := c.open(cmd.Context())
	if err != nil {
		return err
	}
	defer func() {
		_ = a.Logger.Sync()
		if err := a.Close(); err != nil {
			a.Logger.Warnw("close", "err", err)
		}
	}()
	return fn(a)
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create tables and install change notification triggers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(a *app.App) error {
				// app.Open already ensured the schema
				a.Logger.Infow("schema ready", "driver", a.DB.DriverName(), "channel", a.Config.Feed.Channel)
				fmt.Fprintln(c.out, "schema ready")
				return nil
			})
		},
	}
}
