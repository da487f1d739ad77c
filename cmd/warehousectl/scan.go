package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/app"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/warehouse"
)

// scanFunc handles one scanned package number and returns the line to print.
type scanFunc func(ctx context.Context, number string) (string, error)

// scanLoop feeds every non-empty input line to fn until EOF or cancellation.
// Failures are printed and the loop goes on; a scanner has no other way to
// report them.
func scanLoop(ctx context.Context, in io.Reader, out io.Writer, fn scanFunc) (ok, failed int, err error) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if ctx.Err() != nil {
			break
		}
		number := strings.TrimSpace(sc.Text())
		if number == "" {
			continue
		}
		msg, err := fn(ctx, number)
		if err != nil {
			failed++
			fmt.Fprintf(out, "! %s: %s\n", number, describe(err))
			continue
		}
		ok++
		fmt.Fprintln(out, msg)
	}
	return ok, failed, sc.Err()
}

func describe(err error) string {
	switch {
	case errors.Is(err, warehouse.ErrNoMatch):
		return "not found"
	case errors.Is(err, warehouse.ErrForbidden):
		return "not allowed"
	default:
		return err.Error()
	}
}

type scanOpts struct {
	user     string
	password string
	city     string
}

func (c *cli) scanCmd() *cobra.Command {
	var o scanOpts
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Read package numbers from stdin, one per line",
	}
	cmd.PersistentFlags().StringVar(&o.user, "user", "", "username or email")
	cmd.PersistentFlags().StringVar(&o.password, "password", "", "password (default $WAREHOUSE_PASSWORD)")
	cmd.PersistentFlags().StringVar(&o.city, "city", "", "city to work in (default: the profile's current city)")
	_ = cmd.MarkPersistentFlagRequired("user")

	var code string
	shelve := &cobra.Command{
		Use:   "shelve",
		Short: "Shelve scanned packages at a location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runScan(cmd, o, func(w *warehouse.Workspace) scanFunc {
				return func(ctx context.Context, number string) (string, error) {
					p, err := w.Shelve(ctx, code, number)
					if err != nil {
						return "", err
					}
					return fmt.Sprintf("shelved %s at %s", p.PackageNumber, p.Location), nil
				}
			})
		},
	}
	shelve.Flags().StringVar(&code, "location", "", "location code")
	_ = shelve.MarkFlagRequired("location")

	unshelve := &cobra.Command{
		Use:   "unshelve",
		Short: "Take scanned packages out of the warehouse",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runScan(cmd, o, func(w *warehouse.Workspace) scanFunc {
				return func(ctx context.Context, number string) (string, error) {
					p, err := w.Unshelve(ctx, number)
					if err != nil {
						return "", err
					}
					return fmt.Sprintf("removed %s from %s (%s)", p.PackageNumber, p.Location, p.InstructionValue()), nil
				}
			})
		},
	}

	cmd.AddCommand(shelve, unshelve)
	return cmd
}

func (c *cli) runScan(cmd *cobra.Command, o scanOpts, handler func(*warehouse.Workspace) scanFunc) error {
	return c.withWorkspace(cmd, o, func(w *warehouse.Workspace) error {
		fmt.Fprintf(c.out, "%s in %s, ready to scan\n", w.Identity().Username, w.Scope())
		ok, failed, err := scanLoop(cmd.Context(), c.in, c.out, handler(w))
		fmt.Fprintf(c.out, "%d ok, %d failed\n", ok, failed)
		return err
	})
}

// withWorkspace signs in and opens a workspace on the chosen city.
func (c *cli) withWorkspace(cmd *cobra.Command, o scanOpts, fn func(*warehouse.Workspace) error) error {
	if o.password == "" {
		o.password = os.Getenv("WAREHOUSE_PASSWORD")
	}
	return c.withApp(cmd, func(a *app.App) error {
		ctx := cmd.Context()
		id, err := a.Profiles.Authenticate(ctx, o.user, o.password)
		if err != nil {
			return err
		}
		city := o.city
		if city == "" {
			city = id.CurrentCity
		}
		w := warehouse.New(id, a.WorkspaceDeps())
		defer w.Close()
		if err := w.SwitchScope(ctx, city); err != nil {
			return err
		}
		return fn(w)
	})
}
