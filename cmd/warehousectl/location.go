package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/warehouse"
)

func (c *cli) locationCmd() *cobra.Command {
	var o scanOpts
	cmd := &cobra.Command{
		Use:   "location",
		Short: "Manage storage locations",
	}
	cmd.PersistentFlags().StringVar(&o.user, "user", "", "username or email")
	cmd.PersistentFlags().StringVar(&o.password, "password", "", "password (default $WAREHOUSE_PASSWORD)")
	cmd.PersistentFlags().StringVar(&o.city, "city", "", "city (default: the profile's current city)")
	_ = cmd.MarkPersistentFlagRequired("user")

	add := &cobra.Command{
		Use:   "add <code>...",
		Short: "Add locations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withWorkspace(cmd, o, func(w *warehouse.Workspace) error {
				for _, code := range args {
					loc, err := w.AddLocation(cmd.Context(), code)
					if err != nil {
						return fmt.Errorf("add %s: %w", code, err)
					}
					fmt.Fprintf(c.out, "added %s (%s)\n", loc.Code, loc.ID)
				}
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List locations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withWorkspace(cmd, o, func(w *warehouse.Workspace) error {
				for _, loc := range w.Locations() {
					fmt.Fprintln(c.out, loc.Code)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}
