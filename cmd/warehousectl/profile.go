package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/app"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/profile"
	"github.com/ovaphlow/pitchfork/service-warehouse-go/internal/profile/entity"
)

func (c *cli) profileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage user profiles",
	}

	var p profile.NewProfile
	var role string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a profile",
		Long: `Create a profile that can sign in to the station.

Cities are repeated or comma separated; super_admin profiles may leave them
out and see every configured city.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p.Role = entity.Role(role)
			return c.withApp(cmd, func(a *app.App) error {
				created, err := a.Profiles.Create(cmd.Context(), p)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "created %s (%s) role=%s cities=%v\n", created.Username, created.ID, created.Role, []string(created.Cities))
				return nil
			})
		},
	}
	create.Flags().StringVar(&p.Email, "email", "", "email address")
	create.Flags().StringVar(&p.Username, "username", "", "user name")
	create.Flags().StringVar(&p.Password, "password", "", "initial password")
	create.Flags().StringVar(&role, "role", string(entity.RoleUser), "user, manager, admin or super_admin")
	create.Flags().StringSliceVar(&p.Cities, "city", nil, "accessible city codes")
	_ = create.MarkFlagRequired("email")
	_ = create.MarkFlagRequired("username")
	_ = create.MarkFlagRequired("password")

	list := &cobra.Command{
		Use:   "list",
		Short: "List profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd, func(a *app.App) error {
				rows, err := a.Profiles.List(cmd.Context(), profile.Operator)
				if err != nil {
					return err
				}
				for _, p := range rows {
					fmt.Fprintf(c.out, "%s\t%s\t%s\t%s\tactive=%t\n", p.ID, p.Username, p.Role, strings.Join(p.Cities, ","), p.Active)
				}
				return nil
			})
		},
	}

	var active bool
	setActive := &cobra.Command{
		Use:   "set-active <user>",
		Short: "Enable or disable a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withProfile(cmd, args[0], func(a *app.App, id string) error {
				if err := a.Profiles.SetActive(cmd.Context(), profile.Operator, id, active); err != nil {
					return err
				}
				if !active {
					if err := a.Sessions.RevokeUser(cmd.Context(), id); err != nil {
						return fmt.Errorf("revoke sessions: %w", err)
					}
				}
				fmt.Fprintf(c.out, "%s active=%t\n", args[0], active)
				return nil
			})
		},
	}
	setActive.Flags().BoolVar(&active, "active", true, "whether the profile may sign in")

	setRole := &cobra.Command{
		Use:   "set-role <user> <role>",
		Short: "Change the role of a profile",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withProfile(cmd, args[0], func(a *app.App, id string) error {
				if err := a.Profiles.SetRole(cmd.Context(), profile.Operator, id, entity.Role(args[1])); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "%s role=%s\n", args[0], args[1])
				return nil
			})
		},
	}

	var cities []string
	setCities := &cobra.Command{
		Use:   "set-cities <user>",
		Short: "Replace the cities a profile may work in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withProfile(cmd, args[0], func(a *app.App, id string) error {
				if err := a.Profiles.SetCities(cmd.Context(), profile.Operator, id, cities); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "%s cities=%v\n", args[0], cities)
				return nil
			})
		},
	}
	setCities.Flags().StringSliceVar(&cities, "city", nil, "accessible city codes")

	rename := &cobra.Command{
		Use:   "rename <user> <username>",
		Short: "Change the username of a profile",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withProfile(cmd, args[0], func(a *app.App, id string) error {
				if err := a.Profiles.Rename(cmd.Context(), profile.Operator, id, args[1]); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "renamed %s to %s\n", args[0], args[1])
				return nil
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <user>",
		Short: "Delete a profile and end its sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withProfile(cmd, args[0], func(a *app.App, id string) error {
				if err := a.Profiles.Delete(cmd.Context(), profile.Operator, id); err != nil {
					return err
				}
				if err := a.Sessions.RevokeUser(cmd.Context(), id); err != nil {
					return fmt.Errorf("revoke sessions: %w", err)
				}
				fmt.Fprintf(c.out, "deleted %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(create, list, setActive, setRole, setCities, rename, del)
	return cmd
}

// withProfile runs fn with the id of the profile named by ref, which is
// either an id or a username.
func (c *cli) withProfile(cmd *cobra.Command, ref string, fn func(a *app.App, id string) error) error {
	return c.withApp(cmd, func(a *app.App) error {
		rows, err := a.Profiles.List(cmd.Context(), profile.Operator)
		if err != nil {
			return err
		}
		for _, p := range rows {
			if p.ID == ref || strings.EqualFold(p.Username, ref) {
				return fn(a, p.ID)
			}
		}
		return fmt.Errorf("%w: %s", profile.ErrNotFound, ref)
	})
}
