package cli

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"storefront/internal/app"
	"storefront/pkg/catalog"
	"storefront/pkg/domain"
	"storefront/pkg/notify"
)

// NewSeedCommand imports a seed document into the catalog.
func NewSeedCommand(opts *RootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Import catalog items and role discounts",
		Long: `Import a YAML seed document. Items that already exist are kept as they
are, so running seed twice is harmless. Without --file the configured seed
source (seedPath or seedObjectKey) is used when the catalog is empty.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(opts, cmd, func(a *app.App) error {
				if file == "" {
					before, err := a.Store.CatalogCount(cmd.Context())
					if err != nil {
						return err
					}
					if err := a.Catalog.EnsureSeeded(cmd.Context()); err != nil {
						return err
					}
					after, err := a.Store.CatalogCount(cmd.Context())
					if err != nil {
						return err
					}
					return output(opts, cmd, map[string]int{"inserted": after - before, "total": after},
						fmt.Sprintf("catalog has %d items (%d inserted)", after, after-before))
				}
				n, err := a.Seed(cmd.Context(), catalog.FileSeed{Path: file})
				if err != nil {
					return err
				}
				return output(opts, cmd, map[string]int{"inserted": n}, fmt.Sprintf("inserted %d items", n))
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "seed document to import")
	return cmd
}

// NewDiscountsCommand groups role discount commands.
func NewDiscountsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discounts",
		Short: "Inspect and edit role discounts",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print the role discount table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(opts, cmd, func(a *app.App) error {
				table, err := a.Pricing.Load(cmd.Context())
				if err != nil {
					return err
				}
				roles := make([]string, 0, len(table))
				for r := range table {
					roles = append(roles, string(r))
				}
				sort.Strings(roles)
				lines := make([]string, 0, len(roles))
				for _, r := range roles {
					lines = append(lines, fmt.Sprintf("%-8s %g%%", r, table[domain.Role(r)]))
				}
				return output(opts, cmd, table, strings.Join(lines, "\n"))
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:     "set <role=percent>...",
		Short:   "Set the discount of one or more roles",
		Example: "  storefrontctl discounts set student=10 teacher=15",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := parseDiscounts(args)
			if err != nil {
				return err
			}
			return withApp(opts, cmd, func(a *app.App) error {
				if err := a.SetDiscounts(cmd.Context(), opts.Actor, ds); err != nil {
					return err
				}
				return output(opts, cmd, ds, fmt.Sprintf("updated %d roles", len(ds)))
			})
		},
	})
	return cmd
}

func parseDiscounts(args []string) ([]domain.RoleDiscount, error) {
	out := make([]domain.RoleDiscount, 0, len(args))
	for _, arg := range args {
		role, pct, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(role) == "" {
			return nil, fmt.Errorf("invalid discount %q: want role=percent", arg)
		}
		v, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(pct), "%"), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid discount %q: %w", arg, err)
		}
		out = append(out, domain.RoleDiscount{Role: domain.Role(strings.ToLower(strings.TrimSpace(role))), DiscountPercent: v})
	}
	return out, nil
}

// NewBroadcastCommand sends a notification to every existing user.
func NewBroadcastCommand(opts *RootOptions) *cobra.Command {
	var b notify.Broadcast
	cmd := &cobra.Command{
		Use:   "broadcast",
		Short: "Notify every existing user",
		Long: `Send a notification to every user that exists now. Users created later do
not receive it. Re-sending with the same --id delivers nothing new.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(opts, cmd, func(a *app.App) error {
				n, err := a.Broadcast(cmd.Context(), opts.Actor, b)
				if err != nil {
					return err
				}
				return output(opts, cmd, map[string]int{"delivered": n}, fmt.Sprintf("delivered to %d users", n))
			})
		},
	}
	cmd.Flags().StringVar(&b.ID, "id", "", "broadcast id (generated when empty)")
	cmd.Flags().StringVarP(&b.Title, "title", "t", "", "notification title")
	cmd.Flags().StringVarP(&b.Message, "message", "m", "", "notification body")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

// NewStockCommand groups stock commands.
func NewStockCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stock",
		Short: "Manage limited stock",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "restock <item-id> <quantity>",
		Short: "Add units to a limited item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			qty, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid quantity %q: %w", args[1], err)
			}
			return withApp(opts, cmd, func(a *app.App) error {
				lvl, err := a.Restock(cmd.Context(), opts.Actor, args[0], qty)
				if err != nil {
					return err
				}
				return output(opts, cmd, lvl, fmt.Sprintf("%s now has %d units", lvl.ItemID, lvl.Count))
			})
		},
	})
	return cmd
}

// NewTokenCommand issues bearer tokens for local testing and operators.
func NewTokenCommand(opts *RootOptions) *cobra.Command {
	var (
		role string
		name string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, cmd, func(a *app.App) error {
				token, err := a.Tokens.Issue(domain.Identity{
					ID:          args[0],
					DisplayName: name,
					Role:        domain.ParseRole(role),
				}, ttl)
				if err != nil {
					return err
				}
				return output(opts, cmd, map[string]string{"token": token}, token)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", string(domain.RoleUser), "role claim (user|student|teacher|admin)")
	cmd.Flags().StringVar(&name, "name", "", "display name claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
