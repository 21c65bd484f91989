// Package cli implements storefrontctl, the admin command line.
package cli

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/spf13/cobra"
	"storefront/internal/app"
	"storefront/internal/config"
	"storefront/internal/util"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
	Actor      string

	// open builds the App; replaced in tests.
	open func(*RootOptions, *cobra.Command) (*app.App, error)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for storefrontctl.
func NewRootCommand() *cobra.Command {
	return newRootCommand(openApp)
}

func newRootCommand(open func(*RootOptions, *cobra.Command) (*app.App, error)) *cobra.Command {
	opts := &RootOptions{open: open}

	cmd := &cobra.Command{
		Use:   "storefrontctl",
		Short: "Administer a storefront deployment",
		Long:  "Seed the catalog, edit role discounts, broadcast notifications, restock items and issue tokens.",
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default config.yaml or $STOREFRONT_CONFIG)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Actor, "actor", "storefrontctl", "actor recorded in admin logs")

	cmd.AddCommand(NewSeedCommand(opts))
	cmd.AddCommand(NewDiscountsCommand(opts))
	cmd.AddCommand(NewBroadcastCommand(opts))
	cmd.AddCommand(NewStockCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

func openApp(opts *RootOptions, cmd *cobra.Command) (*app.App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	// logs go to stderr so json output stays parseable
	logger := util.InitLoggerTo(cmd.ErrOrStderr(), "storefrontctl", cfg.LogLevel)
	return app.Open(cfg, logger)
}

// withApp opens the App for the duration of fn.
func withApp(opts *RootOptions, cmd *cobra.Command, fn func(*app.App) error) error {
	a, err := opts.open(opts, cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

// output prints v as JSON or text in the requested format.
func output(opts *RootOptions, cmd *cobra.Command, v any, text string) error {
	if opts.Format == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), text)
	return err
}
