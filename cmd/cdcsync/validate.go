package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cohenjo/cdcsync/pkg/config"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	WriteFile string
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{}
	cmd := &cobra.Command{
		Use:           "validate",
		Short:         "Check the configuration and catalog without starting anything",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			cat, err := loadCatalog(rootOpts)
			if err != nil {
				return err
			}
			connections := 0
			if cat != nil {
				connections = len(cat.Connections)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok (store=%s cache=%s), %d catalog connections\n",
				cfg.Engine.StoreBackend, cfg.Engine.CacheBackend, connections)

			if opts.WriteFile != "" {
				if err := config.NewLoader().WriteFile(cfg, opts.WriteFile); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "effective configuration written to %s\n", opts.WriteFile)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.WriteFile, "write", "", "write the effective configuration to this .yaml or .json file")
	return cmd
}

// NewVersionCommand creates the version command.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the cdcsync version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "cdcsync", version)
		},
	}
}
