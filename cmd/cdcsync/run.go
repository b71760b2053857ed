package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cohenjo/cdcsync/pkg/models"
	"github.com/cohenjo/cdcsync/pkg/replicator"
)

// RunConnectionOptions holds flags for the run-connection command.
type RunConnectionOptions struct {
	*RootOptions
	ConnectionID string
}

// NewRunConnectionCommand creates the run-connection command.
func NewRunConnectionCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunConnectionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run-connection",
		Short: "Run one connection to completion and print its result",
		Long: `Start a connection workflow, wait for every sync run and print the
connection result as JSON. The exit code is non-zero when the connection
failed.

Example:
  cdcsync run-connection --catalog catalog.yaml --id c1`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnection(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.ConnectionID, "id", "", "connection id (required)")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}

func runConnection(cmd *cobra.Command, opts *RunConnectionOptions) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	cat, err := loadCatalog(opts.RootOptions)
	if err != nil {
		return err
	}
	// a one-shot run serves no scrape endpoint
	cfg.Metrics.Enabled = false

	svc, err := replicator.NewService(replicator.ServiceOptions{Config: cfg, Logger: newLogger(cfg.Logging)})
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = svc.Stop(context.Background()) }()

	if cat != nil {
		if err := svc.LoadCatalog(ctx, cat); err != nil {
			return err
		}
	}

	res, err := svc.RunConnection(ctx, opts.ConnectionID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if res.Status != models.ConnectionStatusCompleted {
		return fmt.Errorf("connection %s %s: %s", res.ConnectionID, res.Status, res.Message)
	}
	for _, s := range res.Syncs {
		if s.Status == models.SyncStatusError {
			return errors.New("one or more syncs failed")
		}
	}
	return nil
}
