package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/cohenjo/cdcsync/pkg/replicator"
)

// WorkerOptions holds flags for the worker command.
type WorkerOptions struct {
	*RootOptions
	Connections     []string
	ShutdownTimeout time.Duration
}

// NewWorkerCommand creates the worker command.
func NewWorkerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WorkerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Host the workflow runtime and its activity workers",
		Long: `Start the engine and connector workers in one process.

Connections named with --run are started once the catalog is loaded; the
process then serves until SIGINT or SIGTERM.

Example:
  cdcsync worker --config conf/cdcsync.yaml --catalog catalog.yaml --run c1`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Connections, "run", nil, "connection ids to start after boot")
	cmd.Flags().DurationVar(&opts.ShutdownTimeout, "shutdown-timeout", 30*time.Second, "time allowed for graceful shutdown")

	return cmd
}

func runWorker(ctx context.Context, opts *WorkerOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	cat, err := loadCatalog(opts.RootOptions)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Logging)
	svc, err := replicator.NewService(replicator.ServiceOptions{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}

	sh := replicator.NewShutdownHandler(replicator.ShutdownHandlerOptions{
		Service:         svc,
		Logger:          logger,
		ShutdownTimeout: opts.ShutdownTimeout,
	})
	sh.AddHook(replicator.TerminateConnectionsHook(svc, func() []string { return opts.Connections }))

	if cat != nil {
		if err := svc.LoadCatalog(ctx, cat); err != nil {
			_ = sh.Shutdown()
			return err
		}
	}
	for _, id := range opts.Connections {
		if _, err := svc.StartConnection(ctx, id); err != nil {
			logger.WithError(err).WithField("connection_id", id).Error("Failed to start connection")
		}
	}

	return sh.Wait(ctx)
}
