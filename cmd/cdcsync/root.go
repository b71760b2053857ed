package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cohenjo/cdcsync/pkg/config"
	"github.com/cohenjo/cdcsync/pkg/replicator"
)

// version is stamped at build time with -ldflags "-X main.version=..."
var version = "dev"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile  string
	CatalogFile string
	Verbose     bool
}

// NewRootCommand creates the root command of the cdcsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "cdcsync",
		Short: "cdcsync - connection sync engine",
		Long:  "Extracts streams from sources, dedups them by signature, detects deletions and loads the changes into destinations.",
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "configuration file (yaml or json); viper search paths when empty")
	cmd.PersistentFlags().StringVar(&opts.CatalogFile, "catalog", "", "catalog of connections and syncs to load on start")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewWorkerCommand(opts))
	cmd.AddCommand(NewRunConnectionCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// loadConfig reads the configuration file, or the viper search paths when
// none is given, and configures logging
func loadConfig(opts *RootOptions) (*config.Config, error) {
	var cfg *config.Config
	if opts.ConfigFile != "" {
		var err error
		cfg, err = config.NewLoader().Load(config.LoaderOptions{
			EnvPrefix:    config.EnvPrefix,
			DefaultPaths: []string{opts.ConfigFile},
			RequireFile:  true,
		})
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.LoadConfiguration()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
	}

	if opts.Verbose {
		cfg.Logging.Level = "debug"
	}
	config.ConfigureLogging(cfg.Logging)
	return cfg, nil
}

// newLogger builds the service logger from the logging config
func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if cfg.Output == "stderr" {
		logger.SetOutput(os.Stderr)
	} else {
		logger.SetOutput(os.Stdout)
	}
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func loadCatalog(opts *RootOptions) (*replicator.Catalog, error) {
	if opts.CatalogFile == "" {
		return nil, nil
	}
	cat, err := replicator.LoadCatalog(opts.CatalogFile)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("catalog", opts.CatalogFile).Int("connections", len(cat.Connections)).Msg("Catalog read")
	return cat, nil
}
