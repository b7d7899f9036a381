package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/objectfs/tiercache/internal/cache"
	"github.com/objectfs/tiercache/internal/config"
	"github.com/objectfs/tiercache/pkg/logging"
)

// app carries state shared by subcommands after flag parsing.
type app struct {
	configFile string
	directory  string
	logLevel   string

	cfg    *config.Configuration
	logger *logrus.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "tierctl",
		Short:         "Inspect and warm a tiercache store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "YAML configuration file")
	flags.StringVar(&a.directory, "dir", "", "store directory (overrides persistent.directory)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (overrides global.log_level)")

	root.AddCommand(
		newInspectCommand(a),
		newGetCommand(a),
		newPurgeCommand(a),
		newWarmCommand(a),
		newMetricsCommand(a),
	)
	return root
}

func (a *app) load() error {
	cfg := config.NewDefault()
	if a.configFile != "" {
		if err := cfg.LoadFromFile(a.configFile); err != nil {
			return err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if a.directory != "" {
		cfg.Persistent.Directory = a.directory
	}
	if a.logLevel != "" {
		cfg.Global.LogLevel = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Global.LogLevel,
		Format: cfg.Global.LogFormat,
		File:   cfg.Global.LogFile,
	})
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.logger = logger
	return nil
}

// openStore opens the configured store directly, without a service.
func (a *app) openStore() (*cache.Store, error) {
	sc := cache.ConfigFrom(a.cfg)
	if sc.Store == nil {
		return nil, fmt.Errorf("persistent tier is disabled")
	}
	return cache.OpenStore(*sc.Store)
}
