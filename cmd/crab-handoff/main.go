package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"crabstack.local/projects/crab-handoff/internal/config"
)

var version = "dev"

func main() {
	if err := newRootCmd(version).Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries what every subcommand needs once the config is loaded.
type app struct {
	cfg    config.Config
	logger *logrus.Logger
}

func newRootCmd(version string) *cobra.Command {
	var configFile string
	a := &app{}

	cmd := &cobra.Command{
		Use:          "crab-handoff",
		Short:        "Bot to human handoff coordinator for customer support chats",
		SilenceUsage: true,
		Version:      version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(configFile) != "" {
				if err := os.Setenv(config.EnvConfigFile, configFile); err != nil {
					return err
				}
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			logger, err := newLogger(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logger
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to the YAML config file (env: "+config.EnvConfigFile+")")

	cmd.AddCommand(newServeCmd(a))
	cmd.AddCommand(newSessionCmd(a))
	cmd.AddCommand(newMigrateCmd(a))
	cmd.AddCommand(newWatchCmd(a))

	cmd.SetVersionTemplate("{{.Version}}\n")
	return cmd
}

func newLogger(level, format string, out io.Writer) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(out)

	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", config.EnvLogLevel, err)
	}
	logger.SetLevel(lvl)

	switch format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	return logger, nil
}
