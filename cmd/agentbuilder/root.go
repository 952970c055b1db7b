package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"agent_builder/internal/config"
)

type rootOptions struct {
	configPath string
	dbPath     string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "agentbuilder",
		Short:         "Build, test and chat with node-graph AI agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config.toml (default: ~/.agent_builder/config.toml)")
	cmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "sqlite database path override")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	cmd.AddCommand(
		serveCmd(opts),
		builderCmd(opts),
		chatCmd(opts),
		paletteCmd(),
		agentsCmd(opts),
		importCmd(opts),
		exportCmd(opts),
	)
	return cmd
}

// loadConfig reads the config file and applies flag overrides.
func (o *rootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if db := strings.TrimSpace(o.dbPath); db != "" {
		p, err := config.ExpandHome(db)
		if err != nil {
			return config.Config{}, err
		}
		cfg.Store.Driver = config.StoreSQLite
		cfg.Store.DBPath = p
	}
	if lvl := strings.TrimSpace(o.logLevel); lvl != "" {
		cfg.Log.Level = lvl
	}
	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func exactArgs(n int, usage string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return fmt.Errorf("usage: %s %s", cmd.CommandPath(), usage)
		}
		return nil
	}
}

func (o *rootOptions) open(cmd *cobra.Command) (*runtime, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	return openRuntime(cmd.Context(), cfg, "")
}
