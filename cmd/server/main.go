// Lucid Engine - agent session server
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ashureev/lucid-engine/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:           "lucid-engine",
		Short:         "Agent session server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "optional config file (yaml, json, toml or env)")

	load := func() (*config.Config, error) {
		return loadConfig(configFile)
	}
	cmd.AddCommand(newServeCmd(load))
	cmd.AddCommand(newCleanupCmd(load))

	return cmd
}

// loadConfig reads .env, the environment and an optional config file, and
// installs the JSON logger at the configured level.
func loadConfig(configFile string) (*config.Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	v := config.NewViper()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	return cfg, nil
}
