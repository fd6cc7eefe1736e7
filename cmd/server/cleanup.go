package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/lucid-engine/internal/config"
	"github.com/ashureev/lucid-engine/internal/container"
	"github.com/spf13/cobra"
)

func newCleanupCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove sandbox containers left behind by a previous process",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			mgr, err := newSandboxManager(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			if err := mgr.Ping(ctx); err != nil {
				return fmt.Errorf("docker unavailable: %w", err)
			}

			removed := mgr.CleanupOrphaned(ctx)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Removed %d orphaned sandbox(es)\n", removed)
			return err
		},
	}
}

func newSandboxManager(cfg *config.Config) (*container.DockerManager, error) {
	opts, err := container.OptionsFromConfig(cfg.Sandbox, cfg.Workspace)
	if err != nil {
		return nil, err
	}
	mgr, err := container.NewDockerManager(opts)
	if err != nil {
		return nil, fmt.Errorf("initialize container manager: %w", err)
	}
	return mgr, nil
}
