package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/danmuck/regsync/internal/config"
	"github.com/danmuck/regsync/internal/daemon"
	"github.com/danmuck/regsync/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "regsyncd.toml"

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:   "regsyncd",
		Short: "Serve and replicate reloadable registries",
		Long: `regsyncd loads registries from directory trees and keeps peers in step.

A host serves its registries to guests over TCP or websockets and pushes a
fresh copy after every reload. A guest mirrors what its host sends. Combined
mode runs both sides in one process.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			logging.ConfigureRuntime()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the regsyncd TOML config")
	root.AddCommand(newRunCmd(&configPath), newInitCmd(), newCheckCmd(&configPath), newVersionCmd())
	return root
}

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the node until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), *configPath)
		},
	}
}

func run(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	svc, err := daemon.New(cfg, logging.Component("regsyncd"))
	if err != nil {
		return err
	}
	log.Info().Str("config", configPath).Str("node", cfg.NodeID).Str("mode", string(cfg.Mode)).Msg("regsyncd starting")
	return svc.Run(ctx)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the regsyncd version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "regsyncd", version)
		},
	}
}
