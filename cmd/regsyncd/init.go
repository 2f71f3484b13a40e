package main

import (
	"fmt"

	"github.com/danmuck/regsync/internal/config"
	"github.com/spf13/cobra"
)

func newInitCmd() *cobra.Command {
	var (
		mode  string
		path  string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config",
		Long: `Write a starter regsyncd config for the given mode.

Modes are host, guest and combined. An existing file is left alone unless
--force is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.WriteTemplate(path, mode, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config to %s\n", mode, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(config.ModeHost), "node mode: host, guest or combined")
	cmd.Flags().StringVarP(&path, "out", "o", defaultConfigPath, "where to write the config")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
