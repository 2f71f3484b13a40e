package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/danmuck/regsync/internal/catalog"
	"github.com/danmuck/regsync/internal/config"
	"github.com/danmuck/regsync/internal/loader"
	"github.com/danmuck/regsync/internal/logging"
	"github.com/spf13/cobra"
)

// newCheckCmd loads every registry once without serving, so source trees can
// be validated before a deploy.
func newCheckCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Load the configured roots once and report what registered",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Mode == config.ModeGuest {
				return fmt.Errorf("check needs local roots; %s is a guest config", *configPath)
			}
			logger := logging.Component("check")
			src, err := loader.NewDir(cfg.Roots, &logger)
			if err != nil {
				return err
			}
			cat, err := catalog.New(catalog.Options{Logger: &logger, Workers: cfg.Workers})
			if err != nil {
				return err
			}
			if err := cat.Load(cmd.Context(), src, cfg.ConditionContext()); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "REGISTRY\tENTRIES\tSYNCED")
			for _, r := range cat.Registries() {
				info := r.Info()
				fmt.Fprintf(w, "%s\t%d\t%t\n", info.Path, info.Entries, info.Synced)
			}
			return w.Flush()
		},
	}
}
