package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/g960059/drillgrid/internal/config"
	"github.com/g960059/drillgrid/internal/doctor"
	"github.com/g960059/drillgrid/internal/logging"
	"github.com/g960059/drillgrid/internal/monitor"
)

// monitorCommand runs the log monitor locally, without a daemon.
func (r *Runner) monitorCommand() *cobra.Command {
	var (
		once bool
		root string
	)
	cmd := &cobra.Command{
		Use:   "monitor [--once] [--root dir]",
		Short: "Watch run logs and maintain the records CSV",
		Args:  exactArgs(0, "monitor [--once] [--root dir]"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.DefaultConfig()
			if r.cfgPath != "" {
				loaded, err := config.Load(r.cfgPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if root != "" {
				cfg.Monitor.Root = root
			}
			logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			opts := cfg.MonitorOptions()
			opts.Logger = logger
			m, err := monitor.New(opts)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if !once {
				if err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			}
			if err := m.Scan(ctx); err != nil {
				return err
			}
			if err := m.Drain(ctx); err != nil {
				return err
			}
			records := m.Records()
			return r.emit(records, func(w io.Writer) {
				for _, rec := range records {
					_, _ = fmt.Fprintf(w, "%s\t%s\t%d\n", rec.File, rec.Status, rec.RerunCount)
				}
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "scan once, wait for extractions and exit")
	cmd.Flags().StringVar(&root, "root", "", "directory to watch (overrides config)")
	return cmd
}

// doctorCommand checks a local configuration against its data directory.
func (r *Runner) doctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the config, data directory and rule templates",
		Args:  exactArgs(0, "doctor --config <path>"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if r.cfgPath == "" {
				return usagef("--config is required")
			}
			cfg, err := config.Load(r.cfgPath)
			if err != nil {
				return err
			}
			res, err := doctor.Run(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if err := r.emit(res, func(w io.Writer) {
				for _, c := range res.Checks {
					line := fmt.Sprintf("%s\t%s\t%s", c.Status, c.Name, c.Message)
					if c.Path != "" {
						line += "\t" + c.Path
					}
					_, _ = fmt.Fprintln(w, line)
				}
			}); err != nil {
				return err
			}
			if !res.OK {
				return errors.New("doctor found failing checks")
			}
			return nil
		},
	}
}
