package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/g960059/drillgrid/internal/api"
)

func (r *Runner) sessionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "Drive a dashboard session on the daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = cmd.Usage()
			return usagef("usage: drillgrid sessions <open|show|click|select|back|forward|return|searches|close>")
		},
	}

	var (
		openRow int
		openCol int
	)
	open := &cobra.Command{
		Use:   "open [--row r --col c]",
		Short: "Open a session, optionally clicking a main-table cell",
		Args:  exactArgs(0, "sessions open [--row r --col c]"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			var click *api.ClickRequest
			if cmd.Flags().Changed("row") || cmd.Flags().Changed("col") {
				if openRow < 0 || openCol < 0 {
					return usagef("--row and --col must be non-negative")
				}
				click = &api.ClickRequest{Row: openRow, Col: openCol}
			}
			env, err := r.api.CreateSession(cmd.Context(), click)
			if err != nil {
				return err
			}
			return r.emitSession(env)
		},
	}
	open.Flags().IntVar(&openRow, "row", 0, "main-table row to click")
	open.Flags().IntVar(&openCol, "col", 0, "main-table column to click")

	cmd.AddCommand(
		open,
		r.sessionVerb("show <id>", 1, func(ctx context.Context, id string, _ []int) (api.SessionEnvelope, error) {
			return r.api.Session(ctx, id)
		}),
		r.sessionVerb("click <id> <row> <col>", 3, func(ctx context.Context, id string, n []int) (api.SessionEnvelope, error) {
			return r.api.Click(ctx, id, n[0], n[1])
		}),
		r.sessionVerb("select <id> <view> <row> <col>", 4, func(ctx context.Context, id string, n []int) (api.SessionEnvelope, error) {
			return r.api.Select(ctx, id, n[0], n[1], n[2])
		}),
		r.sessionVerb("back <id>", 1, func(ctx context.Context, id string, _ []int) (api.SessionEnvelope, error) {
			return r.api.Back(ctx, id)
		}),
		r.sessionVerb("forward <id>", 1, func(ctx context.Context, id string, _ []int) (api.SessionEnvelope, error) {
			return r.api.Forward(ctx, id)
		}),
		r.sessionVerb("return <id> <step>", 2, func(ctx context.Context, id string, n []int) (api.SessionEnvelope, error) {
			return r.api.ReturnToStep(ctx, id, n[0])
		}),
		r.searchesCommand(),
		&cobra.Command{
			Use:  "close <id>",
			Args: exactArgs(1, "sessions close <id>"),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := r.api.CloseSession(cmd.Context(), args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(r.out, "closed\t%s\n", args[0])
				return nil
			},
		},
	)
	return cmd
}

// sessionVerb builds a subcommand whose first argument is the session id and
// whose remaining arguments are non-negative integers.
func (r *Runner) sessionVerb(use string, nargs int, call func(ctx context.Context, id string, n []int) (api.SessionEnvelope, error)) *cobra.Command {
	return &cobra.Command{
		Use:  use,
		Args: exactArgs(nargs, "sessions "+use),
		RunE: func(cmd *cobra.Command, args []string) error {
			names := strings.Fields(use)[2:]
			nums := make([]int, 0, len(args)-1)
			for i, raw := range args[1:] {
				n, err := intArg(raw, strings.Trim(names[i], "<>"))
				if err != nil {
					return err
				}
				nums = append(nums, n)
			}
			env, err := call(cmd.Context(), args[0], nums)
			if err != nil {
				return err
			}
			return r.emitSession(env)
		},
	}
}

func (r *Runner) searchesCommand() *cobra.Command {
	var view int
	cmd := &cobra.Command{
		Use:   "searches <id> [--view n]",
		Short: "List search fields and presets for a view",
		Args:  exactArgs(1, "sessions searches <id> [--view n]"),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := r.api.Searches(cmd.Context(), args[0], view)
			if err != nil {
				return err
			}
			return r.emit(env, func(w io.Writer) {
				for _, f := range env.Fields {
					_, _ = fmt.Fprintf(w, "field\t%s\t%s\t%s\n", f.Field, f.Type, strings.Join(f.Operators, ","))
				}
				for _, p := range env.Presets {
					_, _ = fmt.Fprintf(w, "preset\t%s\t%d terms\n", p.Text, len(p.Terms))
				}
			})
		},
	}
	cmd.Flags().IntVar(&view, "view", 0, "view index within the current step")
	return cmd
}

func (r *Runner) emitSession(env api.SessionEnvelope) error {
	return r.emit(env, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "session\t%s\n", env.SessionID)
		if env.Outcome != "" {
			_, _ = fmt.Fprintf(w, "outcome\t%s\n", env.Outcome)
		}
		if env.Reason != "" {
			_, _ = fmt.Fprintf(w, "reason\t%s\n", env.Reason)
		}
		if env.Moved != nil {
			_, _ = fmt.Fprintf(w, "moved\t%t\n", *env.Moved)
		}
		snap := env.Snapshot
		if !snap.Open {
			_, _ = fmt.Fprintln(w, "view\tmain")
		} else {
			_, _ = fmt.Fprintf(w, "step\t%d (%d/%d)\n", snap.Step, snap.Pointer+1, snap.Length)
			labels := make([]string, 0, len(snap.Breadcrumbs))
			for _, c := range snap.Breadcrumbs {
				labels = append(labels, c.Label)
			}
			if len(labels) > 0 {
				_, _ = fmt.Fprintf(w, "path\t%s\n", strings.Join(labels, " > "))
			}
			for _, res := range snap.Resources {
				_, _ = fmt.Fprintf(w, "resource\t%d\t%s\t%s\n", res.Index, res.Kind, res.Locator)
			}
		}
		if env.Promotion != nil {
			_, _ = fmt.Fprintf(w, "promoted\t%s\n", env.Promotion.Key)
		}
		printNotices(w, env.Notices)
	})
}
