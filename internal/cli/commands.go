package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/g960059/drillgrid/internal/api"
	"github.com/g960059/drillgrid/internal/model"
)

func (r *Runner) healthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show daemon health",
		Args:  exactArgs(0, "health"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			health, err := r.api.Health(cmd.Context())
			if err != nil {
				return err
			}
			return r.emit(health, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "status\t%s\n", health.Status)
				_, _ = fmt.Fprintf(w, "active_sessions\t%d\n", health.ActiveSessions)
				_, _ = fmt.Fprintf(w, "task_revision\t%d\n", health.TaskRevision)
				if health.Dispatch != nil {
					_, _ = fmt.Fprintf(w, "dispatch\t%s\n", health.Dispatch.Current)
				}
			})
		},
	}
}

func (r *Runner) mainCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "main",
		Short: "Print the main table; promotable rows are marked with *",
		Args:  exactArgs(0, "main"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			table, err := r.api.Main(cmd.Context())
			if err != nil {
				return err
			}
			return r.emit(table, func(w io.Writer) { printTable(w, table) })
		},
	}
}

func (r *Runner) tableCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "table <locator>",
		Short: "Print a nested table from the data directory",
		Args:  exactArgs(1, "table <locator>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := r.api.Table(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return r.emit(table, func(w io.Writer) { printTable(w, table) })
		},
	}
}

func (r *Runner) existsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "exists <locator>",
		Short: "Report whether a resource exists",
		Args:  exactArgs(1, "exists <locator>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := r.api.Exists(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			resp := api.ExistsResponse{Locator: args[0], Exists: ok}
			return r.emit(resp, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "%s\t%t\n", resp.Locator, resp.Exists)
			})
		},
	}
}

func (r *Runner) shellCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shell <command>...",
		Short: "Dispatch a command batch through the daemon",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) == 0 {
				return usagef("usage: drillgrid shell <command>...")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := r.api.Shell(cmd.Context(), args)
			if err != nil {
				return err
			}
			return r.emit(resp, func(w io.Writer) {
				for _, out := range resp.Outputs {
					_, _ = fmt.Fprint(w, out)
					if !strings.HasSuffix(out, "\n") {
						_, _ = fmt.Fprintln(w)
					}
				}
				_, _ = fmt.Fprintf(w, "result\t%s\n", resp.Result)
			})
		},
	}
}

func (r *Runner) dispatchesCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dispatches",
		Short: "List recent command dispatches",
		Args:  exactArgs(0, "dispatches [--limit n]"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := r.api.Dispatches(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return r.emit(list, func(w io.Writer) {
				for _, d := range list.Dispatches {
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
						d.AuditID, d.StartedAt.Format("2006-01-02T15:04:05Z07:00"), d.Result, strings.Join(d.Commands, " && "))
				}
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum records")
	return cmd
}

func (r *Runner) tasksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and edit the task collection",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = cmd.Usage()
			return usagef("usage: drillgrid tasks <list|upsert|delete|replace>")
		},
	}

	list := &cobra.Command{
		Use:  "list",
		Args: exactArgs(0, "tasks list"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := r.api.ListTasks(cmd.Context())
			if err != nil {
				return err
			}
			return r.emit(env, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "revision\t%d\n", env.Revision)
				for _, t := range env.Tasks {
					status := string(t.Status)
					if status == "" {
						status = "-"
					}
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Flow, t.Name, t.End, status)
				}
			})
		},
	}

	var upsertFile string
	upsert := &cobra.Command{
		Use:  "upsert --file <path|->",
		Args: exactArgs(0, "tasks upsert --file <path|->"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := r.readDocument(upsertFile)
			if err != nil {
				return err
			}
			var task model.Task
			if err := json.Unmarshal(raw, &task); err != nil {
				return usagef("decode task: %v", err)
			}
			saved, err := r.api.UpsertTask(cmd.Context(), task)
			if err != nil {
				return err
			}
			return r.emit(saved, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "saved\t%s\n", saved.ID)
			})
		},
	}
	upsert.Flags().StringVar(&upsertFile, "file", "", "task JSON document")

	del := &cobra.Command{
		Use:  "delete <id>",
		Args: exactArgs(1, "tasks delete <id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := r.api.DeleteTask(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(r.out, "deleted\t%s\n", args[0])
			return nil
		},
	}

	var (
		replaceFile string
		revision    int64
	)
	replace := &cobra.Command{
		Use:   "replace --file <path|-> [--revision n]",
		Short: "Replace the whole collection; --revision guards against concurrent writers",
		Args:  exactArgs(0, "tasks replace --file <path|-> [--revision n]"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := r.readDocument(replaceFile)
			if err != nil {
				return err
			}
			var tasks []model.Task
			if err := json.Unmarshal(raw, &tasks); err != nil {
				return usagef("decode tasks: %v", err)
			}
			set := model.TaskSet{Tasks: tasks, Revision: revision}
			if err := r.api.WriteAll(cmd.Context(), set); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(r.out, "replaced\t%d\n", len(tasks))
			return nil
		},
	}
	replace.Flags().StringVar(&replaceFile, "file", "", "JSON array of tasks")
	replace.Flags().Int64Var(&revision, "revision", -1, "expected revision; negative writes unconditionally")

	cmd.AddCommand(list, upsert, del, replace)
	return cmd
}

func (r *Runner) promoteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "promote <row>",
		Short: "Promote a main-table row",
		Args:  exactArgs(1, "promote <row>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			row, err := intArg(args[0], "row")
			if err != nil {
				return err
			}
			res, err := r.api.Promote(cmd.Context(), row)
			if err != nil {
				return err
			}
			return r.emit(res, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "key\t%s\n", res.Key)
				_, _ = fmt.Fprintf(w, "flow\t%s\n", res.Flow)
				_, _ = fmt.Fprintf(w, "completed\t%d\n", res.Counters.Completed)
				_, _ = fmt.Fprintf(w, "incomplete\t%d\n", res.Counters.Incomplete)
				_, _ = fmt.Fprintf(w, "due_soon\t%d\n", res.Counters.DueSoonIncomplete)
				_, _ = fmt.Fprintf(w, "persisted\t%t\n", res.Persisted)
				_, _ = fmt.Fprintf(w, "submitted\t%t\n", res.Submitted)
				printNotices(w, res.Notices)
			})
		},
	}
}

func (r *Runner) promotionsCommand() *cobra.Command {
	var (
		key   string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "promotions",
		Short: "List recorded promotions",
		Args:  exactArgs(0, "promotions [--key k] [--limit n]"),
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := r.api.ListPromotions(cmd.Context(), key, limit)
			if err != nil {
				return err
			}
			return r.emit(list, func(w io.Writer) {
				for _, p := range list.Promotions {
					_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", p.PromotionID, p.Key, p.ReceivedAt)
				}
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "promotion key filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum records")
	return cmd
}

func printTable(w io.Writer, table api.TableEnvelope) {
	marked := len(table.PromoteRows) > 0
	if marked {
		_, _ = fmt.Fprint(w, "\t")
	}
	_, _ = fmt.Fprintln(w, strings.Join(table.Headers, "\t"))
	for i, row := range table.Rows {
		if marked {
			mark := " "
			if i < len(table.PromoteRows) && table.PromoteRows[i] {
				mark = "*"
			}
			_, _ = fmt.Fprint(w, mark+"\t")
		}
		_, _ = fmt.Fprintln(w, strings.Join(row, "\t"))
	}
}

func printNotices(w io.Writer, notices []model.Notice) {
	for _, n := range notices {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", n.Level, n.Message)
	}
}

func intArg(raw, name string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return 0, usagef("%s must be a non-negative integer: %q", name, raw)
	}
	return n, nil
}
