package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/g960059/drillgrid/internal/config"
	"github.com/g960059/drillgrid/internal/model"
	"github.com/g960059/drillgrid/internal/pattern"
	"github.com/g960059/drillgrid/internal/tabular"
)

const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"
)

type Check struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

type Result struct {
	OK       bool     `json:"ok"`
	Checks   []Check  `json:"checks"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r *Result) add(c Check) {
	r.Checks = append(r.Checks, c)
	switch c.Status {
	case StatusWarn:
		r.Warnings = append(r.Warnings, fmt.Sprintf("%s: %s", c.Name, c.Message))
	case StatusFail:
		r.OK = false
	}
}

// Run checks a configuration against its data directory. Problems are
// reported as checks; the error return is reserved for a cancelled ctx.
func Run(ctx context.Context, cfg config.Config) (Result, error) {
	out := Result{OK: true}

	out.add(checkDir("data_dir", cfg.DataDir))
	if err := cfg.Validate(); err != nil {
		out.add(Check{Name: "config", Status: StatusFail, Message: err.Error()})
		return out, nil
	}
	out.add(Check{Name: "config", Status: StatusPass, Message: "valid"})

	tables := tabular.NewSource(cfg.DataDir)
	main, err := tables.Load(ctx, cfg.MainTable)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		out.add(Check{Name: "main_table", Status: StatusFail, Message: err.Error(), Path: cfg.MainTable})
		return out, nil
	}
	if len(main.Headers) == 0 {
		out.add(Check{Name: "main_table", Status: StatusFail, Message: "no header row", Path: cfg.MainTable})
		return out, nil
	}
	out.add(Check{
		Name:    "main_table",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d columns, %d rows", len(main.Headers), len(main.Rows)),
		Path:    cfg.MainTable,
	})

	out.add(checkPromote(cfg, main))
	for _, c := range checkRules(ctx, cfg, main, tables) {
		out.add(c)
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	out.add(checkShell(cfg.Shell))
	out.add(checkParent("db_path", cfg.DBPath))
	if cfg.Monitor.Enabled {
		out.add(checkDir("monitor_root", cfg.MonitorOptions().Root))
	}
	return out, nil
}

func checkDir(name, path string) Check {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return Check{Name: name, Status: StatusFail, Message: "directory not found", Path: path}
	case err != nil:
		return Check{Name: name, Status: StatusFail, Message: fmt.Sprintf("stat error: %v", err), Path: path}
	case !info.IsDir():
		return Check{Name: name, Status: StatusFail, Message: "not a directory", Path: path}
	}
	return Check{Name: name, Status: StatusPass, Message: "present", Path: path}
}

func checkParent(name, path string) Check {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); err != nil {
		return Check{Name: name, Status: StatusWarn, Message: "parent directory will be created", Path: path}
	}
	return Check{Name: name, Status: StatusPass, Message: "parent directory present", Path: path}
}

func checkShell(shell string) Check {
	if strings.TrimSpace(shell) == "" {
		return Check{Name: "shell", Status: StatusFail, Message: "no shell configured"}
	}
	if _, err := exec.LookPath(shell); err != nil {
		return Check{Name: "shell", Status: StatusWarn, Message: "shell not found; shell rules will fail", Path: shell}
	}
	return Check{Name: "shell", Status: StatusPass, Message: "found", Path: shell}
}

func checkPromote(cfg config.Config, main model.Table) Check {
	width := len(main.Headers)
	if cfg.PromoteColumn == nil {
		return Check{Name: "promote", Status: StatusPass, Message: "promotion disabled"}
	}
	if *cfg.PromoteColumn >= width {
		return Check{Name: "promote", Status: StatusFail, Message: fmt.Sprintf("promote column %d beyond %d columns", *cfg.PromoteColumn, width)}
	}
	for _, group := range [][]int{cfg.Promote.KeyColumns, cfg.Promote.DataColumns} {
		for _, col := range group {
			if col >= width {
				return Check{Name: "promote", Status: StatusFail, Message: fmt.Sprintf("column %d beyond %d columns", col, width)}
			}
		}
	}
	if f := strings.TrimSpace(cfg.Promote.FlowField); f != "" && main.FieldIndex(f) < 0 {
		return Check{Name: "promote", Status: StatusFail, Message: fmt.Sprintf("flow field %q is not a header", f)}
	}
	if len(cfg.Promote.KeyColumns) == 0 {
		return Check{Name: "promote", Status: StatusWarn, Message: "no key columns; every row shares one key"}
	}
	return Check{Name: "promote", Status: StatusPass, Message: fmt.Sprintf("column %q", main.Header(*cfg.PromoteColumn))}
}

// checkRules reports trigger columns outside the main table and level-1
// templates that do not resolve to an existing file for the first row.
// Deeper levels depend on nested rows and are not probed.
func checkRules(ctx context.Context, cfg config.Config, main model.Table, tables *tabular.Source) []Check {
	table, err := cfg.RuleTable()
	if err != nil {
		return []Check{{Name: "rules", Status: StatusFail, Message: err.Error()}}
	}
	if len(table) == 0 {
		return []Check{{Name: "rules", Status: StatusWarn, Message: "no drilldown rules configured"}}
	}
	cols := make([]int, 0, len(table))
	for col := range table {
		cols = append(cols, col)
	}
	sort.Ints(cols)

	first, hasRow := main.Context(0)
	var out []Check
	for _, col := range cols {
		name := fmt.Sprintf("rules[%d]", col)
		if col >= len(main.Headers) {
			out = append(out, Check{Name: name, Status: StatusWarn, Message: fmt.Sprintf("trigger column beyond %d columns", len(main.Headers))})
			continue
		}
		missing := 0
		probed := 0
		for _, r := range table[col] {
			if r.Level != 1 || r.Kind() == model.KindShell || !hasRow {
				continue
			}
			locator := pattern.Resolve(r.Template, []model.RowContext{first})
			ok, err := tables.Exists(ctx, locator)
			probed++
			if err != nil || !ok {
				missing++
				out = append(out, Check{Name: name, Status: StatusWarn, Message: "level 1 resource missing for row 0", Path: locator})
			}
		}
		if missing == 0 {
			out = append(out, Check{
				Name:    name,
				Status:  StatusPass,
				Message: fmt.Sprintf("%d rules on %q, %d probed", len(table[col]), main.Header(col), probed),
			})
		}
	}
	return out
}
