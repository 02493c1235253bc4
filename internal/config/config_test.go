package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/g960059/drillgrid/internal/model"
	"github.com/g960059/drillgrid/internal/rules"
)

const sample = `
main_table: data/main.csv
listen_addr: 127.0.0.1:9999
selector_mode: single
promote_column: 5
command_timeout: 2s
promote:
  key_columns: [0, 1]
  data_columns: [3]
  data_files: ["reports/e0.html"]
  flow_field: Stage
rules:
  2:
    - level: 1
      event: row
      range: ""
      fileformat: data/a0/summary.csv
    - level: 2
      event: COL
      range: "1-3"
      template: logs/b0.log
      filetype: shell
      commands: ["less {filename}"]
    - level: 2
      event: row
      template: media/b1.png
search_presets:
  by_col:
    2:
      - - text: failing
          data:
            - field: status
              value: fail
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "drillgrid.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9999" {
		t.Fatalf("listen addr = %q", cfg.ListenAddr)
	}
	if cfg.CommandTimeout != 2*time.Second {
		t.Fatalf("command timeout = %v", cfg.CommandTimeout)
	}
	if cfg.PromoteColumn == nil || *cfg.PromoteColumn != 5 {
		t.Fatalf("promote column = %v", cfg.PromoteColumn)
	}
	if cfg.Separator != "_" || cfg.Monitor.Workers != 4 {
		t.Fatalf("defaults not kept: %+v", cfg)
	}

	table, err := cfg.RuleTable()
	if err != nil {
		t.Fatalf("RuleTable: %v", err)
	}
	got := table.ForColumn(2)
	if len(got) != 3 {
		t.Fatalf("expected 3 rules, got %d", len(got))
	}
	if got[0].Template != "data/a0/summary.csv" || got[0].Kind() != model.KindTable {
		t.Fatalf("unexpected first rule: %+v", got[0])
	}
	shell, ok := got[1].Target.(model.ShellTarget)
	if !ok || got[1].Event != model.EventCol || len(shell.Commands) != 1 {
		t.Fatalf("unexpected shell rule: %+v", got[1])
	}
	media, ok := got[2].Target.(model.MediaTarget)
	if !ok || media.Media != model.MediaImage {
		t.Fatalf("unexpected media rule: %+v", got[2])
	}

	sel, err := cfg.Selector()
	if err != nil || sel.Mode != rules.ModeSingle {
		t.Fatalf("selector = %+v, %v", sel, err)
	}
	if presets := cfg.PresetTable()[2]; len(presets) != 1 || presets[0][0].Terms[0].Value != "fail" {
		t.Fatalf("unexpected presets: %+v", presets)
	}
	settings, err := cfg.Dashboard()
	if err != nil {
		t.Fatalf("Dashboard: %v", err)
	}
	if settings.PromoteColumn != 5 || len(settings.Rules[2]) != 3 || settings.Selector.Mode != rules.ModeSingle {
		t.Fatalf("unexpected dashboard settings: %+v", settings)
	}
	if !cfg.ShellDetachLast || cfg.SessionTTL != 30*time.Minute {
		t.Fatalf("shell/session defaults not kept: %+v", cfg)
	}

	pc := cfg.PromotionConfig()
	if pc.FlowField != "Stage" || len(pc.KeyColumns) != 2 || pc.Separator != "_" {
		t.Fatalf("unexpected promotion config: %+v", pc)
	}
}

func TestLoadRequiresMainTable(t *testing.T) {
	_, err := Load(writeConfig(t, "listen_addr: :1\n"))
	if !errors.Is(err, ErrNoMainTable) {
		t.Fatalf("expected ErrNoMainTable, got %v", err)
	}
}

func TestValidateRejectsCommandsOnNonShellRule(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MainTable = "main.csv"
	cfg.Rules = map[int][]RuleConfig{0: {{Level: 1, Event: "row", Template: "x.csv", Commands: []string{"echo hi"}}}}
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("expected ErrInvalidRule, got %v", err)
	}
}

func TestValidateRejectsBadEventAndMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MainTable = "main.csv"
	cfg.Rules = map[int][]RuleConfig{0: {{Level: 1, Event: "hover", Template: "x.csv"}}}
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("expected ErrInvalidRule, got %v", err)
	}

	cfg.Rules = nil
	cfg.SelectorMode = "fuzzy"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected selector mode validation error")
	}
}

func TestTargetFor(t *testing.T) {
	cases := []struct {
		fileType string
		template string
		want     model.Kind
	}{
		{"", "a0.csv", model.KindTable},
		{"", "a0.PDF", model.KindDocument},
		{"html", "a0", model.KindDocument},
		{"", "clip.webm", model.KindMedia},
		{"media", "clip", model.KindMedia},
		{"", "notes.txt", model.KindOther},
		{"SHELL", "", model.KindShell},
	}
	for _, tc := range cases {
		if got := TargetFor(tc.fileType, tc.template, nil).Kind(); got != tc.want {
			t.Fatalf("TargetFor(%q, %q) = %s, want %s", tc.fileType, tc.template, got, tc.want)
		}
	}
}

func TestNormalizeColumnType(t *testing.T) {
	for in, want := range map[string]string{
		"Numeric":     "float",
		"integer":     "int",
		"eu_datetime": "datetime",
		"text":        "enum",
		"date":        "date",
	} {
		got, ok := NormalizeColumnType(in)
		if !ok || got != want {
			t.Fatalf("NormalizeColumnType(%q) = %q, %v", in, got, ok)
		}
	}
	if _, ok := NormalizeColumnType("blob"); ok {
		t.Fatalf("expected unknown type to be rejected")
	}
}

func TestDashboardWithoutPromoteColumn(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MainTable = "main.csv"
	settings, err := cfg.Dashboard()
	if err != nil {
		t.Fatalf("Dashboard: %v", err)
	}
	if settings.PromoteColumn != -1 {
		t.Fatalf("expected promote intercept disabled, got %d", settings.PromoteColumn)
	}
}

func TestMonitorOptionsResolvesPathsUnderRoot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/srv/data"
	cfg.Monitor.StatePath = "/var/lib/state.json"
	cfg.Monitor.CompleteMark = "DONE"

	opts := cfg.MonitorOptions()
	if opts.Root != "/srv/data" {
		t.Fatalf("expected data dir as root, got %q", opts.Root)
	}
	if opts.RecordsPath != filepath.Join("/srv/data", "records.csv") {
		t.Fatalf("unexpected records path %q", opts.RecordsPath)
	}
	if opts.StatePath != "/var/lib/state.json" {
		t.Fatalf("absolute state path changed: %q", opts.StatePath)
	}
	if len(opts.Patterns) != 1 || opts.Patterns[0] != "*.log" {
		t.Fatalf("unexpected patterns %v", opts.Patterns)
	}
	if opts.Extractor == nil {
		t.Fatalf("expected marker extractor")
	}
}
