package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/g960059/drillgrid/internal/config"
	"github.com/g960059/drillgrid/internal/daemon"
	"github.com/g960059/drillgrid/internal/dispatch"
	"github.com/g960059/drillgrid/internal/tabular"
	"github.com/g960059/drillgrid/internal/testutil"
)

type echoRunner struct{}

func (echoRunner) Run(_ context.Context, _ string, args ...string) ([]byte, error) {
	return []byte("ran " + args[len(args)-1]), nil
}

func (echoRunner) Start(string, ...string) error { return nil }

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for rel, body := range files {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
}

func newDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"main.csv":     "Flow,Lot,Coverage,Promote\nflowA,L1,85,yes\n",
		"steps/L1.csv": "Name\nx0\n",
	})
	promoteCol := 3
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.MainTable = "main.csv"
	cfg.DBPath = filepath.Join(dir, "state.db")
	cfg.PromoteColumn = &promoteCol
	cfg.Promote.KeyColumns = []int{0, 1}
	cfg.Rules = map[int][]config.RuleConfig{1: {{Level: 1, Event: "row", Template: "steps/a1.csv"}}}

	store, _ := testutil.NewStore(t)
	tables := tabular.NewSource(dir)
	main, err := tables.Load(context.Background(), cfg.MainTable)
	if err != nil {
		t.Fatalf("load main: %v", err)
	}
	srv, err := daemon.NewServer(cfg, daemon.Deps{
		Store:    store,
		Main:     main,
		Tables:   tables,
		Executor: dispatch.NewExecutor(dispatch.Options{Runner: echoRunner{}, Audit: store}),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return hs
}

func run(t *testing.T, hs *httptest.Server, stdin string, args ...string) (int, string, string) {
	t.Helper()
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	r := NewRunnerWithClient(hs.URL, hs.Client(), out, errOut).WithInput(strings.NewReader(stdin))
	code := r.Run(context.Background(), args)
	return code, out.String(), errOut.String()
}

func TestUsageErrorsExitTwo(t *testing.T) {
	hs := httptest.NewServer(http.NotFoundHandler())
	defer hs.Close()

	cases := [][]string{
		{},
		{"bogus"},
		{"tasks"},
		{"tasks", "delete"},
		{"promote", "x"},
		{"sessions", "click", "abc", "0"},
		{"health", "--nope"},
		{"tasks", "upsert"},
	}
	for _, args := range cases {
		code, _, stderr := run(t, hs, "", args...)
		if code != 2 {
			t.Fatalf("args %v: expected exit 2, got %d stderr=%s", args, code, stderr)
		}
		if !strings.Contains(stderr, "error:") {
			t.Fatalf("args %v: expected error on stderr, got %q", args, stderr)
		}
	}
}

func TestRequestFailureExitsOne(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"schema_version":"v1","error":{"code":"E_STORE_UNAVAILABLE","message":"store down"}}`)
	})
	hs := httptest.NewServer(mux)
	defer hs.Close()

	code, _, stderr := run(t, hs, "", "health")
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr, "store down") {
		t.Fatalf("expected daemon message on stderr, got %q", stderr)
	}
}

func TestHealthAndMainAgainstDaemon(t *testing.T) {
	hs := newDaemon(t)

	code, out, stderr := run(t, hs, "", "health")
	if code != 0 || !strings.Contains(out, "status\tok") {
		t.Fatalf("health: code=%d out=%q stderr=%q", code, out, stderr)
	}

	code, out, _ = run(t, hs, "", "main")
	if code != 0 {
		t.Fatalf("main: exit %d", code)
	}
	if !strings.Contains(out, "\tFlow\tLot\tCoverage\tPromote\n") || !strings.Contains(out, "*\tflowA\tL1\t85\tyes\n") {
		t.Fatalf("unexpected main output:\n%s", out)
	}

	code, out, _ = run(t, hs, "", "--json", "exists", "steps/L1.csv")
	if code != 0 {
		t.Fatalf("exists: exit %d", code)
	}
	var exists struct {
		Exists bool `json:"exists"`
	}
	if err := json.Unmarshal([]byte(out), &exists); err != nil || !exists.Exists {
		t.Fatalf("unexpected exists output %q err=%v", out, err)
	}
}

func TestTaskCommandsAgainstDaemon(t *testing.T) {
	hs := newDaemon(t)
	raw, err := json.Marshal(testutil.CoverageTask("t1", "flowA", "2025-03-12"))
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}

	code, out, stderr := run(t, hs, string(raw), "tasks", "upsert", "--file", "-")
	if code != 0 || !strings.Contains(out, "saved\tt1") {
		t.Fatalf("upsert: code=%d out=%q stderr=%q", code, out, stderr)
	}

	code, out, _ = run(t, hs, "", "tasks", "list")
	if code != 0 || !strings.Contains(out, "revision\t1\n") || !strings.Contains(out, "t1\tflowA\tt1\t2025-03-12\t-") {
		t.Fatalf("list: code=%d out=%q", code, out)
	}

	code, _, stderr = run(t, hs, "["+string(raw)+"]", "tasks", "replace", "--file", "-", "--revision", "0")
	if code != 1 || !strings.Contains(stderr, "E_CONFLICT") {
		t.Fatalf("stale replace: code=%d stderr=%q", code, stderr)
	}

	code, out, _ = run(t, hs, "["+string(raw)+"]", "tasks", "replace", "--file", "-", "--revision", "1")
	if code != 0 || !strings.Contains(out, "replaced\t1") {
		t.Fatalf("replace: code=%d out=%q", code, out)
	}

	code, out, _ = run(t, hs, "", "tasks", "delete", "t1")
	if code != 0 || !strings.Contains(out, "deleted\tt1") {
		t.Fatalf("delete: code=%d out=%q", code, out)
	}
	if code, _, _ = run(t, hs, "", "tasks", "delete", "t1"); code != 1 {
		t.Fatalf("deleting a missing task should fail, got %d", code)
	}
}

func TestSessionCommandsAgainstDaemon(t *testing.T) {
	hs := newDaemon(t)

	code, out, stderr := run(t, hs, "", "--json", "sessions", "open", "--row", "0", "--col", "1")
	if code != 0 {
		t.Fatalf("open: code=%d stderr=%q", code, stderr)
	}
	var env struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal([]byte(out), &env); err != nil || env.SessionID == "" {
		t.Fatalf("decode session: %v out=%q", err, out)
	}

	code, out, _ = run(t, hs, "", "sessions", "show", env.SessionID)
	if code != 0 || !strings.Contains(out, "step\t0 (1/1)") || !strings.Contains(out, "steps/L1.csv") {
		t.Fatalf("show: code=%d out=%q", code, out)
	}

	code, out, _ = run(t, hs, "", "sessions", "back", env.SessionID)
	if code != 0 || !strings.Contains(out, "moved\tfalse") {
		t.Fatalf("back: code=%d out=%q", code, out)
	}

	if code, _, _ = run(t, hs, "", "sessions", "close", env.SessionID); code != 0 {
		t.Fatalf("close: exit %d", code)
	}
	if code, _, _ = run(t, hs, "", "sessions", "show", env.SessionID); code != 1 {
		t.Fatalf("show after close should fail, got %d", code)
	}
}

func TestPromoteAndShellAgainstDaemon(t *testing.T) {
	hs := newDaemon(t)

	code, out, stderr := run(t, hs, "", "promote", "0")
	if code != 0 || !strings.Contains(out, "key\tflowA_L1") || !strings.Contains(out, "persisted\ttrue") {
		t.Fatalf("promote: code=%d out=%q stderr=%q", code, out, stderr)
	}
	code, out, _ = run(t, hs, "", "promotions", "--key", "flowA_L1")
	if code != 0 || !strings.Contains(out, "\tflowA_L1\t") {
		t.Fatalf("promotions: code=%d out=%q", code, out)
	}
	if code, _, _ = run(t, hs, "", "promote", "7"); code != 1 {
		t.Fatalf("out-of-range row should fail, got %d", code)
	}

	code, out, _ = run(t, hs, "", "shell", "echo hi")
	if code != 0 || !strings.Contains(out, "result\tok") {
		t.Fatalf("shell: code=%d out=%q", code, out)
	}
	code, out, _ = run(t, hs, "", "dispatches", "--limit", "5")
	if code != 0 || !strings.Contains(out, "echo hi") {
		t.Fatalf("dispatches: code=%d out=%q", code, out)
	}
}

func TestMonitorOnceWritesRecords(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"a.log": "start\nEND OF RUN\n",
		"b.log": "start\n",
	})
	hs := httptest.NewServer(http.NotFoundHandler())
	defer hs.Close()

	code, out, stderr := run(t, hs, "", "monitor", "--once", "--root", dir)
	if code != 0 {
		t.Fatalf("monitor: code=%d stderr=%q", code, stderr)
	}
	if !strings.Contains(out, "a.log\tcomplete\t0") || !strings.Contains(out, "b.log\tincomplete\t0") {
		t.Fatalf("unexpected monitor output %q", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "records.csv")); err != nil {
		t.Fatalf("records csv not written: %v", err)
	}
}

func TestDoctorUsesConfigFile(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"main.csv":     "Flow,Lot\nflowA,L1\n",
		"steps/L1.csv": "Name\nx0\n",
		"drillgrid.yaml": "main_table: main.csv\n" +
			"data_dir: " + dir + "\n" +
			"db_path: " + filepath.Join(dir, "state.db") + "\n" +
			"shell: sh\n" +
			"rules:\n  1:\n    - level: 1\n      event: row\n      template: steps/a1.csv\n",
	})
	hs := httptest.NewServer(http.NotFoundHandler())
	defer hs.Close()

	code, out, stderr := run(t, hs, "", "--config", filepath.Join(dir, "drillgrid.yaml"), "doctor")
	if code != 0 {
		t.Fatalf("doctor: code=%d out=%q stderr=%q", code, out, stderr)
	}
	if !strings.Contains(out, "pass\tmain_table\t2 columns, 1 rows") {
		t.Fatalf("unexpected doctor output %q", out)
	}

	if code, _, _ = run(t, hs, "", "doctor"); code != 2 {
		t.Fatalf("doctor without --config should be a usage error, got %d", code)
	}
}
