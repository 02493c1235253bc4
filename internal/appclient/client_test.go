package appclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/g960059/drillgrid/internal/api"
	"github.com/g960059/drillgrid/internal/config"
	"github.com/g960059/drillgrid/internal/daemon"
	"github.com/g960059/drillgrid/internal/dispatch"
	"github.com/g960059/drillgrid/internal/model"
	"github.com/g960059/drillgrid/internal/promotion"
	"github.com/g960059/drillgrid/internal/tabular"
	"github.com/g960059/drillgrid/internal/testutil"
)

type okRunner struct{ calls atomic.Int32 }

func (r *okRunner) Run(context.Context, string, ...string) ([]byte, error) {
	r.calls.Add(1)
	return []byte("ok"), nil
}

func (r *okRunner) Start(string, ...string) error {
	r.calls.Add(1)
	return nil
}

func newDaemonClient(t *testing.T) (*Client, *okRunner) {
	t.Helper()
	dir := t.TempDir()
	for rel, body := range map[string]string{
		"main.csv":     "Flow,Lot,Coverage,Promote\nflowA,L1,85,yes\n",
		"steps/L1.csv": "Name\nx0\n",
	} {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
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
	runner := &okRunner{}
	srv, err := daemon.NewServer(cfg, daemon.Deps{
		Store:    store,
		Main:     main,
		Tables:   tables,
		Executor: dispatch.NewExecutor(dispatch.Options{Runner: runner, Audit: store}),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return NewWithClient(hs.URL, hs.Client()), runner
}

func TestTaskStoreRoundTripAndConflict(t *testing.T) {
	client, _ := newDaemonClient(t)
	ctx := context.Background()

	set, err := client.ReadAll(ctx)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if set.Revision != 0 || len(set.Tasks) != 0 {
		t.Fatalf("unexpected initial set: %+v", set)
	}

	set.Tasks = []model.Task{testutil.CoverageTask("t1", "flowA", "2025-03-12")}
	if err := client.WriteAll(ctx, set); err != nil {
		t.Fatalf("write all: %v", err)
	}
	err = client.WriteAll(ctx, set)
	if !errors.Is(err, model.ErrRevisionConflict) {
		t.Fatalf("expected revision conflict, got %v", err)
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.StatusCode != http.StatusPreconditionFailed || reqErr.Retryable() {
		t.Fatalf("unexpected request error: %#v", err)
	}

	set.Revision = -1
	if err := client.WriteAll(ctx, set); err != nil {
		t.Fatalf("unconditional write: %v", err)
	}
	got, err := client.ReadAll(ctx)
	if err != nil || got.Revision != 2 || got.Tasks[0].ID != "t1" {
		t.Fatalf("unexpected set: %+v err=%v", got, err)
	}
}

func TestRemoteAggregatorUsesClientAsStoreAndSink(t *testing.T) {
	client, _ := newDaemonClient(t)
	ctx := context.Background()
	if _, err := client.UpsertTask(ctx, testutil.CoverageTask("t1", "flowA", "2025-03-12")); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	agg := promotion.New(promotion.Options{
		Store:    client,
		Sink:     client,
		Config:   promotion.Config{KeyColumns: []int{0, 1}},
		Now:      func() time.Time { return time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC) },
		Location: time.UTC,
	})
	table := model.Table{
		Headers: []string{"Flow", "Lot", "Coverage"},
		Rows:    [][]string{{"flowA", "L9", "91"}},
	}
	res, err := agg.Promote(ctx, table, 0)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if !res.Persisted || !res.Submitted || res.Counters.Completed != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}

	list, err := client.ListPromotions(ctx, "flowA_L9", 5)
	if err != nil || len(list.Promotions) != 1 {
		t.Fatalf("expected one promotion, got %+v err=%v", list, err)
	}
	tasks, err := client.ListTasks(ctx)
	if err != nil || tasks.Tasks[0].Status != model.StatusComplete {
		t.Fatalf("status not persisted: %+v err=%v", tasks, err)
	}
}

func TestSessionCalls(t *testing.T) {
	client, _ := newDaemonClient(t)
	ctx := context.Background()

	env, err := client.CreateSession(ctx, &api.ClickRequest{Row: 0, Col: 1})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if env.Outcome != "opened" || env.Snapshot.Resources[0].Locator != "steps/L1.csv" {
		t.Fatalf("unexpected session: %+v", env)
	}

	back, err := client.Back(ctx, env.SessionID)
	if err != nil || back.Moved == nil || *back.Moved {
		t.Fatalf("unexpected back: %+v err=%v", back, err)
	}

	searches, err := client.Searches(ctx, env.SessionID, 0)
	if err != nil || searches.Fields == nil {
		t.Fatalf("unexpected searches: %+v err=%v", searches, err)
	}

	_, err = client.Select(ctx, env.SessionID, 3, 0, 0)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Code != model.ErrRefInvalid {
		t.Fatalf("expected E_REF_INVALID, got %v", err)
	}

	if err := client.CloseSession(ctx, env.SessionID); err != nil {
		t.Fatalf("close session: %v", err)
	}
	if _, err := client.Session(ctx, env.SessionID); !errors.As(err, &reqErr) || reqErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after close, got %v", err)
	}
	if _, err := client.Session(ctx, " "); err == nil {
		t.Fatalf("expected empty session id to be rejected")
	}
}

func TestDispatcherAndExistenceChecker(t *testing.T) {
	client, runner := newDaemonClient(t)
	ctx := context.Background()

	if err := client.Run(ctx, []string{"echo hi"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if runner.calls.Load() != 1 {
		t.Fatalf("expected one runner call, got %d", runner.calls.Load())
	}
	audit, err := client.Dispatches(ctx, 10)
	if err != nil || len(audit.Dispatches) != 1 {
		t.Fatalf("unexpected audit: %+v err=%v", audit, err)
	}

	ok, err := client.Exists(ctx, "steps/L1.csv")
	if err != nil || !ok {
		t.Fatalf("expected existing table, got %v err=%v", ok, err)
	}
	if _, err := client.Exists(ctx, "/etc/passwd"); err == nil {
		t.Fatalf("expected absolute locator to be rejected")
	}

	main, err := client.Main(ctx)
	if err != nil || len(main.Rows) != 1 || !main.PromoteRows[0] {
		t.Fatalf("unexpected main table: %+v err=%v", main, err)
	}
}

func TestRequestErrorFallsBackToStatusCode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "upstream down")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := NewWithClient(srv.URL, srv.Client()).Health(context.Background())
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("expected RequestError, got %v", err)
	}
	if reqErr.Code != "HTTP_502" || reqErr.Message != "upstream down" || !reqErr.Retryable() {
		t.Fatalf("unexpected request error: %+v", reqErr)
	}
	if errors.Is(err, model.ErrRevisionConflict) {
		t.Fatalf("502 must not look like a revision conflict")
	}
}

func TestWaitReadyRetriesUntilHealthy(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"schema_version":"v1","error":{"code":"E_STORE_UNAVAILABLE","message":"starting"}}`)
			return
		}
		_, _ = io.WriteString(w, `{"schema_version":"v1","status":"ok"}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	health, err := NewWithClient(srv.URL, srv.Client()).WaitReady(ctx, WaitOptions{MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("wait ready: %v", err)
	}
	if health.Status != "ok" || calls.Load() != 3 {
		t.Fatalf("unexpected health %+v after %d calls", health, calls.Load())
	}
}

func TestNewAddsSchemeToBareAddress(t *testing.T) {
	if got := New("127.0.0.1:8787/").baseURL; got != "http://127.0.0.1:8787" {
		t.Fatalf("unexpected base url %q", got)
	}
}
