package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/g960059/drillgrid/internal/api"
	"github.com/g960059/drillgrid/internal/config"
	"github.com/g960059/drillgrid/internal/dashboard"
	"github.com/g960059/drillgrid/internal/db"
	"github.com/g960059/drillgrid/internal/dispatch"
	"github.com/g960059/drillgrid/internal/logging"
	"github.com/g960059/drillgrid/internal/metrics"
	"github.com/g960059/drillgrid/internal/model"
	"github.com/g960059/drillgrid/internal/promotion"
	"github.com/g960059/drillgrid/internal/security"
	"github.com/g960059/drillgrid/internal/tabular"
	"github.com/g960059/drillgrid/internal/tasks"
)

const (
	maxBodyBytes        = 8 << 20
	defaultListLimit    = 50
	shutdownGracePeriod = 5 * time.Second
)

var ErrNoStore = errors.New("daemon needs a store")

// Deps are the collaborators of a Server. Tables and Executor default to a
// data-dir source and a local shell executor built from the config.
type Deps struct {
	Store    *db.Store
	Main     model.Table
	Tables   *tabular.Source
	Executor *dispatch.Executor
	Logger   *zap.Logger
	Now      func() time.Time
}

type Server struct {
	cfg         config.Config
	settings    dashboard.Settings
	httpSrv     *http.Server
	mux         *http.ServeMux
	listener    net.Listener
	lockFile    *os.File
	store       *db.Store
	tables      *tabular.Source
	executor    *dispatch.Executor
	tasks       *tasks.Service
	aggregator  *promotion.Aggregator
	main        model.Table
	logger      *zap.Logger
	now         func() time.Time
	writeMu     sync.Mutex
	mu          sync.Mutex
	sessionsMu  sync.Mutex
	sessions    map[string]*session
	shutdown    sync.Once
	shutdownErr error
}

func NewServer(cfg config.Config, deps Deps) (*Server, error) {
	if len(deps.Main.Headers) == 0 {
		return nil, config.ErrNoMainTable
	}
	if deps.Store == nil {
		return nil, ErrNoStore
	}
	settings, err := cfg.Dashboard()
	if err != nil {
		return nil, fmt.Errorf("dashboard settings: %w", err)
	}

	logger := logging.OrNop(deps.Logger)
	mux := http.NewServeMux()
	s := &Server{
		cfg:      cfg,
		settings: settings,
		mux:      mux,
		store:    deps.Store,
		tables:   deps.Tables,
		executor: deps.Executor,
		main:     deps.Main,
		logger:   logger,
		now:      deps.Now,
		sessions: map[string]*session{},
		httpSrv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.tables == nil {
		s.tables = tabular.NewSource(cfg.DataDir)
	}
	if s.executor == nil {
		s.executor = dispatch.NewExecutor(dispatch.Options{
			Shell:        cfg.Shell,
			Timeout:      cfg.CommandTimeout,
			RetryBackoff: cfg.RetryBackoff,
			DetachLast:   cfg.ShellDetachLast,
			Audit:        s.store,
			Logger:       logger.Named("dispatch"),
		})
	}
	s.tasks = tasks.New(tasks.Options{
		Store:  s.store,
		Lock:   &s.writeMu,
		Logger: logger.Named("tasks"),
	})
	s.aggregator = promotion.New(promotion.Options{
		Store:  s.store,
		Sink:   s.store,
		Config: cfg.PromotionConfig(),
		Logger: logger.Named("promotion"),
		Lock:   &s.writeMu,
		Now:    s.now,
	})

	mux.HandleFunc("/v1/health", s.healthHandler)
	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/api/tasks", s.tasksAPIHandler)
	mux.HandleFunc("/api/promote", s.promoteAPIHandler)
	mux.HandleFunc("/api/shell", s.shellAPIHandler)
	mux.HandleFunc("/api/exists", s.existsAPIHandler)
	mux.HandleFunc("/api/table", s.tableAPIHandler)

	mux.HandleFunc("/v1/main", s.mainHandler)
	mux.HandleFunc("/v1/tasks", s.tasksHandler)
	mux.HandleFunc("/v1/tasks/", s.taskByIDHandler)
	mux.HandleFunc("/v1/sessions", s.sessionsHandler)
	mux.HandleFunc("/v1/sessions/", s.sessionByIDHandler)
	mux.HandleFunc("/v1/promote", s.promoteHandler)
	mux.HandleFunc("/v1/dispatches", s.dispatchesHandler)
	return s, nil
}

// Handler exposes the routes without a listener.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Addr is the bound listen address once Start has opened the listener.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Start(ctx context.Context) error {
	if err := s.acquireLock(); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("daemon listening", zap.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if s.httpSrv != nil {
			if err := s.httpSrv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Lock()
		s.listener = nil
		s.mu.Unlock()
		s.closeSessions()
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	status := "ok"
	dh := s.executor.Health()
	if dh.Current != dispatch.HealthOK {
		status = "degraded"
	}
	rev, err := s.store.Revision(r.Context())
	if err != nil {
		status = "degraded"
	}
	resp := api.HealthResponse{
		SchemaVersion:  api.SchemaVersion,
		GeneratedAt:    s.now().UTC(),
		Status:         status,
		Dispatch:       &dh,
		ActiveSessions: s.sessionCount(),
		TaskRevision:   rev,
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// tasksAPIHandler serves the raw task array. The collection revision is
// carried in ETag and checked through If-Match on PUT.
func (s *Server) tasksAPIHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		set, err := s.tasks.List(r.Context())
		if err != nil {
			s.logger.Warn("list tasks", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, model.ErrStoreUnavailable, "failed to read tasks")
			return
		}
		w.Header().Set("ETag", etag(set.Revision))
		s.writeJSON(w, http.StatusOK, set.Tasks)
	case http.MethodPut:
		revision, err := parseIfMatch(r.Header.Get("If-Match"))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
			return
		}
		var list []model.Task
		if err := decodeJSON(w, r, &list); err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrValidation, "invalid task array")
			return
		}
		if err := s.tasks.Replace(r.Context(), list, revision); err != nil {
			s.writeTaskError(w, err)
			return
		}
		s.writeTasks(w, r.Context())
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPut)
	}
}

func (s *Server) tasksHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeTasks(w, r.Context())
	case http.MethodPost:
		var task model.Task
		if err := decodeJSON(w, r, &task); err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrValidation, "invalid task")
			return
		}
		saved, err := s.tasks.Upsert(r.Context(), task)
		if err != nil {
			s.writeTaskError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, api.TaskEnvelope{
			SchemaVersion: api.SchemaVersion,
			GeneratedAt:   s.now().UTC(),
			Task:          saved,
		})
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) taskByIDHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
	if id == "" || strings.Contains(id, "/") {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "task not found")
		return
	}
	if r.Method != http.MethodDelete {
		s.methodNotAllowed(w, http.MethodDelete)
		return
	}
	if err := s.tasks.Delete(r.Context(), id); err != nil {
		s.writeTaskError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeTasks(w http.ResponseWriter, ctx context.Context) {
	set, err := s.tasks.List(ctx)
	if err != nil {
		s.logger.Warn("list tasks", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, model.ErrStoreUnavailable, "failed to read tasks")
		return
	}
	w.Header().Set("ETag", etag(set.Revision))
	s.writeJSON(w, http.StatusOK, api.TasksEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now().UTC(),
		Revision:      set.Revision,
		Tasks:         set.Tasks,
	})
}

func (s *Server) writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tasks.ErrInvalidTask):
		s.writeError(w, http.StatusBadRequest, model.ErrValidation, err.Error())
	case errors.Is(err, tasks.ErrNotFound):
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "task not found")
	case errors.Is(err, db.ErrConflict):
		s.writeError(w, http.StatusPreconditionFailed, model.ErrConflict, "task collection changed; reload and retry")
	case errors.Is(err, db.ErrDuplicate):
		s.writeError(w, http.StatusConflict, model.ErrValidation, "duplicate task id")
	default:
		s.logger.Warn("task write failed", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, model.ErrStoreUnavailable, "failed to write tasks")
	}
}

// promoteAPIHandler is the promotion sink endpoint: it records a payload
// of the form {key: {...}}.
func (s *Server) promoteAPIHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var payload promotion.Payload
		if err := decodeJSON(w, r, &payload); err != nil || strings.TrimSpace(payload.Key) == "" {
			s.writeError(w, http.StatusBadRequest, model.ErrValidation, "payload must be an object with a single key")
			return
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrValidation, err.Error())
			return
		}
		rec, err := s.store.RecordPromotion(r.Context(), payload.Key, raw)
		if err != nil {
			s.logger.Warn("record promotion", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, model.ErrStoreUnavailable, "failed to record promotion")
			return
		}
		s.writeJSON(w, http.StatusCreated, api.PromotionRecorded{
			SchemaVersion: api.SchemaVersion,
			GeneratedAt:   s.now().UTC(),
			PromotionID:   rec.PromotionID,
			Key:           rec.Key,
		})
	case http.MethodGet:
		limit, err := parseLimit(r.URL.Query().Get("limit"))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
			return
		}
		recs, err := s.store.ListPromotions(r.Context(), r.URL.Query().Get("key"), limit)
		if err != nil {
			s.writeError(w, http.StatusServiceUnavailable, model.ErrStoreUnavailable, "failed to list promotions")
			return
		}
		items := make([]api.PromotionItem, 0, len(recs))
		for _, rec := range recs {
			items = append(items, api.PromotionItem{
				PromotionID: rec.PromotionID,
				Key:         rec.Key,
				Payload:     rec.Payload,
				ReceivedAt:  rec.ReceivedAt.Format(time.RFC3339Nano),
			})
		}
		s.writeJSON(w, http.StatusOK, api.PromotionsEnvelope{
			SchemaVersion: api.SchemaVersion,
			GeneratedAt:   s.now().UTC(),
			Promotions:    items,
		})
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) shellAPIHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.ShellRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrValidation, "invalid shell request")
		return
	}
	results, err := s.executor.RunBatch(r.Context(), req.Commands)
	if errors.Is(err, dispatch.ErrEmptyCommand) {
		s.writeError(w, http.StatusBadRequest, model.ErrValidation, "commands are required")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusBadGateway, model.ErrDispatchFailed, security.RedactCommand(err.Error()))
		return
	}
	outputs := make([]string, 0, len(results))
	for _, res := range results {
		outputs = append(outputs, res.Output)
	}
	s.writeJSON(w, http.StatusOK, api.ShellResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now().UTC(),
		Result:        "ok",
		Outputs:       outputs,
	})
}

func (s *Server) existsAPIHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	locator := r.URL.Query().Get("locator")
	ok, err := s.tables.Exists(r.Context(), locator)
	if err != nil {
		s.writeTableError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ExistsResponse{Locator: locator, Exists: ok})
}

func (s *Server) tableAPIHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	locator := r.URL.Query().Get("locator")
	table, err := s.tables.Load(r.Context(), locator)
	if err != nil {
		s.writeTableError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.TableEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now().UTC(),
		Locator:       locator,
		Headers:       table.Headers,
		Rows:          table.Rows,
	})
}

func (s *Server) writeTableError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tabular.ErrOutsideRoot):
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
	case errors.Is(err, tabular.ErrNotFound):
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, err.Error())
	case errors.Is(err, tabular.ErrEmptyTable):
		s.writeError(w, http.StatusUnprocessableEntity, model.ErrValidation, err.Error())
	default:
		s.logger.Warn("table source failed", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, model.ErrStoreUnavailable, "table source unavailable")
	}
}

func (s *Server) mainHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	ctrl := dashboard.New(dashboard.Options{Settings: s.settings, Main: s.main})
	promoteRows := make([]bool, len(s.main.Rows))
	for i := range s.main.Rows {
		promoteRows[i] = ctrl.PromoteEnabled(i)
	}
	fields, presets := ctrl.MainSearches()
	s.writeJSON(w, http.StatusOK, api.TableEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now().UTC(),
		Locator:       s.cfg.MainTable,
		Headers:       s.main.Headers,
		Rows:          s.main.Rows,
		PromoteRows:   promoteRows,
		Searches:      fields,
		Presets:       presets,
	})
}

func (s *Server) promoteHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var req api.PromoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrValidation, "invalid promote request")
		return
	}
	res, err := s.aggregator.Promote(r.Context(), s.main, req.Row)
	switch {
	case errors.Is(err, promotion.ErrRowOutOfRange):
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
		return
	case errors.Is(err, promotion.ErrNoFlow):
		s.writeError(w, http.StatusUnprocessableEntity, model.ErrValidation, err.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.PromoteResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now().UTC(),
		Result:        res,
	})
}

func (s *Server) dispatchesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
		return
	}
	recs, err := s.store.ListDispatches(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, model.ErrStoreUnavailable, "failed to list dispatches")
		return
	}
	s.writeJSON(w, http.StatusOK, api.DispatchesEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now().UTC(),
		Dispatches:    recs,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	resp := api.ErrorResponse{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now().UTC(),
		Error: api.APIError{
			Code:    code,
			Message: msg,
		},
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allow ...string) {
	if len(allow) > 0 {
		w.Header().Set("Allow", strings.Join(allow, ", "))
	}
	s.writeError(w, http.StatusMethodNotAllowed, model.ErrRefInvalid, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("trailing data after json body")
	}
	return nil
}

func etag(revision int64) string {
	return strconv.Quote(strconv.FormatInt(revision, 10))
}

// parseIfMatch maps an If-Match header onto a collection revision. An
// absent header or "*" means any revision.
func parseIfMatch(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "*" {
		return db.AnyRevision, nil
	}
	raw = strings.TrimPrefix(raw, "W/")
	raw = strings.Trim(raw, `"`)
	rev, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || rev < 0 {
		return 0, fmt.Errorf("invalid If-Match revision")
	}
	return rev, nil
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit")
	}
	return n, nil
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.DBPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
