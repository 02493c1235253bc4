package daemon

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/g960059/drillgrid/internal/api"
	"github.com/g960059/drillgrid/internal/dashboard"
	"github.com/g960059/drillgrid/internal/metrics"
	"github.com/g960059/drillgrid/internal/model"
	"github.com/g960059/drillgrid/internal/navigation"
	"github.com/g960059/drillgrid/internal/promotion"
	"github.com/g960059/drillgrid/internal/tabular"
)

// session is one dashboard with its own navigation history. mu serializes
// requests against ctrl; notices are appended by the engine while mu is held.
type session struct {
	mu       sync.Mutex
	id       string
	ctrl     *dashboard.Controller
	notices  []model.Notice
	lastUsed time.Time
}

func (ss *session) notify(n model.Notice) {
	ss.notices = append(ss.notices, n)
}

func (ss *session) drainNotices() []model.Notice {
	out := ss.notices
	ss.notices = nil
	return out
}

func (s *Server) newSession() *session {
	ss := &session{id: uuid.NewString(), lastUsed: s.now()}
	logger := s.logger.Named("session").With(zap.String("session_id", ss.id))
	engine := navigation.New(navigation.Options{
		Selector:   s.settings.Selector,
		Dispatcher: s.executor,
		Exists:     s.tables,
		Notifier:   navigation.NotifierFunc(ss.notify),
		Logger:     logger,
		Separator:  s.cfg.Separator,
	})
	ss.ctrl = dashboard.New(dashboard.Options{
		Settings:   s.settings,
		Main:       s.main,
		Tables:     s.tables,
		Engine:     engine,
		Aggregator: s.aggregator,
		Logger:     logger,
	})

	s.sessionsMu.Lock()
	s.pruneSessionsLocked()
	s.sessions[ss.id] = ss
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
	s.sessionsMu.Unlock()
	return ss
}

// lockSession returns the session locked for the caller. The release func
// must be called exactly once.
func (s *Server) lockSession(id string) (*session, func(), bool) {
	s.sessionsMu.Lock()
	ss, ok := s.sessions[id]
	if ok {
		ss.lastUsed = s.now()
	}
	s.sessionsMu.Unlock()
	if !ok {
		return nil, nil, false
	}
	ss.mu.Lock()
	return ss, ss.mu.Unlock, true
}

func (s *Server) removeSession(id string) {
	s.sessionsMu.Lock()
	delete(s.sessions, id)
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
	s.sessionsMu.Unlock()
}

func (s *Server) sessionCount() int {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return len(s.sessions)
}

// pruneSessionsLocked drops sessions idle longer than the TTL. Sessions
// busy with a request are left for the next pass.
func (s *Server) pruneSessionsLocked() {
	if s.cfg.SessionTTL <= 0 {
		return
	}
	cutoff := s.now().Add(-s.cfg.SessionTTL)
	for id, ss := range s.sessions {
		if !ss.lastUsed.Before(cutoff) {
			continue
		}
		if !ss.mu.TryLock() {
			continue
		}
		ss.ctrl.Close()
		ss.mu.Unlock()
		delete(s.sessions, id)
		s.logger.Debug("session expired", zap.String("session_id", id))
	}
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
}

func (s *Server) closeSessions() {
	s.sessionsMu.Lock()
	open := s.sessions
	s.sessions = map[string]*session{}
	metrics.ActiveSessions.Set(0)
	s.sessionsMu.Unlock()
	for _, ss := range open {
		ss.mu.Lock()
		ss.ctrl.Close()
		ss.mu.Unlock()
	}
}

// sessionsHandler creates a session. A body of {"row":R,"col":C} applies a
// first main-table click.
func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	var click *api.ClickRequest
	if r.ContentLength != 0 {
		var req api.ClickRequest
		if err := decodeJSON(w, r, &req); err == nil {
			click = &req
		} else if r.ContentLength > 0 {
			s.writeError(w, http.StatusBadRequest, model.ErrValidation, "invalid click request")
			return
		}
	}

	ss := s.newSession()
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if click == nil {
		s.writeSession(w, http.StatusCreated, ss, dashboard.ClickResult{}, nil)
		return
	}
	res, err := ss.ctrl.ClickMain(r.Context(), click.Row, click.Col)
	if err != nil {
		ss.ctrl.Close()
		s.removeSession(ss.id)
		s.writeSessionError(w, err)
		return
	}
	s.writeSession(w, http.StatusCreated, ss, res, nil)
}

func (s *Server) sessionByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/sessions/"), "/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" || strings.Contains(action, "/") {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "session not found")
		return
	}
	ss, release, ok := s.lockSession(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "session not found")
		return
	}
	defer release()

	ctx := r.Context()
	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			s.writeSession(w, http.StatusOK, ss, dashboard.ClickResult{}, nil)
		case http.MethodDelete:
			ss.ctrl.Close()
			s.removeSession(id)
			w.WriteHeader(http.StatusNoContent)
		default:
			s.methodNotAllowed(w, http.MethodGet, http.MethodDelete)
		}
	case "click":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		var req api.ClickRequest
		if err := decodeJSON(w, r, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrValidation, "invalid click request")
			return
		}
		res, err := ss.ctrl.ClickMain(ctx, req.Row, req.Col)
		if err != nil {
			s.writeSessionError(w, err)
			return
		}
		s.writeSession(w, http.StatusOK, ss, res, nil)
	case "select":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		var req api.SelectRequest
		if err := decodeJSON(w, r, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrValidation, "invalid select request")
			return
		}
		res, err := ss.ctrl.SelectNested(ctx, req.View, req.Row, req.Col)
		if err != nil {
			s.writeSessionError(w, err)
			return
		}
		s.writeSession(w, http.StatusOK, ss, res, nil)
	case "back", "forward", "return":
		if r.Method != http.MethodPost {
			s.methodNotAllowed(w, http.MethodPost)
			return
		}
		var (
			moved bool
			err   error
		)
		switch action {
		case "back":
			_, moved, err = ss.ctrl.Back(ctx)
		case "forward":
			_, moved, err = ss.ctrl.Forward(ctx)
		default:
			var req api.ReturnRequest
			if derr := decodeJSON(w, r, &req); derr != nil {
				s.writeError(w, http.StatusBadRequest, model.ErrValidation, "invalid return request")
				return
			}
			_, moved, err = ss.ctrl.ReturnToStep(ctx, req.Step)
		}
		if err != nil {
			s.writeSessionError(w, err)
			return
		}
		s.writeSession(w, http.StatusOK, ss, dashboard.ClickResult{}, &moved)
	case "searches":
		if r.Method != http.MethodGet {
			s.methodNotAllowed(w, http.MethodGet)
			return
		}
		view, err := strconv.Atoi(r.URL.Query().Get("view"))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, "view must be an integer")
			return
		}
		fields, presets, err := ss.ctrl.Searches(ctx, view)
		if err != nil {
			s.writeSessionError(w, err)
			return
		}
		if presets == nil {
			presets = []model.SearchPreset{}
		}
		if fields == nil {
			fields = []tabular.SearchField{}
		}
		s.writeJSON(w, http.StatusOK, api.SearchesEnvelope{
			SchemaVersion: api.SchemaVersion,
			GeneratedAt:   s.now().UTC(),
			Fields:        fields,
			Presets:       presets,
		})
	default:
		s.writeError(w, http.StatusNotFound, model.ErrRefNotFound, "unknown session action")
	}
}

func (s *Server) writeSession(w http.ResponseWriter, status int, ss *session, res dashboard.ClickResult, moved *bool) {
	snap := ss.ctrl.Snapshot()
	if res.Snapshot != nil {
		snap = *res.Snapshot
	}
	s.writeJSON(w, status, api.SessionEnvelope{
		SchemaVersion: api.SchemaVersion,
		GeneratedAt:   s.now().UTC(),
		SessionID:     ss.id,
		Outcome:       string(res.Outcome),
		Reason:        res.Reason,
		Moved:         moved,
		Snapshot:      snap,
		Promotion:     res.Promotion,
		Notices:       ss.drainNotices(),
	})
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, navigation.ErrSequenceClosed):
		s.writeError(w, http.StatusConflict, model.ErrSequenceClosed, err.Error())
	case errors.Is(err, navigation.ErrSequenceOpen):
		s.writeError(w, http.StatusConflict, model.ErrSequenceOpen, err.Error())
	case errors.Is(err, navigation.ErrContextDepth):
		s.writeError(w, http.StatusBadRequest, model.ErrValidation, err.Error())
	case errors.Is(err, dashboard.ErrOutOfRange), errors.Is(err, dashboard.ErrBadView),
		errors.Is(err, promotion.ErrRowOutOfRange):
		s.writeError(w, http.StatusBadRequest, model.ErrRefInvalid, err.Error())
	case errors.Is(err, dashboard.ErrNoAggregator), errors.Is(err, navigation.ErrNoActiveRules):
		s.writeError(w, http.StatusPreconditionFailed, model.ErrPreconditionFailed, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusServiceUnavailable, model.ErrPreconditionFailed, err.Error())
	case errors.Is(err, tabular.ErrNotFound), errors.Is(err, tabular.ErrOutsideRoot), errors.Is(err, tabular.ErrEmptyTable):
		s.writeTableError(w, err)
	default:
		s.logger.Warn("session request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, model.ErrPreconditionFailed, err.Error())
	}
}
