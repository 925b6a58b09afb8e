// Package httpapi carries the persistence API over HTTP/JSON. Server exposes
// any types.Store under /api/; Client implements types.Store against such a
// server so the engine can run with a remote backend.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/qarun/pkg/types"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 4 << 20

// Error codes carried in errorBody.Code.
const (
	codeValidation   = "validation"
	codeInvalidID    = "invalid_id"
	codeInvalidData  = "invalid_data"
	codeNotFound     = "not_found"
	codeForbidden    = "forbidden"
	codeInvalidState = "invalid_state"
	codeInternal     = "internal"
)

// Reason codes for invalid_state errors.
var stateReasons = map[string]error{
	"run_closed":     types.ErrRunClosed,
	"comment_locked": types.ErrCommentLocked,
	"not_targeted":   types.ErrNotTargeted,
	"disposed":       types.ErrDisposed,
}

// errorBody is the JSON error envelope returned with every non-2xx status.
type errorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason,omitempty"`
	Op     string `json:"op,omitempty"`
	RunID  string `json:"run_id,omitempty"`
}

// createRunRequest is the body of POST /api/runs.
type createRunRequest struct {
	Scope    types.Scope       `json:"scope"`
	Metadata types.RunMetadata `json:"metadata"`
	Targets  []string          `json:"targets"`
}

// lookupRequest is the body of POST /api/cases/lookup.
type lookupRequest struct {
	IDs []string `json:"ids"`
}

// Server serves a types.Store over HTTP.
type Server struct {
	store types.Store
	log   *zap.Logger
}

// NewServer returns a Server for store. A nil logger disables request logs.
func NewServer(store types.Store, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{store: store, log: log}
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	return s.loggingMiddleware(s.ServeMux())
}

// ServeMux returns the API routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/features/{id}/cases", s.listTestCases)
	mux.HandleFunc("POST /api/features/{id}/cases", s.createTestCases)
	mux.HandleFunc("PATCH /api/cases/{id}", s.updateTestCase)
	mux.HandleFunc("POST /api/cases/lookup", s.getTestCases)

	mux.HandleFunc("POST /api/runs", s.createRun)
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.getRun)
	mux.HandleFunc("PATCH /api/runs/{id}", s.updateRun)
	mux.HandleFunc("POST /api/runs/{id}/results", s.upsertResults)

	mux.HandleFunc("GET /api/modules", s.listModules)
	mux.HandleFunc("POST /api/modules", s.putModule)
	mux.HandleFunc("GET /api/features", s.listFeatures)
	mux.HandleFunc("POST /api/features", s.putFeature)
	mux.HandleFunc("GET /api/features/{id}", s.getFeature)
	return mux
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		s.log.Info("request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", lrw.statusCode),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) listTestCases(w http.ResponseWriter, r *http.Request) {
	includeArchived, _ := strconv.ParseBool(r.URL.Query().Get("include_archived"))
	cases, err := s.store.ListTestCases(r.Context(), r.PathValue("id"), includeArchived)
	s.respond(w, cases, err)
}

func (s *Server) createTestCases(w http.ResponseWriter, r *http.Request) {
	var specs []types.TestCaseSpec
	if !s.decode(w, r, &specs) {
		return
	}
	cases, err := s.store.CreateTestCases(r.Context(), r.PathValue("id"), specs)
	s.respondStatus(w, http.StatusCreated, cases, err)
}

func (s *Server) updateTestCase(w http.ResponseWriter, r *http.Request) {
	var patch types.TestCasePatch
	if !s.decode(w, r, &patch) {
		return
	}
	tc, err := s.store.UpdateTestCase(r.Context(), r.PathValue("id"), patch)
	s.respond(w, tc, err)
}

func (s *Server) getTestCases(w http.ResponseWriter, r *http.Request) {
	var req lookupRequest
	if !s.decode(w, r, &req) {
		return
	}
	cases, err := s.store.GetTestCases(r.Context(), req.IDs)
	s.respond(w, cases, err)
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if !s.decode(w, r, &req) {
		return
	}
	run, err := s.store.CreateRun(r.Context(), req.Scope, req.Metadata, req.Targets)
	s.respondStatus(w, http.StatusCreated, run, err)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	runs, err := s.store.ListRuns(r.Context(), types.RunFilter{
		ProjectID: q.Get("project_id"),
		FeatureID: q.Get("feature_id"),
		Status:    types.RunStatus(q.Get("status")),
	})
	s.respond(w, runs, err)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	s.respond(w, run, err)
}

func (s *Server) updateRun(w http.ResponseWriter, r *http.Request) {
	var update types.RunUpdate
	if !s.decode(w, r, &update) {
		return
	}
	run, err := s.store.UpdateRun(r.Context(), r.PathValue("id"), update)
	s.respond(w, run, err)
}

func (s *Server) upsertResults(w http.ResponseWriter, r *http.Request) {
	var batch []types.ResultUpsert
	if !s.decode(w, r, &batch) {
		return
	}
	run, err := s.store.UpsertResults(r.Context(), r.PathValue("id"), batch)
	s.respond(w, run, err)
}

func (s *Server) listModules(w http.ResponseWriter, r *http.Request) {
	modules, err := s.store.ListModules(r.Context(), r.URL.Query().Get("project_id"))
	s.respond(w, modules, err)
}

func (s *Server) putModule(w http.ResponseWriter, r *http.Request) {
	var m types.Module
	if !s.decode(w, r, &m) {
		return
	}
	m, err := s.store.PutModule(r.Context(), m)
	s.respond(w, m, err)
}

func (s *Server) listFeatures(w http.ResponseWriter, r *http.Request) {
	features, err := s.store.ListFeatures(r.Context(), r.URL.Query().Get("project_id"))
	s.respond(w, features, err)
}

func (s *Server) putFeature(w http.ResponseWriter, r *http.Request) {
	var f types.Feature
	if !s.decode(w, r, &f) {
		return
	}
	f, err := s.store.PutFeature(r.Context(), f)
	s.respond(w, f, err)
}

func (s *Server) getFeature(w http.ResponseWriter, r *http.Request) {
	f, err := s.store.GetFeature(r.Context(), r.PathValue("id"))
	s.respond(w, f, err)
}

// decode reads the JSON body into v. On failure it writes a 400 and
// returns false.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "malformed request body: " + err.Error(),
			Code:  codeInvalidData,
		})
		return false
	}
	return true
}

func (s *Server) respond(w http.ResponseWriter, v any, err error) {
	s.respondStatus(w, http.StatusOK, v, err)
}

func (s *Server) respondStatus(w http.ResponseWriter, status int, v any, err error) {
	if err != nil {
		status, body := errorResponse(err)
		if status == http.StatusInternalServerError {
			s.log.Error("store call failed", zap.Error(err))
		}
		s.writeJSON(w, status, body)
		return
	}
	s.writeJSON(w, status, v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("writing response", zap.Error(err))
	}
}

// errorResponse maps a store error to a status and envelope. Not-found and
// forbidden are checked first because stores wrap them in PersistenceError.
func errorResponse(err error) (int, errorBody) {
	body := errorBody{Error: err.Error()}

	var ve *types.ValidationError
	var se *types.InvalidStateError
	switch {
	case errors.Is(err, types.ErrNotFound):
		body.Code = codeNotFound
		return http.StatusNotFound, body
	case errors.Is(err, types.ErrForbidden):
		body.Code = codeForbidden
		return http.StatusForbidden, body
	case errors.As(err, &ve):
		body.Code = codeValidation
		body.Field = ve.Field
		body.Reason = ve.Reason
		return http.StatusBadRequest, body
	case errors.Is(err, types.ErrInvalidID):
		body.Code = codeInvalidID
		return http.StatusBadRequest, body
	case errors.Is(err, types.ErrInvalidData):
		body.Code = codeInvalidData
		return http.StatusBadRequest, body
	case errors.As(err, &se):
		body.Code = codeInvalidState
		body.Op = se.Op
		body.RunID = se.RunID
		for code, reason := range stateReasons {
			if errors.Is(se.Reason, reason) {
				body.Reason = code
			}
		}
		return http.StatusConflict, body
	}
	body.Code = codeInternal
	return http.StatusInternalServerError, body
}
