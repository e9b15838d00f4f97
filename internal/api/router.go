package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"energy_monitor/internal/aggregate"
	"energy_monitor/internal/publish"
	"energy_monitor/internal/session"
	"energy_monitor/internal/ws"
)

const toggleTimeout = 10 * time.Second

// ReportReader returns the last published report for a subject.
type ReportReader interface {
	Latest(ctx context.Context, subjectID, kind, label string) (publish.Report, error)
}

// Server exposes the session manager over HTTP.
type Server struct {
	ctrl    ws.Controller
	reports ReportReader
	hub     *ws.Hub
	logger  *zap.Logger
}

// NewServer builds the HTTP surface. reports may be nil when no cache is configured.
func NewServer(ctrl ws.Controller, hub *ws.Hub, reports ReportReader, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{ctrl: ctrl, hub: hub, reports: reports, logger: logger}
}

// Router returns the routes, with the websocket endpoint mounted at /ws.
func (s *Server) Router(wsHandler http.Handler) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.health).Methods("GET")
	if wsHandler != nil {
		r.Handle("/ws", wsHandler)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/snapshot", s.snapshot).Methods("GET")
	api.HandleFunc("/subject", s.selectSubject).Methods("POST")
	api.HandleFunc("/lookback", s.setLookback).Methods("POST")
	api.HandleFunc("/device/toggle", s.toggle).Methods("POST")
	api.HandleFunc("/reports/{subject}/{kind}/{label}", s.report).Methods("GET")

	return r
}

// Wrap adds access logging and panic recovery to h. Access lines go through
// the zap logger at info level.
func Wrap(h http.Handler, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := zap.NewStdLog(logger.Named("http")).Writer()
	logged := handlers.LoggingHandler(out, h)
	return handlers.RecoveryHandler(handlers.RecoveryLogger(zap.NewStdLog(logger)))(logged)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	clients := 0
	if s.hub != nil {
		clients = s.hub.ClientCount()
	}
	_, active := s.ctrl.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"service":        "energy-monitor",
		"session_active": active,
		"ws_clients":     clients,
	})
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.ctrl.Snapshot()
	if !ok {
		writeError(w, http.StatusNotFound, session.ErrNoSession.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) selectSubject(w http.ResponseWriter, r *http.Request) {
	var req ws.SubjectSelectPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess, err := s.ctrl.Select(req.Subject)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	resp := map[string]string{"subject": ""}
	if sess != nil {
		resp["subject"] = sess.Subject()
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) setLookback(w http.ResponseWriter, r *http.Request) {
	var req ws.LookbackSetPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.ctrl.SetLookback(req.Lookback); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"lookback": req.Lookback})
}

func (s *Server) toggle(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), toggleTimeout)
	defer cancel()

	st, err := s.ctrl.Toggle(ctx)
	if err != nil {
		s.logger.Warn("Toggle rejected", zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) report(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		writeError(w, http.StatusNotFound, "report cache not configured")
		return
	}
	vars := mux.Vars(r)
	rep, err := s.reports.Latest(r.Context(), vars["subject"], vars["kind"], vars["label"])
	if err != nil {
		if errors.Is(err, publish.ErrCacheMiss) {
			writeError(w, http.StatusNotFound, "no report cached")
			return
		}
		s.logger.Error("Failed to read report", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read report")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// statusFor maps manager errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidSubject), errors.Is(err, aggregate.ErrInvalidLookback):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNoSession):
		return http.StatusNotFound
	case session.IsConflict(err):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
