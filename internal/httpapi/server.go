package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"heartbeat_bot/internal/config"
	"heartbeat_bot/internal/logbus"
	"heartbeat_bot/internal/model"
	"heartbeat_bot/internal/ws"
)

const maxReportLimit = 1000

// StateSource is the read side of the engine the status API needs.
type StateSource interface {
	State() model.EngineState
}

type ReportLister interface {
	ListReports(ctx context.Context, email string, limit int) ([]model.Report, error)
}

type Options struct {
	Cfg     config.ServerConfig
	Bus     *logbus.Bus
	Engine  StateSource
	Reports ReportLister
}

// Server is a read-only status API: account session state, recorded
// reports, and the live log stream. It never exposes passwords or tokens.
type Server struct {
	cfg     config.ServerConfig
	bus     *logbus.Bus
	engine  StateSource
	reports ReportLister
	ws      *ws.Handler
}

func New(opts Options) *Server {
	return &Server{
		cfg:     opts.Cfg,
		bus:     opts.Bus,
		engine:  opts.Engine,
		reports: opts.Reports,
		ws:      ws.NewHandler(opts.Bus, opts.Cfg.Cors.AllowOrigins),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/ws", s.ws)

	api := http.NewServeMux()
	api.HandleFunc("/api/v1/state", s.handleState)
	api.HandleFunc("/api/v1/accounts", s.handleAccounts)
	api.HandleFunc("/api/v1/reports", s.handleReports)

	mux.Handle("/api/", withCORS(s.cfg.Cors, api))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	if s.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "engine unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": s.engine.State()})
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	if s.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "engine unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": s.engine.State().Accounts})
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	if s.reports == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "report history disabled"})
		return
	}

	q := r.URL.Query()
	limit := 100
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxReportLimit)
	}

	reports, err := s.reports.ListReports(r.Context(), strings.TrimSpace(q.Get("email")), limit)
	if err != nil {
		if s.bus != nil {
			s.bus.Log("warn", "list reports failed", map[string]any{"error": err.Error()})
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if reports == nil {
		reports = []model.Report{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": reports})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
