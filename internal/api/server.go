// Package api exposes the read-side HTTP surface: paginated queries over
// persisted records, the live event stream and the metrics endpoint. All
// handlers read; none mutate core state.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/analysis"
	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/bus"
	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/model"
	"github.com/AdamXire/AX-TrafficAnalyzer-public-sub000/internal/store"
)

// Server hosts the HTTP listener.
type Server struct {
	listen  string
	store   *store.Store
	bus     *bus.Bus
	metrics http.Handler
	stats   *analysis.Metrics
	logger  *zap.Logger
	timeout time.Duration

	srv *http.Server
}

// NewServer wires the API over its read-only collaborators.
func NewServer(listen string, st *store.Store, b *bus.Bus, metricsHandler http.Handler, stats *analysis.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		listen:  listen,
		store:   st,
		bus:     b,
		metrics: metricsHandler,
		stats:   stats,
		logger:  logger,
		timeout: 60 * time.Second,
	}
}

// Router builds the route tree. The event stream lives outside the request
// timeout; every other route is bounded by it.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.timeout))
			r.Post("/auth/login", s.handleLogin)

			r.Group(func(r chi.Router) {
				r.Use(s.requireToken)
				r.Get("/sessions", s.handleSessions)
				r.Get("/sessions/{id}/dns", s.handleSessionDNS)
				r.Get("/flows", s.handleFlows)
				r.Get("/flows/{id}", s.handleFlow)
				r.Get("/flows/{id}/analysis", s.handleFlowAnalysis)
				r.Get("/findings", s.handleFindings)
				r.Get("/stats", s.handleStats)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.Get("/events", s.handleEvents)
		})
	})
	return r
}

// Start binds the listener.
func (s *Server) Start(_ context.Context) error {
	s.srv = &http.Server{
		Addr:              s.listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server failed", zap.Error(err))
		}
	}()
	s.logger.Info("api listening", zap.String("addr", s.listen))
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// requireToken gates the read surface behind a bus-issued token.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if _, err := s.bus.VerifyToken(token); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	user, err := s.store.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := s.bus.IssueToken(user.Username, 12*time.Hour)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token issue failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, total, err := s.store.Sessions(r.Context(), pageFrom(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeList(w, sessions, total)
}

func (s *Server) handleSessionDNS(w http.ResponseWriter, r *http.Request) {
	queries, total, err := s.store.DNSForSession(r.Context(), chi.URLParam(r, "id"), pageFrom(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeList(w, queries, total)
}

func (s *Server) handleFlows(w http.ResponseWriter, r *http.Request) {
	filter := store.FlowFilter{
		SessionID: r.URL.Query().Get("session_id"),
		Host:      r.URL.Query().Get("host"),
		Scheme:    r.URL.Query().Get("scheme"),
		Method:    r.URL.Query().Get("method"),
	}
	flows, total, err := s.store.Flows(r.Context(), filter, pageFrom(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeList(w, flows, total)
}

func (s *Server) handleFlow(w http.ResponseWriter, r *http.Request) {
	flow, err := s.store.FlowByID(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "flow not found")
		return
	}
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

func (s *Server) handleFlowAnalysis(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.AnalysisForFlow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": records})
}

func (s *Server) handleFindings(w http.ResponseWriter, r *http.Request) {
	filter := store.FindingFilter{
		SessionID: r.URL.Query().Get("session_id"),
		FlowID:    r.URL.Query().Get("flow_id"),
		Severity:  model.Severity(r.URL.Query().Get("severity")),
		Category:  r.URL.Query().Get("category"),
	}
	findings, total, err := s.store.Findings(r.Context(), filter, pageFrom(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeList(w, findings, total)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	window, _ := strconv.Atoi(r.URL.Query().Get("window_minutes"))
	if s.stats == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, s.stats.GetStats(window))
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.logger.Error("query failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "query failed")
}

func pageFrom(r *http.Request) store.Page {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	return store.Page{Limit: limit, Offset: offset}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeList(w http.ResponseWriter, items any, total int64) {
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
