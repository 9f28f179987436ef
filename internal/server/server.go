// Package server implements the HTTP and WebSocket surface of the
// daemon. Each WebSocket connection gets its own agent session; HTTP
// endpoints expose health, stats, and stored transcripts.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/agent"
	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/buildinfo"
	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/config"
	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/history"
	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/llm"
	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/tools"
	"github.com/Simon-Gonzalez-Dev/Azul-CLI/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the daemon's HTTP and WebSocket server.
type Server struct {
	cfg      *config.Config
	client   llm.Client
	registry *tools.Registry
	store    *history.Store // optional
	usage    *usage.Store   // optional
	preamble string
	logger   *slog.Logger
	server   *http.Server

	mu       sync.Mutex
	sessions map[string]*agent.Session
}

// NewServer creates a new server. store and usageStore may be nil (no
// persistence).
func NewServer(cfg *config.Config, client llm.Client, registry *tools.Registry, store *history.Store, usageStore *usage.Store, preamble string, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		client:   client,
		registry: registry,
		store:    store,
		usage:    usageStore,
		preamble: preamble,
		logger:   logger,
		sessions: make(map[string]*agent.Session),
	}
}

// Start begins serving HTTP requests. Blocks until the listener fails
// or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", s.handleWebSocket)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /", s.handleRoot)

	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/usage", s.handleUsage)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/history/{id}", s.handleHistory)
	mux.HandleFunc("GET /api/toolcalls/{id}", s.handleToolCalls)
	mux.HandleFunc("GET /api/transcript/{id}", s.handleTranscript)

	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.cfg.Listen.Address, s.cfg.Listen.Port),
		Handler:     s.withLogging(mux),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: WebSocket connections are long-lived.
	}

	addr := s.cfg.Listen.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting server", "address", addr, "port", s.cfg.Listen.Port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) addSession(sess *agent.Session) {
	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()
}

func (s *Server) removeSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "AZUL",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	active := make([]map[string]any, 0, len(s.sessions))
	for _, sess := range s.sessions {
		active = append(active, sess.Stats())
	}
	s.mu.Unlock()

	stats := map[string]any{
		"active_sessions": active,
		"uptime":          buildinfo.Uptime().String(),
	}
	if s.store != nil {
		stats["storage"] = s.store.Stats()
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, stats, s.logger)
}

// handleUsage reports token usage totals for a time window. The window
// defaults to the last 24 hours; ?hours=N widens or narrows it.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusNotFound, "usage tracking not configured")
		return
	}

	hours := 24
	if h := r.URL.Query().Get("hours"); h != "" {
		parsed, err := strconv.Atoi(h)
		if err != nil || parsed <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "invalid hours parameter")
			return
		}
		hours = parsed
	}

	end := time.Now().Add(time.Minute)
	start := end.Add(-time.Duration(hours) * time.Hour)

	total, err := s.usage.Summary(start, end)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	byModel, err := s.usage.SummaryByModel(start, end)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"window_hours": hours,
		"total":        total,
		"by_model":     byModel,
	}, s.logger)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.errorResponse(w, http.StatusNotFound, "persistence not configured")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"sessions": s.store.Sessions()}, s.logger)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.errorResponse(w, http.StatusNotFound, "persistence not configured")
		return
	}
	id := r.PathValue("id")
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"session_id": id,
		"messages":   s.store.Messages(id),
	}, s.logger)
}

func (s *Server) handleToolCalls(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.errorResponse(w, http.StatusNotFound, "persistence not configured")
		return
	}
	id := r.PathValue("id")
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"session_id": id,
		"tool_calls": s.store.ToolCalls(id),
	}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]string{"error": message}, s.logger)
}
