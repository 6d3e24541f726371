// Package web exposes the chatbot API: the NDJSON streaming endpoint and the
// thin control endpoints over the storage facade.
package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/freva-org/frevagpt/internal/auth"
	"github.com/freva-org/frevagpt/internal/config"
	"github.com/freva-org/frevagpt/internal/observability"
	"github.com/freva-org/frevagpt/internal/orchestrator"
	"github.com/freva-org/frevagpt/internal/registry"
	"github.com/freva-org/frevagpt/internal/storage"
)

// Server holds the wired components behind the HTTP API.
type Server struct {
	cfg      *config.Config
	registry *registry.Registry
	orch     *orchestrator.Orchestrator
	store    storage.ThreadStorage
	resolver *auth.Resolver
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewServer wires the API surface.
func NewServer(cfg *config.Config, reg *registry.Registry, orch *orchestrator.Orchestrator, store storage.ThreadStorage, resolver *auth.Resolver, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		registry: reg,
		orch:     orch,
		store:    store,
		resolver: resolver,
		metrics:  metrics,
		logger:   logger.With("component", "web"),
	}
}

// Routes builds the handler tree.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/chatbot/ping", s.handlePing)
	mux.HandleFunc("/api/chatbot/streamresponse", s.handleStreamResponse)
	mux.HandleFunc("/api/chatbot/stop", s.handleStop)
	mux.HandleFunc("/api/chatbot/getthread", s.handleGetThread)
	mux.HandleFunc("/api/chatbot/getuserthreads", s.handleGetUserThreads)
	mux.HandleFunc("/api/chatbot/deletethread", s.handleDeleteThread)
	mux.HandleFunc("/api/chatbot/setthreadtopic", s.handleSetThreadTopic)
	mux.HandleFunc("/api/chatbot/searchthreads", s.handleSearchThreads)
	mux.HandleFunc("/api/chatbot/editthread", s.handleEditThread)
	mux.HandleFunc("/api/chatbot/userfeedback", s.handleUserFeedback)

	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}

	return s.requestLogging(mux)
}

// requestLogging wraps the mux with method/path/status/duration logging.
func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps the streaming endpoint working behind the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func jsonResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func jsonError(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}
