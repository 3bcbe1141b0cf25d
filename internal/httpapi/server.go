package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rickgao/topicsync/internal/connection"
	"github.com/rickgao/topicsync/internal/version"
	"github.com/rickgao/topicsync/internal/writer"
)

// Stream is the view of the connection manager the server reports on.
// *connection.Manager satisfies it.
type Stream interface {
	IsOpen() bool
	Stats() connection.ManagerStats
	TopicCounts() map[string]int
}

// Recorder reports event writer statistics. *writer.EventWriter satisfies
// it.
type Recorder interface {
	Stats() writer.Metrics
}

// Server serves health and debug endpoints for one stream.
type Server struct {
	stream   Stream
	recorder Recorder // nil when recording is disabled
	logger   *slog.Logger
}

// New creates a Server. recorder may be nil.
func New(stream Stream, recorder Recorder, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{stream: stream, recorder: recorder, logger: logger}
}

// Routes returns the HTTP routes.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.HandleHealth)
	r.Get("/version", s.HandleVersion)
	r.Route("/debug", func(r chi.Router) {
		r.Get("/topics", s.HandleTopics)
		r.Get("/stats", s.HandleStats)
	})
	return r
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

type healthResponse struct {
	Status       string `json:"status"`
	State        string `json:"state"`
	ConnectionID string `json:"connection_id,omitempty"`
}

// HandleHealth reports 200 while the stream is open and 503 otherwise.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.stream.Stats()
	resp := healthResponse{
		Status:       "ok",
		State:        stats.State.String(),
		ConnectionID: stats.ConnectionID,
	}
	code := http.StatusOK
	if !s.stream.IsOpen() {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) HandleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, version.Get())
}

type topicEntry struct {
	Topic    string `json:"topic"`
	Handlers int    `json:"handlers"`
}

func (s *Server) HandleTopics(w http.ResponseWriter, r *http.Request) {
	counts := s.stream.TopicCounts()
	topics := make([]topicEntry, 0, len(counts))
	for topic, n := range counts {
		topics = append(topics, topicEntry{Topic: topic, Handlers: n})
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i].Topic < topics[j].Topic })

	s.writeJSON(w, http.StatusOK, map[string]any{"topics": topics})
}

type statsResponse struct {
	Stream   connection.ManagerStats `json:"stream"`
	Recorder *writer.Metrics         `json:"recorder,omitempty"`
}

func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Stream: s.stream.Stats()}
	if s.recorder != nil {
		m := s.recorder.Stats()
		resp.Recorder = &m
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response failed", "error", err)
	}
}
