// Package server exposes health, metrics and control endpoints for the polling loop.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"halbooking-notifier/notify"
	"halbooking-notifier/pkg/notifier"
	"halbooking-notifier/poll"
)

//go:embed tmpl/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.New("").Funcs(template.FuncMap{
	"start": notify.FormatStart,
}).ParseFS(templateFS, "tmpl/*.tmpl"))

// Poller is the view of the polling loop the server needs.
type Poller interface {
	Wake() bool
	LastOutcome() (poll.Outcome, bool)
	Known() []notifier.Event
}

// Config holds server configuration.
type Config struct {
	Poller   Poller
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	Addr     string
}

// Server handles HTTP requests.
type Server struct {
	poller   Poller
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	server   *http.Server
}

// New creates a new HTTP server.
func New(cfg *Config) *Server {
	s := &Server{
		poller:   cfg.Poller,
		gatherer: cfg.Gatherer,
		logger:   cfg.Logger,
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}

	// Configure server with timeouts to prevent resource exhaustion
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pollz", s.handlePoll)
	mux.HandleFunc("/events", s.handleEvents)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("Starting HTTP server", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'")

	data := struct {
		Last   *poll.Outcome
		Events []notifier.Event
	}{Events: s.poller.Known()}
	if o, ok := s.poller.LastOutcome(); ok {
		data.Last = &o
	}

	if err := templates.ExecuteTemplate(w, "index.tmpl", data); err != nil {
		s.logger.Error("Failed to render template", "template", "index.tmpl", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := struct {
		LastCycle *poll.Outcome `json:"last_cycle,omitempty"`
		Status    string        `json:"status"`
	}{Status: "healthy"}
	if o, ok := s.poller.LastOutcome(); ok {
		resp.LastCycle = &o
		if o.Failed() {
			resp.Status = "degraded"
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Poll endpoint triggered")

	status := "queued"
	if !s.poller.Wake() {
		status = "already_queued"
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": status})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	events := s.poller.Known()
	if events == nil {
		events = []notifier.Event{}
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
