// Package apiserver exposes the engine's telemetry polling surface over
// HTTP: GET /v1/stats and GET /v1/logs?from=N. Loopback-only, for the
// terminal command parser and desktop UI polling loop to consume.
package apiserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"grabia/internal/telemetry"
)

// TelemetrySource is the subset of the engine's Telemetry component this
// surface renders.
type TelemetrySource interface {
	Stats() telemetry.Snapshot
	Logs(from int) ([]string, int)
}

// Server is the loopback-only HTTP polling surface.
type Server struct {
	telemetry TelemetrySource
	audit     *AuditLogger
	router    *chi.Mux
	log       *slog.Logger
}

// New builds a Server. audit may be nil to disable access logging.
func New(telemetry TelemetrySource, audit *AuditLogger, log *slog.Logger) *Server {
	s := &Server{telemetry: telemetry, audit: audit, router: chi.NewRouter(), log: log}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.loopbackOnly)
	s.router.Use(s.accessLog)

	s.router.Get("/v1/stats", s.handleStats)
	s.router.Get("/v1/logs", s.handleLogs)
}

// loopbackOnly enforces the Non-goal "no user-facing web surface": this
// is transport for local collaborators only, never reachable off-box.
func (s *Server) loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, _ := net.SplitHostPort(r.RemoteAddr)
		if host != "127.0.0.1" && host != "::1" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.audit != nil {
			s.audit.Log(r.RemoteAddr, r.UserAgent(), r.Method+" "+r.URL.Path)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.telemetry.Stats()); err != nil {
		s.log.Error("apiserver: encode stats", "error", err)
	}
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	from := 0
	if v := r.URL.Query().Get("from"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			from = parsed
		}
	}
	lines, next := s.telemetry.Logs(from)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"lines": lines,
		"next":  next,
	}); err != nil {
		s.log.Error("apiserver: encode logs", "error", err)
	}
}

// ListenAndServe binds loopback-only on port and serves until the
// returned Listener is closed.
func (s *Server) ListenAndServe(port int) (*Listener, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	conn, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("apiserver: bind %s: %w", addr, err)
	}

	l := &Listener{conn: conn}
	go func() {
		if err := http.Serve(conn, s.router); err != nil && !isClosedErr(err) {
			s.log.Error("apiserver: serve failed", "error", err)
		}
	}()
	return l, nil
}

// Listener wraps the bound net.Listener so the engine can shut it down.
type Listener struct {
	conn net.Listener
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.conn.Close() }

// Addr returns the bound address, useful for tests that bind :0.
func (l *Listener) Addr() net.Addr { return l.conn.Addr() }

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed)
}
