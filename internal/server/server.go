// Package server serves a read-only status API on a loopback address.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"qomui/internal/bypass"
	"qomui/internal/database"
	"qomui/internal/diaglog"
	"qomui/internal/netmon"
	"qomui/internal/supervisor"
	"qomui/internal/tunnel"
	"qomui/internal/version"
)

// Status is the daemon snapshot returned by /api/status.
type Status struct {
	Version     version.Info        `json:"version"`
	Tunnels     []tunnel.Status     `json:"tunnels"`
	Gateway     netmon.Gateway      `json:"gateway"`
	Online      bool                `json:"online"`
	Firewall    int                 `json:"firewallMode"`
	Whitelisted []string            `json:"whitelisted"`
	Resolvers   []string            `json:"resolvers"`
	Bypass      bypass.State        `json:"bypass"`
	Children    []supervisor.Record `json:"children"`
}

// StatusSource produces status snapshots.
type StatusSource interface {
	Status() Status
}

// JournalSource reads the connection journal.
type JournalSource interface {
	Recent(limit int) ([]database.Event, error)
}

// Server handles HTTP requests and fans events out to stream listeners.
type Server struct {
	status  StatusSource
	journal JournalSource
	log     *diaglog.Manager

	watchersMu sync.Mutex
	watchers   map[chan streamMessage]struct{}
}

// New creates an HTTP server.
func New(status StatusSource, journal JournalSource, log *diaglog.Manager) *Server {
	return &Server{
		status:   status,
		journal:  journal,
		log:      log,
		watchers: make(map[chan streamMessage]struct{}),
	}
}

// Router constructs the http.Handler with all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(api chi.Router) {
		api.Get("/status", s.handleStatus)
		api.Get("/journal", s.handleJournal)
		api.Get("/stream", s.handleStream)
	})
	return r
}

// ListenAndServe serves on addr until ctx ends. Only loopback addresses are
// accepted.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if err := requireLoopback(addr); err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("status api listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.closeWatchers()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func requireLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("status address %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("status address %q is not a loopback address", addr)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status.Status())
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSON(w, http.StatusOK, map[string]any{"events": []database.Event{}})
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	events, err := s.journal.Recent(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
