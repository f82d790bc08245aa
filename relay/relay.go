// Package relay is the HTTP surface of the collaboration server: the
// websocket endpoint feeding frames into rooms, and the small REST API for
// sessions and mirrored projects.
package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/felixge/httpsnoop"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cvkhang/SlideQuick/metrics"
	"github.com/cvkhang/SlideQuick/room"
	"github.com/cvkhang/SlideQuick/store"
)

// Options configures the relay server.
type Options struct {
	Logger *slog.Logger

	// SendQueue is the per-connection outbound frame buffer. A connection
	// that cannot drain this many frames is dropped rather than allowed to
	// stall its room.
	SendQueue int

	// Metrics, when set, receives request and collaboration counters.
	Metrics *metrics.Recorder
}

func (o *Options) defaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 64
	}
}

// Server routes collaboration traffic between websocket connections, rooms
// and the store.
type Server struct {
	store  *store.Store
	rooms  *room.Manager
	logger *slog.Logger
	opts   Options

	connMu sync.Mutex
	conns  map[*wsConn]struct{}
}

// NewServer builds a relay over an open store and a room manager.
func NewServer(st *store.Store, rooms *room.Manager, opts Options) *Server {
	opts.defaults()
	return &Server{
		store:  st,
		rooms:  rooms,
		logger: opts.Logger,
		opts:   opts,
		conns:  make(map[*wsConn]struct{}),
	}
}

// Close force-closes every live websocket. http.Server.Shutdown never
// touches hijacked connections, so a clean stop calls this after the
// listener drains; read loops unblock and unbind from their rooms.
func (s *Server) Close() {
	s.connMu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func (s *Server) trackConn(c *wsConn) {
	s.connMu.Lock()
	s.conns[c] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) untrackConn(c *wsConn) {
	s.connMu.Lock()
	delete(s.conns, c)
	s.connMu.Unlock()
}

// Routes returns the full HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Get("/collab/{room}", s.handleCollab)

	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions/{room}", s.handleGetSession)
		r.Delete("/sessions/{room}", s.handleDeleteSession)
		r.Get("/projects/{id}", s.handleGetProject)
		r.Get("/projects/{id}/sessions", s.handleProjectSessions)
	})
	return r
}

// logRequests wraps each handler and logs one line per request. Websocket
// upgrades log on disconnect, with the connection lifetime as the duration.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, req)
		s.logger.Info("relay: handled",
			"method", req.Method, "path", req.URL.Path,
			"status", m.Code, "duration", m.Duration, "bytes", m.Written)
		if s.opts.Metrics != nil {
			s.opts.Metrics.Record(metrics.RequestDurationMs,
				float64(m.Duration.Milliseconds()),
				map[string]string{"method": req.Method})
		}
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"rooms":  s.rooms.Resident(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func notFound(err error) bool { return errors.Is(err, store.ErrNotFound) }
