// Package server exposes the Percy core over a local HTTP API: health and
// build state, snapshot submission, flush/stop control, an SSE event stream,
// and a websocket endpoint that relays SDK logs into the core logger.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/GoCodeAlone/percy/core"
	"github.com/GoCodeAlone/percy/events"
	"github.com/GoCodeAlone/percy/history"
	"github.com/GoCodeAlone/percy/internal/version"
	"github.com/GoCodeAlone/percy/logger"
)

// Percy is the surface the server needs from the core.
type Percy interface {
	State() core.ReadyState
	BuildInfo() core.Build
	Snapshot(ctx context.Context, what any) error
	Flush(ctx context.Context, closeQueues bool) error
	Stop(ctx context.Context, force bool) error
	Bus() *events.Bus
}

// Server is the local Percy API server. It listens on loopback only; SDKs
// running on the same machine are the intended clients.
type Server struct {
	percy   Percy
	port    int
	mux     *http.ServeMux
	httpSrv *http.Server
	log     *logger.GroupLogger

	history *history.Store

	mu       sync.Mutex
	listener net.Listener
	logConns map[*websocket.Conn]func()
}

// New creates a server for p on the given port. Nothing listens until Listen.
func New(p Percy, port int) *Server {
	s := &Server{
		percy:    p,
		port:     port,
		mux:      http.NewServeMux(),
		log:      logger.Group("server"),
		logConns: make(map[*websocket.Conn]func()),
	}
	s.registerRoutes()
	return s
}

// SetHistory attaches an outcome store served at /percy/history. Call before
// Listen.
func (s *Server) SetHistory(store *history.Store) {
	s.history = store
}

// Listen binds the loopback port and begins serving. The bind error is
// returned synchronously so the caller can report a port conflict.
func (s *Server) Listen(ctx context.Context) error {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", fmt.Sprintf("localhost:%d", s.port))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	srv := s.httpSrv
	s.mu.Unlock()

	s.log.Debugf("Listening on %s", ln.Addr())
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Err(err)
		}
	}()
	return nil
}

// Close shuts the server down, dropping open log sockets and SSE streams.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	for conn, detach := range s.logConns {
		detach()
		_ = conn.Close()
	}
	s.logConns = make(map[*websocket.Conn]func())
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Close()
}

// Address returns the bound address, or empty before Listen.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return "http://" + s.listener.Addr().String()
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /percy/healthcheck", s.handleHealthcheck)
	s.mux.HandleFunc("POST /percy/snapshot", s.handleSnapshot)
	s.mux.HandleFunc("POST /percy/flush", s.handleFlush)
	s.mux.HandleFunc("POST /percy/stop", s.handleStop)
	s.mux.HandleFunc("GET /percy/dom.js", s.handleDOMScript)
	s.mux.HandleFunc("GET /percy/history", s.handleHistory)
	s.mux.HandleFunc("GET /percy/events", s.handleSSE)
	s.mux.HandleFunc("GET /percy/logs", s.handleLogs)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Percy-Core-Version", version.Version)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"state":   s.percy.State().String(),
		"build":   s.percy.BuildInfo(),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	var opts core.SnapshotOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid snapshot body: "+err.Error())
		return
	}
	if err := s.percy.Snapshot(r.Context(), opts); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.percy.Flush(r.Context(), false); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	// Stop tears this server down, so it runs after the response is written.
	go func() {
		if err := s.percy.Stop(context.Background(), false); err != nil {
			s.log.Err(err)
		}
	}()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleDOMScript(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript")
	_, _ = w.Write(domScript)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSONError(w, http.StatusNotFound, "history is not enabled")
		return
	}
	q := r.URL.Query()
	outcomes, err := s.history.List(r.Context(), history.Filter{
		BuildID: q.Get("build"),
		Kind:    q.Get("kind"),
		Status:  q.Get("status"),
	})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "history": outcomes})
}

var upgrader = websocket.Upgrader{
	// Loopback only; browsers on the same machine may connect from any page.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleLogs upgrades the connection to a websocket and attaches it to the
// core logger as the server side of a remote logging session.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	detach := logger.Default().Connect(logger.WebSocket(conn))

	s.mu.Lock()
	s.logConns[conn] = detach
	s.mu.Unlock()

	conn.SetCloseHandler(func(code int, text string) error {
		s.mu.Lock()
		delete(s.logConns, conn)
		s.mu.Unlock()
		detach()
		return nil
	})
}
