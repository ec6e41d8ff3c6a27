package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mschirtzinger/fieldsync/internal/lifecycle"
	fsync "github.com/mschirtzinger/fieldsync/internal/sync"
)

// Engine is the part of the sync engine the server reports on.
type Engine interface {
	CurrentStatus() fsync.Status
	Subscribe() (<-chan fsync.StatusEvent, func())
	RequestSync()
}

// Lifecycle is the part of the lifecycle coordinator the server reports
// on and controls.
type Lifecycle interface {
	State() lifecycle.Phase
	Reachable() bool
	SetForeground(ctx context.Context, foreground bool) error
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: 127.0.0.1:7420).
	Addr string

	// Metrics is created if nil.
	Metrics *Metrics

	// Lifecycle enables /status phase reporting and the foreground
	// controls. It may be nil.
	Lifecycle Lifecycle

	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{Addr: "127.0.0.1:7420"}
}

// Server serves status, metrics and the websocket stream.
type Server struct {
	addr      string
	listener  net.Listener
	server    *http.Server
	metrics   *Metrics
	lifecycle Lifecycle

	mu     sync.RWMutex
	engine Engine
	user   string

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.Logger
}

// NewServer creates a server. Start begins listening; Handler can be used
// without starting it.
func NewServer(cfg *Config) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	addr := cfg.Addr
	if addr == "" {
		addr = DefaultConfig().Addr
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:      addr,
		metrics:   metrics,
		lifecycle: cfg.Lifecycle,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.Named("status"),
	}

	s.wg.Add(1)
	go s.broadcastLoop()
	return s
}

// Metrics returns the server's collectors.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/ws", s.handleWebSocket)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Post("/sync", s.handleSync)
	r.Post("/foreground", s.handleForeground(true))
	r.Post("/background", s.handleForeground(false))
	return r
}

// Start begins serving on the configured address.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("status server listening", zap.String("addr", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop closes every websocket client and shuts the server down.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := s.server.Shutdown(ctx); serr != nil {
			err = fmt.Errorf("server shutdown error: %w", serr)
		}
	}
	s.wg.Wait()
	return err
}

// Attach reports on e for user until the returned function is called or
// e closes its subscriptions. Attaching replaces any previous engine.
func (s *Server) Attach(user string, e Engine) (detach func()) {
	events, unsubscribe := e.Subscribe()

	s.mu.Lock()
	s.engine = e
	s.user = user
	s.mu.Unlock()

	s.metrics.ObserveStatus(fsync.StatusEvent{Status: e.CurrentStatus()})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			s.metrics.ObserveStatus(ev)
			s.Broadcast(messageFor(ev))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			<-done
			s.mu.Lock()
			if s.engine == e {
				s.engine = nil
				s.user = ""
			}
			s.mu.Unlock()
		})
	}
}

// Broadcast queues msg for every websocket client.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("broadcast channel full, dropping message")
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("failed to marshal message", zap.Error(err))
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.logger.Debug("failed to send to client", zap.Error(err))
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Debug("client connected", zap.Int("clients", count))

	// The first message is the current snapshot.
	hello := Message{Type: MessageTypeStatus, Timestamp: time.Now(), Status: s.snapshot()}
	data, _ := json.Marshal(hello)
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	err = conn.Write(ctx, websocket.MessageText, data)
	cancel()
	if err != nil {
		s.removeClient(conn)
		return
	}

	s.readLoop(conn)
}

// readLoop discards client messages and notices disconnects.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, ok := s.clients[conn]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	count := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Debug("client disconnected", zap.Int("clients", count))
}

func (s *Server) snapshot() StatusView {
	s.mu.RLock()
	e, user := s.engine, s.user
	s.mu.RUnlock()

	var v StatusView
	if e != nil {
		v = ViewOf(e.CurrentStatus())
		v.User = user
	} else {
		v.State = string(lifecycle.PhaseStopped)
	}
	if s.lifecycle != nil {
		v.Phase = string(s.lifecycle.State())
		reachable := s.lifecycle.Reachable()
		v.Reachable = &reachable
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	e := s.engine
	s.mu.RUnlock()
	if e == nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "no active session"})
		return
	}
	e.RequestSync()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

func (s *Server) handleForeground(foreground bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.lifecycle == nil {
			writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "lifecycle control unavailable"})
			return
		}
		if err := s.lifecycle.SetForeground(r.Context(), foreground); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"phase": string(s.lifecycle.State())})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
