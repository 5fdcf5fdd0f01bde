package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/lox/baucua/internal/lobby"
	"github.com/lox/baucua/internal/round"
	"github.com/lox/baucua/internal/store"
)

const shutdownTimeout = 5 * time.Second

// Server exposes rooms over HTTP and pushes their change events over
// WebSocket.
type Server struct {
	addr        string
	lobby       *lobby.Manager
	rounds      *round.Engine
	broker      *store.Broker
	clock       quartz.Clock
	upgrader    websocket.Upgrader
	connections map[*Connection]bool
	logger      *log.Logger
	mu          sync.RWMutex
}

// NewServer creates a server. Events published to broker reach WebSocket
// subscribers of the affected room.
func NewServer(addr string, lb *lobby.Manager, rounds *round.Engine, broker *store.Broker, clock quartz.Clock, logger *log.Logger) *Server {
	return &Server{
		addr:   addr,
		lobby:  lb,
		rounds: rounds,
		broker: broker,
		clock:  clock,
		upgrader: websocket.Upgrader{
			// Clients authenticate elsewhere; any origin may subscribe.
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		connections: make(map[*Connection]bool),
		logger:      logger.WithPrefix("server"),
	}
}

// Handler returns the HTTP handler serving the API and the push endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("Starting server", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen on %s: %w", s.addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.Stop()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Stop closes every WebSocket connection and cancels pending reveals.
func (s *Server) Stop() {
	s.mu.Lock()
	for conn := range s.connections {
		_ = conn.Close() // Ignore close errors during shutdown
	}
	s.mu.Unlock()
	s.rounds.Close()
}

func (s *Server) register(conn *Connection) {
	s.mu.Lock()
	s.connections[conn] = true
	total := len(s.connections)
	s.mu.Unlock()
	s.logger.Info("Client subscribed", "room", conn.roomID, "user", conn.userID, "total", total)
}

func (s *Server) unregister(conn *Connection) {
	s.mu.Lock()
	delete(s.connections, conn)
	total := len(s.connections)
	s.mu.Unlock()
	s.logger.Info("Client disconnected", "room", conn.roomID, "user", conn.userID, "total", total)
}

// Connections returns the number of open WebSocket connections.
func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// handleWebSocket upgrades a subscription request for one room
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	userID := callerID(r)
	if userID == "" {
		userID = r.URL.Query().Get("user")
	}
	if roomID == "" {
		s.writeError(w, r, errMissingRoom)
		return
	}
	if _, err := s.lobby.Room(r.Context(), roomID); err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection", "error", err)
		return
	}

	events, cancel := s.broker.Subscribe(roomID)
	client := NewConnection(conn, roomID, userID, s.clock, s.logger)
	s.register(client)
	client.Start(events, cancel)

	go func() {
		<-client.Done()
		s.unregister(client)
	}()
}
