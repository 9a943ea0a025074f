package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dbehnke/pbx-nexus/pkg/logger"
)

// RegistrySnapshotProvider supplies the live set of registered extensions,
// satisfied by *pbx.PBX without web importing pbx.
type RegistrySnapshotProvider interface {
	Extensions() []int
}

// Server is the live dashboard's HTTP server: a websocket hub plus a small
// read-only status API (§10.3).
type Server struct {
	config WebServerConfig
	logger *logger.Logger
	server *http.Server
	hub    *Hub
	addr   string
	mu     sync.RWMutex

	registry RegistrySnapshotProvider
}

// WebServerConfig is the subset of pkg/config's WebConfig the server needs.
type WebServerConfig struct {
	Enabled bool
	Host    string
	Port    int
}

// NewServer creates a new dashboard server instance.
func NewServer(cfg WebServerConfig, log *logger.Logger) *Server {
	return &Server{
		config: cfg,
		logger: log,
		hub:    NewHub(log),
	}
}

// WithRegistry injects the extension registry for status/snapshot exposure.
func (s *Server) WithRegistry(r RegistrySnapshotProvider) *Server {
	s.registry = r
	return s
}

// Hub returns the dashboard's websocket hub, used to push live events.
func (s *Server) Hub() *Hub { return s.hub }

// Start runs the dashboard HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("web dashboard is disabled")
		return nil
	}

	go s.hub.Run(ctx)
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-ticker.C:
				s.hub.Broadcast(Event{
					Type:      "heartbeat",
					Timestamp: t,
					Data:      map[string]interface{}{"clients": s.hub.ClientCount()},
				})
			}
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/registry", s.handleRegistry)
	mux.Handle("/ws", s.hub.Handler())

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	s.mu.Lock()
	s.addr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info("starting web dashboard", logger.String("address", s.addr))

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down web dashboard")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown dashboard server: %w", err)
		}
		return ctx.Err()
	case err := <-errChan:
		return err
	}
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"service": "pbx-nexus",
		"time":    time.Now().Unix(),
	}); err != nil {
		s.logger.Warn("failed to encode health response", logger.Error(err))
	}
}

func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var extensions []int
	if s.registry != nil {
		extensions = s.registry.Extensions()
	}
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"extensions": extensions,
	}); err != nil {
		s.logger.Warn("failed to encode registry response", logger.Error(err))
	}
}
