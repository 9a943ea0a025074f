package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dbehnke/pbx-nexus/pkg/logger"
)

// PrometheusConfig holds Prometheus server configuration.
type PrometheusConfig struct {
	Enabled bool
	Port    int
	Path    string
}

// PrometheusHandler handles Prometheus metrics HTTP requests.
type PrometheusHandler struct {
	collector *Collector
}

// NewPrometheusHandler creates a new Prometheus handler.
func NewPrometheusHandler(collector *Collector) *PrometheusHandler {
	return &PrometheusHandler{collector: collector}
}

// ServeHTTP handles HTTP requests for metrics.
func (h *PrometheusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	var output strings.Builder

	output.WriteString("# HELP pbx_extensions_registered Number of currently registered extensions\n")
	output.WriteString("# TYPE pbx_extensions_registered gauge\n")
	output.WriteString(fmt.Sprintf("pbx_extensions_registered %d\n", h.collector.GetRegisteredExtensions()))

	output.WriteString("# HELP pbx_calls_active Number of currently connected calls\n")
	output.WriteString("# TYPE pbx_calls_active gauge\n")
	output.WriteString(fmt.Sprintf("pbx_calls_active %d\n", h.collector.GetActiveCalls()))

	output.WriteString("# HELP pbx_pickups_total Total pickup commands processed\n")
	output.WriteString("# TYPE pbx_pickups_total counter\n")
	output.WriteString(fmt.Sprintf("pbx_pickups_total %d\n", h.collector.GetPickups()))

	output.WriteString("# HELP pbx_dials_total Total dial commands processed\n")
	output.WriteString("# TYPE pbx_dials_total counter\n")
	output.WriteString(fmt.Sprintf("pbx_dials_total %d\n", h.collector.GetDials()))

	output.WriteString("# HELP pbx_busy_signals_total Total calls rejected as busy\n")
	output.WriteString("# TYPE pbx_busy_signals_total counter\n")
	output.WriteString(fmt.Sprintf("pbx_busy_signals_total %d\n", h.collector.GetBusySignals()))

	output.WriteString("# HELP pbx_hangups_total Total hangup commands processed\n")
	output.WriteString("# TYPE pbx_hangups_total counter\n")
	output.WriteString(fmt.Sprintf("pbx_hangups_total %d\n", h.collector.GetHangups()))

	output.WriteString("# HELP pbx_chat_messages_total Total chat messages delivered\n")
	output.WriteString("# TYPE pbx_chat_messages_total counter\n")
	output.WriteString(fmt.Sprintf("pbx_chat_messages_total %d\n", h.collector.GetChatMessages()))

	w.Write([]byte(output.String()))
}

// PrometheusServer is an HTTP server for Prometheus metrics.
type PrometheusServer struct {
	config    PrometheusConfig
	collector *Collector
	log       *logger.Logger
	server    *http.Server
}

// NewPrometheusServer creates a new Prometheus metrics server.
func NewPrometheusServer(config PrometheusConfig, collector *Collector, log *logger.Logger) *PrometheusServer {
	if log == nil {
		log = logger.New(logger.Config{Level: "info", Format: "text"})
	}
	return &PrometheusServer{
		config:    config,
		collector: collector,
		log:       log.WithComponent("metrics"),
	}
}

// Start starts the Prometheus metrics server, blocking until ctx is
// cancelled or the server fails.
func (s *PrometheusServer) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.log.Info("Prometheus metrics server disabled")
		return nil
	}

	handler := NewPrometheusHandler(s.collector)
	mux := http.NewServeMux()
	mux.Handle(s.config.Path, handler)

	addr := fmt.Sprintf(":%d", s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	actualPort := listener.Addr().(*net.TCPAddr).Port

	s.server = &http.Server{Handler: mux}

	s.log.Info("Starting Prometheus metrics server",
		logger.Int("port", actualPort),
		logger.String("path", s.config.Path))

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.log.Info("Shutting down Prometheus metrics server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown error: %w", err)
		}
		return ctx.Err()
	case err := <-errChan:
		return err
	}
}

// Stop stops the Prometheus metrics server.
func (s *PrometheusServer) Stop() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctx)
	}
}
