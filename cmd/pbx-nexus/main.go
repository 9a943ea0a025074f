// Command pbx-nexus runs the telephone exchange server: it accepts TCP
// connections on the configured port, drives each one through the TU state
// machine via the extension registry, and optionally exposes a live
// dashboard, Prometheus metrics, and an MQTT event feed (§6).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/dbehnke/pbx-nexus/pkg/config"
	"github.com/dbehnke/pbx-nexus/pkg/logger"
	"github.com/dbehnke/pbx-nexus/pkg/metrics"
	"github.com/dbehnke/pbx-nexus/pkg/mqtt"
	"github.com/dbehnke/pbx-nexus/pkg/pbx"
	"github.com/dbehnke/pbx-nexus/pkg/session"
	"github.com/dbehnke/pbx-nexus/pkg/web"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

func main() {
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	port := flag.Int("p", 0, "TCP port to listen on (overrides config)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if flag.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unexpected arguments: %v\n", flag.Args())
		flag.Usage()
		os.Exit(2)
	}

	if *showVersion {
		fmt.Printf("pbx-nexus %s\n", version)
		fmt.Printf("Git Commit: %s\n", gitCommit)
		fmt.Printf("Built: %s\n", buildTime)
		os.Exit(0)
	}

	log := logger.New(logger.Config{Level: "info", Format: "text", Output: os.Stderr})
	log.Info("Starting pbx-nexus",
		logger.String("version", version),
		logger.String("commit", gitCommit),
		logger.String("build_time", buildTime))

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Error("Failed to load configuration", logger.Error(err))
		os.Exit(1)
	}

	if *port > 0 {
		cfg.Server.Port = *port
	}
	if cfg.Server.Port < 1024 {
		log.Error("refusing to bind a privileged port", logger.Int("port", cfg.Server.Port))
		os.Exit(1)
	}

	log = logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: os.Stderr})
	log.Debug("debug logging enabled")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	var wg conc.WaitGroup

	metricsCollector := metrics.NewCollector()
	if cfg.Metrics.Enabled && cfg.Metrics.Prometheus.Enabled {
		wg.Go(func() {
			srv := metrics.NewPrometheusServer(metrics.PrometheusConfig{
				Enabled: cfg.Metrics.Prometheus.Enabled,
				Port:    cfg.Metrics.Prometheus.Port,
				Path:    cfg.Metrics.Prometheus.Path,
			}, metricsCollector, log.WithComponent("metrics"))
			if err := srv.Start(ctx); err != nil && err != context.Canceled {
				log.Error("metrics server error", logger.Error(err))
			}
		})
		log.Info("metrics server started", logger.Int("port", cfg.Metrics.Prometheus.Port))
	}

	var mqttPublisher *mqtt.Publisher
	if cfg.MQTT.Enabled {
		mqttPublisher = mqtt.New(mqtt.Config{
			Enabled:     cfg.MQTT.Enabled,
			Broker:      cfg.MQTT.Broker,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			QoS:         cfg.MQTT.QoS,
			Retained:    cfg.MQTT.Retained,
		}, log.WithComponent("mqtt"))

		wg.Go(func() {
			if err := mqttPublisher.Start(ctx); err != nil && err != context.Canceled {
				log.Error("mqtt publisher error", logger.Error(err))
			}
		})
		log.Info("mqtt publisher started", logger.String("broker", cfg.MQTT.Broker))
	}

	var webServer *web.Server
	registry := pbx.New(
		cfg.Server.MaxExtensions,
		time.Duration(cfg.Server.RingTimeoutSeconds)*time.Second,
		log.WithComponent("pbx"),
		buildEvents(metricsCollector, mqttPublisher, &webServer),
	)

	if cfg.Web.Enabled {
		webServer = web.NewServer(web.WebServerConfig{
			Enabled: cfg.Web.Enabled,
			Host:    cfg.Web.Host,
			Port:    cfg.Web.Port,
		}, log.WithComponent("web")).WithRegistry(registry)

		wg.Go(func() {
			if err := webServer.Start(ctx); err != nil && err != context.Canceled {
				log.Error("web server error", logger.Error(err))
			}
		})
		log.Info("web dashboard started", logger.Int("port", cfg.Web.Port))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("failed to listen", logger.String("addr", addr), logger.Error(err))
		os.Exit(1)
	}
	log.Info("pbx-nexus listening", logger.String("addr", addr))

	wg.Go(func() {
		serveConnections(ctx, listener, registry, metricsCollector, log)
	})

	sig := <-sigChan
	log.Info("received shutdown signal", logger.String("signal", sig.String()))

	cancel()
	_ = listener.Close()
	registry.Shutdown()
	if mqttPublisher != nil {
		mqttPublisher.Stop()
	}

	wg.Wait()
	log.Info("pbx-nexus stopped")
}

// serveConnections accepts connections until ctx is cancelled, spawning one
// session per connection (§6 Connection lifecycle).
func serveConnections(ctx context.Context, listener net.Listener, registry *pbx.PBX, metricsCollector *metrics.Collector, log *logger.Logger) {
	var sessions conc.WaitGroup
	defer sessions.Wait()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Warn("accept error", logger.Error(err))
				return
			}
		}

		sessions.Go(func() {
			s := session.New(conn, registry, log.WithComponent("session"), metricsCollector)
			_ = s.Serve(ctx)
		})
	}
}

// buildEvents wires registry events to the metrics collector, MQTT
// publisher, and dashboard hub. webServer is resolved lazily through a
// pointer since the registry must exist before the web server that depends
// on it for its registry snapshot endpoint.
func buildEvents(collector *metrics.Collector, publisher *mqtt.Publisher, webServer **web.Server) pbx.Events {
	return pbx.Events{
		OnExtensionRegistered: func(ext int) {
			collector.ExtensionRegistered(ext)
			if publisher != nil {
				_ = publisher.PublishExtensionRegistered(mqtt.ExtensionRegisteredEvent{Extension: ext, Timestamp: nowUTC()})
			}
			if *webServer != nil {
				(*webServer).Hub().BroadcastExtensionRegistered(ext)
			}
		},
		OnExtensionUnregistered: func(ext int) {
			collector.ExtensionUnregistered(ext)
			if publisher != nil {
				_ = publisher.PublishExtensionUnregistered(mqtt.ExtensionUnregisteredEvent{Extension: ext, Timestamp: nowUTC()})
			}
			if *webServer != nil {
				(*webServer).Hub().BroadcastExtensionUnregistered(ext)
			}
		},
		OnCallConnected: func(fromExt, toExt int) {
			collector.CallConnected(fromExt, toExt)
			if publisher != nil {
				_ = publisher.PublishCallConnected(mqtt.CallConnectedEvent{FromExtension: fromExt, ToExtension: toExt, Timestamp: nowUTC()})
			}
			if *webServer != nil {
				(*webServer).Hub().BroadcastStateChanged(toExt, "CONNECTED")
			}
		},
		OnCallEnded: func(ext int) {
			collector.CallEnded(ext)
			if publisher != nil {
				_ = publisher.PublishCallEnded(mqtt.CallEndedEvent{Extension: ext, Timestamp: nowUTC()})
			}
			if *webServer != nil {
				(*webServer).Hub().BroadcastStateChanged(ext, "ON_HOOK")
			}
		},
	}
}

func nowUTC() time.Time { return time.Now().UTC() }
