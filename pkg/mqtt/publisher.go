// Package mqtt publishes ephemeral PBX activity events to a broker over a
// hand-rolled MQTT 3.1.1 CONNECT/PUBLISH encoding (§10.2). There is no
// acknowledgement tracking beyond QoS 0/1 framing: a dropped connection
// drops whatever was in flight, since these events are a live feed, not a
// durable call history (Non-goals: no call history).
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/dbehnke/pbx-nexus/pkg/logger"
)

// Config holds MQTT publisher configuration.
type Config struct {
	Enabled     bool
	Broker      string // host:port
	TopicPrefix string
	ClientID    string
	Username    string
	Password    string
	QoS         byte
	Retained    bool
}

// Publisher maintains a connection to an MQTT broker and publishes PBX
// events to it. Events published while it is not connected are dropped.
type Publisher struct {
	config Config
	log    *logger.Logger

	mu        sync.Mutex
	conn      net.Conn
	packetID  uint16
}

// ExtensionRegisteredEvent fires when an extension joins the registry.
type ExtensionRegisteredEvent struct {
	Extension int       `json:"extension"`
	Timestamp time.Time `json:"timestamp"`
}

// ExtensionUnregisteredEvent fires when an extension leaves the registry.
type ExtensionUnregisteredEvent struct {
	Extension int       `json:"extension"`
	Timestamp time.Time `json:"timestamp"`
}

// CallConnectedEvent fires when a call is answered.
type CallConnectedEvent struct {
	FromExtension int       `json:"from_extension"`
	ToExtension   int       `json:"to_extension"`
	Timestamp     time.Time `json:"timestamp"`
}

// CallEndedEvent fires when a call tears down.
type CallEndedEvent struct {
	Extension int       `json:"extension"`
	Timestamp time.Time `json:"timestamp"`
}

// New creates a new MQTT publisher.
func New(config Config, log *logger.Logger) *Publisher {
	if log == nil {
		log = logger.New(logger.Config{Level: "info", Format: "text"})
	}
	return &Publisher{
		config: config,
		log:    log.WithComponent("mqtt"),
	}
}

// Start connects to the broker, retrying failed connection attempts with a
// backoff that doubles from one second, then holds the connection until ctx
// is cancelled. It sends no PINGREQ keep-alives, and a connection dropped
// after a failed publish is not re-established.
func (p *Publisher) Start(ctx context.Context) error {
	if !p.config.Enabled {
		p.log.Info("MQTT publisher disabled")
		return nil
	}

	p.log.Info("Starting MQTT publisher",
		logger.String("broker", p.config.Broker),
		logger.String("client_id", p.config.ClientID))

	backoff := time.Second
	for {
		if err := p.connect(); err != nil {
			p.log.Warn("MQTT connect failed, retrying", logger.Error(err), logger.String("backoff", backoff.String()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		<-ctx.Done()
		p.Stop()
		return ctx.Err()
	}
}

func (p *Publisher) connect() error {
	conn, err := net.DialTimeout("tcp", p.config.Broker, 5*time.Second)
	if err != nil {
		return fmt.Errorf("mqtt: dial %s: %w", p.config.Broker, err)
	}

	if _, err := conn.Write(buildConnect(p.config.ClientID, p.config.Username, p.config.Password)); err != nil {
		conn.Close()
		return fmt.Errorf("mqtt: send CONNECT: %w", err)
	}

	ack := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(ack); err != nil {
		conn.Close()
		return fmt.Errorf("mqtt: read CONNACK: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	if pType, _, _, err := parseFixedHeader(ack); err != nil || pType != packetTypeConnack {
		conn.Close()
		return fmt.Errorf("mqtt: unexpected CONNACK response")
	}
	if ack[3] != 0 {
		conn.Close()
		return fmt.Errorf("mqtt: broker rejected connection, return code %d", ack[3])
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	p.log.Info("MQTT connected", logger.String("broker", p.config.Broker))
	return nil
}

// Stop disconnects from the broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return
	}
	_, _ = p.conn.Write(buildDisconnect())
	_ = p.conn.Close()
	p.conn = nil
	p.log.Info("Stopping MQTT publisher")
}

// PublishExtensionRegistered publishes an extension registration event.
func (p *Publisher) PublishExtensionRegistered(event ExtensionRegisteredEvent) error {
	return p.publish("extensions/registered", event)
}

// PublishExtensionUnregistered publishes an extension unregistration event.
func (p *Publisher) PublishExtensionUnregistered(event ExtensionUnregisteredEvent) error {
	return p.publish("extensions/unregistered", event)
}

// PublishCallConnected publishes a call-answered event.
func (p *Publisher) PublishCallConnected(event CallConnectedEvent) error {
	return p.publish("calls/connected", event)
}

// PublishCallEnded publishes a call-ended event.
func (p *Publisher) PublishCallEnded(event CallEndedEvent) error {
	return p.publish("calls/ended", event)
}

func (p *Publisher) publish(suffix string, event interface{}) error {
	if !p.config.Enabled {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		p.log.Error("Failed to serialize event", logger.String("topic", suffix), logger.Error(err))
		return err
	}
	topic := p.formatTopic(suffix)

	p.mu.Lock()
	conn := p.conn
	p.packetID++
	id := p.packetID
	p.mu.Unlock()

	if conn == nil {
		p.log.Debug("MQTT not connected, dropping event", logger.String("topic", topic))
		return nil
	}

	frame := buildPublish(topic, payload, p.config.QoS, p.config.Retained, id)
	if _, err := conn.Write(frame); err != nil {
		p.log.Error("Failed to publish MQTT event", logger.String("topic", topic), logger.Error(err))
		p.mu.Lock()
		if p.conn == conn {
			p.conn = nil
		}
		p.mu.Unlock()
		return err
	}

	p.log.Debug("Published MQTT event", logger.String("topic", topic), logger.Int("payload_size", len(payload)))
	return nil
}

func (p *Publisher) formatTopic(suffix string) string {
	prefix := strings.TrimSuffix(p.config.TopicPrefix, "/")
	if prefix == "" {
		return suffix
	}
	return fmt.Sprintf("%s/%s", prefix, suffix)
}
