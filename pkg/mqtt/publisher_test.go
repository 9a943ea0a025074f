package mqtt

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/dbehnke/pbx-nexus/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: "error"})
}

// fakeBroker accepts one connection, replies CONNACK, and records the
// first PUBLISH frame it receives onto the returned channel.
func fakeBroker(t *testing.T) (addr string, publishes chan []byte, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	publishes = make(chan []byte, 8)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 4096)
		n, err := conn.Read(buf)
		if err != nil || n == 0 {
			return
		}
		conn.Write([]byte{packetTypeConnack << 4, 2, 0, 0})

		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			frame := make([]byte, n)
			copy(frame, buf[:n])
			if frame[0]>>4 == packetTypePublish {
				publishes <- frame
			}
		}
	}()

	return ln.Addr().String(), publishes, func() { ln.Close() }
}

func TestPublisherDisabledIsNoop(t *testing.T) {
	p := New(Config{Enabled: false}, testLogger())
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("expected no error when disabled, got %v", err)
	}
}

func TestPublisherConnectsAndPublishes(t *testing.T) {
	addr, publishes, stop := fakeBroker(t)
	defer stop()

	p := New(Config{
		Enabled:     true,
		Broker:      addr,
		TopicPrefix: "pbx/nexus",
		ClientID:    "pbx-nexus-test",
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Start(ctx)

	deadline := time.After(2 * time.Second)
	for {
		if err := p.PublishExtensionRegistered(ExtensionRegisteredEvent{Extension: 100}); err == nil {
			p.mu.Lock()
			connected := p.conn != nil
			p.mu.Unlock()
			if connected {
				break
			}
		}
		select {
		case <-deadline:
			t.Fatalf("publisher never connected")
		case <-time.After(10 * time.Millisecond):
		}
	}

	select {
	case frame := <-publishes:
		if frame[0]>>4 != packetTypePublish {
			t.Fatalf("expected PUBLISH frame, got type %d", frame[0]>>4)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("broker never received a PUBLISH frame")
	}
}
