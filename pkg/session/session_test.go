package session

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/dbehnke/pbx-nexus/pkg/logger"
	"github.com/dbehnke/pbx-nexus/pkg/pbx"
)

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: "error"})
}

func dialSession(t *testing.T, p *pbx.PBX) net.Conn {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := New(server, p, testLogger(), nil)
	go s.Serve(ctx)
	return client
}

func writeLine(t *testing.T, c net.Conn, line string) {
	t.Helper()
	if _, err := c.Write([]byte(line + "\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// TestSessionAssignsExtensionOnConnect matches §6's "the server sends a
// single ON HOOK <ext>\n to a newly registered client" — the greeting
// arrives as soon as the connection is accepted, before the client sends
// anything.
func TestSessionAssignsExtensionOnConnect(t *testing.T) {
	p := pbx.New(4, 0, testLogger(), pbx.Events{})
	client := dialSession(t, p)
	reader := bufio.NewReader(client)

	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "ON HOOK 0\n" {
		t.Fatalf("got %q, want %q", line, "ON HOOK 0\n")
	}
	if p.Count() != 1 {
		t.Fatalf("count = %d, want 1", p.Count())
	}
}

// TestSessionAssignsExtensionsInConnectionOrder is the literal §8 setup:
// "Two clients C1 (extension 0) and C2 (extension 1) connect in that
// order" — extensions come from connection order, never from anything the
// client sends.
func TestSessionAssignsExtensionsInConnectionOrder(t *testing.T) {
	p := pbx.New(4, 0, testLogger(), pbx.Events{})

	c1 := dialSession(t, p)
	r1 := bufio.NewReader(c1)
	line1, err := r1.ReadString('\n')
	if err != nil {
		t.Fatalf("c1 read: %v", err)
	}
	if line1 != "ON HOOK 0\n" {
		t.Fatalf("c1 got %q, want %q", line1, "ON HOOK 0\n")
	}

	c2 := dialSession(t, p)
	r2 := bufio.NewReader(c2)
	line2, err := r2.ReadString('\n')
	if err != nil {
		t.Fatalf("c2 read: %v", err)
	}
	if line2 != "ON HOOK 1\n" {
		t.Fatalf("c2 got %q, want %q", line2, "ON HOOK 1\n")
	}
}

func TestSessionPickupDialTone(t *testing.T) {
	p := pbx.New(4, 0, testLogger(), pbx.Events{})
	client := dialSession(t, p)
	reader := bufio.NewReader(client)

	reader.ReadString('\n') // ON HOOK

	writeLine(t, client, "pickup")
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "DIAL TONE\n" {
		t.Fatalf("got %q, want %q", line, "DIAL TONE\n")
	}
}

func TestSessionCleanupUnregistersOnDisconnect(t *testing.T) {
	p := pbx.New(4, 0, testLogger(), pbx.Events{})
	client := dialSession(t, p)
	reader := bufio.NewReader(client)

	reader.ReadString('\n')

	client.Close()

	deadline := time.After(1 * time.Second)
	for p.Count() != 0 {
		select {
		case <-deadline:
			t.Fatalf("extension was not unregistered after disconnect")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// TestSessionRejectsConnectionWhenRegistryFull covers the §4.2 register
// failure path reached when every extension slot is occupied: the
// connection gets no greeting and is closed rather than left to hang.
func TestSessionRejectsConnectionWhenRegistryFull(t *testing.T) {
	p := pbx.New(0, 0, testLogger(), pbx.Events{})
	client := dialSession(t, p)

	buf := make([]byte, 16)
	client.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	if _, err := client.Read(buf); err == nil {
		t.Fatalf("expected connection to be closed without a greeting")
	}
	if p.Count() != 0 {
		t.Fatalf("count = %d, want 0", p.Count())
	}
}
