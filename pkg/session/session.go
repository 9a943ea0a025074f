// Package session drives a single client connection: reading CRLF-framed
// command lines, dispatching them onto a TU, and unwinding the TU's
// registration on disconnect (§4.3, §6).
package session

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/dbehnke/pbx-nexus/pkg/logger"
	"github.com/dbehnke/pbx-nexus/pkg/metrics"
	"github.com/dbehnke/pbx-nexus/pkg/pbx"
	"github.com/dbehnke/pbx-nexus/pkg/protocol"
	"github.com/dbehnke/pbx-nexus/pkg/tu"
)

// Session owns the lifetime of one accepted connection.
type Session struct {
	conn    net.Conn
	pbx     *pbx.PBX
	log     *logger.Logger
	metrics *metrics.Collector

	tu         *tu.TU
	ext        int
	registered bool
}

// New wraps conn in a Session bound to the given registry. metrics may be
// nil, in which case per-command counters are not recorded.
func New(conn net.Conn, p *pbx.PBX, log *logger.Logger, metricsCollector *metrics.Collector) *Session {
	return &Session{
		conn:    conn,
		pbx:     p,
		log:     log,
		metrics: metricsCollector,
		ext:     -1,
	}
}

// Serve registers a TU for the accepted connection on the next free
// extension, sends the opening ON HOOK notification, then reads command
// lines until the connection closes or ctx is cancelled (§4.3, §6, §8).
// Extensions are assigned by the registry in connection order; the wire
// protocol has no client command for choosing one.
//
// Serve always returns nil on a clean disconnect. A failed write to the
// client closes the connection, which ends this loop the same way; unknown
// lines are ignored. Neither tears down the process (§7).
func (s *Session) Serve(ctx context.Context) error {
	defer s.cleanup()

	go func() {
		<-ctx.Done()
		_ = s.conn.Close()
	}()

	s.tu = tu.New(s.conn)
	ext, err := s.pbx.RegisterNext(s.tu)
	if err != nil {
		s.log.Warn("extension registration failed", logger.Error(err))
		_ = s.conn.Close()
		return nil
	}
	s.ext = ext
	s.registered = true

	reader := bufio.NewReader(s.conn)
	for {
		line, err := readLine(reader)
		if err != nil {
			return nil
		}
		s.dispatch(line)
	}
}

func (s *Session) dispatch(line string) {
	cmd := protocol.ParseLine(line)
	switch cmd.Type {
	case protocol.CmdPickup:
		if ev := s.tu.Pickup(); ev.Occurred {
			s.pbx.ClearRingTimer(ev.SelfID)
		}
		if s.metrics != nil {
			s.metrics.Pickup()
		}

	case protocol.CmdHangup:
		ev := s.tu.Hangup()
		if ev.Occurred {
			s.pbx.NoteCallEnded(s.ext)
			s.pbx.ClearRingTimer(ev.SelfID)
			s.pbx.ClearRingTimer(ev.PeerID)
		}
		if s.metrics != nil {
			s.metrics.Hangup()
		}

	case protocol.CmdDial:
		s.handleDial(cmd.Arg)

	case protocol.CmdChat:
		ok := s.tu.Chat(cmd.Arg)
		if ok && s.metrics != nil {
			s.metrics.ChatMessage()
		}

	case protocol.CmdUnknown:
		s.log.Debug("ignoring unrecognized command", logger.String("line", line))
	}
}

func (s *Session) handleDial(arg string) {
	if s.metrics != nil {
		s.metrics.Dial()
	}

	targetExt, err := strconv.Atoi(arg)
	if err != nil {
		s.tu.Dial(nil)
		return
	}

	// Lookup resolves self-dials to s.tu itself (it's registered under
	// s.ext); Dial's own target == self check turns that into BUSY SIGNAL
	// rather than the nil-target ERROR path.
	target := s.pbx.Lookup(targetExt)
	ev := s.tu.Dial(target)
	if target != nil {
		target.Unref() // Dial took its own reference on success; drop the lookup's.
	}
	if ev.Occurred {
		s.pbx.NotePairing(s.ext, targetExt)
		s.pbx.ArmRingTimer(target)
	} else if s.metrics != nil && s.tu.State() == protocol.StateBusySignal {
		s.metrics.BusySignal()
	}
}

func (s *Session) cleanup() {
	if !s.registered {
		return
	}
	if ev := s.tu.Hangup(); ev.Occurred {
		s.pbx.NoteCallEnded(s.ext)
		s.pbx.ClearRingTimer(ev.PeerID)
	}
	s.pbx.Unregister(s.ext)
}

// readLine reads one CRLF- or LF-terminated line and returns it with the
// terminator stripped.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}
