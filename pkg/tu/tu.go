// Package tu implements the Telephone Unit state machine: one instance per
// connected client, holding call state, peer link, reference count, and the
// private lock that guards them (spec §3, §4.1).
//
// Two TU locks are never acquired out of order: whenever an operation needs
// to mutate a peer atomically with self, it drops its own lock (if held) and
// reacquires both in the total order induced by TU id (lower id first),
// exactly as dial's "lock protocol" paragraph describes, generalized to
// pickup/hangup/chat as well. See orderedLock below.
package tu

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/dbehnke/pbx-nexus/pkg/protocol"
)

var nextID uint64

func newID() uint64 {
	return atomic.AddUint64(&nextID, 1)
}

// TU is one registered or pre-registration telephone unit.
type TU struct {
	id uint64

	mu    sync.Mutex
	state protocol.State
	ext   int // -1 until set_extension is called
	peer  *TU

	refcount int

	conn     net.Conn
	writeMu  sync.Mutex
	closeMu  sync.Mutex
	released bool
}

// New creates a TU bound to conn, unregistered and ON_HOOK, refcount 0.
// The first reference is the registry's, taken when the session registers
// the TU with the PBX and dropped on unregister (§3 Lifecycle).
func New(conn net.Conn) *TU {
	return &TU{
		id:    newID(),
		state: protocol.StateOnHook,
		ext:   -1,
		conn:  conn,
	}
}

// ID returns the TU's monotonically assigned identity, used only for lock
// ordering and logging; it is not the extension number.
func (t *TU) ID() uint64 { return t.id }

// State returns a snapshot of the current state.
func (t *TU) State() protocol.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Extension returns the assigned extension, or -1 if unregistered.
func (t *TU) Extension() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ext
}

// PeerID returns the current peer's id and whether one is set.
func (t *TU) PeerID() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.peer == nil {
		return 0, false
	}
	return t.peer.id, true
}

// Refcount returns the current reference count, for tests and diagnostics.
func (t *TU) Refcount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refcount
}

// orderedLock locks a and b in the total order induced by id (lower first)
// and returns an unlock func that releases them in reverse order.
func orderedLock(a, b *TU) func() {
	if a.id == b.id {
		a.mu.Lock()
		return a.mu.Unlock
	}
	first, second := a, b
	if second.id < first.id {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()
	return func() {
		second.mu.Unlock()
		first.mu.Unlock()
	}
}

// writeLine serializes a raw line onto the client socket. A write failure
// (broken pipe, half-closed peer) never panics or kills the process; it
// closes the connection, so the session reading it observes the loss and
// hangs up and unregisters, and the error is returned to the caller
// (§4.3, §7).
func (t *TU) writeLine(line string) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := fmt.Fprint(t.conn, line)
	if err != nil {
		_ = t.conn.Close()
	}
	return err
}

// notify writes the single state-notification line every operation owes
// its caller, regardless of branch (§4.1).
func (t *TU) notify(state protocol.State, ext int) {
	_ = t.writeLine(protocol.NotifyLine(state, ext))
}

// Ref increments the reference count. Used by the registry on register and
// by the caller for the duration of a dial_ext lookup (§3 Lifecycle, §4.2).
func (t *TU) Ref() {
	t.mu.Lock()
	t.refcount++
	t.mu.Unlock()
}

// Unref decrements the reference count and, if it reaches zero, releases
// the TU's socket. There is no explicit destructor in Go; release closes
// the one resource a freed TU still owns.
func (t *TU) Unref() {
	t.mu.Lock()
	t.refcount--
	freed := t.refcount <= 0
	underflow := t.refcount < 0
	t.mu.Unlock()
	if underflow {
		panic(fmt.Sprintf("tu: refcount underflow on tu %d", t.id))
	}
	if freed {
		t.release()
	}
}

func (t *TU) release() {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if t.released {
		return
	}
	t.released = true
	_ = t.conn.Close()
}

// Shutdown half-closes (or, failing that, fully closes) the TU's socket so
// a blocked session read observes EOF (§4.2 shutdown, §5 Cancellation).
func (t *TU) Shutdown() {
	type halfCloser interface {
		CloseRead() error
		CloseWrite() error
	}
	if hc, ok := t.conn.(halfCloser); ok {
		_ = hc.CloseRead()
		_ = hc.CloseWrite()
		return
	}
	_ = t.conn.Close()
}

// SetExtension assigns the extension and forces ON_HOOK. Called at most
// once per TU, by the registry during register, before the TU is reachable
// by any other goroutine (§4.1 set_extension).
func (t *TU) SetExtension(ext int) {
	t.mu.Lock()
	t.ext = ext
	t.state = protocol.StateOnHook
	t.mu.Unlock()
	t.notify(protocol.StateOnHook, ext)
}

// PairEvent reports a pairing transition a caller (the PBX's ring-timeout
// manager) needs to react to, without reaching into TU internals.
type PairEvent struct {
	Occurred       bool
	SelfID, PeerID uint64
}

// Pickup implements §4.1 pickup().
func (t *TU) Pickup() PairEvent {
	t.mu.Lock()
	state := t.state
	switch state {
	case protocol.StateOnHook:
		t.state = protocol.StateDialTone
		ext := t.ext
		t.mu.Unlock()
		t.notify(protocol.StateDialTone, ext)
		return PairEvent{}

	case protocol.StateRinging:
		peer := t.peer
		t.mu.Unlock()
		if peer == nil {
			t.notify(t.State(), t.Extension())
			return PairEvent{}
		}
		unlock := orderedLock(t, peer)
		if t.state != protocol.StateRinging || t.peer != peer || peer.peer != t {
			st, ext := t.state, t.ext
			unlock()
			t.notify(st, ext)
			return PairEvent{}
		}
		t.state = protocol.StateConnected
		peer.state = protocol.StateConnected
		selfExt, peerExt := t.ext, peer.ext
		selfID, peerID := t.id, peer.id
		unlock()
		t.notify(protocol.StateConnected, peerExt)
		peer.notify(protocol.StateConnected, selfExt)
		return PairEvent{Occurred: true, SelfID: selfID, PeerID: peerID}

	default:
		ext := t.ext
		t.mu.Unlock()
		t.notify(state, ext)
		return PairEvent{}
	}
}

// Hangup implements §4.1 hangup().
func (t *TU) Hangup() PairEvent {
	t.mu.Lock()
	state := t.state

	switch state {
	case protocol.StateConnected, protocol.StateRinging:
		peer := t.peer
		t.mu.Unlock()
		if peer == nil {
			t.notify(t.State(), t.Extension())
			return PairEvent{}
		}
		unlock := orderedLock(t, peer)
		if t.peer != peer || peer.peer != t {
			st, ext := t.state, t.ext
			unlock()
			t.notify(st, ext)
			return PairEvent{}
		}
		wasConnected := t.state == protocol.StateConnected
		t.state = protocol.StateOnHook
		if wasConnected {
			peer.state = protocol.StateDialTone
		} else {
			peer.state = protocol.StateOnHook
		}
		t.peer = nil
		peer.peer = nil
		t.refcount--
		peer.refcount--
		selfFreed := t.refcount <= 0
		peerFreed := peer.refcount <= 0
		selfExt, peerExt, peerNewState := t.ext, peer.ext, peer.state
		selfID, peerID := t.id, peer.id
		unlock()
		if selfFreed {
			t.release()
		}
		if peerFreed {
			peer.release()
		}
		t.notify(protocol.StateOnHook, selfExt)
		peer.notify(peerNewState, peerExt)
		return PairEvent{Occurred: true, SelfID: selfID, PeerID: peerID}

	case protocol.StateRingBack:
		peer := t.peer
		t.mu.Unlock()
		if peer == nil {
			t.notify(t.State(), t.Extension())
			return PairEvent{}
		}
		unlock := orderedLock(t, peer)
		if t.peer != peer || peer.peer != t {
			st, ext := t.state, t.ext
			unlock()
			t.notify(st, ext)
			return PairEvent{}
		}
		t.state = protocol.StateOnHook
		peer.state = protocol.StateOnHook
		t.peer = nil
		peer.peer = nil
		t.refcount--
		peer.refcount--
		selfFreed := t.refcount <= 0
		peerFreed := peer.refcount <= 0
		selfExt, peerExt := t.ext, peer.ext
		selfID, peerID := t.id, peer.id
		unlock()
		if selfFreed {
			t.release()
		}
		if peerFreed {
			peer.release()
		}
		t.notify(protocol.StateOnHook, selfExt)
		peer.notify(protocol.StateOnHook, peerExt)
		return PairEvent{Occurred: true, SelfID: selfID, PeerID: peerID}

	case protocol.StateDialTone, protocol.StateBusySignal, protocol.StateError:
		t.state = protocol.StateOnHook
		ext := t.ext
		t.mu.Unlock()
		t.notify(protocol.StateOnHook, ext)
		return PairEvent{}

	default: // ON_HOOK: no change, still notify per the blanket rule.
		ext := t.ext
		t.mu.Unlock()
		t.notify(protocol.StateOnHook, ext)
		return PairEvent{}
	}
}

// Dial implements §4.1 dial(self, target). target is nil when the PBX could
// not resolve the dialed extension to a registered TU.
func (t *TU) Dial(target *TU) PairEvent {
	t.mu.Lock()
	if t.state != protocol.StateDialTone {
		st, ext := t.state, t.ext
		t.mu.Unlock()
		t.notify(st, ext)
		return PairEvent{}
	}
	t.mu.Unlock()

	if target == nil {
		t.mu.Lock()
		if t.state == protocol.StateDialTone {
			t.state = protocol.StateError
		}
		st, ext := t.state, t.ext
		t.mu.Unlock()
		t.notify(st, ext)
		return PairEvent{}
	}

	if target == t {
		t.mu.Lock()
		if t.state == protocol.StateDialTone {
			t.state = protocol.StateBusySignal
		}
		st, ext := t.state, t.ext
		t.mu.Unlock()
		t.notify(st, ext)
		return PairEvent{}
	}

	unlock := orderedLock(t, target)

	if t.state != protocol.StateDialTone {
		st, ext := t.state, t.ext
		unlock()
		t.notify(st, ext)
		return PairEvent{}
	}

	if target.state != protocol.StateOnHook || target.peer != nil {
		t.state = protocol.StateBusySignal
		ext := t.ext
		unlock()
		t.notify(protocol.StateBusySignal, ext)
		return PairEvent{}
	}

	t.state = protocol.StateRingBack
	target.state = protocol.StateRinging
	t.peer = target
	target.peer = t
	t.refcount++
	target.refcount++
	selfExt, targetExt := t.ext, target.ext
	selfID, targetID := t.id, target.id
	unlock()

	t.notify(protocol.StateRingBack, targetExt)
	target.notify(protocol.StateRinging, selfExt)
	return PairEvent{Occurred: true, SelfID: selfID, PeerID: targetID}
}

// Chat implements §4.1 chat(msg). It returns false, emitting only the self
// notification, when the TU is not CONNECTED (the fixed "preserve or fix"
// bug in §9: every exit path unlocks and notifies exactly once).
func (t *TU) Chat(msg string) bool {
	t.mu.Lock()
	if t.state != protocol.StateConnected {
		st, ext := t.state, t.ext
		t.mu.Unlock()
		t.notify(st, ext)
		return false
	}
	peer := t.peer
	t.mu.Unlock()

	if peer == nil {
		st, ext := t.State(), t.Extension()
		t.notify(st, ext)
		return false
	}

	unlock := orderedLock(t, peer)
	if t.state != protocol.StateConnected || t.peer != peer {
		st, ext := t.state, t.ext
		unlock()
		t.notify(st, ext)
		return false
	}
	peerExt := peer.ext
	unlock()

	_ = peer.writeLine(protocol.ChatLine(msg))
	t.notify(protocol.StateConnected, peerExt)
	return true
}
