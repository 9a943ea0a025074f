// Package pbx implements the extension registry: the fixed-capacity table
// mapping extension numbers to TUs, and the ring-timeout manager that
// forces a call back on hook when nobody answers (§4.2, §10.4).
package pbx

import (
	"fmt"
	"sync"
	"time"

	"github.com/dbehnke/pbx-nexus/pkg/logger"
	"github.com/dbehnke/pbx-nexus/pkg/protocol"
	"github.com/dbehnke/pbx-nexus/pkg/tu"
)

// Events is the set of hooks the registry fires as registration state and
// call pairing change. Every field is optional; nil hooks are skipped. This
// is how pkg/metrics, pkg/mqtt, and pkg/web observe PBX activity without the
// registry importing any of them (§10.2, §10.3, §10.5).
type Events struct {
	OnExtensionRegistered   func(ext int)
	OnExtensionUnregistered func(ext int)
	OnCallConnected         func(fromExt, toExt int)
	OnCallEnded             func(ext int)
}

// PBX is the extension registry described in §4.2: a fixed-capacity table
// of extension -> TU, guarded by a single mutex. The condition variable is
// used only by Shutdown, to wait for the table to drain as sessions
// observe their forced socket closure and unregister.
type PBX struct {
	mu   sync.Mutex
	cond *sync.Cond

	capacity int
	byExt    map[int]*tu.TU

	ringTimeout time.Duration
	ringTimers  map[uint64]*time.Timer

	log    *logger.Logger
	events Events

	closed bool
}

// New creates a registry with room for capacity extensions. A ringTimeout
// of zero disables the ring-timeout feature entirely.
func New(capacity int, ringTimeout time.Duration, log *logger.Logger, events Events) *PBX {
	p := &PBX{
		capacity:    capacity,
		byExt:       make(map[int]*tu.TU),
		ringTimeout: ringTimeout,
		ringTimers:  make(map[uint64]*time.Timer),
		log:         log,
		events:      events,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Count returns the number of currently registered extensions.
func (p *PBX) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byExt)
}

// Extensions returns the currently registered extension numbers, for the
// dashboard's registry snapshot (§10.3).
func (p *PBX) Extensions() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	exts := make([]int, 0, len(p.byExt))
	for ext := range p.byExt {
		exts = append(exts, ext)
	}
	return exts
}

// Register assigns ext to t and increments t's refcount for the registry's
// own reference (§4.2 register). It fails immediately — it never blocks —
// if ext is out of [0, capacity), the slot is already occupied, or the
// registry is shut down; capacity and per-slot occupancy are the same
// condition once ext is range-checked, so there is no separate "table
// full" wait to perform.
func (p *PBX) Register(ext int, t *tu.TU) error {
	if ext < 0 || ext >= p.capacity {
		return fmt.Errorf("pbx: extension %d out of range [0,%d)", ext, p.capacity)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("pbx: registry is shut down")
	}
	if _, taken := p.byExt[ext]; taken {
		p.mu.Unlock()
		return fmt.Errorf("pbx: extension %d already registered", ext)
	}
	p.byExt[ext] = t
	p.mu.Unlock()

	p.finishRegister(ext, t)
	return nil
}

// RegisterNext assigns the lowest unoccupied extension in [0, capacity) to
// t — the server-side counterpart of the wire protocol having no
// extension-selection command: extensions are handed out by connection
// order, as §6/§8 describe, not chosen by the client (§4.2 register).
func (p *PBX) RegisterNext(t *tu.TU) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, fmt.Errorf("pbx: registry is shut down")
	}
	ext := -1
	for candidate := 0; candidate < p.capacity; candidate++ {
		if _, taken := p.byExt[candidate]; !taken {
			ext = candidate
			break
		}
	}
	if ext < 0 {
		p.mu.Unlock()
		return 0, fmt.Errorf("pbx: registry is full (capacity %d)", p.capacity)
	}
	p.byExt[ext] = t
	p.mu.Unlock()

	p.finishRegister(ext, t)
	return ext, nil
}

func (p *PBX) finishRegister(ext int, t *tu.TU) {
	t.Ref()
	t.SetExtension(ext)
	if p.log != nil {
		p.log.Info("extension registered", logger.Int("extension", ext), logger.Uint64("tu", t.ID()))
	}
	if p.events.OnExtensionRegistered != nil {
		p.events.OnExtensionRegistered(ext)
	}
}

// Unregister removes ext from the table, drops the registry's reference to
// its TU, and wakes Shutdown if it is waiting for the table to drain (§4.2
// unregister).
func (p *PBX) Unregister(ext int) {
	p.mu.Lock()
	t, ok := p.byExt[ext]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.byExt, ext)
	p.cond.Broadcast()
	p.mu.Unlock()

	p.ClearRingTimer(t.ID())
	t.Unref()
	if p.log != nil {
		p.log.Info("extension unregistered", logger.Int("extension", ext), logger.Uint64("tu", t.ID()))
	}
	if p.events.OnExtensionUnregistered != nil {
		p.events.OnExtensionUnregistered(ext)
	}
}

// Lookup resolves an extension to its TU, taking a reference on the
// caller's behalf for the duration of the dial attempt. The caller must
// Unref when done with the handle whether or not the dial pairs; a
// successful Dial takes its own reference (dial_ext, §4.2).
func (p *PBX) Lookup(ext int) *tu.TU {
	p.mu.Lock()
	t, ok := p.byExt[ext]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	t.Ref()
	return t
}

// Shutdown marks the registry closed so later registrations fail, stops
// every ring timer, shuts down every registered TU's socket so its session
// observes EOF and unregisters on its own, then blocks until the table has
// drained (§4.2 shutdown).
func (p *PBX) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	for _, timer := range p.ringTimers {
		timer.Stop()
	}
	p.ringTimers = make(map[uint64]*time.Timer)
	tus := make([]*tu.TU, 0, len(p.byExt))
	for _, t := range p.byExt {
		tus = append(tus, t)
	}
	p.mu.Unlock()

	for _, t := range tus {
		t.Shutdown()
	}

	p.mu.Lock()
	for len(p.byExt) > 0 {
		p.cond.Wait()
	}
	p.mu.Unlock()
}

// ArmRingTimer starts (or restarts) the ring-timeout for the TU that just
// began ringing as the callee of a call. If it fires before the call is
// answered or the caller hangs up, it forces both legs back on hook, the
// same way a real PBX abandons an unanswered ring (§10.4).
//
// Grounded on the teacher's bridge.TimerManager pattern: a map of timers
// keyed by identity, replaced on rearm, stopped on clear.
func (p *PBX) ArmRingTimer(callee *tu.TU) {
	if p.ringTimeout <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.ringTimers[callee.ID()]; ok {
		existing.Stop()
	}
	p.ringTimers[callee.ID()] = time.AfterFunc(p.ringTimeout, func() {
		p.onRingTimeout(callee)
	})
}

// ClearRingTimer stops and forgets the ring timer for a TU, called once a
// call is answered, hung up, or the TU leaves the registry.
func (p *PBX) ClearRingTimer(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if timer, ok := p.ringTimers[id]; ok {
		timer.Stop()
		delete(p.ringTimers, id)
	}
}

func (p *PBX) onRingTimeout(callee *tu.TU) {
	p.mu.Lock()
	delete(p.ringTimers, callee.ID())
	p.mu.Unlock()

	if callee.State() != protocol.StateRinging {
		return // answered or torn down already; nothing to do
	}
	if p.log != nil {
		p.log.Info("ring timeout, forcing hangup", logger.Uint64("tu", callee.ID()))
	}
	if ev := callee.Hangup(); ev.Occurred {
		p.NoteCallEnded(callee.Extension())
	}
}

// NotePairing reports a successful dial-to-pickup pairing for metrics and
// dashboard consumers; it does not affect registry state.
func (p *PBX) NotePairing(fromExt, toExt int) {
	if p.events.OnCallConnected != nil {
		p.events.OnCallConnected(fromExt, toExt)
	}
}

// NoteCallEnded reports a call teardown for metrics and dashboard
// consumers.
func (p *PBX) NoteCallEnded(ext int) {
	if p.events.OnCallEnded != nil {
		p.events.OnCallEnded(ext)
	}
}
