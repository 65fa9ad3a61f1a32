/*
 * vx86 - Monitor main loop.
 *
 * Copyright 2024, Richard Cornwell
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 */

// Package monitor ties every other package into the main loop: acquire
// the TB for the guest's current eip, enter it, and react to whatever
// it reports (a chained fall-through, a forced callout, or a guest
// fault) before looping again.
//
// This repository's TBs hold guest-instruction bytes rather than host
// machine code (see tbcache.EnterTB's doc comment), so Monitor supplies
// the trap/callout/chain transitions itself by walking the TB's decoded
// instructions in Go rather than by entering translated code and
// reacting to a host trap.
package monitor

import (
	"errors"
	"fmt"

	"github.com/rcornwell/vx86/callout"
	"github.com/rcornwell/vx86/decode"
	"github.com/rcornwell/vx86/device"
	"github.com/rcornwell/vx86/jumptable"
	"github.com/rcornwell/vx86/microreplay"
	"github.com/rcornwell/vx86/mtrace"
	"github.com/rcornwell/vx86/peephole"
	"github.com/rcornwell/vx86/priv"
	"github.com/rcornwell/vx86/record"
	"github.com/rcornwell/vx86/shadow"
	"github.com/rcornwell/vx86/tbcache"
	"github.com/rcornwell/vx86/translate"
	"github.com/rcornwell/vx86/util/debug"
	"github.com/rcornwell/vx86/vcpu"
)

// Config is every knob New needs to stand up a Monitor.
type Config struct {
	GuestMemSize int
	ArenaSize    int
	Mode         vcpu.Mode
	MaxTUInsns   int // translation unit cutoff, 0 => translate.MaxInsnsDefault
	Shadow       shadow.Config
	Microreplay  microreplay.Config

	// PanicEIP, when nonzero, is the guest OS's panic entry point: reaching
	// it during replay triggers (or, mid-round, concludes) a micro-replay
	// investigation. 0 disables the check.
	PanicEIP uint32

	// SnapshotInterval is the number of TB entries between periodic MS
	// snapshot records in record mode; 0 selects the default.
	SnapshotInterval uint64

	// NewArena overrides the TB cache's executable-memory backend; nil
	// uses tbcache.MmapArena. Tests pass an anonymous-mapping stub.
	NewArena func(int) ([]byte, error)
}

// Panic is the monitor's internal fatal condition: an invariant the
// monitor itself cannot recover from, as opposed to vcpu.GuestFault
// which the guest's own IDT handles.
type Panic struct {
	Reason string
}

func (p Panic) Error() string { return fmt.Sprintf("monitor: panic: %s", p.Reason) }

// Monitor owns the single active VCPU and every collaborator of the
// main loop; all mutable monitor state hangs off this one value.
type Monitor struct {
	VCPU *vcpu.VCPU

	decoder  *decode.Decoder
	peep     *peephole.Table
	maxInsns int

	Shadow *shadow.Engine
	Mtrace *mtrace.Table
	TB     *tbcache.Cache
	Jump   *jumptable.Table
	Ports  *priv.PortSpace

	Callout *callout.Dispatcher
	PIC     *device.PIC

	// Record is the active record/replay log, nil when neither is
	// enabled. Replay is true when Record is open read-only.
	Record *record.Log
	Replay bool

	Micro      *microreplay.Controller
	injHistory []microreplay.Injection

	// pendingIn queues replayed IN records consumed by checkLogAt until
	// the in instruction inside the block reads them back: on replay,
	// port input comes from the log, never the device.
	pendingIn []*record.Record

	// checkpoint is the rollback base micro-replay restores to: the full
	// VCPU plus a guest-memory copy captured at the last trigger boundary.
	checkpoint rollbackCheckpoint

	// deferredInval holds TBs whose mtrace fired while they were locked
	// (executing); invalidation is applied at the next safe point, after
	// the block exits.
	deferredInval []tbcache.Handle

	panicEIP     uint32
	snapInterval uint64

	halted bool
}

type rollbackCheckpoint struct {
	valid  bool
	nExec  uint64
	vcpu   vcpu.VCPU
	mem    []byte
	logOff int64
}

// ErrPanicReproduced reports that a micro-replay round reached the guest
// panic entry point again: the failure reproduced under the current
// blacklist. main exits with code 13 on this error.
var ErrPanicReproduced = errors.New("monitor: guest panic reproduced under micro-replay")

// defaultSnapshotInterval spaces MS records closely enough that a
// micro-replay seek never rewinds more than one interval of execution.
const defaultSnapshotInterval = 1 << 16

// New assembles a Monitor with the standard peephole table and an empty
// guest address space. Callers wire devices onto m.Ports afterward.
func New(cfg Config) (*Monitor, error) {
	if cfg.MaxTUInsns <= 0 {
		cfg.MaxTUInsns = translate.MaxInsnsDefault
	}
	dmode := decode.Mode16
	if cfg.Mode == vcpu.ModeProtected {
		dmode = decode.Mode32
	}

	shadowEngine := shadow.NewEngine(cfg.GuestMemSize, cfg.Shadow)

	tb, err := tbcache.NewCache(cfg.ArenaSize, cfg.NewArena)
	if err != nil {
		return nil, err
	}

	if cfg.SnapshotInterval == 0 {
		cfg.SnapshotInterval = defaultSnapshotInterval
	}

	m := &Monitor{
		VCPU:         &vcpu.VCPU{Mode: cfg.Mode},
		decoder:      decode.NewDecoder(dmode),
		peep:         peephole.DefaultTable(),
		maxInsns:     cfg.MaxTUInsns,
		Shadow:       shadowEngine,
		Mtrace: mtrace.New(func(beginPg, endPg uint32) {
			for pg := beginPg; pg <= endPg; pg++ {
				shadowEngine.InvalidatePage(pg * 4096)
			}
		}),
		TB:           tb,
		Jump:         jumptable.New(),
		Ports:        priv.NewPortSpace(),
		PIC:          device.NewPIC(),
		panicEIP:     cfg.PanicEIP,
		snapInterval: cfg.SnapshotInterval,
	}
	m.PIC.Register(m.Ports)

	m.Callout = callout.New(shadowEngine, m.Ports, m.PIC)
	m.Callout.OnCR3Write = func(uint32) { m.Jump.Purge() }

	m.TB.OnEvict = func(tb *tbcache.TB) {
		m.Jump.Remove(tb.Handle())
		if tb.HasMtrace {
			m.Mtrace.Remove(mtrace.Handle(tb.MtraceHandle))
		}
	}

	if cfg.Microreplay.InitialN <= 0 {
		cfg.Microreplay = microreplay.DefaultConfig()
	}
	m.Micro = microreplay.New(cfg.Microreplay)

	return m, nil
}

// AttachRecord puts the monitor in record mode, appending every
// non-deterministic event to log.
func (m *Monitor) AttachRecord(log *record.Log) { m.Record = log; m.Replay = false }

// AttachReplay puts the monitor in replay mode, consuming log instead.
func (m *Monitor) AttachReplay(log *record.Log) { m.Record = log; m.Replay = true }

// Halted reports whether the guest executed hlt with interrupts
// disabled and no pending wake source.
func (m *Monitor) Halted() bool { return m.halted }

// Injections reports how many interrupt-injection points this run has
// observed, the pool micro-replay harvests its last-N window from.
func (m *Monitor) Injections() int { return len(m.injHistory) }

// Run drives the main loop until the guest halts, a VMM-internal Panic
// occurs, or steps is exhausted (steps <= 0 means run until halt/panic).
func (m *Monitor) Run(steps int) error {
	for steps <= 0 || steps > 0 {
		if m.halted {
			return nil
		}
		if err := m.Step(); err != nil {
			return err
		}
		if steps > 0 {
			steps--
			if steps == 0 {
				return nil
			}
		}
	}
	return nil
}

// Step performs exactly one entering->running->completed cycle: acquire
// (or build) the TB for the current eip, execute it instruction by
// instruction, and handle whatever outcome that produces.
func (m *Monitor) Step() error {
	v := m.VCPU

	if m.panicEIP != 0 && v.EIP == m.panicEIP && m.Record != nil {
		if m.Micro.Mode == microreplay.RollbackReplaying {
			return ErrPanicReproduced
		}
		if m.Replay {
			if err := m.TriggerMicroReplay(); err != nil {
				return err
			}
		}
	}

	eipVirt := v.EIP
	phys, fault := m.translateFetch(eipVirt)
	if fault != nil {
		return m.deliverFault(*fault)
	}

	h, ok := m.Jump.LookupL1(v.EIP)
	if !ok {
		h, ok = m.Jump.LookupL2(eipVirt, v.EIP)
	}
	if !ok {
		h, ok = m.TB.Find(phys, eipVirt, v.EIP)
	}
	if !ok {
		var err error
		h, err = m.translateBlock(eipVirt, phys)
		if err != nil {
			return err
		}
	}
	m.Jump.Insert(eipVirt, v.EIP, h)

	tb := m.TB.TB(h)
	if tb == nil {
		return Panic{Reason: "monitor: resolved handle has no live TB"}
	}

	tb.Locked = true
	v.NExec++

	rolledBack, err := m.atTriggerBoundary()
	if err != nil || rolledBack {
		// A rollback rewrote the whole VCPU; this block no longer matches
		// the guest's state, so the loop restarts from the restored eip.
		tb.Locked = false
		return err
	}

	if err := m.checkLogAt(v.NExec); err != nil {
		tb.Locked = false
		return err
	}

	outcome, err := m.runBlock(tb, phys)
	tb.Locked = false
	m.flushDeferredInval()
	if err != nil {
		return err
	}

	switch outcome.kind {
	case outcomeFault:
		return m.deliverFault(*outcome.fault)
	case outcomeHalt:
		m.halted = true
		if m.Record != nil && !m.Replay {
			if err := m.Record.WriteExit(); err != nil {
				return fmt.Errorf("monitor: record exit: %w", err)
			}
		}
		return nil
	case outcomeComplete:
		m.tryChain(tb)
		return m.pollInterrupt()
	}
	return nil
}

// atTriggerBoundary services the periodic micro-replay invocation
// points: every Micro.Config.Frequency executed blocks it captures a
// rollback checkpoint, and in record mode also emits the MREP marker
// plus a periodic MS snapshot on the snapshot interval. It reports
// whether a rollback rewound the VCPU, in which case the caller must
// abandon the block it was about to run.
func (m *Monitor) atTriggerBoundary() (bool, error) {
	v := m.VCPU
	if m.Record != nil && !m.Replay && m.snapInterval > 0 && v.NExec%m.snapInterval == 0 {
		if err := m.Record.WriteSnapshot(record.Snapshot{
			GPR: v.GPR, EIP: v.EIP, EFLAGS: v.EFLAGS, CR: v.CR, NExec: v.NExec,
		}); err != nil {
			return false, fmt.Errorf("monitor: record snapshot: %w", err)
		}
	}
	freq := m.Micro.Config.Frequency
	if m.Record == nil || freq == 0 || v.NExec%freq != 0 {
		return false, nil
	}
	if !m.Replay {
		m.captureCheckpoint()
		if err := m.Record.WriteMicroReplayMarker(); err != nil {
			return false, fmt.Errorf("monitor: record mrep marker: %w", err)
		}
		return false, nil
	}
	// Trigger against the previous boundary's checkpoint before refreshing
	// it, so the rollback window spans one full interval.
	if m.Micro.Mode == microreplay.RollbackNone && m.checkpoint.valid {
		before := v.NExec
		if err := m.TriggerMicroReplay(); err != nil {
			return false, err
		}
		if v.NExec != before {
			return true, nil
		}
	}
	m.captureCheckpoint()
	return false, nil
}

func (m *Monitor) flushDeferredInval() {
	for _, h := range m.deferredInval {
		m.TB.Invalidate(h)
	}
	m.deferredInval = m.deferredInval[:0]
}

// translateBlock runs the translator over guest bytes at phys and
// commits the result to the TB cache, registering a self-modifying-code
// mtrace watch over its source range.
func (m *Monitor) translateBlock(eipVirt, phys uint32) (tbcache.Handle, error) {
	mem := m.Shadow.GuestMem
	if int(phys) >= len(mem) {
		return tbcache.Handle(0), Panic{Reason: "monitor: fetch past guest memory"}
	}
	active := peephole.ConstraintProtected
	if m.VCPU.Mode == vcpu.ModeReal {
		active = peephole.ConstraintReal
	}
	res, err := translate.Translate(mem[phys:], eipVirt, m.decoder.Mode, m.peep,
		active, m.maxInsns, m.isMonitorVisible)
	if err != nil {
		return tbcache.Handle(0), fmt.Errorf("monitor: translate at eip=%#x: %w", eipVirt, err)
	}
	debug.Debugf("translate", debug.Translate, "eip=%#x phys=%#x insns=%d", eipVirt, phys, res.NumInsns)
	h, err := m.TB.Add(eipVirt, phys, eipVirt, res)
	if err != nil {
		return tbcache.Handle(0), fmt.Errorf("monitor: %w", err)
	}
	tb := m.TB.TB(h)
	begin, end := phys, phys+uint32(res.GuestLen)
	if end > begin {
		hv := h
		handle := m.Mtrace.Add(begin, int(end-begin), func(uint32, int, any) {
			if live := m.TB.TB(hv); live != nil && live.Locked {
				// The write came from inside the doomed TB itself; tear it
				// down at block exit, not mid-execution.
				m.deferredInval = append(m.deferredInval, hv)
				return
			}
			m.TB.Invalidate(hv)
		}, nil)
		tb.MtraceHandle = uint32(handle)
		tb.HasMtrace = true
	}
	return h, nil
}

func (m *Monitor) isMonitorVisible(op decode.Operand) bool {
	return op.IsMonitorPrivate()
}

// tryChain attempts to chain tb's outgoing edge to the next TB if one
// already exists at that address. For a non-terminating
// block the successor is its static fall-through; for a block ending in
// a direct jump or call (the only rows that emit a displacement slot)
// the successor is the target this pass just resolved into vcpu.eip.
func (m *Monitor) tryChain(tb *tbcache.TB) {
	target := tb.FallthroughAddr
	if tb.IsTerminating {
		if tb.JmpOffset[0] < 0 {
			return
		}
		target = m.VCPU.EIP
	}
	succPhys, fault := m.translateFetch(target)
	if fault != nil {
		return
	}
	succH, ok := m.TB.Find(succPhys, target, target)
	if !ok || succH == tb.Handle() {
		return
	}
	m.TB.Chain(tb.Handle(), 0, succH)
}

// translateFetch resolves eipVirt to a guest-physical code address,
// honoring CR0.PG exactly as data accesses do.
func (m *Monitor) translateFetch(eipVirt uint32) (uint32, *vcpu.GuestFault) {
	return m.translateAddr(eipVirt, false, false)
}

const cr0PagingBit = 1 << 31

// translateAddr resolves a guest linear address to a guest-physical one,
// walking the shadow tables only when CR0.PG is set; real mode and
// protected-mode-without-paging both use the identity map.
func (m *Monitor) translateAddr(linear uint32, forWrite, requireUser bool) (uint32, *vcpu.GuestFault) {
	if m.VCPU.CR[0]&cr0PagingBit == 0 {
		return linear, nil
	}
	flags := shadow.WalkFlags{
		SetAccessed: true,
		SetDirty:    forWrite,
		RequireUser: requireUser,
		ForWrite:    forWrite,
	}
	pte, fault := m.Shadow.Walk(linear, m.VCPU.PL(), flags)
	if fault != nil && forWrite && fault.ErrorCode&1 != 0 {
		// First write to a present clean page: the D-bit emulation
		// event the monitor services itself, never a guest-visible
		// #PF.
		m.Shadow.GrantWrite(linear, m.VCPU.PL())
		pte, fault = m.Shadow.Walk(linear, m.VCPU.PL(), flags)
	}
	if fault != nil {
		return 0, fault
	}
	return pte.HostPaddr | (linear & 0xfff), nil
}

// deliverFault reflects a guest-visible exception into the guest IDT:
// pushes an interrupt frame and transfers control to the vector's
// handler. Record mode logs it; replay mode is expected to reproduce
// the identical vector deterministically and does not re-log it.
func (m *Monitor) deliverFault(f vcpu.GuestFault) error {
	debug.Debugf("callout", debug.Callout, "fault vector=%#x code=%#x cr2=%#x", f.Vector, f.ErrorCode, f.CR2)
	if f.Vector == vcpu.VectorPageFault {
		m.VCPU.CR[2] = f.CR2
	}
	if m.Record != nil && !m.Replay {
		if err := m.Record.WriteIntr(f.Vector, f.ErrorCode, m.VCPU.NExec); err != nil {
			return fmt.Errorf("monitor: record fault: %w", err)
		}
	}
	return m.injectInterrupt(f.Vector, f.HasCode, f.ErrorCode)
}

// pollInterrupt checks the PIC for a pending vector and, if IF is set
// and the injection site is not microreplay-blacklisted, injects it.
// Interrupts are only ever delivered at block boundaries.
func (m *Monitor) pollInterrupt() error {
	if !m.VCPU.IF() {
		return nil
	}
	vector, ok := m.PIC.Pending()
	if !ok {
		return nil
	}
	if m.Micro.Blacklisted(m.VCPU.EIP) {
		return nil
	}
	m.PIC.Ack(vector)
	debug.Debugf("replay", debug.Replay, "inject vector=%#x eip=%#x n_exec=%d", vector, m.VCPU.EIP, m.VCPU.NExec)
	m.injHistory = append(m.injHistory, microreplay.Injection{EIP: m.VCPU.EIP, NExec: m.VCPU.NExec})
	if m.Record != nil && !m.Replay {
		if err := m.Record.WriteIntr(vector, 0, m.VCPU.NExec); err != nil {
			return fmt.Errorf("monitor: record interrupt: %w", err)
		}
	}
	return m.injectInterrupt(vector, false, 0)
}

// injectInterrupt pushes a real-mode-style interrupt frame (flags, cs,
// ip) and transfers control to the vector's handler read from the IVT
// at guest physical vector*4. A protected-mode gate descriptor walk is
// out of scope; the boot path never leaves real mode.
func (m *Monitor) injectInterrupt(vector uint8, hasCode bool, code uint32) error {
	v := m.VCPU
	sp := v.GPR[decode.RegESP]
	push := func(val uint32) {
		sp -= 2
		phys, _ := m.translateAddr(sp, true, false)
		m.writeGuest16(phys, uint16(val))
	}
	if hasCode {
		push(code)
	}
	push(v.EFLAGS)
	push(uint32(v.Segs[vcpu.SegCS].Selector))
	push(v.EIP)
	v.GPR[decode.RegESP] = sp

	ivtEntry, fault := m.translateAddr(uint32(vector)*4, false, false)
	if fault != nil {
		return Panic{Reason: fmt.Sprintf("monitor: unreadable IVT entry for vector %#x", vector)}
	}
	mem := m.Shadow.GuestMem
	newIP := uint32(mem[ivtEntry]) | uint32(mem[ivtEntry+1])<<8
	newCS := uint32(mem[ivtEntry+2]) | uint32(mem[ivtEntry+3])<<8

	v.Segs[vcpu.SegCS].Selector = uint16(newCS)
	v.Segs[vcpu.SegCS].Base = newCS << 4
	v.EIP = newIP
	const eflagsIF = 1 << 9
	v.EFLAGS &^= eflagsIF
	m.halted = false
	return nil
}

func (m *Monitor) writeGuest16(phys uint32, val uint16) {
	mem := m.Shadow.GuestMem
	if int(phys)+2 > len(mem) {
		return
	}
	mem[phys] = byte(val)
	mem[phys+1] = byte(val >> 8)
}

// checkLogAt performs the per-block-entry replay check, and drives the
// microreplay controller's BeginReplay/Reached transitions.
func (m *Monitor) checkLogAt(nExec uint64) error {
	if m.Micro.Mode == microreplay.RollbackReplaying && m.Micro.Reached(nExec) {
		// The window replayed through to the target without the panic
		// recurring: the suppressed interrupts matter, so widen N for
		// the next round.
		m.Micro.GrowN()
		m.Micro.Conclude()
	}
	if m.Record == nil || !m.Replay {
		return nil
	}
	// A single block can carry several due events (two port reads, an
	// interrupt, a snapshot) at the same n_exec; drain them all.
	for {
		rec, err := m.Record.CheckAt(nExec)
		if err != nil {
			return fmt.Errorf("monitor: %w", err)
		}
		if rec == nil {
			return nil
		}
		if err := m.applyReplayedRecord(rec); err != nil {
			return err
		}
	}
}
