/*
 * vx86 - Monitor test cases.
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

package monitor

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/rcornwell/vx86/microreplay"
	"github.com/rcornwell/vx86/record"
	"github.com/rcornwell/vx86/vcpu"
)

func fakeArena(size int) ([]byte, error) { return make([]byte, size), nil }

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	m, err := New(Config{
		GuestMemSize: 64 * 1024,
		ArenaSize:    64 * 1024,
		Mode:         vcpu.ModeProtected, // 32-bit decode, so immediates/opcodes need no prefixes
		NewArena:     fakeArena,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return m
}

// TestStepExecutesMovThenHalts drives the full entering->running->
// completed cycle over a real translated block: "mov eax,
// imm32; hlt" at guest phys/virt 0x7c00, exercising translateBlock,
// runBlock, and the outcomeHalt outcome end to end.
func TestStepExecutesMovThenHalts(t *testing.T) {
	m := newTestMonitor(t)
	m.VCPU.EIP = 0x7c00
	prog := []byte{0xb8, 0x78, 0x56, 0x34, 0x12, 0xf4} // mov eax, 0x12345678; hlt
	copy(m.Shadow.GuestMem[0x7c00:], prog)

	if err := m.Run(0); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !m.Halted() {
		t.Fatalf("Halted() = false after executing hlt")
	}
	if m.VCPU.GPR[0] != 0x12345678 {
		t.Fatalf("EAX = %#x, want 0x12345678", m.VCPU.GPR[0])
	}
	if m.VCPU.NExec == 0 {
		t.Fatalf("NExec = 0, want incremented at least once per executed block")
	}
}

// TestStepChainsAcrossAnUnconditionalJump exercises the jumptable fast
// path across two separately-translated TBs: a jmp at
// 0x7c00 to a hlt at 0x7c10, verifying the first Step() both populates
// Jump.LookupL1(0x7c00) and leaves eip correctly resolved for the
// second Step() to translate and run the target block.
func TestStepChainsAcrossAnUnconditionalJump(t *testing.T) {
	m := newTestMonitor(t)
	m.VCPU.EIP = 0x7c00
	copy(m.Shadow.GuestMem[0x7c00:], []byte{0xeb, 0x0e}) // jmp rel8 +14 -> 0x7c10
	m.Shadow.GuestMem[0x7c10] = 0xf4                     // hlt

	if err := m.Step(); err != nil {
		t.Fatalf("first Step() error = %v", err)
	}
	if _, ok := m.Jump.LookupL1(0x7c00); !ok {
		t.Fatalf("Jump.LookupL1(0x7c00) not populated after first Step()")
	}
	if m.VCPU.EIP != 0x7c10 {
		t.Fatalf("EIP after jmp = %#x, want 0x7c10", m.VCPU.EIP)
	}

	if err := m.Step(); err != nil {
		t.Fatalf("second Step() error = %v", err)
	}
	if !m.Halted() {
		t.Fatalf("Halted() = false after the jump target's hlt")
	}
}

// TestRecordThenReplayReproducesNExec: replaying a recorded log against
// an identical guest program must reach the same
// n_exec the record run reached.
func TestRecordThenReplayReproducesNExec(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "log.bin")

	rec := newTestMonitor(t)
	rec.VCPU.EIP = 0x7c00
	copy(rec.Shadow.GuestMem[0x7c00:], []byte{0x90, 0x90, 0xf4}) // nop; nop; hlt
	recLog, err := record.Create(logPath)
	if err != nil {
		t.Fatalf("record.Create() error = %v", err)
	}
	rec.AttachRecord(recLog)
	if err := rec.Run(0); err != nil {
		t.Fatalf("record Run() error = %v", err)
	}
	recNExec := rec.VCPU.NExec
	// This program raises no interrupts and touches no ports, so the
	// log carries no records at all; replay must still reach the same
	// n_exec by falling through checkLogAt's empty-log no-op path.
	recLog.Close()

	replay := newTestMonitor(t)
	replay.VCPU.EIP = 0x7c00
	copy(replay.Shadow.GuestMem[0x7c00:], []byte{0x90, 0x90, 0xf4})
	replayLog, err := record.Open(logPath)
	if err != nil {
		t.Fatalf("record.Open() error = %v", err)
	}
	defer replayLog.Close()
	replay.AttachReplay(replayLog)

	if err := replay.Run(0); err != nil {
		t.Fatalf("replay Run() error = %v", err)
	}
	if replay.VCPU.NExec != recNExec {
		t.Fatalf("replay NExec = %d, want %d (recorded run's n_exec)", replay.VCPU.NExec, recNExec)
	}
}

// TestReplayDivergenceSurfacesRecordError is the divergence failure
// path: when the log's next due event never arrives at the
// n_exec it was recorded at (here, a log manufactured with an event
// already past due the first TB entry), Step must propagate
// record.ErrDivergence rather than silently resuming.
func TestReplayDivergenceSurfacesRecordError(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "log.bin")
	w, err := record.Create(logPath)
	if err != nil {
		t.Fatalf("record.Create() error = %v", err)
	}
	// n_exec 0 can never be checked at (the first TB entry leaves
	// NExec==1), so this record is unconditionally past due.
	if err := w.WriteIntr(0x21, 0, 0); err != nil {
		t.Fatalf("WriteIntr() error = %v", err)
	}
	w.Close()

	m := newTestMonitor(t)
	m.VCPU.EIP = 0x7c00
	copy(m.Shadow.GuestMem[0x7c00:], []byte{0xf4}) // hlt
	replayLog, err := record.Open(logPath)
	if err != nil {
		t.Fatalf("record.Open() error = %v", err)
	}
	defer replayLog.Close()
	m.AttachReplay(replayLog)

	err = m.Run(0)
	if !errors.Is(err, record.ErrDivergence) {
		t.Fatalf("Run() error = %v, want it to wrap record.ErrDivergence", err)
	}
}

// TestShadowFaultReflectsPageFaultWithCR2: a fetch from a not-present
// guest page reflects #PF into the guest's vector-14
// handler with CR2 holding the faulting linear address, and n_exec
// unchanged because the faulting instruction never retired.
func TestShadowFaultReflectsPageFaultWithCR2(t *testing.T) {
	m := newTestMonitor(t)
	mem := m.Shadow.GuestMem
	// IVT[14] -> 0000:9000, where a hlt waits.
	mem[14*4] = 0x00
	mem[14*4+1] = 0x90
	mem[0x9000] = 0xf4
	m.VCPU.GPR[4] = 0x8800 // esp, inside the mapped 0x8000 page

	// Guest paging: PD at 0x4000 -> PT at 0x6000 mapping pages 0 (IVT),
	// 0x8000 (stack), and 0x9000 (handler) present+writable; the page at
	// 0x5000 is left not-present.
	putPTE := func(at uint32, val uint32) {
		mem[at] = byte(val)
		mem[at+1] = byte(val >> 8)
		mem[at+2] = byte(val >> 16)
		mem[at+3] = byte(val >> 24)
	}
	putPTE(0x4000, 0x6000|0x3) // PDE[0]
	putPTE(0x6000+0*4, 0x0000|0x3)
	putPTE(0x6000+8*4, 0x8000|0x3)
	putPTE(0x6000+9*4, 0x9000|0x3)

	m.VCPU.CR[0] |= 1 << 31
	m.VCPU.CR[3] = 0x4000
	m.Shadow.CR3Change(0x4000)
	m.VCPU.EIP = 0x5000

	nBefore := m.VCPU.NExec
	if err := m.Step(); err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if m.VCPU.CR[2] != 0x5000 {
		t.Fatalf("CR2 = %#x, want the faulting linear address 0x5000", m.VCPU.CR[2])
	}
	if m.VCPU.EIP != 0x9000 {
		t.Fatalf("EIP = %#x, want the guest #PF handler at 0x9000", m.VCPU.EIP)
	}
	if m.VCPU.NExec != nBefore {
		t.Fatalf("NExec = %d after an unretired faulting fetch, want %d", m.VCPU.NExec, nBefore)
	}
}

// TestReplayedInReadsRecordedValueNotDevice: a port read that returned
// 0x1c during record must return 0x1c during replay
// even when the live device would now answer differently — the value
// comes from the log, not the hardware.
func TestReplayedInReadsRecordedValueNotDevice(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "log.bin")
	prog := []byte{0xe4, 0x60, 0xf4} // in al, 0x60; hlt

	rec := newTestMonitor(t)
	rec.VCPU.EIP = 0x7c00
	copy(rec.Shadow.GuestMem[0x7c00:], prog)
	rec.Ports.RegisterIn8(0x60, func() uint8 { return 0x1c })
	recLog, err := record.Create(logPath)
	if err != nil {
		t.Fatalf("record.Create() error = %v", err)
	}
	rec.AttachRecord(recLog)
	if err := rec.Run(0); err != nil {
		t.Fatalf("record Run() error = %v", err)
	}
	if rec.VCPU.GPR[0]&0xff != 0x1c {
		t.Fatalf("recorded AL = %#x, want 0x1c", rec.VCPU.GPR[0]&0xff)
	}
	recLog.Close()

	replay := newTestMonitor(t)
	replay.VCPU.EIP = 0x7c00
	copy(replay.Shadow.GuestMem[0x7c00:], prog)
	replay.Ports.RegisterIn8(0x60, func() uint8 { return 0x99 }) // live device diverged
	replayLog, err := record.Open(logPath)
	if err != nil {
		t.Fatalf("record.Open() error = %v", err)
	}
	defer replayLog.Close()
	replay.AttachReplay(replayLog)

	if err := replay.Run(0); err != nil {
		t.Fatalf("replay Run() error = %v", err)
	}
	if replay.VCPU.GPR[0]&0xff != 0x1c {
		t.Fatalf("replayed AL = %#x, want the recorded 0x1c", replay.VCPU.GPR[0]&0xff)
	}
}

// TestStiShadowDefersInterruptOneInstruction: IF is logically 2 for
// the instruction after sti, so an
// interrupt pending across that window is held back exactly once.
func TestStiShadowDefersInterruptOneInstruction(t *testing.T) {
	m := newTestMonitor(t)
	m.VCPU.EFLAGS |= 1 << 9
	m.VCPU.StiShadow = true
	m.PIC.Raise(0, 0)
	m.Ports.Out8(0x21, 0xfe) // unmask master line 0

	if err := m.pollInterrupt(); err != nil {
		t.Fatalf("pollInterrupt() error = %v", err)
	}
	if len(m.injHistory) != 0 {
		t.Fatalf("interrupt delivered inside the sti shadow")
	}

	m.VCPU.StiShadow = false
	if err := m.pollInterrupt(); err != nil {
		t.Fatalf("pollInterrupt() error = %v", err)
	}
	if len(m.injHistory) != 1 {
		t.Fatalf("interrupt not delivered once the shadow cleared")
	}
}

// TestRunBlockClearsStiShadowAfterFollowingInstruction drives sti through
// a real translated block and verifies the shadow does not outlive the
// one instruction the architecture grants it.
func TestRunBlockClearsStiShadowAfterFollowingInstruction(t *testing.T) {
	m := newTestMonitor(t)
	m.VCPU.EIP = 0x7c00
	copy(m.Shadow.GuestMem[0x7c00:], []byte{0xfb, 0x90, 0xf4}) // sti; nop; hlt

	if err := m.Run(0); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if m.VCPU.StiShadow {
		t.Fatalf("StiShadow still set after the instruction following sti retired")
	}
	if m.VCPU.EFLAGS&(1<<9) == 0 {
		t.Fatalf("IF not set after sti")
	}
}

// TestSelfModifyingWriteInvalidatesTB: after a guest write lands inside
// a cached TB's source range, the stale
// translation must be gone and the next execution must see the new byte.
func TestSelfModifyingWriteInvalidatesTB(t *testing.T) {
	m := newTestMonitor(t)
	m.VCPU.EIP = 0x2000
	copy(m.Shadow.GuestMem[0x2000:], []byte{0x90, 0x90, 0xf4}) // nop; nop; hlt

	if err := m.Step(); err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if !m.Halted() {
		t.Fatalf("Halted() = false after initial block")
	}
	if _, ok := m.TB.Find(0x2000, 0x2000, 0x2000); !ok {
		t.Fatalf("TB for 0x2000 not cached after first execution")
	}

	// A guest store into the block's second byte, through the same
	// write-then-fire path writeOperand uses.
	m.writeGuestN(0x2001, 0xf4, 1)
	m.Mtrace.Fire(0x2001, 1)

	if _, ok := m.TB.Find(0x2000, 0x2000, 0x2000); ok {
		t.Fatalf("stale TB still cached after a write inside its source range")
	}

	m.halted = false
	m.VCPU.EIP = 0x2000
	nBefore := m.VCPU.NExec
	if err := m.Step(); err != nil {
		t.Fatalf("re-Step() error = %v", err)
	}
	if !m.Halted() {
		t.Fatalf("retranslated block did not observe the new hlt byte")
	}
	if m.VCPU.NExec != nBefore+1 {
		t.Fatalf("NExec = %d after re-execution, want %d", m.VCPU.NExec, nBefore+1)
	}
}

// TestMicroReplayRollbackRestoresNExec: entering micro-replay and
// returning from a rollback restores
// vcpu.n_exec to the recorded rollback point exactly, with the harvested
// injection eips blacklisted while the window replays.
func TestMicroReplayRollbackRestoresNExec(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "log.bin")
	setup := func(m *Monitor) {
		m.VCPU.EIP = 0x7c00
		copy(m.Shadow.GuestMem[0x7c00:], []byte{0xeb, 0x0e}) // jmp -> 0x7c10
		copy(m.Shadow.GuestMem[0x7c10:], []byte{0xeb, 0x0e}) // jmp -> 0x7c20
		m.Shadow.GuestMem[0x7c20] = 0xf4                     // hlt
	}
	mrCfg := microreplay.Config{InitialN: 1, BlacklistWindow: 16, Cumulative: true, Frequency: 2}

	rec, err := New(Config{GuestMemSize: 64 * 1024, ArenaSize: 64 * 1024,
		Mode: vcpu.ModeProtected, Microreplay: mrCfg, NewArena: fakeArena})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	setup(rec)
	recLog, err := record.Create(logPath)
	if err != nil {
		t.Fatalf("record.Create() error = %v", err)
	}
	rec.AttachRecord(recLog)
	if err := rec.Run(0); err != nil {
		t.Fatalf("record Run() error = %v", err)
	}
	recLog.Close()

	m, err := New(Config{GuestMemSize: 64 * 1024, ArenaSize: 64 * 1024,
		Mode: vcpu.ModeProtected, Microreplay: mrCfg, NewArena: fakeArena})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	setup(m)
	replayLog, err := record.Open(logPath)
	if err != nil {
		t.Fatalf("record.Open() error = %v", err)
	}
	defer replayLog.Close()
	m.AttachReplay(replayLog)

	// Two steps: NExec reaches 2 and the Frequency boundary captures the
	// rollback checkpoint (eip at the second block's entry).
	if err := m.Step(); err != nil {
		t.Fatalf("Step() 1 error = %v", err)
	}
	if err := m.Step(); err != nil {
		t.Fatalf("Step() 2 error = %v", err)
	}
	if !m.checkpoint.valid {
		t.Fatalf("checkpoint not captured at the Frequency boundary")
	}

	m.injHistory = []microreplay.Injection{{EIP: 0x7c20, NExec: 2}}
	if err := m.TriggerMicroReplay(); err != nil {
		t.Fatalf("TriggerMicroReplay() error = %v", err)
	}
	if m.VCPU.NExec != m.checkpoint.nExec {
		t.Fatalf("NExec after rollback = %d, want the checkpoint's %d exactly", m.VCPU.NExec, m.checkpoint.nExec)
	}
	if m.Micro.Mode != microreplay.RollbackReplaying {
		t.Fatalf("Mode after rollback = %v, want RollbackReplaying", m.Micro.Mode)
	}
	if !m.Micro.Blacklisted(0x7c20) {
		t.Fatalf("harvested injection eip not blacklisted during the rolled-back window")
	}

	// Replaying forward from the checkpoint runs the window again and
	// concludes the round once the target n_exec is reached.
	if err := m.Run(0); err != nil {
		t.Fatalf("rolled-back Run() error = %v", err)
	}
	if !m.Halted() {
		t.Fatalf("guest did not halt after the rolled-back window replayed")
	}
	if m.Micro.Mode != microreplay.RollbackNone {
		t.Fatalf("Mode after the window completed = %v, want RollbackNone", m.Micro.Mode)
	}
}

// TestPollInterruptHonorsMicroreplayBlacklist: an interrupt whose
// injection eip falls inside the active microreplay
// blacklist must not be delivered while RollbackReplaying.
func TestPollInterruptHonorsMicroreplayBlacklist(t *testing.T) {
	m := newTestMonitor(t)
	m.VCPU.EIP = 0x7c00
	m.VCPU.EFLAGS |= 1 << 9 // IF=1

	m.PIC.Raise(0, 0)
	m.Ports.Out8(0x21, 0xfe) // unmask master line 0

	m.Micro = microreplay.New(microreplay.Config{InitialN: 1, BlacklistWindow: 16})
	m.Micro.Arm([]microreplay.Injection{{EIP: m.VCPU.EIP, NExec: 1}}, func(uint64) int64 { return 0 })
	m.Micro.BeginReplay()

	if err := m.pollInterrupt(); err != nil {
		t.Fatalf("pollInterrupt() error = %v", err)
	}
	if m.VCPU.EIP != 0x7c00 {
		t.Fatalf("EIP = %#x after pollInterrupt(), want unchanged (blacklisted injection site)", m.VCPU.EIP)
	}
}
