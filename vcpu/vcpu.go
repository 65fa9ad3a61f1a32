/*
 * vx86 - Guest CPU state.
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

// Package vcpu holds the single guest virtual CPU's architectural
// state: general registers, segment descriptors, control/debug
// registers, the callout handoff slots, and the record/replay logical
// clock. Everything lives in one struct passed by pointer through the
// execution loop.
package vcpu

import "fmt"

// Seg indexes the six x86 segment registers.
type Seg uint8

const (
	SegES Seg = iota
	SegCS
	SegSS
	SegDS
	SegFS
	SegGS
	numSegs
)

// SegDesc is the cached descriptor-table lookup for one segment register:
// selector plus the base/limit/flags the shadow engine and callouts need
// without re-walking the GDT/LDT on every access.
type SegDesc struct {
	Selector uint16
	Base     uint32
	Limit    uint32
	Flags    uint16
}

// Mode is the VCPU's current execution mode, used by decode.Mode.
type Mode uint8

const (
	ModeReal Mode = iota
	ModeProtected
)

// VCPU is the full architectural state of the single guest CPU. Every
// field here is a plain value, no pointers into translated code and no
// cyclic references. callout/tbcache/shadow/microreplay all take *VCPU
// (or a *monitor.Monitor embedding it) rather than storing their own
// copy.
type VCPU struct {
	GPR [8]uint32 // eax, ecx, edx, ebx, esp, ebp, esi, edi, in ModRM reg-field order

	EIP     uint32
	EFLAGS  uint32
	Segs    [numSegs]SegDesc
	CR      [5]uint32 // cr0..cr4 (cr1 unused, kept for index symmetry with the architecture)
	DR      [8]uint32
	GDTBase uint32
	GDTLim  uint16
	IDTBase uint32
	IDTLim  uint16
	LDTR    uint16
	TR      uint16

	Mode Mode

	// NExec is the monotone logical clock the record/replay log is
	// timestamped with: incremented once per block at entry.
	NExec uint64

	// Callout handoff, populated by translated code before it re-enters
	// the monitor.
	CalloutLabel   uint32
	CalloutArgs    [4]uint32
	CalloutNArgs   int
	NextEIPIsSet   bool
	StiShadow      bool // true for the one instruction after sti
}

// GuestFault is a guest-visible architectural exception: a vectored
// fault the dispatcher reflects into the guest IDT rather than one the
// monitor resolves itself. It travels as an ordinary return value, not
// an unwind.
type GuestFault struct {
	Vector    uint8
	HasCode   bool
	ErrorCode uint32
	CR2       uint32
}

func (f GuestFault) Error() string {
	if f.HasCode {
		return fmt.Sprintf("guest fault vector=%#x code=%#x cr2=%#x", f.Vector, f.ErrorCode, f.CR2)
	}
	return fmt.Sprintf("guest fault vector=%#x", f.Vector)
}

// Common guest fault vectors referenced by the shadow/callout packages.
const (
	VectorPageFault       uint8 = 14
	VectorGeneralProtect  uint8 = 13
	VectorInvalidOpcode   uint8 = 6
	VectorNotPresent      uint8 = 11
	VectorStackFault      uint8 = 12
)

// ExitReason describes why translated code handed control back; the
// outer monitor.Run loop dispatches on the variant instead of unwinding
// through a jmp_buf.
type ExitReason struct {
	Kind  ExitKind
	Fault GuestFault // valid when Kind == ExitFault
	Vector uint8     // valid when Kind == ExitInterrupt
}

type ExitKind uint8

const (
	ExitNormal ExitKind = iota
	ExitInterrupt
	ExitForcedCallout
	ExitMicroReplayTrigger
	ExitFault
	ExitHalt
)

// PL returns the current privilege level (bits 0-1 of CS's RPL, which the
// shadow-paging and callout code treats as the CPU's CPL).
func (v *VCPU) PL() uint8 {
	return uint8(v.Segs[SegCS].Selector & 0x3)
}

// IF reports whether interrupts are currently enabled and not suppressed
// by the one-instruction sti-shadow window.
func (v *VCPU) IF() bool {
	const eflagsIF = 1 << 9
	return v.EFLAGS&eflagsIF != 0 && !v.StiShadow
}
