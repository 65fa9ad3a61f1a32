/*
 * vx86 - Operand access helpers.
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
	"github.com/rcornwell/vx86/decode"
	"github.com/rcornwell/vx86/vcpu"
)

// effectiveLinear computes a KindMem operand's guest linear address:
// segment base plus base/index/scale/disp, the x86 ModRM/SIB addressing
// form decode.Operand already normalized.
func (m *Monitor) effectiveLinear(op decode.Operand) uint32 {
	v := m.VCPU
	var addr uint32
	if op.Base != decode.RegNone {
		addr += v.GPR[op.Base]
	}
	if op.Index != decode.RegNone {
		scale := uint32(op.Scale)
		if scale == 0 {
			scale = 1
		}
		addr += v.GPR[op.Index] * scale
	}
	addr += uint32(op.Disp)

	seg := op.Segment
	if seg == decode.SegNone {
		seg = decode.SegDS
	}
	return addr + v.Segs[vcpu.Seg(seg)].Base
}

// readOperand reads a decoded operand's current value, resolving memory
// operands through the shadow engine.
func (m *Monitor) readOperand(in decode.Insn, op decode.Operand) (uint32, *vcpu.GuestFault) {
	v := m.VCPU
	switch op.Kind {
	case decode.KindReg:
		return v.GPR[op.Reg] & sizeMask(uint32(op.Size)), nil
	case decode.KindImm, decode.KindRel:
		return uint32(op.Imm), nil
	case decode.KindSeg:
		return uint32(v.Segs[vcpu.Seg(op.Reg)].Selector), nil
	case decode.KindCR:
		return v.CR[op.Reg], nil
	case decode.KindDR:
		return v.DR[op.Reg], nil
	case decode.KindTR:
		return uint32(v.TR), nil
	case decode.KindMem:
		linear := m.effectiveLinear(op)
		phys, fault := m.translateAddr(linear, false, false)
		if fault != nil {
			return 0, fault
		}
		return m.readGuestN(phys, uint32(op.Size)), nil
	}
	return 0, nil
}

// writeOperand stores val into a decoded operand, firing any mtrace
// watch overlapping a memory destination.
func (m *Monitor) writeOperand(in decode.Insn, op decode.Operand, val uint32) *vcpu.GuestFault {
	v := m.VCPU
	switch op.Kind {
	case decode.KindReg:
		m.writeReg(op.Reg, val, uint32(op.Size))
	case decode.KindSeg:
		v.Segs[vcpu.Seg(op.Reg)].Selector = uint16(val)
	case decode.KindCR:
		v.CR[op.Reg] = val
	case decode.KindDR:
		v.DR[op.Reg] = val
	case decode.KindMem:
		linear := m.effectiveLinear(op)
		phys, fault := m.translateAddr(linear, true, false)
		if fault != nil {
			return fault
		}
		m.writeGuestN(phys, val, uint32(op.Size))
		m.Mtrace.Fire(phys, int(op.Size))
	}
	return nil
}

func (m *Monitor) writeReg(reg uint8, val, size uint32) {
	if size >= 4 {
		m.VCPU.GPR[reg] = val
		return
	}
	mask := sizeMask(size)
	m.VCPU.GPR[reg] = (m.VCPU.GPR[reg] &^ mask) | (val & mask)
}

func sizeMask(size uint32) uint32 {
	if size >= 4 {
		return 0xffffffff
	}
	return 1<<(8*size) - 1
}

func (m *Monitor) readGuestN(phys, size uint32) uint32 {
	mem := m.Shadow.GuestMem
	var val uint32
	for i := uint32(0); i < size; i++ {
		if int(phys+i) >= len(mem) {
			break
		}
		val |= uint32(mem[phys+i]) << (8 * i)
	}
	return val
}

func (m *Monitor) writeGuestN(phys, val, size uint32) {
	mem := m.Shadow.GuestMem
	for i := uint32(0); i < size; i++ {
		if int(phys+i) >= len(mem) {
			break
		}
		mem[phys+i] = byte(val >> (8 * i))
	}
}

// memOperandAddr resolves the one memory address a mov/push/pop
// instruction touches, alongside whether that access is a store.
// push/pop address the stack
// implicitly rather than through a decode.Operand, so they are handled
// directly rather than by scanning operands.
func (m *Monitor) memOperandAddr(in decode.Insn) (uint32, *vcpu.GuestFault, bool) {
	v := m.VCPU
	switch in.Mnemonic {
	case decode.MnPush:
		size := uint32(in.Op(0).Size)
		phys, f := m.translateAddr(v.GPR[decode.RegESP]-size, true, false)
		return phys, f, true
	case decode.MnPop:
		phys, f := m.translateAddr(v.GPR[decode.RegESP], false, false)
		return phys, f, false
	}
	if in.Op(0).Kind == decode.KindMem {
		phys, f := m.translateAddr(m.effectiveLinear(in.Op(0)), true, false)
		return phys, f, true
	}
	phys, f := m.translateAddr(m.effectiveLinear(in.Op(1)), false, false)
	return phys, f, false
}

func (m *Monitor) memOperandSize(in decode.Insn) uint32 {
	if in.Op(0).Kind == decode.KindMem {
		return uint32(in.Op(0).Size)
	}
	return uint32(in.Op(1).Size)
}

// pushValue/popValue implement the implicit stack-addressed access every
// call/ret/pushf/popf/far-transfer instruction needs, independent of the
// mov/push/pop single-store path simulate.Execute covers.
func (m *Monitor) pushValue(val, size uint32) *vcpu.GuestFault {
	v := m.VCPU
	v.GPR[decode.RegESP] -= size
	phys, fault := m.translateAddr(v.GPR[decode.RegESP], true, false)
	if fault != nil {
		v.GPR[decode.RegESP] += size
		return fault
	}
	m.writeGuestN(phys, val, size)
	m.Mtrace.Fire(phys, int(size))
	return nil
}

func (m *Monitor) popValue(size uint32) (uint32, *vcpu.GuestFault) {
	v := m.VCPU
	phys, fault := m.translateAddr(v.GPR[decode.RegESP], false, false)
	if fault != nil {
		return 0, fault
	}
	val := m.readGuestN(phys, size)
	v.GPR[decode.RegESP] += size
	return val, nil
}

// branchTarget resolves a control-transfer instruction's target: a
// KindRel operand is eip-relative to the instruction's end, a KindImm
// one (direct jmp/call) is absolute.
func (m *Monitor) branchTarget(in decode.Insn) uint32 {
	op := in.Op(0)
	if op.Kind == decode.KindRel {
		return m.VCPU.EIP + uint32(in.Len) + uint32(op.Disp)
	}
	return uint32(op.Imm)
}

// readDescTable reads the 6-byte pseudo-descriptor (2-byte limit, 4-byte
// base) lgdt/lidt/lldt address, per the x86 LGDT/LIDT/LLDT memory form.
func (m *Monitor) readDescTable(in decode.Insn) (base uint32, limit uint16) {
	linear := m.effectiveLinear(in.Op(0))
	phys, fault := m.translateAddr(linear, false, false)
	if fault != nil {
		return 0, 0
	}
	limit = uint16(m.readGuestN(phys, 2))
	base = m.readGuestN(phys+2, 4)
	return base, limit
}

func (m *Monitor) writeDescTable(in decode.Insn, base uint32, limit uint16) {
	linear := m.effectiveLinear(in.Op(0))
	phys, fault := m.translateAddr(linear, true, false)
	if fault != nil {
		return
	}
	m.writeGuestN(phys, uint32(limit), 2)
	m.writeGuestN(phys+2, base, 4)
	m.Mtrace.Fire(phys, 6)
}
