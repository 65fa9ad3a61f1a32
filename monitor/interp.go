/*
 * vx86 - Block execution.
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
	"github.com/rcornwell/vx86/callout"
	"github.com/rcornwell/vx86/decode"
	"github.com/rcornwell/vx86/simulate"
	"github.com/rcornwell/vx86/tbcache"
	"github.com/rcornwell/vx86/vcpu"
)

type outcomeKind uint8

const (
	outcomeComplete outcomeKind = iota
	outcomeFault
	outcomeHalt
)

type stepOutcome struct {
	kind  outcomeKind
	fault *vcpu.GuestFault
}

// runBlock walks a TB's decoded instructions in order, applying each
// one's guest-visible effect. This is the Go-level substitute for
// actually jumping into tbcache.EnterTB's native bytes (see that
// function's doc comment): the arena still holds the real translated
// form tested by translate/peephole, but the instructions that decide
// guest state flow through here, so the monitor can observe every
// privileged operation and every memory write without a real trap.
func (m *Monitor) runBlock(tb *tbcache.TB, phys uint32) (stepOutcome, error) {
	mem := m.Shadow.GuestMem
	n := len(tb.EIPBoundaries)
	if n == 0 {
		return stepOutcome{kind: outcomeComplete}, nil
	}
	for i := 0; i < n; i++ {
		off := tb.EIPBoundaries[i]
		addr := phys + uint32(off)
		if int(addr) >= len(mem) {
			return stepOutcome{}, Panic{Reason: "monitor: instruction fetch past guest memory"}
		}
		in, err := m.decoder.Decode(mem[addr:])
		if err != nil {
			return stepOutcome{}, Panic{Reason: "monitor: re-decode of a cached TB failed: " + err.Error()}
		}

		fault, halt, err := m.applyInsn(in, addr)
		if in.Mnemonic != decode.MnSti {
			// The sti shadow covers exactly one instruction: IF is
			// logically 2 for the instruction after sti.
			m.VCPU.StiShadow = false
		}
		if err != nil {
			return stepOutcome{}, err
		}
		if fault != nil {
			return stepOutcome{kind: outcomeFault, fault: fault}, nil
		}
		if halt {
			return stepOutcome{kind: outcomeHalt}, nil
		}
	}
	return stepOutcome{kind: outcomeComplete}, nil
}

// applyInsn performs one decoded instruction's architectural effect.
// addr is the instruction's guest-physical location, needed only for
// lgdt/lidt-style descriptor reads relative to it.
func (m *Monitor) applyInsn(in decode.Insn, addr uint32) (*vcpu.GuestFault, bool, error) {
	v := m.VCPU

	if in.Mnemonic.IsPrivileged() {
		return m.applyPrivileged(in)
	}

	switch in.Mnemonic {
	case decode.MnMov:
		if in.Op(0).Kind == decode.KindMem || in.Op(1).Kind == decode.KindMem {
			return m.applyViaSimulate(in)
		}
		val, f := m.readOperand(in, in.Op(1))
		if f != nil {
			return f, false, nil
		}
		if w := m.writeOperand(in, in.Op(0), val); w != nil {
			return w, false, nil
		}
		v.EIP += uint32(in.Len)
	case decode.MnPush, decode.MnPop:
		return m.applyViaSimulate(in)
	case decode.MnMovs, decode.MnStos, decode.MnLods, decode.MnScas, decode.MnCmps:
		return m.applyStringOp(in)
	case decode.MnLea:
		ea := m.effectiveLinear(in.Op(1))
		m.writeReg(in.Op(0).Reg, ea, uint32(in.Op(0).Size))
		v.EIP += uint32(in.Len)
	case decode.MnXchg:
		a, fa := m.readOperand(in, in.Op(0))
		if fa != nil {
			return fa, false, nil
		}
		b, fb := m.readOperand(in, in.Op(1))
		if fb != nil {
			return fb, false, nil
		}
		if f := m.writeOperand(in, in.Op(0), b); f != nil {
			return f, false, nil
		}
		if f := m.writeOperand(in, in.Op(1), a); f != nil {
			return f, false, nil
		}
		v.EIP += uint32(in.Len)
	case decode.MnAdd, decode.MnAdc, decode.MnSub, decode.MnSbb, decode.MnAnd,
		decode.MnOr, decode.MnXor, decode.MnCmp, decode.MnTest:
		if f := m.applyALU(in); f != nil {
			return f, false, nil
		}
		v.EIP += uint32(in.Len)
	case decode.MnInc, decode.MnDec:
		if f := m.applyIncDec(in); f != nil {
			return f, false, nil
		}
		v.EIP += uint32(in.Len)
	case decode.MnShl, decode.MnShr, decode.MnSar, decode.MnRol, decode.MnRor:
		if f := m.applyShift(in); f != nil {
			return f, false, nil
		}
		v.EIP += uint32(in.Len)
	case decode.MnJmp:
		v.EIP = m.branchTarget(in)
	case decode.MnJcc:
		if m.condTrue(in) {
			v.EIP = m.branchTarget(in)
		} else {
			v.EIP += uint32(in.Len)
		}
	case decode.MnCall:
		ret := v.EIP + uint32(in.Len)
		if f := m.pushValue(ret, 4); f != nil {
			return f, false, nil
		}
		v.EIP = m.branchTarget(in)
	case decode.MnRet:
		ret, f := m.popValue(4)
		if f != nil {
			return f, false, nil
		}
		if in.NumOperands > 0 && in.Op(0).Kind == decode.KindImm {
			v.GPR[decode.RegESP] += uint32(in.Op(0).Imm)
		}
		v.EIP = ret
	case decode.MnLoop, decode.MnLoopE, decode.MnLoopNE:
		v.GPR[decode.RegECX]--
		take := v.GPR[decode.RegECX] != 0
		const eflagsZF = 1 << 6
		zf := v.EFLAGS&eflagsZF != 0
		switch in.Mnemonic {
		case decode.MnLoopE:
			take = take && zf
		case decode.MnLoopNE:
			take = take && !zf
		}
		if take {
			v.EIP = m.branchTarget(in)
		} else {
			v.EIP += uint32(in.Len)
		}
	case decode.MnSgdt:
		m.writeDescTable(in, v.GDTBase, v.GDTLim)
		v.EIP += uint32(in.Len)
	case decode.MnSidt:
		m.writeDescTable(in, v.IDTBase, v.IDTLim)
		v.EIP += uint32(in.Len)
	case decode.MnStr:
		m.writeReg(in.Op(0).Reg, uint32(v.TR), uint32(in.Op(0).Size))
		v.EIP += uint32(in.Len)
	case decode.MnClts:
		const tsBit = 1 << 3
		v.CR[0] &^= tsBit
		v.EIP += uint32(in.Len)
	case decode.MnNop, decode.MnWait:
		v.EIP += uint32(in.Len)
	case decode.MnCbw:
		const signBit8 = 1 << 7
		al := v.GPR[decode.RegEAX] & 0xff
		if al&signBit8 != 0 {
			v.GPR[decode.RegEAX] = (v.GPR[decode.RegEAX] &^ 0xffff) | 0xff00 | al
		} else {
			v.GPR[decode.RegEAX] = (v.GPR[decode.RegEAX] &^ 0xffff) | al
		}
		v.EIP += uint32(in.Len)
	case decode.MnCwd:
		const signBit16 = 1 << 15
		if v.GPR[decode.RegEAX]&0xffff&signBit16 != 0 {
			v.GPR[decode.RegEDX] = (v.GPR[decode.RegEDX] &^ 0xffff) | 0xffff
		} else {
			v.GPR[decode.RegEDX] &^= 0xffff
		}
		v.EIP += uint32(in.Len)
	case decode.MnPushf:
		if f := m.pushValue(v.EFLAGS, uint32(in.Op(0).Size)); f != nil {
			return f, false, nil
		}
		v.EIP += uint32(in.Len)
	case decode.MnPopf:
		val, f := m.popValue(uint32(in.Op(0).Size))
		if f != nil {
			return f, false, nil
		}
		v.EFLAGS = val
		v.EIP += uint32(in.Len)
	default:
		v.EIP += uint32(in.Len)
	}
	return nil, false, nil
}

// applyViaSimulate delegates mov/push/pop to the shared single-store
// simulator, resolving the one memory operand's address through the
// shadow engine first so mtrace watches still fire.
func (m *Monitor) applyViaSimulate(in decode.Insn) (*vcpu.GuestFault, bool, error) {
	phys, fault, isWrite := m.memOperandAddr(in)
	if fault != nil {
		return fault, false, nil
	}
	if err := simulate.Execute(m.VCPU, simulate.LinearMemory(m.Shadow.GuestMem), in, phys); err != nil {
		return nil, false, Panic{Reason: "monitor: " + err.Error()}
	}
	if isWrite {
		m.Mtrace.Fire(phys, int(m.memOperandSize(in)))
	}
	return nil, false, nil
}

func (m *Monitor) applyStringOp(in decode.Insn) (*vcpu.GuestFault, bool, error) {
	v := m.VCPU
	var linear uint32
	isWrite := false
	switch in.Mnemonic {
	case decode.MnLods:
		linear = v.GPR[decode.RegESI]
	case decode.MnScas:
		linear = v.GPR[decode.RegEDI]
	case decode.MnCmps:
		linear = v.GPR[decode.RegESI]
	case decode.MnStos, decode.MnMovs:
		linear = v.GPR[decode.RegEDI]
		isWrite = true
	}
	phys, fault := m.translateAddr(linear, isWrite, false)
	if fault != nil {
		return fault, false, nil
	}
	if err := simulate.Execute(v, simulate.LinearMemory(m.Shadow.GuestMem), in, phys); err != nil {
		return nil, false, Panic{Reason: "monitor: " + err.Error()}
	}
	if isWrite {
		m.Mtrace.Fire(phys, int(in.SizeFlag))
	}
	return nil, false, nil
}

// applyPrivileged routes every decode.Mnemonic.IsPrivileged() instruction
// either through the callout dispatcher (for operations with external
// side effects: ports, CR0/CR3, descriptor tables) or, for cli/sti
// (which touch only VCPU-local state the dispatcher has no collaborator
// for), directly.
func (m *Monitor) applyPrivileged(in decode.Insn) (*vcpu.GuestFault, bool, error) {
	v := m.VCPU
	switch in.Mnemonic {
	case decode.MnCli:
		const eflagsIF = 1 << 9
		v.EFLAGS &^= eflagsIF
		v.EIP += uint32(in.Len)
		return nil, false, nil
	case decode.MnSti:
		const eflagsIF = 1 << 9
		v.EFLAGS |= eflagsIF
		v.StiShadow = true
		v.EIP += uint32(in.Len)
		return nil, false, nil
	}

	id, args, retEIP, ok := m.buildCallout(in)
	if !ok {
		return &vcpu.GuestFault{Vector: vcpu.VectorInvalidOpcode}, false, nil
	}

	if in.Mnemonic == decode.MnIn && m.Replay {
		// On replay, port reads come from the log, never the device.
		// checkLogAt queued the due IN record at block entry.
		if rec := m.takePendingIn(uint16(args[0]), uint8(args[1])); rec != nil {
			v.GPR[decode.RegEAX] = mergeLow(v.GPR[decode.RegEAX], rec.Value, args[1])
			v.EIP = retEIP
			return nil, false, nil
		}
	}

	v.CalloutArgs = args
	v.CalloutNArgs = len(args)
	v.NextEIPIsSet = false
	v.EIP = retEIP

	fault := m.Callout.Dispatch(id, v)
	if fault != nil {
		return fault, false, nil
	}

	if m.Record != nil && !m.Replay {
		switch in.Mnemonic {
		case decode.MnIn:
			val := v.GPR[decode.RegEAX] & portSizeMask(args[1])
			if err := m.Record.WriteIn(uint16(args[0]), uint8(args[1]), val, v.NExec); err != nil {
				return nil, false, Panic{Reason: "record in: " + err.Error()}
			}
		case decode.MnOut:
			val := v.GPR[decode.RegEAX] & portSizeMask(args[1])
			if err := m.Record.WriteOut(uint16(args[0]), uint8(args[1]), val, v.NExec); err != nil {
				return nil, false, Panic{Reason: "record out: " + err.Error()}
			}
		}
	}

	if in.Mnemonic == decode.MnHlt {
		return nil, true, nil
	}
	return nil, false, nil
}

func portSizeMask(size uint32) uint32 {
	switch size {
	case 1:
		return 0xff
	case 2:
		return 0xffff
	default:
		return 0xffffffff
	}
}

func mergeLow(reg, val, size uint32) uint32 {
	mask := portSizeMask(size)
	if mask == 0xffffffff {
		return val
	}
	return (reg &^ mask) | (val & mask)
}

// buildCallout maps a decoded privileged instruction to its callout ID
// and argument words, and the guest eip the
// handler should see as "the instruction after" for handlers that do not
// themselves set an absolute target.
func (m *Monitor) buildCallout(in decode.Insn) (callout.ID, [4]uint32, uint32, bool) {
	v := m.VCPU
	next := v.EIP + uint32(in.Len)
	switch in.Mnemonic {
	case decode.MnMovCR:
		dst, src := in.Op(0), in.Op(1)
		val, _ := m.readOperand(in, src)
		if dst.Kind == decode.KindCR && dst.Reg == 3 {
			return callout.CalloutMovToCR3, [4]uint32{val}, next, true
		}
		return callout.CalloutMovToCR0, [4]uint32{val}, next, true
	case decode.MnIn:
		return callout.CalloutIn, [4]uint32{uint32(m.portOperand(in)), uint32(in.Op(0).Size)}, next, true
	case decode.MnOut:
		return callout.CalloutOut, [4]uint32{uint32(m.portOperand(in)), uint32(in.Op(1).Size)}, next, true
	case decode.MnIns:
		return callout.CalloutIns, [4]uint32{uint32(v.GPR[decode.RegEDX] & 0xffff), uint32(in.SizeFlag)}, next, true
	case decode.MnOuts:
		return callout.CalloutOuts, [4]uint32{uint32(v.GPR[decode.RegEDX] & 0xffff), uint32(in.SizeFlag)}, next, true
	case decode.MnInt:
		return callout.CalloutInt, [4]uint32{uint32(in.Op(0).Imm)}, next, true
	case decode.MnIret:
		return callout.CalloutIret, [4]uint32{}, next, true
	case decode.MnHlt:
		return callout.CalloutHlt, [4]uint32{}, next, true
	case decode.MnJmpFar:
		return callout.CalloutLjmp, [4]uint32{uint32(in.Op(0).Imm), uint32(in.Op(1).Imm)}, next, true
	case decode.MnCallFar:
		return callout.CalloutLcall, [4]uint32{uint32(in.Op(0).Imm), uint32(in.Op(1).Imm)}, next, true
	case decode.MnRetFar:
		off, _ := m.popValue(4)
		sel, _ := m.popValue(2)
		return callout.CalloutLret, [4]uint32{off, sel}, next, true
	case decode.MnLtr:
		val, _ := m.readOperand(in, in.Op(0))
		return callout.CalloutLtr, [4]uint32{val}, next, true
	case decode.MnLgdt, decode.MnLidt, decode.MnLldt:
		base, limit := m.readDescTable(in)
		id := callout.CalloutLgdt
		if in.Mnemonic == decode.MnLidt {
			id = callout.CalloutLidt
		} else if in.Mnemonic == decode.MnLldt {
			id = callout.CalloutLldt
		}
		return id, [4]uint32{base, uint32(limit)}, next, true
	case decode.MnMovSegSel:
		val, _ := m.readOperand(in, in.Op(1))
		return callout.CalloutSegLoad, [4]uint32{uint32(in.Op(0).Reg), val, uint32(val) << 4, 0xffff}, next, true
	}
	return 0, [4]uint32{}, next, false
}

func (m *Monitor) portOperand(in decode.Insn) uint16 {
	op := in.Op(1)
	if in.Mnemonic == decode.MnOut {
		op = in.Op(0)
	}
	if op.Kind == decode.KindImm {
		return uint16(op.Imm)
	}
	return uint16(m.VCPU.GPR[decode.RegEDX] & 0xffff)
}
