/*
 * vx86 - Arithmetic flag helpers.
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

// EFLAGS bit positions this interpreter tracks. Only the flags the
// supported Jcc conditions need are maintained; AF and the rest of the
// architectural flag set are left untouched, matching simulate.Execute's
// own bounded scope.
const (
	flagCF = 1 << 0
	flagPF = 1 << 2
	flagZF = 1 << 6
	flagSF = 1 << 7
	flagOF = 1 << 11
)

func (m *Monitor) setFlag(bit uint32, on bool) {
	if on {
		m.VCPU.EFLAGS |= bit
	} else {
		m.VCPU.EFLAGS &^= bit
	}
}

func (m *Monitor) flag(bit uint32) bool { return m.VCPU.EFLAGS&bit != 0 }

func signBit(size uint32) uint32 { return 1 << (8*size - 1) }

func parityEven(v uint32) bool {
	b := byte(v)
	count := 0
	for b != 0 {
		count += int(b & 1)
		b >>= 1
	}
	return count%2 == 0
}

// applyALU performs one two-operand arithmetic/logic/compare instruction
// and updates CF/PF/ZF/SF/OF accordingly.
func (m *Monitor) applyALU(in decode.Insn) *vcpu.GuestFault {
	dst, src := in.Op(0), in.Op(1)
	size := uint32(dst.Size)
	a, fa := m.readOperand(in, dst)
	if fa != nil {
		return fa
	}
	b, fb := m.readOperand(in, src)
	if fb != nil {
		return fb
	}

	var result uint64
	var cf, of bool
	switch in.Mnemonic {
	case decode.MnAdd:
		result = uint64(a) + uint64(b)
		cf = result > uint64(sizeMask(size))
		of = (a^b)&signBit(size) == 0 && (uint32(result)^a)&signBit(size) != 0
	case decode.MnAdc:
		carry := uint64(0)
		if m.flag(flagCF) {
			carry = 1
		}
		result = uint64(a) + uint64(b) + carry
		cf = result > uint64(sizeMask(size))
		of = (a^b)&signBit(size) == 0 && (uint32(result)^a)&signBit(size) != 0
	case decode.MnSub, decode.MnCmp:
		result = uint64(a) - uint64(b)
		cf = a < b
		of = (a^b)&signBit(size) != 0 && (uint32(result)^a)&signBit(size) != 0
	case decode.MnSbb:
		borrow := uint64(0)
		if m.flag(flagCF) {
			borrow = 1
		}
		result = uint64(a) - uint64(b) - borrow
		cf = uint64(a) < uint64(b)+borrow
		of = (a^b)&signBit(size) != 0 && (uint32(result)^a)&signBit(size) != 0
	case decode.MnAnd, decode.MnTest:
		result = uint64(a & b)
	case decode.MnOr:
		result = uint64(a | b)
	case decode.MnXor:
		result = uint64(a ^ b)
	}

	res32 := uint32(result) & sizeMask(size)
	m.setFlag(flagCF, cf)
	m.setFlag(flagOF, of)
	m.setFlag(flagZF, res32 == 0)
	m.setFlag(flagSF, res32&signBit(size) != 0)
	m.setFlag(flagPF, parityEven(res32))

	if in.Mnemonic == decode.MnCmp || in.Mnemonic == decode.MnTest {
		return nil
	}
	return m.writeOperand(in, dst, res32)
}

func (m *Monitor) applyIncDec(in decode.Insn) *vcpu.GuestFault {
	dst := in.Op(0)
	size := uint32(dst.Size)
	a, f := m.readOperand(in, dst)
	if f != nil {
		return f
	}
	var res uint32
	var of bool
	if in.Mnemonic == decode.MnInc {
		res = (a + 1) & sizeMask(size)
		of = a&sizeMask(size) == sizeMask(size)>>1
	} else {
		res = (a - 1) & sizeMask(size)
		of = a == signBit(size)
	}
	// inc/dec leave CF untouched per the architecture.
	m.setFlag(flagOF, of)
	m.setFlag(flagZF, res == 0)
	m.setFlag(flagSF, res&signBit(size) != 0)
	m.setFlag(flagPF, parityEven(res))
	return m.writeOperand(in, dst, res)
}

func (m *Monitor) applyShift(in decode.Insn) *vcpu.GuestFault {
	dst, cnt := in.Op(0), in.Op(1)
	size := uint32(dst.Size)
	a, f := m.readOperand(in, dst)
	if f != nil {
		return f
	}
	count, fc := m.readOperand(in, cnt)
	if fc != nil {
		return fc
	}
	count &= 0x1f
	if count == 0 {
		return nil
	}
	bits := 8 * size
	var res uint32
	var cf bool
	switch in.Mnemonic {
	case decode.MnShl:
		wide := uint64(a) << count
		res = uint32(wide) & sizeMask(size)
		if count <= uint32(bits) {
			cf = wide&(1<<bits) != 0
		}
	case decode.MnShr:
		res = (a & sizeMask(size)) >> count
		cf = count <= bits && (a>>(count-1))&1 != 0
	case decode.MnSar:
		signed := int32(a << (32 - bits))
		res = uint32(signed>>(32-bits)>>count) & sizeMask(size)
		cf = (a>>(count-1))&1 != 0
	case decode.MnRol:
		n := count % bits
		res = ((a << n) | (a >> (bits - n))) & sizeMask(size)
		cf = res&1 != 0
	case decode.MnRor:
		n := count % bits
		res = ((a >> n) | (a << (bits - n))) & sizeMask(size)
		cf = res&signBit(size) != 0
	}
	m.setFlag(flagCF, cf)
	m.setFlag(flagZF, res == 0)
	m.setFlag(flagSF, res&signBit(size) != 0)
	m.setFlag(flagPF, parityEven(res))
	return m.writeOperand(in, dst, res)
}

// condTrue evaluates a Jcc condition code (Op(0).Imm, the x86 0-15
// condition encoding) against the tracked flags.
func (m *Monitor) condTrue(in decode.Insn) bool {
	cc := uint8(in.Op(0).Imm)
	cf, zf, sf, of, pf := m.flag(flagCF), m.flag(flagZF), m.flag(flagSF), m.flag(flagOF), m.flag(flagPF)
	switch cc {
	case 0x0: // JO
		return of
	case 0x1: // JNO
		return !of
	case 0x2: // JB/JC
		return cf
	case 0x3: // JAE/JNC
		return !cf
	case 0x4: // JE/JZ
		return zf
	case 0x5: // JNE/JNZ
		return !zf
	case 0x6: // JBE
		return cf || zf
	case 0x7: // JA
		return !cf && !zf
	case 0x8: // JS
		return sf
	case 0x9: // JNS
		return !sf
	case 0xa: // JP
		return pf
	case 0xb: // JNP
		return !pf
	case 0xc: // JL
		return sf != of
	case 0xd: // JGE
		return sf == of
	case 0xe: // JLE
		return zf || sf != of
	case 0xf: // JG
		return !zf && sf == of
	}
	return false
}
