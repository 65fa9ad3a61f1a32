/*
 * vx86 - Instruction re-encoder.
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

package decode

import "fmt"

// ErrNotEncodable reports an Insn this package's Encode cannot re-emit,
// typically one built by hand with a combination the decoder itself
// never produces.
type ErrNotEncodable struct{ Reason string }

func (e ErrNotEncodable) Error() string {
	return fmt.Sprintf("decode: cannot encode instruction: %s", e.Reason)
}

// Encode re-emits the guest bytes for an Insn produced by Decode, such
// that Decode(Encode(in)) reproduces an equivalent Insn. Encode does
// not attempt to re-derive
// bytes for an Insn assembled by hand outside of Decode; RawBytes,
// when present, is trusted verbatim since it is exactly what was
// consumed to produce this Insn.
func Encode(in Insn) ([]byte, error) {
	if in.RawBytes != nil {
		return append([]byte(nil), in.RawBytes...), nil
	}
	return encodeFresh(in)
}

func encodeFresh(in Insn) ([]byte, error) {
	var buf []byte

	if in.Prefixes.Seg != SegNone {
		buf = append(buf, segPrefixByte(in.Prefixes.Seg))
	}
	nativeSize := uint8(4)
	if in.SizeFlag == 2 {
		nativeSize = 2
	}
	_ = nativeSize
	if in.Prefixes.OpSize {
		buf = append(buf, 0x66)
	}
	if in.Prefixes.AddrSize {
		buf = append(buf, 0x67)
	}
	if in.Prefixes.Lock {
		buf = append(buf, 0xf0)
	}
	if in.Prefixes.RepNZ {
		buf = append(buf, 0xf2)
	}
	if in.Prefixes.RepZ {
		buf = append(buf, 0xf3)
	}

	opBytes, err := encodeOpcodeAndOperands(in)
	if err != nil {
		return nil, err
	}
	return append(buf, opBytes...), nil
}

func segPrefixByte(seg uint8) byte {
	switch seg {
	case SegES:
		return 0x26
	case SegCS:
		return 0x2e
	case SegSS:
		return 0x36
	case SegDS:
		return 0x3e
	case SegFS:
		return 0x64
	case SegGS:
		return 0x65
	}
	return 0x3e
}

func encodeOpcodeAndOperands(in Insn) ([]byte, error) {
	switch in.Mnemonic {
	case MnMov:
		return encodeMov(in)
	case MnAdd, MnOr, MnAdc, MnSbb, MnAnd, MnSub, MnXor, MnCmp:
		return encodeAlu(in)
	case MnLea:
		mrm, err := encodeModRM(in.Op(0).Reg, in.Op(1))
		if err != nil {
			return nil, err
		}
		return append([]byte{0x8d}, mrm...), nil
	case MnPush:
		return encodePushPop(0x50, in)
	case MnPop:
		return encodePushPop(0x58, in)
	case MnJmp:
		return encodeRel(0xe9, 0xeb, in)
	case MnCall:
		return encodeRel(0xe8, 0xe8, in)
	case MnJcc:
		return encodeJcc(in)
	case MnRet:
		if in.NumOperands == 0 {
			return []byte{0xc3}, nil
		}
		imm := in.Op(0).Imm
		return []byte{0xc2, byte(imm), byte(imm >> 8)}, nil
	case MnHlt:
		return []byte{0xf4}, nil
	case MnCli:
		return []byte{0xfa}, nil
	case MnSti:
		return []byte{0xfb}, nil
	case MnNop:
		return []byte{0x90}, nil
	case MnInt:
		v := in.Op(0).Imm
		if v == 3 {
			return []byte{0xcc}, nil
		}
		return []byte{0xcd, byte(v)}, nil
	case MnIret:
		return []byte{0xcf}, nil
	case MnIn, MnOut:
		// in: eAX, imm8|DX; out: imm8|DX, eAX.
		acc, port, op := in.Op(0), in.Op(1), byte(0xe4)
		if in.Mnemonic == MnOut {
			acc, port, op = in.Op(1), in.Op(0), 0xe6
		}
		if acc.Size != 1 {
			op |= 1
		}
		if port.Kind == KindReg {
			return []byte{op | 0x08}, nil
		}
		return []byte{op, byte(port.Imm)}, nil
	case MnPushf:
		return []byte{0x9c}, nil
	case MnPopf:
		return []byte{0x9d}, nil
	case MnCbw:
		return []byte{0x98}, nil
	case MnCwd:
		return []byte{0x99}, nil
	}
	return nil, ErrNotEncodable{Reason: fmt.Sprintf("mnemonic %s has no encoder", in.Mnemonic)}
}

func encodeMov(in Insn) ([]byte, error) {
	dst, src := in.Op(0), in.Op(1)
	if dst.Kind == KindReg && src.Kind == KindImm {
		if dst.Size == 1 {
			return append([]byte{0xb0 + dst.Reg}, byte(src.Imm)), nil
		}
		return append([]byte{0xb8 + dst.Reg}, leImm(src.Imm, dst.Size)...), nil
	}
	if dst.Kind == KindReg || dst.Kind == KindMem {
		if src.Kind == KindReg || src.Kind == KindMem {
			op := uint8(0x89)
			reg, rm := src, dst
			if src.Kind == KindMem {
				op = 0x8b
				reg, rm = dst, src
			}
			if reg.Size == 1 {
				op -= 1
			}
			mrm, err := encodeModRM(reg.Reg, rm)
			if err != nil {
				return nil, err
			}
			return append([]byte{op}, mrm...), nil
		}
	}
	return nil, ErrNotEncodable{Reason: "mov operand shape"}
}

var aluOpcodeBase = map[Mnemonic]uint8{
	MnAdd: 0x00, MnOr: 0x08, MnAdc: 0x10, MnSbb: 0x18,
	MnAnd: 0x20, MnSub: 0x28, MnXor: 0x30, MnCmp: 0x38,
}

func encodeAlu(in Insn) ([]byte, error) {
	base := aluOpcodeBase[in.Mnemonic]
	dst, src := in.Op(0), in.Op(1)
	if dst.Kind == KindReg && dst.Reg == RegEAX && src.Kind == KindImm {
		if dst.Size == 1 {
			return append([]byte{base + 4}, byte(src.Imm)), nil
		}
		return append([]byte{base + 5}, leImm(src.Imm, dst.Size)...), nil
	}
	if src.Kind == KindReg && (dst.Kind == KindReg || dst.Kind == KindMem) {
		op := base + 1
		if src.Size == 1 {
			op = base
		}
		mrm, err := encodeModRM(src.Reg, dst)
		if err != nil {
			return nil, err
		}
		return append([]byte{op}, mrm...), nil
	}
	if dst.Kind == KindReg && src.Kind == KindMem {
		op := base + 3
		if dst.Size == 1 {
			op = base + 2
		}
		mrm, err := encodeModRM(dst.Reg, src)
		if err != nil {
			return nil, err
		}
		return append([]byte{op}, mrm...), nil
	}
	return nil, ErrNotEncodable{Reason: "alu operand shape"}
}

func encodePushPop(base uint8, in Insn) ([]byte, error) {
	op := in.Op(0)
	if op.Kind != KindReg {
		return nil, ErrNotEncodable{Reason: "push/pop of non-register"}
	}
	return []byte{base + op.Reg}, nil
}

func encodeRel(op32, op8 uint8, in Insn) ([]byte, error) {
	rel := in.Op(0)
	if rel.Disp >= -128 && rel.Disp <= 127 && op8 != op32 {
		return []byte{op8, byte(int8(rel.Disp))}, nil
	}
	b := []byte{op32}
	return append(b, leImm(int64(rel.Disp), 4)...), nil
}

func encodeJcc(in Insn) ([]byte, error) {
	rel := in.Op(0)
	cc := uint8(rel.Imm)
	if rel.Disp >= -128 && rel.Disp <= 127 {
		return []byte{0x70 + cc, byte(int8(rel.Disp))}, nil
	}
	b := []byte{0x0f, 0x80 + cc}
	return append(b, leImm(int64(rel.Disp), 4)...), nil
}

func leImm(v int64, size uint8) []byte {
	switch size {
	case 1:
		return []byte{byte(v)}
	case 2:
		return []byte{byte(v), byte(v >> 8)}
	default:
		return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	}
}

// encodeModRM emits the ModRM(+SIB+disp) bytes for a register-field value
// paired with an rm Operand, the inverse of scanner.modrm.
func encodeModRM(regField uint8, rm Operand) ([]byte, error) {
	if rm.Kind == KindReg {
		return []byte{0xc0 | regField<<3 | rm.Reg}, nil
	}
	if rm.Kind != KindMem {
		return nil, ErrNotEncodable{Reason: "modrm operand is neither register nor memory"}
	}

	if rm.Base == RegNone && rm.Index == RegNone {
		b := []byte{regField<<3 | 5}
		return append(b, leImm(int64(rm.Disp), 4)...), nil
	}

	var mod uint8
	switch {
	case rm.Disp == 0 && rm.Base != RegEBP:
		mod = 0
	case rm.Disp >= -128 && rm.Disp <= 127:
		mod = 1
	default:
		mod = 2
	}

	needsSIB := rm.Index != RegNone || rm.Base == RegESP
	var out []byte
	if needsSIB {
		rmField := uint8(4)
		out = append(out, mod<<6|regField<<3|rmField)
		scaleBits := scaleToBits(rm.Scale)
		idx := rm.Index
		if idx == RegNone {
			idx = 4
		}
		base := rm.Base
		if base == RegNone {
			base = 5
			mod = 0
			out[0] = mod << 6 | regField<<3 | rmField
		}
		out = append(out, scaleBits<<6|idx<<3|base)
	} else {
		out = append(out, mod<<6|regField<<3|rm.Base)
	}

	switch mod {
	case 1:
		out = append(out, byte(int8(rm.Disp)))
	case 2:
		out = append(out, leImm(int64(rm.Disp), 4)...)
	}
	if rm.Base == RegNone && !needsSIB {
		out = append(out, leImm(int64(rm.Disp), 4)...)
	}
	return out, nil
}

func scaleToBits(scale uint8) uint8 {
	switch scale {
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	default:
		return 0
	}
}
