/*
 * vx86 - Opcode dispatch table.
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

// opcodeRow is one entry of the static dispatch table: a row per first
// opcode byte, holding a closure that finishes decoding the
// instruction's operands. OpcodeTable is intentionally a flat array
// (not a switch) so new rows are additive.
type opcodeRow struct {
	mnemonic Mnemonic
	decode   func(s *scanner, in *Insn) error
}

// OpcodeTable is the 256-entry first-byte dispatch table. A few rows
// (0x0f, the ModRM group opcodes) drive a second decode pass for wider
// instructions; the table itself stays flat.
var OpcodeTable [256]opcodeRow

func lookupOpcode(b uint8) (opcodeRow, bool) {
	row := OpcodeTable[b]
	if row.decode == nil {
		return row, false
	}
	return row, true
}

func reg8or32(in *Insn) uint8 {
	if in.SizeFlag == 2 {
		return 2
	}
	return 4
}

func regOperand(size, reg uint8) Operand {
	return Operand{Kind: KindReg, Size: size, Reg: reg, Tag: TagVar}
}

func immOperand(size uint8, v int64) Operand {
	return Operand{Kind: KindImm, Size: size, Imm: v, Tag: TagConst}
}

func segOperand(reg uint8) Operand {
	return Operand{Kind: KindSeg, Size: 2, Reg: reg, Tag: TagVar}
}

func set2(in *Insn, a, b Operand) {
	in.Operands[0], in.Operands[1] = a, b
	in.NumOperands = 2
}

func set1(in *Insn, a Operand) {
	in.Operands[0] = a
	in.NumOperands = 1
}

func set0(in *Insn) {
	in.NumOperands = 0
}

func aluModRM(mn Mnemonic, dirRegToRM bool, size uint8) func(s *scanner, in *Insn) error {
	return func(s *scanner, in *Insn) error {
		reg, rm, err := s.modrm(size)
		if err != nil {
			return err
		}
		r := regOperand(size, reg)
		if dirRegToRM {
			set2(in, rm, r)
		} else {
			set2(in, r, rm)
		}
		return nil
	}
}

func aluAccImm(mn Mnemonic, size uint8) func(s *scanner, in *Insn) error {
	return func(s *scanner, in *Insn) error {
		v, err := s.immSized(size)
		if err != nil {
			return err
		}
		set2(in, regOperand(size, RegEAX), immOperand(size, v))
		return nil
	}
}

func jccRow(cc uint8, rel8 bool) func(s *scanner, in *Insn) error {
	return func(s *scanner, in *Insn) error {
		var disp int32
		if rel8 {
			d, err := s.i8()
			if err != nil {
				return err
			}
			disp = int32(d)
		} else {
			d, err := s.i32()
			if err != nil {
				return err
			}
			disp = d
		}
		set1(in, Operand{Kind: KindRel, Disp: disp, Imm: int64(cc), Tag: TagConst})
		return nil
	}
}

//nolint:gochecknoinits // the opcode table is built once at init time.
func init() {
	for i := range OpcodeTable {
		OpcodeTable[i] = opcodeRow{}
	}

	// ALU reg<->rm families: add/or/adc/sbb/and/sub/xor/cmp share the
	// same 0x00-0x3d layout.
	aluFamily := []struct {
		base uint8
		mn   Mnemonic
	}{
		{0x00, MnAdd}, {0x08, MnOr}, {0x10, MnAdc}, {0x18, MnSbb},
		{0x20, MnAnd}, {0x28, MnSub}, {0x30, MnXor}, {0x38, MnCmp},
	}
	for _, f := range aluFamily {
		mn := f.mn
		OpcodeTable[f.base+0] = opcodeRow{mn, aluModRM(mn, true, 1)}
		OpcodeTable[f.base+1] = opcodeRow{mn, func(s *scanner, in *Insn) error {
			return aluModRM(mn, true, in.SizeFlag)(s, in)
		}}
		OpcodeTable[f.base+2] = opcodeRow{mn, aluModRM(mn, false, 1)}
		OpcodeTable[f.base+3] = opcodeRow{mn, func(s *scanner, in *Insn) error {
			return aluModRM(mn, false, in.SizeFlag)(s, in)
		}}
		OpcodeTable[f.base+4] = opcodeRow{mn, aluAccImm(mn, 1)}
		OpcodeTable[f.base+5] = opcodeRow{mn, func(s *scanner, in *Insn) error {
			return aluAccImm(mn, in.SizeFlag)(s, in)
		}}
	}

	// inc/dec reg (0x40-0x4f).
	for r := uint8(0); r < 8; r++ {
		reg := r
		OpcodeTable[0x40+reg] = opcodeRow{MnInc, func(s *scanner, in *Insn) error {
			set1(in, regOperand(in.SizeFlag, reg))
			return nil
		}}
		OpcodeTable[0x48+reg] = opcodeRow{MnDec, func(s *scanner, in *Insn) error {
			set1(in, regOperand(in.SizeFlag, reg))
			return nil
		}}
	}

	// push/pop reg (0x50-0x5f).
	for r := uint8(0); r < 8; r++ {
		reg := r
		OpcodeTable[0x50+reg] = opcodeRow{MnPush, func(s *scanner, in *Insn) error {
			set1(in, regOperand(in.SizeFlag, reg))
			return nil
		}}
		OpcodeTable[0x58+reg] = opcodeRow{MnPop, func(s *scanner, in *Insn) error {
			set1(in, regOperand(in.SizeFlag, reg))
			return nil
		}}
	}

	// jcc rel8 (0x70-0x7f).
	for cc := uint8(0); cc < 16; cc++ {
		c := cc
		OpcodeTable[0x70+cc] = opcodeRow{MnJcc, jccRow(c, true)}
	}

	// group 1 (0x80/0x81/0x83): alu imm, rm.
	group1 := []Mnemonic{MnAdd, MnOr, MnAdc, MnSbb, MnAnd, MnSub, MnXor, MnCmp}
	OpcodeTable[0x80] = opcodeRow{MnInvalid, func(s *scanner, in *Insn) error {
		reg, rm, err := s.modrm(1)
		if err != nil {
			return err
		}
		v, err := s.immSized(1)
		if err != nil {
			return err
		}
		in.Mnemonic = group1[reg&7]
		set2(in, rm, immOperand(1, v))
		return nil
	}}
	OpcodeTable[0x81] = opcodeRow{MnInvalid, func(s *scanner, in *Insn) error {
		reg, rm, err := s.modrm(in.SizeFlag)
		if err != nil {
			return err
		}
		v, err := s.immSized(in.SizeFlag)
		if err != nil {
			return err
		}
		in.Mnemonic = group1[reg&7]
		set2(in, rm, immOperand(in.SizeFlag, v))
		return nil
	}}
	OpcodeTable[0x83] = opcodeRow{MnInvalid, func(s *scanner, in *Insn) error {
		reg, rm, err := s.modrm(in.SizeFlag)
		if err != nil {
			return err
		}
		v, err := s.immSized(1)
		if err != nil {
			return err
		}
		in.Mnemonic = group1[reg&7]
		set2(in, rm, immOperand(in.SizeFlag, v))
		return nil
	}}

	// ins/outs (0x6c-0x6f), one element per decode like the other string ops.
	OpcodeTable[0x6c] = opcodeRow{MnIns, strOp(1)}
	OpcodeTable[0x6d] = opcodeRow{MnIns, func(s *scanner, in *Insn) error { return strOp(in.SizeFlag)(s, in) }}
	OpcodeTable[0x6e] = opcodeRow{MnOuts, strOp(1)}
	OpcodeTable[0x6f] = opcodeRow{MnOuts, func(s *scanner, in *Insn) error { return strOp(in.SizeFlag)(s, in) }}

	// test rm, reg (0x84/0x85) and test acc, imm (0xa8/0xa9).
	OpcodeTable[0x84] = opcodeRow{MnTest, aluModRM(MnTest, true, 1)}
	OpcodeTable[0x85] = opcodeRow{MnTest, func(s *scanner, in *Insn) error {
		return aluModRM(MnTest, true, in.SizeFlag)(s, in)
	}}
	OpcodeTable[0xa8] = opcodeRow{MnTest, aluAccImm(MnTest, 1)}
	OpcodeTable[0xa9] = opcodeRow{MnTest, func(s *scanner, in *Insn) error {
		return aluAccImm(MnTest, in.SizeFlag)(s, in)
	}}

	// mov rm, imm (0xc6/0xc7).
	movImmRM := func(size uint8) func(s *scanner, in *Insn) error {
		return func(s *scanner, in *Insn) error {
			_, rm, err := s.modrm(size)
			if err != nil {
				return err
			}
			v, err := s.immSized(size)
			if err != nil {
				return err
			}
			set2(in, rm, immOperand(size, v))
			return nil
		}
	}
	OpcodeTable[0xc6] = opcodeRow{MnMov, movImmRM(1)}
	OpcodeTable[0xc7] = opcodeRow{MnMov, func(s *scanner, in *Insn) error {
		return movImmRM(in.SizeFlag)(s, in)
	}}

	// mov reg/rm (0x88-0x8b).
	OpcodeTable[0x88] = opcodeRow{MnMov, aluModRM(MnMov, true, 1)}
	OpcodeTable[0x89] = opcodeRow{MnMov, func(s *scanner, in *Insn) error {
		return aluModRM(MnMov, true, in.SizeFlag)(s, in)
	}}
	OpcodeTable[0x8a] = opcodeRow{MnMov, aluModRM(MnMov, false, 1)}
	OpcodeTable[0x8b] = opcodeRow{MnMov, func(s *scanner, in *Insn) error {
		return aluModRM(MnMov, false, in.SizeFlag)(s, in)
	}}

	// lea (0x8d).
	OpcodeTable[0x8d] = opcodeRow{MnLea, func(s *scanner, in *Insn) error {
		reg, rm, err := s.modrm(in.SizeFlag)
		if err != nil {
			return err
		}
		set2(in, regOperand(in.SizeFlag, reg), rm)
		return nil
	}}

	// mov rm, seg / seg, rm (0x8c/0x8e).
	OpcodeTable[0x8c] = opcodeRow{MnMovSegSel, func(s *scanner, in *Insn) error {
		reg, rm, err := s.modrm(2)
		if err != nil {
			return err
		}
		set2(in, rm, segOperand(reg))
		return nil
	}}
	OpcodeTable[0x8e] = opcodeRow{MnMovSegSel, func(s *scanner, in *Insn) error {
		reg, rm, err := s.modrm(2)
		if err != nil {
			return err
		}
		set2(in, segOperand(reg), rm)
		return nil
	}}

	// xchg acc, reg (0x91-0x97); 0x90 is nop (xchg eax,eax).
	OpcodeTable[0x90] = opcodeRow{MnNop, func(s *scanner, in *Insn) error { set0(in); return nil }}
	for r := uint8(1); r < 8; r++ {
		reg := r
		OpcodeTable[0x90+reg] = opcodeRow{MnXchg, func(s *scanner, in *Insn) error {
			set2(in, regOperand(in.SizeFlag, RegEAX), regOperand(in.SizeFlag, reg))
			return nil
		}}
	}

	OpcodeTable[0x98] = opcodeRow{MnCbw, func(s *scanner, in *Insn) error { set0(in); return nil }}
	OpcodeTable[0x99] = opcodeRow{MnCwd, func(s *scanner, in *Insn) error { set0(in); return nil }}

	// far call/jmp with immediate pointer (0x9a/0xea): seg:off.
	farPtr := func(mn Mnemonic) func(s *scanner, in *Insn) error {
		return func(s *scanner, in *Insn) error {
			off, err := s.immSized(in.SizeFlag)
			if err != nil {
				return err
			}
			seg, err := s.u16()
			if err != nil {
				return err
			}
			in.Mnemonic = mn
			set2(in, immOperand(2, int64(seg)), immOperand(in.SizeFlag, off))
			return nil
		}
	}
	OpcodeTable[0x9a] = opcodeRow{MnCallFar, farPtr(MnCallFar)}
	OpcodeTable[0xea] = opcodeRow{MnJmpFar, farPtr(MnJmpFar)}

	OpcodeTable[0x9c] = opcodeRow{MnPushf, func(s *scanner, in *Insn) error { set0(in); return nil }}
	OpcodeTable[0x9d] = opcodeRow{MnPopf, func(s *scanner, in *Insn) error { set0(in); return nil }}
	OpcodeTable[0x9b] = opcodeRow{MnWait, func(s *scanner, in *Insn) error { set0(in); return nil }}

	// mov acc, moffs / moffs, acc (0xa0-0xa3).
	OpcodeTable[0xa0] = opcodeRow{MnMov, movMoffs(1, false)}
	OpcodeTable[0xa1] = opcodeRow{MnMov, func(s *scanner, in *Insn) error { return movMoffs(in.SizeFlag, false)(s, in) }}
	OpcodeTable[0xa2] = opcodeRow{MnMov, movMoffs(1, true)}
	OpcodeTable[0xa3] = opcodeRow{MnMov, func(s *scanner, in *Insn) error { return movMoffs(in.SizeFlag, true)(s, in) }}

	// string ops (0xa4-0xaf).
	OpcodeTable[0xa4] = opcodeRow{MnMovs, strOp(1)}
	OpcodeTable[0xa5] = opcodeRow{MnMovs, func(s *scanner, in *Insn) error { return strOp(in.SizeFlag)(s, in) }}
	OpcodeTable[0xa6] = opcodeRow{MnCmps, strOp(1)}
	OpcodeTable[0xa7] = opcodeRow{MnCmps, func(s *scanner, in *Insn) error { return strOp(in.SizeFlag)(s, in) }}
	OpcodeTable[0xaa] = opcodeRow{MnStos, strOp(1)}
	OpcodeTable[0xab] = opcodeRow{MnStos, func(s *scanner, in *Insn) error { return strOp(in.SizeFlag)(s, in) }}
	OpcodeTable[0xac] = opcodeRow{MnLods, strOp(1)}
	OpcodeTable[0xad] = opcodeRow{MnLods, func(s *scanner, in *Insn) error { return strOp(in.SizeFlag)(s, in) }}
	OpcodeTable[0xae] = opcodeRow{MnScas, strOp(1)}
	OpcodeTable[0xaf] = opcodeRow{MnScas, func(s *scanner, in *Insn) error { return strOp(in.SizeFlag)(s, in) }}

	// mov reg, imm (0xb0-0xbf).
	for r := uint8(0); r < 8; r++ {
		reg := r
		OpcodeTable[0xb0+reg] = opcodeRow{MnMov, func(s *scanner, in *Insn) error {
			v, err := s.immSized(1)
			if err != nil {
				return err
			}
			set2(in, regOperand(1, reg), immOperand(1, v))
			return nil
		}}
		OpcodeTable[0xb8+reg] = opcodeRow{MnMov, func(s *scanner, in *Insn) error {
			v, err := s.immSized(in.SizeFlag)
			if err != nil {
				return err
			}
			set2(in, regOperand(in.SizeFlag, reg), immOperand(in.SizeFlag, v))
			return nil
		}}
	}

	// group 2 shift/rotate (0xc0/0xc1/0xd0-0xd3).
	group2 := []Mnemonic{MnRol, MnRor, MnInvalid, MnInvalid, MnShl, MnShr, MnInvalid, MnSar}
	OpcodeTable[0xc0] = opcodeRow{MnInvalid, shiftImm(1, group2)}
	OpcodeTable[0xc1] = opcodeRow{MnInvalid, func(s *scanner, in *Insn) error { return shiftImm(in.SizeFlag, group2)(s, in) }}
	OpcodeTable[0xd0] = opcodeRow{MnInvalid, shiftOne(1, group2)}
	OpcodeTable[0xd1] = opcodeRow{MnInvalid, func(s *scanner, in *Insn) error { return shiftOne(in.SizeFlag, group2)(s, in) }}
	OpcodeTable[0xd2] = opcodeRow{MnInvalid, shiftCL(1, group2)}
	OpcodeTable[0xd3] = opcodeRow{MnInvalid, func(s *scanner, in *Insn) error { return shiftCL(in.SizeFlag, group2)(s, in) }}

	// ret (0xc2/0xc3), lret (0xca/0xcb).
	OpcodeTable[0xc2] = opcodeRow{MnRet, func(s *scanner, in *Insn) error {
		v, err := s.u16()
		if err != nil {
			return err
		}
		set1(in, immOperand(2, int64(v)))
		return nil
	}}
	OpcodeTable[0xc3] = opcodeRow{MnRet, func(s *scanner, in *Insn) error { set0(in); return nil }}
	OpcodeTable[0xca] = opcodeRow{MnRetFar, func(s *scanner, in *Insn) error {
		v, err := s.u16()
		if err != nil {
			return err
		}
		set1(in, immOperand(2, int64(v)))
		return nil
	}}
	OpcodeTable[0xcb] = opcodeRow{MnRetFar, func(s *scanner, in *Insn) error { set0(in); return nil }}

	// int3/int imm8/into/iret (0xcc-0xcf).
	OpcodeTable[0xcc] = opcodeRow{MnInt, func(s *scanner, in *Insn) error {
		set1(in, immOperand(1, 3))
		return nil
	}}
	OpcodeTable[0xcd] = opcodeRow{MnInt, func(s *scanner, in *Insn) error {
		v, err := s.u8()
		if err != nil {
			return err
		}
		set1(in, immOperand(1, int64(v)))
		return nil
	}}
	OpcodeTable[0xce] = opcodeRow{MnInto, func(s *scanner, in *Insn) error { set0(in); return nil }}
	OpcodeTable[0xcf] = opcodeRow{MnIret, func(s *scanner, in *Insn) error { set0(in); return nil }}

	// loop/loope/loopne/jcxz (0xe0-0xe3).
	OpcodeTable[0xe0] = opcodeRow{MnLoopNE, jccRow(0, true)}
	OpcodeTable[0xe1] = opcodeRow{MnLoopE, jccRow(0, true)}
	OpcodeTable[0xe2] = opcodeRow{MnLoop, jccRow(0, true)}

	// in/out with imm8 port, and with DX (0xe4-0xe7, 0xec-0xef).
	OpcodeTable[0xe4] = opcodeRow{MnIn, inImm(1)}
	OpcodeTable[0xe5] = opcodeRow{MnIn, func(s *scanner, in *Insn) error { return inImm(in.SizeFlag)(s, in) }}
	OpcodeTable[0xe6] = opcodeRow{MnOut, outImm(1)}
	OpcodeTable[0xe7] = opcodeRow{MnOut, func(s *scanner, in *Insn) error { return outImm(in.SizeFlag)(s, in) }}
	OpcodeTable[0xec] = opcodeRow{MnIn, inDX(1)}
	OpcodeTable[0xed] = opcodeRow{MnIn, func(s *scanner, in *Insn) error { return inDX(in.SizeFlag)(s, in) }}
	OpcodeTable[0xee] = opcodeRow{MnOut, outDX(1)}
	OpcodeTable[0xef] = opcodeRow{MnOut, func(s *scanner, in *Insn) error { return outDX(in.SizeFlag)(s, in) }}

	// call/jmp rel32/rel8 (0xe8/0xe9/0xeb).
	OpcodeTable[0xe8] = opcodeRow{MnCall, func(s *scanner, in *Insn) error {
		d, err := s.i32()
		if err != nil {
			return err
		}
		set1(in, Operand{Kind: KindRel, Disp: d, Tag: TagConst})
		return nil
	}}
	OpcodeTable[0xe9] = opcodeRow{MnJmp, func(s *scanner, in *Insn) error {
		d, err := s.i32()
		if err != nil {
			return err
		}
		set1(in, Operand{Kind: KindRel, Disp: d, Tag: TagConst})
		return nil
	}}
	OpcodeTable[0xeb] = opcodeRow{MnJmp, func(s *scanner, in *Insn) error {
		d, err := s.i8()
		if err != nil {
			return err
		}
		set1(in, Operand{Kind: KindRel, Disp: int32(d), Tag: TagConst})
		return nil
	}}

	OpcodeTable[0xf4] = opcodeRow{MnHlt, func(s *scanner, in *Insn) error { set0(in); return nil }}
	OpcodeTable[0xfa] = opcodeRow{MnCli, func(s *scanner, in *Insn) error { set0(in); return nil }}
	OpcodeTable[0xfb] = opcodeRow{MnSti, func(s *scanner, in *Insn) error { set0(in); return nil }}

	// group 5 (0xff): inc/dec/call/jmp/push rm.
	group5 := []Mnemonic{MnInc, MnDec, MnCall, MnCallFar, MnJmp, MnJmpFar, MnPush, MnInvalid}
	OpcodeTable[0xfe] = opcodeRow{MnInvalid, func(s *scanner, in *Insn) error {
		reg, rm, err := s.modrm(1)
		if err != nil {
			return err
		}
		in.Mnemonic = group5[reg&7]
		set1(in, rm)
		return nil
	}}
	OpcodeTable[0xff] = opcodeRow{MnInvalid, func(s *scanner, in *Insn) error {
		reg, rm, err := s.modrm(in.SizeFlag)
		if err != nil {
			return err
		}
		in.Mnemonic = group5[reg&7]
		set1(in, rm)
		return nil
	}}

	// two-byte escape (0x0f): the system-instruction subset the callout
	// layer needs (lgdt/lidt/lldt/ltr/str/clts) plus Jcc rel32.
	OpcodeTable[0x0f] = opcodeRow{MnInvalid, decode0F}
}

func movMoffs(size uint8, store bool) func(s *scanner, in *Insn) error {
	return func(s *scanner, in *Insn) error {
		var addr int32
		if in.AddrFlag == 2 {
			v, err := s.u16()
			if err != nil {
				return err
			}
			addr = int32(v)
		} else {
			v, err := s.i32()
			if err != nil {
				return err
			}
			addr = v
		}
		mem := Operand{Kind: KindMem, Size: size, Base: RegNone, Index: RegNone,
			Scale: 1, Disp: addr, Segment: defaultMoffsSeg(in), Tag: TagVar}
		acc := regOperand(size, RegEAX)
		if store {
			set2(in, mem, acc)
		} else {
			set2(in, acc, mem)
		}
		return nil
	}
}

func defaultMoffsSeg(in *Insn) uint8 {
	if in.Prefixes.Seg != SegNone {
		return in.Prefixes.Seg
	}
	return SegDS
}

func strOp(size uint8) func(s *scanner, in *Insn) error {
	return func(s *scanner, in *Insn) error {
		set0(in)
		in.Operands[0] = Operand{Kind: KindImm, Size: size, Tag: TagConst}
		in.NumOperands = 1
		return nil
	}
}

func inImm(size uint8) func(s *scanner, in *Insn) error {
	return func(s *scanner, in *Insn) error {
		port, err := s.u8()
		if err != nil {
			return err
		}
		set2(in, regOperand(size, RegEAX), immOperand(1, int64(port)))
		return nil
	}
}

func outImm(size uint8) func(s *scanner, in *Insn) error {
	return func(s *scanner, in *Insn) error {
		port, err := s.u8()
		if err != nil {
			return err
		}
		set2(in, immOperand(1, int64(port)), regOperand(size, RegEAX))
		return nil
	}
}

func inDX(size uint8) func(s *scanner, in *Insn) error {
	return func(s *scanner, in *Insn) error {
		set2(in, regOperand(size, RegEAX), regOperand(2, RegEDX))
		return nil
	}
}

func outDX(size uint8) func(s *scanner, in *Insn) error {
	return func(s *scanner, in *Insn) error {
		set2(in, regOperand(2, RegEDX), regOperand(size, RegEAX))
		return nil
	}
}

func shiftImm(size uint8, tab []Mnemonic) func(s *scanner, in *Insn) error {
	return func(s *scanner, in *Insn) error {
		reg, rm, err := s.modrm(size)
		if err != nil {
			return err
		}
		v, err := s.u8()
		if err != nil {
			return err
		}
		in.Mnemonic = tab[reg&7]
		set2(in, rm, immOperand(1, int64(v)))
		return nil
	}
}

func shiftOne(size uint8, tab []Mnemonic) func(s *scanner, in *Insn) error {
	return func(s *scanner, in *Insn) error {
		reg, rm, err := s.modrm(size)
		if err != nil {
			return err
		}
		in.Mnemonic = tab[reg&7]
		set2(in, rm, immOperand(1, 1))
		return nil
	}
}

func shiftCL(size uint8, tab []Mnemonic) func(s *scanner, in *Insn) error {
	return func(s *scanner, in *Insn) error {
		reg, rm, err := s.modrm(size)
		if err != nil {
			return err
		}
		in.Mnemonic = tab[reg&7]
		set2(in, rm, regOperand(1, RegECX))
		return nil
	}
}

func decode0F(s *scanner, in *Insn) error {
	b, err := s.u8()
	if err != nil {
		return err
	}
	switch {
	case b >= 0x80 && b <= 0x8f:
		d, err := s.i32()
		if err != nil {
			return err
		}
		in.Mnemonic = MnJcc
		set1(in, Operand{Kind: KindRel, Disp: d, Imm: int64(b & 0xf), Tag: TagConst})
		return nil
	case b == 0x00: // group 6: sldt/str/lldt/ltr/verr/verw
		reg, rm, err := s.modrm(2)
		if err != nil {
			return err
		}
		switch reg & 7 {
		case 0:
			in.Mnemonic = MnStr
		case 2:
			in.Mnemonic = MnLldt
		case 3:
			in.Mnemonic = MnLtr
		default:
			in.Mnemonic = MnInvalid
		}
		set1(in, rm)
		return nil
	case b == 0x01: // group 7: sgdt/sidt/lgdt/lidt
		reg, rm, err := s.modrm(2)
		if err != nil {
			return err
		}
		switch reg & 7 {
		case 0:
			in.Mnemonic = MnSgdt
		case 1:
			in.Mnemonic = MnSidt
		case 2:
			in.Mnemonic = MnLgdt
		case 3:
			in.Mnemonic = MnLidt
		default:
			in.Mnemonic = MnInvalid
		}
		set1(in, rm)
		return nil
	case b == 0x06:
		in.Mnemonic = MnClts
		set0(in)
		return nil
	case b == 0x20 || b == 0x22: // mov cr, reg / reg, cr
		_, rm, err := s.modrmRaw()
		if err != nil {
			return err
		}
		crNum := rm.crReg
		in.Mnemonic = MnMovCR
		cr := Operand{Kind: KindCR, Size: 4, Reg: crNum, Tag: TagVar}
		gp := regOperand(4, rm.rmReg)
		if b == 0x20 {
			set2(in, gp, cr)
		} else {
			set2(in, cr, gp)
		}
		return nil
	case b == 0x21 || b == 0x23: // mov dr, reg / reg, dr
		_, rm, err := s.modrmRaw()
		if err != nil {
			return err
		}
		drNum := rm.crReg
		in.Mnemonic = MnMovDR
		dr := Operand{Kind: KindDR, Size: 4, Reg: drNum, Tag: TagVar}
		gp := regOperand(4, rm.rmReg)
		if b == 0x21 {
			set2(in, gp, dr)
		} else {
			set2(in, dr, gp)
		}
		return nil
	}
	return ErrUnknownOpcode{Opcode: 0x0f00 | uint16(b)}
}

// rawModRM is used by the mod-3-only CR/DR moves, which always address a
// register pair directly (mod field is forced to 11 by the architecture).
type rawModRM struct {
	crReg, rmReg uint8
}

func (s *scanner) modrmRaw() (uint8, rawModRM, error) {
	b, err := s.u8()
	if err != nil {
		return 0, rawModRM{}, err
	}
	reg := (b >> 3) & 7
	rm := b & 7
	return reg, rawModRM{crReg: reg, rmReg: rm}, nil
}
