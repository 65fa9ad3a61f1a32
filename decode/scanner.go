/*
 * vx86 - Instruction byte scanner.
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

// scanner walks a guest byte stream producing one Insn. It has no
// persistent state across calls to decodeOne: each call is a pure
// function of (mode, buf).
type scanner struct {
	buf      []byte
	pos      int
	mode     Mode
	prefixes PrefixSet
}

func (s *scanner) u8() (uint8, error) {
	if s.pos >= len(s.buf) {
		return 0, ErrTruncated{At: s.pos}
	}
	b := s.buf[s.pos]
	s.pos++
	return b, nil
}

func (s *scanner) u16() (uint16, error) {
	if s.pos+2 > len(s.buf) {
		return 0, ErrTruncated{At: s.pos}
	}
	v := uint16(s.buf[s.pos]) | uint16(s.buf[s.pos+1])<<8
	s.pos += 2
	return v, nil
}

func (s *scanner) u32() (uint32, error) {
	if s.pos+4 > len(s.buf) {
		return 0, ErrTruncated{At: s.pos}
	}
	v := uint32(s.buf[s.pos]) | uint32(s.buf[s.pos+1])<<8 |
		uint32(s.buf[s.pos+2])<<16 | uint32(s.buf[s.pos+3])<<24
	s.pos += 4
	return v, nil
}

func (s *scanner) i8() (int8, error) {
	b, err := s.u8()
	return int8(b), err
}

func (s *scanner) i32() (int32, error) {
	v, err := s.u32()
	return int32(v), err
}

// immSized reads an immediate of the instruction's effective operand size
// (1, 2, or 4 bytes) and sign-extends it to int64.
func (s *scanner) immSized(size uint8) (int64, error) {
	switch size {
	case 1:
		v, err := s.i8()
		return int64(v), err
	case 2:
		v, err := s.u16()
		return int64(int16(v)), err
	default:
		v, err := s.i32()
		return int64(v), err
	}
}

func (s *scanner) decodeOne() (Insn, error) {
	start := s.pos
	var in Insn

	s.prefixes = PrefixSet{Seg: SegNone}
	in.SizeFlag = uint8(s.mode)
	in.AddrFlag = uint8(s.mode)

prefixLoop:
	for {
		b, err := s.u8()
		if err != nil {
			return in, err
		}
		switch b {
		case 0x2e:
			s.prefixes.Seg = SegCS
		case 0x36:
			s.prefixes.Seg = SegSS
		case 0x3e:
			s.prefixes.Seg = SegDS
		case 0x26:
			s.prefixes.Seg = SegES
		case 0x64:
			s.prefixes.Seg = SegFS
		case 0x65:
			s.prefixes.Seg = SegGS
		case 0x66:
			s.prefixes.OpSize = true
			if in.SizeFlag == 2 {
				in.SizeFlag = 4
			} else {
				in.SizeFlag = 2
			}
		case 0x67:
			s.prefixes.AddrSize = true
			if in.AddrFlag == 2 {
				in.AddrFlag = 4
			} else {
				in.AddrFlag = 2
			}
		case 0xf0:
			s.prefixes.Lock = true
		case 0xf2:
			s.prefixes.RepNZ = true
		case 0xf3:
			s.prefixes.RepZ = true
		default:
			s.pos--
			break prefixLoop
		}
	}
	in.Prefixes = s.prefixes

	opcode, err := s.u8()
	if err != nil {
		return in, err
	}

	row, ok := lookupOpcode(opcode)
	if !ok {
		return in, ErrUnknownOpcode{Opcode: uint16(opcode)}
	}
	// Rows whose opcode byte alone determines the mnemonic (e.g. mov,
	// jcc) set it here; group rows (0x80/0xfe/0xff/0x0f) read the ModRM
	// reg field first and overwrite it from within row.decode.
	in.Mnemonic = row.mnemonic
	if err := row.decode(s, &in); err != nil {
		return in, err
	}

	in.DispatchNum = uint16(opcode)
	in.Terminating = in.Mnemonic.IsTerminating()
	in.Len = s.pos - start
	in.RawBytes = append([]byte(nil), s.buf[start:s.pos]...)
	return in, nil
}

// modrm decodes a ModRM (+SIB +disp) byte sequence into a register field
// and an rm Operand, honoring the active address-size and segment
// override. Shared by every two-operand opcode row.
func (s *scanner) modrm(opSize uint8) (regField uint8, rm Operand, err error) {
	b, err := s.u8()
	if err != nil {
		return 0, rm, err
	}
	mod := b >> 6
	reg := (b >> 3) & 7
	rmField := b & 7

	if mod == 3 {
		rm = Operand{Kind: KindReg, Size: opSize, Reg: rmField, Tag: TagVar}
		return reg, rm, nil
	}

	seg := s.prefixes.Seg
	var base, index uint8 = RegNone, RegNone
	var scale uint8 = 1
	var disp int32

	if s.mode == Mode32 && s.addrSizeIs32() {
		if rmField == 4 {
			sib, err := s.u8()
			if err != nil {
				return 0, rm, err
			}
			scale = 1 << (sib >> 6)
			idx := (sib >> 3) & 7
			bse := sib & 7
			if idx != 4 {
				index = idx
			}
			if bse == 5 && mod == 0 {
				d, err := s.i32()
				if err != nil {
					return 0, rm, err
				}
				disp = d
			} else {
				base = bse
			}
		} else if rmField == 5 && mod == 0 {
			d, err := s.i32()
			if err != nil {
				return 0, rm, err
			}
			disp = d
		} else {
			base = rmField
		}

		switch mod {
		case 1:
			d, err := s.i8()
			if err != nil {
				return 0, rm, err
			}
			disp = int32(d)
		case 2:
			d, err := s.i32()
			if err != nil {
				return 0, rm, err
			}
			disp = d
		}

		if seg == SegNone {
			seg = defaultSegment(base)
		}
		rm = Operand{Kind: KindMem, Size: opSize, Base: base, Index: index,
			Scale: scale, Disp: disp, Segment: seg, Tag: TagVar}
		return reg, rm, nil
	}

	// 16-bit addressing (real mode or 0x67 override in 16-bit mode).
	baseTab := [8][2]uint8{
		{RegEBX, RegESI}, {RegEBX, RegEDI}, {RegEBP, RegESI}, {RegEBP, RegEDI},
		{RegESI, RegNone}, {RegEDI, RegNone}, {RegEBP, RegNone}, {RegEBX, RegNone},
	}
	if rmField == 6 && mod == 0 {
		v, err := s.u16()
		if err != nil {
			return 0, rm, err
		}
		disp = int32(int16(v))
		base, index = RegNone, RegNone
	} else {
		base, index = baseTab[rmField][0], baseTab[rmField][1]
		switch mod {
		case 1:
			d, err := s.i8()
			if err != nil {
				return 0, rm, err
			}
			disp = int32(d)
		case 2:
			v, err := s.u16()
			if err != nil {
				return 0, rm, err
			}
			disp = int32(int16(v))
		}
	}
	if seg == SegNone {
		seg = defaultSegment(base)
	}
	rm = Operand{Kind: KindMem, Size: opSize, Base: base, Index: index,
		Scale: 1, Disp: disp, Segment: seg, Tag: TagVar}
	return reg, rm, nil
}

func (s *scanner) addrSizeIs32() bool {
	return s.prefixes.AddrSize == (s.mode == Mode16)
}

func defaultSegment(base uint8) uint8 {
	if base == RegEBP || base == RegESP {
		return SegSS
	}
	return SegDS
}
