/*
 * vx86 - x86 instruction decoder.
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

// Package decode disassembles guest bytes into structured instructions,
// covering x86 legacy-prefix/opcode/ModRM/SIB/disp/imm encoding, and
// re-emits them via Encode.
package decode

import "fmt"

// OperandKind tags what a decoded operand refers to.
type OperandKind uint8

const (
	KindNone OperandKind = iota
	KindReg
	KindSeg
	KindMem
	KindImm
	KindRel
	KindCR
	KindDR
	KindTR
)

// Tag marks whether an operand position was bound by a template wildcard
// (Variable) or matched a fixed encoding (Const) — used by the peephole
// matcher to decide row applicability.
type Tag uint8

const (
	TagConst Tag = iota
	TagVar
)

// Register numbers, matching the x86 ModRM reg field encoding.
const (
	RegEAX = iota
	RegECX
	RegEDX
	RegEBX
	RegESP
	RegEBP
	RegESI
	RegEDI
	RegNone = 0xff
)

// Segment register numbers, matching the x86 segment-override encoding.
const (
	SegES = iota
	SegCS
	SegSS
	SegDS
	SegFS
	SegGS
	SegNone = 0xff
)

// Operand is one decoded instruction operand.
type Operand struct {
	Kind    OperandKind
	Tag     Tag
	Size    uint8 // operand size in bytes: 1, 2, 4
	Reg     uint8 // KindReg/KindSeg/KindCR/KindDR/KindTR register number
	Base    uint8 // KindMem base register, RegNone if absent
	Index   uint8 // KindMem index register, RegNone if absent
	Scale   uint8 // KindMem index scale: 1, 2, 4, 8
	Disp    int32 // KindMem/KindRel displacement
	Imm     int64 // KindImm immediate value
	Segment uint8 // effective segment for a KindMem operand
}

// IsMonitorPrivate reports whether this is a GS-based monitor-private
// memory operand, the trigger for the scratch-register address rewrite.
func (o Operand) IsMonitorPrivate() bool {
	return o.Kind == KindMem && o.Segment == SegGS
}

// PrefixSet records which legacy prefixes preceded the opcode.
type PrefixSet struct {
	Seg      uint8 // segment override, SegNone if none
	OpSize   bool  // 0x66 operand-size override
	AddrSize bool  // 0x67 address-size override
	Lock     bool  // 0xF0
	RepNZ    bool  // 0xF2
	RepZ     bool  // 0xF3
}

// Insn is a fully decoded guest instruction.
type Insn struct {
	Mnemonic    Mnemonic
	DispatchNum uint16 // row index into the opcode table; identifies the op uniquely with SizeFlag
	SizeFlag    uint8  // effective operand size: 2 (16-bit) or 4 (32-bit)
	AddrFlag    uint8  // effective address size: 2 or 4
	Prefixes    PrefixSet
	Operands    [3]Operand
	NumOperands int
	Len         int // total encoded length, bytes
	Terminating bool
	RawBytes    []byte // the exact guest bytes decoded (Len long)
}

// Op returns the i'th operand, or a zero Operand if out of range.
func (in *Insn) Op(i int) Operand {
	if i < 0 || i >= in.NumOperands {
		return Operand{Kind: KindNone}
	}
	return in.Operands[i]
}

// Mode is the decoder's ambient operand-size hint: 2 in real mode, 4 in
// protected mode.
type Mode uint8

const (
	Mode16 Mode = 2
	Mode32 Mode = 4
)

// ErrTruncated reports that the byte slice ended mid-instruction.
type ErrTruncated struct{ At int }

func (e ErrTruncated) Error() string {
	return fmt.Sprintf("decode: truncated instruction at offset %d", e.At)
}

// ErrUnknownOpcode reports an opcode byte with no table row.
type ErrUnknownOpcode struct{ Opcode uint16 }

func (e ErrUnknownOpcode) Error() string {
	return fmt.Sprintf("decode: unknown opcode %#x", e.Opcode)
}

// Decoder holds the ambient mode (real vs. protected) the byte stream is
// decoded under. It carries no other state: Decode is a pure function of
// (mode, bytes).
type Decoder struct {
	Mode Mode
}

// NewDecoder returns a Decoder for the given default operand-size mode.
func NewDecoder(mode Mode) *Decoder {
	return &Decoder{Mode: mode}
}

// Decode consumes bytes at code[0:] and returns the structured instruction
// plus its length. It is deterministic: the same bytes under the same mode
// always yield the same Insn.
func (d *Decoder) Decode(code []byte) (Insn, error) {
	s := &scanner{buf: code, mode: d.Mode}
	return s.decodeOne()
}
