/*
 * vx86 - Decoder test cases.
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

import (
	"bytes"
	"testing"
)

func mustDecode(t *testing.T, code []byte, mode Mode) Insn {
	t.Helper()
	d := NewDecoder(mode)
	in, err := d.Decode(code)
	if err != nil {
		t.Fatalf("Decode(% x) = %v", code, err)
	}
	return in
}

func TestDecodeMovImm32(t *testing.T) {
	in := mustDecode(t, []byte{0xb8, 0x78, 0x56, 0x34, 0x12}, Mode32)
	if in.Mnemonic != MnMov {
		t.Fatalf("Mnemonic = %v, want mov", in.Mnemonic)
	}
	if in.NumOperands != 2 || in.Op(0).Reg != RegEAX || in.Op(1).Imm != 0x12345678 {
		t.Fatalf("operands = %+v", in.Operands)
	}
	if in.Len != 5 {
		t.Fatalf("Len = %d, want 5", in.Len)
	}
}

func TestDecodeAddRegReg(t *testing.T) {
	in := mustDecode(t, []byte{0x01, 0xd8}, Mode32)
	if in.Mnemonic != MnAdd {
		t.Fatalf("Mnemonic = %v, want add", in.Mnemonic)
	}
	if in.Op(0).Reg != RegEAX || in.Op(1).Reg != RegEBX {
		t.Fatalf("operands = %+v", in.Operands)
	}
}

func TestDecodeMovMemDisp8(t *testing.T) {
	in := mustDecode(t, []byte{0x8b, 0x43, 0x04}, Mode32)
	if in.Mnemonic != MnMov {
		t.Fatalf("Mnemonic = %v", in.Mnemonic)
	}
	mem := in.Op(1)
	if mem.Kind != KindMem || mem.Base != RegEBX || mem.Disp != 4 || mem.Segment != SegDS {
		t.Fatalf("mem operand = %+v", mem)
	}
}

func TestDecodeJmpRel8(t *testing.T) {
	in := mustDecode(t, []byte{0xeb, 0x02}, Mode32)
	if in.Mnemonic != MnJmp || !in.Terminating {
		t.Fatalf("Mnemonic/Terminating = %v/%v", in.Mnemonic, in.Terminating)
	}
	if in.Op(0).Disp != 2 {
		t.Fatalf("Disp = %d, want 2", in.Op(0).Disp)
	}
}

func TestDecodeIntImm8(t *testing.T) {
	in := mustDecode(t, []byte{0xcd, 0x80}, Mode32)
	if in.Mnemonic != MnInt || !in.Terminating {
		t.Fatalf("Mnemonic/Terminating = %v/%v", in.Mnemonic, in.Terminating)
	}
	if in.Op(0).Imm != 0x80 {
		t.Fatalf("Imm = %#x, want 0x80", in.Op(0).Imm)
	}
}

func TestDecodeSegmentOverrideMarksMonitorPrivate(t *testing.T) {
	// mov eax, gs:[ebx] -- 0x65 prefix, then 0x8b /r.
	in := mustDecode(t, []byte{0x65, 0x8b, 0x03}, Mode32)
	mem := in.Op(1)
	if !mem.IsMonitorPrivate() {
		t.Fatalf("expected gs-segmented memory operand to be monitor-private: %+v", mem)
	}
}

func TestDecodeTruncatedInstruction(t *testing.T) {
	_, err := NewDecoder(Mode32).Decode([]byte{0xb8, 0x01, 0x02})
	if _, ok := err.(ErrTruncated); !ok {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
}

func TestDecodeUnknownOpcode(t *testing.T) {
	// 0x0f with a second byte this table doesn't recognize.
	_, err := NewDecoder(Mode32).Decode([]byte{0x0f, 0xff})
	if _, ok := err.(ErrUnknownOpcode); !ok {
		t.Fatalf("err = %v, want ErrUnknownOpcode", err)
	}
}

// roundTrip re-decodes the freshly-encoded bytes for an Insn with its
// RawBytes cleared, exercising encodeFresh rather than the RawBytes
// passthrough fast path.
func roundTrip(t *testing.T, code []byte, mode Mode) {
	t.Helper()
	in := mustDecode(t, code, mode)
	in.RawBytes = nil
	out, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode(%+v) = %v", in, err)
	}
	if !bytes.Equal(out, code) {
		t.Fatalf("Encode round-trip = % x, want % x", out, code)
	}
	again := mustDecode(t, out, mode)
	if again.Mnemonic != in.Mnemonic || again.NumOperands != in.NumOperands {
		t.Fatalf("re-decoded insn diverges: %+v vs %+v", again, in)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	cases := [][]byte{
		{0xb8, 0x78, 0x56, 0x34, 0x12}, // mov eax, imm32
		{0x01, 0xd8},                  // add eax, ebx
		{0x8b, 0x43, 0x04},            // mov eax, [ebx+4]
		{0x50},                        // push eax
		{0xeb, 0x02},                  // jmp rel8
		{0xcd, 0x80},                  // int 0x80
		{0xf4},                        // hlt
		{0x90},                        // nop
	}
	for _, c := range cases {
		roundTrip(t, c, Mode32)
	}
}

func TestEncodeTrustsRawBytesVerbatim(t *testing.T) {
	in := mustDecode(t, []byte{0x8b, 0x43, 0x04}, Mode32)
	out, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode = %v", err)
	}
	if !bytes.Equal(out, in.RawBytes) {
		t.Fatalf("Encode = % x, want RawBytes % x", out, in.RawBytes)
	}
}

func TestIsPrivilegedCoversCalloutClasses(t *testing.T) {
	priv := []Mnemonic{MnMovCR, MnIn, MnOut, MnInt, MnIret, MnHlt, MnCli, MnSti, MnLgdt, MnLidt, MnLldt, MnLtr}
	for _, m := range priv {
		if !m.IsPrivileged() {
			t.Errorf("%v.IsPrivileged() = false, want true", m)
		}
	}
	if MnAdd.IsPrivileged() {
		t.Errorf("MnAdd.IsPrivileged() = true, want false")
	}
}
