/*
 * vx86 - Instruction simulator test cases.
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

package simulate

import (
	"testing"

	"github.com/rcornwell/vx86/decode"
	"github.com/rcornwell/vx86/vcpu"
)

func TestDirectionFollowsDFFlag(t *testing.T) {
	if Direction(0) != 1 {
		t.Fatalf("Direction(DF=0) = %d, want 1", Direction(0))
	}
	if Direction(1<<10) != -1 {
		t.Fatalf("Direction(DF=1) = %d, want -1", Direction(1<<10))
	}
}

func TestExecuteMovMemReg(t *testing.T) {
	v := &vcpu.VCPU{}
	v.GPR[decode.RegEAX] = 0x12345678
	mem := make(LinearMemory, 16)

	in := decode.Insn{
		Mnemonic:    decode.MnMov,
		Len:         3,
		NumOperands: 2,
		Operands: [3]decode.Operand{
			{Kind: decode.KindMem, Size: 4},
			{Kind: decode.KindReg, Size: 4, Reg: decode.RegEAX},
		},
	}

	if err := Execute(v, mem, in, 4); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	got := uint32(mem[4]) | uint32(mem[5])<<8 | uint32(mem[6])<<16 | uint32(mem[7])<<24
	if got != 0x12345678 {
		t.Fatalf("mem[4:8] = %#x, want 0x12345678", got)
	}
	if v.EIP != 3 {
		t.Fatalf("EIP = %d, want 3", v.EIP)
	}
}

func TestExecuteMovRegMem(t *testing.T) {
	v := &vcpu.VCPU{}
	mem := make(LinearMemory, 16)
	mem[8], mem[9], mem[10], mem[11] = 0x78, 0x56, 0x34, 0x12

	in := decode.Insn{
		Mnemonic:    decode.MnMov,
		Len:         3,
		NumOperands: 2,
		Operands: [3]decode.Operand{
			{Kind: decode.KindReg, Size: 4, Reg: decode.RegEBX},
			{Kind: decode.KindMem, Size: 4},
		},
	}
	if err := Execute(v, mem, in, 8); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if v.GPR[decode.RegEBX] != 0x12345678 {
		t.Fatalf("EBX = %#x, want 0x12345678", v.GPR[decode.RegEBX])
	}
}

func TestExecutePushPop(t *testing.T) {
	v := &vcpu.VCPU{}
	v.GPR[decode.RegESP] = 0x100
	v.GPR[decode.RegEAX] = 0xdeadbeef
	mem := make(LinearMemory, 0x200)

	push := decode.Insn{
		Mnemonic: decode.MnPush, Len: 1, NumOperands: 1,
		Operands: [3]decode.Operand{{Kind: decode.KindReg, Size: 4, Reg: decode.RegEAX}},
	}
	if err := Execute(v, mem, push, 0xfc); err != nil {
		t.Fatalf("push Execute() error = %v", err)
	}
	if v.GPR[decode.RegESP] != 0xfc {
		t.Fatalf("ESP after push = %#x, want 0xfc", v.GPR[decode.RegESP])
	}

	v.GPR[decode.RegEBX] = 0
	pop := decode.Insn{
		Mnemonic: decode.MnPop, Len: 1, NumOperands: 1,
		Operands: [3]decode.Operand{{Kind: decode.KindReg, Size: 4, Reg: decode.RegEBX}},
	}
	if err := Execute(v, mem, pop, 0xfc); err != nil {
		t.Fatalf("pop Execute() error = %v", err)
	}
	if v.GPR[decode.RegEBX] != 0xdeadbeef {
		t.Fatalf("EBX after pop = %#x, want 0xdeadbeef", v.GPR[decode.RegEBX])
	}
	if v.GPR[decode.RegESP] != 0x100 {
		t.Fatalf("ESP after pop = %#x, want back to 0x100", v.GPR[decode.RegESP])
	}
}

// TestExecuteStosAdvancesEDIAndDecrementsCountOnce exercises the rep
// single-element rule: one rep iteration writes exactly one element and
// advances edi/ecx by exactly one step, never the whole count at once.
func TestExecuteStosAdvancesEDIAndDecrementsCountOnce(t *testing.T) {
	v := &vcpu.VCPU{}
	v.GPR[decode.RegEAX] = 0x41414141
	v.GPR[decode.RegEDI] = 0x10
	v.GPR[decode.RegECX] = 3
	mem := make(LinearMemory, 0x100)

	in := decode.Insn{
		Mnemonic: decode.MnStos, Len: 1, SizeFlag: 4,
		Prefixes: decode.PrefixSet{RepZ: true},
	}
	if err := Execute(v, mem, in, 0x10); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if v.GPR[decode.RegECX] != 2 {
		t.Fatalf("ECX after one stos element = %d, want 2", v.GPR[decode.RegECX])
	}
	if v.GPR[decode.RegEDI] != 0x14 {
		t.Fatalf("EDI after one stos element = %#x, want 0x14", v.GPR[decode.RegEDI])
	}
	if v.EIP != 0 {
		t.Fatalf("EIP advanced to %#x after a non-terminal rep iteration, want unchanged", v.EIP)
	}
	got := uint32(mem[0x10]) | uint32(mem[0x11])<<8 | uint32(mem[0x12])<<16 | uint32(mem[0x13])<<24
	if got != 0x41414141 {
		t.Fatalf("mem[0x10:0x14] = %#x, want 0x41414141", got)
	}
}

// TestExecuteStosAdvancesEIPWhenRepCompletes checks the terminal
// iteration: once ecx reaches 0 the rep prefix is done and eip must
// finally move past the instruction.
func TestExecuteStosAdvancesEIPWhenRepCompletes(t *testing.T) {
	v := &vcpu.VCPU{}
	v.GPR[decode.RegEDI] = 0x10
	v.GPR[decode.RegECX] = 1
	mem := make(LinearMemory, 0x100)

	in := decode.Insn{
		Mnemonic: decode.MnStos, Len: 2, SizeFlag: 1,
		Prefixes: decode.PrefixSet{RepZ: true},
	}
	if err := Execute(v, mem, in, 0x10); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if v.GPR[decode.RegECX] != 0 {
		t.Fatalf("ECX = %d, want 0", v.GPR[decode.RegECX])
	}
	if v.EIP != 2 {
		t.Fatalf("EIP = %d, want 2 once rep completes", v.EIP)
	}
}

func TestExecuteUnsupportedMnemonicReturnsError(t *testing.T) {
	v := &vcpu.VCPU{}
	mem := make(LinearMemory, 16)
	in := decode.Insn{Mnemonic: decode.MnAdd}
	err := Execute(v, mem, in, 0)
	if _, ok := err.(ErrUnsupported); !ok {
		t.Fatalf("Execute() error = %v (%T), want ErrUnsupported", err, err)
	}
}
