/*
 * vx86 - Opcode mnemonics.
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

// Mnemonic identifies an opcode row independent of operand size; with
// SizeFlag it uniquely identifies the opcode.
type Mnemonic uint16

const (
	MnInvalid Mnemonic = iota
	MnMov
	MnMovSegSel // mov to/from a segment register
	MnMovCR     // mov to/from a control register
	MnMovDR     // mov to/from a debug register
	MnLea
	MnPush
	MnPop
	MnXchg
	MnAdd
	MnAdc
	MnSub
	MnSbb
	MnAnd
	MnOr
	MnXor
	MnCmp
	MnTest
	MnInc
	MnDec
	MnShl
	MnShr
	MnSar
	MnRol
	MnRor
	MnJmp
	MnJmpFar
	MnJcc
	MnCall
	MnCallFar
	MnRet
	MnRetFar
	MnLoop
	MnLoopE
	MnLoopNE
	MnInt
	MnInto
	MnIret
	MnHlt
	MnCli
	MnSti
	MnIn
	MnOut
	MnIns
	MnOuts
	MnMovs
	MnStos
	MnLods
	MnScas
	MnCmps
	MnLgdt
	MnLidt
	MnSgdt
	MnSidt
	MnLldt
	MnLtr
	MnStr
	MnClts
	MnNop
	MnCbw
	MnCwd
	MnPushf
	MnPopf
	MnWait
)

var mnemonicNames = map[Mnemonic]string{
	MnInvalid:   "(invalid)",
	MnMov:       "mov",
	MnMovSegSel: "mov",
	MnMovCR:     "mov",
	MnMovDR:     "mov",
	MnLea:       "lea",
	MnPush:      "push",
	MnPop:       "pop",
	MnXchg:      "xchg",
	MnAdd:       "add",
	MnAdc:       "adc",
	MnSub:       "sub",
	MnSbb:       "sbb",
	MnAnd:       "and",
	MnOr:        "or",
	MnXor:       "xor",
	MnCmp:       "cmp",
	MnTest:      "test",
	MnInc:       "inc",
	MnDec:       "dec",
	MnShl:       "shl",
	MnShr:       "shr",
	MnSar:       "sar",
	MnRol:       "rol",
	MnRor:       "ror",
	MnJmp:       "jmp",
	MnJmpFar:    "ljmp",
	MnJcc:       "jcc",
	MnCall:      "call",
	MnCallFar:   "lcall",
	MnRet:       "ret",
	MnRetFar:    "lret",
	MnLoop:      "loop",
	MnLoopE:     "loope",
	MnLoopNE:    "loopne",
	MnInt:       "int",
	MnInto:      "into",
	MnIret:      "iret",
	MnHlt:       "hlt",
	MnCli:       "cli",
	MnSti:       "sti",
	MnIn:        "in",
	MnOut:       "out",
	MnIns:       "ins",
	MnOuts:      "outs",
	MnMovs:      "movs",
	MnStos:      "stos",
	MnLods:      "lods",
	MnScas:      "scas",
	MnCmps:      "cmps",
	MnLgdt:      "lgdt",
	MnLidt:      "lidt",
	MnSgdt:      "sgdt",
	MnSidt:      "sidt",
	MnLldt:      "lldt",
	MnLtr:       "ltr",
	MnStr:       "str",
	MnClts:      "clts",
	MnNop:       "nop",
	MnCbw:       "cbw",
	MnCwd:       "cwd",
	MnPushf:     "pushf",
	MnPopf:      "popf",
	MnWait:      "wait",
}

func (m Mnemonic) String() string {
	if s, ok := mnemonicNames[m]; ok {
		return s
	}
	return "(unknown)"
}

// IsTerminating reports whether this mnemonic ends a translation block:
// branches, returns, traps, hlt, and mode-changing control-register
// moves.
func (m Mnemonic) IsTerminating() bool {
	switch m {
	case MnJmp, MnJmpFar, MnJcc, MnCall, MnCallFar, MnRet, MnRetFar,
		MnLoop, MnLoopE, MnLoopNE, MnInt, MnInto, MnIret, MnHlt, MnMovCR:
		return true
	}
	return false
}

// IsPrivileged reports whether this mnemonic must always be translated
// to a callout rather than ever running directly in the guest.
func (m Mnemonic) IsPrivileged() bool {
	switch m {
	case MnMovCR, MnIn, MnOut, MnIns, MnOuts, MnInt, MnIret, MnHlt,
		MnCli, MnSti, MnLgdt, MnLidt, MnLldt, MnLtr, MnJmpFar, MnCallFar,
		MnRetFar, MnMovSegSel:
		return true
	}
	return false
}
