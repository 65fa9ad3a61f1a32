/*
 * vx86 - Peephole rule table.
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

package peephole

import "github.com/rcornwell/vx86/decode"

// scratchPool is the host register pool temporaries are allocated from,
// excluding ESP (never usable as a scratch since it is the host stack
// pointer during translated-code execution).
var scratchPool = []uint8{decode.RegEAX, decode.RegECX, decode.RegEDX, decode.RegEBX, decode.RegESI, decode.RegEDI}

// DefaultScratchPool returns the host register pool AllocateTemporaries
// draws from absent a caller-supplied pool (e.g. one narrowed by which
// registers the surrounding TB has already committed to other uses).
func DefaultScratchPool() []uint8 {
	return append([]uint8(nil), scratchPool...)
}

// DefaultTable builds the stock row set: register-register ALU forms,
// register-immediate forms, the monitor-private load/store rewrite, and
// direct/indirect control transfer.
func DefaultTable() *Table {
	var rows []*Row

	aluMnemonics := []decode.Mnemonic{decode.MnAdd, decode.MnSub, decode.MnAnd, decode.MnOr, decode.MnXor, decode.MnCmp}
	for _, mn := range aluMnemonics {
		rows = append(rows, aluRegRegRow(mn), aluRegImmRow(mn))
	}
	rows = append(rows, monitorPrivateLoadRow(), monitorPrivateStoreRow())
	rows = append(rows, directJumpRow(), directCallRow(), indirectJumpRow())

	// Every stock row is mode-agnostic: applicable whether the translator
	// is running under the real- or protected-mode constraint set.
	for _, r := range rows {
		r.Constraints |= ConstraintProtected | ConstraintReal
	}

	return NewTable(rows)
}

func aluRegRegRow(mn decode.Mnemonic) *Row {
	return &Row{
		Label:       "alu-reg-reg:" + mn.String(),
		Constraints: 0,
		Template: []TemplateInsn{{
			Mnemonic: mn,
			Operands: []TemplateOperand{
				{Kind: decode.KindReg, Tag: decode.TagVar, WildcardID: 0},
				{Kind: decode.KindReg, Tag: decode.TagVar, WildcardID: 1},
			},
		}},
		Emit: func(a *Assignment, ctx EmitContext) (EmitResult, error) {
			dst, src := a.Wildcards[0], a.Wildcards[1]
			in := decode.Insn{Mnemonic: mn, SizeFlag: dst.Size, NumOperands: 2}
			in.Operands[0], in.Operands[1] = dst, src
			code, err := decode.Encode(in)
			return EmitResult{Code: code, EdgeOffset: [2]int{-1, -1}, JmpOffset: [2]int{-1, -1}}, err
		},
	}
}

func aluRegImmRow(mn decode.Mnemonic) *Row {
	return &Row{
		Label:       "alu-reg-imm:" + mn.String(),
		Constraints: 0,
		Template: []TemplateInsn{{
			Mnemonic: mn,
			Operands: []TemplateOperand{
				{Kind: decode.KindReg, Tag: decode.TagVar, WildcardID: 0},
				{Kind: decode.KindImm, Tag: decode.TagVar, WildcardID: 1},
			},
		}},
		Emit: func(a *Assignment, ctx EmitContext) (EmitResult, error) {
			dst, imm := a.Wildcards[0], a.Wildcards[1]
			in := decode.Insn{Mnemonic: mn, SizeFlag: dst.Size, NumOperands: 2}
			in.Operands[0], in.Operands[1] = dst, imm
			code, err := decode.Encode(in)
			return EmitResult{Code: code, EdgeOffset: [2]int{-1, -1}, JmpOffset: [2]int{-1, -1}}, err
		},
	}
}

// monitorPrivateLoadRow rewrites "mov reg, gs:[mem]" into a
// scratch-based address computation: the effective address is computed
// into a temporary, then the load reads through that temporary with a
// single GS override.
func monitorPrivateLoadRow() *Row {
	return &Row{
		Label:          "monitor-private-load",
		NumTemporaries: 1,
		TemporaryTags:  []TempTag{TempAny},
		Template: []TemplateInsn{{
			Mnemonic: decode.MnMov,
			Operands: []TemplateOperand{
				{Kind: decode.KindReg, Tag: decode.TagVar, WildcardID: 0},
				{Kind: decode.KindMem, Tag: decode.TagVar, WildcardID: 1},
			},
		}},
		Emit: func(a *Assignment, ctx EmitContext) (EmitResult, error) {
			mem := a.Wildcards[1]
			if !mem.IsMonitorPrivate() {
				return EmitResult{}, errNotApplicable
			}
			dst := a.Wildcards[0]
			scratch := a.Temps[0]
			var code []byte
			lea := decode.Insn{Mnemonic: decode.MnLea, SizeFlag: 4, NumOperands: 2}
			lea.Operands[0] = decode.Operand{Kind: decode.KindReg, Size: 4, Reg: scratch}
			lea.Operands[1] = mem
			leaBytes, err := decode.Encode(lea)
			if err != nil {
				return EmitResult{}, err
			}
			code = append(code, leaBytes...)
			load := decode.Insn{Mnemonic: decode.MnMov, SizeFlag: dst.Size, NumOperands: 2}
			load.Prefixes.Seg = decode.SegGS
			load.Operands[0] = dst
			load.Operands[1] = decode.Operand{Kind: decode.KindMem, Size: dst.Size, Base: scratch,
				Index: decode.RegNone, Scale: 1, Segment: decode.SegGS}
			loadBytes, err := decode.Encode(load)
			if err != nil {
				return EmitResult{}, err
			}
			code = append(code, loadBytes...)
			return EmitResult{Code: code, EdgeOffset: [2]int{-1, -1}, JmpOffset: [2]int{-1, -1}}, nil
		},
	}
}

func monitorPrivateStoreRow() *Row {
	return &Row{
		Label:          "monitor-private-store",
		NumTemporaries: 1,
		TemporaryTags:  []TempTag{TempAny},
		Template: []TemplateInsn{{
			Mnemonic: decode.MnMov,
			Operands: []TemplateOperand{
				{Kind: decode.KindMem, Tag: decode.TagVar, WildcardID: 0},
				{Kind: decode.KindReg, Tag: decode.TagVar, WildcardID: 1},
			},
		}},
		Emit: func(a *Assignment, ctx EmitContext) (EmitResult, error) {
			mem := a.Wildcards[0]
			if !mem.IsMonitorPrivate() {
				return EmitResult{}, errNotApplicable
			}
			src := a.Wildcards[1]
			scratch := a.Temps[0]
			var code []byte
			lea := decode.Insn{Mnemonic: decode.MnLea, SizeFlag: 4, NumOperands: 2}
			lea.Operands[0] = decode.Operand{Kind: decode.KindReg, Size: 4, Reg: scratch}
			lea.Operands[1] = mem
			leaBytes, err := decode.Encode(lea)
			if err != nil {
				return EmitResult{}, err
			}
			code = append(code, leaBytes...)
			store := decode.Insn{Mnemonic: decode.MnMov, SizeFlag: src.Size, NumOperands: 2}
			store.Prefixes.Seg = decode.SegGS
			store.Operands[0] = decode.Operand{Kind: decode.KindMem, Size: src.Size, Base: scratch,
				Index: decode.RegNone, Scale: 1, Segment: decode.SegGS}
			store.Operands[1] = src
			storeBytes, err := decode.Encode(store)
			if err != nil {
				return EmitResult{}, err
			}
			code = append(code, storeBytes...)
			return EmitResult{Code: code, EdgeOffset: [2]int{-1, -1}, JmpOffset: [2]int{-1, -1}}, nil
		},
	}
}

// directJumpRow emits an unconditional jump whose displacement slot is
// initially unchained (pointing at the monitor fallthrough stub): the
// caller patches JmpOffset once the successor TB is known.
func directJumpRow() *Row {
	return &Row{
		Label: "direct-jmp",
		Template: []TemplateInsn{{
			Mnemonic: decode.MnJmp,
			Operands: []TemplateOperand{{Kind: decode.KindRel, Tag: decode.TagVar, WildcardID: 0}},
		}},
		Emit: func(a *Assignment, ctx EmitContext) (EmitResult, error) {
			code := []byte{0xe9, 0, 0, 0, 0} // jmp rel32, patched later
			return EmitResult{Code: code, EdgeOffset: [2]int{0, -1}, JmpOffset: [2]int{1, -1}}, nil
		},
	}
}

func directCallRow() *Row {
	return &Row{
		Label: "direct-call",
		Template: []TemplateInsn{{
			Mnemonic: decode.MnCall,
			Operands: []TemplateOperand{{Kind: decode.KindRel, Tag: decode.TagVar, WildcardID: 0}},
		}},
		Emit: func(a *Assignment, ctx EmitContext) (EmitResult, error) {
			code := []byte{0xe8, 0, 0, 0, 0}
			return EmitResult{Code: code, EdgeOffset: [2]int{0, -1}, JmpOffset: [2]int{1, -1}}, nil
		},
	}
}

// indirectJumpRow covers the "jmp reg" form, which cannot be chained
// directly: it falls back to the monitor's L1/L2 jumptable lookup stub
// every time. A "jmp [mem]" operand does not match its template.
func indirectJumpRow() *Row {
	return &Row{
		Label: "indirect-jmp",
		Template: []TemplateInsn{{
			Mnemonic: decode.MnJmp,
			Operands: []TemplateOperand{{Kind: decode.KindReg, Tag: decode.TagVar, WildcardID: 0}},
		}},
		Emit: func(a *Assignment, ctx EmitContext) (EmitResult, error) {
			in := decode.Insn{Mnemonic: decode.MnCall, SizeFlag: 4, NumOperands: 1}
			// Re-encoded as a call into the monitor's jumptable-lookup
			// trampoline. The rel32 is left zero: the row reports no
			// JmpOffset, so tbcache's chaining never patches it.
			in.Operands[0] = decode.Operand{Kind: decode.KindRel, Tag: decode.TagConst}
			code := []byte{0xe8, 0, 0, 0, 0}
			return EmitResult{Code: code, EdgeOffset: [2]int{-1, -1}, JmpOffset: [2]int{-1, -1}}, nil
		},
	}
}

// errNotApplicable signals a row whose template matched structurally but
// whose semantic precondition (e.g. "operand is monitor-private") failed;
// the caller (translate.Translate) falls through to the mode-translate
// fallback.
var errNotApplicable = notApplicableError{}

type notApplicableError struct{}

func (notApplicableError) Error() string { return "peephole: row not applicable to this match" }
