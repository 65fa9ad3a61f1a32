/*
 * vx86 - Peephole template matcher.
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

// Package peephole implements the template-matched instruction
// rewriter: guest instruction sequences are hashed by a coarse opcode
// signature, matched against template rows, and on success lowered to
// host bytes plus chaining/rollback metadata.
//
// A row carries its template, CPU-mode constraints, temporary-register
// demands, and nomatch pairs, plus a closure that emits the lowered
// bytes for a successful match.
package peephole

import "github.com/rcornwell/vx86/decode"

// Constraint is the CPU-mode/context bitmask a row is valid under.
type Constraint uint8

const (
	ConstraintProtected Constraint = 1 << iota
	ConstraintReal
	ConstraintNoExcp
	ConstraintSimulate
	ConstraintForcedCallout
)

// satisfies reports whether the active constraint set is a subset of
// the row's declared constraints.
func (row Constraint) satisfies(active Constraint) bool {
	return active&^row == 0
}

// TempTag constrains which host registers a temporary may be allocated
// from.
type TempTag uint8

const (
	TempAny TempTag = iota
	TempEAX
	TempABCD
	TempNoESP
)

// allows reports whether reg may be bound to a temporary carrying this tag.
func (t TempTag) allows(reg uint8) bool {
	switch t {
	case TempEAX:
		return reg == decode.RegEAX
	case TempABCD:
		return reg <= decode.RegEBX
	case TempNoESP:
		return reg != decode.RegESP
	default:
		return true
	}
}

// TemplateOperand is one operand slot in a template instruction. A
// TagConst slot must match a literal operand value; a TagVar slot binds
// a wildcard id to whatever concrete operand appears there, subject to
// coherence on repeated use.
type TemplateOperand struct {
	Kind       decode.OperandKind
	Tag        decode.Tag
	WildcardID int     // meaningful when Tag == TagVar
	Const      decode.Operand // meaningful when Tag == TagConst
}

// TemplateInsn is one instruction slot in a peephole row's template
// sequence.
type TemplateInsn struct {
	Mnemonic decode.Mnemonic
	Operands []TemplateOperand
}

// NomatchPair forbids a wildcard from being bound to an operand already
// occupying the paired wildcard's register.
type NomatchPair struct {
	WildcardA, WildcardB int
}

// Row is one peephole table entry.
type Row struct {
	Label          string
	Template       []TemplateInsn
	Constraints    Constraint
	NumTemporaries int
	TemporaryTags  []TempTag
	NomatchPairs   []NomatchPair

	// Emit lowers a successful match (assignment plus chosen
	// temporaries) to host bytes and chaining/rollback metadata.
	// Concrete rows close over their own code-generation logic rather
	// than branching on a type tag at dispatch time.
	Emit func(a *Assignment, ctx EmitContext) (EmitResult, error)
}

// EmitContext carries the addressing information emission needs that
// isn't part of the matched instructions themselves.
type EmitContext struct {
	CurAddr         uint32
	FallthroughAddr uint32
	IsTerminating   bool
}

// EmitResult is one emission's output: the translated bytes plus where
// the chaining/rollback metadata lives within them.
type EmitResult struct {
	Code         []byte
	EdgeOffset   [2]int // -1 if the edge does not exist
	JmpOffset    [2]int
	RollbackCode []byte
	RollbackOff  int // offset within Code the rollback replaces
}

// Assignment records the wildcard bindings and chosen temporaries for one
// successful match.
type Assignment struct {
	Wildcards map[int]decode.Operand
	Temps     []uint8 // chosen host registers, len == matched Row.NumTemporaries
}

func newAssignment() *Assignment {
	return &Assignment{Wildcards: make(map[int]decode.Operand)}
}

// bind attempts to bind a wildcard id to a concrete operand, enforcing
// coherence: a second use of a bound wildcard must agree with the
// first.
func (a *Assignment) bind(id int, op decode.Operand) bool {
	if existing, ok := a.Wildcards[id]; ok {
		return existing == op
	}
	a.Wildcards[id] = op
	return true
}

// signature is the coarse opcode hash rows are bucketed by: the
// mnemonic sequence of the template, independent of operand values.
func signature(mnemonics []decode.Mnemonic) uint64 {
	var h uint64 = 14695981039346656037 // FNV offset basis
	for _, m := range mnemonics {
		h ^= uint64(m)
		h *= 1099511628211
	}
	return h
}

// Table is the full peephole row set, bucketed by signature so a match
// attempt only iterates rows sharing the window's mnemonic sequence.
type Table struct {
	buckets map[uint64][]*Row
}

// NewTable builds a Table from a flat row list.
func NewTable(rows []*Row) *Table {
	t := &Table{buckets: make(map[uint64][]*Row)}
	for _, r := range rows {
		mns := make([]decode.Mnemonic, len(r.Template))
		for i, ti := range r.Template {
			mns[i] = ti.Mnemonic
		}
		sig := signature(mns)
		t.buckets[sig] = append(t.buckets[sig], r)
	}
	return t
}

// Match attempts to match insns (in order) against every row in the
// signature bucket matching insns' own mnemonic sequence. It returns the
// first row whose template is structurally and coherently satisfied
// under the active constraints, along with the resulting assignment.
func (t *Table) Match(insns []decode.Insn, active Constraint) (*Row, *Assignment, bool) {
	if len(insns) == 0 {
		return nil, nil, false
	}
	mns := make([]decode.Mnemonic, 0, len(insns))
	for _, in := range insns {
		mns = append(mns, in.Mnemonic)
	}
	for n := len(insns); n >= 1; n-- {
		sig := signature(mns[:n])
		for _, row := range t.buckets[sig] {
			if !row.Constraints.satisfies(active) {
				continue
			}
			if len(row.Template) != n {
				continue
			}
			if a, ok := matchRow(row, insns[:n]); ok {
				return row, a, true
			}
		}
	}
	return nil, nil, false
}

func matchRow(row *Row, insns []decode.Insn) (*Assignment, bool) {
	a := newAssignment()
	for i, tmpl := range row.Template {
		in := insns[i]
		if tmpl.Mnemonic != in.Mnemonic {
			return nil, false
		}
		if len(tmpl.Operands) != in.NumOperands {
			return nil, false
		}
		for j, top := range tmpl.Operands {
			op := in.Op(j)
			if top.Kind != op.Kind {
				return nil, false
			}
			switch top.Tag {
			case decode.TagConst:
				if top.Const != op {
					return nil, false
				}
			case decode.TagVar:
				if !a.bind(top.WildcardID, op) {
					return nil, false
				}
			}
		}
	}
	for _, p := range row.NomatchPairs {
		va, oka := a.Wildcards[p.WildcardA]
		vb, okb := a.Wildcards[p.WildcardB]
		if oka && okb && va.Kind == decode.KindReg && vb.Kind == decode.KindReg && va.Reg == vb.Reg {
			return nil, false
		}
	}
	return a, true
}

// AllocateTemporaries chooses NumTemporaries host registers for row,
// honoring each slot's TempTag and avoiding registers already bound by
// the match.
func AllocateTemporaries(row *Row, a *Assignment, pool []uint8) ([]uint8, bool) {
	used := make(map[uint8]bool)
	for _, op := range a.Wildcards {
		if op.Kind == decode.KindReg {
			used[op.Reg] = true
		}
	}
	chosen := make([]uint8, 0, row.NumTemporaries)
	for i := 0; i < row.NumTemporaries; i++ {
		tag := TempAny
		if i < len(row.TemporaryTags) {
			tag = row.TemporaryTags[i]
		}
		found := false
		for _, reg := range pool {
			if used[reg] || !tag.allows(reg) {
				continue
			}
			used[reg] = true
			chosen = append(chosen, reg)
			found = true
			break
		}
		if !found {
			return nil, false
		}
	}
	a.Temps = chosen
	return chosen, true
}
