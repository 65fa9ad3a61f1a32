/*
 * vx86 - Basic block translator.
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

// Package translate drives the peephole matcher over a guest basic
// block to build one translation-block's worth of host bytes. The
// result is a plain value (Result) rather than an output written
// through a dozen pointer parameters.
package translate

import (
	"fmt"

	"github.com/rcornwell/vx86/decode"
	"github.com/rcornwell/vx86/peephole"
)

// Rollback is one instruction's alternate recovery code sequence: the
// bytes re-executed to rewind a translated instruction that faulted
// partway through, plus the offset in the main code they replace.
type Rollback struct {
	CodeOffset int // offset within Result.Code this rollback replaces
	Buf        []byte
}

// lookaheadWindow bounds how many upcoming instructions are offered to
// a single peephole match attempt; rows in this repository's table
// never span more than two instructions, so four is generous headroom
// without unbounded re-scanning.
const lookaheadWindow = 4

// MaxInsnsDefault caps how many instructions one translation unit may
// span; exported so config can override it.
const MaxInsnsDefault = 64

// Result is one translated basic block, the Go-native replacement for
// tb.c's flat output-parameter list.
type Result struct {
	Code            []byte
	NumInsns        int
	GuestLen        int // guest bytes consumed
	EdgeOffset      [2]int
	JmpOffset       [2]int
	EIPBoundaries   []int // guest-byte offset where each instruction starts
	TCBoundaries    []int // host-byte offset where each instruction's translation starts
	Rollbacks       []Rollback
	IsTerminating   bool
	StiFallthrough  bool // the NEXT guest instruction needs an IF re-enable + IRQ-poll epilogue
	FallthroughAddr uint32
}

// IsMonitorVisible classifies a decoded memory operand as targeting
// monitor-private state, the predicate the scratch rewrite and the
// mode-translate fallback both key off of.
type IsMonitorVisible func(op decode.Operand) bool

// Translate decodes guest instructions starting at eipVirt until a
// terminating opcode or maxInsns is reached, matching
// each instruction window against table before falling back to
// peephole.ModeTranslate.
func Translate(code []byte, eipVirt uint32, mode decode.Mode, table *peephole.Table,
	constraints peephole.Constraint, maxInsns int, visible IsMonitorVisible) (Result, error) {
	if maxInsns <= 0 {
		maxInsns = MaxInsnsDefault
	}
	dec := decode.NewDecoder(mode)

	var res Result
	pos := 0
	prevWasSti := false

	for res.NumInsns < maxInsns && pos < len(code) {
		window, werr := decodeWindow(dec, code[pos:], lookaheadWindow)
		if werr != nil && len(window) == 0 {
			return res, werr
		}
		if len(window) == 0 {
			break
		}

		res.EIPBoundaries = append(res.EIPBoundaries, pos)
		res.TCBoundaries = append(res.TCBoundaries, len(res.Code))

		ctx := peephole.EmitContext{
			CurAddr:       eipVirt + uint32(pos),
			IsTerminating: window[0].Terminating,
		}

		emitted, consumed, err := emitOne(table, window, constraints, ctx, visible)
		if err != nil {
			return res, err
		}
		if emitted.RollbackCode != nil {
			res.Rollbacks = append(res.Rollbacks, Rollback{
				CodeOffset: len(res.Code) + emitted.RollbackOff,
				Buf:        emitted.RollbackCode,
			})
		}
		for i, off := range emitted.EdgeOffset {
			if off >= 0 {
				res.EdgeOffset[i] = len(res.Code) + off
			}
		}
		for i, off := range emitted.JmpOffset {
			if off >= 0 {
				res.JmpOffset[i] = len(res.Code) + off
			}
		}
		res.Code = append(res.Code, emitted.Code...)

		first := window[0]
		if prevWasSti {
			res.StiFallthrough = true
		}
		prevWasSti = first.Mnemonic == decode.MnSti

		pos += first.Len
		res.NumInsns++

		if consumed > 1 {
			// A multi-instruction row matched; skip the instructions it
			// consumed beyond the first so the outer loop doesn't
			// re-decode bytes the row already folded in.
			for i := 1; i < consumed; i++ {
				pos += window[i].Len
				res.NumInsns++
			}
		}

		if first.Terminating {
			res.IsTerminating = true
			break
		}
	}

	res.GuestLen = pos
	if !res.IsTerminating {
		res.FallthroughAddr = eipVirt + uint32(pos)
	}
	return res, nil
}

// decodeWindow decodes up to n instructions starting at buf[0], stopping
// early (without error) once a terminating opcode or decode error is hit,
// as long as at least one instruction decoded successfully.
func decodeWindow(dec *decode.Decoder, buf []byte, n int) ([]decode.Insn, error) {
	var window []decode.Insn
	off := 0
	for i := 0; i < n && off < len(buf); i++ {
		in, err := dec.Decode(buf[off:])
		if err != nil {
			if len(window) == 0 {
				return nil, err
			}
			break
		}
		window = append(window, in)
		off += in.Len
		if in.Terminating {
			break
		}
	}
	return window, nil
}

func emitOne(table *peephole.Table, window []decode.Insn, constraints peephole.Constraint,
	ctx peephole.EmitContext, visible IsMonitorVisible) (peephole.EmitResult, int, error) {
	row, a, ok := table.Match(window, constraints)
	if ok {
		if row.NumTemporaries > 0 {
			if _, tok := peephole.AllocateTemporaries(row, a, peephole.DefaultScratchPool()); !tok {
				ok = false
			}
		}
	}
	if ok {
		res, err := row.Emit(a, ctx)
		if err == nil {
			return res, len(row.Template), nil
		}
		// A structurally-matched row can still decline (e.g. the
		// monitor-private rows refuse a non-GS operand); fall through
		// to the single-instruction mode-translate pass.
	}

	first := window[0]
	monitorVisible := false
	for i := 0; i < first.NumOperands; i++ {
		if op := first.Op(i); op.Kind == decode.KindMem && visible != nil && visible(op) {
			monitorVisible = true
		}
	}
	code, err := peephole.ModeTranslate(first, monitorVisible)
	if err != nil {
		return peephole.EmitResult{}, 0, fmt.Errorf("translate: mode-translate fallback: %w", err)
	}
	return peephole.EmitResult{Code: code, EdgeOffset: [2]int{-1, -1}, JmpOffset: [2]int{-1, -1}}, 1, nil
}
