/*
 * vx86 - Mode-translate fallback.
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

// ModeTranslate is the fallback pass for when no peephole row matches:
// the instruction is copied with minimal prefix adjustment,
// substituting a GS override when the access was identified as
// monitor-visible. It is not itself a Table row (it has no template to
// bucket by signature); translate.Translate calls it directly once
// Table.Match comes up empty.
func ModeTranslate(in decode.Insn, monitorVisible bool) ([]byte, error) {
	out := in
	// Prefix normalization: guest segment prefixes are dropped on
	// re-encoding; a single GS override comes back only for accesses
	// identified as monitor-private.
	out.Prefixes.Seg = decode.SegNone
	for i := 0; i < out.NumOperands; i++ {
		op := &out.Operands[i]
		if op.Kind != decode.KindMem {
			continue
		}
		if monitorVisible {
			op.Segment = decode.SegGS
			out.Prefixes.Seg = decode.SegGS
		}
	}
	out.RawBytes = nil
	return decode.Encode(out)
}
