/*
 * vx86 - Translated code entry.
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

package tbcache

import "unsafe"

// nativeFn is the calling convention every emitted TB honors: no
// arguments (the VCPU lives in well-known host memory the emitted code
// already knows the address of via the monitor-private GS-segment
// rewrite), returning a raw exit-reason word the monitor decodes.
// Traps and callouts funnel through the host IDT or a forced-callout
// patch rather than a normal return; this return value covers the
// narrow natural-completion case.
type nativeFn func() uint64

// EnterTB is the single narrowly-scoped unsafe boundary into the
// arena: translated code is an opaque byte region, and entry transmutes
// a bounds-checked offset into a function pointer here and nowhere
// else.
//
// This repository does not emit host-executable machine code into the
// arena: translate.Result.Code holds guest-instruction bytes and
// bookkeeping offsets (tc_boundaries, rollback buffers, chain-edge
// slots) that monitor.Monitor's runBlock interprets at the Go level,
// the same way simulate.Execute interprets rather than natively
// executes a faulting instruction. Production therefore never calls
// EnterTB — doing so would transmute non-ABI-compliant bytes into a
// function pointer and jump into them, which is exactly the crash this
// function's narrow unsafe scope exists to contain, not invite.
// EnterTB is exercised by enter_test.go's
// TestEnterTBExecutesHostMachineCode against a real hand-assembled
// stub, proving the mmap/mprotect/unsafe-cast plumbing this package
// owns is sound, without pretending the monitor's interpreted TBs are
// valid input to it.
func (c *Cache) EnterTB(tb *TB) uint64 {
	code := c.arena[tb.Offset : tb.Offset+tb.Len]
	if len(code) == 0 {
		return 0
	}
	// A Go func value points at a word holding the code address, so the
	// cast needs one more level of indirection than the code pointer.
	ptr := unsafe.Pointer(&code[0])
	pptr := &ptr
	fn := *(*nativeFn)(unsafe.Pointer(&pptr))
	return fn()
}
