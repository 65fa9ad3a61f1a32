/*
 * vx86 - Guest CPU state test cases.
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

package vcpu

import "testing"

func TestIFHonorsStiShadow(t *testing.T) {
	v := &VCPU{EFLAGS: 1 << 9}
	if !v.IF() {
		t.Fatalf("IF() = false, want true")
	}
	v.StiShadow = true
	if v.IF() {
		t.Fatalf("IF() = true during sti shadow, want false")
	}
}

func TestPLReadsCSRPL(t *testing.T) {
	v := &VCPU{}
	v.Segs[SegCS].Selector = 0x1b // RPL 3
	if v.PL() != 3 {
		t.Fatalf("PL() = %d, want 3", v.PL())
	}
}

func TestGuestFaultErrorIncludesCR2WhenPresent(t *testing.T) {
	f := GuestFault{Vector: VectorPageFault, HasCode: true, ErrorCode: 2, CR2: 0x1000}
	if got := f.Error(); got == "" {
		t.Fatalf("Error() returned empty string")
	}
}
