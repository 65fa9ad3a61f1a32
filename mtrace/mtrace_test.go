/*
 * vx86 - Memory write tracing test cases.
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

package mtrace

import "testing"

func TestAddFiresCallbackOnOverlappingWrite(t *testing.T) {
	tbl := New(nil)
	var gotAddr uint32
	var gotSize int
	tbl.Add(0x1000, 16, func(paddr uint32, size int, opaque any) {
		gotAddr, gotSize = paddr, size
	}, nil)
	tbl.Fire(0x1004, 4)
	if gotAddr != 0x1004 || gotSize != 4 {
		t.Fatalf("callback got (%#x, %d), want (0x1004, 4)", gotAddr, gotSize)
	}
}

func TestRemoveLeavesNoOverlap(t *testing.T) {
	tbl := New(nil)
	h := tbl.Add(0x2000, 8, func(uint32, int, any) {}, nil)
	tbl.Remove(h)
	if ov := tbl.Overlapping(0x2000); len(ov) != 0 {
		t.Fatalf("Overlapping after Remove = %v, want empty", ov)
	}
}

func TestOnChangeCalledOnAddAndRemove(t *testing.T) {
	var calls int
	tbl := New(func(beginPg, endPg uint32) { calls++ })
	h := tbl.Add(0x3000, 4, func(uint32, int, any) {}, nil)
	tbl.Remove(h)
	if calls != 2 {
		t.Fatalf("onChange called %d times, want 2", calls)
	}
}

func TestHasAnySpansMultiplePages(t *testing.T) {
	tbl := New(nil)
	tbl.Add(pageSize-4, 8, func(uint32, int, any) {}, nil) // straddles page boundary
	if !tbl.HasAny(0, pageSize+pageSize) {
		t.Fatalf("HasAny() = false, want true for a straddling watch")
	}
}

func TestOverlappingDedupesAcrossBeginAndEndIndex(t *testing.T) {
	tbl := New(nil)
	tbl.Add(0x4000, 1, func(uint32, int, any) {}, nil)
	if ov := tbl.Overlapping(0x4000); len(ov) != 1 {
		t.Fatalf("Overlapping() = %v, want exactly one handle", ov)
	}
}
