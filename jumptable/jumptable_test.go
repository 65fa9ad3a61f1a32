/*
 * vx86 - Translation lookup table test cases.
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

package jumptable

import "testing"

func TestInsertAndLookup(t *testing.T) {
	tbl := New()
	tbl.Insert(0x1000, 0x1000, Handle(7))
	if h, ok := tbl.LookupL1(0x1000); !ok || h != 7 {
		t.Fatalf("LookupL1 = %v, %v", h, ok)
	}
	if h, ok := tbl.LookupL2(0x1000, 0x1000); !ok || h != 7 {
		t.Fatalf("LookupL2 = %v, %v", h, ok)
	}
}

func TestL1MissOnAliasedEIP(t *testing.T) {
	tbl := New()
	tbl.Insert(0x1000, 0x1000, Handle(1))
	aliased := uint32(0x1000 + l1Size)
	if _, ok := tbl.LookupL1(aliased); ok {
		t.Fatalf("LookupL1 found a hit for an aliased, never-inserted eip")
	}
}

func TestPurgeClearsBothLevels(t *testing.T) {
	tbl := New()
	tbl.Insert(0x2000, 0x2000, Handle(3))
	tbl.Purge()
	if _, ok := tbl.LookupL1(0x2000); ok {
		t.Fatalf("L1 entry survived Purge")
	}
	if _, ok := tbl.LookupL2(0x2000, 0x2000); ok {
		t.Fatalf("L2 entry survived Purge")
	}
}

func TestRemoveDropsOnlyMatchingHandle(t *testing.T) {
	tbl := New()
	tbl.Insert(0x10, 0x10, Handle(1))
	tbl.Insert(0x20, 0x20, Handle(2))
	tbl.Remove(Handle(1))
	if _, ok := tbl.LookupL1(0x10); ok {
		t.Fatalf("handle 1 survived Remove")
	}
	if _, ok := tbl.LookupL1(0x20); !ok {
		t.Fatalf("handle 2 was removed by Remove(1)")
	}
}
