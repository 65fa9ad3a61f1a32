/*
 * vx86 - Translated code entry test cases.
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

//go:build amd64 && linux

package tbcache

import "testing"

// TestEnterTBExecutesHostMachineCode exercises the one genuine unsafe
// boundary against a real mmap'd page and a
// trivial hand-assembled routine (mov eax, 0x2a; ret) rather than the
// fakeArena double the other tests in this package use. Production never
// calls EnterTB (see its doc comment): this test is the only place the
// mmap/mprotect/unsafe-cast plumbing actually gets crossed.
func TestEnterTBExecutesHostMachineCode(t *testing.T) {
	arena, err := MmapArena(4096)
	if err != nil {
		t.Skipf("mmap unavailable in this environment: %v", err)
	}
	defer FreeArena(arena)

	code := []byte{0xB8, 0x2a, 0x00, 0x00, 0x00, 0xC3} // mov eax, 0x2a; ret
	copy(arena, code)
	if err := Seal(arena); err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	defer Unseal(arena)

	c := &Cache{arena: arena, hashIndex: make(map[hashKey][]Handle)}
	tb := &TB{Offset: 0, Len: len(code), valid: true}

	if got := c.EnterTB(tb); got != 0x2a {
		t.Fatalf("EnterTB() = %#x, want 0x2a", got)
	}
}
