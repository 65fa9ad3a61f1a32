/*
 * vx86 - Translation block cache test cases.
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

import (
	"testing"

	"github.com/rcornwell/vx86/translate"
)

func fakeArena(size int) ([]byte, error) { return make([]byte, size), nil }

func newTestCache(t *testing.T, size int) *Cache {
	t.Helper()
	c, err := NewCache(size, fakeArena)
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}
	return c
}

func addBlock(t *testing.T, c *Cache, eipVirt, eipPhys, eip uint32, n int) Handle {
	t.Helper()
	res := translate.Result{Code: make([]byte, n), EdgeOffset: [2]int{-1, -1}, JmpOffset: [2]int{-1, -1}}
	h, err := c.Add(eipVirt, eipPhys, eip, res)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	return h
}

func TestAddAndFindRoundTrip(t *testing.T) {
	c := newTestCache(t, 4096)
	h := addBlock(t, c, 0x1000, 0x1000, 0x1000, 16)

	got, ok := c.Find(0x1000, 0x1000, 0x1000)
	if !ok || got != h {
		t.Fatalf("Find() = (%v, %v), want (%v, true)", got, ok, h)
	}
}

func TestFindByOffsetResolvesContainingTB(t *testing.T) {
	c := newTestCache(t, 4096)
	h := addBlock(t, c, 0x1000, 0x1000, 0x1000, 16)
	addBlock(t, c, 0x2000, 0x2000, 0x2000, 16)

	got, ok := c.FindByOffset(5)
	if !ok || got != h {
		t.Fatalf("FindByOffset(5) = (%v, %v), want (%v, true)", got, ok, h)
	}
}

func TestChainPatchesDisplacementAndRecordsIncoming(t *testing.T) {
	c := newTestCache(t, 4096)
	res := translate.Result{Code: make([]byte, 16), EdgeOffset: [2]int{-1, -1}, JmpOffset: [2]int{10, -1}}
	pred, err := c.Add(0x1000, 0x1000, 0x1000, res)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	succ := addBlock(t, c, 0x2000, 0x2000, 0x2000, 16)

	if !c.Chain(pred, 0, succ) {
		t.Fatalf("Chain() = false, want true")
	}

	succTB := c.TB(succ)
	if len(succTB.Incoming) != 1 || succTB.Incoming[0].Predecessor != pred {
		t.Fatalf("successor Incoming = %+v, want one ref from %v", succTB.Incoming, pred)
	}
	if c.TB(pred).EdgeTarget[0] != succ {
		t.Fatalf("predecessor EdgeTarget[0] = %v, want %v", c.TB(pred).EdgeTarget[0], succ)
	}
}

func TestInvalidateUnchainsIncomingReferences(t *testing.T) {
	c := newTestCache(t, 4096)
	res := translate.Result{Code: make([]byte, 16), EdgeOffset: [2]int{2, -1}, JmpOffset: [2]int{10, -1}}
	pred, _ := c.Add(0x1000, 0x1000, 0x1000, res)
	succ := addBlock(t, c, 0x2000, 0x2000, 0x2000, 16)
	c.Chain(pred, 0, succ)

	c.Invalidate(succ)

	if c.TB(succ) != nil {
		t.Fatalf("succ still valid after Invalidate")
	}
	if got := c.TB(pred).EdgeTarget[0]; got != noHandle {
		t.Fatalf("pred EdgeTarget[0] = %v after successor eviction, want noHandle", got)
	}
	if _, ok := c.Find(0x2000, 0x2000, 0x2000); ok {
		t.Fatalf("Find() still finds invalidated TB")
	}
}

func TestAllocEvictsWhenArenaFull(t *testing.T) {
	c := newTestCache(t, 32)
	addBlock(t, c, 0x1000, 0x1000, 0x1000, 16)
	addBlock(t, c, 0x2000, 0x2000, 0x2000, 16)
	// arena now full at 32 bytes; a third block must evict the oldest one
	addBlock(t, c, 0x3000, 0x3000, 0x3000, 16)

	if _, ok := c.Find(0x3000, 0x3000, 0x3000); !ok {
		t.Fatalf("newest TB should survive eviction")
	}
	if _, ok := c.Find(0x1000, 0x1000, 0x1000); ok {
		t.Fatalf("oldest TB should have been evicted to make room")
	}
}

func TestLockedTBSurvivesEviction(t *testing.T) {
	c := newTestCache(t, 32)
	locked := addBlock(t, c, 0x1000, 0x1000, 0x1000, 16)
	c.TB(locked).Locked = true
	lockedCode := c.Code(c.TB(locked))
	for i := range lockedCode {
		lockedCode[i] = 0xCC
	}
	addBlock(t, c, 0x2000, 0x2000, 0x2000, 16)
	third := addBlock(t, c, 0x3000, 0x3000, 0x3000, 16)

	if c.TB(locked) == nil {
		t.Fatalf("locked TB was evicted")
	}
	// Exactly one TB claims any host address in its range. A locked
	// TB's bytes must survive whatever allocation the eviction that
	// made room for a later TB performed.
	for i, b := range c.Code(c.TB(locked)) {
		if b != 0xCC {
			t.Fatalf("locked TB byte %d clobbered by later allocation: got %#x, want 0xcc", i, b)
		}
	}
	lockedTB, thirdTB := c.TB(locked), c.TB(third)
	lockedStart, lockedEnd := lockedTB.Offset, lockedTB.Offset+lockedTB.Len
	thirdStart, thirdEnd := thirdTB.Offset, thirdTB.Offset+thirdTB.Len
	if lockedStart < thirdEnd && thirdStart < lockedEnd {
		t.Fatalf("locked TB [%d,%d) overlaps newly allocated TB [%d,%d)", lockedStart, lockedEnd, thirdStart, thirdEnd)
	}
}

func TestAllocReclaimsOnlyEvictedVictimExtent(t *testing.T) {
	c := newTestCache(t, 48)
	a := addBlock(t, c, 0x1000, 0x1000, 0x1000, 16)
	b := addBlock(t, c, 0x2000, 0x2000, 0x2000, 16)
	addBlock(t, c, 0x3000, 0x3000, 0x3000, 16)
	// arena full at 48 bytes; invalidating the middle block should free
	// exactly its 16 bytes, not the whole arena.
	c.Invalidate(b)

	d := addBlock(t, c, 0x4000, 0x4000, 0x4000, 16)
	dTB, aTB := c.TB(d), c.TB(a)
	if dTB.Offset != aTB.Offset+aTB.Len {
		t.Fatalf("new allocation reused freed middle range at offset %d, want %d", dTB.Offset, aTB.Offset+aTB.Len)
	}
	if _, ok := c.Find(0x1000, 0x1000, 0x1000); !ok {
		t.Fatalf("unrelated surviving TB was evicted/clobbered")
	}
}
