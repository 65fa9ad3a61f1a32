/*
 * vx86 - Translation lookup tables.
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

// Package jumptable implements the two-level translation lookup: an L1
// direct-mapped array consulted by an inline stub inside translated
// code, and an authoritative L2 hash behind it.
package jumptable

// Handle identifies a TB without jumptable depending on the tbcache
// package — tbcache owns the handle space and passes its own index type
// in as this one, avoiding an import cycle (tbcache -> jumptable, not
// the reverse).
type Handle uint32

// NoHandle marks an empty L1/L2 slot.
const NoHandle Handle = ^Handle(0)

// l1Size fixes the L1 at a 4096-entry direct-mapped array.
const l1Size = 4096

type l1Entry struct {
	eip uint32
	tb  Handle
}

// Table is the L1/L2 jumptable pair for one active CR3 context.
type Table struct {
	l1 [l1Size]l1Entry
	l2 map[l2Key]Handle
}

type l2Key struct {
	eipVirt uint32
	eip     uint32
}

// New returns an empty Table.
func New() *Table {
	t := &Table{l2: make(map[l2Key]Handle)}
	for i := range t.l1 {
		t.l1[i].tb = NoHandle
	}
	return t
}

func l1Index(eip uint32) uint32 {
	return eip & (l1Size - 1)
}

// Insert records tb as the translation for (eipVirt, eip) in both levels.
func (t *Table) Insert(eipVirt, eip uint32, tb Handle) {
	idx := l1Index(eip)
	t.l1[idx] = l1Entry{eip: eip, tb: tb}
	t.l2[l2Key{eipVirt: eipVirt, eip: eip}] = tb
}

// LookupL1 is the fast path an inline stub inside translated code
// consults before falling back to LookupL2.
func (t *Table) LookupL1(eip uint32) (Handle, bool) {
	e := t.l1[l1Index(eip)]
	if e.tb == NoHandle || e.eip != eip {
		return NoHandle, false
	}
	return e.tb, true
}

// LookupL2 is the authoritative hash lookup, keyed by (eip_virt, eip) to
// disambiguate TBs whose guest-physical range spans two pages.
func (t *Table) LookupL2(eipVirt, eip uint32) (Handle, bool) {
	tb, ok := t.l2[l2Key{eipVirt: eipVirt, eip: eip}]
	return tb, ok
}

// Purge empties both levels, required on CR3 writes and on large
// control-flow changes: chained jumps and cached (eip, tb) pairs are
// only valid under the page tables they were built from.
func (t *Table) Purge() {
	for i := range t.l1 {
		t.l1[i] = l1Entry{tb: NoHandle}
	}
	t.l2 = make(map[l2Key]Handle)
}

// Remove drops every entry pointing at tb (used when a single TB is
// invalidated rather than the whole context). L1 entries are checked by
// value since the array has no reverse index; a linear scan is cheap
// for an array this small.
func (t *Table) Remove(tb Handle) {
	for i := range t.l1 {
		if t.l1[i].tb == tb {
			t.l1[i] = l1Entry{tb: NoHandle}
		}
	}
	for k, v := range t.l2 {
		if v == tb {
			delete(t.l2, k)
		}
	}
}
