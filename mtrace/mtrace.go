/*
 * vx86 - Memory write tracing.
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

// Package mtrace implements the write-watch engine: watches on guest
// physical ranges, delivered by observing host page faults on
// write-protected shadow PTEs. It is used by TB invalidation
// (self-modifying code), shadow PT/PD invalidation, and user-defined
// probes (e.g. record/replay watchpoints).
//
// Watches are kept in two hash tables keyed by the begin and end page
// of the traced range, so a faulting address enumerates its overlapping
// watches in near-constant time.
package mtrace

const pageSize = 4096

// Handle identifies one registered watch.
type Handle uint32

// Callback is invoked once per overlapping watch when a traced write is
// observed, with the faulting physical address and the access size.
type Callback func(paddr uint32, size int, opaque any)

type watch struct {
	handle   Handle
	begin    uint32 // first traced byte, inclusive
	end      uint32 // last traced byte, inclusive
	beginPg  uint32
	endPg    uint32
	callback Callback
	opaque   any
}

// Table holds all active watches, indexed by begin/end page so a
// faulting paddr's overlapping watches can be enumerated in
// near-constant time.
type Table struct {
	watches  map[Handle]*watch
	byBegin  map[uint32][]*watch
	byEnd    map[uint32][]*watch
	next     Handle
	onChange func(beginPg, endPg uint32) // notifies shadow to clear W bits
}

// New returns an empty Table. onChange is called with the inclusive page
// range affected whenever a watch is added or removed, so the shadow
// engine can walk and clear (or restore) the corresponding PTE W bits.
// It may be nil in tests that don't exercise shadow wiring.
func New(onChange func(beginPg, endPg uint32)) *Table {
	return &Table{
		watches: make(map[Handle]*watch),
		byBegin: make(map[uint32][]*watch),
		byEnd:   make(map[uint32][]*watch),
		onChange: onChange,
	}
}

func pageOf(addr uint32) uint32 { return addr / pageSize }

// Add registers a write-watch on [paddr, paddr+len) and returns a handle
// to later Remove it.
func (t *Table) Add(paddr uint32, length int, cb Callback, opaque any) Handle {
	t.next++
	h := t.next
	end := paddr + uint32(length) - 1
	w := &watch{handle: h, begin: paddr, end: end, beginPg: pageOf(paddr), endPg: pageOf(end), callback: cb, opaque: opaque}
	t.watches[h] = w
	t.byBegin[w.beginPg] = append(t.byBegin[w.beginPg], w)
	t.byEnd[w.endPg] = append(t.byEnd[w.endPg], w)
	if t.onChange != nil {
		t.onChange(w.beginPg, w.endPg)
	}
	return h
}

// Remove reverses a prior Add.
func (t *Table) Remove(h Handle) {
	w, ok := t.watches[h]
	if !ok {
		return
	}
	delete(t.watches, h)
	t.byBegin[w.beginPg] = removeWatch(t.byBegin[w.beginPg], w)
	t.byEnd[w.endPg] = removeWatch(t.byEnd[w.endPg], w)
	if t.onChange != nil {
		t.onChange(w.beginPg, w.endPg)
	}
}

func removeWatch(list []*watch, w *watch) []*watch {
	out := list[:0]
	for _, v := range list {
		if v != w {
			out = append(out, v)
		}
	}
	return out
}

// Overlapping enumerates every watch whose range includes paddr.
func (t *Table) Overlapping(paddr uint32) []Handle {
	pg := pageOf(paddr)
	seen := make(map[Handle]bool)
	var out []Handle
	for _, w := range t.byBegin[pg] {
		if paddr >= w.begin && paddr <= w.end && !seen[w.handle] {
			seen[w.handle] = true
			out = append(out, w.handle)
		}
	}
	for _, w := range t.byEnd[pg] {
		if paddr >= w.begin && paddr <= w.end && !seen[w.handle] {
			seen[w.handle] = true
			out = append(out, w.handle)
		}
	}
	return out
}

// Fire invokes every watch overlapping paddr, called by the fault
// handling path after the faulting store has been applied.
func (t *Table) Fire(paddr uint32, size int) {
	for _, h := range t.Overlapping(paddr) {
		w := t.watches[h]
		if w != nil {
			w.callback(paddr, size, w.opaque)
		}
	}
}

// HasAny reports whether any watch overlaps [begin, end].
func (t *Table) HasAny(begin, end uint32) bool {
	beginPg, endPg := pageOf(begin), pageOf(end)
	for pg := beginPg; pg <= endPg; pg++ {
		if len(t.byBegin[pg]) > 0 || len(t.byEnd[pg]) > 0 {
			return true
		}
	}
	return false
}
