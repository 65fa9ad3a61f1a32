/*
 * vx86 - Translation block cache.
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

// Package tbcache owns the translation cache: the mmap'd arena holding
// emitted TB bytes, three indexes over the live blocks (a hash by
// eip_phys, a range index by tc_ptr extent, a clock list for
// replacement), and the direct-jump chaining bookkeeping.
//
// Blocks live in a flat slice linked by index handles rather than
// pointers. The arena is an opaque byte region entered only through the
// narrow trampoline in enter.go, backed by golang.org/x/sys/unix's
// mmap/mprotect.
package tbcache

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rcornwell/vx86/jumptable"
	"github.com/rcornwell/vx86/translate"
)

// Handle identifies one TB slot. Shared type with jumptable.Handle so the
// two packages never need to import each other.
type Handle = jumptable.Handle

const noHandle = jumptable.NoHandle

// ChainRef is one incoming chain reference, a plain record in place of
// the classic tagged pointer with the edge index in the low bits.
type ChainRef struct {
	Predecessor Handle
	EdgeIndex   uint8
}

// TB is one translation block.
type TB struct {
	handle Handle

	EIPVirt uint32
	EIPPhys uint32
	EIP     uint32

	Offset int // byte offset into the arena
	Len    int

	EdgeOffset [2]int // -1 if edge doesn't exist; offset of the unchained baseline bytes
	JmpOffset  [2]int // -1 if edge doesn't exist; offset of the patched displacement
	EdgeTarget [2]Handle

	Incoming []ChainRef

	Rollbacks     []translate.Rollback
	EIPBoundaries []int
	TCBoundaries  []int

	IsTerminating   bool
	FallthroughAddr uint32 // next guest eip when IsTerminating is false

	MtraceHandle uint32
	HasMtrace    bool

	Locked bool // currently executing, or about to be allocated from; never evicted
	clock  bool
	valid  bool
}

// Handle returns this TB's stable index into the cache.
func (t *TB) Handle() Handle { return t.handle }

// ReplacementPolicy selects the TB-cache eviction strategy. math/rand
// would need a seed threaded everywhere to stay deterministic for
// record/replay, so the deterministic clock policy is the default;
// PolicyUniform is kept as a named alternative.
type ReplacementPolicy uint8

const (
	PolicyClock ReplacementPolicy = iota
	PolicyUniform
)

// ErrArenaExhausted is returned when no victim can be freed to satisfy
// an allocation; callers treat it as a fatal monitor fault.
var ErrArenaExhausted = errors.New("tbcache: translation cache arena exhausted")

type rangeEntry struct {
	start, end int
	handle     Handle
}

// freeRange is a reclaimed, unclaimed byte extent in the arena, [start, end).
type freeRange struct {
	start, end int
}

// Cache holds every live TB plus its three indexes.
type Cache struct {
	arena    []byte
	watermark int

	tbs      []TB
	freeList []Handle

	hashIndex  map[hashKey][]Handle
	rangeIndex []rangeEntry // kept sorted by start
	clockOrder []Handle
	clockHand  int

	// freeRanges tracks byte extents reclaimed from evicted TBs that lie
	// below watermark, kept sorted by start and merged on insert so that
	// alloc never hands out bytes a still-valid TB occupies. Exactly one
	// TB claims any host address in its range.
	freeRanges []freeRange

	// sealArena/unsealArena flip the arena's mprotect state around every
	// write into it (Add's emission, Chain/Unchain's displacement
	// patches); production uses the real mmap/mprotect pair (Seal/
	// Unseal), test doubles over plain memory use a no-op pair.
	sealArena, unsealArena func([]byte) error

	Policy ReplacementPolicy

	// OnEvict is invoked for every TB removed from the cache (explicit
	// invalidation or clock replacement), before its slot is reused, so
	// the jumptable and mtrace engines can drop their own references.
	OnEvict func(tb *TB)
}

type hashKey struct {
	eipPhys uint32
	eipVirt uint32
	eip     uint32
}

func noopProtect([]byte) error { return nil }

// NewCache allocates a cache over an arena of arenaSize executable bytes.
// newExecArena is injected so tests can run without requiring mmap/
// mprotect privileges; production callers pass nil, which defaults to
// MmapArena and wires the real Seal/Unseal mprotect pair around every
// write into the arena. A caller-supplied newExecArena is always a test
// double over plain memory (see tbcache_test.go's fakeArena), never a
// real mmap'd region mprotect can act on, so it gets a no-op seal/unseal
// pair instead.
func NewCache(arenaSize int, newExecArena func(int) ([]byte, error)) (*Cache, error) {
	sealArena, unsealArena := Seal, Unseal
	if newExecArena == nil {
		newExecArena = MmapArena
	} else {
		sealArena, unsealArena = noopProtect, noopProtect
	}
	arena, err := newExecArena(arenaSize)
	if err != nil {
		return nil, fmt.Errorf("tbcache: allocate arena: %w", err)
	}
	return &Cache{
		arena:       arena,
		sealArena:   sealArena,
		unsealArena: unsealArena,
		hashIndex:   make(map[hashKey][]Handle),
	}, nil
}

// Add commits a translated block to the cache, returning its handle.
func (c *Cache) Add(eipVirt, eipPhys, eip uint32, res translate.Result) (Handle, error) {
	offset, err := c.alloc(len(res.Code))
	if err != nil {
		return noHandle, err
	}
	if err := c.unsealArena(c.arena); err != nil {
		return noHandle, fmt.Errorf("tbcache: unseal arena for emission: %w", err)
	}
	copy(c.arena[offset:], res.Code)
	if err := c.sealArena(c.arena); err != nil {
		return noHandle, fmt.Errorf("tbcache: seal arena after emission: %w", err)
	}

	h := c.takeSlot()
	tb := &c.tbs[h]
	*tb = TB{
		handle:        h,
		EIPVirt:       eipVirt,
		EIPPhys:       eipPhys,
		EIP:           eip,
		Offset:        offset,
		Len:           len(res.Code),
		EdgeOffset:    res.EdgeOffset,
		JmpOffset:     res.JmpOffset,
		EdgeTarget:    [2]Handle{noHandle, noHandle},
		Rollbacks:       res.Rollbacks,
		EIPBoundaries:   res.EIPBoundaries,
		TCBoundaries:    res.TCBoundaries,
		IsTerminating:   res.IsTerminating,
		FallthroughAddr: res.FallthroughAddr,
		valid:           true,
	}

	key := hashKey{eipPhys: eipPhys, eipVirt: eipVirt, eip: eip}
	c.hashIndex[key] = append(c.hashIndex[key], h)
	c.insertRange(offset, offset+len(res.Code), h)
	c.clockOrder = append(c.clockOrder, h)

	return h, nil
}

// Find looks up a TB by its guest identity.
func (c *Cache) Find(eipPhys, eipVirt, eip uint32) (Handle, bool) {
	for _, h := range c.hashIndex[hashKey{eipPhys: eipPhys, eipVirt: eipVirt, eip: eip}] {
		if c.tbs[h].valid {
			return h, true
		}
	}
	return noHandle, false
}

// FindByOffset resolves a host tc_ptr offset back to its owning TB,
// used by interrupt handlers that only know the faulting host address.
func (c *Cache) FindByOffset(offset int) (Handle, bool) {
	i := sort.Search(len(c.rangeIndex), func(i int) bool { return c.rangeIndex[i].end > offset })
	if i < len(c.rangeIndex) && c.rangeIndex[i].start <= offset {
		h := c.rangeIndex[i].handle
		if c.tbs[h].valid {
			return h, true
		}
	}
	return noHandle, false
}

// TB returns a pointer to the live TB for h, or nil if invalid.
func (c *Cache) TB(h Handle) *TB {
	if h == noHandle || int(h) >= len(c.tbs) || !c.tbs[h].valid {
		return nil
	}
	return &c.tbs[h]
}

// Code returns the host bytes for a TB.
func (c *Cache) Code(tb *TB) []byte {
	return c.arena[tb.Offset : tb.Offset+tb.Len]
}

func (c *Cache) insertRange(start, end int, h Handle) {
	c.rangeIndex = append(c.rangeIndex, rangeEntry{start: start, end: end, handle: h})
	sort.Slice(c.rangeIndex, func(i, j int) bool { return c.rangeIndex[i].start < c.rangeIndex[j].start })
}

func (c *Cache) removeRange(h Handle) {
	out := c.rangeIndex[:0]
	for _, r := range c.rangeIndex {
		if r.handle != h {
			out = append(out, r)
		}
	}
	c.rangeIndex = out
}

func (c *Cache) takeSlot() Handle {
	if n := len(c.freeList); n > 0 {
		h := c.freeList[n-1]
		c.freeList = c.freeList[:n-1]
		return h
	}
	c.tbs = append(c.tbs, TB{})
	return Handle(len(c.tbs) - 1)
}

// alloc satisfies codeLen bytes from reclaimed free ranges first, then by
// bump-allocating past the watermark, evicting one TB at a time via the
// replacement policy when neither has room.
// Evicted bytes are never treated as a blanket reset of the arena: only
// the extent a victim actually occupied becomes available again, so a
// still-valid TB (in particular a Locked one, which evictOne skips) is
// never overwritten in place.
func (c *Cache) alloc(codeLen int) (int, error) {
	if off, ok := c.allocFree(codeLen); ok {
		return off, nil
	}
	if off, ok := c.bump(codeLen); ok {
		return off, nil
	}
	for c.evictOne() {
		if off, ok := c.allocFree(codeLen); ok {
			return off, nil
		}
		if off, ok := c.bump(codeLen); ok {
			return off, nil
		}
	}
	return 0, ErrArenaExhausted
}

func (c *Cache) bump(codeLen int) (int, bool) {
	if c.watermark+codeLen > len(c.arena) {
		return 0, false
	}
	off := c.watermark
	c.watermark += codeLen
	return off, true
}

// allocFree first-fits codeLen out of the free-range list, splitting the
// chosen range if it is larger than needed.
func (c *Cache) allocFree(codeLen int) (int, bool) {
	for i, r := range c.freeRanges {
		if r.end-r.start < codeLen {
			continue
		}
		off := r.start
		if r.end-off == codeLen {
			c.freeRanges = append(c.freeRanges[:i], c.freeRanges[i+1:]...)
		} else {
			c.freeRanges[i].start = off + codeLen
		}
		return off, true
	}
	return 0, false
}

// addFree reclaims [start, end) for future allocation, merging it with
// any directly-adjacent free range and, if it abuts the watermark from
// below, shrinking the watermark instead of recording a range at all.
func (c *Cache) addFree(start, end int) {
	if start >= end {
		return
	}
	for i, r := range c.freeRanges {
		if r.end == start {
			start = r.start
			c.freeRanges = append(c.freeRanges[:i], c.freeRanges[i+1:]...)
			break
		}
	}
	for i, r := range c.freeRanges {
		if r.start == end {
			end = r.end
			c.freeRanges = append(c.freeRanges[:i], c.freeRanges[i+1:]...)
			break
		}
	}
	if end == c.watermark {
		c.watermark = start
		c.shrinkWatermark()
		return
	}
	c.freeRanges = append(c.freeRanges, freeRange{start: start, end: end})
	sort.Slice(c.freeRanges, func(i, j int) bool { return c.freeRanges[i].start < c.freeRanges[j].start })
}

// shrinkWatermark folds any free range that now directly abuts the
// watermark back into unreserved space, repeating until none do.
func (c *Cache) shrinkWatermark() {
	for {
		merged := false
		for i, r := range c.freeRanges {
			if r.end == c.watermark {
				c.watermark = r.start
				c.freeRanges = append(c.freeRanges[:i], c.freeRanges[i+1:]...)
				merged = true
				break
			}
		}
		if !merged {
			return
		}
	}
}

// evictOne removes exactly one unlocked TB via the clock policy,
// reporting whether it found a victim.
func (c *Cache) evictOne() bool {
	n := len(c.clockOrder)
	for i := 0; i < 2*n; i++ {
		if n == 0 {
			return false
		}
		idx := c.clockHand % n
		h := c.clockOrder[idx]
		tb := &c.tbs[h]
		c.clockHand = (c.clockHand + 1) % n
		if !tb.valid || tb.Locked {
			continue
		}
		if tb.clock {
			tb.clock = false
			continue
		}
		c.Invalidate(h)
		return true
	}
	return false
}

// Invalidate removes a TB from every index, unchains its incoming
// references back to their unchained baselines, and notifies OnEvict so
// the jumptable and memory-trace registrations come down with it.
func (c *Cache) Invalidate(h Handle) {
	tb := c.TB(h)
	if tb == nil {
		return
	}
	for _, ref := range tb.Incoming {
		c.Unchain(ref.Predecessor, int(ref.EdgeIndex))
	}
	if c.OnEvict != nil {
		c.OnEvict(tb)
	}
	for key, list := range c.hashIndex {
		c.hashIndex[key] = removeHandle(list, h)
	}
	c.removeRange(h)
	c.addFree(tb.Offset, tb.Offset+tb.Len)
	for _, t := range tb.EdgeTarget {
		if t != noHandle {
			if succ := c.TB(t); succ != nil {
				succ.Incoming = removeRef(succ.Incoming, h)
			}
		}
	}
	tb.valid = false
	c.freeList = append(c.freeList, h)
}

func removeHandle(list []Handle, h Handle) []Handle {
	out := list[:0]
	for _, v := range list {
		if v != h {
			out = append(out, v)
		}
	}
	return out
}

func removeRef(list []ChainRef, pred Handle) []ChainRef {
	out := list[:0]
	for _, r := range list {
		if r.Predecessor != pred {
			out = append(out, r)
		}
	}
	return out
}
