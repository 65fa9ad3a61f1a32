/*
 * vx86 - Shadow page tables.
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

// Package shadow maintains the host-visible shadow page table
// hierarchy: it composes the guest's virtual->physical map with the
// monitor's physical->host map, backed by a fixed-size swap pool with
// clock eviction.
//
// Guest RAM is a plain byte slice indexed by physical address. A walk
// reads the guest's two-level PD/PT hierarchy from that storage,
// validates access bits, and raises a translation fault on failure;
// swap-pool slots are keyed by (guest_paddr, ptype).
package shadow

import "github.com/rcornwell/vx86/vcpu"

const pageSize = 4096

// PageType enumerates what kind of host-allocated page a swap-pool slot
// backs.
type PageType uint8

const (
	PagePage PageType = iota
	PagePTUser
	PagePTSupervisor
	PagePDUser
	PagePDSupervisor
)

// SwapKey identifies one swap-pool slot.
type SwapKey struct {
	GuestPaddr uint32
	Type       PageType
}

type page struct {
	key    SwapKey
	data   [pageSize]byte
	used   bool // clock "referenced" bit
	backref []func(invalidated uint32)
}

// SwapPoolSize fixes the pool capacity at 256 pages, clock-evicted the
// same way the TB cache replaces blocks.
const SwapPoolSize = 256

// SwapPool is a fixed-capacity, clock-evicted pool of host pages backing
// shadow PDs/PTs and guest data frames.
type SwapPool struct {
	pages [SwapPoolSize]page
	index map[SwapKey]int
	hand  int
}

// NewSwapPool returns an empty pool.
func NewSwapPool() *SwapPool {
	return &SwapPool{index: make(map[SwapKey]int)}
}

// Get returns the host page for key, allocating (and evicting if
// necessary) on first use.
func (p *SwapPool) Get(key SwapKey) *page {
	if i, ok := p.index[key]; ok {
		p.pages[i].used = true
		return &p.pages[i]
	}
	i := p.allocate()
	p.pages[i] = page{key: key, used: true}
	p.index[key] = i
	return &p.pages[i]
}

// Invalidate evicts key's slot immediately, walking its back-references
// so every shadow PTE still pointing at the page is dropped first. Used
// when the backing guest frame is written under an mtrace watch.
func (p *SwapPool) Invalidate(key SwapKey) {
	i, ok := p.index[key]
	if !ok {
		return
	}
	for _, cb := range p.pages[i].backref {
		cb(key.GuestPaddr)
	}
	delete(p.index, key)
	p.pages[i] = page{}
}

func (p *SwapPool) allocate() int {
	for {
		if !p.pages[p.hand].used {
			break
		}
		p.pages[p.hand].used = false
		p.hand = (p.hand + 1) % SwapPoolSize
	}
	victim := p.hand
	v := &p.pages[victim]
	if j, ok := p.index[v.key]; ok && j == victim {
		// The slot is being reused for a different frame: drop every
		// shadow PTE still pointing at it before the contents change.
		for _, cb := range v.backref {
			cb(v.key.GuestPaddr)
		}
		delete(p.index, v.key)
	}
	p.hand = (p.hand + 1) % SwapPoolSize
	return victim
}

// ShadowPTE is one installed shadow page-table entry.
type ShadowPTE struct {
	HostPaddr uint32
	Flags     uint32 // masked guest flags; W forced off on first write to a clean page
	Present   bool
}

const (
	flagPresent = 1 << 0
	flagWrite   = 1 << 1
	flagUser    = 1 << 2
)

// Config holds engine-wide knobs.
type Config struct {
	A20Masked bool // default false: A20 unmasked
}

// Engine is the shadow-paging engine for the single active VCPU.
type Engine struct {
	Config   Config
	Pool     *SwapPool
	GuestMem []byte // flat guest physical RAM

	cr3        uint32
	supervisor map[uint32]ShadowPTE // keyed by guest vaddr's page number
	user       map[uint32]ShadowPTE
}

// NewEngine allocates an engine over guestMemSize bytes of guest RAM.
func NewEngine(guestMemSize int, cfg Config) *Engine {
	return &Engine{
		Config:     cfg,
		Pool:       NewSwapPool(),
		GuestMem:   make([]byte, guestMemSize),
		supervisor: make(map[uint32]ShadowPTE),
		user:       make(map[uint32]ShadowPTE),
	}
}

// maskA20 applies the historical A20 wrap when the gate is masked.
func (e *Engine) maskA20(paddr uint32) uint32 {
	if e.Config.A20Masked {
		return paddr &^ (1 << 20)
	}
	return paddr
}

func (e *Engine) readGuestPhys32(paddr uint32) uint32 {
	paddr = e.maskA20(paddr)
	if int(paddr)+4 > len(e.GuestMem) {
		return 0
	}
	b := e.GuestMem[paddr : paddr+4]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// CR3Change reloads both shadow PDs for value cr3 and clears the cached
// entries, lazily repopulated on first access. Callers must also purge
// the jumptable; that cross-cutting step lives in the monitor package,
// not here.
func (e *Engine) CR3Change(cr3 uint32) {
	e.cr3 = cr3
	e.supervisor = make(map[uint32]ShadowPTE)
	e.user = make(map[uint32]ShadowPTE)
}

// WalkFlags carries the access checks for a page walk. Walk applies
// RequireUser and ForWrite; it does not read SetAccessed or SetDirty and
// writes no A/D bits into the guest tables.
type WalkFlags struct {
	SetAccessed bool
	SetDirty    bool
	RequireUser bool
	ForWrite    bool
}

// Walk resolves a guest virtual address to a shadow PTE, installing it
// lazily on first use. cpl selects the supervisor- or user-view PD; the
// user view only fills in once the guest runs at CPL 3 under this CR3.
func (e *Engine) Walk(vaddr uint32, cpl uint8, flags WalkFlags) (ShadowPTE, *vcpu.GuestFault) {
	vpn := vaddr / pageSize
	dir := e.supervisor
	if cpl == 3 {
		dir = e.user
	}
	if pte, ok := dir[vpn]; ok {
		if flags.ForWrite && pte.Flags&flagWrite == 0 {
			return ShadowPTE{}, &vcpu.GuestFault{Vector: vcpu.VectorPageFault, HasCode: true,
				ErrorCode: pageFaultCode(true, flags.ForWrite, cpl), CR2: vaddr}
		}
		return pte, nil
	}

	pdeAddr := e.cr3 + (vaddr>>22)*4
	pde := e.readGuestPhys32(pdeAddr)
	if pde&flagPresent == 0 {
		return ShadowPTE{}, &vcpu.GuestFault{Vector: vcpu.VectorPageFault, HasCode: true,
			ErrorCode: pageFaultCode(false, flags.ForWrite, cpl), CR2: vaddr}
	}
	ptBase := pde &^ (pageSize - 1)
	pteAddr := ptBase + ((vaddr >> 12) & 0x3ff) * 4
	gpte := e.readGuestPhys32(pteAddr)
	if gpte&flagPresent == 0 {
		return ShadowPTE{}, &vcpu.GuestFault{Vector: vcpu.VectorPageFault, HasCode: true,
			ErrorCode: pageFaultCode(false, flags.ForWrite, cpl), CR2: vaddr}
	}
	if flags.RequireUser && gpte&flagUser == 0 {
		return ShadowPTE{}, &vcpu.GuestFault{Vector: vcpu.VectorPageFault, HasCode: true,
			ErrorCode: pageFaultCode(true, flags.ForWrite, cpl), CR2: vaddr}
	}

	pte := e.install(dir, vpn, gpte&^(pageSize-1), gpte&0xfff)
	dir[vpn] = pte
	return pte, nil
}

// install asks the swap layer for the host backing page and computes the
// shadow PTE flags. W is always left off on a fresh installation, even
// when the guest grants it, so the first store faults once and the
// engine observes the clean-page write for D-bit emulation. A
// back-reference from the pool slot to the installed PTE is recorded so
// the entry comes down when the backing page is invalidated or its slot
// is reused for another frame.
func (e *Engine) install(dir map[uint32]ShadowPTE, vpn, guestPaddr, guestFlags uint32) ShadowPTE {
	pg := e.Pool.Get(SwapKey{GuestPaddr: guestPaddr, Type: PagePage})
	pg.backref = append(pg.backref, func(uint32) { delete(dir, vpn) })
	flags := guestFlags & (flagPresent | flagUser)
	return ShadowPTE{HostPaddr: guestPaddr, Flags: flags, Present: true}
}

// GrantWrite is called by the monitor on a write fault against a present
// shadow PTE, before the store is retried: the shadow PTE's W bit is
// set so the re-walked store and subsequent writes do not re-fault.
func (e *Engine) GrantWrite(vaddr uint32, cpl uint8) {
	vpn := vaddr / pageSize
	dir := e.supervisor
	if cpl == 3 {
		dir = e.user
	}
	if pte, ok := dir[vpn]; ok {
		pte.Flags |= flagWrite
		dir[vpn] = pte
	}
}

// InvalidatePage drops any shadow PTE mapping guest physical page paddr,
// from both the supervisor and user views. Called by the monitor's
// mtrace wiring when a guest page table page is itself written, and by
// the swap pool when it evicts the frame backing it.
func (e *Engine) InvalidatePage(paddr uint32) {
	pn := paddr / pageSize
	for vpage, pte := range e.supervisor {
		if pte.HostPaddr/pageSize == pn {
			delete(e.supervisor, vpage)
		}
	}
	for vpage, pte := range e.user {
		if pte.HostPaddr/pageSize == pn {
			delete(e.user, vpage)
		}
	}
}

func pageFaultCode(present, write bool, cpl uint8) uint32 {
	var code uint32
	if present {
		code |= 1
	}
	if write {
		code |= 2
	}
	if cpl == 3 {
		code |= 4
	}
	return code
}
