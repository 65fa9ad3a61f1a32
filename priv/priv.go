/*
 * vx86 - Privileged primitives.
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

// Package priv fronts the privileged x86 primitives the callout
// dispatcher needs, one function per primitive, so nothing lower-level
// leaks to callers (in/out port access; lgdt/lidt/ltr are modeled
// directly against vcpu.VCPU instead, since they only touch
// guest-visible state this process does not itself own).
//
// This process is a guest monitor, not a privileged hypervisor kernel:
// there is no real port space to fault into, so the backend here is a
// plain Go map standing in for the guest's I/O address space, wired to
// device.PIC/device.BlockDevice by the callout package. golang.org/x/sys/unix
// is kept as an import so a future real-hardware backend (raw ioperm/
// iopl-gated port access) has a one-function-at-a-time home to grow into
// without disturbing callers.
package priv

import "golang.org/x/sys/unix"

// PortSpace is the emulated guest I/O address space: one handler per
// port, registered by device models (device.PIC, device.BlockDevice).
type PortSpace struct {
	in8   map[uint16]func() uint8
	in16  map[uint16]func() uint16
	in32  map[uint16]func() uint32
	out8  map[uint16]func(uint8)
	out16 map[uint16]func(uint16)
	out32 map[uint16]func(uint32)
}

// NewPortSpace returns an empty port space.
func NewPortSpace() *PortSpace {
	return &PortSpace{
		in8: make(map[uint16]func() uint8), in16: make(map[uint16]func() uint16), in32: make(map[uint16]func() uint32),
		out8: make(map[uint16]func(uint8)), out16: make(map[uint16]func(uint16)), out32: make(map[uint16]func(uint32)),
	}
}

// RegisterIn8/16/32 and RegisterOut8/16/32 bind a device handler to a port.
func (p *PortSpace) RegisterIn8(port uint16, fn func() uint8)     { p.in8[port] = fn }
func (p *PortSpace) RegisterIn16(port uint16, fn func() uint16)   { p.in16[port] = fn }
func (p *PortSpace) RegisterIn32(port uint16, fn func() uint32)   { p.in32[port] = fn }
func (p *PortSpace) RegisterOut8(port uint16, fn func(uint8))     { p.out8[port] = fn }
func (p *PortSpace) RegisterOut16(port uint16, fn func(uint16))   { p.out16[port] = fn }
func (p *PortSpace) RegisterOut32(port uint16, fn func(uint32))   { p.out32[port] = fn }

// In8 reads from port, returning 0xff for an unmapped port (the
// conventional x86 "nothing answered" pull-up value).
func (p *PortSpace) In8(port uint16) uint8 {
	if fn, ok := p.in8[port]; ok {
		return fn()
	}
	return 0xff
}

// In16 reads a 16-bit port.
func (p *PortSpace) In16(port uint16) uint16 {
	if fn, ok := p.in16[port]; ok {
		return fn()
	}
	return 0xffff
}

// In32 reads a 32-bit port.
func (p *PortSpace) In32(port uint16) uint32 {
	if fn, ok := p.in32[port]; ok {
		return fn()
	}
	return 0xffffffff
}

// Out8 writes an 8-bit port; unmapped ports are silently dropped, as real
// hardware with nothing installed on the bus would be.
func (p *PortSpace) Out8(port uint16, v uint8) {
	if fn, ok := p.out8[port]; ok {
		fn(v)
	}
}

// Out16 writes a 16-bit port.
func (p *PortSpace) Out16(port uint16, v uint16) {
	if fn, ok := p.out16[port]; ok {
		fn(v)
	}
}

// Out32 writes a 32-bit port.
func (p *PortSpace) Out32(port uint16, v uint32) {
	if fn, ok := p.out32[port]; ok {
		fn(v)
	}
}

// PageSize reports the host page size, used by tbcache/shadow to size
// mmap'd regions consistently with whatever host this binary runs on.
func PageSize() int {
	return unix.Getpagesize()
}
