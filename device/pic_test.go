/*
 * vx86 - Interrupt controller test cases.
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

package device

import "testing"

type fakePorts struct {
	in8   map[uint16]func() uint8
	out8  map[uint16]func(uint8)
	out16 map[uint16]func(uint16)
}

func newFakePorts() *fakePorts {
	return &fakePorts{
		in8:   map[uint16]func() uint8{},
		out8:  map[uint16]func(uint8){},
		out16: map[uint16]func(uint16){},
	}
}

func (f *fakePorts) RegisterIn8(port uint16, fn func() uint8)   { f.in8[port] = fn }
func (f *fakePorts) RegisterIn16(uint16, func() uint16)         {}
func (f *fakePorts) RegisterOut8(port uint16, fn func(uint8))   { f.out8[port] = fn }
func (f *fakePorts) RegisterOut16(port uint16, fn func(uint16)) { f.out16[port] = fn }

func (f *fakePorts) readIn8(port uint16) uint8 { return f.in8[port]() }

func TestPICPowerOnStateFullyMasked(t *testing.T) {
	p := NewPIC()
	if _, ok := p.Pending(); ok {
		t.Fatalf("Pending() on a fresh PIC = ok, want false (power-on masks both units)")
	}
}

func TestPICRaiseUnmaskedLineIsPending(t *testing.T) {
	p := NewPIC()
	ports := newFakePorts()
	p.Register(ports)

	ports.out8[portMasterData](0xfe) // unmask line 0 only

	p.Raise(0, 0)
	vector, ok := p.Pending()
	if !ok {
		t.Fatalf("Pending() = false after Raise() on an unmasked line")
	}
	if vector != 0x08 {
		t.Fatalf("Pending() vector = %#x, want 0x08 (default master offset + line 0)", vector)
	}
}

func TestPICMaskedLineStaysPendingButNotDelivered(t *testing.T) {
	p := NewPIC()
	p.Raise(0, 3) // both units start fully masked
	if _, ok := p.Pending(); ok {
		t.Fatalf("Pending() = true for a masked line")
	}
}

func TestPICAckClearsPendingLine(t *testing.T) {
	p := NewPIC()
	ports := newFakePorts()
	p.Register(ports)
	ports.out8[portMasterData](0xfe)

	p.Raise(0, 0)
	vector, ok := p.Pending()
	if !ok {
		t.Fatalf("Pending() = false before Ack()")
	}
	p.Ack(vector)
	if _, ok := p.Pending(); ok {
		t.Fatalf("Pending() = true after Ack(), want cleared")
	}
}

func TestPICDataWriteSetsVectorOffsetThenMask(t *testing.T) {
	p := NewPIC()
	ports := newFakePorts()
	p.Register(ports)

	ports.out8[portMasterCmd](1 << 4) // ICW1: begin init sequence
	ports.out8[portMasterData](0x50) // ICW2: vector offset (low 3 bits clear)
	ports.out8[portMasterData](0xfe) // now treated as the steady-state mask write

	p.Raise(0, 0)
	vector, ok := p.Pending()
	if !ok {
		t.Fatalf("Pending() = false after reprogramming the vector offset")
	}
	if vector != 0x50 {
		t.Fatalf("Pending() vector = %#x, want 0x50 (reprogrammed offset)", vector)
	}
}
