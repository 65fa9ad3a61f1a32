/*
 * vx86 - Virtual interrupt controller.
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

import "sync"

// PIC is a minimal legacy dual-8259A virtual interrupt controller at
// I/O ports 0x20 (master) and 0xA0 (slave). It tracks per-line
// mask/pending state and the vector-offset registers, enough to drive
// IRQ-injection timing for record/replay determinism — not ICW/OCW
// fidelity beyond that.
type PIC struct {
	mu      sync.Mutex
	mask    [2]uint8 // bit set = line masked
	pending [2]uint8 // bit set = IRQ pending
	offset  [2]uint8 // ICW2 vector offset per unit
	icw2    [2]bool  // ICW1 seen, ICW2 not yet written
}

// NewPIC returns a PIC with both units fully masked, the real hardware's
// power-on state.
func NewPIC() *PIC {
	return &PIC{mask: [2]uint8{0xff, 0xff}, offset: [2]uint8{0x08, 0x70}}
}

const (
	portMasterCmd = 0x20
	portMasterData = 0x21
	portSlaveCmd   = 0xa0
	portSlaveData  = 0xa1
)

// Register installs the command/data port pairs for both units.
func (p *PIC) Register(ports PortRegistrar) {
	ports.RegisterOut8(portMasterCmd, func(v uint8) { p.command(0, v) })
	ports.RegisterOut8(portMasterData, func(v uint8) { p.data(0, v) })
	ports.RegisterIn8(portMasterData, func() uint8 { return p.readMask(0) })
	ports.RegisterOut8(portSlaveCmd, func(v uint8) { p.command(1, v) })
	ports.RegisterOut8(portSlaveData, func(v uint8) { p.data(1, v) })
	ports.RegisterIn8(portSlaveData, func() uint8 { return p.readMask(1) })
}

func (p *PIC) command(unit int, v uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	const icw1 = 1 << 4
	if v&icw1 != 0 {
		// ICW1: begin initialization sequence; the vector-offset ICW2
		// arrives next on the data port, handled in data().
		p.pending[unit] = 0
		p.icw2[unit] = true
		return
	}
	const ocw2NonSpecificEOI = 0x20
	if v == ocw2NonSpecificEOI {
		// Non-specific EOI: clear the highest-priority in-service line.
		// This model tracks only pending/mask, so EOI simply allows the
		// same line to re-raise.
	}
}

func (p *PIC) data(unit int, v uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// After ICW1 the next data write is ICW2 (vector offset); ICW3/ICW4
	// are not modeled. This minimal model only needs the vector offset to
	// compute injected vectors, so that one write after ICW1 updates it,
	// and every other write is treated as the OCW1 mask register (the
	// common steady-state case once init completes).
	if p.icw2[unit] {
		p.icw2[unit] = false
		p.offset[unit] = v
		return
	}
	p.mask[unit] = v
}

func (p *PIC) readMask(unit int) uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mask[unit]
}

// Raise marks line as pending on unit 0 (master) or 1 (slave), line in
// 0..7. Masked lines are recorded as pending but never delivered until
// unmasked, matching real 8259 behavior.
func (p *PIC) Raise(unit int, line uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[unit] |= 1 << line
}

// Pending reports the highest-priority unmasked pending vector, if
// any. IF and sti-shadow gating is the monitor's job; Pending only
// reports controller-side readiness.
func (p *PIC) Pending() (vector uint8, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for unit := 0; unit < 2; unit++ {
		active := p.pending[unit] &^ p.mask[unit]
		if active == 0 {
			continue
		}
		for line := uint8(0); line < 8; line++ {
			if active&(1<<line) != 0 {
				return p.offset[unit] + line, true
			}
		}
	}
	return 0, false
}

// Ack clears the pending bit for the line that produced vector, called
// once the monitor has delivered it into the guest.
func (p *PIC) Ack(vector uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for unit := 0; unit < 2; unit++ {
		if vector >= p.offset[unit] && vector < p.offset[unit]+8 {
			line := vector - p.offset[unit]
			p.pending[unit] &^= 1 << line
			return
		}
	}
}
