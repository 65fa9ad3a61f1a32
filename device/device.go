/*
 * vx86 - Device registration.
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

// Package device provides the minimal collaborators the
// translation/shadow/callout core needs to be exercisable end-to-end
// without a real guest OS image: a legacy dual-8259 PIC, a paravirtual
// block device, and a boot-sector loader. Each model registers port
// handlers into the monitor's port space by address.
package device

// Device is the narrow interface every port-mapped model implements,
// kept deliberately small: these models exist only to give the core
// something to translate, fault on, and record.
type Device interface {
	// Register installs this device's port handlers into ports.
	Register(ports PortRegistrar)
}

// NoDev is the sentinel device/port number config reports when a
// configuration line's first token parses as a name rather than a hex
// address.
const NoDev uint16 = 0xffff

// PortRegistrar is the subset of priv.PortSpace device models need,
// kept as an interface here so device does not import priv directly —
// avoiding a dependency the monitor package is better placed to wire,
// since it alone owns the live PortSpace instance.
type PortRegistrar interface {
	RegisterIn8(port uint16, fn func() uint8)
	RegisterIn16(port uint16, fn func() uint16)
	RegisterOut8(port uint16, fn func(uint8))
	RegisterOut16(port uint16, fn func(uint16))
}
