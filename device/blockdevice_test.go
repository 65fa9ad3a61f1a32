/*
 * vx86 - Block device test cases.
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

import (
	"path/filepath"
	"testing"
)

func TestBlockDeviceWriteReadSectorRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	b, err := OpenBlockDevice(path)
	if err != nil {
		t.Fatalf("OpenBlockDevice() error = %v", err)
	}
	defer b.Close()

	var data [SectorSize]byte
	for i := range data {
		data[i] = byte(i)
	}
	if err := b.WriteSector(3, data); err != nil {
		t.Fatalf("WriteSector() error = %v", err)
	}
	got, err := b.ReadSector(3)
	if err != nil {
		t.Fatalf("ReadSector() error = %v", err)
	}
	if got != data {
		t.Fatalf("ReadSector(3) did not round-trip what WriteSector(3) wrote")
	}
}

func TestBlockDeviceReadPastEndReturnsZeros(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	b, err := OpenBlockDevice(path)
	if err != nil {
		t.Fatalf("OpenBlockDevice() error = %v", err)
	}
	defer b.Close()

	got, err := b.ReadSector(100)
	if err != nil {
		t.Fatalf("ReadSector() past end error = %v, want nil", err)
	}
	var zero [SectorSize]byte
	if got != zero {
		t.Fatalf("ReadSector() past end returned non-zero data")
	}
}

func TestBlockDeviceRegisterUsesConfiguredBasePort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	b, err := OpenBlockDeviceAt(path, 0x3000)
	if err != nil {
		t.Fatalf("OpenBlockDeviceAt() error = %v", err)
	}
	defer b.Close()

	ports := newFakePorts()
	b.Register(ports)

	if _, ok := ports.out8[0x3000+offCommand]; !ok {
		t.Fatalf("Register() did not install the command port at basePort+offCommand (0x%x)", 0x3000+offCommand)
	}
	if _, ok := ports.in8[0x3000+offData]; !ok {
		t.Fatalf("Register() did not install the data-in port at basePort+offData (0x%x)", 0x3000+offData)
	}
}

func TestBlockDeviceCommandReadFillsBufferFromBackingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	b, err := OpenBlockDeviceAt(path, 0x2345)
	if err != nil {
		t.Fatalf("OpenBlockDeviceAt() error = %v", err)
	}
	defer b.Close()

	var data [SectorSize]byte
	data[0] = 0xaa
	if err := b.WriteSector(0, data); err != nil {
		t.Fatalf("WriteSector() error = %v", err)
	}

	ports := newFakePorts()
	b.Register(ports)
	ports.out16[0x2345+offSectorLo](0)
	ports.out8[0x2345+offCommand](0) // read command, sector 0

	if got := ports.readIn8(0x2345 + offData); got != 0xaa {
		t.Fatalf("first byte read back = %#x, want 0xaa", got)
	}
}
