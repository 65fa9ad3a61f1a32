/*
 * vx86 - Boot loader test cases.
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

func TestLoadBootSectorPlacesSectorZeroAtBootLoadAddr(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	disk, err := OpenBlockDevice(path)
	if err != nil {
		t.Fatalf("OpenBlockDevice() error = %v", err)
	}
	defer disk.Close()

	var sector0 [SectorSize]byte
	sector0[0], sector0[1] = 0xeb, 0x3c // a plausible x86 boot-sector jmp
	sector0[SectorSize-2], sector0[SectorSize-1] = 0x55, 0xaa
	if err := disk.WriteSector(0, sector0); err != nil {
		t.Fatalf("WriteSector() error = %v", err)
	}

	mem := make([]byte, int(BootLoadAddr)+SectorSize)
	if err := LoadBootSector(disk, mem); err != nil {
		t.Fatalf("LoadBootSector() error = %v", err)
	}
	for i := 0; i < SectorSize; i++ {
		if mem[int(BootLoadAddr)+i] != sector0[i] {
			t.Fatalf("mem[BootLoadAddr+%d] = %#x, want %#x", i, mem[int(BootLoadAddr)+i], sector0[i])
		}
	}
}
