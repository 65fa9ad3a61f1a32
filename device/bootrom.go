/*
 * vx86 - Boot sector loading.
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

// INT-13h-compatible boot convention: sector 0 lands at guest physical
// 0x7c00 and the guest starts executing there with cs:eip = 0:0x7c00.
const (
	BootLoadAddr  uint32 = 0x7c00
	BootEFLAGS    uint32 = 0x202 // reserved bit 1 always set, IF set
)

// LoadBootSector reads sector 0 from disk and copies it into guestMem
// at BootLoadAddr.
func LoadBootSector(disk *BlockDevice, guestMem []byte) error {
	sector, err := disk.ReadSector(0)
	if err != nil {
		return err
	}
	copy(guestMem[BootLoadAddr:], sector[:])
	return nil
}
