/*
 * vx86 - Executable code arena.
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

package tbcache

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MmapArena allocates size bytes of anonymous memory, writable during
// emission and re-protected to PROT_READ|PROT_EXEC once code has been
// written.
func MmapArena(size int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("tbcache: mmap arena: %w", err)
	}
	return b, nil
}

// Seal mprotects the arena to PROT_READ|PROT_EXEC, called once emission
// into a region is finished and before any chained jump can reach it.
// Re-emission (e.g. after eviction reuses the watermark) requires
// Unseal first.
func Seal(arena []byte) error {
	if len(arena) == 0 {
		return nil
	}
	if err := unix.Mprotect(arena, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("tbcache: mprotect seal: %w", err)
	}
	return nil
}

// Unseal restores write access to the arena so the translator can emit
// new code after eviction has freed space.
func Unseal(arena []byte) error {
	if len(arena) == 0 {
		return nil
	}
	if err := unix.Mprotect(arena, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("tbcache: mprotect unseal: %w", err)
	}
	return nil
}

// FreeArena releases the mmap'd region.
func FreeArena(arena []byte) error {
	if len(arena) == 0 {
		return nil
	}
	if err := unix.Munmap(arena); err != nil {
		return fmt.Errorf("tbcache: munmap arena: %w", err)
	}
	return nil
}
