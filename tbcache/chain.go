/*
 * vx86 - Direct-jump chaining.
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

import "encoding/binary"

// Chain patches predecessor's edgeIndex'th unchained jump into a direct
// jump to successor, recording the incoming reference so a later
// eviction of successor can unchain it again.
func (c *Cache) Chain(predecessor Handle, edgeIndex int, successor Handle) bool {
	pred := c.TB(predecessor)
	succ := c.TB(successor)
	if pred == nil || succ == nil || edgeIndex < 0 || edgeIndex > 1 {
		return false
	}
	if pred.JmpOffset[edgeIndex] < 0 {
		return false
	}
	target := succ.Offset
	source := pred.Offset + pred.JmpOffset[edgeIndex] + 4 // rel32 is relative to the byte after the displacement
	disp := uint32(target - source)
	if c.unsealArena(c.arena) != nil {
		return false
	}
	binary.LittleEndian.PutUint32(c.arena[pred.Offset+pred.JmpOffset[edgeIndex]:], disp)
	if c.sealArena(c.arena) != nil {
		return false
	}

	pred.EdgeTarget[edgeIndex] = successor
	succ.Incoming = append(succ.Incoming, ChainRef{Predecessor: predecessor, EdgeIndex: uint8(edgeIndex)})
	return true
}

// Unchain reverts predecessor's edgeIndex'th jump back to its unchained
// baseline (a jump into the monitor's fallthrough stub), used both when
// the target TB is evicted and when the monitor tears down chaining for
// debugging.
func (c *Cache) Unchain(predecessor Handle, edgeIndex int) {
	pred := c.TB(predecessor)
	if pred == nil || edgeIndex < 0 || edgeIndex > 1 {
		return
	}
	if pred.JmpOffset[edgeIndex] < 0 || pred.EdgeOffset[edgeIndex] < 0 {
		return
	}
	if c.unsealArena(c.arena) != nil {
		return
	}
	baseline := binary.LittleEndian.Uint32(c.arena[pred.Offset+pred.EdgeOffset[edgeIndex]:])
	binary.LittleEndian.PutUint32(c.arena[pred.Offset+pred.JmpOffset[edgeIndex]:], baseline)
	_ = c.sealArena(c.arena)
	pred.EdgeTarget[edgeIndex] = noHandle
}
