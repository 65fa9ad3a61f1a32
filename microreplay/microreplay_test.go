/*
 * vx86 - Micro-replay controller test cases.
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

package microreplay

import "testing"

func TestBlacklistAddCoalescesAdjacentIntervals(t *testing.T) {
	var b Blacklist
	b.Add(100, 110)
	b.Add(111, 120) // touches [100,110] at the boundary
	b.Add(200, 210) // disjoint

	got := b.Intervals()
	want := []Interval{{Begin: 100, End: 120}, {Begin: 200, End: 210}}
	if len(got) != len(want) {
		t.Fatalf("Intervals() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Intervals()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestBlacklistAddMergesOverlappingSpan(t *testing.T) {
	var b Blacklist
	b.Add(0, 50)
	b.Add(300, 350)
	b.Add(40, 310) // spans and merges both existing intervals

	got := b.Intervals()
	if len(got) != 1 {
		t.Fatalf("Intervals() = %v, want a single merged interval", got)
	}
	if got[0] != (Interval{Begin: 0, End: 350}) {
		t.Fatalf("Intervals()[0] = %v, want {0 350}", got[0])
	}
}

func TestAddEIPWidensToWindowAndCoalesces(t *testing.T) {
	var b Blacklist
	b.AddEIP(1000, 64)
	b.AddEIP(1010, 64) // within the first entry's widened window: must coalesce

	got := b.Intervals()
	if len(got) != 1 {
		t.Fatalf("Intervals() = %v, want a single coalesced interval after two nearby eips", got)
	}
}

func TestAddEIPWindowClampsAtZero(t *testing.T) {
	var b Blacklist
	b.AddEIP(10, 64) // half=32 > eip=10, begin must clamp to 0, not underflow
	got := b.Intervals()
	if len(got) != 1 || got[0].Begin != 0 {
		t.Fatalf("Intervals() = %v, want Begin clamped to 0", got)
	}
}

func TestBlacklistContains(t *testing.T) {
	var b Blacklist
	b.Add(100, 200)
	if !b.Contains(150) {
		t.Fatalf("Contains(150) = false, want true")
	}
	if b.Contains(99) || b.Contains(201) {
		t.Fatalf("Contains() found membership outside [100,200]")
	}
}

// TestArmDeclaresDeterministicWhenHistoryShort: fewer than N recorded
// interrupts means there is nothing to roll back to, so the
// investigation declares the failure deterministic and never enters
// RollbackArmed.
func TestArmDeclaresDeterministicWhenHistoryShort(t *testing.T) {
	c := New(Config{InitialN: 8, BlacklistWindow: 16})
	history := []Injection{{EIP: 0x100, NExec: 1}, {EIP: 0x200, NExec: 2}}

	res := c.Arm(history, func(nExec uint64) int64 { return int64(nExec) * 32 })
	if !res.Deterministic {
		t.Fatalf("Arm() with short history = %+v, want Deterministic=true", res)
	}
	if c.Mode != RollbackNone {
		t.Fatalf("Mode after short-history Arm() = %v, want RollbackNone", c.Mode)
	}
}

// TestArmBeginReplayReachedConcludeLifecycle walks the rollback state
// machine end to end and verifies the blacklist picked up every
// harvested injection eip, widened and coalesced.
func TestArmBeginReplayReachedConcludeLifecycle(t *testing.T) {
	c := New(Config{InitialN: 2, BlacklistWindow: 16, Cumulative: true})
	history := []Injection{
		{EIP: 0x1000, NExec: 50},
		{EIP: 0x1008, NExec: 80}, // close enough to coalesce with 0x1000's window
		{EIP: 0x2000, NExec: 120},
	}

	res := c.Arm(history[len(history)-2:], func(nExec uint64) int64 { return int64(nExec) })
	if res.Deterministic {
		t.Fatalf("Arm() with sufficient history unexpectedly declared Deterministic")
	}
	if c.Mode != RollbackArmed {
		t.Fatalf("Mode after Arm() = %v, want RollbackArmed", c.Mode)
	}
	if c.Blacklisted(0x1008) {
		t.Fatalf("Blacklisted() true before BeginReplay()")
	}

	c.BeginReplay()
	if c.Mode != RollbackReplaying {
		t.Fatalf("Mode after BeginReplay() = %v, want RollbackReplaying", c.Mode)
	}
	if !c.Blacklisted(0x1008) || !c.Blacklisted(0x2000) {
		t.Fatalf("Blacklisted() false for a harvested injection eip: intervals=%v", c.Blacklist())
	}
	if c.Reached(119) {
		t.Fatalf("Reached(119) = true before target n_exec %d", c.RollbackTarget)
	}
	if !c.Reached(120) {
		t.Fatalf("Reached(120) = false at the exact target n_exec")
	}

	c.Conclude()
	if c.Mode != RollbackNone {
		t.Fatalf("Mode after Conclude() = %v, want RollbackNone", c.Mode)
	}
	if c.Blacklisted(0x1008) {
		t.Fatalf("Blacklisted() true once Mode left RollbackReplaying")
	}
}

// TestNonCumulativeRoundKeepsAllHarvestedEIPs: resetting a
// non-cumulative blacklist happens once per round, not per harvested
// injection. Every one of the round's N eips must land in the interval
// set.
func TestNonCumulativeRoundKeepsAllHarvestedEIPs(t *testing.T) {
	c := New(Config{InitialN: 3, BlacklistWindow: 8, Cumulative: false})
	history := []Injection{
		{EIP: 0x1000, NExec: 1},
		{EIP: 0x5000, NExec: 2},
		{EIP: 0x9000, NExec: 3},
	}
	if res := c.Arm(history, func(uint64) int64 { return 0 }); res.Deterministic {
		t.Fatalf("Arm() unexpectedly declared Deterministic")
	}
	c.BeginReplay()
	for _, inj := range history {
		if !c.Blacklisted(inj.EIP) {
			t.Fatalf("Blacklisted(%#x) = false, want every harvested eip of the round kept", inj.EIP)
		}
	}
}

func TestGrowNGeometricDoublesLinearAdds(t *testing.T) {
	geo := New(Config{InitialN: 32, Growth: GrowthGeometric})
	geo.GrowN()
	if geo.N() != 64 {
		t.Fatalf("geometric GrowN(): N() = %d, want 64", geo.N())
	}

	lin := New(Config{InitialN: 32, Growth: GrowthLinear})
	lin.GrowN()
	if lin.N() != 32+DefaultN {
		t.Fatalf("linear GrowN(): N() = %d, want %d", lin.N(), 32+DefaultN)
	}
}

func TestBlacklistResetsEachRoundWhenNotCumulative(t *testing.T) {
	c := New(Config{InitialN: 1, BlacklistWindow: 8, Cumulative: false})
	c.Arm([]Injection{{EIP: 0x100, NExec: 1}}, func(uint64) int64 { return 0 })
	c.BeginReplay()
	if !c.Blacklisted(0x100) {
		t.Fatalf("Blacklisted(0x100) = false after first round")
	}
	c.Conclude()

	c.Arm([]Injection{{EIP: 0x900, NExec: 2}}, func(uint64) int64 { return 0 })
	c.BeginReplay()
	if c.Blacklisted(0x100) {
		t.Fatalf("Blacklisted(0x100) = true after a non-cumulative re-arm, want stale entry dropped")
	}
	if !c.Blacklisted(0x900) {
		t.Fatalf("Blacklisted(0x900) = false for the new round's own injection eip")
	}
}
