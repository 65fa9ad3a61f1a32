/*
 * vx86 - Micro-replay rollback controller.
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

// Package microreplay implements the bounded-rollback controller: on a
// trigger (periodic instruction count or the guest panic entry point),
// it harvests the last N recorded interrupt-injection points, seeks the
// log back, and replays forward with those eips blacklisted from
// interrupt delivery, to localize a non-deterministic divergence to a
// minimal reproduction.
//
// The blacklist is a small sorted interval list with coalescing
// inserts; rollback itself is an explicit three-state machine
// (RollbackMode) rather than a tangle of flags.
package microreplay

import "sort"

// RollbackMode tracks where a rollback investigation stands.
type RollbackMode uint8

const (
	RollbackNone RollbackMode = iota
	RollbackArmed
	RollbackReplaying
)

// Growth selects how N grows across unsuccessful rounds.
type Growth uint8

const (
	GrowthGeometric Growth = iota
	GrowthLinear
)

// Defaults: N = 32, geometric growth, cumulative.
const (
	DefaultN               = 32
	DefaultBlacklistWindow = 64
)

// Injection is one recorded interrupt-injection point: the eip at which
// the interrupt was delivered and the n_exec it was delivered at.
type Injection struct {
	EIP   uint32
	NExec uint64
}

// Interval is a blacklist entry: an inclusive [begin, end] range of
// guest eips.
type Interval struct {
	Begin, End uint32
}

// Blacklist holds coalesced eip intervals; adjacent or overlapping
// intervals merge on insert.
type Blacklist struct {
	intervals []Interval // kept sorted, non-overlapping, non-adjacent
}

// Add inserts [begin, end], coalescing with any intervals it touches.
func (b *Blacklist) Add(begin, end uint32) {
	if end < begin {
		begin, end = end, begin
	}
	merged := Interval{Begin: begin, End: end}
	var out []Interval
	inserted := false
	for _, iv := range b.intervals {
		if iv.End+1 < merged.Begin {
			out = append(out, iv)
			continue
		}
		if merged.End+1 < iv.Begin {
			if !inserted {
				out = append(out, merged)
				inserted = true
			}
			out = append(out, iv)
			continue
		}
		// overlap or touching: fold into merged
		if iv.Begin < merged.Begin {
			merged.Begin = iv.Begin
		}
		if iv.End > merged.End {
			merged.End = iv.End
		}
	}
	if !inserted {
		out = append(out, merged)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Begin < out[j].Begin })
	b.intervals = out
}

// AddEIP registers a single blacklisted eip, widened to the configured
// window so nearby injection sites coalesce into one interval.
func (b *Blacklist) AddEIP(eip uint32, window uint32) {
	half := window / 2
	begin := eip - half
	if half > eip {
		begin = 0
	}
	b.Add(begin, eip+half)
}

// Contains is the main loop's membership check, a binary search over
// the sorted, coalesced interval list.
func (b *Blacklist) Contains(eip uint32) bool {
	i := sort.Search(len(b.intervals), func(i int) bool { return b.intervals[i].End >= eip })
	return i < len(b.intervals) && b.intervals[i].Begin <= eip
}

// Intervals returns a copy of the current coalesced interval set, for
// inspection (e.g. the "blacklist" monitor console command) and tests.
func (b *Blacklist) Intervals() []Interval {
	return append([]Interval(nil), b.intervals...)
}

// Config holds the rollback tuning knobs.
type Config struct {
	InitialN        int
	Growth          Growth
	BlacklistWindow uint32
	Cumulative      bool // accumulate blacklist entries across rounds (MREP_CUMULATIVE)
	Frequency       uint64 // MICRO_REPLAY_FREQUENCY, instructions between periodic invocations
}

// DefaultConfig returns the standard rollback tuning.
func DefaultConfig() Config {
	return Config{
		InitialN:        DefaultN,
		Growth:          GrowthGeometric,
		BlacklistWindow: DefaultBlacklistWindow,
		Cumulative:      true,
		Frequency:       1 << 24,
	}
}

// Controller drives one micro-replay investigation across rounds.
type Controller struct {
	Config Config

	Mode RollbackMode

	n         int
	blacklist Blacklist

	// RollbackTarget is the n_exec the current replay round must reach
	// to declare success (the original invocation point).
	RollbackTarget uint64
	// RollbackAnchor is the log offset SeekTo must return to, just
	// before the rewound window's records.
	RollbackAnchor int64
}

// New returns a fresh controller in RollbackNone.
func New(cfg Config) *Controller {
	if cfg.InitialN <= 0 {
		cfg = DefaultConfig()
	}
	return &Controller{Config: cfg, n: cfg.InitialN}
}

// N reports the current round's interrupt-rewind count.
func (c *Controller) N() int { return c.n }

// Blacklisted reports whether eip is currently suppressed for interrupt
// injection; suppression only bites while a rolled-back window is
// replaying.
func (c *Controller) Blacklisted(eip uint32) bool {
	return c.Mode == RollbackReplaying && c.blacklist.Contains(eip)
}

// Blacklist exposes the accumulated interval set (read-only use by the
// monitor console's "blacklist" command).
func (c *Controller) Blacklist() []Interval { return c.blacklist.Intervals() }

// ArmResult is the outcome of attempting to arm a round: Deterministic
// is set when fewer than N interrupts were ever seen, in which case the
// failure cannot depend on the injection schedule and the investigation
// ends.
type ArmResult struct {
	Deterministic bool
	Anchor        int64
	Target        uint64
}

// Arm harvests the last c.n recorded interrupt-injection points from
// history (oldest first) and transitions RollbackNone -> RollbackArmed,
// recording the anchor to seek the log to and the target n_exec a
// successful bounded replay must reach.
func (c *Controller) Arm(history []Injection, offsetAtNExec func(nExec uint64) int64) ArmResult {
	if len(history) < c.n {
		return ArmResult{Deterministic: true}
	}
	if !c.Config.Cumulative {
		c.blacklist = Blacklist{}
	}
	start := history[len(history)-c.n:]
	for _, inj := range start {
		c.blacklistEIP(inj.EIP)
	}
	anchorNExec := start[0].NExec
	c.RollbackAnchor = offsetAtNExec(anchorNExec)
	c.RollbackTarget = history[len(history)-1].NExec
	c.Mode = RollbackArmed
	return ArmResult{Anchor: c.RollbackAnchor, Target: c.RollbackTarget}
}

func (c *Controller) blacklistEIP(eip uint32) {
	c.blacklist.AddEIP(eip, c.Config.BlacklistWindow)
}

// BeginReplay transitions RollbackArmed -> RollbackReplaying once the
// monitor has seeked the log back and restored the rollback base.
func (c *Controller) BeginReplay() {
	if c.Mode == RollbackArmed {
		c.Mode = RollbackReplaying
	}
}

// Reached reports whether nExec has reached the recorded rollback
// target, i.e. the bounded replay window has been fully re-executed.
func (c *Controller) Reached(nExec uint64) bool {
	return c.Mode == RollbackReplaying && nExec >= c.RollbackTarget
}

// Conclude transitions RollbackReplaying -> RollbackNone. The monitor
// calls it when the window replayed through to its target without the
// failure recurring, after GrowN has widened N for the next round; a
// failure that recurs under the blacklist is the minimized reproduction,
// which the monitor reports (ErrPanicReproduced) without concluding.
func (c *Controller) Conclude() {
	c.Mode = RollbackNone
}

// GrowN widens N for the next round per the configured growth policy.
func (c *Controller) GrowN() {
	switch c.Config.Growth {
	case GrowthLinear:
		c.n += DefaultN
	default:
		c.n *= 2
	}
}
