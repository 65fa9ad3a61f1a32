/*
 * vx86 - Replay and rollback support.
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

package monitor

import (
	"fmt"

	"github.com/rcornwell/vx86/record"
	"github.com/rcornwell/vx86/util/debug"
)

// applyReplayedRecord reacts to a log entry CheckAt determined is due
// at the current n_exec. IN records are queued so the in instruction
// inside the block reads the recorded value back instead of touching
// the emulated port; OUT/INS/OUTS records
// exist for CheckAt's divergence detection (outputs are deterministic);
// INTR records are likewise verification-only, since this repository's
// devices re-raise the same lines deterministically during replay. The
// PANIC/EXIT terminators are informational during replay too — the guest
// reaches its own halt deterministically — while microreplay's MREP
// boundary drives the Armed->Replaying transition.
func (m *Monitor) applyReplayedRecord(rec *record.Record) error {
	switch rec.Tag {
	case record.TagIN:
		m.pendingIn = append(m.pendingIn, rec)
	case record.TagPANIC, record.TagEXIT:
		debug.Debugf("replay", debug.Replay, "log terminator %v at n_exec=%d", rec.Tag, m.VCPU.NExec)
	case record.TagMREP:
		m.Micro.BeginReplay()
	}
	return nil
}

// takePendingIn pops the oldest queued replayed IN record matching
// (port, size), or nil when the block's port read has no recorded value
// due — which in a faithful replay only happens when the log itself has
// diverged, surfaced later by CheckAt.
func (m *Monitor) takePendingIn(port uint16, size uint8) *record.Record {
	for i, rec := range m.pendingIn {
		if rec.Port == port && rec.Size == size {
			m.pendingIn = append(m.pendingIn[:i], m.pendingIn[i+1:]...)
			return rec
		}
	}
	return nil
}

// captureCheckpoint snapshots the full rollback base (VCPU, guest memory,
// log position) at a micro-replay trigger boundary. Guest memory must be
// part of the checkpoint: the replayed window re-executes every store, so
// the base state has to predate all of them.
func (m *Monitor) captureCheckpoint() {
	off, err := m.Record.Offset()
	if err != nil {
		return
	}
	if m.checkpoint.mem == nil {
		m.checkpoint.mem = make([]byte, len(m.Shadow.GuestMem))
	}
	copy(m.checkpoint.mem, m.Shadow.GuestMem)
	m.checkpoint.vcpu = *m.VCPU
	m.checkpoint.nExec = m.VCPU.NExec
	m.checkpoint.logOff = off
	m.checkpoint.valid = true
}

// TriggerMicroReplay arms one bounded-rollback round: harvest the last
// N interrupt-injection points, blacklist their eips, seek the log
// back, restore the rollback checkpoint, and re-enter replay with
// injection suppression active. Returns nil with the controller left in
// RollbackNone when the investigation declares the failure
// deterministic (fewer than N injections ever happened).
func (m *Monitor) TriggerMicroReplay() error {
	if m.Record == nil || !m.Replay {
		return Panic{Reason: "micro-replay requires an attached replay log"}
	}
	if !m.checkpoint.valid {
		// No boundary has passed yet; nothing to roll back to.
		return nil
	}
	target := m.VCPU.NExec
	// The rollback base is the guest-memory checkpoint, which always
	// predates the harvested anchors: replay restarts there and the
	// blacklist only bites once the anchor eips come around again.
	res := m.Micro.Arm(m.injHistory, func(uint64) int64 { return m.checkpoint.logOff })
	if res.Deterministic {
		debug.Debugf("replay", debug.Replay, "micro-replay: fewer than %d injections seen, failure is deterministic", m.Micro.N())
		return nil
	}
	m.Micro.RollbackTarget = target

	if err := m.Record.SeekTo(m.checkpoint.logOff); err != nil {
		return fmt.Errorf("monitor: micro-replay seek: %w", err)
	}
	*m.VCPU = m.checkpoint.vcpu
	copy(m.Shadow.GuestMem, m.checkpoint.mem)
	m.Shadow.CR3Change(m.VCPU.CR[3])
	m.Jump.Purge()
	m.pendingIn = m.pendingIn[:0]
	m.halted = false
	m.Micro.BeginReplay()
	debug.Debugf("replay", debug.Replay, "micro-replay: rolled back to n_exec=%d, target=%d, blacklist=%d interval(s)",
		m.VCPU.NExec, target, len(m.Micro.Blacklist()))
	return nil
}
