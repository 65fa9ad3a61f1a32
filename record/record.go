/*
 * vx86 - Record and replay log.
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

// Package record implements the record/replay log: a sequence of
// length-prefixed, tag-prefixed records on a raw disk backing file,
// capturing every non-deterministic event (I/O, interrupts, periodic
// VCPU snapshots, and the PANIC/EXIT terminators) so a run can be
// deterministically replayed.
//
// A Log wraps one *os.File with explicit read/write mode and position
// state; records use fixed-width encoding/binary headers.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// Tag identifies one record kind.
type Tag uint8

const (
	TagMS Tag = 1 + iota
	TagINTR
	TagIN
	TagINS
	TagOUT
	TagOUTS
	TagMREP
	TagPANIC
	TagEXIT
)

func (t Tag) String() string {
	switch t {
	case TagMS:
		return "MS"
	case TagINTR:
		return "INTR"
	case TagIN:
		return "IN"
	case TagINS:
		return "INS"
	case TagOUT:
		return "OUT"
	case TagOUTS:
		return "OUTS"
	case TagMREP:
		return "MREP"
	case TagPANIC:
		return "PANIC"
	case TagEXIT:
		return "EXIT"
	default:
		return "?"
	}
}

// Snapshot is the MS record payload: enough VCPU state to resume replay
// from this point without re-deriving it from earlier records.
type Snapshot struct {
	GPR    [8]uint32
	EIP    uint32
	EFLAGS uint32
	CR     [5]uint32
	NExec  uint64
}

// Record is one decoded log entry.
type Record struct {
	Tag    Tag
	NExec  uint64
	Vector uint8   // TagINTR
	Code   uint32  // TagINTR error_code
	Port   uint16  // TagIN/INS/OUT/OUTS
	Size   uint8   // TagIN/INS/OUT/OUTS: 1, 2, or 4
	Value  uint32  // TagIN/TagOUT
	Count  uint32  // TagINS/TagOUTS
	Buffer []byte  // TagINS/TagOUTS
	Snap   Snapshot // TagMS
}

// ErrDivergence reports a replay-time mismatch between the expected and
// observed log position; main exits with code 14 on it.
var ErrDivergence = errors.New("record: replay divergence")

// Process exit codes.
const (
	ExitNormal          = 0
	ExitPanicReproduced = 13
	ExitMismatch        = 14
)

// Log is an open record/replay log, either being appended to (Record
// mode) or read from in order (Replay mode).
type Log struct {
	file   *os.File
	replay bool
	// pending holds the next record read during replay but not yet
	// consumed by Advance, so Peek can be checked against the current
	// n_exec before deciding whether to apply it. pendingOff is the byte
	// offset the pending record starts at, so Offset stays a stable
	// rollback anchor whether or not a Peek is outstanding.
	pending    *Record
	pendingErr error
	pendingOff int64
}

// Create opens path for a fresh record-mode log, truncating any
// existing contents.
func Create(path string) (*Log, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("record: create %s: %w", path, err)
	}
	return &Log{file: f}, nil
}

// Open opens path for replay: records are read back in the order they
// were written.
func Open(path string) (*Log, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("record: open %s: %w", path, err)
	}
	return &Log{file: f, replay: true}, nil
}

// Close releases the backing file.
func (l *Log) Close() error { return l.file.Close() }

// SeekTo repositions a replay log to a byte offset previously returned
// by Offset — used by microreplay's bounded rollback to re-enter the
// log just before the rewound window.
func (l *Log) SeekTo(offset int64) error {
	l.pending = nil
	l.pendingErr = nil
	_, err := l.file.Seek(offset, io.SeekStart)
	return err
}

// Offset reports the log's current logical position — the start of the
// next unconsumed record — a stable rollback anchor.
func (l *Log) Offset() (int64, error) {
	if l.pending != nil {
		return l.pendingOff, nil
	}
	return l.file.Seek(0, io.SeekCurrent)
}

// --- Record mode -----------------------------------------------------

func (l *Log) write(tag Tag, payload []byte) error {
	var hdr [5]byte
	hdr[0] = byte(tag)
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := l.file.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := l.file.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// WriteIntr logs an interrupt delivery.
func (l *Log) WriteIntr(vector uint8, errorCode uint32, nExec uint64) error {
	var buf [13]byte
	buf[0] = vector
	binary.LittleEndian.PutUint32(buf[1:], errorCode)
	binary.LittleEndian.PutUint64(buf[5:], nExec)
	return l.write(TagINTR, buf[:])
}

// WriteIn logs a port-read result.
func (l *Log) WriteIn(port uint16, size uint8, value uint32, nExec uint64) error {
	var buf [15]byte
	binary.LittleEndian.PutUint16(buf[0:], port)
	buf[2] = size
	binary.LittleEndian.PutUint32(buf[3:], value)
	binary.LittleEndian.PutUint64(buf[7:], nExec)
	return l.write(TagIN, buf[:])
}

// WriteOut logs a port-write value, recorded for completeness even
// though replay never needs to re-derive it: outputs are deterministic,
// but logging them keeps the trace readable offline and symmetric with
// IN.
func (l *Log) WriteOut(port uint16, size uint8, value uint32, nExec uint64) error {
	var buf [15]byte
	binary.LittleEndian.PutUint16(buf[0:], port)
	buf[2] = size
	binary.LittleEndian.PutUint32(buf[3:], value)
	binary.LittleEndian.PutUint64(buf[7:], nExec)
	return l.write(TagOUT, buf[:])
}

// WriteIns/WriteOuts log a repeated string I/O operation's buffer.
func (l *Log) WriteIns(port uint16, size uint8, count uint32, buf []byte, nExec uint64) error {
	return l.writeStringIO(TagINS, port, size, count, buf, nExec)
}

func (l *Log) WriteOuts(port uint16, size uint8, count uint32, buf []byte, nExec uint64) error {
	return l.writeStringIO(TagOUTS, port, size, count, buf, nExec)
}

func (l *Log) writeStringIO(tag Tag, port uint16, size uint8, count uint32, data []byte, nExec uint64) error {
	payload := make([]byte, 15+len(data))
	binary.LittleEndian.PutUint16(payload[0:], port)
	payload[2] = size
	binary.LittleEndian.PutUint32(payload[3:], count)
	binary.LittleEndian.PutUint64(payload[7:], nExec)
	copy(payload[15:], data)
	return l.write(tag, payload)
}

// WriteSnapshot logs a periodic full VCPU snapshot (tag MS).
func (l *Log) WriteSnapshot(s Snapshot) error {
	buf := make([]byte, 8*4+4+4+5*4+8)
	off := 0
	for _, r := range s.GPR {
		binary.LittleEndian.PutUint32(buf[off:], r)
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:], s.EIP)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], s.EFLAGS)
	off += 4
	for _, c := range s.CR {
		binary.LittleEndian.PutUint32(buf[off:], c)
		off += 4
	}
	binary.LittleEndian.PutUint64(buf[off:], s.NExec)
	return l.write(TagMS, buf)
}

// WriteMicroReplayMarker writes an MREP boundary marker.
func (l *Log) WriteMicroReplayMarker() error { return l.write(TagMREP, nil) }

// WritePanic/WriteExit write the terminal records.
func (l *Log) WritePanic() error { return l.write(TagPANIC, nil) }
func (l *Log) WriteExit() error  { return l.write(TagEXIT, nil) }

// --- Replay mode -------------------------------------------------------

// Peek returns (without consuming) the next record in a replay log,
// reading it from disk on first call after each Advance/SeekTo.
func (l *Log) Peek() (*Record, error) {
	if l.pending != nil || l.pendingErr != nil {
		return l.pending, l.pendingErr
	}
	off, err := l.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	r, err := l.readOne()
	l.pending, l.pendingErr, l.pendingOff = r, err, off
	return r, err
}

// Advance consumes the record returned by the most recent Peek.
func (l *Log) Advance() {
	l.pending = nil
	l.pendingErr = nil
}

func (l *Log) readOne() (*Record, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(l.file, hdr[:]); err != nil {
		return nil, err
	}
	tag := Tag(hdr[0])
	n := binary.LittleEndian.Uint32(hdr[1:])
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(l.file, payload); err != nil {
			return nil, err
		}
	}
	return decode(tag, payload)
}

func decode(tag Tag, p []byte) (*Record, error) {
	r := &Record{Tag: tag}
	switch tag {
	case TagINTR:
		r.Vector = p[0]
		r.Code = binary.LittleEndian.Uint32(p[1:])
		r.NExec = binary.LittleEndian.Uint64(p[5:])
	case TagIN, TagOUT:
		r.Port = binary.LittleEndian.Uint16(p[0:])
		r.Size = p[2]
		r.Value = binary.LittleEndian.Uint32(p[3:])
		r.NExec = binary.LittleEndian.Uint64(p[7:])
	case TagINS, TagOUTS:
		r.Port = binary.LittleEndian.Uint16(p[0:])
		r.Size = p[2]
		r.Count = binary.LittleEndian.Uint32(p[3:])
		r.NExec = binary.LittleEndian.Uint64(p[7:])
		r.Buffer = append([]byte(nil), p[15:]...)
	case TagMS:
		off := 0
		for i := range r.Snap.GPR {
			r.Snap.GPR[i] = binary.LittleEndian.Uint32(p[off:])
			off += 4
		}
		r.Snap.EIP = binary.LittleEndian.Uint32(p[off:])
		off += 4
		r.Snap.EFLAGS = binary.LittleEndian.Uint32(p[off:])
		off += 4
		for i := range r.Snap.CR {
			r.Snap.CR[i] = binary.LittleEndian.Uint32(p[off:])
			off += 4
		}
		r.Snap.NExec = binary.LittleEndian.Uint64(p[off:])
		r.NExec = r.Snap.NExec
	case TagMREP, TagPANIC, TagEXIT:
		// no payload
	default:
		return nil, fmt.Errorf("record: unknown tag %d", tag)
	}
	return r, nil
}

// CheckAt is the per-block-entry replay check: if the next log record
// falls at the current n_exec it is consumed. It returns the due record
// (already Advance'd) or nil if the next record is not yet due, and
// ErrDivergence when the log's next record is already behind nExec (an
// n_exec overshoot).
func (l *Log) CheckAt(nExec uint64) (*Record, error) {
	r, err := l.Peek()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if r.Tag == TagMREP || r.Tag == TagPANIC || r.Tag == TagEXIT {
		// Markers carry no n_exec; they are due whenever encountered.
		l.Advance()
		return r, nil
	}
	if r.NExec > nExec {
		return nil, nil
	}
	if r.NExec < nExec {
		return nil, fmt.Errorf("%w: expected n_exec<=%d, log entry at %d", ErrDivergence, nExec, r.NExec)
	}
	l.Advance()
	return r, nil
}
