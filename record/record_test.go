/*
 * vx86 - Record log test cases.
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

package record

import (
	"errors"
	"io"
	"path/filepath"
	"testing"
)

func TestWriteAndReplayRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.bin")

	w, err := Create(path)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := w.WriteIntr(0x21, 0, 5); err != nil {
		t.Fatalf("WriteIntr() error = %v", err)
	}
	if err := w.WriteIn(0x60, 1, 0x5a, 9); err != nil {
		t.Fatalf("WriteIn() error = %v", err)
	}
	if err := w.WriteSnapshot(Snapshot{EIP: 0x7c00, NExec: 9}); err != nil {
		t.Fatalf("WriteSnapshot() error = %v", err)
	}
	if err := w.WriteExit(); err != nil {
		t.Fatalf("WriteExit() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()

	want := []Tag{TagINTR, TagIN, TagMS, TagEXIT}
	for _, tag := range want {
		rec, err := r.Peek()
		if err != nil {
			t.Fatalf("Peek() error = %v", err)
		}
		if rec.Tag != tag {
			t.Fatalf("Peek().Tag = %v, want %v", rec.Tag, tag)
		}
		r.Advance()
	}

	if _, err := r.Peek(); err != io.EOF {
		t.Fatalf("Peek() at end error = %v, want io.EOF", err)
	}
}

func TestCheckAtConsumesDueRecordOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.bin")
	w, err := Create(path)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := w.WriteIntr(0x21, 0, 10); err != nil {
		t.Fatalf("WriteIntr() error = %v", err)
	}
	w.Close()

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()

	rec, err := r.CheckAt(5)
	if err != nil {
		t.Fatalf("CheckAt(5) error = %v", err)
	}
	if rec != nil {
		t.Fatalf("CheckAt(5) = %v, want nil (not yet due)", rec)
	}

	rec, err = r.CheckAt(10)
	if err != nil {
		t.Fatalf("CheckAt(10) error = %v", err)
	}
	if rec == nil || rec.Tag != TagINTR {
		t.Fatalf("CheckAt(10) = %v, want an INTR record", rec)
	}
}

// TestCheckAtDivergesOnOvershoot: if n_exec races past a logged event
// without consuming it, CheckAt reports ErrDivergence instead of
// silently skipping the entry.
func TestCheckAtDivergesOnOvershoot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.bin")
	w, err := Create(path)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := w.WriteIntr(0x21, 0, 10); err != nil {
		t.Fatalf("WriteIntr() error = %v", err)
	}
	w.Close()

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()

	if _, err := r.CheckAt(11); !errors.Is(err, ErrDivergence) {
		t.Fatalf("CheckAt(11) error = %v, want ErrDivergence", err)
	}
}

func TestSeekToResetsPending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.bin")
	w, err := Create(path)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := w.WriteIntr(0x21, 0, 1); err != nil {
		t.Fatalf("WriteIntr() error = %v", err)
	}
	if err := w.WriteIntr(0x22, 0, 2); err != nil {
		t.Fatalf("WriteIntr() error = %v", err)
	}
	w.Close()

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer r.Close()

	if _, err := r.Peek(); err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	off, err := r.Offset()
	if err != nil {
		t.Fatalf("Offset() error = %v", err)
	}
	r.Advance()
	if _, err := r.Peek(); err != nil {
		t.Fatalf("second Peek() error = %v", err)
	}

	if err := r.SeekTo(off); err != nil {
		t.Fatalf("SeekTo() error = %v", err)
	}
	rec, err := r.Peek()
	if err != nil {
		t.Fatalf("Peek() after SeekTo() error = %v", err)
	}
	if rec.Vector != 0x21 {
		t.Fatalf("Peek().Vector after SeekTo() = %#x, want 0x21", rec.Vector)
	}
}
