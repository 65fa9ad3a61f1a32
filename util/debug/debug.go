/*
 * vx86 - Log debug data to a file
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

// Package debug provides the mask-gated trace helpers used throughout
// the monitor core, one trace class per core subsystem.
package debug

import (
	"fmt"
	"os"
	"strconv"

	config "github.com/rcornwell/vx86/config/configparser"
)

// Trace classes, one bit per core component.
const (
	Decode = 1 << iota
	Translate
	Shadow
	Mtrace
	Callout
	Replay
)

var classNames = map[string]int{
	"DECODE":    Decode,
	"TRANSLATE": Translate,
	"SHADOW":    Shadow,
	"MTRACE":    Mtrace,
	"CALLOUT":   Callout,
	"REPLAY":    Replay,
}

var (
	logFile    *os.File
	activeMask int
)

// ClassByName resolves a config-file trace class name (case already
// upper, as config.debugconfig hands it in).
func ClassByName(name string) (int, bool) {
	c, ok := classNames[name]
	return c, ok
}

// Enable turns on the given trace classes for the remainder of the run.
func Enable(mask int) { activeMask |= mask }

// Active reports whether any bit of mask is currently enabled.
func Active(mask int) bool { return activeMask&mask != 0 }

// Debugf emits a mask-gated trace line tagged with module, matching
// util/debug's Debugf shape (module-prefixed, newline-terminated,
// written to the configured debug file only).
func Debugf(module string, mask int, format string, a ...interface{}) {
	if logFile == nil || activeMask&mask == 0 {
		return
	}
	fmt.Fprintf(logFile, module+": "+format+"\n", a...)
}

// DebugDevf is Debugf for a message tagged by guest I/O port number
// rather than a module name.
func DebugDevf(port uint16, mask int, format string, a ...interface{}) {
	if logFile == nil || activeMask&mask == 0 {
		return
	}
	p := strconv.FormatUint(uint64(port), 16)
	fmt.Fprintf(logFile, "port "+p+": "+format+"\n", a...)
}

// register the DEBUGFILE config option on initialize.
func init() {
	config.RegisterFile("DEBUGFILE", create)
}

// Create the debug trace output file.
func create(_ uint16, fileName string, _ []config.Option) error {
	if logFile != nil {
		return fmt.Errorf("can't have more than one debug file, previous: %s", logFile.Name())
	}

	file, err := os.Create(fileName)
	if err != nil {
		return fmt.Errorf("unable to create debug file: %s", fileName)
	}

	logFile = file
	return nil
}
