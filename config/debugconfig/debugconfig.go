/*
 * vx86 - Debug options configuration.
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

// Package debugconfig wires the "debug" config-file option to
// util/debug's trace-class mask: one DECODE/TRANSLATE/SHADOW/MTRACE/
// CALLOUT/REPLAY class per core subsystem.
package debugconfig

import (
	"errors"
	"strings"

	config "github.com/rcornwell/vx86/config/configparser"
	"github.com/rcornwell/vx86/util/debug"
)

func init() {
	config.RegisterModel("DEBUG", config.TypeOptions, setDebug)
}

// setDebug handles a line of the form:
//
//	debug <class> [<class> ...]
//
// where device is the first class name (configparser hands the line's
// first token in as "device" regardless of type) and options carries
// any further class names.
func setDebug(_ uint16, device string, options []config.Option) error {
	if err := enableClass(device); err != nil {
		return err
	}
	for _, opt := range options {
		if err := enableClass(opt.Name); err != nil {
			return err
		}
	}
	return nil
}

func enableClass(name string) error {
	class, ok := debug.ClassByName(strings.ToUpper(name))
	if !ok {
		return errors.New("debug option invalid: " + name)
	}
	debug.Enable(class)
	return nil
}
