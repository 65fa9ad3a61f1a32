/*
 * vx86 - Command parser.
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

// Package parser implements the monitor's interactive console command
// language: boot, examine, deposit, blacklist, replay, micro, go, step,
// show and quit. Commands are matched by minimum-length abbreviation
// against a command table, with a small hand-rolled line scanner.
package parser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/rcornwell/vx86/device"
	"github.com/rcornwell/vx86/monitor"
	"github.com/rcornwell/vx86/record"
	"github.com/rcornwell/vx86/util/hex"
	"github.com/rcornwell/vx86/vcpu"
)

type cmd struct {
	name    string
	min     int
	process func(*cmdLine, *monitor.Monitor) (bool, error)
}

type cmdLine struct {
	line string
	pos  int
}

var cmdList = []cmd{
	{name: "boot", min: 4, process: cmdBoot},
	{name: "go", min: 2, process: cmdGo},
	{name: "step", min: 4, process: cmdStep},
	{name: "examine", min: 2, process: cmdExamine},
	{name: "deposit", min: 2, process: cmdDeposit},
	{name: "blacklist", min: 5, process: cmdBlacklist},
	{name: "record", min: 3, process: cmdRecord},
	{name: "replay", min: 3, process: cmdReplay},
	{name: "micro", min: 5, process: cmdMicro},
	{name: "show", min: 2, process: cmdShow},
	{name: "quit", min: 4, process: cmdQuit},
	{name: "exit", min: 4, process: cmdQuit},
}

// ProcessCommand parses and executes one console line against m.
func ProcessCommand(commandLine string, m *monitor.Monitor) (bool, error) {
	line := cmdLine{line: commandLine}
	name := line.getWord()

	match := matchList(name)
	if len(match) == 0 {
		return false, errors.New("command not found: " + name)
	}
	if len(match) > 1 {
		return false, errors.New("ambiguous command: " + name)
	}
	return match[0].process(&line, m)
}

// CompleteCmd returns the console's tab-completion candidates for the
// partial line typed so far.
func CompleteCmd(commandLine string) []string {
	line := cmdLine{line: commandLine}
	name := line.getWord()
	if !line.isEOL() {
		return nil
	}
	match := matchList(name)
	out := make([]string, len(match))
	for i, m := range match {
		out[i] = m.name
	}
	return out
}

func matchCommand(c cmd, name string) bool {
	if len(name) == 0 || len(name) > len(c.name) {
		return false
	}
	for i := range name {
		if c.name[i] != name[i] {
			return false
		}
	}
	return len(name) >= c.min
}

func matchList(name string) []cmd {
	if name == "" {
		return nil
	}
	var out []cmd
	for _, c := range cmdList {
		if matchCommand(c, name) {
			out = append(out, c)
		}
	}
	return out
}

func (l *cmdLine) skipSpace() {
	for l.pos < len(l.line) && unicode.IsSpace(rune(l.line[l.pos])) {
		l.pos++
	}
}

func (l *cmdLine) isEOL() bool {
	l.skipSpace()
	return l.pos >= len(l.line) || l.line[l.pos] == '#'
}

func (l *cmdLine) getWord() string {
	l.skipSpace()
	start := l.pos
	for l.pos < len(l.line) && !unicode.IsSpace(rune(l.line[l.pos])) && l.line[l.pos] != '#' {
		l.pos++
	}
	return l.line[start:l.pos]
}

func (l *cmdLine) getHex() (uint64, error) {
	w := l.getWord()
	if w == "" {
		return 0, errors.New("expected a hex value")
	}
	return strconv.ParseUint(strings.TrimPrefix(strings.ToLower(w), "0x"), 16, 64)
}

func (l *cmdLine) getUint() (uint64, error) {
	w := l.getWord()
	if w == "" {
		return 0, errors.New("expected a number")
	}
	return strconv.ParseUint(w, 10, 64)
}

// cmdBoot loads sector 0 of the named disk image to guest physical
// 0x7c00 and sets cs:eip = 0:0x7c00, EFLAGS = 0x202.
func cmdBoot(l *cmdLine, m *monitor.Monitor) (bool, error) {
	path := l.getWord()
	if path == "" {
		return false, errors.New("boot requires a disk image path")
	}
	disk, err := device.OpenBlockDevice(path)
	if err != nil {
		return false, err
	}
	disk.Register(m.Ports)
	if err := device.LoadBootSector(disk, m.Shadow.GuestMem); err != nil {
		return false, err
	}
	cs := &m.VCPU.Segs[vcpu.SegCS]
	cs.Selector = 0
	cs.Base = 0
	m.VCPU.EIP = device.BootLoadAddr
	m.VCPU.EFLAGS = device.BootEFLAGS
	fmt.Printf("booted %s, cs:eip=0000:%04x\n", path, m.VCPU.EIP)
	return false, nil
}

// cmdGo runs the guest until halt or an unrecovered error.
func cmdGo(_ *cmdLine, m *monitor.Monitor) (bool, error) {
	if err := m.Run(0); err != nil {
		return false, err
	}
	if m.Halted() {
		fmt.Println("guest halted")
	}
	return false, nil
}

// cmdStep single-steps n guest instructions (default 1).
func cmdStep(l *cmdLine, m *monitor.Monitor) (bool, error) {
	n := 1
	if !l.isEOL() {
		v, err := l.getUint()
		if err != nil {
			return false, err
		}
		n = int(v)
	}
	for range n {
		if m.Halted() {
			break
		}
		if err := m.Step(); err != nil {
			return false, err
		}
	}
	fmt.Printf("eip=%#x n_exec=%d\n", m.VCPU.EIP, m.VCPU.NExec)
	return false, nil
}

// cmdExamine prints a guest register or a 16-byte row of guest physical memory.
func cmdExamine(l *cmdLine, m *monitor.Monitor) (bool, error) {
	what := l.getWord()
	switch strings.ToLower(what) {
	case "eip":
		fmt.Printf("eip = %#x\n", m.VCPU.EIP)
	case "eflags":
		fmt.Printf("eflags = %#x\n", m.VCPU.EFLAGS)
	case "cr3":
		fmt.Printf("cr3 = %#x\n", m.VCPU.CR[3])
	default:
		addr, err := strconv.ParseUint(strings.TrimPrefix(what, "0x"), 16, 32)
		if err != nil {
			return false, errors.New("examine: unknown register or address: " + what)
		}
		mem := m.Shadow.GuestMem
		if addr >= uint64(len(mem)) {
			return false, errors.New("examine: address out of range")
		}
		end := addr + 16
		if end > uint64(len(mem)) {
			end = uint64(len(mem))
		}
		var b strings.Builder
		hex.FormatBytes(&b, true, mem[addr:end])
		fmt.Printf("%#08x: %s\n", addr, b.String())
	}
	return false, nil
}

// cmdDeposit writes one byte into guest physical memory.
func cmdDeposit(l *cmdLine, m *monitor.Monitor) (bool, error) {
	addr, err := l.getHex()
	if err != nil {
		return false, err
	}
	val, err := l.getHex()
	if err != nil {
		return false, err
	}
	mem := m.Shadow.GuestMem
	if addr >= uint64(len(mem)) {
		return false, errors.New("deposit: address out of range")
	}
	mem[addr] = byte(val)
	return false, nil
}

// cmdBlacklist lists the micro-replay interrupt-injection blacklist.
func cmdBlacklist(l *cmdLine, m *monitor.Monitor) (bool, error) {
	if l.isEOL() {
		for _, iv := range m.Micro.Blacklist() {
			fmt.Printf("[%#x, %#x]\n", iv.Begin, iv.End)
		}
		return false, nil
	}
	eip, err := l.getHex()
	if err != nil {
		return false, err
	}
	_ = eip // widened via microreplay.Arm in normal operation; manual add not exposed beyond listing
	return false, errors.New("blacklist entries are derived from recorded injections; use 'micro' to arm a round")
}

// cmdRecord opens a new record log at path and attaches it to m.
func cmdRecord(l *cmdLine, m *monitor.Monitor) (bool, error) {
	path := l.getWord()
	if path == "" {
		return false, errors.New("record requires a log path")
	}
	log, err := record.Create(path)
	if err != nil {
		return false, err
	}
	m.AttachRecord(log)
	return false, nil
}

// cmdReplay opens an existing record log read-only and attaches it to m
// in replay mode.
func cmdReplay(l *cmdLine, m *monitor.Monitor) (bool, error) {
	path := l.getWord()
	if path == "" {
		return false, errors.New("replay requires a log path")
	}
	log, err := record.Open(path)
	if err != nil {
		return false, err
	}
	m.AttachReplay(log)
	return false, nil
}

// cmdMicro arms a micro-replay round: rewind to the last rollback
// checkpoint and blacklist the eips of the N most recent interrupt
// injections.
func cmdMicro(_ *cmdLine, m *monitor.Monitor) (bool, error) {
	if m.Record == nil || !m.Replay {
		return false, errors.New("micro: attach a replay log first")
	}
	if err := m.TriggerMicroReplay(); err != nil {
		return false, err
	}
	fmt.Printf("micro-replay: mode=%v n=%d blacklist=%d interval(s)\n",
		m.Micro.Mode, m.Micro.N(), len(m.Micro.Blacklist()))
	return false, nil
}

// cmdShow prints summary monitor state.
func cmdShow(l *cmdLine, m *monitor.Monitor) (bool, error) {
	what := strings.ToLower(l.getWord())
	switch what {
	case "", "vcpu":
		fmt.Printf("eip=%#x eflags=%#x cr0=%#x cr3=%#x n_exec=%d halted=%v\n",
			m.VCPU.EIP, m.VCPU.EFLAGS, m.VCPU.CR[0], m.VCPU.CR[3], m.VCPU.NExec, m.Halted())
	case "micro":
		fmt.Printf("mode=%v n=%d injections=%d blacklist=%d interval(s)\n",
			m.Micro.Mode, m.Micro.N(), m.Injections(), len(m.Micro.Blacklist()))
	case "replay":
		fmt.Printf("record=%v replay=%v\n", m.Record != nil, m.Replay)
	default:
		return false, errors.New("show: unknown topic: " + what)
	}
	return false, nil
}

func cmdQuit(_ *cmdLine, _ *monitor.Monitor) (bool, error) { return true, nil }
