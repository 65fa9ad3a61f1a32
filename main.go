/*
 * vx86 - Main process.
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

// vx86 boots an unmodified real-mode/protected-mode x86 guest under
// dynamic binary translation: getopt flags, a config file, a slog
// logger, and an optional interactive console in front of the
// translation/shadow-paging/callout monitor core.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"log/slog"

	getopt "github.com/pborman/getopt/v2"

	"github.com/rcornwell/vx86/command/reader"
	config "github.com/rcornwell/vx86/config/configparser"
	"github.com/rcornwell/vx86/device"
	"github.com/rcornwell/vx86/microreplay"
	"github.com/rcornwell/vx86/monitor"
	"github.com/rcornwell/vx86/record"
	"github.com/rcornwell/vx86/shadow"
	logger "github.com/rcornwell/vx86/util/logger"
	"github.com/rcornwell/vx86/vcpu"

	_ "github.com/rcornwell/vx86/config/debugconfig"
)

var Logger *slog.Logger

// defaultGuestMemSize is the default 4 MB of guest RAM, configurable
// with the MEMORY option.
const defaultGuestMemSize = 4 * 1024 * 1024

// defaultArenaSize is the translation-cache arena's executable-memory
// backing, sized generously relative to guest RAM since TBs are denser
// than guest code on average.
const defaultArenaSize = 16 * 1024 * 1024

var monitorMemSize = defaultGuestMemSize
var monitorArenaSize = defaultArenaSize
var bootDiskPath string
var bootDiskPort uint16 = device.DefaultDiskPort

// init registers the monitor's config-file options (memory size, arena
// size, boot disk) with the config parser. BOOT accepts an
// optional leading hex token before the path (e.g. "BOOT 2345
// disk.img") selecting the paravirtual block device's base I/O port,
// so more than one disk image can eventually be attached without a
// port collision.
func init() {
	config.RegisterOption("MEMORY", func(_ uint16, value string, _ []config.Option) error {
		n, err := parseSize(value)
		if err != nil {
			return err
		}
		monitorMemSize = n
		return nil
	})
	config.RegisterOption("ARENA", func(_ uint16, value string, _ []config.Option) error {
		n, err := parseSize(value)
		if err != nil {
			return err
		}
		monitorArenaSize = n
		return nil
	})
	config.RegisterOption("BOOT", func(devNum uint16, value string, _ []config.Option) error {
		bootDiskPath = value
		if devNum != device.NoDev {
			bootDiskPort = devNum
		}
		return nil
	})
}

func parseSize(value string) (int, error) {
	if value == "" {
		return 0, errors.New("expected a size value")
	}
	mult := 1
	switch value[len(value)-1] {
	case 'K', 'k':
		mult = 1024
		value = value[:len(value)-1]
	case 'M', 'm':
		mult = 1024 * 1024
		value = value[:len(value)-1]
	}
	var n int
	if _, err := fmt.Sscanf(value, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", value, err)
	}
	return n * mult, nil
}

func main() {
	optConfig := getopt.StringLong("config", 'c', "", "Configuration file")
	optLogFile := getopt.StringLong("log", 'l', "", "Log file")
	optRecord := getopt.StringLong("record", 0, "", "Record non-deterministic events to this log")
	optReplay := getopt.StringLong("replay", 0, "", "Replay from a previously recorded log")
	optBoot := getopt.StringLong("boot", 'b', "", "Disk image to boot")
	optBatch := getopt.BoolLong("batch", 0, "Run to completion instead of opening the console")
	optHelp := getopt.BoolLong("help", 'h', "Help")
	getopt.Parse()

	if *optHelp {
		getopt.Usage()
		os.Exit(0)
	}

	var file *os.File
	if *optLogFile != "" {
		file, _ = os.Create(*optLogFile)
	}
	programLevel := new(slog.LevelVar)
	programLevel.Set(slog.LevelInfo)
	debugOn := false
	Logger = slog.New(logger.NewHandler(file, &slog.HandlerOptions{Level: programLevel, AddSource: false}, &debugOn))
	slog.SetDefault(Logger)

	Logger.Info("vx86 started")

	if *optConfig != "" {
		if _, err := os.Stat(*optConfig); os.IsNotExist(err) {
			Logger.Error("configuration file not found: " + *optConfig)
			os.Exit(1)
		}
		if err := config.LoadConfigFile(*optConfig); err != nil {
			Logger.Error(err.Error())
			os.Exit(1)
		}
	}
	if *optBoot != "" {
		bootDiskPath = *optBoot
	}

	m, err := monitor.New(monitor.Config{
		GuestMemSize: monitorMemSize,
		ArenaSize:    monitorArenaSize,
		Mode:         vcpu.ModeReal,
		Shadow:       shadow.Config{},
		Microreplay:  microreplay.DefaultConfig(),
	})
	if err != nil {
		Logger.Error("failed to start monitor: " + err.Error())
		os.Exit(1)
	}

	if *optRecord != "" && *optReplay != "" {
		Logger.Error("specify at most one of -record / -replay")
		os.Exit(1)
	}
	if *optRecord != "" {
		log, err := record.Create(*optRecord)
		if err != nil {
			Logger.Error("record: " + err.Error())
			os.Exit(1)
		}
		m.AttachRecord(log)
	}
	if *optReplay != "" {
		log, err := record.Open(*optReplay)
		if err != nil {
			Logger.Error("replay: " + err.Error())
			os.Exit(1)
		}
		m.AttachReplay(log)
	}

	if bootDiskPath != "" {
		disk, err := device.OpenBlockDeviceAt(bootDiskPath, bootDiskPort)
		if err != nil {
			Logger.Error("boot: " + err.Error())
			os.Exit(1)
		}
		disk.Register(m.Ports)
		if err := device.LoadBootSector(disk, m.Shadow.GuestMem); err != nil {
			Logger.Error("boot: " + err.Error())
			os.Exit(1)
		}
		m.VCPU.EIP = device.BootLoadAddr
		m.VCPU.EFLAGS = device.BootEFLAGS
		Logger.Info(fmt.Sprintf("booted %s, cs:eip=0000:%04x", bootDiskPath, m.VCPU.EIP))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if *optBatch {
		done := make(chan error, 1)
		go func() { done <- m.Run(0) }()
		select {
		case <-sigChan:
			Logger.Info("got quit signal")
		case err := <-done:
			if err != nil {
				var p monitor.Panic
				switch {
				case errors.As(err, &p):
					// Internal faults enter panic mode with console-only
					// output and no lock acquisition.
					logger.PanicSafe(p.Error())
					os.Exit(2)
				case errors.Is(err, monitor.ErrPanicReproduced):
					Logger.Info(err.Error())
					os.Exit(record.ExitPanicReproduced)
				case errors.Is(err, record.ErrDivergence):
					Logger.Error(err.Error())
					os.Exit(record.ExitMismatch)
				}
				Logger.Error(err.Error())
				os.Exit(1)
			}
		}
		return
	}

	go func() {
		<-sigChan
		fmt.Println("Got quit signal")
		os.Exit(0)
	}()

	reader.ConsoleReader(m)
	Logger.Info("vx86 shut down")
}
