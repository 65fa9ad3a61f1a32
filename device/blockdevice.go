/*
 * vx86 - Paravirtual block device.
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

package device

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// SectorSize is the paravirtual block device's fixed transfer unit,
// matching the legacy INT 13h sector convention.
const SectorSize = 512

// blockRequest/blockResponse are the worker's request/response channel
// pair: the backing-file I/O never runs on the guest's own thread, and
// the two sides communicate only by channel, never a shared mutex the
// guest depends on.
type blockRequest struct {
	write  bool
	sector uint32
	data   [SectorSize]byte
	resp   chan blockResponse
}

type blockResponse struct {
	data [SectorSize]byte
	err  error
}

// BlockDevice is a paravirtual disk at I/O port 0x2345+: guests select
// a sector via the command ports and transfer one SectorSize block at a
// time through a data port. The backing file is served by a dedicated
// worker goroutine shut down through a done channel and WaitGroup.
type BlockDevice struct {
	file     *os.File
	basePort uint16

	mu     sync.Mutex
	sector uint32
	buf    [SectorSize]byte
	bufPos int
	status uint8

	reqCh  chan blockRequest
	done   chan struct{}
	wg     sync.WaitGroup
}

// DefaultDiskPort is the paravirtual block device's base I/O port. A
// config-file line may override it with an explicit hex port so more
// than one image can be attached without colliding.
const DefaultDiskPort = 0x2345

// Port offsets relative to a BlockDevice's base port.
const (
	offSectorLo = 0 // uint16: low 16 bits of sector number
	offSectorHi = 1 // uint16: high 16 bits
	offCommand  = 2 // out: 0 = read, 1 = write; in: status (1 = busy, 0 = ready)
	offData     = 3 // in/out: next byte of the active sector buffer
)

// Status bits read back from offCommand.
const (
	statusReady uint8 = 0
	statusBusy  uint8 = 1
	statusError uint8 = 2
)

// OpenBlockDevice opens (or creates) path as the disk image backing
// store, attached at DefaultDiskPort. Use OpenBlockDeviceAt to attach at
// an explicit port.
func OpenBlockDevice(path string) (*BlockDevice, error) {
	return OpenBlockDeviceAt(path, DefaultDiskPort)
}

// OpenBlockDeviceAt opens path the same way OpenBlockDevice does but
// attaches the device at an explicit base port, so more than one image
// can be placed without a port collision.
func OpenBlockDeviceAt(path string, basePort uint16) (*BlockDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("device: open block image %s: %w", path, err)
	}
	b := &BlockDevice{file: f, basePort: basePort, reqCh: make(chan blockRequest), done: make(chan struct{})}
	b.wg.Add(1)
	go b.worker()
	return b, nil
}

// Close stops the worker and releases the backing file.
func (b *BlockDevice) Close() error {
	close(b.done)
	b.wg.Wait()
	return b.file.Close()
}

func (b *BlockDevice) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case req := <-b.reqCh:
			req.resp <- b.serve(req)
		}
	}
}

func (b *BlockDevice) serve(req blockRequest) blockResponse {
	off := int64(req.sector) * SectorSize
	if req.write {
		_, err := b.file.WriteAt(req.data[:], off)
		return blockResponse{err: err}
	}
	var resp blockResponse
	_, err := b.file.ReadAt(resp.data[:], off)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = nil // reading past the image's current length returns zeros
	}
	resp.err = err
	return resp
}

// ReadSector synchronously reads one sector through the worker.
func (b *BlockDevice) ReadSector(sector uint32) ([SectorSize]byte, error) {
	resp := make(chan blockResponse, 1)
	b.reqCh <- blockRequest{sector: sector, resp: resp}
	r := <-resp
	return r.data, r.err
}

// WriteSector synchronously writes one sector through the worker.
func (b *BlockDevice) WriteSector(sector uint32, data [SectorSize]byte) error {
	resp := make(chan blockResponse, 1)
	b.reqCh <- blockRequest{write: true, sector: sector, data: data, resp: resp}
	r := <-resp
	return r.err
}

// Register installs the command/data ports at this device's base port.
func (b *BlockDevice) Register(ports PortRegistrar) {
	ports.RegisterOut16(b.basePort+offSectorLo, func(v uint16) {
		b.mu.Lock()
		b.sector = (b.sector &^ 0xffff) | uint32(v)
		b.mu.Unlock()
	})
	ports.RegisterOut16(b.basePort+offSectorHi, func(v uint16) {
		b.mu.Lock()
		b.sector = (b.sector & 0xffff) | (uint32(v) << 16)
		b.mu.Unlock()
	})
	ports.RegisterOut8(b.basePort+offCommand, func(v uint8) { b.command(v) })
	ports.RegisterIn8(b.basePort+offCommand, func() uint8 {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.status
	})
	ports.RegisterIn8(b.basePort+offData, func() uint8 { return b.readData() })
	ports.RegisterOut8(b.basePort+offData, func(v uint8) { b.writeData(v) })
}

func (b *BlockDevice) command(v uint8) {
	b.mu.Lock()
	sector := b.sector
	b.status = statusBusy
	b.mu.Unlock()

	if v == 0 {
		data, err := b.ReadSector(sector)
		b.mu.Lock()
		b.buf = data
		b.bufPos = 0
		if err != nil {
			b.status = statusError
		} else {
			b.status = statusReady
		}
		b.mu.Unlock()
		return
	}

	b.mu.Lock()
	buf := b.buf
	b.bufPos = 0
	b.mu.Unlock()
	err := b.WriteSector(sector, buf)
	b.mu.Lock()
	if err != nil {
		b.status = statusError
	} else {
		b.status = statusReady
	}
	b.mu.Unlock()
}

func (b *BlockDevice) readData() uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bufPos >= SectorSize {
		return 0
	}
	v := b.buf[b.bufPos]
	b.bufPos++
	return v
}

func (b *BlockDevice) writeData(v uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bufPos >= SectorSize {
		return
	}
	b.buf[b.bufPos] = v
	b.bufPos++
}
