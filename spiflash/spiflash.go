// Copyright 2023 The FT2232H Lib Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package spiflash speaks the Macronix-style SPI NOR command set on top of
// the MPSSE SPI engine.
//
// The device operation rules, from the Macronix datasheets:
//
//  1. Before issuing any command, check the status register to ensure the
//     device is ready for the intended operation.
//  2. A correct command keeps the chip active until the next CS# rising
//     edge; write commands must see CS# rise exactly at a byte boundary or
//     they are rejected.
//  3. During WRSR, PP, SE, BE and CE the memory array ignores further
//     access until WIP clears.
package spiflash

import (
	"bufio"
	"fmt"
	"io"
	"time"

	"github.com/giofrida/ft2232h-lib/ftdi"
)

// Command opcodes.
const (
	opWriteEnable   = 0x06 // WREN, sets WEL
	opWriteDisable  = 0x04 // WRDI, resets WEL
	opReadStatus    = 0x05 // RDSR
	opWriteStatus   = 0x01 // WRSR
	opRead          = 0x03 // READ, auto-incrementing until CS# rises
	opFastRead      = 0x0B // FREAD, one dummy byte after the address
	opPageProgram   = 0x02 // PP, 1..256 bytes within one page
	opSectorErase   = 0x20 // SE
	opBlockErase    = 0x52 // BE, 0xD8 on some parts
	opChipErase     = 0xC7 // CE
	opDeepPowerDown = 0xB9 // DP
	opReleaseDP     = 0xAB // RDP, doubles as RES with three dummy bytes
	opReadID        = 0x9F // RDID, JEDEC manufacturer/type/density
	opReadElectID   = 0x90 // REMS
)

// Status is the flash status register.
type Status byte

// Status register bits.
const (
	StatusSRWD Status = 0x80 // status register write protect
	StatusBP2  Status = 0x10 // block protection
	StatusBP1  Status = 0x08
	StatusBP0  Status = 0x04
	StatusWEL  Status = 0x02 // write enable latch
	StatusWIP  Status = 0x01 // write in progress
)

// Busy reports whether a program or erase cycle is still running.
func (s Status) Busy() bool {
	return s&StatusWIP != 0
}

// WriteEnabled reports whether the write enable latch is set.
func (s Status) WriteEnabled() bool {
	return s&StatusWEL != 0
}

func (s Status) String() string {
	return fmt.Sprintf("SRWD=%d BP=%d%d%d WEL=%d WIP=%d",
		s>>7&1, s>>4&1, s>>3&1, s>>2&1, s>>1&1, s&1)
}

// ID is the JEDEC identification returned by RDID.
type ID struct {
	Manufacturer byte
	MemoryType   byte
	Density      byte
}

// ManufacturerName returns the human readable JEDEC manufacturer, or
// "Unknown".
func (i ID) ManufacturerName() string {
	if s, ok := manufacturers[i.Manufacturer]; ok {
		return s
	}
	return "Unknown"
}

func (i ID) String() string {
	return fmt.Sprintf("%02X %02X %02X (%s)", i.Manufacturer, i.MemoryType, i.Density, i.ManufacturerName())
}

var manufacturers = map[byte]string{
	0x01: "AMD/Cypress/Spansion",
	0x04: "Fujitsu",
	0x1C: "EON",
	0x1F: "Atmel",
	0x20: "ST/SGS/Micron",
	0x31: "Catalyst",
	0x37: "AMIC",
	0x40: "SyncMOS",
	0x4A: "ESI",
	0x52: "Alliance Semiconductor",
	0x5E: "Tenx",
	0x62: "ON Semiconductor/Sanyo",
	0x89: "Intel",
	0x8C: "ESMT",
	0x97: "Texas Instruments",
	0x9D: "PMC",
	0xAD: "Bright/Hyundai",
	0xB0: "Sharp",
	0xBF: "SST",
	0xC2: "Macronix",
	0xC8: "ELM/GigaDevice",
	0xD5: "ISSI/Nantronics",
	0xDA: "Winbond",
	0xEF: "Winbond",
	0xF8: "Fidelix",
}

// Memory geometry. Pages are a programming granule, not a physical one.
const (
	PageSize   = 256
	SectorSize = 4096
	BlockSize  = 65536
)

// maxAddr is the top of the 24-bit address space.
const maxAddr = 1 << 24

// VerifyError reports the first address where read-back data differed from
// the source.
type VerifyError struct {
	Addr uint32
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("spiflash: data mismatch at address 0x%06X", e.Addr)
}

// ShortInputError reports that the source ran out before the declared size
// was programmed.
type ShortInputError struct {
	Addr uint32
}

func (e *ShortInputError) Error() string {
	return fmt.Sprintf("spiflash: source exhausted at address 0x%06X", e.Addr)
}

// TrailingInputError reports that the source still had data past the
// declared size.
type TrailingInputError struct {
	Addr uint32
}

func (e *TrailingInputError) Error() string {
	return fmt.Sprintf("spiflash: source has data past address 0x%06X", e.Addr)
}

// ProgressFunc receives programming progress, at most once per second.
type ProgressFunc func(addr, total uint32)

// Dev is a SPI NOR flash behind an open MPSSE SPI engine.
type Dev struct {
	s *ftdi.SPI
}

// New returns a Dev speaking through s.
func New(s *ftdi.SPI) *Dev {
	return &Dev{s: s}
}

// tx brackets f in one chip-select assertion. CS# is released on every
// path.
func (d *Dev) tx(f func() error) error {
	if err := d.s.Begin(); err != nil {
		return err
	}
	err := f()
	if cerr := d.s.End(); err == nil {
		err = cerr
	}
	return err
}

// ReadID reads the JEDEC identification.
func (d *Dev) ReadID() (ID, error) {
	var id ID
	err := d.tx(func() error {
		if err := d.s.Write([]byte{opReadID}); err != nil {
			return err
		}
		var buf [3]byte
		if err := d.s.Read(buf[:]); err != nil {
			return err
		}
		id = ID{Manufacturer: buf[0], MemoryType: buf[1], Density: buf[2]}
		return nil
	})
	return id, err
}

// ReadStatus reads the status register once.
func (d *Dev) ReadStatus() (Status, error) {
	var st Status
	err := d.tx(func() error {
		if err := d.s.Write([]byte{opReadStatus}); err != nil {
			return err
		}
		var b [1]byte
		if err := d.s.Read(b[:]); err != nil {
			return err
		}
		st = Status(b[0])
		return nil
	})
	return st, err
}

// WaitWhileBusy polls the status register until WIP clears.
//
// The status register streams continuously while CS# is held low, so a
// single RDSR suffices for the whole poll. There is no upper bound: the
// parts guarantee completion within their datasheet times.
func (d *Dev) WaitWhileBusy() error {
	return d.tx(func() error {
		if err := d.s.Write([]byte{opReadStatus}); err != nil {
			return err
		}
		var b [1]byte
		for {
			if err := d.s.Read(b[:]); err != nil {
				return err
			}
			if !Status(b[0]).Busy() {
				return nil
			}
		}
	})
}

// WriteEnable sets the write enable latch.
//
// The chip silently ignores any program or erase command issued without it.
func (d *Dev) WriteEnable() error {
	return d.tx(func() error {
		return d.s.Write([]byte{opWriteEnable})
	})
}

// WriteDisable resets the write enable latch.
func (d *Dev) WriteDisable() error {
	return d.tx(func() error {
		return d.s.Write([]byte{opWriteDisable})
	})
}

// ChipErase erases the entire array to 0xFF and waits for completion.
func (d *Dev) ChipErase() error {
	if err := d.WaitWhileBusy(); err != nil {
		return err
	}
	if err := d.WriteEnable(); err != nil {
		return err
	}
	err := d.tx(func() error {
		return d.s.Write([]byte{opChipErase})
	})
	if err != nil {
		return err
	}
	return d.WaitWhileBusy()
}

// PageProgram programs 1..256 bytes starting at addr.
//
// The write must not cross a 256-byte page boundary: the device would wrap
// within the page instead of advancing.
func (d *Dev) PageProgram(addr uint32, p []byte) error {
	if len(p) == 0 || len(p) > PageSize {
		return fmt.Errorf("spiflash: page program of %d bytes", len(p))
	}
	if addr >= maxAddr {
		return fmt.Errorf("spiflash: address 0x%X out of the 24-bit range", addr)
	}
	if int(addr%PageSize)+len(p) > PageSize {
		return fmt.Errorf("spiflash: program crosses page boundary at 0x%06X", addr)
	}
	if err := d.WaitWhileBusy(); err != nil {
		return err
	}
	if err := d.WriteEnable(); err != nil {
		return err
	}
	return d.tx(func() error {
		if err := d.s.Write([]byte{opPageProgram, byte(addr >> 16), byte(addr >> 8), byte(addr)}); err != nil {
			return err
		}
		return d.s.Write(p)
	})
}

// ReadAll streams the first size bytes of the array to w.
//
// The device auto-increments internally, so the whole chip is one READ.
func (d *Dev) ReadAll(w io.Writer, size uint32) error {
	if err := d.WaitWhileBusy(); err != nil {
		return err
	}
	return d.tx(func() error {
		if err := d.s.Write([]byte{opRead, 0x00, 0x00, 0x00}); err != nil {
			return err
		}
		return d.s.ReadTo(w, int64(size))
	})
}

// Program writes size bytes from r in 256-byte pages starting at address 0.
//
// The array is expected to be erased. If r runs dry early the final partial
// page is still programmed and ShortInputError is returned; data left in r
// past size is reported as TrailingInputError. Both are warnings to most
// callers. progress may be nil.
func (d *Dev) Program(r io.Reader, size uint32, progress ProgressFunc) error {
	var page [PageSize]byte
	var addr uint32
	var short bool
	var last time.Time
	if progress != nil {
		last = timeSync()
	}
	for addr < size {
		n := uint32(PageSize)
		if rem := size - addr; rem < n {
			n = rem
		}
		m, err := io.ReadFull(r, page[:n])
		if m > 0 {
			if perr := d.PageProgram(addr, page[:m]); perr != nil {
				return perr
			}
			addr += uint32(m)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			short = true
			break
		}
		if err != nil {
			return fmt.Errorf("spiflash: reading source: %w", err)
		}
		if now := time.Now(); now.Sub(last) >= time.Second {
			if progress != nil {
				progress(addr, size)
			}
			last = now
		}
	}
	if err := d.WaitWhileBusy(); err != nil {
		return err
	}
	if short {
		return &ShortInputError{Addr: addr}
	}
	var b [1]byte
	if n, _ := r.Read(b[:]); n > 0 {
		return &TrailingInputError{Addr: addr}
	}
	return nil
}

// Verify re-reads the first size bytes of the array into scratch and
// compares them to r byte for byte.
//
// The first difference stops the comparison with VerifyError. A source
// that runs out early is a mismatch at the address it ran out, never a
// success.
func (d *Dev) Verify(r io.Reader, size uint32, scratch io.ReadWriteSeeker) error {
	if err := d.ReadAll(scratch, size); err != nil {
		return err
	}
	if _, err := scratch.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("spiflash: rewinding scratch: %w", err)
	}
	src := bufio.NewReader(r)
	chip := bufio.NewReader(scratch)
	var addr uint32
	for ; addr < size; addr++ {
		want, err := src.ReadByte()
		if err == io.EOF {
			return &VerifyError{Addr: addr}
		}
		if err != nil {
			return fmt.Errorf("spiflash: reading source: %w", err)
		}
		got, err := chip.ReadByte()
		if err != nil {
			return fmt.Errorf("spiflash: reading scratch: %w", err)
		}
		if want != got {
			return &VerifyError{Addr: addr}
		}
	}
	if _, err := src.ReadByte(); err == nil {
		return &TrailingInputError{Addr: addr}
	}
	return nil
}

// timeSync blocks until a wall-clock second boundary and returns it.
//
// The wall clock is sampled until it steps by one second; a step of more
// than one second is discarded and the wait starts over, which filters out
// the skewed sample that lands right on a boundary.
func timeSync() time.Time {
	for {
		t1 := time.Now().Unix()
		t2 := time.Now().Unix()
		for t2-t1 < 1 {
			t2 = time.Now().Unix()
		}
		if t2-t1 <= 1 {
			return time.Unix(t2, 0)
		}
	}
}
