// Copyright 2024 The FT2232H Lib Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package spiflash_test

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/giofrida/ft2232h-lib/ftdi"
	"github.com/giofrida/ft2232h-lib/ftdi/ftditest"
	"github.com/giofrida/ft2232h-lib/spiflash"
)

// flashChip is a behavioural NOR flash model for the MPSSE emulator.
//
// Commands accumulate while CS# is asserted; the mutating ones commit on
// the deassertion edge, the way the real parts latch them. WIP stays set
// for a couple of status reads after a program or erase so the polling
// loops are actually exercised.
type flashChip struct {
	id   [3]byte
	mem  []byte
	wel  bool
	busy int

	sel  bool
	n    int
	cmd  byte
	addr uint32
	buf  []byte
}

func newFlashChip(size int) *flashChip {
	f := &flashChip{id: [3]byte{0xC2, 0x20, 0x18}, mem: make([]byte, size)}
	for i := range f.mem {
		f.mem[i] = 0xFF
	}
	return f
}

func (f *flashChip) Select(asserted bool) {
	if !asserted && f.sel {
		f.commit()
	}
	f.sel = asserted
	f.n = 0
	f.cmd = 0
	f.addr = 0
	f.buf = nil
}

func (f *flashChip) Exchange(mosi byte) byte {
	idx := f.n
	f.n++
	if idx == 0 {
		f.cmd = mosi
		return 0xFF
	}
	switch f.cmd {
	case 0x9F: // RDID
		if idx <= 3 {
			return f.id[idx-1]
		}
	case 0x05: // RDSR streams the status while selected
		st := byte(0)
		if f.busy > 0 {
			st |= 0x01
			f.busy--
		}
		if f.wel {
			st |= 0x02
		}
		return st
	case 0x03: // READ, auto-incrementing
		if idx <= 3 {
			f.addr = f.addr<<8 | uint32(mosi)
			return 0xFF
		}
		return f.mem[(int(f.addr)+idx-4)%len(f.mem)]
	case 0x02: // PP
		if idx <= 3 {
			f.addr = f.addr<<8 | uint32(mosi)
		} else {
			f.buf = append(f.buf, mosi)
		}
	}
	return 0xFF
}

func (f *flashChip) commit() {
	switch f.cmd {
	case 0x06: // WREN
		f.wel = true
	case 0x04: // WRDI
		f.wel = false
	case 0x02: // PP wraps within the 256-byte page
		if f.wel && len(f.buf) > 0 {
			page := (int(f.addr) &^ 0xFF) % len(f.mem)
			off := int(f.addr) & 0xFF
			for i, b := range f.buf {
				f.mem[page+(off+i)%256] = b
			}
			f.wel = false
			f.busy = 2
		}
	case 0xC7: // CE
		if f.wel {
			for i := range f.mem {
				f.mem[i] = 0xFF
			}
			f.wel = false
			f.busy = 2
		}
	}
}

func newDev(t *testing.T, chip *flashChip) *spiflash.Dev {
	t.Helper()
	e := &ftditest.Emulator{Slave: chip}
	s, err := ftdi.NewSPI(e, ftdi.Config{CPOL: true, CPHA: true, MOSIIdle: true})
	require.NoError(t, err)
	return spiflash.New(s)
}

func TestReadID(t *testing.T) {
	d := newDev(t, newFlashChip(1024))
	id, err := d.ReadID()
	require.NoError(t, err)
	require.Equal(t, spiflash.ID{Manufacturer: 0xC2, MemoryType: 0x20, Density: 0x18}, id)
	require.Equal(t, "Macronix", id.ManufacturerName())
}

func TestPageProgramBounds(t *testing.T) {
	d := newDev(t, newFlashChip(1024))
	require.Error(t, d.PageProgram(0, nil))
	require.Error(t, d.PageProgram(0, make([]byte, 257)))
	require.Error(t, d.PageProgram(0x80, make([]byte, 129)), "crosses the page boundary")
	require.Error(t, d.PageProgram(1<<24, make([]byte, 16)))
	require.NoError(t, d.PageProgram(0x80, make([]byte, 128)))
}

// The exact MPSSE command stream of a 256-byte page program at address 0,
// in SPI mode 3.
func TestPageProgramStream(t *testing.T) {
	f := &ftditest.Fake{R: []byte{0xFA, 0xAA}}
	s, err := ftdi.NewSPI(f, ftdi.Config{CPOL: true, CPHA: true, MOSIIdle: true})
	require.NoError(t, err)
	d := spiflash.New(s)

	payload := make([]byte, 256)
	for i := range payload {
		payload[i] = byte(i)
	}
	f.W = nil
	// One status byte for the leading wait, three for the trailing poll.
	f.R = []byte{0x00, 0x01, 0x01, 0x00}
	require.NoError(t, d.PageProgram(0, payload))
	require.NoError(t, d.WaitWhileBusy())

	csLow := []byte{0x80, 0x02, 0x0B}
	csHigh := []byte{0x80, 0x0B, 0x0B}
	rdsr := []byte{0x11, 0x00, 0x00, 0x05}
	poll := []byte{0x20, 0x00, 0x00}
	want := [][]byte{
		// wait_while_busy
		csLow, rdsr, poll, csHigh,
		// write_enable
		csLow, {0x11, 0x00, 0x00, 0x06}, csHigh,
		// page_program
		csLow,
		{0x11, 0x03, 0x00, 0x02, 0x00, 0x00, 0x00},
		append([]byte{0x11, 0xFF, 0x00}, payload...),
		csHigh,
		// trailing wait_while_busy, polling until WIP clears
		csLow, rdsr, poll, poll, poll, csHigh,
	}
	require.Equal(t, want, f.W)
}

func TestStatusAfterProgram(t *testing.T) {
	d := newDev(t, newFlashChip(1024))
	require.NoError(t, d.PageProgram(0, []byte{1, 2, 3}))
	require.NoError(t, d.WaitWhileBusy())
	st, err := d.ReadStatus()
	require.NoError(t, err)
	require.False(t, st.Busy())
	require.False(t, st.WriteEnabled())
}

func TestProgramRoundTrip(t *testing.T) {
	const size = 1 << 20
	chip := newFlashChip(size)
	d := newDev(t, chip)

	src := make([]byte, size)
	rand.New(rand.NewSource(99)).Read(src)

	require.NoError(t, d.ChipErase())
	require.NoError(t, d.Program(bytes.NewReader(src), size, nil))

	var dump bytes.Buffer
	require.NoError(t, d.ReadAll(&dump, size))
	require.Equal(t, src, dump.Bytes())
}

func TestProgramShortSource(t *testing.T) {
	chip := newFlashChip(4096)
	d := newDev(t, chip)
	src := make([]byte, 300)
	for i := range src {
		src[i] = byte(i)
	}
	err := d.Program(bytes.NewReader(src), 4096, nil)
	var short *spiflash.ShortInputError
	require.ErrorAs(t, err, &short)
	require.Equal(t, uint32(300), short.Addr)
	// The partial trailing page still made it to the array.
	require.Equal(t, src[256:300], chip.mem[256:300])
}

func TestProgramTrailingSource(t *testing.T) {
	d := newDev(t, newFlashChip(4096))
	err := d.Program(bytes.NewReader(make([]byte, 600)), 512, nil)
	var trailing *spiflash.TrailingInputError
	require.ErrorAs(t, err, &trailing)
	require.Equal(t, uint32(512), trailing.Addr)
}

func newScratch(t *testing.T) *os.File {
	t.Helper()
	fp, err := os.OpenFile(filepath.Join(t.TempDir(), "scratch.bin"), os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)
	t.Cleanup(func() { fp.Close() })
	return fp
}

func TestVerify(t *testing.T) {
	const size = 4096
	chip := newFlashChip(size)
	d := newDev(t, chip)
	src := make([]byte, size)
	rand.New(rand.NewSource(5)).Read(src)
	require.NoError(t, d.Program(bytes.NewReader(src), size, nil))

	require.NoError(t, d.Verify(bytes.NewReader(src), size, newScratch(t)))
}

func TestVerifyMismatch(t *testing.T) {
	const size = 1024
	chip := newFlashChip(size)
	d := newDev(t, chip)
	src := make([]byte, size)
	require.NoError(t, d.Program(bytes.NewReader(src), size, nil))

	bad := make([]byte, size)
	bad[700] = 0xAB
	err := d.Verify(bytes.NewReader(bad), size, newScratch(t))
	var mismatch *spiflash.VerifyError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, uint32(700), mismatch.Addr)
}

// A source that runs out mid-verify is a mismatch, never a success.
func TestVerifyShortSource(t *testing.T) {
	const size = 1024
	chip := newFlashChip(size)
	d := newDev(t, chip)
	src := make([]byte, size)
	require.NoError(t, d.Program(bytes.NewReader(src), size, nil))

	err := d.Verify(bytes.NewReader(src[:100]), size, newScratch(t))
	var mismatch *spiflash.VerifyError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, uint32(100), mismatch.Addr)
}

func TestChipErase(t *testing.T) {
	chip := newFlashChip(1024)
	d := newDev(t, chip)
	require.NoError(t, d.PageProgram(16, []byte{0xDE, 0xAD}))
	require.NoError(t, d.WaitWhileBusy())
	require.Equal(t, []byte{0xDE, 0xAD}, chip.mem[16:18])

	require.NoError(t, d.ChipErase())
	require.Equal(t, []byte{0xFF, 0xFF}, chip.mem[16:18])
}
