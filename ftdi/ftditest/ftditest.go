// Copyright 2024 The FT2232H Lib Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ftditest provides fake transports to exercise the MPSSE engine
// and the protocol packages without hardware.
//
// Fake is a dumb scripted transport: writes are recorded, reads are served
// from a canned byte stream. Emulator interprets the emitted MPSSE command
// stream instead and clocks every byte through a Slave model, so protocol
// packages can be tested end to end.
package ftditest

import (
	"errors"
	"fmt"

	"github.com/giofrida/ft2232h-lib/ftdi"
)

// Fake is a scripted ftdi.Handle.
//
// Every Write payload is appended to W. Reads consume R; running past the
// end of R is an error.
type Fake struct {
	// W receives every Write and WriteAndCheck payload, one slice per call.
	W [][]byte
	// R is the canned read stream.
	R []byte
	// Purged counts Purge calls, Modes records SetBitMode calls.
	Purged int
	Modes  []ftdi.BitMode
}

// Write implements ftdi.Handle.
func (f *Fake) Write(p []byte) error {
	b := make([]byte, len(p))
	copy(b, p)
	f.W = append(f.W, b)
	return nil
}

// Read implements ftdi.Handle.
func (f *Fake) Read(p []byte) error {
	if len(f.R) < len(p) {
		return fmt.Errorf("ftditest: read underrun: want %d bytes, %d scripted", len(p), len(f.R))
	}
	copy(p, f.R)
	f.R = f.R[len(p):]
	return nil
}

// WriteAndCheck implements ftdi.Handle.
func (f *Fake) WriteAndCheck(p []byte) error {
	if err := f.Write(p); err != nil {
		return err
	}
	var b [2]byte
	if err := f.Read(b[:]); err != nil {
		return err
	}
	if b[0] == 0xFA {
		return &ftdi.BadCommandError{Opcode: b[1]}
	}
	return nil
}

// Purge implements ftdi.Handle.
func (f *Fake) Purge() error {
	f.Purged++
	return nil
}

// SetBitMode implements ftdi.Handle.
func (f *Fake) SetBitMode(mask byte, mode ftdi.BitMode) error {
	f.Modes = append(f.Modes, mode)
	return nil
}

// Stream returns every recorded write flattened into one byte stream.
func (f *Fake) Stream() []byte {
	var out []byte
	for _, w := range f.W {
		out = append(out, w...)
	}
	return out
}

var _ ftdi.Handle = &Fake{}

// Slave models the SPI device on the other end of the emulated bus.
type Slave interface {
	// Select is called when CS# changes; asserted means CS# low.
	Select(asserted bool)
	// Exchange clocks one full duplex byte and returns the MISO byte.
	Exchange(mosi byte) byte
}

// Emulator is an ftdi.Handle that interprets the MPSSE command stream.
//
// Clocked write runs feed the Slave byte by byte; clocked read runs queue
// the Slave's replies for the next Read call. The GPIO opcodes update the
// emulated pin state and chip-select edges are forwarded to the Slave.
// Unknown opcodes queue the {0xFA, op} bad-command echo, which is exactly
// what makes the engine's synchronisation probe work against the emulator.
type Emulator struct {
	Slave Slave

	LowLevel, LowIO   byte
	HighLevel, HighIO byte

	// Stream accumulates the raw command stream for framing assertions.
	Stream []byte

	queue    []byte
	selected bool
}

// Write implements ftdi.Handle by interpreting p as MPSSE commands.
func (e *Emulator) Write(p []byte) error {
	e.Stream = append(e.Stream, p...)
	for i := 0; i < len(p); {
		op := p[i]
		switch {
		case op&(0xC0) == 0 && op&(0x10|0x20) != 0: // clocked byte run
			if i+3 > len(p) {
				return fmt.Errorf("ftditest: truncated run header at %d", i)
			}
			n := (int(p[i+1]) | int(p[i+2])<<8) + 1
			i += 3
			out := op&0x10 != 0
			in := op&0x20 != 0
			for j := 0; j < n; j++ {
				mosi := byte(0xFF)
				if out {
					if i >= len(p) {
						return fmt.Errorf("ftditest: truncated run payload at %d", i)
					}
					mosi = p[i]
					i++
				}
				miso := e.exchange(mosi)
				if in {
					e.queue = append(e.queue, miso)
				}
			}
		case op == 0x80 || op == 0x82: // set bits low/high
			if i+3 > len(p) {
				return fmt.Errorf("ftditest: truncated gpio command at %d", i)
			}
			if op == 0x80 {
				e.LowLevel, e.LowIO = p[i+1], p[i+2]
				e.updateSelect()
			} else {
				e.HighLevel, e.HighIO = p[i+1], p[i+2]
			}
			i += 3
		case op == 0x81: // get bits low
			e.queue = append(e.queue, e.LowLevel)
			i++
		case op == 0x83: // get bits high
			e.queue = append(e.queue, e.HighLevel)
			i++
		case op == 0x86 || op == 0x8F: // divisor, idle clock pulses
			i += 3
		case op == 0x8A || op == 0x8B || op == 0x8D || op == 0x97 || op == 0x84 || op == 0x85:
			i++
		default:
			e.queue = append(e.queue, 0xFA, op)
			i++
		}
	}
	return nil
}

func (e *Emulator) updateSelect() {
	asserted := e.LowLevel&0x08 == 0
	if asserted != e.selected {
		e.selected = asserted
		if e.Slave != nil {
			e.Slave.Select(asserted)
		}
	}
}

func (e *Emulator) exchange(mosi byte) byte {
	if !e.selected || e.Slave == nil {
		return 0xFF
	}
	return e.Slave.Exchange(mosi)
}

// Read implements ftdi.Handle.
func (e *Emulator) Read(p []byte) error {
	if len(e.queue) < len(p) {
		return fmt.Errorf("ftditest: read underrun: want %d bytes, %d queued", len(p), len(e.queue))
	}
	copy(p, e.queue)
	e.queue = e.queue[len(p):]
	return nil
}

// WriteAndCheck implements ftdi.Handle.
func (e *Emulator) WriteAndCheck(p []byte) error {
	if err := e.Write(p); err != nil {
		return err
	}
	var b [2]byte
	if err := e.Read(b[:]); err != nil {
		return err
	}
	if b[0] == 0xFA {
		return &ftdi.BadCommandError{Opcode: b[1]}
	}
	return nil
}

// Purge implements ftdi.Handle.
func (e *Emulator) Purge() error {
	e.queue = nil
	return nil
}

// SetBitMode implements ftdi.Handle.
func (e *Emulator) SetBitMode(mask byte, mode ftdi.BitMode) error {
	return nil
}

// Drained reports an error if scripted reply bytes were never consumed.
func (e *Emulator) Drained() error {
	if len(e.queue) != 0 {
		return errors.New("ftditest: unread reply bytes left in queue")
	}
	return nil
}

var _ ftdi.Handle = &Emulator{}
