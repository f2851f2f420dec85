// Copyright 2023 The FT2232H Lib Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ftdi

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
)

// Default USB identification of a FT2232H.
const (
	DefaultVID = 0x0403
	DefaultPID = 0x6010
)

// FTDI SIO vendor requests, as published in AN_108 and implemented by every
// libftdi revision.
const (
	sioReset           = 0x00
	sioPollModemStatus = 0x05
	sioSetLatencyTimer = 0x09
	sioSetBitMode      = 0x0B

	sioResetSIO     = 0
	sioResetPurgeRX = 1
	sioResetPurgeTX = 2
)

// BitMode is used by SetBitMode to change the chip behavior.
type BitMode uint8

const (
	// Resets all pins to their default value.
	BitModeReset BitMode = 0x00
	// Switch to MPSSE mode (FT2232, FT2232H, FT4232H and FT232H).
	BitModeMPSSE BitMode = 0x02
)

// Handle is the transport surface the MPSSE engine drives.
//
// It is implemented by *Dev over a real USB device and by the fakes in
// package ftditest.
type Handle interface {
	// Write blocks until all of p has been accepted by the device.
	Write(p []byte) error
	// Read blocks until p is full.
	Read(p []byte) error
	// WriteAndCheck writes p, then reads the two-byte reply; a bad-command
	// echo is reported as *BadCommandError.
	WriteAndCheck(p []byte) error
	// Purge drops both the receive and transmit buffers.
	Purge() error
	// SetBitMode changes the mode of operation of the device.
	SetBitMode(mask byte, mode BitMode) error
}

// BadCommandError is returned when the MPSSE engine echoed 0xFA, meaning it
// rejected the last opcode.
//
// It is fatal everywhere except during command-stream synchronisation, where
// receiving it for the deliberately invalid opcode is the success signal.
type BadCommandError struct {
	// Opcode is the rejected command byte, echoed by the device.
	Opcode byte
}

func (e *BadCommandError) Error() string {
	return fmt.Sprintf("ftdi: device rejected command %#02x", e.Opcode)
}

// ModemStatus is the 16-bit modem status word, high byte first.
type ModemStatus uint16

const (
	StatusCTS  ModemStatus = 0x1000 // Clear To Send
	StatusDSR  ModemStatus = 0x2000 // Data Set Ready
	StatusRI   ModemStatus = 0x4000 // Ring Indicator
	StatusRLSD ModemStatus = 0x8000 // Receive Line Signal Detect

	StatusDR   ModemStatus = 0x0001 // Data Ready
	StatusOE   ModemStatus = 0x0002 // Overrun Error
	StatusPE   ModemStatus = 0x0004 // Parity Error
	StatusFE   ModemStatus = 0x0008 // Framing Error
	StatusBI   ModemStatus = 0x0010 // Break Interrupt
	StatusTHRE ModemStatus = 0x0020 // Transmitter Holding Register Empty
	StatusTEMT ModemStatus = 0x0040 // Transmitter buffer EMpTy
	StatusRCVR ModemStatus = 0x0080 // Error in receiver FIFO
)

// TxEmpty reports whether the transmitter buffer drained.
func (m ModemStatus) TxEmpty() bool {
	return m&StatusTEMT != 0
}

// TxError reports whether an overrun, parity or framing error occurred.
func (m ModemStatus) TxError() bool {
	return m&(StatusOE|StatusPE|StatusFE) != 0
}

// Dev is an open FT2232H, interface A.
//
// It wraps the raw USB device with the little slice of libftdi the MPSSE
// engine needs: bulk transfers with the per-packet modem status stripped,
// and the SIO vendor control requests.
//
// A Dev is not safe for concurrent use.
type Dev struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint

	// wIndex of interface A in SIO requests.
	index uint16
	// Payload bytes received but not yet consumed by Read.
	pending []byte
	rbuf    []byte
}

// Open opens the first FT2232H on the bus using the default VID/PID pair.
func Open() (*Dev, error) {
	return OpenVIDPID(DefaultVID, DefaultPID)
}

// OpenVIDPID opens interface A of the device matching vid/pid, resets it,
// and sets the 1ms latency timer.
//
// The trailing sleep is the settling delay AN_114 asks for after opening.
func OpenVIDPID(vid, pid uint16) (*Dev, error) {
	d := &Dev{ctx: gousb.NewContext(), index: 1}
	var err error
	if d.dev, err = d.ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid)); err != nil {
		d.release()
		return nil, fmt.Errorf("ftdi: open %04x:%04x: %w", vid, pid, err)
	}
	if d.dev == nil {
		d.release()
		return nil, fmt.Errorf("ftdi: device %04x:%04x not found", vid, pid)
	}
	// The ftdi_sio kernel driver claims the interface on most hosts.
	if err = d.dev.SetAutoDetach(true); err != nil {
		d.release()
		return nil, fmt.Errorf("ftdi: open: %w", err)
	}
	if d.cfg, err = d.dev.Config(1); err != nil {
		d.release()
		return nil, fmt.Errorf("ftdi: open: %w", err)
	}
	// Interface A; EP1 IN (0x81), EP2 OUT (0x02).
	if d.intf, err = d.cfg.Interface(0, 0); err != nil {
		d.release()
		return nil, fmt.Errorf("ftdi: open: %w", err)
	}
	if d.in, err = d.intf.InEndpoint(1); err != nil {
		d.release()
		return nil, fmt.Errorf("ftdi: open: %w", err)
	}
	if d.out, err = d.intf.OutEndpoint(2); err != nil {
		d.release()
		return nil, fmt.Errorf("ftdi: open: %w", err)
	}
	d.rbuf = make([]byte, d.in.Desc.MaxPacketSize)
	if err = d.control(sioReset, sioResetSIO); err != nil {
		d.release()
		return nil, err
	}
	if err = d.SetLatencyTimer(1); err != nil {
		d.release()
		return nil, err
	}
	// AN_114 note.
	time.Sleep(50 * time.Millisecond)
	return d, nil
}

// Close releases the USB device.
func (d *Dev) Close() error {
	return d.release()
}

func (d *Dev) release() error {
	var err error
	if d.intf != nil {
		d.intf.Close()
		d.intf = nil
	}
	if d.cfg != nil {
		err = d.cfg.Close()
		d.cfg = nil
	}
	if d.dev != nil {
		if e := d.dev.Close(); err == nil {
			err = e
		}
		d.dev = nil
	}
	if d.ctx != nil {
		if e := d.ctx.Close(); err == nil {
			err = e
		}
		d.ctx = nil
	}
	return err
}

func (d *Dev) control(request uint8, value uint16) error {
	if _, err := d.dev.Control(gousb.ControlOut|gousb.ControlVendor|gousb.ControlDevice, request, value, d.index, nil); err != nil {
		return fmt.Errorf("ftdi: control %#02x: %w", request, err)
	}
	return nil
}

// SetLatencyTimer sets the delay in ms before a partially filled receive
// buffer is flushed to the host.
func (d *Dev) SetLatencyTimer(ms uint8) error {
	return d.control(sioSetLatencyTimer, uint16(ms))
}

// SetBitMode implements Handle.
func (d *Dev) SetBitMode(mask byte, mode BitMode) error {
	return d.control(sioSetBitMode, uint16(mode)<<8|uint16(mask))
}

// Purge implements Handle.
func (d *Dev) Purge() error {
	d.pending = d.pending[:0]
	if err := d.control(sioReset, sioResetPurgeRX); err != nil {
		return err
	}
	return d.control(sioReset, sioResetPurgeTX)
}

// Write blocks until all of p is transferred.
func (d *Dev) Write(p []byte) error {
	logf("ftdi: write % x", p)
	for offset := 0; offset != len(p); {
		chunk := len(p) - offset
		if chunk > 4096 {
			chunk = 4096
		}
		n, err := d.out.Write(p[offset : offset+chunk])
		if err != nil {
			return fmt.Errorf("ftdi: write: %w", err)
		}
		offset += n
	}
	return nil
}

// Read blocks until p is full.
//
// Every IN packet leads with two modem status bytes which are stripped
// before the payload reaches the caller; packets received while the device
// has nothing to send carry only those two bytes.
func (d *Dev) Read(p []byte) error {
	for offset := 0; offset != len(p); {
		if len(d.pending) != 0 {
			n := copy(p[offset:], d.pending)
			d.pending = d.pending[n:]
			offset += n
			continue
		}
		n, err := d.in.Read(d.rbuf)
		if err != nil {
			return fmt.Errorf("ftdi: read: %w", err)
		}
		pkt := d.in.Desc.MaxPacketSize
		for i := 0; i < n; i += pkt {
			end := i + pkt
			if end > n {
				end = n
			}
			if end-i > 2 {
				d.pending = append(d.pending, d.rbuf[i+2:end]...)
			}
		}
	}
	return nil
}

// WriteAndCheck writes p and reads the two-byte reply the device emits for
// an invalid command.
//
// A {0xFA, <op>} echo is reported as *BadCommandError carrying the
// offending opcode.
func (d *Dev) WriteAndCheck(p []byte) error {
	if err := d.Write(p); err != nil {
		return err
	}
	var b [2]byte
	if err := d.Read(b[:]); err != nil {
		return err
	}
	if b[0] == badCommand {
		return &BadCommandError{Opcode: b[1]}
	}
	return nil
}

// ModemStatus polls the 16-bit modem status word.
func (d *Dev) ModemStatus() (ModemStatus, error) {
	var b [2]byte
	if _, err := d.dev.Control(gousb.ControlIn|gousb.ControlVendor|gousb.ControlDevice, sioPollModemStatus, 0, d.index, b[:]); err != nil {
		return 0, fmt.Errorf("ftdi: poll modem status: %w", err)
	}
	return ModemStatus(uint16(b[0])<<8 | uint16(b[1])), nil
}

// TxEmpty polls whether the transmit buffer drained.
func (d *Dev) TxEmpty() (bool, error) {
	s, err := d.ModemStatus()
	return s.TxEmpty(), err
}

// TxError polls whether a transmission error occurred.
func (d *Dev) TxError() (bool, error) {
	s, err := d.ModemStatus()
	return s.TxError(), err
}

var _ Handle = &Dev{}

// errNotSynchronised is returned when the 0xAA probe is not echoed back.
var errNotSynchronised = errors.New("ftdi: MPSSE did not echo the synchronisation probe")
