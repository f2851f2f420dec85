// Copyright 2023 The FT2232H Lib Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Interfacing SPI:
// http://www.ftdichip.com/Support/Documents/AppNotes/AN_114_FTDI_Hi_Speed_USB_To_SPI_Example.pdf

package ftdi

import (
	"errors"
	"fmt"
	"io"
	"time"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// AD bus pins owned by the SPI engine.
const (
	PinSCLK byte = 0x01 // AD0, serial clock
	PinMOSI byte = 0x02 // AD1, master out
	PinMISO byte = 0x04 // AD2, master in
	PinCS   byte = 0x08 // AD3, chip select, active low
)

// AD0, AD1 and AD3 are outputs, AD2 is the input. The upper GPIOL pins are
// left alone.
const spiBusDirection byte = PinSCLK | PinMOSI | PinCS

// A clocked run carries at most this many bytes; longer streams are chunked.
const maxRun = 65536

// Config is the immutable SPI line configuration.
type Config struct {
	// CPOL is the clock idle level.
	CPOL bool
	// CPHA selects the sampling edge: false samples on the first clock edge,
	// true on the second.
	CPHA bool
	// CDIV divides the base clock; see Frequency.
	CDIV uint16
	// CDIV5 additionally divides the 60MHz base clock by 5.
	CDIV5 bool
	// MOSIIdle is the level MOSI rests at between transfers.
	MOSIIdle bool
	// WriteLSBFirst shifts outgoing bytes LSB first.
	WriteLSBFirst bool
	// ReadLSBFirst assembles incoming bytes LSB first.
	ReadLSBFirst bool
	// Loopback internally connects MOSI to MISO.
	Loopback bool
}

// Mode returns the derived SPI mode, CPOL<<1 | CPHA.
func (c Config) Mode() spi.Mode {
	m := spi.Mode(0)
	if c.CPOL {
		m |= 2
	}
	if c.CPHA {
		m |= 1
	}
	return m
}

// Frequency returns the SCLK frequency the divisors select:
// (60MHz or 12MHz) / (2·(1+CDIV)).
func (c Config) Frequency() physic.Frequency {
	base := 60 * physic.MegaHertz
	if c.CDIV5 {
		base = 12 * physic.MegaHertz
	}
	return base / (2 * (1 + physic.Frequency(c.CDIV)))
}

// Period returns the SCLK period.
func (c Config) Period() time.Duration {
	return c.Frequency().Period()
}

// lineState groups the level and direction bytes of one GPIO bank.
type lineState struct {
	level byte
	io    byte
}

// SPI drives the MPSSE engine as a SPI master.
//
// It owns the AD bus lower nibble and mirrors the last accepted level and
// direction of both GPIO banks, so partial updates never write back stale
// bits.
//
// SPI is not safe for concurrent use: one transaction must complete before
// the next begins.
type SPI struct {
	h   Handle
	cfg Config

	low  lineState
	high lineState
}

// NewSPI puts the device in MPSSE mode and conditions clock and lines per
// cfg.
//
// The MPSSE command stream is synchronised by sending the invalid opcode
// 0xAA and waiting for its bad-command echo; for that single write the
// rejection is the expected success signal.
func NewSPI(h Handle, cfg Config) (*SPI, error) {
	s := &SPI{h: h, cfg: cfg}
	if err := h.Purge(); err != nil {
		return nil, err
	}
	if err := h.SetBitMode(0x00, BitModeReset); err != nil {
		return nil, err
	}
	if err := h.SetBitMode(0x00, BitModeMPSSE); err != nil {
		return nil, err
	}
	err := h.WriteAndCheck([]byte{0xAA})
	var bad *BadCommandError
	if !errors.As(err, &bad) || bad.Opcode != 0xAA {
		if err == nil {
			err = errNotSynchronised
		}
		return nil, err
	}
	div5 := clockDiv5Off
	if cfg.CDIV5 {
		div5 = clockDiv5On
	}
	cmd := []byte{div5, clockAdaptiveOff, clock3PhaseOff, clockSetDivisor, byte(cfg.CDIV), byte(cfg.CDIV >> 8)}
	if err := h.Write(cmd); err != nil {
		return nil, err
	}
	lb := loopbackEnd
	if cfg.Loopback {
		lb = loopbackStart
	}
	if err := h.Write([]byte{lb}); err != nil {
		return nil, err
	}
	// Idle line levels: clock at CPOL, MOSI at its idle, CS deasserted.
	s.low = lineState{level: s.idleLevel(), io: spiBusDirection}
	if err := h.Write([]byte{gpioSetLow, s.low.level, s.low.io}); err != nil {
		return nil, err
	}
	// The AC bank starts as all outputs, all high.
	s.high = lineState{level: 0xFF, io: 0xFF}
	if err := h.Write([]byte{gpioSetHigh, s.high.level, s.high.io}); err != nil {
		return nil, err
	}
	// AN_114 note.
	time.Sleep(30 * time.Millisecond)
	return s, nil
}

// Config returns the line configuration.
func (s *SPI) Config() Config {
	return s.cfg
}

func (s *SPI) idleLevel() byte {
	l := PinCS
	if s.cfg.CPOL {
		l |= PinSCLK
	}
	if s.cfg.MOSIIdle {
		l |= PinMOSI
	}
	return l
}

// Begin opens a transaction: CS is asserted and MOSI conditioned to its
// idle level.
//
// For CPHA=1 the clock is pre-driven to the inverse of its idle level just
// before the first data edge; without this the MPSSE engine clips the first
// bit in modes 1 and 3.
func (s *SPI) Begin() error {
	l := byte(0)
	if s.cfg.MOSIIdle {
		l |= PinMOSI
	}
	if s.cfg.CPOL != s.cfg.CPHA {
		l |= PinSCLK
	}
	return s.SetBitsLow(spiBusDirection, l, spiBusDirection)
}

// End closes the transaction: CS is released and the clock restored to its
// CPOL idle.
func (s *SPI) End() error {
	return s.SetBitsLow(spiBusDirection, s.idleLevel(), spiBusDirection)
}

// Write clocks p out on MOSI, chunking as needed.
func (s *SPI) Write(p []byte) error {
	op := writeOp(s.cfg)
	for len(p) != 0 {
		n := len(p)
		if n > maxRun {
			n = maxRun
		}
		cmd := make([]byte, 0, 3+n)
		cmd = append(cmd, op, byte(n-1), byte((n-1)>>8))
		cmd = append(cmd, p[:n]...)
		if err := s.h.Write(cmd); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// Read clocks len(p) bytes in from MISO, chunking as needed.
func (s *SPI) Read(p []byte) error {
	op := readOp(s.cfg)
	for len(p) != 0 {
		n := len(p)
		if n > maxRun {
			n = maxRun
		}
		if err := s.h.Write([]byte{op, byte(n - 1), byte((n - 1) >> 8)}); err != nil {
			return err
		}
		if err := s.h.Read(p[:n]); err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// ReadTo streams n clocked-in bytes to w.
func (s *SPI) ReadTo(w io.Writer, n int64) error {
	buf := make([]byte, maxRun)
	for n > 0 {
		chunk := int64(maxRun)
		if n < chunk {
			chunk = n
		}
		if err := s.Read(buf[:chunk]); err != nil {
			return err
		}
		if _, err := w.Write(buf[:chunk]); err != nil {
			return fmt.Errorf("ftdi: read stream: %w", err)
		}
		n -= chunk
	}
	return nil
}

// PulseClock runs the clock for 8×n cycles without transferring data.
func (s *SPI) PulseClock(n int) error {
	if n < 1 || n > maxRun {
		return fmt.Errorf("ftdi: clock pulse count %d out of range", n)
	}
	return s.h.Write([]byte{clockBytes, byte(n - 1), byte((n - 1) >> 8)})
}

// SetBitsLow updates the masked AD bus bits to the given level and
// direction, leaving the others at their mirrored state.
func (s *SPI) SetBitsLow(mask, level, io byte) error {
	s.low.level = s.low.level&^mask | level&mask
	s.low.io = s.low.io&^mask | io&mask
	return s.h.Write([]byte{gpioSetLow, s.low.level, s.low.io})
}

// SetBitsHigh is SetBitsLow for the AC bus.
func (s *SPI) SetBitsHigh(mask, level, io byte) error {
	s.high.level = s.high.level&^mask | level&mask
	s.high.io = s.high.io&^mask | io&mask
	return s.h.Write([]byte{gpioSetHigh, s.high.level, s.high.io})
}

// GetBitsLow reads the AD bus pin levels.
func (s *SPI) GetBitsLow() (byte, error) {
	return s.getBits(gpioReadLow)
}

// GetBitsHigh reads the AC bus pin levels.
func (s *SPI) GetBitsHigh() (byte, error) {
	return s.getBits(gpioReadHigh)
}

func (s *SPI) getBits(op byte) (byte, error) {
	if err := s.h.Write([]byte{op}); err != nil {
		return 0, err
	}
	var b [1]byte
	err := s.h.Read(b[:])
	return b[0], err
}
