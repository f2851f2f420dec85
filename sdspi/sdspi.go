// Copyright 2023 The FT2232H Lib Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package sdspi speaks the SD/MMC SPI-mode protocol on top of the MPSSE
// SPI engine: card initialisation and classification, command/response
// framing with CRC-7, and data-token framing with CRC-16.
//
// All operations except Init expect chip select to be held asserted by the
// caller (ftdi.SPI.Begin) for the whole session.
package sdspi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/giofrida/ft2232h-lib/ftdi"
)

// SD commands, SPI mode.
const (
	cmd0   = 0x40 + 0  // GO_IDLE_STATE
	cmd1   = 0x40 + 1  // SEND_OP_COND (MMC)
	cmd8   = 0x40 + 8  // SEND_IF_COND
	cmd9   = 0x40 + 9  // SEND_CSD
	cmd10  = 0x40 + 10 // SEND_CID
	cmd16  = 0x40 + 16 // SET_BLOCKLEN
	cmd17  = 0x40 + 17 // READ_SINGLE_BLOCK
	cmd55  = 0x40 + 55 // APP_CMD
	cmd58  = 0x40 + 58 // READ_OCR
	acmd41 = 0x40 + 41 // SEND_OP_COND (SDC), after CMD55
)

// R1 response bits.
const (
	r1Idle        = 0x01
	r1EraseReset  = 0x02
	r1IllegalCmd  = 0x04
	r1CmdCRCErr   = 0x08
	r1EraseSeqErr = 0x10
	r1AddrErr     = 0x20
	r1ParamErr    = 0x40
	r1Reserved    = 0x80

	// Any of these means the command failed.
	r1ErrorMask = 0xFC
)

// Error token bits.
const (
	tokErr        = 0x01
	tokCCErr      = 0x02
	tokECCFail    = 0x04
	tokOutOfRange = 0x08
	tokCardLocked = 0x10

	// A token with the top three bits clear is an error token.
	tokReservedMask = 0xE0
)

// Data-start tokens.
const (
	tokenBlockStart      = 0xFE
	tokenMultiWriteStart = 0xFC
	tokenAltStart        = 0xF1
)

// The card signals "still processing" with 0xFF; after this many polled
// bytes the host gives up. The count is in polled bytes, not clock cycles.
const pollLimit = 8

// BlockSize is the data block length forced via CMD16.
const BlockSize = 512

// Kind classifies an initialised card.
type Kind int

const (
	MMCv3 Kind = iota
	SDv1
	SDv2ByteAddr
	SDv2BlockAddr
)

func (k Kind) String() string {
	switch k {
	case MMCv3:
		return "MMC Version 3"
	case SDv1:
		return "SD Version 1"
	case SDv2ByteAddr:
		return "SD Version 2 (byte address)"
	case SDv2BlockAddr:
		return "SD Version 2 (block address)"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ErrTimeout is returned when the card did not answer within the polling
// budget. The caller decides whether to retry.
var ErrTimeout = errors.New("sdspi: card response timeout")

// ErrUnknownCard is returned when the classification handshake failed on
// every dialect.
var ErrUnknownCard = errors.New("sdspi: unknown card")

// CardError is a card-reported failure: an R1 with error bits set, or an
// error token in place of a data block.
type CardError struct {
	// R1 holds the response byte when the command itself failed.
	R1 byte
	// Token holds the error token when a data read failed.
	Token byte
}

func (e *CardError) Error() string {
	var names []string
	if e.Token != 0 || e.R1 == 0 {
		for _, b := range []struct {
			bit  byte
			name string
		}{
			{tokErr, "error"},
			{tokCCErr, "CC error"},
			{tokECCFail, "card ECC failed"},
			{tokOutOfRange, "out of range"},
			{tokCardLocked, "card locked"},
		} {
			if e.Token&b.bit != 0 {
				names = append(names, b.name)
			}
		}
		return fmt.Sprintf("sdspi: error token %#02x (%s)", e.Token, strings.Join(names, ", "))
	}
	for _, b := range []struct {
		bit  byte
		name string
	}{
		{r1ParamErr, "parameter error"},
		{r1AddrErr, "address error"},
		{r1EraseSeqErr, "erase sequence error"},
		{r1CmdCRCErr, "command CRC error"},
		{r1IllegalCmd, "illegal command"},
		{r1Reserved, "reserved bit set"},
	} {
		if e.R1&b.bit != 0 {
			names = append(names, b.name)
		}
	}
	return fmt.Sprintf("sdspi: card response %#02x (%s)", e.R1, strings.Join(names, ", "))
}

// CRCError reports a CRC-7 or CRC-16 disagreement on received data. It is
// not fatal; the caller may retry the read.
type CRCError struct {
	Want, Got uint16
}

func (e *CRCError) Error() string {
	return fmt.Sprintf("sdspi: crc mismatch: computed %#04x, received %#04x", e.Want, e.Got)
}

// Dev is a SD/MMC card in SPI mode behind an open MPSSE SPI engine.
type Dev struct {
	s *ftdi.SPI
}

// New returns a Dev speaking through s.
func New(s *ftdi.SPI) *Dev {
	return &Dev{s: s}
}

// Init runs the power-on ramp: CS# and MOSI held high for over 1ms, then
// at least 74 clock cycles (80 here) with no data.
//
// It must run before chip select is asserted.
func (d *Dev) Init() error {
	if err := d.s.SetBitsLow(ftdi.PinMOSI|ftdi.PinCS, ftdi.PinMOSI|ftdi.PinCS, ftdi.PinMOSI|ftdi.PinCS); err != nil {
		return err
	}
	time.Sleep(time.Millisecond)
	return d.s.PulseClock(10)
}

// Reset soft-resets the card with CMD0 until it reports idle state,
// retrying while the card does not answer at all.
func (d *Dev) Reset() error {
	for {
		resp, err := d.sendCommand(cmd0, 0)
		if errors.Is(err, ErrTimeout) {
			continue
		}
		if err != nil {
			return err
		}
		if resp[0]&r1Idle == 0 {
			return fmt.Errorf("sdspi: unexpected reset response %#02x", resp[0])
		}
		return nil
	}
}

// Identify runs the version discovery handshake and classifies the card.
//
// CMD8 splits the world: legacy cards reject it and are probed with
// ACMD41 then CMD1; 2.0 cards echo the check pattern and negotiate with
// ACMD41(HCS). High capacity cards (CCS set in the OCR) get their block
// length forced to 512 bytes for FAT compatibility.
func (d *Dev) Identify() (Kind, error) {
	resp, err := d.sendCommand(cmd8, 0x000001AA)
	if err != nil {
		var ce *CardError
		if !errors.Is(err, ErrTimeout) && !errors.As(err, &ce) {
			return 0, err
		}
		// Legacy card: SD version 1 answers ACMD41, MMC answers CMD1.
		r1, err := d.opCondLoop(true, 0)
		if err != nil {
			return 0, err
		}
		if r1 == 0 {
			return SDv1, nil
		}
		if r1, err = d.opCondLoop(false, 0); err != nil {
			return 0, err
		}
		if r1 == 0 {
			return MMCv3, nil
		}
		return 0, ErrUnknownCard
	}
	if echo := binary.BigEndian.Uint32(resp[1:5]); echo != 0x000001AA {
		return 0, ErrUnknownCard
	}
	r1, err := d.opCondLoop(true, 0x40000000) // HCS set
	if err != nil {
		return 0, err
	}
	if r1 != 0 {
		return 0, ErrUnknownCard
	}
	ocr, err := d.ReadOCR()
	if err != nil {
		return 0, err
	}
	if ocr.CCS() {
		if _, err := d.sendCommand(cmd16, BlockSize); err != nil {
			return 0, err
		}
		return SDv2ByteAddr, nil
	}
	return SDv2BlockAddr, nil
}

// opCondLoop retries SEND_OP_COND for up to one second of wall time until
// the card leaves the idle state. app selects ACMD41 (prefixed by CMD55)
// over CMD1.
//
// The returned byte is the last R1; 0 means the card is ready. Card-side
// failures and response timeouts end the loop but are not fatal: the
// caller moves on to the next dialect.
func (d *Dev) opCondLoop(app bool, arg uint32) (byte, error) {
	start := timeSync()
	for {
		var resp []byte
		var err error
		if app {
			if resp, err = d.sendCommand(cmd55, 0); err == nil {
				resp, err = d.sendCommand(acmd41, arg)
			}
		} else {
			resp, err = d.sendCommand(cmd1, arg)
		}
		if err != nil {
			var ce *CardError
			if errors.As(err, &ce) {
				return ce.R1, nil
			}
			if errors.Is(err, ErrTimeout) {
				return 0xFF, nil
			}
			return 0, err
		}
		if resp[0] != r1Idle {
			return resp[0], nil
		}
		if time.Since(start) >= time.Second {
			return resp[0], nil
		}
	}
}

// ReadOCR reads the operating conditions register (CMD58).
func (d *Dev) ReadOCR() (OCR, error) {
	resp, err := d.sendCommand(cmd58, 0)
	if err != nil {
		return 0, err
	}
	return OCR(binary.BigEndian.Uint32(resp[1:5])), nil
}

// ReadCID reads and decodes the card identification register.
//
// A CRCError still carries the decoded register.
func (d *Dev) ReadCID() (*CID, error) {
	if _, err := d.sendCommand(cmd10, 0); err != nil {
		return nil, err
	}
	raw, err := d.readData(16)
	if raw == nil {
		return nil, err
	}
	cid := decodeCID(raw)
	if err != nil {
		return cid, err
	}
	if want := CRC7(raw[:15])<<1 | 0x01; want != raw[15] {
		return cid, &CRCError{Want: uint16(want), Got: uint16(raw[15])}
	}
	return cid, nil
}

// ReadCSD reads and decodes the card specific data register.
//
// A CRCError still carries the decoded register.
func (d *Dev) ReadCSD() (*CSD, error) {
	if _, err := d.sendCommand(cmd9, 0); err != nil {
		return nil, err
	}
	raw, err := d.readData(16)
	if raw == nil {
		return nil, err
	}
	csd := decodeCSD(raw)
	if err != nil {
		return csd, err
	}
	if want := CRC7(raw[:15])<<1 | 0x01; want != raw[15] {
		return csd, &CRCError{Want: uint16(want), Got: uint16(raw[15])}
	}
	return csd, nil
}

// ReadBlock reads one 512-byte data block (CMD17).
//
// addr is a byte address on byte-addressed cards and a block number on
// block-addressed ones.
func (d *Dev) ReadBlock(addr uint32) ([]byte, error) {
	if _, err := d.sendCommand(cmd17, addr); err != nil {
		return nil, err
	}
	return d.readData(BlockSize)
}

// sendCommand frames cmd/arg into the six-byte packet, waits for the card
// to be ready, writes it and collects the response.
//
// The CRC-7 is always computed even where a stub would do, and the end bit
// is always 1. The returned slice is 1 byte for R1 commands and 5 for the
// R3/R7 pair (CMD58/CMD8); it is valid even when the error is a
// *CardError.
func (d *Dev) sendCommand(cmd byte, arg uint32) ([]byte, error) {
	// Clock until the card reports ready.
	var b [1]byte
	for {
		if err := d.s.Read(b[:]); err != nil {
			return nil, err
		}
		if b[0] == 0xFF {
			break
		}
	}

	var pkt [6]byte
	pkt[0] = cmd
	binary.BigEndian.PutUint32(pkt[1:5], arg)
	pkt[5] = CRC7(pkt[:5])<<1 | 0x01
	if err := d.s.Write(pkt[:]); err != nil {
		return nil, err
	}
	// Keep MOSI high while the card answers.
	if err := d.s.SetBitsLow(ftdi.PinMOSI, ftdi.PinMOSI, ftdi.PinMOSI); err != nil {
		return nil, err
	}

	n := 1
	if cmd == cmd8 || cmd == cmd58 {
		n = 5
	}
	resp := make([]byte, 0, n)
	polled := 0
	for len(resp) < n {
		if err := d.s.Read(b[:]); err != nil {
			return nil, err
		}
		if len(resp) == 0 && b[0] == 0xFF {
			if polled++; polled >= pollLimit {
				return nil, ErrTimeout
			}
			continue
		}
		resp = append(resp, b[0])
	}
	if resp[0]&r1ErrorMask != 0 {
		return resp, &CardError{R1: resp[0]}
	}
	return resp, nil
}

// readData waits for the data token following a read command, then reads
// count payload bytes and the CRC-16 pair.
//
// A CRCError still carries the payload.
func (d *Dev) readData(count int) ([]byte, error) {
	var b [1]byte
	polled := 0
	for {
		if err := d.s.Read(b[:]); err != nil {
			return nil, err
		}
		if b[0] != 0xFF {
			break
		}
		if polled++; polled >= pollLimit {
			return nil, ErrTimeout
		}
	}
	switch token := b[0]; {
	case token == tokenBlockStart || token == tokenMultiWriteStart || token == tokenAltStart:
	case token&tokReservedMask == 0:
		return nil, &CardError{Token: token}
	default:
		return nil, fmt.Errorf("sdspi: invalid data token %#02x", token)
	}

	data := make([]byte, count)
	if err := d.s.Read(data); err != nil {
		return nil, err
	}
	var crc [2]byte
	if err := d.s.Read(crc[:]); err != nil {
		return nil, err
	}
	got := binary.BigEndian.Uint16(crc[:])
	if want := CRC16(data); want != got {
		return data, &CRCError{Want: want, Got: got}
	}
	return data, nil
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
