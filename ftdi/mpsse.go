// Copyright 2023 The FT2232H Lib Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// MPSSE is Multi-Protocol Synchronous Serial Engine
//
// MPSSE basics:
// http://www.ftdichip.com/Support/Documents/AppNotes/AN_135_MPSSE_Basics.pdf
//
// MPSSE and MCU emulation modes:
// http://www.ftdichip.com/Support/Documents/AppNotes/AN_108_Command_Processor_for_MPSSE_and_MCU_Host_Bus_Emulation_Modes.pdf

package ftdi

const (
	// TDI/TDO serial operation synchronised on clock edges.
	//
	// Every run covers [1, 65536] bytes; the length is sent minus one, little
	// endian, right after the opcode:
	//   <op>, <LengthLow-1>, <LengthHigh-1>, <byte0>, ..., <byteN>
	//
	// Flags:
	dataOut     byte = 0x10 // Enable output, default on +VE (Rise)
	dataIn      byte = 0x20 // Enable input, default on +VE (Rise)
	dataOutFall byte = 0x01 // instead of Rise
	dataInFall  byte = 0x04 // instead of Rise
	dataLSBF    byte = 0x08 // instead of MSBF

	// GPIO operation.
	//
	// - Operates on 8 GPIOs at a time, AD0~AD7 (low) or AC0~AC7 (high).
	// - Direction 1 means output, 0 means input.
	//
	// <op>, <value>, <direction>
	gpioSetLow  byte = 0x80
	gpioSetHigh byte = 0x82
	// <op>, returns <value>
	gpioReadLow  byte = 0x81
	gpioReadHigh byte = 0x83

	// Internal loopback.
	//
	// Connects TDI and TDO together.
	loopbackStart byte = 0x84
	loopbackEnd   byte = 0x85

	// Clock.
	//
	// The TCK/SK has a 50% duty cycle.
	//
	// By default, the 60MHz base clock is divided by 5. The inactive clock
	// state is set via gpioSetLow bit 0.
	//
	// <op>, <divisorL>, <divisorH>
	clockSetDivisor byte = 0x86
	clockDiv5Off    byte = 0x8A
	clockDiv5On     byte = 0x8B
	// Uses normal 2 phases data clocking instead of the 3 phases needed for
	// I²C.
	clock3PhaseOff byte = 0x8D
	// Disables adaptive clocking (a JTAG feature that waits on D7 as an ACK).
	clockAdaptiveOff byte = 0x97
	// Clocks 8×[1, 65536] pulses without any data transfer.
	// <op>, <lengthL-1>, <lengthH-1>
	clockBytes byte = 0x8F

	// The device replies {badCommand, <op>} to any opcode it does not
	// understand. Sending a deliberately invalid opcode and waiting for this
	// echo is how the command stream is synchronised.
	badCommand byte = 0xFA
)

// writeOp returns the clock-out opcode for the configured SPI mode.
//
// Per AN_108, data is driven on the clock edge opposite to the sampling
// edge: modes 0 and 3 shift out on the falling edge.
func writeOp(c Config) byte {
	op := dataOut
	if c.WriteLSBFirst {
		op |= dataLSBF
	}
	if m := c.Mode(); m == 0 || m == 3 {
		op |= dataOutFall
	}
	return op
}

// readOp returns the clock-in opcode for the configured SPI mode.
//
// Modes 1 and 2 sample on the falling edge.
func readOp(c Config) byte {
	op := dataIn
	if c.ReadLSBFirst {
		op |= dataLSBF
	}
	if m := c.Mode(); m == 1 || m == 2 {
		op |= dataInFall
	}
	return op
}
