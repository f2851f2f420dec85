// Copyright 2024 The FT2232H Lib Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package sdspi

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCRC7CommandPackets(t *testing.T) {
	// CMD0: full packet {0x40, 0, 0, 0, 0, 0x95}.
	crc := CRC7([]byte{0x40, 0x00, 0x00, 0x00, 0x00})
	require.Equal(t, byte(0x4A), crc)
	require.Equal(t, byte(0x95), crc<<1|0x01)

	// CMD8(0x1AA): full packet {0x48, 0, 0, 0x01, 0xAA, 0x87}.
	crc = CRC7([]byte{0x48, 0x00, 0x00, 0x01, 0xAA})
	require.Equal(t, byte(0x43), crc)
	require.Equal(t, byte(0x87), crc<<1|0x01)
}

func TestCRC16Blocks(t *testing.T) {
	require.Equal(t, uint16(0x7FA1), CRC16(bytes.Repeat([]byte{0xFF}, 512)))
	require.Equal(t, uint16(0x0000), CRC16(make([]byte, 512)))
}

func TestGetBits(t *testing.T) {
	// Register image 0xA5F0: bit 0 is the LSB of the last byte.
	raw := []byte{0xA5, 0xF0}
	require.Equal(t, uint32(0x0), getBits(raw, 0, 4))
	require.Equal(t, uint32(0xF), getBits(raw, 4, 4))
	require.Equal(t, uint32(0xA5), getBits(raw, 8, 8))
	require.Equal(t, uint32(0xA5F0), getBits(raw, 0, 16))
	require.Equal(t, uint32(0x17), getBits(raw, 6, 6))
}
