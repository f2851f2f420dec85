// Copyright 2023 The FT2232H Lib Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package sdspi

// CRC7 computes the 7-bit CRC over data with G(x) = x⁷+x³+1, as used by SD
// command packets and the CID/CSD registers.
func CRC7(data []byte) byte {
	return byte(crc(data, 1<<7|1<<3|1))
}

// CRC16 computes the 16-bit CRC over data with G(x) = x¹⁶+x¹²+x⁵+1, as
// used by SD data blocks.
func CRC16(data []byte) uint16 {
	return uint16(crc(data, 1<<16|1<<12|1<<5|1))
}

// crc long-divides data·x^deg by poly over GF(2), on a word-granular
// scratch buffer. The most significant input bit sits at the top of the
// scratch; the remainder ends up in its top deg bits.
func crc(data []byte, poly uint32) uint32 {
	deg := 31
	for poly>>uint(deg)&1 == 0 {
		deg--
	}
	bits := len(data) * 8
	total := bits + deg
	scratch := make([]uint32, (total+31)/32)

	for startBit, i := 0, len(scratch)-1; startBit < bits; i-- {
		n := bits - startBit
		if n > 32 {
			n = 32
		}
		scratch[i] = getBits(data, startBit, n)
		startBit += n
	}
	for i := 0; i < deg; i++ {
		lshift(scratch)
	}

	aligned := poly
	for aligned&0x80000000 == 0 {
		aligned <<= 1
	}
	for digits := 32 * len(scratch); digits > deg; digits-- {
		if scratch[0]&0x80000000 != 0 {
			scratch[0] ^= aligned
		}
		lshift(scratch)
	}
	return scratch[0] >> uint(32-deg)
}

// lshift shifts the whole scratch array left by one bit.
func lshift(w []uint32) {
	for i := 0; i < len(w)-1; i++ {
		w[i] = w[i]<<1 | w[i+1]>>31
	}
	w[len(w)-1] <<= 1
}

// getBits extracts size consecutive bits starting at startBit from a
// register image, using the SD numbering where bit 0 is the LSB of the
// last byte.
func getBits(data []byte, startBit, size int) uint32 {
	var v uint32
	for i := 0; i < size; i++ {
		bit := startBit + i
		b := data[len(data)-1-bit/8]
		v |= uint32(b>>(uint(bit)%8)&1) << uint(i)
	}
	return v
}
