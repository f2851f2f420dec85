// Copyright 2023 The FT2232H Lib Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package sdspi

import (
	"fmt"
	"strings"
	"time"

	"periph.io/x/conn/v3/physic"
)

// OCR is the 32-bit operating conditions register.
type OCR uint32

// OCR bits.
const (
	ocrVddWindow OCR = 0x00FFFFFF // full VDD voltage window
	ocrCCS       OCR = 0x40000000 // card capacity status
	ocrPowerUp   OCR = 0x80000000 // power up finished
)

// CCS reports the card capacity status bit, set on high capacity cards.
func (o OCR) CCS() bool {
	return o&ocrCCS != 0
}

// Busy reports whether the power-up sequence is still running (bit 31
// clear).
func (o OCR) Busy() bool {
	return o&ocrPowerUp == 0
}

// VddWindow returns the lowest and highest supported supply voltage.
//
// Window bits 15..23 map to 100mV steps from 2.7V to 3.6V.
func (o OCR) VddWindow() (min, max physic.ElectricPotential) {
	lo, hi := 23, 15
	for i := 15; i < 24; i++ {
		if o&(1<<uint(i)) != 0 {
			if i < lo {
				lo = i
			}
			if i > hi {
				hi = i
			}
		}
	}
	min = physic.ElectricPotential(2600+100*(lo-14)) * physic.MilliVolt
	max = physic.ElectricPotential(2700+100*(hi-14)) * physic.MilliVolt
	return min, max
}

func (o OCR) String() string {
	min, max := o.VddWindow()
	return fmt.Sprintf("OCR %#08X VDD %s-%s CCS=%t busy=%t", uint32(o), min, max, o.CCS(), o.Busy())
}

// CID is the decoded card identification register.
type CID struct {
	MID byte   // manufacturer ID
	OID string // OEM/application ID, 2 characters
	PNM string // product name, 6 characters
	PRV byte   // product revision, BCD
	PSN uint32 // product serial number
	MDT uint16 // manufacturing date, year offset from 2000 and month
	CRC byte   // CRC7 of the register

	Raw [16]byte
}

// The product name runs for 6 bytes (bits 103..56), so PRV, PSN and MDT
// sit one byte lower than in a 5-byte-PNM reading; MDT occupies bits
// 15..4, sharing its low nibble with the CRC field.
func decodeCID(raw []byte) *CID {
	c := &CID{
		MID: byte(getBits(raw, 120, 8)),
		OID: string([]byte{byte(getBits(raw, 112, 8)), byte(getBits(raw, 104, 8))}),
		PNM: string([]byte{
			byte(getBits(raw, 96, 8)),
			byte(getBits(raw, 88, 8)),
			byte(getBits(raw, 80, 8)),
			byte(getBits(raw, 72, 8)),
			byte(getBits(raw, 64, 8)),
			byte(getBits(raw, 56, 8)),
		}),
		PRV: byte(getBits(raw, 48, 8)),
		PSN: getBits(raw, 16, 32),
		MDT: uint16(getBits(raw, 4, 12)),
		CRC: byte(getBits(raw, 1, 7)),
	}
	copy(c.Raw[:], raw)
	return c
}

// ProductName returns PNM with the space padding trimmed.
func (c *CID) ProductName() string {
	return strings.TrimRight(c.PNM, " ")
}

// Manufacturer returns the human readable manufacturer matching MID and
// OID, or "Unknown".
func (c *CID) Manufacturer() string {
	for _, m := range sdManufacturers {
		if m.mid == c.MID && (m.oid == "" || m.oid == c.OID) {
			return m.name
		}
	}
	return "Unknown"
}

// ManufactureDate returns the decoded MDT field.
func (c *CID) ManufactureDate() (year int, month time.Month) {
	return 2000 + int(c.MDT>>4&0xFF), time.Month(c.MDT & 0x0F)
}

func (c *CID) String() string {
	year, month := c.ManufactureDate()
	var b strings.Builder
	fmt.Fprintf(&b, "Manufacturer ID (MID): %#02X (%s)\n", c.MID, c.Manufacturer())
	fmt.Fprintf(&b, "OEM/Application ID (OID): %s\n", c.OID)
	fmt.Fprintf(&b, "Product name (PNM): %s\n", c.ProductName())
	fmt.Fprintf(&b, "Product revision (PRV): %#02X (%d.%d)\n", c.PRV, c.PRV>>4, c.PRV&0x0F)
	fmt.Fprintf(&b, "Product serial number (PSN): %#08X\n", c.PSN)
	fmt.Fprintf(&b, "Manufacturing date (MDT): %#03X (%d/%d)\n", c.MDT, month, year)
	fmt.Fprintf(&b, "CRC7 checksum (CRC): %#02X", c.CRC)
	return b.String()
}

var sdManufacturers = []struct {
	mid  byte
	name string
	oid  string
}{
	{0x01, "Panasonic", "PA"},
	{0x02, "Toshiba", "TM"},
	{0x03, "Sandisk", "SD"},
	{0x13, "KingMax", "HG"},
	{0x13, "KingMax", "KG"},
	{0x16, "Matrix", ""},
	{0x1B, "Samsung", "SM"},
	{0x27, "Phison", "PH"},
	{0x30, "Sandisk", "SD"},
	{0x41, "Kingston", "42"},
	{0x5D, "swissbit", "SB"},
}

// CSD is the decoded card specific data register.
//
// Version 1.0 and 2.0 share every field except C_SIZE, which widens from
// 12 to 22 bits, and the VDD current and size multiplier fields, which
// only exist in version 1.0.
type CSD struct {
	Structure byte // CSD_STRUCTURE; 0 is v1.0, 1 is v2.0
	TAAC      byte
	NSAC      byte
	TranSpeed byte
	CCC       uint16
	ReadBlLen byte

	ReadBlPartial    bool
	WriteBlkMisalign bool
	ReadBlkMisalign  bool
	DSRImp           bool

	CSize uint32

	// Version 1.0 only.
	VddRCurrMin byte
	VddRCurrMax byte
	VddWCurrMin byte
	VddWCurrMax byte
	CSizeMult   byte

	EraseBlkEn  bool
	SectorSize  byte
	WPGrpSize   byte
	WPGrpEnable bool

	R2WFactor      byte
	WriteBlLen     byte
	WriteBlPartial bool

	FileFormatGrp    bool
	Copy             bool
	PermWriteProtect bool
	TmpWriteProtect  bool
	FileFormat       byte
	CRC              byte

	Raw [16]byte
}

func decodeCSD(raw []byte) *CSD {
	c := &CSD{
		Structure:        byte(getBits(raw, 126, 2)),
		TAAC:             byte(getBits(raw, 112, 8)),
		NSAC:             byte(getBits(raw, 104, 8)),
		TranSpeed:        byte(getBits(raw, 96, 8)),
		CCC:              uint16(getBits(raw, 84, 12)),
		ReadBlLen:        byte(getBits(raw, 80, 4)),
		ReadBlPartial:    getBits(raw, 79, 1) != 0,
		WriteBlkMisalign: getBits(raw, 78, 1) != 0,
		ReadBlkMisalign:  getBits(raw, 77, 1) != 0,
		DSRImp:           getBits(raw, 76, 1) != 0,
		EraseBlkEn:       getBits(raw, 46, 1) != 0,
		SectorSize:       byte(getBits(raw, 39, 7)),
		WPGrpSize:        byte(getBits(raw, 32, 7)),
		WPGrpEnable:      getBits(raw, 31, 1) != 0,
		R2WFactor:        byte(getBits(raw, 26, 3)),
		WriteBlLen:       byte(getBits(raw, 22, 4)),
		WriteBlPartial:   getBits(raw, 21, 1) != 0,
		FileFormatGrp:    getBits(raw, 15, 1) != 0,
		Copy:             getBits(raw, 14, 1) != 0,
		PermWriteProtect: getBits(raw, 13, 1) != 0,
		TmpWriteProtect:  getBits(raw, 12, 1) != 0,
		FileFormat:       byte(getBits(raw, 11, 2)),
		CRC:              byte(getBits(raw, 1, 7)),
	}
	if c.Structure == 0 {
		c.CSize = getBits(raw, 62, 12)
		c.VddRCurrMin = byte(getBits(raw, 59, 3))
		c.VddRCurrMax = byte(getBits(raw, 56, 3))
		c.VddWCurrMin = byte(getBits(raw, 53, 3))
		c.VddWCurrMax = byte(getBits(raw, 50, 3))
		c.CSizeMult = byte(getBits(raw, 47, 3))
	} else {
		c.CSize = getBits(raw, 48, 22)
	}
	copy(c.Raw[:], raw)
	return c
}

// Version returns the CSD version, 1 or 2.
func (c *CSD) Version() int {
	return int(c.Structure) + 1
}

// Capacity returns the card capacity in bytes.
func (c *CSD) Capacity() int64 {
	if c.Structure == 0 {
		return int64(c.CSize+1) * (1 << (c.CSizeMult + 2)) * (1 << c.ReadBlLen)
	}
	return int64(c.CSize+1) * 512 * 1024
}

// ReadBlockLen returns the maximum read block length in bytes, or 0 when
// the coded value is out of spec.
func (c *CSD) ReadBlockLen() int {
	if c.ReadBlLen > 8 && c.ReadBlLen < 12 {
		return 1 << c.ReadBlLen
	}
	return 0
}

// WriteBlockLen returns the maximum write block length in bytes, or 0 when
// the coded value is out of spec.
func (c *CSD) WriteBlockLen() int {
	if c.WriteBlLen > 8 && c.WriteBlLen < 12 {
		return 1 << c.WriteBlLen
	}
	return 0
}

// AccessTime returns the decoded asynchronous part of the data access time
// (TAAC).
func (c *CSD) AccessTime() time.Duration {
	unit := time.Duration(1)
	for i := 0; i < int(c.TAAC&0x07); i++ {
		unit *= 10
	}
	// The table is in tenths of nanoseconds.
	return time.Duration(taacTimeValue[c.TAAC>>3&0x0F]) * unit * time.Nanosecond / 10
}

// TransferRate returns the decoded maximum data transfer rate
// (TRAN_SPEED) in bits per second.
func (c *CSD) TransferRate() int64 {
	mult := int64(10000) // 100kbit/s in units of 10bit/s
	for i := 0; i < int(c.TranSpeed&0x07); i++ {
		mult *= 10
	}
	return int64(tranTimeValue[c.TranSpeed>>3&0x0F]) * mult
}

// FileFormatName returns the human readable file format.
func (c *CSD) FileFormatName() string {
	if c.FileFormatGrp {
		return "Reserved"
	}
	return fileFormats[c.FileFormat]
}

// taacTimeValue and tranTimeValue are the coded mantissas, in tenths.
var (
	taacTimeValue = [16]int{0, 10, 12, 13, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60, 70, 80}
	tranTimeValue = [16]int{0, 10, 12, 13, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60, 70, 80}
)

var fileFormats = [4]string{
	"Hard disk-like file system with partition table",
	"DOS FAT (floppy-like) with boot sector only (no partition table)",
	"Universal File Format",
	"Others/Unknown",
}

func (c *CSD) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CSD structure: %#02X (v%d.0)\n", c.Structure, c.Version())
	fmt.Fprintf(&b, "Data read access time (TAAC): %#02X (%s)\n", c.TAAC, c.AccessTime())
	fmt.Fprintf(&b, "Data read access clocks (NSAC): %#02X (%d clock cycles)\n", c.NSAC, int(c.NSAC)*100)
	fmt.Fprintf(&b, "Max data transfer rate (TRAN_SPEED): %#02X (%d bit/s)\n", c.TranSpeed, c.TransferRate())
	fmt.Fprintf(&b, "Card command classes (CCC): %#03X\n", c.CCC)
	fmt.Fprintf(&b, "Max read block length (READ_BL_LEN): %#X (%d bytes)\n", c.ReadBlLen, c.ReadBlockLen())
	fmt.Fprintf(&b, "Partial block reads allowed (READ_BL_PARTIAL): %t\n", c.ReadBlPartial)
	fmt.Fprintf(&b, "DSR implemented (DSR_IMP): %t\n", c.DSRImp)
	fmt.Fprintf(&b, "Device size (C_SIZE): %#X (%d bytes)\n", c.CSize, c.Capacity())
	if c.Structure == 0 {
		fmt.Fprintf(&b, "Max read current @VDD min/max: %.1f/%.1f mA\n", currMinValue[c.VddRCurrMin], currMaxValue[c.VddRCurrMax])
		fmt.Fprintf(&b, "Max write current @VDD min/max: %.1f/%.1f mA\n", currMinValue[c.VddWCurrMin], currMaxValue[c.VddWCurrMax])
		fmt.Fprintf(&b, "Device size multiplier (C_SIZE_MULT): %#X\n", c.CSizeMult)
	}
	fmt.Fprintf(&b, "Erase single block enable (ERASE_BLK_EN): %t\n", c.EraseBlkEn)
	fmt.Fprintf(&b, "Erase sector size (SECTOR_SIZE): %d blocks\n", int(c.SectorSize)+1)
	fmt.Fprintf(&b, "Write protect group size (WP_GRP_SIZE): %d blocks\n", int(c.WPGrpSize)+1)
	fmt.Fprintf(&b, "Write protect group enable (WP_GRP_ENABLE): %t\n", c.WPGrpEnable)
	fmt.Fprintf(&b, "Write speed factor (R2W_FACTOR): %d\n", c.R2WFactor)
	fmt.Fprintf(&b, "Max write block length (WRITE_BL_LEN): %#X (%d bytes)\n", c.WriteBlLen, c.WriteBlockLen())
	fmt.Fprintf(&b, "Partial block writes allowed (WRITE_BL_PARTIAL): %t\n", c.WriteBlPartial)
	fmt.Fprintf(&b, "Copy flag (COPY): %t\n", c.Copy)
	fmt.Fprintf(&b, "Permanent write protection: %t\n", c.PermWriteProtect)
	fmt.Fprintf(&b, "Temporary write protection: %t\n", c.TmpWriteProtect)
	fmt.Fprintf(&b, "File format (FILE_FORMAT): %d (%s)\n", c.FileFormat, c.FileFormatName())
	fmt.Fprintf(&b, "CRC7 checksum (CRC): %#02X", c.CRC)
	return b.String()
}

var (
	currMinValue = [8]float64{0.5, 1, 5, 10, 25, 35, 60, 100}
	currMaxValue = [8]float64{1, 5, 10, 25, 35, 45, 80, 200}
)
