// Copyright 2024 The FT2232H Lib Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// flash-spi-rw dumps a SPI NOR flash to EEPROM_backup.bin and, when given
// an image file, erases the chip, programs the image and verifies it.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/giofrida/ft2232h-lib/ftdi"
	"github.com/giofrida/ft2232h-lib/spiflash"
)

const (
	backupFile  = "EEPROM_backup.bin"
	scratchFile = "temp.bin"
)

func mainImpl() error {
	vid := flag.Uint("vid", ftdi.DefaultVID, "USB vendor ID")
	pid := flag.Uint("pid", ftdi.DefaultPID, "USB product ID")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: flash-spi-rw [flags] size[K|M|G] [image_file]\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 1 || flag.NArg() > 2 {
		flag.Usage()
		return errors.New("missing arguments")
	}
	size, err := parseSize(flag.Arg(0))
	if err != nil {
		return err
	}

	dev, err := ftdi.OpenVIDPID(uint16(*vid), uint16(*pid))
	if err != nil {
		return err
	}
	defer dev.Close()

	// SPI mode 3, full speed, MOSI idles high: what the Macronix parts
	// expect.
	cfg := ftdi.Config{CPOL: true, CPHA: true, MOSIIdle: true}
	s, err := ftdi.NewSPI(dev, cfg)
	if err != nil {
		return err
	}
	fmt.Printf("FTDI: SPI mode %d initialised at %s\n", cfg.Mode(), cfg.Frequency())

	fl := spiflash.New(s)
	id, err := fl.ReadID()
	if err != nil {
		return err
	}
	fmt.Printf("INFO: EEPROM identification data:\n")
	fmt.Printf("   Manufacturer ID: %#02X (%s)\n", id.Manufacturer, id.ManufacturerName())
	fmt.Printf("       Memory type: %#02X\n", id.MemoryType)
	fmt.Printf("    Memory density: %#02X\n", id.Density)

	fp, err := os.Create(backupFile)
	if err != nil {
		return err
	}
	fmt.Println("INFO: Reading EEPROM...")
	if err := fl.ReadAll(fp, size); err != nil {
		fp.Close()
		return err
	}
	if err := fp.Close(); err != nil {
		return err
	}
	fmt.Printf("INFO: EEPROM dumped in %q\n", backupFile)

	if flag.NArg() < 2 {
		return nil
	}
	image := flag.Arg(1)

	fmt.Println("INFO: Erasing EEPROM...")
	if err := fl.ChipErase(); err != nil {
		return err
	}
	fmt.Println("INFO: EEPROM erased.")

	src, err := os.Open(image)
	if err != nil {
		return err
	}
	defer src.Close()

	fmt.Println("INFO: Writing EEPROM...")
	err = fl.Program(src, size, func(addr, total uint32) {
		fmt.Printf("INFO: %.1f%% (%d bytes written)\n", 100*float64(addr)/float64(total), addr)
	})
	if warn := warning(err); warn != "" {
		fmt.Printf("WARNING: %s\n", warn)
	} else if err != nil {
		return err
	}
	fmt.Printf("INFO: Wrote EEPROM from file %q\n", image)

	if _, err := src.Seek(0, 0); err != nil {
		return err
	}
	fmt.Println("INFO: Verifying EEPROM...")
	scratch, err := os.OpenFile(scratchFile, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer scratch.Close()
	err = fl.Verify(src, size, scratch)
	if warn := warning(err); warn != "" {
		fmt.Printf("WARNING: %s\n", warn)
	} else if err != nil {
		return err
	}
	if err := os.Remove(scratchFile); err != nil {
		return err
	}
	fmt.Println("INFO: EEPROM verified.")
	return nil
}

// warning returns a message for the non-fatal outcomes of Program and
// Verify.
func warning(err error) string {
	var short *spiflash.ShortInputError
	var trailing *spiflash.TrailingInputError
	switch {
	case errors.As(err, &short):
		return short.Error()
	case errors.As(err, &trailing):
		return trailing.Error()
	}
	return ""
}

// parseSize parses a byte count with an optional K, M or G suffix.
func parseSize(s string) (uint32, error) {
	mult := uint64(1)
	switch {
	case strings.HasSuffix(strings.ToLower(s), "g"):
		mult = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	case strings.HasSuffix(strings.ToLower(s), "m"):
		mult = 1024 * 1024
		s = s[:len(s)-1]
	case strings.HasSuffix(strings.ToLower(s), "k"):
		mult = 1024
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid EEPROM size %q", s)
	}
	n *= mult
	if n > 1<<24 {
		return 0, fmt.Errorf("EEPROM size %d exceeds the 24-bit address space", n)
	}
	return uint32(n), nil
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "flash-spi-rw: %v\n", err)
		os.Exit(1)
	}
}
