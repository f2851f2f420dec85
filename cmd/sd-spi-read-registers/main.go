// Copyright 2024 The FT2232H Lib Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// sd-spi-read-registers initialises a SD/MMC card in SPI mode, prints the
// detected version and dumps the OCR, CID and CSD registers.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/giofrida/ft2232h-lib/ftdi"
	"github.com/giofrida/ft2232h-lib/sdspi"
)

func mainImpl() error {
	vid := flag.Uint("vid", ftdi.DefaultVID, "USB vendor ID")
	pid := flag.Uint("pid", ftdi.DefaultPID, "USB product ID")
	flag.Parse()
	if flag.NArg() != 0 {
		return errors.New("unrecognized arguments")
	}

	dev, err := ftdi.OpenVIDPID(uint16(*vid), uint16(*pid))
	if err != nil {
		return err
	}
	defer dev.Close()

	// SPI mode 3 at 400kHz for initialisation, MOSI idles high.
	cfg := ftdi.Config{CPOL: true, CPHA: true, CDIV: 14, CDIV5: true, MOSIIdle: true}
	s, err := ftdi.NewSPI(dev, cfg)
	if err != nil {
		return err
	}
	fmt.Printf("FTDI: SPI mode %d initialised at %s\n", cfg.Mode(), cfg.Frequency())

	card := sdspi.New(s)
	if err := card.Init(); err != nil {
		return err
	}

	// The card stays selected for the whole register-read session.
	if err := s.Begin(); err != nil {
		return err
	}
	defer s.End()

	if err := card.Reset(); err != nil {
		return err
	}
	kind, err := card.Identify()
	if err != nil {
		return err
	}
	fmt.Printf("INFO: SD card version: %s\n", kind)

	ocr, err := card.ReadOCR()
	if err != nil {
		return err
	}
	fmt.Printf("INFO: %s\n", ocr)

	cid, err := card.ReadCID()
	if warn := crcWarning(err); warn != "" {
		fmt.Printf("WARNING: %s\n", warn)
	} else if err != nil {
		return err
	}
	fmt.Printf("INFO: SD CID register: % X\n%s\n", cid.Raw[:], cid)

	csd, err := card.ReadCSD()
	if warn := crcWarning(err); warn != "" {
		fmt.Printf("WARNING: %s\n", warn)
	} else if err != nil {
		return err
	}
	fmt.Printf("INFO: SD CSD register: % X\n%s\n", csd.Raw[:], csd)
	return nil
}

// crcWarning returns a message when err is a CRC mismatch, which is
// reported but does not abort the dump.
func crcWarning(err error) string {
	var ce *sdspi.CRCError
	if errors.As(err, &ce) {
		return ce.Error()
	}
	return ""
}

func main() {
	if err := mainImpl(); err != nil {
		fmt.Fprintf(os.Stderr, "sd-spi-read-registers: %v\n", err)
		os.Exit(1)
	}
}
