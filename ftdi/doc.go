// Copyright 2023 The FT2232H Lib Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ftdi drives a FT2232H in MPSSE mode as a SPI master.
//
// Dev is the USB transport: bulk transfers plus the SIO vendor requests,
// over github.com/google/gousb. SPI is the MPSSE engine on top of it: clock
// configuration, the clocked byte streams of AN_108, chip select lifecycle
// and the GPIO mirror for the remaining bus pins.
//
// Use build tag ftdi_verbose to trace the command stream.
//
// # Datasheets
//
// https://www.ftdichip.com/Support/Documents/DataSheets/ICs/DS_FT2232H.pdf
package ftdi
