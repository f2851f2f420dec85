// Copyright 2023 The FT2232H Lib Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

//go:build ftdi_verbose

package ftdi

import "log"

// logf is enabled when the build tag ftdi_verbose is specified.
func logf(fmt string, v ...interface{}) {
	log.Printf(fmt, v...)
}
