// Copyright 2024 The FT2232H Lib Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ftdi

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// Pin is a spare MPSSE bus pin driven through the GPIO mirror cache.
//
// Pin implements gpio.PinIO.
type Pin struct {
	s    *SPI
	ac   bool // AC bus when true, AD bus otherwise
	num  int
	name string
}

// ADBus returns AD bus pin n as a GPIO.
//
// AD0~AD3 belong to the SPI engine; only AD4~AD7 are available.
func (s *SPI) ADBus(n int) (*Pin, error) {
	if n < 4 || n > 7 {
		return nil, fmt.Errorf("ftdi: AD%d is not available as GPIO", n)
	}
	return &Pin{s: s, num: n, name: "AD" + strconv.Itoa(n)}, nil
}

// ACBus returns AC bus pin n as a GPIO.
func (s *SPI) ACBus(n int) (*Pin, error) {
	if n < 0 || n > 7 {
		return nil, fmt.Errorf("ftdi: AC%d does not exist", n)
	}
	return &Pin{s: s, ac: true, num: n, name: "AC" + strconv.Itoa(n)}, nil
}

// String implements pin.Pin.
func (p *Pin) String() string {
	return p.name
}

// Name implements pin.Pin.
func (p *Pin) Name() string {
	return p.name
}

// Number implements pin.Pin.
func (p *Pin) Number() int {
	return p.num
}

// Function implements pin.Pin.
func (p *Pin) Function() string {
	st := p.state()
	s := "Out/"
	if st.io&p.mask() == 0 {
		s = "In/"
	}
	return s + gpio.Level(st.level&p.mask() != 0).String()
}

// Halt implements gpio.PinIO.
func (p *Pin) Halt() error {
	return nil
}

// In implements gpio.PinIn.
func (p *Pin) In(pull gpio.Pull, e gpio.Edge) error {
	if e != gpio.NoEdge {
		return errors.New("ftdi: edge triggering is not supported")
	}
	if pull != gpio.PullUp && pull != gpio.PullNoChange {
		// The bus pins have fixed 75kΩ pull ups.
		return fmt.Errorf("ftdi: pull %s is not supported", pull)
	}
	return p.set(p.mask(), 0, 0)
}

// Read implements gpio.PinIn.
func (p *Pin) Read() gpio.Level {
	var v byte
	var err error
	if p.ac {
		v, err = p.s.GetBitsHigh()
	} else {
		v, err = p.s.GetBitsLow()
	}
	if err != nil {
		return gpio.Low
	}
	return gpio.Level(v&p.mask() != 0)
}

// WaitForEdge implements gpio.PinIn.
func (p *Pin) WaitForEdge(t time.Duration) bool {
	return false
}

// DefaultPull implements gpio.PinIn. The pull up is 75kΩ.
func (p *Pin) DefaultPull() gpio.Pull {
	return gpio.PullUp
}

// Pull implements gpio.PinIn.
func (p *Pin) Pull() gpio.Pull {
	return gpio.PullUp
}

// Out implements gpio.PinOut.
func (p *Pin) Out(l gpio.Level) error {
	lvl := byte(0)
	if l {
		lvl = p.mask()
	}
	return p.set(p.mask(), lvl, p.mask())
}

// PWM implements gpio.PinOut.
func (p *Pin) PWM(d gpio.Duty, f physic.Frequency) error {
	return errors.New("ftdi: PWM is not supported")
}

func (p *Pin) mask() byte {
	return 1 << uint(p.num)
}

func (p *Pin) state() lineState {
	if p.ac {
		return p.s.high
	}
	return p.s.low
}

func (p *Pin) set(mask, level, io byte) error {
	if p.ac {
		return p.s.SetBitsHigh(mask, level, io)
	}
	return p.s.SetBitsLow(mask, level, io)
}

var _ gpio.PinIO = &Pin{}
