// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package owbitbang implements a 1-wire bus master in software, on one
// GPIO line sequenced by a hardware timer's compare-match events.
//
// Every bit, in either direction, is a fixed-length slot that begins with
// the master pulling the line low. The compare-match handler then releases
// the line, samples it for reads, and waits out the remainder of the slot
// by reprogramming the next compare window, so no code busy-waits inside
// the handler. Mainline code arms one slot at a time and spins until the
// handler hands the bus back; that spin is the only blocking point.
//
// The master implements onewire.Bus and onewire.BusSearcher, so periph.io
// device drivers (ds18b20 and friends) run on it unchanged, with one
// restriction: there is no strong pull-up. The line is only ever driven low
// or released to the external pull-up resistor, so parasitically powered
// operations that need extra current are not available.
package owbitbang

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/onewire"
	"periph.io/x/conn/v3/physic"

	"github.com/MattDom/avr-onewire/cmtimer"
)

// Opts contains options to pass to the constructor.
type Opts struct {
	// Clock is the CPU clock feeding the timer prescaler. It must divide
	// down to the 1MHz slot tick and the 125kHz reset tick by a supported
	// prescaler (1, 8, 64, 256 or 1024); New fails for anything else rather
	// than mistiming the bus.
	Clock physic.Frequency
}

// DefaultOpts matches the original 8MHz AVR target.
var DefaultOpts = Opts{
	Clock: 8 * physic.MegaHertz,
}

// New returns a 1-wire bus master driving the data line q, sequenced by t.
//
// The line is configured as an input relying on the bus pull-up; from here
// on it is only ever driven low. t must be exclusively owned by the
// returned Dev.
func New(t cmtimer.Timer, q gpio.PinIO, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	slotPrescale, err := prescalerFor(opts.Clock, slotTick)
	if err != nil {
		return nil, err
	}
	resetPrescale, err := prescalerFor(opts.Clock, resetTick)
	if err != nil {
		return nil, err
	}
	d := &Dev{q: q, t: t, slotPrescale: slotPrescale, resetPrescale: resetPrescale}
	d.cell.store(opIdle, phaseLow)
	if err := q.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("owbitbang: %w", err)
	}
	if err := t.Configure(d.compareMatch); err != nil {
		return nil, fmt.Errorf("owbitbang: %w", err)
	}
	return d, nil
}

// Dev is a software 1-wire bus master and implements the onewire.Bus
// interface.
//
// Dev implements a persistent error model for its bindings: if the pin or
// timer fails, the Dev records the first error and every subsequent
// transaction returns it. Errors on the 1-wire bus itself (no presence)
// are not persistent and implement onewire.BusError.
//
// Transactions are serialized by an internal lock; the byte-level
// operations below that lock assume a single caller, matching the
// single-mainline model this master is designed for.
type Dev struct {
	mu sync.Mutex // lock for the bus while a transaction is in progress
	q  gpio.PinIO
	t  cmtimer.Timer

	slotPrescale  uint
	resetPrescale uint

	cell opCell      // operation hand-off between mainline and handler
	bit  atomic.Bool // level sampled by the handler, valid once idle

	errMu sync.Mutex // guards err, written from both contexts
	err   error      // persistent binding error
}

func (d *Dev) String() string {
	return fmt.Sprintf("owbitbang{%s}", d.q)
}

// Halt implements conn.Resource. It stops the timer and releases the line.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setErr(d.t.Stop())
	d.release()
	return d.Err()
}

// Tx performs a bus transaction: reset and presence check, then sending and
// receiving bytes.
//
// power must be onewire.WeakPullup: this master cannot drive the line high,
// so a strong pull-up is impossible by construction.
func (d *Dev) Tx(w, r []byte, power onewire.Pullup) error {
	if power == onewire.StrongPullup {
		return errors.New("owbitbang: strong pull-up not supported")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	present, err := d.reset()
	if err != nil {
		return err
	}
	if !present {
		return busError("owbitbang: no device present")
	}
	for _, b := range w {
		d.WriteByte(b)
	}
	for i := range r {
		r[i] = d.ReadByte()
	}
	return d.Err()
}

// Search performs a "search" cycle on the 1-wire bus and returns the
// addresses of all devices on the bus if alarmOnly is false and of all
// devices in alarm state if alarmOnly is true.
func (d *Dev) Search(alarmOnly bool) ([]onewire.Address, error) {
	return onewire.Search(d, alarmOnly)
}

// SearchTriplet performs the two read slots and one write slot of a ROM
// search step, with the same semantics as the DS2482 triplet command.
//
// SearchTriplet should not be used directly, use Search instead.
func (d *Dev) SearchTriplet(direction byte) (onewire.TripletResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setErr(d.t.Start(d.slotPrescale))
	if err := d.Err(); err != nil {
		return onewire.TripletResult{}, err
	}
	idBit := d.readBit()
	cmpBit := d.readBit()
	// A zero in either slot means devices with that ROM bit value answered.
	taken := byte(1)
	switch {
	case idBit && cmpBit:
		// Nothing answered either slot; write a one, the caller gives up.
	case !idBit && !cmpBit:
		// Discrepancy, both values present: the caller picks.
		if direction == 0 {
			taken = 0
		}
	case !idBit:
		taken = 0
	}
	d.writeBit(taken != 0)
	return onewire.TripletResult{GotZero: !idBit, GotOne: !cmpBit, Taken: taken}, d.Err()
}

// Reset issues a bus reset and reports whether any device answered with a
// presence pulse.
//
// The sequence runs at the 8µs reset tick: the line is held low for H
// ticks, presence is sampled I ticks after the release, and J ticks finish
// the slot.
func (d *Dev) Reset() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reset()
}

// WriteByte transmits one byte, least significant bit first, blocking for
// the duration of its 8 slots.
func (d *Dev) WriteByte(b byte) {
	d.setErr(d.t.Start(d.slotPrescale))
	for i := 0; i < 8; i++ {
		d.writeBit(b&1 != 0)
		b >>= 1
	}
}

// ReadByte samples one byte from the bus, least significant bit first,
// blocking for the duration of its 8 slots.
func (d *Dev) ReadByte() byte {
	d.setErr(d.t.Start(d.slotPrescale))
	var b byte
	for i := 0; i < 8; i++ {
		b >>= 1
		if d.readBit() {
			b |= 0x80
		}
	}
	return b
}

// Q returns the data line, implementing onewire.Pins.
func (d *Dev) Q() gpio.PinIO {
	return d.q
}

// Err returns the persistent binding error, if any. A fresh Dev must be
// created once the pin or timer has misbehaved.
func (d *Dev) Err() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.err
}

// setErr records the first binding failure.
func (d *Dev) setErr(err error) {
	if err == nil {
		return
	}
	d.errMu.Lock()
	if d.err == nil {
		d.err = err
	}
	d.errMu.Unlock()
}

// busError implements error and onewire.BusError.
type busError string

func (e busError) Error() string  { return string(e) }
func (e busError) BusError() bool { return true }

var _ conn.Resource = &Dev{}
var _ onewire.Bus = &Dev{}
var _ onewire.BusSearcher = &Dev{}
var _ onewire.Pins = &Dev{}
