// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owbitbang

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// 1-wire signal timing, classic Maxim recommended values. Slot gaps are in
// 1µs slot ticks, reset gaps in 8µs reset ticks.
const (
	gapA = 6  // write-one and read: bus low
	gapB = 64 // write-one: release bus
	gapC = 60 // write-zero: bus low, past the initial A
	gapD = 10 // write-zero: release bus
	gapE = 9  // read: release bus, then sample
	gapF = 55 // read: remainder of the slot after sampling
	gapG = 0  // reset: initial delay, unused
	gapH = 60 // reset: bus low
	gapI = 9  // reset: release bus, then sample presence
	gapJ = 51 // reset: remainder of the slot after sampling
)

// Timing resolution of the two sequences. The CPU clock must divide down to
// these by a hardware prescaler.
const (
	slotTick  = physic.MegaHertz       // 1µs per tick for bit slots
	resetTick = 125 * physic.KiloHertz // 8µs per tick for the reset sequence
)

var prescalers = [...]uint{1, 8, 64, 256, 1024}

// prescalerFor returns the prescaler dividing clock to tick, or an error if
// no supported prescaler does. Mistimed builds must not happen silently.
func prescalerFor(clock, tick physic.Frequency) (uint, error) {
	if clock > 0 && clock%tick == 0 {
		p := uint(clock / tick)
		for _, s := range prescalers {
			if p == s {
				return p, nil
			}
		}
	}
	return 0, fmt.Errorf("owbitbang: no supported prescaler maps a %s clock to %s ticks", clock, tick)
}

// opKind identifies what the bus is currently doing.
type opKind uint8

const (
	opIdle opKind = iota
	opWriteZero
	opWriteOne
	opRead
	opReset
)

// opPhase is the step an active operation has reached.
type opPhase uint8

const (
	phaseLow opPhase = iota
	phaseSampling
	phaseReleasing
)

// opCell is the hand-off cell shared between mainline and the compare-match
// handler. Kind and phase live in one word so both contexts observe them
// together. Mainline owns only the idle→active transition; the handler owns
// every other one, including the return to idle.
type opCell struct {
	v atomic.Uint32
}

func (c *opCell) load() (opKind, opPhase) {
	v := c.v.Load()
	return opKind(v >> 8), opPhase(v & 0xff)
}

func (c *opCell) store(k opKind, p opPhase) {
	c.v.Store(uint32(k)<<8 | uint32(p))
}

func (c *opCell) idle() bool {
	k, _ := c.load()
	return k == opIdle
}

// compareMatch runs on every compare-match event and performs exactly one
// micro-step: release the line, sample it, or nothing, then program the next
// compare window and advance the cell. It does no waiting of its own; all
// delay lives in the reprogrammed compare values.
func (d *Dev) compareMatch() {
	k, p := d.cell.load()
	switch k {
	case opIdle:
		// Free-running match between operations.
	case opWriteZero:
		switch p {
		case phaseLow:
			d.release()
			d.t.SetCompare(gapD)
			d.cell.store(opWriteZero, phaseReleasing)
		case phaseReleasing:
			d.cell.store(opIdle, phaseLow)
		default:
			panic("owbitbang: corrupt operation state")
		}
	case opWriteOne:
		switch p {
		case phaseLow:
			d.release()
			d.t.SetCompare(gapB)
			d.cell.store(opWriteOne, phaseReleasing)
		case phaseReleasing:
			d.cell.store(opIdle, phaseLow)
		default:
			panic("owbitbang: corrupt operation state")
		}
	case opRead:
		switch p {
		case phaseLow:
			d.release()
			d.t.SetCompare(gapE)
			d.cell.store(opRead, phaseSampling)
		case phaseSampling:
			d.bit.Store(d.sample())
			d.t.SetCompare(gapF)
			d.cell.store(opRead, phaseReleasing)
		case phaseReleasing:
			d.cell.store(opIdle, phaseLow)
		default:
			panic("owbitbang: corrupt operation state")
		}
	case opReset:
		switch p {
		case phaseLow:
			d.release()
			d.t.SetCompare(gapI)
			d.cell.store(opReset, phaseSampling)
		case phaseSampling:
			d.bit.Store(d.sample())
			d.t.SetCompare(gapJ)
			d.cell.store(opReset, phaseReleasing)
		case phaseReleasing:
			d.cell.store(opIdle, phaseLow)
		default:
			panic("owbitbang: corrupt operation state")
		}
	default:
		panic("owbitbang: corrupt operation state")
	}
}

// pullLow drives the line low. The line is never driven high: a one is
// signalled by releasing it to the external pull-up.
func (d *Dev) pullLow() {
	d.setErr(d.q.Out(gpio.Low))
}

// release tri-states the line so the pull-up, or a device, owns it.
func (d *Dev) release() {
	d.setErr(d.q.In(gpio.PullUp, gpio.NoEdge))
}

func (d *Dev) sample() bool {
	return d.q.Read() == gpio.High
}

// writeBit transmits one bit and blocks until its slot completes. A one
// holds the line low for A ticks, a zero for A+C; the handler releases the
// line and waits out the remainder of the slot (B and D respectively).
func (d *Dev) writeBit(one bool) {
	if d.Err() != nil {
		return
	}
	if one {
		d.t.SetCompare(gapA)
		d.t.Reset()
		d.cell.store(opWriteOne, phaseLow)
	} else {
		d.t.SetCompare(gapA + gapC)
		d.t.Reset()
		d.cell.store(opWriteZero, phaseLow)
	}
	d.pullLow()
	d.waitIdle()
}

// readBit runs one read slot and returns the line level sampled A+E ticks
// after the slot begins, i.e. E ticks after the release. A device sending a
// zero is still holding the line low at that point.
func (d *Dev) readBit() bool {
	if d.Err() != nil {
		return false
	}
	d.t.SetCompare(gapA)
	d.t.Reset()
	d.cell.store(opRead, phaseLow)
	d.pullLow()
	d.waitIdle()
	return d.bit.Load()
}

// reset runs the reset sequence at the coarser reset tick and reports
// whether a device answered the released line with a presence pulse.
// Callers hold d.mu.
func (d *Dev) reset() (bool, error) {
	d.setErr(d.t.Start(d.resetPrescale))
	if err := d.Err(); err != nil {
		return false, err
	}
	d.t.SetCompare(gapH)
	d.t.Reset()
	d.cell.store(opReset, phaseLow)
	d.pullLow()
	d.waitIdle()
	// Presence is a device holding the released line low at the sample
	// point, I reset ticks after the release.
	return !d.bit.Load(), d.Err()
}

// waitIdle spins until the handler hands the bus back. The handler reaches
// idle in at most three compare windows, so the spin terminates as long as
// the timer is running; there is deliberately no timeout.
func (d *Dev) waitIdle() {
	for !d.cell.idle() {
		yield()
	}
}

// yield is called on every spin iteration. Tests substitute it to step a
// fake timer from the spinning goroutine itself.
var yield = runtime.Gosched
