// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package cmtimertest is meant to be used to test drivers sequenced by a
// cmtimer.Timer without any hardware and without wall-clock time.
package cmtimertest

import (
	"time"

	"periph.io/x/conn/v3/physic"

	"github.com/MattDom/avr-onewire/cmtimer"
)

// Fire records one compare match produced by Step.Fire.
type Fire struct {
	// Cycles is the virtual time of the match in input clock cycles.
	Cycles uint64
	// Compare is the compare value that produced the match.
	Compare uint16
}

// Step implements cmtimer.Timer with a virtual clock that advances only
// when the test calls Fire, so the test decides exactly when each compare
// match happens.
//
// Virtual time is counted in input clock cycles, which keeps prescaler
// changes (for example between bit slots and a reset sequence) on one time
// base. Step is not safe for concurrent use: drive it from the goroutine
// that owns the device under test, for example through a spin-loop seam.
type Step struct {
	// Clock is the input clock, used only to convert cycles to durations.
	Clock physic.Frequency

	// Fires is the log of every compare match fired.
	Fires []Fire
	// Starts is the prescale value of every Start call.
	Starts []uint
	// Resets counts Reset calls.
	Resets int

	h        func()
	prescale uint
	compare  uint16
	cycles   uint64
	running  bool
}

// Configure implements cmtimer.Timer.
func (s *Step) Configure(h func()) error {
	s.h = h
	return nil
}

// Start implements cmtimer.Timer.
func (s *Step) Start(prescale uint) error {
	s.prescale = prescale
	s.running = true
	s.Starts = append(s.Starts, prescale)
	return nil
}

// Stop implements cmtimer.Timer.
func (s *Step) Stop() error {
	s.running = false
	return nil
}

// Reset implements cmtimer.Timer. Counter phase is not modelled: Fire
// always advances a full compare window, which is what a device that resets
// the counter before arming observes anyway.
func (s *Step) Reset() {
	s.Resets++
}

// SetCompare implements cmtimer.Timer.
func (s *Step) SetCompare(ticks uint16) {
	s.compare = ticks
}

// Fire advances the virtual clock to the next compare match and invokes the
// configured handler. It panics if the timer is stopped or unconfigured: a
// halted counter cannot match.
func (s *Step) Fire() {
	if !s.running {
		panic("cmtimertest: compare match while timer stopped")
	}
	if s.h == nil {
		panic("cmtimertest: compare match before Configure")
	}
	s.cycles += uint64(s.compare) * uint64(s.prescale)
	s.Fires = append(s.Fires, Fire{Cycles: s.cycles, Compare: s.compare})
	s.h()
}

// Cycles returns the current virtual time in input clock cycles.
func (s *Step) Cycles() uint64 {
	return s.cycles
}

// Elapsed converts the current virtual time to a duration using Clock.
func (s *Step) Elapsed() time.Duration {
	hz := uint64(s.Clock / physic.Hertz)
	if hz == 0 {
		return 0
	}
	return time.Duration(s.cycles * uint64(time.Second) / hz)
}

var _ cmtimer.Timer = &Step{}
