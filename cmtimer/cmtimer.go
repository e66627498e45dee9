// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package cmtimer defines the compare-match timer contract the owbitbang
// master sequences against, plus a hosted implementation of it.
//
// The model is the classic 8-bit MCU timer in clear-timer-on-compare mode: a
// counter runs at the CPU clock divided by a prescaler, and every time it
// reaches the programmed compare value it clears itself and invokes a
// handler. Reprogramming the compare value from inside the handler chains
// delays without the CPU ever spinning.
package cmtimer

import (
	"errors"
	"sync"
	"time"

	"periph.io/x/conn/v3/physic"
)

// Timer is a free-running counter with a reprogrammable compare-match
// handler.
//
// The handler may be invoked from a different execution context than the
// code calling Start/Reset/SetCompare; implementations must make the compare
// value written by one context visible to the other.
type Timer interface {
	// Configure registers the compare-match handler. It must be called
	// before Start and must not be called while the timer is running.
	Configure(h func()) error
	// Start clears any pending match, zeroes the counter and runs it at the
	// input clock divided by prescale. Starting a running timer restarts it.
	Start(prescale uint) error
	// Stop halts the counter. No matches fire until the next Start.
	Stop() error
	// Reset zeroes the counter without stopping it, so the next match fires
	// a full compare window from now.
	Reset()
	// SetCompare programs the delay, in counter ticks, between a match (or a
	// Reset) and the next match.
	SetCompare(ticks uint16)
}

// Soft implements Timer on the Go runtime clock.
//
// Its accuracy is whatever the host scheduler gives, typically no better
// than a millisecond under load, so it is suitable for developing against
// emulated buses and for protocol-level testing, not for meeting real
// 1-wire slot timing from a multitasking kernel. A Soft that stops firing
// (for example after Stop from another goroutine) leaves a spinning caller
// spinning: the contract has no timeout, same as the hardware it models.
type Soft struct {
	clock physic.Frequency

	mu      sync.Mutex
	h       func()
	tick    time.Duration
	compare uint16
	pending *time.Timer
	running bool
}

// NewSoft returns a Soft timer whose counter is fed by the given input
// clock, prescaled at Start time.
func NewSoft(clock physic.Frequency) (*Soft, error) {
	if clock <= 0 {
		return nil, errors.New("cmtimer: input clock must be positive")
	}
	return &Soft{clock: clock}, nil
}

// Configure implements Timer.
func (t *Soft) Configure(h func()) error {
	if h == nil {
		return errors.New("cmtimer: nil compare-match handler")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return errors.New("cmtimer: Configure while running")
	}
	t.h = h
	return nil
}

// Start implements Timer.
func (t *Soft) Start(prescale uint) error {
	if prescale == 0 {
		return errors.New("cmtimer: prescale must be positive")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.h == nil {
		return errors.New("cmtimer: Start before Configure")
	}
	tick := (t.clock / physic.Frequency(prescale)).Duration()
	if tick <= 0 {
		return errors.New("cmtimer: tick below host clock resolution")
	}
	t.tick = tick
	t.running = true
	t.rescheduleLocked()
	return nil
}

// Stop implements Timer.
func (t *Soft) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	if t.pending != nil {
		t.pending.Stop()
	}
	return nil
}

// Reset implements Timer.
func (t *Soft) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		t.rescheduleLocked()
	}
}

// SetCompare implements Timer. The new value takes effect at the next Reset
// or match.
func (t *Soft) SetCompare(ticks uint16) {
	t.mu.Lock()
	t.compare = ticks
	t.mu.Unlock()
}

func (t *Soft) rescheduleLocked() {
	if t.pending != nil {
		t.pending.Stop()
	}
	n := t.compare
	if n == 0 {
		// An 8-bit CTC timer with compare 0 still takes one tick per match.
		n = 1
	}
	t.pending = time.AfterFunc(time.Duration(n)*t.tick, t.fire)
}

func (t *Soft) fire() {
	t.mu.Lock()
	h, running := t.h, t.running
	t.mu.Unlock()
	if !running {
		return
	}
	// The handler typically calls SetCompare; reschedule after it returns so
	// the next window uses the value it programmed.
	h()
	t.mu.Lock()
	if t.running {
		t.rescheduleLocked()
	}
	t.mu.Unlock()
}

var _ Timer = &Soft{}
