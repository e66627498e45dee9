// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owbitbang

import (
	"errors"
	"testing"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"

	"github.com/MattDom/avr-onewire/cmtimer/cmtimertest"
)

// The tests run the master against an 8MHz virtual clock, so one slot tick
// is 8 cycles.
const cyclesPerMicro = 8

func cyc(micros uint64) uint64 {
	return micros * cyclesPerMicro
}

// slave is the device side of the test bus. slot is invoked when the master
// releases the line after holding it low for lowCycles; the device may keep
// the line low for hold cycles, starting delay cycles after the release.
type slave interface {
	slot(lowCycles uint64) (delay, hold uint64)
}

// busEdge is one recorded level change, as a logic analyzer would see it.
type busEdge struct {
	cycles uint64
	level  gpio.Level
}

// testBus emulates the shared 1-wire line: high from the pull-up unless the
// master or the device drives it low. Level changes driven by the master
// are recorded with their virtual time; the device's own later release is
// not an API event and is not recorded, so the edge log is only complete
// for master-only traffic.
type testBus struct {
	clk *cmtimertest.Step
	dev slave

	masterLow bool
	fallAt    uint64
	devFrom   uint64
	devUntil  uint64

	edges []busEdge
}

func (b *testBus) levelAt(now uint64) gpio.Level {
	if b.masterLow {
		return gpio.Low
	}
	if now >= b.devFrom && now < b.devUntil {
		return gpio.Low
	}
	return gpio.High
}

func (b *testBus) record(now uint64) {
	l := b.levelAt(now)
	if n := len(b.edges); n > 0 && b.edges[n-1].level == l {
		return
	}
	if len(b.edges) == 0 && l == gpio.High {
		// Still idle, nothing to record.
		return
	}
	b.edges = append(b.edges, busEdge{cycles: now, level: l})
}

// Out drives the line. The master under test must only ever drive low.
func (b *testBus) Out(l gpio.Level) error {
	if l == gpio.High {
		return errors.New("testbus: master drove the line high")
	}
	now := b.clk.Cycles()
	if !b.masterLow {
		b.fallAt = now
	}
	b.masterLow = true
	b.record(now)
	return nil
}

// In releases the line to the pull-up and lets the device react to the
// pulse that just ended.
func (b *testBus) In(pull gpio.Pull, edge gpio.Edge) error {
	if pull != gpio.PullUp {
		return errors.New("testbus: line must idle on the pull-up")
	}
	now := b.clk.Cycles()
	if b.masterLow {
		b.masterLow = false
		if b.dev != nil {
			if delay, hold := b.dev.slot(now - b.fallAt); hold > 0 {
				b.devFrom, b.devUntil = now+delay, now+delay+hold
			}
		}
	}
	b.record(now)
	return nil
}

func (b *testBus) Read() gpio.Level {
	return b.levelAt(b.clk.Cycles())
}

func (b *testBus) Name() string     { return "TESTBUS" }
func (b *testBus) Number() int      { return 0 }
func (b *testBus) String() string   { return b.Name() }
func (b *testBus) Function() string { return "1-wire" }
func (b *testBus) Halt() error      { return nil }

func (b *testBus) DefaultPull() gpio.Pull                 { return gpio.PullUp }
func (b *testBus) Pull() gpio.Pull                        { return gpio.PullUp }
func (b *testBus) WaitForEdge(timeout time.Duration) bool { return false }
func (b *testBus) PWM(duty gpio.Duty, f physic.Frequency) error {
	return errors.New("testbus: no PWM")
}

var _ gpio.PinIO = &testBus{}

// echoSlave answers reset pulses with a presence pulse and read slots with
// a fixed queue of bits. Any short-low slot consumes a queued bit, so load
// the queue only ahead of read slots.
type echoSlave struct {
	bits    []bool
	present bool
}

func (s *echoSlave) slot(low uint64) (delay, hold uint64) {
	switch {
	case low >= cyc(400):
		if s.present {
			return cyc(20), cyc(100)
		}
	case low <= cyc(15):
		if len(s.bits) > 0 {
			b := s.bits[0]
			s.bits = s.bits[1:]
			if !b {
				return 0, cyc(24)
			}
		}
	}
	return 0, 0
}

// searchSlave emulates a set of ROM-search-capable devices: it decodes the
// command byte after each reset and then answers search triplets until the
// next reset, dropping devices whose current ROM bit does not match the
// direction the master wrote.
type searchSlave struct {
	roms []uint64

	active []bool
	inCmd  bool
	cmdBit int
	bitIdx int
	trip   int
}

func (s *searchSlave) slot(low uint64) (delay, hold uint64) {
	if low >= cyc(400) {
		// Reset: every device rejoins the search.
		s.active = make([]bool, len(s.roms))
		for i := range s.active {
			s.active[i] = true
		}
		s.inCmd = true
		s.cmdBit = 0
		s.bitIdx = 0
		s.trip = 0
		return cyc(20), cyc(100)
	}
	short := low <= cyc(15)
	if s.inCmd {
		s.cmdBit++
		if s.cmdBit == 8 {
			s.inCmd = false
		}
		return 0, 0
	}
	switch s.trip {
	case 0:
		s.trip = 1
		if s.anyActive(false) {
			return 0, cyc(24)
		}
	case 1:
		s.trip = 2
		if s.anyActive(true) {
			return 0, cyc(24)
		}
	case 2:
		taken := short // a short write slot is a one
		for i, a := range s.active {
			if a && s.romBit(i) != taken {
				s.active[i] = false
			}
		}
		s.bitIdx++
		s.trip = 0
	}
	return 0, 0
}

func (s *searchSlave) romBit(i int) bool {
	if s.bitIdx >= 64 {
		return true
	}
	return s.roms[i]>>uint(s.bitIdx)&1 == 1
}

func (s *searchSlave) anyActive(v bool) bool {
	for i, a := range s.active {
		if a && s.romBit(i) == v {
			return true
		}
	}
	return false
}

// crc8 is the Dallas/Maxim CRC used in ROM codes, needed to build addresses
// the search algorithm accepts.
func crc8(b []byte) byte {
	var crc byte
	for _, x := range b {
		crc ^= x
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0x8c
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// romAddr builds a 64-bit ROM code with a valid CRC from a family code and
// a 48-bit serial.
func romAddr(family byte, serial uint64) uint64 {
	var b [8]byte
	b[0] = family
	for i := 0; i < 6; i++ {
		b[1+i] = byte(serial >> uint(8*i))
	}
	b[7] = crc8(b[:7])
	var addr uint64
	for i := 7; i >= 0; i-- {
		addr = addr<<8 | uint64(b[i])
	}
	return addr
}

func newStep() *cmtimertest.Step {
	return &cmtimertest.Step{Clock: 8 * physic.MegaHertz}
}

// newTestDev wires a Dev to a virtual timer and bus, and reroutes the spin
// loop to fire the timer from the spinning goroutine.
func newTestDev(t *testing.T, dev slave) (*Dev, *cmtimertest.Step, *testBus) {
	t.Helper()
	step := newStep()
	bus := &testBus{clk: step, dev: dev}
	d, err := New(step, bus, nil)
	if err != nil {
		t.Fatal(err)
	}
	old := yield
	yield = step.Fire
	t.Cleanup(func() { yield = old })
	return d, step, bus
}
