// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package owtrace decodes 1-wire traffic from a logic analyzer capture of
// the data line.
//
// The decoder only needs pulse widths: every slot starts with the master
// pulling the line low, and the length of the low pulse tells a one from a
// zero from a reset. It pairs with captures exported by a Saleae analyzer
// (see ReadSaleae) but works on any edge list.
package owtrace

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
)

// Edge is one level change on the line. Level is the level after the
// transition, T its absolute time in seconds.
type Edge struct {
	T     float64
	Level gpio.Level
}

// Kind classifies a decoded event.
type Kind uint8

const (
	// KindReset is a master reset pulse.
	KindReset Kind = iota
	// KindPresence is a device presence pulse following a reset.
	KindPresence
	// KindBit is one bit slot; a write by the master and a read of a device
	// look the same on the wire.
	KindBit
	// KindByte is eight consecutive bit slots, assembled LSB first.
	KindByte
)

func (k Kind) String() string {
	switch k {
	case KindReset:
		return "reset"
	case KindPresence:
		return "presence"
	case KindBit:
		return "bit"
	case KindByte:
		return "byte"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Event is one decoded protocol event. T is the time the relevant low pulse
// began; for KindByte it is the start of the first of the eight slots.
type Event struct {
	Kind Kind
	T    float64
	// Bit is 0 or 1 for KindBit.
	Bit byte
	// Byte is the assembled value for KindByte.
	Byte byte
}

// Classification thresholds, in seconds. A standard-speed slot holds the
// line low 6µs for a one and 60µs or more for a zero, with the device
// sampled at 15µs; a reset holds it low at least 480µs. A presence pulse is
// a device-driven low starting within 60µs of the reset release.
const (
	bitOneMaxLow   = 15e-6
	resetMinLow    = 400e-6
	presenceWindow = 120e-6
)

// Decode turns an edge list into protocol events. The line is assumed to
// idle high; leading edges up to the first falling edge are skipped, as is
// a trailing low pulse the capture cut short.
//
// Bits accumulate into bytes LSB first; a reset flushes any partial byte.
func Decode(edges []Edge) []Event {
	var evs []Event
	var cur byte
	var nbits int
	var firstT float64
	lastResetRise := 0.0
	presencePossible := false

	i := 0
	for i < len(edges) && edges[i].Level == gpio.High {
		i++
	}
	for ; i+1 < len(edges); i += 2 {
		fall, rise := edges[i], edges[i+1]
		low := rise.T - fall.T
		switch {
		case low >= resetMinLow:
			evs = append(evs, Event{Kind: KindReset, T: fall.T})
			lastResetRise = rise.T
			presencePossible = true
			nbits, cur = 0, 0
		case presencePossible && fall.T-lastResetRise <= presenceWindow:
			evs = append(evs, Event{Kind: KindPresence, T: fall.T})
			presencePossible = false
		default:
			presencePossible = false
			var b byte
			if low <= bitOneMaxLow {
				b = 1
			}
			evs = append(evs, Event{Kind: KindBit, T: fall.T, Bit: b})
			if nbits == 0 {
				firstT = fall.T
			}
			cur >>= 1
			if b == 1 {
				cur |= 0x80
			}
			if nbits++; nbits == 8 {
				evs = append(evs, Event{Kind: KindByte, T: firstT, Byte: cur})
				nbits, cur = 0, 0
			}
		}
	}
	return evs
}
