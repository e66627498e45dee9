// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owtrace

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"periph.io/x/conn/v3/gpio"
)

// Capture is one digital channel exported by the Saleae Logic software in
// its binary format (version 0): an initial level and the absolute times of
// every transition, in seconds.
type Capture struct {
	Initial    gpio.Level
	Begin, End float64
	Times      []float64
}

var saleaeMagic = [8]byte{'<', 'S', 'A', 'L', 'E', 'A', 'E', '>'}

// Everything in the file is little-endian.
type saleaeHeader struct {
	Magic   [8]byte
	Version int32
	Type    int32 // 0 digital, 1 analog
	Initial uint32
	Begin   float64
	End     float64
	N       uint64
}

// maxTransitions bounds the allocation driven by the file header. It is far
// beyond any plausible 1-wire capture.
const maxTransitions = 1 << 27

// ReadSaleae parses one digital binary export ("digital_N.bin") from the
// Saleae Logic 2 software.
func ReadSaleae(r io.Reader) (*Capture, error) {
	var h saleaeHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("owtrace: reading capture header: %w", err)
	}
	if !bytes.Equal(h.Magic[:], saleaeMagic[:]) {
		return nil, errors.New("owtrace: not a Saleae binary export")
	}
	if h.Version != 0 {
		return nil, fmt.Errorf("owtrace: unsupported capture version %d", h.Version)
	}
	if h.Type != 0 {
		return nil, errors.New("owtrace: capture is not a digital channel")
	}
	if h.N > maxTransitions {
		return nil, fmt.Errorf("owtrace: implausible transition count %d", h.N)
	}
	c := &Capture{
		Initial: gpio.Level(h.Initial != 0),
		Begin:   h.Begin,
		End:     h.End,
		Times:   make([]float64, h.N),
	}
	if err := binary.Read(r, binary.LittleEndian, c.Times); err != nil {
		return nil, fmt.Errorf("owtrace: reading %d transitions: %w", h.N, err)
	}
	return c, nil
}

// Edges expands the capture into the edge list Decode consumes: the level
// flips at every recorded time, starting from Initial.
func (c *Capture) Edges() []Edge {
	edges := make([]Edge, len(c.Times))
	l := c.Initial
	for i, t := range c.Times {
		l = !l
		edges[i] = Edge{T: t, Level: l}
	}
	return edges
}
