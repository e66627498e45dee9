// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package avronewire is a container for a software (bit-banged) 1-wire bus
// master and its supporting tooling.
//
// The master itself lives in owbitbang, the hardware timer contract it
// sequences against in cmtimer, and a decoder for logic analyzer captures
// of the bus line in owtrace.
package avronewire
