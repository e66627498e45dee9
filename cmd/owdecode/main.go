// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// owdecode lists the 1-wire traffic in a Saleae digital capture.
//
// Capture the data line with the Saleae Logic 2 software, export the
// channel as "digital binary", then:
//
//	owdecode -i digital_0.bin
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"periph.io/x/conn/v3/onewire"

	"github.com/MattDom/avr-onewire/owtrace"
)

func mainImpl() error {
	input := flag.String("i", "digital_0.bin", "Saleae digital binary export to decode")
	output := flag.String("o", "", "write the listing to this file instead of stdout")
	bits := flag.Bool("bits", false, "list individual bit slots, not only assembled bytes")
	rom := flag.Bool("rom", false, "check the CRC of ROM codes answering a Read ROM command")
	flag.Parse()
	if flag.NArg() != 0 {
		return fmt.Errorf("unexpected argument: %s", flag.Arg(0))
	}

	f, err := os.Open(*input)
	if err != nil {
		return err
	}
	defer f.Close()
	c, err := owtrace.ReadSaleae(f)
	if err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if *output != "" {
		o, err := os.Create(*output)
		if err != nil {
			return err
		}
		defer o.Close()
		w = o
	}

	// frame accumulates the bytes since the last reset so ROM answers can be
	// checked in context.
	var frame []byte
	for _, ev := range owtrace.Decode(c.Edges()) {
		switch ev.Kind {
		case owtrace.KindReset:
			frame = frame[:0]
			fmt.Fprintf(w, "%12.6f  reset\n", ev.T)
		case owtrace.KindPresence:
			fmt.Fprintf(w, "%12.6f  presence\n", ev.T)
		case owtrace.KindBit:
			if *bits {
				fmt.Fprintf(w, "%12.6f  bit %d\n", ev.T, ev.Bit)
			}
		case owtrace.KindByte:
			fmt.Fprintf(w, "%12.6f  byte %#02x\n", ev.T, ev.Byte)
			frame = append(frame, ev.Byte)
			if *rom && len(frame) == 9 && frame[0] == 0x33 {
				code := frame[1:]
				var addr uint64
				for i := 7; i >= 0; i-- {
					addr = addr<<8 | uint64(code[i])
				}
				status := "bad"
				if onewire.CheckCRC(code) {
					status = "ok"
				}
				fmt.Fprintf(w, "%12.6f  rom %#016x crc %s\n", ev.T, addr, status)
			}
		}
	}
	return nil
}

func main() {
	log.SetFlags(0)
	if err := mainImpl(); err != nil {
		log.Fatalf("owdecode: %s", err)
	}
}
