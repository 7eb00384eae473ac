// Package serialbus implements ppmline.Backend for a USB-to-PPM
// bridge dongle: a microcontroller that does the pulse-level
// bit-banging in its own firmware and exposes itself to the host as a
// plain serial port, framed with a minimal binary protocol.
package serialbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

const (
	cmdConfigureTX byte = 't'
	cmdConfigureRX byte = 'r'
	cmdTransmit    byte = 'x'
	cmdReceive     byte = 'v'
)

// Bus talks to the bridge dongle over a serial port opened at a fixed
// control baud rate (the dongle's own firmware handles the PPM
// line's actual bit timing, so this port speaks a simple command
// framing rather than PPM symbols directly).
type Bus struct {
	port io.ReadWriteCloser
}

// Open opens dev (e.g. "/dev/ttyUSB0") at the dongle's fixed control
// baud rate.
func Open(dev string) (*Bus, error) {
	const controlBaud = 115200
	s, err := serial.OpenPort(&serial.Config{Name: dev, Baud: controlBaud, ReadTimeout: 50 * time.Millisecond})
	if err != nil {
		return nil, fmt.Errorf("serialbus: open %s: %w", dev, err)
	}
	return &Bus{port: s}, nil
}

func (b *Bus) writeCmd(cmd byte, fields ...uint32) error {
	buf := make([]byte, 1+4*len(fields))
	buf[0] = cmd
	for i, f := range fields {
		binary.LittleEndian.PutUint32(buf[1+4*i:], f)
	}
	_, err := b.port.Write(buf)
	return err
}

func (b *Bus) ConfigureTX(resolutionHz uint32, invert, openDrainShared bool) error {
	flags := uint32(0)
	if invert {
		flags |= 1
	}
	if openDrainShared {
		flags |= 2
	}
	return b.writeCmd(cmdConfigureTX, resolutionHz, flags)
}

func (b *Bus) ConfigureRX(resolutionHz uint32, invert bool) error {
	flags := uint32(0)
	if invert {
		flags |= 1
	}
	return b.writeCmd(cmdConfigureRX, resolutionHz, flags)
}

// Transmit sends the dongle a transmit command naming repeat and the
// pulse count, followed by widthsNS packed as little-endian uint32s
// (nanosecond widths comfortably fit 32 bits for any PPM bit rate this
// protocol supports).
func (b *Bus) Transmit(ctx context.Context, widthsNS []int64, repeat int) error {
	if repeat < 1 {
		repeat = 1
	}
	if err := b.writeCmd(cmdTransmit, uint32(repeat), uint32(len(widthsNS))); err != nil {
		return fmt.Errorf("serialbus: transmit header: %w", err)
	}
	buf := make([]byte, 4*len(widthsNS))
	for i, ns := range widthsNS {
		binary.LittleEndian.PutUint32(buf[4*i:], uint32(ns))
	}
	if _, err := b.port.Write(buf); err != nil {
		return fmt.Errorf("serialbus: transmit body: %w", err)
	}
	ack := make([]byte, 1)
	if _, err := io.ReadFull(b.port, ack); err != nil {
		return fmt.Errorf("serialbus: transmit ack: %w", err)
	}
	return nil
}

// Receive asks the dongle to arm its receiver for up to len(buf)
// pulses, bounded by minNS/maxNS, and reads back however many it
// captured before falling silent.
func (b *Bus) Receive(ctx context.Context, buf []int64, minNS, maxNS int64) (int, bool, error) {
	if err := b.writeCmd(cmdReceive, uint32(len(buf)), uint32(minNS), uint32(maxNS)); err != nil {
		return 0, true, fmt.Errorf("serialbus: receive header: %w", err)
	}
	header := make([]byte, 5)
	if _, err := io.ReadFull(b.port, header); err != nil {
		return 0, true, fmt.Errorf("serialbus: receive header read: %w", err)
	}
	n := int(binary.LittleEndian.Uint32(header[1:]))
	isLast := header[0] != 0
	if n > len(buf) {
		n = len(buf)
	}
	body := make([]byte, 4*n)
	if n > 0 {
		if _, err := io.ReadFull(b.port, body); err != nil {
			return 0, true, fmt.Errorf("serialbus: receive body read: %w", err)
		}
	}
	for i := 0; i < n; i++ {
		buf[i] = int64(binary.LittleEndian.Uint32(body[4*i:]))
	}
	return n, isLast, nil
}

// Close releases the underlying serial port.
func (b *Bus) Close() error {
	return b.port.Close()
}
