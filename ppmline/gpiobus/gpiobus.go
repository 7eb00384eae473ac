// Package gpiobus implements ppmline.Backend by bit-banging a single
// GPIO pin directly through periph.io. It is the backend for
// Raspberry Pi-class hosts with the PPM wire wired straight to a
// header pin.
package gpiobus

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Bus drives one GPIO pin as a half-duplex PPM line. Open-drain mode
// is required whenever tx and rx share the same physical pin;
// otherwise Pin is treated as output-only and rxPin
// (if set) as a separate input.
type Bus struct {
	pin   gpio.PinIO
	rxPin gpio.PinIO // nil when sharing Pin in open-drain mode.

	invert    bool
	openDrain bool
}

// Open initializes periph.io's host drivers and binds pinName (and,
// for a non-shared wiring, rxPinName) by periph's registry name,
// e.g. "GPIO6".
func Open(pinName, rxPinName string) (*Bus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("gpiobus: host init: %w", err)
	}
	pin := gpioreg.ByName(pinName)
	if pin == nil {
		return nil, fmt.Errorf("gpiobus: unknown pin %q", pinName)
	}
	b := &Bus{pin: pin}
	if rxPinName != "" {
		rx := gpioreg.ByName(rxPinName)
		if rx == nil {
			return nil, fmt.Errorf("gpiobus: unknown rx pin %q", rxPinName)
		}
		b.rxPin = rx
	}
	return b, nil
}

func (b *Bus) ConfigureTX(resolutionHz uint32, invert, openDrainShared bool) error {
	b.invert, b.openDrain = invert, openDrainShared
	level := gpio.High
	if invert {
		level = gpio.Low
	}
	return b.pin.Out(level)
}

func (b *Bus) ConfigureRX(resolutionHz uint32, invert bool) error {
	pin := b.rxPin
	if pin == nil {
		pin = b.pin
	}
	// A symbol's total time runs from one rising edge to the next, so
	// only rising edges are captured.
	return pin.In(gpio.PullUp, gpio.RisingEdge)
}

// Transmit drives widthsNS onto the pin as alternating levels,
// starting high (or low if invert was set), pacing each interval
// with unix.Nanosleep rather than time.Sleep's coarser
// scheduler-bound resolution.
func (b *Bus) Transmit(ctx context.Context, widthsNS []int64, repeat int) error {
	if repeat < 1 {
		repeat = 1
	}
	high, low := gpio.High, gpio.Low
	if b.invert {
		high, low = low, high
	}
	for r := 0; r < repeat; r++ {
		level := high
		for _, ns := range widthsNS {
			if err := b.pin.Out(level); err != nil {
				return fmt.Errorf("gpiobus: out: %w", err)
			}
			if err := nanosleep(ns); err != nil {
				return fmt.Errorf("gpiobus: sleep: %w", err)
			}
			level = !level
		}
	}
	// Leave the line idle-high (or idle-low under invert) between
	// transmissions, matching the wire's resting state.
	return b.pin.Out(high)
}

// Receive polls rising edges via WaitForEdge, converting the elapsed
// time between them into the symbol total-time stream the ppm codec
// expects.
// It reports isLast=true once the line has been silent for maxNS.
func (b *Bus) Receive(ctx context.Context, buf []int64, minNS, maxNS int64) (int, bool, error) {
	pin := b.rxPin
	if pin == nil {
		pin = b.pin
	}
	timeout := time.Duration(maxNS) * time.Nanosecond
	n := 0
	last := time.Now()
	for n < len(buf) {
		select {
		case <-ctx.Done():
			return n, n == 0, nil
		default:
		}
		if !pin.WaitForEdge(timeout) {
			return n, true, nil
		}
		now := time.Now()
		buf[n] = now.Sub(last).Nanoseconds()
		last = now
		n++
	}
	return n, false, nil
}

func nanosleep(ns int64) error {
	if ns <= 0 {
		return nil
	}
	ts := unix.NsecToTimespec(ns)
	for {
		var rem unix.Timespec
		err := unix.Nanosleep(&ts, &rem)
		if err == nil {
			return nil
		}
		if err != unix.EINTR {
			return err
		}
		ts = rem
	}
}
