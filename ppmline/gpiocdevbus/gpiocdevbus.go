// Package gpiocdevbus implements ppmline.Backend over the Linux GPIO
// character device (github.com/warthog618/go-gpiocdev), for boards
// where periph.io's sysfs/mmap path in ppmline/gpiobus isn't
// available.
package gpiocdevbus

import (
	"context"
	"fmt"
	"time"

	"github.com/warthog618/go-gpiocdev"
	"golang.org/x/sys/unix"
)

// Bus drives one GPIO line through a requested chip+offset pair,
// re-requesting the line as input or output whenever ConfigureTX/RX
// (and the transmit/receive calls themselves) need to flip direction.
type Bus struct {
	chip   string
	offset int

	invert bool
	events chan gpiocdev.LineEvent
	line   *gpiocdev.Line
}

// Open names the gpiochip device (e.g. "gpiochip0") and line offset
// the PPM wire is connected to.
func Open(chip string, offset int) *Bus {
	return &Bus{chip: chip, offset: offset, events: make(chan gpiocdev.LineEvent, 16)}
}

func (b *Bus) closeLine() {
	if b.line != nil {
		b.line.Close()
		b.line = nil
	}
}

func (b *Bus) ConfigureTX(resolutionHz uint32, invert, openDrainShared bool) error {
	b.invert = invert
	b.closeLine()
	opts := []gpiocdev.LineReqOption{gpiocdev.AsOutput(0)}
	if openDrainShared {
		opts = append(opts, gpiocdev.AsOpenDrain)
	}
	l, err := gpiocdev.RequestLine(b.chip, b.offset, opts...)
	if err != nil {
		return fmt.Errorf("gpiocdevbus: request output line: %w", err)
	}
	b.line = l
	return nil
}

func (b *Bus) ConfigureRX(resolutionHz uint32, invert bool) error {
	b.invert = invert
	b.closeLine()
	l, err := gpiocdev.RequestLine(b.chip, b.offset,
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithRisingEdge,
		gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
			select {
			case b.events <- evt:
			default:
				// Backend-level buffer full: the caller is behind and
				// will see a timeout on its next Receive call instead
				// of a stale edge.
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("gpiocdevbus: request input line: %w", err)
	}
	b.line = l
	return nil
}

// Transmit bit-bangs widthsNS by setting the line's output value and
// sleeping each interval with unix.Nanosleep, the same pacing approach as
// ppmline/gpiobus (the character device gives no direct access to
// hardware PWM timers).
func (b *Bus) Transmit(ctx context.Context, widthsNS []int64, repeat int) error {
	if b.line == nil {
		return fmt.Errorf("gpiocdevbus: transmit before ConfigureTX")
	}
	if repeat < 1 {
		repeat = 1
	}
	high, low := 1, 0
	if b.invert {
		high, low = low, high
	}
	for r := 0; r < repeat; r++ {
		v := high
		for _, ns := range widthsNS {
			if err := b.line.SetValue(v); err != nil {
				return fmt.Errorf("gpiocdevbus: set value: %w", err)
			}
			if err := nanosleep(ns); err != nil {
				return fmt.Errorf("gpiocdevbus: sleep: %w", err)
			}
			if v == high {
				v = low
			} else {
				v = high
			}
		}
	}
	return b.line.SetValue(high)
}

// Receive drains timestamped rising-edge events, converting the
// kernel's monotonic event timestamps into the symbol total-time
// stream the ppm codec expects.
func (b *Bus) Receive(ctx context.Context, buf []int64, minNS, maxNS int64) (int, bool, error) {
	if b.line == nil {
		return 0, true, fmt.Errorf("gpiocdevbus: receive before ConfigureRX")
	}
	timeout := time.Duration(maxNS) * time.Nanosecond
	n := 0
	var lastTS time.Duration
	haveLast := false
	for n < len(buf) {
		t := time.NewTimer(timeout)
		select {
		case <-ctx.Done():
			t.Stop()
			return n, n == 0, nil
		case <-t.C:
			return n, true, nil
		case evt := <-b.events:
			t.Stop()
			if !haveLast {
				lastTS = evt.Timestamp
				haveLast = true
				continue
			}
			buf[n] = (evt.Timestamp - lastTS).Nanoseconds()
			lastTS = evt.Timestamp
			n++
		}
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
