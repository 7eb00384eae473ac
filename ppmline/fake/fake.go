// Package fake implements a scripted ppmline.Backend for tests:
// instead of real hardware, replies are queued up front and released
// in order, one per transmitted data frame, the way a real target
// only ever answers the frame it was just addressed with.
package fake

import (
	"context"
	"sync"
	"time"

	"ppmflash.dev/ppm"
)

// Reply is one scripted response: either a Frame the backend should
// "receive" after Delay, or (Frame == nil) silence, which blocks
// until the caller's context ends (a receive timeout, from the
// session engine's point of view).
type Reply struct {
	Frame *ppm.Frame
	Delay time.Duration
}

// Backend is a scripted, in-memory ppmline.Backend.
type Backend struct {
	mu           sync.Mutex
	resolutionHz uint32
	replies      []Reply
	credits      chan struct{}

	// TXLog records every Transmit call's pulse widths (ns), for
	// assertions in session/bootloader tests.
	TXLog []Transmission
}

// Transmission is one recorded Transmit call.
type Transmission struct {
	WidthsNS []int64
	Repeat   int
}

// New returns a Backend that will release replies, in order, one per
// Session or Page frame the caller transmits. Once replies are
// exhausted, every subsequent receive window is silence.
func New(replies ...Reply) *Backend {
	return &Backend{
		replies: append([]Reply{}, replies...),
		credits: make(chan struct{}, 1024),
	}
}

// QueueReply appends an additional scripted reply, for tests that
// need to react to what was just transmitted.
func (b *Backend) QueueReply(r Reply) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replies = append(b.replies, r)
}

func (b *Backend) ConfigureTX(resolutionHz uint32, invert, openDrainShared bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolutionHz = resolutionHz
	return nil
}

func (b *Backend) ConfigureRX(resolutionHz uint32, invert bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resolutionHz = resolutionHz
	return nil
}

// isDataFrame reports whether a transmission starts with a Session or
// Page leading pulse. The enter pattern and the calibration pulse are
// not data frames and never draw a reply.
func (b *Backend) isDataFrame(widthsNS []int64) bool {
	if len(widthsNS) == 0 {
		return false
	}
	b.mu.Lock()
	resHz := b.resolutionHz
	b.mu.Unlock()
	t := nsToTick(widthsNS[0], resHz)
	lo := ppm.SessionPulse - ppm.BitDistance/2
	hi := ppm.PagePulse + ppm.BitDistance/2
	return t >= lo && t <= hi
}

func (b *Backend) Transmit(ctx context.Context, widthsNS []int64, repeat int) error {
	b.mu.Lock()
	b.TXLog = append(b.TXLog, Transmission{WidthsNS: append([]int64{}, widthsNS...), Repeat: repeat})
	b.mu.Unlock()
	if b.isDataFrame(widthsNS) {
		select {
		case b.credits <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *Backend) Receive(ctx context.Context, buf []int64, minNS, maxNS int64) (int, bool, error) {
	select {
	case <-ctx.Done():
		return 0, true, nil
	case <-b.credits:
	}

	b.mu.Lock()
	var r *Reply
	if len(b.replies) > 0 {
		rv := b.replies[0]
		r = &rv
		b.replies = b.replies[1:]
	}
	resHz := b.resolutionHz
	b.mu.Unlock()

	if r == nil || r.Frame == nil {
		<-ctx.Done()
		return 0, true, nil
	}
	if r.Delay > 0 {
		t := time.NewTimer(r.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			// Push the undelivered reply (and its credit) back so the
			// next receive window sees it.
			b.mu.Lock()
			b.replies = append([]Reply{*r}, b.replies...)
			b.mu.Unlock()
			select {
			case b.credits <- struct{}{}:
			default:
			}
			return 0, true, nil
		}
	}

	ticks, err := ppm.Encode(r.Frame.Tag, ppm.WordsToBytes(r.Frame.Words))
	if err != nil {
		return 0, false, err
	}
	symbols := ticks[1 : len(ticks)-1] // drop leading pulse + trailing low.
	captured := make([]int64, 0, 1+len(symbols))
	captured = append(captured, tickToNS(ticks[0], resHz))
	for _, t := range symbols {
		captured = append(captured, tickToNS(t, resHz))
	}
	n := copy(buf, captured)
	return n, false, nil
}

func tickToNS(t ppm.Tick, resolutionHz uint32) int64 {
	if resolutionHz == 0 {
		return int64(t) * 250
	}
	return (int64(t)*1_000_000_000 + int64(resolutionHz)/2) / int64(resolutionHz)
}

func nsToTick(ns int64, resolutionHz uint32) ppm.Tick {
	if resolutionHz == 0 {
		return ppm.Tick((ns + 125) / 250)
	}
	return ppm.Tick((ns*int64(resolutionHz) + 500_000_000) / 1_000_000_000)
}
