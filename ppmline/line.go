// Package ppmline owns the physical line handle: half-duplex
// switching between transmit and receive, and the bounded queue of
// decoded frames that feeds the session engine. It is the only layer
// that talks to a Backend (real hardware or a fake for tests); it
// knows nothing about sessions, pages, chips, or HEX images.
package ppmline

import (
	"context"
	"fmt"
	"sync/atomic"

	"ppmflash.dev/ppm"
)

// defaultBufSymbols is the minimum receive buffer capacity: 10 bytes
// worth of symbols at 4 symbols/byte.
const defaultBufSymbols = 10 * 4

// State is the line driver's half-duplex state.
type State int32

const (
	StateIdle State = iota
	StateTransmitting
	StateReceiving
)

func (s State) String() string {
	switch s {
	case StateTransmitting:
		return "transmitting"
	case StateReceiving:
		return "receiving"
	default:
		return "idle"
	}
}

// Line is a single owned line-driver value: constructed once per
// program invocation, bound to one Backend, and used for the
// program's whole lifetime.
type Line struct {
	backend Backend

	resolutionHz uint32
	rxMinNS      int64
	rxMaxNS      int64
	bufSymbols   int

	queue *Queue
	state atomic.Int32

	pauseReq  chan chan struct{}
	resumeReq chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
}

// New binds a Line to backend. The line starts in StateIdle and owns
// no goroutines until Start is called.
func New(backend Backend) *Line {
	return &Line{
		backend:    backend,
		bufSymbols: defaultBufSymbols,
		queue:      newQueue(QueueCapacity),
		pauseReq:   make(chan chan struct{}),
		resumeReq:  make(chan struct{}),
	}
}

// EnsureCapacity grows the receive buffer to hold at least symbols
// pulse entries, for bootloaders that use a page size larger than the
// 40-symbol default.
func (l *Line) EnsureCapacity(symbols int) {
	if symbols > l.bufSymbols {
		l.bufSymbols = symbols
	}
}

// Configure reconfigures tx/rx timing as a unit for a new bitrate:
// resolution and the receive acceptance window always change
// together.
func (l *Line) Configure(bitrateBps uint32, invert, openDrainShared bool) error {
	resHz, minNS, maxNS, err := ppm.BitrateConfig(bitrateBps)
	if err != nil {
		return err
	}
	if err := l.backend.ConfigureTX(resHz, invert, openDrainShared); err != nil {
		return fmt.Errorf("ppmline: configure tx: %w", err)
	}
	if err := l.backend.ConfigureRX(resHz, invert); err != nil {
		return fmt.Errorf("ppmline: configure rx: %w", err)
	}
	l.resolutionHz, l.rxMinNS, l.rxMaxNS = resHz, minNS, maxNS
	return nil
}

// Start launches the background receive loop: a goroutine that only
// ever re-arms the receiver and pushes decoded frames onto the queue,
// dropping them silently on bad framing/timing (the peer retries on
// its own cadence).
func (l *Line) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go l.receiveLoop(ctx)
}

// Stop halts the receive loop and waits for it to exit.
func (l *Line) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
	l.cancel = nil
}

// Queue returns the decoded-frame queue the session engine consumes.
func (l *Line) Queue() *Queue { return l.queue }

// State reports the current half-duplex state.
func (l *Line) State() State { return State(l.state.Load()) }

type rxResult struct {
	n      int
	isLast bool
	err    error
}

func (l *Line) receiveLoop(ctx context.Context) {
	defer close(l.done)
	// Two receive buffers, preallocated and rotated so a just-filled
	// buffer is never the next one handed to the backend.
	bufs := [2][]int64{make([]int64, l.bufSymbols), make([]int64, l.bufSymbols)}
	active := 0
	for {
		select {
		case <-ctx.Done():
			return
		case ack := <-l.pauseReq:
			l.state.Store(int32(StateIdle))
			close(ack)
			select {
			case <-l.resumeReq:
			case <-ctx.Done():
				return
			}
			continue
		default:
		}

		if len(bufs[active]) < l.bufSymbols {
			bufs[active] = make([]int64, l.bufSymbols)
		}
		buf := bufs[active]
		active ^= 1
		rctx, cancel := context.WithCancel(ctx)
		results := make(chan rxResult, 1)
		l.state.Store(int32(StateReceiving))
		go func() {
			n, isLast, err := l.backend.Receive(rctx, buf, l.rxMinNS, l.rxMaxNS)
			results <- rxResult{n, isLast, err}
		}()

		select {
		case res := <-results:
			cancel()
			l.handleReceive(buf, res)
		case ack := <-l.pauseReq:
			cancel()
			<-results // wait for Receive to actually unblock.
			l.state.Store(int32(StateIdle))
			close(ack)
			select {
			case <-l.resumeReq:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			cancel()
			<-results
			return
		}
	}
}

func (l *Line) handleReceive(buf []int64, res rxResult) {
	if res.err != nil || res.n == 0 {
		return
	}
	ticks := make([]ppm.Tick, res.n)
	for i := range res.n {
		ticks[i] = nsToTick(buf[i], l.resolutionHz)
	}
	frame, err := ppm.Decode(ticks)
	if err != nil {
		// DecodeFraming / DecodeTiming: drop and keep listening.
		return
	}
	l.queue.Push(frame)
}

// pause asks the receive loop to stand down and waits for
// acknowledgement, implementing the "transmit disables receive"
// half-duplex rule. It is a no-op if the loop isn't
// running.
func (l *Line) pause() bool {
	if l.done == nil {
		return false
	}
	ack := make(chan struct{})
	select {
	case l.pauseReq <- ack:
	case <-l.done:
		return false
	}
	<-ack
	return true
}

func (l *Line) resume(paused bool) {
	if !paused {
		return
	}
	select {
	case l.resumeReq <- struct{}{}:
	case <-l.done:
	}
}

// TransmitFrame encodes tag/payload with the wire codec and drives it
// onto the line, repeated repeat times (repeat<1 behaves as 1).
// Transmit is half-duplex: the receiver is disabled on entry and
// re-armed once transmission completes.
func (l *Line) TransmitFrame(ctx context.Context, tag ppm.Tag, payload []byte, repeat int) error {
	ticks, err := ppm.Encode(tag, payload)
	if err != nil {
		return err
	}
	widths := make([]int64, len(ticks))
	for i, t := range ticks {
		widths[i] = tickToNS(t, l.resolutionHz)
	}
	paused := l.pause()
	defer l.resume(paused)
	l.state.Store(int32(StateTransmitting))
	defer l.state.Store(int32(StateIdle))
	if err := l.backend.Transmit(ctx, widths, repeat); err != nil {
		return fmt.Errorf("ppmline: transmit: %w", err)
	}
	return nil
}

// TransmitEnterPattern drives the raw enter-bootloader waveform,
// bypassing the frame codec.
func (l *Line) TransmitEnterPattern(ctx context.Context, patternUS uint32) error {
	widthsUS := ppm.EncodeEnterPattern(patternUS)
	widthsNS := make([]int64, len(widthsUS))
	for i, us := range widthsUS {
		widthsNS[i] = int64(us) * 1000
	}
	paused := l.pause()
	defer l.resume(paused)
	l.state.Store(int32(StateTransmitting))
	defer l.state.Store(int32(StateIdle))
	if err := l.backend.Transmit(ctx, widthsNS, 1); err != nil {
		return fmt.Errorf("ppmline: enter pattern: %w", err)
	}
	return nil
}

// tickToNS and nsToTick round to the nearest unit: truncation would
// bias every captured width downward by up to one tick, enough to
// shift a symbol into the next-lower value.
func tickToNS(t ppm.Tick, resolutionHz uint32) int64 {
	if resolutionHz == 0 {
		return int64(t) * 250 // nominal 0.25µs tick, pre-Configure fallback.
	}
	return (int64(t)*1_000_000_000 + int64(resolutionHz)/2) / int64(resolutionHz)
}

func nsToTick(ns int64, resolutionHz uint32) ppm.Tick {
	if resolutionHz == 0 {
		return ppm.Tick((ns + 125) / 250)
	}
	return ppm.Tick((ns*int64(resolutionHz) + 500_000_000) / 1_000_000_000)
}
