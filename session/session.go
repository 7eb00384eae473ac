// Package session implements the PPM protocol's session/page frame
// state machine: one Session frame, zero or more Page frames, and an
// optional acknowledging Session frame, with per-page retries and
// per-session timeouts.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ppmflash.dev/crcs"
	"ppmflash.dev/ppm"
	"ppmflash.dev/ppmline"
)

// ID is a 7-bit session identifier.
type ID byte

const (
	idUnlock      ID = 0x44
	idProgKeys    ID = 0x03
	idFlashProg   ID = 0x04
	idEepromProg  ID = 0x06 // shared with IUM-prog; geometry differs.
	idFlashCSProg ID = 0x07
	idFlashCRC    ID = 0x43
	idEepromCRC   ID = 0x47
	idFlashCSCRC  ID = 0x48
	idChipReset   ID = 0x45
)

// Timing is the caller-tunable part of a session descriptor: retry
// count, ack mode, and the three timeouts. The protocol-fixed parts
// (session id, page geometry, the unlock erratum) are supplied by
// each entry point below, so a Timing can never describe an invalid
// session shape.
type Timing struct {
	PageRetry      int
	Page0Timeout   time.Duration
	PageXTimeout   time.Duration
	SessionTimeout time.Duration
	RequestAck     bool
}

// descriptor is the full, immutable-per-call session descriptor,
// assembled internally by each entry point.
type descriptor struct {
	id             ID
	pageWords      int
	unlockErratum  bool
	pageRetry      int
	page0Timeout   time.Duration
	pageXTimeout   time.Duration
	sessionTimeout time.Duration
	requestAck     bool
}

// Default per-session timings. Programming callers extend these with
// the measured per-memory erase/write totals (see bootloader).
var (
	DefaultUnlockTiming      = Timing{PageRetry: 5, SessionTimeout: 10 * time.Millisecond, RequestAck: true}
	DefaultProgKeysTiming    = Timing{PageRetry: 1, Page0Timeout: 25 * time.Millisecond, PageXTimeout: 10 * time.Millisecond, SessionTimeout: 10 * time.Millisecond, RequestAck: true}
	DefaultFlashProgTiming   = Timing{PageRetry: 5, Page0Timeout: 100 * time.Millisecond, PageXTimeout: 10 * time.Millisecond, SessionTimeout: 10 * time.Millisecond, RequestAck: true}
	DefaultEepromProgTiming  = Timing{PageRetry: 5, Page0Timeout: 15 * time.Millisecond, PageXTimeout: 15 * time.Millisecond, SessionTimeout: 17 * time.Millisecond, RequestAck: true}
	DefaultIUMProgTiming     = Timing{PageRetry: 5, Page0Timeout: 8 * time.Millisecond, PageXTimeout: 8 * time.Millisecond, SessionTimeout: 10 * time.Millisecond, RequestAck: true}
	DefaultFlashCSProgTiming = Timing{PageRetry: 5, Page0Timeout: 50 * time.Millisecond, PageXTimeout: 7 * time.Millisecond, SessionTimeout: 15 * time.Millisecond, RequestAck: true}
	DefaultFlashCRCTiming    = Timing{PageRetry: 5, SessionTimeout: 5 * time.Millisecond, RequestAck: true}
	DefaultEepromCRCTiming   = Timing{PageRetry: 5, SessionTimeout: 5 * time.Millisecond, RequestAck: true}
	DefaultFlashCSCRCTiming  = Timing{PageRetry: 5, SessionTimeout: 5 * time.Millisecond, RequestAck: true}
	DefaultChipResetTiming   = Timing{PageRetry: 5, SessionTimeout: 10 * time.Millisecond, RequestAck: true}
)

// Fixed page geometries, in 16-bit words per page. EEPROM-prog and
// IUM-prog share a session id but not a geometry.
const (
	EepromPageWords  = 4
	IUMPageWords     = 64
	FlashPageWords   = 64
	FlashCSPageWords = 64

	progKeysWords = 8
)

// Errors returned by the session entry points.
var (
	// ErrTransmitFailed wraps a line-driver transmit failure.
	ErrTransmitFailed = errors.New("session: transmit failed")
	// ErrPageRetriesExhausted means every attempt at a page failed to
	// ack.
	ErrPageRetriesExhausted = errors.New("session: page retries exhausted")
	// ErrSessionAckTimeout means no (or an invalid) session ack
	// arrived within the session timeout.
	ErrSessionAckTimeout = errors.New("session: no valid session ack")
)

// Logger is the minimal structured-logging surface session needs;
// satisfied by *charmbracelet/log.Logger (see cmd/ppmflash) and by a
// nil value, which discards everything.
type Logger interface {
	Debugf(format string, args ...any)
}

// Tracer observes every frame the engine transmits or receives. It is
// purely observational: see ppmflash.dev/trace for the concrete CBOR
// recorder used by the CLI.
type Tracer interface {
	Trace(dir string, f ppm.Frame)
}

// Engine drives the session/page state machine over a line.
type Engine struct {
	Line   *ppmline.Line
	Log    Logger
	Tracer Tracer
}

func New(line *ppmline.Line) *Engine {
	return &Engine{Line: line}
}

func (e *Engine) debugf(format string, args ...any) {
	if e.Log != nil {
		e.Log.Debugf(format, args...)
	}
}

func (e *Engine) trace(dir string, f ppm.Frame) {
	if e.Tracer != nil {
		e.Tracer.Trace(dir, f)
	}
}

func ceilDiv(a, b int) int {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// handleSession runs one complete session: transmit the session
// frame, transmit each page with per-page retry, then wait for (or
// skip waiting for) the session ack.
func (e *Engine) handleSession(ctx context.Context, d descriptor, offset, checksum uint16, payload []uint16) ([]uint16, error) {
	if d.pageWords > ppm.MaxPageWords {
		return nil, ppm.ErrInvalidArg
	}
	pageCount := 0
	if d.pageWords > 0 {
		pageCount = ceilDiv(len(payload), d.pageWords)
	}

	// word 0 high byte: session_id | (request_ack ? 0x80 : 0); low byte: page_size.
	hi := byte(d.id)
	if d.requestAck {
		hi |= 0x80
	}
	sessionWord0 := uint16(hi)<<8 | uint16(byte(d.pageWords))
	// The slave acks without the ack-request bit.
	ackWord0 := uint16(d.id)<<8 | uint16(byte(d.pageWords))

	// A frame left over from an earlier exchange must not be mistaken
	// for one of this session's acks.
	e.Line.Queue().Clear()

	sessionFrame := []uint16{sessionWord0, uint16(pageCount), offset, checksum}
	if err := e.transmitWords(ctx, ppm.TagSession, sessionFrame, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransmitFailed, err)
	}

	for seq := 0; seq < pageCount; seq++ {
		page := slicePage(payload, seq, d.pageWords)
		csum := crcs.PageChecksum(page)
		pageTimeout := d.pageXTimeout
		if seq == 0 {
			pageTimeout = d.page0Timeout
		}
		want := uint16(byte(seq))<<8 | uint16(csum)

		ok := false
		for attempt := 0; attempt < d.pageRetry; attempt++ {
			frame := append([]uint16{want}, page...)
			if err := e.transmitWords(ctx, ppm.TagPage, frame, 1); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrTransmitFailed, err)
			}
			if !d.requestAck {
				sleep(ctx, pageTimeout)
				ok = true
				break
			}
			reply, got := e.waitFrame(ppm.TagPage, pageTimeout)
			if got && len(reply.Words) > 0 && reply.Words[0] == want {
				ok = true
				break
			}
			e.debugf("session: page %d attempt %d/%d failed to ack", seq, attempt+1, d.pageRetry)
		}
		if !ok {
			return nil, ErrPageRetriesExhausted
		}
	}

	if !d.requestAck {
		sleep(ctx, d.sessionTimeout)
		return nil, nil
	}

	reply, got := e.waitFrame(ppm.TagSession, d.sessionTimeout)
	if !got {
		return nil, ErrSessionAckTimeout
	}
	words := append([]uint16{}, reply.Words...)
	// Some parts answer the unlock with word 0 one higher than the
	// request descriptor, a documented device erratum; correct it
	// before validation.
	if d.unlockErratum && len(words) > 0 && words[0] == ackWord0+1 {
		words[0]--
	}
	if len(words) < 4 || words[0] != ackWord0 || words[1] != uint16(pageCount) {
		return nil, ErrSessionAckTimeout
	}
	return words, nil
}

func slicePage(payload []uint16, seq, pageWords int) []uint16 {
	page := make([]uint16, pageWords)
	start := seq * pageWords
	for i := 0; i < pageWords; i++ {
		if idx := start + i; idx < len(payload) {
			page[i] = payload[idx]
		}
	}
	return page
}

func (e *Engine) transmitWords(ctx context.Context, tag ppm.Tag, words []uint16, repeat int) error {
	e.trace("tx", ppm.Frame{Tag: tag, Words: words})
	return e.Line.TransmitFrame(ctx, tag, ppm.WordsToBytes(words), repeat)
}

func (e *Engine) waitFrame(tag ppm.Tag, timeout time.Duration) (ppm.Frame, bool) {
	f, ok := e.Line.Queue().PopTimeout(timeout)
	if !ok {
		return ppm.Frame{}, false
	}
	e.trace("rx", f)
	if f.Tag != tag {
		return ppm.Frame{}, false
	}
	return f, true
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
