package session

import (
	"context"
	"fmt"
)

func build(id ID, pageWords int, unlockErratum bool, t Timing) descriptor {
	return descriptor{
		id:             id,
		pageWords:      pageWords,
		unlockErratum:  unlockErratum,
		pageRetry:      maxInt(t.PageRetry, 1),
		page0Timeout:   t.Page0Timeout,
		pageXTimeout:   t.PageXTimeout,
		sessionTimeout: t.SessionTimeout,
		requestAck:     t.RequestAck,
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Unlock runs the Unlock session (id 0x44), the first thing the
// bootloader sends after the calibration frame. On a
// broadcast (ack-less) call it returns 0, nil on a successful
// transmit. On an acked call the returned value is the chip's project
// identifier, carried in the corrected session ack's fourth word.
func (e *Engine) Unlock(ctx context.Context, t Timing) (projectID uint16, err error) {
	d := build(idUnlock, 0, true, t)
	reply, err := e.handleSession(ctx, d, 0x8374, 0xbf12, nil)
	if err != nil {
		return 0, err
	}
	if !t.RequestAck {
		return 0, nil
	}
	return reply[3], nil
}

// ProgKeys loads the 8-word programming-key block into the chip; it
// always carries exactly one page, offset and checksum fixed by the
// protocol. The ack echoes the 0xBEBE pair back in its last two
// words; anything else means the chip rejected the keys.
func (e *Engine) ProgKeys(ctx context.Context, t Timing, keys [progKeysWords]uint16) error {
	d := build(idProgKeys, progKeysWords, false, t)
	reply, err := e.handleSession(ctx, d, 0xbebe, 0xbebe, keys[:])
	if err != nil {
		return err
	}
	if t.RequestAck && (reply[2] != 0xbebe || reply[3] != 0xbebe) {
		return ErrSessionAckTimeout
	}
	return nil
}

// FlashProgram runs a Flash-prog session (id 0x04). payload is the
// full region to program, already word-aligned and already rotated so
// that page 0 is transmitted last; offset/checksum are the
// caller-computed region descriptor (offset is (crc>>16)&0xff,
// checksum is crc&0xffff, under the chip's selected CRC variant).
// The reply's words 2 and 3 echo back the offset/checksum; the caller
// (bootloader) must validate them.
func (e *Engine) FlashProgram(ctx context.Context, t Timing, offset, checksum uint16, payload []uint16) ([]uint16, error) {
	d := build(idFlashProg, FlashPageWords, false, t)
	return e.handleSession(ctx, d, offset, checksum, payload)
}

// EepromProgram runs an EEPROM-prog session (id 0x06, page size 4).
func (e *Engine) EepromProgram(ctx context.Context, t Timing, offset, checksum uint16, payload []uint16) ([]uint16, error) {
	d := build(idEepromProg, EepromPageWords, false, t)
	return e.handleSession(ctx, d, offset, checksum, payload)
}

// IUMProgram shares session id 0x06 with EEPROM-prog but uses a
// 64-word page, matching the information/user memory's larger page
// geometry.
func (e *Engine) IUMProgram(ctx context.Context, t Timing, offset, checksum uint16, payload []uint16) ([]uint16, error) {
	d := build(idEepromProg, IUMPageWords, false, t)
	return e.handleSession(ctx, d, offset, checksum, payload)
}

// FlashCSProgram runs a Flash-CS-prog session (id 0x07), the
// calibration-segment-only flash programming mode.
func (e *Engine) FlashCSProgram(ctx context.Context, t Timing, offset, checksum uint16, payload []uint16) ([]uint16, error) {
	d := build(idFlashCSProg, FlashCSPageWords, false, t)
	return e.handleSession(ctx, d, offset, checksum, payload)
}

// FlashCRC runs the Flash-CRC verification session (id 0x43),
// returning the chip's reported 24-bit CRC: the low byte of the ack's
// third word is the CRC's high byte, the fourth word its low 16 bits.
// byteLen is the host-side length the caller computed its own CRC
// over; the session itself carries no length (the chip checks its
// whole flash).
func (e *Engine) FlashCRC(ctx context.Context, t Timing, byteLen uint32) (crc uint32, err error) {
	d := build(idFlashCRC, 0, false, t)
	reply, err := e.handleSession(ctx, d, 0, 0, nil)
	if err != nil {
		return 0, err
	}
	if !t.RequestAck {
		return 0, nil
	}
	// Bits above bit 23 never travel; mask so a noisy high byte can't
	// leak into the result.
	return uint32(reply[2]&0xff)<<16 | uint32(reply[3]), nil
}

// EepromCRC runs the EEPROM-CRC verification session (id 0x47)
// starting at the given page offset, returning the chip's reported
// 16-bit CRC from the ack's last word. byteLen is host-side only,
// like FlashCRC's.
func (e *Engine) EepromCRC(ctx context.Context, t Timing, offset uint16, byteLen uint16) (crc uint16, err error) {
	d := build(idEepromCRC, 0, false, t)
	reply, err := e.handleSession(ctx, d, offset, 0, nil)
	if err != nil {
		return 0, err
	}
	if !t.RequestAck {
		return 0, nil
	}
	return reply[3], nil
}

// FlashCSCRC runs the Flash-CS-CRC verification session (id 0x48).
func (e *Engine) FlashCSCRC(ctx context.Context, t Timing, byteLen uint16) (crc uint16, err error) {
	d := build(idFlashCSCRC, 0, false, t)
	reply, err := e.handleSession(ctx, d, 0, 0, nil)
	if err != nil {
		return 0, err
	}
	if !t.RequestAck {
		return 0, nil
	}
	return reply[3], nil
}

// ChipReset runs the Chip-reset session (id 0x45), sent at the end of
// every bootloader action regardless of how the action itself
// concluded. Like Unlock, its ack carries the project id in its last
// word.
func (e *Engine) ChipReset(ctx context.Context, t Timing) (projectID uint16, err error) {
	d := build(idChipReset, 0, false, t)
	reply, err := e.handleSession(ctx, d, 0, 0, nil)
	if err != nil {
		return 0, fmt.Errorf("chip reset: %w", err)
	}
	if !t.RequestAck {
		return 0, nil
	}
	return reply[3], nil
}
