package bootloader

import (
	"context"
	"fmt"
	"math"
	"time"

	"ppmflash.dev/chipcat"
	"ppmflash.dev/crcs"
	"ppmflash.dev/session"
)

const eepromCRCInit = 0x1d0f

func ceilMS(ms float64) time.Duration {
	return time.Duration(math.Ceil(ms)) * time.Millisecond
}

// flashTiming shapes a Flash-prog session's timeouts from the
// memory's measured erase/write timings.
func flashTiming(mem *chipcat.Memory) session.Timing {
	eraseUnit := mem.EraseUnitBytes
	if eraseUnit == 0 {
		eraseUnit = mem.PageSizeBytes
	}
	page0 := ceilMS(float64(mem.Length) / float64(eraseUnit) * mem.EraseTimeMS * 1.25)
	pageX := ceilMS(mem.WriteTimeMS * 1.25)
	sess := pageX + ceilMS(float64(mem.Length)*6.25e-5)
	return session.Timing{PageRetry: 5, Page0Timeout: page0, PageXTimeout: pageX, SessionTimeout: sess, RequestAck: true}
}

// flashCSTiming is flashTiming with the erase unit replaced by the
// region's page size.
func flashCSTiming(mem *chipcat.Memory) session.Timing {
	page0 := ceilMS(float64(mem.Length) / float64(mem.PageSizeBytes) * mem.EraseTimeMS * 1.25)
	pageX := ceilMS(mem.WriteTimeMS * 1.25)
	sess := pageX + ceilMS(float64(mem.Length)*6.25e-5)
	return session.Timing{PageRetry: 5, Page0Timeout: page0, PageXTimeout: pageX, SessionTimeout: sess, RequestAck: true}
}

// nvramTiming covers both EEPROM-prog and IUM-prog: both page
// timeouts equal write_time*1.25 and the session timeout equals the
// page timeout.
func nvramTiming(mem *chipcat.Memory) session.Timing {
	pageT := ceilMS(mem.WriteTimeMS * 1.25)
	return session.Timing{PageRetry: 5, Page0Timeout: pageT, PageXTimeout: pageT, SessionTimeout: pageT, RequestAck: true}
}

// bytesToWordsLE reinterprets a byte slice as 16-bit words, low byte
// first. An odd trailing byte is padded with a zero high byte.
func bytesToWordsLE(b []byte) []uint16 {
	n := (len(b) + 1) / 2
	words := make([]uint16, n)
	for i := range n {
		lo := b[2*i]
		var hi byte
		if 2*i+1 < len(b) {
			hi = b[2*i+1]
		}
		words[i] = uint16(hi)<<8 | uint16(lo)
	}
	return words
}

// rotatePage0ToEnd reorders words so that the first pageWords words
// (logical page 0) are moved to the end of the slice: the flash
// programming session transmits pages starting from the second page
// and wraps page 0 to be transmitted last. The chip erases on the
// first page it sees and commits on page 0, so the rotation is part
// of the protocol, not an optimization.
func rotatePage0ToEnd(words []uint16, pageWords int) []uint16 {
	if pageWords <= 0 || len(words) <= pageWords {
		return words
	}
	out := make([]uint16, len(words))
	n := copy(out, words[pageWords:])
	copy(out[n:], words[:pageWords])
	return out
}

func (b *Bootloader) program(ctx context.Context, opts Options, chip chipcat.Chip, kind Memory, mem *chipcat.Memory, report *Report) error {
	switch kind {
	case Flash:
		return b.programFlash(ctx, opts, chip, mem, report)
	case FlashCS:
		return b.programFlashCS(ctx, opts, chip, mem, report)
	case Nvram:
		return b.programNvram(ctx, opts, mem, nvramTiming, b.Engine.EepromProgram, 2*session.EepromPageWords, report)
	case IUM:
		return b.programNvram(ctx, opts, mem, nvramTiming, b.Engine.IUMProgram, 2*session.IUMPageWords, report)
	default:
		return CodeActionNotSupported
	}
}

func (b *Bootloader) verify(ctx context.Context, opts Options, chip chipcat.Chip, kind Memory, mem *chipcat.Memory, report *Report) error {
	switch kind {
	case Flash:
		return b.verifyFlash(ctx, opts, chip, mem, report)
	case FlashCS:
		return b.verifyFlashCS(ctx, opts, mem, report)
	case Nvram:
		if !chip.SupportsEepromVerify {
			return fmt.Errorf("bootloader: chip %s does not support EEPROM verify: %w", chip.Name, CodeActionNotSupported)
		}
		return b.verifyNvram(ctx, opts, mem, b.Engine.EepromCRC, report)
	default:
		return fmt.Errorf("bootloader: %s verify: %w", kind, CodeActionNotSupported)
	}
}

func (b *Bootloader) maybeProgKeys(ctx context.Context, opts Options, chip chipcat.Chip) error {
	if !chip.HasKeys {
		return nil
	}
	keys, err := b.Keys(chip.ProjectID)
	if err != nil {
		return fmt.Errorf("bootloader: loading programming keys: %w", CodeInternal)
	}
	timing := session.DefaultProgKeysTiming
	timing.RequestAck = !opts.Broadcast
	if err := b.Engine.ProgKeys(ctx, timing, keys); err != nil {
		return fmt.Errorf("bootloader: prog-keys: %w", CodeProgrammingFailed)
	}
	return nil
}

func (b *Bootloader) programFlash(ctx context.Context, opts Options, chip chipcat.Chip, mem *chipcat.Memory, report *Report) error {
	if err := b.maybeProgKeys(ctx, opts, chip); err != nil {
		return err
	}
	start, length := mem.StartAddress, mem.Length
	if opts.Hex.CountBytesInRange(start, length) == 0 {
		return CodeMissingData
	}
	buf := make([]byte, length)
	opts.Hex.Fill(start, buf)
	words := bytesToWordsLE(buf)

	crc := crcs.CRC24(chip.Variant(), words, 1)
	offset := uint16((crc >> 16) & 0xff)
	checksum := uint16(crc)

	payload := rotatePage0ToEnd(words, session.FlashPageWords)
	timing := flashTiming(mem)
	timing.RequestAck = !opts.Broadcast

	reply, err := b.Engine.FlashProgram(ctx, timing, offset, checksum, payload)
	if err != nil {
		return fmt.Errorf("bootloader: flash program: %w", CodeProgrammingFailed)
	}
	if !opts.Broadcast {
		if len(reply) < 4 || reply[2] != offset || reply[3] != checksum {
			return fmt.Errorf("bootloader: flash program: reply mismatch: %w", CodeProgrammingFailed)
		}
	}
	report.BytesProcessed = int(length)
	report.CRC = crc
	return nil
}

func (b *Bootloader) verifyFlash(ctx context.Context, opts Options, chip chipcat.Chip, mem *chipcat.Memory, report *Report) error {
	start, length := mem.StartAddress, mem.Length
	if opts.Hex.CountBytesInRange(start, length) == 0 {
		return CodeMissingData
	}
	buf := make([]byte, length)
	opts.Hex.Fill(start, buf)
	want := crcs.CRC24(chip.Variant(), bytesToWordsLE(buf), 1)

	timing := session.DefaultFlashCRCTiming
	timing.RequestAck = true // verification always needs the reply.
	got, err := b.Engine.FlashCRC(ctx, timing, length)
	if err != nil {
		return fmt.Errorf("bootloader: flash crc: %w", CodeVerifyFailed)
	}
	report.CRC = got
	if got != want {
		return CodeVerifyFailed
	}
	return nil
}

func (b *Bootloader) programFlashCS(ctx context.Context, opts Options, chip chipcat.Chip, mem *chipcat.Memory, report *Report) error {
	if err := b.maybeProgKeys(ctx, opts, chip); err != nil {
		return err
	}
	start, writeable := mem.StartAddress, mem.Writeable()
	if opts.Hex.CountBytesInRange(start, writeable) == 0 {
		return CodeMissingData
	}
	hexMax, ok := opts.Hex.MaxAddressInRange(start, writeable)
	if !ok {
		return CodeMissingData
	}
	length := hexMax - start + 1
	if mem.PageSizeBytes > 0 {
		length = ((length + mem.PageSizeBytes - 1) / mem.PageSizeBytes) * mem.PageSizeBytes
	}
	if length > writeable {
		length = writeable
	}
	buf := make([]byte, length)
	opts.Hex.Fill(start, buf)
	checksum := crcs.CRC16(buf, eepromCRCInit)
	words := bytesToWordsLE(buf)

	timing := flashCSTiming(mem)
	timing.RequestAck = !opts.Broadcast
	reply, err := b.Engine.FlashCSProgram(ctx, timing, 0, checksum, words)
	if err != nil {
		return fmt.Errorf("bootloader: flash-cs program: %w", CodeProgrammingFailed)
	}
	if !opts.Broadcast {
		if len(reply) < 4 || reply[2] != 0 || reply[3] != checksum {
			return fmt.Errorf("bootloader: flash-cs program: reply mismatch: %w", CodeProgrammingFailed)
		}
	}
	report.BytesProcessed = int(length)
	return nil
}

func (b *Bootloader) verifyFlashCS(ctx context.Context, opts Options, mem *chipcat.Memory, report *Report) error {
	start, writeable := mem.StartAddress, mem.Writeable()
	if opts.Hex.CountBytesInRange(start, writeable) == 0 {
		return CodeMissingData
	}
	hexMax, ok := opts.Hex.MaxAddressInRange(start, writeable)
	if !ok {
		return CodeMissingData
	}
	length := hexMax - start + 1
	if mem.PageSizeBytes > 0 {
		length = ((length + mem.PageSizeBytes - 1) / mem.PageSizeBytes) * mem.PageSizeBytes
	}
	if length > writeable {
		length = writeable
	}
	buf := make([]byte, length)
	opts.Hex.Fill(start, buf)
	want := crcs.CRC16(buf, eepromCRCInit)

	timing := session.DefaultFlashCSCRCTiming
	timing.RequestAck = true
	got, err := b.Engine.FlashCSCRC(ctx, timing, uint16(length))
	if err != nil {
		return fmt.Errorf("bootloader: flash-cs crc: %w", CodeVerifyFailed)
	}
	report.CRC = uint32(got)
	if got != want {
		return CodeVerifyFailed
	}
	return nil
}

type nvramProgramFunc func(ctx context.Context, t session.Timing, offset, checksum uint16, payload []uint16) ([]uint16, error)

// programNvram implements the contiguous-run scan shared by
// EEPROM-prog and IUM-prog: stride through
// the region in page-sized chunks, accumulate a run across
// consecutive non-empty pages, and flush it as one program session
// whenever an empty page (or the region's end) is reached.
func (b *Bootloader) programNvram(ctx context.Context, opts Options, mem *chipcat.Memory, timingFn func(*chipcat.Memory) session.Timing, program nvramProgramFunc, sessionPageBytes uint32, report *Report) error {
	pageBytes := mem.PageSizeBytes
	if pageBytes == 0 {
		return CodeInternal
	}
	totalPages := int((mem.Length + pageBytes - 1) / pageBytes)
	pageStart := -1
	var bytesTotal int
	var runs int

	flush := func(endPageExclusive int) error {
		if pageStart < 0 {
			return nil
		}
		startAddr := mem.StartAddress + uint32(pageStart)*pageBytes
		runBytes := uint32(endPageExclusive-pageStart) * pageBytes
		if regionEnd := mem.StartAddress + mem.Length; startAddr+runBytes > regionEnd {
			runBytes = regionEnd - startAddr
		}
		buf := make([]byte, runBytes)
		opts.Hex.Fill(startAddr, buf)
		checksum := crcs.CRC16(buf, eepromCRCInit)
		words := bytesToWordsLE(buf)

		// The wire offset counts session pages, which need not match
		// the region's own page stride.
		byteOff := uint32(pageStart) * pageBytes
		offset := uint16((byteOff + sessionPageBytes - 1) / sessionPageBytes)
		timing := timingFn(mem)
		timing.RequestAck = !opts.Broadcast
		if _, err := program(ctx, timing, offset, checksum, words); err != nil {
			return fmt.Errorf("bootloader: nvram program at page %d: %w", pageStart, CodeProgrammingFailed)
		}
		bytesTotal += int(runBytes)
		runs++
		pageStart = -1
		return nil
	}

	for p := 0; p < totalPages; p++ {
		addr := mem.StartAddress + uint32(p)*pageBytes
		if opts.Hex.CountBytesInRange(addr, pageBytes) > 0 {
			if pageStart < 0 {
				pageStart = p
			}
			continue
		}
		if err := flush(p); err != nil {
			return err
		}
	}
	if err := flush(totalPages); err != nil {
		return err
	}
	if runs == 0 {
		return CodeMissingData
	}
	report.BytesProcessed = bytesTotal
	return nil
}

type nvramCRCFunc func(ctx context.Context, t session.Timing, offset, byteLen uint16) (uint16, error)

func (b *Bootloader) verifyNvram(ctx context.Context, opts Options, mem *chipcat.Memory, crcFn nvramCRCFunc, report *Report) error {
	if opts.Hex.CountBytesInRange(mem.StartAddress, mem.Length) == 0 {
		return CodeMissingData
	}
	buf := make([]byte, mem.Length)
	opts.Hex.Fill(mem.StartAddress, buf)
	want := crcs.CRC16(buf, eepromCRCInit)

	timing := session.DefaultEepromCRCTiming
	timing.RequestAck = true
	got, err := crcFn(ctx, timing, 0, uint16(mem.Length))
	if err != nil {
		return fmt.Errorf("bootloader: nvram crc: %w", CodeVerifyFailed)
	}
	report.CRC = uint32(got)
	if got != want {
		return CodeVerifyFailed
	}
	return nil
}
