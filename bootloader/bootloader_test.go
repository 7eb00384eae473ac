package bootloader

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ppmflash.dev/chipcat"
	"ppmflash.dev/crcs"
	"ppmflash.dev/ihex"
	"ppmflash.dev/ppm"
	"ppmflash.dev/ppmline"
	"ppmflash.dev/ppmline/fake"
	"ppmflash.dev/session"
)

const testCatalogYAML = `
chips:
  - name: test-chip
    project_id: 0xabcd
    crc_variant: a
    has_keys: false
    supports_eeprom_verify: true
    flash:
      start_address: 0
      length: 1024
      page_size_bytes: 64
      erase_unit_bytes: 1024
      erase_time_ms: 4
      write_time_ms: 2
    eeprom:
      start_address: 0
      length: 32
      page_size_bytes: 8
      erase_time_ms: 0
      write_time_ms: 2
`

func newBootloaderTest(t *testing.T, replies ...fake.Reply) (*Bootloader, *fake.Backend) {
	t.Helper()
	be := fake.New(replies...)
	line := ppmline.New(be)
	if err := line.Configure(100_000, false, false); err != nil {
		t.Fatalf("configure: %v", err)
	}
	line.Start(context.Background())
	t.Cleanup(line.Stop)

	cat, err := chipcat.Parse([]byte(testCatalogYAML))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	b := New(session.New(line), cat)
	return b, be
}

// sessionAck builds a slave session ack: word 0 is the session id and
// page size without the host's ack-request bit, word 1 the page
// count. erratum adds the unlock reply's off-by-one.
func sessionAck(id byte, pageWords int, pageCount int, erratum bool, rest ...uint16) ppm.Frame {
	word0 := uint16(id)<<8 | uint16(byte(pageWords))
	if erratum {
		word0++
	}
	words := append([]uint16{word0, uint16(pageCount)}, rest...)
	for len(words) < 4 {
		words = append(words, 0)
	}
	return ppm.Frame{Tag: ppm.TagSession, Words: words}
}

// decodedTX decodes every transmission the fake backend recorded back
// into frames, skipping waveforms that are not data frames (the enter
// pattern and the calibration pulse).
func decodedTX(t *testing.T, be *fake.Backend, bitrate uint32) []ppm.Frame {
	t.Helper()
	resHz, _, _, err := ppm.BitrateConfig(bitrate)
	if err != nil {
		t.Fatalf("bitrate config: %v", err)
	}
	var frames []ppm.Frame
	for _, tx := range be.TXLog {
		if len(tx.WidthsNS) < 2 {
			continue
		}
		ticks := make([]ppm.Tick, 0, len(tx.WidthsNS)-1)
		// The last entry is the trailing low, not a symbol.
		for _, ns := range tx.WidthsNS[:len(tx.WidthsNS)-1] {
			ticks = append(ticks, ppm.Tick((ns*int64(resHz)+500_000_000)/1_000_000_000))
		}
		f, err := ppm.Decode(ticks)
		if err != nil {
			continue
		}
		frames = append(frames, f)
	}
	return frames
}

// sessionFramesByID filters decoded transmissions down to Session
// frames whose id (sans ack-request bit) matches.
func sessionFramesByID(frames []ppm.Frame, id byte) []ppm.Frame {
	var out []ppm.Frame
	for _, f := range frames {
		if f.Tag != ppm.TagSession || len(f.Words) < 4 {
			continue
		}
		if byte(f.Words[0]>>8)&0x7f == id {
			out = append(out, f)
		}
	}
	return out
}

func defaultTimeouts(ms time.Duration) {
	session.DefaultUnlockTiming.SessionTimeout = ms
	session.DefaultChipResetTiming.SessionTimeout = ms
	session.DefaultFlashCRCTiming.SessionTimeout = ms
	session.DefaultEepromCRCTiming.SessionTimeout = ms
}

func TestMain(m *testing.M) {
	defaultTimeouts(30 * time.Millisecond)
	m.Run()
}

func hexImage(t *testing.T, text string) *ihex.Image {
	t.Helper()
	img, err := ihex.Parse(strings.NewReader(text))
	if err != nil {
		t.Fatalf("parse hex: %v", err)
	}
	return img
}

func TestUnlockUnknownProjectIDStillResets(t *testing.T) {
	unlockAck := sessionAck(0x44, 0, 0, true, 0x8374, 0x9999) // project id 0x9999 is not in the test catalog.
	resetAck := sessionAck(0x45, 0, 0, false)
	b, be := newBootloaderTest(t, fake.Reply{Frame: &unlockAck}, fake.Reply{Frame: &resetAck})

	hex := hexImage(t, ":00000001FF\n")
	_, err := b.DoAction(context.Background(), Options{ManualPower: true, BitrateBps: 100_000, Memory: Flash, Action: Verify, Hex: hex})

	var code ErrorCode
	if !errors.As(err, &code) || code != CodeChipNotSupported {
		t.Fatalf("err = %v, want CodeChipNotSupported", err)
	}
	// The session before unlock/reset is the calibration frame, a
	// plain TransmitFrame with no ack; only session-level frames are
	// counted as replies consumed, so two transmissions beyond
	// calibration and the enter-pattern indicate both sessions ran.
	if len(be.TXLog) < 4 {
		t.Fatalf("expected enter-pattern + calibration + unlock + reset transmissions, got %d", len(be.TXLog))
	}
}

func TestBroadcastSkipsCatalogLookup(t *testing.T) {
	b, _ := newBootloaderTest(t) // broadcast never waits for an ack.
	hex := hexImage(t, ":00000001FF\n")

	report, err := b.DoAction(context.Background(), Options{
		ManualPower: true, Broadcast: true, BitrateBps: 100_000,
		Memory: Flash, Action: Program, Hex: hex,
	})
	if err != nil {
		t.Fatalf("broadcast do_action: %v", err)
	}
	if report.BytesProcessed != 0 {
		t.Fatalf("broadcast should not program anything, got %d bytes", report.BytesProcessed)
	}
}

func TestFlashVerifyMatch(t *testing.T) {
	const start, length = 0, 1024
	hex := hexImage(t, ":04000000DEADBEEFC4\n:00000001FF\n")
	buf := make([]byte, length)
	hex.Fill(start, buf)
	want := crcs.CRC24(crcs.VariantA, bytesToWordsLE(buf), 1)

	unlockAck := sessionAck(0x44, 0, 0, true, 0x8374, 0xabcd)
	crcAck := sessionAck(0x43, 0, 0, false, uint16(want>>16), uint16(want))
	resetAck := sessionAck(0x45, 0, 0, false)
	b, _ := newBootloaderTest(t, fake.Reply{Frame: &unlockAck}, fake.Reply{Frame: &crcAck}, fake.Reply{Frame: &resetAck})

	report, err := b.DoAction(context.Background(), Options{
		ManualPower: true, BitrateBps: 100_000,
		Memory: Flash, Action: Verify, Hex: hex,
	})
	if err != nil {
		t.Fatalf("verify flash: %v", err)
	}
	if report.CRC != want {
		t.Fatalf("report crc = %#x, want %#x", report.CRC, want)
	}
}

func TestFlashVerifyMismatch(t *testing.T) {
	const start, length = 0, 1024
	hex := hexImage(t, ":04000000DEADBEEFC4\n:00000001FF\n")

	unlockAck := sessionAck(0x44, 0, 0, true, 0x8374, 0xabcd)
	crcAck := sessionAck(0x43, 0, 0, false, 0x00, 0x0000) // does not match the locally computed CRC.
	resetAck := sessionAck(0x45, 0, 0, false)
	b, _ := newBootloaderTest(t, fake.Reply{Frame: &unlockAck}, fake.Reply{Frame: &crcAck}, fake.Reply{Frame: &resetAck})

	_, err := b.DoAction(context.Background(), Options{
		ManualPower: true, BitrateBps: 100_000,
		Memory: Flash, Action: Verify, Hex: hex,
	})
	var code ErrorCode
	if !errors.As(err, &code) || code != CodeVerifyFailed {
		t.Fatalf("err = %v, want CodeVerifyFailed", err)
	}
}

func TestMissingDataReturnsMissingData(t *testing.T) {
	unlockAck := sessionAck(0x44, 0, 0, true, 0x8374, 0xabcd)
	resetAck := sessionAck(0x45, 0, 0, false)
	b, _ := newBootloaderTest(t, fake.Reply{Frame: &unlockAck}, fake.Reply{Frame: &resetAck})

	// A HEX image with no data overlapping the flash region at all.
	hex := hexImage(t, ":00000001FF\n")

	_, err := b.DoAction(context.Background(), Options{
		ManualPower: true, BitrateBps: 100_000,
		Memory: Flash, Action: Verify, Hex: hex,
	})
	var code ErrorCode
	if !errors.As(err, &code) || code != CodeMissingData {
		t.Fatalf("err = %v, want CodeMissingData", err)
	}
}

func TestEepromVerifyRequiresCatalogSupport(t *testing.T) {
	const catalogNoVerify = `
chips:
  - name: no-verify-chip
    project_id: 0x1111
    crc_variant: a
    supports_eeprom_verify: false
    flash:
      start_address: 0
      length: 64
      erase_time_ms: 1
      write_time_ms: 1
    eeprom:
      start_address: 0
      length: 16
      page_size_bytes: 8
      write_time_ms: 1
`
	unlockAck := sessionAck(0x44, 0, 0, true, 0x8374, 0x1111)
	resetAck := sessionAck(0x45, 0, 0, false)
	be := fake.New(fake.Reply{Frame: &unlockAck}, fake.Reply{Frame: &resetAck})
	line := ppmline.New(be)
	if err := line.Configure(100_000, false, false); err != nil {
		t.Fatalf("configure: %v", err)
	}
	line.Start(context.Background())
	t.Cleanup(line.Stop)

	cat, err := chipcat.Parse([]byte(catalogNoVerify))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	b := New(session.New(line), cat)

	hex := hexImage(t, ":0400000001020304F2\n:00000001FF\n")
	_, err = b.DoAction(context.Background(), Options{
		ManualPower: true, BitrateBps: 100_000,
		Memory: Nvram, Action: Verify, Hex: hex,
	})
	var code ErrorCode
	if !errors.As(err, &code) || code != CodeActionNotSupported {
		t.Fatalf("err = %v, want CodeActionNotSupported", err)
	}
}

func TestFlashProgramRetryExhaustionStillResets(t *testing.T) {
	// Every page ack is wrong, so the programming session exhausts
	// its retries; the chip reset must still go out.
	unlockAck := sessionAck(0x44, 0, 0, true, 0x8374, 0xabcd)
	replies := []fake.Reply{{Frame: &unlockAck}}
	badAck := ppm.Frame{Tag: ppm.TagPage, Words: []uint16{0xffff}}
	for range 5 {
		ack := badAck
		replies = append(replies, fake.Reply{Frame: &ack})
	}
	resetAck := sessionAck(0x45, 0, 0, false)
	replies = append(replies, fake.Reply{Frame: &resetAck})
	b, be := newBootloaderTest(t, replies...)

	hex := hexImage(t, ":04000000DEADBEEFC4\n:00000001FF\n")
	_, err := b.DoAction(context.Background(), Options{
		ManualPower: true, BitrateBps: 100_000,
		Memory: Flash, Action: Program, Hex: hex,
	})
	var code ErrorCode
	require.ErrorAs(t, err, &code)
	require.Equal(t, CodeProgrammingFailed, code)

	frames := decodedTX(t, be, 100_000)
	var pages int
	for _, f := range frames {
		if f.Tag == ppm.TagPage {
			pages++
		}
	}
	require.Equal(t, 5, pages, "one transmit per retry of the single failing page")
	require.Len(t, sessionFramesByID(frames, 0x45), 1, "exactly one chip reset per DoAction")
}

func TestEepromSparseImageProgramsTwoRuns(t *testing.T) {
	// HEX covers pages 0 and 3 of the 8-byte-paged EEPROM region, so
	// the run scan must flush exactly two one-page sessions with page
	// offsets 0 and 3.
	const page = 8
	hex := hexImage(t,
		":080000000102030405060708D4\n"+
			":08001800090A0B0C0D0E0F107C\n"+
			":00000001FF\n")

	ackFor := func(start uint32) ppm.Frame {
		buf := make([]byte, page)
		hex.Fill(start, buf)
		csum := crcs.PageChecksum(slicePageWords(bytesToWordsLE(buf), session.EepromPageWords))
		return ppm.Frame{Tag: ppm.TagPage, Words: []uint16{uint16(csum)}}
	}
	unlockAck := sessionAck(0x44, 0, 0, true, 0x8374, 0xabcd)
	page0Ack := ackFor(0)
	sess0Ack := sessionAck(0x06, session.EepromPageWords, 1, false)
	page3Ack := ackFor(3 * page)
	sess3Ack := sessionAck(0x06, session.EepromPageWords, 1, false)
	resetAck := sessionAck(0x45, 0, 0, false)
	b, be := newBootloaderTest(t,
		fake.Reply{Frame: &unlockAck},
		fake.Reply{Frame: &page0Ack}, fake.Reply{Frame: &sess0Ack},
		fake.Reply{Frame: &page3Ack}, fake.Reply{Frame: &sess3Ack},
		fake.Reply{Frame: &resetAck},
	)

	report, err := b.DoAction(context.Background(), Options{
		ManualPower: true, BitrateBps: 100_000,
		Memory: Nvram, Action: Program, Hex: hex,
	})
	require.NoError(t, err)
	require.Equal(t, 2*page, report.BytesProcessed)

	progs := sessionFramesByID(decodedTX(t, be, 100_000), 0x06)
	require.Len(t, progs, 2, "one session per contiguous run")
	require.Equal(t, uint16(0), progs[0].Words[2], "first run starts at page offset 0")
	require.Equal(t, uint16(3), progs[1].Words[2], "second run starts at page offset 3")
	require.Equal(t, uint16(1), progs[0].Words[1], "first run is one page")
	require.Equal(t, uint16(1), progs[1].Words[1], "second run is one page")
}

// slicePageWords pads words out to one session page, the shape the
// engine checksums.
func slicePageWords(words []uint16, pageWords int) []uint16 {
	page := make([]uint16, pageWords)
	copy(page, words)
	return page
}
