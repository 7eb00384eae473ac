package ppm

import (
	"testing"

	"pgregory.net/rapid"
)

func TestSymbolValues(t *testing.T) {
	want := []Tick{18, 24, 30, 36}
	for v, total := range want {
		got := (total - symbolBase) / BitDistance
		if got != Tick(v) {
			t.Errorf("value %d: got total-derived value %d", v, got)
		}
	}
}

func TestLeadClassification(t *testing.T) {
	cases := []struct {
		d    Tick
		want Tag
	}{
		{45, TagSession},
		{48, TagSession},
		{51, TagSession},
		{51 + 3, TagPage}, // 54
		{57, TagPage},
		{60, TagUnknown},
	}
	for _, c := range cases {
		if got := classifyLead(c.d); got != c.want {
			t.Errorf("classifyLead(%d) = %v, want %v", c.d, got, c.want)
		}
	}
}

func TestDecodeFramingError(t *testing.T) {
	_, err := Decode([]Tick{60, 18, 18, 18, 18})
	if err != ErrDecodeFraming {
		t.Fatalf("got %v, want ErrDecodeFraming", err)
	}
}

func TestDecodeTimingError(t *testing.T) {
	_, err := Decode([]Tick{SessionPulse, 18, 18, 18, 200})
	if err != ErrDecodeTiming {
		t.Fatalf("got %v, want ErrDecodeTiming", err)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 2, 3, 4, 8, 64, 258} {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i*37 + 11)
		}
		for _, tag := range []Tag{TagSession, TagPage} {
			pulses, err := Encode(tag, payload)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			// Strip leading pulse and trailing low, as the line
			// driver would before handing symbols to Decode.
			symbols := pulses[1 : len(pulses)-1]
			frame, err := Decode(append([]Tick{pulses[0]}, symbols...))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if frame.Tag != tag {
				t.Fatalf("tag = %v, want %v", frame.Tag, tag)
			}
			got := WordsToBytes(frame.Words)
			want := payload
			if len(want)%2 == 1 {
				// Trailing byte is left-aligned with a zero pad;
				// bytesToWords always emits full words.
				want = append(append([]byte{}, want...), 0)
			}
			if string(got) != string(want) {
				t.Fatalf("round trip mismatch for n=%d: got %x want %x", n, got, want)
			}
		}
	}
}

func TestEncodeDecodeInverseProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 258).Draw(rt, "n")
		payload := rapid.SliceOfN(rapid.Byte(), n, n).Draw(rt, "payload")
		tag := TagSession
		if rapid.Bool().Draw(rt, "page") {
			tag = TagPage
		}
		pulses, err := Encode(tag, payload)
		if err != nil {
			rt.Fatalf("encode: %v", err)
		}
		symbols := pulses[1 : len(pulses)-1]
		frame, err := Decode(append([]Tick{pulses[0]}, symbols...))
		if err != nil {
			rt.Fatalf("decode: %v", err)
		}
		got := WordsToBytes(frame.Words)
		want := payload
		if len(want)%2 == 1 {
			want = append(append([]byte{}, want...), 0)
		}
		if string(got) != string(want) {
			rt.Fatalf("round trip mismatch: got %x want %x", got, want)
		}
	})
}

// TestBitrateWindowContainsMeanPulse checks that at any bitrate the
// real nanosecond duration of the mean symbol (27
// logical ticks, 6.75µs of logical time, scaled by the bitrate's
// resolution_hz) falls strictly inside [rx_min_ns, rx_max_ns].
func TestBitrateWindowContainsMeanPulse(t *testing.T) {
	for _, bps := range []uint32{1, 100, 9600, 115200, 1_000_000} {
		resHz, minNS, maxNS, err := BitrateConfig(bps)
		if err != nil {
			t.Fatalf("bitrate %d: %v", bps, err)
		}
		const meanTicks = 27 // mean of {18,24,30,36}, i.e. 6.75µs nominal.
		meanNS := int64(1e9 * meanTicks / float64(resHz))
		if !(minNS < meanNS && meanNS < maxNS) {
			t.Fatalf("bitrate %d: mean %dns not strictly inside [%d,%d]", bps, meanNS, minNS, maxNS)
		}
	}
}

func TestBitrateWindowPropertyHolds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		bps := uint32(rapid.IntRange(1, MaxBitrateBps).Draw(rt, "bps"))
		resHz, minNS, maxNS, err := BitrateConfig(bps)
		if err != nil {
			rt.Fatalf("bitrate %d: %v", bps, err)
		}
		const meanTicks = 27
		meanNS := int64(1e9 * meanTicks / float64(resHz))
		if !(minNS < meanNS && meanNS < maxNS) {
			rt.Fatalf("bitrate %d: mean %dns not strictly inside [%d,%d]", bps, meanNS, minNS, maxNS)
		}
	})
}

func TestBitrateZeroRejected(t *testing.T) {
	if _, _, _, err := BitrateConfig(0); err != ErrInvalidArg {
		t.Fatalf("got %v, want ErrInvalidArg", err)
	}
}

func TestPagePayloadBoundary(t *testing.T) {
	// Header word plus 128 data words is the largest legal Page
	// frame; one more word is a caller error.
	ok := make([]byte, 2*(1+128))
	if _, err := Encode(TagPage, ok); err != nil {
		t.Fatalf("128-word page rejected: %v", err)
	}
	tooBig := make([]byte, 2*(1+129))
	if _, err := Encode(TagPage, tooBig); err != ErrInvalidArg {
		t.Fatalf("129-word page: got %v, want ErrInvalidArg", err)
	}
}
