package trace

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"ppmflash.dev/ppm"
)

func TestCreateWritesDecodableEvents(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r, err := Create(dir, now)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	r.Trace("tx", ppm.Frame{Tag: ppm.TagSession, Words: []uint16{1, 2, 3, 4}})
	r.Trace("rx", ppm.Frame{Tag: ppm.TagPage, Words: []uint16{5}})
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "ppmflash-*.trace"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("glob = %v, %v, want exactly one trace file", matches, err)
	}

	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	dec := cbor.NewDecoder(bytes.NewReader(data))
	var events []Event
	for {
		var e Event
		if err := dec.Decode(&e); err != nil {
			break
		}
		events = append(events, e)
	}
	if len(events) != 2 {
		t.Fatalf("decoded %d events, want 2", len(events))
	}
	if events[0].Direction != "tx" || events[0].Tag != "session" {
		t.Fatalf("event 0 = %+v", events[0])
	}
	if events[1].Direction != "rx" || events[1].Tag != "page" {
		t.Fatalf("event 1 = %+v", events[1])
	}
}

func TestNilRecorderTraceIsNoop(t *testing.T) {
	var r *Recorder
	r.Trace("tx", ppm.Frame{Tag: ppm.TagSession})
	if err := r.Close(); err != nil {
		t.Fatalf("close of nil recorder: %v", err)
	}
}
