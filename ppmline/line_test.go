package ppmline

import (
	"context"
	"testing"
	"time"

	"ppmflash.dev/ppm"
	"ppmflash.dev/ppmline/fake"
)

func TestLineTransmitThenReceive(t *testing.T) {
	reply := ppm.Frame{Tag: ppm.TagSession, Words: []uint16{0x4400, 0, 0, 0x4d32}}
	backend := fake.New(fake.Reply{Frame: &reply, Delay: 5 * time.Millisecond})
	l := New(backend)
	if err := l.Configure(9600, false, false); err != nil {
		t.Fatalf("configure: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)
	defer l.Stop()

	if err := l.TransmitFrame(context.Background(), ppm.TagSession, []byte{1, 2, 3, 4, 5, 6, 7, 8}, 1); err != nil {
		t.Fatalf("transmit: %v", err)
	}
	if len(backend.TXLog) != 1 {
		t.Fatalf("TXLog has %d entries, want 1", len(backend.TXLog))
	}

	f, ok := l.Queue().PopTimeout(200 * time.Millisecond)
	if !ok {
		t.Fatal("expected a reply frame")
	}
	if f.Tag != ppm.TagSession || len(f.Words) != 4 || f.Words[3] != 0x4d32 {
		t.Fatalf("got %+v", f)
	}
}

func TestLineReceiveTimesOutOnSilence(t *testing.T) {
	backend := fake.New() // no scripted replies: every Receive blocks for silence.
	l := New(backend)
	if err := l.Configure(9600, false, false); err != nil {
		t.Fatalf("configure: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)
	defer l.Stop()

	_, ok := l.Queue().PopTimeout(30 * time.Millisecond)
	if ok {
		t.Fatal("expected no reply on a silent bus")
	}
}
