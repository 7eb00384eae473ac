// Package trace records a PPM session's wire traffic to a CBOR file
// for offline debugging of failed programming runs.
package trace

import (
	"fmt"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/lestrrat-go/strftime"

	"ppmflash.dev/ppm"
)

// Event is one transmitted or received frame, timestamped relative to
// the recorder's creation.
type Event struct {
	_         struct{} `cbor:",toarray"`
	OffsetMS  int64
	Direction string // "tx" or "rx"
	Tag       string
	Words     []uint16
}

// Recorder appends Events to an open file as they occur. It satisfies
// session.Tracer.
type Recorder struct {
	f     *os.File
	enc   *cbor.Encoder
	start time.Time
}

// filenamePattern is a strftime pattern, expanded against the
// recorder's creation time.
const filenamePattern = "ppmflash-%Y%m%dT%H%M%S.trace"

// Create opens a new trace file under dir, named from the current
// time via filenamePattern, and returns a Recorder writing to it.
func Create(dir string, now time.Time) (*Recorder, error) {
	name, err := strftime.Format(filenamePattern, now)
	if err != nil {
		return nil, fmt.Errorf("trace: format filename pattern: %w", err)
	}
	path := name
	if dir != "" {
		path = dir + string(os.PathSeparator) + name
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("trace: create %s: %w", path, err)
	}
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("trace: encoder options: %w", err)
	}
	return &Recorder{f: f, enc: mode.NewEncoder(f), start: now}, nil
}

// Trace appends one frame observation. Encoding errors are swallowed:
// a broken trace stream must never fail or slow down the session it
// is observing.
func (r *Recorder) Trace(dir string, frame ppm.Frame) {
	if r == nil {
		return
	}
	_ = r.enc.Encode(Event{
		OffsetMS:  time.Since(r.start).Milliseconds(),
		Direction: dir,
		Tag:       frame.Tag.String(),
		Words:     frame.Words,
	})
}

// Close flushes and closes the underlying file.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	return r.f.Close()
}
