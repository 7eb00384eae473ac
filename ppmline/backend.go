package ppmline

import "context"

// Backend is the hardware (or simulated) half of the PPM line,
// collapsed into Go's blocking-call idiom: Transmit covers
// start-transmit plus await-completion; Receive covers arming the
// receiver plus its completion, returning once a frame is captured
// or the receive window times out (isLast=true).
//
// Receive must return promptly once ctx is done — Line cancels an
// in-flight receive to switch the line to transmit, and relies on
// Receive unblocking quickly so the half-duplex turnaround stays
// bounded.
type Backend interface {
	ConfigureTX(resolutionHz uint32, invert, openDrainShared bool) error
	ConfigureRX(resolutionHz uint32, invert bool) error

	// Transmit drives widthsNS (pulse total-times, in nanoseconds) on
	// the wire, repeat times (repeat=0 behaves as repeat=1).
	Transmit(ctx context.Context, widthsNS []int64, repeat int) error

	// Receive arms the receiver with buf as scratch space and blocks
	// until either buf is filled, the line falls silent for longer
	// than maxNS (a timeout, isLast=true), or ctx is done. n is the
	// number of pulse total-times (in nanoseconds) written into buf.
	// Pulses shorter than minNS or longer than maxNS are still
	// reported; band-checking is the codec's job, not the backend's.
	Receive(ctx context.Context, buf []int64, minNS, maxNS int64) (n int, isLast bool, err error)
}
