package pd

import "errors"

var (
	// ErrParam is returned for nil or out-of-range caller input.
	ErrParam = errors.New("invalid parameter")

	// ErrMem is returned on allocation failure or when the per-source
	// sequence list is full.
	ErrMem = errors.New("out of resources")

	// ErrWire is returned for a malformed header (size, version or type).
	ErrWire = errors.New("malformed frame")

	// ErrCrc is returned when the header frame check sum does not match.
	ErrCrc = errors.New("header checksum mismatch")

	// ErrTopo is returned when topology counters disagree.
	ErrTopo = errors.New("topology counter mismatch")

	// ErrNoSub is returned for a valid frame with no matching subscriber.
	ErrNoSub = errors.New("no matching subscription")

	// ErrNoData is returned by Get before any valid data was published
	// or received.
	ErrNoData = errors.New("no valid data")

	// ErrTimeout is returned for a subscriber whose watchdog expired.
	ErrTimeout = errors.New("subscription timed out")

	// ErrIo is returned when the transport failed to send a frame.
	ErrIo = errors.New("transport send failure")

	// ErrBlock signals a drained nonblocking socket.
	ErrBlock = errors.New("would block")
)
