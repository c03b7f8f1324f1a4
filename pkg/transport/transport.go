// Package transport defines the byte-oriented full-duplex pipe to an EDL
// device (spec §4.1) and its serial-port implementation. The Sahara and
// Firehose engines are written against the Port interface only; they never
// know whether bytes arrive over USB CDC-ACM, a Unix socket fake, or a
// test double.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by any operation performed after Close.
var ErrClosed = errors.New("transport: port is closed")

// ErrTimeout is returned when ctx is done after ReadExact has collected
// some, but not all, of the requested bytes.
var ErrTimeout = errors.New("transport: read timed out")

// Port is the full-duplex byte pipe contract every engine in this module
// is built against. All blocking calls observe ctx cancellation and
// return promptly once ctx is done — this is the "cooperative cancel
// token" required by spec §5; there is no preemptive cancellation.
type Port interface {
	// Write sends data in full, blocking until accepted by the driver or
	// ctx is done. It applies no framing.
	Write(ctx context.Context, data []byte) error

	// ReadExact blocks until exactly len(buf) bytes have been read into
	// buf or ctx is done. If ctx is done before any byte arrived it
	// returns ctx.Err(); if it is done after a partial read it returns
	// ErrTimeout. Once the port is closed and its buffered bytes are used
	// up it returns ErrClosed.
	ReadExact(ctx context.Context, buf []byte) error

	// ReadAvailable performs a non-blocking best-effort read into buf,
	// returning the number of bytes copied (which may be zero).
	ReadAvailable(buf []byte) int

	// BytesToRead reports a snapshot of the number of bytes already
	// buffered and ready to read without blocking.
	BytesToRead() int

	// DiscardIn drops any buffered, unread RX bytes.
	DiscardIn()

	// DiscardOut drops any buffered, unsent TX bytes still queued by the
	// underlying driver.
	DiscardOut()

	// Close releases the underlying device handle. Safe to call more than
	// once.
	Close() error
}
