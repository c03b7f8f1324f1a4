package testutil

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/anthropics/edl-go/pkg/transport"
)

// condBuffer is a byte buffer guarded by a condition variable, used for both
// halves of FakeSaharaPort's loopback: the host's RX buffer and the
// simulated device's RX buffer are both one of these. It is the same
// accumulate-and-signal shape as transport.SerialPort's rx buffer, just
// driven by an in-process writer instead of a pump goroutine reading real
// hardware.
type condBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

func newCondBuffer() *condBuffer {
	cb := &condBuffer{}
	cb.cond = sync.NewCond(&cb.mu)
	return cb
}

func (cb *condBuffer) write(p []byte) {
	cb.mu.Lock()
	cb.buf.Write(p)
	cb.cond.Broadcast()
	cb.mu.Unlock()
}

func (cb *condBuffer) close() {
	cb.mu.Lock()
	cb.closed = true
	cb.cond.Broadcast()
	cb.mu.Unlock()
}

func (cb *condBuffer) readExact(ctx context.Context, out []byte) error {
	need := len(out)
	if need == 0 {
		return nil
	}

	waitDone := make(chan struct{})
	defer close(waitDone)
	go func() {
		select {
		case <-ctx.Done():
			cb.mu.Lock()
			cb.cond.Broadcast()
			cb.mu.Unlock()
		case <-waitDone:
		}
	}()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	got := 0
	for got < need {
		for cb.buf.Len() == 0 && !cb.closed && ctx.Err() == nil {
			cb.cond.Wait()
		}
		if ctx.Err() != nil {
			if got == 0 {
				return ctx.Err()
			}
			return transport.ErrTimeout
		}
		if cb.closed && cb.buf.Len() == 0 {
			return transport.ErrClosed
		}
		n, _ := cb.buf.Read(out[got:need])
		got += n
	}
	return nil
}

func (cb *condBuffer) readAvailable(out []byte) int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	n, _ := cb.buf.Read(out)
	return n
}

func (cb *condBuffer) len() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.buf.Len()
}

func (cb *condBuffer) reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.buf.Reset()
}

// FakeSaharaPort is a transport.Port whose other end is driven by an
// in-process goroutine that speaks the device side of the Sahara handshake
// (and, once switched via SwitchToFirehose, raw bytes handed to a supplied
// responder func). It lets pkg/sahara and pkg/firehose be tested without a
// real EDL device or loader, using byte-accurate protocol scripting
// since Sahara/Firehose correctness hinges on exact framing
// rather than call-level state.
type FakeSaharaPort struct {
	toDevice *condBuffer // host Write() -> device goroutine
	toHost   *condBuffer // device goroutine -> host ReadExact()

	mu     sync.Mutex
	closed bool

	deviceErr error
	doneCh    chan struct{}
}

// NewFakeSaharaPort starts a device-side goroutine running script against a
// freshly constructed port and returns the host-facing Port.
func NewFakeSaharaPort(script *SaharaScript) *FakeSaharaPort {
	p := &FakeSaharaPort{
		toDevice: newCondBuffer(),
		toHost:   newCondBuffer(),
		doneCh:   make(chan struct{}),
	}
	go func() {
		defer close(p.doneCh)
		p.deviceErr = script.run(context.Background(), &devSide{p: p})
	}()
	return p
}

// Write implements transport.Port.
func (p *FakeSaharaPort) Write(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	p.toDevice.write(data)
	return nil
}

// ReadExact implements transport.Port.
func (p *FakeSaharaPort) ReadExact(ctx context.Context, buf []byte) error {
	return p.toHost.readExact(ctx, buf)
}

// ReadAvailable implements transport.Port.
func (p *FakeSaharaPort) ReadAvailable(buf []byte) int {
	return p.toHost.readAvailable(buf)
}

// BytesToRead implements transport.Port.
func (p *FakeSaharaPort) BytesToRead() int {
	return p.toHost.len()
}

// DiscardIn implements transport.Port.
func (p *FakeSaharaPort) DiscardIn() {
	p.toHost.reset()
}

// DiscardOut implements transport.Port.
func (p *FakeSaharaPort) DiscardOut() {
	p.toDevice.reset()
}

// Close implements transport.Port.
func (p *FakeSaharaPort) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.toDevice.close()
	p.toHost.close()
	return nil
}

// DeviceErr blocks until the simulated device side has finished (the
// script returned or the port was closed) and reports its result. Tests
// use it to assert the device side observed the handshake it expected.
func (p *FakeSaharaPort) DeviceErr() error {
	<-p.doneCh
	return p.deviceErr
}

// SwitchToFirehose waits for the Sahara script goroutine to finish, then
// starts a second device-side goroutine speaking Firehose over the same
// loopback buffers, modeling a real EDL device transitioning from the
// Sahara loader handshake straight into Firehose on one Transport (spec
// §2 item 6). A test calling this must have scripted the SaharaScript to
// end in DoneResponse, not a failure status.
func (p *FakeSaharaPort) SwitchToFirehose(responder FirehoseResponder) {
	go func() {
		<-p.doneCh
		_ = responder(context.Background(), &FirehoseDevSide{p: &FakeFirehosePort{toDevice: p.toDevice, toHost: p.toHost}})
	}()
}

// devSide is the device-facing half of the loopback, passed to SaharaScript
// so it reads what the host wrote and writes what the host will read.
type devSide struct {
	p *FakeSaharaPort
}

func (d *devSide) readExact(ctx context.Context, buf []byte) error {
	return d.p.toDevice.readExact(ctx, buf)
}

func (d *devSide) write(data []byte) {
	d.p.toHost.write(data)
}

// errf is a tiny formatting helper so script steps can return descriptive
// protocol errors without importing fmt everywhere that calls them.
func errf(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}
