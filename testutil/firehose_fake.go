package testutil

import (
	"context"
	"sync"

	"github.com/anthropics/edl-go/pkg/transport"
)

// FakeFirehosePort is a transport.Port whose other end is driven by an
// in-process goroutine speaking the device side of the Firehose XML/raw-
// mode protocol, scripted by a FirehoseResponder. It reuses the same
// condBuffer loopback shape as FakeSaharaPort since both sides of a real
// EDL connection share one Transport.
type FakeFirehosePort struct {
	toDevice *condBuffer
	toHost   *condBuffer

	mu     sync.Mutex
	closed bool

	deviceErr error
	doneCh    chan struct{}
}

// FirehoseDevSide is the device-facing half of the loopback passed to a
// FirehoseResponder: it reads whatever the host writes and writes whatever
// the host will read next.
type FirehoseDevSide struct {
	p *FakeFirehosePort
}

// ReadSome blocks until at least one byte is available from the host and
// returns everything buffered so far (used by responders to accumulate and
// pattern-match an XML command the way a real loader's parser would).
func (d *FirehoseDevSide) ReadSome(ctx context.Context) ([]byte, error) {
	buf := make([]byte, 1)
	if err := d.p.toDevice.readExact(ctx, buf); err != nil {
		return nil, err
	}
	extra := make([]byte, 65536)
	n := d.p.toDevice.readAvailable(extra)
	return append(buf, extra[:n]...), nil
}

// ReadExact reads exactly len(buf) bytes written by the host (used once a
// responder knows precisely how many raw payload bytes to expect).
func (d *FirehoseDevSide) ReadExact(ctx context.Context, buf []byte) error {
	return d.p.toDevice.readExact(ctx, buf)
}

// Write sends bytes to the host.
func (d *FirehoseDevSide) Write(data []byte) {
	d.p.toHost.write(data)
}

// FirehoseResponder is the device-side script for a FakeFirehosePort.
type FirehoseResponder func(ctx context.Context, d *FirehoseDevSide) error

// NewFakeFirehosePort starts a device-side goroutine running responder
// against a freshly constructed port and returns the host-facing Port.
func NewFakeFirehosePort(responder FirehoseResponder) *FakeFirehosePort {
	p := &FakeFirehosePort{
		toDevice: newCondBuffer(),
		toHost:   newCondBuffer(),
		doneCh:   make(chan struct{}),
	}
	go func() {
		defer close(p.doneCh)
		p.deviceErr = responder(context.Background(), &FirehoseDevSide{p: p})
	}()
	return p
}

// Write implements transport.Port.
func (p *FakeFirehosePort) Write(ctx context.Context, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	p.toDevice.write(data)
	return nil
}

// ReadExact implements transport.Port.
func (p *FakeFirehosePort) ReadExact(ctx context.Context, buf []byte) error {
	return p.toHost.readExact(ctx, buf)
}

// ReadAvailable implements transport.Port.
func (p *FakeFirehosePort) ReadAvailable(buf []byte) int {
	return p.toHost.readAvailable(buf)
}

// BytesToRead implements transport.Port.
func (p *FakeFirehosePort) BytesToRead() int {
	return p.toHost.len()
}

// DiscardIn implements transport.Port.
func (p *FakeFirehosePort) DiscardIn() {
	p.toHost.reset()
}

// DiscardOut implements transport.Port.
func (p *FakeFirehosePort) DiscardOut() {
	p.toDevice.reset()
}

// Close implements transport.Port.
func (p *FakeFirehosePort) Close() error {
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

// DeviceErr blocks until the simulated device side has finished and
// reports its result.
func (p *FakeFirehosePort) DeviceErr() error {
	<-p.doneCh
	return p.deviceErr
}

var _ transport.Port = (*FakeFirehosePort)(nil)
