package transport

import (
	"bytes"
	"context"
	"sync"
)

// loopbackPort is a minimal in-memory Port double used only by this
// package's own tests (the shared, protocol-aware fake used by the rest of
// the module is testutil.FakeSaharaPort / testutil.FakeFirehosePort).
type loopbackPort struct {
	mu     sync.Mutex
	cond   *sync.Cond
	rx     bytes.Buffer
	tx     bytes.Buffer
	closed bool
}

func newLoopbackPort() *loopbackPort {
	p := &loopbackPort{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *loopbackPort) feed(data []byte) {
	p.mu.Lock()
	p.rx.Write(data)
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *loopbackPort) sent() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.tx.Bytes()...)
}

func (p *loopbackPort) Write(ctx context.Context, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tx.Write(data)
	return nil
}

func (p *loopbackPort) ReadExact(ctx context.Context, buf []byte) error {
	waitDone := make(chan struct{})
	defer close(waitDone)
	go func() {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		case <-waitDone:
		}
	}()

	p.mu.Lock()
	defer p.mu.Unlock()
	got := 0
	for got < len(buf) {
		for p.rx.Len() == 0 && !p.closed && ctx.Err() == nil {
			p.cond.Wait()
		}
		if ctx.Err() != nil {
			if got == 0 {
				return ctx.Err()
			}
			return ErrTimeout
		}
		if p.closed && p.rx.Len() == 0 {
			return ErrClosed
		}
		n, _ := p.rx.Read(buf[got:])
		got += n
	}
	return nil
}

func (p *loopbackPort) ReadAvailable(buf []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, _ := p.rx.Read(buf)
	return n
}

func (p *loopbackPort) BytesToRead() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rx.Len()
}

func (p *loopbackPort) DiscardIn() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx.Reset()
}

func (p *loopbackPort) DiscardOut() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tx.Reset()
}

func (p *loopbackPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}

var _ Port = (*loopbackPort)(nil)
