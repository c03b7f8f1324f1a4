package transport

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// pumpReadSize is the chunk size the background pump reads from the
// underlying port into the RX buffer.
const pumpReadSize = 64 * 1024

// SerialPort is a Port backed by a USB CDC-ACM COM port, via
// github.com/tarm/serial. A background goroutine continuously drains the
// OS-level serial buffer into an in-process RX buffer so BytesToRead and
// ReadAvailable can be answered without blocking — tarm/serial exposes no
// ioctl-level queue-depth query, so this is the portable equivalent.
type SerialPort struct {
	port *serial.Port

	mu      sync.Mutex
	cond    *sync.Cond
	rx      bytes.Buffer
	closed  bool
	pumpErr error
}

// Open opens path as an EDL serial transport at the given baud rate. EDL
// bridges typically run at a nominal rate; the physical link is USB CDC-ACM
// so the baud value is mostly advisory to the host stack.
func Open(path string, baud int) (*SerialPort, error) {
	cfg := &serial.Config{
		Name:        path,
		Baud:        baud,
		ReadTimeout: 50 * time.Millisecond,
	}
	port, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", path, err)
	}

	sp := &SerialPort{port: port}
	sp.cond = sync.NewCond(&sp.mu)
	go sp.pump()
	return sp, nil
}

// pump repeatedly reads from the underlying port and appends to rx. It
// exits once the port is closed.
func (sp *SerialPort) pump() {
	buf := make([]byte, pumpReadSize)
	for {
		n, err := sp.port.Read(buf)

		sp.mu.Lock()
		if n > 0 {
			sp.rx.Write(buf[:n])
		}
		if err != nil {
			sp.pumpErr = err
		}
		closed := sp.closed
		sp.cond.Broadcast()
		sp.mu.Unlock()

		if closed {
			return
		}
	}
}

// Write implements Port.
func (sp *SerialPort) Write(ctx context.Context, data []byte) error {
	type result struct{ err error }
	done := make(chan result, 1)

	go func() {
		_, err := sp.port.Write(data)
		done <- result{err}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("transport: write: %w", r.err)
		}
		return nil
	}
}

// ReadExact implements Port.
func (sp *SerialPort) ReadExact(ctx context.Context, buf []byte) error {
	need := len(buf)
	if need == 0 {
		return nil
	}

	waitDone := make(chan struct{})
	defer close(waitDone)
	go func() {
		select {
		case <-ctx.Done():
			sp.mu.Lock()
			sp.cond.Broadcast()
			sp.mu.Unlock()
		case <-waitDone:
		}
	}()

	sp.mu.Lock()
	defer sp.mu.Unlock()

	got := 0
	for got < need {
		for sp.rx.Len() == 0 && !sp.closed && ctx.Err() == nil {
			sp.cond.Wait()
		}
		if ctx.Err() != nil {
			if got == 0 {
				return ctx.Err()
			}
			return ErrTimeout
		}
		if sp.closed && sp.rx.Len() == 0 {
			return ErrClosed
		}

		n, _ := sp.rx.Read(buf[got:need])
		got += n
	}
	return nil
}

// ReadAvailable implements Port.
func (sp *SerialPort) ReadAvailable(buf []byte) int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	n, _ := sp.rx.Read(buf)
	return n
}

// BytesToRead implements Port.
func (sp *SerialPort) BytesToRead() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.rx.Len()
}

// DiscardIn implements Port.
func (sp *SerialPort) DiscardIn() {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.rx.Reset()
}

// DiscardOut implements Port.
func (sp *SerialPort) DiscardOut() {
	// tarm/serial has no selective TX-only flush; Flush() drops both OS
	// buffers. The RX side is re-fed by the pump goroutine immediately
	// after, so the net effect on the read side is a brief, harmless gap.
	_ = sp.port.Flush()
}

// Close implements Port.
func (sp *SerialPort) Close() error {
	sp.mu.Lock()
	if sp.closed {
		sp.mu.Unlock()
		return nil
	}
	sp.closed = true
	sp.cond.Broadcast()
	sp.mu.Unlock()

	return sp.port.Close()
}
