// Package tuntest provides an in-memory tun.Device for tests.
package tuntest

import (
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// FakeDevice is an instrumented in-memory packet device. Packets queued with
// Inject are returned by Read one at a time; packets passed to Write are
// recorded. Overlapping Read or Write calls are counted as violations.
type FakeDevice struct {
	name string

	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	// Hold, when non-zero, keeps each Read and Write in flight for that long
	// so overlapping calls become observable.
	Hold time.Duration

	readsInFlight  atomic.Int32
	writesInFlight atomic.Int32
	readOverlaps   atomic.Int32
	writeOverlaps  atomic.Int32
	closeCalls     atomic.Int32

	mu      sync.Mutex
	written [][]byte
	writeCh chan []byte
	readErr []error
}

// NewFakeDevice returns an open fake device.
func NewFakeDevice(name string) *FakeDevice {
	return &FakeDevice{
		name:    name,
		inbound: make(chan []byte, 1024),
		closed:  make(chan struct{}),
		writeCh: make(chan []byte, 1024),
	}
}

// Name implements tun.Device.
func (d *FakeDevice) Name() string { return d.name }

// Inject queues a packet for the next Read.
func (d *FakeDevice) Inject(pkt []byte) {
	d.inbound <- append([]byte(nil), pkt...)
}

// FailNextReads makes the next Read calls return errs in order.
func (d *FakeDevice) FailNextReads(errs ...error) {
	d.mu.Lock()
	d.readErr = append(d.readErr, errs...)
	d.mu.Unlock()
}

// Read implements io.Reader. It blocks until a packet is injected or the
// device is closed.
func (d *FakeDevice) Read(p []byte) (int, error) {
	if d.readsInFlight.Add(1) > 1 {
		d.readOverlaps.Add(1)
	}
	defer d.readsInFlight.Add(-1)

	d.mu.Lock()
	if len(d.readErr) > 0 {
		err := d.readErr[0]
		d.readErr = d.readErr[1:]
		d.mu.Unlock()
		return 0, err
	}
	d.mu.Unlock()

	d.hold()

	select {
	case pkt := <-d.inbound:
		return copy(p, pkt), nil
	case <-d.closed:
		return 0, os.ErrClosed
	}
}

// Write implements io.Writer and records a copy of p.
func (d *FakeDevice) Write(p []byte) (int, error) {
	if d.writesInFlight.Add(1) > 1 {
		d.writeOverlaps.Add(1)
	}
	defer d.writesInFlight.Add(-1)

	select {
	case <-d.closed:
		return 0, os.ErrClosed
	default:
	}

	d.hold()

	pkt := append([]byte(nil), p...)
	d.mu.Lock()
	d.written = append(d.written, pkt)
	d.mu.Unlock()

	select {
	case d.writeCh <- pkt:
	default:
	}
	return len(p), nil
}

// Close implements io.Closer.
func (d *FakeDevice) Close() error {
	d.closeCalls.Add(1)
	d.once.Do(func() { close(d.closed) })
	return nil
}

// Written returns every packet written so far.
func (d *FakeDevice) Written() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.written))
	copy(out, d.written)
	return out
}

// WaitWrite returns the next written packet or an error after timeout.
func (d *FakeDevice) WaitWrite(timeout time.Duration) ([]byte, error) {
	select {
	case pkt := <-d.writeCh:
		return pkt, nil
	case <-time.After(timeout):
		return nil, errors.New("timed out waiting for device write")
	}
}

// ReadOverlaps is the number of Read calls that started while another Read
// was in flight.
func (d *FakeDevice) ReadOverlaps() int { return int(d.readOverlaps.Load()) }

// WriteOverlaps is the number of Write calls that started while another
// Write was in flight.
func (d *FakeDevice) WriteOverlaps() int { return int(d.writeOverlaps.Load()) }

// CloseCalls is the number of times Close was called.
func (d *FakeDevice) CloseCalls() int { return int(d.closeCalls.Load()) }

func (d *FakeDevice) hold() {
	if d.Hold > 0 {
		time.Sleep(d.Hold)
	}
}

var _ io.ReadWriteCloser = (*FakeDevice)(nil)
