// Package tun owns the virtual network interface shared by every relay
// stream of the server.
package tun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/xeonvpn/internal/util"
)

var (
	// ErrDeviceIO wraps a read or write failure against the interface.
	ErrDeviceIO = errors.New("interface i/o error")

	// ErrClosed is returned once the last reference has been released or the
	// device stopped delivering packets.
	ErrClosed = errors.New("shared device closed")
)

// readRetryDelay throttles the reader after a failed read so a persistent
// error does not turn into a hot loop.
const readRetryDelay = 50 * time.Millisecond

// Device is the OS-level packet interface: one Read or Write moves exactly
// one IP packet.
type Device interface {
	io.ReadWriteCloser
	Name() string
}

// SharedDevice multiplexes a single Device across every relay stream of every
// session.
//
// Writes are serialized by writeMu. All reads happen on one reader goroutine
// under readMu, and each packet read is handed to exactly one waiting
// ReadPacket caller. Packets are not attributed to sessions: whichever relay
// stream is waiting receives the next packet.
//
// The handle is reference counted; the underlying device is closed when the
// last reference is released.
type SharedDevice struct {
	dev     Device
	bufSize int

	readMu  sync.Mutex
	writeMu sync.Mutex

	refs      atomic.Int64
	startOnce sync.Once
	closeOnce sync.Once

	packets chan []byte
	done    chan struct{} // closed on final Release
	stopped chan struct{} // closed when the reader goroutine exits
}

// NewShared wraps dev. The caller owns the first reference.
func NewShared(dev Device, bufSize int) *SharedDevice {
	d := &SharedDevice{
		dev:     dev,
		bufSize: bufSize,
		packets: make(chan []byte),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	d.refs.Store(1)
	return d
}

// Name returns the interface name.
func (d *SharedDevice) Name() string {
	return d.dev.Name()
}

// Retain adds a reference and returns d for chaining.
func (d *SharedDevice) Retain() *SharedDevice {
	d.refs.Add(1)
	return d
}

// Release drops a reference. The last release closes the device and returns
// its Close error.
func (d *SharedDevice) Release() error {
	if d.refs.Add(-1) > 0 {
		return nil
	}

	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		err = d.dev.Close()
		util.LogDebug("[%s] shared device closed", d.dev.Name())
	})
	return err
}

// Done is closed once the last reference has been released.
func (d *SharedDevice) Done() <-chan struct{} {
	return d.done
}

// WritePacket injects one packet into the interface.
func (d *SharedDevice) WritePacket(pkt []byte) error {
	select {
	case <-d.done:
		return ErrClosed
	default:
	}

	d.writeMu.Lock()
	n, err := d.dev.Write(pkt)
	d.writeMu.Unlock()

	if err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrDeviceIO, d.dev.Name(), err)
	}
	if n != len(pkt) {
		return fmt.Errorf("%w: short write on %s: %d of %d bytes", ErrDeviceIO, d.dev.Name(), n, len(pkt))
	}
	return nil
}

// ReadPacket blocks until the interface yields a packet, ctx is done or the
// device is closed. The reader goroutine is started on first use. A caller
// whose ctx is done never takes a packet away from the other waiters.
func (d *SharedDevice) ReadPacket(ctx context.Context) ([]byte, error) {
	d.startOnce.Do(func() { go d.readLoop() })

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case pkt := <-d.packets:
		if err := ctx.Err(); err != nil {
			// Lost the race with cancellation; pass the packet on.
			go d.handBack(pkt)
			return nil, err
		}
		return pkt, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.stopped:
		return nil, ErrClosed
	}
}

// handBack offers pkt to the next ReadPacket caller.
func (d *SharedDevice) handBack(pkt []byte) {
	select {
	case d.packets <- pkt:
	case <-d.done:
	}
}

// readLoop is the only caller of dev.Read. Read errors are logged and
// retried; empty reads are skipped. It exits when the device is released or
// reports that it has been closed.
func (d *SharedDevice) readLoop() {
	defer close(d.stopped)

	buf := make([]byte, d.bufSize)
	for {
		d.readMu.Lock()
		n, err := d.dev.Read(buf)
		d.readMu.Unlock()

		if err != nil {
			if d.isDone() || errors.Is(err, os.ErrClosed) || errors.Is(err, io.EOF) {
				return
			}
			util.LogWarning("[%s] read error (retrying): %v", d.dev.Name(), err)
			select {
			case <-time.After(readRetryDelay):
				continue
			case <-d.done:
				return
			}
		}
		if n == 0 {
			continue
		}

		pkt := make([]byte, n)
		copy(pkt, buf[:n])

		select {
		case d.packets <- pkt:
		case <-d.done:
			return
		}
	}
}

func (d *SharedDevice) isDone() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}
