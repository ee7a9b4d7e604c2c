// Package transporttest provides in-memory implementations of the transport
// interfaces for tests.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/1ureka/xeonvpn/internal/transport"
)

// StreamError is the error seen by the peer after CancelRead or CancelWrite.
type StreamError struct {
	Code   uint64
	Remote bool
}

func (e *StreamError) Error() string {
	side := "local"
	if e.Remote {
		side = "remote"
	}
	return fmt.Sprintf("stream canceled by %s with code %d", side, e.Code)
}

// PipeStream is one end of an in-memory bidirectional stream.
type PipeStream struct {
	id   int64
	r    *io.PipeReader
	w    *io.PipeWriter
	peer *PipeStream

	ctx    context.Context
	cancel context.CancelCauseFunc

	finished    atomic.Bool
	readCancel  atomic.Uint64 // code+1 once CancelRead was called
	writeCancel atomic.Uint64 // code+1 once CancelWrite was called
}

// NewStreamPair returns the two ends of a stream. Bytes written on one end
// are read on the other.
func NewStreamPair(id int64) (server, client *PipeStream) {
	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()

	server = &PipeStream{id: id, r: c2sR, w: s2cW}
	client = &PipeStream{id: id, r: s2cR, w: c2sW}
	server.peer, client.peer = client, server
	server.ctx, server.cancel = context.WithCancelCause(context.Background())
	client.ctx, client.cancel = context.WithCancelCause(context.Background())
	return server, client
}

func (s *PipeStream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *PipeStream) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *PipeStream) ID() int64                   { return s.id }
func (s *PipeStream) Context() context.Context    { return s.ctx }

// Finish closes the send half; the peer reads io.EOF.
func (s *PipeStream) Finish() error {
	s.finished.Store(true)
	s.cancel(nil)
	return s.w.Close()
}

// CancelRead stops reading; the peer's writes fail.
func (s *PipeStream) CancelRead(code uint64) {
	s.readCancel.CompareAndSwap(0, code+1)
	err := &StreamError{Code: code, Remote: true}
	s.r.CloseWithError(err)
	s.peer.cancel(err)
}

// CancelWrite resets the send half; the peer's reads fail.
func (s *PipeStream) CancelWrite(code uint64) {
	s.writeCancel.CompareAndSwap(0, code+1)
	s.w.CloseWithError(&StreamError{Code: code, Remote: true})
	s.cancel(&StreamError{Code: code})
}

// Close tears down both directions of this end, like a vanished connection.
func (s *PipeStream) Close() {
	err := errors.New("connection closed")
	s.r.CloseWithError(err)
	s.w.CloseWithError(err)
	s.cancel(err)
	s.peer.cancel(err)
}

// Finished reports whether Finish was called.
func (s *PipeStream) Finished() bool { return s.finished.Load() }

// ReadCanceled reports whether CancelRead was called and with which code.
func (s *PipeStream) ReadCanceled() (uint64, bool) {
	v := s.readCancel.Load()
	return v - 1, v != 0
}

// WriteCanceled reports whether CancelWrite was called and with which code.
func (s *PipeStream) WriteCanceled() (uint64, bool) {
	v := s.writeCancel.Load()
	return v - 1, v != 0
}

// ---------------------------------------------------------------------------
// Connection
// ---------------------------------------------------------------------------

// Conn is an in-memory server-side connection. Streams opened with Open are
// returned by AcceptStream.
type Conn struct {
	local, remote net.Addr

	incoming  chan transport.Stream
	handshake chan struct{}
	ctx       context.Context
	cancel    context.CancelCauseFunc

	mu     sync.Mutex
	nextID int64
}

// NewConn returns a connection whose handshake has not completed yet.
func NewConn(remote string) *Conn {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Conn{
		local:     &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4433},
		remote:    addr(remote),
		incoming:  make(chan transport.Stream, 16),
		handshake: make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// CompleteHandshake marks the handshake as done.
func (c *Conn) CompleteHandshake() *Conn {
	close(c.handshake)
	return c
}

// FailHandshake closes the connection before the handshake completes.
func (c *Conn) FailHandshake(err error) {
	c.cancel(err)
}

// Open creates a stream from the client side and queues the server end for
// AcceptStream. The client end is returned.
func (c *Conn) Open() *PipeStream {
	c.mu.Lock()
	id := c.nextID
	c.nextID += 4
	c.mu.Unlock()

	server, client := NewStreamPair(id)
	c.incoming <- server
	return client
}

func (c *Conn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	select {
	case s := <-c.incoming:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, context.Cause(c.ctx)
	}
}

func (c *Conn) OpenStream(context.Context) (transport.Stream, error) {
	return nil, errors.New("transporttest: server-initiated streams are not supported")
}

func (c *Conn) HandshakeComplete() <-chan struct{} { return c.handshake }
func (c *Conn) Context() context.Context           { return c.ctx }
func (c *Conn) LocalAddr() net.Addr                { return c.local }
func (c *Conn) RemoteAddr() net.Addr               { return c.remote }

func (c *Conn) Close(code uint64, msg string) error {
	c.cancel(fmt.Errorf("closed with code %d: %s", code, msg))
	return nil
}

// ---------------------------------------------------------------------------
// Listener
// ---------------------------------------------------------------------------

// Listener hands out connections queued with Push.
type Listener struct {
	conns  chan transport.Conn
	closed chan struct{}
	once   sync.Once
}

// NewListener returns an open listener.
func NewListener() *Listener {
	return &Listener{
		conns:  make(chan transport.Conn, 16),
		closed: make(chan struct{}),
	}
}

// Push queues a connection for Accept.
func (l *Listener) Push(c transport.Conn) { l.conns <- c }

func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, transport.ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Listener) Addr() net.Addr { return addr("127.0.0.1:4433") }

func (l *Listener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

type addr string

func (a addr) Network() string { return "udp" }
func (a addr) String() string  { return string(a) }

var (
	_ transport.Stream   = (*PipeStream)(nil)
	_ transport.Conn     = (*Conn)(nil)
	_ transport.Listener = (*Listener)(nil)
)
