package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"github.com/quic-go/quic-go"

	"github.com/1ureka/xeonvpn/internal/config"
)

// Listen binds a QUIC listener on addr.
func Listen(addr string, tlsConf *tls.Config, cfg config.QUIC) (Listener, error) {
	ln, err := quic.ListenAddrEarly(addr, tlsConf, quicConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &quicListener{ln: ln}, nil
}

// Dial opens a QUIC connection to addr and waits for the handshake.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config, cfg config.QUIC) (Conn, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &quicConn{conn: conn, handshake: closedChan}, nil
}

// closedChan stands in for HandshakeComplete on dialed connections, whose
// handshake has finished when Dial returns.
var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// ---------------------------------------------------------------------------
// Listener
// ---------------------------------------------------------------------------

type quicListener struct {
	ln *quic.EarlyListener
}

func (l *quicListener) Accept(ctx context.Context) (Conn, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		if errors.Is(err, quic.ErrServerClosed) {
			return nil, ErrListenerClosed
		}
		return nil, err
	}
	return &quicConn{conn: conn, handshake: conn.HandshakeComplete()}, nil
}

func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }
func (l *quicListener) Close() error   { return l.ln.Close() }

// ---------------------------------------------------------------------------
// Connection
// ---------------------------------------------------------------------------

type quicConn struct {
	conn      quic.Connection
	handshake <-chan struct{}
}

func (c *quicConn) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &quicStream{s: s}, nil
}

func (c *quicConn) OpenStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &quicStream{s: s}, nil
}

func (c *quicConn) HandshakeComplete() <-chan struct{} { return c.handshake }
func (c *quicConn) Context() context.Context           { return c.conn.Context() }
func (c *quicConn) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *quicConn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }

func (c *quicConn) Close(code uint64, msg string) error {
	return c.conn.CloseWithError(quic.ApplicationErrorCode(code), msg)
}

// ---------------------------------------------------------------------------
// Stream
// ---------------------------------------------------------------------------

type quicStream struct {
	s quic.Stream
}

func (s *quicStream) Read(p []byte) (int, error)  { return s.s.Read(p) }
func (s *quicStream) Write(p []byte) (int, error) { return s.s.Write(p) }
func (s *quicStream) ID() int64                   { return int64(s.s.StreamID()) }
func (s *quicStream) Finish() error               { return s.s.Close() }
func (s *quicStream) Context() context.Context    { return s.s.Context() }

func (s *quicStream) CancelRead(code uint64) {
	s.s.CancelRead(quic.StreamErrorCode(code))
}

func (s *quicStream) CancelWrite(code uint64) {
	s.s.CancelWrite(quic.StreamErrorCode(code))
}
