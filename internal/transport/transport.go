// Package transport adapts quic-go to the small connection/stream surface the
// session manager and the client need. Everything above this package works
// against the Listener, Conn and Stream interfaces, so tests can substitute
// in-memory implementations.
package transport

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/quic-go/quic-go"

	"github.com/1ureka/xeonvpn/internal/config"
)

// Application error codes used when closing connections and streams.
const (
	CodeNoError  = 0x0
	CodeProtocol = 0x1
	CodeInternal = 0x2
)

// ErrListenerClosed is returned by Listener.Accept after Close.
var ErrListenerClosed = errors.New("listener closed")

// Listener accepts secure connections.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}

// Conn is one secure, multiplexed connection.
type Conn interface {
	AcceptStream(ctx context.Context) (Stream, error)
	OpenStream(ctx context.Context) (Stream, error)
	// HandshakeComplete is closed once the handshake has succeeded. If the
	// handshake fails, Context is cancelled first.
	HandshakeComplete() <-chan struct{}
	Context() context.Context
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Close(code uint64, msg string) error
}

// Stream is one bidirectional byte channel of a Conn.
type Stream interface {
	io.Reader
	io.Writer
	ID() int64
	// Finish closes the send half; the peer reads io.EOF.
	Finish() error
	// CancelRead discards unread data and asks the peer to stop sending.
	CancelRead(code uint64)
	// CancelWrite resets the send half; unsent data is dropped.
	CancelWrite(code uint64)
	// Context is cancelled when the send half is closed or reset, or when
	// the connection goes away.
	Context() context.Context
}

// quicConfig maps the QUIC settings onto quic-go's configuration.
func quicConfig(cfg config.QUIC) *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:    cfg.KeepAlive,
		MaxIdleTimeout:     cfg.MaxIdleTimeout,
		MaxIncomingStreams: cfg.MaxIncomingStreams,
	}
}
