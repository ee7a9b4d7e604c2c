// Package client dials the tunnel server and speaks its stream protocols:
// echo, DOH lookups and framed relay traffic.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/xeonvpn/internal/command"
	"github.com/1ureka/xeonvpn/internal/config"
	"github.com/1ureka/xeonvpn/internal/protocol"
	"github.com/1ureka/xeonvpn/internal/resolver"
	"github.com/1ureka/xeonvpn/internal/transport"
	"github.com/1ureka/xeonvpn/internal/tun"
	"github.com/1ureka/xeonvpn/internal/util"
)

// MaxEchoSize caps an echo reply. The server never echoes more than it reads.
const MaxEchoSize = 64 * 1024

// ErrReplyTooLarge is returned when a reply exceeds the cap of its stream kind.
var ErrReplyTooLarge = errors.New("reply too large")

// Client is one connection to the tunnel server. Every operation opens its
// own stream, so a Client may be used from several goroutines.
type Client struct {
	conn transport.Conn
	tag  string
}

// Dial connects to addr. certDER is the server certificate to trust; when it
// is empty the server certificate is not verified.
func Dial(ctx context.Context, addr, serverName string, certDER []byte) (*Client, error) {
	def := config.Default()

	tlsConf, err := transport.ClientTLS(serverName, certDER, def.TLS.ALPN)
	if err != nil {
		return nil, err
	}
	if len(certDER) == 0 {
		util.LogWarning("no server certificate given, skipping verification")
	}

	conn, err := transport.Dial(ctx, addr, tlsConf, def.QUIC)
	if err != nil {
		return nil, err
	}

	return newClient(conn), nil
}

func newClient(conn transport.Conn) *Client {
	id := util.ConnID(conn.LocalAddr(), conn.RemoteAddr())
	c := &Client{conn: conn, tag: fmt.Sprintf("[%08x]", id)}
	util.LogDebug("%s connected to %s", c.tag, conn.RemoteAddr())
	return c
}

// Echo sends payload on a new stream and returns what the server sends back.
func (c *Client) Echo(ctx context.Context, payload []byte) ([]byte, error) {
	return c.roundTrip(ctx, payload, MaxEchoSize)
}

// Lookup asks the server to resolve domain over DoH. On success the reply is
// the JSON envelope {"status":..., "body":...}; on failure it is the server's
// error text.
func (c *Client) Lookup(ctx context.Context, domain string) ([]byte, error) {
	return c.roundTrip(ctx, command.Format(domain), resolver.MaxResponseSize)
}

// roundTrip writes payload, finishes the send half and reads the reply to the
// end of the stream.
func (c *Client) roundTrip(ctx context.Context, payload []byte, limit int) ([]byte, error) {
	stream, err := c.conn.OpenStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		stream.CancelRead(transport.CodeNoError)
		stream.CancelWrite(transport.CodeNoError)
	})
	defer stop()

	if _, err := stream.Write(payload); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	if err := stream.Finish(); err != nil {
		return nil, fmt.Errorf("finish: %w", err)
	}

	reply, err := io.ReadAll(io.LimitReader(stream, int64(limit)+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("receive: %w", err)
	}
	if len(reply) > limit {
		stream.CancelRead(transport.CodeNoError)
		return nil, fmt.Errorf("%w: more than %d bytes", ErrReplyTooLarge, limit)
	}
	return reply, nil
}

// OpenRelay opens a stream for framed packet traffic. The server must run in
// relay mode.
func (c *Client) OpenRelay(ctx context.Context) (*RelayStream, error) {
	stream, err := c.conn.OpenStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	util.LogDebug("%s[%d] relay stream opened", c.tag, stream.ID())
	return &RelayStream{stream: stream}, nil
}

// Relay forwards packets between the local device and a new relay stream
// until ctx is done, the server finishes the stream or either side fails.
// A clean end returns nil.
func (c *Client) Relay(ctx context.Context, dev *tun.SharedDevice) error {
	rs, err := c.OpenRelay(ctx)
	if err != nil {
		return err
	}

	dev.Retain()
	defer dev.Release()

	g, gctx := errgroup.WithContext(ctx)

	// Cancelling the read half unblocks Receive once either pump stops. The
	// send half is finished after both pumps have returned.
	stop := context.AfterFunc(gctx, func() { rs.stream.CancelRead(transport.CodeNoError) })
	defer stop()

	g.Go(func() error {
		for {
			pkt, err := dev.ReadPacket(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("local read: %w", err)
			}
			if err := rs.Send(pkt); err != nil {
				return fmt.Errorf("send: %w", err)
			}
			util.Stats.AddUp(len(pkt))
		}
	})
	g.Go(func() error {
		for {
			pkt, err := rs.Receive()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				// io.EOF also stops the other pump.
				return fmt.Errorf("receive: %w", err)
			}
			if err := dev.WritePacket(pkt); err != nil {
				return fmt.Errorf("local write: %w", err)
			}
			util.Stats.AddDown(len(pkt))
		}
	})

	err = g.Wait()
	rs.Close()
	if errors.Is(err, io.EOF) {
		util.LogInfo("%s server finished the relay stream", c.tag)
		return nil
	}
	return err
}

// Close closes the connection and every open stream.
func (c *Client) Close() error {
	return c.conn.Close(transport.CodeNoError, "client closing")
}

// RelayStream carries IP packets to and from the server's TUN interface.
// Send and Receive may be called concurrently with each other.
type RelayStream struct {
	stream transport.Stream
}

// Send frames one packet and writes it.
func (r *RelayStream) Send(packet []byte) error {
	return protocol.WriteFrame(r.stream, packet)
}

// Receive reads the next packet. It returns io.EOF once the server has
// finished the stream.
func (r *RelayStream) Receive() ([]byte, error) {
	return protocol.ReadFrame(r.stream)
}

// Close finishes the send half and stops reading.
func (r *RelayStream) Close() error {
	err := r.stream.Finish()
	r.stream.CancelRead(transport.CodeNoError)
	return err
}
