package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/1ureka/xeonvpn/internal/command"
	"github.com/1ureka/xeonvpn/internal/config"
	"github.com/1ureka/xeonvpn/internal/relay"
	"github.com/1ureka/xeonvpn/internal/transport"
	"github.com/1ureka/xeonvpn/internal/util"
)

// MaxSniffSize caps how much of a non-relay stream is read before it is
// classified.
const MaxSniffSize = 64 * 1024

// ErrPayloadTooLarge is returned when a non-relay stream carries more than
// MaxSniffSize bytes.
var ErrPayloadTooLarge = errors.New("payload too large")

// session is one accepted connection.
type session struct {
	mgr   *Manager
	seq   uint64
	tag   string
	conn  transport.Conn
	since time.Time

	accepted atomic.Int64
	active   atomic.Int64
}

func newSession(m *Manager, seq uint64, tag string, conn transport.Conn) *session {
	return &session{
		mgr:   m,
		seq:   seq,
		tag:   tag,
		conn:  conn,
		since: time.Now(),
	}
}

func (s *session) info() Info {
	return Info{
		Seq:     s.seq,
		ID:      s.tag,
		Remote:  addrString(s.conn.RemoteAddr()),
		Since:   s.since,
		StreamsAccepted: s.accepted.Load(),
		StreamsActive:   s.active.Load(),
	}
}

// acceptLoop accepts streams until AcceptStream fails. Each stream runs on its
// own goroutine unless SerialStreams is set.
func (s *session) acceptLoop(ctx context.Context) error {
	for {
		stream, err := s.conn.AcceptStream(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStreamAccept, err)
		}
		s.accepted.Add(1)
		s.active.Add(1)

		if s.mgr.opts.SerialStreams {
			s.serveStream(ctx, stream)
		} else {
			go s.serveStream(ctx, stream)
		}
	}
}

func (s *session) serveStream(ctx context.Context, stream transport.Stream) {
	defer s.active.Add(-1)
	s.handleStream(ctx, stream)
}

// handleStream classifies one stream and serves it.
func (s *session) handleStream(ctx context.Context, stream transport.Stream) {
	tag := fmt.Sprintf("%s[%d]", s.tag, stream.ID())

	if s.mgr.opts.Mode == config.ModeRelay {
		util.Stats.AddRelay()
		util.LogDebug("%s relay stream", tag)
		if err := relay.Serve(ctx, stream, s.mgr.opts.Device, tag); err != nil {
			util.LogDebug("%s relay ended: %v", tag, err)
		}
		return
	}

	data, err := readAll(stream, MaxSniffSize)
	if err != nil {
		util.LogWarning("%s recv error: %v", tag, err)
		stream.CancelRead(transport.CodeProtocol)
		stream.CancelWrite(transport.CodeProtocol)
		return
	}

	req := command.Parse(data)
	var reply []byte
	switch req.Kind {
	case command.KindLookup:
		util.Stats.AddCommand()
		util.LogInfo("%s DoH request for domain: %s", tag, req.Domain)
		reply = s.mgr.opts.Commands.Handle(ctx, req.Domain)
	default:
		util.Stats.AddEcho()
		util.LogDebug("%s echo %d bytes", tag, len(data))
		reply = data
	}

	if _, err := stream.Write(reply); err != nil {
		util.LogWarning("%s send error: %v", tag, err)
	}
	if err := stream.Finish(); err != nil {
		util.LogDebug("%s finish: %v", tag, err)
	}
}

// readAll reads r to EOF, failing once more than limit bytes arrive.
func readAll(r io.Reader, limit int) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(data) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrPayloadTooLarge, limit)
	}
	return data, nil
}
