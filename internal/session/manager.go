// Package session accepts tunnel connections, runs one session per
// connection and dispatches every stream of a session to the relay engine,
// the command processor or the echo fallback.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/xeonvpn/internal/config"
	"github.com/1ureka/xeonvpn/internal/transport"
	"github.com/1ureka/xeonvpn/internal/tun"
	"github.com/1ureka/xeonvpn/internal/util"
)

var (
	// ErrHandshake reports a connection that closed before its handshake
	// completed. The connection is discarded; the listener keeps running.
	ErrHandshake = errors.New("handshake failed")

	// ErrStreamAccept ends a session: the connection was closed or can no
	// longer open streams.
	ErrStreamAccept = errors.New("stream accept failed")
)

// CommandHandler executes a lookup command and returns the reply payload.
type CommandHandler interface {
	Handle(ctx context.Context, domain string) []byte
}

// Options configures a Manager.
type Options struct {
	// Mode applies to every stream of every session.
	Mode config.Mode
	// SerialStreams handles one stream at a time per connection.
	SerialStreams bool
	// Device is the shared TUN handle. Required in relay mode.
	Device *tun.SharedDevice
	// Commands executes lookup commands. Required in sniff mode.
	Commands CommandHandler
}

// Manager accepts connections and owns the set of active sessions.
type Manager struct {
	opts     Options
	seq      seqGen
	registry *registry
}

// NewManager validates opts and returns a Manager.
func NewManager(opts Options) (*Manager, error) {
	switch opts.Mode {
	case config.ModeRelay:
		if opts.Device == nil {
			return nil, errors.New("relay mode requires a TUN device")
		}
	case config.ModeSniff:
		if opts.Commands == nil {
			return nil, errors.New("sniff mode requires a command handler")
		}
	default:
		return nil, fmt.Errorf("unknown mode %q", opts.Mode)
	}

	return &Manager{opts: opts, registry: newRegistry()}, nil
}

// Serve accepts connections from ln until ln is closed or ctx is cancelled,
// spawning one session per connection. Closing ln leaves established
// sessions running; cancelling ctx also closes every session and waits for
// them to end. Serve returns nil in both cases.
func (m *Manager) Serve(ctx context.Context, ln transport.Listener) error {
	// Close the listener when context is done so Accept() returns.
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	util.LogInfo("listening on %s (mode: %s)", ln.Addr(), m.opts.Mode)

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				return nil
			}
			if errors.Is(err, transport.ErrListenerClosed) {
				util.LogInfo("listener closed")
				return nil
			}
			return fmt.Errorf("accept error: %w", err)
		}

		wg.Go(func() { m.runSession(ctx, conn) })
	}
}

// ActiveSessions returns the number of sessions past their handshake.
func (m *Manager) ActiveSessions() int {
	return m.registry.len()
}

// Sessions describes every active session.
func (m *Manager) Sessions() []Info {
	return m.registry.list()
}

// runSession waits for the handshake, then accepts streams until the
// connection goes away. Errors never leave this goroutine.
func (m *Manager) runSession(ctx context.Context, conn transport.Conn) {
	id := util.ConnID(conn.LocalAddr(), conn.RemoteAddr())
	tag := fmt.Sprintf("[%08x]", id)

	select {
	case <-conn.HandshakeComplete():
	case <-conn.Context().Done():
		err := fmt.Errorf("%w: %v", ErrHandshake, context.Cause(conn.Context()))
		util.LogWarning("%s %s: %v", tag, addrString(conn.RemoteAddr()), err)
		return
	case <-ctx.Done():
		conn.Close(transport.CodeNoError, "server shutting down")
		return
	}

	s := newSession(m, m.seq.next(), tag, conn)
	m.registry.add(s)
	util.Stats.AddSession()
	util.LogInfo("%s new connection: %s", tag, addrString(conn.RemoteAddr()))

	// Shutdown closes the connection, which unblocks every stream of it.
	stop := context.AfterFunc(ctx, func() {
		conn.Close(transport.CodeNoError, "server shutting down")
	})

	defer func() {
		stop()
		m.registry.remove(s.seq)
		util.Stats.RemoveSession()
	}()

	err := s.acceptLoop(ctx)
	if ctx.Err() != nil {
		conn.Close(transport.CodeNoError, "server shutting down")
		util.LogDebug("%s session closed on shutdown", tag)
		return
	}
	conn.Close(transport.CodeNoError, "")
	util.LogInfo("%s session ended: %v", tag, err)
}
