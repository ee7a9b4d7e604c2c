// Package monitor serves live tunnel statistics over WebSocket and provides
// the matching client used by the monitor role.
package monitor

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/xeonvpn/internal/session"
	"github.com/1ureka/xeonvpn/internal/util"
)

// PINLength is the number of digits in a generated PIN.
const PINLength = 6

const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Report is one message pushed to watchers.
type Report struct {
	Stats    util.Snapshot  `json:"stats"`
	Sessions []session.Info `json:"sessions"`
}

// SessionLister reports the active sessions. *session.Manager satisfies it.
type SessionLister interface {
	Sessions() []session.Info
}

// Server pushes a Report to every authenticated watcher once per interval.
type Server struct {
	pin      string
	interval time.Duration
	sessions SessionLister

	listener net.Listener
	done     chan struct{}

	mu     sync.Mutex // guards closed and every wg.Go
	closed bool
	wg     sync.WaitGroup
}

// NewServer creates a monitor server. An empty pin generates a random one;
// sessions may be nil.
func NewServer(pin string, interval time.Duration, sessions SessionLister) *Server {
	if pin == "" {
		pin = GeneratePIN(PINLength)
	}
	return &Server{
		pin:      pin,
		interval: interval,
		sessions: sessions,
		done:     make(chan struct{}),
	}
}

// PIN returns the PIN watchers must present as the pin query parameter.
func (s *Server) PIN() string { return s.pin }

// Start begins listening on addr and returns the bound address.
func (s *Server) Start(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start monitor server: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	go func() {
		_ = http.Serve(listener, mux)
	}()

	return listener.Addr(), nil
}

// Close stops accepting watchers, disconnects the current ones and waits for
// their push loops to exit.
func (s *Server) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
		if s.listener != nil {
			s.listener.Close()
		}
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	pin := r.URL.Query().Get("pin")
	if pin != s.pin {
		http.Error(w, "Invalid PIN", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		conn.Close()
		return
	}

	util.LogDebug("monitor watcher connected: %s", r.RemoteAddr)
	s.wg.Go(func() { s.push(conn) })
}

// push writes reports until the watcher goes away or the server closes.
func (s *Server) push(conn *websocket.Conn) {
	defer conn.Close()

	// Drain control frames so a close from the watcher is noticed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(s.report()); err != nil {
			util.LogDebug("monitor watcher write failed: %v", err)
			return
		}

		select {
		case <-ticker.C:
		case <-gone:
			util.LogDebug("monitor watcher disconnected")
			return
		case <-s.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeTimeout))
			return
		}
	}
}

func (s *Server) report() Report {
	r := Report{Stats: util.Stats.Snapshot(), Sessions: []session.Info{}}
	if s.sessions != nil {
		r.Sessions = s.sessions.Sessions()
	}
	return r
}

// GeneratePIN returns a random numeric PIN of the specified length.
func GeneratePIN(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = byte('0') + byte(n.Int64())
	}
	return string(digits)
}

// Watch dials url and calls fn for every report until ctx is cancelled or
// the server goes away. The URL must carry the PIN, e.g.
//
//	ws://127.0.0.1:9090/ws?pin=123456
func Watch(ctx context.Context, url string, fn func(Report)) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to monitor: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var r Report
		if err := conn.ReadJSON(&r); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("monitor read: %w", err)
		}
		fn(r)
	}
}
