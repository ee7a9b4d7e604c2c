package session_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/xeonvpn/internal/config"
	"github.com/1ureka/xeonvpn/internal/protocol"
	"github.com/1ureka/xeonvpn/internal/resolver"
	"github.com/1ureka/xeonvpn/internal/session"
	"github.com/1ureka/xeonvpn/internal/transport/transporttest"
	"github.com/1ureka/xeonvpn/internal/tun"
	"github.com/1ureka/xeonvpn/internal/tun/tuntest"
)

const waitTimeout = 5 * time.Second

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// recordingHandler records every lookup and answers with a fixed reply.
type recordingHandler struct {
	mu      sync.Mutex
	domains []string
	reply   []byte
}

func (h *recordingHandler) Handle(_ context.Context, domain string) []byte {
	h.mu.Lock()
	h.domains = append(h.domains, domain)
	h.mu.Unlock()
	return h.reply
}

func (h *recordingHandler) calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.domains...)
}

type server struct {
	mgr    *session.Manager
	ln     *transporttest.Listener
	cancel context.CancelFunc
	done   chan error
}

func startServer(t *testing.T, opts session.Options) *server {
	t.Helper()

	mgr, err := session.NewManager(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv := &server{mgr: mgr, ln: transporttest.NewListener(), cancel: cancel, done: make(chan error, 1)}
	go func() { srv.done <- mgr.Serve(ctx, srv.ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-srv.done:
		case <-time.After(waitTimeout):
			t.Error("manager did not stop")
		}
	})
	return srv
}

func sniffOptions(h session.CommandHandler) session.Options {
	return session.Options{Mode: config.ModeSniff, Commands: h}
}

// connect pushes a connection with a completed handshake.
func (s *server) connect(remote string) *transporttest.Conn {
	conn := transporttest.NewConn(remote).CompleteHandshake()
	s.ln.Push(conn)
	return conn
}

// exchange sends payload on a new stream, finishes the send half and reads
// the reply to end of stream.
func exchange(t *testing.T, conn *transporttest.Conn, payload []byte) ([]byte, error) {
	t.Helper()
	stream := conn.Open()
	t.Cleanup(stream.Close)

	go func() {
		stream.Write(payload)
		stream.Finish()
	}()

	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := io.ReadAll(stream)
		ch <- result{data, err}
	}()

	select {
	case r := <-ch:
		return r.data, r.err
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for reply")
		return nil, nil
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestEchoStream(t *testing.T) {
	srv := startServer(t, sniffOptions(&recordingHandler{}))
	conn := srv.connect("192.0.2.1:50000")

	reply, err := exchange(t, conn, []byte("hello from client"))
	require.NoError(t, err)
	assert.Equal(t, "hello from client", string(reply))
}

func TestEchoIsVerbatim(t *testing.T) {
	h := &recordingHandler{}
	srv := startServer(t, sniffOptions(h))
	conn := srv.connect("192.0.2.1:50001")

	payloads := [][]byte{
		{},
		{0xff, 0xfe, 0x00, 0x01},
		[]byte("  padded text  \n"),
		[]byte("doh example.com"),
		bytes.Repeat([]byte{0x00}, session.MaxSniffSize),
	}
	for range 8 {
		b := make([]byte, rand.IntN(4096))
		for i := range b {
			b[i] = byte(rand.IntN(256))
		}
		payloads = append(payloads, b)
	}

	for _, p := range payloads {
		reply, err := exchange(t, conn, p)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(p, reply), "echo mismatch for %d-byte payload", len(p))
	}
	assert.Empty(t, h.calls(), "no payload above is a command")
}

func TestLookupCommand(t *testing.T) {
	h := &recordingHandler{reply: []byte(`{"status":200,"body":{}}`)}
	srv := startServer(t, sniffOptions(h))
	conn := srv.connect("192.0.2.1:50002")

	reply, err := exchange(t, conn, []byte("  DOH   example.com \n"))
	require.NoError(t, err)
	assert.Equal(t, `{"status":200,"body":{}}`, string(reply))
	assert.Equal(t, []string{"example.com"}, h.calls())
}

func TestLookupThroughResolver(t *testing.T) {
	var lookups []string
	var mu sync.Mutex
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		lookups = append(lookups, r.URL.Query().Get("name"))
		mu.Unlock()
		w.Write([]byte(`{"Status":0,"Answer":[]}`))
	}))
	defer upstream.Close()

	srv := startServer(t, sniffOptions(resolver.NewWithClient(upstream.URL, upstream.Client())))
	conn := srv.connect("192.0.2.1:50003")

	reply, err := exchange(t, conn, []byte("DOH example.com"))
	require.NoError(t, err)

	var resp struct {
		Status int             `json:"status"`
		Body   json.RawMessage `json:"body"`
	}
	require.NoError(t, json.Unmarshal(reply, &resp), "reply: %s", reply)
	assert.Equal(t, 200, resp.Status)
	assert.JSONEq(t, `{"Status":0,"Answer":[]}`, string(resp.Body))

	mu.Lock()
	assert.Equal(t, []string{"example.com"}, lookups)
	mu.Unlock()
}

func TestLookupFailureIsPlainTextAndFinished(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	endpoint := upstream.URL
	upstream.Close()

	r := resolver.NewWithClient(endpoint, &http.Client{Timeout: 2 * time.Second})
	srv := startServer(t, sniffOptions(r))
	conn := srv.connect("192.0.2.1:50004")

	// io.ReadAll returning without error means the send half was finished.
	reply, err := exchange(t, conn, []byte("DOH example.com"))
	require.NoError(t, err)
	assert.Contains(t, string(reply), "lookup example.com:")
	assert.False(t, json.Valid(reply))
}

func TestOversizedPayloadResetsStreamOnly(t *testing.T) {
	srv := startServer(t, sniffOptions(&recordingHandler{}))
	conn := srv.connect("192.0.2.1:50005")

	_, err := exchange(t, conn, make([]byte, session.MaxSniffSize+1))
	require.Error(t, err)

	var streamErr *transporttest.StreamError
	assert.True(t, errors.As(err, &streamErr), "got %v", err)

	// The session keeps serving new streams.
	reply, err := exchange(t, conn, []byte("still here"))
	require.NoError(t, err)
	assert.Equal(t, "still here", string(reply))
}

func TestHandshakeFailureKeepsListening(t *testing.T) {
	srv := startServer(t, sniffOptions(&recordingHandler{}))

	bad := transporttest.NewConn("192.0.2.9:1000")
	srv.ln.Push(bad)
	bad.FailHandshake(errors.New("tls: bad certificate"))

	good := srv.connect("192.0.2.1:50006")
	reply, err := exchange(t, good, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "ping", string(reply))

	assert.Equal(t, 1, srv.mgr.ActiveSessions())
}

func TestClosedConnectionEndsOnlyItsSession(t *testing.T) {
	srv := startServer(t, sniffOptions(&recordingHandler{}))

	a := srv.connect("192.0.2.1:50007")
	b := srv.connect("192.0.2.2:50008")

	require.Eventually(t, func() bool { return srv.mgr.ActiveSessions() == 2 }, waitTimeout, 10*time.Millisecond)

	a.Close(0, "bye")
	require.Eventually(t, func() bool { return srv.mgr.ActiveSessions() == 1 }, waitTimeout, 10*time.Millisecond)

	infos := srv.mgr.Sessions()
	require.Len(t, infos, 1)
	assert.Equal(t, "192.0.2.2:50008", infos[0].Remote)

	reply, err := exchange(t, b, []byte("other session"))
	require.NoError(t, err)
	assert.Equal(t, "other session", string(reply))
}

func TestSerialStreams(t *testing.T) {
	opts := sniffOptions(&recordingHandler{})
	opts.SerialStreams = true
	srv := startServer(t, opts)
	conn := srv.connect("192.0.2.1:50009")

	for _, msg := range []string{"one", "two", "three"} {
		reply, err := exchange(t, conn, []byte(msg))
		require.NoError(t, err)
		assert.Equal(t, msg, string(reply))
	}
}

func TestSessionStreamCounts(t *testing.T) {
	srv := startServer(t, sniffOptions(&recordingHandler{}))
	conn := srv.connect("192.0.2.1:50012")

	_, err := exchange(t, conn, []byte("first"))
	require.NoError(t, err)

	pending := conn.Open()
	defer pending.Close()

	counts := func(accepted, active int64) func() bool {
		return func() bool {
			infos := srv.mgr.Sessions()
			return len(infos) == 1 && infos[0].StreamsAccepted == accepted && infos[0].StreamsActive == active
		}
	}
	require.Eventually(t, counts(2, 1), waitTimeout, 10*time.Millisecond)

	require.NoError(t, pending.Finish())
	_, err = io.ReadAll(pending)
	require.NoError(t, err)
	require.Eventually(t, counts(2, 0), waitTimeout, 10*time.Millisecond)
}

func TestRelayModeHandsEveryStreamToRelay(t *testing.T) {
	fake := tuntest.NewFakeDevice("tun-test")
	dev := tun.NewShared(fake, 2000)
	defer dev.Release()

	h := &recordingHandler{}
	srv := startServer(t, session.Options{Mode: config.ModeRelay, Device: dev, Commands: h})
	conn := srv.connect("192.0.2.1:50010")

	stream := conn.Open()
	defer stream.Close()

	// Even a command-looking payload is framed relay traffic in relay mode.
	payload := bytes.Repeat([]byte{0xAA}, 40)
	_, err := stream.Write(protocol.Encode(payload))
	require.NoError(t, err)

	got, err := fake.WaitWrite(waitTimeout)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	fake.Inject([]byte("reply packet"))
	frame, err := protocol.ReadFrame(stream)
	require.NoError(t, err)
	assert.Equal(t, []byte("reply packet"), frame)

	assert.Empty(t, h.calls())
}

func TestListenerCloseStopsServe(t *testing.T) {
	mgr, err := session.NewManager(sniffOptions(&recordingHandler{}))
	require.NoError(t, err)

	ln := transporttest.NewListener()
	done := make(chan error, 1)
	go func() { done <- mgr.Serve(context.Background(), ln) }()

	ln.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Serve did not return after listener close")
	}
}

func TestShutdownClosesSessions(t *testing.T) {
	srv := startServer(t, sniffOptions(&recordingHandler{}))
	conn := srv.connect("192.0.2.1:50011")

	require.Eventually(t, func() bool { return srv.mgr.ActiveSessions() == 1 }, waitTimeout, 10*time.Millisecond)

	srv.cancel()
	select {
	case err := <-srv.done:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Serve did not return after cancel")
	}
	srv.done <- nil // let the cleanup receive

	select {
	case <-conn.Context().Done():
	default:
		t.Fatal("connection still open after shutdown")
	}
	assert.Zero(t, srv.mgr.ActiveSessions())
}

func TestNewManagerValidatesOptions(t *testing.T) {
	_, err := session.NewManager(session.Options{Mode: config.ModeRelay})
	assert.Error(t, err)

	_, err = session.NewManager(session.Options{Mode: config.ModeSniff})
	assert.Error(t, err)

	_, err = session.NewManager(session.Options{Mode: "auto", Commands: &recordingHandler{}})
	assert.Error(t, err)
}
