package resolver_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/xeonvpn/internal/config"
	"github.com/1ureka/xeonvpn/internal/resolver"
)

const dnsAnswer = `{"Status":0,"Answer":[{"name":"example.com","type":1,"TTL":300,"data":"93.184.216.34"}]}`

type recordedQuery struct {
	name   string
	qtype  string
	accept string
}

func newUpstream(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32, chan recordedQuery) {
	t.Helper()
	var calls atomic.Int32
	queries := make(chan recordedQuery, 16)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		queries <- recordedQuery{
			name:   r.URL.Query().Get("name"),
			qtype:  r.URL.Query().Get("type"),
			accept: r.Header.Get("accept"),
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls, queries
}

func TestHandleSuccess(t *testing.T) {
	srv, calls, queries := newUpstream(t, http.StatusOK, dnsAnswer)
	r := resolver.NewWithClient(srv.URL+"/dns-query", srv.Client())

	out := r.Handle(context.Background(), "example.com")

	var resp struct {
		Status int             `json:"status"`
		Body   json.RawMessage `json:"body"`
	}
	require.NoError(t, json.Unmarshal(out, &resp), "response: %s", out)
	assert.Equal(t, 200, resp.Status)
	assert.JSONEq(t, dnsAnswer, string(resp.Body))

	assert.EqualValues(t, 1, calls.Load(), "exactly one upstream lookup")
	q := <-queries
	assert.Equal(t, "example.com", q.name)
	assert.Equal(t, "A", q.qtype)
	assert.Equal(t, "application/dns-json", q.accept)
}

func TestHandleNonJSONBodyStaysWellFormed(t *testing.T) {
	body := "bad \"request\"\n\tcontrol"
	srv, _, _ := newUpstream(t, http.StatusBadRequest, body)
	r := resolver.NewWithClient(srv.URL, srv.Client())

	out := r.Handle(context.Background(), "example.com")

	var resp struct {
		Status int    `json:"status"`
		Body   string `json:"body"`
	}
	require.NoError(t, json.Unmarshal(out, &resp), "response: %s", out)
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, body, resp.Body)
}

func TestLookupEncodesDomain(t *testing.T) {
	srv, _, queries := newUpstream(t, http.StatusOK, "{}")
	r := resolver.NewWithClient(srv.URL+"/dns-query?ct=json", srv.Client())

	_, err := r.Lookup(context.Background(), "bücher.example")
	require.NoError(t, err)
	assert.Equal(t, "xn--bcher-kva.example", (<-queries).name)

	_, err = r.Lookup(context.Background(), "a b&c=d")
	require.NoError(t, err)
	assert.Equal(t, "a b&c=d", (<-queries).name, "names IDNA rejects are sent percent-encoded as given")
}

func TestHandleNetworkErrorIsPlainText(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	r := resolver.NewWithClient(endpoint, &http.Client{Timeout: 2 * time.Second})

	_, err := r.Lookup(context.Background(), "example.com")
	var lookupErr *resolver.Error
	require.True(t, errors.As(err, &lookupErr))
	assert.Equal(t, "example.com", lookupErr.Domain)

	out := r.Handle(context.Background(), "example.com")
	assert.Contains(t, string(out), "lookup example.com: ")
	assert.False(t, json.Valid(out), "error payload has no JSON wrapper")
}

func TestHandleReplyNeverExceedsCap(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		// Quoting doubles every character.
		{"escape heavy", strings.Repeat(`"`, 200*1024)},
		// Valid JSON right at the cap leaves no room for the envelope.
		{"json at cap", `"` + strings.Repeat("a", resolver.MaxResponseSize-2) + `"`},
		{"over cap", strings.Repeat("a", resolver.MaxResponseSize+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, _ := newUpstream(t, http.StatusOK, tt.body)
			r := resolver.NewWithClient(srv.URL, srv.Client())

			out := r.Handle(context.Background(), "example.com")
			assert.LessOrEqual(t, len(out), resolver.MaxResponseSize)
			assert.Contains(t, string(out), "lookup example.com: ")
			assert.Contains(t, string(out), resolver.ErrResponseTooLarge.Error())
		})
	}
}

func TestHandleLargeBodyWithinCap(t *testing.T) {
	body := strings.Repeat("a", resolver.MaxResponseSize/2)
	srv, _, _ := newUpstream(t, http.StatusOK, body)
	r := resolver.NewWithClient(srv.URL, srv.Client())

	out := r.Handle(context.Background(), "example.com")
	require.LessOrEqual(t, len(out), resolver.MaxResponseSize)

	var resp struct {
		Status int    `json:"status"`
		Body   string `json:"body"`
	}
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Equal(t, body, resp.Body)
}

func TestNewHonorsConfig(t *testing.T) {
	cfg := config.Default().DoH
	cfg.HTTP3 = true
	r := resolver.New(cfg)
	assert.NoError(t, r.Close())

	assert.NoError(t, resolver.New(config.Default().DoH).Close())
}
