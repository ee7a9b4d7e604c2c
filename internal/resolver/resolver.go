// Package resolver executes DNS-over-HTTPS lookup commands against a
// JSON-API resolver such as https://cloudflare-dns.com/dns-query.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/idna"

	"github.com/1ureka/xeonvpn/internal/config"
)

// MaxResponseSize caps the serialized reply sent on a command stream, and so
// the upstream body as well. It matches the read cap used by clients for a
// lookup response.
const MaxResponseSize = 256 * 1024

// ErrResponseTooLarge reports an upstream answer whose reply would not fit in
// MaxResponseSize.
var ErrResponseTooLarge = errors.New("response too large")

// Response is the success payload sent back on a command stream.
//
// Body carries the upstream body unchanged when it is valid JSON (the usual
// application/dns-json answer) and as a JSON string otherwise, so the
// serialized Response is always well-formed JSON.
type Response struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// Error is a failed lookup.
type Error struct {
	Domain string
	Err    error
}

func (e *Error) Error() string { return fmt.Sprintf("lookup %s: %v", e.Domain, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Resolver issues one type-A query per lookup.
type Resolver struct {
	endpoint string
	client   *http.Client
	closer   io.Closer
}

// New builds a Resolver from cfg. With HTTP3 set, queries go over quic-go's
// HTTP/3 transport instead of net/http's default.
func New(cfg config.DoH) *Resolver {
	client := &http.Client{Timeout: cfg.Timeout}
	r := &Resolver{endpoint: cfg.Endpoint, client: client}

	if cfg.HTTP3 {
		tr := &http3.Transport{}
		client.Transport = tr
		r.closer = tr
	}
	return r
}

// NewWithClient builds a Resolver around an existing HTTP client.
func NewWithClient(endpoint string, client *http.Client) *Resolver {
	return &Resolver{endpoint: endpoint, client: client}
}

// Close releases the HTTP/3 transport, if any.
func (r *Resolver) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// Lookup queries the resolver for domain's A records. Any HTTP status is a
// successful lookup; only transport and read failures return an *Error.
func (r *Resolver) Lookup(ctx context.Context, domain string) (*Response, error) {
	queryURL, err := r.queryURL(domain)
	if err != nil {
		return nil, &Error{Domain: domain, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, queryURL, nil)
	if err != nil {
		return nil, &Error{Domain: domain, Err: err}
	}
	req.Header.Set("accept", "application/dns-json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &Error{Domain: domain, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, &Error{Domain: domain, Err: fmt.Errorf("read body: %w", err)}
	}
	if len(body) > MaxResponseSize {
		return nil, &Error{Domain: domain, Err: fmt.Errorf("%w: body exceeds %d bytes", ErrResponseTooLarge, MaxResponseSize)}
	}

	return &Response{Status: resp.StatusCode, Body: rawBody(body)}, nil
}

// Handle runs a lookup and returns the bytes to send on the command stream:
// the JSON Response on success, or the bare error text on failure. The
// result never exceeds MaxResponseSize: a body that grows past it once
// wrapped and quoted is reported as ErrResponseTooLarge.
func (r *Resolver) Handle(ctx context.Context, domain string) []byte {
	resp, err := r.Lookup(ctx, domain)
	if err != nil {
		return []byte(err.Error())
	}

	out, err := json.Marshal(resp)
	if err != nil {
		return []byte(err.Error())
	}
	if len(out) > MaxResponseSize {
		err := &Error{Domain: domain, Err: fmt.Errorf("%w: %d bytes encoded", ErrResponseTooLarge, len(out))}
		return []byte(err.Error())
	}
	return out
}

// queryURL appends name and type parameters to the endpoint. The domain is
// converted to its ASCII (punycode) form when IDNA accepts it.
func (r *Resolver) queryURL(domain string) (string, error) {
	u, err := url.Parse(r.endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}

	name := domain
	if ascii, err := idna.Lookup.ToASCII(domain); err == nil {
		name = ascii
	}

	query := "name=" + url.QueryEscape(name) + "&type=A"
	if u.RawQuery != "" {
		query = strings.TrimSuffix(u.RawQuery, "&") + "&" + query
	}
	u.RawQuery = query
	return u.String(), nil
}

func rawBody(body []byte) json.RawMessage {
	if len(body) > 0 && json.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, _ := json.Marshal(string(body))
	return json.RawMessage(quoted)
}
