// Package command classifies the first payload of a stream and parses the
// text commands the server understands.
package command

import (
	"strings"
	"unicode/utf8"
)

// Prefix opens a DNS-over-HTTPS lookup request.
const Prefix = "DOH "

// Kind is the classification of a stream payload.
type Kind int

const (
	KindEcho Kind = iota // anything that is not a command
	KindLookup           // "DOH <domain>"
)

func (k Kind) String() string {
	switch k {
	case KindLookup:
		return "command"
	default:
		return "echo"
	}
}

// Request is a parsed command. Domain is only set for KindLookup.
type Request struct {
	Kind   Kind
	Domain string
}

// Parse classifies data. Non-UTF-8 payloads and UTF-8 text without the
// command prefix are echo; the domain is the remainder after the prefix,
// trimmed of whitespace.
func Parse(data []byte) Request {
	if !utf8.Valid(data) {
		return Request{Kind: KindEcho}
	}

	text := strings.TrimSpace(string(data))
	rest, ok := strings.CutPrefix(text, Prefix)
	if !ok {
		return Request{Kind: KindEcho}
	}
	return Request{Kind: KindLookup, Domain: strings.TrimSpace(rest)}
}

// Format builds the wire form of a lookup request.
func Format(domain string) []byte {
	return []byte(Prefix + domain)
}
