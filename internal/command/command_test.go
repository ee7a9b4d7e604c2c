package command_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/1ureka/xeonvpn/internal/command"
)

func TestParse(t *testing.T) {
	testCases := []struct {
		name   string
		data   []byte
		kind   command.Kind
		domain string
	}{
		{"lookup", []byte("DOH example.com"), command.KindLookup, "example.com"},
		{"surrounding whitespace", []byte("  DOH example.com \n"), command.KindLookup, "example.com"},
		{"inner whitespace", []byte("DOH    example.org\t"), command.KindLookup, "example.org"},
		{"unicode domain", []byte("DOH bücher.example"), command.KindLookup, "bücher.example"},
		{"empty domain", []byte("DOH "), command.KindEcho, ""},
		{"lowercase prefix", []byte("doh example.com"), command.KindEcho, ""},
		{"no space", []byte("DOHexample.com"), command.KindEcho, ""},
		{"plain text", []byte("hello from client"), command.KindEcho, ""},
		{"empty", []byte{}, command.KindEcho, ""},
		{"non utf8", []byte{'D', 'O', 'H', ' ', 0xff, 0xfe}, command.KindEcho, ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := command.Parse(tc.data)
			assert.Equal(t, tc.kind, req.Kind)
			assert.Equal(t, tc.domain, req.Domain)
		})
	}
}

func TestFormatRoundTrip(t *testing.T) {
	for _, domain := range []string{"example.com", "a.b.c.d", "xn--bcher-kva.example"} {
		req := command.Parse(command.Format(domain))
		assert.Equal(t, command.KindLookup, req.Kind)
		assert.Equal(t, domain, req.Domain)
	}
}
