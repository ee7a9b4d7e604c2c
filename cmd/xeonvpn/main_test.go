package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeMonitorURL(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"ws://127.0.0.1:9090/ws?pin=123456", "ws://127.0.0.1:9090/ws?pin=123456"},
		{"  http://example.com:9090/?pin=000001 ", "ws://example.com:9090/ws?pin=000001"},
		{"https://mon.example.com/anything?pin=42", "wss://mon.example.com/ws?pin=42"},
	}
	for _, tt := range tests {
		got, err := normalizeMonitorURL(tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got)
	}

	for _, bad := range []string{"", "not a url", "ws://127.0.0.1:9090/ws"} {
		_, err := normalizeMonitorURL(bad)
		assert.Error(t, err, bad)
	}
}
