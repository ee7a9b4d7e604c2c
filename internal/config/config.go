// Package config holds the server and client configuration types.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Role represents the process role selected on the command line.
type Role string

const (
	RoleServer  Role = "server"
	RoleClient  Role = "client"
	RoleMonitor Role = "monitor"
)

// Mode selects how the server treats every stream of a session.
type Mode string

const (
	// ModeRelay hands every stream straight to the relay engine.
	ModeRelay Mode = "relay"
	// ModeSniff reads each stream first and classifies it as command or echo.
	ModeSniff Mode = "sniff"
)

// Config stores every server parameter. Zero-valued fields in a YAML file
// keep their defaults.
type Config struct {
	Listen  string  `yaml:"listen"`
	Mode    Mode    `yaml:"mode"`
	Debug   bool    `yaml:"debug"`
	Session Session `yaml:"session"`
	TLS     TLS     `yaml:"tls"`
	QUIC    QUIC    `yaml:"quic"`
	TUN     TUN     `yaml:"tun"`
	DoH     DoH     `yaml:"doh"`
	Monitor Monitor `yaml:"monitor"`
}

// Session tunes the per-connection stream loop.
type Session struct {
	// SerialStreams handles one stream at a time per connection instead of
	// one goroutine per stream.
	SerialStreams bool `yaml:"serial_streams"`
}

// TLS describes the server certificate. When CertFile and KeyFile are empty a
// self-signed certificate for ServerName is generated at startup and its DER
// form written to ExportDER.
type TLS struct {
	CertFile   string   `yaml:"cert_file"`
	KeyFile    string   `yaml:"key_file"`
	ServerName string   `yaml:"server_name"`
	ExportDER  string   `yaml:"export_der"`
	ALPN       []string `yaml:"alpn"`
}

// QUIC tunes the transport.
type QUIC struct {
	KeepAlive          time.Duration `yaml:"keep_alive"`
	MaxIdleTimeout     time.Duration `yaml:"max_idle_timeout"`
	MaxIncomingStreams int64         `yaml:"max_incoming_streams"`
}

// TUN describes the shared virtual interface.
type TUN struct {
	Name       string `yaml:"name"`
	Address    string `yaml:"address"` // CIDR, e.g. 10.123.0.2/24
	MTU        int    `yaml:"mtu"`
	BufferSize int    `yaml:"buffer_size"`
}

// DoH describes the upstream resolver used by lookup commands.
type DoH struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
	HTTP3    bool          `yaml:"http3"`
}

// Monitor describes the optional WebSocket stats feed. It is disabled when
// Listen is empty.
type Monitor struct {
	Listen   string        `yaml:"listen"`
	PIN      string        `yaml:"pin"`
	Interval time.Duration `yaml:"interval"`
}

// Default returns the configuration the server runs with when no file is given.
func Default() Config {
	return Config{
		Listen: "0.0.0.0:4433",
		Mode:   ModeSniff,
		TLS: TLS{
			ServerName: "localhost",
			ExportDER:  "server_cert.der",
			ALPN:       []string{"hq-29", "h3"},
		},
		QUIC: QUIC{
			KeepAlive:          5 * time.Second,
			MaxIdleTimeout:     30 * time.Second,
			MaxIncomingStreams: 100,
		},
		TUN: TUN{
			Name:       "xeonvpn0",
			Address:    "10.123.0.2/24",
			MTU:        1500,
			BufferSize: 2000,
		},
		DoH: DoH{
			Endpoint: "https://cloudflare-dns.com/dns-query",
			Timeout:  10 * time.Second,
		},
		Monitor: Monitor{
			Interval: 2 * time.Second,
		},
	}
}

// Load reads a YAML file on top of Default and validates the result.
// Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that every field holds a usable value.
func (c Config) Validate() error {
	var errs []error

	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		errs = append(errs, fmt.Errorf("listen: %w", err))
	}

	switch c.Mode {
	case ModeRelay, ModeSniff:
	default:
		errs = append(errs, fmt.Errorf("mode: must be %q or %q, got %q", ModeRelay, ModeSniff, c.Mode))
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls: cert_file and key_file must be set together"))
	}
	if len(c.TLS.ALPN) == 0 {
		errs = append(errs, errors.New("tls: alpn must not be empty"))
	}

	if c.QUIC.MaxIncomingStreams < 1 {
		errs = append(errs, errors.New("quic: max_incoming_streams must be positive"))
	}

	if c.Mode == ModeRelay {
		if c.TUN.Name == "" {
			errs = append(errs, errors.New("tun: name is required in relay mode"))
		}
		if _, err := netip.ParsePrefix(c.TUN.Address); err != nil {
			errs = append(errs, fmt.Errorf("tun: address: %w", err))
		}
	}
	if c.TUN.BufferSize < c.TUN.MTU {
		errs = append(errs, fmt.Errorf("tun: buffer_size %d is smaller than mtu %d", c.TUN.BufferSize, c.TUN.MTU))
	}

	if u, err := url.Parse(c.DoH.Endpoint); err != nil || u.Host == "" {
		errs = append(errs, fmt.Errorf("doh: invalid endpoint %q", c.DoH.Endpoint))
	}

	if c.Monitor.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Monitor.Listen); err != nil {
			errs = append(errs, fmt.Errorf("monitor: listen: %w", err))
		}
		if c.Monitor.Interval <= 0 {
			errs = append(errs, errors.New("monitor: interval must be positive"))
		}
	}

	return errors.Join(errs...)
}
