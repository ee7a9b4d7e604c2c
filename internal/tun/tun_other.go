//go:build !linux

package tun

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/1ureka/xeonvpn/internal/config"
)

// ErrUnsupported is returned by Open on platforms without TUN support.
var ErrUnsupported = errors.New("TUN devices are only supported on linux")

// Open always fails outside linux.
func Open(cfg config.TUN) (Device, error) {
	return nil, fmt.Errorf("open %s on %s: %w", cfg.Name, runtime.GOOS, ErrUnsupported)
}
