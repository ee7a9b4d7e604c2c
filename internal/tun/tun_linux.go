//go:build linux

package tun

import (
	"errors"
	"fmt"

	"github.com/songgao/water"
	"github.com/vishvananda/netlink"

	"github.com/1ureka/xeonvpn/internal/config"
)

type tunDevice struct {
	*water.Interface
	link netlink.Link
}

// Open creates the TUN interface described by cfg, assigns its address and
// MTU, and brings the link up. It requires CAP_NET_ADMIN.
func Open(cfg config.TUN) (d Device, err error) {
	if cfg.Name == "" {
		return nil, errors.New("name is required for TUN device")
	}

	ifce, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name:    cfg.Name,
			Persist: false,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create TUN device %s: %w", cfg.Name, err)
	}

	defer func() {
		if err != nil {
			ifce.Close()
		}
	}()

	link, err := netlink.LinkByName(ifce.Name())
	if err != nil {
		return nil, fmt.Errorf("newly created TUN device %s not found: %w", ifce.Name(), err)
	}

	dev := &tunDevice{Interface: ifce, link: link}
	if err := dev.configure(cfg); err != nil {
		return nil, err
	}
	return dev, nil
}

func (d *tunDevice) configure(cfg config.TUN) error {
	addr, err := netlink.ParseAddr(cfg.Address)
	if err != nil {
		return fmt.Errorf("address %q is not valid: %w", cfg.Address, err)
	}
	if err := netlink.AddrAdd(d.link, addr); err != nil {
		return fmt.Errorf("failed to add %s to %s: %w", cfg.Address, d.Name(), err)
	}
	if cfg.MTU > 0 {
		if err := netlink.LinkSetMTU(d.link, cfg.MTU); err != nil {
			return fmt.Errorf("failed to set MTU %d on %s: %w", cfg.MTU, d.Name(), err)
		}
	}
	if err := netlink.LinkSetUp(d.link); err != nil {
		return fmt.Errorf("failed to bring %s up: %w", d.Name(), err)
	}
	return nil
}
