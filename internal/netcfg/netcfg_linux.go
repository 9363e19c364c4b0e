//go:build linux

// Package netcfg performs the OS-side interface bootstrap: address, MTU,
// link state and the routes that steer peer traffic into the tunnel.
package netcfg

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"

	"github.com/1ureka/mole/internal/util"
)

// ConfigureLink assigns addr (CIDR form, e.g. 10.8.0.1/24) to the named
// interface, applies the MTU and brings the link up.
func ConfigureLink(name string, addr netip.Prefix, mtu int) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("link %s: %w", name, err)
	}

	nlAddr := &netlink.Addr{IPNet: prefixToIPNet(addr)}
	if err := netlink.AddrReplace(link, nlAddr); err != nil {
		return fmt.Errorf("addr %s on %s: %w", addr, name, err)
	}

	if mtu > 0 {
		if err := netlink.LinkSetMTU(link, mtu); err != nil {
			return fmt.Errorf("set mtu %d on %s: %w", mtu, name, err)
		}
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("link up %s: %w", name, err)
	}

	util.LogInfo("interface %s up: %s, mtu %d", name, addr, mtu)
	return nil
}

// InstallRoutes adds one route per allowed range through the named
// interface, so the kernel hands matching traffic to the tunnel. Ranges
// already covered by the interface address are accepted silently
// (RouteReplace semantics).
func InstallRoutes(name string, ranges []netip.Prefix) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("link %s: %w", name, err)
	}

	for _, r := range ranges {
		rt := &netlink.Route{
			LinkIndex: link.Attrs().Index,
			Dst:       prefixToIPNet(r),
		}
		if err := netlink.RouteReplace(rt); err != nil {
			return fmt.Errorf("route %s via %s: %w", r, name, err)
		}
		util.LogDebug("route %s via %s", r, name)
	}
	return nil
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	addr := p.Addr().As4()
	return &net.IPNet{
		IP:   net.IP(addr[:]),
		Mask: net.CIDRMask(p.Bits(), 32),
	}
}
