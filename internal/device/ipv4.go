//go:build linux

package device

import (
	"net/netip"

	"github.com/songgao/water/waterutil"
)

// ipv4HeaderLen is the minimum IPv4 header size.
const ipv4HeaderLen = 20

// ipv4Destination extracts the destination address from a raw IPv4 packet
// read off the tunnel device.
func ipv4Destination(packet []byte) (netip.Addr, bool) {
	if len(packet) < ipv4HeaderLen || !waterutil.IsIPv4(packet) {
		return netip.Addr{}, false
	}
	dst, ok := netip.AddrFromSlice(waterutil.IPv4Destination(packet).To4())
	return dst, ok
}
