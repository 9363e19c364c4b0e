package peer

import (
	"net/netip"

	"github.com/songgao/water/waterutil"
)

// ipv4HeaderLen is the minimum IPv4 header size; shorter payloads cannot
// carry a source address.
const ipv4HeaderLen = 20

// ipv4Source extracts the source address from a raw IPv4 packet.
func ipv4Source(packet []byte) (netip.Addr, bool) {
	if len(packet) < ipv4HeaderLen || !waterutil.IsIPv4(packet) {
		return netip.Addr{}, false
	}
	src, ok := netip.AddrFromSlice(waterutil.IPv4Source(packet).To4())
	return src, ok
}
