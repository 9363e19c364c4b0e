// Package poll wraps the kernel readiness facility behind a one-token-at-a-
// time interface. Registration is edge-triggered: a token is delivered once
// per readiness transition, so handlers must drain the resource fully on
// every wake.
package poll

import "fmt"

// Token is the compact tag attached to a registered resource. The two top
// values are reserved for the tunnel device and the default UDP socket;
// every other value is the local index of the peer owning a connected
// socket.
type Token uint32

const (
	// TokenTunnel marks the tunnel device as the ready resource.
	TokenTunnel Token = 1<<32 - 1
	// TokenDefault marks the default (address-agnostic) UDP socket.
	TokenDefault Token = 1<<32 - 2

	// MaxPeers bounds how many peer indices fit under the reserved
	// tokens. Typed uint64 so the bound survives 32-bit int targets.
	MaxPeers uint64 = 1<<32 - 2
)

// PeerToken returns the token tagging the connected socket of the peer with
// the given local index.
func PeerToken(localIdx uint32) Token {
	return Token(localIdx)
}

// Peer returns the peer local index carried by the token, or ok=false for
// the reserved tunnel/default tokens.
func (t Token) Peer() (uint32, bool) {
	if t == TokenTunnel || t == TokenDefault {
		return 0, false
	}
	return uint32(t), true
}

// String names the token for logging.
func (t Token) String() string {
	switch t {
	case TokenTunnel:
		return "tunnel"
	case TokenDefault:
		return "udp"
	default:
		return fmt.Sprintf("peer %d", uint32(t))
	}
}
