// Package peer holds the per-peer handshake state machine and endpoint
// tracking. A Peer's decision methods are pure with respect to I/O: they
// return an Action describing what the caller should do, and never touch
// the network themselves.
package peer

import (
	"net/netip"
	"sync"

	"github.com/1ureka/mole/internal/protocol"
)

// State is the handshake progress of a peer.
type State uint8

const (
	StateNone      State = iota // nothing exchanged yet
	StateSent                   // we sent a HandshakeInit, waiting for the response
	StateReceived               // we answered a HandshakeInit, waiting for first data
	StateConnected              // both indices agreed, data flows
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateSent:
		return "sent"
	case StateReceived:
		return "received"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// ActionKind discriminates what a decision method asks the caller to do.
type ActionKind uint8

const (
	ActionNone           ActionKind = iota // drop / nothing to do
	ActionWriteToNetwork                   // send Data to the peer's endpoint
	ActionWriteToTunnel                    // write Data to the tunnel device
)

// Action is the outcome of a peer decision. Data aliases the scratch buffer
// passed to the producing call, so it is only valid until the next use of
// that buffer. Src is set for ActionWriteToTunnel: the IPv4 source address
// recovered from the payload, for allowed-range filtering by the caller.
type Action struct {
	Kind ActionKind
	Data []byte
	Src  netip.Addr
}

// Peer is one configured remote. Identity, local index and allowed ranges
// are fixed at creation; handshake state and endpoint are guarded by mu —
// the steady-state data path takes only the read lock.
type Peer struct {
	name     string
	localIdx uint32
	allowed  []netip.Prefix

	mu        sync.RWMutex
	state     State
	remoteIdx uint32
	endpoint  netip.AddrPort
	connFd    int // dedicated connected socket, -1 when absent
}

// New creates a peer in StateNone with no endpoint and no connected socket.
func New(name string, localIdx uint32, allowed []netip.Prefix) *Peer {
	return &Peer{
		name:     name,
		localIdx: localIdx,
		allowed:  allowed,
		connFd:   -1,
	}
}

// Name returns the peer's identity string.
func (p *Peer) Name() string { return p.name }

// LocalIdx returns the index this side assigned to the peer at startup.
func (p *Peer) LocalIdx() uint32 { return p.localIdx }

// AllowedRanges returns the CIDR ranges this peer may originate traffic
// from and be routed to. The slice is owned by the peer; do not mutate.
func (p *Peer) AllowedRanges() []netip.Prefix { return p.allowed }

// State returns the current handshake state.
func (p *Peer) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// RemoteIdx returns the index the other side assigned to us, once learned
// through the handshake.
func (p *Peer) RemoteIdx() (uint32, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.remoteIdx, p.state == StateReceived || p.state == StateConnected
}

// Endpoint returns the peer's last known network address.
func (p *Peer) Endpoint() (netip.AddrPort, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.endpoint, p.endpoint.IsValid()
}

// SetEndpoint records the peer's address, first writer wins: an address
// that is already set is never overwritten. Returns true if addr was taken.
func (p *Peer) SetEndpoint(addr netip.AddrPort) bool {
	if !addr.IsValid() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.endpoint.IsValid() {
		return false
	}
	p.endpoint = addr
	return true
}

// ConnFd returns the peer's dedicated connected socket, if one was opened.
func (p *Peer) ConnFd() (int, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connFd, p.connFd >= 0
}

// SwapConnFd installs fd as the peer's connected socket and returns the
// previous one so the caller can deregister and close it.
func (p *Peer) SwapConnFd(fd int) (old int, hadOld bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	old, hadOld = p.connFd, p.connFd >= 0
	p.connFd = fd
	return old, hadOld
}

// AllowsSource reports whether addr falls inside the peer's allowed ranges.
func (p *Peer) AllowsSource(addr netip.Addr) bool {
	for _, pfx := range p.allowed {
		if pfx.Contains(addr) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Decision methods
// ---------------------------------------------------------------------------

// SendHandshake emits a HandshakeInit carrying our identity and the peer's
// local index. It is a no-op unless the peer is in StateNone and its
// endpoint address is known — only the endpoint-aware side initiates.
func (p *Peer) SendHandshake(identity string, buf []byte) Action {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateNone || !p.endpoint.IsValid() {
		return Action{}
	}

	n, err := protocol.Encode(&protocol.Packet{
		Kind:   protocol.KindHandshakeInit,
		Sender: p.localIdx,
		Name:   []byte(identity),
	}, buf)
	if err != nil {
		return Action{}
	}

	p.state = StateSent
	return Action{Kind: ActionWriteToNetwork, Data: buf[:n]}
}

// Encapsulate wraps a raw outbound IPv4 packet as a Data message. It works
// in any handshake state — data is sent speculatively, fire and forget. The
// sender tag is the index the remote assigned to us, so the remote resolves
// the packet with a direct index lookup; before the handshake taught us
// that index the tag is zero and the remote's state machine drops the data.
func (p *Peer) Encapsulate(ip []byte, buf []byte) Action {
	p.mu.RLock()
	sender := p.remoteIdx
	p.mu.RUnlock()

	n, err := protocol.Encode(&protocol.Packet{
		Kind:    protocol.KindData,
		Sender:  sender,
		Payload: ip,
	}, buf)
	if err != nil {
		return Action{}
	}
	return Action{Kind: ActionWriteToNetwork, Data: buf[:n]}
}

// HandleIncoming dispatches a decoded wire message through the handshake
// state machine. Messages that arrive in the wrong state are ignored —
// treated as stale or adversarial noise, not errors.
func (p *Peer) HandleIncoming(pkt *protocol.Packet, buf []byte) Action {
	// Steady state: data on an established peer needs no transition, so
	// the hot path holds only the read lock.
	if pkt.Kind == protocol.KindData {
		p.mu.RLock()
		if p.state == StateConnected {
			defer p.mu.RUnlock()
			return tunnelAction(pkt.Payload)
		}
		p.mu.RUnlock()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch pkt.Kind {
	case protocol.KindHandshakeInit:
		return p.handleInitLocked(pkt, buf)
	case protocol.KindHandshakeResponse:
		return p.handleResponseLocked(pkt, buf)
	case protocol.KindData:
		return p.handleDataLocked(pkt)
	}
	return Action{}
}

// handleInitLocked answers the first HandshakeInit with a response naming
// our index for this peer and echoing theirs. Re-handshakes are ignored:
// once the state left None the init is dropped (documented limitation — a
// restarted peer cannot force a reset).
func (p *Peer) handleInitLocked(pkt *protocol.Packet, buf []byte) Action {
	if p.state != StateNone {
		return Action{}
	}

	n, err := protocol.Encode(&protocol.Packet{
		Kind:     protocol.KindHandshakeResponse,
		Assigned: p.localIdx,
		Sender:   pkt.Sender,
	}, buf)
	if err != nil {
		return Action{}
	}

	p.remoteIdx = pkt.Sender
	p.state = StateReceived
	return Action{Kind: ActionWriteToNetwork, Data: buf[:n]}
}

// handleResponseLocked completes the initiator side of the handshake and
// emits an empty Data packet so the responder can also reach Connected.
func (p *Peer) handleResponseLocked(pkt *protocol.Packet, buf []byte) Action {
	if p.state != StateSent || pkt.Sender != p.localIdx {
		return Action{}
	}

	// The liveness packet carries the index we just learned, so the
	// responder resolves it like any other data packet.
	n, err := protocol.Encode(&protocol.Packet{
		Kind:   protocol.KindData,
		Sender: pkt.Assigned,
	}, buf)
	if err != nil {
		return Action{}
	}

	p.remoteIdx = pkt.Assigned
	p.state = StateConnected
	return Action{Kind: ActionWriteToNetwork, Data: buf[:n]}
}

// handleDataLocked handles data received before the steady state: the first
// data packet promotes Received to Connected (its payload, usually the
// empty liveness packet, is not delivered). Data in any earlier state is
// dropped.
func (p *Peer) handleDataLocked(pkt *protocol.Packet) Action {
	switch p.state {
	case StateReceived:
		p.state = StateConnected
		return Action{}
	case StateConnected:
		// Lost the upgrade race to another thread — the peer connected
		// between our read unlock and write lock.
		return tunnelAction(pkt.Payload)
	}
	return Action{}
}

// tunnelAction builds the write-to-tunnel action for a data payload. The
// payload must parse as IPv4 so the caller can filter by source address;
// anything else (including the empty liveness packet) yields no action.
func tunnelAction(payload []byte) Action {
	src, ok := ipv4Source(payload)
	if !ok {
		return Action{}
	}
	return Action{Kind: ActionWriteToTunnel, Data: payload, Src: src}
}
