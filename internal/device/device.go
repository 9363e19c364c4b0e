//go:build linux

// Package device implements the mole router: one tunnel device multiplexed
// against multiple UDP peer connections, driven by a pool of workers
// sharing an edge-triggered readiness poller.
package device

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/1ureka/mole/internal/config"
	"github.com/1ureka/mole/internal/peer"
	"github.com/1ureka/mole/internal/poll"
	"github.com/1ureka/mole/internal/protocol"
	"github.com/1ureka/mole/internal/routing"
	"github.com/1ureka/mole/internal/sock"
	"github.com/1ureka/mole/internal/tun"
	"github.com/1ureka/mole/internal/util"
)

// bufferSize fits the largest possible datagram plus protocol framing.
// Every worker owns its own scratch buffers — nothing on a call stack is
// shared between threads.
const bufferSize = 1<<16 + protocol.HandshakeInitHeaderSize

// Device is the router. The peer collections and the route table are built
// at startup and only read afterwards; per-peer mutable state lives behind
// each peer's own lock.
type Device struct {
	name        string
	port        uint16
	workers     int
	useConnSock bool

	tun    tun.Device
	udpFd  int
	poller *poll.Poller

	byName map[string]*peer.Peer
	byIdx  []*peer.Peer
	table  *routing.Table[*peer.Peer]
}

// New builds the router from a validated config: creates the peers
// (local index = position in the configured order), merges their allowed
// ranges into the route table, binds the default UDP socket, registers the
// tunnel and socket with the poller, and initiates a handshake towards
// every peer whose endpoint is already known.
func New(cfg *config.Config, tunDev tun.Device) (*Device, error) {
	if uint64(len(cfg.Peers)) > poll.MaxPeers {
		return nil, fmt.Errorf("device: too many peers (%d)", len(cfg.Peers))
	}

	d := &Device{
		name:        cfg.Interface.Name,
		port:        cfg.Interface.ListenPort,
		workers:     cfg.Interface.Workers,
		useConnSock: cfg.Interface.UseConnectedSockets(),
		tun:         tunDev,
		udpFd:       -1,
		byName:      make(map[string]*peer.Peer, len(cfg.Peers)),
		table:       routing.New[*peer.Peer](),
	}

	for i := range cfg.Peers {
		pc := &cfg.Peers[i]
		p := peer.New(pc.Name, uint32(i), pc.Allowed)
		p.SetEndpoint(pc.EndpointAddr)

		d.byName[pc.Name] = p
		d.byIdx = append(d.byIdx, p)

		for _, pfx := range pc.Allowed {
			if prev, replaced := d.table.Insert(pfx, p); replaced {
				util.LogWarning("range %s moved from peer %s to %s", pfx, prev.Name(), p.Name())
			}
		}
	}

	udpFd, err := sock.Listen(d.port)
	if err != nil {
		return nil, fmt.Errorf("device: listen: %w", err)
	}
	d.udpFd = udpFd

	poller, err := poll.New()
	if err != nil {
		sock.Close(udpFd)
		return nil, fmt.Errorf("device: %w", err)
	}
	d.poller = poller

	// On failure the tunnel device stays open: the caller owns it.
	if err := poller.RegisterRead(poll.TokenTunnel, tunDev.Fd()); err != nil {
		poller.Close()
		sock.Close(udpFd)
		return nil, fmt.Errorf("device: register tunnel: %w", err)
	}
	if err := poller.RegisterRead(poll.TokenDefault, udpFd); err != nil {
		poller.Close()
		sock.Close(udpFd)
		return nil, fmt.Errorf("device: register udp: %w", err)
	}

	d.initiateHandshakes()
	return d, nil
}

// initiateHandshakes opens connected sockets and sends a HandshakeInit for
// every peer configured with a known endpoint. Only the endpoint-aware side
// initiates; the other side answers out of its default socket.
func (d *Device) initiateHandshakes() {
	buf := make([]byte, bufferSize)
	for _, p := range d.byIdx {
		ep, ok := p.Endpoint()
		if !ok {
			continue
		}
		if d.useConnSock {
			d.openConnected(p, ep)
		}
		util.LogInfo("peer %s: initiating handshake with %s", p.Name(), ep)
		d.execute(p, p.SendHandshake(d.name, buf))
	}
}

// Peer returns the peer with the given local index.
func (d *Device) Peer(idx uint32) (*peer.Peer, bool) {
	if int(idx) >= len(d.byIdx) {
		return nil, false
	}
	return d.byIdx[idx], true
}

// PeerByName returns the peer with the given identity.
func (d *Device) PeerByName(name string) (*peer.Peer, bool) {
	p, ok := d.byName[name]
	return p, ok
}

// Run starts the worker pool and blocks until ctx is cancelled, then tears
// the device down. Workers stuck in the poller die with it.
func (d *Device) Run(ctx context.Context) error {
	for i := 0; i < d.workers; i++ {
		go d.worker(i)
	}
	util.LogInfo("device %s: %d workers on udp port %d", d.name, d.workers, d.port)

	<-ctx.Done()
	return d.Close()
}

// Close releases the poller, the tunnel device and every socket.
func (d *Device) Close() error {
	var errs []error
	if d.poller != nil {
		errs = append(errs, d.poller.Close())
	}
	if d.tun != nil {
		errs = append(errs, d.tun.Close())
	}
	if d.udpFd >= 0 {
		errs = append(errs, sock.Close(d.udpFd))
	}
	for _, p := range d.byIdx {
		if fd, ok := p.ConnFd(); ok {
			errs = append(errs, sock.Close(fd))
		}
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Event loop
// ---------------------------------------------------------------------------

// worker is one event-loop thread. All workers wait on the same poller;
// edge-triggered exclusive registration hands each readiness transition to
// exactly one of them. A wait failure is fatal to the worker only.
func (d *Device) worker(id int) {
	in := make([]byte, bufferSize)
	out := make([]byte, bufferSize)

	for {
		tok, err := d.poller.Wait()
		if err != nil {
			util.LogError("worker %d: %v — exiting", id, err)
			return
		}

		switch tok {
		case poll.TokenTunnel:
			d.drainTunnel(in, out)
		case poll.TokenDefault:
			d.drainDefault(in, out)
		default:
			idx, _ := tok.Peer()
			d.drainConnected(idx, in, out)
		}
	}
}

// drainTunnel reads outbound IP packets from the tunnel device until it
// would block, routing each to the owning peer by destination address.
func (d *Device) drainTunnel(in, out []byte) {
	for {
		n, err := d.tun.Read(in)
		if errors.Is(err, tun.ErrWouldBlock) {
			return
		}
		if err != nil {
			util.LogWarning("tun read: %v", err)
			return
		}
		if n == 0 {
			continue
		}

		util.Stats.AddTunRx(n)
		d.routeOutbound(in[:n], out)
	}
}

// routeOutbound encapsulates one IP packet for the peer owning its
// destination address. Packets with no owning peer are dropped.
func (d *Device) routeOutbound(pkt []byte, out []byte) {
	dst, ok := ipv4Destination(pkt)
	if !ok {
		util.Stats.AddDrop()
		return
	}

	p, ok := d.table.Lookup(dst)
	if !ok {
		util.LogDebug("no peer for destination %s", dst)
		util.Stats.AddDrop()
		return
	}

	d.execute(p, p.Encapsulate(pkt, out))
}

// drainDefault reads datagrams from the default socket until it would
// block. The source address accompanies each datagram so a peer's endpoint
// can be learned from its first packet.
func (d *Device) drainDefault(in, out []byte) {
	for {
		n, from, err := sock.ReadFrom(d.udpFd, in)
		if errors.Is(err, sock.ErrWouldBlock) {
			return
		}
		if err != nil {
			// Keep draining: the edge-triggered poller will not re-arm
			// for datagrams already queued behind this error.
			util.LogWarning("udp read: %v", err)
			continue
		}

		d.handleDatagram(in[:n], from, out)
	}
}

// drainConnected reads datagrams from one peer's connected socket until it
// would block. The remote address is fixed by the socket, so no source is
// tracked here.
func (d *Device) drainConnected(idx uint32, in, out []byte) {
	p, ok := d.Peer(idx)
	if !ok {
		return
	}
	fd, ok := p.ConnFd()
	if !ok {
		return
	}

	for {
		n, err := sock.Read(fd, in)
		if errors.Is(err, sock.ErrWouldBlock) {
			return
		}
		if err != nil {
			// A connected UDP socket surfaces ICMP failures (port
			// unreachable while the remote is still starting) as read
			// errors; datagrams may be queued behind them.
			util.LogWarning("peer %s read: %v", p.Name(), err)
			continue
		}

		d.handleDatagram(in[:n], netip.AddrPort{}, out)
	}
}

// handleDatagram decodes one datagram, resolves the peer — by identity for
// a HandshakeInit, by sender index otherwise — and executes the peer's
// decision. Malformed datagrams and unknown peers are dropped silently.
func (d *Device) handleDatagram(data []byte, from netip.AddrPort, out []byte) {
	util.Stats.AddUDPRx(len(data))

	pkt, err := protocol.Decode(data)
	if err != nil {
		util.LogDebug("dropping datagram: %v", err)
		util.Stats.AddDrop()
		return
	}

	var p *peer.Peer
	if pkt.Kind == protocol.KindHandshakeInit {
		p = d.byName[string(pkt.Name)]
	} else if int(pkt.Sender) < len(d.byIdx) {
		p = d.byIdx[pkt.Sender]
	}
	if p == nil {
		util.LogDebug("dropping datagram from unknown peer")
		util.Stats.AddDrop()
		return
	}

	d.observeEndpoint(p, from)
	d.executeFiltered(p, p.HandleIncoming(pkt, out))
}

// observeEndpoint records the peer's address the first time any packet is
// seen from it (trust on first packet) and, when enabled, upgrades the peer
// to a dedicated connected socket.
func (d *Device) observeEndpoint(p *peer.Peer, from netip.AddrPort) {
	if !p.SetEndpoint(from) {
		return
	}
	util.LogInfo("peer %s: endpoint learned %s", p.Name(), from)
	if d.useConnSock {
		d.openConnected(p, from)
	}
}

// openConnected opens a connected socket for the peer, bound to the same
// local port as the default socket, and registers it with the poller. Any
// previous socket for the peer is deregistered and closed first.
func (d *Device) openConnected(p *peer.Peer, addr netip.AddrPort) {
	if old, ok := p.ConnFd(); ok {
		if err := d.poller.Deregister(old); err != nil {
			util.LogWarning("peer %s: %v", p.Name(), err)
		}
		sock.Close(old)
	}

	fd, err := sock.Connect(d.port, addr)
	if err != nil {
		util.LogWarning("peer %s: connected socket: %v", p.Name(), err)
		return
	}

	p.SwapConnFd(fd)
	if err := d.poller.RegisterRead(poll.PeerToken(p.LocalIdx()), fd); err != nil {
		util.LogWarning("peer %s: %v", p.Name(), err)
		p.SwapConnFd(-1)
		sock.Close(fd)
	}
}

// executeFiltered executes an action from the inbound path: a tunnel write
// is honored only when the recovered source address falls inside the peer's
// allowed ranges.
func (d *Device) executeFiltered(p *peer.Peer, act peer.Action) {
	if act.Kind == peer.ActionWriteToTunnel && !p.AllowsSource(act.Src) {
		util.LogDebug("peer %s: source %s outside allowed ranges", p.Name(), act.Src)
		util.Stats.AddDrop()
		return
	}
	d.execute(p, act)
}

// execute performs an action. Write errors are logged and the loop carries
// on — transport failures are never fatal.
func (d *Device) execute(p *peer.Peer, act peer.Action) {
	switch act.Kind {
	case peer.ActionWriteToNetwork:
		d.sendToPeer(p, act.Data)

	case peer.ActionWriteToTunnel:
		if _, err := d.tun.Write(act.Data); err != nil {
			util.LogWarning("tun write: %v", err)
			return
		}
		util.Stats.AddTunTx(len(act.Data))
	}
}

// sendToPeer writes one datagram to the peer: through its connected socket
// when present, otherwise via the default socket to its known address.
// With no known address the datagram is silently dropped.
func (d *Device) sendToPeer(p *peer.Peer, data []byte) {
	if fd, ok := p.ConnFd(); ok {
		if err := sock.Write(fd, data); err != nil {
			util.LogWarning("peer %s send: %v", p.Name(), err)
			return
		}
		util.Stats.AddUDPTx(len(data))
		return
	}

	ep, ok := p.Endpoint()
	if !ok {
		util.LogDebug("peer %s: no known endpoint, dropping", p.Name())
		util.Stats.AddDrop()
		return
	}
	if err := sock.WriteTo(d.udpFd, data, ep); err != nil {
		util.LogWarning("peer %s send: %v", p.Name(), err)
		return
	}
	util.Stats.AddUDPTx(len(data))
}
