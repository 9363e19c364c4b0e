// Package protocol defines the wire format for the mole UDP tunnel.
package protocol

// Packet kind constants. Every datagram starts with one of these.
const (
	KindHandshakeInit     uint8 = 0x01 // peer name + sender local index
	KindHandshakeResponse uint8 = 0x02 // assigned index + echoed sender index
	KindData              uint8 = 0x03 // sender index + raw IPv4 packet
)

// Fixed sizes per kind: the kind byte plus the fixed integer fields.
const (
	HandshakeInitHeaderSize = 1 + 4 + 2 // kind + sender idx + name length prefix
	HandshakeResponseSize   = 1 + 4 + 4 // kind + assigned idx + echoed sender idx
	DataHeaderSize          = 1 + 4     // kind + sender idx
)

// MaxNameLen bounds the identity string carried in a HandshakeInit.
const MaxNameLen = 255

// Packet is the decoded form of a wire message. Which fields are meaningful
// depends on Kind:
//
//	KindHandshakeInit:     Sender (initiator's local index), Name
//	KindHandshakeResponse: Assigned (responder's local index), Sender (echo)
//	KindData:              Sender (the index the receiver assigned to the
//	                       sender, so it resolves the peer by index), Payload
type Packet struct {
	Kind     uint8
	Sender   uint32
	Assigned uint32
	Name     []byte // HandshakeInit only
	Payload  []byte // Data only
}
