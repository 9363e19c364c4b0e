package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Decode errors. Callers are expected to drop the datagram on any of these.
var (
	ErrTruncated   = errors.New("protocol: truncated packet")
	ErrBadKind     = errors.New("protocol: unknown packet kind")
	ErrBufTooSmall = errors.New("protocol: encode buffer too small")
)

// EncodedSize returns the number of bytes Encode will write for pkt.
func EncodedSize(pkt *Packet) int {
	switch pkt.Kind {
	case KindHandshakeInit:
		return HandshakeInitHeaderSize + len(pkt.Name)
	case KindHandshakeResponse:
		return HandshakeResponseSize
	case KindData:
		return DataHeaderSize + len(pkt.Payload)
	}
	return 0
}

// Encode serializes pkt into buf and returns the number of bytes written.
// It never allocates; buf must be at least EncodedSize(pkt) bytes.
func Encode(pkt *Packet, buf []byte) (int, error) {
	size := EncodedSize(pkt)
	if size == 0 {
		return 0, fmt.Errorf("%w: 0x%02x", ErrBadKind, pkt.Kind)
	}
	if len(buf) < size {
		return 0, fmt.Errorf("%w: need %d, have %d", ErrBufTooSmall, size, len(buf))
	}

	buf[0] = pkt.Kind
	switch pkt.Kind {
	case KindHandshakeInit:
		if len(pkt.Name) > MaxNameLen {
			return 0, fmt.Errorf("protocol: name too long (%d bytes)", len(pkt.Name))
		}
		binary.BigEndian.PutUint32(buf[1:5], pkt.Sender)
		binary.BigEndian.PutUint16(buf[5:7], uint16(len(pkt.Name)))
		copy(buf[HandshakeInitHeaderSize:], pkt.Name)

	case KindHandshakeResponse:
		binary.BigEndian.PutUint32(buf[1:5], pkt.Assigned)
		binary.BigEndian.PutUint32(buf[5:9], pkt.Sender)

	case KindData:
		binary.BigEndian.PutUint32(buf[1:5], pkt.Sender)
		copy(buf[DataHeaderSize:], pkt.Payload)
	}

	return size, nil
}

// Decode parses a wire message. The returned packet's Name and Payload
// slices alias data — callers that retain them past the lifetime of the
// receive buffer must copy.
func Decode(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, ErrTruncated
	}

	pkt := &Packet{Kind: data[0]}
	switch pkt.Kind {
	case KindHandshakeInit:
		if len(data) < HandshakeInitHeaderSize {
			return nil, ErrTruncated
		}
		pkt.Sender = binary.BigEndian.Uint32(data[1:5])
		nameLen := int(binary.BigEndian.Uint16(data[5:7]))
		if nameLen > MaxNameLen || len(data) < HandshakeInitHeaderSize+nameLen {
			return nil, ErrTruncated
		}
		pkt.Name = data[HandshakeInitHeaderSize : HandshakeInitHeaderSize+nameLen]

	case KindHandshakeResponse:
		if len(data) < HandshakeResponseSize {
			return nil, ErrTruncated
		}
		pkt.Assigned = binary.BigEndian.Uint32(data[1:5])
		pkt.Sender = binary.BigEndian.Uint32(data[5:9])

	case KindData:
		if len(data) < DataHeaderSize {
			return nil, ErrTruncated
		}
		pkt.Sender = binary.BigEndian.Uint32(data[1:5])
		pkt.Payload = data[DataHeaderSize:]

	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrBadKind, pkt.Kind)
	}

	return pkt, nil
}
