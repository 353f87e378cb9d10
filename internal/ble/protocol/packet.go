// Package protocol implements the application-layer framing used to push
// payloads larger than one GATT write to the LED matrix peripheral.
//
// Every write is a packet: one type byte, one index byte, then a body. A
// transfer is a single header packet announcing the total size followed by
// data packets carrying the payload in order.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PacketType is the first byte of every packet.
type PacketType byte

const (
	PacketTypeHeader PacketType = 0x01
	PacketTypeData   PacketType = 0x02
)

func (t PacketType) String() string {
	switch t {
	case PacketTypeHeader:
		return "header"
	case PacketTypeData:
		return "data"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

const (
	// HeaderOverhead is the type + index prefix carried by every packet.
	HeaderOverhead = 2
	// SizeFieldLen is the width of the big-endian total size in a header packet.
	SizeFieldLen = 4
	// HeaderIndex is the index byte of the header packet.
	HeaderIndex = 0x00
	// MinMTU is the BLE ATT floor every link supports.
	MinMTU = 23
)

var (
	ErrShortPacket   = errors.New("protocol: packet too short")
	ErrUnknownType   = errors.New("protocol: unknown packet type")
	ErrMTUTooSmall   = errors.New("protocol: mtu too small")
	ErrEmptyPayload  = errors.New("protocol: empty payload")
	ErrSizeOverflow  = errors.New("protocol: payload size exceeds 32 bits")
	ErrUnexpectedPkt = errors.New("protocol: unexpected packet")
)

// Packet is a decoded header or data packet. TotalSize is only set for
// headers; Payload only for data packets.
type Packet struct {
	Type      PacketType
	Index     byte
	TotalSize uint32
	Payload   []byte
}

// ChunkSize returns the number of payload bytes a data packet carries at the
// given MTU.
func ChunkSize(mtu int) (int, error) {
	if mtu < MinMTU {
		return 0, fmt.Errorf("%w: %d < %d", ErrMTUTooSmall, mtu, MinMTU)
	}
	return mtu - HeaderOverhead, nil
}

// EncodeHeader builds the header packet announcing totalSize, zero-padded to
// the full mtu width.
func EncodeHeader(totalSize int, mtu int) ([]byte, error) {
	if mtu < MinMTU {
		return nil, fmt.Errorf("%w: %d < %d", ErrMTUTooSmall, mtu, MinMTU)
	}
	if totalSize <= 0 {
		return nil, ErrEmptyPayload
	}
	if uint64(totalSize) > 0xFFFFFFFF {
		return nil, ErrSizeOverflow
	}
	buf := make([]byte, mtu)
	buf[0] = byte(PacketTypeHeader)
	buf[1] = HeaderIndex
	binary.BigEndian.PutUint32(buf[HeaderOverhead:HeaderOverhead+SizeFieldLen], uint32(totalSize))
	return buf, nil
}

// EncodeData builds a data packet. The index is the chunk sequence number
// truncated to 8 bits.
func EncodeData(index int, payload []byte) []byte {
	buf := make([]byte, HeaderOverhead+len(payload))
	buf[0] = byte(PacketTypeData)
	buf[1] = byte(index)
	copy(buf[HeaderOverhead:], payload)
	return buf
}

// Decode parses a raw packet. The returned payload aliases pkt.
func Decode(pkt []byte) (Packet, error) {
	if len(pkt) < HeaderOverhead {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(pkt))
	}
	p := Packet{Type: PacketType(pkt[0]), Index: pkt[1]}
	switch p.Type {
	case PacketTypeHeader:
		if len(pkt) < HeaderOverhead+SizeFieldLen {
			return Packet{}, fmt.Errorf("%w: header is %d bytes", ErrShortPacket, len(pkt))
		}
		p.TotalSize = binary.BigEndian.Uint32(pkt[HeaderOverhead : HeaderOverhead+SizeFieldLen])
	case PacketTypeData:
		p.Payload = pkt[HeaderOverhead:]
	default:
		return Packet{}, fmt.Errorf("%w: 0x%02x", ErrUnknownType, pkt[0])
	}
	return p, nil
}
