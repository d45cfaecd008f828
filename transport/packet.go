// Package transport implements the network transport layer for the DHT.
//
// This package handles packet framing and UDP communication. The encrypted
// framing that wraps these packets on the wire is layered on top by the
// surrounding system and is not part of this package.
//
// Example:
//
//	tp, err := transport.NewUDPTransport(":33445")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	packet := &transport.Packet{
//	    PacketType: transport.PacketNodesRequest,
//	    Data:       []byte{...},
//	}
//
//	err = tp.Send(packet, remoteAddr)
package transport

import (
	"errors"
)

// PacketType identifies the type of a DHT packet.
type PacketType byte

const (
	PacketPingRequest PacketType = iota + 1
	PacketPingResponse
	PacketNodesRequest
	PacketNodesResponse
)

// Packet represents a DHT protocol packet.
type Packet struct {
	PacketType PacketType
	Data       []byte
}

// Serialize converts a packet to a byte slice for transmission.
func (p *Packet) Serialize() ([]byte, error) {
	if p.Data == nil {
		return nil, errors.New("packet data is nil")
	}

	// Format: [packet type (1 byte)][data (variable length)]
	result := make([]byte, 1+len(p.Data))
	result[0] = byte(p.PacketType)
	copy(result[1:], p.Data)

	return result, nil
}

// ParsePacket converts a byte slice to a Packet structure.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, errors.New("packet too short")
	}

	packet := &Packet{
		PacketType: PacketType(data[0]),
		Data:       make([]byte, len(data)-1),
	}
	copy(packet.Data, data[1:])

	return packet, nil
}
