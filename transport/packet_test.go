package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketSerialize(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		packet := &Packet{
			PacketType: PacketNodesRequest,
			Data:       []byte{0xAA, 0xBB, 0xCC},
		}

		data, err := packet.Serialize()
		require.NoError(t, err)
		assert.Equal(t, byte(PacketNodesRequest), data[0])

		parsed, err := ParsePacket(data)
		require.NoError(t, err)
		assert.Equal(t, packet.PacketType, parsed.PacketType)
		assert.Equal(t, packet.Data, parsed.Data)
	})

	t.Run("NilData", func(t *testing.T) {
		packet := &Packet{PacketType: PacketPingRequest}
		_, err := packet.Serialize()
		assert.Error(t, err)
	})

	t.Run("EmptyBuffer", func(t *testing.T) {
		_, err := ParsePacket(nil)
		assert.Error(t, err)
	})
}

func TestUDPTransportDelivery(t *testing.T) {
	sender, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer sender.Close()

	receiver, err := NewUDPTransport("127.0.0.1:0")
	require.NoError(t, err)
	defer receiver.Close()

	received := make(chan *Packet, 1)
	receiver.RegisterHandler(PacketPingRequest, func(packet *Packet, addr net.Addr) error {
		received <- packet
		return nil
	})

	packet := &Packet{
		PacketType: PacketPingRequest,
		Data:       []byte{0x01, 0x02},
	}
	require.NoError(t, sender.Send(packet, receiver.LocalAddr()))

	select {
	case got := <-received:
		assert.Equal(t, packet.Data, got.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("packet was not delivered")
	}
}
