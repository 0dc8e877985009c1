package netchan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskwire/netchan/internal/message"
)

func TestUnreliableUnorderedChannelAtMostOnceDelivery(t *testing.T) {
	cfg := smallChannelConfig(ChannelTypeUnreliableUnordered)
	cfg.MaxMessagesPerPacket = 32
	cfg.MessageSendQueueSize = 1024
	cfg.MessageReceiveQueueSize = 1024
	cfg.SentPacketBufferSize = 1024
	factory := testFactory()
	params := channelCodecParams(factory, cfg, false)

	sender := NewUnreliableUnorderedChannel(cfg, factory, testLogger())
	receiver := NewUnreliableUnorderedChannel(cfg, factory, testLogger())

	const total = 100
	for i := 0; i < total; i++ {
		require.True(t, sender.SendMessage(factory.CreateMessage(testMsgType)))
	}

	data, ok := sender.GetPacketData(0, 4096)
	require.True(t, ok)
	assert.LessOrEqual(t, len(data.Messages), cfg.MaxMessagesPerPacket)

	onWire, ok := roundTripChannelPacket(data, params)
	require.True(t, ok)
	receiver.ProcessPacketData(&onWire, 0)

	// Everything past the first packet's worth was dropped, never
	// queued for a later retry.
	assert.False(t, sender.HasMessagesToSend())

	delivered := 0
	for {
		m := receiver.ReceiveMessage()
		if m == nil {
			break
		}
		delivered++
	}
	assert.Equal(t, len(data.Messages), delivered)
	assert.Less(t, delivered, total)
}

func TestUnreliableUnorderedChannelOverwritesIdWithPacketSequence(t *testing.T) {
	cfg := smallChannelConfig(ChannelTypeUnreliableUnordered)
	factory := testFactory()
	params := channelCodecParams(factory, cfg, false)

	sender := NewUnreliableUnorderedChannel(cfg, factory, testLogger())
	receiver := NewUnreliableUnorderedChannel(cfg, factory, testLogger())

	require.True(t, sender.SendMessage(factory.CreateMessage(testMsgType)))
	data, ok := sender.GetPacketData(0, 4096)
	require.True(t, ok)

	onWire, ok := roundTripChannelPacket(data, params)
	require.True(t, ok)

	const packetSequence = uint16(777)
	receiver.ProcessPacketData(&onWire, packetSequence)

	m := receiver.ReceiveMessage()
	require.NotNil(t, m)
	assert.Equal(t, packetSequence, m.Id())
}

// TestUnreliableUnorderedChannelSkipsOversizedMessageInsteadOfStopping
// queues one message too large for the budget ahead of two that fit:
// packing must drop the oversized one and keep going, not give up on the
// whole packet the moment it sees something that doesn't fit.
func TestUnreliableUnorderedChannelSkipsOversizedMessageInsteadOfStopping(t *testing.T) {
	cfg := smallChannelConfig(ChannelTypeUnreliableUnordered)
	factory := testFactory()

	sender := NewUnreliableUnorderedChannel(cfg, factory, testLogger())

	big := factory.CreateMessage(testBlockType).(*message.TestBlockMessage)
	big.SetBlockData(make([]byte, 50))
	require.True(t, sender.SendMessage(big))

	require.True(t, sender.SendMessage(factory.CreateMessage(testMsgType)))
	require.True(t, sender.SendMessage(factory.CreateMessage(testMsgType)))

	data, ok := sender.GetPacketData(0, 300)
	require.True(t, ok)
	assert.Len(t, data.Messages, 2)
	for _, m := range data.Messages {
		assert.Equal(t, testMsgType, m.MessageType())
	}
}

// TestUnreliableUnorderedChannelPacketBudgetClampsBelowAvailableBits
// mirrors the reliable-ordered channel's equivalent test: a channel's own
// PacketBudget caps its packing even when the connection offers far more
// room than the budget allows.
func TestUnreliableUnorderedChannelPacketBudgetClampsBelowAvailableBits(t *testing.T) {
	cfg := smallChannelConfig(ChannelTypeUnreliableUnordered)
	cfg.PacketBudget = 10 // bytes
	factory := testFactory()

	c := NewUnreliableUnorderedChannel(cfg, factory, testLogger())
	for i := 0; i < 3; i++ {
		require.True(t, c.SendMessage(factory.CreateMessage(testMsgType)))
	}

	data, ok := c.GetPacketData(0, 4096)
	require.True(t, ok)
	assert.Len(t, data.Messages, 1)
}

func TestUnreliableUnorderedChannelAckIsNoOp(t *testing.T) {
	cfg := smallChannelConfig(ChannelTypeUnreliableUnordered)
	factory := testFactory()
	c := NewUnreliableUnorderedChannel(cfg, factory, testLogger())
	c.ProcessAck(123) // must not panic; this channel tracks no per-packet state
}

func TestUnreliableUnorderedChannelSendQueueFullLatchesError(t *testing.T) {
	cfg := smallChannelConfig(ChannelTypeUnreliableUnordered)
	factory := testFactory()
	c := NewUnreliableUnorderedChannel(cfg, factory, testLogger())

	for i := 0; i < cfg.MessageSendQueueSize; i++ {
		require.True(t, c.SendMessage(factory.CreateMessage(testMsgType)))
	}
	assert.False(t, c.SendMessage(factory.CreateMessage(testMsgType)))
	assert.Equal(t, ChannelErrorLevelSendQueueFull, c.ErrorLevel())
}
