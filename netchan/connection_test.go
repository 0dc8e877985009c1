package netchan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoChannelConfig() ConnectionConfig {
	return ConnectionConfig{
		Channels: []ChannelConfig{
			smallChannelConfig(ChannelTypeReliableOrdered),
			smallChannelConfig(ChannelTypeReliableOrdered),
		},
		MaxPacketSize: 4096,
	}
}

func TestConnectionGeneratePacketMultiplexesChannels(t *testing.T) {
	factory := testFactory()
	sender := NewConnection(twoChannelConfig(), factory, testLogger())
	receiver := NewConnection(twoChannelConfig(), factory, testLogger())

	require.True(t, sender.SendMessage(0, factory.CreateMessage(testMsgType)))
	require.True(t, sender.SendMessage(1, factory.CreateMessage(testMsgType)))

	buf, err := sender.GeneratePacket(0, 4096)
	require.NoError(t, err)
	require.True(t, receiver.ProcessPacket(0, buf))

	assert.NotNil(t, receiver.ReceiveMessage(0))
	assert.NotNil(t, receiver.ReceiveMessage(1))
}

func TestConnectionGeneratePacketSkipsChannelThatDoesNotFitBudget(t *testing.T) {
	factory := testFactory()
	sender := NewConnection(twoChannelConfig(), factory, testLogger())

	require.True(t, sender.SendMessage(0, factory.CreateMessage(testMsgType)))
	require.True(t, sender.SendMessage(1, factory.CreateMessage(testMsgType)))

	// Sized so channel 0's single message consumes the whole budget,
	// leaving channel 1 without even a channel-header's worth of room.
	buf, err := sender.GeneratePacket(0, 14)
	require.NoError(t, err)
	require.NotEmpty(t, buf)

	// Channel 1 never got a chance to produce packet data, so its
	// message is still exactly where SendMessage left it.
	assert.True(t, sender.HasMessagesToSend(1))

	receiver := NewConnection(twoChannelConfig(), factory, testLogger())
	require.True(t, receiver.ProcessPacket(0, buf))
	assert.NotNil(t, receiver.ReceiveMessage(0))
	assert.Nil(t, receiver.ReceiveMessage(1))
}

func TestConnectionProcessAcksFansOutToEveryChannel(t *testing.T) {
	factory := testFactory()
	sender := NewConnection(twoChannelConfig(), factory, testLogger())

	require.True(t, sender.SendMessage(0, factory.CreateMessage(testMsgType)))
	require.True(t, sender.SendMessage(1, factory.CreateMessage(testMsgType)))

	_, err := sender.GeneratePacket(0, 4096)
	require.NoError(t, err)

	sender.ProcessAcks([]uint16{0})

	assert.False(t, sender.HasMessagesToSend(0))
	assert.False(t, sender.HasMessagesToSend(1))
}

func TestConnectionAdvanceTimePromotesChannelErrorToConnectionLevel(t *testing.T) {
	factory := testFactory()
	cfg := twoChannelConfig()
	conn := NewConnection(cfg, factory, testLogger())

	for i := 0; i < cfg.Channels[0].MessageSendQueueSize; i++ {
		require.True(t, conn.SendMessage(0, factory.CreateMessage(testMsgType)))
	}
	assert.False(t, conn.SendMessage(0, factory.CreateMessage(testMsgType)))

	assert.Equal(t, ConnectionErrorLevelNone, conn.ErrorLevel())
	conn.AdvanceTime(time.Now())
	assert.Equal(t, ConnectionErrorLevelChannel, conn.ErrorLevel())
}

func TestConnectionResetClearsChannelsAndError(t *testing.T) {
	factory := testFactory()
	cfg := twoChannelConfig()
	conn := NewConnection(cfg, factory, testLogger())

	for i := 0; i < cfg.Channels[0].MessageSendQueueSize; i++ {
		require.True(t, conn.SendMessage(0, factory.CreateMessage(testMsgType)))
	}
	conn.SendMessage(0, factory.CreateMessage(testMsgType)) // latches the error
	conn.AdvanceTime(time.Now())
	require.Equal(t, ConnectionErrorLevelChannel, conn.ErrorLevel())

	conn.Reset()

	assert.Equal(t, ConnectionErrorLevelNone, conn.ErrorLevel())
	assert.False(t, conn.HasMessagesToSend(0))
	assert.False(t, conn.HasMessagesToSend(1))
}

func TestConnectionChannelIndexOutOfRange(t *testing.T) {
	factory := testFactory()
	conn := NewConnection(twoChannelConfig(), factory, testLogger())

	assert.False(t, conn.SendMessage(5, factory.CreateMessage(testMsgType)))
	assert.Nil(t, conn.ReceiveMessage(5))
	assert.False(t, conn.CanSendMessage(5))
	assert.False(t, conn.HasMessagesToSend(5))
}
