package netchan

import (
	"time"

	"github.com/duskwire/netchan/internal/message"
)

// Counter indexes into a channel's per-kind traffic counters.
type Counter int

const (
	CounterMessagesSent Counter = iota
	CounterMessagesReceived
	CounterBytesSent
	CounterBytesReceived
	numCounters
)

// Channel is the per-peer, per-channel state machine interface that
// Connection drives. A ReliableOrderedChannel and an
// UnreliableUnorderedChannel are the two concrete implementations;
// Connection holds one Channel per configured slot and never branches on
// concrete type.
type Channel interface {
	CanSendMessage() bool
	HasMessagesToSend() bool

	SendMessage(m message.Message) bool
	ReceiveMessage() message.Message

	// GetPacketData is called once per tick per channel by
	// Connection.GeneratePacket, which has already reserved
	// packetSequence for the packet being assembled. It returns
	// ok=false if the channel has nothing to contribute within
	// availableBits.
	GetPacketData(packetSequence uint16, availableBits int) (ChannelPacketData, bool)

	// ProcessPacketData dispatches a deserialized ChannelPacketData that
	// arrived tagged for this channel as part of packetSequence.
	ProcessPacketData(data *ChannelPacketData, packetSequence uint16)

	// ProcessAck notifies the channel that the reliable-endpoint
	// collaborator observed packetSequence acked by the peer.
	ProcessAck(packetSequence uint16)

	AdvanceTime(t time.Time)
	Reset()

	ErrorLevel() ChannelErrorLevel

	Counter(c Counter) uint64
}
