package netchan

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/duskwire/netchan/internal/bitstream"
	"github.com/duskwire/netchan/internal/message"
)

// UnreliableUnorderedChannel delivers messages at most once, with no
// ordering guarantee and no retransmission: a message that doesn't fit
// in the current tick's packet budget is dropped rather than queued for
// later.
type UnreliableUnorderedChannel struct {
	config  ChannelConfig
	factory message.Factory
	log     *logrus.Entry

	sendQueue    []message.Message
	receiveQueue []message.Message

	errorLevel ChannelErrorLevel
	counters   [numCounters]uint64

	now time.Time
}

func NewUnreliableUnorderedChannel(config ChannelConfig, factory message.Factory, log *logrus.Entry) *UnreliableUnorderedChannel {
	return &UnreliableUnorderedChannel{config: config, factory: factory, log: log}
}

func (c *UnreliableUnorderedChannel) ErrorLevel() ChannelErrorLevel { return c.errorLevel }
func (c *UnreliableUnorderedChannel) Counter(k Counter) uint64      { return c.counters[k] }

func (c *UnreliableUnorderedChannel) setError(level ChannelErrorLevel) {
	if c.errorLevel == ChannelErrorLevelNone {
		c.errorLevel = level
		c.log.WithField("error", level.String()).Warn("unreliable channel latched error")
	}
}

func (c *UnreliableUnorderedChannel) CanSendMessage() bool {
	return c.errorLevel == ChannelErrorLevelNone && len(c.sendQueue) < c.config.MessageSendQueueSize
}

func (c *UnreliableUnorderedChannel) HasMessagesToSend() bool {
	return len(c.sendQueue) > 0
}

func (c *UnreliableUnorderedChannel) SendMessage(m message.Message) bool {
	if c.errorLevel != ChannelErrorLevelNone {
		return false
	}
	if !c.CanSendMessage() {
		c.setError(ChannelErrorLevelSendQueueFull)
		return false
	}
	if m.IsBlockMessage() && c.config.DisableBlocks {
		c.setError(ChannelErrorLevelBlocksDisabled)
		return false
	}
	c.sendQueue = append(c.sendQueue, m)
	c.counters[CounterMessagesSent]++
	return true
}

func (c *UnreliableUnorderedChannel) ReceiveMessage() message.Message {
	if c.errorLevel != ChannelErrorLevelNone || len(c.receiveQueue) == 0 {
		return nil
	}
	m := c.receiveQueue[0]
	c.receiveQueue = c.receiveQueue[1:]
	c.counters[CounterMessagesReceived]++
	return m
}

func (c *UnreliableUnorderedChannel) AdvanceTime(t time.Time) { c.now = t }

func (c *UnreliableUnorderedChannel) Reset() {
	for _, m := range c.sendQueue {
		c.factory.Release(m)
	}
	for _, m := range c.receiveQueue {
		c.factory.Release(m)
	}
	c.sendQueue = nil
	c.receiveQueue = nil
	c.errorLevel = ChannelErrorLevelNone
	c.counters = [numCounters]uint64{}
}

// GetPacketData pops messages off the send queue in FIFO order, packing
// whatever fits into availableBits (first clamped to the channel's own
// PacketBudget, if configured); a message that doesn't fit is dropped
// (never requeued, since the channel makes no delivery guarantee) and
// packing continues with the next, smaller message. Packing stops once
// maxMessagesPerPacket is reached or fewer than giveUpBits remain, the
// same give-up threshold yojimbo's reliable channel uses to stop probing
// a budget too small to be worth it.
func (c *UnreliableUnorderedChannel) GetPacketData(packetSequence uint16, availableBits int) (ChannelPacketData, bool) {
	if c.errorLevel != ChannelErrorLevelNone || len(c.sendQueue) == 0 {
		return ChannelPacketData{}, false
	}

	if budget := c.config.PacketBudget * 8; budget > 0 && availableBits > budget {
		availableBits = budget
	}

	const giveUpBits = 4 * 8

	var selected []message.Message
	budget := availableBits
	typeCost := typeBits(c.factory)

	for len(c.sendQueue) > 0 && len(selected) < c.config.MaxMessagesPerPacket {
		if budget < giveUpBits {
			break
		}

		m := c.sendQueue[0]
		c.sendQueue = c.sendQueue[1:]

		measure := bitstream.NewMeasureStream()
		m.Serialize(measure)
		payloadBits := measure.BitsProcessed()
		cost := payloadBits + typeCost + 16 + envelopeBitsForBlockSize(c.config.MaxBlockSize)
		blockBytes := 0
		if m.IsBlockMessage() {
			blk := m.(message.BlockMessage)
			cost += bitstream.BitsRequired(0, int32(c.config.MaxBlockSize)) + blk.BlockSize()*8
			blockBytes = blk.BlockSize()
		}

		if cost > budget {
			c.factory.Release(m)
			continue
		}

		selected = append(selected, m)
		budget -= cost
		c.counters[CounterBytesSent] += uint64((payloadBits+7)/8) + uint64(blockBytes)
	}

	// Everything remaining in the queue after this tick's packet is
	// filled is dropped: unreliable-unordered never requeues.
	for _, m := range c.sendQueue {
		c.factory.Release(m)
	}
	c.sendQueue = nil

	if len(selected) == 0 {
		return ChannelPacketData{}, false
	}
	return ChannelPacketData{Messages: selected}, true
}

// ProcessPacketData pushes every carried message onto the receive FIFO,
// dropping anything past capacity, and overwrites each message's id with
// packetSequence as a cheap dedup hint for consumers.
func (c *UnreliableUnorderedChannel) ProcessPacketData(data *ChannelPacketData, packetSequence uint16) {
	if c.errorLevel != ChannelErrorLevelNone {
		return
	}
	if data.MessageFailedToSerialize {
		c.setError(ChannelErrorLevelFailedToSerialize)
		return
	}

	for _, m := range data.Messages {
		if len(c.receiveQueue) >= c.config.MessageReceiveQueueSize {
			c.factory.Release(m)
			continue
		}
		m.SetId(packetSequence)
		c.receiveQueue = append(c.receiveQueue, m)

		measure := bitstream.NewMeasureStream()
		m.Serialize(measure)
		bytes := (measure.BitsProcessed() + 7) / 8
		if m.IsBlockMessage() {
			bytes += m.(message.BlockMessage).BlockSize()
		}
		c.counters[CounterBytesReceived] += uint64(bytes)
	}
}

func (c *UnreliableUnorderedChannel) ProcessAck(packetSequence uint16) {
	// Unreliable-unordered never retains per-packet state to ack against.
}
