package netchan

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/duskwire/netchan/internal/bitstream"
	"github.com/duskwire/netchan/internal/message"
)

// Conservative per-structure header reservations subtracted from a
// packet's byte budget before channels are asked to contribute, so that
// the sum of what channels measure never actually overruns maxBytes once
// the surrounding framing is added.
const (
	ConservativePacketHeaderBits  = 32
	ConservativeChannelHeaderBits = 16

	// ConservativeMessageHeaderBits is the per-message budget a channel
	// gives up packing more messages below, cheaper than measuring one
	// more candidate exactly.
	ConservativeMessageHeaderBits = 32

	// ConservativeFragmentHeaderBits is the per-block-fragment header
	// reservation: message id, fragment count, fragment id and the
	// type tag carried on fragment zero.
	ConservativeFragmentHeaderBits = 64
)

// connectionPacket is the wire body Connection.GeneratePacket produces
// and Connection.ProcessPacket consumes: the subset of channels that had
// something to say this tick, each tagged with its index.
type connectionPacket struct {
	entries []channelEntry
}

type channelEntry struct {
	channelIndex int
	data         ChannelPacketData
}

func (p *connectionPacket) serialize(stream bitstream.Stream, numChannels int, factories []codecParams) bool {
	numEntries := int32(len(p.entries))
	if !stream.SerializeInt(&numEntries, 0, int32(numChannels)) {
		return false
	}

	if stream.IsReading() {
		p.entries = make([]channelEntry, numEntries)
	}

	for i := 0; i < int(numEntries); i++ {
		entry := &p.entries[i]

		idx := int32(entry.channelIndex)
		if numChannels > 1 {
			if !stream.SerializeInt(&idx, 0, int32(numChannels-1)) {
				return false
			}
		} else {
			idx = 0
		}
		entry.channelIndex = int(idx)

		if entry.channelIndex < 0 || entry.channelIndex >= len(factories) {
			return false
		}
		if !entry.data.Serialize(stream, factories[entry.channelIndex]) {
			return false
		}
	}

	return true
}

// Connection bundles the Channels for one peer, multiplexing their
// outgoing data into a single packet per tick and dispatching inbound
// packets to the matching channel.
type Connection struct {
	config  ConnectionConfig
	factory message.Factory
	log     *logrus.Entry

	channels []Channel
	params   []codecParams

	errorLevel ConnectionErrorLevel
	now        time.Time
}

// NewConnection constructs one Channel per entry in config.Channels.
func NewConnection(config ConnectionConfig, factory message.Factory, log *logrus.Entry) *Connection {
	conn := &Connection{
		config:  config,
		factory: factory,
		log:     log,
	}

	for i, chCfg := range config.Channels {
		chLog := log.WithField("channel", i)
		maxFragments := (chCfg.MaxBlockSize + chCfg.BlockFragmentSize - 1) / chCfg.BlockFragmentSize
		if maxFragments < 1 {
			maxFragments = 1
		}

		params := codecParams{
			factory:              factory,
			maxMessagesPerPacket: chCfg.MaxMessagesPerPacket,
			maxFragments:         maxFragments,
			blockFragmentSize:    chCfg.BlockFragmentSize,
			maxBlockSize:         chCfg.MaxBlockSize,
		}

		var ch Channel
		switch chCfg.Type {
		case ChannelTypeReliableOrdered:
			params.ordered = true
			ch = NewReliableOrderedChannel(chCfg, factory, chLog)
		case ChannelTypeUnreliableUnordered:
			params.ordered = false
			ch = NewUnreliableUnorderedChannel(chCfg, factory, chLog)
		}

		conn.channels = append(conn.channels, ch)
		conn.params = append(conn.params, params)
	}

	return conn
}

func (c *Connection) NumChannels() int { return len(c.channels) }

func (c *Connection) ErrorLevel() ConnectionErrorLevel { return c.errorLevel }

func (c *Connection) channel(index int) (Channel, error) {
	if index < 0 || index >= len(c.channels) {
		return nil, ErrChannelIndexOutOfRange
	}
	return c.channels[index], nil
}

func (c *Connection) CanSendMessage(channelIndex int) bool {
	ch, err := c.channel(channelIndex)
	if err != nil {
		return false
	}
	return ch.CanSendMessage()
}

// Counter returns channelIndex's kind-k traffic counter, or 0 if
// channelIndex is out of range.
func (c *Connection) Counter(channelIndex int, k Counter) uint64 {
	ch, err := c.channel(channelIndex)
	if err != nil {
		return 0
	}
	return ch.Counter(k)
}

func (c *Connection) HasMessagesToSend(channelIndex int) bool {
	ch, err := c.channel(channelIndex)
	if err != nil {
		return false
	}
	return ch.HasMessagesToSend()
}

func (c *Connection) SendMessage(channelIndex int, m message.Message) bool {
	ch, err := c.channel(channelIndex)
	if err != nil || m == nil {
		return false
	}
	return ch.SendMessage(m)
}

func (c *Connection) ReceiveMessage(channelIndex int) message.Message {
	ch, err := c.channel(channelIndex)
	if err != nil {
		return nil
	}
	return ch.ReceiveMessage()
}

func (c *Connection) ReleaseMessage(m message.Message) {
	c.factory.Release(m)
}

// GeneratePacket asks each channel for its share of the packet and
// serializes the result. sequence is the outer packet sequence number
// the reliable-endpoint collaborator has already reserved for this send.
func (c *Connection) GeneratePacket(sequence uint16, maxBytes int) ([]byte, error) {
	availableBits := maxBytes*8 - ConservativePacketHeaderBits

	var packet connectionPacket
	for i, ch := range c.channels {
		if !ch.HasMessagesToSend() {
			continue
		}
		if availableBits <= ConservativeChannelHeaderBits {
			break
		}
		data, ok := ch.GetPacketData(sequence, availableBits-ConservativeChannelHeaderBits)
		if !ok {
			continue
		}

		measure := bitstream.NewMeasureStream()
		data.Serialize(measure, c.params[i])
		availableBits -= ConservativeChannelHeaderBits + measure.BitsProcessed()

		packet.entries = append(packet.entries, channelEntry{channelIndex: i, data: data})
	}

	stream := bitstream.NewWriteStream(maxBytes)
	if !packet.serialize(stream, len(c.channels), c.params) {
		return nil, ErrPacketTooLarge
	}
	return stream.Bytes(), nil
}

// ProcessPacket deserializes buf as a connectionPacket and dispatches
// each entry to its channel. Returns false (and latches
// ConnectionErrorLevelReadPacketFailed) if buf doesn't parse.
func (c *Connection) ProcessPacket(sequence uint16, buf []byte) bool {
	stream := bitstream.NewReadStream(buf)

	var packet connectionPacket
	if !packet.serialize(stream, len(c.channels), c.params) {
		c.errorLevel = ConnectionErrorLevelReadPacketFailed
		c.log.WithField("sequence", sequence).Warn("failed to deserialize connection packet")
		return false
	}

	for _, entry := range packet.entries {
		ch, err := c.channel(entry.channelIndex)
		if err != nil {
			continue
		}
		ch.ProcessPacketData(&entry.data, sequence)
	}

	return true
}

// ProcessAcks distributes each acked outer-packet sequence to every
// channel, which independently decides whether it has anything recorded
// against that sequence.
func (c *Connection) ProcessAcks(acks []uint16) {
	for _, seq := range acks {
		for _, ch := range c.channels {
			ch.ProcessAck(seq)
		}
	}
}

// AdvanceTime samples every channel's and the message factory's error
// level and promotes the first non-none reading to the connection level.
func (c *Connection) AdvanceTime(t time.Time) {
	c.now = t

	for _, ch := range c.channels {
		ch.AdvanceTime(t)
		if ch.ErrorLevel() != ChannelErrorLevelNone && c.errorLevel == ConnectionErrorLevelNone {
			c.errorLevel = ConnectionErrorLevelChannel
		}
	}

	if c.factory.ErrorLevel() != message.ErrorLevelNone && c.errorLevel == ConnectionErrorLevelNone {
		c.errorLevel = ConnectionErrorLevelMessageFactory
	}
}

// Reset releases every queued and in-flight message across all channels
// and clears the latched connection error level.
func (c *Connection) Reset() {
	for _, ch := range c.channels {
		ch.Reset()
	}
	c.errorLevel = ConnectionErrorLevelNone
}
