package netchan

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/duskwire/netchan/internal/bitstream"
	"github.com/duskwire/netchan/internal/message"
	"github.com/duskwire/netchan/internal/seqbuf"
)

type sendQueueEntry struct {
	message      message.Message
	measuredBits int
	timeLastSent time.Time
	isBlock      bool
}

type receiveQueueEntry struct {
	message message.Message
}

type sentPacketKind int

const (
	sentPacketKindMessages sentPacketKind = iota
	sentPacketKindBlockFragment
)

// sentPacketEntry is the per-outgoing-packet note a channel keeps to
// translate a later ack into message releases. Kind is an explicit
// discriminator rather than a union, since Go has no tagged unions: the
// two payload shapes (message id list vs block fragment) never coexist
// for the same entry.
type sentPacketEntry struct {
	kind       sentPacketKind
	acked      bool
	timeSent   time.Time
	messageIds []uint16

	blockMessageId  uint16
	blockFragmentId int
}

type sendBlockState struct {
	active            bool
	blockSize         int
	blockMessageId    uint16
	numFragments      int
	numAckedFragments int
	ackedFragments    []bool
	fragmentSendTime  []time.Time
	message           message.BlockMessage
}

type receiveBlockState struct {
	active                bool
	messageId             uint16
	messageType           message.Type
	numFragments          int
	numReceivedFragments  int
	receivedFragments     []bool
	blockSize             int
	blockData             []byte
	blockMessage          message.BlockMessage
}

// ReliableOrderedChannel delivers every message exactly once, in the
// order it was sent, retransmitting until acked. Large payloads carried
// by a BlockMessage are fragmented and reassembled transparently.
type ReliableOrderedChannel struct {
	config  ChannelConfig
	factory message.Factory
	log     *logrus.Entry

	sendMessageId          uint16
	receiveMessageId       uint16
	oldestUnackedMessageId uint16

	sendQueue    *seqbuf.Buffer[sendQueueEntry]
	receiveQueue *seqbuf.Buffer[receiveQueueEntry]
	sentPackets  *seqbuf.Buffer[sentPacketEntry]

	sendBlock    sendBlockState
	receiveBlock receiveBlockState

	errorLevel ChannelErrorLevel
	counters   [numCounters]uint64

	now time.Time
}

// NewReliableOrderedChannel constructs a channel against config, which
// must already have passed ChannelConfig.validate (via ConnectionConfig.Validate).
func NewReliableOrderedChannel(config ChannelConfig, factory message.Factory, log *logrus.Entry) *ReliableOrderedChannel {
	return &ReliableOrderedChannel{
		config:       config,
		factory:      factory,
		log:          log,
		sendQueue:    seqbuf.New[sendQueueEntry](config.MessageSendQueueSize),
		receiveQueue: seqbuf.New[receiveQueueEntry](config.MessageReceiveQueueSize),
		sentPackets:  seqbuf.New[sentPacketEntry](config.SentPacketBufferSize),
	}
}

func (c *ReliableOrderedChannel) ErrorLevel() ChannelErrorLevel { return c.errorLevel }

func (c *ReliableOrderedChannel) Counter(k Counter) uint64 { return c.counters[k] }

func (c *ReliableOrderedChannel) setError(level ChannelErrorLevel) {
	if c.errorLevel == ChannelErrorLevelNone {
		c.errorLevel = level
		c.log.WithField("error", level.String()).Warn("reliable channel latched error")
	}
}

func (c *ReliableOrderedChannel) CanSendMessage() bool {
	if c.errorLevel != ChannelErrorLevelNone {
		return false
	}
	return !c.sendQueue.SlotOccupied(c.sendMessageId)
}

func (c *ReliableOrderedChannel) HasMessagesToSend() bool {
	return c.oldestUnackedMessageId != c.sendMessageId
}

func (c *ReliableOrderedChannel) SendMessage(m message.Message) bool {
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

	id := c.sendMessageId
	m.SetId(id)
	c.sendMessageId++

	measure := bitstream.NewMeasureStream()
	m.Serialize(measure)

	c.sendQueue.Insert(id, sendQueueEntry{
		message:      m,
		measuredBits: measure.BitsProcessed(),
		timeLastSent: time.Time{},
		isBlock:      m.IsBlockMessage(),
	})

	c.counters[CounterMessagesSent]++
	return true
}

func (c *ReliableOrderedChannel) ReceiveMessage() message.Message {
	if c.errorLevel != ChannelErrorLevelNone {
		return nil
	}
	entry := c.receiveQueue.Find(c.receiveMessageId)
	if entry == nil {
		return nil
	}
	m := entry.message
	c.receiveQueue.Remove(c.receiveMessageId)
	c.receiveMessageId++
	c.counters[CounterMessagesReceived]++
	return m
}

func (c *ReliableOrderedChannel) AdvanceTime(t time.Time) {
	c.now = t
}

func (c *ReliableOrderedChannel) Reset() {
	for i := 0; i < c.sendQueue.Size(); i++ {
		if e, ok := c.sendQueue.AtIndex(i); ok {
			c.factory.Release(e.message)
		}
	}
	for i := 0; i < c.receiveQueue.Size(); i++ {
		if e, ok := c.receiveQueue.AtIndex(i); ok {
			c.factory.Release(e.message)
		}
	}
	if c.sendBlock.active && c.sendBlock.message != nil {
		c.factory.Release(c.sendBlock.message)
	}
	if c.receiveBlock.active && c.receiveBlock.blockMessage != nil {
		c.factory.Release(c.receiveBlock.blockMessage)
	}

	c.sendQueue.Reset()
	c.receiveQueue.Reset()
	c.sentPackets.Reset()
	c.sendMessageId = 0
	c.receiveMessageId = 0
	c.oldestUnackedMessageId = 0
	c.sendBlock = sendBlockState{}
	c.receiveBlock = receiveBlockState{}
	c.errorLevel = ChannelErrorLevelNone
	c.counters = [numCounters]uint64{}
}

// GetPacketData selects messages (or, if the oldest unacked message is a
// block, a single fragment) to fit within availableBits, following
// spec §4.4. availableBits is first clamped to the channel's own
// PacketBudget, if one is configured, so a channel with room left in the
// connection-level packet still caps its own contribution.
func (c *ReliableOrderedChannel) GetPacketData(packetSequence uint16, availableBits int) (ChannelPacketData, bool) {
	if c.errorLevel != ChannelErrorLevelNone || !c.HasMessagesToSend() {
		return ChannelPacketData{}, false
	}

	if budget := c.config.PacketBudget * 8; budget > 0 && availableBits > budget {
		availableBits = budget
	}

	oldest := c.sendQueue.Find(c.oldestUnackedMessageId)
	if oldest != nil && oldest.isBlock {
		return c.getBlockFragmentPacketData(packetSequence, availableBits)
	}

	return c.getMessagePacketData(packetSequence, availableBits)
}

func (c *ReliableOrderedChannel) getMessagePacketData(packetSequence uint16, availableBits int) (ChannelPacketData, bool) {
	var selected []message.Message
	var ids []uint16
	var prevId uint16
	budget := availableBits

	limit := c.config.MessageSendQueueSize
	if c.config.MessageReceiveQueueSize < limit {
		limit = c.config.MessageReceiveQueueSize
	}

	maxPerPacket := c.config.MaxMessagesPerPacket
	skips := 0

	for i := 0; i < limit; i++ {
		if len(selected) >= maxPerPacket {
			break
		}
		if budget < ConservativeMessageHeaderBits {
			break
		}

		id := c.oldestUnackedMessageId + uint16(i)
		entry := c.sendQueue.Find(id)
		if entry == nil || entry.isBlock {
			if entry != nil && entry.isBlock {
				break
			}
			skips++
			if skips > c.config.MessageSendQueueSize {
				break
			}
			continue
		}

		if !entry.timeLastSent.IsZero() && entry.timeLastSent.Add(c.config.MessageResendTime).After(c.now) {
			continue
		}

		envelope := envelopeBitsForBlockSize(c.config.MaxBlockSize)
		var headerBits int
		if len(selected) == 0 {
			headerBits = entry.measuredBits + envelope + typeBits(c.factory) + 16
		} else {
			headerBits = entry.measuredBits + envelope + typeBits(c.factory) + bitstream.SerializeSequenceRelativeBits(prevId, id)
		}

		if headerBits > budget {
			continue
		}

		selected = append(selected, entry.message)
		ids = append(ids, id)
		budget -= headerBits
		prevId = id

		entry.timeLastSent = c.now
		c.counters[CounterBytesSent] += uint64((entry.measuredBits + 7) / 8)
	}

	if len(selected) == 0 {
		return ChannelPacketData{}, false
	}

	c.recordSentMessages(packetSequence, ids)

	return ChannelPacketData{Messages: selected}, true
}

func typeBits(f message.Factory) int {
	if f.NumTypes() <= 1 {
		return 0
	}
	return bitstream.BitsRequired(0, int32(f.NumTypes()-1))
}

func (c *ReliableOrderedChannel) recordSentMessages(packetSequence uint16, ids []uint16) {
	for _, id := range ids {
		if entry := c.sendQueue.Find(id); entry != nil {
			c.factory.AddRef(entry.message)
		}
	}
	c.sentPackets.Insert(packetSequence, sentPacketEntry{
		kind:       sentPacketKindMessages,
		timeSent:   c.now,
		messageIds: ids,
	})
}

func (c *ReliableOrderedChannel) getBlockFragmentPacketData(packetSequence uint16, availableBits int) (ChannelPacketData, bool) {
	if availableBits < ConservativeFragmentHeaderBits+c.config.BlockFragmentSize*8 {
		return ChannelPacketData{}, false
	}

	entry := c.sendQueue.Find(c.oldestUnackedMessageId)
	if entry == nil || !entry.isBlock {
		return ChannelPacketData{}, false
	}
	blk := entry.message.(message.BlockMessage)

	if !c.sendBlock.active || c.sendBlock.blockMessageId != c.oldestUnackedMessageId {
		size := blk.BlockSize()
		numFragments := (size + c.config.BlockFragmentSize - 1) / c.config.BlockFragmentSize
		if numFragments == 0 {
			numFragments = 1
		}
		c.sendBlock = sendBlockState{
			active:           true,
			blockSize:        size,
			blockMessageId:   c.oldestUnackedMessageId,
			numFragments:     numFragments,
			ackedFragments:   make([]bool, numFragments),
			fragmentSendTime: make([]time.Time, numFragments),
			message:          blk,
		}
	}

	sb := &c.sendBlock
	chosen := -1
	for i := 0; i < sb.numFragments; i++ {
		if sb.ackedFragments[i] {
			continue
		}
		if !sb.fragmentSendTime[i].IsZero() && sb.fragmentSendTime[i].Add(c.config.BlockFragmentResendTime).After(c.now) {
			continue
		}
		chosen = i
		break
	}
	if chosen == -1 {
		return ChannelPacketData{}, false
	}

	start := chosen * c.config.BlockFragmentSize
	end := start + c.config.BlockFragmentSize
	if end > sb.blockSize {
		end = sb.blockSize
	}
	fragmentBytes := make([]byte, end-start)
	copy(fragmentBytes, blk.BlockData()[start:end])

	data := ChannelPacketData{
		IsBlockMessage: true,
		BlockFragment: blockFragmentData{
			messageId:     c.oldestUnackedMessageId,
			numFragments:  sb.numFragments,
			fragmentId:    chosen,
			fragmentBytes: fragmentBytes,
		},
	}
	if chosen == 0 {
		data.BlockFragment.messageType = blk.MessageType()
		data.BlockFragment.blockMessage = blk
	}

	sb.fragmentSendTime[chosen] = c.now
	c.counters[CounterBytesSent] += uint64(len(fragmentBytes))

	c.factory.AddRef(blk)
	c.sentPackets.Insert(packetSequence, sentPacketEntry{
		kind:            sentPacketKindBlockFragment,
		timeSent:        c.now,
		blockMessageId:  c.oldestUnackedMessageId,
		blockFragmentId: chosen,
	})

	return data, true
}

// ProcessPacketData dispatches an inbound ChannelPacketData: either a
// list of whole messages or a single block fragment.
func (c *ReliableOrderedChannel) ProcessPacketData(data *ChannelPacketData, packetSequence uint16) {
	if c.errorLevel != ChannelErrorLevelNone {
		return
	}
	if data.MessageFailedToSerialize {
		c.setError(ChannelErrorLevelFailedToSerialize)
		return
	}

	if data.IsBlockMessage {
		c.processBlockFragment(&data.BlockFragment)
		return
	}

	windowEnd := c.receiveMessageId + uint16(c.config.MessageReceiveQueueSize)
	for _, m := range data.Messages {
		id := m.Id()

		if seqbuf.Less16(id, c.receiveMessageId) {
			c.factory.Release(m)
			continue
		}
		if seqbuf.Greater16(id, windowEnd) || id == windowEnd {
			c.setError(ChannelErrorLevelDesync)
			return
		}
		if c.receiveQueue.Exists(id) {
			c.factory.Release(m)
			continue
		}

		c.factory.AddRef(m)
		c.receiveQueue.Insert(id, receiveQueueEntry{message: m})

		measure := bitstream.NewMeasureStream()
		m.Serialize(measure)
		c.counters[CounterBytesReceived] += uint64((measure.BitsProcessed() + 7) / 8)
	}
}

func (c *ReliableOrderedChannel) processBlockFragment(f *blockFragmentData) {
	// A block's fragments only carry a message id once the ordered
	// stream is ready to deliver it; fragments for a later message are
	// dropped until then.
	if f.messageId != c.receiveMessageId {
		return
	}

	rb := &c.receiveBlock
	if !rb.active || rb.messageId != f.messageId {
		c.receiveBlock = receiveBlockState{
			active:            true,
			messageId:         f.messageId,
			numFragments:      f.numFragments,
			receivedFragments: make([]bool, f.numFragments),
			blockData:         make([]byte, c.config.MaxBlockSize),
		}
		rb = &c.receiveBlock
	}

	if f.fragmentId >= rb.numFragments || f.numFragments != rb.numFragments {
		c.setError(ChannelErrorLevelDesync)
		return
	}

	if rb.receivedFragments[f.fragmentId] {
		return
	}
	rb.receivedFragments[f.fragmentId] = true
	rb.numReceivedFragments++

	offset := f.fragmentId * c.config.BlockFragmentSize
	copy(rb.blockData[offset:], f.fragmentBytes)
	c.counters[CounterBytesReceived] += uint64(len(f.fragmentBytes))

	if f.fragmentId == rb.numFragments-1 {
		size := (rb.numFragments-1)*c.config.BlockFragmentSize + len(f.fragmentBytes)
		if size > c.config.MaxBlockSize {
			c.setError(ChannelErrorLevelDesync)
			return
		}
		rb.blockSize = size
	}

	if f.fragmentId == 0 {
		rb.messageType = f.messageType
		rb.blockMessage = f.blockMessage
		c.factory.AddRef(f.blockMessage)
	}

	if rb.numReceivedFragments != rb.numFragments {
		return
	}

	payload := make([]byte, rb.blockSize)
	copy(payload, rb.blockData[:rb.blockSize])
	rb.blockMessage.SetBlockData(payload)
	rb.blockMessage.SetId(rb.messageId)

	c.receiveQueue.Insert(rb.messageId, receiveQueueEntry{message: rb.blockMessage})
	c.receiveBlock.active = false
}

// ProcessAck releases every message a now-acked packet carried, or
// advances the send block's acked-fragment bitset.
func (c *ReliableOrderedChannel) ProcessAck(packetSequence uint16) {
	entry := c.sentPackets.Find(packetSequence)
	if entry == nil || entry.acked {
		return
	}
	entry.acked = true

	switch entry.kind {
	case sentPacketKindMessages:
		for _, id := range entry.messageIds {
			if msgEntry := c.sendQueue.Find(id); msgEntry != nil {
				c.factory.Release(msgEntry.message)
				c.sendQueue.Remove(id)
			}
		}
		c.updateOldestUnacked()

	case sentPacketKindBlockFragment:
		sb := &c.sendBlock
		if !sb.active || sb.blockMessageId != entry.blockMessageId {
			return
		}
		if sb.ackedFragments[entry.blockFragmentId] {
			return
		}
		sb.ackedFragments[entry.blockFragmentId] = true
		sb.numAckedFragments++

		if sb.numAckedFragments == sb.numFragments {
			c.factory.Release(sb.message)
			c.sendQueue.Remove(sb.blockMessageId)
			sb.active = false
			c.updateOldestUnacked()
		}
	}
}

func (c *ReliableOrderedChannel) updateOldestUnacked() {
	for c.oldestUnackedMessageId != c.sendMessageId && !c.sendQueue.SlotOccupied(c.oldestUnackedMessageId) {
		c.oldestUnackedMessageId++
	}
}
