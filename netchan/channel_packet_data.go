package netchan

import (
	"github.com/duskwire/netchan/internal/bitstream"
	"github.com/duskwire/netchan/internal/message"
)

// blockFragmentData is the on-wire block-fragment variant of
// ChannelPacketData: a single fixed-size slice of a BlockMessage's
// payload, carrying the block's metadata exactly once, on fragment 0.
type blockFragmentData struct {
	messageId     uint16
	numFragments  int
	fragmentId    int
	fragmentBytes []byte

	// populated only when fragmentId == 0
	messageType  message.Type
	blockMessage message.BlockMessage
}

// ChannelPacketData is the per-channel payload descriptor Connection
// multiplexes into a single outgoing packet: either a list of whole
// messages or a single block fragment, discriminated by IsBlockMessage.
// It owns a reference on every message.Message it carries until the
// owning channel releases it (on ack, on drop, or on channel reset).
type ChannelPacketData struct {
	IsBlockMessage bool
	Messages       []message.Message
	BlockFragment  blockFragmentData

	// MessageFailedToSerialize is set when deserializing one of Messages
	// returned false; the packet is still structurally complete so later
	// channels can still be parsed, but the owning channel latches
	// ChannelErrorLevelFailedToSerialize.
	MessageFailedToSerialize bool
}

// codecParams bundles the per-channel knobs Serialize needs that aren't
// part of the wire data itself.
type codecParams struct {
	factory              message.Factory
	ordered              bool
	maxMessagesPerPacket int
	maxFragments         int
	blockFragmentSize    int
	maxBlockSize         int
}

// Serialize reads or writes cpd against stream according to stream's
// mode. On read, messages are allocated from params.factory; a message
// whose own Serialize call fails sets MessageFailedToSerialize, but the
// rest of the list and anything that follows cpd on the shared packet
// bitstream still decodes normally (see serializeMessageBody).
func (cpd *ChannelPacketData) Serialize(stream bitstream.Stream, params codecParams) bool {
	isBlock := cpd.IsBlockMessage
	if !stream.SerializeBool(&isBlock) {
		return false
	}
	cpd.IsBlockMessage = isBlock

	if cpd.IsBlockMessage {
		return cpd.serializeBlockFragment(stream, params)
	}
	return cpd.serializeMessageList(stream, params)
}

func (cpd *ChannelPacketData) serializeMessageList(stream bitstream.Stream, params codecParams) bool {
	hasMessages := len(cpd.Messages) > 0
	if !stream.SerializeBool(&hasMessages) {
		return false
	}
	if !hasMessages {
		return true
	}

	numMessages := int32(len(cpd.Messages))
	if !stream.SerializeInt(&numMessages, 1, int32(params.maxMessagesPerPacket)) {
		return false
	}

	if stream.IsReading() {
		cpd.Messages = make([]message.Message, numMessages)
	}

	var prevId uint16
	for i := 0; i < int(numMessages); i++ {
		var id uint16
		if !stream.IsReading() {
			id = cpd.Messages[i].Id()
		}

		if i == 0 || !params.ordered {
			idVal := uint32(id)
			if !stream.SerializeBits(&idVal, 16) {
				return false
			}
			id = uint16(idVal)
		} else {
			if !bitstream.SerializeSequenceRelative(stream, prevId, &id) {
				return false
			}
		}
		prevId = id

		var typ int32
		if !stream.IsReading() {
			typ = int32(cpd.Messages[i].MessageType())
		}
		if params.factory.NumTypes() > 1 {
			if !stream.SerializeInt(&typ, 0, int32(params.factory.NumTypes()-1)) {
				return false
			}
		}

		var msg message.Message
		if stream.IsReading() {
			msg = params.factory.CreateMessage(message.Type(typ))
			if msg == nil {
				return false
			}
			msg.SetId(id)
		} else {
			msg = cpd.Messages[i]
		}

		bodyOk, structureOk := serializeMessageBody(stream, msg, params)
		if !structureOk {
			return false
		}

		if !bodyOk {
			cpd.MessageFailedToSerialize = true
			continue
		}

		if stream.IsReading() {
			cpd.Messages[i] = msg
		}
	}

	if stream.IsReading() && cpd.MessageFailedToSerialize {
		kept := cpd.Messages[:0]
		for _, m := range cpd.Messages {
			if m != nil {
				kept = append(kept, m)
			}
		}
		cpd.Messages = kept
	}

	return true
}

// envelopeBitsForBlockSize is the width of the length prefix
// serializeMessageBody wraps around a sub-message's body, wide enough to
// cover the largest inline block an unreliable-unordered channel could
// carry under maxBlockSize. Both peers derive it from the same
// ChannelConfig, so there is nothing to negotiate on the wire. Channel
// packing loops call this directly (with their own config's MaxBlockSize)
// so the bits they budget for a candidate message match what
// serializeMessageBody actually puts on the wire for it.
func envelopeBitsForBlockSize(maxBlockSize int) int {
	return bitstream.BitsRequired(0, int32(maxBlockSize*8+256))
}

func envelopeBits(params codecParams) int {
	return envelopeBitsForBlockSize(params.maxBlockSize)
}

// serializeMessageBody writes or reads msg's own Serialize, plus its
// inline block payload when applicable, behind a bit-length prefix. The
// prefix lets a read-side failure skip straight to the end of the body
// without understanding msg's internal layout, so the shared packet
// bitstream's cursor stays aligned for the channelEntry that comes next.
//
// bodyOk is false when msg's content itself was rejected (out-of-range
// field, application-level Serialize returning false); the caller should
// record that as a non-fatal MessageFailedToSerialize and keep going.
// structureOk is false when the envelope itself cannot be honoured: the
// stream ran out of room for it, a successfully read body's length
// disagrees with its prefix, or the body failed while writing or
// measuring. That is unrecoverable and must abort the whole packet.
func serializeMessageBody(stream bitstream.Stream, msg message.Message, params codecParams) (bodyOk, structureOk bool) {
	prefixBits := envelopeBits(params)

	serializeBody := func(s bitstream.Stream) bool {
		ok := msg.Serialize(s)
		if ok && !params.ordered && msg.IsBlockMessage() {
			ok = serializeInlineBlock(s, msg.(message.BlockMessage), params.maxBlockSize)
		}
		return ok
	}

	if stream.IsReading() {
		var numBits uint32
		if !stream.SerializeBits(&numBits, prefixBits) {
			return false, false
		}

		before := stream.BitsProcessed()
		ok := serializeBody(stream)
		consumed := stream.BitsProcessed() - before

		if !ok {
			remaining := int(numBits) - consumed
			if remaining < 0 || !skipBits(stream, remaining) {
				return false, false
			}
			return false, true
		}
		if consumed != int(numBits) {
			return false, false
		}
		return true, true
	}

	if stream.IsMeasuring() {
		var numBits uint32
		if !stream.SerializeBits(&numBits, prefixBits) {
			return false, false
		}
		ok := serializeBody(stream)
		return ok, ok
	}

	// Writing: measure the body first so the real bit length is known
	// before the prefix ahead of it is written.
	m := bitstream.NewMeasureStream()
	if !serializeBody(m) {
		return false, false
	}
	numBits := uint32(m.BitsProcessed())
	if !stream.SerializeBits(&numBits, prefixBits) {
		return false, false
	}
	ok := serializeBody(stream)
	return ok, ok
}

// skipBits discards n declared bits off stream without caring what they
// contain, used to re-align the shared packet bitstream's read cursor
// past a sub-message body whose own Serialize failed partway through.
func skipBits(stream bitstream.Stream, n int) bool {
	var scratch uint32
	for n > 0 {
		chunk := n
		if chunk > 32 {
			chunk = 32
		}
		if !stream.SerializeBits(&scratch, chunk) {
			return false
		}
		n -= chunk
	}
	return true
}

// serializeInlineBlock carries an unreliable-unordered channel's block
// payload inline within the message list rather than via fragmentation,
// since that channel never retransmits and so has no need to split large
// payloads across multiple packets' worth of acked fragments.
func serializeInlineBlock(stream bitstream.Stream, blk message.BlockMessage, maxBlockSize int) bool {
	size := int32(blk.BlockSize())
	if !stream.SerializeInt(&size, 0, int32(maxBlockSize)) {
		return false
	}

	var data []byte
	if stream.IsReading() {
		data = make([]byte, size)
	} else {
		data = blk.BlockData()
	}
	if !stream.SerializeBytes(data) {
		return false
	}
	if stream.IsReading() {
		blk.SetBlockData(data)
	}
	return true
}

func (cpd *ChannelPacketData) serializeBlockFragment(stream bitstream.Stream, params codecParams) bool {
	f := &cpd.BlockFragment

	idVal := uint32(f.messageId)
	if !stream.SerializeBits(&idVal, 16) {
		return false
	}
	f.messageId = uint16(idVal)

	numFragments := int32(f.numFragments)
	if params.maxFragments > 1 {
		if !stream.SerializeInt(&numFragments, 1, int32(params.maxFragments)) {
			return false
		}
	} else {
		numFragments = 1
	}
	f.numFragments = int(numFragments)

	fragmentId := int32(f.fragmentId)
	if numFragments > 1 {
		if !stream.SerializeInt(&fragmentId, 0, numFragments-1) {
			return false
		}
	} else {
		fragmentId = 0
	}
	f.fragmentId = int(fragmentId)

	fragmentSize := int32(len(f.fragmentBytes))
	if !stream.SerializeInt(&fragmentSize, 1, int32(params.blockFragmentSize)) {
		return false
	}

	if stream.IsReading() {
		f.fragmentBytes = make([]byte, fragmentSize)
	}
	if !stream.SerializeBytes(f.fragmentBytes) {
		return false
	}

	if f.fragmentId == 0 {
		typ := int32(f.messageType)
		if params.factory.NumTypes() > 1 {
			if !stream.SerializeInt(&typ, 0, int32(params.factory.NumTypes()-1)) {
				return false
			}
		}
		f.messageType = message.Type(typ)

		var blk message.BlockMessage
		if stream.IsReading() {
			msg := params.factory.CreateMessage(f.messageType)
			if msg == nil {
				return false
			}
			bm, ok := msg.(message.BlockMessage)
			if !ok {
				return false
			}
			blk = bm
		} else {
			blk = f.blockMessage
		}

		bodyOk, structureOk := serializeBlockHeader(stream, blk)
		if !structureOk {
			return false
		}
		if !bodyOk {
			cpd.MessageFailedToSerialize = true
			return true
		}

		if stream.IsReading() {
			f.blockMessage = blk
		}
	}

	return true
}

// blockHeaderEnvelopeBits bounds the length prefix serializeBlockHeader
// wraps around fragment 0's block header. The header is application
// metadata only (the payload itself travels via fragmentBytes, already
// length-prefixed by fragmentSize), so this is far smaller than the
// inline-block envelope serializeMessageBody uses.
const blockHeaderEnvelopeBits = 16

// serializeBlockHeader mirrors serializeMessageBody for fragment 0's
// block header: a failing blk.Serialize on read skips the declared
// envelope instead of leaving the shared packet bitstream's cursor
// wherever blk.Serialize happened to abandon it.
func serializeBlockHeader(stream bitstream.Stream, blk message.BlockMessage) (bodyOk, structureOk bool) {
	if stream.IsReading() {
		var numBits uint32
		if !stream.SerializeBits(&numBits, blockHeaderEnvelopeBits) {
			return false, false
		}

		before := stream.BitsProcessed()
		ok := blk.Serialize(stream)
		consumed := stream.BitsProcessed() - before

		if !ok {
			remaining := int(numBits) - consumed
			if remaining < 0 || !skipBits(stream, remaining) {
				return false, false
			}
			return false, true
		}
		if consumed != int(numBits) {
			return false, false
		}
		return true, true
	}

	if stream.IsMeasuring() {
		var numBits uint32
		if !stream.SerializeBits(&numBits, blockHeaderEnvelopeBits) {
			return false, false
		}
		ok := blk.Serialize(stream)
		return ok, ok
	}

	m := bitstream.NewMeasureStream()
	if !blk.Serialize(m) {
		return false, false
	}
	numBits := uint32(m.BitsProcessed())
	if !stream.SerializeBits(&numBits, blockHeaderEnvelopeBits) {
		return false, false
	}
	ok := blk.Serialize(stream)
	return ok, ok
}
