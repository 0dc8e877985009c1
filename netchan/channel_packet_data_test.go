package netchan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskwire/netchan/internal/bitstream"
	"github.com/duskwire/netchan/internal/message"
)

// TestChannelPacketDataFailedMessageDoesNotMisalignSubsequentChannel
// reproduces the scenario connectionPacket.serialize relies on: one
// channel's ChannelPacketData carries a message whose own Serialize
// fails partway through decoding, and a second channel's
// ChannelPacketData is serialized right after it on the same shared
// bitstream. The failure must not leave the read cursor misaligned — the
// second channel's data has to decode exactly as written, untouched by
// the first channel's failure.
func TestChannelPacketDataFailedMessageDoesNotMisalignSubsequentChannel(t *testing.T) {
	cfg := smallChannelConfig(ChannelTypeReliableOrdered)
	factory := testFactory()
	params := channelCodecParams(factory, cfg, true)

	good1 := factory.CreateMessage(testMsgType).(*message.TestMessage)
	good1.SetId(0)
	good1.Counter = 11

	failing := factory.CreateMessage(testFailingType)
	failing.SetId(1)

	first := ChannelPacketData{Messages: []message.Message{good1, failing}}

	good2 := factory.CreateMessage(testMsgType).(*message.TestMessage)
	good2.SetId(0)
	good2.Counter = 42
	second := ChannelPacketData{Messages: []message.Message{good2}}

	w := bitstream.NewWriteStream(4096)
	require.True(t, first.Serialize(w, params))
	require.True(t, second.Serialize(w, params))

	r := bitstream.NewReadStream(w.Bytes())
	var decodedFirst, decodedSecond ChannelPacketData
	require.True(t, decodedFirst.Serialize(r, params))
	require.True(t, decodedSecond.Serialize(r, params))

	assert.True(t, decodedFirst.MessageFailedToSerialize)
	require.Len(t, decodedFirst.Messages, 1)
	assert.Equal(t, int32(11), decodedFirst.Messages[0].(*message.TestMessage).Counter)

	assert.False(t, decodedSecond.MessageFailedToSerialize)
	require.Len(t, decodedSecond.Messages, 1)
	assert.Equal(t, int32(42), decodedSecond.Messages[0].(*message.TestMessage).Counter)
}

// TestChannelPacketDataFailedBlockHeaderDoesNotMisalignSubsequentChannel
// is the block-fragment-0 analogue: a failing blk.Serialize on fragment 0
// must not leave the shared bitstream's cursor mid-header either.
func TestChannelPacketDataFailedBlockHeaderDoesNotMisalignSubsequentChannel(t *testing.T) {
	cfg := smallChannelConfig(ChannelTypeReliableOrdered)
	factory := testFactory()
	params := channelCodecParams(factory, cfg, true)

	failing := factory.CreateMessage(testFailingBlockType)
	failing.SetId(7)

	first := ChannelPacketData{
		IsBlockMessage: true,
		BlockFragment: blockFragmentData{
			messageId:     7,
			numFragments:  1,
			fragmentId:    0,
			fragmentBytes: []byte{1, 2, 3},
			messageType:   testFailingBlockType,
			blockMessage:  failing.(message.BlockMessage),
		},
	}

	good := factory.CreateMessage(testMsgType).(*message.TestMessage)
	good.SetId(0)
	good.Counter = 99
	second := ChannelPacketData{Messages: []message.Message{good}}

	w := bitstream.NewWriteStream(4096)
	require.True(t, first.Serialize(w, params))
	require.True(t, second.Serialize(w, params))

	r := bitstream.NewReadStream(w.Bytes())
	var decodedFirst, decodedSecond ChannelPacketData
	require.True(t, decodedFirst.Serialize(r, params))
	require.True(t, decodedSecond.Serialize(r, params))

	assert.True(t, decodedFirst.MessageFailedToSerialize)

	assert.False(t, decodedSecond.MessageFailedToSerialize)
	require.Len(t, decodedSecond.Messages, 1)
	assert.Equal(t, int32(99), decodedSecond.Messages[0].(*message.TestMessage).Counter)
}
