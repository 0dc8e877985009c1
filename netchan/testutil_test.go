package netchan

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/duskwire/netchan/internal/bitstream"
	"github.com/duskwire/netchan/internal/message"
)

const (
	testMsgType          message.Type = 0
	testBlockType        message.Type = 1
	testFailingType      message.Type = 2
	testFailingBlockType message.Type = 3
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("test", true)
}

func testFactory() *message.TypeFactory {
	f := message.NewTypeFactory(0)
	f.Register(message.NewTestMessage(testMsgType))
	f.Register(message.NewTestBlockMessage(testBlockType))
	f.Register(message.NewFailingTestMessage(testFailingType))
	f.Register(message.NewFailingTestBlockMessage(testFailingBlockType))
	return f
}

func smallChannelConfig(typ ChannelType) ChannelConfig {
	c := DefaultChannelConfig()
	c.Type = typ
	c.MessageSendQueueSize = 8
	c.MessageReceiveQueueSize = 8
	c.SentPacketBufferSize = 8
	c.MaxMessagesPerPacket = 4
	c.MaxBlockSize = 64
	c.BlockFragmentSize = 16
	c.MessageResendTime = 100 * time.Millisecond
	c.BlockFragmentResendTime = 100 * time.Millisecond
	return c
}

// roundTripChannelPacket serializes data under params on a WriteStream
// and deserializes it back on a fresh ReadStream, simulating what
// Connection does to one channel's contribution between peers.
func roundTripChannelPacket(data ChannelPacketData, params codecParams) (ChannelPacketData, bool) {
	w := bitstream.NewWriteStream(4096)
	if !data.Serialize(w, params) {
		return ChannelPacketData{}, false
	}
	r := bitstream.NewReadStream(w.Bytes())
	var out ChannelPacketData
	if !out.Serialize(r, params) {
		return ChannelPacketData{}, false
	}
	return out, true
}
