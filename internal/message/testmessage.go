package message

import "github.com/duskwire/netchan/internal/bitstream"

// TestMessage is a small fixed-shape message used by the property tests: a
// single monotonically increasing counter field, enough to check ordering
// and exactly-once delivery without a real application protocol.
type TestMessage struct {
	Base
	Counter int32
}

// NewTestMessage matches the Constructor signature for registration with
// a TypeFactory.
func NewTestMessage(typ Type) func() Message {
	return func() Message {
		return &TestMessage{Base: NewBase(typ)}
	}
}

func (m *TestMessage) Serialize(stream bitstream.Stream) bool {
	return stream.SerializeInt(&m.Counter, 0, 1<<30-1)
}

// TestBlockMessage carries a byte payload used to exercise block
// fragmentation and reassembly. BlockType records a type tag independent
// of the raw bytes, mirroring how a real application would distinguish
// several kinds of large payload.
type TestBlockMessage struct {
	BlockBase
	BlockType int32
}

func NewTestBlockMessage(typ Type) func() Message {
	return func() Message {
		return &TestBlockMessage{BlockBase: NewBlockBase(typ)}
	}
}

func (m *TestBlockMessage) Serialize(stream bitstream.Stream) bool {
	return stream.SerializeInt(&m.BlockType, 0, 255)
}

// FailingTestMessage writes two fields but, on the reading side, bails
// out after the first without reading the second — simulating an
// application Serialize that rejects a value partway through its own
// layout. Used to exercise ChannelPacketData's length-prefixed recovery:
// the stream still owes the unread second field's worth of bits to
// whatever gets serialized next on the shared packet bitstream.
type FailingTestMessage struct {
	Base
	A int32
	B int32
}

func NewFailingTestMessage(typ Type) func() Message {
	return func() Message {
		return &FailingTestMessage{Base: NewBase(typ)}
	}
}

func (m *FailingTestMessage) Serialize(stream bitstream.Stream) bool {
	if !stream.SerializeInt(&m.A, 0, 1023) {
		return false
	}
	if stream.IsReading() {
		return false
	}
	if !stream.SerializeInt(&m.B, 0, 255) {
		return false
	}
	return true
}

// FailingTestBlockMessage is FailingTestMessage's block-capable twin,
// used to exercise the same partial-failure recovery on a block
// fragment's header rather than a plain message body.
type FailingTestBlockMessage struct {
	BlockBase
	A int32
	B int32
}

func NewFailingTestBlockMessage(typ Type) func() Message {
	return func() Message {
		return &FailingTestBlockMessage{BlockBase: NewBlockBase(typ)}
	}
}

func (m *FailingTestBlockMessage) Serialize(stream bitstream.Stream) bool {
	if !stream.SerializeInt(&m.A, 0, 1023) {
		return false
	}
	if stream.IsReading() {
		return false
	}
	if !stream.SerializeInt(&m.B, 0, 255) {
		return false
	}
	return true
}
