// Package message defines the reference-counted Message/BlockMessage
// contract that channels serialize into ChannelPacketData, along with a
// Factory interface applications implement to register their own message
// types.
package message

import "github.com/duskwire/netchan/internal/bitstream"

// Type identifies a message's concrete shape to a Factory. A channel
// configured with a single registered type omits it from the wire.
type Type uint32

// Message is the unit of delivery exposed to applications. Every message
// carries a 16-bit id assigned by the channel that sends it, a Type used
// by the Factory to reconstruct it on the receiving side, and a reference
// count the Factory uses to decide when to recycle it.
type Message interface {
	// Id returns the id assigned by the sending channel.
	Id() uint16
	// SetId is called by the sending channel when the message is queued,
	// and on the receiving side when the id is decoded, reassigned to a
	// reassembled block, or overwritten by an unreliable channel.
	SetId(id uint16)

	// MessageType returns the type this message was created as.
	MessageType() Type

	// IsBlockMessage reports whether this message additionally satisfies
	// BlockMessage and must be fragmented rather than sent inline.
	IsBlockMessage() bool

	// Serialize reads or writes the message body against stream,
	// depending on the stream's mode. Returns false to abort on an
	// out-of-range value or truncated buffer.
	Serialize(stream bitstream.Stream) bool

	// RefCount returns the current reference count.
	RefCount() int
	// AddRef increments the reference count.
	AddRef()
}

// BlockMessage is a Message that additionally owns a byte payload
// transmitted by fragmentation rather than inline in a single packet.
type BlockMessage interface {
	Message

	// BlockData returns the payload bytes.
	BlockData() []byte
	// SetBlockData attaches a payload to the message. Called once, either
	// by the application before sending or by the channel after
	// reassembling a received block.
	SetBlockData(data []byte)
	// BlockSize returns len(BlockData()).
	BlockSize() int
}

// Factory creates messages of a registered type and manages their
// reference counts. The core treats the factory as the sole owner of
// message memory: it calls AddRef when a second place starts holding a
// message and Release when a holder is done with it. A message is
// destroyed, by whatever means the factory sees fit, when its reference
// count reaches zero.
type Factory interface {
	// CreateMessage allocates a new message of the given type with a
	// reference count of one. Returns nil if the type is unregistered or
	// the factory's allocator is exhausted.
	CreateMessage(t Type) Message

	// AddRef increments m's reference count.
	AddRef(m Message)
	// Release decrements m's reference count, destroying it if the count
	// reaches zero.
	Release(m Message)

	// NumTypes returns the number of registered message types. A channel
	// omits the messageType field from the wire entirely when this is 1.
	NumTypes() int

	// ErrorLevel reports whether the factory's allocator is exhausted.
	// Sampled by Connection.AdvanceTime and promoted to
	// ConnectionErrorLevelMessageFactory.
	ErrorLevel() ErrorLevel
}

// ErrorLevel mirrors the factory's allocator health.
type ErrorLevel int

const (
	ErrorLevelNone ErrorLevel = iota
	ErrorLevelOutOfMemory
)
