// Package reliableendpoint implements the packet-level sequencing,
// ack-vector maintenance, RTT estimation and above-MTU fragmentation
// collaborator the connection layer is specified against, but does not
// itself provide: the layer between Connection and a raw transport.
//
// It generalizes the teacher RakNet implementation's per-message
// sequencing and fragmentation (sequence windows, split windows, ack/nack
// records) down to a per-packet model, since this library's messages are
// already sequenced and fragmented one level up by the channel layer.
package reliableendpoint

import (
	"encoding/binary"
	"time"

	"github.com/gamevidea/binary/buffer"
	"github.com/gamevidea/binary/byteorder"

	"github.com/duskwire/netchan/internal/seqbuf"
)

// ackBitsWidth is the width of the ack bitset carried in every packet
// header, covering the 32 packet sequences preceding receivedBase.
const ackBitsWidth = 32

const (
	flagFragment byte = 0x01
)

// Config tunes fragmentation thresholds and buffer sizes. Field names
// mirror netchan.ReliableEndpointConfig; kept as a separate type so this
// package has no dependency on netchan.
type Config struct {
	FragmentAbove              int
	MaxFragments               int
	FragmentSize               int
	AckBufferSize              int
	ReceivedPacketsBufferSize  int
	PacketReassemblyBufferSize int
	RTTSmoothingFactor         float64
}

// DefaultConfig mirrors yojimbo's stock reliable-endpoint defaults.
func DefaultConfig() Config {
	return Config{
		FragmentAbove:              1024,
		MaxFragments:               256,
		FragmentSize:               1024,
		AckBufferSize:              256,
		ReceivedPacketsBufferSize:  256,
		PacketReassemblyBufferSize: 64,
		RTTSmoothingFactor:         0.0025,
	}
}

type sentPacketRecord struct {
	timeSent time.Time
	acked    bool
	size     int
}

type receivedPacketRecord struct {
	timeReceived time.Time
}

type reassemblyEntry struct {
	fragmentCount  int
	received       int
	fragments      [][]byte
}

// Endpoint is the concrete ReliableEndpoint collaborator. It is not safe
// for concurrent use; like Connection, it is driven cooperatively from
// one goroutine per peer.
type Endpoint struct {
	config Config

	sequence uint16

	// receivedBase/receivedSet describe packets we have received from
	// the peer, used to build the ack bitset we advertise in our own
	// outgoing header.
	receivedBase uint16
	receivedSet  map[uint16]bool

	sentPackets     *seqbuf.Buffer[sentPacketRecord]
	receivedPackets *seqbuf.Buffer[receivedPacketRecord]

	reassembly map[uint16]*reassemblyEntry

	pendingAcks []uint16

	rtt        time.Duration
	packetLoss float64

	now time.Time
}

// New constructs an Endpoint against config.
func New(config Config) *Endpoint {
	return &Endpoint{
		config:          config,
		sentPackets:     seqbuf.New[sentPacketRecord](config.AckBufferSize),
		receivedPackets: seqbuf.New[receivedPacketRecord](config.ReceivedPacketsBufferSize),
		reassembly:      make(map[uint16]*reassemblyEntry),
		receivedSet:     make(map[uint16]bool),
	}
}

func (e *Endpoint) NextPacketSequence() uint16 { return e.sequence }

func (e *Endpoint) Update(t time.Time) { e.now = t }

func (e *Endpoint) GetAcks() []uint16 { return e.pendingAcks }

func (e *Endpoint) ClearAcks() { e.pendingAcks = nil }

func (e *Endpoint) RTT() time.Duration { return e.rtt }

func (e *Endpoint) PacketLoss() float64 { return e.packetLoss }

func (e *Endpoint) Reset() {
	e.sequence = 0
	e.receivedBase = 0
	e.receivedSet = make(map[uint16]bool)
	e.sentPackets.Reset()
	e.receivedPackets.Reset()
	e.reassembly = make(map[uint16]*reassemblyEntry)
	e.pendingAcks = nil
	e.rtt = 0
	e.packetLoss = 0
}

// SendPacket frames payload under the next packet sequence number,
// carrying the current ack bitset, and transmits it in one or more
// fragments if payload exceeds config.FragmentAbove.
func (e *Endpoint) SendPacket(payload []byte, transmit func([]byte) error) error {
	sequence := e.sequence
	e.sequence++

	e.sentPackets.Insert(sequence, sentPacketRecord{timeSent: e.now, size: len(payload)})

	if len(payload) <= e.config.FragmentAbove {
		buf := e.frameHeader(sequence, false, 0, 0)
		buf = append(buf, payload...)
		return transmit(buf)
	}

	fragmentCount := (len(payload) + e.config.FragmentSize - 1) / e.config.FragmentSize
	if fragmentCount > e.config.MaxFragments {
		fragmentCount = e.config.MaxFragments
	}

	for i := 0; i < fragmentCount; i++ {
		start := i * e.config.FragmentSize
		end := start + e.config.FragmentSize
		if end > len(payload) {
			end = len(payload)
		}

		buf := e.frameHeader(sequence, true, uint8(i), uint8(fragmentCount))
		buf = append(buf, payload[start:end]...)
		if err := transmit(buf); err != nil {
			return err
		}
	}

	return nil
}

// frameHeader writes the endpoint header: flags, sequence, fragment
// id/count if fragmented (two extra bytes), and the pending ack bitset.
func (e *Endpoint) frameHeader(sequence uint16, fragmented bool, fragmentId, fragmentCount uint8) []byte {
	b := buffer.New(16)

	var flags byte
	if fragmented {
		flags |= flagFragment
	}
	b.WriteUint8(flags)
	b.WriteUint16(sequence, byteorder.BigEndian)

	if fragmented {
		b.WriteUint8(fragmentId)
		b.WriteUint8(fragmentCount)
	}

	b.WriteUint16(e.receivedBase, byteorder.BigEndian)
	var bits uint32
	for i := 0; i < ackBitsWidth; i++ {
		seq := e.receivedBase - uint16(i) - 1
		if e.receivedSet[seq] {
			bits |= 1 << uint(i)
		}
	}
	var bitsBuf [4]byte
	binary.BigEndian.PutUint32(bitsBuf[:], bits)
	b.Write(bitsBuf[:])

	return b.Bytes()
}

// ReceivePacket unframes datagram, updates the received-packet window
// and ack bitset bookkeeping, and on a complete (possibly reassembled)
// packet returns its outer sequence and payload.
func (e *Endpoint) ReceivePacket(datagram []byte) (uint16, []byte, bool) {
	b := buffer.From(datagram)

	flags, err := b.ReadUint8()
	if err != nil {
		return 0, nil, false
	}
	sequence, err := b.ReadUint16(byteorder.BigEndian)
	if err != nil {
		return 0, nil, false
	}

	fragmented := flags&flagFragment != 0
	var fragmentId, fragmentCount uint8
	if fragmented {
		fragmentId, err = b.ReadUint8()
		if err != nil {
			return 0, nil, false
		}
		fragmentCount, err = b.ReadUint8()
		if err != nil {
			return 0, nil, false
		}
	}

	peerReceivedBase, err := b.ReadUint16(byteorder.BigEndian)
	if err != nil {
		return 0, nil, false
	}
	var bitsBuf [4]byte
	if err := b.Read(bitsBuf[:]); err != nil {
		return 0, nil, false
	}
	bits := binary.BigEndian.Uint32(bitsBuf[:])

	e.processAckBitset(peerReceivedBase, bits)
	e.trackReceived(sequence)

	payload := make([]byte, b.Remaining())
	if err := b.Read(payload); err != nil {
		return 0, nil, false
	}

	if !fragmented {
		return sequence, payload, true
	}

	entry, ok := e.reassembly[sequence]
	if !ok {
		entry = &reassemblyEntry{fragmentCount: int(fragmentCount), fragments: make([][]byte, fragmentCount)}
		e.reassembly[sequence] = entry
	}
	if entry.fragments[fragmentId] == nil {
		entry.fragments[fragmentId] = payload
		entry.received++
	}
	if entry.received != entry.fragmentCount {
		return 0, nil, false
	}

	delete(e.reassembly, sequence)
	var whole []byte
	for _, frag := range entry.fragments {
		whole = append(whole, frag...)
	}
	return sequence, whole, true
}

// processAckBitset reads the peer's advertisement of which of OUR
// packets they've received and surfaces newly-confirmed sequences as
// acks, smoothing RTT from the round trip of each newly-acked send.
func (e *Endpoint) processAckBitset(peerReceivedBase uint16, bits uint32) {
	mark := func(seq uint16) {
		record := e.sentPackets.Find(seq)
		if record == nil || record.acked {
			return
		}
		record.acked = true
		e.pendingAcks = append(e.pendingAcks, seq)

		rtt := e.now.Sub(record.timeSent)
		if e.rtt == 0 {
			e.rtt = rtt
		} else {
			e.rtt += time.Duration(e.config.RTTSmoothingFactor * float64(rtt-e.rtt))
		}
	}

	mark(peerReceivedBase)
	for i := 0; i < ackBitsWidth; i++ {
		if bits&(1<<uint(i)) != 0 {
			mark(peerReceivedBase - uint16(i) - 1)
		}
	}
}

// trackReceived records that we received sequence from the peer, for use
// in the ack bitset we advertise on our own next outgoing packet.
func (e *Endpoint) trackReceived(sequence uint16) {
	if e.receivedPackets.Exists(sequence) {
		return
	}
	e.receivedPackets.Insert(sequence, receivedPacketRecord{timeReceived: e.now})
	e.receivedSet[sequence] = true
	if seqbuf.Greater16(sequence, e.receivedBase) {
		e.receivedBase = sequence
	}
}
