package netchan

import (
	"math/rand"
	"time"
)

// simulatedPacket is one pending entry in the NetworkSimulator's ring.
type simulatedPacket struct {
	occupied     bool
	to           int
	data         []byte
	deliveryTime time.Time
}

// NetworkSimulator sits between Connection and the transport, injecting
// latency, jitter, packet loss and duplication for deterministic
// lossy-link testing. Because it scans its ring by slot index rather
// than by delivery time, and jitter can shuffle delivery times relative
// to insertion order, ReceivePackets may return packets out of the order
// they were sent — that reordering is deliberate, not a bug.
type NetworkSimulator struct {
	rng *rand.Rand

	packets []simulatedPacket
	next    int

	latency    time.Duration
	jitter     time.Duration
	packetLoss float64 // percent, [0, 100]
	duplicates float64 // percent, [0, 100]

	active bool
	now    time.Time
}

// NewNetworkSimulator allocates a simulator with room for numPackets
// pending entries. seed controls the deterministic pseudo-random stream
// used for loss/jitter/duplicate decisions.
func NewNetworkSimulator(numPackets int, seed int64) *NetworkSimulator {
	return &NetworkSimulator{
		rng:     rand.New(rand.NewSource(seed)),
		packets: make([]simulatedPacket, numPackets),
	}
}

// SetLatency sets the fixed one-way delay added to every packet.
func (s *NetworkSimulator) SetLatency(d time.Duration) { s.latency = d; s.updateActive() }

// SetJitter sets the +/- random delay added on top of latency.
func (s *NetworkSimulator) SetJitter(d time.Duration) { s.jitter = d; s.updateActive() }

// SetPacketLoss sets the percent chance [0,100] a sent packet is dropped.
func (s *NetworkSimulator) SetPacketLoss(percent float64) { s.packetLoss = percent; s.updateActive() }

// SetDuplicates sets the percent chance [0,100] a sent packet is
// additionally delivered a second time.
func (s *NetworkSimulator) SetDuplicates(percent float64) { s.duplicates = percent; s.updateActive() }

func (s *NetworkSimulator) updateActive() {
	wasActive := s.active
	s.active = s.latency != 0 || s.jitter != 0 || s.packetLoss != 0 || s.duplicates != 0
	if wasActive && !s.active {
		s.drain()
	}
}

func (s *NetworkSimulator) drain() {
	for i := range s.packets {
		s.packets[i] = simulatedPacket{}
	}
}

// Active reports whether any of the four knobs is non-zero.
func (s *NetworkSimulator) Active() bool { return s.active }

// AdvanceTime sets the simulator's clock, consulted by SendPacket and
// ReceivePackets.
func (s *NetworkSimulator) AdvanceTime(t time.Time) { s.now = t }

// SendPacket enqueues data addressed to peer slot `to`, applying loss,
// latency, jitter and duplication. An inactive simulator still enqueues
// the packet, with zero delay; BaseClient/BaseServer route every packet
// through an attached simulator whether or not it is Active().
func (s *NetworkSimulator) SendPacket(to int, data []byte) {
	if s.rng.Float64()*100 < s.packetLoss {
		return
	}

	copied := make([]byte, len(data))
	copy(copied, data)

	deliveryTime := s.deliveryTime()
	s.insert(to, copied, deliveryTime)

	if s.rng.Float64()*100 < s.duplicates {
		dup := make([]byte, len(data))
		copy(dup, data)
		extra := time.Duration(s.rng.Float64() * float64(time.Second))
		s.insert(to, dup, deliveryTime.Add(extra))
	}
}

func (s *NetworkSimulator) deliveryTime() time.Time {
	jitter := time.Duration(0)
	if s.jitter > 0 {
		jitter = time.Duration((s.rng.Float64()*2 - 1) * float64(s.jitter))
	}
	return s.now.Add(s.latency).Add(jitter)
}

func (s *NetworkSimulator) insert(to int, data []byte, deliveryTime time.Time) {
	idx := s.next
	s.next = (s.next + 1) % len(s.packets)
	s.packets[idx] = simulatedPacket{occupied: true, to: to, data: data, deliveryTime: deliveryTime}
}

// DeliveredPacket is one entry ReceivePackets hands back.
type DeliveredPacket struct {
	To   int
	Data []byte
}

// ReceivePackets returns every pending entry whose deliveryTime has
// passed, up to maxPackets, scanning the ring in slot order rather than
// delivery-time order.
func (s *NetworkSimulator) ReceivePackets(maxPackets int) []DeliveredPacket {
	var out []DeliveredPacket
	for i := range s.packets {
		if len(out) >= maxPackets {
			break
		}
		p := &s.packets[i]
		if !p.occupied || p.deliveryTime.After(s.now) {
			continue
		}
		out = append(out, DeliveredPacket{To: p.to, Data: p.data})
		*p = simulatedPacket{}
	}
	return out
}

// DiscardClientPackets clears every pending slot addressed to clientIndex,
// used when a client disconnects so its stale in-flight packets don't
// surface later against a reused slot.
func (s *NetworkSimulator) DiscardClientPackets(clientIndex int) {
	for i := range s.packets {
		if s.packets[i].occupied && s.packets[i].to == clientIndex {
			s.packets[i] = simulatedPacket{}
		}
	}
}
