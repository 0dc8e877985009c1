package netchan

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/duskwire/netchan/internal/message"
	"github.com/duskwire/netchan/internal/reliableendpoint"
	"github.com/duskwire/netchan/internal/securetransport"
)

var errNoRoute = errors.New("netchan: no route to client slot")

// ServerConfig tunes BaseServer's slot count and, optionally, per-peer
// locking for an embedding that drives clients from separate goroutines.
type ServerConfig struct {
	MaxClients int
	Concurrent bool
}

type clientSlot struct {
	addr     net.Addr
	endpoint *reliableendpoint.Endpoint
	conn     *Connection
	mu       *sync.Mutex // non-nil when ServerConfig.Concurrent, guards endpoint/conn
}

// lock acquires the slot's mutex when ServerConfig.Concurrent is set; a
// no-op otherwise, so the single-goroutine default pays nothing for it.
func (s *clientSlot) lock() {
	if s.mu != nil {
		s.mu.Lock()
	}
}

func (s *clientSlot) unlock() {
	if s.mu != nil {
		s.mu.Unlock()
	}
}

// BaseServer owns one Connection and reliable-endpoint per client slot,
// a shared secure-transport handshake state machine, and an optional
// shared NetworkSimulator.
type BaseServer struct {
	serverConfig ServerConfig
	connConfig   ConnectionConfig
	factory      message.Factory
	log          *logrus.Entry

	transport *securetransport.Server
	slots     []clientSlot
	addrIndex map[string]int

	socket net.PacketConn

	simulator *NetworkSimulator

	now time.Time
}

// NewBaseServer constructs a server with ServerConfig.MaxClients slots,
// each holding its own Connection built from connConfig.
func NewBaseServer(serverConfig ServerConfig, connConfig ConnectionConfig, protocolId uint64, timeout time.Duration, factory message.Factory, log *logrus.Entry) *BaseServer {
	s := &BaseServer{
		serverConfig: serverConfig,
		connConfig:   connConfig,
		factory:      factory,
		log:          log,
		transport:    securetransport.NewServer(serverConfig.MaxClients, protocolId, timeout, log.WithField("layer", "securetransport")),
		slots:        make([]clientSlot, serverConfig.MaxClients),
		addrIndex:    make(map[string]int),
	}
	for i := range s.slots {
		s.slots[i].endpoint = reliableendpoint.New(endpointConfigFrom(connConfig))
		s.slots[i].conn = NewConnection(connConfig, factory, log.WithField("client", i))
		if serverConfig.Concurrent {
			s.slots[i].mu = &sync.Mutex{}
		}
	}
	return s
}

// Listen binds a UDP socket. Not used when WithSimulator is set.
func (bs *BaseServer) Listen(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	socket, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	bs.socket = socket
	return nil
}

// WithSimulator routes every slot's outgoing packets through sim,
// addressed by slot index, for deterministic lossy-link testing.
func (bs *BaseServer) WithSimulator(sim *NetworkSimulator) {
	bs.simulator = sim
}

// LoopbackClient admits clientIndex directly to Connected, skipping the
// handshake and the transport entirely, for a server sharing a process
// with one of its clients.
func (bs *BaseServer) LoopbackClient(clientIndex int) {
	bs.transport.ServerLoopback(clientIndex)
}

// GenerateLoopbackPacket produces clientIndex's next Connection packet
// without routing it through a reliable-endpoint or secure-transport
// framing, for handoff directly to BaseClient.ProcessLoopbackPacket in
// the same process. ok is false if the slot had nothing to send.
func (bs *BaseServer) GenerateLoopbackPacket(clientIndex int) (sequence uint16, payload []byte, ok bool) {
	if clientIndex < 0 || clientIndex >= len(bs.slots) {
		return 0, nil, false
	}
	slot := &bs.slots[clientIndex]
	slot.lock()
	defer slot.unlock()

	sequence = slot.endpoint.NextPacketSequence()
	payload, err := slot.conn.GeneratePacket(sequence, bs.connConfig.MaxPacketSize)
	if err != nil || len(payload) == 0 {
		return 0, nil, false
	}
	return sequence, payload, true
}

// ProcessLoopbackPacket feeds a Connection-level payload straight into
// clientIndex's connection, bypassing the reliable-endpoint and
// secure-transport layers — the same-process counterpart to
// ReceivePacketFrom/ReceiveFromSimulator.
func (bs *BaseServer) ProcessLoopbackPacket(clientIndex int, sequence uint16, payload []byte) {
	if clientIndex < 0 || clientIndex >= len(bs.slots) {
		return
	}
	slot := &bs.slots[clientIndex]
	slot.lock()
	defer slot.unlock()
	slot.conn.ProcessPacket(sequence, payload)
}

// Connection returns clientIndex's Connection directly, bypassing
// ServerConfig.Concurrent's locking: the mutex only serializes BaseServer's
// own per-slot methods against each other, not calls an embedder makes on
// the returned *Connection afterward. An embedder driving clients from
// separate goroutines and also calling this directly is responsible for
// its own synchronization around the returned value, same as spec's
// "concurrent embeddings must externally lock per-peer state" baseline.
func (bs *BaseServer) Connection(clientIndex int) *Connection {
	if clientIndex < 0 || clientIndex >= len(bs.slots) {
		return nil
	}
	return bs.slots[clientIndex].conn
}

func (bs *BaseServer) ClientState(clientIndex int) ClientState {
	return clientStateFrom(bs.transport.ServerState(clientIndex))
}

func (bs *BaseServer) NumConnectedClients() int {
	return bs.transport.ServerNumConnectedClients()
}

func (bs *BaseServer) AdvanceTime(t time.Time) {
	bs.now = t
	bs.transport.ServerUpdate(t)

	for i := range bs.slots {
		slot := &bs.slots[i]
		slot.lock()
		slot.endpoint.Update(t)
		slot.conn.AdvanceTime(t)

		if clientStateFrom(bs.transport.ServerState(i)) == ClientStateDisconnected {
			slot.unlock()
			continue
		}
		if slot.conn.ErrorLevel() != ConnectionErrorLevelNone {
			bs.log.WithField("client", i).Warn("connection error, disconnecting")
			bs.transport.ServerDisconnectClient(i)
			bs.disconnectSlot(i)
		}
		slot.unlock()
	}
}

// disconnectSlot must be called with i's slot already locked by the
// caller (AdvanceTime holds it for the whole per-slot iteration).
func (bs *BaseServer) disconnectSlot(i int) {
	bs.slots[i].conn.Reset()
	bs.slots[i].endpoint.Reset()
	if bs.slots[i].addr != nil {
		delete(bs.addrIndex, bs.slots[i].addr.String())
	}
	bs.slots[i].addr = nil
	if bs.simulator != nil {
		bs.simulator.DiscardClientPackets(i)
	}
}

// SendPackets flushes handshake datagrams and, for every connected slot,
// one Connection packet.
func (bs *BaseServer) SendPackets() error {
	for i := range bs.slots {
		for _, dgram := range bs.transport.DrainOutbox(i) {
			if err := bs.transmit(i, dgram); err != nil {
				return err
			}
		}

		if clientStateFrom(bs.transport.ServerState(i)) != ClientStateConnected {
			continue
		}

		slot := &bs.slots[i]
		slot.lock()
		sequence := slot.endpoint.NextPacketSequence()
		payload, err := slot.conn.GeneratePacket(sequence, bs.connConfig.MaxPacketSize)
		if err != nil {
			slot.unlock()
			return err
		}
		if len(payload) == 0 {
			slot.unlock()
			continue
		}

		idx := i
		err = slot.endpoint.SendPacket(payload, func(framed []byte) error {
			if err := bs.transport.ServerSendPacket(idx, framed); err != nil {
				return err
			}
			out := bs.transport.DrainOutbox(idx)
			for _, dgram := range out {
				if err := bs.transmit(idx, dgram); err != nil {
					return err
				}
			}
			return nil
		})
		slot.unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func (bs *BaseServer) transmit(clientIndex int, data []byte) error {
	if bs.simulator != nil {
		bs.simulator.SendPacket(clientIndex, data)
		return nil
	}
	addr := bs.slots[clientIndex].addr
	if addr == nil || bs.socket == nil {
		return errNoRoute
	}
	_, err := bs.socket.WriteTo(data, addr)
	return err
}

// ReceivePacketFrom routes an inbound datagram from addr, assigning it a
// fresh slot (via the secure-transport's admission check) if addr is
// unseen and a slot is free.
func (bs *BaseServer) ReceivePacketFrom(addr net.Addr, dgram []byte) {
	idx, ok := bs.addrIndex[addr.String()]
	if !ok {
		idx = bs.transport.FindFreeSlot()
		if idx < 0 {
			return
		}
		bs.addrIndex[addr.String()] = idx
		bs.slots[idx].addr = addr
	}

	bs.transport.HandleDatagram(idx, dgram)

	slot := &bs.slots[idx]
	slot.lock()
	defer slot.unlock()

	for {
		payload, ok := bs.transport.ServerReceivePacket(idx)
		if !ok {
			break
		}
		sequence, inner, ok := slot.endpoint.ReceivePacket(payload)
		if !ok {
			continue
		}
		slot.conn.ProcessPacket(sequence, inner)
	}

	acks := slot.endpoint.GetAcks()
	if len(acks) > 0 {
		slot.conn.ProcessAcks(acks)
		slot.endpoint.ClearAcks()
	}
}

// ReceiveFromSocket performs one blocking read off the bound UDP socket
// and routes the datagram to its client slot. buf is scratch space sized
// by the caller (typically MaxPacketSize plus framing headroom).
func (bs *BaseServer) ReceiveFromSocket(buf []byte) error {
	if bs.socket == nil {
		return errNoRoute
	}
	n, addr, err := bs.socket.ReadFrom(buf)
	if err != nil {
		return err
	}
	dgram := make([]byte, n)
	copy(dgram, buf[:n])
	bs.ReceivePacketFrom(addr, dgram)
	return nil
}

// ReceiveFromSimulator drains every due packet from sim and feeds each one
// whose To is a valid slot index into that slot; packets with any other
// To are dropped. No separate address marks a packet as bound for the
// server rather than a client.
func (bs *BaseServer) ReceiveFromSimulator(maxPackets int) {
	if bs.simulator == nil {
		return
	}
	bs.simulator.AdvanceTime(bs.now)
	delivered := bs.simulator.ReceivePackets(maxPackets)
	for _, d := range delivered {
		if d.To < 0 || d.To >= len(bs.slots) {
			continue
		}
		bs.transport.HandleDatagram(d.To, d.Data)

		slot := &bs.slots[d.To]
		slot.lock()

		for {
			payload, ok := bs.transport.ServerReceivePacket(d.To)
			if !ok {
				break
			}
			sequence, inner, ok := slot.endpoint.ReceivePacket(payload)
			if !ok {
				continue
			}
			slot.conn.ProcessPacket(sequence, inner)
		}

		acks := slot.endpoint.GetAcks()
		if len(acks) > 0 {
			slot.conn.ProcessAcks(acks)
			slot.endpoint.ClearAcks()
		}
		slot.unlock()
	}
}
