package netchan

import (
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/duskwire/netchan/internal/message"
	"github.com/duskwire/netchan/internal/reliableendpoint"
	"github.com/duskwire/netchan/internal/securetransport"
)

// BaseClient owns one peer's Connection, drives its reliable-endpoint and
// secure-transport collaborators, and moves bytes between them and
// either a UDP socket or a NetworkSimulator, per tick.
type BaseClient struct {
	config  ConnectionConfig
	factory message.Factory
	log     *logrus.Entry

	transport *securetransport.Client
	endpoint  *reliableendpoint.Endpoint
	conn      *Connection

	socket     net.PacketConn
	serverAddr net.Addr

	simulator *NetworkSimulator
	simSlot   int

	now time.Time
}

// NewBaseClient constructs a disconnected client.
func NewBaseClient(config ConnectionConfig, factory message.Factory, log *logrus.Entry) *BaseClient {
	return &BaseClient{
		config:    config,
		factory:   factory,
		log:       log,
		transport: securetransport.NewClient(log.WithField("layer", "securetransport")),
		endpoint:  reliableendpoint.New(endpointConfigFrom(config)),
		conn:      NewConnection(config, factory, log.WithField("layer", "connection")),
	}
}

func endpointConfigFrom(c ConnectionConfig) reliableendpoint.Config {
	return reliableendpoint.Config{
		FragmentAbove:              c.FragmentPacketsAbove,
		MaxFragments:               c.MaxPacketFragments,
		FragmentSize:               c.PacketFragmentSize,
		AckBufferSize:              c.AckedPacketsBufferSize,
		ReceivedPacketsBufferSize:  c.ReceivedPacketsBufferSize,
		PacketReassemblyBufferSize: c.PacketReassemblyBufferSize,
		RTTSmoothingFactor:         c.RTTSmoothingFactor,
	}
}

// WithSimulator routes this client's packets through sim instead of a
// real socket, addressed as slot simSlot, for deterministic lossy-link
// testing.
func (bc *BaseClient) WithSimulator(sim *NetworkSimulator, simSlot int) {
	bc.simulator = sim
	bc.simSlot = simSlot
}

// Dial opens a UDP socket to addr. Not used when WithSimulator is set.
func (bc *BaseClient) Dial(addr string) error {
	serverAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	socket, err := net.ListenUDP("udp", nil)
	if err != nil {
		return err
	}
	bc.socket = socket
	bc.serverAddr = serverAddr
	return nil
}

// Connect begins the connect-token handshake.
func (bc *BaseClient) Connect(token ConnectToken) error {
	return bc.transport.ClientConnect(securetransportToken(token))
}

// securetransportToken converts a netchan.ConnectToken into its
// securetransport-local mirror. internal/securetransport cannot import
// netchan (netchan already imports internal/securetransport), so the two
// packages carry field-for-field mirrored types and this is the boundary
// where one is converted into the other.
func securetransportToken(token ConnectToken) securetransport.ConnectToken {
	return securetransport.ConnectToken{
		ClientId:       token.ClientId,
		ProtocolId:     token.ProtocolId,
		CreateTime:     token.CreateTime,
		ExpireSeconds:  token.ExpireSeconds,
		TimeoutSeconds: token.TimeoutSeconds,
		ServerAddrs:    token.ServerAddrs,
		PrivateKey:     token.PrivateKey,
		UserData:       token.UserData,
	}
}

// clientStateFrom converts a securetransport.ClientState into its
// netchan-local mirror, the value-for-value inverse of the enumeration
// securetransport.Client/Server track internally.
func clientStateFrom(s securetransport.ClientState) ClientState {
	return ClientState(s)
}

// ConnectLoopback transitions directly to Connected at clientIndex,
// skipping the connect-token handshake and the transport entirely, for
// a client driven in the same process as its server (a local player
// sharing a process with a listen server, for instance).
func (bc *BaseClient) ConnectLoopback(clientIndex int) {
	bc.transport.ClientLoopback(clientIndex)
}

// ProcessLoopbackPacket feeds a Connection-level payload straight into
// this client's connection, bypassing the reliable-endpoint and
// secure-transport layers — the same-process counterpart to
// ReceivePackets, for a BaseServer driven via BaseServer.GenerateLoopbackPacket
// in the same process.
func (bc *BaseClient) ProcessLoopbackPacket(sequence uint16, payload []byte) {
	bc.conn.ProcessPacket(sequence, payload)
}

func (bc *BaseClient) State() ClientState { return clientStateFrom(bc.transport.ClientState()) }

func (bc *BaseClient) Connection() *Connection { return bc.conn }

// AdvanceTime drives the handshake, endpoint, and connection clocks, and
// terminates the connection if the transport has dropped to an error or
// disconnected state.
func (bc *BaseClient) AdvanceTime(t time.Time) {
	bc.now = t
	bc.transport.ClientUpdate(t)
	bc.endpoint.Update(t)
	bc.conn.AdvanceTime(t)

	if clientStateFrom(bc.transport.ClientState()) > ClientStateDisconnected && bc.conn.ErrorLevel() == ConnectionErrorLevelNone {
		return
	}
	if bc.conn.ErrorLevel() != ConnectionErrorLevelNone {
		bc.log.WithField("error", bc.conn.ErrorLevel().String()).Warn("connection error, resetting")
	}
	bc.conn.Reset()
	bc.endpoint.Reset()
}

// SendPackets flushes any pending handshake datagrams, then — once
// connected — generates one Connection packet and hands it to the
// reliable-endpoint for sequencing and framing.
func (bc *BaseClient) SendPackets() error {
	for _, dgram := range bc.transport.DrainOutbox() {
		if err := bc.transmit(dgram); err != nil {
			return err
		}
	}

	if clientStateFrom(bc.transport.ClientState()) != ClientStateConnected {
		return nil
	}

	sequence := bc.endpoint.NextPacketSequence()
	payload, err := bc.conn.GeneratePacket(sequence, bc.config.MaxPacketSize)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}

	return bc.endpoint.SendPacket(payload, func(framed []byte) error {
		dgram, err := bc.transportFrame(framed)
		if err != nil {
			return err
		}
		return bc.transmit(dgram)
	})
}

func (bc *BaseClient) transportFrame(framed []byte) ([]byte, error) {
	if err := bc.transport.ClientSendPacket(framed); err != nil {
		return nil, err
	}
	out := bc.transport.DrainOutbox()
	if len(out) != 1 {
		return nil, fmt.Errorf("netchan: expected exactly one framed datagram, got %d", len(out))
	}
	return out[0], nil
}

func (bc *BaseClient) transmit(data []byte) error {
	if bc.simulator != nil {
		bc.simulator.SendPacket(bc.simSlot, data)
		return nil
	}
	_, err := bc.socket.WriteTo(data, bc.serverAddr)
	return err
}

// ReceivePackets drains incoming datagrams (from the simulator or
// socket), feeding them through the secure-transport and
// reliable-endpoint layers into Connection.ProcessPacket, and
// distributes any acks the endpoint surfaced this tick.
func (bc *BaseClient) ReceivePackets(incoming [][]byte) {
	for _, dgram := range incoming {
		bc.transport.HandleDatagram(dgram)
	}

	for {
		payload, ok := bc.transport.ClientReceivePacket()
		if !ok {
			break
		}
		sequence, inner, ok := bc.endpoint.ReceivePacket(payload)
		if !ok {
			continue
		}
		bc.conn.ProcessPacket(sequence, inner)
	}

	acks := bc.endpoint.GetAcks()
	if len(acks) > 0 {
		bc.conn.ProcessAcks(acks)
		bc.endpoint.ClearAcks()
	}
}

// PollSimulator drains the client's simulator slot, when WithSimulator
// is in effect, and returns the datagrams ready to be fed to
// ReceivePackets.
func (bc *BaseClient) PollSimulator(maxPackets int) [][]byte {
	if bc.simulator == nil {
		return nil
	}
	bc.simulator.AdvanceTime(bc.now)
	delivered := bc.simulator.ReceivePackets(maxPackets)

	var out [][]byte
	for _, d := range delivered {
		if d.To != bc.simSlot {
			continue
		}
		out = append(out, d.Data)
	}
	return out
}
