package netchan

import "time"

// ClientState enumerates a secure-transport client's handshake progress.
// Values below zero are error states.
type ClientState int

const (
	ClientStateConnectTokenExpired ClientState = -6
	ClientStateInvalidConnectToken ClientState = -5
	ClientStateConnectionTimedOut  ClientState = -4
	ClientStateConnectionResponseTimedOut ClientState = -3
	ClientStateConnectionRequestTimedOut  ClientState = -2
	ClientStateConnectionDenied    ClientState = -1
	ClientStateDisconnected        ClientState = 0
	ClientStateSendingRequest      ClientState = 1
	ClientStateSendingResponse     ClientState = 2
	ClientStateConnected           ClientState = 3
)

// ConnectToken is the handshake credential a client presents to a server:
// the data a secure-transport collaborator validates before admitting a
// client onto a slot. Modeled on yojimbo's connect token; the netchan
// core treats its private payload as opaque.
type ConnectToken struct {
	ClientId      uint64
	ProtocolId    uint64
	CreateTime    time.Time
	ExpireSeconds time.Duration
	TimeoutSeconds time.Duration
	ServerAddrs   []string
	PrivateKey    [32]byte
	UserData      [256]byte
}

// Expired reports whether now is past createTime+expireSeconds. A zero
// CreateTime (the common case when a token is built and used in the
// same tick, as the demo CLI does) never expires.
func (t ConnectToken) Expired(now time.Time) bool {
	return !t.CreateTime.IsZero() && now.Sub(t.CreateTime) > t.ExpireSeconds
}

// GenerateConnectToken builds the handshake credential a client presents
// to a server, stamped with now so the client's ClientUpdate can later
// reject a stale token via Expired. The server never sees the token.
func GenerateConnectToken(clientId, protocolId uint64, serverAddrs []string, expireSeconds, timeoutSeconds time.Duration, privateKey [32]byte, userData [256]byte, now time.Time) ConnectToken {
	return ConnectToken{
		ClientId:       clientId,
		ProtocolId:     protocolId,
		CreateTime:     now,
		ExpireSeconds:  expireSeconds,
		TimeoutSeconds: timeoutSeconds,
		ServerAddrs:    serverAddrs,
		PrivateKey:     privateKey,
		UserData:       userData,
	}
}

// SecureTransport is the client-side half of the collaborator below
// Connection responsible for the connect-token handshake and framing
// packets over a UDP socket. The core never touches a socket directly;
// it drives this interface and a ReliableEndpoint per peer.
type SecureTransport interface {
	ClientConnect(token ConnectToken) error
	ClientState() ClientState
	ClientIndex() int

	ClientSendPacket(data []byte) error
	ClientReceivePacket() ([]byte, bool)

	ClientUpdate(t time.Time)
	ClientDisconnect()
}

// SecureTransportServer is the server-side half: the same handshake
// state machine keyed per client slot.
type SecureTransportServer interface {
	ServerState(clientIndex int) ClientState
	ServerNumConnectedClients() int

	ServerSendPacket(clientIndex int, data []byte) error
	ServerReceivePacket(clientIndex int) ([]byte, bool)

	ServerUpdate(t time.Time)
	ServerDisconnectClient(clientIndex int)
}

// ReliableEndpointConfig tunes the packet-level sequencing and
// fragmentation layer below Connection, independent of any message-level
// block fragmentation a channel performs.
type ReliableEndpointConfig struct {
	MaxPacketSize              int
	FragmentAbove              int
	MaxFragments               int
	FragmentSize               int
	AckBufferSize              int
	ReceivedPacketsBufferSize  int
	PacketReassemblyBufferSize int
	RTTSmoothingFactor         float64
}

// ReliableEndpoint is the packet-sequencing, ack-surfacing,
// RTT-estimating, fragmenting layer between Connection and the
// transport. BaseClient/BaseServer call NextPacketSequence before
// Connection.GeneratePacket, SendPacket to frame and dispatch the
// serialized bytes, ReceivePacket to unframe an inbound datagram back
// into a sequence number and a Connection-level payload, and GetAcks
// each tick to drive Connection.ProcessAcks.
type ReliableEndpoint interface {
	NextPacketSequence() uint16

	// SendPacket frames payload with a sequence number and pending ack
	// bitset and hands the framed bytes to transmit, fragmenting across
	// multiple calls to transmit if payload exceeds FragmentAbove.
	SendPacket(payload []byte, transmit func([]byte) error) error

	// ReceivePacket unframes an inbound datagram. ok is false if the
	// datagram was a fragment that completed no packet yet, or failed to
	// parse.
	ReceivePacket(datagram []byte) (sequence uint16, payload []byte, ok bool)

	Update(t time.Time)

	GetAcks() []uint16
	ClearAcks()

	Reset()

	RTT() time.Duration
	PacketLoss() float64
}
