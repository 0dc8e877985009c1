// Package securetransport implements the connect-token handshake and
// packet framing collaborator below Connection: the layer the core
// depends on through an interface but deliberately does not specify
// itself.
//
// It generalizes the teacher RakNet implementation's MTU-discovery
// handshake (open_connection_request_1/reply_1, request_2/reply_2,
// connection_request, new_incoming_connection) into yojimbo's
// {disconnected, sending_request, sending_response, connected}
// connect-token state machine. It is deliberately non-cryptographic —
// this layer's job is session framing and admission, not confidentiality.
package securetransport

import (
	"encoding/binary"
	"errors"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

type msgType byte

const (
	msgConnectionRequest msgType = iota
	msgConnectionDenied
	msgChallenge
	msgChallengeResponse
	msgKeepAlive
	msgDisconnect
	msgPayload
)

const resendInterval = 100 * time.Millisecond

var (
	errNotConnected  = errors.New("securetransport: not connected")
	errBadDatagram   = errors.New("securetransport: malformed datagram")
	errWrongProtocol = errors.New("securetransport: protocol id mismatch")
)

func writeHeader(t msgType, protocolId uint64, clientSalt, serverSalt uint64) []byte {
	buf := make([]byte, 1+8+8+8)
	buf[0] = byte(t)
	binary.BigEndian.PutUint64(buf[1:9], protocolId)
	binary.BigEndian.PutUint64(buf[9:17], clientSalt)
	binary.BigEndian.PutUint64(buf[17:25], serverSalt)
	return buf
}

func readHeader(data []byte) (t msgType, protocolId, clientSalt, serverSalt uint64, rest []byte, err error) {
	if len(data) < 25 {
		return 0, 0, 0, 0, nil, errBadDatagram
	}
	t = msgType(data[0])
	protocolId = binary.BigEndian.Uint64(data[1:9])
	clientSalt = binary.BigEndian.Uint64(data[9:17])
	serverSalt = binary.BigEndian.Uint64(data[17:25])
	rest = data[25:]
	return
}

// Client is the client-side half of the handshake. netchan.BaseClient
// adapts its methods into the netchan.SecureTransport shape, converting
// ClientState/ConnectToken at the boundary.
type Client struct {
	log *logrus.Entry

	state      ClientState
	token      ConnectToken
	clientSalt uint64
	serverSalt uint64

	connectStart time.Time
	lastSendTime time.Time

	outbox  [][]byte
	inbox   [][]byte
	clientIndex int
}

// NewClient constructs a disconnected Client.
func NewClient(log *logrus.Entry) *Client {
	return &Client{log: log, state: ClientStateDisconnected, clientIndex: -1}
}

func (c *Client) ClientConnect(token ConnectToken) error {
	c.token = token
	c.clientSalt = rand.Uint64()
	c.serverSalt = 0
	c.state = ClientStateSendingRequest
	c.connectStart = time.Time{}
	c.lastSendTime = time.Time{}
	c.outbox = append(c.outbox, writeHeader(msgConnectionRequest, token.ProtocolId, c.clientSalt, 0))
	return nil
}

func (c *Client) ClientState() ClientState { return c.state }
func (c *Client) ClientIndex() int         { return c.clientIndex }

// ClientLoopback transitions directly to Connected at clientIndex,
// skipping the connect-token wire handshake entirely, for a client and
// server sharing the same process.
func (c *Client) ClientLoopback(clientIndex int) {
	c.clientIndex = clientIndex
	c.state = ClientStateConnected
}

// ClientProcessLoopbackPacket queues payload for ClientReceivePacket as
// if it had arrived framed over the wire, without requiring a connected
// transport — the same-process counterpart to HandleDatagram's
// msgPayload case.
func (c *Client) ClientProcessLoopbackPacket(payload []byte) {
	c.inbox = append(c.inbox, payload)
}

func (c *Client) ClientSendPacket(data []byte) error {
	if c.state != ClientStateConnected {
		return errNotConnected
	}
	header := writeHeader(msgPayload, c.token.ProtocolId, c.clientSalt, c.serverSalt)
	c.outbox = append(c.outbox, append(header, data...))
	return nil
}

func (c *Client) ClientReceivePacket() ([]byte, bool) {
	if len(c.inbox) == 0 {
		return nil, false
	}
	data := c.inbox[0]
	c.inbox = c.inbox[1:]
	return data, true
}

// HandleDatagram feeds an inbound datagram from the server into the
// handshake state machine. BaseClient calls this for every datagram it
// reads off the transport (or simulator) addressed to this client.
func (c *Client) HandleDatagram(data []byte) {
	t, protocolId, _, serverSalt, rest, err := readHeader(data)
	if err != nil || protocolId != c.token.ProtocolId {
		return
	}

	switch t {
	case msgConnectionDenied:
		c.state = ClientStateConnectionDenied

	case msgChallenge:
		if c.state != ClientStateSendingRequest {
			return
		}
		c.serverSalt = serverSalt
		c.state = ClientStateSendingResponse
		c.outbox = append(c.outbox, writeHeader(msgChallengeResponse, c.token.ProtocolId, c.clientSalt, c.serverSalt))

	case msgKeepAlive:
		if c.state == ClientStateSendingResponse {
			if len(rest) >= 4 {
				c.clientIndex = int(binary.BigEndian.Uint32(rest[:4]))
			}
			c.state = ClientStateConnected
			c.log.Info("handshake complete, client connected")
		}

	case msgDisconnect:
		c.state = ClientStateDisconnected

	case msgPayload:
		if c.state == ClientStateConnected {
			c.inbox = append(c.inbox, rest)
		}
	}
}

func (c *Client) ClientUpdate(t time.Time) {
	if c.connectStart.IsZero() {
		c.connectStart = t
	}

	switch c.state {
	case ClientStateSendingRequest:
		if c.token.Expired(t) {
			c.state = ClientStateConnectTokenExpired
			return
		}
		if t.Sub(c.connectStart) > c.token.TimeoutSeconds {
			c.state = ClientStateConnectionRequestTimedOut
			return
		}
		if c.lastSendTime.IsZero() || t.Sub(c.lastSendTime) > resendInterval {
			c.outbox = append(c.outbox, writeHeader(msgConnectionRequest, c.token.ProtocolId, c.clientSalt, 0))
			c.lastSendTime = t
		}
	case ClientStateSendingResponse:
		if t.Sub(c.connectStart) > c.token.TimeoutSeconds {
			c.state = ClientStateConnectionResponseTimedOut
			return
		}
		if c.lastSendTime.IsZero() || t.Sub(c.lastSendTime) > resendInterval {
			c.outbox = append(c.outbox, writeHeader(msgChallengeResponse, c.token.ProtocolId, c.clientSalt, c.serverSalt))
			c.lastSendTime = t
		}
	}
}

func (c *Client) ClientDisconnect() {
	if c.state == ClientStateConnected {
		c.outbox = append(c.outbox, writeHeader(msgDisconnect, c.token.ProtocolId, c.clientSalt, c.serverSalt))
	}
	c.state = ClientStateDisconnected
}

// DrainOutbox returns and clears the datagrams queued for transmission
// since the last call.
func (c *Client) DrainOutbox() [][]byte {
	out := c.outbox
	c.outbox = nil
	return out
}
