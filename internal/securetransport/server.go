package securetransport

import (
	"encoding/binary"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

type serverClient struct {
	state        ClientState
	clientSalt   uint64
	serverSalt   uint64
	lastActivity time.Time
	outbox       [][]byte
	inbox        [][]byte
}

// Server is the server-side half of the handshake, keyed by client slot.
// netchan.BaseServer adapts its methods into the
// netchan.SecureTransportServer shape, converting ClientState at the
// boundary.
type Server struct {
	log        *logrus.Entry
	protocolId uint64
	timeout    time.Duration

	clients []serverClient
	now     time.Time
}

// NewServer constructs a Server with maxClients admission slots.
func NewServer(maxClients int, protocolId uint64, timeout time.Duration, log *logrus.Entry) *Server {
	return &Server{
		log:        log,
		protocolId: protocolId,
		timeout:    timeout,
		clients:    make([]serverClient, maxClients),
	}
}

func (s *Server) ServerState(clientIndex int) ClientState {
	if clientIndex < 0 || clientIndex >= len(s.clients) {
		return ClientStateDisconnected
	}
	return s.clients[clientIndex].state
}

func (s *Server) ServerNumConnectedClients() int {
	n := 0
	for i := range s.clients {
		if s.clients[i].state == ClientStateConnected {
			n++
		}
	}
	return n
}

// ServerLoopback admits clientIndex directly to Connected, skipping the
// handshake, for a client and server sharing the same process.
func (s *Server) ServerLoopback(clientIndex int) {
	if clientIndex < 0 || clientIndex >= len(s.clients) {
		return
	}
	s.clients[clientIndex] = serverClient{state: ClientStateConnected}
}

// ServerProcessLoopbackPacket queues payload for ServerReceivePacket as
// if it had arrived framed over the wire.
func (s *Server) ServerProcessLoopbackPacket(clientIndex int, payload []byte) {
	if clientIndex < 0 || clientIndex >= len(s.clients) {
		return
	}
	s.clients[clientIndex].inbox = append(s.clients[clientIndex].inbox, payload)
}

func (s *Server) ServerSendPacket(clientIndex int, data []byte) error {
	if clientIndex < 0 || clientIndex >= len(s.clients) {
		return errBadDatagram
	}
	c := &s.clients[clientIndex]
	if c.state != ClientStateConnected {
		return errNotConnected
	}
	header := writeHeader(msgPayload, s.protocolId, c.clientSalt, c.serverSalt)
	c.outbox = append(c.outbox, append(header, data...))
	return nil
}

func (s *Server) ServerReceivePacket(clientIndex int) ([]byte, bool) {
	if clientIndex < 0 || clientIndex >= len(s.clients) {
		return nil, false
	}
	c := &s.clients[clientIndex]
	if len(c.inbox) == 0 {
		return nil, false
	}
	data := c.inbox[0]
	c.inbox = c.inbox[1:]
	return data, true
}

// HandleDatagram routes an inbound datagram from a candidate or existing
// client at clientIndex (assigned externally by BaseServer from the
// peer's address). Slots start disconnected and only admit a
// connection-request datagram.
func (s *Server) HandleDatagram(clientIndex int, data []byte) {
	if clientIndex < 0 || clientIndex >= len(s.clients) {
		return
	}
	c := &s.clients[clientIndex]

	t, protocolId, clientSalt, serverSalt, rest, err := readHeader(data)
	if err != nil || protocolId != s.protocolId {
		return
	}
	c.lastActivity = s.now

	switch t {
	case msgConnectionRequest:
		if c.state != ClientStateDisconnected {
			return
		}
		c.clientSalt = clientSalt
		c.serverSalt = rand.Uint64()
		c.state = ClientStateSendingResponse
		c.outbox = append(c.outbox, writeHeader(msgChallenge, s.protocolId, c.clientSalt, c.serverSalt))

	case msgChallengeResponse:
		if c.state != ClientStateSendingResponse || serverSalt != c.serverSalt {
			return
		}
		c.state = ClientStateConnected

		idxBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(idxBuf, uint32(clientIndex))
		c.outbox = append(c.outbox, append(writeHeader(msgKeepAlive, s.protocolId, c.clientSalt, c.serverSalt), idxBuf...))
		s.log.WithField("client", clientIndex).Info("handshake complete, client connected")

	case msgDisconnect:
		s.disconnect(clientIndex)

	case msgPayload:
		if c.state == ClientStateConnected {
			c.inbox = append(c.inbox, rest)
		}
	}
}

func (s *Server) disconnect(clientIndex int) {
	s.clients[clientIndex] = serverClient{}
}

func (s *Server) ServerUpdate(t time.Time) {
	s.now = t
	for i := range s.clients {
		c := &s.clients[i]
		if c.state == ClientStateDisconnected {
			continue
		}
		if !c.lastActivity.IsZero() && t.Sub(c.lastActivity) > s.timeout {
			s.log.WithField("client", i).Warn("client timed out")
			s.disconnect(i)
		}
	}
}

func (s *Server) ServerDisconnectClient(clientIndex int) {
	if clientIndex < 0 || clientIndex >= len(s.clients) {
		return
	}
	c := &s.clients[clientIndex]
	var pending [][]byte
	if c.state == ClientStateConnected {
		pending = append(c.outbox, writeHeader(msgDisconnect, s.protocolId, c.clientSalt, c.serverSalt))
	}
	s.disconnect(clientIndex)
	// Keep the queued disconnect datagram for the next DrainOutbox.
	s.clients[clientIndex].outbox = pending
}

// DrainOutbox returns and clears the datagrams queued for clientIndex
// since the last call.
func (s *Server) DrainOutbox(clientIndex int) [][]byte {
	if clientIndex < 0 || clientIndex >= len(s.clients) {
		return nil
	}
	c := &s.clients[clientIndex]
	out := c.outbox
	c.outbox = nil
	return out
}

// FindFreeSlot returns the index of a disconnected client slot, or -1 if
// every slot is occupied.
func (s *Server) FindFreeSlot() int {
	for i := range s.clients {
		if s.clients[i].state == ClientStateDisconnected {
			return i
		}
	}
	return -1
}
