package securetransport

import "time"

// ClientState enumerates a handshake client's progress. Mirrors
// netchan.ClientState value-for-value; kept as a separate type so this
// package has no dependency on netchan, the same way
// internal/reliableendpoint.Config mirrors netchan.ReliableEndpointConfig
// without importing netchan. netchan.BaseClient/BaseServer convert at the
// boundary.
type ClientState int

const (
	ClientStateConnectTokenExpired         ClientState = -6
	ClientStateInvalidConnectToken         ClientState = -5
	ClientStateConnectionTimedOut          ClientState = -4
	ClientStateConnectionResponseTimedOut  ClientState = -3
	ClientStateConnectionRequestTimedOut   ClientState = -2
	ClientStateConnectionDenied            ClientState = -1
	ClientStateDisconnected                ClientState = 0
	ClientStateSendingRequest              ClientState = 1
	ClientStateSendingResponse             ClientState = 2
	ClientStateConnected                   ClientState = 3
)

// ConnectToken is the handshake credential a client presents to a
// server. Mirrors netchan.ConnectToken field-for-field; netchan.BaseClient
// converts a netchan.ConnectToken into one of these before calling
// ClientConnect.
type ConnectToken struct {
	ClientId       uint64
	ProtocolId     uint64
	CreateTime     time.Time
	ExpireSeconds  time.Duration
	TimeoutSeconds time.Duration
	ServerAddrs    []string
	PrivateKey     [32]byte
	UserData       [256]byte
}

// Expired reports whether now is past CreateTime+ExpireSeconds. A zero
// CreateTime never expires.
func (t ConnectToken) Expired(now time.Time) bool {
	return !t.CreateTime.IsZero() && now.Sub(t.CreateTime) > t.ExpireSeconds
}
