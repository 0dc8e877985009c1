// Package netchan implements the connection layer of a client/server
// network library for soft-realtime games: a per-peer Connection owning a
// set of Channels, each channel providing either reliable-ordered or
// unreliable-unordered message delivery over an unreliable datagram
// transport, plus a NetworkSimulator for deterministic lossy-link tests.
package netchan

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// ChannelType selects a channel's delivery semantics.
type ChannelType int

const (
	ChannelTypeReliableOrdered ChannelType = iota
	ChannelTypeUnreliableUnordered
)

func (t ChannelType) String() string {
	switch t {
	case ChannelTypeReliableOrdered:
		return "reliable_ordered"
	case ChannelTypeUnreliableUnordered:
		return "unreliable_unordered"
	default:
		return "unknown"
	}
}

// ChannelConfig describes one channel's queue sizes, budgets, and timing.
// Field names mirror the YAML keys accepted by LoadConnectionConfig.
type ChannelConfig struct {
	Type ChannelType `yaml:"type"`

	// PacketBudget caps the bytes a channel may contribute to a single
	// outgoing packet. 0 means no cap (limited only by the packet's
	// remaining bit budget).
	PacketBudget int `yaml:"packetBudget"`

	MaxMessagesPerPacket int `yaml:"maxMessagesPerPacket"`

	MaxBlockSize      int `yaml:"maxBlockSize"`
	BlockFragmentSize int `yaml:"blockFragmentSize"`
	DisableBlocks     bool `yaml:"disableBlocks"`

	MessageSendQueueSize    int `yaml:"messageSendQueueSize"`
	MessageReceiveQueueSize int `yaml:"messageReceiveQueueSize"`
	SentPacketBufferSize    int `yaml:"sentPacketBufferSize"`

	MessageResendTime       time.Duration `yaml:"messageResendTime"`
	BlockFragmentResendTime time.Duration `yaml:"blockFragmentResendTime"`
}

// DefaultChannelConfig returns a ReliableOrdered channel configuration
// with the queue sizes yojimbo ships as defaults.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		Type:                    ChannelTypeReliableOrdered,
		PacketBudget:            0,
		MaxMessagesPerPacket:    256,
		MaxBlockSize:            256 * 1024,
		BlockFragmentSize:       1024,
		DisableBlocks:           false,
		MessageSendQueueSize:    1024,
		MessageReceiveQueueSize: 1024,
		SentPacketBufferSize:    256,
		MessageResendTime:       100 * time.Millisecond,
		BlockFragmentResendTime: 250 * time.Millisecond,
	}
}

// validate enforces the invariant that 65536 is an integer multiple of
// each queue size, so a 16-bit sequence-indexed ring never wraps with
// bias toward any one slot.
func (c ChannelConfig) validate() error {
	for _, size := range []int{c.MessageSendQueueSize, c.MessageReceiveQueueSize, c.SentPacketBufferSize} {
		if size <= 0 || 65536%size != 0 {
			return fmt.Errorf("netchan: queue size %d does not evenly divide 65536", size)
		}
	}
	if c.BlockFragmentSize <= 0 {
		return fmt.Errorf("netchan: blockFragmentSize must be positive")
	}
	return nil
}

// MaxChannels bounds the number of channels a ConnectionConfig may list.
const MaxChannels = 64

// ConnectionConfig is an ordered list of ChannelConfigs, plus the
// allocator, timeout, and reliable-endpoint tuning knobs a Connection and
// its collaborators are constructed with.
type ConnectionConfig struct {
	Channels []ChannelConfig `yaml:"channels"`

	MaxPacketSize int `yaml:"maxPacketSize"`

	FragmentPacketsAbove int `yaml:"fragmentPacketsAbove"`
	MaxPacketFragments   int `yaml:"maxPacketFragments"`
	PacketFragmentSize   int `yaml:"packetFragmentSize"`

	AckedPacketsBufferSize      int `yaml:"ackedPacketsBufferSize"`
	ReceivedPacketsBufferSize   int `yaml:"receivedPacketsBufferSize"`
	PacketReassemblyBufferSize  int `yaml:"packetReassemblyBufferSize"`

	RTTSmoothingFactor float64 `yaml:"rttSmoothingFactor"`

	ClientMemory          int `yaml:"clientMemory"`
	ServerGlobalMemory    int `yaml:"serverGlobalMemory"`
	ServerPerClientMemory int `yaml:"serverPerClientMemory"`

	MaxSimulatorPackets int  `yaml:"maxSimulatorPackets"`
	NetworkSimulator    bool `yaml:"networkSimulator"`

	Timeout time.Duration `yaml:"timeout"`

	ProtocolId uint64 `yaml:"protocolId"`
}

// DefaultConnectionConfig returns a single-channel reliable-ordered
// configuration with yojimbo's stock defaults for the packet and endpoint
// tuning knobs.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		Channels:                    []ChannelConfig{DefaultChannelConfig()},
		MaxPacketSize:               4 * 1024,
		FragmentPacketsAbove:        1024,
		MaxPacketFragments:          256,
		PacketFragmentSize:          1024,
		AckedPacketsBufferSize:      256,
		ReceivedPacketsBufferSize:   256,
		PacketReassemblyBufferSize:  64,
		RTTSmoothingFactor:          0.0025,
		ClientMemory:                10 * 1024 * 1024,
		ServerGlobalMemory:          10 * 1024 * 1024,
		ServerPerClientMemory:       5 * 1024 * 1024,
		MaxSimulatorPackets:         4 * 1024,
		NetworkSimulator:            false,
		Timeout:                     10 * time.Second,
		ProtocolId:                  0,
	}
}

// Validate checks the channel-count bound, per-channel invariants, and
// that at least one channel is configured.
func (c ConnectionConfig) Validate() error {
	if len(c.Channels) == 0 {
		return fmt.Errorf("netchan: connection config must list at least one channel")
	}
	if len(c.Channels) > MaxChannels {
		return fmt.Errorf("netchan: connection config lists %d channels, max is %d", len(c.Channels), MaxChannels)
	}
	for i, ch := range c.Channels {
		if err := ch.validate(); err != nil {
			return fmt.Errorf("channel %d: %w", i, err)
		}
	}
	return nil
}

// LoadConnectionConfig reads a YAML connection configuration from path,
// starting from DefaultConnectionConfig so that a file only needs to
// override the keys it cares about, and validates the result.
func LoadConnectionConfig(path string) (*ConnectionConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("netchan: reading config %s: %w", path, err)
	}

	cfg := DefaultConnectionConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("netchan: parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
