package reliableendpoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointSendReceiveRoundTrip(t *testing.T) {
	a := New(DefaultConfig())
	b := New(DefaultConfig())

	now := time.Now()
	a.Update(now)
	b.Update(now)

	var gotSeq uint16
	var gotPayload []byte
	err := a.SendPacket([]byte("hello"), func(datagram []byte) error {
		seq, payload, ok := b.ReceivePacket(datagram)
		require.True(t, ok)
		gotSeq, gotPayload = seq, payload
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint16(0), gotSeq)
	assert.Equal(t, []byte("hello"), gotPayload)
}

func TestEndpointAckRoundTripAndRTT(t *testing.T) {
	a := New(DefaultConfig())
	b := New(DefaultConfig())

	now := time.Now()
	a.Update(now)
	b.Update(now)

	require.NoError(t, a.SendPacket([]byte("ping"), func(datagram []byte) error {
		_, _, ok := b.ReceivePacket(datagram)
		require.True(t, ok)
		return nil
	}))
	assert.Empty(t, a.GetAcks())

	// The peer's ack bitset only reaches us on a packet it sends back.
	a.Update(now.Add(20 * time.Millisecond))
	require.NoError(t, b.SendPacket([]byte("pong"), func(datagram []byte) error {
		_, _, ok := a.ReceivePacket(datagram)
		require.True(t, ok)
		return nil
	}))

	acks := a.GetAcks()
	require.Equal(t, []uint16{0}, acks)
	assert.Equal(t, 20*time.Millisecond, a.RTT())

	a.ClearAcks()
	assert.Empty(t, a.GetAcks())
}

func TestEndpointAckIsNotRepeatedOnceCleared(t *testing.T) {
	a := New(DefaultConfig())
	b := New(DefaultConfig())

	now := time.Now()
	a.Update(now)
	b.Update(now)

	require.NoError(t, a.SendPacket([]byte("one"), func(d []byte) error { _, _, ok := b.ReceivePacket(d); require.True(t, ok); return nil }))
	require.NoError(t, b.SendPacket([]byte("ack1"), func(d []byte) error { _, _, ok := a.ReceivePacket(d); require.True(t, ok); return nil }))
	require.Equal(t, []uint16{0}, a.GetAcks())
	a.ClearAcks()

	// B resends its advertisement of the same received base; A must not
	// surface sequence 0 as a fresh ack a second time.
	require.NoError(t, b.SendPacket([]byte("ack2"), func(d []byte) error { _, _, ok := a.ReceivePacket(d); require.True(t, ok); return nil }))
	assert.Empty(t, a.GetAcks())
}

func TestEndpointFragmentsAboveThresholdAndReassembles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FragmentAbove = 8
	cfg.FragmentSize = 4

	a := New(cfg)
	b := New(cfg)

	now := time.Now()
	a.Update(now)
	b.Update(now)

	payload := []byte("0123456789") // 10 bytes -> 3 fragments of 4/4/2

	var reassembled []byte
	var reassembledOk bool
	sends := 0
	err := a.SendPacket(payload, func(datagram []byte) error {
		sends++
		_, p, ok := b.ReceivePacket(datagram)
		if ok {
			reassembled = p
			reassembledOk = true
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, sends)
	require.True(t, reassembledOk)
	assert.Equal(t, payload, reassembled)
}

func TestEndpointResetClearsEverything(t *testing.T) {
	a := New(DefaultConfig())
	b := New(DefaultConfig())

	now := time.Now()
	a.Update(now)
	b.Update(now)

	require.NoError(t, a.SendPacket([]byte("x"), func(d []byte) error { _, _, ok := b.ReceivePacket(d); require.True(t, ok); return nil }))
	require.NoError(t, b.SendPacket([]byte("y"), func(d []byte) error { _, _, ok := a.ReceivePacket(d); require.True(t, ok); return nil }))
	require.NotEmpty(t, a.GetAcks())
	require.NotZero(t, a.RTT())

	a.Reset()
	assert.Equal(t, uint16(0), a.NextPacketSequence())
	assert.Empty(t, a.GetAcks())
	assert.Zero(t, a.RTT())
}
