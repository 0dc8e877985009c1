package bitstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitsRequired(t *testing.T) {
	assert.Equal(t, 0, BitsRequired(5, 5))
	assert.Equal(t, 1, BitsRequired(0, 1))
	assert.Equal(t, 3, BitsRequired(0, 7))
	assert.Equal(t, 4, BitsRequired(0, 8))
	assert.Equal(t, 8, BitsRequired(0, 255))
}

func TestWriteReadRoundTripInt(t *testing.T) {
	w := NewWriteStream(16)
	values := []int32{0, 1, 127, 255, -3}
	for _, v := range values {
		require.True(t, w.SerializeInt(&v, -10, 300))
	}

	r := NewReadStream(w.Bytes())
	for _, want := range values {
		var got int32
		require.True(t, r.SerializeInt(&got, -10, 300))
		assert.Equal(t, want, got)
	}
}

func TestWriteReadRoundTripBoolAndBits(t *testing.T) {
	w := NewWriteStream(8)
	b := true
	require.True(t, w.SerializeBool(&b))
	var bits uint32 = 0x1F
	require.True(t, w.SerializeBits(&bits, 5))

	r := NewReadStream(w.Bytes())
	var gotBool bool
	require.True(t, r.SerializeBool(&gotBool))
	assert.True(t, gotBool)

	var gotBits uint32
	require.True(t, r.SerializeBits(&gotBits, 5))
	assert.Equal(t, uint32(0x1F), gotBits)
}

func TestWriteReadRoundTripBytes(t *testing.T) {
	w := NewWriteStream(32)
	payload := []byte{1, 2, 3, 4, 5}
	b := true
	require.True(t, w.SerializeBool(&b)) // force unaligned start
	require.True(t, w.SerializeBytes(payload))

	r := NewReadStream(w.Bytes())
	var gotBool bool
	require.True(t, r.SerializeBool(&gotBool))
	got := make([]byte, len(payload))
	require.True(t, r.SerializeBytes(got))
	assert.Equal(t, payload, got)
}

func TestSerializeIntRejectsOutOfRangeOnWrite(t *testing.T) {
	w := NewWriteStream(8)
	v := int32(999)
	assert.False(t, w.SerializeInt(&v, 0, 100))
}

func TestWriteStreamAbortsPastCapacity(t *testing.T) {
	w := NewWriteStream(1) // 8 bits total
	var bits uint32 = 0xFF
	require.True(t, w.SerializeBits(&bits, 8))
	assert.False(t, w.SerializeBits(&bits, 1))
}

func TestReadStreamAbortsPastEndOfData(t *testing.T) {
	r := NewReadStream([]byte{0xFF})
	var bits uint32
	require.True(t, r.SerializeBits(&bits, 8))
	assert.False(t, r.SerializeBits(&bits, 1))
}

func TestMeasureStreamMatchesWriteStreamBitCost(t *testing.T) {
	measure := NewMeasureStream()
	write := NewWriteStream(64)

	v := int32(42)
	data := []byte{9, 9, 9}

	measure.SerializeInt(&v, 0, 1000)
	measure.SerializeBytes(data)

	write.SerializeInt(&v, 0, 1000)
	write.SerializeBytes(data)

	assert.Equal(t, write.BitsProcessed(), measure.BitsProcessed())
}

func TestSerializeSequenceRelativeRoundTrip(t *testing.T) {
	cases := []struct{ prev, curr uint16 }{
		{0, 1},
		{10, 11},
		{10, 12},
		{100, 150},
		{65534, 0},
		{0, 65000},
	}

	for _, c := range cases {
		w := NewWriteStream(16)
		curr := c.curr
		require.True(t, SerializeSequenceRelative(w, c.prev, &curr))

		r := NewReadStream(w.Bytes())
		var got uint16
		require.True(t, SerializeSequenceRelative(r, c.prev, &got))
		assert.Equal(t, c.curr, got)
	}
}

func TestSerializeSequenceRelativeConsecutiveIsCheap(t *testing.T) {
	bits := SerializeSequenceRelativeBits(10, 11)
	assert.Equal(t, 4, bits) // small-flag bit + 3-bit delta
}
