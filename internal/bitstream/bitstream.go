// Package bitstream implements the trinary (read/write/measure) bit-level
// serializer that every wire structure in netchan is described against.
// A serialization routine is written once against the Stream interface and
// compiles into three behaviors depending on which concrete Stream backs it.
package bitstream

import "math/bits"

// Stream is implemented by WriteStream, ReadStream and MeasureStream. A
// serialization function takes a Stream and a pointer to the value being
// serialized: Write/Measure read from the pointer, Read fills it in.
type Stream interface {
	SerializeBool(value *bool) bool
	SerializeBits(value *uint32, numBits int) bool
	SerializeInt(value *int32, min, max int32) bool
	SerializeBytes(data []byte) bool
	SerializeAlign() bool

	IsReading() bool
	IsWriting() bool
	IsMeasuring() bool

	BitsProcessed() int
	BytesProcessed() int
}

// BitsRequired returns ceil(log2(max-min+1)), the number of bits needed to
// pack an integer in the inclusive range [min, max].
func BitsRequired(min, max int32) int {
	if min == max {
		return 0
	}
	diff := uint32(max - min)
	return bits.Len32(diff)
}

// SerializeSequenceRelative encodes curr relative to prev as the
// variable-length delta described in spec §6: d = curr - prev - 1, so that
// the common case of consecutive ids (curr == prev+1) costs four bits: the
// small flag plus a 3-bit delta.
func SerializeSequenceRelative(s Stream, prev uint16, curr *uint16) bool {
	var d uint32
	if !s.IsReading() {
		d = uint32(uint16(*curr - prev - 1))
	}

	small := d < 8
	if !s.SerializeBool(&small) {
		return false
	}
	switch {
	case small:
		if !s.SerializeBits(&d, 3) {
			return false
		}
	default:
		small2 := d < 64
		if !s.SerializeBool(&small2) {
			return false
		}
		switch {
		case small2:
			if !s.SerializeBits(&d, 6) {
				return false
			}
		default:
			small3 := d < 1024
			if !s.SerializeBool(&small3) {
				return false
			}
			switch {
			case small3:
				if !s.SerializeBits(&d, 10) {
					return false
				}
			default:
				small4 := d < 32768
				if !s.SerializeBool(&small4) {
					return false
				}
				if small4 {
					if !s.SerializeBits(&d, 15) {
						return false
					}
				} else {
					if !s.SerializeBits(&d, 16) {
						return false
					}
				}
			}
		}
	}

	if s.IsReading() {
		*curr = prev + 1 + uint16(d)
	}
	return true
}

// SerializeSequenceRelativeBits measures, without side effects on either
// peer's state, the number of bits SerializeSequenceRelative would emit for
// a given prev/curr pair. Used by packet-budget accounting when a channel
// needs to know the cost of a candidate message before committing to it.
func SerializeSequenceRelativeBits(prev, curr uint16) int {
	m := NewMeasureStream()
	v := curr
	SerializeSequenceRelative(m, prev, &v)
	return m.BitsProcessed()
}
