package seqbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGreater16WrapsAroundHalfTheSpace(t *testing.T) {
	assert.True(t, Greater16(1, 0))
	assert.False(t, Greater16(0, 1))
	assert.True(t, Greater16(0, 65535))
	assert.False(t, Greater16(65535, 0))
}

func TestLess16IsTheInverseOfGreater16(t *testing.T) {
	assert.True(t, Less16(0, 1))
	assert.True(t, Less16(65535, 0))
	assert.False(t, Less16(1, 0))
}

func TestInsertAndFind(t *testing.T) {
	b := New[int](8)
	assert.Nil(t, b.Find(3))

	entry := b.Insert(3, 42)
	a := assert.New(t)
	a.NotNil(entry)
	a.Equal(42, *entry)
	a.Equal(42, *b.Find(3))
	a.True(b.Exists(3))
	a.False(b.Exists(11))
}

func TestInsertRejectsOlderSequenceOntoSameSlot(t *testing.T) {
	b := New[int](8)
	b.Insert(11, 1) // slot 11%8 == 3
	got := b.Insert(3, 2) // same slot, but 3 is "older" than 11
	assert.Nil(t, got)
	assert.Equal(t, 1, *b.Find(11))
}

func TestSlotOccupiedDiffersFromExists(t *testing.T) {
	b := New[int](8)
	b.Insert(3, 1)
	assert.True(t, b.SlotOccupied(3))
	assert.True(t, b.SlotOccupied(11)) // same slot, different sequence
	assert.False(t, b.Exists(11))
}

func TestRemoveOnlyClearsExactSequence(t *testing.T) {
	b := New[int](8)
	b.Insert(3, 1)
	b.Remove(11) // different sequence mapping to the same slot, no-op
	assert.True(t, b.Exists(3))
	b.Remove(3)
	assert.False(t, b.Exists(3))
}

func TestResetClearsEverySlot(t *testing.T) {
	b := New[int](4)
	for i := uint16(0); i < 4; i++ {
		b.Insert(i, int(i))
	}
	b.Reset()
	for i := uint16(0); i < 4; i++ {
		assert.False(t, b.Exists(i))
	}
}

func TestAtIndexAndSequenceAtIndex(t *testing.T) {
	b := New[int](4)
	b.Insert(9, 99) // slot 9%4 == 1
	v, ok := b.AtIndex(1)
	assert.True(t, ok)
	assert.Equal(t, 99, *v)
	assert.Equal(t, uint16(9), b.SequenceAtIndex(1))

	_, ok = b.AtIndex(2)
	assert.False(t, ok)
}
