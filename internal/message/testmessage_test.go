package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duskwire/netchan/internal/bitstream"
)

func assertSerializeRoundTrip(t *testing.T, want, got Message) {
	t.Helper()

	w := bitstream.NewWriteStream(256)
	require.True(t, want.Serialize(w))

	r := bitstream.NewReadStream(w.Bytes())
	require.True(t, got.Serialize(r))

	assert.Equal(t, want, got)
}

func TestTestBlockMessageSerializesOnlyItsTypeTag(t *testing.T) {
	want := &TestBlockMessage{BlockBase: NewBlockBase(typeBlock), BlockType: 7}
	got := &TestBlockMessage{BlockBase: NewBlockBase(typeBlock)}
	assertSerializeRoundTrip(t, want, got)
}
