package framer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestS4SingleFrameWholeRead implements scenario S4's simplest case: an
// entire frame arrives in one Feed call.
func TestS4SingleFrameWholeRead(t *testing.T) {
	tbl := NewTable()
	encoded, err := Encode([]byte("hello"))
	require.NoError(t, err)

	frames, more := tbl.Feed(1, encoded)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte("hello"), []byte(frames[0]))
	assert.False(t, more)
}

func TestFrameSplitAcrossManyOneByteFeeds(t *testing.T) {
	tbl := NewTable()
	encoded, err := Encode([]byte("split-me"))
	require.NoError(t, err)

	var got []Frame
	for _, b := range encoded {
		frames, more := tbl.Feed(7, []byte{b})
		got = append(got, frames...)
		assert.False(t, more, "a one-byte read can never produce more than one frame")
	}

	require.Len(t, got, 1)
	assert.Equal(t, []byte("split-me"), []byte(got[0]))
}

func TestHeaderSplitAcrossTwoFeeds(t *testing.T) {
	tbl := NewTable()
	encoded, err := Encode([]byte("ab"))
	require.NoError(t, err)

	first, more := tbl.Feed(2, encoded[:1])
	assert.Empty(t, first)
	assert.False(t, more)

	rest, more := tbl.Feed(2, encoded[1:])
	require.Len(t, rest, 1)
	assert.Equal(t, []byte("ab"), []byte(rest[0]))
	assert.False(t, more)
}

// TestMultipleFramesInOneRead covers the MORE signal (lua-netpack.c's
// TYPE_MORE): a single read that completes more than one frame tells the
// caller to keep dispatching before going back to epoll_wait.
func TestMultipleFramesInOneRead(t *testing.T) {
	tbl := NewTable()
	a, _ := Encode([]byte("one"))
	b, _ := Encode([]byte("two"))

	combined := append(append([]byte{}, a...), b...)
	frames, more := tbl.Feed(3, combined)

	require.Len(t, frames, 2)
	assert.Equal(t, []byte("one"), []byte(frames[0]))
	assert.Equal(t, []byte("two"), []byte(frames[1]))
	assert.True(t, more)
}

// TestThreeFramesInOneReadStillReportsMore confirms more is a boolean signal,
// not a frame count: three complete frames in one read also report true.
func TestThreeFramesInOneReadStillReportsMore(t *testing.T) {
	tbl := NewTable()
	a, _ := Encode([]byte("one"))
	b, _ := Encode([]byte("two"))
	c, _ := Encode([]byte("three"))

	combined := append(append(append([]byte{}, a...), b...), c...)
	frames, more := tbl.Feed(9, combined)

	require.Len(t, frames, 3)
	assert.True(t, more)
}

func TestIndependentConnectionsDoNotShareState(t *testing.T) {
	tbl := NewTable()
	encoded, _ := Encode([]byte("x"))

	tbl.Feed(1, encoded[:1])
	frames, more := tbl.Feed(2, encoded)
	require.Len(t, frames, 1)
	assert.False(t, more)

	remaining, more := tbl.Feed(1, encoded[1:])
	require.Len(t, remaining, 1)
	assert.Equal(t, []byte("x"), []byte(remaining[0]))
	assert.False(t, more)
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	_, err := Encode(make([]byte, MaxFrameSize+1))
	assert.Error(t, err)
}

func TestDropClearsState(t *testing.T) {
	tbl := NewTable()
	encoded, _ := Encode([]byte("abc"))
	tbl.Feed(5, encoded[:2])
	tbl.Drop(5)

	frames, more := tbl.Feed(5, encoded)
	require.Len(t, frames, 1)
	assert.False(t, more)
}
