package transport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusreactor/nexus/errs"
)

func TestNetBufferAppendAndLen(t *testing.T) {
	b := newNetBuffer(0, 0)
	require.NoError(t, b.Append("peer", []byte("hello")))
	require.NoError(t, b.Append("peer", []byte(" world")))
	assert.Equal(t, 11, b.Len())
	assert.Equal(t, []byte("hello world"), b.Snapshot())
}

func TestNetBufferAppendEmptyIsNoop(t *testing.T) {
	b := newNetBuffer(0, 0)
	require.NoError(t, b.Append("peer", nil))
	assert.Equal(t, 0, b.Len())
}

func TestNetBufferOverflow(t *testing.T) {
	b := newNetBuffer(0, 4)
	require.NoError(t, b.Append("peer", []byte("ab")))
	err := b.Append("peer", []byte("xyz"))
	require.Error(t, err)
	var classified *errs.Error
	require.True(t, errors.As(err, &classified))
	assert.Equal(t, errs.EndpointOverflow, classified.Kind)
	assert.Equal(t, "peer", classified.Remote)
}

func TestNetBufferAdvance(t *testing.T) {
	b := newNetBuffer(0, 0)
	require.NoError(t, b.Append("peer", []byte("abcdef")))
	b.Advance(2)
	assert.Equal(t, []byte("cdef"), b.Snapshot())
	b.Advance(100)
	assert.Equal(t, 0, b.Len())
}

func TestNetBufferDrainToPartialWrite(t *testing.T) {
	b := newNetBuffer(0, 0)
	require.NoError(t, b.Append("peer", []byte("abcdef")))

	var written []byte
	drained, err := b.DrainTo(func(p []byte) (int, error) {
		n := 2
		if n > len(p) {
			n = len(p)
		}
		written = append(written, p[:n]...)
		return n, nil
	})
	require.NoError(t, err)
	assert.True(t, drained)
	assert.Equal(t, []byte("abcdef"), written)
	assert.Equal(t, 0, b.Len())
}

func TestNetBufferDrainToStopsOnZeroWrite(t *testing.T) {
	b := newNetBuffer(0, 0)
	require.NoError(t, b.Append("peer", []byte("abc")))

	drained, err := b.DrainTo(func(p []byte) (int, error) {
		return 0, nil
	})
	require.NoError(t, err)
	assert.False(t, drained)
	assert.Equal(t, 3, b.Len())
}

func TestNetBufferDrainToPropagatesError(t *testing.T) {
	b := newNetBuffer(0, 0)
	require.NoError(t, b.Append("peer", []byte("abc")))
	boom := errors.New("write failed")

	drained, err := b.DrainTo(func(p []byte) (int, error) {
		return 1, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, drained)
	assert.Equal(t, 2, b.Len())
}

func TestNetBufferReset(t *testing.T) {
	b := newNetBuffer(0, 0)
	require.NoError(t, b.Append("peer", []byte("abc")))
	b.Reset()
	assert.Equal(t, 0, b.Len())
}
