package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIndexCoderRoundTripSequence(t *testing.T) {
	enc := NewIndexCoder()
	dec := NewIndexCoder()

	seq := []int{0, 1, 2, 5, 100, EncodeStubReference(0), EncodeStubReference(3), DONE, 7, EOF}
	for _, idx := range seq {
		buf := enc.EncodeIndex(idx)
		got, n, err := dec.DecodeIndex(buf)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		require.Equal(t, idx, got)
	}
}

func TestIsStubReference(t *testing.T) {
	ref := EncodeStubReference(42)
	segIdx, ok := IsStubReference(ref)
	require.True(t, ok)
	require.Equal(t, 42, segIdx)

	_, ok = IsStubReference(DONE)
	require.False(t, ok)
	_, ok = IsStubReference(EOF)
	require.False(t, ok)
	_, ok = IsStubReference(5)
	require.False(t, ok)
}

func TestDecodeIndexMalformed(t *testing.T) {
	dec := NewIndexCoder()
	_, _, err := dec.DecodeIndex(nil)
	require.ErrorIs(t, err, ErrMalformedInteger)

	_, _, err = dec.DecodeIndex([]byte{0xFF})
	require.ErrorIs(t, err, ErrMalformedInteger)
}
