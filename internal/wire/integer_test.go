package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeLongRoundTrip(t *testing.T) {
	cases := []struct {
		v        int64
		minBytes int
	}{
		{0, 1}, {1, 1}, {127, 1}, {128, 1}, {255, 1}, {256, 1},
		{0, 3}, {1, 3}, {1 << 20, 3}, {1<<24 - 1, 3},
		{0, 4}, {1 << 31, 4}, {1<<32 - 1, 4},
		{0, 8}, {1 << 40, 8}, {1<<62 - 1, 8},
	}
	for _, tc := range cases {
		buf := EncodeLong(tc.v, tc.minBytes)
		got, n, err := DecodeLong(buf, tc.minBytes)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		require.Equal(t, tc.v, got)
	}
}

func TestEncodeLongMinBytesFloor(t *testing.T) {
	buf := EncodeLong(5, 4)
	require.Equal(t, byte(4), buf[0])
	require.Len(t, buf, 5)
}

func TestDecodeLongTruncated(t *testing.T) {
	buf := EncodeLong(1<<20, 1)
	_, _, err := DecodeLong(buf[:len(buf)-1], 1)
	require.ErrorIs(t, err, ErrMalformedInteger)
}

func TestDecodeLongEmpty(t *testing.T) {
	_, _, err := DecodeLong(nil, 1)
	require.ErrorIs(t, err, ErrMalformedInteger)
}

func TestEncodeIntDecodeInt(t *testing.T) {
	for _, v := range []int32{0, 1, -1, 1 << 20, -(1 << 20)} {
		// Negative values matter on the wire: the delta engine's match
		// tokens are -(k+1).
		buf := EncodeInt(v)
		got, n, err := DecodeInt(buf)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		require.Equal(t, v, got)
	}
}
