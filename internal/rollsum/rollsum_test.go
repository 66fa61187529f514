package rollsum

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlideMatchesRecompute(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	buf := make([]byte, 4096)
	rng.Read(buf)

	const winLen = 128
	sum := Compute(buf, 0, winLen)
	for start := 0; start+winLen < len(buf)-1; start++ {
		sum = Add(Subtract(sum, winLen, buf[start]), buf[start+winLen])
		want := Compute(buf, start+1, winLen)
		require.Equal(t, want, sum, "mismatch at start=%d", start+1)
	}
}

func TestComputeEmptyWindow(t *testing.T) {
	require.Equal(t, uint32(0), Compute([]byte{1, 2, 3}, 0, 0))
}

func TestComputeKnownValue(t *testing.T) {
	// window = [1, 2]: a = 1+2 = 3; b = 2*1 + 1*2 = 4.
	got := Compute([]byte{1, 2}, 0, 2)
	require.Equal(t, uint32(3)|uint32(4)<<16, got)
}
