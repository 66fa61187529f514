package sender

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sendside/sendside/internal/duplex"
	"github.com/sendside/sendside/internal/flistcodec"
	"github.com/sendside/sendside/internal/wire"
)

// runResult carries Sender.Run's return values across the goroutine
// boundary to the test's main goroutine.
type runResult struct {
	ok  bool
	err error
}

// startSender runs s.Run in its own goroutine, exactly as a real
// caller would, so the test's main goroutine is free to drive a
// scripted fake peer on the other end of the pipe.
func startSender(s *Sender) <-chan runResult {
	out := make(chan runResult, 1)
	go func() {
		ok, err := s.Run(context.Background())
		out <- runResult{ok: ok, err: err}
	}()
	return out
}

func awaitResult(t *testing.T, ch <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("sender.Run did not complete in time")
		return runResult{}
	}
}

// newFakePeer wraps one end of a net.Pipe() pair in a duplex.Channel,
// giving the test a peer that speaks the exact same framing and index
// coding as the sender under test, without hand-encoding any wire
// bytes itself.
func newFakePeer(conn net.Conn) *duplex.Channel {
	return duplex.New(conn, func(duplex.Message) {})
}

func TestRun_EmptyRootsServerExitsEarly(t *testing.T) {
	senderConn, peerConn := net.Pipe()
	defer senderConn.Close()
	defer peerConn.Close()

	s := NewServer(senderConn, nil, nil).Build()
	resultCh := startSender(s)

	peer := newFakePeer(peerConn)

	// Server profile expects filter rules first; an empty rule set.
	require.NoError(t, peer.PutInt(0))

	// Empty root list: a single segment-done terminator, then the
	// server's exitEarlyIfEmptyList path returns without a teardown
	// round-trip at all.
	b, err := peer.GetByte()
	require.NoError(t, err)
	require.Equal(t, byte(0), b)

	r := awaitResult(t, resultCh)
	require.NoError(t, r.err)
	require.True(t, r.ok)
}

func TestRun_SingleEmptyFileClientProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	senderConn, peerConn := net.Pipe()
	defer senderConn.Close()
	defer peerConn.Close()

	s := NewClient(senderConn, []string{path}, nil).Build()
	resultCh := startSender(s)

	peer := newFakePeer(peerConn)
	dec := flistcodec.NewDecoder(peer, false)

	entry, err := dec.DecodeEntry()
	require.NoError(t, err)
	require.Equal(t, "a", string(entry.NameBytes))
	require.Equal(t, int64(0), entry.Size)
	require.True(t, entry.TopDir)

	_, err = dec.DecodeEntry()
	require.ErrorAs(t, err, new(flistcodec.ErrSegmentDone))

	// Request a full transfer of index 0 with an empty basis (no
	// blocks at all): the delta engine must fall back to sending the
	// whole (zero-length) file as literal data.
	require.NoError(t, peer.PutIndex(0))
	require.NoError(t, peer.PutUint16(uint16(flagTransfer)))
	require.NoError(t, peer.PutInt(0)) // chunk count
	require.NoError(t, peer.PutInt(0)) // block length
	require.NoError(t, peer.PutInt(16)) // digest length
	require.NoError(t, peer.PutInt(0)) // remainder

	echoIdx, err := peer.GetIndex()
	require.NoError(t, err)
	require.Equal(t, 0, echoIdx)

	echoFlags, err := peer.GetUint16()
	require.NoError(t, err)
	require.Equal(t, uint16(flagTransfer), echoFlags)

	for _, want := range []int32{0, 0, 16, 0} {
		got, err := peer.GetInt()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	tokenEnd, err := peer.GetInt()
	require.NoError(t, err)
	require.Equal(t, int32(0), tokenEnd)

	digest, err := peer.Get(16)
	require.NoError(t, err)
	require.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", hexString(digest))

	// First DONE: sender advances TRANSFER -> TEARING_DOWN and echoes.
	require.NoError(t, peer.PutIndex(wire.DONE))
	echoDone, err := peer.GetIndex()
	require.NoError(t, err)
	require.Equal(t, wire.DONE, echoDone)

	// Second DONE: sender advances TEARING_DOWN -> DONE, no echo, and
	// falls out of the transfer loop into teardown, which sends its
	// own final DONE.
	require.NoError(t, peer.PutIndex(wire.DONE))
	finalDone, err := peer.GetIndex()
	require.NoError(t, err)
	require.Equal(t, wire.DONE, finalDone)

	// Client profile does not report statistics; answer the final
	// DONE round-trip and close so the sender's post-teardown drain
	// observes a clean EOF.
	require.NoError(t, peer.PutIndex(wire.DONE))
	require.NoError(t, peer.Flush())
	peerConn.Close()

	r := awaitResult(t, resultCh)
	require.NoError(t, r.err)
	require.True(t, r.ok)

	stats := s.Statistics()
	require.Equal(t, 1, stats.NumTransferredFiles)
	require.Equal(t, int64(0), stats.TotalTransferredSize)
}

func hexString(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = digits[v>>4]
		out[i*2+1] = digits[v&0x0f]
	}
	return string(out)
}
