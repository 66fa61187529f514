package delta

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sendside/sendside/internal/duplex"
	"github.com/sendside/sendside/internal/fileview"
	"github.com/sendside/sendside/internal/rollsum"
	"github.com/sendside/sendside/internal/strongsum"
)

type endpoint struct {
	r io.Reader
	w io.Writer
}

func (e endpoint) Read(p []byte) (int, error)  { return e.r.Read(p) }
func (e endpoint) Write(p []byte) (int, error) { return e.w.Write(p) }

func newLoopback() (a, b *duplex.Channel) {
	toB := new(bytes.Buffer)
	toA := new(bytes.Buffer)
	return duplex.New(endpoint{r: toA, w: toB}, nil), duplex.New(endpoint{r: toB, w: toA}, nil)
}

func writeTempFile(t *testing.T, content []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

// readTokenStream drains a delta token stream off the peer side of the
// channel, returning the bytes reconstructed from literal runs and
// matched basis blocks side by side with a record of which blocks were
// referenced, so tests can check both accounting and content.
type token struct {
	literal []byte
	matched int // -1 if this token was a literal run
}

func readTokenStream(t *testing.T, ch *duplex.Channel) []token {
	t.Helper()
	var out []token
	for {
		n, err := ch.GetInt()
		require.NoError(t, err)
		if n == 0 {
			return out
		}
		if n < 0 {
			out = append(out, token{matched: int(-n - 1)})
			continue
		}
		data, err := ch.Get(int(n))
		require.NoError(t, err)
		out = append(out, token{literal: data, matched: -1})
	}
}

func basisChunks(content []byte, blockLen int, seed []byte) []Chunk {
	var chunks []Chunk
	for i := 0; i*blockLen < len(content); i++ {
		start := i * blockLen
		end := start + blockLen
		if end > len(content) {
			end = len(content)
		}
		block := content[start:end]
		d := strongsum.BlockDigest(block, seed)
		chunks = append(chunks, Chunk{
			Index:  i,
			Weak:   rollsum.Compute(block, 0, len(block)),
			Strong: d[:],
		})
	}
	return chunks
}

func headerFor(content []byte, blockLen int, digestLen int32) Header {
	count := (len(content) + blockLen - 1) / blockLen
	remainder := len(content) % blockLen
	return Header{
		ChunkCount:   int32(count),
		BlockLength:  int32(blockLen),
		DigestLength: digestLen,
		Remainder:    int32(remainder),
	}
}

func TestSendNewFileHasNoBasis(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 20000)
	path := writeTempFile(t, content)

	v, err := fileview.Open(path, int64(len(content)), 700, literalChunkSize+700)
	require.NoError(t, err)
	defer v.Close()

	a, b := newLoopback()

	done := make(chan struct{})
	var tokens []token
	go func() {
		tokens = readTokenStream(t, b)
		close(done)
	}()

	digest, stats, err := Send(a, v, Header{BlockLength: 0, DigestLength: 16}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, a.Flush())
	<-done

	require.Equal(t, int64(len(content)), stats.LiteralBytes)
	require.Equal(t, int64(0), stats.MatchedBytes)

	var rebuilt []byte
	for _, tok := range tokens {
		require.Equal(t, -1, tok.matched)
		rebuilt = append(rebuilt, tok.literal...)
	}
	require.Equal(t, content, rebuilt)

	wantDigest := strongsum.NewFileDigest()
	wantDigest.Write(content)
	require.Equal(t, wantDigest.Sum(16), digest)
}

func TestSendMatchingFullMatch(t *testing.T) {
	blockLen := 64
	content := bytes.Repeat([]byte("A"), blockLen*4)
	path := writeTempFile(t, content)

	seed := []byte("seed")
	header := headerFor(content, blockLen, 16)
	chunks := basisChunks(content, blockLen, seed)

	v, err := fileview.Open(path, int64(len(content)), blockLen, literalChunkSize+blockLen)
	require.NoError(t, err)
	defer v.Close()

	a, b := newLoopback()
	done := make(chan struct{})
	var tokens []token
	go func() {
		tokens = readTokenStream(t, b)
		close(done)
	}()

	digest, stats, err := Send(a, v, header, chunks, seed)
	require.NoError(t, err)
	require.NoError(t, a.Flush())
	<-done

	require.Equal(t, int64(0), stats.LiteralBytes)
	require.Equal(t, int64(len(content)), stats.MatchedBytes)
	require.Equal(t, 4, len(tokens))
	for i, tok := range tokens {
		require.Equal(t, i, tok.matched)
	}

	wantDigest := strongsum.NewFileDigest()
	wantDigest.Write(content)
	require.Equal(t, wantDigest.Sum(16), digest)
}

func TestSendMatchingNoMatch(t *testing.T) {
	blockLen := 64
	basis := bytes.Repeat([]byte("A"), blockLen*4)
	content := bytes.Repeat([]byte("Z"), blockLen*4)
	path := writeTempFile(t, content)

	seed := []byte("seed")
	header := headerFor(basis, blockLen, 16)
	chunks := basisChunks(basis, blockLen, seed)

	v, err := fileview.Open(path, int64(len(content)), blockLen, literalChunkSize+blockLen)
	require.NoError(t, err)
	defer v.Close()

	a, b := newLoopback()
	done := make(chan struct{})
	var tokens []token
	go func() {
		tokens = readTokenStream(t, b)
		close(done)
	}()

	digest, stats, err := Send(a, v, header, chunks, seed)
	require.NoError(t, err)
	require.NoError(t, a.Flush())
	<-done

	require.Equal(t, int64(len(content)), stats.LiteralBytes)
	require.Equal(t, int64(0), stats.MatchedBytes)

	var rebuilt []byte
	for _, tok := range tokens {
		require.Equal(t, -1, tok.matched)
		rebuilt = append(rebuilt, tok.literal...)
	}
	require.Equal(t, content, rebuilt)

	wantDigest := strongsum.NewFileDigest()
	wantDigest.Write(content)
	require.Equal(t, wantDigest.Sum(16), digest)
}

func TestSendMatchingLiteralAroundMatch(t *testing.T) {
	blockLen := 32
	block := bytes.Repeat([]byte("B"), blockLen)
	basis := append(append([]byte{}, block...), block...)

	prefix := bytes.Repeat([]byte("p"), 10)
	suffix := bytes.Repeat([]byte("s"), 17)
	content := append(append(append([]byte{}, prefix...), block...), suffix...)
	path := writeTempFile(t, content)

	seed := []byte("seed2")
	header := headerFor(basis, blockLen, 16)
	chunks := basisChunks(basis, blockLen, seed)

	v, err := fileview.Open(path, int64(len(content)), blockLen, literalChunkSize+blockLen)
	require.NoError(t, err)
	defer v.Close()

	a, b := newLoopback()
	done := make(chan struct{})
	var tokens []token
	go func() {
		tokens = readTokenStream(t, b)
		close(done)
	}()

	digest, stats, err := Send(a, v, header, chunks, seed)
	require.NoError(t, err)
	require.NoError(t, a.Flush())
	<-done

	require.Equal(t, int64(len(prefix)+len(suffix)), stats.LiteralBytes)
	require.Equal(t, int64(len(block)), stats.MatchedBytes)
	require.Equal(t, stats.LiteralBytes+stats.MatchedBytes, int64(len(content)))

	var rebuilt []byte
	for _, tok := range tokens {
		if tok.matched >= 0 {
			require.GreaterOrEqual(t, tok.matched, 0)
			require.Less(t, tok.matched, len(chunks))
			rebuilt = append(rebuilt, basis[tok.matched*blockLen:tok.matched*blockLen+blockLen]...)
		} else {
			rebuilt = append(rebuilt, tok.literal...)
		}
	}
	require.Equal(t, content, rebuilt)

	wantDigest := strongsum.NewFileDigest()
	wantDigest.Write(content)
	require.Equal(t, wantDigest.Sum(16), digest)
}
