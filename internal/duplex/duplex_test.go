package duplex

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sendside/sendside/internal/wire"
)

// loopback wires two channels together over in-memory pipes so a
// sender-side Put is visible to a reader-side Get without a real
// transport.
type loopback struct {
	toB *bytes.Buffer
	toA *bytes.Buffer
}

type endpoint struct {
	r io.Reader
	w io.Writer
}

func (e endpoint) Read(p []byte) (int, error)  { return e.r.Read(p) }
func (e endpoint) Write(p []byte) (int, error) { return e.w.Write(p) }

func newLoopback() (a, b io.ReadWriter) {
	toB := new(bytes.Buffer)
	toA := new(bytes.Buffer)
	return endpoint{r: toA, w: toB}, endpoint{r: toB, w: toA}
}

func TestPutGetRoundTrip(t *testing.T) {
	a, b := newLoopback()
	ca := New(a, nil)
	cb := New(b, nil)

	require.NoError(t, ca.Put([]byte("hello")))
	require.NoError(t, ca.Flush())

	got, err := cb.Get(5)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func TestAutoFlushOnGet(t *testing.T) {
	a, b := newLoopback()
	ca := New(a, nil)
	cb := New(b, nil)

	require.NoError(t, ca.Put([]byte("x")))
	// No explicit Flush: ca's own Get must flush "x" before it reads.
	require.NoError(t, cb.Put([]byte("y")))
	require.NoError(t, cb.Flush())
	reply, err := ca.Get(1)
	require.NoError(t, err)
	require.Equal(t, "y", string(reply))

	got, err := cb.Get(1)
	require.NoError(t, err)
	require.Equal(t, "x", string(got))
}

func TestOOBDispatchedBeforeData(t *testing.T) {
	a, b := newLoopback()
	ca := New(a, nil)

	var seen []Tag
	cb := New(b, func(m Message) { seen = append(seen, m.Tag) })

	require.NoError(t, ca.PutOOB(TagInfo, []byte("progress")))
	require.NoError(t, ca.Put([]byte("payload")))
	require.NoError(t, ca.Flush())

	got, err := cb.Get(7)
	require.NoError(t, err)
	require.Equal(t, "payload", string(got))
	require.Equal(t, []Tag{TagInfo}, seen)
}

func TestIndexRoundTripThroughChannel(t *testing.T) {
	a, b := newLoopback()
	ca := New(a, nil)
	cb := New(b, nil)

	for _, idx := range []int{0, 1, 2, 50, wire.DONE, 3} {
		require.NoError(t, ca.PutIndex(idx))
	}
	require.NoError(t, ca.Flush())

	for _, want := range []int{0, 1, 2, 50, wire.DONE, 3} {
		got, err := cb.GetIndex()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestLongRoundTripThroughChannel(t *testing.T) {
	a, b := newLoopback()
	ca := New(a, nil)
	cb := New(b, nil)

	require.NoError(t, ca.PutLong(1<<40, 3))
	require.NoError(t, ca.Flush())

	got, err := cb.GetLong(3)
	require.NoError(t, err)
	require.Equal(t, int64(1<<40), got)
}

func TestEOFPropagates(t *testing.T) {
	a, _ := newLoopback()
	ca := New(a, nil)
	_, err := ca.Get(4)
	require.Error(t, err)
}
