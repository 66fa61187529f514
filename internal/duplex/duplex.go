// Package duplex implements the multiplexed, auto-flushing duplex byte
// channel the sender core speaks over: a single underlying stream
// carrying tagged frames, with DATA frames merged transparently into
// the application byte stream and every other tag dispatched to an
// out-of-band handler before the caller sees more data.
package duplex

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"golang.org/x/time/rate"

	"github.com/sendside/sendside/internal/errs"
	"github.com/sendside/sendside/internal/wire"
)

// Channel is the sender core's sole view of the transport. It is not
// safe for concurrent use; the sender core is single-threaded by
// design and every get*/put* call happens on that one thread.
type Channel struct {
	r       *bufio.Reader
	w       *bufio.Writer
	raw     io.Writer
	handler Handler

	pending []byte // leftover bytes from the current DATA frame
	limiter *rate.Limiter

	readBytes  int64
	writeBytes int64

	idxOut *wire.IndexCoder
	idxIn  *wire.IndexCoder
}

// New builds a Channel over rw. handler is invoked synchronously,
// before the get* call that triggered the read returns, for every
// non-DATA frame encountered.
func New(rw io.ReadWriter, handler Handler) *Channel {
	return &Channel{
		r:       bufio.NewReaderSize(rw, 32*1024),
		w:       bufio.NewWriterSize(rw, 32*1024),
		raw:     rw,
		handler: handler,
		idxOut:  wire.NewIndexCoder(),
		idxIn:   wire.NewIndexCoder(),
	}
}

// SetBandwidthLimit caps outbound bytes/sec. A nil or non-positive
// limit disables limiting.
func (c *Channel) SetBandwidthLimit(bytesPerSec int) {
	if bytesPerSec <= 0 {
		c.limiter = nil
		return
	}
	c.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)
}

// BytesRead/BytesWritten report the application-level byte counters,
// independent of frame overhead.
func (c *Channel) BytesRead() int64    { return c.readBytes }
func (c *Channel) BytesWritten() int64 { return c.writeBytes }

// Flush pushes any buffered outbound DATA frame to the transport.
func (c *Channel) Flush() error {
	if err := c.w.Flush(); err != nil {
		return errs.New(errs.ChannelIO, fmt.Errorf("duplex: flush: %w", err))
	}
	return nil
}

// Put writes len(buf) application bytes as a single DATA frame. It
// does not flush; the caller (or the next get*'s auto-flush) decides
// when bytes actually hit the wire.
func (c *Channel) Put(buf []byte) error {
	w := io.Writer(c.w)
	if c.limiter != nil {
		w = &limitedWriter{w: c.w, lim: c.limiter}
	}
	if err := writeFrame(w, TagData, buf); err != nil {
		return errs.New(errs.ChannelIO, err)
	}
	c.writeBytes += int64(len(buf))
	return nil
}

// PutByte writes a single application byte.
func (c *Channel) PutByte(b byte) error { return c.Put([]byte{b}) }

// PutUint16 writes v little-endian.
func (c *Channel) PutUint16(v uint16) error {
	return c.Put([]byte{byte(v), byte(v >> 8)})
}

// PutInt writes a variable-length-encoded int32.
func (c *Channel) PutInt(v int32) error { return c.Put(wire.EncodeInt(v)) }

// PutLong writes a variable-length-encoded int64 with the given
// minimum byte width.
func (c *Channel) PutLong(v int64, minBytes int) error {
	return c.Put(wire.EncodeLong(v, minBytes))
}

// PutIndex writes idx using the channel's running outbound index
// coder state.
func (c *Channel) PutIndex(idx int) error {
	return c.Put(c.idxOut.EncodeIndex(idx))
}

// PutOOB sends an out-of-band message frame directly, bypassing the
// application byte stream. Used by the driver to report IO_ERROR,
// NO_SEND and the informational tags.
func (c *Channel) PutOOB(tag Tag, payload []byte) error {
	if err := writeFrame(c.w, tag, payload); err != nil {
		return errs.New(errs.ChannelIO, err)
	}
	return nil
}

// fillFromFrames auto-flushes the write side, then reads frames from
// the transport until at least one DATA frame has been absorbed into
// c.pending, dispatching every OOB frame encountered along the way.
func (c *Channel) fillFromFrames() error {
	if err := c.Flush(); err != nil {
		return err
	}
	for len(c.pending) == 0 {
		tag, payload, err := readFrame(c.r)
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return errs.New(errs.ChannelEOF, fmt.Errorf("duplex: %w", err))
			}
			return errs.New(errs.ChannelIO, fmt.Errorf("duplex: %w", err))
		}
		if tag == TagData {
			c.pending = payload
			continue
		}
		if c.handler != nil {
			c.handler(Message{Tag: tag, Payload: payload})
		}
	}
	return nil
}

// Get reads exactly n application bytes, auto-flushing outbound data
// first and dispatching any OOB frames encountered in between.
func (c *Channel) Get(n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		if len(c.pending) == 0 {
			if err := c.fillFromFrames(); err != nil {
				return nil, err
			}
		}
		take := n - len(out)
		if take > len(c.pending) {
			take = len(c.pending)
		}
		out = append(out, c.pending[:take]...)
		c.pending = c.pending[take:]
	}
	c.readBytes += int64(n)
	return out, nil
}

// GetByte reads a single application byte.
func (c *Channel) GetByte() (byte, error) {
	b, err := c.Get(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// GetUint16 reads a little-endian 16-bit value.
func (c *Channel) GetUint16() (uint16, error) {
	b, err := c.Get(2)
	if err != nil {
		return 0, err
	}
	return uint16(b[0]) | uint16(b[1])<<8, nil
}

// GetInt reads a variable-length-encoded int32.
func (c *Channel) GetInt() (int32, error) {
	v, _, err := c.getLong(1)
	return int32(v), err
}

// GetLong reads a variable-length-encoded int64 with the given
// minimum byte width.
func (c *Channel) GetLong(minBytes int) (int64, error) {
	v, _, err := c.getLong(minBytes)
	return v, err
}

// getLong decodes a variable-length integer by first reading its
// length byte, then the data bytes it names, since the channel only
// exposes a byte-oriented Get.
func (c *Channel) getLong(minBytes int) (int64, int, error) {
	lenByte, err := c.Get(1)
	if err != nil {
		return 0, 0, err
	}
	n := int(lenByte[0])
	if n < minBytes || n > 8 {
		return 0, 0, errs.New(errs.Protocol, wire.ErrMalformedInteger)
	}
	rest, err := c.Get(n)
	if err != nil {
		return 0, 0, err
	}
	buf := append(lenByte, rest...)
	v, consumed, err := wire.DecodeLong(buf, minBytes)
	if err != nil {
		return 0, 0, errs.New(errs.Protocol, err)
	}
	return v, consumed, nil
}

// GetIndex reads the next index using the channel's running inbound
// index coder state.
func (c *Channel) GetIndex() (int, error) {
	ctrl, err := c.Get(1)
	if err != nil {
		return 0, err
	}
	if wire.IsSentinelControlByte(ctrl[0]) {
		idx, _, _ := c.idxIn.DecodeIndex(ctrl)
		return idx, nil
	}
	rest, err := c.getIndexTail()
	if err != nil {
		return 0, err
	}
	buf := append(ctrl, rest...)
	idx, _, decErr := c.idxIn.DecodeIndex(buf)
	if decErr != nil {
		return 0, errs.New(errs.Protocol, decErr)
	}
	return idx, nil
}

// getIndexTail reads the variable-length delta magnitude that follows
// an index control byte: a length byte, then that many data bytes.
func (c *Channel) getIndexTail() ([]byte, error) {
	lenByte, err := c.Get(1)
	if err != nil {
		return nil, err
	}
	n := int(lenByte[0])
	if n < 1 || n > 8 {
		return nil, errs.New(errs.Protocol, wire.ErrMalformedInteger)
	}
	rest, err := c.Get(n)
	if err != nil {
		return nil, err
	}
	return append(lenByte, rest...), nil
}

// limitedWriter throttles Write calls through a token-bucket limiter
// sized in bytes, used only when a bandwidth cap is configured.
type limitedWriter struct {
	w   io.Writer
	lim *rate.Limiter
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if err := lw.lim.WaitN(context.Background(), len(p)); err != nil {
		return 0, err
	}
	return lw.w.Write(p)
}
