package bgp

import (
	"errors"
)

// ErrNeedMore means the buffered bytes do not yet hold a complete frame.
var ErrNeedMore = errors.New("bgp: need more bytes")

// Frame is one complete, header-validated BGP message.
type Frame struct {
	Header Header
	Raw    []byte // header + body
}

// Body returns the bytes following the 19-byte header.
func (f Frame) Body() []byte { return f.Raw[HeaderLen:] }

// Reader accumulates stream bytes and cuts them into frames. It keeps every
// byte it cannot yet frame. Once the stream turns out to be unframeable it
// refuses further input until Reset.
type Reader struct {
	buf    []byte
	start  int
	maxLen int
	offset int // stream offset of buf[start]
	err    error
}

func NewReader() *Reader {
	return &Reader{maxLen: MaxMessageLen}
}

// SetMaxLength changes the accepted message ceiling, e.g. after the
// Extended Message capability was negotiated.
func (r *Reader) SetMaxLength(n int) {
	if n < HeaderLen {
		n = HeaderLen
	}
	if n > MaxExtendedLen {
		n = MaxExtendedLen
	}
	r.maxLen = n
}

// MaxLength returns the current message ceiling.
func (r *Reader) MaxLength() int { return r.maxLen }

// Write appends stream bytes. It implements io.Writer.
func (r *Reader) Write(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.start > 0 {
		n := copy(r.buf, r.buf[r.start:])
		r.buf = r.buf[:n]
		r.start = 0
	}
	r.buf = append(r.buf, p...)
	return len(p), nil
}

// Buffered returns the number of bytes not yet returned as frames.
func (r *Reader) Buffered() int { return len(r.buf) - r.start }

// Next returns the next complete frame, ErrNeedMore, or a sticky *FrameError.
// The frame's bytes are a copy and stay valid after further writes.
func (r *Reader) Next() (Frame, error) {
	if r.err != nil {
		return Frame{}, r.err
	}

	pending := r.buf[r.start:]
	if len(pending) < HeaderLen {
		return Frame{}, ErrNeedMore
	}

	h, err := ParseHeader(pending[:HeaderLen], r.maxLen)
	if err != nil {
		var ne *NotificationError
		errors.As(err, &ne)
		r.err = &FrameError{Offset: r.offset, Err: ne}
		return Frame{}, r.err
	}

	n := int(h.Length)
	if len(pending) < n {
		return Frame{}, ErrNeedMore
	}

	raw := make([]byte, n)
	copy(raw, pending[:n])
	r.start += n
	r.offset += n
	if r.start == len(r.buf) {
		r.buf = r.buf[:0]
		r.start = 0
	}

	return Frame{Header: h, Raw: raw}, nil
}

// Err returns the sticky framing error, if any.
func (r *Reader) Err() error { return r.err }

// Reset drops all buffered bytes and clears a framing error.
func (r *Reader) Reset() {
	r.buf = r.buf[:0]
	r.start = 0
	r.offset = 0
	r.err = nil
}
