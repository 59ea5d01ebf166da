// Package protocol implements the line-oriented wire format: splitting an
// inbound byte stream into frames and rendering the server's outbound lines.
package protocol

import (
	"bytes"
	"errors"
	"io"
	"iter"
	"unicode/utf8"
)

const (
	// DefaultMaxFrameLength is used when a Decoder is built with a non-positive limit.
	DefaultMaxFrameLength = 512

	initialBufferSize = 4096
)

var (
	// ErrFrameTooLong is returned when a single undelimited line exceeds the limit.
	ErrFrameTooLong = errors.New("frame exceeds maximum length")
	// ErrMalformedEncoding is returned when a frame is not valid UTF-8.
	ErrMalformedEncoding = errors.New("frame is not valid UTF-8")
)

// IsProtocolError reports whether err is fatal to the connection because the
// peer violated the framing rules.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrFrameTooLong) || errors.Is(err, ErrMalformedEncoding)
}

// Decoder reads newline-delimited frames from an io.Reader.
//
// Frames returned by Next are slices of the decoder's read buffer: they are
// valid only until the following call to Next. Callers that keep a frame
// must copy it.
type Decoder struct {
	r       io.Reader
	buf     []byte
	start   int // first unconsumed byte
	end     int // end of buffered data
	scanned int // bytes after start already searched for a terminator
	max     int
	err     error
}

// NewDecoder returns a Decoder that rejects frames longer than maxFrame bytes
// (the terminator excluded).
func NewDecoder(r io.Reader, maxFrame int) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameLength
	}
	// Room for a full frame plus "\r\n".
	limit := maxFrame + 2
	size := initialBufferSize
	if size > limit {
		size = limit
	}
	return &Decoder{
		r:   r,
		buf: make([]byte, size),
		max: maxFrame,
	}
}

// MaxFrameLength returns the configured frame limit.
func (d *Decoder) MaxFrameLength() int {
	return d.max
}

// Buffered returns the number of bytes read from the stream but not yet
// returned as a frame.
func (d *Decoder) Buffered() int {
	return d.end - d.start
}

// Next returns the next complete frame with its terminator stripped. A
// trailing partial line is never returned: at end of stream it is discarded
// and io.EOF is reported. Errors are sticky.
func (d *Decoder) Next() ([]byte, error) {
	if d.err != nil {
		return nil, d.err
	}
	for {
		if i := bytes.IndexByte(d.buf[d.start+d.scanned:d.end], '\n'); i >= 0 {
			lineEnd := d.start + d.scanned + i
			line := d.buf[d.start:lineEnd]
			d.start = lineEnd + 1
			d.scanned = 0
			if n := len(line); n > 0 && line[n-1] == '\r' {
				line = line[:n-1]
			}
			if len(line) > d.max {
				return nil, d.fail(ErrFrameTooLong)
			}
			if !utf8.Valid(line) {
				return nil, d.fail(ErrMalformedEncoding)
			}
			return line, nil
		}
		d.scanned = d.end - d.start
		// A pending "\r" may still belong to a frame of exactly max bytes.
		if d.scanned > d.max+1 {
			return nil, d.fail(ErrFrameTooLong)
		}
		if err := d.fill(); err != nil {
			return nil, d.fail(err)
		}
	}
}

// Frames returns a lazy sequence over the remaining frames. The sequence
// stops silently at io.EOF and yields any other error once as its last
// element.
func (d *Decoder) Frames() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			frame, err := d.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(frame, err) || err != nil {
				return
			}
		}
	}
}

func (d *Decoder) fail(err error) error {
	d.err = err
	return err
}

// fill reads more data, compacting or growing the buffer first when it is
// full. It returns the reader's error only when no bytes were read.
func (d *Decoder) fill() error {
	if d.start > 0 {
		n := copy(d.buf, d.buf[d.start:d.end])
		d.start = 0
		d.end = n
	}
	if d.end == len(d.buf) {
		size := 2 * len(d.buf)
		if limit := d.max + 2; size > limit {
			size = limit
		}
		grown := make([]byte, size)
		copy(grown, d.buf[:d.end])
		d.buf = grown
	}

	for range 100 {
		n, err := d.r.Read(d.buf[d.end:])
		d.end += n
		if n > 0 {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return io.ErrNoProgress
}
