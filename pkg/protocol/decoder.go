package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

const readChunkSize = 4096

// Reassembler rebuilds frames from a byte stream delivered in arbitrary
// chunks. A chunk may hold part of a frame, exactly one frame, or several.
// The zero value is ready to use with MaxFrameSize as the limit.
type Reassembler struct {
	// Max is the largest accepted payload length; zero means MaxFrameSize
	Max uint32

	buf []byte
}

// NewReassembler creates a reassembler with the given payload limit
func NewReassembler(limit uint32) *Reassembler {
	return &Reassembler{Max: limit}
}

func (r *Reassembler) limit() uint32 {
	if r.Max == 0 {
		return MaxFrameSize
	}
	return r.Max
}

// Feed appends chunk to the buffer and returns every frame it completes, in
// order. A header announcing more than Max bytes yields a *FramingError; the
// reassembler must not be used after that.
func (r *Reassembler) Feed(chunk []byte) ([]Message, error) {
	r.buf = append(r.buf, chunk...)

	var out []Message
	for len(r.buf) >= HeaderSize {
		opcode := binary.BigEndian.Uint32(r.buf[0:4])
		length := binary.BigEndian.Uint32(r.buf[4:8])
		if length > r.limit() {
			return out, &FramingError{Opcode: opcode, Length: length, Max: r.limit()}
		}

		end := HeaderSize + int(length)
		if len(r.buf) < end {
			break
		}

		payload := make([]byte, length)
		copy(payload, r.buf[HeaderSize:end])
		out = append(out, Message{Opcode: opcode, Payload: payload})
		r.buf = r.buf[end:]
	}

	// Release the backing array once fully drained
	if len(r.buf) == 0 {
		r.buf = nil
	}
	return out, nil
}

// Buffered returns the number of bytes held for an incomplete frame
func (r *Reassembler) Buffered() int {
	return len(r.buf)
}

// Decoder reads frames from a stream through a Reassembler.
type Decoder struct {
	r       io.Reader
	asm     *Reassembler
	chunk   []byte
	pending []Message
	err     error
}

// NewDecoder creates a decoder reading from r with the given payload limit
// (zero means MaxFrameSize).
func NewDecoder(r io.Reader, limit uint32) *Decoder {
	return &Decoder{
		r:     r,
		asm:   NewReassembler(limit),
		chunk: make([]byte, readChunkSize),
	}
}

// Next returns the next complete frame. Frames already buffered are always
// returned before a read error. On orderly peer shutdown it returns io.EOF,
// or ErrTruncated if the peer left a partial frame behind. A *FramingError
// is sticky.
func (d *Decoder) Next() (Message, error) {
	for {
		if len(d.pending) > 0 {
			msg := d.pending[0]
			d.pending = d.pending[1:]
			return msg, nil
		}
		if d.err != nil {
			return Message{}, d.err
		}

		n, err := d.r.Read(d.chunk)
		if n > 0 {
			msgs, ferr := d.asm.Feed(d.chunk[:n])
			d.pending = append(d.pending, msgs...)
			if ferr != nil {
				d.err = ferr
				continue
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) && d.asm.Buffered() > 0 {
				err = ErrTruncated
			}
			d.err = err
		} else if n == 0 {
			// A zero-byte read without error is treated as peer shutdown
			d.err = io.EOF
			if d.asm.Buffered() > 0 {
				d.err = ErrTruncated
			}
		}
	}
}
