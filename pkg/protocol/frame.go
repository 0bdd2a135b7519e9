package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// HeaderSize is the fixed frame header: opcode (4 bytes) + length (4 bytes)
	HeaderSize = 8

	// MaxFrameSize is the default maximum payload length (1 MB)
	MaxFrameSize = 1024 * 1024
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrTruncated     = errors.New("connection closed mid-frame")
)

// FramingError reports a header whose length field exceeds the configured
// maximum. The stream cannot be resynchronized after one.
type FramingError struct {
	Opcode uint32
	Length uint32
	Max    uint32
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("frame length %d exceeds maximum %d (opcode %s)", e.Length, e.Max, OpcodeName(e.Opcode))
}

func (e *FramingError) Unwrap() error {
	return ErrFrameTooLarge
}

// Message is one decoded frame.
// Format: [Opcode (4 bytes)][Length (4 bytes)][Payload (Length bytes)], big-endian
type Message struct {
	Opcode  uint32
	Payload []byte
}

// NewMessage builds a message with a text payload
func NewMessage(opcode uint32, text string) Message {
	return Message{Opcode: opcode, Payload: []byte(text)}
}

// Text returns the payload as a string
func (m Message) Text() string {
	return string(m.Payload)
}

// Encode returns the wire form of m. Payloads larger than MaxFrameSize are rejected.
func Encode(m Message) ([]byte, error) {
	return EncodeLimit(m, MaxFrameSize)
}

// EncodeLimit is Encode with an explicit payload limit
func EncodeLimit(m Message, limit uint32) ([]byte, error) {
	if n := uint64(len(m.Payload)); n > uint64(limit) {
		length := uint32(math.MaxUint32)
		if n < math.MaxUint32 {
			length = uint32(n)
		}
		return nil, &FramingError{Opcode: m.Opcode, Length: length, Max: limit}
	}

	buf := make([]byte, HeaderSize+len(m.Payload))
	binary.BigEndian.PutUint32(buf[0:4], m.Opcode)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(m.Payload)))
	copy(buf[HeaderSize:], m.Payload)
	return buf, nil
}

// EncodeFrame writes a single frame to w in one Write call
func EncodeFrame(w io.Writer, m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// DecodeMessage decodes exactly one frame from data. Trailing bytes are an error.
func DecodeMessage(data []byte) (Message, error) {
	var r Reassembler
	msgs, err := r.Feed(data)
	if err != nil {
		return Message{}, err
	}
	if len(msgs) != 1 || r.Buffered() != 0 {
		return Message{}, fmt.Errorf("expected exactly one frame, got %d (+%d stray bytes)", len(msgs), r.Buffered())
	}
	return msgs[0], nil
}
