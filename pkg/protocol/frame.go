package protocol

import (
	"bytes"
	"errors"
	"io"
)

const (
	// MaxFrameSize is the default maximum allowed frame size (1 MB).
	// The length header could claim up to 4 GB; anything above this cap
	// is treated as a malformed frame and the connection is dropped.
	MaxFrameSize = 1024 * 1024
)

var (
	ErrFrameTooLarge      = errors.New("frame exceeds maximum size")
	ErrInvalidFrameLength = errors.New("invalid frame length")
)

// Frame represents one unit of the wire protocol
// Format: [Length (4 bytes, big-endian)][Opcode (1 byte)][Payload (N bytes)]
// Length counts everything after itself: the opcode byte plus the payload.
type Frame struct {
	Opcode  uint8  // Message opcode
	Payload []byte // Opcode-specific fields
}

// EncodeFrame writes a frame to the writer
func EncodeFrame(w io.Writer, f *Frame) error {
	// Calculate length: Opcode (1) + Payload (N)
	length := uint32(1 + len(f.Payload))

	// Check max frame size (excluding the 4-byte length field itself)
	if length > MaxFrameSize {
		return ErrFrameTooLarge
	}

	// Write length (4 bytes, big-endian)
	if err := WriteUint32(w, length); err != nil {
		return err
	}

	// Write opcode (1 byte)
	if err := WriteUint8(w, f.Opcode); err != nil {
		return err
	}

	// Write payload
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}

	// Flush if the writer supports it (e.g., *bufio.Writer)
	type flusher interface {
		Flush() error
	}
	if fl, ok := w.(flusher); ok {
		return fl.Flush()
	}

	return nil
}

// DecodeFrame reads one complete frame from the reader, blocking until it
// arrives. The server uses a Framer to reassemble frames from partial
// reads; this helper serves clients and tests that consume one response
// at a time.
func DecodeFrame(r io.Reader) (*Frame, error) {
	// Read length (4 bytes)
	length, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}

	// Validate length
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	// Length must cover at least the opcode byte
	if length < 1 {
		return nil, ErrInvalidFrameLength
	}

	// Read opcode (1 byte)
	opcode, err := ReadUint8(r)
	if err != nil {
		return nil, err
	}

	// Read payload (remaining bytes)
	payload := make([]byte, length-1)
	if len(payload) > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}

	return &Frame{
		Opcode:  opcode,
		Payload: payload,
	}, nil
}

// EncodeMessage is a helper that encodes a message into complete frame bytes
func EncodeMessage(opcode uint8, msg ProtocolMessage) ([]byte, error) {
	payload, err := msg.Encode()
	if err != nil {
		return nil, err
	}

	buf := new(bytes.Buffer)
	if err := EncodeFrame(buf, &Frame{Opcode: opcode, Payload: payload}); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// DecodeMessage is a helper that decodes a frame from a byte slice
func DecodeMessage(data []byte) (*Frame, error) {
	buf := bytes.NewReader(data)
	return DecodeFrame(buf)
}
