package protocol

import (
	"encoding/binary"
)

// ExtractStatus reports the outcome of one frame-extraction attempt.
type ExtractStatus uint8

const (
	// FrameComplete means a whole frame is buffered and ready.
	FrameComplete ExtractStatus = iota
	// FrameIncomplete means more bytes are needed. Not an error; the
	// caller keeps the buffer and waits for the next read.
	FrameIncomplete
	// FrameMalformed means the length header is invalid (zero, or beyond
	// the configured cap). The connection cannot recover and should be
	// closed.
	FrameMalformed
)

func (s ExtractStatus) String() string {
	switch s {
	case FrameComplete:
		return "complete"
	case FrameIncomplete:
		return "incomplete"
	case FrameMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Framer reassembles length-prefixed frames from a byte stream delivered
// in arbitrary chunks. Bytes are appended as they arrive off the socket;
// complete frames are peeked first and consumed only once the dispatcher
// has accepted them, so a frame whose payload cannot be processed yet
// stays buffered instead of being half-consumed.
type Framer struct {
	buf      []byte
	maxFrame uint32
}

// NewFramer returns a framer enforcing the given frame-size cap on the
// length header. A cap of 0 falls back to MaxFrameSize.
func NewFramer(maxFrame uint32) *Framer {
	if maxFrame == 0 {
		maxFrame = MaxFrameSize
	}
	return &Framer{maxFrame: maxFrame}
}

// Append adds bytes received from the peer to the inbound buffer.
func (f *Framer) Append(p []byte) {
	f.buf = append(f.buf, p...)
}

// Peek reports whether a complete frame sits at the front of the buffer,
// without consuming it. The returned frame's payload aliases the internal
// buffer and is only valid until the next call to Append or Consume.
func (f *Framer) Peek() (*Frame, ExtractStatus) {
	if len(f.buf) < 4 {
		return nil, FrameIncomplete
	}

	length := binary.BigEndian.Uint32(f.buf[:4])
	if length < 1 || length > f.maxFrame {
		return nil, FrameMalformed
	}

	// A frame is complete only when header + declared length are buffered
	if uint32(len(f.buf)-4) < length {
		return nil, FrameIncomplete
	}

	return &Frame{
		Opcode:  f.buf[4],
		Payload: f.buf[5 : 4+length],
	}, FrameComplete
}

// Consume removes the frame returned by the last Peek from the front of
// the buffer. Only valid after Peek returned FrameComplete.
func (f *Framer) Consume() {
	length := binary.BigEndian.Uint32(f.buf[:4])
	f.buf = f.buf[4+length:]
	if len(f.buf) == 0 {
		// Release the backing array so a long-lived connection doesn't
		// pin the largest buffer it ever needed
		f.buf = nil
	}
}

// Buffered returns the number of bytes waiting in the inbound buffer.
func (f *Framer) Buffered() int {
	return len(f.buf)
}
