package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// ErrStringTooLong is returned when a string exceeds the u16 length prefix
var ErrStringTooLong = errors.New("string exceeds maximum encodable length (65535 bytes)")

// WriteUint8 writes a single byte
func WriteUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

// ReadUint8 reads a single byte
func ReadUint8(r io.Reader) (uint8, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// WriteUint16 writes a big-endian uint16
func WriteUint16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// ReadUint16 reads a big-endian uint16
func ReadUint16(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

// WriteUint32 writes a big-endian uint32
func WriteUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

// ReadUint32 reads a big-endian uint32
func ReadUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// WriteString writes a length-prefixed UTF-8 string (u16 length + bytes)
func WriteString(w io.Writer, s string) error {
	if len(s) > 65535 {
		return ErrStringTooLong
	}
	if err := WriteUint16(w, uint16(len(s))); err != nil {
		return err
	}
	if len(s) == 0 {
		return nil
	}
	_, err := io.WriteString(w, s)
	return err
}

// ReadString reads a length-prefixed UTF-8 string (u16 length + bytes)
func ReadString(r io.Reader) (string, error) {
	length, err := ReadUint16(r)
	if err != nil {
		return "", err
	}
	if length == 0 {
		return "", nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
