package protocol

import (
	"bytes"
	"errors"
	"io"
)

// ProtocolMessage interface - all protocol messages must implement this
type ProtocolMessage interface {
	// Encode serializes the message to bytes (convenience wrapper)
	Encode() ([]byte, error)
	// EncodeTo serializes the message directly to a writer (efficient)
	EncodeTo(w io.Writer) error
	// Decode deserializes the message from bytes
	Decode(payload []byte) error
}

// Opcode constants (Client → Server)
const (
	TypeCreateAccount = 0x01
	TypeLogin         = 0x03
)

// Opcode constants (Server → Client)
const (
	TypeCreateAccountResponse = 0x02
	TypeLoginResponse         = 0x04
)

// Login status codes
const (
	LoginStatusSuccess = 0x00
	LoginStatusFailure = 0x01
)

const (
	// HashLength is the size of a password digest on the wire (SHA-256)
	HashLength = 32
	// TokenLength is the size of a session token
	TokenLength = 32
)

// ErrPayloadMismatch is returned by Decode when a payload's length does
// not line up with its declared fields (a username length that doesn't
// leave exactly a 32-byte hash, a token cut short). The frame is not yet
// processable; the dispatcher leaves the bytes buffered and waits rather
// than treating this as a protocol violation.
var ErrPayloadMismatch = errors.New("payload length does not match its declared fields")

// CreateAccountMessage (0x01) - Register a username with a password digest
type CreateAccountMessage struct {
	Username     string
	PasswordHash [HashLength]byte
}

func (m *CreateAccountMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Username); err != nil {
		return err
	}
	_, err := w.Write(m.PasswordHash[:])
	return err
}

func (m *CreateAccountMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *CreateAccountMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	username, err := ReadString(buf)
	if err != nil {
		return ErrPayloadMismatch
	}
	var hash [HashLength]byte
	if _, err := io.ReadFull(buf, hash[:]); err != nil {
		return ErrPayloadMismatch
	}
	// The declared username length must leave exactly the hash
	if buf.Len() != 0 {
		return ErrPayloadMismatch
	}

	m.Username = username
	m.PasswordHash = hash
	return nil
}

// CreateAccountResponseMessage (0x02) - Fresh session token for the account
type CreateAccountResponseMessage struct {
	SessionToken [TokenLength]byte
}

func (m *CreateAccountResponseMessage) EncodeTo(w io.Writer) error {
	_, err := w.Write(m.SessionToken[:])
	return err
}

func (m *CreateAccountResponseMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *CreateAccountResponseMessage) Decode(payload []byte) error {
	if len(payload) != TokenLength {
		return ErrPayloadMismatch
	}
	copy(m.SessionToken[:], payload)
	return nil
}

// LoginMessage (0x03) - Authenticate a username with a password digest
type LoginMessage struct {
	Username     string
	PasswordHash [HashLength]byte
}

func (m *LoginMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Username); err != nil {
		return err
	}
	_, err := w.Write(m.PasswordHash[:])
	return err
}

func (m *LoginMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *LoginMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	username, err := ReadString(buf)
	if err != nil {
		return ErrPayloadMismatch
	}
	var hash [HashLength]byte
	if _, err := io.ReadFull(buf, hash[:]); err != nil {
		return ErrPayloadMismatch
	}
	if buf.Len() != 0 {
		return ErrPayloadMismatch
	}

	m.Username = username
	m.PasswordHash = hash
	return nil
}

// LoginResponseMessage (0x04) - Authentication result
// On failure the token is all zeroes: an explicit "no token" placeholder,
// not an absent field. UnreadCount is 0 on failure.
type LoginResponseMessage struct {
	Success      bool
	SessionToken [TokenLength]byte
	UnreadCount  uint32
}

func (m *LoginResponseMessage) EncodeTo(w io.Writer) error {
	status := uint8(LoginStatusFailure)
	if m.Success {
		status = LoginStatusSuccess
	}
	if err := WriteUint8(w, status); err != nil {
		return err
	}
	if _, err := w.Write(m.SessionToken[:]); err != nil {
		return err
	}
	return WriteUint32(w, m.UnreadCount)
}

func (m *LoginResponseMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *LoginResponseMessage) Decode(payload []byte) error {
	// u8 status + 32B token + u32 unread
	if len(payload) != 1+TokenLength+4 {
		return ErrPayloadMismatch
	}
	buf := bytes.NewReader(payload)
	status, err := ReadUint8(buf)
	if err != nil {
		return ErrPayloadMismatch
	}
	var token [TokenLength]byte
	if _, err := io.ReadFull(buf, token[:]); err != nil {
		return ErrPayloadMismatch
	}
	unread, err := ReadUint32(buf)
	if err != nil {
		return ErrPayloadMismatch
	}

	m.Success = status == LoginStatusSuccess
	m.SessionToken = token
	m.UnreadCount = unread
	return nil
}

// Compile-time interface checks
var (
	_ ProtocolMessage = (*CreateAccountMessage)(nil)
	_ ProtocolMessage = (*CreateAccountResponseMessage)(nil)
	_ ProtocolMessage = (*LoginMessage)(nil)
	_ ProtocolMessage = (*LoginResponseMessage)(nil)
)
