package server

import (
	"errors"
	"log"

	"github.com/aeolun/minichat/pkg/protocol"
)

// errAwaitPayload signals that a frame's payload stopped short of its
// declared fields. The caller must leave the frame buffered and wait for
// the client to finish it; no response is sent and nothing is consumed.
var errAwaitPayload = errors.New("frame payload incomplete, awaiting more data")

// dispatchFrame routes one complete frame to its handler.
//
// Unknown opcodes are logged and dropped without a response; the
// connection stays open. A handler returning errAwaitPayload leaves the
// frame unconsumed. Any other error means the response could not be
// written and the connection is beyond saving.
func (s *Server) dispatchFrame(conn *Conn, frame *protocol.Frame) error {
	if s.metrics != nil {
		s.metrics.RecordFrameReceived(frame.Opcode)
	}

	switch frame.Opcode {
	case protocol.TypeCreateAccount:
		return s.handleCreateAccount(conn, frame)
	case protocol.TypeLogin:
		return s.handleLogin(conn, frame)
	default:
		debugLog.Printf("Conn %d: dropping unknown opcode 0x%02X (payload %d bytes)", conn.ID, frame.Opcode, len(frame.Payload))
		if s.metrics != nil {
			s.metrics.RecordUnknownOpcode()
		}
		return nil
	}
}

// handleCreateAccount handles CREATE_ACCOUNT: register the username (or
// apply the duplicate policy) and answer with a session token.
func (s *Server) handleCreateAccount(conn *Conn, frame *protocol.Frame) error {
	msg := &protocol.CreateAccountMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		debugLog.Printf("Conn %d: CREATE_ACCOUNT payload short of declared fields: %v", conn.ID, err)
		return errAwaitPayload
	}

	token, issued := s.store.CreateOrGetSession(msg.Username, msg.PasswordHash)
	if issued {
		log.Printf("Conn %d: CREATE_ACCOUNT for %q, session token issued", conn.ID, msg.Username)
	} else {
		log.Printf("Conn %d: CREATE_ACCOUNT for %q rejected (username taken)", conn.ID, msg.Username)
	}
	if s.metrics != nil {
		s.metrics.RecordAccountCreate(issued)
	}

	// A rejected create carries the all-zero token placeholder; the zero
	// value of token already is exactly that.
	resp := &protocol.CreateAccountResponseMessage{SessionToken: token}
	return s.sendMessage(conn, protocol.TypeCreateAccountResponse, resp)
}

// handleLogin handles LOGIN: verify the password hash and answer with
// status, session token, and unread count.
func (s *Server) handleLogin(conn *Conn, frame *protocol.Frame) error {
	msg := &protocol.LoginMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		debugLog.Printf("Conn %d: LOGIN payload short of declared fields: %v", conn.ID, err)
		return errAwaitPayload
	}

	success, token, unread := s.store.Login(msg.Username, msg.PasswordHash)
	if success {
		log.Printf("Conn %d: LOGIN for %q succeeded (%d unread)", conn.ID, msg.Username, unread)
	} else {
		log.Printf("Conn %d: LOGIN for %q failed", conn.ID, msg.Username)
	}
	if s.metrics != nil {
		s.metrics.RecordLogin(success)
	}

	resp := &protocol.LoginResponseMessage{
		Success:      success,
		SessionToken: token,
		UnreadCount:  unread,
	}
	return s.sendMessage(conn, protocol.TypeLoginResponse, resp)
}

// sendMessage encodes a message and writes it to the connection as a frame
func (s *Server) sendMessage(conn *Conn, opcode uint8, msg protocol.ProtocolMessage) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}

	frame := &protocol.Frame{
		Opcode:  opcode,
		Payload: payload,
	}

	debugLog.Printf("Conn %d → SEND: Opcode=0x%02X PayloadLen=%d", conn.ID, opcode, len(payload))
	if s.metrics != nil {
		s.metrics.RecordFrameSent(opcode)
	}
	if err := conn.WriteFrame(frame); err != nil {
		errorLog.Printf("Conn %d: WriteFrame failed (Opcode=0x%02X): %v", conn.ID, opcode, err)
		return err
	}
	return nil
}
