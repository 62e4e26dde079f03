package server

import (
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients connect from arbitrary origins
	CheckOrigin: func(r *http.Request) bool { return true },
}

// startWSServer starts the WebSocket endpoint on the configured port
func (s *Server) startWSServer() error {
	if s.config.WSPort <= 0 {
		log.Printf("WebSocket server disabled (ws_port=%d)", s.config.WSPort)
		return nil
	}

	addr := fmt.Sprintf(":%d", s.config.WSPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)

	s.wsListener = listener
	s.wsServer = &http.Server{Handler: mux}

	log.Printf("WebSocket server listening on %s (/ws)", addr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.wsServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			select {
			case <-s.shutdown:
			default:
				log.Printf("WebSocket server error: %v", err)
			}
		}
	}()

	return nil
}

// HandleWebSocket upgrades an HTTP request and speaks the binary protocol
// over binary WebSocket messages
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.handleConnection(newWSNetConn(wsConn), "websocket")
}

// wsNetConn adapts a WebSocket connection to net.Conn. Binary messages
// carry the protocol byte stream; frames may span messages and messages
// may carry several frames, so the framing layer above reassembles.
type wsNetConn struct {
	conn   *websocket.Conn
	reader io.Reader // current in-progress message, nil between messages
}

func newWSNetConn(conn *websocket.Conn) *wsNetConn {
	return &wsNetConn{conn: conn}
}

func (c *wsNetConn) Read(b []byte) (int, error) {
	for {
		if c.reader == nil {
			msgType, r, err := c.conn.NextReader()
			if err != nil {
				return 0, err
			}
			// Text and control payloads carry no protocol bytes
			if msgType != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(b)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsNetConn) Write(b []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsNetConn) Close() error {
	return c.conn.Close()
}

func (c *wsNetConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *wsNetConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *wsNetConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

func (c *wsNetConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *wsNetConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}
