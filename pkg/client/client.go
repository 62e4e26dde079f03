// Package client implements a minimal MiniChat client. It dials a server
// over raw TCP, SSH, or WebSocket and drives the account operations
// synchronously: one request on the wire, one response back.
package client

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/minichat/pkg/protocol"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/ssh"
)

const (
	defaultTCPPort = "50051"
	defaultWSPort  = "50052"
	defaultSSHPort = "50053"
)

// DefaultTimeout bounds connection setup and each request round trip.
const DefaultTimeout = 5 * time.Second

var (
	// ErrAuthFailed means the server refused the username/password pair.
	ErrAuthFailed = errors.New("invalid username or password")
	// ErrUsernameTaken means the server answered a create request with the
	// all-zero token placeholder (duplicate_policy = "reject").
	ErrUsernameTaken = errors.New("username already registered")
)

// Client is a single connection to a MiniChat server. Methods are safe for
// concurrent use; requests are serialized on the connection.
type Client struct {
	conn    net.Conn
	address string // display address with scheme
	timeout time.Duration
	mu      sync.Mutex
}

// Dial connects to a server address. Supported forms:
//
//	host, host:port          raw TCP (default port 50051)
//	tcp://host[:port]        raw TCP
//	ssh://[user@]host[:port] SSH session channel (default port 50053)
//	ws://host[:port]         WebSocket (default port 50052)
//	wss://host[:port]        WebSocket over TLS
func Dial(address string) (*Client, error) {
	return DialTimeout(address, DefaultTimeout)
}

// DialTimeout is Dial with an explicit setup and round-trip timeout.
func DialTimeout(address string, timeout time.Duration) (*Client, error) {
	cfg, err := parseServerAddress(address, timeout)
	if err != nil {
		return nil, err
	}

	conn, err := cfg.dial()
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.display, err)
	}

	return &Client{
		conn:    conn,
		address: cfg.display,
		timeout: timeout,
	}, nil
}

// Address returns the resolved server address including its scheme.
func (c *Client) Address() string {
	return c.address
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// HashPassword digests a password the way the protocol carries it.
// The cleartext never goes on the wire.
func HashPassword(password string) [protocol.HashLength]byte {
	return sha256.Sum256([]byte(password))
}

// FormatToken renders a session token as lowercase hex.
func FormatToken(token [protocol.TokenLength]byte) string {
	return hex.EncodeToString(token[:])
}

// CreateAccount registers a username and returns the issued session token.
// Returns ErrUsernameTaken when the server rejects a duplicate.
func (c *Client) CreateAccount(username, password string) ([protocol.TokenLength]byte, error) {
	var zero [protocol.TokenLength]byte

	msg := &protocol.CreateAccountMessage{
		Username:     username,
		PasswordHash: HashPassword(password),
	}
	frame, err := c.roundTrip(protocol.TypeCreateAccount, msg, protocol.TypeCreateAccountResponse)
	if err != nil {
		return zero, err
	}

	var resp protocol.CreateAccountResponseMessage
	if err := resp.Decode(frame.Payload); err != nil {
		return zero, fmt.Errorf("decode create account response: %w", err)
	}
	if resp.SessionToken == zero {
		return zero, ErrUsernameTaken
	}
	return resp.SessionToken, nil
}

// LoginResult carries a successful login's token and unread message count.
type LoginResult struct {
	SessionToken [protocol.TokenLength]byte
	UnreadCount  uint32
}

// Login authenticates and returns the fresh session token plus the number
// of unread messages. Returns ErrAuthFailed on bad credentials.
func (c *Client) Login(username, password string) (*LoginResult, error) {
	msg := &protocol.LoginMessage{
		Username:     username,
		PasswordHash: HashPassword(password),
	}
	frame, err := c.roundTrip(protocol.TypeLogin, msg, protocol.TypeLoginResponse)
	if err != nil {
		return nil, err
	}

	var resp protocol.LoginResponseMessage
	if err := resp.Decode(frame.Payload); err != nil {
		return nil, fmt.Errorf("decode login response: %w", err)
	}
	if !resp.Success {
		return nil, ErrAuthFailed
	}
	return &LoginResult{
		SessionToken: resp.SessionToken,
		UnreadCount:  resp.UnreadCount,
	}, nil
}

// roundTrip sends one frame and waits for its response. The read timeout
// runs on a timer rather than a connection deadline because SSH channels
// and WebSocket messages don't support deadlines uniformly.
func (c *Client) roundTrip(opcode uint8, msg protocol.ProtocolMessage, wantOpcode uint8) (*protocol.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload, err := msg.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	frame := &protocol.Frame{Opcode: opcode, Payload: payload}
	if err := protocol.EncodeFrame(c.conn, frame); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	type readResult struct {
		frame *protocol.Frame
		err   error
	}
	ch := make(chan readResult, 1)
	go func() {
		f, err := protocol.DecodeFrame(c.conn)
		ch <- readResult{f, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("read response: %w", res.err)
		}
		if res.frame.Opcode != wantOpcode {
			return nil, fmt.Errorf("unexpected response opcode 0x%02X (want 0x%02X)", res.frame.Opcode, wantOpcode)
		}
		return res.frame, nil
	case <-time.After(c.timeout):
		// Closing unblocks the reader goroutine; the connection is no
		// longer usable once a response has gone missing
		c.conn.Close()
		return nil, fmt.Errorf("no response within %v", c.timeout)
	}
}

type dialConfig struct {
	display string // Display address with scheme
	dial    func() (net.Conn, error)
}

func parseServerAddress(raw string, timeout time.Duration) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	user := ""
	hostPort := trimmed
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}

		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}

		if u.User != nil {
			user = u.User.Username()
		}

		if u.Host != "" {
			hostPort = u.Host
		} else if u.Path != "" {
			hostPort = u.Path
		}

		hostPort = strings.TrimPrefix(hostPort, "//")
	}

	switch scheme {
	case "tcp", "":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}

		address := net.JoinHostPort(host, port)
		dial := func() (net.Conn, error) {
			return net.DialTimeout("tcp", address, timeout)
		}

		return &dialConfig{
			display: address,
			dial:    dial,
		}, nil

	case "ssh":
		host, port, err := splitHostPortWithDefault(hostPort, defaultSSHPort)
		if err != nil {
			return nil, err
		}

		address := net.JoinHostPort(host, port)

		display := fmt.Sprintf("ssh://%s", address)
		if user != "" {
			display = fmt.Sprintf("ssh://%s@%s", user, address)
		}
		if user == "" {
			// The server ignores the SSH username; anything works
			user = "minichat"
		}

		dial := func() (net.Conn, error) {
			return dialSSH(user, address, timeout)
		}

		return &dialConfig{
			display: display,
			dial:    dial,
		}, nil

	case "ws", "wss":
		host, port, err := splitHostPortWithDefault(hostPort, defaultWSPort)
		if err != nil {
			return nil, err
		}

		address := net.JoinHostPort(host, port)
		useTLS := scheme == "wss"

		dial := func() (net.Conn, error) {
			return dialWebSocket(address, useTLS, timeout)
		}

		displayScheme := "ws"
		if useTLS {
			displayScheme = "wss"
		}

		return &dialConfig{
			display: fmt.Sprintf("%s://%s", displayScheme, address),
			dial:    dial,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = hostPort
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
		}
		return host, defaultPort, nil
	}

	return "", "", err
}

// dialSSH opens an SSH connection and a session channel carrying the
// binary protocol. Accounts authenticate inside the protocol, so the SSH
// layer uses no client credentials and host keys are not pinned.
func dialSSH(user, address string, timeout time.Duration) (net.Conn, error) {
	netConn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            user,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	// Set a deadline for the SSH handshake to enforce the timeout
	if err := netConn.SetDeadline(time.Now().Add(timeout)); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("failed to set connection deadline: %w", err)
	}

	localAddr := netConn.LocalAddr()
	remoteAddr := netConn.RemoteAddr()

	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, address, config)
	if err != nil {
		netConn.Close()
		return nil, err
	}

	// Clear the deadline after handshake completes
	if err := netConn.SetDeadline(time.Time{}); err != nil {
		clientConn.Close()
		return nil, fmt.Errorf("failed to clear connection deadline: %w", err)
	}

	client := ssh.NewClient(clientConn, chans, reqs)
	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("open session channel: %w", err)
	}
	go ssh.DiscardRequests(requests)

	return &sshClientConn{
		channel:    channel,
		client:     client,
		localAddr:  localAddr,
		remoteAddr: remoteAddr,
	}, nil
}

// sshClientConn wraps an ssh.Channel (plus its owning client) as net.Conn
type sshClientConn struct {
	channel    ssh.Channel
	client     *ssh.Client
	localAddr  net.Addr
	remoteAddr net.Addr
	once       sync.Once
}

func (c *sshClientConn) Read(b []byte) (int, error) {
	return c.channel.Read(b)
}

func (c *sshClientConn) Write(b []byte) (int, error) {
	return c.channel.Write(b)
}

func (c *sshClientConn) Close() error {
	var err error
	c.once.Do(func() {
		if closeErr := c.channel.Close(); closeErr != nil && !errors.Is(closeErr, io.EOF) {
			err = closeErr
		}
		c.client.Close()
	})
	return err
}

func (c *sshClientConn) LocalAddr() net.Addr {
	if c.localAddr != nil {
		return c.localAddr
	}
	return &net.TCPAddr{IP: net.IPv4zero, Port: 0}
}

func (c *sshClientConn) RemoteAddr() net.Addr {
	if c.remoteAddr != nil {
		return c.remoteAddr
	}
	return &net.TCPAddr{IP: net.IPv4zero, Port: 0}
}

func (c *sshClientConn) SetDeadline(t time.Time) error      { return nil }
func (c *sshClientConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *sshClientConn) SetWriteDeadline(t time.Time) error { return nil }

// dialWebSocket connects to the server's /ws endpoint and adapts the
// message stream to net.Conn
func dialWebSocket(address string, useTLS bool, timeout time.Duration) (net.Conn, error) {
	scheme := "ws"
	if useTLS {
		scheme = "wss"
	}
	url := fmt.Sprintf("%s://%s/ws", scheme, address)

	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
	}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return &wsClientConn{conn: conn}, nil
}

// wsClientConn adapts a WebSocket connection to net.Conn. Binary messages
// carry the protocol byte stream; frame boundaries and message boundaries
// are independent.
type wsClientConn struct {
	conn   *websocket.Conn
	reader io.Reader // current in-progress message, nil between messages
}

func (c *wsClientConn) Read(b []byte) (int, error) {
	for {
		if c.reader == nil {
			msgType, r, err := c.conn.NextReader()
			if err != nil {
				return 0, err
			}
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

func (c *wsClientConn) Write(b []byte) (int, error) {
	if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsClientConn) Close() error {
	return c.conn.Close()
}

func (c *wsClientConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *wsClientConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *wsClientConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

func (c *wsClientConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func (c *wsClientConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}
