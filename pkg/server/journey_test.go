package server

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/minichat/pkg/protocol"
	"github.com/aeolun/minichat/pkg/store"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/ssh"
)

// ---------------------------------------------------------------------------
// Transport abstraction
// ---------------------------------------------------------------------------

// transportClient provides a uniform interface for sending/receiving protocol
// messages over TCP, SSH, or WebSocket connections.
type transportClient interface {
	// send encodes and sends a protocol message.
	send(t *testing.T, opcode uint8, msg interface{ EncodeTo(io.Writer) error })
	// expect reads the next protocol frame and asserts that its opcode
	// matches expectedOpcode.
	expect(t *testing.T, expectedOpcode uint8, timeout time.Duration) *protocol.Frame
	// tryRead attempts to read one frame within timeout. Returns nil if
	// nothing arrived (no fatal on timeout).
	tryRead(t *testing.T, timeout time.Duration) *protocol.Frame
	// close tears down the connection.
	close()
}

// ---------------------------------------------------------------------------
// TCP transport
// ---------------------------------------------------------------------------

type tcpClient struct {
	conn      net.Conn
	closeOnce sync.Once
}

func newTCPClient(t *testing.T, addr string) *tcpClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("TCP connect to %s failed: %v", addr, err)
	}
	return &tcpClient{conn: conn}
}

func (c *tcpClient) send(t *testing.T, opcode uint8, msg interface{ EncodeTo(io.Writer) error }) {
	t.Helper()
	var buf bytes.Buffer
	if err := msg.EncodeTo(&buf); err != nil {
		t.Fatalf("TCP encode 0x%02X: %v", opcode, err)
	}
	frame := &protocol.Frame{
		Opcode:  opcode,
		Payload: buf.Bytes(),
	}
	if err := protocol.EncodeFrame(c.conn, frame); err != nil {
		t.Fatalf("TCP send 0x%02X: %v", opcode, err)
	}
}

// sendRaw writes bytes straight to the socket, bypassing frame encoding.
// Used by the framing edge-case scenarios.
func (c *tcpClient) sendRaw(t *testing.T, data []byte) {
	t.Helper()
	if _, err := c.conn.Write(data); err != nil {
		t.Fatalf("TCP raw write: %v", err)
	}
}

func (c *tcpClient) expect(t *testing.T, expectedOpcode uint8, timeout time.Duration) *protocol.Frame {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	frame, err := protocol.DecodeFrame(c.conn)
	c.conn.SetReadDeadline(time.Time{})
	if err != nil {
		t.Fatalf("TCP expect 0x%02X: read error: %v", expectedOpcode, err)
	}
	if frame.Opcode != expectedOpcode {
		t.Fatalf("TCP expected 0x%02X, got 0x%02X", expectedOpcode, frame.Opcode)
	}
	return frame
}

func (c *tcpClient) tryRead(t *testing.T, timeout time.Duration) *protocol.Frame {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	frame, err := protocol.DecodeFrame(c.conn)
	c.conn.SetReadDeadline(time.Time{})
	if err != nil {
		return nil
	}
	return frame
}

// assertOpen verifies the server has not closed the connection: a read
// must time out rather than return EOF.
func (c *tcpClient) assertOpen(t *testing.T, timeout time.Duration) {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 1)
	_, err := c.conn.Read(buf)
	c.conn.SetReadDeadline(time.Time{})
	if err == nil {
		t.Fatal("unexpected data while probing connection state")
	}
	if nerr, ok := err.(net.Error); !ok || !nerr.Timeout() {
		t.Fatalf("connection closed, want it open: %v", err)
	}
}

// assertClosed verifies the server has torn the connection down: a read
// must fail with something other than a timeout.
func (c *tcpClient) assertClosed(t *testing.T, timeout time.Duration) {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 1)
	_, err := c.conn.Read(buf)
	c.conn.SetReadDeadline(time.Time{})
	if err == nil {
		t.Fatal("unexpected data while probing connection state")
	}
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		t.Fatal("connection still open, want it closed")
	}
}

func (c *tcpClient) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

// ---------------------------------------------------------------------------
// SSH transport
//
// SSH channels don't support deadlines, so we use a persistent reader
// goroutine that feeds decoded frames into a buffered channel. This avoids
// the data-race that would occur if multiple goroutines tried to read from
// the same ssh.Channel concurrently.
// ---------------------------------------------------------------------------

type sshClient struct {
	client    *ssh.Client
	channel   ssh.Channel
	frames    chan *protocol.Frame
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once
}

func newSSHClient(t *testing.T, addr string) *sshClient {
	t.Helper()

	// The server runs NoClientAuth, so no credentials are needed
	config := &ssh.ClientConfig{
		User:            "journey",
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		t.Fatalf("SSH dial %s: %v", addr, err)
	}
	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		t.Fatalf("SSH open channel: %v", err)
	}
	go ssh.DiscardRequests(requests)

	sc := &sshClient{
		client:  client,
		channel: channel,
		frames:  make(chan *protocol.Frame, 64),
		errors:  make(chan error, 1),
		done:    make(chan struct{}),
	}

	// Single persistent reader goroutine
	go func() {
		defer close(sc.done)
		for {
			frame, err := protocol.DecodeFrame(channel)
			if err != nil {
				sc.errors <- err
				return
			}
			sc.frames <- frame
		}
	}()

	return sc
}

func (c *sshClient) send(t *testing.T, opcode uint8, msg interface{ EncodeTo(io.Writer) error }) {
	t.Helper()
	var buf bytes.Buffer
	if err := msg.EncodeTo(&buf); err != nil {
		t.Fatalf("SSH encode 0x%02X: %v", opcode, err)
	}
	frame := &protocol.Frame{
		Opcode:  opcode,
		Payload: buf.Bytes(),
	}
	if err := protocol.EncodeFrame(c.channel, frame); err != nil {
		t.Fatalf("SSH send 0x%02X: %v", opcode, err)
	}
}

func (c *sshClient) expect(t *testing.T, expectedOpcode uint8, timeout time.Duration) *protocol.Frame {
	t.Helper()
	select {
	case frame := <-c.frames:
		if frame.Opcode != expectedOpcode {
			t.Fatalf("SSH expected 0x%02X, got 0x%02X", expectedOpcode, frame.Opcode)
		}
		return frame
	case err := <-c.errors:
		t.Fatalf("SSH expect 0x%02X: read error: %v", expectedOpcode, err)
		return nil
	case <-time.After(timeout):
		t.Fatalf("SSH expect 0x%02X: timeout after %v", expectedOpcode, timeout)
		return nil
	}
}

func (c *sshClient) tryRead(t *testing.T, timeout time.Duration) *protocol.Frame {
	t.Helper()
	select {
	case frame := <-c.frames:
		return frame
	case <-c.errors:
		return nil
	case <-time.After(timeout):
		return nil
	}
}

func (c *sshClient) close() {
	c.closeOnce.Do(func() {
		c.channel.Close()
		c.client.Close()
		// Wait for reader goroutine to exit (channel close unblocks DecodeFrame)
		<-c.done
	})
}

// ---------------------------------------------------------------------------
// WebSocket transport
//
// Server responses arrive as binary WebSocket messages that may each carry
// part of a frame or several frames. We use a persistent reader goroutine
// that accumulates WS messages into a buffer and decodes protocol frames,
// feeding them into a channel. This avoids gorilla/websocket's limitation
// where a read deadline timeout corrupts the connection state.
// ---------------------------------------------------------------------------

type wsClient struct {
	conn      *websocket.Conn
	frames    chan *protocol.Frame
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once
}

func newWSClient(t *testing.T, addr string) *wsClient {
	t.Helper()
	url := fmt.Sprintf("ws://%s/ws", addr)
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("WebSocket dial %s: %v", url, err)
	}

	wc := &wsClient{
		conn:   conn,
		frames: make(chan *protocol.Frame, 64),
		errors: make(chan error, 1),
		done:   make(chan struct{}),
	}

	// Persistent reader goroutine: reads WS messages, accumulates into
	// buffer, decodes protocol frames, sends to channel.
	go func() {
		defer close(wc.done)
		var readBuf bytes.Buffer
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				wc.errors <- err
				return
			}
			readBuf.Write(data)

			// Try to decode as many complete frames as possible
			for readBuf.Len() > 0 {
				snapshot := make([]byte, readBuf.Len())
				copy(snapshot, readBuf.Bytes())
				reader := bytes.NewReader(snapshot)
				frame, err := protocol.DecodeFrame(reader)
				if err != nil {
					// Not enough data for a complete frame yet
					break
				}
				consumed := len(snapshot) - reader.Len()
				readBuf.Next(consumed)
				wc.frames <- frame
			}
		}
	}()

	return wc
}

func (c *wsClient) send(t *testing.T, opcode uint8, msg interface{ EncodeTo(io.Writer) error }) {
	t.Helper()
	// Encode the protocol frame into a buffer, then send as a single WS binary message
	var payload bytes.Buffer
	if err := msg.EncodeTo(&payload); err != nil {
		t.Fatalf("WS encode 0x%02X: %v", opcode, err)
	}
	frame := &protocol.Frame{
		Opcode:  opcode,
		Payload: payload.Bytes(),
	}
	var frameBuf bytes.Buffer
	if err := protocol.EncodeFrame(&frameBuf, frame); err != nil {
		t.Fatalf("WS frame encode 0x%02X: %v", opcode, err)
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frameBuf.Bytes()); err != nil {
		t.Fatalf("WS send 0x%02X: %v", opcode, err)
	}
}

func (c *wsClient) expect(t *testing.T, expectedOpcode uint8, timeout time.Duration) *protocol.Frame {
	t.Helper()
	select {
	case frame := <-c.frames:
		if frame.Opcode != expectedOpcode {
			t.Fatalf("WS expected 0x%02X, got 0x%02X", expectedOpcode, frame.Opcode)
		}
		return frame
	case err := <-c.errors:
		t.Fatalf("WS expect 0x%02X: read error: %v", expectedOpcode, err)
		return nil
	case <-time.After(timeout):
		t.Fatalf("WS expect 0x%02X: timeout after %v", expectedOpcode, timeout)
		return nil
	}
}

func (c *wsClient) tryRead(t *testing.T, timeout time.Duration) *protocol.Frame {
	t.Helper()
	select {
	case frame := <-c.frames:
		return frame
	case <-c.errors:
		return nil
	case <-time.After(timeout):
		return nil
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
		<-c.done
	})
}

// ---------------------------------------------------------------------------
// Server setup for journey tests
// ---------------------------------------------------------------------------

type journeyServers struct {
	srv     *Server
	tcpAddr string
	sshAddr string
	wsAddr  string
}

// setupJourneyServer creates a single server with TCP, SSH, and WebSocket
// listeners on random ports. Returns addresses for each. Constructs the
// server manually (like startTestServer) to avoid Prometheus registration
// conflicts and logger races with other tests.
func setupJourneyServer(t *testing.T) *journeyServers {
	t.Helper()

	tmpDir := t.TempDir()

	config := DefaultConfig()
	config.TCPPort = 0
	config.WSPort = 0
	config.SSHPort = 0
	config.MetricsPort = 0

	srv := &Server{
		store:     store.NewMemStore(config.DuplicatePolicy),
		conns:     NewConnManager(),
		config:    config,
		shutdown:  make(chan struct{}),
		metrics:   nil, // Skip metrics to avoid Prometheus registration conflicts
		startTime: time.Now(),
	}

	// Start server (TCP only — SSH and WebSocket disabled)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tcpAddr := srv.listener.Addr().String()

	// --- Manually start SSH on an ephemeral port ---
	srv.config.SSHHostKeyPath = tmpDir + "/ssh_host_key"
	hostKey, err := srv.loadOrGenerateHostKey()
	if err != nil {
		t.Fatalf("SSH host key: %v", err)
	}
	sshConfig := &ssh.ServerConfig{NoClientAuth: true}
	sshConfig.ServerVersion = "SSH-2.0-MiniChat"
	sshConfig.AddHostKey(hostKey)

	sshListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("SSH listen: %v", err)
	}
	srv.sshListener = sshListener
	sshAddr := sshListener.Addr().String()

	srv.wg.Add(1)
	go srv.acceptSSHLoop(sshListener, sshConfig)

	// --- Manually start WebSocket HTTP server ---
	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", srv.HandleWebSocket)
	wsListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("WS listen: %v", err)
	}
	wsAddr := wsListener.Addr().String()
	wsServer := &http.Server{Handler: wsMux}
	go wsServer.Serve(wsListener)

	t.Cleanup(func() {
		wsServer.Close()
		srv.Stop()
	})

	return &journeyServers{
		srv:     srv,
		tcpAddr: tcpAddr,
		sshAddr: sshAddr,
		wsAddr:  wsAddr,
	}
}

// ---------------------------------------------------------------------------
// Transport factories
// ---------------------------------------------------------------------------

type transportFactory struct {
	name    string
	connect func(t *testing.T, servers *journeyServers) transportClient
}

func allTransports() []transportFactory {
	return []transportFactory{
		{"tcp", func(t *testing.T, s *journeyServers) transportClient { return newTCPClient(t, s.tcpAddr) }},
		{"ssh", func(t *testing.T, s *journeyServers) transportClient { return newSSHClient(t, s.sshAddr) }},
		{"websocket", func(t *testing.T, s *journeyServers) transportClient { return newWSClient(t, s.wsAddr) }},
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func hashPasswordForTest(password string) [protocol.HashLength]byte {
	return sha256.Sum256([]byte(password))
}

// rawPayload sends arbitrary bytes as a message body
type rawPayload []byte

func (p rawPayload) EncodeTo(w io.Writer) error {
	_, err := w.Write(p)
	return err
}

// encodeFrameBytes renders a complete wire frame for raw-socket scenarios
func encodeFrameBytes(t *testing.T, opcode uint8, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := protocol.EncodeFrame(&buf, &protocol.Frame{Opcode: opcode, Payload: payload}); err != nil {
		t.Fatalf("encode frame 0x%02X: %v", opcode, err)
	}
	return buf.Bytes()
}

var zeroToken [protocol.TokenLength]byte

// ---------------------------------------------------------------------------
// Main test entry point (single TestJourney avoids Prometheus conflicts)
// ---------------------------------------------------------------------------

func TestJourney(t *testing.T) {
	servers := setupJourneyServer(t)

	for _, tf := range allTransports() {
		t.Run("account_journey/"+tf.name, func(t *testing.T) {
			runAccountJourney(t, servers, tf)
		})
	}

	for _, tf := range allTransports() {
		t.Run("unknown_opcode_ignored/"+tf.name, func(t *testing.T) {
			runUnknownOpcodeIgnored(t, servers, tf)
		})
	}

	for _, tf := range allTransports() {
		t.Run("pipelined_requests/"+tf.name, func(t *testing.T) {
			runPipelinedRequests(t, servers, tf)
		})
	}

	// The framing edge cases need byte-level control over the stream, so
	// they run on a raw TCP socket only.
	t.Run("tcp_byte_dribble", func(t *testing.T) {
		runByteDribble(t, servers)
	})
	t.Run("tcp_coalesced_frames", func(t *testing.T) {
		runCoalescedFrames(t, servers)
	})
	t.Run("tcp_split_frame_completes", func(t *testing.T) {
		runSplitFrameCompletes(t, servers)
	})
	t.Run("tcp_short_payload_waits", func(t *testing.T) {
		runShortPayloadWaits(t, servers)
	})
	t.Run("tcp_zero_length_closes", func(t *testing.T) {
		runZeroLengthCloses(t, servers)
	})
	t.Run("tcp_oversized_length_closes", func(t *testing.T) {
		runOversizedLengthCloses(t, servers)
	})
}

// ---------------------------------------------------------------------------
// Account journey: create, duplicate create, login, unread, bad credentials
// ---------------------------------------------------------------------------

func runAccountJourney(t *testing.T, servers *journeyServers, tf transportFactory) {
	timeout := 5 * time.Second
	username := fmt.Sprintf("journey_%s", tf.name)
	password := "TestPassword123!"
	passwordHash := hashPasswordForTest(password)

	client := tf.connect(t, servers)
	defer client.close()

	// Step 1: Create account — receive a fresh session token
	client.send(t, protocol.TypeCreateAccount, &protocol.CreateAccountMessage{
		Username:     username,
		PasswordHash: passwordHash,
	})
	createFrame := client.expect(t, protocol.TypeCreateAccountResponse, timeout)
	var createResp protocol.CreateAccountResponseMessage
	if err := createResp.Decode(createFrame.Payload); err != nil {
		t.Fatalf("Decode CREATE_ACCOUNT_RESPONSE: %v", err)
	}
	if createResp.SessionToken == zeroToken {
		t.Fatal("Create account returned all-zero token")
	}

	// Verify the store holds the account and the token we were handed
	storedToken, ok := servers.srv.store.SessionToken(username)
	if !ok {
		t.Fatal("Account not found in store after create")
	}
	if storedToken != createResp.SessionToken {
		t.Fatal("Stored session token does not match create response")
	}

	// Step 2: Duplicate create — default policy reissues a fresh token
	client.send(t, protocol.TypeCreateAccount, &protocol.CreateAccountMessage{
		Username:     username,
		PasswordHash: passwordHash,
	})
	dupFrame := client.expect(t, protocol.TypeCreateAccountResponse, timeout)
	var dupResp protocol.CreateAccountResponseMessage
	if err := dupResp.Decode(dupFrame.Payload); err != nil {
		t.Fatalf("Decode CREATE_ACCOUNT_RESPONSE (duplicate): %v", err)
	}
	if dupResp.SessionToken == zeroToken {
		t.Fatal("Duplicate create returned all-zero token under reissue policy")
	}
	if dupResp.SessionToken == createResp.SessionToken {
		t.Fatal("Duplicate create reused the previous session token")
	}

	// Step 3: Login with correct credentials — success, fresh token, no unread
	client.send(t, protocol.TypeLogin, &protocol.LoginMessage{
		Username:     username,
		PasswordHash: passwordHash,
	})
	loginFrame := client.expect(t, protocol.TypeLoginResponse, timeout)
	var loginResp protocol.LoginResponseMessage
	if err := loginResp.Decode(loginFrame.Payload); err != nil {
		t.Fatalf("Decode LOGIN_RESPONSE: %v", err)
	}
	if !loginResp.Success {
		t.Fatal("Login with correct credentials failed")
	}
	if loginResp.SessionToken == zeroToken {
		t.Fatal("Successful login returned all-zero token")
	}
	if loginResp.SessionToken == dupResp.SessionToken {
		t.Fatal("Login reused the previous session token")
	}
	if loginResp.UnreadCount != 0 {
		t.Fatalf("Fresh account unread count: got %d, want 0", loginResp.UnreadCount)
	}

	// Step 4: Accumulate unread messages server-side, then login again
	if err := servers.srv.store.AddUnread(username, 3); err != nil {
		t.Fatalf("AddUnread: %v", err)
	}
	client.send(t, protocol.TypeLogin, &protocol.LoginMessage{
		Username:     username,
		PasswordHash: passwordHash,
	})
	unreadFrame := client.expect(t, protocol.TypeLoginResponse, timeout)
	var unreadResp protocol.LoginResponseMessage
	if err := unreadResp.Decode(unreadFrame.Payload); err != nil {
		t.Fatalf("Decode LOGIN_RESPONSE (unread): %v", err)
	}
	if !unreadResp.Success {
		t.Fatal("Second login failed")
	}
	if unreadResp.UnreadCount != 3 {
		t.Fatalf("Unread count: got %d, want 3", unreadResp.UnreadCount)
	}

	// Step 5: Login with wrong password — failure, zero token, zero unread
	wrongHash := hashPasswordForTest("not-the-password")
	client.send(t, protocol.TypeLogin, &protocol.LoginMessage{
		Username:     username,
		PasswordHash: wrongHash,
	})
	wrongFrame := client.expect(t, protocol.TypeLoginResponse, timeout)
	var wrongResp protocol.LoginResponseMessage
	if err := wrongResp.Decode(wrongFrame.Payload); err != nil {
		t.Fatalf("Decode LOGIN_RESPONSE (wrong password): %v", err)
	}
	if wrongResp.Success {
		t.Fatal("Login with wrong password succeeded")
	}
	if wrongResp.SessionToken != zeroToken {
		t.Fatal("Failed login returned a non-zero token")
	}
	if wrongResp.UnreadCount != 0 {
		t.Fatalf("Failed login unread count: got %d, want 0", wrongResp.UnreadCount)
	}

	// Step 6: Login as an unknown user — failure
	client.send(t, protocol.TypeLogin, &protocol.LoginMessage{
		Username:     username + "_nobody",
		PasswordHash: passwordHash,
	})
	unknownFrame := client.expect(t, protocol.TypeLoginResponse, timeout)
	var unknownResp protocol.LoginResponseMessage
	if err := unknownResp.Decode(unknownFrame.Payload); err != nil {
		t.Fatalf("Decode LOGIN_RESPONSE (unknown user): %v", err)
	}
	if unknownResp.Success {
		t.Fatal("Login as unknown user succeeded")
	}
	if unknownResp.SessionToken != zeroToken {
		t.Fatal("Unknown-user login returned a non-zero token")
	}
}

// ---------------------------------------------------------------------------
// Unknown opcodes are dropped without killing the connection
// ---------------------------------------------------------------------------

func runUnknownOpcodeIgnored(t *testing.T, servers *journeyServers, tf transportFactory) {
	timeout := 5 * time.Second
	username := fmt.Sprintf("unknown_%s", tf.name)

	client := tf.connect(t, servers)
	defer client.close()

	// An opcode the server has never heard of gets no response
	client.send(t, 0x7F, rawPayload{0xDE, 0xAD, 0xBE, 0xEF})
	if frame := client.tryRead(t, 300*time.Millisecond); frame != nil {
		t.Fatalf("Unknown opcode drew a response: 0x%02X", frame.Opcode)
	}

	// The connection must still serve later requests
	client.send(t, protocol.TypeCreateAccount, &protocol.CreateAccountMessage{
		Username:     username,
		PasswordHash: hashPasswordForTest("pw"),
	})
	createFrame := client.expect(t, protocol.TypeCreateAccountResponse, timeout)
	var createResp protocol.CreateAccountResponseMessage
	if err := createResp.Decode(createFrame.Payload); err != nil {
		t.Fatalf("Decode CREATE_ACCOUNT_RESPONSE: %v", err)
	}
	if createResp.SessionToken == zeroToken {
		t.Fatal("Create after unknown opcode returned all-zero token")
	}
}

// ---------------------------------------------------------------------------
// Pipelined requests are answered in order
// ---------------------------------------------------------------------------

func runPipelinedRequests(t *testing.T, servers *journeyServers, tf transportFactory) {
	timeout := 5 * time.Second
	userA := fmt.Sprintf("pipe_a_%s", tf.name)
	userB := fmt.Sprintf("pipe_b_%s", tf.name)
	hash := hashPasswordForTest("pipeline")

	client := tf.connect(t, servers)
	defer client.close()

	for _, u := range []string{userA, userB} {
		client.send(t, protocol.TypeCreateAccount, &protocol.CreateAccountMessage{
			Username:     u,
			PasswordHash: hash,
		})
		client.expect(t, protocol.TypeCreateAccountResponse, timeout)
	}

	// Distinct unread counts let us verify response order
	if err := servers.srv.store.AddUnread(userA, 1); err != nil {
		t.Fatalf("AddUnread(%s): %v", userA, err)
	}
	if err := servers.srv.store.AddUnread(userB, 2); err != nil {
		t.Fatalf("AddUnread(%s): %v", userB, err)
	}

	// Fire both logins without reading in between
	client.send(t, protocol.TypeLogin, &protocol.LoginMessage{Username: userA, PasswordHash: hash})
	client.send(t, protocol.TypeLogin, &protocol.LoginMessage{Username: userB, PasswordHash: hash})

	first := client.expect(t, protocol.TypeLoginResponse, timeout)
	var firstResp protocol.LoginResponseMessage
	if err := firstResp.Decode(first.Payload); err != nil {
		t.Fatalf("Decode first LOGIN_RESPONSE: %v", err)
	}
	if firstResp.UnreadCount != 1 {
		t.Fatalf("First response unread: got %d, want 1 (responses out of order?)", firstResp.UnreadCount)
	}

	second := client.expect(t, protocol.TypeLoginResponse, timeout)
	var secondResp protocol.LoginResponseMessage
	if err := secondResp.Decode(second.Payload); err != nil {
		t.Fatalf("Decode second LOGIN_RESPONSE: %v", err)
	}
	if secondResp.UnreadCount != 2 {
		t.Fatalf("Second response unread: got %d, want 2 (responses out of order?)", secondResp.UnreadCount)
	}
}

// ---------------------------------------------------------------------------
// Raw TCP framing scenarios
// ---------------------------------------------------------------------------

// runByteDribble sends a valid frame one byte at a time. The server must
// reassemble it and answer normally.
func runByteDribble(t *testing.T, servers *journeyServers) {
	timeout := 5 * time.Second

	client := newTCPClient(t, servers.tcpAddr)
	defer client.close()

	msg := &protocol.CreateAccountMessage{
		Username:     "dribbler",
		PasswordHash: hashPasswordForTest("drip"),
	}
	var payload bytes.Buffer
	if err := msg.EncodeTo(&payload); err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw := encodeFrameBytes(t, protocol.TypeCreateAccount, payload.Bytes())

	for _, b := range raw {
		client.sendRaw(t, []byte{b})
		time.Sleep(2 * time.Millisecond)
	}

	createFrame := client.expect(t, protocol.TypeCreateAccountResponse, timeout)
	var createResp protocol.CreateAccountResponseMessage
	if err := createResp.Decode(createFrame.Payload); err != nil {
		t.Fatalf("Decode CREATE_ACCOUNT_RESPONSE: %v", err)
	}
	if createResp.SessionToken == zeroToken {
		t.Fatal("Dribbled create returned all-zero token")
	}
}

// runCoalescedFrames sends two complete frames in a single write. Both must
// be answered, in order.
func runCoalescedFrames(t *testing.T, servers *journeyServers) {
	timeout := 5 * time.Second
	hash := hashPasswordForTest("together")

	client := newTCPClient(t, servers.tcpAddr)
	defer client.close()

	createMsg := &protocol.CreateAccountMessage{Username: "coalesced", PasswordHash: hash}
	var createPayload bytes.Buffer
	if err := createMsg.EncodeTo(&createPayload); err != nil {
		t.Fatalf("encode create: %v", err)
	}
	loginMsg := &protocol.LoginMessage{Username: "coalesced", PasswordHash: hash}
	var loginPayload bytes.Buffer
	if err := loginMsg.EncodeTo(&loginPayload); err != nil {
		t.Fatalf("encode login: %v", err)
	}

	combined := append(
		encodeFrameBytes(t, protocol.TypeCreateAccount, createPayload.Bytes()),
		encodeFrameBytes(t, protocol.TypeLogin, loginPayload.Bytes())...,
	)
	client.sendRaw(t, combined)

	client.expect(t, protocol.TypeCreateAccountResponse, timeout)
	loginFrame := client.expect(t, protocol.TypeLoginResponse, timeout)
	var loginResp protocol.LoginResponseMessage
	if err := loginResp.Decode(loginFrame.Payload); err != nil {
		t.Fatalf("Decode LOGIN_RESPONSE: %v", err)
	}
	if !loginResp.Success {
		t.Fatal("Pipelined login after create failed")
	}
}

// runSplitFrameCompletes sends the first half of a frame, waits, then the
// rest. The response arrives only once the frame is whole.
func runSplitFrameCompletes(t *testing.T, servers *journeyServers) {
	timeout := 5 * time.Second

	client := newTCPClient(t, servers.tcpAddr)
	defer client.close()

	msg := &protocol.CreateAccountMessage{
		Username:     "split_sender",
		PasswordHash: hashPasswordForTest("twohalves"),
	}
	var payload bytes.Buffer
	if err := msg.EncodeTo(&payload); err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw := encodeFrameBytes(t, protocol.TypeCreateAccount, payload.Bytes())

	half := len(raw) / 2
	client.sendRaw(t, raw[:half])

	if frame := client.tryRead(t, 300*time.Millisecond); frame != nil {
		t.Fatalf("Server answered a half-sent frame: 0x%02X", frame.Opcode)
	}

	client.sendRaw(t, raw[half:])
	client.expect(t, protocol.TypeCreateAccountResponse, timeout)
}

// runShortPayloadWaits sends a frame whose length header is honest but whose
// username length field promises more bytes than the payload holds. The
// server neither answers nor closes; it waits for a payload that will never
// finish.
func runShortPayloadWaits(t *testing.T, servers *journeyServers) {
	client := newTCPClient(t, servers.tcpAddr)
	defer client.close()

	// Payload: username_len=50, then only 5 bytes
	payload := make([]byte, 7)
	binary.BigEndian.PutUint16(payload[0:2], 50)
	copy(payload[2:], "stub!")
	client.sendRaw(t, encodeFrameBytes(t, protocol.TypeCreateAccount, payload))

	if frame := client.tryRead(t, 400*time.Millisecond); frame != nil {
		t.Fatalf("Server answered a short payload: 0x%02X", frame.Opcode)
	}
	client.assertOpen(t, 400*time.Millisecond)
}

// runZeroLengthCloses sends a length header of zero. The protocol has no
// empty frames, so the server closes the connection.
func runZeroLengthCloses(t *testing.T, servers *journeyServers) {
	client := newTCPClient(t, servers.tcpAddr)
	defer client.close()

	client.sendRaw(t, []byte{0x00, 0x00, 0x00, 0x00})
	client.assertClosed(t, 2*time.Second)
}

// runOversizedLengthCloses announces a frame bigger than the server's cap.
// The server closes the connection without waiting for the payload.
func runOversizedLengthCloses(t *testing.T, servers *journeyServers) {
	client := newTCPClient(t, servers.tcpAddr)
	defer client.close()

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, protocol.MaxFrameSize+1)
	client.sendRaw(t, header)
	client.assertClosed(t, 2*time.Second)
}
