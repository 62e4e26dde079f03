package server

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// startSSHServer starts the SSH server on the configured port
func (s *Server) startSSHServer() error {
	if s.config.SSHPort <= 0 {
		log.Printf("SSH server disabled (ssh_port=%d)", s.config.SSHPort)
		return nil
	}

	// Load or generate host key
	hostKey, err := s.loadOrGenerateHostKey()
	if err != nil {
		return fmt.Errorf("failed to load host key: %w", err)
	}

	// SSH carries the same binary protocol as raw TCP. Accounts identify
	// themselves inside that protocol, so the SSH layer itself needs no
	// client authentication.
	config := &ssh.ServerConfig{
		NoClientAuth:  true,
		ServerVersion: "SSH-2.0-MiniChat",
	}
	config.AddHostKey(hostKey)

	// Listen on SSH port
	addr := fmt.Sprintf(":%d", s.config.SSHPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.sshListener = listener

	log.Printf("SSH server listening on %s", addr)

	// Accept connections in a goroutine
	s.wg.Add(1)
	go s.acceptSSHLoop(listener, config)

	return nil
}

// acceptSSHLoop accepts incoming SSH connections
func (s *Server) acceptSSHLoop(listener net.Listener, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer listener.Close()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("SSH accept error: %v", err)
				continue
			}
		}

		// Handle SSH connection in a goroutine
		s.wg.Add(1)
		go s.handleSSHConnection(conn, config)
	}
}

// handleSSHConnection handles a single SSH connection
func (s *Server) handleSSHConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer conn.Close()

	// Perform SSH handshake
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		log.Printf("SSH handshake failed: %v", err)
		return
	}
	defer sshConn.Close()

	// Discard global out-of-band requests
	go ssh.DiscardRequests(reqs)

	// Handle incoming channels
	for newChannel := range chans {
		// We only accept "session" channels for our binary protocol
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			log.Printf("Could not accept channel: %v", err)
			continue
		}

		// Each session channel is an independent protocol connection
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			go s.handleSSHChannelRequests(requests)
			s.handleSSHSession(channel)
		}()
	}
}

func (s *Server) handleSSHChannelRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// handleSSHSession wraps an SSH channel and feeds it to the shared read loop
func (s *Server) handleSSHSession(channel ssh.Channel) {
	defer channel.Close()

	// Wrap the SSH channel as a net.Conn-like interface
	s.handleConnection(&sshChannelConn{channel: channel}, "ssh")
}

// sshChannelConn wraps ssh.Channel to implement net.Conn interface
type sshChannelConn struct {
	channel ssh.Channel
}

func (c *sshChannelConn) Read(b []byte) (int, error) {
	return c.channel.Read(b)
}

func (c *sshChannelConn) Write(b []byte) (int, error) {
	return c.channel.Write(b)
}

func (c *sshChannelConn) Close() error {
	return c.channel.Close()
}

func (c *sshChannelConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4zero, Port: 0}
}

func (c *sshChannelConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4zero, Port: 0}
}

func (c *sshChannelConn) SetDeadline(t time.Time) error      { return nil }
func (c *sshChannelConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *sshChannelConn) SetWriteDeadline(t time.Time) error { return nil }

// loadOrGenerateHostKey loads the SSH host key or generates one if it doesn't exist
func (s *Server) loadOrGenerateHostKey() (ssh.Signer, error) {
	// Expand ~ in path
	keyPath := s.config.SSHHostKeyPath
	if strings.HasPrefix(keyPath, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		keyPath = filepath.Join(homeDir, keyPath[2:])
	}

	if strings.TrimSpace(keyPath) == "" {
		configTarget := "server config file"
		if strings.TrimSpace(s.configPath) != "" {
			configTarget = s.configPath
		}
		return nil, fmt.Errorf("ssh host key path is empty; update [server].ssh_host_key in %s or remove it to use the default (%s)", configTarget, DefaultConfig().SSHHostKeyPath)
	}

	// Try to load existing key
	keyBytes, err := os.ReadFile(keyPath)
	if err == nil {
		// Parse the key
		key, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		log.Printf("Loaded SSH host key from %s", keyPath)
		return key, nil
	}

	// Generate new key if file doesn't exist
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	log.Printf("Generating new SSH host key at %s...", keyPath)

	// Generate RSA key
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	// Encode to PEM format
	privateKeyPEM := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(keyPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	// Write key to file
	keyFile, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create key file: %w", err)
	}
	defer keyFile.Close()

	if err := pem.Encode(keyFile, privateKeyPEM); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}

	// Parse the generated key
	key, err := ssh.ParsePrivateKey(pem.EncodeToMemory(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated key: %w", err)
	}

	log.Printf("Generated and saved new SSH host key")
	return key, nil
}
