package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/minichat/pkg/protocol"
	"github.com/aeolun/minichat/pkg/store"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	errorLog *log.Logger
	debugLog *log.Logger
)

// errMalformedFrame closes a connection whose peer announced a frame
// length the server refuses to honor (zero, or above the configured cap)
var errMalformedFrame = errors.New("malformed frame length header")

// Server represents the MiniChat server
type Server struct {
	store       *store.MemStore
	listener    net.Listener
	sshListener net.Listener
	wsListener  net.Listener
	wsServer    *http.Server
	conns       *ConnManager
	config      ServerConfig
	configPath  string
	shutdown    chan struct{}
	wg          sync.WaitGroup
	metrics     *Metrics
	startTime   time.Time

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort         int
	WSPort          int // WebSocket endpoint port (0 = disabled)
	SSHPort         int // SSH endpoint port (0 = disabled)
	MetricsPort     int // Internal metrics port (0 = disabled)
	SSHHostKeyPath  string
	MaxFrameSize    uint32 // Frames announcing more than this close the connection
	ReadBufferSize  int    // Bytes per read call
	WriteChunkSize  int    // Bytes per write call
	DuplicatePolicy store.DuplicatePolicy
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:         50051,
		WSPort:          50052,
		SSHPort:         50053,
		MetricsPort:     9090, // Internal metrics server, never expose publicly
		SSHHostKeyPath:  "~/.minichat/ssh_host_key",
		MaxFrameSize:    protocol.MaxFrameSize,
		ReadBufferSize:  4096,
		WriteChunkSize:  4096,
		DuplicatePolicy: store.DuplicateReissue,
	}
}

// NewServer creates a new server instance
func NewServer(config ServerConfig, configPath string) (*Server, error) {
	// Initialize loggers
	if err := initLoggers(); err != nil {
		return nil, fmt.Errorf("failed to initialize loggers: %w", err)
	}

	metrics := NewMetrics()
	conns := NewConnManager()
	conns.SetMetrics(metrics)

	server := &Server{
		store:      store.NewMemStore(config.DuplicatePolicy),
		conns:      conns,
		config:     config,
		configPath: configPath,
		shutdown:   make(chan struct{}),
		metrics:    metrics,
		startTime:  time.Now(),
	}

	return server, nil
}

// getServerDataDir returns the server data directory, creating it if needed
func getServerDataDir() (string, error) {
	var dataDir string
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dataDir = filepath.Join(xdg, "minichat")
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share", "minichat")
	}

	// Create directory if it doesn't exist
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}

// initLoggers sets up error and debug loggers
func initLoggers() error {
	// Get server data directory
	dataDir, err := getServerDataDir()
	if err != nil {
		return err
	}

	// Error log goes to stderr and errors.log
	errorLogPath := filepath.Join(dataDir, "errors.log")
	errorFile, err := os.OpenFile(errorLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Write startup marker to errors.log (for distinguishing between runs)
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}

	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	// Debug log goes to /dev/null by default (can be enabled via EnableDebugLogging)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

	// Redirect standard log to stdout and server.log
	// Truncate server.log on startup to avoid confusion from multiple runs
	serverLogPath := filepath.Join(dataDir, "server.log")
	serverLogFile, err := os.OpenFile(serverLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))

	return nil
}

// EnableDebugLogging enables debug logging to debug.log
func (s *Server) EnableDebugLogging() {
	// Get server data directory
	dataDir, err := getServerDataDir()
	if err != nil {
		log.Printf("Failed to get data directory: %v", err)
		return
	}

	// Create/truncate debug.log
	debugLogPath := filepath.Join(dataDir, "debug.log")
	debugLogFile, err := os.OpenFile(debugLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}

	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Start starts the TCP, SSH, and WebSocket listeners
func (s *Server) Start() error {
	// Start TCP server
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("TCP server listening on %s", listener.Addr())

	// Start SSH server
	if err := s.startSSHServer(); err != nil {
		s.listener.Close()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	// Start WebSocket server
	if err := s.startWSServer(); err != nil {
		if s.sshListener != nil {
			s.sshListener.Close()
		}
		s.listener.Close()
		return fmt.Errorf("failed to start WebSocket server: %w", err)
	}

	// Start metrics HTTP server (internal only - never expose publicly!)
	if s.config.MetricsPort > 0 {
		metricsAddr := fmt.Sprintf(":%d", s.config.MetricsPort)
		go func() {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", promhttp.Handler())
			metricsMux.HandleFunc("/health", s.HealthHandler)
			log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, metricsMux); err != nil {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	// Start metrics logging goroutine (log metrics every 5 seconds)
	s.wg.Add(1)
	go s.metricsLoggingLoop()

	// Accept TCP connections
	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	log.Println("Graceful shutdown initiated...")

	// Signal shutdown to all goroutines
	close(s.shutdown)

	// Stop accepting new connections
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
		log.Println("TCP listener closed")
	}

	if s.sshListener != nil {
		s.sshListener.Close()
		s.sshListener = nil
		log.Println("SSH listener closed")
	}

	if s.wsServer != nil {
		s.wsServer.Close()
		s.wsServer = nil
		s.wsListener = nil
		log.Println("WebSocket server closed")
	}

	// Close all client connections
	log.Println("Closing all client connections...")
	s.conns.CloseAll()

	// Wait for goroutines to finish
	log.Println("Waiting for background goroutines to finish...")
	s.wg.Wait()

	log.Println("Graceful shutdown complete")
	return nil
}

// acceptLoop accepts incoming TCP connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("Accept error: %v", err)
				continue
			}
		}

		// Handle connection directly in goroutine
		go s.handleConnection(conn, "tcp")
	}
}

// handleConnection registers a connection record and runs its read loop
func (s *Server) handleConnection(netConn net.Conn, transport string) {
	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := netConn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	conn := s.conns.Register(netConn, transport, s.config.MaxFrameSize, s.config.WriteChunkSize)

	// Track connection for periodic metrics
	s.connectionsSinceReport.Add(1)
	debugLog.Printf("New %s connection from %s (conn %d)", transport, conn.RemoteAddr, conn.ID)

	s.readLoop(conn)
}

// readLoop reads from the connection in bounded chunks, feeds the framing
// buffer, and dispatches every complete frame. An I/O error or a
// malformed length header tears down this connection only.
func (s *Server) readLoop(conn *Conn) {
	defer s.conns.Remove(conn.ID)

	buf := make([]byte, s.config.ReadBufferSize)
	for {
		n, err := conn.netConn.Read(buf)
		if n > 0 {
			if s.metrics != nil {
				s.metrics.RecordBytesRead(n)
			}
			conn.framer.Append(buf[:n])
			if derr := s.drainFrames(conn); derr != nil {
				s.disconnectionsSinceReport.Add(1)
				debugLog.Printf("Conn %d: closing: %v", conn.ID, derr)
				return
			}
		}
		if err != nil {
			s.disconnectionsSinceReport.Add(1)
			if err == io.EOF {
				debugLog.Printf("Conn %d: client disconnected", conn.ID)
			} else if !errors.Is(err, net.ErrClosed) {
				debugLog.Printf("Conn %d: read error: %v", conn.ID, err)
			}
			return
		}
	}
}

// drainFrames extracts and dispatches every complete frame currently
// buffered. A frame is consumed only after its handler finishes; a
// payload that stops short of its declared fields stays buffered so the
// connection can wait for the rest.
func (s *Server) drainFrames(conn *Conn) error {
	for {
		frame, status := conn.framer.Peek()
		switch status {
		case protocol.FrameIncomplete:
			return nil

		case protocol.FrameMalformed:
			errorLog.Printf("Conn %d: invalid frame length header, closing", conn.ID)
			if s.metrics != nil {
				s.metrics.RecordMalformedFrame()
			}
			return errMalformedFrame

		case protocol.FrameComplete:
			debugLog.Printf("Conn %d ← RECV: Opcode=0x%02X PayloadLen=%d", conn.ID, frame.Opcode, len(frame.Payload))
			if err := s.dispatchFrame(conn, frame); err != nil {
				if errors.Is(err, errAwaitPayload) {
					return nil
				}
				return err
			}
			conn.framer.Consume()
		}
	}
}

// HealthHandler reports liveness and basic counters
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, "{\"status\":\"ok\",\"uptime_seconds\":%d,\"connections\":%d,\"accounts\":%d}\n",
		int64(time.Since(s.startTime).Seconds()), s.conns.Count(), s.store.AccountCount())
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			// Get current counts
			active := s.conns.Count()
			accounts := s.store.AccountCount()
			goroutines := runtime.NumGoroutine()

			// Get deltas and reset
			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)

			log.Printf("[METRICS] Active connections: %d, accounts: %d, connected since last: %d, disconnected since last: %d, goroutines: %d",
				active, accounts, connected, disconnected, goroutines)
		}
	}
}
