package server

import (
	"bytes"
	"net"
	"sync"
	"sync/atomic"

	"github.com/aeolun/minichat/pkg/protocol"
)

// Conn is the state record for one client connection: its identity, the
// framing buffer holding bytes read so far, and a write-synchronized
// outbound path.
//
// Under load, multiple goroutines may try to write to the same connection
// simultaneously. Without synchronization their frame bytes interleave on
// the wire, corrupting the stream. Conn encapsulates the connection and
// its write mutex, making it impossible to write without synchronization.
type Conn struct {
	ID         uint64
	RemoteAddr string
	Transport  string // "tcp", "ssh", or "websocket"

	netConn    net.Conn
	framer     *protocol.Framer
	writeChunk int
	writeMu    sync.Mutex // Protects writes to netConn
	metrics    *Metrics
}

// WriteFrame encodes a frame and sends it with automatic write
// synchronization. This is the ONLY way to write frames to the
// connection - the raw conn is private.
func (c *Conn) WriteFrame(frame *protocol.Frame) error {
	var buf bytes.Buffer
	if err := protocol.EncodeFrame(&buf, frame); err != nil {
		return err
	}
	return c.WriteBytes(buf.Bytes())
}

// WriteBytes writes pre-encoded bytes with synchronization. The buffer is
// flushed in bounded chunks; a short write trims the buffer by the amount
// accepted and retries, so the peer always sees the full byte sequence.
func (c *Conn) WriteBytes(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	for len(data) > 0 {
		chunk := data
		if c.writeChunk > 0 && len(chunk) > c.writeChunk {
			chunk = chunk[:c.writeChunk]
		}
		n, err := c.netConn.Write(chunk)
		data = data[n:]
		if c.metrics != nil && n > 0 {
			c.metrics.RecordBytesWritten(n)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying connection
func (c *Conn) Close() error {
	return c.netConn.Close()
}

// ConnManager tracks all registered connections
type ConnManager struct {
	conns   map[uint64]*Conn
	nextID  uint64
	mu      sync.RWMutex
	metrics *Metrics
}

// NewConnManager creates a new connection manager
func NewConnManager() *ConnManager {
	return &ConnManager{
		conns:  make(map[uint64]*Conn),
		nextID: 1,
	}
}

// SetMetrics attaches metrics to the connection manager
func (cm *ConnManager) SetMetrics(metrics *Metrics) {
	cm.metrics = metrics
}

// Register creates a connection record with an empty framing buffer and
// adds it to the registry
func (cm *ConnManager) Register(netConn net.Conn, transport string, maxFrame uint32, writeChunk int) *Conn {
	// Allocate connection ID atomically (no lock needed)
	id := atomic.AddUint64(&cm.nextID, 1) - 1

	conn := &Conn{
		ID:         id,
		RemoteAddr: netConn.RemoteAddr().String(),
		Transport:  transport,
		netConn:    netConn,
		framer:     protocol.NewFramer(maxFrame),
		writeChunk: writeChunk,
		metrics:    cm.metrics,
	}

	// Only acquire lock for map insertion (critical section)
	cm.mu.Lock()
	cm.conns[id] = conn
	cm.mu.Unlock()

	if cm.metrics != nil {
		cm.metrics.RecordConnection(transport)
	}

	return conn
}

// Get returns a connection by ID
func (cm *ConnManager) Get(id uint64) (*Conn, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	conn, ok := cm.conns[id]
	return conn, ok
}

// GetAll returns all registered connections
func (cm *ConnManager) GetAll() []*Conn {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	conns := make([]*Conn, 0, len(cm.conns))
	for _, conn := range cm.conns {
		conns = append(conns, conn)
	}
	return conns
}

// Remove unregisters a connection and closes it
func (cm *ConnManager) Remove(id uint64) {
	cm.mu.Lock()
	conn, ok := cm.conns[id]
	if !ok {
		cm.mu.Unlock()
		return
	}
	delete(cm.conns, id)
	cm.mu.Unlock()

	if cm.metrics != nil {
		cm.metrics.RecordDisconnection(conn.Transport)
	}

	conn.Close()
}

// Count returns the number of registered connections
func (cm *ConnManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	return len(cm.conns)
}

// CloseAll closes every registered connection
func (cm *ConnManager) CloseAll() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for _, conn := range cm.conns {
		conn.Close()
	}

	cm.conns = make(map[uint64]*Conn)
}
