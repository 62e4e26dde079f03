package server

import (
	"fmt"

	"github.com/aeolun/minichat/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the server. Collectors are
// registered on the default registry, so only one Metrics may exist per
// process. Tests construct servers with a nil *Metrics instead; every use
// is guarded by a nil check.
type Metrics struct {
	activeConnections *prometheus.GaugeVec
	totalConnections  *prometheus.CounterVec
	framesReceived    *prometheus.CounterVec
	framesSent        *prometheus.CounterVec
	unknownOpcodes    prometheus.Counter
	malformedFrames   prometheus.Counter
	accountCreates    *prometheus.CounterVec
	logins            *prometheus.CounterVec
	bytesRead         prometheus.Counter
	bytesWritten      prometheus.Counter
}

// NewMetrics creates and registers the server metrics
func NewMetrics() *Metrics {
	m := &Metrics{
		activeConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "minichat",
			Name:      "active_connections",
			Help:      "Currently open client connections by transport",
		}, []string{"transport"}),
		totalConnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "minichat",
			Name:      "connections_total",
			Help:      "Total accepted client connections by transport",
		}, []string{"transport"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "minichat",
			Name:      "frames_received_total",
			Help:      "Frames dispatched by opcode",
		}, []string{"opcode"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "minichat",
			Name:      "frames_sent_total",
			Help:      "Response frames sent by opcode",
		}, []string{"opcode"}),
		unknownOpcodes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "minichat",
			Name:      "unknown_opcodes_total",
			Help:      "Frames dropped because their opcode is not recognized",
		}),
		malformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "minichat",
			Name:      "malformed_frames_total",
			Help:      "Connections closed due to an invalid frame length header",
		}),
		accountCreates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "minichat",
			Name:      "account_creates_total",
			Help:      "CREATE_ACCOUNT requests by outcome",
		}, []string{"outcome"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "minichat",
			Name:      "logins_total",
			Help:      "Login attempts by outcome",
		}, []string{"outcome"}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "minichat",
			Name:      "bytes_read_total",
			Help:      "Bytes read from client connections",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "minichat",
			Name:      "bytes_written_total",
			Help:      "Bytes written to client connections",
		}),
	}

	prometheus.MustRegister(
		m.activeConnections,
		m.totalConnections,
		m.framesReceived,
		m.framesSent,
		m.unknownOpcodes,
		m.malformedFrames,
		m.accountCreates,
		m.logins,
		m.bytesRead,
		m.bytesWritten,
	)

	return m
}

// RecordConnection tracks an accepted connection
func (m *Metrics) RecordConnection(transport string) {
	m.totalConnections.WithLabelValues(transport).Inc()
	m.activeConnections.WithLabelValues(transport).Inc()
}

// RecordDisconnection tracks a closed connection
func (m *Metrics) RecordDisconnection(transport string) {
	m.activeConnections.WithLabelValues(transport).Dec()
}

// RecordFrameReceived tracks a dispatched inbound frame
func (m *Metrics) RecordFrameReceived(opcode uint8) {
	m.framesReceived.WithLabelValues(opcodeName(opcode)).Inc()
}

// RecordFrameSent tracks an outbound response frame
func (m *Metrics) RecordFrameSent(opcode uint8) {
	m.framesSent.WithLabelValues(opcodeName(opcode)).Inc()
}

// RecordUnknownOpcode tracks a frame dropped for an unrecognized opcode
func (m *Metrics) RecordUnknownOpcode() {
	m.unknownOpcodes.Inc()
}

// RecordMalformedFrame tracks a connection closed for a bad length header
func (m *Metrics) RecordMalformedFrame() {
	m.malformedFrames.Inc()
}

// RecordAccountCreate tracks a CREATE_ACCOUNT request
func (m *Metrics) RecordAccountCreate(issued bool) {
	outcome := "rejected"
	if issued {
		outcome = "issued"
	}
	m.accountCreates.WithLabelValues(outcome).Inc()
}

// RecordLogin tracks a login attempt
func (m *Metrics) RecordLogin(success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.logins.WithLabelValues(outcome).Inc()
}

// RecordBytesRead tracks bytes read from a client
func (m *Metrics) RecordBytesRead(n int) {
	m.bytesRead.Add(float64(n))
}

// RecordBytesWritten tracks bytes written to a client
func (m *Metrics) RecordBytesWritten(n int) {
	m.bytesWritten.Add(float64(n))
}

// opcodeName maps wire opcodes to stable metric label values
func opcodeName(opcode uint8) string {
	switch opcode {
	case protocol.TypeCreateAccount:
		return "CREATE_ACCOUNT"
	case protocol.TypeCreateAccountResponse:
		return "CREATE_ACCOUNT_RESPONSE"
	case protocol.TypeLogin:
		return "LOGIN"
	case protocol.TypeLoginResponse:
		return "LOGIN_RESPONSE"
	default:
		return fmt.Sprintf("UNKNOWN_0x%02X", opcode)
	}
}
