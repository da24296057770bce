// Package metrics holds the prometheus collectors of the capture server and
// the monitor. A nil registerer yields a nil collector; every method is
// safe to call on nil.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "perfcap"

// Capture instruments the capture library side.
type Capture struct {
	connections       prometheus.Counter
	handshakeFailures prometheus.Counter
	connected         prometheus.Gauge
	flushes           prometheus.Counter
	bytesFlushed      prometheus.Counter
	producerStalls    prometheus.Counter
	packetsDropped    prometheus.Counter
	labelsAnnounced   prometheus.Counter
	paramOverrides    *prometheus.CounterVec
}

func NewCapture(reg prometheus.Registerer) *Capture {
	if reg == nil {
		return nil
	}
	m := &Capture{
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "connections_total",
			Help:      "Capture sessions that completed the handshake",
		}),
		handshakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "handshake_failures_total",
			Help:      "Connections rejected during the handshake",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "connected",
			Help:      "1 while a capture session is live",
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "stream_flushes_total",
			Help:      "Non-empty stream chunks written to the transport",
		}),
		bytesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "bytes_flushed_total",
			Help:      "Bytes written to the transport including stream headers",
		}),
		producerStalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "producer_stalls_total",
			Help:      "Times a producer waited for a full stream to flush",
		}),
		packetsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "packets_dropped_total",
			Help:      "Packets larger than a stream buffer",
		}),
		labelsAnnounced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "labels_announced_total",
			Help:      "Label packets sent",
		}),
		paramOverrides: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "param_overrides_total",
			Help:      "Parameter values received from the monitor",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.connections, m.handshakeFailures, m.connected, m.flushes,
		m.bytesFlushed, m.producerStalls, m.packetsDropped, m.labelsAnnounced, m.paramOverrides)
	return m
}

func (m *Capture) ConnectionAccepted() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Capture) HandshakeFailed() {
	if m == nil {
		return
	}
	m.handshakeFailures.Inc()
}

func (m *Capture) SetConnected(v bool) {
	if m == nil {
		return
	}
	if v {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

// Flushed, Stalled and Dropped satisfy stream.Observer.
func (m *Capture) Flushed(n int) {
	if m == nil {
		return
	}
	m.flushes.Inc()
	m.bytesFlushed.Add(float64(n))
}

func (m *Capture) Stalled() {
	if m == nil {
		return
	}
	m.producerStalls.Inc()
}

func (m *Capture) Dropped() {
	if m == nil {
		return
	}
	m.packetsDropped.Inc()
}

func (m *Capture) LabelAnnounced() {
	if m == nil {
		return
	}
	m.labelsAnnounced.Inc()
}

func (m *Capture) ParamOverride(kind string) {
	if m == nil {
		return
	}
	m.paramOverrides.WithLabelValues(kind).Inc()
}

// Monitor instruments the receiving side.
type Monitor struct {
	packets       *prometheus.CounterVec
	bytesReceived prometheus.Counter
	sessions      prometheus.Counter
	wsClients     prometheus.Gauge
	decodeErrors  prometheus.Counter
}

func NewMonitor(reg prometheus.Registerer) *Monitor {
	if reg == nil {
		return nil
	}
	m := &Monitor{
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "packets_total",
			Help:      "Decoded packets by kind",
		}, []string{"kind"}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "bytes_received_total",
			Help:      "Stream bytes received from capture hosts",
		}),
		sessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "sessions_total",
			Help:      "Capture sessions opened",
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "websocket_clients",
			Help:      "Connected websocket viewers",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "decode_errors_total",
			Help:      "Streams abandoned because of malformed data",
		}),
	}
	reg.MustRegister(m.packets, m.bytesReceived, m.sessions, m.wsClients, m.decodeErrors)
	return m
}

func (m *Monitor) Packet(kind string) {
	if m == nil {
		return
	}
	m.packets.WithLabelValues(kind).Inc()
}

func (m *Monitor) Received(n int) {
	if m == nil {
		return
	}
	m.bytesReceived.Add(float64(n))
}

func (m *Monitor) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Monitor) WSClients(delta int) {
	if m == nil {
		return
	}
	m.wsClients.Add(float64(delta))
}

func (m *Monitor) DecodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}
