// Package metrics provides a Prometheus implementation of
// ftpnode.MetricsCollector.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gonzalop/ftpnode"
)

// Collector records FTP session activity as Prometheus metrics.
// All methods are nil-safe: calls on a nil *Collector are no-ops.
type Collector struct {
	// CommandsTotal counts control commands, labeled by verb and reply class
	// ("2xx", "5xx", ..., or "none" when no reply arrived).
	CommandsTotal *prometheus.CounterVec

	// CommandDuration observes command round trips in seconds.
	CommandDuration *prometheus.HistogramVec

	// TransfersTotal counts data transfers, labeled by operation and result.
	TransfersTotal *prometheus.CounterVec

	// TransferBytes counts payload bytes, labeled by operation.
	TransferBytes *prometheus.CounterVec

	// TransferDuration observes transfer durations in seconds.
	TransferDuration *prometheus.HistogramVec

	// StateTransitions counts session state transitions by target state.
	StateTransitions *prometheus.CounterVec

	// ActiveSessions tracks sessions that are connected and not yet closed.
	ActiveSessions prometheus.Gauge
}

var _ ftpnode.MetricsCollector = (*Collector)(nil)

// NewCollector creates the metrics and registers them with reg. If reg is
// nil, metrics are created but not registered (useful for testing).
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	m := &Collector{
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpnode",
			Subsystem: "control",
			Name:      "commands_total",
			Help:      "Total number of FTP commands sent",
		}, []string{"verb", "class"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ftpnode",
			Subsystem: "control",
			Name:      "command_duration_seconds",
			Help:      "Round trip time of FTP commands in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		}, []string{"verb"}),
		TransfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpnode",
			Subsystem: "data",
			Name:      "transfers_total",
			Help:      "Total number of data transfers",
		}, []string{"op", "result"}),
		TransferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpnode",
			Subsystem: "data",
			Name:      "bytes_total",
			Help:      "Total payload bytes moved over data connections",
		}, []string{"op"}),
		TransferDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ftpnode",
			Subsystem: "data",
			Name:      "transfer_duration_seconds",
			Help:      "Duration of data transfers in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16), // 10ms to ~5.5min
		}, []string{"op"}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ftpnode",
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Total number of session state transitions",
		}, []string{"to"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ftpnode",
			Subsystem: "session",
			Name:      "active",
			Help:      "Current number of connected sessions",
		}),
	}

	if reg != nil {
		collectors := []prometheus.Collector{
			m.CommandsTotal,
			m.CommandDuration,
			m.TransfersTotal,
			m.TransferBytes,
			m.TransferDuration,
			m.StateTransitions,
			m.ActiveSessions,
		}
		for _, c := range collectors {
			if err := reg.Register(c); err != nil {
				var are prometheus.AlreadyRegisteredError
				if !errors.As(err, &are) {
					return nil, err
				}
			}
		}
	}
	return m, nil
}

// RecordCommand implements ftpnode.MetricsCollector.
func (m *Collector) RecordCommand(verb string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(verb, replyClass(code)).Inc()
	m.CommandDuration.WithLabelValues(verb).Observe(d.Seconds())
}

// RecordTransfer implements ftpnode.MetricsCollector.
func (m *Collector) RecordTransfer(op string, bytes int64, d time.Duration, success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.TransfersTotal.WithLabelValues(op, result).Inc()
	m.TransferBytes.WithLabelValues(op).Add(float64(bytes))
	m.TransferDuration.WithLabelValues(op).Observe(d.Seconds())
}

// RecordState implements ftpnode.MetricsCollector.
func (m *Collector) RecordState(from, to ftpnode.State) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(to.String()).Inc()
	switch {
	case to == ftpnode.StateReady && from != ftpnode.StateTransferring:
		m.ActiveSessions.Inc()
	case isConnected(from) && !isConnected(to):
		m.ActiveSessions.Dec()
	}
}

// isConnected reports whether a session in state s counts as active.
func isConnected(s ftpnode.State) bool {
	return s == ftpnode.StateReady || s == ftpnode.StateTransferring
}

func replyClass(code int) string {
	if code <= 0 {
		return "none"
	}
	return strconv.Itoa(code/100) + "xx"
}
