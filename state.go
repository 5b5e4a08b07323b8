package ftpnode

import (
	"context"
	"time"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
	StateTransferring
	StateClosing
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateTransferring:
		return "transferring"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// StatusSink receives every state transition of a session, for example to
// drive a status indicator in a host application. Implementations must not
// block and must not call back into the session.
type StatusSink interface {
	Status(state State, message string)
}

// StatusFunc adapts a function to StatusSink.
type StatusFunc func(state State, message string)

// Status implements StatusSink.
func (f StatusFunc) Status(state State, message string) {
	f(state, message)
}

// PasswordSource supplies the password at connect time, typically from a
// credential store owned by the host application.
type PasswordSource interface {
	Password(ctx context.Context) (string, error)
}

// MetricsCollector is an optional interface for collecting session metrics.
// Implementations can send metrics to monitoring systems like Prometheus.
// All methods must be non-blocking.
type MetricsCollector interface {
	// RecordCommand records one command/reply round trip.
	// code is 0 when no reply was read.
	RecordCommand(verb string, code int, duration time.Duration)

	// RecordTransfer records a finished data transfer ("list", "retrieve", "store", "nlst").
	RecordTransfer(op string, bytes int64, duration time.Duration, success bool)

	// RecordState records a session state transition.
	RecordState(from, to State)
}
