package ftpnode

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an engine error.
type Kind int

const (
	KindUnknown Kind = iota

	// KindConnect covers TCP and TLS failures and timeouts on the control
	// connection, both while connecting and afterwards.
	KindConnect

	// KindAuth is a rejected login.
	KindAuth

	// KindProtocol is a reply that does not follow the FTP reply grammar.
	KindProtocol

	// KindDataChannel covers PASV/EPSV/PORT negotiation and data socket failures.
	KindDataChannel

	// KindTruncatedTransfer is a disagreement between the control and data channels.
	KindTruncatedTransfer

	// KindIO is a failure of the caller's local byte source or sink.
	KindIO

	// KindCancelled is an operation interrupted through its context or by
	// closing a download early.
	KindCancelled

	// KindProgramming is API misuse: overlapping operations, use of a session
	// that is not Ready.
	KindProgramming

	// KindRejected is a well-formed negative reply (4xx/5xx) from the server.
	KindRejected
)

// Sentinels for errors.Is. Every *Error matches the sentinel of its kind.
var (
	ErrConnect           = errors.New("connect error")
	ErrAuth              = errors.New("authentication error")
	ErrProtocol          = errors.New("protocol error")
	ErrDataChannel       = errors.New("data channel error")
	ErrTruncatedTransfer = errors.New("truncated transfer")
	ErrIO                = errors.New("local i/o error")
	ErrCancelled         = errors.New("operation cancelled")
	ErrProgramming       = errors.New("programming error")
	ErrRejected          = errors.New("command rejected")
	ErrPartialParse      = errors.New("partial listing parse")
)

var kindSentinels = map[Kind]error{
	KindConnect:           ErrConnect,
	KindAuth:              ErrAuth,
	KindProtocol:          ErrProtocol,
	KindDataChannel:       ErrDataChannel,
	KindTruncatedTransfer: ErrTruncatedTransfer,
	KindIO:                ErrIO,
	KindCancelled:         ErrCancelled,
	KindProgramming:       ErrProgramming,
	KindRejected:          ErrRejected,
}

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "ConnectError"
	case KindAuth:
		return "AuthError"
	case KindProtocol:
		return "ProtocolError"
	case KindDataChannel:
		return "DataChannelError"
	case KindTruncatedTransfer:
		return "TruncatedTransferError"
	case KindIO:
		return "IOError"
	case KindCancelled:
		return "CancelledError"
	case KindProgramming:
		return "ProgrammingError"
	case KindRejected:
		return "RejectedError"
	default:
		return "UnknownError"
	}
}

// Error is returned by every session operation. It carries the full context
// of the command/reply conversation that led to the failure.
//
//	var fe *ftpnode.Error
//	if errors.As(err, &fe) && fe.Reply != nil {
//	    fmt.Printf("%s -> %d %s\n", fe.Command, fe.Reply.Code, fe.Reply.Message)
//	}
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Op is the session operation that failed (e.g. "retrieve").
	Op string

	// Command is the last command sent, with secrets redacted (e.g. "RETR f.txt").
	Command string

	// Reply is the last control-channel reply observed, if any.
	Reply *Reply

	// Transferred is the number of payload bytes moved over the data channel.
	Transferred int64

	// Expected is the size the server advertised, or -1 when unknown.
	Expected int64

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("ftp: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Command != "" {
		b.WriteString(e.Command)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if e.Kind == KindTruncatedTransfer {
		if e.Expected >= 0 {
			fmt.Fprintf(&b, " (received %d of %d bytes)", e.Transferred, e.Expected)
		} else {
			fmt.Fprintf(&b, " (received %d bytes)", e.Transferred)
		}
	}
	if e.Reply != nil {
		fmt.Fprintf(&b, " (last reply %d %s)", e.Reply.Code, e.Reply.Message)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// Code returns the last reply code, or 0 when no reply was seen.
func (e *Error) Code() int {
	if e.Reply == nil {
		return 0
	}
	return e.Reply.Code
}

// Is4xx returns true if the last reply was a transient negative completion.
func (e *Error) Is4xx() bool {
	return e.Reply != nil && e.Reply.Is4xx()
}

// Is5xx returns true if the last reply was a permanent negative completion.
func (e *Error) Is5xx() bool {
	return e.Reply != nil && e.Reply.Is5xx()
}

// IsTemporary returns true if the server reported a temporary failure (4xx).
// Callers can use it to drive their own retry policy.
func (e *Error) IsTemporary() bool {
	return e.Is4xx()
}

// IsPermanent returns true if the server reported a permanent failure (5xx).
func (e *Error) IsPermanent() bool {
	return e.Is5xx()
}

// fatal reports whether the error leaves the control channel in an unknown
// state. Only clean negative replies keep the session usable.
func (e *Error) fatal() bool {
	return e.Kind != KindRejected
}

// PartialParseError is returned by List when some listing lines matched no
// known format. The entries that did parse are still returned.
type PartialParseError struct {
	Path  string
	Lines []string
}

func (e *PartialParseError) Error() string {
	return fmt.Sprintf("ftp: list %s: %d unparseable line(s), first: %q", e.Path, len(e.Lines), e.Lines[0])
}

// Is matches ErrPartialParse.
func (e *PartialParseError) Is(target error) bool {
	return target == ErrPartialParse
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err, Expected: -1}
}

// rejected builds a RejectedError for an unexpected reply to command.
func rejected(op, command string, reply *Reply) *Error {
	return &Error{
		Kind:     KindRejected,
		Op:       op,
		Command:  command,
		Reply:    reply,
		Expected: -1,
		Err:      fmt.Errorf("unexpected reply %d", reply.Code),
	}
}

// withOp fills the operation name on engine errors that were raised below
// the session layer.
func withOp(err error, op string) error {
	var fe *Error
	if errors.As(err, &fe) && fe.Op == "" {
		fe.Op = op
	}
	return err
}

// asFatal reports whether err should move the session to Errored.
func asFatal(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.fatal()
	}
	var pe *PartialParseError
	return !errors.As(err, &pe)
}
