package ftpnode

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/gonzalop/ftpnode/internal/ratelimit"
)

// Session is one FTP session: one control connection, at most one operation
// in flight. Sessions are independent; run them in parallel goroutines if
// needed, but never share one between concurrent operations.
type Session struct {
	id   string
	opts ConnectionOptions
	tls  *tls.Config

	logger    *slog.Logger
	dialer    *net.Dialer
	status    StatusSink
	metrics   MetricsCollector
	passwords PasswordSource
	parsers   []ListingParser
	bandwidth int64
	limiter   *rate.Limiter

	// busy is claimed first, without blocking, so a second operation fails
	// immediately. opMu is then held for the whole operation; keepalive only
	// ever TryLocks it.
	busy atomic.Bool
	opMu sync.Mutex

	stateMu sync.Mutex
	state   State
	cc      *controlChannel

	// connCancel aborts a Connect in progress. Guarded by stateMu.
	connCancel context.CancelFunc

	lease atomic.Pointer[dataLease]

	// Guarded by opMu.
	disableEPSV bool
	features    map[string]string

	kaStop     chan struct{}
	kaDone     chan struct{}
	kaStopOnce sync.Once

	closeOnce sync.Once
}

// NewSession validates opts and returns a Disconnected session.
// The options are copied; later changes by the caller have no effect.
//
// Example:
//
//	s, err := ftpnode.NewSession(ftpnode.ConnectionOptions{
//	    Host: "ftp.example.com",
//	    User: "demo",
//	    Password: "secret",
//	}, ftpnode.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//	if err := s.Connect(ctx); err != nil {
//	    return err
//	}
func NewSession(opts ConnectionOptions, options ...Option) (*Session, error) {
	opts.ApplyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, newError(KindProgramming, "new", err)
	}

	s := &Session{
		id:          uuid.NewString(),
		opts:        opts,
		tls:         opts.tlsConfig(),
		dialer:      &net.Dialer{},
		logger:      slog.New(slog.DiscardHandler),
		disableEPSV: opts.DisableEPSV,
	}
	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, newError(KindProgramming, "new", fmt.Errorf("failed to apply option: %w", err))
		}
	}
	s.logger = s.logger.With("session_id", s.id)
	s.limiter = ratelimit.New(s.bandwidth)
	return s, nil
}

// ID returns the session identifier attached to every log record.
func (s *Session) ID() string {
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Options returns a copy of the session's connection options.
func (s *Session) Options() ConnectionOptions {
	return s.opts
}

// setState moves the session to a new state and notifies the status sink.
// Closed is terminal, and a closing session only moves to Closed.
func (s *Session) setState(to State, message string) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	from := s.state
	if from == to || from == StateClosed || (from == StateClosing && to != StateClosed) {
		return
	}
	s.state = to

	s.logger.Info("ftp session state", "from", from, "to", to, "message", message)
	if s.status != nil {
		s.status.Status(to, message)
	}
	if s.metrics != nil {
		s.metrics.RecordState(from, to)
	}
}

func (s *Session) control() *controlChannel {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.cc
}

func (s *Session) lastReply() *Reply {
	if cc := s.control(); cc != nil {
		return cc.LastReply()
	}
	return nil
}

// Connect dials the server, logs in and switches to binary mode.
// The whole sequence is bounded by ConnTimeout. Close aborts it.
func (s *Session) Connect(ctx context.Context) error {
	if !s.busy.CompareAndSwap(false, true) {
		return s.programming("connect", errors.New("another operation is in progress"))
	}
	defer s.busy.Store(false)
	s.opMu.Lock()
	defer s.opMu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, s.opts.ConnTimeout)
	defer cancel()

	// The state check and the cancel registration are atomic with respect
	// to Close: either Close sees the cancel func or Connect sees Closing.
	s.stateMu.Lock()
	st := s.state
	if st == StateDisconnected {
		s.connCancel = cancel
	}
	s.stateMu.Unlock()
	if st != StateDisconnected {
		return s.programming("connect", fmt.Errorf("session is %s", st))
	}
	s.logger.Debug("connecting", "options", s.opts)
	s.setState(StateConnecting, "connecting to "+s.opts.Addr())

	cc, err := dialControl(cctx, controlConfig{
		addr:    s.opts.Addr(),
		secure:  s.opts.Secure,
		tls:     s.tls,
		dialer:  s.dialer,
		timeout: s.opts.ConnTimeout,
		logger:  s.logger,
		metrics: s.metrics,
	})
	if err != nil {
		return s.connectFailed(ctx, err)
	}
	s.stateMu.Lock()
	closing := s.closing()
	if !closing {
		s.cc = cc
	}
	s.stateMu.Unlock()
	if closing {
		cc.Close(s.opts.ConnTimeout, false)
		return s.connectFailed(ctx, &Error{Kind: KindCancelled, Command: "CONNECT", Expected: -1, Err: errSessionClosed})
	}

	stop := context.AfterFunc(cctx, cc.interrupt)
	defer stop()

	s.setState(StateAuthenticating, "logging in as "+s.opts.User)
	if err := s.login(cctx); err != nil {
		return s.connectFailed(ctx, err)
	}
	if _, err := cc.expect(s.opts.ConnTimeout, (*Reply).Is2xx, "TYPE", "I"); err != nil {
		return s.connectFailed(ctx, asConnect(err))
	}

	s.setState(StateReady, "connected to "+s.opts.Addr())
	if s.State() != StateReady {
		return s.connectFailed(ctx, &Error{Kind: KindCancelled, Command: "CONNECT", Reply: cc.LastReply(), Expected: -1, Err: errSessionClosed})
	}
	s.startKeepalive()
	return nil
}

// login runs USER and, when asked for, PASS.
func (s *Session) login(ctx context.Context) error {
	t := s.opts.ConnTimeout
	reply, err := s.cc.cmd(t, "USER", s.opts.User)
	if err != nil {
		return err
	}
	switch reply.Code {
	case 230:
		return nil
	case 331:
	default:
		return &Error{Kind: KindAuth, Command: "USER " + s.opts.User, Reply: reply, Expected: -1, Err: errors.New("login rejected")}
	}

	password := s.opts.Password
	if s.passwords != nil {
		if password, err = s.passwords.Password(ctx); err != nil {
			return &Error{Kind: KindAuth, Command: "PASS ****", Reply: reply, Expected: -1, Err: fmt.Errorf("password source: %w", err)}
		}
	}
	reply, err = s.cc.cmd(t, "PASS", password)
	if err != nil {
		return err
	}
	if reply.Code != 230 && reply.Code != 202 {
		return &Error{Kind: KindAuth, Command: "PASS ****", Reply: reply, Expected: -1, Err: errors.New("login rejected")}
	}
	return nil
}

func (s *Session) connectFailed(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		err = asCancelled(err, context.Cause(ctx))
	case s.isClosing():
		err = asCancelled(err, errSessionClosed)
	}
	err = withOp(err, "connect")
	if cc := s.control(); cc != nil {
		cc.Close(s.opts.ConnTimeout, true)
	}
	s.setState(StateErrored, err.Error())
	return err
}

// opScope tracks one operation from begin to end.
type opScope struct {
	op    string
	ctx   context.Context
	start time.Time

	stop        func() bool
	interrupted chan struct{}

	// Transfer bookkeeping, set by startTransfer.
	transfer string
	command  string
	lease    *dataLease
	pending  bool  // completion reply outstanding
	expected int64 // advertised size, -1 if unknown
}

// begin claims the session for op. It fails fast with a ProgrammingError
// when another operation is in flight or the session is not Ready.
func (s *Session) begin(ctx context.Context, op string) (*opScope, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return nil, s.programming(op, errors.New("another operation is in progress"))
	}
	s.opMu.Lock()
	if st := s.State(); st != StateReady {
		s.opMu.Unlock()
		s.busy.Store(false)
		return nil, s.programming(op, fmt.Errorf("session is %s, not ready", st))
	}
	if err := ctx.Err(); err != nil {
		s.opMu.Unlock()
		s.busy.Store(false)
		return nil, &Error{Kind: KindCancelled, Op: op, Reply: s.cc.LastReply(), Expected: -1, Err: context.Cause(ctx)}
	}

	sc := &opScope{op: op, ctx: ctx, start: time.Now(), expected: -1, interrupted: make(chan struct{})}
	sc.stop = context.AfterFunc(ctx, func() {
		defer close(sc.interrupted)
		s.interrupt()
	})
	return sc, nil
}

// end releases the session and applies the failure policy: a clean
// rejection or partial listing keeps it Ready, anything else moves it to
// Errored.
func (s *Session) end(sc *opScope, err error) error {
	if !sc.stop() {
		<-sc.interrupted
	}
	if l := s.lease.Swap(nil); l != nil {
		l.Close()
	}

	if err != nil {
		switch {
		case sc.ctx.Err() != nil:
			err = asCancelled(err, context.Cause(sc.ctx))
		case s.isClosing():
			err = asCancelled(err, errSessionClosed)
		}
		if sc.pending && errors.Is(err, ErrCancelled) {
			s.cc.abort(s.opts.ConnTimeout)
		}
		err = withOp(err, sc.op)
	}

	if sc.transfer != "" && s.metrics != nil {
		s.metrics.RecordTransfer(sc.transfer, sc.lease.transferred(), time.Since(sc.start), err == nil)
	}

	if err != nil && asFatal(err) {
		s.logger.Debug("operation failed", "op", sc.op, "error", err)
		s.fail(err)
	} else if s.State() == StateTransferring {
		s.setState(StateReady, sc.op+" complete")
	}

	s.opMu.Unlock()
	s.busy.Store(false)
	return err
}

// fail moves the session to Errored. It does not close anything; Close does.
func (s *Session) fail(err error) {
	s.stopKeepalive()
	if l := s.lease.Swap(nil); l != nil {
		l.Close()
	}
	s.setState(StateErrored, err.Error())
}

// interrupt unblocks the operation in flight.
func (s *Session) interrupt() {
	if l := s.lease.Load(); l != nil {
		l.Close()
	}
	if cc := s.control(); cc != nil {
		cc.interrupt()
	}
}

// errSessionClosed is the cause of operations interrupted by Close.
var errSessionClosed = errors.New("session closed")

// closing reports whether Close has started. stateMu must be held.
func (s *Session) closing() bool {
	return s.state == StateClosing || s.state == StateClosed
}

func (s *Session) isClosing() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.closing()
}

func (s *Session) programming(op string, err error) error {
	return &Error{Kind: KindProgramming, Op: op, Reply: s.lastReply(), Expected: -1, Err: err}
}

// Close ends the session: QUIT when the control channel is usable, then
// close. Any operation in flight is interrupted. Safe to call more than once
// and from any state.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.setState(StateClosing, "closing")
		s.stateMu.Lock()
		cancel := s.connCancel
		s.stateMu.Unlock()
		if cancel != nil {
			cancel()
		}
		s.stopKeepalive()
		if l := s.lease.Load(); l != nil {
			l.Close()
		}
		if cc := s.control(); cc != nil {
			// QUIT would race the operation in flight for the channel.
			busy := s.busy.Load()
			if busy {
				cc.interrupt()
			}
			err = cc.Close(s.opts.ConnTimeout, !busy)
		}
		s.stateMu.Lock()
		done := s.kaDone
		s.stateMu.Unlock()
		if done != nil {
			<-done
		}
		s.setState(StateClosed, "closed")
	})
	return err
}

// simple runs a control-only operation.
func (s *Session) simple(ctx context.Context, op string, fn func(cc *controlChannel) error) error {
	sc, err := s.begin(ctx, op)
	if err != nil {
		return err
	}
	return s.end(sc, fn(s.cc))
}

// Delete removes a file (DELE).
func (s *Session) Delete(ctx context.Context, path string) error {
	if err := checkArg("delete", path); err != nil {
		return err
	}
	return s.simple(ctx, "delete", func(cc *controlChannel) error {
		_, err := cc.expect(s.opts.IdleTimeout, (*Reply).Is2xx, "DELE", path)
		return err
	})
}

// Rename renames a file or directory (RNFR, RNTO).
func (s *Session) Rename(ctx context.Context, from, to string) error {
	if err := checkArg("rename", from, to); err != nil {
		return err
	}
	return s.simple(ctx, "rename", func(cc *controlChannel) error {
		if _, err := cc.expect(s.opts.IdleTimeout, func(r *Reply) bool { return r.Code == 350 }, "RNFR", from); err != nil {
			return err
		}
		_, err := cc.expect(s.opts.IdleTimeout, (*Reply).Is2xx, "RNTO", to)
		return err
	})
}

// MakeDir creates a directory (MKD).
func (s *Session) MakeDir(ctx context.Context, path string) error {
	if err := checkArg("mkdir", path); err != nil {
		return err
	}
	return s.simple(ctx, "mkdir", func(cc *controlChannel) error {
		_, err := cc.expect(s.opts.IdleTimeout, (*Reply).Is2xx, "MKD", path)
		return err
	})
}

// RemoveDir removes an empty directory (RMD).
func (s *Session) RemoveDir(ctx context.Context, path string) error {
	if err := checkArg("rmdir", path); err != nil {
		return err
	}
	return s.simple(ctx, "rmdir", func(cc *controlChannel) error {
		_, err := cc.expect(s.opts.IdleTimeout, (*Reply).Is2xx, "RMD", path)
		return err
	})
}

// ChangeDir changes the working directory (CWD).
func (s *Session) ChangeDir(ctx context.Context, path string) error {
	if err := checkArg("cwd", path); err != nil {
		return err
	}
	return s.simple(ctx, "cwd", func(cc *controlChannel) error {
		_, err := cc.expect(s.opts.IdleTimeout, (*Reply).Is2xx, "CWD", path)
		return err
	})
}

// CurrentDir returns the working directory (PWD).
func (s *Session) CurrentDir(ctx context.Context) (string, error) {
	var dir string
	err := s.simple(ctx, "pwd", func(cc *controlChannel) error {
		reply, err := cc.expect(s.opts.IdleTimeout, (*Reply).Is2xx, "PWD")
		if err != nil {
			return err
		}
		dir, err = parsePWD(reply.Message)
		if err != nil {
			return &Error{Kind: KindProtocol, Command: "PWD", Reply: reply, Expected: -1, Err: err}
		}
		return nil
	})
	return dir, err
}

// Size returns the size of a file in bytes (SIZE, RFC 3659).
func (s *Session) Size(ctx context.Context, path string) (int64, error) {
	if err := checkArg("size", path); err != nil {
		return 0, err
	}
	var size int64
	err := s.simple(ctx, "size", func(cc *controlChannel) error {
		reply, err := cc.expect(s.opts.IdleTimeout, func(r *Reply) bool { return r.Code == 213 }, "SIZE", path)
		if err != nil {
			return err
		}
		size, err = strconv.ParseInt(strings.TrimSpace(reply.Message), 10, 64)
		if err != nil {
			return &Error{Kind: KindProtocol, Command: "SIZE " + path, Reply: reply, Expected: -1, Err: fmt.Errorf("invalid SIZE reply: %w", err)}
		}
		return nil
	})
	return size, err
}

// Noop sends NOOP.
func (s *Session) Noop(ctx context.Context) error {
	return s.simple(ctx, "noop", func(cc *controlChannel) error {
		_, err := cc.expect(s.opts.IdleTimeout, (*Reply).Is2xx, "NOOP")
		return err
	})
}

// Features returns the extensions the server advertises (FEAT, RFC 2389),
// keyed by upper-case name. A server without FEAT yields an empty map.
// The result is cached for the session.
func (s *Session) Features(ctx context.Context) (map[string]string, error) {
	var feats map[string]string
	err := s.simple(ctx, "feat", func(cc *controlChannel) error {
		if s.features == nil {
			reply, err := cc.cmd(s.opts.IdleTimeout, "FEAT")
			if err != nil {
				return err
			}
			switch {
			case reply.Is2xx():
				s.features = parseFeatureLines(reply.Lines)
			case reply.Code == 500 || reply.Code == 502:
				s.features = map[string]string{}
			default:
				return rejected("", "FEAT", reply)
			}
		}
		feats = maps.Clone(s.features)
		return nil
	})
	return feats, err
}

// parsePWD extracts the quoted directory from a 257 reply. Embedded quotes
// are doubled: 257 "/a ""b""" is the current directory
func parsePWD(msg string) (string, error) {
	start := strings.IndexByte(msg, '"')
	if start < 0 {
		return "", fmt.Errorf("invalid PWD reply: %s", msg)
	}
	var b strings.Builder
	for i := start + 1; i < len(msg); i++ {
		if msg[i] != '"' {
			b.WriteByte(msg[i])
			continue
		}
		if i+1 < len(msg) && msg[i+1] == '"' {
			b.WriteByte('"')
			i++
			continue
		}
		return b.String(), nil
	}
	return "", fmt.Errorf("invalid PWD reply: %s", msg)
}

// checkArg rejects arguments that would break the command line.
func checkArg(op string, args ...string) error {
	for _, a := range args {
		if a == "" {
			return newError(KindProgramming, op, errors.New("empty path"))
		}
		if strings.ContainsAny(a, "\r\n") {
			return newError(KindProgramming, op, fmt.Errorf("path contains a line break: %q", a))
		}
	}
	return nil
}

// asCancelled reclassifies the failure of an interrupted operation.
func asCancelled(err error, cause error) error {
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Kind != KindCancelled {
			fe.Kind = KindCancelled
			fe.Err = joinCause(cause, fe.Err)
		}
		return fe
	}
	return &Error{Kind: KindCancelled, Expected: -1, Err: joinCause(cause, err)}
}

func joinCause(cause, err error) error {
	if err == nil {
		return cause
	}
	return fmt.Errorf("%w (%v)", cause, err)
}
