package ftpnode

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// controlConfig is what dialControl needs from the session.
type controlConfig struct {
	addr    string
	secure  SecureMode
	tls     *tls.Config
	dialer  *net.Dialer
	timeout time.Duration
	logger  *slog.Logger
	metrics MetricsCollector
}

// controlChannel owns the control connection. It enforces the FTP
// request/response discipline: one command, then exactly one final reply.
type controlChannel struct {
	conn    net.Conn
	reader  *bufio.Reader
	logger  *slog.Logger
	metrics MetricsCollector

	// pending is set while a reply is outstanding, including the completion
	// reply that follows a 1xx preliminary reply.
	pending atomic.Bool

	// broken is set after any transport or grammar failure; the byte stream
	// can no longer be trusted.
	broken atomic.Bool

	mu        sync.Mutex
	lastReply *Reply
	lastCmd   string
	lastUsed  time.Time

	closeOnce sync.Once
}

// dialControl connects, performs implicit or explicit TLS, and reads the
// greeting. Every failure is a ConnectError.
func dialControl(ctx context.Context, cfg controlConfig) (*controlChannel, error) {
	cfg.logger.Debug("connecting to ftp server", "addr", cfg.addr, "secure", cfg.secure)

	d := *cfg.dialer
	d.Timeout = cfg.timeout
	conn, err := d.DialContext(ctx, "tcp", cfg.addr)
	if err != nil {
		return nil, &Error{Kind: KindConnect, Command: "CONNECT", Expected: -1, Err: err}
	}
	// Cancelling ctx unblocks the greeting and the TLS upgrade.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if cfg.secure == SecureImplicit {
		tlsConn, err := handshake(ctx, conn, cfg.tls, cfg.timeout)
		if err != nil {
			conn.Close()
			return nil, &Error{Kind: KindConnect, Command: "CONNECT", Expected: -1, Err: fmt.Errorf("TLS handshake failed: %w", err)}
		}
		cfg.logger.Debug("TLS handshake complete", "mode", "implicit")
		conn = tlsConn
	}

	c := &controlChannel{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		logger:   cfg.logger,
		metrics:  cfg.metrics,
		lastUsed: time.Now(),
	}

	// 120 means "service ready in nnn minutes"; the 220 follows.
	c.pending.Store(true)
	greeting, err := c.read(cfg.timeout, "CONNECT")
	for err == nil && greeting.Is1xx() {
		greeting, err = c.read(cfg.timeout, "CONNECT")
	}
	if err != nil {
		conn.Close()
		return nil, asConnect(err)
	}
	c.logger.Debug("ftp greeting", "code", greeting.Code, "message", greeting.Message)
	if greeting.Code != 220 {
		conn.Close()
		return nil, &Error{Kind: KindConnect, Command: "CONNECT", Reply: greeting, Expected: -1, Err: errors.New("server not ready")}
	}

	switch cfg.secure {
	case SecureExplicit, SecureControl:
		err = c.upgradeTLS(ctx, cfg)
	case SecureImplicit:
		err = c.protect(cfg)
	}
	if err != nil {
		c.conn.Close()
		return nil, asConnect(err)
	}

	return c, nil
}

// upgradeTLS runs AUTH TLS, PBSZ and PROT (RFC 4217).
func (c *controlChannel) upgradeTLS(ctx context.Context, cfg controlConfig) error {
	if _, err := c.expect(cfg.timeout, func(r *Reply) bool { return r.Code == 234 }, "AUTH", "TLS"); err != nil {
		return err
	}

	tlsConn, err := handshake(ctx, c.conn, cfg.tls, cfg.timeout)
	if err != nil {
		return &Error{Kind: KindConnect, Command: "AUTH TLS", Expected: -1, Err: fmt.Errorf("TLS handshake failed: %w", err)}
	}
	c.logger.Debug("TLS handshake complete", "mode", "explicit")
	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	return c.protect(cfg)
}

// protect sets the data channel protection level: private unless only the
// control connection is secured.
func (c *controlChannel) protect(cfg controlConfig) error {
	if _, err := c.expect(cfg.timeout, (*Reply).Is2xx, "PBSZ", "0"); err != nil {
		return err
	}
	prot := "P"
	if cfg.secure == SecureControl {
		prot = "C"
	}
	_, err := c.expect(cfg.timeout, (*Reply).Is2xx, "PROT", prot)
	return err
}

func handshake(ctx context.Context, conn net.Conn, cfg *tls.Config, timeout time.Duration) (*tls.Conn, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

// cmd sends one command line and reads its reply. A 1xx reply leaves the
// channel pending until readCompletion consumes the final reply.
func (c *controlChannel) cmd(timeout time.Duration, verb string, args ...string) (*Reply, error) {
	line := verb
	if len(args) > 0 {
		line = verb + " " + strings.Join(args, " ")
	}
	shown := redact(verb, line)

	if !c.pending.CompareAndSwap(false, true) {
		return nil, &Error{Kind: KindProgramming, Command: shown, Reply: c.LastReply(), Expected: -1,
			Err: errors.New("command issued while a reply is outstanding")}
	}
	if c.broken.Load() {
		c.pending.Store(false)
		return nil, &Error{Kind: KindConnect, Command: shown, Reply: c.LastReply(), Expected: -1,
			Err: errors.New("control connection is no longer usable")}
	}

	c.logger.Debug("ftp command", "cmd", shown)
	c.mu.Lock()
	c.lastCmd = shown
	c.lastUsed = time.Now()
	c.mu.Unlock()

	start := time.Now()
	if err := c.setDeadline(timeout); err != nil {
		return nil, c.transportErr(shown, err)
	}
	if _, err := c.conn.Write([]byte(line + "\r\n")); err != nil {
		return nil, c.transportErr(shown, fmt.Errorf("failed to send command: %w", err))
	}

	reply, err := c.read(timeout, shown)
	if c.metrics != nil {
		code := 0
		if reply != nil {
			code = reply.Code
		}
		c.metrics.RecordCommand(verb, code, time.Since(start))
	}
	return reply, err
}

// expect sends a command and checks the reply with accept. An unaccepted
// reply is a RejectedError.
func (c *controlChannel) expect(timeout time.Duration, accept func(*Reply) bool, verb string, args ...string) (*Reply, error) {
	reply, err := c.cmd(timeout, verb, args...)
	if err != nil {
		return nil, err
	}
	if !accept(reply) {
		return reply, rejected("", redact(verb, strings.TrimSpace(verb+" "+strings.Join(args, " "))), reply)
	}
	return reply, nil
}

// readCompletion reads the final reply of a transfer command.
func (c *controlChannel) readCompletion(timeout time.Duration) (*Reply, error) {
	c.mu.Lock()
	cmd := c.lastCmd
	c.mu.Unlock()
	if !c.pending.Load() {
		return nil, &Error{Kind: KindProgramming, Command: cmd, Expected: -1, Err: errors.New("no reply outstanding")}
	}
	reply, err := c.read(timeout, cmd)
	if err == nil {
		c.logger.Debug("ftp data transfer complete", "code", reply.Code, "message", reply.Message)
	}
	return reply, err
}

// read reads one reply for cmd and updates the pending flag.
func (c *controlChannel) read(timeout time.Duration, cmd string) (*Reply, error) {
	if err := c.setDeadline(timeout); err != nil {
		return nil, c.transportErr(cmd, err)
	}
	reply, err := readReply(c.reader)
	if err != nil {
		return nil, c.transportErr(cmd, err)
	}

	c.logger.Debug("ftp reply", "code", reply.Code, "message", reply.Message)
	c.mu.Lock()
	c.lastReply = reply
	c.lastUsed = time.Now()
	c.mu.Unlock()

	if !reply.Is1xx() {
		c.pending.Store(false)
	}
	return reply, nil
}

// abort sends ABOR after a cancelled transfer and drains what the server
// answers within timeout. The channel is considered broken afterwards.
func (c *controlChannel) abort(timeout time.Duration) {
	defer c.broken.Store(true)
	if c.broken.Load() {
		return
	}
	c.logger.Debug("ftp command", "cmd", "ABOR")
	if err := c.setDeadline(timeout); err != nil {
		return
	}
	if _, err := c.conn.Write([]byte("ABOR\r\n")); err != nil {
		return
	}
	// Typically 426 for the transfer, then 226 for ABOR.
	for range 2 {
		reply, err := readReply(c.reader)
		if err != nil {
			return
		}
		c.logger.Debug("ftp reply", "code", reply.Code, "message", reply.Message)
	}
}

// interrupt unblocks any I/O in progress.
func (c *controlChannel) interrupt() {
	_ = c.conn.SetDeadline(time.Unix(1, 0))
}

// Close sends QUIT when quit is set and the channel is idle and healthy,
// then closes the socket regardless. Safe to call more than once.
func (c *controlChannel) Close(timeout time.Duration, quit bool) error {
	var err error
	c.closeOnce.Do(func() {
		if quit && !c.broken.Load() && !c.pending.Load() {
			_, _ = c.cmd(timeout, "QUIT")
		}
		c.broken.Store(true)
		err = c.conn.Close()
	})
	return err
}

// LastReply returns the most recent reply, or nil.
func (c *controlChannel) LastReply() *Reply {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReply
}

// idleFor returns the time since the last command or reply.
func (c *controlChannel) idleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastUsed)
}

func (c *controlChannel) localAddr() net.Addr {
	return c.conn.LocalAddr()
}

// remoteHost is the server IP the control connection reached.
func (c *controlChannel) remoteHost() string {
	host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String())
	if err != nil {
		return c.conn.RemoteAddr().String()
	}
	return host
}

func (c *controlChannel) setDeadline(timeout time.Duration) error {
	if timeout <= 0 {
		return c.conn.SetDeadline(time.Time{})
	}
	return c.conn.SetDeadline(time.Now().Add(timeout))
}

// transportErr marks the channel broken and classifies err.
func (c *controlChannel) transportErr(cmd string, err error) error {
	c.broken.Store(true)
	c.pending.Store(false)
	kind := KindConnect
	if errors.Is(err, errMalformed) {
		kind = KindProtocol
	}
	return &Error{Kind: kind, Command: cmd, Reply: c.LastReply(), Expected: -1, Err: err}
}

// asConnect turns rejections seen while connecting into ConnectErrors.
func asConnect(err error) error {
	var fe *Error
	if errors.As(err, &fe) && fe.Kind == KindRejected {
		fe.Kind = KindConnect
	}
	return err
}

// redact hides secrets in logged and reported command lines.
func redact(verb, line string) string {
	if strings.EqualFold(verb, "PASS") {
		return "PASS ****"
	}
	return line
}
