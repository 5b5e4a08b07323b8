package ftpnode

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/gonzalop/ftpnode/internal/ratelimit"
)

var (
	// pasvRegex matches the PASV reply format: 227 Entering Passive Mode (h1,h2,h3,h4,p1,p2)
	pasvRegex = regexp.MustCompile(`(\d+),(\d+),(\d+),(\d+),(\d+),(\d+)`)

	// epsvRegex matches the EPSV reply format: 229 Entering Extended Passive Mode (|||port|)
	epsvRegex = regexp.MustCompile(`\((.)(.)(.)(\d+)(.)\)`)

	// sizeRegex finds the size some servers advertise in the 150 reply:
	// "150 Opening BINARY mode data connection for f.txt (1234 bytes)"
	sizeRegex = regexp.MustCompile(`\((\d+) bytes?\)`)
)

// parsePASV parses a PASV reply and returns host:port.
// Example: "Entering Passive Mode (192,168,1,1,195,149)"
// Returns: "192.168.1.1:50069" (195*256 + 149 = 50069)
func parsePASV(message string) (string, error) {
	matches := pasvRegex.FindStringSubmatch(message)
	if len(matches) != 7 {
		return "", fmt.Errorf("invalid PASV reply: %s", message)
	}

	var parts [6]int
	for i := range parts {
		v, err := strconv.Atoi(matches[i+1])
		if err != nil || v < 0 || v > 255 {
			return "", fmt.Errorf("invalid PASV field %q", matches[i+1])
		}
		parts[i] = v
	}

	host := fmt.Sprintf("%d.%d.%d.%d", parts[0], parts[1], parts[2], parts[3])
	port := parts[4]<<8 | parts[5]
	if port == 0 {
		return "", fmt.Errorf("invalid PASV port 0")
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// parseEPSV parses an EPSV reply and returns the port.
// Example: "Entering Extended Passive Mode (|||6446|)"
// Returns: "6446"
// RFC 2428 allows any delimiter, as long as all four are the same.
func parseEPSV(message string) (string, error) {
	m := epsvRegex.FindStringSubmatch(message)
	if len(m) != 6 || m[1] != m[2] || m[2] != m[3] || m[3] != m[5] {
		return "", fmt.Errorf("invalid EPSV reply: %s", message)
	}
	port, err := strconv.Atoi(m[4])
	if err != nil || port <= 0 || port > 65535 {
		return "", fmt.Errorf("invalid EPSV port: %s", m[4])
	}
	return m[4], nil
}

// formatPORT formats an address for the PORT command.
// Converts "192.168.1.100:50000" to "192,168,1,100,195,80"
func formatPORT(addr string) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return "", fmt.Errorf("PORT requires an IPv4 address, got %q", host)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", fmt.Errorf("invalid port: %s", portStr)
	}
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d", ip[0], ip[1], ip[2], ip[3], port>>8, port&0xff), nil
}

// formatEPRT formats an address for the EPRT command: |proto|addr|port|
// with proto 1 for IPv4 and 2 for IPv6.
func formatEPRT(addr string) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "", fmt.Errorf("invalid IP address: %s", host)
	}
	proto := 2
	if ip.To4() != nil {
		proto = 1
	}
	return fmt.Sprintf("|%d|%s|%s|", proto, host, portStr), nil
}

// resolveDataAddr replaces an unspecified PASV host (0.0.0.0) with the
// control connection host.
func resolveDataAddr(pasvAddr, controlHost string) string {
	host, port, err := net.SplitHostPort(pasvAddr)
	if err != nil {
		return pasvAddr
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		return net.JoinHostPort(controlHost, port)
	}
	return pasvAddr
}

// parseAdvertisedSize extracts "(N bytes)" from a preliminary reply, or -1.
func parseAdvertisedSize(message string) int64 {
	m := sizeRegex.FindStringSubmatch(message)
	if m == nil {
		return -1
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// dataConfig is what a lease needs from the session.
type dataConfig struct {
	dialer      *net.Dialer
	host        string
	tls         *tls.Config
	pasvTimeout time.Duration
	idleTimeout time.Duration
	limiter     *rate.Limiter
	logger      *slog.Logger

	// disableEPSV is session state: a 500/502 to EPSV disables it for the
	// rest of the session.
	disableEPSV *bool
}

// dataLease is one data connection, owned by exactly one operation.
// Reads and writes refresh an idle deadline and are counted.
type dataLease struct {
	cfg dataConfig
	ctx context.Context

	conn     net.Conn
	listener net.Listener // active mode, until the server connects

	r io.Reader
	w io.Writer

	received atomic.Int64
	sent     atomic.Int64

	closeOnce sync.Once
	closed    atomic.Bool
}

// openPassive negotiates a passive data connection (EPSV, falling back to
// PASV) and dials it within the passive timeout.
func openPassive(ctx context.Context, cc *controlChannel, cfg dataConfig) (*dataLease, error) {
	var addr string

	if !*cfg.disableEPSV {
		reply, err := cc.cmd(cfg.pasvTimeout, "EPSV")
		if err != nil {
			return nil, asDataChannel(err)
		}
		switch {
		case reply.Code == 229:
			port, perr := parseEPSV(reply.Message)
			if perr != nil {
				return nil, &Error{Kind: KindDataChannel, Command: "EPSV", Reply: reply, Expected: -1, Err: perr}
			}
			addr = net.JoinHostPort(cfg.host, port)
		case reply.Code == 500 || reply.Code == 502:
			cfg.logger.Debug("EPSV not supported, using PASV for the rest of the session")
			*cfg.disableEPSV = true
		}
	}

	if addr == "" {
		reply, err := cc.cmd(cfg.pasvTimeout, "PASV")
		if err != nil {
			return nil, asDataChannel(err)
		}
		if reply.Code != 227 {
			return nil, &Error{Kind: KindDataChannel, Command: "PASV", Reply: reply, Expected: -1, Err: errors.New("passive mode refused")}
		}
		pasvAddr, perr := parsePASV(reply.Message)
		if perr != nil {
			return nil, &Error{Kind: KindDataChannel, Command: "PASV", Reply: reply, Expected: -1, Err: perr}
		}
		addr = resolveDataAddr(pasvAddr, cfg.host)
	}

	dctx := ctx
	if cfg.pasvTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, cfg.pasvTimeout)
		defer cancel()
	}
	d := *cfg.dialer
	d.Timeout = cfg.pasvTimeout
	conn, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, &Error{Kind: KindDataChannel, Command: "CONNECT " + addr, Reply: cc.LastReply(), Expected: -1,
			Err: fmt.Errorf("failed to connect to data port: %w", err)}
	}
	cfg.logger.Debug("data connection open", "mode", "passive", "addr", addr)

	return newLease(ctx, cfg, conn, nil), nil
}

// openActive listens on the control connection's local address and tells the
// server where to connect with PORT (IPv4) or EPRT (IPv6). The connection is
// accepted by establish, after the transfer command.
func openActive(ctx context.Context, cc *controlChannel, cfg dataConfig) (*dataLease, error) {
	host, _, err := net.SplitHostPort(cc.localAddr().String())
	if err != nil {
		return nil, &Error{Kind: KindDataChannel, Command: "PORT", Expected: -1, Err: err}
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, &Error{Kind: KindDataChannel, Command: "PORT", Expected: -1, Err: fmt.Errorf("failed to create listener: %w", err)}
	}

	addr := ln.Addr().String()
	verb := "PORT"
	arg, ferr := formatPORT(addr)
	if ferr != nil {
		verb = "EPRT"
		arg, ferr = formatEPRT(addr)
	}
	if ferr != nil {
		ln.Close()
		return nil, &Error{Kind: KindDataChannel, Command: verb, Expected: -1, Err: ferr}
	}

	reply, err := cc.cmd(cfg.pasvTimeout, verb, arg)
	if err != nil {
		ln.Close()
		return nil, asDataChannel(err)
	}
	if !reply.Is2xx() {
		ln.Close()
		return nil, &Error{Kind: KindDataChannel, Command: verb + " " + arg, Reply: reply, Expected: -1, Err: errors.New("active mode refused")}
	}
	cfg.logger.Debug("data listener open", "mode", "active", "addr", addr)

	return newLease(ctx, cfg, nil, ln), nil
}

func newLease(ctx context.Context, cfg dataConfig, conn net.Conn, ln net.Listener) *dataLease {
	l := &dataLease{cfg: cfg, ctx: ctx, conn: conn, listener: ln}
	if conn != nil {
		l.bind(conn)
	}
	return l
}

// establish completes the data connection once the server has accepted the
// transfer command: accept in active mode, then the TLS handshake when data
// protection is on. Bounded by the passive timeout.
func (l *dataLease) establish() error {
	if l.listener != nil {
		if tl, ok := l.listener.(*net.TCPListener); ok && l.cfg.pasvTimeout > 0 {
			_ = tl.SetDeadline(time.Now().Add(l.cfg.pasvTimeout))
		}
		conn, err := l.listener.Accept()
		l.listener.Close()
		l.listener = nil
		if err != nil {
			return fmt.Errorf("server did not connect to data port: %w", err)
		}
		l.bind(conn)
	}

	if l.cfg.tls != nil {
		tlsConn, err := handshake(l.ctx, l.conn, l.cfg.tls, l.cfg.pasvTimeout)
		if err != nil {
			return fmt.Errorf("data connection TLS handshake failed: %w", err)
		}
		l.bind(tlsConn)
	}
	return nil
}

func (l *dataLease) bind(conn net.Conn) {
	l.conn = conn
	l.r = ratelimit.NewReader(l.ctx, idleReader{l}, l.cfg.limiter)
	l.w = ratelimit.NewWriter(l.ctx, idleWriter{l}, l.cfg.limiter)
}

// Read receives bytes from the server.
func (l *dataLease) Read(p []byte) (int, error) {
	if l.closed.Load() {
		return 0, net.ErrClosed
	}
	n, err := l.r.Read(p)
	l.received.Add(int64(n))
	return n, err
}

// Write sends bytes to the server.
func (l *dataLease) Write(p []byte) (int, error) {
	if l.closed.Load() {
		return 0, net.ErrClosed
	}
	n, err := l.w.Write(p)
	l.sent.Add(int64(n))
	return n, err
}

// Close releases the connection and any listener. Closing is how an upload
// signals end of file to the server. Idempotent.
func (l *dataLease) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		if l.listener != nil {
			l.listener.Close()
		}
		if l.conn != nil {
			err = l.conn.Close()
		}
	})
	return err
}

// transferred returns the payload bytes moved in either direction.
// A nil lease has moved nothing.
func (l *dataLease) transferred() int64 {
	if l == nil {
		return 0
	}
	return l.received.Load() + l.sent.Load()
}

// idleReader and idleWriter push the deadline out before every operation,
// which turns it into an idle timer.
type idleReader struct{ l *dataLease }

func (r idleReader) Read(p []byte) (int, error) {
	if t := r.l.cfg.idleTimeout; t > 0 {
		if err := r.l.conn.SetReadDeadline(time.Now().Add(t)); err != nil {
			return 0, err
		}
	}
	return r.l.conn.Read(p)
}

type idleWriter struct{ l *dataLease }

func (w idleWriter) Write(p []byte) (int, error) {
	if t := w.l.cfg.idleTimeout; t > 0 {
		if err := w.l.conn.SetWriteDeadline(time.Now().Add(t)); err != nil {
			return 0, err
		}
	}
	return w.l.conn.Write(p)
}

// asDataChannel reclassifies control-channel failures during negotiation.
// A PASV reply that never arrives within the passive timeout is a data
// channel failure, not a connection failure.
func asDataChannel(err error) error {
	var fe *Error
	if errors.As(err, &fe) && fe.Kind == KindConnect {
		fe.Kind = KindDataChannel
	}
	return err
}
