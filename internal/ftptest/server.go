// Package ftptest provides an in-memory FTP server for tests.
//
// The server keeps files in memory, speaks enough of RFC 959, RFC 2428,
// RFC 2389, RFC 3659 and RFC 4217 to exercise a client, and can be told to
// misbehave in specific ways:
//
//	srv := ftptest.Start(t, ftptest.WithFault(ftptest.FaultDropCompletion))
//	srv.PutFile("/big.bin", data)
package ftptest

import (
	"crypto/tls"
	"log/slog"
	"net"
	"path"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// Fault selects a misbehaviour.
type Fault uint

const (
	// FaultDropCompletion makes RETR send half of the file, close the data
	// connection and then drop the control connection without a 226.
	FaultDropCompletion Fault = 1 << iota

	// FaultHangPassive makes PASV and EPSV never answer.
	FaultHangPassive

	// FaultRefuseEPSV answers EPSV with 502.
	FaultRefuseEPSV

	// FaultMisreportSize advertises ten bytes more than the file has.
	FaultMisreportSize

	// FaultStallData makes RETR send half of the file and then wait for ABOR.
	FaultStallData
)

// Server is an in-memory FTP server listening on 127.0.0.1.
type Server struct {
	ln     net.Listener
	logger *slog.Logger

	tls      *tls.Config
	implicit bool

	user, pass string
	noPassword bool
	greeting   []string
	listing    []string
	faults     Fault
	responses  map[string]string

	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool
	conns map[net.Conn]struct{}

	noops    atomic.Int64
	cmdMu    sync.Mutex
	commands []string

	wg     sync.WaitGroup
	closed atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithCredentials makes the server accept only user/pass. Without it any
// login succeeds.
func WithCredentials(user, pass string) Option {
	return func(s *Server) {
		s.user, s.pass = user, pass
	}
}

// WithoutPassword logs users in on USER alone (230).
func WithoutPassword() Option {
	return func(s *Server) {
		s.noPassword = true
	}
}

// WithTLS enables AUTH TLS with cfg.
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) {
		s.tls = cfg
	}
}

// WithImplicitTLS wraps every connection in TLS from the first byte.
func WithImplicitTLS(cfg *tls.Config) Option {
	return func(s *Server) {
		s.tls = cfg
		s.implicit = true
	}
}

// WithGreeting replaces the 220 greeting. Several lines produce a
// multi-line reply.
func WithGreeting(lines ...string) Option {
	return func(s *Server) {
		s.greeting = lines
	}
}

// WithListing makes LIST return exactly these lines.
func WithListing(lines ...string) Option {
	return func(s *Server) {
		s.listing = lines
	}
}

// WithFault enables faults.
func WithFault(f Fault) Option {
	return func(s *Server) {
		s.faults |= f
	}
}

// WithResponse answers verb with the raw reply line instead of running it.
func WithResponse(verb, reply string) Option {
	return func(s *Server) {
		if s.responses == nil {
			s.responses = make(map[string]string)
		}
		s.responses[strings.ToUpper(verb)] = reply
	}
}

// WithLogger logs every command.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New starts a server on a random local port.
func New(opts ...Option) (*Server, error) {
	s := &Server{
		logger:   slog.New(slog.DiscardHandler),
		greeting: []string{"ftptest ready"},
		files:    make(map[string][]byte),
		dirs:     map[string]bool{"/": true},
		conns:    make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s.ln = ln

	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Start is New for tests: it fails t on error and closes the server when
// the test ends.
func Start(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s, err := New(opts...)
	if err != nil {
		t.Fatalf("ftptest: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		if s.implicit {
			c = tls.Server(c, s.tls)
		}
		s.mu.Lock()
		if s.closed.Load() {
			s.mu.Unlock()
			c.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			newConn(s, c).serve()
			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()
		}()
	}
}

// Close stops the server and drops every connection.
func (s *Server) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Host returns the listening IP.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

// Port returns the listening port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	n, _ := strconv.Atoi(port)
	return n
}

// PutFile stores a file, creating its parent directories.
func (s *Server) PutFile(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name = path.Clean("/" + name)
	for dir := path.Dir(name); ; dir = path.Dir(dir) {
		s.dirs[dir] = true
		if dir == "/" {
			break
		}
	}
	s.files[name] = slices.Clone(data)
}

// File returns a stored file.
func (s *Server) File(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[path.Clean("/"+name)]
	return slices.Clone(data), ok
}

// HasDir reports whether a directory exists.
func (s *Server) HasDir(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirs[path.Clean("/"+name)]
}

// Noops returns how many NOOP commands the server received.
func (s *Server) Noops() int64 {
	return s.noops.Load()
}

// Commands returns every command line received, PASS redacted.
func (s *Server) Commands() []string {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	return slices.Clone(s.commands)
}

func (s *Server) record(line string) {
	if strings.HasPrefix(strings.ToUpper(line), "PASS ") {
		line = "PASS ****"
	}
	s.cmdMu.Lock()
	s.commands = append(s.commands, line)
	s.cmdMu.Unlock()
	s.logger.Debug("ftptest command", "line", line)
}

func (s *Server) has(f Fault) bool {
	return s.faults&f != 0
}

// children returns the sorted names directly under dir.
func (s *Server) children(dir string) (files []string, dirs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := strings.TrimSuffix(dir, "/") + "/"
	for name := range s.files {
		if path.Dir(name) == dir {
			files = append(files, strings.TrimPrefix(name, prefix))
		}
	}
	for name := range s.dirs {
		if name != dir && path.Dir(name) == dir {
			dirs = append(dirs, strings.TrimPrefix(name, prefix))
		}
	}
	sort.Strings(files)
	sort.Strings(dirs)
	return files, dirs
}
