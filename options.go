package ftpnode

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// SecureMode selects how TLS is applied to the session.
type SecureMode string

const (
	// SecureNone is plain FTP.
	SecureNone SecureMode = "none"

	// SecureExplicit upgrades the control connection with AUTH TLS and
	// protects data connections (PROT P).
	SecureExplicit SecureMode = "explicit"

	// SecureControl upgrades only the control connection (PROT C).
	SecureControl SecureMode = "control"

	// SecureImplicit starts TLS immediately on connect, typically on port 990.
	SecureImplicit SecureMode = "implicit"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultHost        = "localhost"
	DefaultPort        = 21
	DefaultUser        = "anonymous"
	DefaultPassword    = "anonymous@"
	DefaultConnTimeout = 10 * time.Second
	DefaultPasvTimeout = 10 * time.Second
	DefaultKeepalive   = 10 * time.Second
	DefaultIdleTimeout = 30 * time.Second
)

// TLSOptions carries the secure options of a connection.
type TLSOptions struct {
	// ServerName overrides the name used for certificate verification.
	// Defaults to Host.
	ServerName string `mapstructure:"server_name" yaml:"server_name"`

	// InsecureSkipVerify disables certificate verification.
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`

	// Config, when set, is used as the base configuration.
	Config *tls.Config `mapstructure:"-" yaml:"-"`
}

// ConnectionOptions describes one FTP endpoint and the timers of a session.
// A session copies its options at construction; later changes have no effect.
type ConnectionOptions struct {
	Host     string     `mapstructure:"host" yaml:"host" validate:"required"`
	Port     int        `mapstructure:"port" yaml:"port" validate:"min=1,max=65535"`
	Secure   SecureMode `mapstructure:"secure" yaml:"secure" validate:"omitempty,oneof=none explicit control implicit"`
	TLS      TLSOptions `mapstructure:"tls" yaml:"tls"`
	User     string     `mapstructure:"user" yaml:"user" validate:"required"`
	Password string     `mapstructure:"password" yaml:"-"`

	// ConnTimeout bounds dialing, the greeting, the TLS handshake and login.
	ConnTimeout time.Duration `mapstructure:"conn_timeout" yaml:"conn_timeout" validate:"gte=0"`

	// PasvTimeout bounds data channel negotiation (EPSV/PASV reply, dial,
	// handshake, or the accept in active mode).
	PasvTimeout time.Duration `mapstructure:"pasv_timeout" yaml:"pasv_timeout" validate:"gte=0"`

	// Keepalive is the idle interval after which a NOOP is sent.
	// Negative disables keepalive.
	Keepalive time.Duration `mapstructure:"keepalive" yaml:"keepalive"`

	// IdleTimeout bounds each read or write on either channel during an operation.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" validate:"gte=0"`

	// ActiveMode uses PORT/EPRT instead of EPSV/PASV.
	ActiveMode bool `mapstructure:"active_mode" yaml:"active_mode"`

	// DisableEPSV forces PASV in passive mode.
	DisableEPSV bool `mapstructure:"disable_epsv" yaml:"disable_epsv"`
}

// ApplyDefaults fills zero values with the defaults.
func (o *ConnectionOptions) ApplyDefaults() {
	if o.Host == "" {
		o.Host = DefaultHost
	}
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.Secure == "" {
		o.Secure = SecureNone
	}
	if o.User == "" {
		o.User = DefaultUser
	}
	if o.Password == "" {
		o.Password = DefaultPassword
	}
	if o.ConnTimeout == 0 {
		o.ConnTimeout = DefaultConnTimeout
	}
	if o.PasvTimeout == 0 {
		o.PasvTimeout = DefaultPasvTimeout
	}
	if o.Keepalive == 0 {
		o.Keepalive = DefaultKeepalive
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the options.
func (o *ConnectionOptions) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("invalid connection options: %w", err)
	}
	return nil
}

// Addr returns host:port.
func (o *ConnectionOptions) Addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// LogValue implements slog.LogValuer. The password is never logged.
func (o ConnectionOptions) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("addr", o.Addr()),
		slog.String("secure", string(o.Secure)),
		slog.String("user", o.User),
		slog.Duration("conn_timeout", o.ConnTimeout),
		slog.Duration("pasv_timeout", o.PasvTimeout),
		slog.Duration("keepalive", o.Keepalive),
		slog.Bool("active_mode", o.ActiveMode),
	)
}

// tlsConfig builds the client TLS configuration, or nil for plain FTP.
// A session cache is always present: many servers (vsftpd, ProFTPD) require
// the data connection to resume the control connection's TLS session.
func (o *ConnectionOptions) tlsConfig() *tls.Config {
	if o.Secure == SecureNone || o.Secure == "" {
		return nil
	}
	var cfg *tls.Config
	if o.TLS.Config != nil {
		cfg = o.TLS.Config.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = o.TLS.ServerName
		if cfg.ServerName == "" {
			cfg.ServerName = o.Host
		}
	}
	if o.TLS.InsecureSkipVerify {
		cfg.InsecureSkipVerify = true
	}
	if cfg.ClientSessionCache == nil {
		cfg.ClientSessionCache = tls.NewLRUClientSessionCache(0)
	}
	return cfg
}

// protectData reports whether data connections are wrapped in TLS.
func (o *ConnectionOptions) protectData() bool {
	return o.Secure == SecureExplicit || o.Secure == SecureImplicit
}

// Option configures the collaborators of a session.
type Option func(*Session) error

// WithLogger enables logging using the provided logger.
// Commands and replies are logged at debug level, state transitions at info.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	}))
//	s, _ := ftpnode.NewSession(opts, ftpnode.WithLogger(logger))
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) error {
		if logger == nil {
			return fmt.Errorf("nil logger")
		}
		s.logger = logger
		return nil
	}
}

// WithDialer sets a custom net.Dialer for control and data connections.
// Its Timeout is ignored; the session's timeouts apply.
func WithDialer(dialer *net.Dialer) Option {
	return func(s *Session) error {
		if dialer == nil {
			return fmt.Errorf("nil dialer")
		}
		s.dialer = dialer
		return nil
	}
}

// WithStatusSink registers a receiver for state transitions.
func WithStatusSink(sink StatusSink) Option {
	return func(s *Session) error {
		s.status = sink
		return nil
	}
}

// WithMetrics registers a metrics collector.
func WithMetrics(m MetricsCollector) Option {
	return func(s *Session) error {
		s.metrics = m
		return nil
	}
}

// WithPasswordSource makes Connect ask src for the password instead of
// using ConnectionOptions.Password.
func WithPasswordSource(src PasswordSource) Option {
	return func(s *Session) error {
		s.passwords = src
		return nil
	}
}

// WithListParser adds a custom directory listing parser.
// Custom parsers are tried before the built-in parsers (machine listing, EPLF,
// DOS, Unix).
func WithListParser(parser ListingParser) Option {
	return func(s *Session) error {
		s.parsers = append([]ListingParser{parser}, s.parsers...)
		return nil
	}
}

// WithBandwidthLimit caps data channel throughput in bytes per second.
// Zero or negative means unlimited.
func WithBandwidthLimit(bytesPerSecond int64) Option {
	return func(s *Session) error {
		s.bandwidth = bytesPerSecond
		return nil
	}
}
