package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/gonzalop/ftpnode"
	"github.com/gonzalop/ftpnode/internal/config"
	"github.com/gonzalop/ftpnode/internal/logging"
	"github.com/gonzalop/ftpnode/metrics"
)

// env is what a command needs to run sessions.
type env struct {
	cfg       *config.Config
	logger    *slog.Logger
	registry  *prometheus.Registry
	collector *metrics.Collector
	stderr    io.Writer
}

// configPassword hands the configured password to the session at connect
// time so it never travels through ConnectionOptions logging.
type configPassword string

func (p configPassword) Password(context.Context) (string, error) {
	return string(p), nil
}

// newEnv loads the configuration, applies the flags the user set and builds
// the logger and the optional metrics registry.
func newEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	applyFlags(cmd, cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}

	logger, err := logging.New(cmd.ErrOrStderr(), cfg.Logging)
	if err != nil {
		return nil, err
	}

	e := &env{cfg: cfg, logger: logger, stderr: cmd.ErrOrStderr()}
	if flagMetrics {
		e.registry = prometheus.NewRegistry()
		if e.collector, err = metrics.NewCollector(e.registry); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Connection.Host = flagHost
	}
	if flags.Changed("port") {
		cfg.Connection.Port = flagPort
	}
	if flags.Changed("user") {
		cfg.Connection.User = flagUser
	}
	if flags.Changed("secure") {
		cfg.Connection.Secure = ftpnode.SecureMode(flagSecure)
	}
	if flags.Changed("insecure-skip-verify") {
		cfg.Connection.TLS.InsecureSkipVerify = flagInsecure
	}
	if flags.Changed("active") {
		cfg.Connection.ActiveMode = flagActive
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = flagLogLevel
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format = flagLogFormat
	}
}

// sessionOptions returns the collaborators every session of this run shares.
func (e *env) sessionOptions() []ftpnode.Option {
	opts := []ftpnode.Option{
		ftpnode.WithLogger(e.logger),
		ftpnode.WithPasswordSource(configPassword(e.cfg.Connection.Password)),
		ftpnode.WithBandwidthLimit(e.cfg.BandwidthLimit),
	}
	if e.collector != nil {
		opts = append(opts, ftpnode.WithMetrics(e.collector))
	}
	return opts
}

// run executes one request on a fresh session.
func (e *env) run(ctx context.Context, req ftpnode.Request) (*ftpnode.Result, error) {
	e.logger.Debug("running request", "op", req.Op, "path", req.Path, "connection", e.cfg.Connection)
	return ftpnode.RunOnce(ctx, e.cfg.Connection, req, e.sessionOptions()...)
}

// finish writes the metrics exposition when --metrics is set.
func (e *env) finish() error {
	if e.registry == nil {
		return nil
	}
	families, err := e.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(e.stderr, mf); err != nil {
			return err
		}
	}
	return nil
}
