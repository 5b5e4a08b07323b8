// Package commands implements the ftpnode command line.
package commands

import (
	"context"

	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile       string
	flagHost      string
	flagPort      int
	flagUser      string
	flagSecure    string
	flagInsecure  bool
	flagActive    bool
	flagLogLevel  string
	flagLogFormat string
	flagMetrics   bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "ftpnode",
	Short: "ftpnode - run FTP operations from the command line",
	Long: `ftpnode runs one FTP operation per session and prints the outcome as a
JSON message with the fields operation, filename, localFilename, message and
payload.

Settings come from the config file, then FTPNODE_* environment variables,
then flags. The password is only read from the config file or
FTPNODE_PASSWORD.

Use "ftpnode [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and runs it.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")
	pf.StringVar(&flagHost, "host", "", "server host (default localhost)")
	pf.IntVar(&flagPort, "port", 0, "server port (default 21)")
	pf.StringVar(&flagUser, "user", "", "login name (default anonymous)")
	pf.StringVar(&flagSecure, "secure", "", "TLS mode: none, explicit, control or implicit")
	pf.BoolVar(&flagInsecure, "insecure-skip-verify", false, "do not verify the server certificate")
	pf.BoolVar(&flagActive, "active", false, "use active mode (PORT/EPRT)")
	pf.StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn or error")
	pf.StringVar(&flagLogFormat, "log-format", "", "log format: text or json")
	pf.BoolVar(&flagMetrics, "metrics", false, "print Prometheus metrics to stderr when done")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(renameCmd)
	rootCmd.AddCommand(mkdirCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
