package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gonzalop/ftpnode/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a sample configuration file",
	Long: `Write the default configuration as YAML. The path defaults to
--config, then ftpnode.yaml. Existing files are never overwritten and the
password is never written.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := cfgFile
		if len(args) == 1 {
			target = args[0]
		}
		if target == "" {
			target = "ftpnode.yaml"
		}
		if err := config.Write(target, config.Default()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created at: %s\n", target)
		return nil
	},
}
