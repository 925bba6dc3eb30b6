package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alvesdmateus/app-packager/pkg/config"
)

// options are the flags shared by every subcommand
type options struct {
	configFile string
	verbose    bool
	cfg        *config.Config
}

// NewRootCommand builds the packager command tree
func NewRootCommand() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "packager",
		Short: "app-packager - builds and packages multi-language workloads",
		Long: `app-packager turns workload source trees into deployable artifacts.

Each workload is fingerprinted first; workloads whose digest is already
deployed are skipped. The rest are built (bundled in-process for nodejs,
containerized for go, java and python), archived, size-checked and
finalized under the output directory.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if opts.verbose {
				cfg.Log.Level = "debug"
			}
			opts.cfg = cfg
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default: packager.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(newPackageCommand(opts))
	rootCmd.AddCommand(newDigestCommand(opts))
	rootCmd.AddCommand(newRunsCommand(opts))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// Execute runs the root command with ctx
func Execute(ctx context.Context) error {
	rootCmd := NewRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), err)
		return err
	}
	return nil
}
