// replicastore runs and inspects a storage pool replica repository.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/replicastore/replicastore/internal/config"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// options are the persistent flags shared by all commands.
type options struct {
	cfgFile  string
	logLevel string
	logOut   io.Writer
}

func main() {
	if err := newRootCmd(os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(logOut io.Writer) *cobra.Command {
	opts := &options{logOut: logOut}

	rootCmd := &cobra.Command{
		Use:   "replicastore",
		Short: "replicastore - storage pool replica repository",
		Long: `replicastore keeps track of the file replicas stored on a pool: their
state, space accounting, sticky pins and eviction.

  # Run the pool:
  replicastore serve --config /etc/replicastore/pool.yaml

  # Inspect it:
  replicastore ls --config pool.yaml --state CACHED
  replicastore space --config pool.yaml

For more help on any command, use: replicastore <command> --help`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(opts.logLevel, opts.logOut)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&opts.logLevel, "log-level", "l", "", "log level (overrides the config file)")

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newLsCmd(opts))
	rootCmd.AddCommand(newSpaceCmd(opts))
	rootCmd.AddCommand(newSweepCmd(opts))
	rootCmd.AddCommand(newServiceCmd(opts))

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "replicastore %s\n", Version)
			_, _ = fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			_, _ = fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

func setupLogging(logLevel string, out io.Writer) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil || logLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: out})
}

// loadConfig reads and validates the pool configuration. A --log-level
// flag wins over the file.
func loadConfig(opts *options) (*config.PoolConfig, error) {
	if opts.cfgFile == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.LoadPoolConfig(opts.cfgFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts.logLevel == "" {
		if level, err := cfg.Level(); err == nil && level != zerolog.NoLevel {
			zerolog.SetGlobalLevel(level)
		}
	}
	return cfg, nil
}
