package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coldstor/caskd/pkg/config"
	"github.com/coldstor/caskd/pkg/daemon"
	"github.com/coldstor/caskd/pkg/log"
	"github.com/coldstor/caskd/pkg/protocol"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	flagInteractive bool
	flagVerbosity   int
	flagConfig      string
	flagDataDir     string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps startup failures to the documented exit statuses.
func exitCode(err error) int {
	switch protocol.FromError(err) {
	case protocol.EEXIST:
		return 17
	case protocol.ENXIO:
		return int(-protocol.ENXIO)
	}
	return 1
}

var rootCmd = &cobra.Command{
	Use:   "caskd",
	Short: "caskd - local resource scheduler for removable media",
	Long: `caskd brokers a pool of tape drives and directory media for the
object layer: it mounts and unmounts media, orders concurrent client I/O
onto the available transports, and persists lifecycle state in the
metadata store.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"caskd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.Flags().BoolVarP(&flagInteractive, "interactive", "i", false,
		"run in the foreground without a pidfile")
	rootCmd.Flags().CountVarP(&flagVerbosity, "verbose", "v",
		"increase log verbosity (-v, -vv)")
	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "",
		"path to the configuration file")
	rootCmd.Flags().StringVar(&flagDataDir, "data-dir", "/var/lib/caskd",
		"metadata store directory")
}

func runDaemon() error {
	log.Init(log.Config{
		Level:      log.LevelFromVerbosity(flagVerbosity),
		JSONOutput: !flagInteractive,
	})

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}

	d, err := daemon.New(cfg, daemon.Options{
		Interactive: flagInteractive,
		DataDir:     flagDataDir,
	})
	if err != nil {
		return err
	}

	if err := d.Start(); err != nil {
		d.Shutdown()
		return err
	}

	return d.Wait()
}
