package main

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"sonaris/internal/app"
	"sonaris/internal/storage"
)

var (
	cfgPath  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "sonaris",
	Short: "Scheduled instrument actions with persistence",
	Long: `sonaris fires named instrument actions at scheduled times.

Jobs are validated against the action's declared parameters when added,
persisted, and re-armed after a restart. Finished jobs are kept in a
bounded archive.

Run the daemon with "sonaris run". The jobs, archive and actions commands
work directly on the configured store. Listing works at any time; commands
that change the store (jobs add, jobs cancel, jobs experiment, archive clear)
need the store lock and refuse to run while a daemon holds it. Stop the
daemon first, then start it again to fire the new jobs.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./sonaris.yaml", "Path to the JSON or YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level (trace, debug, info, warn, error)")
}

// openOffline builds the app without starting the worker. Logging defaults to
// warn so command output stays readable. Commands that only read pass
// writable=false and work while a daemon holds the store.
func openOffline(writable bool) (*app.App, error) {
	level := strings.TrimSpace(logLevel)
	if level == "" {
		level = "warn"
	}
	opts := []app.Option{app.WithLogLevel(level)}
	if !writable {
		opts = append(opts, app.ReadOnly())
	}
	a, err := app.New(cfgPath, opts...)
	if errors.Is(err, storage.ErrLocked) {
		return nil, errors.Wrap(err, "store is in use by another sonaris process; stop the daemon before changing jobs or the archive")
	}
	return a, err
}
