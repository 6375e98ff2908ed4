package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"sonaris/internal/app"
	"sonaris/internal/storage"
	logx "sonaris/pkg/logx"
)

var runStopTimeout time.Duration

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler daemon",
	Long: `Run loads persisted jobs, re-arms them, and fires each one at its time
until SIGINT or SIGTERM.

Jobs whose time passed while the daemon was down fire immediately (or are
archived as failed when timekeeper.overdue_policy is "drop"). Jobs that were
mid-fire at a crash fire again.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().DurationVar(&runStopTimeout, "stop-timeout", 10*time.Second, "Upper bound for graceful shutdown")
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	var opts []app.Option
	if logLevel != "" {
		opts = append(opts, app.WithLogLevel(logLevel))
	}
	a, err := app.New(cfgPath, opts...)
	if errors.Is(err, storage.ErrLocked) {
		return errors.Wrap(err, "store is in use by another sonaris process")
	}
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := a.Start(cmd.Context()); err != nil {
		_ = a.Close()
		return err
	}

	var reason app.StopReason
	select {
	case sig := <-sigCh:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	case <-cmd.Context().Done():
		reason = app.StopCommand
	}

	fatal := a.Err()
	if fatal != nil {
		a.Logger().Error("fatal error", logx.Err(fatal))
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), runStopTimeout)
	defer cancel()
	if err := a.Stop(ctx, reason); err != nil && fatal == nil {
		return err
	}
	return fatal
}
