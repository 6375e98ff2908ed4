package app

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "sonaris/pkg/logx"
)

// notifier sends sd_notify states. It is a no-op outside systemd (no NOTIFY_SOCKET).
type notifier struct {
	enabled atomic.Bool
	log     logx.Logger
	send    func(state string) (bool, error)
}

func newNotifier(enabled bool, log logx.Logger) *notifier {
	n := &notifier{
		log:  log,
		send: func(state string) (bool, error) { return daemon.SdNotify(false, state) },
	}
	n.enabled.Store(enabled)
	return n
}

func (n *notifier) setEnabled(v bool) { n.enabled.Store(v) }

func (n *notifier) notify(state string) {
	if n == nil || !n.enabled.Load() {
		return
	}
	sent, err := n.send(state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if !sent {
		n.log.Debug("sd_notify skipped (no notify socket)", logx.String("state", state))
	}
}

// watchdog pings the systemd watchdog at half the configured interval until ctx is done.
// It returns immediately when WatchdogSec is not set for the unit.
func (n *notifier) watchdog(ctx context.Context) {
	if n == nil || !n.enabled.Load() {
		return
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("systemd watchdog check failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	n.log.Debug("systemd watchdog enabled", logx.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}
