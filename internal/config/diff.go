package config

import (
	"sort"
	"strings"

	logx "sonaris/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and structured
// attrs describing their new values, for a single reload log line.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if norm(oldCfg.Storage.Driver) != norm(newCfg.Storage.Driver) ||
		strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", norm(newCfg.Storage.Driver)),
			logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)),
		)
	}

	if oldCfg.Worker != newCfg.Worker {
		changed = append(changed, "worker")
		attrs = append(attrs,
			logx.String("worker.default_timeout", strings.TrimSpace(newCfg.Worker.DefaultTimeout)),
			logx.String("worker.device_timeout", strings.TrimSpace(newCfg.Worker.DeviceTimeout)),
			logx.Float64("worker.catch_up_rate", newCfg.Worker.CatchUpRate),
			logx.Int("worker.catch_up_burst", newCfg.Worker.CatchUpBurst),
		)
	}

	if oldCfg.Timekeeper.ArchiveMax != newCfg.Timekeeper.ArchiveMax ||
		norm(oldCfg.Timekeeper.OverduePolicy) != norm(newCfg.Timekeeper.OverduePolicy) {
		changed = append(changed, "timekeeper")
		attrs = append(attrs,
			logx.Int("timekeeper.archive_max", newCfg.Timekeeper.ArchiveMax),
			logx.String("timekeeper.overdue_policy", norm(newCfg.Timekeeper.OverduePolicy)),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		attrs = append(attrs, logx.Bool("systemd.notify", newCfg.Systemd.Notify))
	}

	if oldCfg.Status != newCfg.Status {
		changed = append(changed, "status")
		attrs = append(attrs,
			logx.Bool("status.enabled", newCfg.Status.Enabled),
			logx.String("status.addr", strings.TrimSpace(newCfg.Status.Addr)),
			logx.Bool("status.pprof", newCfg.Status.Pprof),
		)
	}

	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		changed = append(changed, "timezone")
		attrs = append(attrs, logx.String("timezone", strings.TrimSpace(newCfg.Timezone)))
	}

	sort.Strings(changed)
	return changed, attrs
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
