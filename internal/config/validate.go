package config

import (
	"net"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	logx "sonaris/pkg/logx"
)

// Validate checks values that the strict decoder cannot.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []string
	add := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	if lv := strings.TrimSpace(c.Logging.Level); lv != "" && !logx.ValidLevel(lv) {
		errs = append(errs, "logging.level: unknown level "+lv)
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		errs = append(errs, "logging.file.path: required when file logging is enabled")
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, "storage.path: required")
		}
	case "memory", "none":
	default:
		errs = append(errs, "storage.driver: unknown driver "+c.Storage.Driver)
	}
	_, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	add(err)

	_, err = ParseDurationField("worker.default_timeout", c.Worker.DefaultTimeout)
	add(err)
	_, err = ParseDurationField("worker.device_timeout", c.Worker.DeviceTimeout)
	add(err)
	if c.Worker.CatchUpRate < 0 {
		errs = append(errs, "worker.catch_up_rate: must be >= 0")
	}
	if c.Worker.CatchUpBurst < 0 {
		errs = append(errs, "worker.catch_up_burst: must be >= 0")
	}

	switch strings.ToLower(strings.TrimSpace(c.Timekeeper.OverduePolicy)) {
	case "", "fire", "drop":
	default:
		errs = append(errs, "timekeeper.overdue_policy: must be fire or drop")
	}

	if c.Status.Enabled {
		addr := c.StatusAddr()
		host, _, err := net.SplitHostPort(addr)
		switch {
		case err != nil:
			errs = append(errs, "status.addr: "+err.Error())
		case !c.Status.AllowInsecure && strings.TrimSpace(c.Status.Token) == "" && !isLoopbackHost(host):
			errs = append(errs, "status.addr: non-loopback address requires status.token or status.allow_insecure")
		}
	}

	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, "timezone: "+err.Error())
		}
	}

	if len(errs) > 0 {
		return errors.Newf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Location returns the configured timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	if c == nil || strings.TrimSpace(c.Timezone) == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(strings.TrimSpace(c.Timezone))
	if err != nil {
		return time.Local
	}
	return loc
}

// EffectiveArchiveMax applies the archive_max default; -1 means unbounded.
func (c *Config) EffectiveArchiveMax() int {
	switch n := c.Timekeeper.ArchiveMax; {
	case n < 0:
		return 0
	case n == 0:
		return DefaultArchiveMax
	default:
		return n
	}
}

// StatusAddr applies the status.addr default.
func (c *Config) StatusAddr() string {
	if a := strings.TrimSpace(c.Status.Addr); a != "" {
		return a
	}
	return DefaultStatusAddr
}

func isLoopbackHost(h string) bool {
	h = strings.TrimSpace(h)
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
