package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Worker     WorkerConfig     `json:"worker"`
	Timekeeper TimekeeperConfig `json:"timekeeper"`
	Systemd    SystemdConfig    `json:"systemd,omitempty"`
	Status     StatusConfig     `json:"status,omitempty"`
	Timezone   string           `json:"timezone,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence driver.
//
// Drivers:
//   - "file" (default): <path-without-ext>.jobs.json and .archive.json
//   - "sqlite": single database file (binary built with -tags sqlite)
//   - "memory": nothing survives a restart
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// WorkerConfig controls action execution.
//
// Defaults (when fields are omitted/zero):
//   - default_timeout: "0s" (disabled)
//   - device_timeout: "1m" (bound for device actions when default_timeout is 0)
//   - catch_up_rate: 0 (no limit on overdue fires per second)
//   - catch_up_burst: 1
type WorkerConfig struct {
	DefaultTimeout string  `json:"default_timeout,omitempty"`
	DeviceTimeout  string  `json:"device_timeout,omitempty"`
	CatchUpRate    float64 `json:"catch_up_rate,omitempty"`
	CatchUpBurst   int     `json:"catch_up_burst,omitempty"`
}

// TimekeeperConfig controls the job archive and restart recovery.
//
// Defaults:
//   - archive_max: 1000 (-1 keeps everything)
//   - overdue_policy: "fire" ("drop" archives overdue jobs as failed at startup)
type TimekeeperConfig struct {
	ArchiveMax    int    `json:"archive_max,omitempty"`
	OverduePolicy string `json:"overdue_policy,omitempty"`
}

// SystemdConfig enables sd_notify READY/STOPPING messages when running under systemd.
type SystemdConfig struct {
	Notify bool `json:"notify,omitempty"`
}

// StatusConfig controls the optional read-only HTTP status server
// (/healthz, /jobs, /archive, /worker and, with pprof, /debug/pprof/).
//
// A non-loopback addr requires token or allow_insecure.
type StatusConfig struct {
	Enabled       bool   `json:"enabled,omitempty"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

const (
	DefaultArchiveMax = 1000
	DefaultStatusAddr = "127.0.0.1:7420"
)

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Storage: StorageConfig{Driver: "file", Path: "./data/sonaris.db"},
		Timekeeper: TimekeeperConfig{
			ArchiveMax:    DefaultArchiveMax,
			OverduePolicy: "fire",
		},
	}
}
