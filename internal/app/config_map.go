package app

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"sonaris/internal/config"
	"sonaris/internal/storage"
	"sonaris/internal/task/timekeeper"
	"sonaris/internal/task/worker"
	logx "sonaris/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "file":
		return storage.Config{Driver: "file", Path: path}, nil
	case "memory", "none":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, errors.Newf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapWorkerConfig(cfg *config.Config) (worker.Config, error) {
	timeout, err := config.ParseDurationField("worker.default_timeout", cfg.Worker.DefaultTimeout)
	if err != nil {
		return worker.Config{}, err
	}
	devTimeout, err := config.ParseDurationOrDefault("worker.device_timeout", cfg.Worker.DeviceTimeout, worker.DefaultDeviceTimeout)
	if err != nil {
		return worker.Config{}, err
	}
	burst := cfg.Worker.CatchUpBurst
	if burst <= 0 {
		burst = 1
	}
	return worker.Config{
		DefaultTimeout: timeout,
		DeviceTimeout:  devTimeout,
		CatchUpRate:    cfg.Worker.CatchUpRate,
		CatchUpBurst:   burst,
	}, nil
}

func mapTimekeeperConfig(cfg *config.Config) timekeeper.Config {
	policy := strings.ToLower(strings.TrimSpace(cfg.Timekeeper.OverduePolicy))
	if policy == "" {
		policy = timekeeper.OverdueFire
	}
	return timekeeper.Config{
		ArchiveMax:    cfg.EffectiveArchiveMax(),
		OverduePolicy: policy,
	}
}
