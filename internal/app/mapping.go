package app

import (
	"fmt"
	"strings"
	"time"

	"commagent/internal/config"
	"commagent/internal/dispatch"
	"commagent/internal/fanout"
	"commagent/internal/lease"
	"commagent/internal/notifier"
	"commagent/internal/schedule"
	"commagent/internal/storage"
	"commagent/internal/task/engine"
	logx "commagent/pkg/logx"
)

// runtimeConfig is every component config derived from one config file.
type runtimeConfig struct {
	log      logx.Config
	storage  storage.Config
	engine   engine.Config
	schedule schedule.Config
	dispatch dispatch.Config
	fanout   fanout.Config
	notifier notifier.Config
	lease    lease.Config
	telegram time.Duration
}

func mapConfig(cfg *config.Config) (runtimeConfig, error) {
	if cfg == nil {
		return runtimeConfig{}, fmt.Errorf("config is nil")
	}
	var rc runtimeConfig
	var err error

	rc.log = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	}
	if rc.storage, err = mapStorageConfig(cfg); err != nil {
		return rc, err
	}
	if rc.engine, err = mapTaskEngineConfig(cfg); err != nil {
		return rc, err
	}
	if rc.schedule, err = mapScheduleConfig(cfg); err != nil {
		return rc, err
	}
	if rc.dispatch, err = mapDispatchConfig(cfg); err != nil {
		return rc, err
	}
	rc.fanout = fanout.Config{Workers: cfg.Dispatch.FanoutWorkers}
	if rc.notifier, err = mapNotifierConfig(cfg); err != nil {
		return rc, err
	}
	if rc.lease, err = mapLeaseConfig(cfg); err != nil {
		return rc, err
	}
	if rc.telegram, err = config.ParseDurationOrDefault("transport.telegram.poll_timeout", cfg.Transport.Telegram.PollTimeout, 10*time.Second); err != nil {
		return rc, err
	}
	return rc, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapTaskEngineConfig applies defaults for omitted (zero) fields. The engine
// only runs scheduled fires, so it follows the scheduler's enabled flag.
func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	workers := te.Workers
	if workers <= 0 {
		workers = 2
	}
	queueSize := te.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	historySize := te.HistorySize
	if historySize <= 0 {
		historySize = 200
	}
	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Enabled:        cfg.Scheduler.Enabled,
		Workers:        workers,
		QueueSize:      queueSize,
		DefaultTimeout: defTimeout,
		HistorySize:    historySize,
	}, nil
}

func mapScheduleConfig(cfg *config.Config) (schedule.Config, error) {
	fireTimeout, err := config.ParseDurationOrDefault("scheduler.fire_timeout", cfg.Scheduler.FireTimeout, 10*time.Minute)
	if err != nil {
		return schedule.Config{}, err
	}
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return schedule.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	lc, err := mapLeaseConfig(cfg)
	if err != nil {
		return schedule.Config{}, err
	}
	return schedule.Config{
		Enabled:     cfg.Scheduler.Enabled,
		Timezone:    tz,
		FireTimeout: fireTimeout,
		LeaseTTL:    lc.TTL,
		LeasePrefix: lc.Prefix,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	window, err := config.ParseDurationOrDefault("dispatch.dedup_window", cfg.Dispatch.DedupWindow, dispatch.DefaultDedupWindow)
	if err != nil {
		return dispatch.Config{}, err
	}
	if cfg.Dispatch.RatePerSec < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.rate_per_sec must be >= 0")
	}
	return dispatch.Config{DedupWindow: window, RatePerSec: cfg.Dispatch.RatePerSec}, nil
}

// mapNotifierConfig uses DefaultNotifier when the section is omitted.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := config.DefaultNotifier()
	if cfg.Notifier != nil {
		nc = *cfg.Notifier
	}
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.RetryMax < 0 || nc.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: numeric fields must be >= 0")
	}
	retryBase, err := config.ParseDurationOrDefault("notifier.retry_base", nc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.ParseDurationField("notifier.dedup_window", nc.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	return notifier.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		DedupWindow:     dedup,
		DedupMaxEntries: nc.DedupMaxEntries,
		// dedup survives restarts only with a durable store
		PersistDedup: driver == "sqlite" || driver == "sqlite3",
	}, nil
}

func mapLeaseConfig(cfg *config.Config) (lease.Config, error) {
	ttl, err := config.ParseDurationOrDefault("lease.ttl", cfg.Lease.TTL, lease.DefaultTTL)
	if err != nil {
		return lease.Config{}, err
	}
	prefix := cfg.Lease.Prefix
	if prefix == "" {
		prefix = lease.DefaultPrefix
	}
	return lease.Config{
		Driver:   strings.ToLower(strings.TrimSpace(cfg.Lease.Driver)),
		RedisURL: strings.TrimSpace(cfg.Lease.RedisURL),
		TTL:      ttl,
		Prefix:   prefix,
	}, nil
}
