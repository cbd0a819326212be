package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks values that would otherwise fail late (at start or on the
// first scheduled fire). It does not mutate cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory":
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path: required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Lease.Driver)) {
	case "", "local":
	case "redis":
		if strings.TrimSpace(cfg.Lease.RedisURL) == "" {
			errs = append(errs, errors.New("lease.redis_url: required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("lease.driver: unknown driver %q", cfg.Lease.Driver))
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Classifier.Stemmer)) {
	case "", "snowball", "none":
	default:
		errs = append(errs, fmt.Errorf("classifier.stemmer: unknown stemmer %q", cfg.Classifier.Stemmer))
	}

	if cfg.Transport.Telegram.Enabled {
		if strings.TrimSpace(cfg.Transport.Telegram.Token) == "" {
			errs = append(errs, errors.New("transport.telegram.token: required when enabled"))
		}
		if strings.TrimSpace(cfg.Transport.Telegram.TenantID) == "" {
			errs = append(errs, errors.New("transport.telegram.tenant_id: required when enabled"))
		}
	}

	durations := map[string]string{
		"storage.busy_timeout":            cfg.Storage.BusyTimeout,
		"scheduler.fire_timeout":          cfg.Scheduler.FireTimeout,
		"task_engine.default_timeout":     cfg.TaskEngine.DefaultTimeout,
		"dispatch.dedup_window":           cfg.Dispatch.DedupWindow,
		"transport.telegram.poll_timeout": cfg.Transport.Telegram.PollTimeout,
		"lease.ttl":                       cfg.Lease.TTL,
	}
	if n := cfg.Notifier; n != nil {
		durations["notifier.retry_base"] = n.RetryBase
		durations["notifier.retry_max_delay"] = n.RetryMaxDelay
		durations["notifier.dedup_window"] = n.DedupWindow
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	for path, v := range map[string]int{
		"task_engine.workers":     cfg.TaskEngine.Workers,
		"task_engine.queue_size":  cfg.TaskEngine.QueueSize,
		"dispatch.rate_per_sec":   cfg.Dispatch.RatePerSec,
		"dispatch.fanout_workers": cfg.Dispatch.FanoutWorkers,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s: must be >= 0", path))
		}
	}

	return errors.Join(errs...)
}
