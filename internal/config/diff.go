package config

import (
	"reflect"
	"sort"
	"strings"

	logx "commagent/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens
// or redis credentials).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Storage.Driver) != strings.TrimSpace(newCfg.Storage.Driver) ||
		strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.fire_timeout", strings.TrimSpace(newCfg.Scheduler.FireTimeout)),
		)
	}

	if oldCfg.TaskEngine != newCfg.TaskEngine {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Int("task_engine.workers", newCfg.TaskEngine.Workers),
			logx.Int("task_engine.queue_size", newCfg.TaskEngine.QueueSize),
			logx.Int("task_engine.history_size", newCfg.TaskEngine.HistorySize),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.dedup_window", strings.TrimSpace(newCfg.Dispatch.DedupWindow)),
			logx.Int("dispatch.rate_per_sec", newCfg.Dispatch.RatePerSec),
			logx.Int("dispatch.fanout_workers", newCfg.Dispatch.FanoutWorkers),
		)
	}

	// Nil notifier means runtime defaults.
	oldN, newN := DefaultNotifier(), DefaultNotifier()
	if oldCfg.Notifier != nil {
		oldN = *oldCfg.Notifier
	}
	if newCfg.Notifier != nil {
		newN = *newCfg.Notifier
	}
	if oldN != newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.retry_max", newN.RetryMax),
		)
	}

	// Transport (never log token)
	ot, nt := oldCfg.Transport, newCfg.Transport
	if ot.Telegram != nt.Telegram || !reflect.DeepEqual(ot.Log, nt.Log) {
		changed = append(changed, "transport")
		attrs = append(attrs,
			logx.Bool("transport.telegram_enabled", nt.Telegram.Enabled),
			logx.Bool("transport.telegram_token_set", strings.TrimSpace(nt.Telegram.Token) != ""),
			logx.Bool("transport.log_enabled", nt.Log.Enabled),
			logx.Strings("transport.log_channels", nt.Log.Channels),
		)
	}

	// Lease (never log redis url, it may carry a password)
	if oldCfg.Lease != newCfg.Lease {
		changed = append(changed, "lease")
		attrs = append(attrs,
			logx.String("lease.driver", newCfg.Lease.Driver),
			logx.Bool("lease.redis_url_set", strings.TrimSpace(newCfg.Lease.RedisURL) != ""),
			logx.String("lease.ttl", newCfg.Lease.TTL),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", newCfg.Metrics.Addr),
		)
	}

	if oldCfg.Classifier != newCfg.Classifier {
		changed = append(changed, "classifier")
		attrs = append(attrs, logx.String("classifier.stemmer", newCfg.Classifier.Stemmer))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections that cannot be applied without a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "lease", "transport", "metrics", "classifier":
			out = append(out, s)
		}
	}
	return out
}
