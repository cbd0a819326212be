package config

// Config is the root of the commagent config file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Dispatch   DispatchConfig   `json:"dispatch"`

	// Notifier delivers assignment notifications. If omitted the notifier
	// runs with defaults (enabled).
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	Transport  TransportConfig  `json:"transport"`
	Lease      LeaseConfig      `json:"lease"`
	Metrics    MetricsConfig    `json:"metrics"`
	Classifier ClassifierConfig `json:"classifier"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the document store backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./commagent.db", "busy_timeout": "5s" }
type StorageConfig struct {
	Driver      string `json:"driver"` // memory | sqlite
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls the per-tenant trigger registry.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone used when neither the template nor the tenant sets one.
	Timezone string `json:"timezone,omitempty"`
	// FireTimeout bounds one scheduled fire (recipient resolution + sends).
	// "0s" disables it.
	FireTimeout string `json:"fire_timeout,omitempty"`
}

// TaskEngineConfig controls execution of scheduled fires.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// DispatchConfig controls outbound sends.
type DispatchConfig struct {
	// DedupWindow suppresses repeated FAILED records per (tenant, recipient, template).
	// Default "5m".
	DedupWindow string `json:"dedup_window,omitempty"`
	// RatePerSec limits transport calls across all channels. 0 = unlimited.
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// FanoutWorkers bounds parallel per-recipient sends within one fire. Default 4.
	FanoutWorkers int `json:"fanout_workers,omitempty"`
}

// NotifierConfig controls the async assignment notification pipeline.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

type TransportConfig struct {
	Telegram TelegramTransport `json:"telegram"`
	Log      LogTransport      `json:"log"`
}

// TelegramTransport delivers the "chat" channel through a Telegram bot.
type TelegramTransport struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"` // never logged
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// TenantID owns messages received by the bot. Required when enabled.
	TenantID string `json:"tenant_id,omitempty"`
}

// LogTransport writes sends to the log instead of delivering them.
// Useful for channels without a real transport (email/sms in dev).
type LogTransport struct {
	Enabled  bool     `json:"enabled"`
	Channels []string `json:"channels,omitempty"`
}

// LeaseConfig selects the per-fire lease used to avoid duplicate scheduled
// sends when several processes share the same store.
type LeaseConfig struct {
	Driver   string `json:"driver"` // local | redis
	RedisURL string `json:"redis_url,omitempty"`
	TTL      string `json:"ttl,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:9464"
}

type ClassifierConfig struct {
	// Stemmer is "snowball" (default) or "none".
	Stemmer string `json:"stemmer,omitempty"`
}
