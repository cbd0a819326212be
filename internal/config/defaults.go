package config

// DefaultNotifier is used when the notifier section is omitted.
func DefaultNotifier() NotifierConfig {
	return NotifierConfig{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       "500ms",
		RetryMaxDelay:   "10s",
		DedupWindow:     "1m",
		DedupMaxEntries: 2000,
	}
}

// Default returns a config suitable for local runs: in-memory store, local
// lease, log transport for every channel.
func Default() *Config {
	n := DefaultNotifier()
	return &Config{
		Logging:   LoggingConfig{Level: "info", Console: true},
		Storage:   StorageConfig{Driver: "memory"},
		Scheduler: SchedulerConfig{Enabled: true, Timezone: "UTC"},
		Dispatch:  DispatchConfig{DedupWindow: "5m", FanoutWorkers: 4},
		Notifier:  &n,
		Transport: TransportConfig{
			Log: LogTransport{Enabled: true, Channels: []string{"email", "sms", "chat"}},
		},
		Lease: LeaseConfig{Driver: "local", TTL: "2m", Prefix: "commagent:"},
	}
}
