package notifier

import "time"

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Notification tells a user about something that needs their attention,
// usually a newly assigned message.
type Notification struct {
	TenantID string
	UserID   string
	// MessageID is the message the notification refers to, if any.
	MessageID string
	Channel   string
	To        string
	Subject   string
	Text      string
}

type HistoryItem struct {
	At       time.Time
	TenantID string
	UserID   string
	Channel  string
	Text     string
}

// Event types published on the bus.
const (
	EventQueued  = "notifier.queued"
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
	EventDeduped = "notifier.deduped"
	EventDropped = "notifier.dropped"
)
