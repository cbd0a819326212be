package fanout

import (
	"context"
	"sync"
	"time"

	"commagent/internal/dispatch"
	"commagent/internal/domain"
	logx "commagent/pkg/logx"
)

type Config struct {
	Workers int
}

// Dispatcher is the one-message send path. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*domain.Message, error)
}

// Job renders Template for each recipient and dispatches it.
type Job struct {
	Name       string
	Tenant     *domain.Tenant
	Template   *domain.Template
	Recipients []domain.Counterparty
	// Custom is merged over the base render context.
	Custom map[string]any
	Actor  string
	// ParentID links every produced message to one parent (replies, auto-responses).
	ParentID string
}

// Outcome is the per-recipient result.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

type Result struct {
	CounterpartyID string
	Channel        string
	MessageID      string
	Outcome        Outcome
	Error          string
}

type JobStatus struct {
	ID         string
	Name       string
	TenantID   string
	TemplateID string
	Total      int
	Sent       int
	Failed     int
	Skipped    int
	// Results is in recipient order.
	Results   []Result
	CreatedAt time.Time
	StartedAt time.Time
	DoneAt    time.Time
	Running   bool
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	dispatcher Dispatcher
	log        logx.Logger
	now        func() time.Time

	statusMu sync.RWMutex
	status   map[string]*JobStatus
	// bound in-memory status retention
	statusMax int
	statusTTL time.Duration
}
