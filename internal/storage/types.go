package storage

import (
	"context"
	"errors"
	"time"

	"commagent/internal/domain"
)

var ErrDisabled = errors.New("storage disabled")

// ErrNotFound is domain.ErrNotFound so store misses classify as NotFoundError.
var ErrNotFound = domain.ErrNotFound

// Config configures storage.
//
// Driver values:
//   - "memory" (default when empty)
//   - "sqlite": SQLite database file; Path may be ":memory:"
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Document kinds.
const (
	KindMessage      = "message"
	KindClassifier   = "classifier"
	KindTemplate     = "template"
	KindCounterparty = "counterparty"
	KindUser         = "user"
	KindTenant       = "tenant"
)

// Document is one stored record.
type Document struct {
	Kind     string
	TenantID string
	ID       string
	// Seq is assigned on first insert and kept on update.
	Seq       int64
	Data      []byte
	UpdatedAt time.Time
}

// Backend is the raw persistence API.
type Backend interface {
	// Put inserts or replaces a document. Replacing keeps the original Seq.
	Put(ctx context.Context, d Document) error
	// Get returns ErrNotFound when the document does not exist.
	Get(ctx context.Context, kind, tenantID, id string) (Document, error)
	// Delete returns ErrNotFound when the document does not exist.
	Delete(ctx context.Context, kind, tenantID, id string) error
	// List returns documents of kind in Seq order. An empty tenantID lists all tenants.
	List(ctx context.Context, kind, tenantID string) ([]Document, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}
