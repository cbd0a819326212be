package domain

import (
	"strings"
	"time"
)

// Metadata keys written by the router and dispatcher.
const (
	MetaCategory     = "category"
	MetaScore        = "score"
	MetaError        = "error"
	MetaFailureCount = "failureCount"
)

type StatusEntry struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor,omitempty"`
	Note      string    `json:"note,omitempty"`
}

type Attachment struct {
	Name        string `json:"name"`
	URL         string `json:"url,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

type Message struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenantId"`
	CounterpartyID  string         `json:"counterpartyId,omitempty"`
	Channel         string         `json:"channel"`
	Direction       Direction      `json:"direction"`
	Recipient       string         `json:"recipient,omitempty"`
	Subject         string         `json:"subject,omitempty"`
	Content         string         `json:"content"`
	Attachments     []Attachment   `json:"attachments,omitempty"`
	Status          Status         `json:"status"`
	Priority        Priority       `json:"priority"`
	AssignedTo      string         `json:"assignedTo,omitempty"`
	ResolvedBy      string         `json:"resolvedBy,omitempty"`
	ResolvedAt      *time.Time     `json:"resolvedAt,omitempty"`
	ParentMessageID string         `json:"parentMessageId,omitempty"`
	TemplateID      string         `json:"templateId,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	StatusHistory   []StatusEntry  `json:"statusHistory"`
	Deleted         bool           `json:"deleted,omitempty"`
	DeletedAt       *time.Time     `json:"deletedAt,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// Validate checks an inbound payload before it is persisted.
func (m *Message) Validate() error {
	if m == nil {
		return Invalid("message", "required")
	}
	if strings.TrimSpace(m.TenantID) == "" {
		return Invalid("tenantId", "required")
	}
	if strings.TrimSpace(m.Channel) == "" {
		return Invalid("channel", "required")
	}
	if !m.Direction.Valid() {
		return Invalid("direction", "must be inbound or outbound")
	}
	if strings.TrimSpace(m.Content) == "" && len(m.Attachments) == 0 {
		return Invalid("content", "required")
	}
	if m.Priority != "" && !m.Priority.Valid() {
		return Invalid("priority", "unknown value "+string(m.Priority))
	}
	return nil
}

// SetMeta sets a metadata key, allocating the map on first use.
func (m *Message) SetMeta(key string, v any) {
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	m.Metadata[key] = v
}

// MetaString returns a metadata value as string ("" when absent).
func (m *Message) MetaString(key string) string {
	if m.Metadata == nil {
		return ""
	}
	s, _ := m.Metadata[key].(string)
	return s
}

// MetaInt returns a numeric metadata value. JSON round-trips turn ints into
// float64, so both are accepted.
func (m *Message) MetaInt(key string) int {
	if m.Metadata == nil {
		return 0
	}
	switch v := m.Metadata[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Clone returns a deep-enough copy: slices and metadata are not shared.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Attachments = append([]Attachment(nil), m.Attachments...)
	cp.StatusHistory = append([]StatusEntry(nil), m.StatusHistory...)
	if m.Metadata != nil {
		cp.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
