package domain

import "strings"

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

func (d Direction) Valid() bool { return d == Inbound || d == Outbound }

type Status string

const (
	// inbound lineage
	StatusReceived   Status = "RECEIVED"
	StatusAssigned   Status = "ASSIGNED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusResolved   Status = "RESOLVED"
	StatusClosed     Status = "CLOSED"

	// outbound lineage
	StatusPending   Status = "PENDING"
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusRead      Status = "READ"
	StatusFailed    Status = "FAILED"
)

var allStatuses = []Status{
	StatusReceived, StatusAssigned, StatusInProgress, StatusResolved, StatusClosed,
	StatusPending, StatusSent, StatusDelivered, StatusRead, StatusFailed,
}

func (s Status) Valid() bool {
	for _, v := range allStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// ParseStatus accepts any casing ("in_progress", "In_Progress").
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	return st, st.Valid()
}

// InitialStatus is RECEIVED for inbound messages and PENDING for outbound ones.
func InitialStatus(d Direction) Status {
	if d == Outbound {
		return StatusPending
	}
	return StatusReceived
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type TemplateType string

const (
	TemplateManual      TemplateType = "manual"
	TemplateAutoTrigger TemplateType = "auto-trigger"
	TemplateScheduled   TemplateType = "scheduled"
	TemplateUpdate      TemplateType = "update"
)

func (t TemplateType) Valid() bool {
	switch t {
	case TemplateManual, TemplateAutoTrigger, TemplateScheduled, TemplateUpdate:
		return true
	}
	return false
}

// Channels a transport can be registered for.
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
	ChannelChat  = "chat"
)

// Well-known categories with special routing behavior.
const (
	CategoryGeneral   = "GENERAL"
	CategoryUrgent    = "URGENT"
	CategoryComplaint = "COMPLAINT"
)

// AgentCommunication is the capability a tenant must hold for inbound
// processing and scheduled fires.
const AgentCommunication = "client-communication"
