package domain

import (
	"strings"
	"time"
)

type ScheduleConfig struct {
	Frequency string   `json:"frequency,omitempty" yaml:"frequency"`
	Days      []string `json:"days,omitempty" yaml:"days"`
	Time      string   `json:"time,omitempty" yaml:"time"`
	Timezone  string   `json:"timezone,omitempty" yaml:"timezone"`
}

// TriggerConditions narrows when a template applies.
//
// Category and Default select auto-trigger templates for routed messages;
// Tags, CounterpartyIDs and Channels filter the recipients of a scheduled fire.
type TriggerConditions struct {
	Category        string   `json:"category,omitempty" yaml:"category"`
	Default         bool     `json:"default,omitempty" yaml:"default"`
	Tags            []string `json:"tags,omitempty" yaml:"tags"`
	CounterpartyIDs []string `json:"counterpartyIds,omitempty" yaml:"counterpartyIds"`
	Channels        []string `json:"channels,omitempty" yaml:"channels"`
}

type Template struct {
	ID                string            `json:"id"`
	TenantID          string            `json:"tenantId"`
	Name              string            `json:"name"`
	Type              TemplateType      `json:"type"`
	Channels          []string          `json:"channels,omitempty"`
	Subject           string            `json:"subject,omitempty"`
	Content           string            `json:"content"`
	ScheduleType      string            `json:"scheduleType,omitempty"`
	ScheduleConfig    ScheduleConfig    `json:"scheduleConfig"`
	TriggerConditions TriggerConditions `json:"triggerConditions"`
	Active            bool              `json:"active"`
	Deleted           bool              `json:"deleted,omitempty"`
	DeletedAt         *time.Time        `json:"deletedAt,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

func (t *Template) Validate() error {
	if t == nil {
		return Invalid("template", "required")
	}
	if strings.TrimSpace(t.TenantID) == "" {
		return Invalid("tenantId", "required")
	}
	if strings.TrimSpace(t.Name) == "" {
		return Invalid("name", "required")
	}
	if !t.Type.Valid() {
		return Invalid("type", "unknown value "+string(t.Type))
	}
	if strings.TrimSpace(t.Content) == "" {
		return Invalid("content", "required")
	}
	return nil
}

// Scheduled reports whether the template should own a live trigger.
// Schedule config completeness is checked when the rule is compiled.
func (t *Template) Scheduled() bool {
	return t != nil && t.Type == TemplateScheduled && t.Active && !t.Deleted
}
