package domain

import (
	"strings"
	"time"
)

type Classifier struct {
	ID                   string   `json:"id"`
	TenantID             string   `json:"tenantId"`
	Category             string   `json:"category"`
	Keywords             []string `json:"keywords,omitempty"`
	Phrases              []string `json:"phrases,omitempty"`
	Weight               float64  `json:"weight"`
	DefaultAssignee      string   `json:"defaultAssignee,omitempty"`
	AlternativeAssignees []string `json:"alternativeAssignees,omitempty"`
	Active               bool     `json:"active"`
	// Position orders classifiers for tie-breaking; equal positions keep insertion order.
	Position  int       `json:"position,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (c *Classifier) Validate() error {
	if c == nil {
		return Invalid("classifier", "required")
	}
	if strings.TrimSpace(c.TenantID) == "" {
		return Invalid("tenantId", "required")
	}
	if strings.TrimSpace(c.Category) == "" {
		return Invalid("category", "required")
	}
	if c.Weight <= 0 {
		return Invalid("weight", "must be > 0")
	}
	if len(c.Keywords) == 0 && len(c.Phrases) == 0 {
		return Invalid("keywords", "at least one keyword or phrase required")
	}
	return nil
}
