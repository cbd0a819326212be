package domain

import (
	"slices"
	"strings"
)

type Counterparty struct {
	ID               string         `json:"id"`
	TenantID         string         `json:"tenantId"`
	Name             string         `json:"name"`
	Email            string         `json:"email,omitempty"`
	Phone            string         `json:"phone,omitempty"`
	ChatID           string         `json:"chatId,omitempty"`
	PreferredChannel string         `json:"preferredChannel,omitempty"`
	Tags             []string       `json:"tags,omitempty"`
	Fields           map[string]any `json:"fields,omitempty"`
	Active           bool           `json:"active"`
}

// Address returns the counterparty's address on channel, or "".
func (c *Counterparty) Address(channel string) string {
	if c == nil {
		return ""
	}
	switch strings.ToLower(channel) {
	case ChannelEmail:
		return c.Email
	case ChannelSMS:
		return c.Phone
	case ChannelChat:
		return c.ChatID
	}
	return ""
}

func (c *Counterparty) HasTag(tag string) bool {
	return c != nil && slices.ContainsFunc(c.Tags, func(t string) bool { return strings.EqualFold(t, tag) })
}

// User is a tenant staff member messages can be assigned to.
type User struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Channel  string `json:"channel,omitempty"`
	Address  string `json:"address,omitempty"`
	Active   bool   `json:"active"`
}

type Tenant struct {
	ID                    string   `json:"id"`
	Name                  string   `json:"name"`
	Agents                []string `json:"agents,omitempty"`
	DefaultHandler        string   `json:"defaultHandler,omitempty"`
	AutoResponse          bool     `json:"autoResponse,omitempty"`
	DefaultAutoTemplateID string   `json:"defaultAutoTemplateId,omitempty"`
	Timezone              string   `json:"timezone,omitempty"`
}

func (t *Tenant) HasAgent(agent string) bool {
	return t != nil && slices.Contains(t.Agents, agent)
}
