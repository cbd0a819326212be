// Package access answers whether a tenant holds an agent capability.
package access

import (
	"context"
	"errors"

	"commagent/internal/domain"
	"commagent/internal/storage"
)

type Checker interface {
	HasAgentAccess(ctx context.Context, tenantID, agent string) (bool, error)
}

// TenantChecker reads capabilities from the tenant record. An unknown tenant
// has no capabilities.
type TenantChecker struct {
	store *storage.Store
}

func NewTenantChecker(store *storage.Store) *TenantChecker {
	return &TenantChecker{store: store}
}

func (c *TenantChecker) HasAgentAccess(ctx context.Context, tenantID, agent string) (bool, error) {
	t, err := c.store.GetTenant(ctx, tenantID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return t.HasAgent(agent), nil
}

// Require returns an AuthorizationError when the tenant lacks agent.
func Require(ctx context.Context, c Checker, tenantID, agent string) error {
	ok, err := c.HasAgentAccess(ctx, tenantID, agent)
	if err != nil {
		return err
	}
	if !ok {
		return domain.Unauthorized(tenantID, agent)
	}
	return nil
}

// Static grants a fixed capability set to every tenant. Used by the CLI for
// dry runs.
type Static []string

func (s Static) HasAgentAccess(_ context.Context, _ string, agent string) (bool, error) {
	for _, a := range s {
		if a == agent {
			return true, nil
		}
	}
	return false, nil
}
