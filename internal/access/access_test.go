package access

import (
	"context"
	"errors"
	"testing"

	"commagent/internal/domain"
	"commagent/internal/storage"
)

func TestTenantChecker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.New(storage.NewMemory())
	_ = st.SaveTenant(ctx, &domain.Tenant{ID: "on", Agents: []string{domain.AgentCommunication}})
	_ = st.SaveTenant(ctx, &domain.Tenant{ID: "off", Agents: []string{"quality-inspection"}})
	c := NewTenantChecker(st)

	tests := []struct {
		tenant string
		want   bool
	}{
		{"on", true},
		{"off", false},
		{"missing", false},
	}
	for _, tt := range tests {
		got, err := c.HasAgentAccess(ctx, tt.tenant, domain.AgentCommunication)
		if err != nil {
			t.Fatalf("%s: %v", tt.tenant, err)
		}
		if got != tt.want {
			t.Fatalf("%s: got %v want %v", tt.tenant, got, tt.want)
		}
	}

	if err := Require(ctx, c, "off", domain.AgentCommunication); !errors.Is(err, domain.ErrAuthorization) {
		t.Fatalf("Require err = %v", err)
	}
	if err := Require(ctx, c, "on", domain.AgentCommunication); err != nil {
		t.Fatalf("Require err = %v", err)
	}
}

func TestStatic(t *testing.T) {
	t.Parallel()
	ok, _ := Static{domain.AgentCommunication}.HasAgentAccess(context.Background(), "any", domain.AgentCommunication)
	if !ok {
		t.Fatal("static should grant")
	}
}
