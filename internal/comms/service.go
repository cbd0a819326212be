// Package comms is the operation surface of the communication agent:
// inbound intake, message lifecycle, classifier and template management,
// and manual template sends.
//
// Interactive calls return typed errors (see domain.Err*). Background work
// started from here (routing side effects, trigger rebuilds) is logged and
// never fails the call that persisted the data.
package comms

import (
	"context"
	"time"

	"commagent/internal/access"
	"commagent/internal/domain"
	"commagent/internal/eventbus"
	"commagent/internal/fanout"
	"commagent/internal/route"
	"commagent/internal/storage"
	"commagent/internal/tracker"
	logx "commagent/pkg/logx"
)

// Rebuilder refreshes a tenant's live schedule triggers.
// *schedule.Manager satisfies it.
type Rebuilder interface {
	RebuildTenant(ctx context.Context, tenantID string) (int, error)
}

type Deps struct {
	Store    *storage.Store
	Tracker  *tracker.Tracker
	Router   *route.Router
	Dispatch fanout.Dispatcher
	Fanout   *fanout.Service
	Schedule Rebuilder
	Access   access.Checker
	Bus      eventbus.Bus
}

type Service struct {
	d   Deps
	log logx.Logger
}

func New(d Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{d: d, log: log.With(logx.String("comp", "comms"))}
}

func (s *Service) now() time.Time { return s.d.Tracker.Now() }

func (s *Service) requireAccess(ctx context.Context, tenantID string) error {
	if s.d.Access == nil {
		return nil
	}
	return access.Require(ctx, s.d.Access, tenantID, domain.AgentCommunication)
}

func (s *Service) publish(typ, tenantID string, data map[string]string) {
	if s.d.Bus == nil {
		return
	}
	s.d.Bus.Publish(eventbus.Event{Type: typ, TenantID: tenantID, Time: time.Now(), Data: data})
}
