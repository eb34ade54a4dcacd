package command

import (
	"time"

	"github.com/jonboulle/clockwork"

	"credit-card-platform/api/internal/docstore"
	"credit-card-platform/api/internal/outbox"
)

// UnitOfWork collects what a command wants written. Aggregate writes carry
// the version the command read, so a concurrent change fails the commit
// instead of being overwritten.
type UnitOfWork struct {
	tenantID string
	clock    clockwork.Clock
	writes   []docstore.Write
	events   []outbox.NewEvent
}

func newUnitOfWork(tenantID string, clock clockwork.Clock) *UnitOfWork {
	return &UnitOfWork{tenantID: tenantID, clock: clock}
}

func (u *UnitOfWork) TenantID() string { return u.tenantID }

func (u *UnitOfWork) Now() time.Time { return u.clock.Now().UTC() }

func (u *UnitOfWork) Stage(writes ...docstore.Write) {
	u.writes = append(u.writes, writes...)
}

// Emit queues an event for the tenant; sequence numbers are assigned at commit.
func (u *UnitOfWork) Emit(eventType string, entityType string, entityID string, payload any) {
	u.events = append(u.events, outbox.NewEvent{
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		TenantID:   u.tenantID,
		Payload:    payload,
	})
}
