package workflow

import "strings"

const (
	OutboxStatusPending    = "pending"
	OutboxStatusSent       = "sent"
	OutboxStatusFailed     = "failed"
	OutboxStatusDeadLetter = "dead_letter"
)

const (
	ApprovalStatusPending  = "pending"
	ApprovalStatusApproved = "approved"
	ApprovalStatusRejected = "rejected"
	ApprovalStatusExpired  = "expired"
)

const (
	ApplicationStatusPending  = "pending"
	ApplicationStatusApproved = "approved"
	ApplicationStatusRejected = "rejected"
)

const (
	CardStatusActive = "active"
	CardStatusFrozen = "frozen"
	CardStatusClosed = "closed"
)

const (
	EventApplicationSubmitted = "application.submitted"
	EventApplicationApproved  = "application.approved"
	EventApplicationRejected  = "application.rejected"
	EventCardIssued           = "card.issued"
	EventCardFrozen           = "card.frozen"
	EventCardUnfrozen         = "card.unfrozen"
	EventCardClosed           = "card.closed"
	EventPurchasePosted       = "card.purchase_posted"
	EventPaymentPosted        = "card.payment_posted"
)

// Machine is a status transition table. Each allowed edge maps to the label
// recorded for it, which is the domain event type where one exists.
type Machine struct {
	transitions map[string]map[string]string
	selfLoops   map[string]bool
}

// Outbox permits failed -> failed so retry bookkeeping can advance retry_count.
var Outbox = Machine{
	transitions: map[string]map[string]string{
		OutboxStatusPending: {
			OutboxStatusSent:   "outbox_sent",
			OutboxStatusFailed: "outbox_failed",
		},
		OutboxStatusFailed: {
			OutboxStatusSent:       "outbox_sent",
			OutboxStatusDeadLetter: "outbox_dead_lettered",
		},
	},
	selfLoops: map[string]bool{OutboxStatusFailed: true},
}

var Approval = Machine{
	transitions: map[string]map[string]string{
		ApprovalStatusPending: {
			ApprovalStatusApproved: "approval_approved",
			ApprovalStatusRejected: "approval_rejected",
			ApprovalStatusExpired:  "approval_expired",
		},
	},
}

var Application = Machine{
	transitions: map[string]map[string]string{
		ApplicationStatusPending: {
			ApplicationStatusApproved: EventApplicationApproved,
			ApplicationStatusRejected: EventApplicationRejected,
		},
	},
}

var Card = Machine{
	transitions: map[string]map[string]string{
		CardStatusActive: {
			CardStatusFrozen: EventCardFrozen,
			CardStatusClosed: EventCardClosed,
		},
		CardStatusFrozen: {
			CardStatusActive: EventCardUnfrozen,
			CardStatusClosed: EventCardClosed,
		},
	},
}

func NormalizeStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

func (m Machine) CanTransition(fromStatus string, toStatus string) bool {
	fromStatus = NormalizeStatus(fromStatus)
	toStatus = NormalizeStatus(toStatus)
	if fromStatus == toStatus {
		return m.selfLoops[fromStatus]
	}
	next := m.transitions[fromStatus]
	if next == nil {
		return false
	}
	_, ok := next[toStatus]
	return ok
}

func (m Machine) EventTypeForTransition(fromStatus string, toStatus string) string {
	fromStatus = NormalizeStatus(fromStatus)
	toStatus = NormalizeStatus(toStatus)
	if fromStatus == toStatus {
		return ""
	}
	next := m.transitions[fromStatus]
	if next == nil {
		return ""
	}
	return next[toStatus]
}

// IsTerminal reports whether no transition leaves status.
func (m Machine) IsTerminal(status string) bool {
	status = NormalizeStatus(status)
	return len(m.transitions[status]) == 0 && !m.selfLoops[status]
}

func AllOutboxStatuses() []string {
	return []string{
		OutboxStatusPending,
		OutboxStatusSent,
		OutboxStatusFailed,
		OutboxStatusDeadLetter,
	}
}
