package workflow

import "testing"

func TestOutboxTransitions(t *testing.T) {
	allowed := [][2]string{
		{OutboxStatusPending, OutboxStatusSent},
		{OutboxStatusPending, OutboxStatusFailed},
		{OutboxStatusFailed, OutboxStatusFailed},
		{OutboxStatusFailed, OutboxStatusSent},
		{OutboxStatusFailed, OutboxStatusDeadLetter},
	}
	for _, edge := range allowed {
		if !Outbox.CanTransition(edge[0], edge[1]) {
			t.Fatalf("expected %s -> %s to be allowed", edge[0], edge[1])
		}
	}
	blocked := [][2]string{
		{OutboxStatusSent, OutboxStatusPending},
		{OutboxStatusSent, OutboxStatusFailed},
		{OutboxStatusDeadLetter, OutboxStatusPending},
		{OutboxStatusDeadLetter, OutboxStatusSent},
		{OutboxStatusPending, OutboxStatusDeadLetter},
		{OutboxStatusSent, OutboxStatusSent},
	}
	for _, edge := range blocked {
		if Outbox.CanTransition(edge[0], edge[1]) {
			t.Fatalf("expected %s -> %s to be blocked", edge[0], edge[1])
		}
	}
	if !Outbox.IsTerminal(OutboxStatusSent) || !Outbox.IsTerminal(OutboxStatusDeadLetter) || Outbox.IsTerminal(OutboxStatusFailed) {
		t.Fatalf("unexpected terminal classification")
	}
}

func TestApprovalHasOneTerminalTransition(t *testing.T) {
	for _, to := range []string{ApprovalStatusApproved, ApprovalStatusRejected, ApprovalStatusExpired} {
		if !Approval.CanTransition(ApprovalStatusPending, to) {
			t.Fatalf("expected pending -> %s", to)
		}
		if !Approval.IsTerminal(to) {
			t.Fatalf("expected %s to be terminal", to)
		}
	}
	if Approval.CanTransition(ApprovalStatusApproved, ApprovalStatusExpired) {
		t.Fatalf("expected approved -> expired to be blocked")
	}
}

func TestEventTypeForTransition(t *testing.T) {
	if ev := Application.EventTypeForTransition(" Pending ", ApplicationStatusApproved); ev != EventApplicationApproved {
		t.Fatalf("unexpected event type %q", ev)
	}
	if ev := Card.EventTypeForTransition(CardStatusActive, CardStatusActive); ev != "" {
		t.Fatalf("expected no event for a self transition, got %q", ev)
	}
}
