package events

import "testing"

func TestEncodeRequiresEventID(t *testing.T) {
	if _, err := Encode(Envelope{}); err == nil {
		t.Fatalf("expected error for empty event id")
	}
	b, err := Encode(Envelope{EventID: "e1", TenantID: "t1", EntityType: EntityCard, EntityID: "c1", SequenceNumber: 2})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(b) == 0 {
		t.Fatalf("expected bytes")
	}
}

func TestStreamKeyAndTopic(t *testing.T) {
	env := Envelope{TenantID: "t1", EntityType: EntityApplication, EntityID: "a1"}
	if got := StreamKey(env); got != "t1/application/a1" {
		t.Fatalf("unexpected stream key %q", got)
	}
	if TopicFor(EntityApplication) != TopicApplicationEvents || TopicFor("other") != TopicCardEvents {
		t.Fatalf("unexpected topic routing")
	}
}
