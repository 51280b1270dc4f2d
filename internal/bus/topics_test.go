package bus

import "testing"

func TestTopicConstantsAreNonEmptyAndUnique(t *testing.T) {
	topics := map[string]bool{
		TopicAccountConnected:    true,
		TopicAccountDisconnected: true,
		TopicAccountSleeping:     true,
		TopicCorrelatorDropped:   true,
	}
	if len(topics) != 4 {
		t.Fatalf("expected 4 unique topics, got %d", len(topics))
	}
	for topic := range topics {
		if topic == "" {
			t.Fatal("topic constant must not be empty")
		}
	}
}

func TestAccountStateEventFields(t *testing.T) {
	e := AccountStateEvent{ChannelID: "c1", Connected: true, Sleeping: false}
	if e.ChannelID != "c1" || !e.Connected || e.Sleeping {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestCorrelatorDroppedEventFields(t *testing.T) {
	e := CorrelatorDroppedEvent{EventID: "evt-1", ChannelID: "c1", Reason: "no match"}
	if e.EventID != "evt-1" || e.Reason != "no match" {
		t.Fatalf("unexpected event: %+v", e)
	}
}
