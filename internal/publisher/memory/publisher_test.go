package memory

import (
	"context"
	"errors"
	"testing"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "topic-a", map[string]int64{"task_id": 7})
	if err != nil || id1 != "memory-1" {
		t.Fatalf("unexpected publish result id=%s err=%v", id1, err)
	}
	id2, err := pub.Publish(context.Background(), "topic-b", "payload")
	if err != nil || id2 != "memory-2" {
		t.Fatalf("unexpected publish result id=%s err=%v", id2, err)
	}

	msgs := pub.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Topic != "topic-a" || msgs[1].Topic != "topic-b" {
		t.Fatalf("topics not recorded correctly: %+v", msgs)
	}
	if string(msgs[0].Data) != `{"task_id":7}` {
		t.Fatalf("unexpected encoded payload %s", msgs[0].Data)
	}

	msgs[0].Topic = "modified"
	if pub.Messages()[0].Topic == "modified" {
		t.Fatal("expected Messages() to return a copy")
	}
}

func TestPublisherFailWith(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("unavailable")
	pub.FailWith(boom)
	if _, err := pub.Publish(context.Background(), "t", 1); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	pub.FailWith(nil)
	if _, err := pub.Publish(context.Background(), "t", func() {}); err == nil {
		t.Fatal("expected marshal error for func payload")
	}
	if len(pub.Messages()) != 0 {
		t.Fatalf("failed publishes must not be recorded")
	}
}
