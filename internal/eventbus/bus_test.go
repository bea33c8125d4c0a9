package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func receive(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case event, ok := <-events:
		if !ok {
			t.Fatalf("event channel closed")
		}
		return event
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

func TestInProcessPublishSubscribe(t *testing.T) {
	bus, err := New(Config{}, nil)
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := bus.Subscribe(ctx, TopicSession)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	err = bus.Publish(ctx, Event{
		Topic:     TopicSession,
		SessionID: "sess-1",
		Type:      "transition",
		FromState: "PLANNING",
		ToState:   "EXECUTING",
		Attrs:     map[string]string{"story": "E1/S1"},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	event := receive(t, events)
	if event.SessionID != "sess-1" || event.ToState != "EXECUTING" || event.Attrs["story"] != "E1/S1" || event.ID == "" {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestPublishRequiresTopic(t *testing.T) {
	bus, err := New(Config{}, nil)
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	defer bus.Close()
	if err := bus.Publish(context.Background(), Event{Type: "x"}); err == nil {
		t.Fatalf("expected error for missing topic")
	}
}

func TestRedisStreamPublishSubscribe(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer server.Close()

	bus, err := New(Config{RedisURL: "redis://" + server.Addr(), StreamPrefix: "test", Replay: true}, nil)
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := bus.Publish(ctx, Event{Topic: TopicAlert, SessionID: "sess-2", Type: "PauseAlert", Message: "CiTimeout"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !server.Exists("test.alert") {
		t.Fatalf("expected redis stream test.alert to exist")
	}

	events, err := bus.SubscribeAll(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	event := receive(t, events)
	if event.Topic != TopicAlert || event.SessionID != "sess-2" || event.Message != "CiTimeout" {
		t.Fatalf("unexpected event %+v", event)
	}
}
