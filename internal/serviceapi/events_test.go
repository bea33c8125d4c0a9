package serviceapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"foreman/internal/eventbus"
)

func TestEventFilterMatchesSessionAndTopic(t *testing.T) {
	event := eventbus.Event{Topic: eventbus.TopicStory, SessionID: "sess-1"}
	cases := []struct {
		filter EventFilter
		want   bool
	}{
		{EventFilter{}, true},
		{EventFilter{SessionID: "sess-1"}, true},
		{EventFilter{SessionID: "sess-2"}, false},
		{EventFilter{Topic: "STORY"}, true},
		{EventFilter{SessionID: "sess-1", Topic: eventbus.TopicAgent}, false},
	}
	for _, tc := range cases {
		if got := tc.filter.Match(event); got != tc.want {
			t.Fatalf("filter %+v: expected %t, got %t", tc.filter, tc.want, got)
		}
	}
}

func TestReadEventStreamSkipsCommentsAndJoinsData(t *testing.T) {
	body := strings.Join([]string{
		": connected",
		"",
		"id: ev-1",
		"event: story",
		`data: {"id":"ev-1","topic":"story",`,
		`data: "session_id":"sess-1","type":"transition"}`,
		"",
		": keepalive",
		"",
		`data: {"id":"ev-2","topic":"agent","session_id":"sess-1","type":"spawned"}`,
		"",
	}, "\n")
	out := make(chan eventbus.Event, 4)
	if err := readEventStream(context.Background(), strings.NewReader(body), out); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	close(out)
	var ids []string
	for event := range out {
		ids = append(ids, event.ID)
	}
	if len(ids) != 2 || ids[0] != "ev-1" || ids[1] != "ev-2" {
		t.Fatalf("expected ev-1 and ev-2, got %v", ids)
	}
}

func TestRemoteCoreWatchSendsFilterAndStreamsEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/events/stream" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("session_id") != "sess-4" || r.URL.Query().Get("topic") != "alert" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"ev-9\",\"topic\":\"alert\",\"session_id\":\"sess-4\"}\n\n")
	}))
	defer server.Close()

	core := NewRemoteCore(server.URL, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	events, err := core.Watch(ctx, EventFilter{SessionID: "sess-4", Topic: "alert"})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	select {
	case event, ok := <-events:
		if !ok || event.ID != "ev-9" {
			t.Fatalf("expected ev-9, got %+v (open=%t)", event, ok)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for event")
	}
}
