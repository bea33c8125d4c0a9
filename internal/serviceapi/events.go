package serviceapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"foreman/internal/eventbus"
)

// EventFilter narrows a live event feed. Empty fields match everything.
type EventFilter struct {
	SessionID string
	Topic     string
}

func (f EventFilter) Match(event eventbus.Event) bool {
	if id := strings.TrimSpace(f.SessionID); id != "" && !strings.EqualFold(event.SessionID, id) {
		return false
	}
	if topic := strings.TrimSpace(f.Topic); topic != "" && !strings.EqualFold(event.Topic, topic) {
		return false
	}
	return true
}

// Watch follows the event bus of this process, or of every process sharing
// the Redis streams when the policy configures one.
func (l *LocalCore) Watch(ctx context.Context, filter EventFilter) (<-chan eventbus.Event, error) {
	var (
		events <-chan eventbus.Event
		err    error
	)
	if topic := strings.TrimSpace(filter.Topic); topic != "" {
		events, err = l.bus.Subscribe(ctx, topic)
	} else {
		events, err = l.bus.SubscribeAll(ctx)
	}
	if err != nil {
		return nil, err
	}
	out := make(chan eventbus.Event, 64)
	go func() {
		defer close(out)
		for event := range events {
			if !filter.Match(event) {
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Watch reads the server-sent event stream of the server until ctx is done
// or the server closes the stream.
func (r *RemoteCore) Watch(ctx context.Context, filter EventFilter) (<-chan eventbus.Event, error) {
	parsed, err := url.Parse(r.baseURL + "/api/v1/events/stream")
	if err != nil {
		return nil, err
	}
	values := parsed.Query()
	if id := strings.TrimSpace(filter.SessionID); id != "" {
		values.Set("session_id", id)
	}
	if topic := strings.TrimSpace(filter.Topic); topic != "" {
		values.Set("topic", topic)
	}
	parsed.RawQuery = values.Encode()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "text/event-stream")
	// The shared client carries a request timeout that would cut the stream.
	client := &http.Client{Transport: r.client.Transport}
	response, err := client.Do(request)
	if err != nil {
		return nil, err
	}
	if response.StatusCode != http.StatusOK {
		defer response.Body.Close()
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return nil, decodeRemoteError(response.StatusCode, payload)
	}
	out := make(chan eventbus.Event, 64)
	go func() {
		defer close(out)
		defer response.Body.Close()
		_ = readEventStream(ctx, response.Body, out)
	}()
	return out, nil
}

// readEventStream decodes `data:` frames of a text/event-stream body. Comment
// lines and fields other than data are ignored.
func readEventStream(ctx context.Context, body io.Reader, out chan<- eventbus.Event) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			var event eventbus.Event
			if err := json.Unmarshal([]byte(data.String()), &event); err != nil {
				return fmt.Errorf("decode stream event: %w", err)
			}
			data.Reset()
			select {
			case out <- event:
			case <-ctx.Done():
				return ctx.Err()
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteString("\n")
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return scanner.Err()
}
