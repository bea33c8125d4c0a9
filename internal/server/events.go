package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"foreman/internal/eventbus"
	"foreman/internal/serviceapi"
)

// handleEventStream serves live bus events as text/event-stream, optionally
// narrowed with ?session_id= and ?topic=.
func (r *Runtime) handleEventStream(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, "stream_unsupported", "response writer cannot stream")
		return
	}
	query := req.URL.Query()
	filter := serviceapi.EventFilter{
		SessionID: strings.TrimSpace(query.Get("session_id")),
		Topic:     strings.TrimSpace(query.Get("topic")),
	}
	if filter.Topic != "" && !knownTopic(filter.Topic) {
		writeAPIError(w, http.StatusBadRequest, "invalid_topic", fmt.Sprintf("unknown topic %q", filter.Topic))
		return
	}

	events, unsubscribe := r.broker.Subscribe(filter)
	defer unsubscribe()

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	beat := r.streamBeat
	if beat <= 0 {
		beat = 15 * time.Second
	}
	ticker := time.NewTicker(beat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writeStreamEvent(w, event); err != nil {
				r.logger.Warn("write stream event", "error", err)
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeStreamEvent(w http.ResponseWriter, event eventbus.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Topic, payload)
	return err
}

func knownTopic(topic string) bool {
	for _, known := range eventbus.AllTopics {
		if strings.EqualFold(known, topic) {
			return true
		}
	}
	return false
}
