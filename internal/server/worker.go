package server

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"foreman/internal/eventbus"
	"foreman/internal/serviceapi"
)

var errEventFeedClosed = errors.New("event feed closed")

type EventSource interface {
	Watch(ctx context.Context, filter serviceapi.EventFilter) (<-chan eventbus.Event, error)
}

type EventPumpSnapshot struct {
	Running        bool       `json:"running"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	LastEventAt    *time.Time `json:"last_event_at,omitempty"`
	LastErrorAt    *time.Time `json:"last_error_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	TotalEvents    int64      `json:"total_events"`
	TotalDelivered int64      `json:"total_delivered"`
	Undelivered    int64      `json:"undelivered"`
}

// EventPump copies every bus event into the broker and keeps counters for
// the health endpoint.
type EventPump struct {
	source      EventSource
	broker      *EventBroker
	logInterval time.Duration
	logger      *slog.Logger

	mu       sync.RWMutex
	running  bool
	doneChan chan struct{}
	snapshot EventPumpSnapshot
}

func NewEventPump(source EventSource, broker *EventBroker, logInterval time.Duration, logger *slog.Logger) *EventPump {
	if logInterval <= 0 {
		logInterval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventPump{
		source:      source,
		broker:      broker,
		logInterval: logInterval,
		logger:      logger,
	}
}

func (p *EventPump) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	events, err := p.source.Watch(ctx, serviceapi.EventFilter{})
	if err != nil {
		p.recordError(time.Now().UTC(), err)
		p.mu.Unlock()
		return err
	}
	p.running = true
	now := time.Now().UTC()
	p.snapshot.Running = true
	p.snapshot.StartedAt = timePtr(now)
	p.doneChan = make(chan struct{})
	done := p.doneChan
	p.mu.Unlock()

	go func() {
		defer close(done)
		p.loop(ctx, events)
		p.mu.Lock()
		p.running = false
		p.snapshot.Running = false
		p.mu.Unlock()
	}()
	return nil
}

func (p *EventPump) Wait(timeout time.Duration) bool {
	p.mu.RLock()
	done := p.doneChan
	p.mu.RUnlock()
	if done == nil {
		return true
	}
	if timeout <= 0 {
		<-done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (p *EventPump) Snapshot() EventPumpSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	copySnapshot := p.snapshot
	copySnapshot.StartedAt = cloneTimePtr(p.snapshot.StartedAt)
	copySnapshot.LastEventAt = cloneTimePtr(p.snapshot.LastEventAt)
	copySnapshot.LastErrorAt = cloneTimePtr(p.snapshot.LastErrorAt)
	return copySnapshot
}

func (p *EventPump) loop(ctx context.Context, events <-chan eventbus.Event) {
	logTicker := time.NewTicker(p.logInterval)
	defer logTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					p.mu.Lock()
					p.recordError(time.Now().UTC(), errEventFeedClosed)
					p.mu.Unlock()
				}
				return
			}
			p.forward(event)
		case <-logTicker.C:
			p.logSnapshot()
		}
	}
}

func (p *EventPump) forward(event eventbus.Event) {
	delivered := p.broker.Publish(event)
	now := time.Now().UTC()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshot.TotalEvents++
	p.snapshot.LastEventAt = timePtr(now)
	if delivered > 0 {
		p.snapshot.TotalDelivered += int64(delivered)
	} else {
		p.snapshot.Undelivered++
	}
}

// recordError expects p.mu to be held.
func (p *EventPump) recordError(now time.Time, err error) {
	p.snapshot.LastErrorAt = timePtr(now)
	p.snapshot.LastError = strings.TrimSpace(err.Error())
}

func (p *EventPump) logSnapshot() {
	snapshot := p.Snapshot()
	p.logger.Info("event pump",
		"total_events", snapshot.TotalEvents,
		"delivered", snapshot.TotalDelivered,
		"undelivered", snapshot.Undelivered,
		"subscribers", p.broker.Subscribers(),
	)
}

func timePtr(value time.Time) *time.Time {
	clone := value
	return &clone
}

func cloneTimePtr(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	clone := *value
	return &clone
}
