package controller

import (
	"context"
	"fmt"
	"time"

	"foreman/internal/eventbus"
	"foreman/internal/hsm"
	"foreman/internal/model"
	"foreman/internal/store"
)

// unit collects the writes of one decision so the session, its stories and
// the matching audit events land in one store transaction.
type unit struct {
	c       *Controller
	session *model.Session
	items   map[model.WorkRef]*model.WorkItem
	order   []model.WorkRef
	events  []model.EventRecord
	now     time.Time
}

func (c *Controller) newUnit(session *model.Session) *unit {
	return &unit{c: c, session: session, items: map[model.WorkRef]*model.WorkItem{}, now: c.now().UTC()}
}

func (u *unit) touch(item *model.WorkItem) {
	item.UpdatedAt = u.now
	ref := item.Ref()
	if _, ok := u.items[ref]; !ok {
		u.order = append(u.order, ref)
	}
	u.items[ref] = item
}

func (u *unit) event(entityType string, entityID string, eventType string, from string, to string, message string) {
	u.events = append(u.events, model.EventRecord{
		SessionID:  u.session.ID,
		EntityType: entityType,
		EntityID:   entityID,
		EventType:  eventType,
		FromState:  from,
		ToState:    to,
		Message:    message,
		CreatedAt:  u.now,
	})
}

// moveSession takes one session edge. Entering BLOCKED or PAUSED records the
// state to come back to; leaving them only goes back there.
func (u *unit) moveSession(to model.SessionState, message string) error {
	from := u.session.State
	if from == to {
		return nil
	}
	if from.Terminal() {
		return fmt.Errorf("session %s is %s: %w", u.session.ID, from, ErrSessionTerminal)
	}
	if !hsm.CanTransitionSession(from, to) {
		return &TransitionError{Entity: "session", ID: u.session.ID, From: string(from), To: string(to)}
	}
	sideState := func(s model.SessionState) bool { return s == model.SessionBlocked || s == model.SessionPaused }
	switch {
	case sideState(to):
		if !sideState(from) {
			u.session.ResumeState = from
		}
	case sideState(from):
		if !to.Terminal() && u.session.ResumeState != "" && to != u.session.ResumeState {
			return &TransitionError{Entity: "session", ID: u.session.ID, From: string(from), To: string(to)}
		}
		u.session.ResumeState = ""
	}
	if to != model.SessionBlocked {
		u.session.BlockedReason = ""
	}
	u.session.State = to
	if to.Terminal() {
		at := u.now
		u.session.CompletedAt = &at
	}
	u.event("session", u.session.ID, "transition", string(from), string(to), message)
	u.c.logger.Info("session transition", "session_id", u.session.ID, "from", from, "to", to, "message", message)
	return nil
}

// follow walks the session forward to the state mirroring item's phase and
// makes item the session's focus.
func (u *unit) follow(item *model.WorkItem) {
	target, ok := item.Status.SessionState()
	if !ok {
		return
	}
	state := u.session.State
	if state.Terminal() || state == model.SessionBlocked || state == model.SessionPaused {
		return
	}
	u.session.CurrentEpicID = item.EpicID
	u.session.CurrentStoryID = item.StoryID
	u.session.CurrentAgentID = item.AgentID
	path := hsm.ForwardPath(state, target)
	if path == nil {
		u.c.logger.Warn("no lifecycle path for session focus", "session_id", u.session.ID, "from", state, "to", target)
		return
	}
	for _, step := range path {
		if err := u.moveSession(step, "focus "+item.Ref().String()); err != nil {
			u.c.logger.Warn("session focus stopped", "session_id", u.session.ID, "error", err)
			return
		}
	}
}

// moveStory walks item to status along legal story edges.
func (u *unit) moveStory(item *model.WorkItem, to model.StoryStatus, message string) error {
	from := item.Status
	if from == to {
		u.touch(item)
		return nil
	}
	path := hsm.StoryPath(from, to)
	if path == nil {
		return &TransitionError{Entity: "story", ID: item.Ref().String(), From: string(from), To: string(to)}
	}
	for _, step := range path {
		u.event("story", item.Ref().String(), "transition", string(item.Status), string(step), message)
		item.Status = step
	}
	u.c.logger.Info("story transition", "session_id", u.session.ID, "story", item.Ref().String(), "from", from, "to", to, "message", message)
	u.touch(item)
	u.follow(item)
	return nil
}

func (u *unit) commit(ctx context.Context) error {
	u.session.UpdatedAt = u.now
	change := store.Change{Session: u.session, Events: u.events}
	for _, ref := range u.order {
		change.Items = append(change.Items, *u.items[ref])
	}
	if err := u.c.store.Apply(ctx, change); err != nil {
		return fmt.Errorf("persist session %s: %w", u.session.ID, err)
	}
	u.c.publish(ctx, u.events...)
	u.events = nil
	u.items = map[model.WorkRef]*model.WorkItem{}
	u.order = nil
	return nil
}

func topicFor(entityType string) string {
	switch entityType {
	case "story":
		return eventbus.TopicStory
	case "agent":
		return eventbus.TopicAgent
	case "detection":
		return eventbus.TopicDetection
	case "recovery":
		return eventbus.TopicRecovery
	case "alert":
		return eventbus.TopicAlert
	}
	return eventbus.TopicSession
}

// publish forwards persisted events to the bus. Bus failures never fail a
// decision; the store remains the source of truth.
func (c *Controller) publish(ctx context.Context, events ...model.EventRecord) {
	if c.bus == nil {
		return
	}
	for _, event := range events {
		err := c.bus.Publish(ctx, eventbus.Event{
			Topic:      topicFor(event.EntityType),
			SessionID:  event.SessionID,
			EntityType: event.EntityType,
			EntityID:   event.EntityID,
			Type:       event.EventType,
			FromState:  event.FromState,
			ToState:    event.ToState,
			Message:    event.Message,
			At:         event.CreatedAt,
		})
		if err != nil {
			c.logger.Warn("publish event", "session_id", event.SessionID, "type", event.EventType, "error", err)
		}
	}
}

// record persists and publishes events that are not part of a session change.
func (c *Controller) record(ctx context.Context, events ...model.EventRecord) {
	for _, event := range events {
		if event.CreatedAt.IsZero() {
			event.CreatedAt = c.now().UTC()
		}
		if err := c.store.AddEvent(ctx, event); err != nil {
			c.logger.Warn("record event", "session_id", event.SessionID, "type", event.EventType, "error", err)
			continue
		}
		c.publish(ctx, event)
	}
}
