package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"foreman/internal/agentrt"
	"foreman/internal/backoff"
	"foreman/internal/decision"
	"foreman/internal/hsm"
	"foreman/internal/model"
	"foreman/internal/planner"
	"foreman/internal/signal"
	"foreman/internal/store"
)

// sessionRun is the in-process state of one live session: exactly one loop
// goroutine decides for it, agent calls run beside it bounded by sem.
type sessionRun struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	// mu is held while a decision is applied; operator commands and
	// recovery actions take it so they land between decisions.
	mu       sync.Mutex
	sem      *semaphore.Weighted
	results  chan agentOutcome
	wake     chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	busy     map[model.WorkRef]string
	calls    map[string]context.CancelFunc
	deferred []agentOutcome
}

func (r *sessionRun) poke() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) lookup(id string) *sessionRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[id]
}

func (c *Controller) ensureRun(id string, maxAgents int) *sessionRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	if run, ok := c.runs[id]; ok {
		run.poke()
		return run
	}
	if maxAgents <= 0 {
		maxAgents = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	run := &sessionRun{
		id:       id,
		ctx:      ctx,
		cancel:   cancel,
		sem:      semaphore.NewWeighted(int64(maxAgents)),
		results:  make(chan agentOutcome, maxAgents),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		busy:     map[model.WorkRef]string{},
		calls:    map[string]context.CancelFunc{},
	}
	c.runs[id] = run
	go c.loop(run)
	return run
}

func (c *Controller) loop(run *sessionRun) {
	defer func() {
		run.cancel()
		run.wg.Wait()
		c.mu.Lock()
		if c.runs[run.id] == run {
			delete(c.runs, run.id)
		}
		c.mu.Unlock()
		close(run.done)
		c.logger.Info("session loop exited", "session_id", run.id)
	}()
	run.wg.Add(1)
	go func() {
		defer run.wg.Done()
		c.watch(run)
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-run.ctx.Done():
			return
		case outcome := <-run.results:
			c.handleOutcome(run, outcome)
		case <-run.wake:
		case <-timer.C:
		}
		next, stop := c.step(run)
		if stop {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next)
	}
}

// step advances every story that is due, fills free capacity and settles the
// session once nothing is left to do. It returns when to look again.
func (c *Controller) step(run *sessionRun) (time.Duration, bool) {
	run.mu.Lock()
	defer run.mu.Unlock()
	ctx := run.ctx
	poll := c.cfg.PollInterval()
	if poll <= 0 {
		poll = 30 * time.Second
	}

	session, err := c.store.GetSession(ctx, run.id)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, store.ErrNotFound) {
			return 0, true
		}
		c.logger.Error("load session", "session_id", run.id, "error", err)
		return poll, false
	}
	if session.State.Terminal() {
		return 0, true
	}
	if session.State == model.SessionPaused || session.State == model.SessionBlocked {
		return poll, false
	}
	if len(run.deferred) > 0 {
		outcomes := run.deferred
		run.deferred = nil
		for _, outcome := range outcomes {
			c.applyOutcome(ctx, run, &session, outcome)
		}
	}

	items, err := c.store.ListWorkItems(ctx, run.id)
	if err != nil {
		c.logger.Error("load work items", "session_id", run.id, "error", err)
		return poll, false
	}
	now := c.now()
	for i := range items {
		item := &items[i]
		if !item.Status.Active() || run.busy[item.Ref()] != "" {
			continue
		}
		if item.NextPollAt != nil && item.NextPollAt.After(now) {
			continue
		}
		if err := c.advance(ctx, run, &session, item); err != nil {
			c.retryLater(ctx, &session, item, err)
		}
		if session.State.Terminal() || ctx.Err() != nil {
			return 0, true
		}
	}

	if err := c.fill(ctx, run, &session); err != nil {
		c.logger.Error("start stories", "session_id", run.id, "error", err)
	}
	stop, err := c.settle(ctx, run, &session)
	if err != nil {
		c.logger.Error("settle session", "session_id", run.id, "error", err)
	}
	if stop {
		return 0, true
	}
	return c.nextDue(ctx, run, poll), false
}

// nextDue is the time until the earliest parked story wants another look,
// capped at poll.
func (c *Controller) nextDue(ctx context.Context, run *sessionRun, poll time.Duration) time.Duration {
	items, err := c.store.ListWorkItems(ctx, run.id)
	if err != nil {
		return poll
	}
	now := c.now()
	next := poll
	for _, item := range items {
		if !item.Status.Active() || item.NextPollAt == nil || run.busy[item.Ref()] != "" {
			continue
		}
		wait := item.NextPollAt.Sub(now)
		if wait < 0 {
			wait = 0
		}
		if wait < next {
			next = wait
		}
	}
	return next
}

// retryLater treats a failed step of a story as an external outage: the
// story is polled again after a backoff, and escalated once the wait ceiling
// is exceeded.
func (c *Controller) retryLater(ctx context.Context, session *model.Session, item *model.WorkItem, cause error) {
	if ctx.Err() != nil {
		return
	}
	// The failed step may have changed both in memory without persisting.
	if fresh, err := c.store.GetSession(ctx, session.ID); err == nil {
		*session = fresh
	}
	if errors.Is(cause, store.ErrStaleSession) {
		c.logger.Debug("session changed underneath, re-reading", "session_id", session.ID)
		return
	}
	if fresh, err := c.store.GetWorkItem(ctx, session.ID, item.Ref()); err == nil {
		*item = fresh
	}
	if session.State.Terminal() || !item.Status.Active() {
		return
	}
	attempt := item.WaitAttempts + 1
	delay := backoff.DelayForAttempt(attempt, c.backoff, item.Ref().String())
	c.logger.Warn("story step failed, retrying later",
		"session_id", session.ID,
		"story", item.Ref().String(),
		"phase", item.Status,
		"attempt", attempt,
		"delay", delay,
		"error", cause,
	)
	u := c.newUnit(session)
	maxWait := time.Duration(c.cfg.Decision.MaxWaitSeconds) * time.Second
	if maxWait > 0 && time.Duration(item.WaitedMS)*time.Millisecond+delay > maxWait {
		c.edgeCase(ctx, session, item, model.EdgeExternalOutage, cause.Error(), "escalated")
		if err := c.escalate(ctx, u, item, fmt.Sprintf("%s: %v", decision.ReasonWaitCeiling, cause), "external_dependency", model.ResolvedByConditionCleared); err != nil {
			c.logger.Error("escalate story", "story", item.Ref().String(), "error", err)
			return
		}
	} else {
		if attempt == 1 {
			c.edgeCase(ctx, session, item, model.EdgeExternalOutage, cause.Error(), "retrying with backoff")
		}
		when := u.now.Add(delay)
		item.WaitAttempts = attempt
		item.WaitedMS += delay.Milliseconds()
		item.NextPollAt = &when
		u.touch(item)
	}
	if err := u.commit(ctx); err != nil {
		c.logger.Error("persist retry", "story", item.Ref().String(), "error", err)
	}
}

// fill starts ready stories while the engine grants capacity.
func (c *Controller) fill(ctx context.Context, run *sessionRun, session *model.Session) error {
	items, err := c.store.ListWorkItems(ctx, session.ID)
	if err != nil {
		return err
	}
	graph, err := planner.NewGraph(items)
	if err != nil {
		return err
	}
	status := map[model.WorkRef]model.StoryStatus{}
	active := 0
	for _, item := range items {
		status[item.Ref()] = item.Status
		if item.Status.Active() {
			active++
		}
	}
	for _, ref := range graph.Ready(status) {
		state := decision.State{QueuedWork: true, Capacity: active < session.Config.MaxAgents}
		if d := c.engine.Evaluate(state, signal.Unparseable(), nil); d.Kind != decision.KindSpawnAgent {
			break
		}
		item, _ := graph.Item(ref)
		if err := c.startStory(ctx, run, session, &item, graph.Depth(ref)); err != nil {
			if ctx.Err() != nil {
				return err
			}
			c.logger.Error("story failed to start", "session_id", session.ID, "story", ref.String(), "error", err)
			if fresh, getErr := c.store.GetSession(ctx, session.ID); getErr == nil {
				*session = fresh
			}
			u := c.newUnit(session)
			item, _ = graph.Item(ref)
			if escErr := c.escalate(ctx, u, &item, "could not start: "+err.Error(), "start", model.ResolvedByConditionCleared); escErr != nil {
				return fmt.Errorf("start %s: %w", ref, escErr)
			}
			if commitErr := u.commit(ctx); commitErr != nil {
				return commitErr
			}
			continue
		}
		if item.Status.Active() {
			active++
		}
	}
	return nil
}

// settle finishes the session when every story is done or skipped, and
// blocks it when only blocked stories remain.
func (c *Controller) settle(ctx context.Context, run *sessionRun, session *model.Session) (bool, error) {
	items, err := c.store.ListWorkItems(ctx, session.ID)
	if err != nil {
		return false, err
	}
	var blocked []string
	for _, item := range items {
		switch {
		case item.Status.Active() || item.Status == model.StoryQueued:
			return false, nil
		case item.Status == model.StoryBlocked:
			blocked = append(blocked, fmt.Sprintf("%s: %s", item.Ref(), item.BlockedReason))
		case item.Status == model.StoryBlockedByDependency:
			blocked = append(blocked, item.Ref().String()+": waiting on a blocked dependency")
		}
	}
	if len(run.busy) > 0 {
		return false, nil
	}
	u := c.newUnit(session)
	if len(blocked) > 0 {
		if session.State == model.SessionBlocked {
			return false, nil
		}
		reason := strings.Join(blocked, "; ")
		if err := u.moveSession(model.SessionBlocked, reason); err != nil {
			return false, err
		}
		session.BlockedReason = reason
		c.logger.Warn("session blocked", "session_id", session.ID, "reason", reason)
		return false, u.commit(ctx)
	}

	if session.State != model.SessionPlanning {
		for _, step := range hsm.ForwardPath(session.State, model.SessionCompleting) {
			if err := u.moveSession(step, "all stories settled"); err != nil {
				return false, err
			}
		}
	}
	if err := u.moveSession(model.SessionDone, fmt.Sprintf("%d stories completed", session.Metrics.StoriesCompleted)); err != nil {
		return false, err
	}
	if err := u.commit(ctx); err != nil {
		return false, err
	}
	if err := c.store.ReleaseSessionClaims(ctx, session.ID); err != nil {
		c.logger.Warn("release claims", "session_id", session.ID, "error", err)
	}
	return true, nil
}

// handleOutcome applies an agent result, or parks it while the session is
// paused.
func (c *Controller) handleOutcome(run *sessionRun, outcome agentOutcome) {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.busy[outcome.agent.Ref()] == outcome.agent.ID {
		delete(run.busy, outcome.agent.Ref())
	}
	delete(run.calls, outcome.agent.ID)
	session, err := c.store.GetSession(run.ctx, run.id)
	if err != nil {
		c.logger.Error("load session for agent outcome", "session_id", run.id, "error", err)
		return
	}
	if session.State == model.SessionPaused {
		run.deferred = append(run.deferred, outcome)
		return
	}
	c.applyOutcome(run.ctx, run, &session, outcome)
}

func (c *Controller) applyOutcome(ctx context.Context, run *sessionRun, session *model.Session, outcome agentOutcome) {
	ref := outcome.agent.Ref()
	log := c.logger.With("session_id", session.ID, "story", ref.String(), "agent_id", outcome.agent.ID)
	if session.State.Terminal() {
		return
	}
	agent, err := c.store.GetAgent(ctx, outcome.agent.ID)
	if err != nil {
		log.Error("load agent", "error", err)
		return
	}
	item, err := c.store.GetWorkItem(ctx, session.ID, ref)
	if err != nil {
		log.Error("load story", "error", err)
		return
	}
	if agent.Status.Terminal() || !item.Status.Active() {
		log.Info("discarding outcome of retired agent", "agent_status", agent.Status, "story_status", item.Status)
		return
	}

	now := c.now().UTC()
	if outcome.spawn && outcome.handle.Session != "" {
		agent.Handle = outcome.handle.Session
	}
	absorb(&agent, outcome.result, now)
	session.Metrics.TotalIterations++
	session.Metrics.TokensUsed += int64(outcome.result.ContextTokens)
	if outcome.continuation != "" {
		status := model.ContinuationCompleted
		if outcome.err != nil {
			status = model.ContinuationFailed
		}
		c.finishContinuation(ctx, agent.ID, outcome.continuation, status)
	}

	if outcome.err != nil {
		c.agentFailed(ctx, session, &item, &agent, outcome)
		return
	}
	next := model.AgentStatusIdle
	if agent.Type != model.AgentTypeImplementer {
		next = model.AgentStatusDone
	}
	c.setAgentStatus(ctx, &agent, next, fmt.Sprintf("%d turns", outcome.result.Turns))
	log.Info("agent turn finished", "type", agent.Type, "turns", outcome.result.Turns, "progress_turns", outcome.result.ProgressTurns, "context_tokens", outcome.result.ContextTokens)

	var stepErr error
	switch {
	case agent.Type == model.AgentTypeReviewer:
		stepErr = c.reviewed(ctx, run, session, &item, agent, outcome.result.Output)
	case agent.Type == model.AgentTypeFixer || inPRPhase(item.Status):
		stepErr = c.landFix(ctx, run, session, &item, signal.Parse(outcome.result.Output))
	default:
		sig := signal.Parse(outcome.result.Output)
		stepErr = c.decide(ctx, run, session, &item, sig)
	}
	if stepErr != nil {
		c.retryLater(ctx, session, &item, stepErr)
	}
}

func absorb(agent *model.AgentRecord, result agentrt.Result, now time.Time) {
	agent.TurnsUsed += result.Turns
	if result.ProgressTurns > 0 {
		agent.TurnsSinceProgress = result.TurnsSinceProgress
		agent.LastProgressAt = &now
	} else {
		agent.TurnsSinceProgress += result.Turns
	}
	if result.ContextTokens > 0 {
		agent.ContextTokens = result.ContextTokens
	}
	agent.LastOutputAt = &now
}

// agentFailed handles a call the runtime gave up on. Rate limits park the
// message until the limit lifts; anything else escalates the story.
func (c *Controller) agentFailed(ctx context.Context, session *model.Session, item *model.WorkItem, agent *model.AgentRecord, outcome agentOutcome) {
	u := c.newUnit(session)
	var limited *agentrt.RateLimitError
	if errors.As(outcome.err, &limited) {
		now := u.now
		agent.RateLimitedAt = &now
		attempt := item.WaitAttempts + 1
		delay := limited.RetryAfter
		if delay <= 0 {
			delay = backoff.DelayForAttempt(attempt, c.backoff, item.Ref().String())
		}
		c.edgeCase(ctx, session, item, model.EdgeExternalOutage, outcome.err.Error(), "waiting for rate limit")
		if outcome.spawn {
			c.setAgentStatus(ctx, agent, model.AgentStatusFailed, "rate limited before the first turn")
		} else {
			c.setAgentStatus(ctx, agent, model.AgentStatusIdle, "rate limited")
			item.PendingMessage = outcome.prompt
			item.PendingReason = outcome.reason
		}
		when := now.Add(delay)
		item.WaitAttempts = attempt
		item.WaitedMS += delay.Milliseconds()
		item.NextPollAt = &when
		u.touch(item)
		if err := u.commit(ctx); err != nil {
			c.logger.Error("persist rate limit wait", "story", item.Ref().String(), "error", err)
		}
		return
	}
	if errors.Is(outcome.err, context.Canceled) {
		c.setAgentStatus(ctx, agent, model.AgentStatusIdle, "call cancelled")
		return
	}
	c.setAgentStatus(ctx, agent, model.AgentStatusFailed, outcome.err.Error())
	reason := fmt.Sprintf("agent runtime failure: %v", outcome.err)
	if err := c.escalate(ctx, u, item, reason, "runtime", model.ResolvedByConditionCleared); err != nil {
		c.logger.Error("escalate story", "story", item.Ref().String(), "error", err)
		return
	}
	if err := u.commit(ctx); err != nil {
		c.logger.Error("persist escalation", "story", item.Ref().String(), "error", err)
	}
}

// escalate blocks item and, transitively, the queued stories depending on it.
// The caller commits u.
func (c *Controller) escalate(ctx context.Context, u *unit, item *model.WorkItem, reason string, blocker string, by model.ResolvedBy) error {
	if item.Status.Terminal() {
		return nil
	}
	if err := u.moveStory(item, model.StoryBlocked, reason); err != nil {
		return err
	}
	item.BlockedReason = reason
	if blocker != "" {
		item.BlockedReason = fmt.Sprintf("%s (%s)", reason, blocker)
	}
	item.NextPollAt = nil
	item.PendingMessage = ""
	item.PendingReason = ""
	u.session.Metrics.StoriesFailed++
	c.logger.Warn("story escalated", "session_id", u.session.ID, "story", item.Ref().String(), "reason", reason, "blocker", blocker)

	items, err := c.store.ListWorkItems(ctx, u.session.ID)
	if err != nil {
		return err
	}
	graph, err := planner.NewGraph(items)
	if err != nil {
		return err
	}
	var dependents []string
	for _, ref := range graph.Dependents(item.Ref()) {
		dependent, ok := graph.Item(ref)
		if !ok || dependent.Status != model.StoryQueued {
			continue
		}
		if err := u.moveStory(&dependent, model.StoryBlockedByDependency, "depends on "+item.Ref().String()); err != nil {
			return err
		}
		dependent.BlockedReason = "depends on blocked " + item.Ref().String()
		dependents = append(dependents, ref.String())
	}
	if len(dependents) > 0 {
		sort.Strings(dependents)
		c.edgeCase(ctx, u.session, item, model.EdgeDependencyFailure, "blocks "+strings.Join(dependents, ", "), "dependents blocked")
	}

	c.retire(ctx, c.lookup(u.session.ID), u.session, item.Ref(), "", model.AgentStatusAbandoned, by, "story escalated")
	return nil
}

func (c *Controller) edgeCase(ctx context.Context, session *model.Session, item *model.WorkItem, kind model.EdgeCaseKind, detail string, resolution string) {
	event := model.EdgeCaseEvent{
		ID:         newEventID(),
		SessionID:  session.ID,
		Kind:       kind,
		Detail:     detail,
		Resolution: resolution,
		CreatedAt:  c.now().UTC(),
	}
	if item != nil {
		event.EpicID = item.EpicID
		event.StoryID = item.StoryID
		event.RetryCount = item.RetryCount
	}
	if err := c.store.InsertEdgeCase(ctx, event); err != nil {
		c.logger.Warn("record edge case", "session_id", session.ID, "kind", kind, "error", err)
		return
	}
	entity := session.ID
	if item != nil {
		entity = item.Ref().String()
	}
	c.logger.Info("edge case", "session_id", session.ID, "entity", entity, "kind", kind, "detail", detail, "resolution", resolution)
	c.publish(ctx, model.EventRecord{
		SessionID:  session.ID,
		EntityType: "story",
		EntityID:   entity,
		EventType:  "edge_case." + string(kind),
		Message:    detail,
		CreatedAt:  event.CreatedAt,
	})
}
