package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"foreman/internal/agentrt"
	"foreman/internal/hsm"
	"foreman/internal/model"
	"foreman/internal/store"
)

// agentOutcome is what a finished agent call reports back to the loop.
type agentOutcome struct {
	agent        model.AgentRecord
	handle       agentrt.Handle
	spawn        bool
	prompt       string
	reason       model.ContinuationReason
	continuation string
	result       agentrt.Result
	err          error
}

type agentCall struct {
	agent        model.AgentRecord
	workdir      string
	prompt       string
	reason       model.ContinuationReason
	continuation string
	spawn        bool
}

func newEventID() string {
	return uuid.NewString()
}

// newAgent builds the record of an agent about to be spawned for item. It
// does not persist anything; the caller commits the story change first and
// then launches.
func (c *Controller) newAgent(session *model.Session, item *model.WorkItem, agentType model.AgentType, tier model.ModelTier, modelName string) model.AgentRecord {
	now := c.now().UTC()
	if modelName == "" {
		modelName = c.cfg.ModelFor(tier)
	}
	agent := model.AgentRecord{
		ID:            agentrt.NewAgentID(),
		SessionID:     session.ID,
		EpicID:        item.EpicID,
		StoryID:       item.StoryID,
		Type:          agentType,
		Model:         modelName,
		Tier:          tier,
		Status:        model.AgentStatusPending,
		MaxTurns:      c.cfg.Runtime.MaxTurns,
		ContextWindow: c.cfg.Runtime.ContextWindow,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if agentType != model.AgentTypeReviewer {
		item.AgentID = agent.ID
		session.CurrentAgentID = agent.ID
	}
	session.Metrics.AgentsSpawned++
	return agent
}

// launch persists a new agent and starts its first turn.
func (c *Controller) launch(ctx context.Context, run *sessionRun, agent model.AgentRecord, workdir string, prompt string) error {
	if err := c.store.UpsertAgent(ctx, agent); err != nil {
		return fmt.Errorf("persist agent %s: %w", agent.ID, err)
	}
	c.record(ctx, model.EventRecord{
		SessionID:  agent.SessionID,
		EntityType: "agent",
		EntityID:   agent.ID,
		EventType:  "spawned",
		ToState:    string(model.AgentStatusPending),
		Message:    fmt.Sprintf("%s for %s on %s (%s)", agent.Type, agent.Ref(), agent.Model, agent.Tier),
	})
	c.logger.Info("agent spawned",
		"session_id", agent.SessionID,
		"story", agent.Ref().String(),
		"agent_id", agent.ID,
		"type", agent.Type,
		"model", agent.Model,
		"tier", agent.Tier,
	)
	c.setAgentStatus(ctx, &agent, model.AgentStatusRunning, "first turn")
	c.dispatch(run, agentCall{agent: agent, workdir: workdir, prompt: prompt, spawn: true})
	return nil
}

// continueAgent sends message to an existing agent conversation. The agent
// keeps its ID; only its model changes when tier differs from the current one.
func (c *Controller) continueAgent(ctx context.Context, run *sessionRun, agent model.AgentRecord, workdir string, reason model.ContinuationReason, message string, tier model.ModelTier) error {
	if tier != "" && tier.Rank() > agent.Tier.Rank() {
		c.logger.Info("raising agent tier", "agent_id", agent.ID, "from", agent.Tier, "to", tier)
		agent.Tier = tier
		agent.Model = c.cfg.ModelFor(tier)
	}
	now := c.now().UTC()
	continuation := model.AgentContinuation{
		ID:        uuid.NewString(),
		AgentID:   agent.ID,
		SessionID: agent.SessionID,
		Reason:    reason,
		Message:   message,
		Status:    model.ContinuationPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.InsertContinuation(ctx, continuation); err != nil {
		return fmt.Errorf("record continuation for %s: %w", agent.ID, err)
	}
	c.record(ctx, model.EventRecord{
		SessionID:  agent.SessionID,
		EntityType: "agent",
		EntityID:   agent.ID,
		EventType:  "continued",
		Message:    string(reason),
	})
	c.setAgentStatus(ctx, &agent, model.AgentStatusRunning, "continued: "+string(reason))
	c.dispatch(run, agentCall{agent: agent, workdir: workdir, prompt: message, reason: reason, continuation: continuation.ID})
	return nil
}

// dispatch runs one agent call beside the loop. The call waits for a slot of
// the session's concurrency budget and always reports back unless the
// session loop is gone.
func (c *Controller) dispatch(run *sessionRun, call agentCall) {
	ref := call.agent.Ref()
	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if timeout := c.cfg.AgentTimeout(); timeout > 0 {
		callCtx, cancel = context.WithTimeout(run.ctx, timeout)
	} else {
		callCtx, cancel = context.WithCancel(run.ctx)
	}
	run.busy[ref] = call.agent.ID
	run.calls[call.agent.ID] = cancel

	run.wg.Add(1)
	go func() {
		defer run.wg.Done()
		defer cancel()
		outcome := agentOutcome{agent: call.agent, spawn: call.spawn, prompt: call.prompt, reason: call.reason, continuation: call.continuation}
		outcome.result, outcome.handle, outcome.err = c.call(callCtx, run, call)
		select {
		case run.results <- outcome:
		case <-run.ctx.Done():
		}
	}()
}

func (c *Controller) call(ctx context.Context, run *sessionRun, call agentCall) (agentrt.Result, agentrt.Handle, error) {
	if err := run.sem.Acquire(ctx, 1); err != nil {
		return agentrt.Result{}, agentrt.Handle{}, err
	}
	defer run.sem.Release(1)

	agent := call.agent
	observer := agentrt.ObserverFunc(func(agentID string, msg agentrt.Message) {
		if msg.Turn {
			c.logger.Debug("agent turn", "agent_id", agentID, "progress", msg.Progress, "tokens", msg.Tokens)
		}
	})
	var (
		handle agentrt.Handle
		stream agentrt.MessageStream
		err    error
	)
	if call.spawn {
		handle, stream, err = c.runtime.Spawn(ctx, agentrt.SpawnRequest{
			AgentID:  agent.ID,
			Type:     agent.Type,
			Model:    agent.Model,
			Prompt:   call.prompt,
			Workdir:  call.workdir,
			MaxTurns: agent.MaxTurns,
		})
	} else {
		handle = agentrt.Handle{AgentID: agent.ID, Session: agent.Handle, Model: agent.Model, Workdir: call.workdir}
		stream, err = c.runtime.Continue(ctx, handle, call.prompt)
		if err == nil && call.continuation != "" {
			c.finishContinuation(ctx, agent.ID, call.continuation, model.ContinuationDelivered)
		}
	}
	if err != nil {
		return agentrt.Result{}, handle, err
	}
	result, err := agentrt.Drain(ctx, agent.ID, stream, observer)
	return result, handle, err
}

func (c *Controller) finishContinuation(ctx context.Context, agentID string, id string, status model.ContinuationStatus) {
	continuations, err := c.store.ListContinuations(ctx, agentID)
	if err != nil {
		c.logger.Warn("load continuations", "agent_id", agentID, "error", err)
		return
	}
	for _, continuation := range continuations {
		if continuation.ID != id {
			continue
		}
		continuation.Status = status
		continuation.UpdatedAt = c.now().UTC()
		if err := c.store.UpdateContinuation(ctx, continuation); err != nil {
			c.logger.Warn("update continuation", "agent_id", agentID, "continuation_id", id, "error", err)
		}
		return
	}
}

// setAgentStatus persists agent with status when the agent state machine
// allows the edge. Refused edges are logged and leave the record alone.
func (c *Controller) setAgentStatus(ctx context.Context, agent *model.AgentRecord, status model.AgentStatus, message string) {
	from := agent.Status
	if !hsm.CanTransitionAgent(from, status) {
		if status == model.AgentStatusDone && !from.Terminal() {
			status = model.AgentStatusAbandoned
		} else {
			c.logger.Debug("agent transition refused", "agent_id", agent.ID, "from", from, "to", status)
			return
		}
	}
	agent.Status = status
	agent.UpdatedAt = c.now().UTC()
	if err := c.store.UpsertAgent(ctx, *agent); err != nil {
		c.logger.Error("persist agent", "agent_id", agent.ID, "error", err)
		return
	}
	if from == status {
		return
	}
	c.record(ctx, model.EventRecord{
		SessionID:  agent.SessionID,
		EntityType: "agent",
		EntityID:   agent.ID,
		EventType:  "transition",
		FromState:  string(from),
		ToState:    string(status),
		Message:    message,
	})
}

// owner returns the agent currently responsible for item's work, or false
// when there is none that can take another message.
func (c *Controller) owner(ctx context.Context, item *model.WorkItem) (model.AgentRecord, bool, error) {
	if item.AgentID == "" {
		return model.AgentRecord{}, false, nil
	}
	agent, err := c.store.GetAgent(ctx, item.AgentID)
	if errors.Is(err, store.ErrNotFound) {
		return model.AgentRecord{}, false, nil
	}
	if err != nil {
		return model.AgentRecord{}, false, err
	}
	if agent.Status.Terminal() || agent.Handle == "" {
		return agent, false, nil
	}
	return agent, true, nil
}

// retire ends every live agent of ref other than keep.
func (c *Controller) retire(ctx context.Context, run *sessionRun, session *model.Session, ref model.WorkRef, keep string, status model.AgentStatus, by model.ResolvedBy, message string) {
	agents, err := c.store.ListAgents(ctx, session.ID)
	if err != nil {
		c.logger.Warn("list agents", "session_id", session.ID, "error", err)
		return
	}
	for i := range agents {
		agent := &agents[i]
		if agent.Ref() != ref || agent.ID == keep || agent.Status.Terminal() {
			continue
		}
		if run != nil {
			if cancel, ok := run.calls[agent.ID]; ok {
				cancel()
			}
		}
		c.setAgentStatus(ctx, agent, status, message)
		if _, err := c.detector.ResolveAll(ctx, agent.ID, by, c.now()); err != nil {
			c.logger.Warn("resolve detections", "agent_id", agent.ID, "error", err)
		}
	}
}
