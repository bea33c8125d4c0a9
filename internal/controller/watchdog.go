package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"foreman/internal/model"
	"foreman/internal/recovery"
	"foreman/internal/stuck"
)

var _ recovery.Executor = (*Controller)(nil)

func (c *Controller) watch(run *sessionRun) {
	interval := c.cfg.WatchInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-run.ctx.Done():
			return
		case <-ticker.C:
			c.sweep(run)
		}
	}
}

// sweep runs the stuck rules over every working agent of the session and
// lets the recovery engine act on what is open.
func (c *Controller) sweep(run *sessionRun) {
	ctx := run.ctx
	observations := c.observations(run)
	now := c.now().UTC()
	for _, obs := range observations {
		report, err := c.detector.Observe(ctx, obs, now)
		if err != nil {
			c.logger.Warn("stuck detection", "agent_id", obs.Agent.ID, "error", err)
			continue
		}
		for _, d := range report.Opened {
			c.record(ctx, detectionEvent(d, "opened"))
		}
		for _, d := range report.Upgraded {
			c.record(ctx, detectionEvent(d, "upgraded"))
		}
		for _, d := range report.Cleared {
			c.record(ctx, detectionEvent(d, "cleared"))
			if err := c.recovery.Observe(ctx, d.ID, true); err != nil {
				c.logger.Warn("record recovery outcome", "detection_id", d.ID, "error", err)
			}
		}
		for _, d := range report.Open {
			c.recover(ctx, d)
		}
	}
	if len(observations) > 0 {
		run.poke()
	}
}

func (c *Controller) recover(ctx context.Context, detection model.StuckAgentDetection) {
	attempt, err := c.recovery.Recover(ctx, detection)
	if errors.Is(err, recovery.ErrDetectionResolved) {
		return
	}
	if err != nil {
		c.logger.Warn("recovery", "detection_id", detection.ID, "error", err)
		return
	}
	// Some actions retire the stuck agent, which resolves its detections
	// while the attempt is still pending.
	if attempt.Outcome != model.OutcomePending {
		return
	}
	current, err := c.store.GetDetection(ctx, detection.ID)
	if err != nil || !current.Resolved {
		return
	}
	if err := c.recovery.Observe(ctx, detection.ID, true); err != nil {
		c.logger.Warn("record recovery outcome", "detection_id", detection.ID, "error", err)
	}
}

func detectionEvent(d model.StuckAgentDetection, what string) model.EventRecord {
	return model.EventRecord{
		SessionID:  d.SessionID,
		EntityType: "detection",
		EntityID:   d.AgentID,
		EventType:  fmt.Sprintf("stuck.%s.%s", d.Type, what),
		ToState:    string(d.Severity),
		Message:    d.Detail,
	}
}

// observations snapshots what the stuck rules need for each agent that owns
// an active story.
func (c *Controller) observations(run *sessionRun) []stuck.Observation {
	run.mu.Lock()
	defer run.mu.Unlock()
	ctx := run.ctx
	session, err := c.store.GetSession(ctx, run.id)
	if err != nil || session.State.Terminal() || session.State == model.SessionPaused {
		return nil
	}
	items, err := c.store.ListWorkItems(ctx, run.id)
	if err != nil {
		c.logger.Warn("load work items for stuck detection", "session_id", run.id, "error", err)
		return nil
	}
	var out []stuck.Observation
	for _, item := range items {
		if !item.Status.Active() || item.AgentID == "" {
			continue
		}
		agent, err := c.store.GetAgent(ctx, item.AgentID)
		if err != nil || agent.Status.Terminal() {
			continue
		}
		obs := stuck.Observation{
			Agent:             agent,
			LastPushAt:        item.LastPushAt,
			ReviewRequestedAt: item.ReviewRequestedAt,
			Mergeable:         item.Mergeable,
			ConflictingFiles:  item.ConflictingFiles,
		}
		checks, err := c.store.LatestCIChecks(ctx, session.ID, item.Ref())
		if err != nil {
			c.logger.Warn("load ci checks for stuck detection", "story", item.Ref().String(), "error", err)
		}
		for _, check := range checks {
			if check.UpdatedAt.After(obs.LastCIUpdate) {
				obs.LastCIUpdate = check.UpdatedAt
			}
			if check.Conclusion == model.CheckPending {
				obs.CIPending = true
			}
		}
		out = append(out, obs)
	}
	return out
}

// Execute carries out one recovery action for detection. It runs between two
// decisions of the session's loop.
func (c *Controller) Execute(ctx context.Context, detection model.StuckAgentDetection, action model.RecoveryAction) (string, error) {
	run := c.lookup(detection.SessionID)
	if run == nil {
		return "", fmt.Errorf("session %s has no running loop", detection.SessionID)
	}
	detail, err := c.execute(ctx, run, detection, action)
	event := model.EventRecord{
		SessionID:  detection.SessionID,
		EntityType: "recovery",
		EntityID:   detection.ID,
		EventType:  string(action),
		ToState:    "started",
		Message:    detail,
	}
	if err != nil {
		event.ToState = "failed"
		event.Message = err.Error()
	}
	c.record(ctx, event)
	run.poke()
	return detail, err
}

func (c *Controller) execute(ctx context.Context, run *sessionRun, detection model.StuckAgentDetection, action model.RecoveryAction) (string, error) {
	run.mu.Lock()
	defer run.mu.Unlock()

	session, err := c.store.GetSession(ctx, detection.SessionID)
	if err != nil {
		return "", err
	}
	if session.State.Terminal() {
		return "", fmt.Errorf("recover in session %s: %w", session.ID, ErrSessionTerminal)
	}
	ref := model.WorkRef{EpicID: detection.EpicID, StoryID: detection.StoryID}
	item, err := c.store.GetWorkItem(ctx, session.ID, ref)
	if err != nil {
		return "", err
	}
	if !item.Status.Active() {
		return "", fmt.Errorf("story %s is %s", ref, item.Status)
	}
	agent, err := c.store.GetAgent(ctx, detection.AgentID)
	if err != nil {
		return "", err
	}
	log := c.logger.With("session_id", session.ID, "story", ref.String(), "agent_id", agent.ID, "stuck_type", detection.Type)

	switch action {
	case model.ActionPauseAlert:
		c.record(ctx, model.EventRecord{
			SessionID:  session.ID,
			EntityType: "alert",
			EntityID:   agent.ID,
			EventType:  "stuck." + string(detection.Type),
			ToState:    string(detection.Severity),
			Message:    detection.Detail,
		})
		if detection.Type == model.StuckContextLimitApproaching {
			c.edgeCase(ctx, &session, &item, model.EdgeContextOverflow, detection.Detail, "operator alerted")
		}
		log.Warn("stuck agent needs attention", "detail", detection.Detail)
		return "operator alerted", nil

	case model.ActionModelEscalation:
		next := agent.Tier.Next()
		if next == agent.Tier {
			return "", fmt.Errorf("agent %s already runs on the %s tier", agent.ID, agent.Tier)
		}
		agent.Tier = next
		agent.Model = c.cfg.ModelFor(next)
		if err := c.store.UpsertAgent(ctx, agent); err != nil {
			return "", err
		}
		u := c.newUnit(&session)
		item.ModelTier = next
		u.touch(&item)
		detail := fmt.Sprintf("escalated to %s (%s)", next, agent.Model)
		if run.busy[ref] != "" {
			return detail + " from the next turn", u.commit(ctx)
		}
		reason, message := model.ContinueAdditionalTask, nudgeMessage(item, detection.Detail)
		if item.Status == model.StoryPRMonitoring {
			if err := u.moveStory(&item, model.StoryPRFixing, "model escalation"); err != nil {
				return "", err
			}
			reason, message = model.ContinueTestFailures, ciFixPrompt(item, c.unsettledChecks(ctx, session.ID, ref))
		}
		if err := u.commit(ctx); err != nil {
			return "", err
		}
		if agent.Status.Terminal() || agent.Handle == "" {
			return detail, c.respawn(ctx, run, &session, &item, message)
		}
		return detail, c.continueAgent(ctx, run, agent, item.WorktreePath, reason, message, "")

	case model.ActionSpawnFixer:
		if !inPRPhase(item.Status) {
			return "", fmt.Errorf("story %s has no pull request to fix", ref)
		}
		prompt := ciFixPrompt(item, c.unsettledChecks(ctx, session.ID, ref))
		if detection.Type == model.StuckMergeConflict {
			prompt = conflictFixPrompt(item, session.Config.BaseBranch)
		}
		c.retire(ctx, run, &session, ref, "", model.AgentStatusAbandoned, model.ResolvedByRecovery, "replaced by fixer")
		u := c.newUnit(&session)
		if err := u.moveStory(&item, model.StoryPRFixing, "fixer for "+string(detection.Type)); err != nil {
			return "", err
		}
		tier := item.ModelTier
		if tier == "" {
			tier = model.TierStandard
		}
		fixer := c.newAgent(&session, &item, model.AgentTypeFixer, tier, "")
		item.PendingMessage = ""
		item.PendingReason = ""
		u.touch(&item)
		if err := u.commit(ctx); err != nil {
			return "", err
		}
		return "fixer " + fixer.ID + " spawned", c.launch(ctx, run, fixer, item.WorktreePath, prompt)

	case model.ActionForkRetry:
		u := c.newUnit(&session)
		if item.Status == model.StoryReviewing {
			if err := u.moveStory(&item, model.StoryExecuting, "forked retry"); err != nil {
				return "", err
			}
		}
		item.PendingMessage = ""
		item.PendingReason = ""
		u.touch(&item)
		if err := u.commit(ctx); err != nil {
			return "", err
		}
		if err := c.respawn(ctx, run, &session, &item, forkNote(detection.Detail)); err != nil {
			return "", err
		}
		return "forked to " + item.AgentID, nil

	case model.ActionEscalateToParent:
		u := c.newUnit(&session)
		reason := fmt.Sprintf("stuck agent: %s (%s)", detection.Type, detection.Detail)
		if err := c.escalate(ctx, u, &item, reason, "stuck_agent", model.ResolvedByRecovery); err != nil {
			return "", err
		}
		if err := u.commit(ctx); err != nil {
			return "", err
		}
		return "story escalated", nil
	}
	return "", fmt.Errorf("unknown recovery action %q", action)
}

func (c *Controller) unsettledChecks(ctx context.Context, sessionID string, ref model.WorkRef) []string {
	checks, err := c.store.LatestCIChecks(ctx, sessionID, ref)
	if err != nil {
		return nil
	}
	var names []string
	for _, check := range checks {
		switch check.Conclusion {
		case model.CheckSuccess, model.CheckSkipped:
			continue
		}
		names = append(names, fmt.Sprintf("%s (%s)", check.Name, check.Conclusion))
	}
	return names
}
