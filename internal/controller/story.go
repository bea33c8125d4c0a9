package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"foreman/internal/decision"
	"foreman/internal/evaluation"
	"foreman/internal/model"
	"foreman/internal/platform"
	"foreman/internal/signal"
	"foreman/internal/store"
	"foreman/internal/worktree"
)

// settledSignal stands in for agent output when a story is re-decided from
// persisted evidence alone: the agent already declared its work complete.
var settledSignal = signal.Result{Parsed: true, Signal: signal.Complete, Fields: map[string]string{}}

func inPRPhase(status model.StoryStatus) bool {
	switch status {
	case model.StoryPRCreation, model.StoryPRMonitoring, model.StoryPRFixing, model.StoryPRMerging:
		return true
	}
	return false
}

func (c *Controller) worktreeOf(item *model.WorkItem) worktree.Worktree {
	return worktree.Worktree{ID: item.WorktreeID, Path: item.WorktreePath, Branch: item.Branch}
}

// startStory claims a ready story, gives it a checkout and spawns its
// implementer.
func (c *Controller) startStory(ctx context.Context, run *sessionRun, session *model.Session, item *model.WorkItem, depth int) error {
	u := c.newUnit(session)
	if err := c.store.ClaimStory(ctx, session.ID, item.Ref()); err != nil {
		if !errors.Is(err, store.ErrStoryClaimed) {
			return err
		}
		holder, _ := c.store.ClaimHolder(ctx, item.Ref())
		if err := c.escalate(ctx, u, item, "story is claimed by session "+holder, "claimed", model.ResolvedByConditionCleared); err != nil {
			return err
		}
		return u.commit(ctx)
	}

	if item.WorktreePath == "" {
		if c.worktrees != nil {
			wt, err := c.worktrees.Create(ctx, item.Ref().String(), session.Config.BaseBranch)
			if err != nil {
				return fmt.Errorf("create worktree: %w", err)
			}
			item.WorktreeID, item.WorktreePath, item.Branch = wt.ID, wt.Path, wt.Branch
		} else {
			item.WorktreePath = c.repoRoot
		}
	}

	var severity model.IssueSeverity
	if item.RetryCount > 0 {
		if review, err := c.store.LatestReview(ctx, session.ID, item.Ref()); err == nil && review != nil {
			severity = review.MaxSeverity()
		}
	}
	override := session.Config.ModelOverride
	if item.ForceTier != "" {
		override = string(item.ForceTier)
	}
	selection := c.selector.Select(taskFor(*item, depth), item.RetryCount, severity, override)
	item.ModelTier = selection.Tier

	agent := c.newAgent(session, item, model.AgentTypeImplementer, selection.Tier, selection.Model)
	if err := u.moveStory(item, model.StoryExecuting, selection.Reasoning()); err != nil {
		return err
	}
	if err := u.commit(ctx); err != nil {
		return err
	}
	return c.launch(ctx, run, agent, item.WorktreePath, implementationPrompt(*item, c.cfg.Runtime.MaxTurns))
}

// advance moves a story that no agent is working on by one step, based on
// its persisted phase.
func (c *Controller) advance(ctx context.Context, run *sessionRun, session *model.Session, item *model.WorkItem) error {
	switch item.Status {
	case model.StoryExecuting:
		if item.PendingMessage != "" {
			return c.deliverPending(ctx, run, session, item)
		}
		agent, alive, err := c.owner(ctx, item)
		if err != nil {
			return err
		}
		if alive && item.LastSignal != "" {
			return c.decide(ctx, run, session, item, signal.Result{Parsed: true, Signal: signal.Signal(item.LastSignal), Fields: map[string]string{}})
		}
		if alive {
			return c.continueAgent(ctx, run, agent, item.WorktreePath, model.ContinueAdditionalTask, resumeMessage(*item), "")
		}
		return c.respawn(ctx, run, session, item, "")
	case model.StoryReviewing:
		latest, err := c.store.LatestReview(ctx, session.ID, item.Ref())
		if err != nil {
			return err
		}
		if evaluation.FreshReview(*item, latest) != nil {
			return c.decide(ctx, run, session, item, settledSignal)
		}
		return c.requestReview(ctx, run, session, item)
	case model.StoryPRCreation:
		return c.openPR(ctx, run, session, item)
	case model.StoryPRMonitoring:
		return c.pollPR(ctx, run, session, item)
	case model.StoryPRFixing:
		if item.PendingMessage != "" {
			return c.deliverPending(ctx, run, session, item)
		}
		return c.landFix(ctx, run, session, item, settledSignal)
	case model.StoryPRMerging:
		return c.merge(ctx, run, session, item)
	case model.StoryCompleting:
		return c.finish(ctx, run, session, item)
	}
	return nil
}

// deliverPending hands a parked message to the story's agent, respawning it
// when the conversation is gone.
func (c *Controller) deliverPending(ctx context.Context, run *sessionRun, session *model.Session, item *model.WorkItem) error {
	message, reason := item.PendingMessage, item.PendingReason
	if reason == "" {
		reason = model.ContinueAdditionalTask
	}
	u := c.newUnit(session)
	item.PendingMessage = ""
	item.PendingReason = ""
	item.NextPollAt = nil
	u.touch(item)
	agent, alive, err := c.owner(ctx, item)
	if err != nil {
		return err
	}
	if !alive {
		if err := u.commit(ctx); err != nil {
			return err
		}
		return c.respawn(ctx, run, session, item, message)
	}
	if err := u.commit(ctx); err != nil {
		return err
	}
	return c.continueAgent(ctx, run, agent, item.WorktreePath, reason, message, "")
}

// respawn replaces the story's agent with a fresh implementer on the story's
// tier, carrying note on top of the implementation brief.
func (c *Controller) respawn(ctx context.Context, run *sessionRun, session *model.Session, item *model.WorkItem, note string) error {
	tier := item.ModelTier
	if tier == "" {
		tier = model.TierStandard
	}
	c.retire(ctx, run, session, item.Ref(), "", model.AgentStatusAbandoned, model.ResolvedByRecovery, "replaced")
	u := c.newUnit(session)
	agent := c.newAgent(session, item, model.AgentTypeImplementer, tier, "")
	u.touch(item)
	if err := u.commit(ctx); err != nil {
		return err
	}
	prompt := implementationPrompt(*item, c.cfg.Runtime.MaxTurns)
	if note != "" {
		prompt += "\n\n" + note
	}
	return c.launch(ctx, run, agent, item.WorktreePath, prompt)
}

// decide evaluates the story against sig and applies what the decision
// engine makes of it.
func (c *Controller) decide(ctx context.Context, run *sessionRun, session *model.Session, item *model.WorkItem, sig signal.Result) error {
	if sig.Parsed {
		item.LastSignal = string(sig.Signal)
		evaluation.NoteReported(item, sig)
	}
	var eval *model.WorkEvaluation
	if sig.Parsed && sig.Signal != signal.Blocked && sig.Signal != signal.Waiting && sig.Signal != signal.ReviewPending {
		result, err := c.evaluator.Evaluate(ctx, *item, sig)
		if err != nil {
			return err
		}
		eval = &result
	}
	latest, err := c.store.LatestReview(ctx, session.ID, item.Ref())
	if err != nil {
		return err
	}
	review := evaluation.FreshReview(*item, latest)
	state := decision.State{
		Ref:              item.Ref(),
		Phase:            item.Status,
		ReviewIterations: item.ReviewIterations,
		CIFixIterations:  item.CIFixIterations,
		WaitAttempts:     item.WaitAttempts,
		Waited:           time.Duration(item.WaitedMS) * time.Millisecond,
		Review:           review,
		HasPR:            item.PRNumber > 0,
	}
	d := c.engine.Evaluate(state, sig, eval)
	c.logger.Info("decision",
		"session_id", session.ID,
		"story", item.Ref().String(),
		"phase", item.Status,
		"signal", sig.Signal,
		"decision", d.String(),
	)
	return c.apply(ctx, run, session, item, d, review)
}

func (c *Controller) apply(ctx context.Context, run *sessionRun, session *model.Session, item *model.WorkItem, d decision.Decision, review *model.CodeReviewResult) error {
	u := c.newUnit(session)
	if d.Kind != decision.KindWait {
		item.WaitAttempts = 0
		item.WaitedMS = 0
	}
	item.NextPollAt = nil
	u.event("story", item.Ref().String(), "decision", string(item.Status), string(item.Status), d.String())

	switch d.Kind {
	case decision.KindEscalate:
		if d.EdgeCase != "" {
			c.edgeCase(ctx, session, item, d.EdgeCase, d.Reason, "escalated")
		}
		if err := c.escalate(ctx, u, item, d.Reason, d.Blocker, model.ResolvedByConditionCleared); err != nil {
			return err
		}
		return u.commit(ctx)

	case decision.KindWait:
		if d.Iteration > 0 {
			item.WaitAttempts = d.Iteration
			item.WaitedMS += d.Wait.Milliseconds()
			item.PendingMessage = waitElapsedMessage(*item, d.Reason)
			item.PendingReason = model.ContinueAdditionalTask
			if item.Status == model.StoryReviewing || d.Reason == decision.ReasonAwaiting {
				item.PendingMessage = ""
				item.PendingReason = ""
			}
		}
		when := u.now.Add(d.Wait)
		item.NextPollAt = &when
		u.touch(item)
		return u.commit(ctx)

	case decision.KindContinueAgent:
		switch d.ContinuationReason {
		case model.ContinueReviewFeedback:
			item.ReviewIterations = d.Iteration
		case model.ContinueTestFailures:
			item.CIFixIterations = d.Iteration
		}
		item.BuildStatus = ""
		item.LintStatus = ""
		target := model.StoryExecuting
		if inPRPhase(item.Status) {
			target = model.StoryPRFixing
		}
		if err := u.moveStory(item, target, d.String()); err != nil {
			return err
		}
		var tier model.ModelTier
		if review != nil && review.MaxSeverity() == model.SeverityCritical {
			tier = model.TierCapable
			item.ModelTier = tier
		}
		agent, alive, err := c.owner(ctx, item)
		if err != nil {
			return err
		}
		if !alive {
			if err := u.commit(ctx); err != nil {
				return err
			}
			return c.respawn(ctx, run, session, item, d.Message)
		}
		if err := u.commit(ctx); err != nil {
			return err
		}
		return c.continueAgent(ctx, run, agent, item.WorktreePath, d.ContinuationReason, d.Message, tier)

	case decision.KindTriggerReview:
		if err := u.commit(ctx); err != nil {
			return err
		}
		return c.requestReview(ctx, run, session, item)

	case decision.KindCompleteWork:
		return c.complete(ctx, run, session, item, u)

	case decision.KindSpawnAgent:
		u.touch(item)
		return u.commit(ctx)
	}
	return fmt.Errorf("unhandled decision %s", d.Kind)
}

// requestReview spawns a reviewer for the story's current revision. Outside
// the pull request phases the story moves to reviewing.
func (c *Controller) requestReview(ctx context.Context, run *sessionRun, session *model.Session, item *model.WorkItem) error {
	u := c.newUnit(session)
	if item.Status == model.StoryExecuting {
		if err := u.moveStory(item, model.StoryReviewing, "review requested"); err != nil {
			return err
		}
	}
	c.retire(ctx, run, session, item.Ref(), item.AgentID, model.AgentStatusAbandoned, model.ResolvedByConditionCleared, "superseded reviewer")
	now := u.now
	item.ReviewRequestedAt = &now
	item.PendingMessage = ""
	item.PendingReason = ""
	tier := item.ModelTier
	if tier == "" {
		tier = model.TierStandard
	}
	reviewer := c.newAgent(session, item, model.AgentTypeReviewer, tier, "")
	u.touch(item)
	if err := u.commit(ctx); err != nil {
		return err
	}
	diff := ""
	if item.PRURL != "" {
		diff = item.PRURL
	}
	return c.launch(ctx, run, reviewer, item.WorktreePath, reviewPrompt(*item, item.ReviewIterations+1, diff))
}

// reviewed records a reviewer's verdict and decides on it.
func (c *Controller) reviewed(ctx context.Context, run *sessionRun, session *model.Session, item *model.WorkItem, reviewer model.AgentRecord, output string) error {
	sig := signal.Parse(output)
	if sig.Is(signal.ReviewPending) {
		return c.decide(ctx, run, session, item, sig)
	}
	review, ok := signal.Review(sig)
	if !ok {
		u := c.newUnit(session)
		if err := c.escalate(ctx, u, item, "reviewer returned no verdict", "review", model.ResolvedByConditionCleared); err != nil {
			return err
		}
		return u.commit(ctx)
	}
	review.ID = uuid.NewString()
	review.SessionID = session.ID
	review.EpicID = item.EpicID
	review.StoryID = item.StoryID
	review.Iteration = item.ReviewIterations + 1
	review.Reviewer = reviewer.ID
	review.CreatedAt = c.now().UTC()
	if err := c.store.InsertReview(ctx, review); err != nil {
		return err
	}
	if review.Verdict == model.VerdictApproved {
		session.Metrics.ReviewsPassed++
	} else {
		session.Metrics.ReviewsFailed++
	}
	item.ReviewRequestedAt = nil
	c.record(ctx, model.EventRecord{
		SessionID:  session.ID,
		EntityType: "story",
		EntityID:   item.Ref().String(),
		EventType:  "reviewed",
		Message:    fmt.Sprintf("iteration %d: %s (%d issues)", review.Iteration, review.Verdict, len(review.Issues)),
	})
	return c.decide(ctx, run, session, item, settledSignal)
}

// complete finishes an approved story: locally when there is no code host,
// otherwise through its pull request.
func (c *Controller) complete(ctx context.Context, run *sessionRun, session *model.Session, item *model.WorkItem, u *unit) error {
	switch {
	case c.host == nil:
		if c.worktrees != nil && item.WorktreeID != "" {
			if _, err := c.worktrees.CommitAll(ctx, c.worktreeOf(item), commitMessage(*item)); err != nil {
				return err
			}
		}
		if err := u.moveStory(item, model.StoryCompleting, "approved"); err != nil {
			return err
		}
		if err := u.commit(ctx); err != nil {
			return err
		}
		return c.finish(ctx, run, session, item)

	case item.PRNumber == 0:
		if err := u.moveStory(item, model.StoryPRCreation, "approved"); err != nil {
			return err
		}
		if err := u.commit(ctx); err != nil {
			return err
		}
		return c.openPR(ctx, run, session, item)

	case session.Config.AutoMerge:
		if err := u.moveStory(item, model.StoryPRMerging, "approved with green checks"); err != nil {
			return err
		}
		if err := u.commit(ctx); err != nil {
			return err
		}
		return c.merge(ctx, run, session, item)
	}

	if item.Status != model.StoryPRMonitoring {
		if err := u.moveStory(item, model.StoryPRMonitoring, "awaiting merge"); err != nil {
			return err
		}
	}
	when := u.now.Add(c.cfg.PollInterval())
	item.NextPollAt = &when
	c.logger.Debug("pull request ready, waiting for a merge", "story", item.Ref().String(), "number", item.PRNumber)
	u.touch(item)
	return u.commit(ctx)
}

func (c *Controller) requireBranch(item *model.WorkItem) error {
	if strings.TrimSpace(item.Branch) == "" {
		return fmt.Errorf("story %s has no branch; pull requests need worktrees", item.Ref())
	}
	return nil
}

// push commits whatever the agent left behind and pushes the story branch.
func (c *Controller) push(ctx context.Context, item *model.WorkItem) error {
	if err := c.requireBranch(item); err != nil {
		return err
	}
	if c.worktrees != nil {
		if _, err := c.worktrees.CommitAll(ctx, c.worktreeOf(item), commitMessage(*item)); err != nil {
			return err
		}
	}
	if err := c.host.Push(ctx, item.WorktreePath, item.Branch); err != nil {
		return err
	}
	now := c.now().UTC()
	item.LastPushAt = &now
	return nil
}

// openPR pushes the story branch and opens its pull request; a story that
// already has one keeps it.
func (c *Controller) openPR(ctx context.Context, run *sessionRun, session *model.Session, item *model.WorkItem) error {
	if c.host == nil {
		return c.finish(ctx, run, session, item)
	}
	if err := c.push(ctx, item); err != nil {
		return err
	}
	u := c.newUnit(session)
	if item.PRNumber == 0 {
		pr, err := c.host.CreatePullRequest(ctx, platform.CreatePullRequestInput{
			Dir:   item.WorktreePath,
			Base:  session.Config.BaseBranch,
			Head:  item.Branch,
			Title: fmt.Sprintf("%s: %s", item.Ref(), item.Title),
			Body:  pullRequestBody(*item),
		})
		if err != nil {
			return err
		}
		item.PRNumber = pr.Number
		item.PRURL = pr.URL
		opened := u.now
		item.PROpenedAt = &opened
	}
	if err := u.moveStory(item, model.StoryPRMonitoring, fmt.Sprintf("pull request #%d", item.PRNumber)); err != nil {
		return err
	}
	when := u.now.Add(c.cfg.PollInterval())
	item.NextPollAt = &when
	return u.commit(ctx)
}

// pollPR refreshes the pull request, its checks and host reviews, then
// decides on the combined evidence.
func (c *Controller) pollPR(ctx context.Context, run *sessionRun, session *model.Session, item *model.WorkItem) error {
	if c.host == nil || item.PRNumber == 0 {
		return c.finish(ctx, run, session, item)
	}
	pr, err := c.host.PullRequest(ctx, item.WorktreePath, item.PRNumber)
	if err != nil {
		return err
	}
	switch pr.State {
	case platform.PullRequestMerged:
		return c.finish(ctx, run, session, item)
	case platform.PullRequestClosed:
		u := c.newUnit(session)
		if err := c.escalate(ctx, u, item, fmt.Sprintf("pull request #%d was closed without merging", item.PRNumber), "pr_closed", model.ResolvedByConditionCleared); err != nil {
			return err
		}
		return u.commit(ctx)
	}

	u := c.newUnit(session)
	item.Mergeable = pr.Mergeable
	if pr.Mergeable != nil && !*pr.Mergeable {
		var files []string
		if c.worktrees != nil && item.WorktreeID != "" {
			files, err = c.worktrees.ConflictingFiles(ctx, c.worktreeOf(item), session.Config.BaseBranch)
			if err != nil {
				c.logger.Warn("list conflicting files", "story", item.Ref().String(), "error", err)
			}
		}
		if len(files) == 0 {
			files = []string{"(unknown)"}
		}
		if len(item.ConflictingFiles) == 0 {
			c.edgeCase(ctx, session, item, model.EdgeMergeConflict, strings.Join(files, ", "), "awaiting conflict resolution")
		}
		item.ConflictingFiles = files
	} else {
		item.ConflictingFiles = nil
	}
	if err := c.syncChecks(ctx, session, item); err != nil {
		return err
	}
	if err := c.syncReviews(ctx, session, item); err != nil {
		return err
	}
	u.touch(item)
	if err := u.commit(ctx); err != nil {
		return err
	}
	return c.decide(ctx, run, session, item, settledSignal)
}

// syncChecks records check conclusions that changed since the last poll. A
// check going from failure to success without a push in between is noted as
// flaky.
func (c *Controller) syncChecks(ctx context.Context, session *model.Session, item *model.WorkItem) error {
	checks, err := c.host.Checks(ctx, item.WorktreePath, item.PRNumber)
	if err != nil {
		return err
	}
	previous, err := c.store.LatestCIChecks(ctx, session.ID, item.Ref())
	if err != nil {
		return err
	}
	byName := map[string]model.CiCheckResult{}
	for _, check := range previous {
		byName[check.Name] = check
	}
	now := c.now().UTC()
	for _, check := range checks {
		updated := check.CompletedAt
		if updated.IsZero() {
			updated = check.StartedAt
		}
		if updated.IsZero() {
			updated = now
		}
		record := model.CiCheckResult{
			ID:         uuid.NewString(),
			SessionID:  session.ID,
			EpicID:     item.EpicID,
			StoryID:    item.StoryID,
			Name:       check.Name,
			Conclusion: check.Conclusion,
			DetailsURL: check.DetailsURL,
			UpdatedAt:  updated,
			CreatedAt:  now,
		}
		prev, written, err := c.store.RecordCICheck(ctx, record)
		if err != nil {
			return err
		}
		if !written {
			continue
		}
		c.logger.Info("ci check changed", "story", item.Ref().String(), "check", check.Name, "from", prev, "to", check.Conclusion)
		before, seen := byName[check.Name]
		if seen && prev == model.CheckFailure && check.Conclusion == model.CheckSuccess &&
			(item.LastPushAt == nil || item.LastPushAt.Before(before.CreatedAt)) {
			c.edgeCase(ctx, session, item, model.EdgeFlakyTest, fmt.Sprintf("check %s went from failure to success without a push", check.Name), "treated as green")
		}
	}
	return nil
}

// syncReviews imports reviews submitted on the host since the last poll as
// reviews of the current revision.
func (c *Controller) syncReviews(ctx context.Context, session *model.Session, item *model.WorkItem) error {
	reviews, err := c.host.Reviews(ctx, item.WorktreePath, item.PRNumber)
	if err != nil {
		return err
	}
	sort.Slice(reviews, func(i, j int) bool { return reviews[i].ID < reviews[j].ID })
	for _, r := range reviews {
		if r.ID <= item.LastHostReviewID {
			continue
		}
		item.LastHostReviewID = r.ID
		if r.Verdict != model.VerdictApproved && r.Verdict != model.VerdictChangesRequested {
			continue
		}
		review := model.CodeReviewResult{
			ID:        uuid.NewString(),
			SessionID: session.ID,
			EpicID:    item.EpicID,
			StoryID:   item.StoryID,
			Iteration: item.ReviewIterations + 1,
			Verdict:   r.Verdict,
			Issues:    signal.ParseIssues(r.Body),
			Feedback:  r.Body,
			Reviewer:  r.Author,
			CreatedAt: c.now().UTC(),
		}
		if err := c.store.InsertReview(ctx, review); err != nil {
			return err
		}
		if review.Verdict == model.VerdictApproved {
			session.Metrics.ReviewsPassed++
		} else {
			session.Metrics.ReviewsFailed++
		}
		item.ReviewRequestedAt = nil
		c.logger.Info("host review imported", "story", item.Ref().String(), "author", r.Author, "verdict", r.Verdict)
	}
	return nil
}

// landFix publishes the work of an agent that fixed a pull request and goes
// back to monitoring it.
func (c *Controller) landFix(ctx context.Context, run *sessionRun, session *model.Session, item *model.WorkItem, sig signal.Result) error {
	if sig.Is(signal.Blocked) || sig.Is(signal.Waiting) || !inPRPhase(item.Status) || c.host == nil {
		return c.decide(ctx, run, session, item, sig)
	}
	if err := c.push(ctx, item); err != nil {
		return err
	}
	u := c.newUnit(session)
	if sig.Parsed {
		item.LastSignal = string(sig.Signal)
		evaluation.NoteReported(item, sig)
	}
	if sig.Is(signal.ConflictResolved) && len(item.ConflictingFiles) > 0 {
		u.event("story", item.Ref().String(), "conflict_resolved", "", "", strings.Join(item.ConflictingFiles, ", "))
	}
	item.ConflictingFiles = nil
	item.Mergeable = nil
	if err := u.moveStory(item, model.StoryPRMonitoring, "fix pushed"); err != nil {
		return err
	}
	when := u.now.Add(c.cfg.PollInterval())
	item.NextPollAt = &when
	return u.commit(ctx)
}

func (c *Controller) merge(ctx context.Context, run *sessionRun, session *model.Session, item *model.WorkItem) error {
	if c.host == nil || item.PRNumber == 0 {
		return c.finish(ctx, run, session, item)
	}
	if err := c.host.Merge(ctx, item.WorktreePath, item.PRNumber); err != nil {
		return fmt.Errorf("merge pull request #%d: %w", item.PRNumber, err)
	}
	c.logger.Info("pull request merged", "story", item.Ref().String(), "number", item.PRNumber)
	return c.finish(ctx, run, session, item)
}

// finish marks the story done and releases everything it held.
func (c *Controller) finish(ctx context.Context, run *sessionRun, session *model.Session, item *model.WorkItem) error {
	u := c.newUnit(session)
	if err := u.moveStory(item, model.StoryDone, "completed"); err != nil {
		return err
	}
	item.NextPollAt = nil
	item.PendingMessage = ""
	item.PendingReason = ""
	item.ReviewRequestedAt = nil
	session.CompletedItems = append(session.CompletedItems, item.Ref())
	session.Metrics.StoriesCompleted++
	if err := u.commit(ctx); err != nil {
		return err
	}
	c.retire(ctx, run, session, item.Ref(), "", model.AgentStatusDone, model.ResolvedByConditionCleared, "story done")
	if err := c.store.ReleaseStory(ctx, session.ID, item.Ref()); err != nil {
		c.logger.Warn("release story", "story", item.Ref().String(), "error", err)
	}
	if c.worktrees != nil && item.WorktreeID != "" {
		if err := c.worktrees.Remove(ctx, c.worktreeOf(item)); err != nil {
			c.logger.Warn("remove worktree", "story", item.Ref().String(), "path", item.WorktreePath, "error", err)
		}
	}
	c.logger.Info("story done", "session_id", session.ID, "story", item.Ref().String(), "retries", item.RetryCount)
	return nil
}
