package controller

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid"

	"foreman/internal/agentrt"
	"foreman/internal/backoff"
	"foreman/internal/decision"
	"foreman/internal/evaluation"
	"foreman/internal/eventbus"
	"foreman/internal/model"
	"foreman/internal/modelselect"
	"foreman/internal/planner"
	"foreman/internal/platform"
	"foreman/internal/policy"
	"foreman/internal/recovery"
	"foreman/internal/store"
	"foreman/internal/stuck"
	"foreman/internal/worktree"
)

type Options struct {
	RepoRoot string
	Policy   policy.Config
	Store    *store.SQLiteStore
	Runtime  agentrt.Runtime
	// Host is the code host. Without one, approved stories complete locally
	// and no pull requests are opened.
	Host platform.Host
	// Worktrees isolates each story; without a manager agents work in RepoRoot.
	Worktrees worktree.Manager
	Bus       *eventbus.Bus
	Logger    *slog.Logger
}

// Controller owns every session: it plans them, runs one decision loop per
// live session and answers operator commands.
type Controller struct {
	repoRoot  string
	cfg       policy.Config
	store     *store.SQLiteStore
	runtime   agentrt.Runtime
	host      platform.Host
	worktrees worktree.Manager
	bus       *eventbus.Bus
	logger    *slog.Logger

	planner   *planner.Planner
	selector  *modelselect.Selector
	engine    decision.Engine
	evaluator *evaluation.Evaluator
	detector  *stuck.Detector
	recovery  *recovery.Engine
	backoff   backoff.Config
	now       func() time.Time

	mu   sync.Mutex
	runs map[string]*sessionRun
}

func New(opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("controller requires a store")
	}
	if opts.Runtime == nil {
		return nil, fmt.Errorf("controller requires an agent runtime")
	}
	if strings.TrimSpace(opts.RepoRoot) == "" {
		return nil, fmt.Errorf("controller requires a repository root")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Policy
	c := &Controller{
		repoRoot:  opts.RepoRoot,
		cfg:       cfg,
		store:     opts.Store,
		runtime:   opts.Runtime,
		host:      opts.Host,
		worktrees: opts.Worktrees,
		bus:       opts.Bus,
		logger:    logger,
		planner:   planner.New(opts.RepoRoot, logger),
		selector:  modelselect.New(cfg, logger),
		engine:    decision.NewEngine(decision.ConfigFromPolicy(cfg)),
		detector:  stuck.NewDetector(opts.Store, stuck.ThresholdsFromPolicy(cfg), logger),
		backoff:   backoff.FromPolicy(cfg),
		now:       time.Now,
		runs:      map[string]*sessionRun{},
	}
	c.evaluator = evaluation.NewEvaluator(opts.Store, opts.Host, evaluation.ConfigFromPolicy(cfg), logger)
	c.recovery = recovery.NewEngine(opts.Store, c, recovery.ConfigFromPolicy(cfg), logger)
	return c, nil
}

func newSessionID(now time.Time) string {
	return "sess-" + strings.ToLower(ulid.MustNew(ulid.Timestamp(now), rand.Reader).String())
}

type StatusReport struct {
	Session        model.Session               `json:"session"`
	Items          []model.WorkItem            `json:"items"`
	Agents         []model.AgentRecord         `json:"agents"`
	OpenDetections []model.StuckAgentDetection `json:"open_detections"`
	EdgeCases      []model.EdgeCaseEvent       `json:"edge_cases"`
	Events         []model.EventRecord         `json:"events"`
	Running        bool                        `json:"running"`
}

type PlannedStory struct {
	Item      model.WorkItem        `json:"item"`
	Depth     int                   `json:"depth"`
	Selection modelselect.Selection `json:"selection"`
}

type PlanPreview struct {
	Pattern string         `json:"pattern"`
	Digest  string         `json:"digest"`
	Sources []string       `json:"sources"`
	Stories []PlannedStory `json:"stories"`
}

func (c *Controller) pattern(pattern string) string {
	if pattern = strings.TrimSpace(pattern); pattern != "" {
		return pattern
	}
	return c.cfg.Session.EpicPattern
}

func (c *Controller) withDefaults(cfg model.SessionConfig) model.SessionConfig {
	defaults := c.cfg.SessionDefaults()
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = defaults.MaxAgents
	}
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = 1
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if strings.TrimSpace(cfg.BaseBranch) == "" {
		cfg.BaseBranch = defaults.BaseBranch
	}
	return cfg
}

// Plan discovers pattern and previews the order and model choice without
// creating a session.
func (c *Controller) Plan(ctx context.Context, pattern string) (PlanPreview, error) {
	pattern = c.pattern(pattern)
	plan, err := c.planner.Discover(ctx, pattern)
	if err != nil {
		return PlanPreview{}, err
	}
	preview := PlanPreview{Pattern: pattern, Digest: plan.Digest, Sources: plan.Sources, Stories: []PlannedStory{}}
	for _, item := range plan.Items {
		depth := plan.Graph.Depth(item.Ref())
		preview.Stories = append(preview.Stories, PlannedStory{
			Item:      item,
			Depth:     depth,
			Selection: c.selector.Select(taskFor(item, depth), 0, "", ""),
		})
	}
	return preview, nil
}

// Start creates a session for pattern, plans it and, unless cfg.DryRun is
// set or nothing matched, starts its decision loop. A planning failure leaves
// the session BLOCKED and is returned together with the session ID.
func (c *Controller) Start(ctx context.Context, pattern string, cfg model.SessionConfig) (string, error) {
	pattern = c.pattern(pattern)
	if pattern == "" {
		return "", fmt.Errorf("epic pattern is required")
	}
	now := c.now().UTC()
	session := model.Session{
		ID:             newSessionID(now),
		State:          model.SessionIdle,
		Pattern:        pattern,
		RepoRoot:       c.repoRoot,
		StartedAt:      now,
		UpdatedAt:      now,
		Config:         c.withDefaults(cfg),
		WorkQueue:      []model.WorkRef{},
		CompletedItems: []model.WorkRef{},
	}
	if err := c.store.CreateSession(ctx, session, nil); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	c.logger.Info("session created", "session_id", session.ID, "pattern", pattern, "max_agents", session.Config.MaxAgents, "dry_run", session.Config.DryRun)

	u := c.newUnit(&session)
	if err := u.moveSession(model.SessionAnalyzing, "pattern "+pattern); err != nil {
		return session.ID, err
	}
	if err := u.moveSession(model.SessionDiscovering, "discovering epics"); err != nil {
		return session.ID, err
	}
	if err := u.commit(ctx); err != nil {
		return session.ID, err
	}

	plan, err := c.planner.Discover(ctx, pattern)
	if err != nil {
		if moveErr := u.moveSession(model.SessionBlocked, "planning failed: "+err.Error()); moveErr == nil {
			session.BlockedReason = err.Error()
			if commitErr := u.commit(ctx); commitErr != nil {
				c.logger.Error("persist planning failure", "session_id", session.ID, "error", commitErr)
			}
		}
		return session.ID, fmt.Errorf("plan session %s: %w", session.ID, err)
	}

	session.PlanDigest = plan.Digest
	if err := u.moveSession(model.SessionPlanning, fmt.Sprintf("%d stories from %d epics", len(plan.Items), len(plan.Sources))); err != nil {
		return session.ID, err
	}
	if session.Config.DryRun || len(plan.Items) == 0 {
		reason := "dry run"
		if len(plan.Items) == 0 {
			reason = "no stories matched"
		}
		if err := u.moveSession(model.SessionDone, reason); err != nil {
			return session.ID, err
		}
		return session.ID, u.commit(ctx)
	}

	session.WorkQueue = plan.Queue()
	for i := range plan.Items {
		item := plan.Items[i]
		item.SessionID = session.ID
		item.Status = model.StoryQueued
		u.touch(&item)
		u.event("story", item.Ref().String(), "planned", "", string(model.StoryQueued), item.Title)
	}
	if err := u.commit(ctx); err != nil {
		return session.ID, err
	}
	c.ensureRun(session.ID, session.Config.MaxAgents)
	return session.ID, nil
}

func (c *Controller) Status(ctx context.Context, id string) (StatusReport, error) {
	session, err := c.store.GetSession(ctx, id)
	if err != nil {
		return StatusReport{}, err
	}
	report := StatusReport{Session: session, Running: c.lookup(id) != nil}
	if report.Items, err = c.store.ListWorkItems(ctx, id); err != nil {
		return StatusReport{}, err
	}
	if report.Agents, err = c.store.ListAgents(ctx, id); err != nil {
		return StatusReport{}, err
	}
	if report.OpenDetections, err = c.store.ListDetections(ctx, id, true); err != nil {
		return StatusReport{}, err
	}
	if report.EdgeCases, err = c.store.ListEdgeCases(ctx, id); err != nil {
		return StatusReport{}, err
	}
	if report.Events, err = c.store.ListEvents(ctx, id, 50); err != nil {
		return StatusReport{}, err
	}
	return report, nil
}

func (c *Controller) Sessions(ctx context.Context) ([]model.Session, error) {
	return c.store.ListSessions(ctx)
}

// control applies an operator command between two decisions of the
// session's loop.
func (c *Controller) control(ctx context.Context, id string, apply func(u *unit) error) (model.Session, error) {
	if run := c.lookup(id); run != nil {
		run.mu.Lock()
		defer func() {
			run.mu.Unlock()
			run.poke()
		}()
	}
	session, err := c.store.GetSession(ctx, id)
	if err != nil {
		return model.Session{}, err
	}
	u := c.newUnit(&session)
	if err := apply(u); err != nil {
		return session, err
	}
	return session, u.commit(ctx)
}

func (c *Controller) Pause(ctx context.Context, id string) error {
	_, err := c.control(ctx, id, func(u *unit) error {
		if u.session.State == model.SessionPaused {
			return nil
		}
		return u.moveSession(model.SessionPaused, "paused by operator")
	})
	return err
}

// Resume continues a PAUSED session, or restarts the loop of a session whose
// process went away. Every in-flight story is re-evaluated from its persisted
// phase. A change of the epic sources since planning is reported, not applied.
func (c *Controller) Resume(ctx context.Context, id string) error {
	session, err := c.control(ctx, id, func(u *unit) error {
		switch u.session.State {
		case model.SessionPaused:
			target := u.session.ResumeState
			if target == "" {
				target = model.SessionExecuting
			}
			if err := u.moveSession(target, "resumed by operator"); err != nil {
				return err
			}
		case model.SessionBlocked:
			return &TransitionError{Entity: "session", ID: u.session.ID, From: string(model.SessionBlocked), To: string(u.session.ResumeState)}
		case model.SessionIdle, model.SessionAnalyzing, model.SessionDiscovering:
			return fmt.Errorf("session %s never finished planning", u.session.ID)
		}
		if u.session.State.Terminal() {
			return fmt.Errorf("resume session %s: %w", u.session.ID, ErrSessionTerminal)
		}
		plan, err := c.planner.Discover(ctx, u.session.Pattern)
		switch {
		case err != nil:
			c.logger.Warn("re-discover on resume", "session_id", u.session.ID, "error", err)
		case plan.Digest != u.session.PlanDigest:
			u.event("session", u.session.ID, "plan_changed", "", "", "epic sources changed since planning; the persisted plan is kept")
			c.logger.Warn("epic sources changed since planning", "session_id", u.session.ID, "planned", u.session.PlanDigest, "current", plan.Digest)
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.ensureRun(session.ID, session.Config.MaxAgents)
	return nil
}

// Stop ends a session for good: agents are abandoned and story claims released.
func (c *Controller) Stop(ctx context.Context, id string) error {
	session, err := c.control(ctx, id, func(u *unit) error {
		return u.moveSession(model.SessionStopped, "stopped by operator")
	})
	if err != nil {
		return err
	}
	if run := c.lookup(id); run != nil {
		run.cancel()
		select {
		case <-run.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	agents, err := c.store.ListAgents(ctx, session.ID)
	if err != nil {
		return err
	}
	for i := range agents {
		if agents[i].Status.Terminal() {
			continue
		}
		c.setAgentStatus(ctx, &agents[i], model.AgentStatusAbandoned, "session stopped")
		if _, err := c.detector.ResolveAll(ctx, agents[i].ID, model.ResolvedByManual, c.now()); err != nil {
			c.logger.Warn("resolve detections on stop", "agent_id", agents[i].ID, "error", err)
		}
	}
	return c.store.ReleaseSessionClaims(ctx, session.ID)
}

// Unblock resolves the blocked stories of a session. retry and
// escalate-further re-queue them (the latter pinning the capable tier); skip
// gives them up together with the stories that depend on them.
func (c *Controller) Unblock(ctx context.Context, id string, action model.UnblockAction) error {
	var released []model.WorkRef
	session, err := c.control(ctx, id, func(u *unit) error {
		if u.session.State.Terminal() {
			return fmt.Errorf("unblock session %s: %w", u.session.ID, ErrSessionTerminal)
		}
		items, err := c.store.ListWorkItems(ctx, u.session.ID)
		if err != nil {
			return err
		}
		touched := 0
		for i := range items {
			item := &items[i]
			if item.Status != model.StoryBlocked && item.Status != model.StoryBlockedByDependency {
				continue
			}
			touched++
			message := fmt.Sprintf("unblocked: %s", action)
			switch action {
			case model.UnblockSkip:
				if err := u.moveStory(item, model.StorySkipped, message); err != nil {
					return err
				}
				released = append(released, item.Ref())
			case model.UnblockRetry, model.UnblockEscalateFurther:
				if item.Status == model.StoryBlocked {
					retried := u.now
					item.RetryCount++
					item.RetriedAt = &retried
					item.ReviewIterations = 0
					item.CIFixIterations = 0
					if action == model.UnblockEscalateFurther {
						item.ForceTier = model.TierCapable
					}
				}
				item.WaitAttempts = 0
				item.WaitedMS = 0
				item.PendingMessage = ""
				item.PendingReason = ""
				item.NextPollAt = nil
				if err := u.moveStory(item, model.StoryQueued, message); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown unblock action %q", action)
			}
			item.BlockedReason = ""
		}
		if touched == 0 {
			return fmt.Errorf("session %s: %w", u.session.ID, ErrNothingBlocked)
		}
		if u.session.State == model.SessionBlocked {
			target := u.session.ResumeState
			if target == "" {
				target = model.SessionExecuting
			}
			return u.moveSession(target, fmt.Sprintf("unblocked: %s (%d stories)", action, touched))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, ref := range released {
		if err := c.store.ReleaseStory(ctx, session.ID, ref); err != nil {
			c.logger.Warn("release skipped story", "session_id", session.ID, "story", ref.String(), "error", err)
		}
	}
	c.ensureRun(session.ID, session.Config.MaxAgents)
	return nil
}

// ListStuckAgents returns open detections of one session, or of every session
// when sessionID is empty.
func (c *Controller) ListStuckAgents(ctx context.Context, sessionID string) ([]model.StuckAgentDetection, error) {
	if strings.TrimSpace(sessionID) != "" {
		return c.store.ListDetections(ctx, sessionID, true)
	}
	sessions, err := c.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	out := []model.StuckAgentDetection{}
	for _, session := range sessions {
		detections, err := c.store.ListDetections(ctx, session.ID, true)
		if err != nil {
			return nil, err
		}
		out = append(out, detections...)
	}
	return out, nil
}

// Wait blocks until the session's loop has exited.
func (c *Controller) Wait(ctx context.Context, id string) error {
	run := c.lookup(id)
	if run == nil {
		return nil
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops every loop of this process without changing session state, so
// the sessions can be resumed later.
func (c *Controller) Close() error {
	c.mu.Lock()
	runs := make([]*sessionRun, 0, len(c.runs))
	for _, run := range c.runs {
		runs = append(runs, run)
	}
	c.mu.Unlock()
	for _, run := range runs {
		run.cancel()
		<-run.done
	}
	return nil
}

// ResumeAll restarts the loops of every live session found in the store,
// typically when a server process starts.
func (c *Controller) ResumeAll(ctx context.Context) error {
	sessions, err := c.store.ListSessions(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, session := range sessions {
		switch session.State {
		case model.SessionDone, model.SessionStopped, model.SessionIdle, model.SessionAnalyzing, model.SessionDiscovering:
			continue
		case model.SessionPaused, model.SessionBlocked:
			c.ensureRun(session.ID, session.Config.MaxAgents)
			continue
		}
		if err := c.Resume(ctx, session.ID); err != nil {
			errs = append(errs, fmt.Errorf("resume %s: %w", session.ID, err))
		}
	}
	return errors.Join(errs...)
}

func taskFor(item model.WorkItem, depth int) modelselect.Task {
	return modelselect.Task{
		Ref:             item.Ref(),
		CriteriaCount:   len(item.AcceptanceCriteria),
		FileCount:       len(item.Files),
		DependencyDepth: depth,
	}
}
