package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"foreman/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "foreman.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedSession(t *testing.T, s *SQLiteStore, id string) model.Session {
	t.Helper()
	now := time.Now()
	session := model.Session{
		ID:        id,
		State:     model.SessionPlanning,
		Pattern:   "epics/*.yaml",
		StartedAt: now,
		UpdatedAt: now,
		WorkQueue: []model.WorkRef{{EpicID: "E1", StoryID: "S1"}, {EpicID: "E1", StoryID: "S2"}},
	}
	items := []model.WorkItem{
		{SessionID: id, EpicID: "E1", StoryID: "S1", Title: "first", Status: model.StoryQueued},
		{SessionID: id, EpicID: "E1", StoryID: "S2", Title: "second", Status: model.StoryQueued},
	}
	if err := s.CreateSession(context.Background(), session, items); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}

func TestSessionApplyAndOptimisticVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	session := seedSession(t, s, "sess-1")

	stale := session
	session.State = model.SessionExecuting
	item, err := s.GetWorkItem(ctx, session.ID, model.WorkRef{EpicID: "E1", StoryID: "S1"})
	if err != nil {
		t.Fatalf("get work item: %v", err)
	}
	item.Status = model.StoryExecuting
	err = s.Apply(ctx, Change{
		Session: &session,
		Items:   []model.WorkItem{item},
		Events: []model.EventRecord{{
			SessionID: session.ID, EntityType: "session", EntityID: session.ID,
			EventType: "transition", FromState: "PLANNING", ToState: "EXECUTING",
		}},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if session.Version != 1 {
		t.Fatalf("expected version 1 after apply, got %d", session.Version)
	}

	stale.State = model.SessionPaused
	if err := s.Apply(ctx, Change{Session: &stale}); !errors.Is(err, ErrStaleSession) {
		t.Fatalf("expected stale session error, got %v", err)
	}

	loaded, err := s.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if loaded.State != model.SessionExecuting || loaded.Version != 1 {
		t.Fatalf("unexpected session %+v", loaded)
	}
	items, err := s.ListWorkItems(ctx, session.ID)
	if err != nil {
		t.Fatalf("list work items: %v", err)
	}
	if len(items) != 2 || items[0].StoryID != "S1" || items[0].Status != model.StoryExecuting || items[1].StoryID != "S2" {
		t.Fatalf("unexpected work items %+v", items)
	}
	events, err := s.ListEvents(ctx, session.ID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[0].EventType != "created" || events[1].ToState != "EXECUTING" {
		t.Fatalf("unexpected events %+v", events)
	}

	missing := model.Session{ID: "sess-missing"}
	if err := s.Apply(ctx, Change{Session: &missing}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.GetSession(ctx, "sess-missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStoryClaims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := model.WorkRef{EpicID: "E1", StoryID: "S1"}

	if err := s.ClaimStory(ctx, "sess-a", ref); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.ClaimStory(ctx, "sess-a", ref); err != nil {
		t.Fatalf("expected re-claim by holder to succeed: %v", err)
	}
	if err := s.ClaimStory(ctx, "sess-b", ref); !errors.Is(err, ErrStoryClaimed) {
		t.Fatalf("expected story claimed error, got %v", err)
	}
	holder, err := s.ClaimHolder(ctx, ref)
	if err != nil || holder != "sess-a" {
		t.Fatalf("expected sess-a to hold the claim, got %q err=%v", holder, err)
	}
	if err := s.ReleaseSessionClaims(ctx, "sess-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := s.ClaimStory(ctx, "sess-b", ref); err != nil {
		t.Fatalf("expected claim after release to succeed: %v", err)
	}
}

func TestCIChecksKeepLatestConclusion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := model.WorkRef{EpicID: "E1", StoryID: "S1"}
	base := time.Now()
	record := func(id string, name string, conclusion model.CheckConclusion, at time.Time) (model.CheckConclusion, bool) {
		t.Helper()
		previous, written, err := s.RecordCICheck(ctx, model.CiCheckResult{
			ID: id, SessionID: "sess-1", EpicID: ref.EpicID, StoryID: ref.StoryID,
			Name: name, Conclusion: conclusion, UpdatedAt: at, CreatedAt: at,
		})
		if err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
		return previous, written
	}

	if previous, written := record("c1", "test", model.CheckFailure, base); previous != "" || !written {
		t.Fatalf("expected first record to be written")
	}
	if _, written := record("c2", "test", model.CheckFailure, base.Add(time.Second)); written {
		t.Fatalf("expected unchanged conclusion to be skipped")
	}
	if previous, written := record("c3", "test", model.CheckSuccess, base.Add(2*time.Second)); previous != model.CheckFailure || !written {
		t.Fatalf("expected flip from failure, got %s written=%v", previous, written)
	}
	record("c4", "build", model.CheckSuccess, base.Add(3*time.Second))

	checks, err := s.LatestCIChecks(ctx, "sess-1", ref)
	if err != nil {
		t.Fatalf("latest checks: %v", err)
	}
	if len(checks) != 2 || checks[0].Name != "build" || checks[1].Name != "test" || checks[1].Conclusion != model.CheckSuccess {
		t.Fatalf("unexpected latest checks %+v", checks)
	}
}

func TestReviewsEvaluationsAndDetections(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := model.WorkRef{EpicID: "E1", StoryID: "S1"}
	now := time.Now()

	review, err := s.LatestReview(ctx, "sess-1", ref)
	if err != nil || review != nil {
		t.Fatalf("expected no review yet, got %+v err=%v", review, err)
	}
	for i, verdict := range []model.ReviewVerdict{model.VerdictChangesRequested, model.VerdictApproved} {
		err := s.InsertReview(ctx, model.CodeReviewResult{
			ID: "r" + string(rune('1'+i)), SessionID: "sess-1", EpicID: "E1", StoryID: "S1",
			Iteration: i + 1, Verdict: verdict, CreatedAt: now.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("insert review: %v", err)
		}
	}
	review, err = s.LatestReview(ctx, "sess-1", ref)
	if err != nil || review == nil || review.Verdict != model.VerdictApproved || review.Iteration != 2 {
		t.Fatalf("unexpected latest review %+v err=%v", review, err)
	}

	if err := s.InsertEvaluation(ctx, model.WorkEvaluation{ID: "ev1", SessionID: "sess-1", EpicID: "E1", StoryID: "S1", Status: model.EvaluationIncomplete, CreatedAt: now}); err != nil {
		t.Fatalf("insert evaluation: %v", err)
	}
	if err := s.InsertEvaluation(ctx, model.WorkEvaluation{ID: "ev1", SessionID: "sess-1"}); err == nil {
		t.Fatalf("expected evaluations to be insert-only")
	}
	eval, err := s.LatestEvaluation(ctx, "sess-1", ref)
	if err != nil || eval == nil || eval.ID != "ev1" {
		t.Fatalf("unexpected latest evaluation %+v err=%v", eval, err)
	}

	detection := model.StuckAgentDetection{
		ID: "d1", AgentID: "agent-1", SessionID: "sess-1", StoryID: "S1",
		Type: model.StuckCiTimeout, Severity: model.StuckCritical, DetectedAt: now,
	}
	if err := s.InsertDetection(ctx, detection); err != nil {
		t.Fatalf("insert detection: %v", err)
	}
	open, err := s.OpenDetections(ctx, "agent-1")
	if err != nil || len(open) != 1 {
		t.Fatalf("expected one open detection, got %+v err=%v", open, err)
	}
	attempt := model.RecoveryAttempt{ID: "a1", DetectionID: "d1", Sequence: 1, Action: model.ActionModelEscalation, Outcome: model.OutcomePending, StartedAt: now}
	if err := s.InsertRecoveryAttempt(ctx, attempt); err != nil {
		t.Fatalf("insert attempt: %v", err)
	}
	attempt.Outcome = model.OutcomeResolved
	if err := s.UpdateRecoveryAttempt(ctx, attempt); err != nil {
		t.Fatalf("update attempt: %v", err)
	}
	attempts, err := s.RecoveryAttempts(ctx, "d1")
	if err != nil || len(attempts) != 1 || attempts[0].Outcome != model.OutcomeResolved {
		t.Fatalf("unexpected attempts %+v err=%v", attempts, err)
	}

	detection.Resolved = true
	detection.ResolvedBy = model.ResolvedByRecovery
	if err := s.UpdateDetection(ctx, detection); err != nil {
		t.Fatalf("update detection: %v", err)
	}
	open, _ = s.OpenDetections(ctx, "agent-1")
	all, _ := s.ListDetections(ctx, "sess-1", false)
	if len(open) != 0 || len(all) != 1 {
		t.Fatalf("expected detection to be resolved, open=%d all=%d", len(open), len(all))
	}
	if err := s.UpdateDetection(ctx, model.StuckAgentDetection{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAgentsAndContinuations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	agent := model.AgentRecord{ID: "agent-1", SessionID: "sess-1", EpicID: "E1", StoryID: "S1", Status: model.AgentStatusRunning, Tier: model.TierStandard, CreatedAt: now, UpdatedAt: now}
	if err := s.UpsertAgent(ctx, agent); err != nil {
		t.Fatalf("upsert agent: %v", err)
	}
	agent.Status = model.AgentStatusIdle
	agent.TurnsUsed = 3
	if err := s.UpsertAgent(ctx, agent); err != nil {
		t.Fatalf("update agent: %v", err)
	}
	loaded, err := s.GetAgent(ctx, "agent-1")
	if err != nil || loaded.Status != model.AgentStatusIdle || loaded.TurnsUsed != 3 {
		t.Fatalf("unexpected agent %+v err=%v", loaded, err)
	}
	if _, err := s.GetAgent(ctx, "agent-x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	c := model.AgentContinuation{ID: "c1", AgentID: "agent-1", SessionID: "sess-1", Reason: model.ContinueReviewFeedback, Status: model.ContinuationPending, CreatedAt: now}
	if err := s.InsertContinuation(ctx, c); err != nil {
		t.Fatalf("insert continuation: %v", err)
	}
	c.Status = model.ContinuationDelivered
	if err := s.UpdateContinuation(ctx, c); err != nil {
		t.Fatalf("update continuation: %v", err)
	}
	list, err := s.ListContinuations(ctx, "agent-1")
	if err != nil || len(list) != 1 || list[0].Status != model.ContinuationDelivered {
		t.Fatalf("unexpected continuations %+v err=%v", list, err)
	}
	agents, _ := s.ListAgents(ctx, "sess-1")
	if len(agents) != 1 {
		t.Fatalf("expected continuation not to create an agent record, got %d agents", len(agents))
	}

	if err := s.InsertEdgeCase(ctx, model.EdgeCaseEvent{ID: "e1", SessionID: "sess-1", Kind: model.EdgeReviewPingPong, CreatedAt: now}); err != nil {
		t.Fatalf("insert edge case: %v", err)
	}
	edges, err := s.ListEdgeCases(ctx, "sess-1")
	if err != nil || len(edges) != 1 || edges[0].Kind != model.EdgeReviewPingPong {
		t.Fatalf("unexpected edge cases %+v err=%v", edges, err)
	}
}
