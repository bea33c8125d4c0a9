package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"foreman/internal/agentrt"
	"foreman/internal/model"
	"foreman/internal/planner"
	"foreman/internal/platform"
	"foreman/internal/policy"
	"foreman/internal/store"
	"foreman/internal/worktree"
)

const (
	completeOutput = "Done.\nSTATUS: COMPLETE\nSUMMARY: implemented\nBUILD: pass\nLINT: pass\n"
	approveOutput  = "Looks good.\nSTATUS: REVIEW_PASSED\nVERDICT: Approved\n"
	rejectOutput   = "Not yet.\nSTATUS: REVIEW_FAILED\nVERDICT: ChangesRequested\nFEEDBACK_FOR_AGENT: add tests\n"
)

type fakeCall struct {
	AgentID string
	Type    model.AgentType
	Prompt  string
	Workdir string
	Spawn   bool
}

// fakeRuntime answers every agent call with the output of implement or
// review. Implementer calls wait for gate when it is set.
type fakeRuntime struct {
	mu        sync.Mutex
	types     map[string]model.AgentType
	calls     []fakeCall
	implement func(call fakeCall) string
	review    func(call fakeCall) string
	gate      chan struct{}
	spawned   chan string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		types:     map[string]model.AgentType{},
		implement: func(fakeCall) string { return completeOutput },
		review:    func(fakeCall) string { return approveOutput },
		spawned:   make(chan string, 32),
	}
}

func (r *fakeRuntime) answer(ctx context.Context, call fakeCall) agentrt.MessageStream {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	output := r.implement
	if call.Type == model.AgentTypeReviewer {
		output = r.review
	}
	gate := r.gate
	r.mu.Unlock()
	msg := agentrt.Message{Text: output(call), Turn: true, Progress: true, Tokens: 1000}
	if gate != nil && call.Type == model.AgentTypeImplementer {
		return &gatedStream{ctx: ctx, gate: gate, msg: msg}
	}
	return agentrt.NewSliceStream([]agentrt.Message{msg})
}

func (r *fakeRuntime) Spawn(ctx context.Context, req agentrt.SpawnRequest) (agentrt.Handle, agentrt.MessageStream, error) {
	r.mu.Lock()
	r.types[req.AgentID] = req.Type
	r.mu.Unlock()
	select {
	case r.spawned <- req.AgentID:
	default:
	}
	call := fakeCall{AgentID: req.AgentID, Type: req.Type, Prompt: req.Prompt, Workdir: req.Workdir, Spawn: true}
	handle := agentrt.Handle{AgentID: req.AgentID, Session: "conv-" + req.AgentID, Model: req.Model, Workdir: req.Workdir}
	return handle, r.answer(ctx, call), nil
}

func (r *fakeRuntime) Continue(ctx context.Context, handle agentrt.Handle, message string) (agentrt.MessageStream, error) {
	r.mu.Lock()
	agentType, ok := r.types[handle.AgentID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown conversation %s", handle.Session)
	}
	return r.answer(ctx, fakeCall{AgentID: handle.AgentID, Type: agentType, Prompt: message, Workdir: handle.Workdir}), nil
}

func (r *fakeRuntime) callsOf(agentType model.AgentType) []fakeCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []fakeCall{}
	for _, call := range r.calls {
		if call.Type == agentType {
			out = append(out, call)
		}
	}
	return out
}

type gatedStream struct {
	ctx  context.Context
	gate chan struct{}
	msg  agentrt.Message
	sent bool
}

func (s *gatedStream) Recv() (agentrt.Message, error) {
	if s.sent {
		return agentrt.Message{}, io.EOF
	}
	select {
	case <-s.ctx.Done():
		return agentrt.Message{}, s.ctx.Err()
	case <-s.gate:
	}
	s.sent = true
	return s.msg, nil
}

func (s *gatedStream) Close() error { return nil }

type fakeHost struct {
	mu      sync.Mutex
	pushes  []string
	created []platform.CreatePullRequestInput
	merged  []int
}

func (h *fakeHost) Push(ctx context.Context, dir string, branch string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pushes = append(h.pushes, branch)
	return nil
}

func (h *fakeHost) CreatePullRequest(ctx context.Context, input platform.CreatePullRequestInput) (platform.PullRequest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.created = append(h.created, input)
	return platform.PullRequest{Number: 7, URL: "https://example.test/pull/7", State: platform.PullRequestOpen}, nil
}

func (h *fakeHost) PullRequest(ctx context.Context, dir string, number int) (platform.PullRequest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	mergeable := true
	state := platform.PullRequestOpen
	for _, n := range h.merged {
		if n == number {
			state = platform.PullRequestMerged
		}
	}
	return platform.PullRequest{Number: number, State: state, Mergeable: &mergeable}, nil
}

func (h *fakeHost) Checks(ctx context.Context, dir string, number int) ([]platform.Check, error) {
	return []platform.Check{{Name: "build", Conclusion: model.CheckSuccess, CompletedAt: time.Now()}}, nil
}

func (h *fakeHost) Reviews(ctx context.Context, dir string, number int) ([]platform.Review, error) {
	return nil, nil
}

func (h *fakeHost) Merge(ctx context.Context, dir string, number int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.merged = append(h.merged, number)
	return nil
}

func (h *fakeHost) Comment(ctx context.Context, dir string, number int, body string) error {
	return nil
}

// fakeWorktrees hands out the repository root as every story's checkout.
type fakeWorktrees struct {
	root    string
	mu      sync.Mutex
	removed []string
}

func (w *fakeWorktrees) Create(ctx context.Context, key string, base string) (worktree.Worktree, error) {
	return worktree.Worktree{ID: key, Path: w.root, Branch: "foreman/" + key}, nil
}

func (w *fakeWorktrees) Remove(ctx context.Context, wt worktree.Worktree) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removed = append(w.removed, wt.ID)
	return nil
}

func (w *fakeWorktrees) CommitAll(ctx context.Context, wt worktree.Worktree, message string) (bool, error) {
	return false, nil
}

func (w *fakeWorktrees) ConflictingFiles(ctx context.Context, wt worktree.Worktree, base string) ([]string, error) {
	return nil, nil
}

type harness struct {
	root  string
	store *store.SQLiteStore
	rt    *fakeRuntime
	c     *Controller
}

func newHarness(t *testing.T, epic string, configure func(*Options)) *harness {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "epics", "e1.yaml"), epic)
	st, err := store.Open(filepath.Join(t.TempDir(), "foreman.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	cfg := policy.Default()
	cfg.Session.PollIntervalSeconds = 1
	cfg.Backoff.InitialDelayMS = 10
	cfg.Backoff.MaxDelayMS = 100
	cfg.Backoff.Jitter = false
	cfg.Stuck.WatchIntervalSeconds = 3600
	rt := newFakeRuntime()
	opts := Options{
		RepoRoot: root,
		Policy:   cfg,
		Store:    st,
		Runtime:  rt,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if configure != nil {
		configure(&opts)
	}
	c, err := New(opts)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Close()
		_ = st.Close()
	})
	return &harness{root: root, store: st, rt: rt, c: c}
}

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// tickAll marks every acceptance criterion below root as met, the way an
// implementer would.
func tickAll(root string) {
	path := filepath.Join(root, "epics", "e1.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	_ = os.WriteFile(path, []byte(strings.ReplaceAll(string(data), "[ ]", "[x]")), 0o644)
}

func (h *harness) wait(t *testing.T, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := h.c.Wait(ctx, id); err != nil {
		t.Fatalf("wait for session %s: %v", id, err)
	}
}

func (h *harness) status(t *testing.T, id string) StatusReport {
	t.Helper()
	report, err := h.c.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	return report
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func itemStatus(report StatusReport, storyID string) model.StoryStatus {
	for _, item := range report.Items {
		if item.StoryID == storyID {
			return item.Status
		}
	}
	return ""
}

func agentsOf(report StatusReport, agentType model.AgentType) []model.AgentRecord {
	out := []model.AgentRecord{}
	for _, agent := range report.Agents {
		if agent.Type == agentType {
			out = append(out, agent)
		}
	}
	return out
}

func hasEdgeCase(report StatusReport, kind model.EdgeCaseKind) bool {
	for _, event := range report.EdgeCases {
		if event.Kind == kind {
			return true
		}
	}
	return false
}

const chainEpic = `id: E1
title: Chain
stories:
  - id: S1
    title: First
    acceptance_criteria:
      - "[ ] first works"
  - id: S2
    title: Second
    depends_on: [S1]
    acceptance_criteria:
      - "[ ] second works"
`

const singleEpic = `id: E1
title: Single
stories:
  - id: S1
    title: Only
`

func TestStartRunsStoriesToDoneWithoutHost(t *testing.T) {
	h := newHarness(t, chainEpic, nil)
	h.rt.implement = func(call fakeCall) string {
		tickAll(call.Workdir)
		return completeOutput
	}

	id, err := h.c.Start(context.Background(), "", model.SessionConfig{MaxAgents: 1})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	h.wait(t, id)

	report := h.status(t, id)
	if report.Session.State != model.SessionDone {
		t.Fatalf("expected DONE, got %s (%s)", report.Session.State, report.Session.BlockedReason)
	}
	for _, storyID := range []string{"S1", "S2"} {
		if got := itemStatus(report, storyID); got != model.StoryDone {
			t.Fatalf("expected %s done, got %s", storyID, got)
		}
	}
	if report.Session.Metrics.StoriesCompleted != 2 || report.Session.Metrics.ReviewsPassed != 2 {
		t.Fatalf("unexpected metrics: %+v", report.Session.Metrics)
	}
	if report.Session.Metrics.AgentsSpawned != 4 {
		t.Fatalf("expected 4 agents spawned, got %d", report.Session.Metrics.AgentsSpawned)
	}
	for _, agent := range report.Agents {
		if agent.Status != model.AgentStatusDone {
			t.Fatalf("expected agent %s done, got %s", agent.ID, agent.Status)
		}
	}
	if len(report.Session.CompletedItems) != 2 || report.Session.CompletedItems[0].StoryID != "S1" {
		t.Fatalf("expected S1 then S2 completed, got %v", report.Session.CompletedItems)
	}
	if report.Running {
		t.Fatalf("expected loop to have exited")
	}
	holder, err := h.store.ClaimHolder(context.Background(), model.WorkRef{EpicID: "E1", StoryID: "S1"})
	if err != nil || holder != "" {
		t.Fatalf("expected claim released, got %q (%v)", holder, err)
	}
	implementers := h.rt.callsOf(model.AgentTypeImplementer)
	if len(implementers) != 2 || !strings.Contains(implementers[0].Prompt, "E1/S1") || !strings.Contains(implementers[1].Prompt, "E1/S2") {
		t.Fatalf("expected one implementer per story in order, got %+v", implementers)
	}
}

func TestReviewPingPongBlocksThenSkipFinishes(t *testing.T) {
	h := newHarness(t, singleEpic, func(opts *Options) {
		opts.Policy.Decision.MaxReviewIterations = 1
	})
	h.rt.review = func(fakeCall) string { return rejectOutput }

	id, err := h.c.Start(context.Background(), "", model.SessionConfig{MaxAgents: 1})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "session blocked", func() bool {
		return h.status(t, id).Session.State == model.SessionBlocked
	})

	report := h.status(t, id)
	if got := itemStatus(report, "S1"); got != model.StoryBlocked {
		t.Fatalf("expected S1 blocked, got %s", got)
	}
	if !hasEdgeCase(report, model.EdgeReviewPingPong) {
		t.Fatalf("expected review_ping_pong edge case, got %+v", report.EdgeCases)
	}
	implementers := agentsOf(report, model.AgentTypeImplementer)
	if len(implementers) != 1 {
		t.Fatalf("expected feedback to reuse the implementer, got %d implementers", len(implementers))
	}
	continuations, err := h.store.ListContinuations(context.Background(), implementers[0].ID)
	if err != nil {
		t.Fatalf("list continuations: %v", err)
	}
	if len(continuations) != 1 || continuations[0].Reason != model.ContinueReviewFeedback {
		t.Fatalf("expected one review feedback continuation, got %+v", continuations)
	}
	if continuations[0].Status != model.ContinuationCompleted {
		t.Fatalf("expected continuation completed, got %s", continuations[0].Status)
	}
	if len(agentsOf(report, model.AgentTypeReviewer)) != 2 {
		t.Fatalf("expected two review rounds")
	}
	if report.Session.BlockedReason == "" {
		t.Fatalf("expected a blocked reason")
	}

	if err := h.c.Unblock(context.Background(), id, model.UnblockSkip); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	h.wait(t, id)
	report = h.status(t, id)
	if report.Session.State != model.SessionDone {
		t.Fatalf("expected DONE after skip, got %s", report.Session.State)
	}
	if got := itemStatus(report, "S1"); got != model.StorySkipped {
		t.Fatalf("expected S1 skipped, got %s", got)
	}
}

func TestBlockedStoryBlocksDependentsUntilRetry(t *testing.T) {
	h := newHarness(t, `id: E1
stories:
  - id: S1
    title: Base
  - id: S2
    title: On top
    depends_on: [S1]
`, nil)
	var mu sync.Mutex
	attempts := 0
	h.rt.implement = func(call fakeCall) string {
		if strings.Contains(call.Prompt, "E1/S1") {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts == 1 {
				return "STATUS: BLOCKED\nBLOCKER: environment\nREASON: missing API key\n"
			}
		}
		return completeOutput
	}

	id, err := h.c.Start(context.Background(), "", model.SessionConfig{MaxAgents: 1})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "session blocked", func() bool {
		return h.status(t, id).Session.State == model.SessionBlocked
	})
	report := h.status(t, id)
	if got := itemStatus(report, "S2"); got != model.StoryBlockedByDependency {
		t.Fatalf("expected S2 blocked by dependency, got %s", got)
	}
	if !hasEdgeCase(report, model.EdgeDependencyFailure) {
		t.Fatalf("expected dependency_failure edge case")
	}
	for _, item := range report.Items {
		if item.StoryID == "S1" && !strings.Contains(item.BlockedReason, "missing API key") {
			t.Fatalf("expected blocker reason recorded, got %q", item.BlockedReason)
		}
	}

	if err := h.c.Unblock(context.Background(), id, model.UnblockRetry); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	h.wait(t, id)
	report = h.status(t, id)
	if report.Session.State != model.SessionDone {
		t.Fatalf("expected DONE after retry, got %s (%s)", report.Session.State, report.Session.BlockedReason)
	}
	for _, item := range report.Items {
		if item.Status != model.StoryDone {
			t.Fatalf("expected %s done, got %s", item.StoryID, item.Status)
		}
		if item.StoryID == "S1" && (item.RetryCount != 1 || item.RetriedAt == nil) {
			t.Fatalf("expected S1 retried once, got %d", item.RetryCount)
		}
	}
	if report.Session.Metrics.StoriesFailed != 1 {
		t.Fatalf("expected one failed story, got %d", report.Session.Metrics.StoriesFailed)
	}
}

func TestStartWithCyclicEpicsBlocksSession(t *testing.T) {
	h := newHarness(t, `id: E1
stories:
  - id: A
    depends_on: [B]
  - id: B
    depends_on: [A]
`, nil)
	id, err := h.c.Start(context.Background(), "", model.SessionConfig{})
	if !errors.Is(err, planner.ErrCyclicDependency) {
		t.Fatalf("expected ErrCyclicDependency, got %v", err)
	}
	if id == "" {
		t.Fatalf("expected the session to exist")
	}
	report := h.status(t, id)
	if report.Session.State != model.SessionBlocked {
		t.Fatalf("expected BLOCKED, got %s", report.Session.State)
	}
	if !strings.Contains(report.Session.BlockedReason, "cyclic") {
		t.Fatalf("expected cycle in blocked reason, got %q", report.Session.BlockedReason)
	}
	if report.Running || len(report.Agents) != 0 {
		t.Fatalf("expected no loop and no agents")
	}
}

func TestDryRunPlansWithoutAgents(t *testing.T) {
	h := newHarness(t, chainEpic, nil)
	id, err := h.c.Start(context.Background(), "", model.SessionConfig{DryRun: true})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	report := h.status(t, id)
	if report.Session.State != model.SessionDone || report.Session.PlanDigest == "" {
		t.Fatalf("expected a planned DONE session, got %s", report.Session.State)
	}
	if len(report.Agents) != 0 || report.Running {
		t.Fatalf("expected nothing to run on a dry run")
	}
}

func TestPlanPreviewsOrderAndModels(t *testing.T) {
	h := newHarness(t, chainEpic, nil)
	preview, err := h.c.Plan(context.Background(), "")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(preview.Stories) != 2 || preview.Stories[0].Item.StoryID != "S1" {
		t.Fatalf("expected S1 first, got %+v", preview.Stories)
	}
	if preview.Stories[1].Depth != 1 {
		t.Fatalf("expected S2 at depth 1, got %d", preview.Stories[1].Depth)
	}
	if preview.Stories[0].Selection.Model == "" {
		t.Fatalf("expected a model selection")
	}
	sessions, err := h.c.Sessions(context.Background())
	if err != nil || len(sessions) != 0 {
		t.Fatalf("expected plan to create no session, got %d (%v)", len(sessions), err)
	}
}

func TestPauseDefersOutcomeUntilResume(t *testing.T) {
	h := newHarness(t, singleEpic, nil)
	h.rt.gate = make(chan struct{})

	id, err := h.c.Start(context.Background(), "", model.SessionConfig{MaxAgents: 1})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-h.rt.spawned:
	case <-time.After(15 * time.Second):
		t.Fatalf("implementer never spawned")
	}
	if err := h.c.Pause(context.Background(), id); err != nil {
		t.Fatalf("pause: %v", err)
	}
	report := h.status(t, id)
	if report.Session.State != model.SessionPaused || report.Session.ResumeState != model.SessionExecuting {
		t.Fatalf("expected PAUSED resuming to EXECUTING, got %s/%s", report.Session.State, report.Session.ResumeState)
	}

	close(h.rt.gate)
	time.Sleep(200 * time.Millisecond)
	report = h.status(t, id)
	if got := itemStatus(report, "S1"); got != model.StoryExecuting {
		t.Fatalf("expected S1 to stay executing while paused, got %s", got)
	}
	if len(agentsOf(report, model.AgentTypeReviewer)) != 0 {
		t.Fatalf("expected no review while paused")
	}

	if err := h.c.Resume(context.Background(), id); err != nil {
		t.Fatalf("resume: %v", err)
	}
	h.wait(t, id)
	if report = h.status(t, id); report.Session.State != model.SessionDone {
		t.Fatalf("expected DONE after resume, got %s", report.Session.State)
	}
}

func TestStopAbandonsAgentsAndReleasesClaims(t *testing.T) {
	h := newHarness(t, singleEpic, nil)
	h.rt.gate = make(chan struct{})
	defer close(h.rt.gate)

	id, err := h.c.Start(context.Background(), "", model.SessionConfig{MaxAgents: 1})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-h.rt.spawned:
	case <-time.After(15 * time.Second):
		t.Fatalf("implementer never spawned")
	}
	if err := h.c.Stop(context.Background(), id); err != nil {
		t.Fatalf("stop: %v", err)
	}
	report := h.status(t, id)
	if report.Session.State != model.SessionStopped || report.Running {
		t.Fatalf("expected a stopped session without loop, got %s running=%v", report.Session.State, report.Running)
	}
	for _, agent := range report.Agents {
		if agent.Status != model.AgentStatusAbandoned {
			t.Fatalf("expected agent %s abandoned, got %s", agent.ID, agent.Status)
		}
	}
	holder, err := h.store.ClaimHolder(context.Background(), model.WorkRef{EpicID: "E1", StoryID: "S1"})
	if err != nil || holder != "" {
		t.Fatalf("expected claim released, got %q (%v)", holder, err)
	}
	if err := h.c.Resume(context.Background(), id); !errors.Is(err, ErrSessionTerminal) {
		t.Fatalf("expected ErrSessionTerminal on resume, got %v", err)
	}
}

func TestAutoMergeOpensAndMergesPullRequest(t *testing.T) {
	host := &fakeHost{}
	var trees *fakeWorktrees
	h := newHarness(t, singleEpic, func(opts *Options) {
		opts.Host = host
		trees = &fakeWorktrees{root: opts.RepoRoot}
		opts.Worktrees = trees
	})

	id, err := h.c.Start(context.Background(), "", model.SessionConfig{MaxAgents: 1, AutoMerge: true, BaseBranch: "main"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	h.wait(t, id)

	report := h.status(t, id)
	if report.Session.State != model.SessionDone {
		t.Fatalf("expected DONE, got %s (%s)", report.Session.State, report.Session.BlockedReason)
	}
	item := report.Items[0]
	if item.Status != model.StoryDone || item.PRNumber != 7 || item.Branch != "foreman/E1/S1" {
		t.Fatalf("unexpected story after merge: %+v", item)
	}
	host.mu.Lock()
	defer host.mu.Unlock()
	if len(host.created) != 1 || host.created[0].Base != "main" || host.created[0].Head != item.Branch {
		t.Fatalf("expected one pull request into main, got %+v", host.created)
	}
	if len(host.merged) != 1 || host.merged[0] != 7 {
		t.Fatalf("expected pull request 7 merged, got %v", host.merged)
	}
	if len(host.pushes) == 0 {
		t.Fatalf("expected the branch to be pushed")
	}
	trees.mu.Lock()
	defer trees.mu.Unlock()
	if len(trees.removed) != 1 {
		t.Fatalf("expected the worktree to be removed, got %v", trees.removed)
	}
}

func TestApprovedStoryWithoutBuildReportIsSentBack(t *testing.T) {
	h := newHarness(t, singleEpic, nil)
	var implemented atomic.Int32
	h.rt.implement = func(fakeCall) string {
		if implemented.Add(1) == 1 {
			return "Done.\nSTATUS: COMPLETE\nSUMMARY: implemented\n"
		}
		return completeOutput
	}

	id, err := h.c.Start(context.Background(), "", model.SessionConfig{MaxAgents: 1})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	h.wait(t, id)

	report := h.status(t, id)
	if report.Session.State != model.SessionDone {
		t.Fatalf("expected DONE, got %s (%s)", report.Session.State, report.Session.BlockedReason)
	}
	calls := h.rt.callsOf(model.AgentTypeImplementer)
	if len(calls) != 2 {
		t.Fatalf("expected the implementer to be called back once, got %d calls", len(calls))
	}
	if calls[1].Spawn || !strings.Contains(calls[1].Prompt, "report BUILD: pass or BUILD: fail") {
		t.Fatalf("expected a continuation asking for the build result, got %+v", calls[1])
	}
	implementers := agentsOf(report, model.AgentTypeImplementer)
	if len(implementers) != 1 {
		t.Fatalf("expected one implementer, got %d", len(implementers))
	}
	continuations, err := h.store.ListContinuations(context.Background(), implementers[0].ID)
	if err != nil {
		t.Fatalf("list continuations: %v", err)
	}
	if len(continuations) != 1 || continuations[0].Reason != model.ContinueTestFailures {
		t.Fatalf("expected one test-failures continuation, got %+v", continuations)
	}
	if got := report.Items[0].CIFixIterations; got != 1 {
		t.Fatalf("expected one fix iteration, got %d", got)
	}
}

func TestForkRetryReplacesStuckImplementer(t *testing.T) {
	h := newHarness(t, singleEpic, nil)
	h.rt.gate = make(chan struct{})

	id, err := h.c.Start(context.Background(), "", model.SessionConfig{MaxAgents: 1})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	var stuckID string
	select {
	case stuckID = <-h.rt.spawned:
	case <-time.After(15 * time.Second):
		t.Fatalf("implementer never spawned")
	}

	detail, err := h.c.Execute(context.Background(), model.StuckAgentDetection{
		ID:        "det-1",
		AgentID:   stuckID,
		SessionID: id,
		EpicID:    "E1",
		StoryID:   "S1",
		Type:      model.StuckNoProgress,
		Severity:  model.StuckCritical,
		Detail:    "5 turns without progress",
	}, model.ActionForkRetry)
	if err != nil {
		t.Fatalf("execute fork retry: %v", err)
	}
	if !strings.HasPrefix(detail, "forked to agent-") {
		t.Fatalf("unexpected detail %q", detail)
	}

	close(h.rt.gate)
	h.wait(t, id)
	report := h.status(t, id)
	if report.Session.State != model.SessionDone {
		t.Fatalf("expected DONE, got %s", report.Session.State)
	}
	implementers := agentsOf(report, model.AgentTypeImplementer)
	if len(implementers) != 2 {
		t.Fatalf("expected a forked implementer, got %d", len(implementers))
	}
	for _, agent := range implementers {
		if agent.ID == stuckID && agent.Status != model.AgentStatusAbandoned {
			t.Fatalf("expected stuck agent abandoned, got %s", agent.Status)
		}
	}
	calls := h.rt.callsOf(model.AgentTypeImplementer)
	if !strings.Contains(calls[len(calls)-1].Prompt, "5 turns without progress") {
		t.Fatalf("expected the fork to carry the detection detail")
	}
}

func TestUnblockRefusesFinishedSession(t *testing.T) {
	h := newHarness(t, chainEpic, nil)
	id, err := h.c.Start(context.Background(), "", model.SessionConfig{DryRun: true})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.c.Unblock(context.Background(), id, model.UnblockRetry); !errors.Is(err, ErrSessionTerminal) {
		t.Fatalf("expected ErrSessionTerminal for a finished session, got %v", err)
	}
}
