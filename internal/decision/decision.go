package decision

import (
	"fmt"
	"strings"
	"time"

	"foreman/internal/backoff"
	"foreman/internal/model"
	"foreman/internal/policy"
	"foreman/internal/signal"
)

type Kind string

const (
	KindSpawnAgent    Kind = "SpawnAgent"
	KindContinueAgent Kind = "ContinueAgent"
	KindTriggerReview Kind = "TriggerReview"
	KindCompleteWork  Kind = "CompleteWork"
	KindEscalate      Kind = "Escalate"
	KindWait          Kind = "Wait"
)

const (
	ReasonNoStatusSignal  = "no status signal"
	ReasonWaitCeiling     = "wait ceiling exceeded"
	ReasonReviewPingPong  = "review ping-pong"
	ReasonCIFixLoop       = "ci fix loop"
	ReasonAwaiting        = "awaiting external state"
	ReasonNeedsDiscussion = "reviewer asked for discussion"
	ReasonEvaluationLoop  = "evaluation still incomplete"
)

type Decision struct {
	Kind               Kind                     `json:"kind"`
	Message            string                   `json:"message,omitempty"`
	ContinuationReason model.ContinuationReason `json:"continuation_reason,omitempty"`
	Reason             string                   `json:"reason,omitempty"`
	Blocker            string                   `json:"blocker,omitempty"`
	Wait               time.Duration            `json:"wait,omitempty"`
	Iteration          int                      `json:"iteration,omitempty"`
	EdgeCase           model.EdgeCaseKind       `json:"edge_case,omitempty"`
}

func (d Decision) String() string {
	switch d.Kind {
	case KindContinueAgent:
		return fmt.Sprintf("%s(%s)", d.Kind, d.ContinuationReason)
	case KindEscalate:
		return fmt.Sprintf("%s(%s)", d.Kind, d.Reason)
	case KindWait:
		return fmt.Sprintf("%s(%s, %s)", d.Kind, d.Wait, d.Reason)
	}
	return string(d.Kind)
}

// State is the slice of session and story state the engine decides on.
type State struct {
	Ref              model.WorkRef
	Phase            model.StoryStatus
	ReviewIterations int
	CIFixIterations  int
	WaitAttempts     int
	Waited           time.Duration
	// Review is the latest review of the current revision, nil if the
	// current revision has not been reviewed.
	Review     *model.CodeReviewResult
	HasPR      bool
	QueuedWork bool
	Capacity   bool
}

// StoryTerminal reports whether there is no current story to decide about.
func (s State) StoryTerminal() bool {
	return s.Phase == "" || s.Phase == model.StoryQueued || s.Phase.Terminal()
}

type Config struct {
	MaxReviewIterations int
	MaxCIFixIterations  int
	MaxWait             time.Duration
	PollInterval        time.Duration
	Backoff             backoff.Config
}

func ConfigFromPolicy(cfg policy.Config) Config {
	return Config{
		MaxReviewIterations: cfg.Decision.MaxReviewIterations,
		MaxCIFixIterations:  cfg.Decision.MaxCIFixIterations,
		MaxWait:             time.Duration(cfg.Decision.MaxWaitSeconds) * time.Second,
		PollInterval:        cfg.PollInterval(),
		Backoff:             backoff.FromPolicy(cfg),
	}
}

// Engine holds configuration only; Evaluate keeps no state between calls.
type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) Engine {
	return Engine{cfg: cfg}
}

func (e Engine) Evaluate(state State, sig signal.Result, eval *model.WorkEvaluation) Decision {
	if state.StoryTerminal() {
		return e.idle(state)
	}

	if !sig.Parsed {
		return Decision{Kind: KindEscalate, Reason: ReasonNoStatusSignal, Blocker: "unparseable"}
	}
	if sig.Signal == signal.Blocked {
		blocker := firstNonEmpty(sig.Field("BLOCKER"), sig.Field("BLOCKER_TYPE"), "agent_blocked")
		reason := firstNonEmpty(sig.Field("REASON"), sig.Field("DETAILS"), sig.Field("SUMMARY"), "agent reported BLOCKED")
		return Decision{Kind: KindEscalate, Reason: reason, Blocker: blocker}
	}

	if sig.Signal == signal.Waiting || sig.Signal == signal.ReviewPending {
		edge := model.EdgeExternalOutage
		if sig.Signal == signal.ReviewPending {
			edge = model.EdgeDelayedReview
		}
		return e.wait(state, firstNonEmpty(sig.Field("WAITING_ON"), sig.Field("REASON"), strings.ToLower(string(sig.Signal))), edge)
	}

	if eval != nil && len(eval.UnmetCriteria) > 0 {
		return Decision{
			Kind:               KindContinueAgent,
			ContinuationReason: model.ContinueIncompleteCriteria,
			Message:            unmetCriteriaMessage(state.Ref, eval.UnmetCriteria),
		}
	}

	if (sig.Signal == signal.Complete || sig.Signal == signal.NeedsReview) && state.Review == nil {
		return Decision{Kind: KindTriggerReview}
	}

	if state.Review != nil && state.Review.Verdict == model.VerdictChangesRequested {
		iteration := state.ReviewIterations + 1
		if state.Review.Iteration > iteration {
			iteration = state.Review.Iteration
		}
		if iteration > e.cfg.MaxReviewIterations {
			return Decision{Kind: KindEscalate, Reason: ReasonReviewPingPong, Blocker: "review", Iteration: iteration, EdgeCase: model.EdgeReviewPingPong}
		}
		return Decision{
			Kind:               KindContinueAgent,
			ContinuationReason: model.ContinueReviewFeedback,
			Message:            reviewFeedbackMessage(*state.Review, iteration),
			Iteration:          iteration,
		}
	}

	ciRed := eval != nil && eval.CIStatus == model.CheckFailure
	if sig.Signal == signal.CIStillFailing || (state.Review != nil && ciRed) {
		iteration := state.CIFixIterations + 1
		if iteration > e.cfg.MaxCIFixIterations {
			return Decision{Kind: KindEscalate, Reason: ReasonCIFixLoop, Blocker: "ci", Iteration: iteration}
		}
		var failing []string
		if eval != nil {
			failing = eval.FailingChecks
		}
		return Decision{
			Kind:               KindContinueAgent,
			ContinuationReason: model.ContinueTestFailures,
			Message:            ciFailureMessage(failing, sig.Field("FAILURES")),
			Iteration:          iteration,
		}
	}

	if state.Review != nil && state.Review.Verdict == model.VerdictNeedsDiscussion {
		return Decision{Kind: KindEscalate, Reason: ReasonNeedsDiscussion, Blocker: "review"}
	}

	if state.Review != nil && state.Review.Verdict == model.VerdictApproved && eval != nil {
		if eval.Status == model.EvaluationComplete {
			return Decision{Kind: KindCompleteWork}
		}
		if agentFixable(eval) {
			iteration := state.CIFixIterations + 1
			if iteration > e.cfg.MaxCIFixIterations {
				return Decision{Kind: KindEscalate, Reason: ReasonEvaluationLoop, Blocker: "evaluation", Iteration: iteration}
			}
			return Decision{
				Kind:               KindContinueAgent,
				ContinuationReason: model.ContinueTestFailures,
				Message:            evaluationFeedbackMessage(state.Ref, eval.Feedback),
				Iteration:          iteration,
			}
		}
	}

	return e.poll(state)
}

// poll waits one poll interval for external state. Polls count against the
// wait ceiling like any other wait.
func (e Engine) poll(state State) Decision {
	attempt := state.WaitAttempts + 1
	if e.cfg.MaxWait > 0 && state.Waited+e.cfg.PollInterval > e.cfg.MaxWait {
		return Decision{
			Kind:    KindEscalate,
			Reason:  fmt.Sprintf("%s waiting on %s", ReasonWaitCeiling, strings.ToLower(string(state.Phase))),
			Blocker: "external_dependency",
		}
	}
	return Decision{Kind: KindWait, Wait: e.cfg.PollInterval, Reason: ReasonAwaiting, Iteration: attempt}
}

func (e Engine) idle(state State) Decision {
	if state.QueuedWork && state.Capacity {
		return Decision{Kind: KindSpawnAgent}
	}
	return Decision{Kind: KindWait, Wait: e.cfg.PollInterval, Reason: ReasonAwaiting}
}

func (e Engine) wait(state State, on string, edge model.EdgeCaseKind) Decision {
	attempt := state.WaitAttempts + 1
	delay := backoff.DelayForAttempt(attempt, e.cfg.Backoff, state.Ref.String())
	if e.cfg.MaxWait > 0 && state.Waited+delay > e.cfg.MaxWait {
		return Decision{
			Kind:     KindEscalate,
			Reason:   fmt.Sprintf("%s waiting on %s", ReasonWaitCeiling, on),
			Blocker:  "external_dependency",
			EdgeCase: edge,
		}
	}
	return Decision{Kind: KindWait, Wait: delay, Reason: "waiting on " + on, Iteration: attempt}
}

// agentFixable reports whether the agent can settle what keeps eval
// incomplete: a build or lint that failed or was never reported, or blocking
// issues left open under an approval. Pending CI and merge conflicts are
// waited on and handled by the watchdog instead.
func agentFixable(eval *model.WorkEvaluation) bool {
	return owedByAgent(eval.BuildStatus) || owedByAgent(eval.LintStatus) || eval.OpenBlockingIssues > 0
}

func owedByAgent(status model.CheckConclusion) bool {
	return status != model.CheckSuccess && status != model.CheckPending
}

func evaluationFeedbackMessage(ref model.WorkRef, feedback string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Story %s was approved but is not complete yet:\n", ref)
	if strings.TrimSpace(feedback) != "" {
		b.WriteString(strings.TrimSpace(feedback))
		b.WriteString("\n")
	}
	b.WriteString("\nFix what is listed, run the build and the linter, and finish with a STATUS block that includes BUILD and LINT lines.")
	return b.String()
}

func unmetCriteriaMessage(ref model.WorkRef, unmet []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Story %s is not complete yet. The following acceptance criteria are not met:\n", ref)
	for _, criterion := range unmet {
		fmt.Fprintf(&b, "- [ ] %s\n", criterion)
	}
	b.WriteString("\nImplement each of them, tick its checkbox in the story file once it is satisfied, and finish with a STATUS line.")
	return b.String()
}

func reviewFeedbackMessage(review model.CodeReviewResult, iteration int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Code review requested changes (iteration %d).\n", iteration)
	if len(review.Issues) > 0 {
		b.WriteString("\nIssues:\n")
		for _, issue := range review.Issues {
			fmt.Fprintf(&b, "- [%s] %s\n", issue.Severity, issue.Text)
		}
	}
	if strings.TrimSpace(review.Feedback) != "" {
		b.WriteString("\nFeedback:\n")
		b.WriteString(strings.TrimSpace(review.Feedback))
		b.WriteString("\n")
	}
	b.WriteString("\nAddress every issue, then finish with STATUS: NEEDS_REVIEW.")
	return b.String()
}

func ciFailureMessage(failing []string, details string) string {
	var b strings.Builder
	b.WriteString("CI is failing.")
	if len(failing) > 0 {
		b.WriteString(" Failing checks:\n")
		for _, name := range failing {
			fmt.Fprintf(&b, "- %s\n", name)
		}
	} else {
		b.WriteString("\n")
	}
	if strings.TrimSpace(details) != "" {
		b.WriteString("\nDetails:\n")
		b.WriteString(strings.TrimSpace(details))
		b.WriteString("\n")
	}
	b.WriteString("\nFix the failures, push, and finish with STATUS: CI_FIXED or STATUS: CI_STILL_FAILING.")
	return b.String()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
