package evaluation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"foreman/internal/model"
	"foreman/internal/planner"
	"foreman/internal/platform"
	"foreman/internal/policy"
	"foreman/internal/signal"
)

// Records is the slice of the store the evaluator reads and writes.
type Records interface {
	LatestCIChecks(ctx context.Context, sessionID string, ref model.WorkRef) ([]model.CiCheckResult, error)
	LatestReview(ctx context.Context, sessionID string, ref model.WorkRef) (*model.CodeReviewResult, error)
	InsertEvaluation(ctx context.Context, eval model.WorkEvaluation) error
}

type Config struct {
	RequiredChecks []string
	BuildCheck     string
	LintCheck      string
}

func ConfigFromPolicy(cfg policy.Config) Config {
	return Config{
		RequiredChecks: append([]string(nil), cfg.Evaluation.RequiredChecks...),
		BuildCheck:     cfg.Evaluation.BuildCheck,
		LintCheck:      cfg.Evaluation.LintCheck,
	}
}

type Evaluator struct {
	records Records
	host    platform.Host
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

func NewEvaluator(records Records, host platform.Host, cfg Config, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{records: records, host: host, cfg: cfg, logger: logger, now: time.Now}
}

// Evaluate gathers evidence for item, judges it and persists the result.
// The returned evaluation is never modified afterwards.
func (e *Evaluator) Evaluate(ctx context.Context, item model.WorkItem, output signal.Result) (model.WorkEvaluation, error) {
	ev, err := e.gather(ctx, item, output)
	if err != nil {
		return model.WorkEvaluation{}, err
	}
	eval, results := Judge(ev)
	eval.ID = uuid.NewString()
	eval.SessionID = item.SessionID
	eval.AgentID = item.AgentID
	eval.CreatedAt = e.now().UTC()
	if err := e.records.InsertEvaluation(ctx, eval); err != nil {
		return model.WorkEvaluation{}, fmt.Errorf("persist evaluation for %s: %w", item.Ref(), err)
	}
	e.logger.Debug("work evaluated",
		"session_id", item.SessionID,
		"story", item.Ref().String(),
		"status", eval.Status,
		"checks", summarize(results),
	)
	return eval, nil
}

func (e *Evaluator) gather(ctx context.Context, item model.WorkItem, output signal.Result) (Evidence, error) {
	ev := Evidence{
		Ref:            item.Ref(),
		Criteria:       item.AcceptanceCriteria,
		RequiredChecks: e.cfg.RequiredChecks,
		HasPR:          item.PRNumber > 0,
	}
	if strings.TrimSpace(item.WorktreePath) != "" {
		criteria, err := planner.ReadCriteria(item.WorktreePath, item)
		if err != nil {
			e.logger.Warn("story source unreadable in worktree, using planned criteria",
				"story", item.Ref().String(), "error", err)
		} else {
			ev.Criteria = criteria
		}
	}

	checks, err := e.records.LatestCIChecks(ctx, item.SessionID, item.Ref())
	if err != nil {
		return Evidence{}, fmt.Errorf("load ci checks for %s: %w", item.Ref(), err)
	}
	ev.Checks = checks

	review, err := e.records.LatestReview(ctx, item.SessionID, item.Ref())
	if err != nil {
		return Evidence{}, fmt.Errorf("load review for %s: %w", item.Ref(), err)
	}
	ev.Review = FreshReview(item, review)

	ev.BuildStatus = reported(output.Field("BUILD"), item.BuildStatus)
	ev.LintStatus = reported(output.Field("LINT"), item.LintStatus)
	for _, c := range checks {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if ev.BuildStatus == model.CheckUnknown && name == strings.ToLower(e.cfg.BuildCheck) {
			ev.BuildStatus = c.Conclusion
		}
		if ev.LintStatus == model.CheckUnknown && name == strings.ToLower(e.cfg.LintCheck) {
			ev.LintStatus = c.Conclusion
		}
	}

	if ev.HasPR && e.host != nil {
		pr, err := e.host.PullRequest(ctx, item.WorktreePath, item.PRNumber)
		if err != nil {
			return Evidence{}, fmt.Errorf("load pull request #%d: %w", item.PRNumber, err)
		}
		ev.Mergeable = pr.Mergeable
	}
	return ev, nil
}

// reported prefers a result in the current output over the one the story
// kept from an earlier turn.
func reported(field string, kept model.CheckConclusion) model.CheckConclusion {
	if conclusion := ParseConclusion(field); conclusion != model.CheckUnknown {
		return conclusion
	}
	if kept != "" {
		return kept
	}
	return model.CheckUnknown
}

// NoteReported stores the BUILD and LINT results of sig on item so later
// evaluations without agent output still see them.
func NoteReported(item *model.WorkItem, sig signal.Result) {
	if conclusion := ParseConclusion(sig.Field("BUILD")); conclusion != model.CheckUnknown {
		item.BuildStatus = conclusion
	}
	if conclusion := ParseConclusion(sig.Field("LINT")); conclusion != model.CheckUnknown {
		item.LintStatus = conclusion
	}
}

func summarize(results []CheckResult) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, r.Name+"="+r.Status)
	}
	return strings.Join(parts, " ")
}
