package evaluation

import (
	"fmt"
	"sort"
	"strings"

	"foreman/internal/model"
)

const (
	CheckStatusPassed  = "passed"
	CheckStatusFailed  = "failed"
	CheckStatusPending = "pending"
	CheckStatusSkipped = "skipped"
)

const (
	CheckCriteria  = "criteria"
	CheckCI        = "ci"
	CheckReview    = "review"
	CheckBuild     = "build"
	CheckLint      = "lint"
	CheckMergeable = "mergeable"
)

type CheckResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
	// ask is set on pending checks the agent itself has to settle.
	ask string
}

// Evidence is everything the judge looks at. Checks holds the latest result
// per check name.
type Evidence struct {
	Ref            model.WorkRef
	Criteria       []model.Criterion
	Checks         []model.CiCheckResult
	RequiredChecks []string
	Review         *model.CodeReviewResult
	BuildStatus    model.CheckConclusion
	LintStatus     model.CheckConclusion
	HasPR          bool
	Mergeable      *bool
}

type check func(ev Evidence, out *model.WorkEvaluation) CheckResult

var checkOrder = []struct {
	name string
	run  check
}{
	{CheckCriteria, checkCriteria},
	{CheckCI, checkCI},
	{CheckReview, checkReview},
	{CheckBuild, checkBuild},
	{CheckLint, checkLint},
	{CheckMergeable, checkMergeable},
}

// Judge runs every check against ev. The evaluation is complete only when no
// check failed or is still pending. Feedback lists the failed checks and the
// pending ones waiting on the agent.
func Judge(ev Evidence) (model.WorkEvaluation, []CheckResult) {
	out := model.WorkEvaluation{
		EpicID:    ev.Ref.EpicID,
		StoryID:   ev.Ref.StoryID,
		HasPR:     ev.HasPR,
		Mergeable: ev.Mergeable,
	}
	results := make([]CheckResult, 0, len(checkOrder))
	feedback := []string{}
	complete := true
	for _, c := range checkOrder {
		result := c.run(ev, &out)
		result.Name = c.name
		results = append(results, result)
		switch result.Status {
		case CheckStatusFailed:
			complete = false
			feedback = append(feedback, fmt.Sprintf("- %s: %s", c.name, result.Detail))
		case CheckStatusPending:
			complete = false
			if result.ask != "" {
				feedback = append(feedback, fmt.Sprintf("- %s: %s", c.name, result.ask))
			}
		}
	}
	out.Status = model.EvaluationIncomplete
	if complete {
		out.Status = model.EvaluationComplete
	}
	out.Feedback = strings.Join(feedback, "\n")
	return out, results
}

func checkCriteria(ev Evidence, out *model.WorkEvaluation) CheckResult {
	out.CriteriaTotal = len(ev.Criteria)
	for _, criterion := range ev.Criteria {
		if criterion.Done {
			out.CriteriaMet++
			continue
		}
		out.UnmetCriteria = append(out.UnmetCriteria, criterion.Text)
	}
	if out.CriteriaTotal == 0 {
		return CheckResult{Status: CheckStatusSkipped, Detail: "story declares no acceptance criteria"}
	}
	if len(out.UnmetCriteria) > 0 {
		return CheckResult{
			Status: CheckStatusFailed,
			Detail: fmt.Sprintf("%d of %d acceptance criteria unmet: %s", len(out.UnmetCriteria), out.CriteriaTotal, strings.Join(out.UnmetCriteria, "; ")),
		}
	}
	return CheckResult{Status: CheckStatusPassed, Detail: fmt.Sprintf("%d acceptance criteria met", out.CriteriaTotal)}
}

func checkCI(ev Evidence, out *model.WorkEvaluation) CheckResult {
	byName := map[string]model.CiCheckResult{}
	for _, c := range ev.Checks {
		byName[strings.ToLower(strings.TrimSpace(c.Name))] = c
	}
	considered := []model.CiCheckResult{}
	missing := []string{}
	if len(ev.RequiredChecks) > 0 {
		for _, name := range ev.RequiredChecks {
			c, ok := byName[strings.ToLower(strings.TrimSpace(name))]
			if !ok {
				missing = append(missing, name)
				continue
			}
			considered = append(considered, c)
		}
	} else {
		considered = append(considered, ev.Checks...)
	}
	sort.Slice(considered, func(i, j int) bool { return considered[i].Name < considered[j].Name })

	pending := append([]string(nil), missing...)
	for _, c := range considered {
		switch c.Conclusion {
		case model.CheckFailure, model.CheckCancelled:
			out.FailingChecks = append(out.FailingChecks, c.Name)
		case model.CheckPending, model.CheckUnknown:
			pending = append(pending, c.Name)
		}
	}
	switch {
	case len(out.FailingChecks) > 0:
		out.CIStatus = model.CheckFailure
		return CheckResult{Status: CheckStatusFailed, Detail: "failing checks: " + strings.Join(out.FailingChecks, ", ")}
	case len(pending) > 0:
		out.CIStatus = model.CheckPending
		return CheckResult{Status: CheckStatusPending, Detail: "waiting on checks: " + strings.Join(pending, ", ")}
	case len(considered) == 0:
		out.CIStatus = model.CheckSkipped
		return CheckResult{Status: CheckStatusSkipped, Detail: "no CI checks reported"}
	}
	out.CIStatus = model.CheckSuccess
	return CheckResult{Status: CheckStatusPassed, Detail: fmt.Sprintf("%d checks green", len(considered))}
}

func checkReview(ev Evidence, out *model.WorkEvaluation) CheckResult {
	if ev.Review == nil {
		return CheckResult{Status: CheckStatusPending, Detail: "current revision has not been reviewed"}
	}
	out.ReviewVerdict = ev.Review.Verdict
	out.OpenBlockingIssues = ev.Review.BlockingIssues()
	switch ev.Review.Verdict {
	case model.VerdictApproved:
		if out.OpenBlockingIssues > 0 {
			return CheckResult{Status: CheckStatusFailed, Detail: fmt.Sprintf("approved with %d blocking issues open", out.OpenBlockingIssues)}
		}
		return CheckResult{Status: CheckStatusPassed, Detail: "approved"}
	case model.VerdictChangesRequested:
		texts := []string{}
		for _, issue := range ev.Review.Issues {
			texts = append(texts, fmt.Sprintf("[%s] %s", issue.Severity, issue.Text))
		}
		detail := "changes requested"
		if len(texts) > 0 {
			detail += ": " + strings.Join(texts, "; ")
		}
		return CheckResult{Status: CheckStatusFailed, Detail: detail}
	}
	return CheckResult{Status: CheckStatusFailed, Detail: "reviewer asked for discussion"}
}

func checkBuild(ev Evidence, out *model.WorkEvaluation) CheckResult {
	out.BuildStatus = ev.BuildStatus
	return conclusionCheck("build", ev.BuildStatus)
}

func checkLint(ev Evidence, out *model.WorkEvaluation) CheckResult {
	out.LintStatus = ev.LintStatus
	return conclusionCheck("lint", ev.LintStatus)
}

func conclusionCheck(what string, status model.CheckConclusion) CheckResult {
	switch status {
	case model.CheckSuccess:
		return CheckResult{Status: CheckStatusPassed, Detail: what + " passed"}
	case model.CheckFailure, model.CheckCancelled:
		return CheckResult{Status: CheckStatusFailed, Detail: what + " failed"}
	case model.CheckPending:
		return CheckResult{Status: CheckStatusPending, Detail: what + " still running"}
	}
	detail := what + " status not reported"
	if status == model.CheckSkipped {
		detail = what + " was skipped"
	}
	upper := strings.ToUpper(what)
	return CheckResult{
		Status: CheckStatusPending,
		Detail: detail,
		ask:    fmt.Sprintf("%s; run the %s and report %s: pass or %s: fail", detail, what, upper, upper),
	}
}

func checkMergeable(ev Evidence, _ *model.WorkEvaluation) CheckResult {
	if !ev.HasPR {
		return CheckResult{Status: CheckStatusSkipped, Detail: "no pull request yet"}
	}
	if ev.Mergeable == nil {
		return CheckResult{Status: CheckStatusPending, Detail: "mergeability not computed yet"}
	}
	if !*ev.Mergeable {
		return CheckResult{Status: CheckStatusFailed, Detail: "pull request has merge conflicts with the base branch"}
	}
	return CheckResult{Status: CheckStatusPassed, Detail: "pull request is mergeable"}
}

// ParseConclusion reads a BUILD or LINT field from agent output.
func ParseConclusion(raw string) model.CheckConclusion {
	word := strings.ToLower(strings.TrimSpace(raw))
	if idx := strings.IndexAny(word, " \t(,;:"); idx > 0 {
		word = word[:idx]
	}
	switch word {
	case "pass", "passed", "passing", "ok", "success", "green", "clean":
		return model.CheckSuccess
	case "fail", "failed", "failing", "failure", "error", "red", "broken":
		return model.CheckFailure
	case "pending", "running":
		return model.CheckPending
	case "skip", "skipped", "n/a", "none":
		return model.CheckSkipped
	}
	return model.CheckUnknown
}

// FreshReview returns review when it covers the current revision of item.
// A review is stale once its iteration has been fed back to the agent, or
// when it predates the story's last retry.
func FreshReview(item model.WorkItem, review *model.CodeReviewResult) *model.CodeReviewResult {
	if review == nil {
		return nil
	}
	if review.Iteration <= item.ReviewIterations {
		return nil
	}
	if item.RetriedAt != nil && review.CreatedAt.Before(*item.RetriedAt) {
		return nil
	}
	return review
}
