package signal

import (
	"testing"

	"foreman/internal/model"
)

func TestParseCompleteWithFields(t *testing.T) {
	output := `I implemented the handler and added tests.

STATUS: COMPLETE
SUMMARY: Added the /health endpoint
FILES_CHANGED: 3
BUILD: pass

Let me know if anything else is needed.`
	result := Parse(output)
	if !result.Is(Complete) {
		t.Fatalf("expected COMPLETE, got %+v", result)
	}
	if result.Field("summary") != "Added the /health endpoint" {
		t.Fatalf("unexpected summary %q", result.Field("SUMMARY"))
	}
	if n, ok := result.IntField("FILES_CHANGED"); !ok || n != 3 {
		t.Fatalf("expected FILES_CHANGED=3, got %d (ok=%v)", n, ok)
	}
	if result.Field("BUILD") != "pass" {
		t.Fatalf("expected BUILD=pass")
	}
	if _, ok := result.Fields["LET"]; ok {
		t.Fatalf("expected capture to stop at the blank line")
	}
}

func TestParseWithoutMarkerIsUnparseable(t *testing.T) {
	result := Parse("I think I am finished, the tests pass.")
	if result.Parsed {
		t.Fatalf("expected unparseable output, got %+v", result)
	}
	if result.Is(Complete) {
		t.Fatalf("unparseable output must never read as COMPLETE")
	}
}

func TestParseUnknownSignalIsUnparseable(t *testing.T) {
	if result := Parse("STATUS: FINISHED"); result.Parsed {
		t.Fatalf("expected unknown signal to be unparseable, got %+v", result)
	}
}

func TestParseToleratesMarkdown(t *testing.T) {
	result := Parse("Work summary follows.\n\n**STATUS:** NEEDS_REVIEW\n**SUMMARY:** ready\n")
	if !result.Is(NeedsReview) {
		t.Fatalf("expected NEEDS_REVIEW, got %+v", result)
	}
	if result.Field("SUMMARY") != "ready" {
		t.Fatalf("expected SUMMARY=ready, got %q", result.Field("SUMMARY"))
	}
}

func TestParseLastMarkerWins(t *testing.T) {
	output := "Protocol reminder: end with STATUS lines.\nSTATUS: WAITING\nREASON: ci\n\nCI finished.\nSTATUS: CI_FIXED\n"
	result := Parse(output)
	if !result.Is(CIFixed) {
		t.Fatalf("expected the final marker to win, got %s", result.Signal)
	}
	if result.Field("REASON") != "" {
		t.Fatalf("expected fields of the earlier marker to be ignored")
	}
}

func TestParseBlockScalar(t *testing.T) {
	output := `Review done.
STATUS: REVIEW_FAILED
VERDICT: ChangesRequested
ITERATION: 2
ISSUES: |
  - [HIGH] Missing nil check in handler
  - [LOW] Rename variable
FEEDBACK_FOR_AGENT: |
  Add a nil check before dereferencing the config.

  Then rerun the tests.

trailing prose`
	result := Parse(output)
	if !result.Is(ReviewFailed) {
		t.Fatalf("expected REVIEW_FAILED, got %+v", result)
	}
	wantFeedback := "Add a nil check before dereferencing the config.\n\nThen rerun the tests."
	if result.Field("FEEDBACK_FOR_AGENT") != wantFeedback {
		t.Fatalf("unexpected feedback %q", result.Field("FEEDBACK_FOR_AGENT"))
	}

	review, ok := Review(result)
	if !ok {
		t.Fatalf("expected review to be extracted")
	}
	if review.Verdict != model.VerdictChangesRequested || review.Iteration != 2 {
		t.Fatalf("unexpected review %+v", review)
	}
	if len(review.Issues) != 2 || review.Issues[0].Severity != model.SeverityHigh {
		t.Fatalf("unexpected issues %+v", review.Issues)
	}
	if review.Issues[0].Text != "Missing nil check in handler" {
		t.Fatalf("unexpected issue text %q", review.Issues[0].Text)
	}
}

func TestReviewFromPassedSignal(t *testing.T) {
	review, ok := Review(Parse("STATUS: REVIEW_PASSED\n"))
	if !ok || review.Verdict != model.VerdictApproved {
		t.Fatalf("expected approved review, got %+v (ok=%v)", review, ok)
	}
	if _, ok := Review(Parse("STATUS: COMPLETE\n")); ok {
		t.Fatalf("expected no review from a COMPLETE signal without VERDICT")
	}
}

func TestParseIssuesIgnoresProse(t *testing.T) {
	issues := ParseIssues("lower the timeout\nCRITICAL: SQL injection in query builder\n* [medium] long function")
	if len(issues) != 2 {
		t.Fatalf("expected two issues, got %+v", issues)
	}
	if issues[0].Severity != model.SeverityCritical || issues[1].Severity != model.SeverityMedium {
		t.Fatalf("unexpected severities %+v", issues)
	}
}
