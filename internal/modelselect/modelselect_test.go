package modelselect

import (
	"io"
	"log/slog"
	"testing"

	"foreman/internal/model"
	"foreman/internal/policy"
)

func newSelector() *Selector {
	return New(policy.Default(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestBaseMapping(t *testing.T) {
	s := newSelector()
	cases := []struct {
		task Task
		want model.ModelTier
	}{
		{Task{CriteriaCount: 2, FileCount: 2}, model.TierFast},
		{Task{CriteriaCount: 4, FileCount: 2, DependencyDepth: 1}, model.TierStandard},
		{Task{CriteriaCount: 8, FileCount: 6, DependencyDepth: 2}, model.TierCapable},
	}
	for i, c := range cases {
		if got := s.Select(c.task, 0, "", ""); got.Tier != c.want {
			t.Fatalf("case %d: expected %s, got %s (%s)", i, c.want, got.Tier, got.Reasoning())
		}
	}
}

func TestRetryEscalatesOneTier(t *testing.T) {
	s := newSelector()
	simple := Task{CriteriaCount: 1}
	if got := s.Select(simple, 1, "", ""); got.Tier != model.TierFast {
		t.Fatalf("expected no escalation below threshold, got %s", got.Tier)
	}
	if got := s.Select(simple, 2, "", ""); got.Tier != model.TierStandard {
		t.Fatalf("expected one tier escalation at retry 2, got %s", got.Tier)
	}
}

func TestCriticalReviewForcesCapable(t *testing.T) {
	s := newSelector()
	got := s.Select(Task{CriteriaCount: 1}, 0, model.SeverityCritical, "")
	if got.Tier != model.TierCapable {
		t.Fatalf("expected CRITICAL issue to force capable tier, got %s", got.Tier)
	}
	if got := s.Select(Task{CriteriaCount: 1}, 0, model.SeverityHigh, ""); got.Tier != model.TierFast {
		t.Fatalf("expected HIGH issue to leave the tier unchanged, got %s", got.Tier)
	}
}

func TestOverrideWins(t *testing.T) {
	s := newSelector()
	cfg := policy.Default()
	got := s.Select(Task{CriteriaCount: 20}, 5, model.SeverityCritical, "fast")
	if got.Tier != model.TierFast || got.Model != cfg.Models.Fast {
		t.Fatalf("expected tier override to win, got %+v", got)
	}
	got = s.Select(Task{CriteriaCount: 1}, 0, "", "gpt-custom")
	if got.Model != "gpt-custom" {
		t.Fatalf("expected model override to win, got %+v", got)
	}
	if len(got.Reasons) == 0 {
		t.Fatalf("expected selection reasoning to be recorded")
	}
}
