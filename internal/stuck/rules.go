package stuck

import (
	"fmt"
	"strings"
	"time"

	"foreman/internal/model"
	"foreman/internal/policy"
)

type Thresholds struct {
	TurnLimitRatio    float64
	NoProgressTurns   int
	CITimeout         time.Duration
	ReviewDelay       time.Duration
	ContextLimitRatio float64
	RateLimitWindow   time.Duration
}

func ThresholdsFromPolicy(cfg policy.Config) Thresholds {
	return Thresholds{
		TurnLimitRatio:    cfg.Stuck.TurnLimitRatio,
		NoProgressTurns:   cfg.Stuck.NoProgressTurns,
		CITimeout:         time.Duration(cfg.Stuck.CITimeoutMinutes) * time.Minute,
		ReviewDelay:       time.Duration(cfg.Stuck.ReviewDelayMinutes) * time.Minute,
		ContextLimitRatio: cfg.Stuck.ContextLimitRatio,
		RateLimitWindow:   time.Duration(cfg.Stuck.RateLimitSeconds) * time.Second,
	}
}

// Observation is one agent and the story state around it at a point in time.
type Observation struct {
	Agent model.AgentRecord
	// LastPushAt is the last push of the story branch, nil before any push.
	LastPushAt *time.Time
	// LastCIUpdate is the most recent CI record update, zero when none.
	LastCIUpdate time.Time
	CIPending    bool
	// ReviewRequestedAt is when a review of the current revision was asked
	// for; nil when no review is outstanding.
	ReviewRequestedAt *time.Time
	Mergeable         *bool
	ConflictingFiles  []string
}

type Finding struct {
	Type     model.StuckType
	Severity model.StuckSeverity
	Detail   string
}

type rule func(th Thresholds, obs Observation, now time.Time) (Finding, bool)

var rules = map[model.StuckType]rule{
	model.StuckTurnLimitApproaching:    turnLimitApproaching,
	model.StuckNoProgress:              noProgress,
	model.StuckCiTimeout:               ciTimeout,
	model.StuckReviewDelay:             reviewDelay,
	model.StuckMergeConflict:           mergeConflict,
	model.StuckRateLimited:             rateLimited,
	model.StuckContextLimitApproaching: contextLimitApproaching,
}

// Evaluate runs every rule independently and returns the ones that fire, in
// model.AllStuckTypes order.
func Evaluate(th Thresholds, obs Observation, now time.Time) []Finding {
	out := []Finding{}
	for _, stuckType := range model.AllStuckTypes {
		finding, ok := rules[stuckType](th, obs, now)
		if !ok {
			continue
		}
		finding.Type = stuckType
		out = append(out, finding)
	}
	return out
}

func turnLimitApproaching(th Thresholds, obs Observation, _ time.Time) (Finding, bool) {
	if obs.Agent.MaxTurns <= 0 {
		return Finding{}, false
	}
	if float64(obs.Agent.TurnsUsed) < th.TurnLimitRatio*float64(obs.Agent.MaxTurns) {
		return Finding{}, false
	}
	return Finding{
		Severity: model.StuckWarning,
		Detail:   fmt.Sprintf("used %d of %d turns", obs.Agent.TurnsUsed, obs.Agent.MaxTurns),
	}, true
}

func noProgress(th Thresholds, obs Observation, _ time.Time) (Finding, bool) {
	if th.NoProgressTurns <= 0 || obs.Agent.TurnsSinceProgress < th.NoProgressTurns {
		return Finding{}, false
	}
	severity := model.StuckWarning
	if obs.Agent.TurnsSinceProgress >= 2*th.NoProgressTurns {
		severity = model.StuckCritical
	}
	return Finding{
		Severity: severity,
		Detail:   fmt.Sprintf("%d turns without progress", obs.Agent.TurnsSinceProgress),
	}, true
}

func ciTimeout(th Thresholds, obs Observation, now time.Time) (Finding, bool) {
	if obs.LastPushAt == nil || !obs.CIPending || th.CITimeout <= 0 {
		return Finding{}, false
	}
	since := *obs.LastPushAt
	if obs.LastCIUpdate.After(since) {
		since = obs.LastCIUpdate
	}
	idle := now.Sub(since)
	if idle <= th.CITimeout {
		return Finding{}, false
	}
	return Finding{
		Severity: model.StuckCritical,
		Detail:   fmt.Sprintf("CI pending with no update for %s since last push", idle.Round(time.Minute)),
	}, true
}

func reviewDelay(th Thresholds, obs Observation, now time.Time) (Finding, bool) {
	if obs.ReviewRequestedAt == nil || th.ReviewDelay <= 0 {
		return Finding{}, false
	}
	waited := now.Sub(*obs.ReviewRequestedAt)
	if waited <= th.ReviewDelay {
		return Finding{}, false
	}
	return Finding{
		Severity: model.StuckWarning,
		Detail:   fmt.Sprintf("no review after %s", waited.Round(time.Minute)),
	}, true
}

func mergeConflict(_ Thresholds, obs Observation, _ time.Time) (Finding, bool) {
	if obs.Mergeable == nil || *obs.Mergeable || len(obs.ConflictingFiles) == 0 {
		return Finding{}, false
	}
	return Finding{
		Severity: model.StuckCritical,
		Detail:   "conflicting files: " + strings.Join(obs.ConflictingFiles, ", "),
	}, true
}

func rateLimited(th Thresholds, obs Observation, now time.Time) (Finding, bool) {
	if obs.Agent.RateLimitedAt == nil {
		return Finding{}, false
	}
	if th.RateLimitWindow > 0 && now.Sub(*obs.Agent.RateLimitedAt) > th.RateLimitWindow {
		return Finding{}, false
	}
	return Finding{
		Severity: model.StuckWarning,
		Detail:   "rate limited at " + obs.Agent.RateLimitedAt.UTC().Format(time.RFC3339),
	}, true
}

func contextLimitApproaching(th Thresholds, obs Observation, _ time.Time) (Finding, bool) {
	if obs.Agent.ContextWindow <= 0 {
		return Finding{}, false
	}
	if float64(obs.Agent.ContextTokens) < th.ContextLimitRatio*float64(obs.Agent.ContextWindow) {
		return Finding{}, false
	}
	return Finding{
		Severity: model.StuckWarning,
		Detail:   fmt.Sprintf("context at %d of %d tokens", obs.Agent.ContextTokens, obs.Agent.ContextWindow),
	}, true
}
