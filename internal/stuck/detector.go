package stuck

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"foreman/internal/model"
	"foreman/internal/recovery"
)

// Detections is the persistence the detector needs for de-duplication.
type Detections interface {
	OpenDetections(ctx context.Context, agentID string) ([]model.StuckAgentDetection, error)
	InsertDetection(ctx context.Context, detection model.StuckAgentDetection) error
	UpdateDetection(ctx context.Context, detection model.StuckAgentDetection) error
}

// Report is what changed for one agent during one observation.
type Report struct {
	Opened   []model.StuckAgentDetection
	Upgraded []model.StuckAgentDetection
	Cleared  []model.StuckAgentDetection
	// Open is every unresolved detection after the observation.
	Open []model.StuckAgentDetection
}

type Detector struct {
	store  Detections
	th     Thresholds
	logger *slog.Logger
}

func NewDetector(store Detections, th Thresholds, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{store: store, th: th, logger: logger}
}

// Observe applies the rules to obs. At most one unresolved detection exists
// per (agent, type): a repeat finding leaves it alone unless its severity
// rose, and an open detection whose rule no longer fires is resolved as
// condition_cleared.
func (d *Detector) Observe(ctx context.Context, obs Observation, now time.Time) (Report, error) {
	open, err := d.store.OpenDetections(ctx, obs.Agent.ID)
	if err != nil {
		return Report{}, fmt.Errorf("load open detections for %s: %w", obs.Agent.ID, err)
	}
	byType := map[model.StuckType]model.StuckAgentDetection{}
	for _, detection := range open {
		byType[detection.Type] = detection
	}

	report := Report{}
	firing := map[model.StuckType]bool{}
	for _, finding := range Evaluate(d.th, obs, now) {
		firing[finding.Type] = true
		existing, ok := byType[finding.Type]
		if !ok {
			detection := model.StuckAgentDetection{
				ID:              uuid.NewString(),
				AgentID:         obs.Agent.ID,
				SessionID:       obs.Agent.SessionID,
				EpicID:          obs.Agent.EpicID,
				StoryID:         obs.Agent.StoryID,
				Type:            finding.Type,
				Severity:        finding.Severity,
				Detail:          finding.Detail,
				SuggestedAction: recovery.FirstAction(finding.Type, finding.Severity),
				DetectedAt:      now.UTC(),
			}
			if err := d.store.InsertDetection(ctx, detection); err != nil {
				return report, fmt.Errorf("record %s detection for %s: %w", finding.Type, obs.Agent.ID, err)
			}
			d.logger.Warn("stuck agent detected",
				"session_id", detection.SessionID,
				"agent_id", detection.AgentID,
				"story", obs.Agent.Ref().String(),
				"stuck_type", detection.Type,
				"severity", detection.Severity,
				"detail", detection.Detail,
			)
			byType[finding.Type] = detection
			report.Opened = append(report.Opened, detection)
			continue
		}
		if finding.Severity.Rank() > existing.Severity.Rank() {
			existing.Severity = finding.Severity
			existing.Detail = finding.Detail
			existing.SuggestedAction = recovery.FirstAction(finding.Type, finding.Severity)
			if err := d.store.UpdateDetection(ctx, existing); err != nil {
				return report, fmt.Errorf("upgrade %s detection %s: %w", finding.Type, existing.ID, err)
			}
			byType[finding.Type] = existing
			report.Upgraded = append(report.Upgraded, existing)
		}
	}

	for _, stuckType := range model.AllStuckTypes {
		detection, ok := byType[stuckType]
		if !ok {
			continue
		}
		if firing[stuckType] {
			report.Open = append(report.Open, detection)
			continue
		}
		resolved, err := d.resolve(ctx, detection, model.ResolvedByConditionCleared, now)
		if err != nil {
			return report, err
		}
		report.Cleared = append(report.Cleared, resolved)
	}
	return report, nil
}

// ResolveAll resolves every open detection of an agent, used when the agent
// is abandoned or its story leaves the active phases.
func (d *Detector) ResolveAll(ctx context.Context, agentID string, by model.ResolvedBy, now time.Time) ([]model.StuckAgentDetection, error) {
	open, err := d.store.OpenDetections(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load open detections for %s: %w", agentID, err)
	}
	out := make([]model.StuckAgentDetection, 0, len(open))
	for _, detection := range open {
		resolved, err := d.resolve(ctx, detection, by, now)
		if err != nil {
			return out, err
		}
		out = append(out, resolved)
	}
	return out, nil
}

func (d *Detector) resolve(ctx context.Context, detection model.StuckAgentDetection, by model.ResolvedBy, now time.Time) (model.StuckAgentDetection, error) {
	at := now.UTC()
	detection.Resolved = true
	detection.ResolvedAt = &at
	detection.ResolvedBy = by
	if err := d.store.UpdateDetection(ctx, detection); err != nil {
		return detection, fmt.Errorf("resolve detection %s: %w", detection.ID, err)
	}
	d.logger.Info("stuck detection resolved", "agent_id", detection.AgentID, "stuck_type", detection.Type, "resolved_by", by)
	return detection, nil
}
