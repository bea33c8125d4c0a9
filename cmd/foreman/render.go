package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"foreman/internal/eventbus"
	"foreman/internal/model"
	"foreman/internal/serviceapi"
)

// render prints value as JSON when --json is set and falls back to the
// human-readable text printer otherwise.
func render(settings *coreSettings, value any, text func()) error {
	if settings != nil && settings.JSON {
		return printJSON(os.Stdout, value)
	}
	text()
	return nil
}

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func emptyValue(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "n/a"
	}
	return t.UTC().Format(time.RFC3339)
}

func printStatus(w io.Writer, report serviceapi.StatusReport) {
	session := report.Session
	fmt.Fprintf(w, "Session: %s\n", session.ID)
	fmt.Fprintf(w, "State: %s\n", session.State)
	if session.ResumeState != "" {
		fmt.Fprintf(w, "Resumes to: %s\n", session.ResumeState)
	}
	fmt.Fprintf(w, "Pattern: %s\n", session.Pattern)
	fmt.Fprintf(w, "Loop running: %t\n", report.Running)
	if session.CurrentStoryID != "" {
		current := model.WorkRef{EpicID: session.CurrentEpicID, StoryID: session.CurrentStoryID}
		fmt.Fprintf(w, "Current story: %s agent=%s\n", current, emptyValue(session.CurrentAgentID, "none"))
	}
	if session.BlockedReason != "" {
		fmt.Fprintf(w, "Blocked: %s\n", session.BlockedReason)
	}
	fmt.Fprintf(w, "Progress: completed=%d failed=%d queued=%d\n",
		session.Metrics.StoriesCompleted, session.Metrics.StoriesFailed, len(session.WorkQueue))
	fmt.Fprintf(w, "Reviews: passed=%d failed=%d iterations=%d\n",
		session.Metrics.ReviewsPassed, session.Metrics.ReviewsFailed, session.Metrics.TotalIterations)
	fmt.Fprintf(w, "Agents spawned: %d tokens=%d\n", session.Metrics.AgentsSpawned, session.Metrics.TokensUsed)

	if len(report.Items) > 0 {
		fmt.Fprintln(w, "Stories:")
		for _, item := range report.Items {
			ref := model.WorkRef{EpicID: item.EpicID, StoryID: item.StoryID}
			fmt.Fprintf(w, "  - %s status=%s title=%q", ref, item.Status, item.Title)
			if item.PRNumber > 0 {
				fmt.Fprintf(w, " pr=#%d", item.PRNumber)
			}
			if item.ReviewIterations > 0 || item.CIFixIterations > 0 {
				fmt.Fprintf(w, " review_iter=%d ci_fix=%d", item.ReviewIterations, item.CIFixIterations)
			}
			fmt.Fprintln(w)
		}
	}
	if len(report.Agents) > 0 {
		fmt.Fprintln(w, "Agents:")
		for _, agent := range report.Agents {
			fmt.Fprintf(w, "  - %s type=%s status=%s model=%s turns=%d/%d\n",
				agent.ID, agent.Type, agent.Status, emptyValue(agent.Model, "n/a"), agent.TurnsUsed, agent.MaxTurns)
		}
	}
	if len(report.OpenDetections) > 0 {
		fmt.Fprintln(w, "Stuck agents:")
		printDetectionLines(w, report.OpenDetections)
	}
	if len(report.EdgeCases) > 0 {
		fmt.Fprintln(w, "Edge cases:")
		for _, edge := range report.EdgeCases {
			fmt.Fprintf(w, "  - %s %s: %s", edge.StoryID, edge.Kind, edge.Detail)
			if edge.Resolution != "" {
				fmt.Fprintf(w, " (%s)", edge.Resolution)
			}
			fmt.Fprintln(w)
		}
	}
}

func printPlan(w io.Writer, plan serviceapi.PlanPreview) {
	fmt.Fprintf(w, "Plan for %s (digest %s)\n", plan.Pattern, emptyValue(plan.Digest, "n/a"))
	if len(plan.Sources) > 0 {
		fmt.Fprintln(w, "Sources:")
		for _, source := range plan.Sources {
			fmt.Fprintf(w, "  - %s\n", source)
		}
	}
	if len(plan.Stories) == 0 {
		fmt.Fprintln(w, "No stories matched.")
		return
	}
	fmt.Fprintln(w, "Stories:")
	for i, story := range plan.Stories {
		ref := model.WorkRef{EpicID: story.Item.EpicID, StoryID: story.Item.StoryID}
		fmt.Fprintf(w, "  %d. %s %q depth=%d tier=%s model=%s\n",
			i+1, ref, story.Item.Title, story.Depth, story.Selection.Tier, emptyValue(story.Selection.Model, "n/a"))
		if len(story.Item.DependsOn) > 0 {
			deps := make([]string, 0, len(story.Item.DependsOn))
			for _, dep := range story.Item.DependsOn {
				deps = append(deps, dep.String())
			}
			fmt.Fprintf(w, "     depends on: %s\n", strings.Join(deps, ", "))
		}
	}
}

func printSessions(w io.Writer, sessions []model.Session) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions.")
		return
	}
	for _, session := range sessions {
		fmt.Fprintf(w, "- %s state=%s pattern=%s started=%s completed=%d failed=%d\n",
			session.ID, session.State, session.Pattern, formatTime(&session.StartedAt),
			session.Metrics.StoriesCompleted, session.Metrics.StoriesFailed)
	}
}

func printDetections(w io.Writer, detections []model.StuckAgentDetection) {
	if len(detections) == 0 {
		fmt.Fprintln(w, "No stuck agents.")
		return
	}
	printDetectionLines(w, detections)
}

func printDetectionLines(w io.Writer, detections []model.StuckAgentDetection) {
	for _, detection := range detections {
		fmt.Fprintf(w, "  - %s session=%s story=%s agent=%s type=%s severity=%s detected=%s\n",
			detection.ID, detection.SessionID, detection.StoryID, detection.AgentID,
			detection.Type, detection.Severity, formatTime(&detection.DetectedAt))
		if detection.Detail != "" {
			fmt.Fprintf(w, "    %s\n", detection.Detail)
		}
		if detection.SuggestedAction != "" {
			fmt.Fprintf(w, "    suggested: %s\n", detection.SuggestedAction)
		}
	}
}

// printEvent writes one event line. Alerts ring the terminal bell when bell
// is set.
func printEvent(w io.Writer, event eventbus.Event, bell bool) {
	var b strings.Builder
	b.WriteString(event.At.UTC().Format("15:04:05"))
	b.WriteString(" [")
	b.WriteString(event.Topic)
	b.WriteString("] ")
	b.WriteString(event.Type)
	if event.SessionID != "" {
		b.WriteString(" session=")
		b.WriteString(event.SessionID)
	}
	if event.EntityID != "" {
		b.WriteString(" ")
		b.WriteString(emptyValue(event.EntityType, "entity"))
		b.WriteString("=")
		b.WriteString(event.EntityID)
	}
	if event.FromState != "" || event.ToState != "" {
		b.WriteString(" ")
		b.WriteString(emptyValue(event.FromState, "-"))
		b.WriteString("->")
		b.WriteString(emptyValue(event.ToState, "-"))
	}
	if event.Message != "" {
		b.WriteString(": ")
		b.WriteString(event.Message)
	}
	if bell && event.Topic == eventbus.TopicAlert {
		b.WriteString("\a")
	}
	fmt.Fprintln(w, b.String())
}
