package controller

import (
	"fmt"
	"strings"

	"foreman/internal/model"
)

func writeStory(b *strings.Builder, item model.WorkItem) {
	b.WriteString(fmt.Sprintf("## Story %s: %s\n\n", item.Ref(), strings.TrimSpace(item.Title)))
	if desc := strings.TrimSpace(item.Description); desc != "" {
		b.WriteString(desc)
		b.WriteString("\n\n")
	}
	if len(item.AcceptanceCriteria) > 0 {
		b.WriteString("### Acceptance criteria\n\n")
		for _, criterion := range item.AcceptanceCriteria {
			mark := " "
			if criterion.Done {
				mark = "x"
			}
			b.WriteString(fmt.Sprintf("- [%s] %s\n", mark, criterion.Text))
		}
		b.WriteString("\n")
	}
	if len(item.Files) > 0 {
		b.WriteString("### Files likely involved\n\n")
		for _, file := range item.Files {
			b.WriteString("- " + file + "\n")
		}
		b.WriteString("\n")
	}
}

func implementationPrompt(item model.WorkItem, maxTurns int) string {
	var b strings.Builder
	b.WriteString("You are implementing one story of an epic in this repository.\n\n")
	writeStory(&b, item)
	b.WriteString("### How to work\n\n")
	b.WriteString(fmt.Sprintf("- Tick each acceptance criterion in %s (`- [x]`) once it is met.\n", item.SourcePath))
	b.WriteString("- Run the build and the linters before you report.\n")
	if maxTurns > 0 {
		b.WriteString(fmt.Sprintf("- You have at most %d turns.\n", maxTurns))
	}
	b.WriteString("\n### Reporting\n\n")
	b.WriteString("End your final message with a status block:\n\n")
	b.WriteString("```\nSTATUS: COMPLETE | NEEDS_REVIEW | BLOCKED | WAITING\nSUMMARY: one line\nBUILD: pass | fail\nLINT: pass | fail\n```\n\n")
	b.WriteString("When BLOCKED add `BLOCKER:` (a short kind) and `REASON:`. When WAITING add `WAITING_ON:` naming what you wait for.\n")
	return strings.TrimSpace(b.String())
}

func reviewPrompt(item model.WorkItem, iteration int, pullRequest string) string {
	var b strings.Builder
	b.WriteString("You are reviewing the implementation of one story. Do not change any code.\n\n")
	writeStory(&b, item)
	if pullRequest != "" {
		b.WriteString("Pull request: " + pullRequest + "\n\n")
	}
	b.WriteString(fmt.Sprintf("This is review iteration %d. Inspect the changes on the current branch against the acceptance criteria.\n\n", iteration))
	b.WriteString("End your final message with:\n\n")
	b.WriteString("```\nSTATUS: REVIEW_PASSED | REVIEW_FAILED | REVIEW_PENDING\n")
	b.WriteString("VERDICT: Approved | ChangesRequested | NeedsDiscussion\n")
	b.WriteString(fmt.Sprintf("ITERATION: %d\n", iteration))
	b.WriteString("ISSUES: |\n  - [CRITICAL|HIGH|MEDIUM|LOW] description\n")
	b.WriteString("FEEDBACK_FOR_AGENT: what the implementer must change\n```\n")
	return strings.TrimSpace(b.String())
}

func conflictFixPrompt(item model.WorkItem, base string) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("The pull request of story %s no longer merges into %s.\n\n", item.Ref(), base))
	if len(item.ConflictingFiles) > 0 {
		b.WriteString("Conflicting files:\n")
		for _, file := range item.ConflictingFiles {
			b.WriteString("- " + file + "\n")
		}
		b.WriteString("\n")
	}
	b.WriteString(fmt.Sprintf("Merge %s into the branch %s, resolve every conflict keeping the intent of both sides and commit the result.\n\n", base, item.Branch))
	b.WriteString("End with `STATUS: CONFLICT_RESOLVED`, or `STATUS: BLOCKED` with `REASON:` when the conflict needs a human.\n")
	return strings.TrimSpace(b.String())
}

func ciFixPrompt(item model.WorkItem, failing []string) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("CI of the pull request for story %s needs attention.\n\n", item.Ref()))
	if len(failing) > 0 {
		b.WriteString("Checks that are failing or stuck:\n")
		for _, name := range failing {
			b.WriteString("- " + name + "\n")
		}
		b.WriteString("\n")
	}
	if item.PRURL != "" {
		b.WriteString("Pull request: " + item.PRURL + "\n\n")
	}
	b.WriteString("Reproduce the failures locally, fix them and commit.\n\n")
	b.WriteString("End with `STATUS: CI_FIXED`, or `STATUS: CI_STILL_FAILING` with `FAILURES:` listing what still fails.\n")
	return strings.TrimSpace(b.String())
}

func waitElapsedMessage(item model.WorkItem, reason string) string {
	return fmt.Sprintf("The wait for story %s is over (%s, attempt %d). Check again whether you can continue and report a new STATUS block.", item.Ref(), reason, item.WaitAttempts)
}

func resumeMessage(item model.WorkItem) string {
	return fmt.Sprintf("The session working on story %s was resumed. Pick up where you left off and report a STATUS block when you are done.", item.Ref())
}

func nudgeMessage(item model.WorkItem, detail string) string {
	return fmt.Sprintf("Progress on story %s has stalled (%s). Step back, re-read the acceptance criteria and take a different approach. Report a STATUS block when you are done.", item.Ref(), detail)
}

func forkNote(detail string) string {
	return fmt.Sprintf("A previous attempt at this story was abandoned (%s). Start from the current state of the checkout.", detail)
}

func commitMessage(item model.WorkItem) string {
	return fmt.Sprintf("%s: %s", item.Ref(), strings.TrimSpace(item.Title))
}

func pullRequestBody(item model.WorkItem) string {
	var body strings.Builder
	body.WriteString("Automated pull request opened by foreman.\n\n")
	body.WriteString(fmt.Sprintf("- Story: %s\n", item.Ref()))
	body.WriteString(fmt.Sprintf("- Source: %s\n", item.SourcePath))
	body.WriteString(fmt.Sprintf("- Branch: %s\n", item.Branch))
	if item.RetryCount > 0 {
		body.WriteString(fmt.Sprintf("- Retries: %d\n", item.RetryCount))
	}
	if desc := strings.TrimSpace(item.Description); desc != "" {
		body.WriteString("\n## Description\n\n")
		body.WriteString(desc)
		body.WriteString("\n")
	}
	if len(item.AcceptanceCriteria) > 0 {
		body.WriteString("\n## Acceptance Criteria\n\n")
		for _, criterion := range item.AcceptanceCriteria {
			body.WriteString("- " + criterion.Text + "\n")
		}
	}
	return strings.TrimSpace(body.String())
}
