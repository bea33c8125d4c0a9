package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"foreman/internal/model"
)

// GitHubCLI implements Host by shelling out to git and gh.
type GitHubCLI struct {
	MergeMethod string
}

var _ Host = (*GitHubCLI)(nil)

func NewGitHubCLI() *GitHubCLI {
	return &GitHubCLI{MergeMethod: "squash"}
}

func (g *GitHubCLI) Push(ctx context.Context, dir string, branch string) error {
	_, err := runCommandInDir(ctx, dir, "git", "push", "--set-upstream", "origin", branch)
	return err
}

func (g *GitHubCLI) CreatePullRequest(ctx context.Context, input CreatePullRequestInput) (PullRequest, error) {
	args := []string{"pr", "create", "--base", input.Base, "--head", input.Head, "--title", input.Title, "--body", input.Body}
	output, err := runCommandInDir(ctx, input.Dir, "gh", args...)
	if err != nil {
		return PullRequest{}, err
	}
	url, number, err := parsePRCreateOutput(output)
	if err != nil {
		return PullRequest{}, fmt.Errorf("parse gh pr create output: %w", err)
	}
	return PullRequest{Number: number, URL: url, State: PullRequestOpen}, nil
}

func (g *GitHubCLI) PullRequest(ctx context.Context, dir string, number int) (PullRequest, error) {
	output, err := runCommandInDir(ctx, dir, "gh", "pr", "view", strconv.Itoa(number), "--json", "number,url,state,mergeable,headRefOid")
	if err != nil {
		return PullRequest{}, err
	}
	return parsePRView(output)
}

func (g *GitHubCLI) Checks(ctx context.Context, dir string, number int) ([]Check, error) {
	output, err := runCommandInDir(ctx, dir, "gh", "pr", "checks", strconv.Itoa(number), "--json", "name,bucket,link,startedAt,completedAt")
	if err != nil {
		// gh exits non-zero when checks are failing or pending but still prints JSON.
		if text := jsonPayload(err.Error()); text != "" {
			return parsePRChecks(text)
		}
		if strings.Contains(err.Error(), "no checks reported") {
			return nil, nil
		}
		return nil, err
	}
	return parsePRChecks(output)
}

func (g *GitHubCLI) Reviews(ctx context.Context, dir string, number int) ([]Review, error) {
	endpoint := fmt.Sprintf("repos/{owner}/{repo}/pulls/%d/reviews", number)
	output, err := runCommandInDir(ctx, dir, "gh", "api", endpoint, "--paginate")
	if err != nil {
		return nil, err
	}
	return parsePRReviews(output)
}

func (g *GitHubCLI) Merge(ctx context.Context, dir string, number int) error {
	method := "--" + strings.TrimPrefix(strings.TrimSpace(g.MergeMethod), "--")
	if method == "--" {
		method = "--squash"
	}
	_, err := runCommandInDir(ctx, dir, "gh", "pr", "merge", strconv.Itoa(number), method, "--delete-branch")
	return err
}

func (g *GitHubCLI) Comment(ctx context.Context, dir string, number int, body string) error {
	_, err := runCommandInDir(ctx, dir, "gh", "pr", "comment", strconv.Itoa(number), "--body", body)
	return err
}

func runCommandInDir(ctx context.Context, dir string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		if text == "" {
			text = err.Error()
		}
		return "", fmt.Errorf("%s %s failed in %s: %s", name, strings.Join(args, " "), dir, text)
	}
	return text, nil
}

func jsonPayload(message string) string {
	start := strings.Index(message, "[")
	end := strings.LastIndex(message, "]")
	if start < 0 || end <= start {
		return ""
	}
	return message[start : end+1]
}

var pullURLNumberRegex = regexp.MustCompile(`/pull/([0-9]+)`)

func parsePRCreateOutput(output string) (string, int, error) {
	lines := strings.Fields(output)
	for i := len(lines) - 1; i >= 0; i-- {
		token := strings.Trim(lines[i], "\"'")
		if !strings.HasPrefix(token, "http://") && !strings.HasPrefix(token, "https://") {
			continue
		}
		if !strings.Contains(token, "/pull/") {
			continue
		}
		matches := pullURLNumberRegex.FindStringSubmatch(token)
		if len(matches) < 2 {
			return "", 0, fmt.Errorf("pull request URL missing numeric identifier: %s", token)
		}
		number, err := strconv.Atoi(matches[1])
		if err != nil {
			return "", 0, fmt.Errorf("parse pull request number from %s: %w", token, err)
		}
		return token, number, nil
	}
	return "", 0, fmt.Errorf("no pull request URL found in output")
}

type ghPRView struct {
	Number     int    `json:"number"`
	URL        string `json:"url"`
	State      string `json:"state"`
	Mergeable  string `json:"mergeable"`
	HeadRefOid string `json:"headRefOid"`
}

func parsePRView(output string) (PullRequest, error) {
	var view ghPRView
	if err := json.Unmarshal([]byte(strings.TrimSpace(output)), &view); err != nil {
		return PullRequest{}, fmt.Errorf("parse gh pr view output: %w", err)
	}
	pr := PullRequest{Number: view.Number, URL: view.URL, HeadSHA: view.HeadRefOid}
	switch strings.ToUpper(view.State) {
	case "MERGED":
		pr.State = PullRequestMerged
	case "CLOSED":
		pr.State = PullRequestClosed
	default:
		pr.State = PullRequestOpen
	}
	switch strings.ToUpper(view.Mergeable) {
	case "MERGEABLE":
		mergeable := true
		pr.Mergeable = &mergeable
	case "CONFLICTING":
		mergeable := false
		pr.Mergeable = &mergeable
	}
	return pr, nil
}

type ghPRCheck struct {
	Name        string `json:"name"`
	Bucket      string `json:"bucket"`
	Link        string `json:"link"`
	StartedAt   string `json:"startedAt"`
	CompletedAt string `json:"completedAt"`
}

func parsePRChecks(output string) ([]Check, error) {
	text := strings.TrimSpace(output)
	if text == "" {
		return nil, nil
	}
	raw := []ghPRCheck{}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("parse gh pr checks output: %w", err)
	}
	out := make([]Check, 0, len(raw))
	for _, check := range raw {
		out = append(out, Check{
			Name:        strings.TrimSpace(check.Name),
			Conclusion:  bucketConclusion(check.Bucket),
			DetailsURL:  strings.TrimSpace(check.Link),
			StartedAt:   parseTimestamp(check.StartedAt),
			CompletedAt: parseTimestamp(check.CompletedAt),
		})
	}
	return out, nil
}

func bucketConclusion(bucket string) model.CheckConclusion {
	switch strings.ToLower(strings.TrimSpace(bucket)) {
	case "pass":
		return model.CheckSuccess
	case "fail":
		return model.CheckFailure
	case "pending":
		return model.CheckPending
	case "skipping":
		return model.CheckSkipped
	case "cancel":
		return model.CheckCancelled
	}
	return model.CheckUnknown
}

func parseTimestamp(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.HasPrefix(raw, "0001-") {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

type ghPRReview struct {
	ID          int64  `json:"id"`
	Body        string `json:"body"`
	State       string `json:"state"`
	SubmittedAt string `json:"submitted_at"`
	User        struct {
		Login string `json:"login"`
	} `json:"user"`
}

// parsePRReviews keeps submitted reviews that carry a verdict. COMMENTED
// reviews count as NeedsDiscussion only when they have a body.
func parsePRReviews(output string) ([]Review, error) {
	text := strings.TrimSpace(output)
	if text == "" {
		return nil, nil
	}
	raw := []ghPRReview{}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("parse pull request reviews: %w", err)
	}
	out := make([]Review, 0, len(raw))
	for _, review := range raw {
		state := strings.ToUpper(strings.TrimSpace(review.State))
		body := strings.TrimSpace(review.Body)
		var verdict model.ReviewVerdict
		switch state {
		case "APPROVED":
			verdict = model.VerdictApproved
		case "CHANGES_REQUESTED":
			verdict = model.VerdictChangesRequested
		case "COMMENTED":
			if body == "" {
				continue
			}
			verdict = model.VerdictNeedsDiscussion
		default:
			continue
		}
		submittedAt := time.Time{}
		if ts := strings.TrimSpace(review.SubmittedAt); ts != "" {
			parsed, err := time.Parse(time.RFC3339, ts)
			if err != nil {
				return nil, fmt.Errorf("parse review submitted_at for review id %d: %w", review.ID, err)
			}
			submittedAt = parsed
		}
		out = append(out, Review{
			ID:          review.ID,
			Author:      strings.TrimSpace(review.User.Login),
			Verdict:     verdict,
			Body:        body,
			SubmittedAt: submittedAt,
		})
	}
	return out, nil
}
