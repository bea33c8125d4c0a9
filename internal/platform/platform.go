package platform

import (
	"context"
	"time"

	"foreman/internal/model"
)

type PullRequestState string

const (
	PullRequestOpen   PullRequestState = "open"
	PullRequestMerged PullRequestState = "merged"
	PullRequestClosed PullRequestState = "closed"
)

type PullRequest struct {
	Number    int              `json:"number"`
	URL       string           `json:"url"`
	State     PullRequestState `json:"state"`
	Mergeable *bool            `json:"mergeable,omitempty"`
	HeadSHA   string           `json:"head_sha,omitempty"`
}

type Check struct {
	Name        string                `json:"name"`
	Conclusion  model.CheckConclusion `json:"conclusion"`
	DetailsURL  string                `json:"details_url,omitempty"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt time.Time             `json:"completed_at"`
}

type Review struct {
	ID          int64               `json:"id"`
	Author      string              `json:"author"`
	Verdict     model.ReviewVerdict `json:"verdict"`
	Body        string              `json:"body"`
	SubmittedAt time.Time           `json:"submitted_at"`
}

type CreatePullRequestInput struct {
	Dir   string
	Base  string
	Head  string
	Title string
	Body  string
}

// Host is the code hosting platform: pull requests, CI checks and reviews.
type Host interface {
	Push(ctx context.Context, dir string, branch string) error
	CreatePullRequest(ctx context.Context, input CreatePullRequestInput) (PullRequest, error)
	PullRequest(ctx context.Context, dir string, number int) (PullRequest, error)
	Checks(ctx context.Context, dir string, number int) ([]Check, error)
	Reviews(ctx context.Context, dir string, number int) ([]Review, error)
	Merge(ctx context.Context, dir string, number int) error
	Comment(ctx context.Context, dir string, number int, body string) error
}
