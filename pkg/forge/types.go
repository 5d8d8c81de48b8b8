// Package forge is the client for the source-control host. The orchestrator
// talks to a GitHub-compatible REST API; every mutating call the pipeline
// engine makes goes through the retrying wrapper so transient host errors
// never fail a stage outright.
package forge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// MergeMethod selects how a PR is merged.
type MergeMethod string

const (
	MergeSquash MergeMethod = "squash"
	MergeMerge  MergeMethod = "merge"
	MergeRebase MergeMethod = "rebase"
)

// PullRequest is the subset of PR state the orchestrator reads.
type PullRequest struct {
	Number     int      `json:"number"`
	State      string   `json:"state"`
	Title      string   `json:"title"`
	HeadSHA    string   `json:"head_sha"`
	HeadBranch string   `json:"head_branch"`
	BaseBranch string   `json:"base_branch"`
	Merged     bool     `json:"merged"`
	Mergeable  bool     `json:"mergeable"`
	// MergeableState mirrors the forge's merge analysis: "clean", "behind",
	// "dirty", "blocked", "unknown".
	MergeableState string   `json:"mergeable_state"`
	Draft          bool     `json:"draft"`
	Labels         []string `json:"labels"`
	Author         string   `json:"author"`
}

// Issue is the subset of issue state the orchestrator reads.
type Issue struct {
	Number int      `json:"number"`
	State  string   `json:"state"`
	Title  string   `json:"title"`
	Labels []string `json:"labels"`
}

// CheckStatus is the combined CI state for a commit.
type CheckStatus struct {
	// State is "success", "failure", or "pending".
	State    string        `json:"state"`
	Contexts []CheckResult `json:"contexts"`
}

// CheckResult is one CI check's outcome.
type CheckResult struct {
	Name       string `json:"name"`
	Conclusion string `json:"conclusion"`
}

// Review is a submitted PR review.
type Review struct {
	ID       int64  `json:"id"`
	Reviewer string `json:"reviewer"`
	State    string `json:"state"`
	HeadSHA  string `json:"head_sha"`
}

// Client is the forge operation surface. Implementations must be safe for
// concurrent use; the pipeline engine calls from multiple lanes.
type Client interface {
	GetPullRequest(ctx context.Context, repo string, number int) (*PullRequest, error)
	GetIssue(ctx context.Context, repo string, number int) (*Issue, error)
	GetCheckStatus(ctx context.Context, repo, sha string) (*CheckStatus, error)
	ListReviews(ctx context.Context, repo string, number int) ([]Review, error)

	CreateComment(ctx context.Context, repo string, number int, body string) error
	AddLabel(ctx context.Context, repo string, number int, label string) error
	RemoveLabel(ctx context.Context, repo string, number int, label string) error
	MergePullRequest(ctx context.Context, repo string, number int, method MergeMethod, deleteBranch bool) error
	ClosePullRequest(ctx context.Context, repo string, number int) error
	UpdateBranch(ctx context.Context, repo string, number int) error
	RequestReviewers(ctx context.Context, repo string, number int, reviewers []string) error
}

// APIError is a non-2xx response from the forge.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("forge API error %d: %s", e.StatusCode, e.Message)
}

// ErrMergeConflict indicates the PR cannot be merged in its current state
// (405/409 from the merge endpoint). Not transient; the pipeline's
// on_conflict handling takes over.
var ErrMergeConflict = errors.New("pull request is not mergeable")

// ErrCIFailed indicates the merge was refused because required status
// checks have not passed. Not transient; the pipeline's on_ci_failure
// handling takes over.
var ErrCIFailed = errors.New("required status checks have not passed")

// ErrNotFound indicates the referenced PR, issue, or label does not exist.
var ErrNotFound = errors.New("forge resource not found")

// IsTransient reports whether err is worth retrying: rate limits, server
// errors, and transport failures. 4xx responses (other than 429) are
// permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	if errors.Is(err, ErrMergeConflict) || errors.Is(err, ErrCIFailed) || errors.Is(err, ErrNotFound) {
		return false
	}
	// Transport-level failure.
	return true
}
