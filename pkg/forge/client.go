package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/squadron-hq/squadron/pkg/config"
)

// HTTPClient talks to a GitHub-compatible REST API.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// NewHTTPClient builds a client from config. The API token is read from the
// environment variable named by cfg.TokenEnv.
func NewHTTPClient(cfg config.ForgeConfig) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   os.Getenv(cfg.TokenEnv),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  slog.With("component", "forge"),
	}
}

// GetPullRequest fetches PR state.
func (c *HTTPClient) GetPullRequest(ctx context.Context, repo string, number int) (*PullRequest, error) {
	var raw struct {
		Number int    `json:"number"`
		State  string `json:"state"`
		Title  string `json:"title"`
		Head   struct {
			SHA string `json:"sha"`
			Ref string `json:"ref"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
		Merged         bool   `json:"merged"`
		Mergeable      bool   `json:"mergeable"`
		MergeableState string `json:"mergeable_state"`
		Draft          bool   `json:"draft"`
		Labels         []struct {
			Name string `json:"name"`
		} `json:"labels"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/pulls/%d", repo, number), nil, &raw); err != nil {
		return nil, err
	}
	pr := &PullRequest{
		Number:     raw.Number,
		State:      raw.State,
		Title:      raw.Title,
		HeadSHA:    raw.Head.SHA,
		HeadBranch: raw.Head.Ref,
		BaseBranch: raw.Base.Ref,
		Merged:         raw.Merged,
		Mergeable:      raw.Mergeable,
		MergeableState: raw.MergeableState,
		Draft:          raw.Draft,
		Author:         raw.User.Login,
	}
	for _, l := range raw.Labels {
		pr.Labels = append(pr.Labels, l.Name)
	}
	return pr, nil
}

// GetIssue fetches issue state.
func (c *HTTPClient) GetIssue(ctx context.Context, repo string, number int) (*Issue, error) {
	var raw struct {
		Number int    `json:"number"`
		State  string `json:"state"`
		Title  string `json:"title"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/issues/%d", repo, number), nil, &raw); err != nil {
		return nil, err
	}
	issue := &Issue{Number: raw.Number, State: raw.State, Title: raw.Title}
	for _, l := range raw.Labels {
		issue.Labels = append(issue.Labels, l.Name)
	}
	return issue, nil
}

// GetCheckStatus fetches the combined CI status for a commit.
func (c *HTTPClient) GetCheckStatus(ctx context.Context, repo, sha string) (*CheckStatus, error) {
	var raw struct {
		State    string `json:"state"`
		Statuses []struct {
			Context string `json:"context"`
			State   string `json:"state"`
		} `json:"statuses"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/commits/%s/status", repo, url.PathEscape(sha)), nil, &raw); err != nil {
		return nil, err
	}
	status := &CheckStatus{State: raw.State}
	for _, s := range raw.Statuses {
		status.Contexts = append(status.Contexts, CheckResult{Name: s.Context, Conclusion: s.State})
	}
	return status, nil
}

// ListReviews fetches the submitted reviews on a PR.
func (c *HTTPClient) ListReviews(ctx context.Context, repo string, number int) ([]Review, error) {
	var raw []struct {
		ID   int64 `json:"id"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
		State    string `json:"state"`
		CommitID string `json:"commit_id"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/pulls/%d/reviews", repo, number), nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Review, 0, len(raw))
	for _, r := range raw {
		out = append(out, Review{ID: r.ID, Reviewer: r.User.Login, State: r.State, HeadSHA: r.CommitID})
	}
	return out, nil
}

// CreateComment posts a comment on a PR or issue.
func (c *HTTPClient) CreateComment(ctx context.Context, repo string, number int, body string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/issues/%d/comments", repo, number),
		map[string]string{"body": body}, nil)
}

// AddLabel adds a label to a PR or issue.
func (c *HTTPClient) AddLabel(ctx context.Context, repo string, number int, label string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/issues/%d/labels", repo, number),
		map[string][]string{"labels": {label}}, nil)
}

// RemoveLabel removes a label. A missing label is not an error; the desired
// state already holds.
func (c *HTTPClient) RemoveLabel(ctx context.Context, repo string, number int, label string) error {
	err := c.do(ctx, http.MethodDelete,
		fmt.Sprintf("/repos/%s/issues/%d/labels/%s", repo, number, url.PathEscape(label)), nil, nil)
	if err != nil {
		var apiErr *APIError
		if asAPIError(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil
		}
	}
	return err
}

// MergePullRequest merges a PR. A 405 whose message blames status checks
// maps to ErrCIFailed; the remaining 405s and every 409 map to
// ErrMergeConflict.
func (c *HTTPClient) MergePullRequest(ctx context.Context, repo string, number int, method MergeMethod, deleteBranch bool) error {
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("/repos/%s/pulls/%d/merge", repo, number),
		map[string]string{"merge_method": string(method)}, nil)
	if err != nil {
		var apiErr *APIError
		if asAPIError(err, &apiErr) {
			switch apiErr.StatusCode {
			case http.StatusMethodNotAllowed:
				if strings.Contains(strings.ToLower(apiErr.Message), "status check") {
					return fmt.Errorf("%w: %s", ErrCIFailed, apiErr.Message)
				}
				return fmt.Errorf("%w: %s", ErrMergeConflict, apiErr.Message)
			case http.StatusConflict:
				return fmt.Errorf("%w: %s", ErrMergeConflict, apiErr.Message)
			}
		}
		return err
	}
	if deleteBranch {
		pr, err := c.GetPullRequest(ctx, repo, number)
		if err != nil {
			return fmt.Errorf("merged but failed to resolve head branch: %w", err)
		}
		if err := c.do(ctx, http.MethodDelete,
			fmt.Sprintf("/repos/%s/git/refs/heads/%s", repo, url.PathEscape(pr.HeadBranch)), nil, nil); err != nil {
			// Branch deletion is best-effort after a successful merge.
			c.logger.Warn("Failed to delete merged branch", "repo", repo, "branch", pr.HeadBranch, "error", err)
		}
	}
	return nil
}

// ClosePullRequest closes a PR without merging.
func (c *HTTPClient) ClosePullRequest(ctx context.Context, repo string, number int) error {
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/pulls/%d", repo, number),
		map[string]string{"state": "closed"}, nil)
}

// UpdateBranch merges the base branch into the PR head.
func (c *HTTPClient) UpdateBranch(ctx context.Context, repo string, number int) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/repos/%s/pulls/%d/update-branch", repo, number), nil, nil)
}

// RequestReviewers asks the named users for review.
func (c *HTTPClient) RequestReviewers(ctx context.Context, repo string, number int, reviewers []string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/pulls/%d/requested_reviewers", repo, number),
		map[string][]string{"reviewers": reviewers}, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("forge request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(data))
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode forge response: %w", err)
		}
	}
	return nil
}

func asAPIError(err error, target **APIError) bool {
	return errors.As(err, target)
}
