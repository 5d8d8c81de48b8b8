package forge

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/squadron-hq/squadron/pkg/config"
	"github.com/squadron-hq/squadron/pkg/metrics"
)

// RetryClient wraps a Client with exponential backoff on transient failures.
// Permanent failures (4xx, merge conflicts, missing resources) surface
// immediately.
type RetryClient struct {
	inner  Client
	cfg    config.ForgeRetryConfig
	logger *slog.Logger
}

// NewRetryClient wraps inner with the configured retry policy.
func NewRetryClient(inner Client, cfg config.ForgeRetryConfig) *RetryClient {
	return &RetryClient{
		inner:  inner,
		cfg:    cfg,
		logger: slog.With("component", "forge.retry"),
	}
}

func (r *RetryClient) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval.Std()
	b.MaxInterval = r.cfg.MaxInterval.Std()
	b.MaxElapsedTime = r.cfg.MaxElapsedTime.Std()
	return backoff.WithContext(b, ctx)
}

func (r *RetryClient) retry(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, r.policy(ctx), func(err error, next time.Duration) {
		metrics.ForgeRetries.Inc()
		r.logger.Warn("Forge call failed, retrying",
			"operation", op, "attempt", attempt, "retry_in", next, "error", err)
	})
}

func (r *RetryClient) GetPullRequest(ctx context.Context, repo string, number int) (*PullRequest, error) {
	var pr *PullRequest
	err := r.retry(ctx, "get_pull_request", func() (err error) {
		pr, err = r.inner.GetPullRequest(ctx, repo, number)
		return err
	})
	return pr, err
}

func (r *RetryClient) GetIssue(ctx context.Context, repo string, number int) (*Issue, error) {
	var issue *Issue
	err := r.retry(ctx, "get_issue", func() (err error) {
		issue, err = r.inner.GetIssue(ctx, repo, number)
		return err
	})
	return issue, err
}

func (r *RetryClient) GetCheckStatus(ctx context.Context, repo, sha string) (*CheckStatus, error) {
	var status *CheckStatus
	err := r.retry(ctx, "get_check_status", func() (err error) {
		status, err = r.inner.GetCheckStatus(ctx, repo, sha)
		return err
	})
	return status, err
}

func (r *RetryClient) ListReviews(ctx context.Context, repo string, number int) ([]Review, error) {
	var reviews []Review
	err := r.retry(ctx, "list_reviews", func() (err error) {
		reviews, err = r.inner.ListReviews(ctx, repo, number)
		return err
	})
	return reviews, err
}

func (r *RetryClient) CreateComment(ctx context.Context, repo string, number int, body string) error {
	return r.retry(ctx, "create_comment", func() error {
		return r.inner.CreateComment(ctx, repo, number, body)
	})
}

func (r *RetryClient) AddLabel(ctx context.Context, repo string, number int, label string) error {
	return r.retry(ctx, "add_label", func() error {
		return r.inner.AddLabel(ctx, repo, number, label)
	})
}

func (r *RetryClient) RemoveLabel(ctx context.Context, repo string, number int, label string) error {
	return r.retry(ctx, "remove_label", func() error {
		return r.inner.RemoveLabel(ctx, repo, number, label)
	})
}

func (r *RetryClient) MergePullRequest(ctx context.Context, repo string, number int, method MergeMethod, deleteBranch bool) error {
	return r.retry(ctx, "merge_pull_request", func() error {
		return r.inner.MergePullRequest(ctx, repo, number, method, deleteBranch)
	})
}

func (r *RetryClient) ClosePullRequest(ctx context.Context, repo string, number int) error {
	return r.retry(ctx, "close_pull_request", func() error {
		return r.inner.ClosePullRequest(ctx, repo, number)
	})
}

func (r *RetryClient) UpdateBranch(ctx context.Context, repo string, number int) error {
	return r.retry(ctx, "update_branch", func() error {
		return r.inner.UpdateBranch(ctx, repo, number)
	})
}

func (r *RetryClient) RequestReviewers(ctx context.Context, repo string, number int, reviewers []string) error {
	return r.retry(ctx, "request_reviewers", func() error {
		return r.inner.RequestReviewers(ctx, repo, number, reviewers)
	})
}
