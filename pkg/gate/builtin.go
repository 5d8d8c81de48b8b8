package gate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/squadron-hq/squadron/pkg/models"
)

func builtinChecks() []Check {
	return []Check{
		&approvalsMetCheck{},
		&noChangesRequestedCheck{},
		&ciStatusCheck{},
		&labelPresentCheck{},
		&commandCheck{},
		&maintainerCommandCheck{},
		&fileExistsCheck{},
		&humanApprovedCheck{},
		&branchUpToDateCheck{},
	}
}

func paramInt(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func paramString(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func paramStringList(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// approvalsMetCheck passes when every review requirement recorded for the PR
// is satisfied by current (non-stale) approvals. The scope param restricts
// which requirements count: "agents", "humans", or "all" (the default). A PR
// with no seeded requirements falls back to a plain approval count against
// the count param.
type approvalsMetCheck struct{}

func (c *approvalsMetCheck) Name() string { return "pr_approvals_met" }

func (c *approvalsMetCheck) ReactiveEvents() []models.EventType {
	return []models.EventType{
		models.EventReviewSubmitted,
		models.EventReviewDismissed,
		models.EventPRSynchronize,
	}
}

func (c *approvalsMetCheck) Evaluate(ctx context.Context, ec EvalContext, params map[string]any) (Result, error) {
	scope := paramString(params, "scope")
	ready, missing, err := ec.Store.MergeReadiness(ctx, ec.Repo, ec.PRNumber, scope)
	if err != nil {
		return Result{}, err
	}
	if ready {
		return Result{Passed: true, Detail: "all review requirements satisfied"}, nil
	}
	if len(missing) > 0 {
		return Result{Detail: "awaiting approval from " + strings.Join(missing, ", ")}, nil
	}

	// No requirement rows in scope: count current approvals directly.
	want := paramInt(params, "count", 1)
	approvals, err := ec.Store.ListApprovals(ctx, ec.Repo, ec.PRNumber)
	if err != nil {
		return Result{}, err
	}
	have := 0
	for _, a := range approvals {
		human := strings.HasPrefix(a.ReviewerRole, "human:")
		if (scope == "humans" && !human) || (scope == "agents" && human) {
			continue
		}
		have++
	}
	if have >= want {
		return Result{Passed: true, Detail: fmt.Sprintf("%d of %d approvals", have, want)}, nil
	}
	return Result{Detail: fmt.Sprintf("%d of %d approvals", have, want)}, nil
}

// noChangesRequestedCheck passes when no reviewer's latest review requests
// changes.
type noChangesRequestedCheck struct{}

func (c *noChangesRequestedCheck) Name() string { return "no_changes_requested" }

func (c *noChangesRequestedCheck) ReactiveEvents() []models.EventType {
	return []models.EventType{
		models.EventReviewSubmitted,
		models.EventReviewDismissed,
	}
}

func (c *noChangesRequestedCheck) Evaluate(ctx context.Context, ec EvalContext, params map[string]any) (Result, error) {
	reviews, err := ec.Forge.ListReviews(ctx, ec.Repo, ec.PRNumber)
	if err != nil {
		return Result{}, err
	}
	// Latest review per reviewer wins.
	latest := make(map[string]string)
	for _, r := range reviews {
		latest[r.Reviewer] = strings.ToUpper(r.State)
	}
	var blocking []string
	for reviewer, state := range latest {
		if state == "CHANGES_REQUESTED" {
			blocking = append(blocking, reviewer)
		}
	}
	if len(blocking) > 0 {
		return Result{Detail: "changes requested by " + strings.Join(blocking, ", ")}, nil
	}
	return Result{Passed: true, Detail: "no blocking reviews"}, nil
}

// ciStatusCheck passes when the PR head's CI is green. A "workflows" list
// restricts the verdict to the named workflows, each of which must have
// concluded successfully; "check" is accepted as shorthand for a single
// workflow. Without either, the combined status decides.
type ciStatusCheck struct{}

func (c *ciStatusCheck) Name() string { return "ci_status" }

func (c *ciStatusCheck) ReactiveEvents() []models.EventType {
	return []models.EventType{
		models.EventCheckSuiteCompleted,
		models.EventStatus,
		models.EventPRSynchronize,
	}
}

func (c *ciStatusCheck) Evaluate(ctx context.Context, ec EvalContext, params map[string]any) (Result, error) {
	pr, err := ec.Forge.GetPullRequest(ctx, ec.Repo, ec.PRNumber)
	if err != nil {
		return Result{}, err
	}
	status, err := ec.Forge.GetCheckStatus(ctx, ec.Repo, pr.HeadSHA)
	if err != nil {
		return Result{}, err
	}

	workflows := paramStringList(params, "workflows")
	if name := paramString(params, "check"); name != "" {
		workflows = append(workflows, name)
	}
	if len(workflows) > 0 {
		conclusions := make(map[string]string, len(status.Contexts))
		for _, res := range status.Contexts {
			conclusions[res.Name] = res.Conclusion
		}
		for _, name := range workflows {
			conclusion, reported := conclusions[name]
			if !reported {
				return Result{Detail: name + " has not reported"}, nil
			}
			if conclusion != "success" {
				return Result{Detail: fmt.Sprintf("%s is %s", name, conclusion)}, nil
			}
		}
		return Result{Passed: true, Detail: fmt.Sprintf("%d workflows succeeded", len(workflows))}, nil
	}

	if status.State == "success" {
		return Result{Passed: true, Detail: "all checks passed"}, nil
	}
	return Result{Detail: "combined status is " + status.State}, nil
}

// labelPresentCheck passes when the PR or issue carries the named label.
type labelPresentCheck struct{}

func (c *labelPresentCheck) Name() string { return "label_present" }

func (c *labelPresentCheck) ReactiveEvents() []models.EventType {
	return []models.EventType{
		models.EventPRLabeled,
		models.EventPRUnlabeled,
		models.EventIssueLabeled,
	}
}

func (c *labelPresentCheck) Evaluate(ctx context.Context, ec EvalContext, params map[string]any) (Result, error) {
	want := paramString(params, "label")
	if want == "" {
		return Result{}, fmt.Errorf("label_present check requires a label param")
	}

	var labels []string
	if ec.PRNumber > 0 {
		pr, err := ec.Forge.GetPullRequest(ctx, ec.Repo, ec.PRNumber)
		if err != nil {
			return Result{}, err
		}
		labels = pr.Labels
	} else {
		issue, err := ec.Forge.GetIssue(ctx, ec.Repo, ec.IssueNumber)
		if err != nil {
			return Result{}, err
		}
		labels = issue.Labels
	}
	for _, l := range labels {
		if l == want {
			return Result{Passed: true, Detail: "label " + want + " present"}, nil
		}
	}
	return Result{Detail: "label " + want + " missing"}, nil
}

// commandCheck runs a shell command in the run's worktree and passes when
// the exit code matches the "expect" param (default 0).
type commandCheck struct{}

func (c *commandCheck) Name() string { return "command" }

func (c *commandCheck) ReactiveEvents() []models.EventType { return nil }

func (c *commandCheck) Evaluate(ctx context.Context, ec EvalContext, params map[string]any) (Result, error) {
	run := paramString(params, "run")
	if run == "" {
		return Result{}, fmt.Errorf("command check requires a run param")
	}
	expect := paramInt(params, "expect", 0)
	if ec.Worktree == "" {
		return Result{Detail: "no worktree bound to this run"}, nil
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", run)
	cmd.Dir = ec.Worktree

	code := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return Result{}, fmt.Errorf("command check failed to run %q: %w", run, err)
		}
		code = exitErr.ExitCode()
	}
	if code == expect {
		return Result{Passed: true, Detail: fmt.Sprintf("exit code %d", code)}, nil
	}
	return Result{Detail: fmt.Sprintf("exit code %d, want %d", code, expect)}, nil
}

// maintainerCommandCheck passes when the triggering event is a comment from
// a maintainer matching the configured pattern (e.g. "/approve").
type maintainerCommandCheck struct{}

func (c *maintainerCommandCheck) Name() string { return "maintainer_command" }

func (c *maintainerCommandCheck) ReactiveEvents() []models.EventType {
	return []models.EventType{models.EventIssueCommentCreated}
}

func (c *maintainerCommandCheck) Evaluate(_ context.Context, ec EvalContext, params map[string]any) (Result, error) {
	pattern := paramString(params, "pattern")
	if pattern == "" {
		return Result{}, fmt.Errorf("maintainer_command check requires a pattern param")
	}
	if ec.Event == nil || ec.Event.Type != models.EventIssueCommentCreated {
		return Result{Detail: "awaiting command comment"}, nil
	}

	fromMaintainer := len(ec.Maintainers) == 0
	for _, m := range ec.Maintainers {
		if m == ec.Event.Sender {
			fromMaintainer = true
			break
		}
	}
	if !fromMaintainer {
		return Result{Detail: fmt.Sprintf("comment from %s is not a maintainer command", ec.Event.Sender)}, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return Result{}, fmt.Errorf("invalid command pattern %q: %w", pattern, err)
	}
	if re.MatchString(ec.Event.CommentBody()) {
		return Result{Passed: true, Detail: "command received from " + ec.Event.Sender}, nil
	}
	return Result{Detail: "comment did not match command pattern"}, nil
}

// fileExistsCheck passes when every path in "paths" exists inside the agent
// worktree. A single "path" param is accepted as shorthand.
type fileExistsCheck struct{}

func (c *fileExistsCheck) Name() string { return "file_exists" }

func (c *fileExistsCheck) ReactiveEvents() []models.EventType {
	return []models.EventType{models.EventPRSynchronize, models.EventPush}
}

func (c *fileExistsCheck) Evaluate(_ context.Context, ec EvalContext, params map[string]any) (Result, error) {
	rels := paramStringList(params, "paths")
	if rel := paramString(params, "path"); rel != "" {
		rels = append(rels, rel)
	}
	if len(rels) == 0 {
		return Result{}, fmt.Errorf("file_exists check requires a paths param")
	}
	if ec.Worktree == "" {
		return Result{Detail: "no worktree bound to this run"}, nil
	}

	var missing []string
	for _, rel := range rels {
		// Reject escapes; every path must stay inside the worktree.
		full := filepath.Join(ec.Worktree, rel)
		if !strings.HasPrefix(full, filepath.Clean(ec.Worktree)+string(filepath.Separator)) {
			return Result{}, fmt.Errorf("file_exists path %q escapes the worktree", rel)
		}
		if _, err := os.Stat(full); err != nil {
			if os.IsNotExist(err) {
				missing = append(missing, rel)
				continue
			}
			return Result{}, fmt.Errorf("failed to stat %s: %w", rel, err)
		}
	}
	if len(missing) > 0 {
		return Result{Detail: "missing " + strings.Join(missing, ", ")}, nil
	}
	return Result{Passed: true, Detail: fmt.Sprintf("%d paths exist", len(rels))}, nil
}

// humanApprovedCheck passes when at least "count" humans (not agents) hold
// current approvals on the PR. A "group" list restricts which logins count.
// Human approvals are recorded with the "human:" role prefix.
type humanApprovedCheck struct{}

func (c *humanApprovedCheck) Name() string { return "human_approved" }

func (c *humanApprovedCheck) ReactiveEvents() []models.EventType {
	return []models.EventType{
		models.EventReviewSubmitted,
		models.EventReviewDismissed,
		models.EventPRSynchronize,
	}
}

func (c *humanApprovedCheck) Evaluate(ctx context.Context, ec EvalContext, params map[string]any) (Result, error) {
	want := paramInt(params, "count", 1)
	group := paramStringList(params, "group")

	approvals, err := ec.Store.ListApprovals(ctx, ec.Repo, ec.PRNumber)
	if err != nil {
		return Result{}, err
	}
	have := 0
	for _, a := range approvals {
		if !strings.HasPrefix(a.ReviewerRole, "human:") {
			continue
		}
		login := strings.TrimPrefix(a.ReviewerRole, "human:")
		if len(group) > 0 && !containsString(group, login) {
			continue
		}
		have++
	}
	if have >= want {
		return Result{Passed: true, Detail: fmt.Sprintf("%d of %d human approvals", have, want)}, nil
	}
	return Result{Detail: fmt.Sprintf("%d of %d human approvals", have, want)}, nil
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// branchUpToDateCheck passes when the PR head is not behind its base branch.
type branchUpToDateCheck struct{}

func (c *branchUpToDateCheck) Name() string { return "branch_up_to_date" }

func (c *branchUpToDateCheck) ReactiveEvents() []models.EventType {
	return []models.EventType{models.EventPush, models.EventPRSynchronize}
}

func (c *branchUpToDateCheck) Evaluate(ctx context.Context, ec EvalContext, params map[string]any) (Result, error) {
	pr, err := ec.Forge.GetPullRequest(ctx, ec.Repo, ec.PRNumber)
	if err != nil {
		return Result{}, err
	}
	if pr.MergeableState == "behind" {
		return Result{Detail: "branch is behind " + pr.BaseBranch}, nil
	}
	return Result{Passed: true, Detail: "branch is current with " + pr.BaseBranch}, nil
}
