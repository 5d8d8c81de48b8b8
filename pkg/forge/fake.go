package forge

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Client for tests. Mutations are recorded in Calls;
// read state is seeded directly on the struct.
type Fake struct {
	mu sync.Mutex

	PRs      map[string]*PullRequest // key "repo#number"
	Issues   map[string]*Issue
	Statuses map[string]*CheckStatus // key "repo@sha"
	Reviews  map[string][]Review

	Calls []FakeCall
	// Fail maps an operation name to the error its next invocation returns.
	Fail map[string]error
}

// FakeCall records one mutating invocation.
type FakeCall struct {
	Op     string
	Repo   string
	Number int
	Arg    string
}

// NewFake creates an empty fake forge.
func NewFake() *Fake {
	return &Fake{
		PRs:      map[string]*PullRequest{},
		Issues:   map[string]*Issue{},
		Statuses: map[string]*CheckStatus{},
		Reviews:  map[string][]Review{},
		Fail:     map[string]error{},
	}
}

func prKey(repo string, number int) string { return fmt.Sprintf("%s#%d", repo, number) }

func (f *Fake) record(op, repo string, number int, arg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.Fail[op]; ok {
		delete(f.Fail, op)
		return err
	}
	f.Calls = append(f.Calls, FakeCall{Op: op, Repo: repo, Number: number, Arg: arg})
	return nil
}

// CallsFor returns the recorded calls for one operation.
func (f *Fake) CallsFor(op string) []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []FakeCall
	for _, c := range f.Calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) GetPullRequest(_ context.Context, repo string, number int) (*PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.Fail["get_pull_request"]; ok {
		delete(f.Fail, "get_pull_request")
		return nil, err
	}
	pr, ok := f.PRs[prKey(repo, number)]
	if !ok {
		return nil, fmt.Errorf("%w: pr %d", ErrNotFound, number)
	}
	cp := *pr
	return &cp, nil
}

func (f *Fake) GetIssue(_ context.Context, repo string, number int) (*Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue, ok := f.Issues[prKey(repo, number)]
	if !ok {
		return nil, fmt.Errorf("%w: issue %d", ErrNotFound, number)
	}
	cp := *issue
	return &cp, nil
}

func (f *Fake) GetCheckStatus(_ context.Context, repo, sha string) (*CheckStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.Statuses[repo+"@"+sha]
	if !ok {
		return &CheckStatus{State: "pending"}, nil
	}
	cp := *status
	return &cp, nil
}

func (f *Fake) ListReviews(_ context.Context, repo string, number int) ([]Review, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Review(nil), f.Reviews[prKey(repo, number)]...), nil
}

func (f *Fake) CreateComment(_ context.Context, repo string, number int, body string) error {
	return f.record("create_comment", repo, number, body)
}

func (f *Fake) AddLabel(_ context.Context, repo string, number int, label string) error {
	if err := f.record("add_label", repo, number, label); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if pr, ok := f.PRs[prKey(repo, number)]; ok {
		pr.Labels = append(pr.Labels, label)
	}
	return nil
}

func (f *Fake) RemoveLabel(_ context.Context, repo string, number int, label string) error {
	if err := f.record("remove_label", repo, number, label); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if pr, ok := f.PRs[prKey(repo, number)]; ok {
		kept := pr.Labels[:0]
		for _, l := range pr.Labels {
			if l != label {
				kept = append(kept, l)
			}
		}
		pr.Labels = kept
	}
	return nil
}

func (f *Fake) MergePullRequest(_ context.Context, repo string, number int, method MergeMethod, deleteBranch bool) error {
	arg := string(method)
	if deleteBranch {
		arg += "+delete_branch"
	}
	if err := f.record("merge_pull_request", repo, number, arg); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if pr, ok := f.PRs[prKey(repo, number)]; ok {
		if pr.MergeableState == "blocked" {
			return ErrCIFailed
		}
		if !pr.Mergeable {
			return ErrMergeConflict
		}
		pr.Merged = true
		pr.State = "closed"
		if deleteBranch {
			pr.HeadBranch = ""
		}
	}
	return nil
}

func (f *Fake) ClosePullRequest(_ context.Context, repo string, number int) error {
	if err := f.record("close_pull_request", repo, number, ""); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if pr, ok := f.PRs[prKey(repo, number)]; ok {
		pr.State = "closed"
	}
	return nil
}

func (f *Fake) UpdateBranch(_ context.Context, repo string, number int) error {
	return f.record("update_branch", repo, number, "")
}

func (f *Fake) RequestReviewers(_ context.Context, repo string, number int, reviewers []string) error {
	arg := ""
	if len(reviewers) > 0 {
		arg = reviewers[0]
	}
	return f.record("request_reviewers", repo, number, arg)
}
