package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/squadron-hq/squadron/pkg/config"
	"github.com/squadron-hq/squadron/pkg/forge"
	"github.com/squadron-hq/squadron/pkg/models"
	"github.com/squadron-hq/squadron/pkg/template"
)

// Built-in action names.
const (
	actionMergePR      = "merge_pr"
	actionClosePR      = "close_pr"
	actionAddLabel     = "add_label"
	actionRemoveLabel  = "remove_label"
	actionComment      = "comment"
	actionUpdateBranch = "update_branch"
)

// execActionStage runs a built-in forge action synchronously. A merge
// conflict follows on_conflict; other errors follow on_error.
func (e *Engine) execActionStage(ctx context.Context, run *models.PipelineRun, def *config.PipelineDefinition, stage *config.StageConfig, sr *models.StageRun) {
	params, err := template.ExpandMap(stage.Params, e.templateScope(ctx, run))
	if err != nil {
		e.stageFailed(ctx, run, def, stage, sr, fmt.Sprintf("action params: %v", err))
		return
	}

	err = e.runAction(ctx, run, stage, params)
	if err == nil {
		e.completeStage(ctx, run, def, stage, sr, map[string]any{"action": stage.Action}, stage.OnComplete)
		return
	}

	switch {
	case errors.Is(err, forge.ErrMergeConflict) && !stage.OnConflict.IsZero():
		e.divertActionStage(ctx, run, def, stage, sr, stage.OnConflict, "merge conflict", err)
	case errors.Is(err, forge.ErrCIFailed) && !stage.OnCIFailure.IsZero():
		e.divertActionStage(ctx, run, def, stage, sr, stage.OnCIFailure, "CI failure", err)
	default:
		e.stageFailed(ctx, run, def, stage, sr, fmt.Sprintf("action %s: %v", stage.Action, err))
	}
}

// divertActionStage records the failed attempt and follows the stage's
// on_conflict or on_ci_failure transition instead of on_error.
func (e *Engine) divertActionStage(ctx context.Context, run *models.PipelineRun, def *config.PipelineDefinition, stage *config.StageConfig, sr *models.StageRun, t *config.Transition, cause string, err error) {
	if cerr := e.store.CompleteStageRun(ctx, sr.ID, models.StageFailed, nil, err.Error()); cerr != nil {
		e.logger.Error("Failed to record diverted action", "stage_run", sr.ID, "error", cerr)
	}
	e.stageFinishedActivity(run, stage.ID, models.StageFailed)
	e.logger.Info("Action diverted", "run_id", run.ID, "stage", stage.ID, "cause", cause)
	e.resolveTransition(ctx, run, def, stage, t, "")
}

// runAction dispatches the built-in, with stage-level retries on transient
// failures when configured.
func (e *Engine) runAction(ctx context.Context, run *models.PipelineRun, stage *config.StageConfig, params map[string]any) error {
	attempt := func() error {
		err := e.invokeAction(ctx, run, stage, params)
		if err != nil && !forge.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	if stage.Retry == nil || stage.Retry.MaxAttempts <= 1 {
		return unwrapPermanent(attempt())
	}

	policy := backoff.NewExponentialBackOff()
	if stage.Retry.Backoff > 0 {
		policy.InitialInterval = stage.Retry.Backoff.Std()
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(stage.Retry.MaxAttempts-1)), ctx)
	return unwrapPermanent(backoff.Retry(attempt, bo))
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

func (e *Engine) invokeAction(ctx context.Context, run *models.PipelineRun, stage *config.StageConfig, params map[string]any) error {
	number := run.PRNumber
	if n := paramInt(params, "pr"); n > 0 {
		number = n
	}

	switch stage.Action {
	case actionMergePR:
		method := forge.MergeMethod(paramString(params, "method"))
		if method == "" {
			method = forge.MergeSquash
		}
		deleteBranch := paramBool(params, "delete_branch")
		return e.forge.MergePullRequest(ctx, run.Repo, number, method, deleteBranch)
	case actionClosePR:
		return e.forge.ClosePullRequest(ctx, run.Repo, number)
	case actionAddLabel:
		return e.forge.AddLabel(ctx, run.Repo, e.actionTarget(run, number), paramString(params, "label"))
	case actionRemoveLabel:
		return e.forge.RemoveLabel(ctx, run.Repo, e.actionTarget(run, number), paramString(params, "label"))
	case actionComment:
		return e.forge.CreateComment(ctx, run.Repo, e.actionTarget(run, number), paramString(params, "body"))
	case actionUpdateBranch:
		return e.forge.UpdateBranch(ctx, run.Repo, number)
	default:
		return fmt.Errorf("unknown action %q", stage.Action)
	}
}

// actionTarget picks the PR number when the run has one, the issue number
// otherwise. Label and comment actions work on both.
func (e *Engine) actionTarget(run *models.PipelineRun, prNumber int) int {
	if prNumber > 0 {
		return prNumber
	}
	return run.IssueNumber
}

// execWebhookStage posts to an external endpoint and validates the response
// against the expect block.
func (e *Engine) execWebhookStage(ctx context.Context, run *models.PipelineRun, def *config.PipelineDefinition, stage *config.StageConfig, sr *models.StageRun) {
	scope := e.templateScope(ctx, run)
	url, err := template.ExpandString(stage.URL, scope)
	if err != nil {
		e.stageFailed(ctx, run, def, stage, sr, fmt.Sprintf("webhook url: %v", err))
		return
	}
	body := ""
	if stage.Body != "" {
		if body, err = template.ExpandString(stage.Body, scope); err != nil {
			e.stageFailed(ctx, run, def, stage, sr, fmt.Sprintf("webhook body: %v", err))
			return
		}
	}

	method := stage.Method
	if method == "" {
		method = http.MethodPost
	}
	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, url, strings.NewReader(body))
	if err != nil {
		e.stageFailed(ctx, run, def, stage, sr, fmt.Sprintf("webhook request: %v", err))
		return
	}
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range stage.Headers {
		expanded, herr := template.ExpandString(v, scope)
		if herr != nil {
			e.stageFailed(ctx, run, def, stage, sr, fmt.Sprintf("webhook header %s: %v", k, herr))
			return
		}
		req.Header.Set(k, expanded)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		e.stageFailed(ctx, run, def, stage, sr, fmt.Sprintf("webhook call: %v", err))
		return
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()

	wantStatus := http.StatusOK
	var wantContains string
	if stage.Expect != nil {
		if stage.Expect.Status != 0 {
			wantStatus = stage.Expect.Status
		}
		wantContains = stage.Expect.BodyContains
	}
	if resp.StatusCode != wantStatus {
		e.stageFailed(ctx, run, def, stage, sr,
			fmt.Sprintf("webhook returned %d, want %d", resp.StatusCode, wantStatus))
		return
	}
	if wantContains != "" && !strings.Contains(string(respBody), wantContains) {
		e.stageFailed(ctx, run, def, stage, sr,
			fmt.Sprintf("webhook response missing %q", wantContains))
		return
	}

	output := map[string]any{"status": resp.StatusCode}
	e.completeStage(ctx, run, def, stage, sr, output, stage.OnComplete)
}

func paramString(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func paramInt(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func paramBool(params map[string]any, key string) bool {
	v, _ := params[key].(bool)
	return v
}
