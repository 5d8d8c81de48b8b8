package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadron-hq/squadron/pkg/database"
	"github.com/squadron-hq/squadron/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	client, err := database.NewClient(context.Background(), database.Config{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "registry.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client)
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &models.PipelineRun{
		PipelineName:       "pr-lifecycle",
		DefinitionSnapshot: []byte("name: pr-lifecycle"),
		Scope:              "single-pr",
		Repo:               "acme/widget",
		PRNumber:           42,
		TriggerEvent:       map[string]any{"pr_number": 42},
	}
	require.NoError(t, s.CreateRun(ctx, run))
	require.NotEmpty(t, run.ID)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunPending, got.Status)
	assert.Equal(t, "acme/widget", got.Repo)
	assert.Equal(t, float64(42), got.TriggerEvent["pr_number"])

	require.NoError(t, s.SetCurrentStage(ctx, run.ID, "code-review"))
	require.NoError(t, s.UpdateRunStatus(ctx, run.ID, models.RunRunning, ""))

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "code-review", got.CurrentStageID)
	assert.Nil(t, got.CompletedAt)

	require.NoError(t, s.UpdateRunStatus(ctx, run.ID, models.RunCompleted, ""))
	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
}

func TestCreateRunRejectsDuplicateDelivery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mkRun := func(name string) *models.PipelineRun {
		return &models.PipelineRun{
			PipelineName:       name,
			DefinitionSnapshot: []byte("name: " + name),
			Scope:              "single-pr",
			Repo:               "acme/widget",
			PRNumber:           42,
			TriggerDeliveryID:  "d-1",
		}
	}
	require.NoError(t, s.CreateRun(ctx, mkRun("first")))
	assert.ErrorIs(t, s.CreateRun(ctx, mkRun("second")), ErrDuplicateDelivery)

	// Runs without a delivery anchor (sub-pipelines) are unconstrained.
	sub := mkRun("child")
	sub.TriggerDeliveryID = ""
	require.NoError(t, s.CreateRun(ctx, sub))
	sub2 := mkRun("child2")
	sub2.TriggerDeliveryID = ""
	require.NoError(t, s.CreateRun(ctx, sub2))
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRunsNewestFirstWithTotal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		offset := time.Duration(i) * time.Minute
		s.now = func() time.Time { return base.Add(offset) }
		run := &models.PipelineRun{
			PipelineName: "issue-flow",
			Scope:        "issue",
			Repo:         "acme/widget",
			IssueNumber:  100 + i,
		}
		require.NoError(t, s.CreateRun(ctx, run))
	}

	runs, total, err := s.ListRuns(ctx, models.ListRunsParams{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, runs, 2)
	assert.Equal(t, 104, runs[0].IssueNumber)
	assert.Equal(t, 103, runs[1].IssueNumber)

	runs, total, err = s.ListRuns(ctx, models.ListRunsParams{Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, runs, 1)
	assert.Equal(t, 100, runs[0].IssueNumber)
}

func TestStageAttemptNumbering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &models.PipelineRun{PipelineName: "p", Scope: "issue"}
	require.NoError(t, s.CreateRun(ctx, run))

	first := &models.StageRun{RunID: run.ID, StageID: "review", StageType: "agent"}
	require.NoError(t, s.CreateStageRun(ctx, first))
	assert.Equal(t, 1, first.AttemptNumber)

	require.NoError(t, s.CompleteStageRun(ctx, first.ID, models.StageFailed, nil, "changes requested"))

	second := &models.StageRun{RunID: run.ID, StageID: "review", StageType: "agent"}
	require.NoError(t, s.CreateStageRun(ctx, second))
	assert.Equal(t, 2, second.AttemptNumber)

	// Both attempts survive as history.
	attempts, err := s.AttemptCount(ctx, run.ID, "review")
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	latest, err := s.LatestStageAttempt(ctx, run.ID, "review")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	// Explicit duplicate attempt numbers are rejected.
	dup := &models.StageRun{RunID: run.ID, StageID: "review", StageType: "agent", AttemptNumber: 2}
	err = s.CreateStageRun(ctx, dup)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestLiveAgentUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &models.Agent{AgentID: "pr-review-pr-42", Role: "pr-review", Repo: "acme/widget", PRNumber: 42}
	require.NoError(t, s.CreateAgent(ctx, a))

	// A second live incarnation of the same logical agent is rejected.
	dup := &models.Agent{AgentID: "pr-review-pr-42", Role: "pr-review"}
	err := s.CreateAgent(ctx, dup)
	require.ErrorIs(t, err, ErrAgentExists)

	// Retiring the first frees the identity.
	require.NoError(t, s.UpdateAgentStatus(ctx, a.ID, models.AgentCompleted, ""))
	fresh := &models.Agent{AgentID: "pr-review-pr-42", Role: "pr-review"}
	require.NoError(t, s.CreateAgent(ctx, fresh))

	live, err := s.GetLiveAgent(ctx, "pr-review-pr-42")
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, live.ID)
}

func TestAgentSleepWakeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &models.Agent{AgentID: "feature-dev-issue-7", Role: "feature-dev", IssueNumber: 7}
	require.NoError(t, s.CreateAgent(ctx, a))

	deadline := time.Now().UTC().Add(30 * time.Minute)
	backup := deadline.Add(time.Minute)
	require.NoError(t, s.ActivateAgent(ctx, a.ID, deadline, backup))

	conds := []models.WakeCondition{
		{EventType: "pull_request_review.submitted", Match: map[string]any{"pr_number": 42}},
	}
	require.NoError(t, s.SleepAgent(ctx, a.ID, conds))

	got, err := s.GetAgent(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentSleeping, got.Status)
	assert.Nil(t, got.ActiveDeadline)
	require.Len(t, got.WakeConditions, 1)
	assert.Equal(t, "pull_request_review.submitted", got.WakeConditions[0].EventType)
}

func TestRecordActivityReturnsUpdatedCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &models.Agent{AgentID: "w-1", Role: "worker"}
	require.NoError(t, s.CreateAgent(ctx, a))

	got, err := s.RecordActivity(ctx, a.ID, 3, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, got.ToolCallCount)
	assert.Equal(t, 1, got.TurnCount)

	got, err = s.RecordActivity(ctx, a.ID, 2, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, got.ToolCallCount)
	assert.Equal(t, 2, got.TurnCount)
	assert.Equal(t, 1, got.IterationCount)
}

func TestApprovalInvalidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetReviewRequirement(ctx, "acme/widget", 42, "pr-review", 1))
	require.NoError(t, s.SetReviewRequirement(ctx, "acme/widget", 42, "security-review", 1))

	require.NoError(t, s.RecordApproval(ctx, &models.PRApproval{
		Repo: "acme/widget", PRNumber: 42, ReviewerRole: "pr-review", HeadSHA: "abc123",
	}))

	ready, missing, err := s.MergeReadiness(ctx, "acme/widget", 42, "all")
	require.NoError(t, err)
	assert.False(t, ready)
	assert.Equal(t, []string{"security-review"}, missing)

	require.NoError(t, s.RecordApproval(ctx, &models.PRApproval{
		Repo: "acme/widget", PRNumber: 42, ReviewerRole: "security-review", HeadSHA: "abc123",
	}))
	ready, missing, err = s.MergeReadiness(ctx, "acme/widget", 42, "all")
	require.NoError(t, err)
	assert.True(t, ready)
	assert.Empty(t, missing)

	// New commits invalidate everything; the PR is no longer merge-ready.
	n, err := s.InvalidateApprovals(ctx, "acme/widget", 42)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	ready, missing, err = s.MergeReadiness(ctx, "acme/widget", 42, "all")
	require.NoError(t, err)
	assert.False(t, ready)
	assert.Len(t, missing, 2)
}

func TestMergeReadinessWithoutRequirements(t *testing.T) {
	s := newTestStore(t)
	ready, _, err := s.MergeReadiness(context.Background(), "acme/widget", 99, "all")
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestDeliveryDeduplication(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordDelivery(ctx, "delivery-1", "pull_request.opened"))
	err := s.RecordDelivery(ctx, "delivery-1", "pull_request.opened")
	assert.ErrorIs(t, err, ErrDuplicateDelivery)

	// Purge removes old records so redelivered IDs stop matching eventually.
	n, err := s.PurgeDeliveries(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, s.RecordDelivery(ctx, "delivery-1", "pull_request.opened"))
}

func TestMailDedupAndDelivery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &models.MailMessage{MessageID: "msg-1", RecipientID: "pr-review-pr-42", Body: "CI fixed"}
	require.NoError(t, s.EnqueueMail(ctx, m))
	err := s.EnqueueMail(ctx, &models.MailMessage{MessageID: "msg-1", RecipientID: "pr-review-pr-42"})
	assert.ErrorIs(t, err, ErrDuplicateMessage)

	pending, err := s.PendingMail(ctx, "pr-review-pr-42")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "CI fixed", pending[0].Body)

	require.NoError(t, s.MarkMailDelivered(ctx, pending[0].ID))
	pending, err = s.PendingMail(ctx, "pr-review-pr-42")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRunsForPRAssociations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &models.PipelineRun{PipelineName: "multi", Scope: "multi-pr", Repo: "acme/widget"}
	require.NoError(t, s.CreateRun(ctx, run))
	require.NoError(t, s.AssociatePR(ctx, run.ID, "acme/widget", 42))
	require.NoError(t, s.AssociatePR(ctx, run.ID, "acme/widget", 42)) // idempotent
	require.NoError(t, s.AssociatePR(ctx, run.ID, "acme/widget", 43))

	runs, err := s.RunsForPR(ctx, "acme/widget", 42)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)

	// Terminal runs drop out of reactive routing.
	require.NoError(t, s.UpdateRunStatus(ctx, run.ID, models.RunCancelled, ""))
	runs, err = s.RunsForPR(ctx, "acme/widget", 42)
	require.NoError(t, err)
	assert.Empty(t, runs)
}
