package lifecycle

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadron-hq/squadron/pkg/bridge"
	"github.com/squadron-hq/squadron/pkg/config"
	"github.com/squadron-hq/squadron/pkg/database"
	"github.com/squadron-hq/squadron/pkg/events"
	"github.com/squadron-hq/squadron/pkg/models"
	"github.com/squadron-hq/squadron/pkg/registry"
)

type doneRecorder struct {
	mu    sync.Mutex
	calls []bridge.Signal
}

func (d *doneRecorder) record(_ context.Context, _ *models.Agent, sig bridge.Signal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, sig)
}

func (d *doneRecorder) kinds() []bridge.SignalKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]bridge.SignalKind, len(d.calls))
	for i, c := range d.calls {
		out[i] = c.Kind
	}
	return out
}

type testEnv struct {
	store    *registry.Store
	manager  *Manager
	recorder *bridge.Recorder
	done     *doneRecorder
}

func newTestEnv(t *testing.T, cfg config.AgentsConfig) *testEnv {
	t.Helper()
	dir := t.TempDir()

	client, err := database.NewClient(context.Background(), database.Config{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(dir, "registry.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	activity, err := events.OpenActivityLog(filepath.Join(dir, "activity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = activity.Close() })

	store := registry.NewStore(client)
	manager := NewManager(store, activity, cfg, "test-instance", filepath.Join(dir, "worktrees"))
	recorder := bridge.NewRecorder(manager.HandleSignal)
	manager.BindRunner(recorder)
	t.Cleanup(manager.Stop)

	done := &doneRecorder{}
	manager.OnDone(done.record)
	return &testEnv{store: store, manager: manager, recorder: recorder, done: done}
}

func fastAgentsConfig(maxActive int) config.AgentsConfig {
	cfg := config.DefaultSystemConfig().Agents
	cfg.MaxActive = maxActive
	cfg.GracePeriod = config.Duration(50 * time.Millisecond)
	return cfg
}

func TestCreateActivatesAgent(t *testing.T) {
	env := newTestEnv(t, fastAgentsConfig(5))
	ctx := context.Background()

	run := &models.PipelineRun{
		PipelineName: "pr-flow", Status: models.RunRunning, Scope: "single-pr",
		Repo: "acme/widget", PRNumber: 42,
	}
	require.NoError(t, env.store.CreateRun(ctx, run))

	agent, err := env.manager.Create(ctx, CreateSpec{
		Role: "pr-review", RunID: run.ID, Repo: "acme/widget", PRNumber: 42,
		Prompt: "Review PR 42",
	})
	require.NoError(t, err)
	assert.Equal(t, "pr-review-pr-42", agent.AgentID)
	assert.Equal(t, models.AgentActive, agent.Status)
	assert.NotEmpty(t, agent.SessionID)
	assert.Equal(t, 1, env.manager.ActiveCount())

	stored, err := env.store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ActiveDeadline)
	require.NotNil(t, stored.BackupDeadline)
	assert.True(t, stored.BackupDeadline.After(*stored.ActiveDeadline))
	assert.Equal(t, "test-instance", stored.InstanceID)

	require.Len(t, env.recorder.Starts, 1)
	assert.Equal(t, "Review PR 42", env.recorder.Starts[0].Prompt)
}

func TestCapacityLimitWithGracePeriod(t *testing.T) {
	env := newTestEnv(t, fastAgentsConfig(2))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := env.manager.Create(ctx, CreateSpec{
			Role: "feature-dev", IssueNumber: 100 + i, Prompt: "work",
		})
		require.NoError(t, err)
	}

	// Third create exhausts capacity and the grace period expires.
	_, err := env.manager.Create(ctx, CreateSpec{
		Role: "feature-dev", IssueNumber: 300, Prompt: "work",
	})
	assert.ErrorIs(t, err, ErrCapacity)
	assert.Equal(t, 2, env.manager.ActiveCount())
}

func TestCompletedSignalReleasesSlot(t *testing.T) {
	env := newTestEnv(t, fastAgentsConfig(1))
	ctx := context.Background()

	agent, err := env.manager.Create(ctx, CreateSpec{
		Role: "feature-dev", IssueNumber: 7, Prompt: "implement",
	})
	require.NoError(t, err)

	env.recorder.Emit(ctx, bridge.Signal{
		Kind: bridge.SignalCompleted, AgentID: agent.AgentID,
		Outputs: map[string]any{"pr_number": 42},
	})

	assert.Equal(t, 0, env.manager.ActiveCount())
	assert.Equal(t, []bridge.SignalKind{bridge.SignalCompleted}, env.done.kinds())

	// The freed slot admits the next agent immediately.
	_, err = env.manager.Create(ctx, CreateSpec{
		Role: "feature-dev", IssueNumber: 8, Prompt: "next",
	})
	require.NoError(t, err)
}

func TestBlockedWithWakeConditionsSleeps(t *testing.T) {
	env := newTestEnv(t, fastAgentsConfig(5))
	ctx := context.Background()

	agent, err := env.manager.Create(ctx, CreateSpec{
		Role: "pr-review", PRNumber: 42, Repo: "acme/widget", Prompt: "review",
	})
	require.NoError(t, err)

	env.recorder.Emit(ctx, bridge.Signal{
		Kind: bridge.SignalBlocked, AgentID: agent.AgentID,
		Reason: "waiting for CI",
		Outputs: map[string]any{
			"wake_on": []any{
				map[string]any{"event_type": "check_suite.completed", "match": map[string]any{"pr_number": 42}},
			},
		},
	})

	stored, err := env.store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentSleeping, stored.Status)
	require.Len(t, stored.WakeConditions, 1)
	assert.Equal(t, 0, env.manager.ActiveCount())
}

func TestWakeDeliversPendingMail(t *testing.T) {
	env := newTestEnv(t, fastAgentsConfig(5))
	ctx := context.Background()

	agent, err := env.manager.Create(ctx, CreateSpec{
		Role: "pr-review", PRNumber: 42, Repo: "acme/widget", Prompt: "review",
	})
	require.NoError(t, err)
	require.NoError(t, env.manager.Sleep(ctx, agent, []models.WakeCondition{
		{EventType: "check_suite.completed"},
	}))

	require.NoError(t, env.store.EnqueueMail(ctx, &models.MailMessage{
		MessageID: "m1", RecipientID: agent.AgentID, Body: "CI is fixed now",
	}))

	require.NoError(t, env.manager.Wake(ctx, agent, "check suite completed"))
	require.Len(t, env.recorder.Resumes, 1)
	assert.Equal(t, []string{"CI is fixed now"}, env.recorder.Resumes[0].Mail)
	assert.Equal(t, agent.SessionID, env.recorder.Resumes[0].SessionID)

	pending, err := env.store.PendingMail(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestToolCallCircuitBreaker(t *testing.T) {
	cfg := fastAgentsConfig(5)
	role := config.DefaultRoleConfig()
	role.MaxToolCalls = 3
	cfg.Roles = map[string]config.RoleConfig{"worker": role}

	env := newTestEnv(t, cfg)
	ctx := context.Background()

	agent, err := env.manager.Create(ctx, CreateSpec{Role: "worker", IssueNumber: 1, Prompt: "go"})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		env.recorder.Emit(ctx, bridge.Signal{Kind: bridge.SignalToolCall, AgentID: agent.AgentID})
	}

	stored, err := env.store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentEscalated, stored.Status)
	assert.Contains(t, stored.BlockedReason, "tool call cap")
	assert.Equal(t, []bridge.SignalKind{bridge.SignalEscalated}, env.done.kinds())
	assert.Equal(t, 0, env.manager.ActiveCount())
}

func TestIterationCapEscalatesOnWake(t *testing.T) {
	cfg := fastAgentsConfig(5)
	role := config.DefaultRoleConfig()
	role.MaxIterations = 2
	cfg.Roles = map[string]config.RoleConfig{"worker": role}

	env := newTestEnv(t, cfg)
	ctx := context.Background()

	agent, err := env.manager.Create(ctx, CreateSpec{Role: "worker", IssueNumber: 1, Prompt: "go"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, env.manager.Sleep(ctx, agent, nil))
		require.NoError(t, env.manager.Wake(ctx, agent, "event"))
	}

	// Third wake exceeds MaxIterations and escalates instead of resuming.
	require.NoError(t, env.manager.Sleep(ctx, agent, nil))
	require.NoError(t, env.manager.Wake(ctx, agent, "event"))

	stored, err := env.store.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentEscalated, stored.Status)
	assert.Len(t, env.recorder.Resumes, 2)

	// The done sink hears about the escalation so the owning stage advances.
	require.Eventually(t, func() bool {
		kinds := env.done.kinds()
		return len(kinds) == 1 && kinds[0] == bridge.SignalEscalated
	}, time.Second, 10*time.Millisecond)
}

func TestEphemeralRoleUniqueIDAndNoWorktree(t *testing.T) {
	cfg := fastAgentsConfig(5)
	role := config.DefaultRoleConfig()
	role.Lifecycle = config.LifecycleEphemeral
	cfg.Roles = map[string]config.RoleConfig{"pr-review": role}

	env := newTestEnv(t, cfg)
	ctx := context.Background()

	agent, err := env.manager.Create(ctx, CreateSpec{
		Role: "pr-review", PRNumber: 42, Repo: "acme/widget", Prompt: "review",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(agent.AgentID, "pr-review-pr-42-"))
	assert.Empty(t, agent.Worktree)

	// The session still gets a working directory: the shared root.
	require.Len(t, env.recorder.Starts, 1)
	assert.NotEmpty(t, env.recorder.Starts[0].Worktree)
}

func TestSingletonRoleDedup(t *testing.T) {
	cfg := fastAgentsConfig(5)
	role := config.DefaultRoleConfig()
	role.Singleton = true
	cfg.Roles = map[string]config.RoleConfig{"triage": role}

	env := newTestEnv(t, cfg)
	ctx := context.Background()

	first, err := env.manager.Create(ctx, CreateSpec{Role: "triage", IssueNumber: 1, Prompt: "triage"})
	require.NoError(t, err)
	assert.Equal(t, "triage", first.AgentID)

	// Same scope deduplicates to the existing agent, no second session.
	again, err := env.manager.Create(ctx, CreateSpec{Role: "triage", IssueNumber: 1, Prompt: "triage"})
	require.NoError(t, err)
	assert.Equal(t, first.AgentID, again.AgentID)
	assert.Len(t, env.recorder.Starts, 1)
	assert.Equal(t, 1, env.manager.ActiveCount())

	// A different scope cannot share the singleton while it is live.
	_, err = env.manager.Create(ctx, CreateSpec{Role: "triage", IssueNumber: 2, Prompt: "triage"})
	assert.ErrorIs(t, err, ErrSingletonBusy)

	require.NoError(t, env.manager.Retire(ctx, first, models.AgentCompleted, ""))
	_, err = env.manager.Create(ctx, CreateSpec{Role: "triage", IssueNumber: 2, Prompt: "triage"})
	require.NoError(t, err)
}

func TestHumanApprovalHook(t *testing.T) {
	env := newTestEnv(t, fastAgentsConfig(5))
	ctx := context.Background()

	ev := &models.Event{
		Type:   models.EventReviewSubmitted,
		Sender: "alice",
		Repo:   models.Repository{Owner: "acme", Name: "widget"},
		Payload: map[string]any{
			"pr_number": 42, "review_state": "approved", "review_id": 9001,
		},
	}
	env.manager.HandleEvent(ctx, ev, "squadron-bot")

	approvals, err := env.store.ListApprovals(ctx, "acme/widget", 42)
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	assert.Equal(t, "human:alice", approvals[0].ReviewerRole)

	// New commits invalidate the human approval.
	sync := &models.Event{
		Type:    models.EventPRSynchronize,
		Sender:  "dev",
		Repo:    models.Repository{Owner: "acme", Name: "widget"},
		Payload: map[string]any{"pr_number": 42},
	}
	env.manager.HandleEvent(ctx, sync, "squadron-bot")

	approvals, err = env.store.ListApprovals(ctx, "acme/widget", 42)
	require.NoError(t, err)
	assert.Empty(t, approvals)
}

func TestEventWakesMatchingSleeper(t *testing.T) {
	env := newTestEnv(t, fastAgentsConfig(5))
	ctx := context.Background()

	agent, err := env.manager.Create(ctx, CreateSpec{
		Role: "pr-review", PRNumber: 42, Repo: "acme/widget", Prompt: "review",
	})
	require.NoError(t, err)
	require.NoError(t, env.manager.Sleep(ctx, agent, []models.WakeCondition{
		{EventType: "check_suite.completed", Match: map[string]any{"pr_number": 42}},
	}))

	// Event for a different PR does not wake the agent.
	other := &models.Event{
		Type:    models.EventCheckSuiteCompleted,
		Repo:    models.Repository{Owner: "acme", Name: "widget"},
		Payload: map[string]any{"pr_number": 43},
	}
	env.manager.HandleEvent(ctx, other, "squadron-bot")
	assert.Empty(t, env.recorder.Resumes)

	match := &models.Event{
		Type:    models.EventCheckSuiteCompleted,
		Repo:    models.Repository{Owner: "acme", Name: "widget"},
		Payload: map[string]any{"pr_number": 42},
	}
	env.manager.HandleEvent(ctx, match, "squadron-bot")
	require.Len(t, env.recorder.Resumes, 1)
}

func TestCommentBecomesMailForNonWakingSleeper(t *testing.T) {
	env := newTestEnv(t, fastAgentsConfig(5))
	ctx := context.Background()

	agent, err := env.manager.Create(ctx, CreateSpec{
		Role: "feature-dev", IssueNumber: 7, Repo: "acme/widget", Prompt: "implement",
	})
	require.NoError(t, err)
	require.NoError(t, env.manager.Sleep(ctx, agent, []models.WakeCondition{
		{EventType: "pull_request_review.submitted"},
	}))

	comment := &models.Event{
		Type:       models.EventIssueCommentCreated,
		DeliveryID: "d-1",
		Sender:     "alice",
		Repo:       models.Repository{Owner: "acme", Name: "widget"},
		Payload:    map[string]any{"issue_number": 7, "comment_body": "please also update the docs"},
	}
	env.manager.HandleEvent(ctx, comment, "squadron-bot")

	pending, err := env.store.PendingMail(ctx, agent.AgentID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "please also update the docs", pending[0].Body)

	// Redelivery of the same event does not duplicate the mail.
	env.manager.HandleEvent(ctx, comment, "squadron-bot")
	pending, err = env.store.PendingMail(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
