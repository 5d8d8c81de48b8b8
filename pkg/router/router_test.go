package router

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadron-hq/squadron/pkg/config"
	"github.com/squadron-hq/squadron/pkg/database"
	"github.com/squadron-hq/squadron/pkg/events"
	"github.com/squadron-hq/squadron/pkg/models"
	"github.com/squadron-hq/squadron/pkg/registry"
)

// capture records the dispatch chain as "stage:type" strings.
type capture struct {
	mu    sync.Mutex
	calls []string
	evs   []*models.Event
}

func (c *capture) add(stage string, ev *models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, stage+":"+string(ev.Type))
	c.evs = append(c.evs, ev)
}

func (c *capture) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *capture) events() []*models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*models.Event(nil), c.evs...)
}

func (c *capture) HandleEvent(_ context.Context, ev *models.Event, _ string) { c.add("sink", ev) }
func (c *capture) HandleTriggerEvent(_ context.Context, ev *models.Event)   { c.add("trigger", ev) }
func (c *capture) HandleReactiveEvent(_ context.Context, ev *models.Event)  { c.add("reactive", ev) }

func newTestRouter(t *testing.T, cfg config.RouterConfig) (*Router, *capture) {
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

	rec := &capture{}
	r := New(registry.NewStore(client), activity, rec, rec, cfg, "squadron-bot")
	return r, rec
}

func commentEvent(delivery, sender, body string, issue int) *models.Event {
	return &models.Event{
		Type:       models.EventIssueCommentCreated,
		DeliveryID: delivery,
		Sender:     sender,
		Repo:       models.Repository{Owner: "acme", Name: "widget"},
		Payload:    map[string]any{"issue_number": issue, "comment_body": body},
	}
}

func TestDispatchOrderPerEvent(t *testing.T) {
	r, rec := newTestRouter(t, config.RouterConfig{QueueSize: 16, Lanes: 1})
	r.Start()
	t.Cleanup(r.Stop)

	require.NoError(t, r.Emit(commentEvent("d-1", "alice", "hello", 7)))

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{
		"sink:issue_comment.created",
		"trigger:issue_comment.created",
		"reactive:issue_comment.created",
	}, rec.snapshot())
}

func TestSameKeyEventsKeepArrivalOrder(t *testing.T) {
	r, rec := newTestRouter(t, config.RouterConfig{QueueSize: 64, Lanes: 4})
	r.Start()
	t.Cleanup(r.Stop)

	for i := 0; i < 10; i++ {
		require.NoError(t, r.Emit(commentEvent(fmt.Sprintf("d-%d", i), "alice", fmt.Sprintf("msg %d", i), 7)))
	}

	require.Eventually(t, func() bool {
		return len(rec.events()) == 30
	}, 2*time.Second, 5*time.Millisecond)

	var bodies []string
	for _, ev := range rec.events() {
		bodies = append(bodies, ev.CommentBody())
	}
	// Every stage sees msg i before msg i+1.
	last := -1
	for i, b := range bodies {
		if bodies[i] == "" {
			continue
		}
		var n int
		_, err := fmt.Sscanf(b, "msg %d", &n)
		require.NoError(t, err)
		if n < last {
			t.Fatalf("event %d out of order: %q after msg %d", i, b, last)
		}
		last = n
	}
}

func TestDuplicateDeliveryDropped(t *testing.T) {
	r, rec := newTestRouter(t, config.RouterConfig{QueueSize: 16, Lanes: 1})
	r.Start()
	t.Cleanup(r.Stop)

	require.NoError(t, r.Emit(commentEvent("d-dup", "alice", "first", 7)))
	require.NoError(t, r.Emit(commentEvent("d-dup", "alice", "redelivered", 7)))

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) >= 3
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 3)
}

func TestSelfEventsFiltered(t *testing.T) {
	r, rec := newTestRouter(t, config.RouterConfig{QueueSize: 16, Lanes: 1})
	r.Start()
	t.Cleanup(r.Stop)

	require.NoError(t, r.Emit(commentEvent("d-self", "squadron-bot", "bot noise", 7)))

	// Synthetic agent events keep flowing even though the sender is not a
	// human login.
	agentDone := &models.Event{
		Type:       models.EventAgentCompleted,
		DeliveryID: "d-agent",
		Sender:     "feature-dev-issue-7",
		Repo:       models.Repository{Owner: "acme", Name: "widget"},
		Payload:    map[string]any{"issue_number": 7, "agent_id": "feature-dev-issue-7"},
	}
	require.NoError(t, r.Emit(agentDone))

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "sink:agent.completed", rec.snapshot()[0])
}

func TestCommandCommentBecomesCommandEvent(t *testing.T) {
	r, rec := newTestRouter(t, config.RouterConfig{QueueSize: 16, Lanes: 1})
	r.Start()
	t.Cleanup(r.Stop)

	require.NoError(t, r.Emit(commentEvent("d-cmd", "alice", "@squadron-bot feature-dev: fix the flaky auth test", 7)))

	require.Eventually(t, func() bool {
		return len(rec.events()) == 3
	}, 2*time.Second, 5*time.Millisecond)

	ev := rec.events()[0]
	assert.Equal(t, models.EventCommand, ev.Type)
	assert.Equal(t, "feature-dev", ev.Payload["role"])
	assert.Equal(t, "fix the flaky auth test", ev.Payload["instruction"])
	assert.Equal(t, 7, ev.IssueNumber())
}

func TestMentionOfOtherBotIsNotACommand(t *testing.T) {
	r, rec := newTestRouter(t, config.RouterConfig{QueueSize: 16, Lanes: 1})
	r.Start()
	t.Cleanup(r.Stop)

	require.NoError(t, r.Emit(commentEvent("d-other", "alice", "@dependabot rebase: please", 7)))

	require.Eventually(t, func() bool {
		return len(rec.events()) == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, models.EventIssueCommentCreated, rec.events()[0].Type)
}

func TestEmitOnFullLaneReturnsErrQueueFull(t *testing.T) {
	r, _ := newTestRouter(t, config.RouterConfig{QueueSize: 2, Lanes: 1})
	// Workers not started: the lane fills up.

	require.NoError(t, r.Emit(commentEvent("d-1", "alice", "a", 7)))
	require.NoError(t, r.Emit(commentEvent("d-2", "alice", "b", 7)))
	err := r.Emit(commentEvent("d-3", "alice", "c", 7))
	assert.ErrorIs(t, err, ErrQueueFull)
}
