package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type signalSink struct {
	mu      sync.Mutex
	signals []Signal
}

func (s *signalSink) handle(_ context.Context, sig Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, sig)
}

func (s *signalSink) all() []Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Signal(nil), s.signals...)
}

func (s *signalSink) waitFor(t *testing.T, n int) []Signal {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(s.all()) >= n
	}, 5*time.Second, 10*time.Millisecond)
	return s.all()
}

func TestExecRunnerForwardsSignals(t *testing.T) {
	sink := &signalSink{}
	// The fake runtime drains stdin, emits a tool call and a completion.
	script := `cat > /dev/null
echo '{"kind":"tool_call","outputs":{"tool":"read_file"}}'
echo '{"kind":"completed","outputs":{"verdict":"approve"}}'`
	runner := NewExecRunner("/bin/sh", []string{"-c", script}, sink.handle)

	sessionID, err := runner.Start(context.Background(), StartRequest{
		AgentID:  "pr-review-pr-42",
		Role:     "pr-review",
		Worktree: t.TempDir(),
		Prompt:   "Review PR 42",
	})
	require.NoError(t, err)
	assert.Equal(t, "squadron-pr-review-pr-42", sessionID)

	signals := sink.waitFor(t, 2)
	assert.Equal(t, SignalToolCall, signals[0].Kind)
	assert.Equal(t, "pr-review-pr-42", signals[0].AgentID)
	assert.Equal(t, sessionID, signals[0].SessionID)
	assert.Equal(t, SignalCompleted, signals[1].Kind)
	assert.Equal(t, "approve", signals[1].Outputs["verdict"])

	require.Eventually(t, func() bool { return runner.RunningCount() == 0 },
		5*time.Second, 10*time.Millisecond)
}

func TestExecRunnerSynthesizesFailureOnSilentExit(t *testing.T) {
	sink := &signalSink{}
	runner := NewExecRunner("/bin/sh", []string{"-c", "cat > /dev/null; exit 3"}, sink.handle)

	_, err := runner.Start(context.Background(), StartRequest{
		AgentID: "worker-1", Worktree: t.TempDir(), Prompt: "do work",
	})
	require.NoError(t, err)

	signals := sink.waitFor(t, 1)
	assert.Equal(t, SignalFailed, signals[0].Kind)
	assert.Contains(t, signals[0].Reason, "exit")
}

func TestExecRunnerRejectsDuplicateSession(t *testing.T) {
	sink := &signalSink{}
	runner := NewExecRunner("/bin/sh", []string{"-c", "sleep 5"}, sink.handle)

	_, err := runner.Start(context.Background(), StartRequest{
		AgentID: "worker-1", Worktree: t.TempDir(), Prompt: "first",
	})
	require.NoError(t, err)

	_, err = runner.Start(context.Background(), StartRequest{
		AgentID: "worker-1", Worktree: t.TempDir(), Prompt: "second",
	})
	require.Error(t, err)

	require.NoError(t, runner.Cancel(context.Background(), "worker-1"))
	require.Eventually(t, func() bool { return runner.RunningCount() == 0 },
		5*time.Second, 10*time.Millisecond)
}
