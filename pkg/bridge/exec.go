package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// cancelGrace is how long Cancel waits after SIGTERM before killing the
// runtime outright.
const cancelGrace = 10 * time.Second

// SessionIDFor derives the stable session identity for an agent. The same
// ID is re-issued on every resume so the runtime can locate the agent's
// durable conversation snapshot.
func SessionIDFor(agentID string) string {
	return "squadron-" + agentID
}

// ExecRunner launches the agent runtime as a subprocess per session. The
// runtime reads a JSON request on stdin and emits newline-delimited JSON
// signals on stdout until the session ends. One subprocess per active agent;
// sleeping agents hold no process.
type ExecRunner struct {
	command string
	args    []string
	handler Handler
	logger  *slog.Logger

	mu      sync.Mutex
	running map[string]*execSession
}

type execSession struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// NewExecRunner creates a runner that invokes command args... for each
// session.
func NewExecRunner(command string, args []string, handler Handler) *ExecRunner {
	return &ExecRunner{
		command: command,
		args:    args,
		handler: handler,
		logger:  slog.With("component", "bridge"),
		running: make(map[string]*execSession),
	}
}

type execRequest struct {
	Mode            string         `json:"mode"` // "start" or "resume"
	AgentID         string         `json:"agent_id"`
	SessionID       string         `json:"session_id,omitempty"`
	Role            string         `json:"role,omitempty"`
	Prompt          string         `json:"prompt"`
	Context         map[string]any `json:"context,omitempty"`
	ExpectedOutputs []string       `json:"expected_outputs,omitempty"`
	Mail            []string       `json:"mail,omitempty"`
	PriorSessionID  string         `json:"prior_session_id,omitempty"`
	SessionReset    bool           `json:"session_reset,omitempty"`
}

// Start launches a fresh session and returns its ID.
func (r *ExecRunner) Start(ctx context.Context, req StartRequest) (string, error) {
	sessionID := SessionIDFor(req.AgentID)
	err := r.launch(ctx, req.Worktree, req.AgentID, execRequest{
		Mode:            "start",
		AgentID:         req.AgentID,
		SessionID:       sessionID,
		Role:            req.Role,
		Prompt:          req.Prompt,
		Context:         req.Context,
		ExpectedOutputs: req.ExpectedOutputs,
		PriorSessionID:  req.PriorSessionID,
	})
	if err != nil {
		return "", err
	}
	return sessionID, nil
}

// Resume relaunches the runtime against an existing session.
func (r *ExecRunner) Resume(ctx context.Context, req ResumeRequest) error {
	return r.launch(ctx, req.Worktree, req.AgentID, execRequest{
		Mode:         "resume",
		AgentID:      req.AgentID,
		SessionID:    req.SessionID,
		Prompt:       req.Prompt,
		Mail:         req.Mail,
		SessionReset: req.SessionReset,
	})
}

// launch starts the runtime subprocess under the run lock so two concurrent
// starts for one agent cannot both pass the existence check.
func (r *ExecRunner) launch(_ context.Context, worktree, agentID string, req execRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.running[agentID]; exists {
		return fmt.Errorf("agent %s already has a running session", agentID)
	}

	// The subprocess outlives the launch call; it is bound to the server
	// lifetime, not the caller's request context.
	cmd := exec.Command(r.command, r.args...)
	cmd.Dir = worktree
	cmd.Env = append(cmd.Environ(),
		"SQUADRON_AGENT_ID="+agentID,
		"SQUADRON_SESSION_ID="+req.SessionID,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open runtime stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open runtime stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start agent runtime: %w", err)
	}

	sess := &execSession{cmd: cmd, done: make(chan struct{})}
	r.running[agentID] = sess

	go func() {
		defer func() { _ = stdin.Close() }()
		if err := json.NewEncoder(stdin).Encode(req); err != nil {
			r.logger.Error("Failed to write runtime request", "agent_id", agentID, "error", err)
		}
	}()

	go r.readSignals(agentID, req.SessionID, stdout, sess)
	return nil
}

// readSignals forwards the runtime's signal stream until the process exits.
// A process that dies without a terminal signal produces a synthetic failed
// signal so the lifecycle manager never waits forever.
func (r *ExecRunner) readSignals(agentID, sessionID string, stdout io.Reader, sess *execSession) {
	ctx := context.Background()
	sawTerminal := false

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var sig Signal
		if err := json.Unmarshal(line, &sig); err != nil {
			r.logger.Warn("Unparseable runtime signal", "agent_id", agentID, "error", err)
			continue
		}
		sig.AgentID = agentID
		if sig.SessionID == "" {
			sig.SessionID = sessionID
		}
		switch sig.Kind {
		case SignalCompleted, SignalBlocked, SignalEscalated, SignalFailed:
			sawTerminal = true
		}
		r.handler(ctx, sig)
	}

	err := sess.cmd.Wait()
	close(sess.done)
	r.mu.Lock()
	delete(r.running, agentID)
	r.mu.Unlock()

	if !sawTerminal {
		reason := "agent runtime exited without a terminal signal"
		if err != nil {
			reason = fmt.Sprintf("agent runtime exited: %v", err)
		}
		r.handler(ctx, Signal{
			Kind:      SignalFailed,
			AgentID:   agentID,
			SessionID: sessionID,
			Reason:    reason,
		})
	}
}

// Cancel asks the agent's running session to stop: SIGTERM first, then a
// hard kill when the grace window passes without the process exiting.
func (r *ExecRunner) Cancel(ctx context.Context, agentID string) error {
	r.mu.Lock()
	sess, ok := r.running[agentID]
	r.mu.Unlock()
	if !ok || sess.cmd.Process == nil {
		return nil
	}

	if err := sess.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		r.logger.Warn("SIGTERM failed, killing runtime", "agent_id", agentID, "error", err)
	}

	select {
	case <-sess.done:
		return nil
	case <-time.After(cancelGrace):
	case <-ctx.Done():
	}

	if err := sess.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill agent runtime: %w", err)
	}
	return nil
}

// Alive reports whether the agent still has a runtime subprocess. The
// reconciler uses it at startup to decide whether an ACTIVE registry row can
// be adopted or must be failed as orphaned.
func (r *ExecRunner) Alive(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[agentID]
	return ok
}

// RunningCount returns the number of live runtime subprocesses.
func (r *ExecRunner) RunningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}
