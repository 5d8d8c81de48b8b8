// Package bridge connects the orchestrator to the agent runtime. The runtime
// executes LLM agent sessions out of process; the bridge starts and resumes
// sessions, forwards cancellation, and surfaces the runtime's signal stream
// (tool calls, turns, completion) back to the lifecycle manager.
package bridge

import (
	"context"
)

// SignalKind classifies a runtime signal.
type SignalKind string

const (
	// SignalToolCall is emitted for every tool invocation the agent makes.
	SignalToolCall SignalKind = "tool_call"
	// SignalTurn is emitted when the agent completes one reasoning turn.
	SignalTurn SignalKind = "turn"
	// SignalOutput carries a structured output the agent produced.
	SignalOutput SignalKind = "output"
	// SignalCompleted means the agent finished its task.
	SignalCompleted SignalKind = "completed"
	// SignalBlocked means the agent cannot proceed without an external
	// event (CI result, review, human input).
	SignalBlocked SignalKind = "blocked"
	// SignalEscalated means the agent is handing the task to humans.
	SignalEscalated SignalKind = "escalated"
	// SignalFailed means the runtime crashed or the session errored.
	SignalFailed SignalKind = "failed"
)

// Signal is one message from the agent runtime.
type Signal struct {
	Kind      SignalKind     `json:"kind"`
	AgentID   string         `json:"agent_id"`
	SessionID string         `json:"session_id,omitempty"`
	// Outputs carries the agent's declared outputs on completed signals and
	// tool/turn metadata otherwise.
	Outputs map[string]any `json:"outputs,omitempty"`
	Reason  string         `json:"reason,omitempty"`
}

// Handler consumes runtime signals. Called from the goroutine reading the
// runtime's stream; implementations must not block for long.
type Handler func(ctx context.Context, sig Signal)

// StartRequest describes a fresh agent session.
type StartRequest struct {
	AgentID  string
	Role     string
	Worktree string
	// Prompt is the fully expanded action text for this stage.
	Prompt string
	// Context is extra structured state handed to the runtime (trigger
	// payload, prior stage outputs).
	Context map[string]any
	// ExpectedOutputs names the keys the agent must produce on completion.
	ExpectedOutputs []string
	// PriorSessionID, when set, asks the runtime to seed the new session
	// with the named conversation's history.
	PriorSessionID string
}

// ResumeRequest wakes an existing session.
type ResumeRequest struct {
	AgentID   string
	SessionID string
	Worktree  string
	// Prompt describes why the agent was woken (event summary, mail).
	Prompt string
	// Mail is the backlog of messages delivered with the wake.
	Mail []string
	// SessionReset tells the runtime the prior session could not be
	// continued and this is a fresh context.
	SessionReset bool
}

// Runner is the runtime control surface. Start and Resume return once the
// session is launched; signals arrive asynchronously through the Handler
// given at construction. Cancel stops a running session; it is idempotent.
type Runner interface {
	Start(ctx context.Context, req StartRequest) (sessionID string, err error)
	Resume(ctx context.Context, req ResumeRequest) error
	Cancel(ctx context.Context, agentID string) error
}
