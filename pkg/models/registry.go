package models

import (
	"fmt"
	"time"
)

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunWaiting   RunStatus = "waiting"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunEscalated RunStatus = "escalated"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run can no longer change state.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunEscalated, RunCancelled:
		return true
	}
	return false
}

// StageStatus is the lifecycle state of a single stage attempt.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageWaiting   StageStatus = "waiting"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
	StageCancelled StageStatus = "cancelled"
)

// IsTerminal reports whether the stage attempt is finished.
func (s StageStatus) IsTerminal() bool {
	switch s {
	case StageCompleted, StageFailed, StageSkipped, StageCancelled:
		return true
	}
	return false
}

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	AgentCreated   AgentStatus = "created"
	AgentActive    AgentStatus = "active"
	AgentSleeping  AgentStatus = "sleeping"
	AgentBlocked   AgentStatus = "blocked"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
	AgentEscalated AgentStatus = "escalated"
)

// IsTerminal reports whether the agent has been retired.
func (s AgentStatus) IsTerminal() bool {
	switch s {
	case AgentCompleted, AgentFailed, AgentEscalated:
		return true
	}
	return false
}

// PipelineRun is a row in the pipeline_runs table. TriggerEvent and Context
// are stored as JSON.
type PipelineRun struct {
	ID                 string
	PipelineName       string
	DefinitionSnapshot []byte
	Status             RunStatus
	CurrentStageID     string
	Scope              string
	Repo               string
	PRNumber           int
	IssueNumber        int
	ParentRunID        string
	ParentStageID      string
	NestingDepth       int
	TriggerDeliveryID  string
	TriggerEvent       map[string]any
	Context            map[string]any
	Error              string
	StartedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        *time.Time
}

// StageRun is a row in the stage_runs table. One row per attempt: a loop back
// to an earlier stage creates a fresh attempt rather than mutating the old
// row, preserving history.
type StageRun struct {
	ID            string
	RunID         string
	StageID       string
	StageType     string
	AttemptNumber int
	Status        StageStatus
	AgentID       string
	BranchKey     string
	Output        map[string]any
	Error         string
	StartedAt     time.Time
	CompletedAt   *time.Time
}

// GateCheck records one condition evaluation within a gate stage attempt.
type GateCheck struct {
	ID          string
	StageRunID  string
	CheckType   string
	Params      map[string]any
	Result      string
	Detail      string
	EvaluatedAt time.Time
}

// Gate check results.
const (
	GatePassed  = "passed"
	GateFailed  = "failed"
	GatePending = "pending"
)

// Agent is a row in the agents table. AgentID is the stable logical identity
// ("{role}-{scope}", e.g. "pr-review-pr-42"); ID is the row key, unique per
// incarnation. A partial unique index guarantees at most one non-terminal row
// per AgentID.
type Agent struct {
	ID             string
	AgentID        string
	Role           string
	Status         AgentStatus
	RunID          string
	StageRunID     string
	SessionID      string
	Worktree       string
	Repo           string
	PRNumber       int
	IssueNumber    int
	IterationCount int
	ToolCallCount  int
	TurnCount      int
	WakeConditions []WakeCondition
	BlockedReason  string
	InstanceID     string
	LastHeartbeat  *time.Time
	ActiveDeadline *time.Time
	BackupDeadline *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	RetiredAt      *time.Time
}

// WakeCondition describes an event that should wake a sleeping agent.
type WakeCondition struct {
	EventType string         `json:"event_type"`
	Match     map[string]any `json:"match,omitempty"`
}

// Matches reports whether ev satisfies the condition. Every key in Match must
// equal the corresponding event payload field.
func (w WakeCondition) Matches(ev *Event) bool {
	if string(ev.Type) != w.EventType {
		return false
	}
	for key, want := range w.Match {
		if got, ok := ev.Payload[key]; !ok || fmtAny(got) != fmtAny(want) {
			return false
		}
	}
	return true
}

// fmtAny normalizes JSON scalar shapes (int vs float64) for comparison.
func fmtAny(v any) string { return fmt.Sprintf("%v", v) }

// ReviewRequirement is a row in pr_review_requirements: the roles whose
// approval a PR needs before merge.
type ReviewRequirement struct {
	ID            string
	Repo          string
	PRNumber      int
	Role          string
	RequiredCount int
	CreatedAt     time.Time
}

// PRApproval is a row in pr_approvals. Human approvals use the role
// "human:{login}"; Reviewer is the approving login or agent id, so several
// reviewers can stack approvals under one role. Stale approvals no longer
// count toward merge readiness.
type PRApproval struct {
	ID           string
	Repo         string
	PRNumber     int
	ReviewerRole string
	Reviewer     string
	ReviewID     int64
	HeadSHA      string
	Stale        bool
	ApprovedAt   time.Time
}

// SequenceState tracks one position in a multi-PR pipeline's ordered PR
// sequence.
type SequenceState struct {
	ID        string
	RunID     string
	Repo      string
	Position  int
	PRNumber  int
	Branch    string
	Status    string
	UpdatedAt time.Time
}

// PRAssociation links a pipeline run to a PR it operates on, so reactive
// events for that PR can be routed to the run.
type PRAssociation struct {
	ID            string
	PipelineRunID string
	Repo          string
	PRNumber      int
	CreatedAt     time.Time
}

// MailMessage is a row in mail_messages: a durable note for a sleeping agent,
// delivered on its next wake.
type MailMessage struct {
	ID          string
	MessageID   string
	RecipientID string
	Sender      string
	Subject     string
	Body        string
	Delivered   bool
	CreatedAt   time.Time
	DeliveredAt *time.Time
}
