package models

import "time"

// ListRunsParams are the query parameters accepted by GET /pipelines/runs.
type ListRunsParams struct {
	Limit        int
	Offset       int
	Status       string
	PipelineName string
	PRNumber     int
	IssueNumber  int
}

// PipelineRunSummary is a single row in the runs listing.
type PipelineRunSummary struct {
	RunID          string     `json:"run_id"`
	PipelineName   string     `json:"pipeline_name"`
	Scope          string     `json:"scope"`
	Status         string     `json:"status"`
	CurrentStageID string     `json:"current_stage_id,omitempty"`
	IssueNumber    int        `json:"issue_number,omitempty"`
	PRNumber       int        `json:"pr_number,omitempty"`
	ParentRunID    string     `json:"parent_run_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
}

// StageRunView is one stage attempt inside a run detail response.
type StageRunView struct {
	StageID            string         `json:"stage_id"`
	AttemptNumber      int            `json:"attempt_number"`
	Status             string         `json:"status"`
	AgentID            string         `json:"agent_id,omitempty"`
	BranchID           string         `json:"branch_id,omitempty"`
	ParentStageID      string         `json:"parent_stage_id,omitempty"`
	ChildPipelineRunID string         `json:"child_pipeline_run_id,omitempty"`
	Outputs            map[string]any `json:"outputs,omitempty"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	GateChecks         []GateCheck    `json:"gate_checks,omitempty"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
}

// PipelineRunDetail is the full run view, including stage runs and children.
// AssociatedPRs lists PRs beyond the scope PR that stages of this run
// produced; Sequence is populated for multi-pr runs only.
type PipelineRunDetail struct {
	PipelineRunSummary
	Stages        []StageRunView       `json:"stages"`
	Children      []PipelineRunSummary `json:"children,omitempty"`
	AssociatedPRs []int                `json:"associated_prs,omitempty"`
	Sequence      []SequenceState      `json:"sequence,omitempty"`
}

// RunListResult is a paginated runs listing.
type RunListResult struct {
	Runs   []PipelineRunSummary `json:"runs"`
	Total  int                  `json:"total"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

// PipelineInfo summarizes a loaded pipeline definition.
type PipelineInfo struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Scope        string   `json:"scope"`
	TriggerEvent string   `json:"trigger_event,omitempty"`
	SubPipeline  bool     `json:"sub_pipeline"`
	StageIDs     []string `json:"stage_ids"`
}

// AgentView is a single agent in the agents listing.
type AgentView struct {
	AgentID       string     `json:"agent_id"`
	Role          string     `json:"role"`
	IssueNumber   int        `json:"issue_number"`
	SessionID     string     `json:"session_id"`
	Status        string     `json:"status"`
	Lifecycle     string     `json:"lifecycle"`
	Branch        string     `json:"branch,omitempty"`
	PRNumber      int        `json:"pr_number,omitempty"`
	PipelineRunID string     `json:"pipeline_run_id,omitempty"`
	StageID       string     `json:"pipeline_stage_id,omitempty"`
	ActiveSince   *time.Time `json:"active_since,omitempty"`
	SleepingSince *time.Time `json:"sleeping_since,omitempty"`
	Iterations    int        `json:"iteration_count"`
	ToolCalls     int        `json:"tool_call_count"`
}

// AgentStats is the response of GET /agents/{id}/stats.
type AgentStats struct {
	AgentID        string        `json:"agent_id"`
	Status         string        `json:"status"`
	Iterations     int           `json:"iteration_count"`
	ToolCalls      int           `json:"tool_call_count"`
	ActiveDuration time.Duration `json:"active_duration_ns"`
	EventCount     int           `json:"event_count"`
}

// StatusReport is the response of GET /status.
type StatusReport struct {
	Healthy          bool      `json:"healthy"`
	InstanceID       string    `json:"instance_id"`
	DBReachable      bool      `json:"db_reachable"`
	DBError          string    `json:"db_error,omitempty"`
	QueueDepth       int       `json:"queue_depth"`
	Lanes            int       `json:"lanes"`
	ActiveAgents     int       `json:"active_agents"`
	MaxActiveAgents  int       `json:"max_active_agents"`
	RunningPipelines int       `json:"running_pipelines"`
	LastReconcile    time.Time `json:"last_reconcile,omitempty"`
}
