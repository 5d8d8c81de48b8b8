// Package events implements the append-only activity log and the in-process
// fan-out hub that feeds SSE streams. The log lives in its own database file,
// separate from the registry, so high-volume activity writes never contend
// with orchestrator state transitions.
package events

import "time"

// ActivityType classifies an activity record.
type ActivityType string

// Activity types recorded by the orchestrator.
const (
	ActivityAgentSpawned     ActivityType = "agent.spawned"
	ActivityAgentState       ActivityType = "agent.state_changed"
	ActivityAgentToolCall    ActivityType = "agent.tool_call"
	ActivityAgentOutput      ActivityType = "agent.output"
	ActivityAgentMail        ActivityType = "agent.mail"
	ActivityPipelineStarted  ActivityType = "pipeline.started"
	ActivityPipelineFinished ActivityType = "pipeline.finished"
	ActivityStageStarted     ActivityType = "stage.started"
	ActivityStageFinished    ActivityType = "stage.finished"
	ActivityGateEvaluated    ActivityType = "gate.evaluated"
	ActivityEventReceived    ActivityType = "event.received"
	ActivityEventDropped     ActivityType = "event.dropped"
	ActivityEscalation       ActivityType = "escalation"
	ActivityReconcile        ActivityType = "reconcile"
)

// ActivityRecord is one row in the activity log. IDs are assigned by the
// database and strictly increase, which gives SSE consumers a resume cursor.
type ActivityRecord struct {
	ID        int64          `json:"id"`
	Type      ActivityType   `json:"type"`
	AgentID   string         `json:"agent_id,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	StageID   string         `json:"stage_id,omitempty"`
	Summary   string         `json:"summary"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
