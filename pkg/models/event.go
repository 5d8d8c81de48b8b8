// Package models holds the normalized event model and the API-facing DTOs
// shared between the engine, the router, and the dashboard surface.
package models

import "fmt"

// EventType is a dotted event name as emitted by the webhook receiver,
// e.g. "pull_request_review.submitted".
type EventType string

// Recognized event types.
const (
	EventIssueOpened           EventType = "issues.opened"
	EventIssueLabeled          EventType = "issues.labeled"
	EventIssueClosed           EventType = "issues.closed"
	EventIssueCommentCreated   EventType = "issue_comment.created"
	EventPROpened              EventType = "pull_request.opened"
	EventPRSynchronize         EventType = "pull_request.synchronize"
	EventPRClosed              EventType = "pull_request.closed"
	EventPRLabeled             EventType = "pull_request.labeled"
	EventPRUnlabeled           EventType = "pull_request.unlabeled"
	EventReviewSubmitted       EventType = "pull_request_review.submitted"
	EventReviewDismissed       EventType = "pull_request_review.dismissed"
	EventReviewCommentCreated  EventType = "pull_request_review_comment.created"
	EventReviewCommentEdited   EventType = "pull_request_review_comment.edited"
	EventReviewCommentDeleted  EventType = "pull_request_review_comment.deleted"
	EventCheckSuiteCompleted   EventType = "check_suite.completed"
	EventStatus                EventType = "status"
	EventPush                  EventType = "push"
	EventCommand               EventType = "command"
	EventAgentCompleted        EventType = "agent.completed"
	EventAgentBlocked          EventType = "agent.blocked"
	EventAgentEscalated        EventType = "agent.escalated"
	EventAgentToolCallStarted  EventType = "agent.tool_call_started"
	EventAgentToolCallFinished EventType = "agent.tool_call_finished"
)

// Repository identifies the repository an event belongs to.
type Repository struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// FullName returns "owner/name".
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// Event is a normalized inbound event. The webhook receiver (out of process)
// verifies signatures and flattens the forge payload into the conventional
// keys the engine reads through the accessor methods below.
type Event struct {
	Type       EventType      `json:"type"`
	DeliveryID string         `json:"delivery_id"`
	Sender     string         `json:"sender"`
	Repo       Repository     `json:"repository"`
	Payload    map[string]any `json:"payload"`
}

// PRNumber returns the pull request number the event refers to, or 0.
func (e *Event) PRNumber() int {
	return e.payloadInt("pr_number")
}

// IssueNumber returns the issue number the event refers to, or 0.
func (e *Event) IssueNumber() int {
	return e.payloadInt("issue_number")
}

// Label returns the label name for labeled/unlabeled events.
func (e *Event) Label() string {
	return e.payloadString("label")
}

// BaseBranch returns the PR base branch, if present.
func (e *Event) BaseBranch() string {
	return e.payloadString("base_branch")
}

// ReviewState returns the review state ("approved", "changes_requested", ...).
func (e *Event) ReviewState() string {
	return e.payloadString("review_state")
}

// ReviewID returns the forge review identifier for review events.
func (e *Event) ReviewID() int64 {
	return int64(e.payloadInt("review_id"))
}

// CommentBody returns the comment text for comment events.
func (e *Event) CommentBody() string {
	return e.payloadString("comment_body")
}

// Conclusion returns the check-suite conclusion ("success", "failure", ...).
func (e *Event) Conclusion() string {
	return e.payloadString("conclusion")
}

// Workflow returns the workflow name for check-suite/status events.
func (e *Event) Workflow() string {
	return e.payloadString("workflow")
}

// OrderingKey identifies the serialization lane for this event. Events that
// share a key are processed in arrival order; events on different keys may
// be processed concurrently.
func (e *Event) OrderingKey() string {
	if pr := e.PRNumber(); pr > 0 {
		return fmt.Sprintf("%s#pr-%d", e.Repo.FullName(), pr)
	}
	if issue := e.IssueNumber(); issue > 0 {
		return fmt.Sprintf("%s#issue-%d", e.Repo.FullName(), issue)
	}
	return e.Repo.FullName()
}

func (e *Event) payloadInt(key string) int {
	switch v := e.Payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func (e *Event) payloadString(key string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}
