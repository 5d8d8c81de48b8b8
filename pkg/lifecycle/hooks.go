package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"github.com/squadron-hq/squadron/pkg/events"
	"github.com/squadron-hq/squadron/pkg/models"
)

// HandleEvent applies lifecycle-level event bookkeeping before the pipeline
// engine sees the event: approval state, staleness, wakes, and mail for
// sleeping agents. botIdentity is the orchestrator's own forge login.
func (m *Manager) HandleEvent(ctx context.Context, ev *models.Event, botIdentity string) {
	switch ev.Type {
	case models.EventReviewSubmitted:
		m.recordReview(ctx, ev, botIdentity)
	case models.EventReviewDismissed:
		m.dismissReview(ctx, ev, botIdentity)
	case models.EventPRSynchronize:
		if _, err := m.store.InvalidateApprovals(ctx, ev.Repo.FullName(), ev.PRNumber()); err != nil {
			m.logger.Error("Failed to invalidate approvals", "pr", ev.PRNumber(), "error", err)
		}
	}

	m.wakeOrDeliver(ctx, ev)
}

// recordReview stores an approval. Human reviewers get the "human:{login}"
// role; reviews submitted under the bot identity are attributed to the live
// review agent bound to the PR.
func (m *Manager) recordReview(ctx context.Context, ev *models.Event, botIdentity string) {
	if ev.ReviewState() != "approved" {
		// A changes-requested review from a role retracts any prior
		// approval from that role.
		if role, _ := m.reviewerIdentity(ctx, ev, botIdentity); role != "" {
			if err := m.store.RemoveApproval(ctx, ev.Repo.FullName(), ev.PRNumber(), role); err != nil {
				m.logger.Error("Failed to clear approval", "role", role, "error", err)
			}
		}
		return
	}

	role, reviewer := m.reviewerIdentity(ctx, ev, botIdentity)
	if role == "" {
		return
	}
	err := m.store.RecordApproval(ctx, &models.PRApproval{
		Repo:         ev.Repo.FullName(),
		PRNumber:     ev.PRNumber(),
		ReviewerRole: role,
		Reviewer:     reviewer,
		ReviewID:     ev.ReviewID(),
	})
	if err != nil {
		m.logger.Error("Failed to record approval", "role", role, "pr", ev.PRNumber(), "error", err)
		return
	}
	m.logger.Info("Approval recorded", "pr", ev.PRNumber(), "role", role)
}

func (m *Manager) dismissReview(ctx context.Context, ev *models.Event, botIdentity string) {
	role, _ := m.reviewerIdentity(ctx, ev, botIdentity)
	if role == "" {
		return
	}
	if err := m.store.RemoveApproval(ctx, ev.Repo.FullName(), ev.PRNumber(), role); err != nil {
		m.logger.Error("Failed to remove dismissed approval", "role", role, "error", err)
	}
}

// reviewerIdentity resolves the role an approval is recorded under and the
// concrete reviewer behind it.
func (m *Manager) reviewerIdentity(ctx context.Context, ev *models.Event, botIdentity string) (role, reviewer string) {
	if ev.Sender != botIdentity {
		return "human:" + ev.Sender, ev.Sender
	}
	// Bot-authored review: attribute it to the live review agent on the PR.
	agents, err := m.store.ListAgents(ctx, "")
	if err != nil {
		m.logger.Error("Failed to list agents for review attribution", "error", err)
		return "", ""
	}
	for _, a := range agents {
		if a.Repo == ev.Repo.FullName() && a.PRNumber == ev.PRNumber() && strings.Contains(a.Role, "review") {
			return a.Role, a.AgentID
		}
	}
	return "", ""
}

// wakeOrDeliver wakes sleeping agents whose conditions match the event.
// Comment events that do not wake an agent on the same scope are delivered
// as mail instead, so the agent sees them on its next wake.
func (m *Manager) wakeOrDeliver(ctx context.Context, ev *models.Event) {
	sleeping, err := m.store.SleepingAgents(ctx)
	if err != nil {
		m.logger.Error("Failed to list sleeping agents", "error", err)
		return
	}

	for _, agent := range sleeping {
		if !m.sameScope(agent, ev) {
			continue
		}

		woken := false
		for _, cond := range agent.WakeConditions {
			if cond.Matches(ev) {
				reason := fmt.Sprintf("event %s on %s", ev.Type, ev.OrderingKey())
				if err := m.Wake(ctx, agent, reason); err != nil {
					m.logger.Error("Failed to wake agent", "agent_id", agent.AgentID, "error", err)
				}
				woken = true
				break
			}
		}
		if woken {
			continue
		}

		if ev.Type == models.EventIssueCommentCreated {
			err := m.store.EnqueueMail(ctx, &models.MailMessage{
				MessageID:   fmt.Sprintf("%s-%s", ev.DeliveryID, agent.AgentID),
				RecipientID: agent.AgentID,
				Sender:      ev.Sender,
				Subject:     string(ev.Type),
				Body:        ev.CommentBody(),
			})
			if err != nil {
				m.logger.Debug("Mail not enqueued", "agent_id", agent.AgentID, "error", err)
				continue
			}
			m.activity.Record(events.ActivityRecord{
				Type:    events.ActivityAgentMail,
				AgentID: agent.AgentID,
				Summary: "mail queued from " + ev.Sender,
			})
		}
	}
}

func (m *Manager) sameScope(agent *models.Agent, ev *models.Event) bool {
	if agent.Repo != "" && agent.Repo != ev.Repo.FullName() {
		return false
	}
	if pr := ev.PRNumber(); pr > 0 {
		return agent.PRNumber == pr
	}
	if issue := ev.IssueNumber(); issue > 0 {
		return agent.IssueNumber == issue
	}
	return true
}
