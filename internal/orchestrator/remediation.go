package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/rvasily/cloudchat/internal/domain"
)

// remediationPrompt renders the approval question for a proposed run.
func remediationPrompt(run *domain.RemediationRun) string {
	var b strings.Builder
	if run.Reason != "" {
		b.WriteString(run.Reason)
		b.WriteString(" ")
	}
	if len(run.ProposedActions) > 0 {
		b.WriteString("Proposed actions: ")
		b.WriteString(strings.Join(run.ProposedActions, "; "))
		b.WriteString(". ")
	}
	if len(run.RequiredPermissions) > 0 {
		b.WriteString("Requires permissions: ")
		b.WriteString(strings.Join(run.RequiredPermissions, ", "))
		b.WriteString(". ")
	}
	b.WriteString("Approve automatic remediation? (approve/deny)")
	return b.String()
}

// routeDecisionLocked interprets a chat message while the approval gate is
// open. Unrecognized text re-asks instead of guessing.
func (c *Conversation) routeDecisionLocked(text string) {
	switch {
	case isApproval(text):
		c.decideRemediationLocked(true, "")
	case isDenial(text):
		c.decideRemediationLocked(false, "")
	case LooksLikeStatusQuery(text):
		// Refresh the run before re-asking so an expired or already
		// settled run is noticed.
		c.peekGateLocked()
	default:
		c.sayLocked(domain.KindQuestion,
			"A remediation run is waiting for your decision. Reply approve or deny.")
	}
}

// peekGateLocked re-reads the open run from the backend and reports it,
// closing the gate when the run turned terminal behind our back.
func (c *Conversation) peekGateLocked() {
	run := c.sess.Remediation
	if run == nil {
		return
	}
	c.busy = true

	go func() {
		ctx, cancel := c.background(c.orch.cfg.Backend.ProbeTimeout)
		defer cancel()

		updated, err := c.orch.backend.RemediationPeek(ctx, c.userID, run.RunID, run.RequestID)

		c.finish(func() {
			c.busy = false

			if err != nil {
				c.logger.Error("remediation peek failed", "run_id", run.RunID, "error", err)
				c.sayLocked(domain.KindQuestion, remediationPrompt(run))
				return
			}

			c.sess.Remediation = updated
			now := c.orch.now()
			switch updated.Status {
			case domain.RemediationCompleted:
				c.sayLocked(domain.KindResult, "Remediation already completed and the deployment resumed.")
				c.sess.ClearPending(now)
				c.refreshHistoryAsync()
			case domain.RemediationFailed:
				reason := updated.Reason
				if reason == "" {
					reason = "the backend reported a failure"
				}
				c.sayLocked(domain.KindResult, "Remediation failed: "+reason)
				c.sess.ClearPending(now)
				c.refreshHistoryAsync()
			case domain.RemediationDenied:
				c.sayLocked(domain.KindResult,
					"Remediation was denied. The request stays paused; fix the issue manually and say continue.")
				c.sess.ClearPending(now)
			case domain.RemediationExpired:
				c.sayLocked(domain.KindResult,
					"The approval window for this remediation expired. Re-run the request to get a fresh proposal.")
				c.sess.ClearPending(now)
			case domain.RemediationInProgress:
				c.sayLocked(domain.KindText, "Remediation is still running. Ask again in a bit.")
			default:
				c.sayLocked(domain.KindQuestion, remediationPrompt(updated))
			}
		})
	}()
}

// Decide resolves the open remediation gate from the decision endpoint.
func (c *Conversation) Decide(ctx context.Context, approved bool, note string) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.gateOpenLocked() {
		return c.stateLocked(), fmt.Errorf("no remediation awaiting a decision")
	}
	if c.busy {
		return c.stateLocked(), fmt.Errorf("a request is already in flight")
	}
	c.decideRemediationLocked(approved, note)
	c.persistLocked(ctx)
	return c.stateLocked(), nil
}

// decideRemediationLocked sends the decision to the backend. Approval makes
// the backend execute the run, which can take a while; denial settles fast.
// Either way the gate closes only on a terminal status.
func (c *Conversation) decideRemediationLocked(approved bool, note string) {
	run := c.sess.Remediation
	if run == nil {
		return
	}

	if approved {
		c.sayLocked(domain.KindText, "Approved. Running remediation now.")
	} else {
		c.sayLocked(domain.KindText, "Understood, remediation denied.")
	}
	c.busy = true

	go func() {
		ctx, cancel := c.background(c.orch.cfg.Backend.SubmitTimeout)
		defer cancel()

		updated, err := c.orch.backend.RemediationDecide(ctx, c.userID, run.RunID, run.RequestID, approved, note)

		c.finish(func() {
			c.busy = false
			now := c.orch.now()

			if err != nil {
				c.logger.Error("remediation decision failed", "run_id", run.RunID, "error", err)
				c.sayLocked(domain.KindResult, "Could not record the decision: "+err.Error())
				return
			}

			c.sess.Remediation = updated
			switch updated.Status {
			case domain.RemediationCompleted:
				c.sayLocked(domain.KindResult, "Remediation completed and the deployment resumed successfully.")
				c.sess.ClearPending(now)
				c.refreshHistoryAsync()
			case domain.RemediationFailed:
				reason := updated.Reason
				if reason == "" {
					reason = "the backend reported a failure"
				}
				c.sayLocked(domain.KindResult, "Remediation failed: "+reason)
				c.sess.ClearPending(now)
				c.refreshHistoryAsync()
			case domain.RemediationDenied:
				c.sayLocked(domain.KindResult,
					"Remediation denied. The request stays paused; fix the issue manually and say continue.")
				c.sess.ClearPending(now)
			case domain.RemediationExpired:
				c.sayLocked(domain.KindResult,
					"The approval window for this remediation expired. Re-run the request to get a fresh proposal.")
				c.sess.ClearPending(now)
			default:
				// Still in progress: keep the gate and let the user peek.
				c.sayLocked(domain.KindText, "Remediation is in progress. Ask for status to check on it.")
			}
		})
	}()
}

// PeekRemediation refreshes the open gate's status from the backend.
func (c *Conversation) PeekRemediation(ctx context.Context) (*domain.RemediationRun, error) {
	c.mu.Lock()
	run := c.sess.Remediation
	c.mu.Unlock()
	if run == nil {
		return nil, fmt.Errorf("no remediation run on this session")
	}

	updated, err := c.orch.backend.RemediationPeek(ctx, c.userID, run.RunID, run.RequestID)
	if err != nil {
		return nil, err
	}

	c.finish(func() {
		c.sess.Remediation = updated
	})
	return updated, nil
}
