package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rvasily/cloudchat/internal/backend"
	"github.com/rvasily/cloudchat/internal/domain"
	"github.com/rvasily/cloudchat/internal/session"
)

const historyFetchLimit = 200

// startRequestLocked kicks off a fresh submission for the message text.
func (c *Conversation) startRequestLocked(text string) {
	c.sess.Mode = domain.ModeNew
	c.sess.LastRequestText = text

	vars := map[string]any{}
	for k, v := range c.sess.RememberedVariables(text) {
		vars[k] = v
	}
	if c.sess.Strategy != "" {
		vars["resource_strategy"] = string(c.sess.Strategy)
	}

	c.busy = true
	c.sayLocked(domain.KindText, "Working on it. I will ask if anything is missing.")
	c.submitAsync(backend.SubmitRequest{
		RequestID:   c.sess.RequestID,
		UserID:      c.userID,
		Text:        text,
		Environment: c.environmentLocked(),
		Region:      c.regionLocked(),
		Variables:   vars,
	})
}

// resubmitLocked re-sends the last request text with the answers collected
// in the current clarification round merged in.
func (c *Conversation) resubmitLocked() {
	vars := map[string]any{}
	for k, v := range c.sess.RememberedVariables(c.sess.LastRequestText) {
		vars[k] = v
	}
	for k, v := range c.sess.Answers {
		vars[k] = v
	}
	if c.sess.Strategy != "" {
		vars["resource_strategy"] = string(c.sess.Strategy)
	}

	c.busy = true
	c.submitAsync(backend.SubmitRequest{
		RequestID:     c.sess.RequestID,
		UserID:        c.userID,
		Text:          c.sess.LastRequestText,
		Environment:   c.environmentLocked(),
		Region:        c.regionLocked(),
		Variables:     vars,
		ResumeContext: c.sess.ResumeContext,
	})
}

func (c *Conversation) submitAsync(req backend.SubmitRequest) {
	go func() {
		ctx, cancel := c.background(c.orch.cfg.Backend.SubmitTimeout)
		defer cancel()

		result, err := c.orch.backend.Submit(ctx, req)

		c.finish(func() {
			c.busy = false
			if err != nil {
				// Transport errors become failed outcomes; the request id,
				// if any, stays resumable.
				c.logger.Error("submission failed", "error", err)
				c.sayLocked(domain.KindResult, "Request failed: "+err.Error())
				c.sess.ClearPending(c.orch.now())
				return
			}
			c.applyResultLocked(result)
		})
	}()
}

// applyResultLocked folds a backend result into the session and tells the
// user what happened.
func (c *Conversation) applyResultLocked(result *backend.SubmitResult) {
	now := c.orch.now()
	c.sess.AssignRequestID(result.RequestID, now)
	if len(result.ResumeContext) > 0 {
		c.sess.ResumeContext = result.ResumeContext
	}

	switch outcome := result.Outcome.(type) {
	case domain.Completed:
		summary := outcome.Summary
		if summary == "" {
			summary = "Done."
		}
		c.sayLocked(domain.KindResult, summary)
		c.sess.ClearPending(now)
		// A successful create can still leave the resource settling.
		if result.Resource != nil && !result.Resource.Ready &&
			NeedsPolling(c.orch.cfg.Polling, result.Resource.Type, result.Resource.State, result.RetryHintSeconds) {
			c.armServiceMonitorLocked(result.Resource, result.RetryHintSeconds)
		}
		c.refreshHistoryAsync()

	case domain.Failed:
		c.sayLocked(domain.KindResult, "Request failed: "+outcome.Reason)
		c.sess.ClearPending(now)
		c.refreshHistoryAsync()

	case domain.NeedsInput:
		c.applyNeedsInputLocked(outcome, result, now)
	}
}

func (c *Conversation) applyNeedsInputLocked(outcome domain.NeedsInput, result *backend.SubmitResult, now time.Time) {
	if outcome.Remediation != nil {
		c.sess.Remediation = outcome.Remediation
	}
	c.sess.Continuation = outcome.Continuation

	if len(outcome.Questions) > 0 {
		if outcome.Prompt != "" {
			c.sayLocked(domain.KindText, outcome.Prompt)
		}
		c.sess.PushQuestions(outcome.Questions, now)
		c.askActiveLocked()
		return
	}

	// No questions: the backend wants an automatic follow-up or a plain
	// wait.
	switch {
	case outcome.Continuation != nil && outcome.Continuation.Kind == domain.ContinuationAutoDeploy:
		if outcome.Prompt != "" {
			c.sayLocked(domain.KindText, outcome.Prompt)
		}
		c.armAutoDeployLocked(outcome.Continuation, nil)

	case c.gateOpenLocked():
		c.sayLocked(domain.KindQuestion, remediationPrompt(c.sess.Remediation))

	case result.Resource != nil && !result.Resource.Ready &&
		NeedsPolling(c.orch.cfg.Polling, result.Resource.Type, result.Resource.State, result.RetryHintSeconds):
		if outcome.Prompt != "" {
			c.sayLocked(domain.KindText, outcome.Prompt)
		}
		c.armServiceMonitorLocked(result.Resource, result.RetryHintSeconds)

	default:
		prompt := outcome.Prompt
		if prompt == "" {
			prompt = "I need more details to continue, but the backend did not say which. Try rephrasing the request."
		}
		c.sayLocked(domain.KindText, prompt)
	}
}

func (c *Conversation) armServiceMonitorLocked(res *backend.ResourceRef, waitSeconds int) {
	category := res.Type
	if category == "" {
		category = InferResourceTypeHint(res.Name)
	}
	target := &domain.MonitorTarget{
		ID:       res.Name,
		Category: category,
		Track:    domain.TrackService,
		Region:   res.Region,
	}
	c.sess.SetMonitor(target, c.orch.now())
	c.sayLocked(domain.KindText, fmt.Sprintf(
		"%s %q is %s. I will watch it and let you know when it is ready.",
		strings.ToUpper(category), res.Name, res.State))
	c.startPollerLocked(domain.TrackService, waitSeconds)
}

// startResumeLatestLocked handles a bare continue command: find the most
// recent unfinished request and pick it back up.
func (c *Conversation) startResumeLatestLocked() {
	c.busy = true
	go func() {
		ctx, cancel := c.background(c.orch.cfg.Backend.ProbeTimeout)
		defer cancel()

		records, err := c.orch.backend.ListDeployments(ctx, c.userID, historyFetchLimit)
		if err != nil {
			c.finish(func() {
				c.busy = false
				c.sayLocked(domain.KindText, "Could not check your deployment history: "+err.Error())
			})
			return
		}

		requestID, ok := session.MostRecentUnfinished(records)
		if !ok {
			c.finish(func() {
				c.busy = false
				c.sayLocked(domain.KindText, "Nothing unfinished to continue. All your requests completed.")
			})
			return
		}

		c.resumeRequest(requestID, records)
	}()
}

// Resume reattaches the conversation to a specific request, restoring the
// snapshot or rebuilding from history. It then continues the work.
func (c *Conversation) Resume(ctx context.Context, requestID string) (State, error) {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return c.State(), fmt.Errorf("a request is already in flight")
	}
	c.busy = true
	c.mu.Unlock()

	records, err := c.orch.backend.ListDeployments(ctx, c.userID, historyFetchLimit)
	if err != nil {
		c.finish(func() { c.busy = false })
		return c.State(), fmt.Errorf("fetch history: %w", err)
	}
	c.resumeRequest(requestID, records)
	return c.State(), nil
}

// resumeRequest swaps in the session for requestID and continues it. Runs
// outside the lock; call with busy already set.
func (c *Conversation) resumeRequest(requestID string, records []domain.DeploymentRecord) {
	ctx, cancel := c.background(c.orch.cfg.Backend.ProbeTimeout)
	restored, err := c.orch.sessions.Restore(ctx, c.userID, requestID)
	cancel()
	if err != nil {
		c.logger.Warn("snapshot restore failed, rebuilding from history", "request_id", requestID, "error", err)
	}
	if restored == nil {
		restored = session.RebuildFromHistory(c.userID, requestID, records, c.orch.now())
	}
	if restored == nil {
		c.finish(func() {
			c.busy = false
			c.sayLocked(domain.KindText, fmt.Sprintf("I could not find request %s to resume.", requestID))
		})
		return
	}

	c.finish(func() {
		c.stopPollersLocked()
		restored.Mode = domain.ModeExisting
		c.sess = restored
		c.busy = false
		c.sayLocked(domain.KindText, fmt.Sprintf("Resuming request %s.", requestID))

		switch {
		case c.sess.ActiveQuestion() != nil:
			c.askActiveLocked()
		case c.gateOpenLocked():
			c.sayLocked(domain.KindQuestion, remediationPrompt(c.sess.Remediation))
		case c.sess.Continuation != nil && c.sess.Continuation.Kind == domain.ContinuationAutoDeploy:
			c.armAutoDeployLocked(c.sess.Continuation, nil)
		case c.sess.ComputeMonitor != nil || c.sess.ServiceMonitor != nil:
			c.rearmLocked()
		case len(c.sess.ResumeContext) > 0:
			c.sayLocked(domain.KindText, "Picking up where the last attempt stopped.")
			c.resubmitLocked()
		default:
			c.sayLocked(domain.KindText, "This request has no pending work. Tell me what to do next.")
		}
	})
}

func (c *Conversation) rearmLocked() {
	if c.sess.ComputeMonitor != nil {
		c.startPollerLocked(domain.TrackCompute, 0)
	}
	if c.sess.ServiceMonitor != nil {
		c.startPollerLocked(domain.TrackService, 0)
	}
}

// armAutoDeployLocked arms the compute monitor for an auto-deploy
// continuation. The deferred action fires once the instance is ready; a
// zero recommended wait just probes right away instead of deploying blind.
func (c *Conversation) armAutoDeployLocked(cont *domain.Continuation, vars map[string]any) {
	deferred := &domain.DeferredAction{
		Kind:        "deploy",
		RequestText: c.sess.LastRequestText,
		Variables:   vars,
	}

	wait := cont.RecommendedWaitSeconds
	if wait < 0 {
		wait = 0
	}

	target := &domain.MonitorTarget{
		ID:       cont.TargetID,
		Category: "ec2",
		Track:    domain.TrackCompute,
		Region:   cont.Region,
		Deferred: deferred,
	}
	c.sess.SetMonitor(target, c.orch.now())
	c.sayLocked(domain.KindText, fmt.Sprintf(
		"Instance %s is being prepared. I will deploy automatically once it is ready (checking every %s).",
		cont.TargetID, c.orch.cfg.Polling.Interval))
	c.startPollerLocked(domain.TrackCompute, wait)
}

// runDeferredLocked executes a deferred deploy action now.
func (c *Conversation) runDeferredLocked(instanceID, region string, action *domain.DeferredAction) {
	c.busy = true
	req := backend.DeployRequest{
		RequestID:   c.sess.RequestID,
		UserID:      c.userID,
		InstanceID:  instanceID,
		Region:      region,
		Environment: c.environmentLocked(),
		RequestText: action.RequestText,
		Variables:   action.Variables,
	}

	go func() {
		ctx, cancel := c.background(c.orch.cfg.Backend.SubmitTimeout)
		defer cancel()

		result, err := c.orch.backend.Deploy(ctx, req)

		c.finish(func() {
			c.busy = false
			if err != nil {
				c.logger.Error("deferred deploy failed", "instance_id", instanceID, "error", err)
				c.sayLocked(domain.KindResult, "Deployment failed: "+err.Error())
				c.sess.ClearPending(c.orch.now())
				return
			}
			c.applyResultLocked(result)
		})
	}()
}

// refreshHistoryAsync refetches this request's deployment history after a
// terminal outcome.
func (c *Conversation) refreshHistoryAsync() {
	requestID := c.sess.RequestID
	if requestID == "" {
		return
	}
	go func() {
		ctx, cancel := c.background(c.orch.cfg.Backend.ProbeTimeout)
		defer cancel()

		records, err := c.orch.backend.ListDeployments(ctx, c.userID, historyFetchLimit)
		if err != nil {
			c.logger.Warn("history refresh failed", "error", err)
			return
		}
		var mine []domain.DeploymentRecord
		for _, r := range records {
			if r.RequestID == requestID {
				mine = append(mine, r)
			}
		}
		domain.SortByCreatedAt(mine)

		c.finish(func() {
			if c.sess.RequestID == requestID {
				c.sess.History = mine
			}
		})
	}()
}

// Deployments lists the user's requests, reduced to the newest record per
// request.
func (c *Conversation) Deployments(ctx context.Context) ([]domain.DeploymentRecord, error) {
	records, err := c.orch.backend.ListDeployments(ctx, c.userID, historyFetchLimit)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	return domain.LatestPerRequest(records), nil
}

// startStatusReportLocked answers a status question: probe active monitors
// immediately, probe an identifier named in the question, or fall back to
// the deployment history.
func (c *Conversation) startStatusReportLocked(text string) {
	targets := make([]domain.MonitorTarget, 0, 2)
	if m := c.sess.ComputeMonitor; m != nil {
		targets = append(targets, *m)
	}
	if m := c.sess.ServiceMonitor; m != nil {
		targets = append(targets, *m)
	}
	if len(targets) == 0 {
		if target, ok := c.namedProbeTargetLocked(text); ok {
			targets = append(targets, target)
		}
	}
	requestID := c.sess.RequestID

	go func() {
		ctx, cancel := c.background(c.orch.cfg.Backend.ProbeTimeout)
		defer cancel()

		if len(targets) == 0 {
			c.reportHistoryStatus(ctx, requestID)
			return
		}

		for _, target := range targets {
			snap, err := c.orch.backend.ResourceStatus(ctx, backend.StatusRequest{
				Track:    target.Track,
				TargetID: target.ID,
				Category: target.Category,
				Region:   target.Region,
			})
			target := target
			c.finish(func() {
				if err != nil {
					if errors.Is(err, backend.ErrUnauthorized) {
						c.pauseTrackLocked(target.Track)
						return
					}
					c.sayLocked(domain.KindText, fmt.Sprintf("Could not check %s: %v", target.ID, err))
					return
				}
				c.sess.RecordStatus(target.ID, *snap, c.orch.now())
				c.sayLocked(domain.KindText, describeStatus(target, snap))
			})
		}
	}()
}

// namedProbeTargetLocked builds a one-off probe from an identifier quoted
// in a status question, like "is i-0abc ready". The category comes from the
// identifier's prefix.
func (c *Conversation) namedProbeTargetLocked(text string) (domain.MonitorTarget, bool) {
	for _, tok := range strings.Fields(text) {
		tok = strings.Trim(tok, ".,!?\"'")
		if !strings.ContainsRune(tok, '-') {
			continue
		}
		category := InferResourceTypeHint(tok)
		if category == "" {
			continue
		}
		track := domain.TrackService
		if strings.HasPrefix(strings.ToLower(tok), "i-") {
			track = domain.TrackCompute
		}
		return domain.MonitorTarget{
			ID:       tok,
			Category: category,
			Track:    track,
			Region:   c.regionLocked(),
		}, true
	}
	return domain.MonitorTarget{}, false
}

func (c *Conversation) reportHistoryStatus(ctx context.Context, requestID string) {
	records, err := c.orch.backend.ListDeployments(ctx, c.userID, historyFetchLimit)
	c.finish(func() {
		if err != nil {
			c.sayLocked(domain.KindText, "Could not check deployment history: "+err.Error())
			return
		}
		if requestID != "" {
			var latest *domain.DeploymentRecord
			for i := range records {
				r := records[i]
				if r.RequestID == requestID && (latest == nil || r.CreatedAt.After(latest.CreatedAt)) {
					latest = &r
				}
			}
			if latest != nil {
				c.sayLocked(domain.KindText, fmt.Sprintf("Request %s is %s.", requestID, latest.Status))
				return
			}
		}
		latest := domain.LatestPerRequest(records)
		if len(latest) == 0 {
			c.sayLocked(domain.KindText, "No deployments yet.")
			return
		}
		r := latest[0]
		c.sayLocked(domain.KindText, fmt.Sprintf("Your latest request %s is %s.", r.RequestID, r.Status))
	})
}

func (c *Conversation) startGuideLookupLocked(query string) {
	go func() {
		ctx, cancel := c.background(c.orch.cfg.Backend.ProbeTimeout)
		defer cancel()

		answer, found, err := c.orch.guides.Answer(ctx, query)
		c.finish(func() {
			switch {
			case err != nil:
				c.logger.Warn("guide lookup failed", "error", err)
				c.sayLocked(domain.KindText, "Guide lookup is unavailable right now.")
			case !found:
				c.sayLocked(domain.KindText, "I have no guide matching that. You can still ask me to deploy it.")
			default:
				c.sayLocked(domain.KindText, answer)
			}
		})
	}()
}

func (c *Conversation) environmentLocked() string {
	if c.sess.Environment != "" {
		return c.sess.Environment
	}
	return c.orch.cfg.Session.DefaultEnvironment
}

func (c *Conversation) regionLocked() string {
	if c.sess.Region != "" {
		return c.sess.Region
	}
	return c.orch.cfg.Session.DefaultRegion
}

func describeStatus(target domain.MonitorTarget, snap *domain.ResourceStatusSnapshot) string {
	if snap.Ready {
		return fmt.Sprintf("%s is ready (%s).", target.ID, snap.Signature())
	}
	msg := fmt.Sprintf("%s is not ready yet: %s.", target.ID, snap.Signature())
	if snap.Message != "" {
		msg += " " + snap.Message
	}
	return msg
}
