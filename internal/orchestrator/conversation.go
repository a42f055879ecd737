package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rvasily/cloudchat/internal/domain"
)

// Conversation drives one user's session. All mutation happens under mu;
// long-running work (submissions, probes, remediation) runs in background
// goroutines that re-acquire the lock to apply results.
type Conversation struct {
	orch   *Orchestrator
	userID string
	logger *slog.Logger

	mu   sync.Mutex
	sess *domain.Session
	// busy marks an in-flight submission. New requests are rejected while
	// set; status queries and answers are not.
	busy bool

	pollers map[domain.MonitorTrack]*poller
}

func newConversation(o *Orchestrator, userID string, sess *domain.Session) *Conversation {
	return &Conversation{
		orch:    o,
		userID:  userID,
		logger:  o.logger.With("user_id", userID),
		sess:    sess,
		pollers: make(map[domain.MonitorTrack]*poller),
	}
}

// State is a read-only snapshot of the conversation handed to transports.
type State struct {
	UserID         string                                   `json:"user_id"`
	RequestID      string                                   `json:"request_id,omitempty"`
	Mode           domain.SessionMode                       `json:"mode"`
	Environment    string                                   `json:"environment,omitempty"`
	Region         string                                   `json:"region,omitempty"`
	Busy           bool                                     `json:"busy"`
	Messages       []domain.Message                         `json:"messages"`
	ActiveQuestion *domain.PendingQuestion                  `json:"active_question,omitempty"`
	QueuedCount    int                                      `json:"queued_count"`
	Continuation   *domain.Continuation                     `json:"continuation,omitempty"`
	Remediation    *domain.RemediationRun                   `json:"remediation,omitempty"`
	Monitors       []domain.MonitorTarget                   `json:"monitors,omitempty"`
	Strategy       domain.ResourceStrategy                  `json:"strategy,omitempty"`
	DraftPrompt    string                                   `json:"draft_prompt,omitempty"`
	LastStatus     map[string]domain.ResourceStatusSnapshot `json:"last_status,omitempty"`
	UpdatedAt      time.Time                                `json:"updated_at"`
}

// State returns the current conversation snapshot.
func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Conversation) stateLocked() State {
	st := State{
		UserID:       c.userID,
		RequestID:    c.sess.RequestID,
		Mode:         c.sess.Mode,
		Environment:  c.sess.Environment,
		Region:       c.sess.Region,
		Busy:         c.busy,
		Messages:     append([]domain.Message(nil), c.sess.Messages...),
		Continuation: c.sess.Continuation,
		Remediation:  c.sess.Remediation,
		Strategy:     c.sess.Strategy,
		DraftPrompt:  c.sess.DraftPrompt,
		UpdatedAt:    c.sess.UpdatedAt,
	}
	if q := c.sess.ActiveQuestion(); q != nil {
		cp := *q
		st.ActiveQuestion = &cp
		st.QueuedCount = len(c.sess.Questions) - 1
	}
	if m := c.sess.ComputeMonitor; m != nil {
		st.Monitors = append(st.Monitors, *m)
	}
	if m := c.sess.ServiceMonitor; m != nil {
		st.Monitors = append(st.Monitors, *m)
	}
	if len(c.sess.LastStatus) > 0 {
		st.LastStatus = make(map[string]domain.ResourceStatusSnapshot, len(c.sess.LastStatus))
		for k, v := range c.sess.LastStatus {
			st.LastStatus[k] = v
		}
	}
	return st
}

// HandleMessage routes one user message and returns the resulting state.
// Slow work continues in the background; its results arrive as events.
func (c *Conversation) HandleMessage(ctx context.Context, text string) (State, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return c.State(), fmt.Errorf("empty message")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.orch.now()
	c.sess.Append(domain.NewMessage(domain.RoleUser, domain.KindText, text, now))

	switch {
	case c.busy:
		c.sayLocked(domain.KindText,
			"Still working on the previous request. Ask for status if you want a progress check.")

	case c.gateOpenLocked() && c.sess.ActiveQuestion() == nil:
		c.routeDecisionLocked(text)

	case c.sess.ActiveQuestion() != nil:
		c.handleAnswerLocked(text)

	case c.sess.DraftPrompt != "" && (isApproval(text) || IsContinueCommand(text)):
		draft := c.sess.DraftPrompt
		c.sess.DraftPrompt = ""
		c.startRequestLocked(draft)

	case c.sess.DraftPrompt != "" && isDenial(text):
		c.sess.DraftPrompt = ""
		c.sayLocked(domain.KindText, "Dropped the suggestion. Send the request in your own words.")

	case IsContinueCommand(text):
		c.startResumeLatestLocked()

	default:
		// Any other message supersedes a pending prompt suggestion.
		c.sess.DraftPrompt = ""
		if strategy, ok := ParseResourceStrategy(text); ok {
			c.sess.Strategy = strategy
			if strategy == domain.StrategyReuseExisting {
				c.sayLocked(domain.KindText, "Got it, I will reuse existing resources where possible.")
			} else {
				c.sayLocked(domain.KindText, "Got it, I will create new resources for upcoming requests.")
			}
			break
		}
		if LooksLikeStatusQuery(text) {
			c.startStatusReportLocked(text)
			break
		}
		if raw, ok := ParsePromptReview(text); ok {
			c.startPromptReviewLocked(raw)
			break
		}
		if c.orch.guides != nil && LooksLikeGuideQuery(text) {
			c.startGuideLookupLocked(text)
			break
		}
		c.startRequestLocked(text)
	}

	c.persistLocked(ctx)
	return c.stateLocked(), nil
}

// SetDefaults records the environment and region upcoming requests ride on.
// Empty arguments leave the current value alone.
func (c *Conversation) SetDefaults(ctx context.Context, environment, region string) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.orch.now()
	if environment != "" {
		c.sess.Environment = environment
	}
	if region != "" {
		c.sess.Region = region
	}
	c.sess.Append(domain.NewMessage(domain.RoleAssistant, domain.KindText,
		fmt.Sprintf("Targeting environment %q in region %q.", c.environmentLocked(), c.regionLocked()), now))

	c.persistLocked(ctx)
	return c.stateLocked(), nil
}

// Reset abandons the conversation: stops pollers, deletes the snapshot and
// starts a fresh session. The backend's deployment history is untouched.
func (c *Conversation) Reset(ctx context.Context) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopPollersLocked()
	oldID := c.sess.RequestID
	c.sess = domain.NewSession(c.userID, c.orch.now())
	c.busy = false

	if err := c.orch.sessions.Delete(ctx, c.userID, oldID); err != nil {
		c.logger.Warn("failed to delete session snapshot on reset", "error", err)
	}
	if oldID != "" {
		if err := c.orch.sessions.Delete(ctx, c.userID, ""); err != nil {
			c.logger.Warn("failed to delete draft snapshot on reset", "error", err)
		}
	}
	return c.stateLocked(), nil
}

// say appends an assistant message and publishes it.
func (c *Conversation) sayLocked(kind domain.MessageKind, content string) {
	m := domain.NewMessage(domain.RoleAssistant, kind, content, c.orch.now())
	c.sess.Append(m)
	c.orch.publish(c.userID, Event{Type: EventMessage, Message: &m})
}

func (c *Conversation) gateOpenLocked() bool {
	r := c.sess.Remediation
	return r != nil && !r.Status.Terminal()
}

// persistLocked snapshots the session, logging instead of failing: the
// conversation must stay usable even when the store hiccups.
func (c *Conversation) persistLocked(ctx context.Context) {
	if err := c.orch.sessions.Snapshot(ctx, c.sess); err != nil {
		c.logger.Error("failed to persist session", "error", err)
	}
}

// background returns a context for async work plus a done func.
func (c *Conversation) background(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.orch.baseCtx, timeout)
}

// finish applies a mutation under the lock, persists and publishes a state
// event. Used by background goroutines when their work lands.
func (c *Conversation) finish(mutate func()) {
	c.mu.Lock()
	mutate()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	c.persistLocked(ctx)
	cancel()
	c.mu.Unlock()
	c.orch.publish(c.userID, Event{Type: EventState})
}

// rearm restarts pollers for monitors restored from a snapshot.
func (c *Conversation) rearm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rearmLocked()
}

func (c *Conversation) stopPollers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopPollersLocked()
}

func (c *Conversation) stopPollersLocked() {
	for track, p := range c.pollers {
		p.cancel()
		delete(c.pollers, track)
	}
}
