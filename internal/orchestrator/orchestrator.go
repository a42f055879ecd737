// Package orchestrator drives deployment conversations: it routes each
// user message to the right component (executor, clarifier, readiness
// poller, remediation gate), keeps the session persisted, and publishes
// assistant messages to the event stream.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rvasily/cloudchat/internal/backend"
	"github.com/rvasily/cloudchat/internal/config"
	"github.com/rvasily/cloudchat/internal/domain"
	"github.com/rvasily/cloudchat/internal/session"
)

// EventType categorizes events published to connected clients.
type EventType string

const (
	// EventMessage carries a new transcript message.
	EventMessage EventType = "message"
	// EventStatus carries a monitor status change or heartbeat.
	EventStatus EventType = "status"
	// EventState signals that session control state changed (questions,
	// continuation, busy flag) and clients should refetch.
	EventState EventType = "state"
)

// Event is one server-push notification for a user.
type Event struct {
	Type    EventType       `json:"type"`
	Message *domain.Message `json:"message,omitempty"`
	// Target and Snapshot are set on status events.
	Target   string                         `json:"target,omitempty"`
	Snapshot *domain.ResourceStatusSnapshot `json:"snapshot,omitempty"`
}

// Notifier delivers events to a user's connected clients. Implementations
// must not block; slow consumers are the notifier's problem.
type Notifier interface {
	Publish(userID string, ev Event)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(userID string, ev Event)

func (f NotifierFunc) Publish(userID string, ev Event) { f(userID, ev) }

// GuideSource answers deployment-guide questions, or reports that it has
// nothing. A nil GuideSource disables guide lookups.
type GuideSource interface {
	Answer(ctx context.Context, query string) (string, bool, error)
}

// Orchestrator owns the per-user conversation registry and the shared
// dependencies every conversation uses.
type Orchestrator struct {
	backend  backend.Client
	sessions *session.Store
	cfg      *config.Config
	notifier Notifier
	guides   GuideSource
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	convs map[string]*Conversation

	// baseCtx bounds all background work (submissions, pollers).
	baseCtx context.Context
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithGuideSource wires the deployment-guide retrieval service.
func WithGuideSource(g GuideSource) Option {
	return func(o *Orchestrator) { o.guides = g }
}

// New creates an orchestrator. baseCtx bounds background submissions and
// pollers; cancel it on shutdown.
func New(baseCtx context.Context, cfg *config.Config, client backend.Client, sessions *session.Store, notifier Notifier, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		backend:  client,
		sessions: sessions,
		cfg:      cfg,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		convs:    make(map[string]*Conversation),
		baseCtx:  baseCtx,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Conversation returns the user's live conversation, restoring the draft
// snapshot on first access.
func (o *Orchestrator) Conversation(ctx context.Context, userID string) (*Conversation, error) {
	o.mu.Lock()
	if c, ok := o.convs[userID]; ok {
		o.mu.Unlock()
		return c, nil
	}
	o.mu.Unlock()

	// Restore outside the registry lock; store reads can be slow.
	sess, err := o.sessions.RestoreDraft(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		sess = domain.NewSession(userID, o.now())
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.convs[userID]; ok {
		return c, nil
	}
	c := newConversation(o, userID, sess)
	o.convs[userID] = c
	c.rearm()
	return c, nil
}

// Drop removes a conversation from the registry, stopping its pollers.
// The persisted snapshot is untouched.
func (o *Orchestrator) Drop(userID string) {
	o.mu.Lock()
	c, ok := o.convs[userID]
	if ok {
		delete(o.convs, userID)
	}
	o.mu.Unlock()
	if ok {
		c.stopPollers()
	}
}

func (o *Orchestrator) publish(userID string, ev Event) {
	if o.notifier != nil {
		o.notifier.Publish(userID, ev)
	}
}
