package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// SessionMode says whether the conversation targets a brand-new request or
// an existing (resumed) one.
type SessionMode string

const (
	ModeNew      SessionMode = "new"
	ModeExisting SessionMode = "existing"
)

// ResourceStrategy is a user's reuse-vs-create preference for upcoming
// requests.
type ResourceStrategy string

const (
	StrategyReuseExisting ResourceStrategy = "use_existing"
	StrategyCreateNew     ResourceStrategy = "create_new"
)

// Session is one user's ongoing provisioning conversation. Every component
// mutates it, but only one component holds control at a time: pending
// questions, the continuation directive and the monitor tracks are mutually
// exclusive for the same target.
type Session struct {
	UserID string      `json:"user_id"`
	Mode   SessionMode `json:"mode"`

	// RequestID is empty until the backend assigns one. Once assigned it is
	// never lost: all later errors must still leave it resolvable through
	// the deployment-history fallback.
	RequestID string `json:"request_id,omitempty"`

	Environment string `json:"environment,omitempty"`
	Region      string `json:"region,omitempty"`

	Messages []Message `json:"messages"`

	// Questions is the FIFO clarification queue; the front question is the
	// only active one.
	Questions []PendingQuestion `json:"questions,omitempty"`

	// Answers accumulates coerced answers for the current clarification
	// round, keyed by variable name.
	Answers map[string]any `json:"answers,omitempty"`

	Continuation *Continuation `json:"continuation,omitempty"`

	ComputeMonitor *MonitorTarget `json:"compute_monitor,omitempty"`
	ServiceMonitor *MonitorTarget `json:"service_monitor,omitempty"`

	Remediation *RemediationRun `json:"remediation,omitempty"`

	// VariableMemory maps original request text to previously supplied
	// variable values, so re-issuing an identical request does not re-ask
	// already-answered questions.
	VariableMemory map[string]map[string]any `json:"variable_memory,omitempty"`

	// Strategy is the reuse-vs-create preference parsed from chat.
	Strategy ResourceStrategy `json:"strategy,omitempty"`

	LastRequestText string `json:"last_request_text,omitempty"`

	// DraftPrompt is a backend-suggested rewrite of a request, waiting
	// for the user to confirm before it runs.
	DraftPrompt string `json:"draft_prompt,omitempty"`

	// ResumeContext is backend-supplied data letting an interrupted
	// multi-phase action continue from its last completed phase. Opaque.
	ResumeContext json.RawMessage `json:"resume_context,omitempty"`

	// LastStatus keeps the latest poll result per resource identifier.
	LastStatus map[string]ResourceStatusSnapshot `json:"last_status,omitempty"`

	History []DeploymentRecord `json:"history,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession creates an empty conversation for a user.
func NewSession(userID string, now time.Time) *Session {
	return &Session{
		UserID:    userID,
		Mode:      ModeNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Append adds a message to the transcript.
func (s *Session) Append(m Message) {
	s.Messages = append(s.Messages, m)
	s.touch(m.CreatedAt)
}

// ActiveQuestion returns the front of the question queue, or nil.
func (s *Session) ActiveQuestion() *PendingQuestion {
	if len(s.Questions) == 0 {
		return nil
	}
	return &s.Questions[0]
}

// PushQuestions replaces the clarification queue for a new round and resets
// the accumulated answers.
func (s *Session) PushQuestions(qs []PendingQuestion, now time.Time) {
	s.Questions = append([]PendingQuestion(nil), qs...)
	s.Answers = make(map[string]any, len(qs))
	s.touch(now)
}

// PopQuestion removes and returns the front question. Returns false when
// the queue is empty.
func (s *Session) PopQuestion(now time.Time) (PendingQuestion, bool) {
	if len(s.Questions) == 0 {
		return PendingQuestion{}, false
	}
	q := s.Questions[0]
	s.Questions = s.Questions[1:]
	if len(s.Questions) == 0 {
		s.Questions = nil
	}
	s.touch(now)
	return q, true
}

// RecordAnswer stores a coerced answer and remembers it under the request
// text that triggered the question.
func (s *Session) RecordAnswer(variable string, value any, now time.Time) {
	if s.Answers == nil {
		s.Answers = make(map[string]any)
	}
	s.Answers[variable] = value

	text := strings.TrimSpace(s.LastRequestText)
	if text != "" {
		if s.VariableMemory == nil {
			s.VariableMemory = make(map[string]map[string]any)
		}
		if s.VariableMemory[text] == nil {
			s.VariableMemory[text] = make(map[string]any)
		}
		s.VariableMemory[text][variable] = value
	}
	s.touch(now)
}

// RememberedVariables returns previously supplied values for the given
// request text, or nil.
func (s *Session) RememberedVariables(requestText string) map[string]any {
	return s.VariableMemory[strings.TrimSpace(requestText)]
}

// MonitorFor returns the target on the given track, or nil.
func (s *Session) MonitorFor(track MonitorTrack) *MonitorTarget {
	switch track {
	case TrackCompute:
		return s.ComputeMonitor
	case TrackService:
		return s.ServiceMonitor
	}
	return nil
}

// SetMonitor installs a target on its track. Monitoring and clarification
// never overlap for the same target, so installing a monitor drops any
// pending questions and the continuation directive.
func (s *Session) SetMonitor(t *MonitorTarget, now time.Time) {
	s.Questions = nil
	s.Answers = nil
	s.Continuation = nil
	switch t.Track {
	case TrackCompute:
		s.ComputeMonitor = t
	case TrackService:
		s.ServiceMonitor = t
	}
	s.touch(now)
}

// ClearMonitor removes the target on the given track. Level-triggered:
// the poller checks this field each tick and stops when it is gone.
func (s *Session) ClearMonitor(track MonitorTrack, now time.Time) {
	switch track {
	case TrackCompute:
		s.ComputeMonitor = nil
	case TrackService:
		s.ServiceMonitor = nil
	}
	s.touch(now)
}

// ClearPending drops questions, answers, the continuation directive and
// the remediation gate after a terminal outcome.
func (s *Session) ClearPending(now time.Time) {
	s.Questions = nil
	s.Answers = nil
	s.Continuation = nil
	s.Remediation = nil
	s.touch(now)
}

// AssignRequestID records the backend-assigned identifier, once.
func (s *Session) AssignRequestID(id string, now time.Time) {
	if id == "" || s.RequestID != "" {
		return
	}
	s.RequestID = id
	s.touch(now)
}

// RecordStatus keeps the latest poll result for a resource.
func (s *Session) RecordStatus(resourceID string, snap ResourceStatusSnapshot, now time.Time) {
	if s.LastStatus == nil {
		s.LastStatus = make(map[string]ResourceStatusSnapshot)
	}
	s.LastStatus[resourceID] = snap
	s.touch(now)
}

func (s *Session) touch(now time.Time) {
	if now.After(s.UpdatedAt) {
		s.UpdatedAt = now
	}
}
