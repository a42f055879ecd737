package domain

// QuestionType is the declared type of a clarification answer.
type QuestionType string

const (
	QuestionString  QuestionType = "string"
	QuestionNumber  QuestionType = "number"
	QuestionBoolean QuestionType = "boolean"
)

// PendingQuestion is an outstanding clarification from the execution backend.
// Questions are consumed exactly once, in FIFO order.
type PendingQuestion struct {
	Variable string       `json:"variable"`
	Prompt   string       `json:"prompt"`
	Type     QuestionType `json:"type"`
	Options  []string     `json:"options,omitempty"`
	Hint     string       `json:"hint,omitempty"`
}

// ContinuationKind tags the continuation directive variants.
type ContinuationKind string

const (
	// ContinuationAutoRemediation asks the client to collect an approve/deny
	// decision for a proposed remediation run.
	ContinuationAutoRemediation ContinuationKind = "auto_remediation"
	// ContinuationAutoDeploy asks the client to watch a compute target and
	// deploy onto it once it reports ready.
	ContinuationAutoDeploy ContinuationKind = "auto_deploy"
)

// Continuation is the backend instruction describing what automatic
// follow-up should occur before the next user turn. The Kind tag selects
// which fields are meaningful; a nil *Continuation means none.
type Continuation struct {
	Kind ContinuationKind `json:"kind"`

	// auto_remediation
	RunID     string `json:"run_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	// auto_deploy
	TargetID               string `json:"target_id,omitempty"`
	Region                 string `json:"region,omitempty"`
	RecommendedWaitSeconds int    `json:"recommended_wait_seconds,omitempty"`
}

// Outcome is the closed union of execution backend results. A type switch
// over Completed, Failed and NeedsInput covers every case.
type Outcome interface {
	outcome()
}

// Completed is a successful terminal outcome.
type Completed struct {
	Summary string
}

// Failed is a failed terminal outcome. Transient transport errors are
// converted into Failed at the executor boundary and never propagate.
type Failed struct {
	Reason string
}

// NeedsInput is a non-terminal outcome: the backend wants clarification
// answers and may carry a continuation directive and/or a remediation
// proposal.
type NeedsInput struct {
	Prompt       string
	Questions    []PendingQuestion
	Continuation *Continuation
	Remediation  *RemediationRun
}

func (Completed) outcome()  {}
func (Failed) outcome()     {}
func (NeedsInput) outcome() {}
