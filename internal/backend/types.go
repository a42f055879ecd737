package backend

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rvasily/cloudchat/internal/domain"
)

// SubmitRequest carries one natural-language infrastructure request to
// the backend.
type SubmitRequest struct {
	RequestID     string
	UserID        string
	Text          string
	Environment   string
	Region        string
	Variables     map[string]any
	ResumeContext json.RawMessage
}

// SubmitResult is the decoded response to a submission.
type SubmitResult struct {
	RequestID     string
	Outcome       domain.Outcome
	ResumeContext json.RawMessage
	Remediation   *domain.RemediationRun
	// RetryHintSeconds is the backend's suggested delay before the first
	// readiness probe, zero when the backend gave none.
	RetryHintSeconds int
	// Resource is the touched resource, nil when the backend named none.
	Resource *ResourceRef
}

// StatusRequest identifies one resource to probe.
type StatusRequest struct {
	Track    domain.MonitorTrack
	TargetID string
	Category string
	Region   string
}

// ImprovePromptRequest asks for a rewritten execution prompt; nothing is
// provisioned.
type ImprovePromptRequest struct {
	UserID      string
	Text        string
	Environment string
	Region      string
}

// PromptSuggestion is the backend's rewrite of a raw request.
type PromptSuggestion struct {
	Original string
	Improved string
	Summary  string
}

// DeployRequest runs the deferred application-deploy step once a
// provisioned instance is reachable.
type DeployRequest struct {
	RequestID   string
	UserID      string
	InstanceID  string
	Region      string
	Environment string
	RequestText string
	Variables   map[string]any
}

type submitPayload struct {
	RequestID              string          `json:"request_id"`
	RequesterID            string          `json:"requester_id"`
	Environment            string          `json:"environment"`
	CloudProvider          string          `json:"cloud_provider"`
	NaturalLanguageRequest string          `json:"natural_language_request"`
	Region                 string          `json:"aws_region,omitempty"`
	InputVariables         map[string]any  `json:"input_variables,omitempty"`
	ResumeContext          json.RawMessage `json:"resume_context,omitempty"`
}

type wireQuestion struct {
	Variable string   `json:"variable"`
	Question string   `json:"question"`
	Type     string   `json:"type"`
	Options  []string `json:"options,omitempty"`
	Hint     string   `json:"hint,omitempty"`
}

type wireContinuation struct {
	Kind                   string `json:"kind"`
	RunID                  string `json:"run_id,omitempty"`
	RequestID              string `json:"request_id,omitempty"`
	ApprovalScope          string `json:"approval_scope,omitempty"`
	InstanceID             string `json:"instance_id,omitempty"`
	Region                 string `json:"region,omitempty"`
	RecommendedWaitSeconds int    `json:"recommended_wait_seconds,omitempty"`
}

type wireRemediation struct {
	RunID               string   `json:"run_id"`
	RequestID           string   `json:"request_id,omitempty"`
	Status              string   `json:"status,omitempty"`
	Reason              string   `json:"reason,omitempty"`
	ProposedActions     []string `json:"proposed_actions,omitempty"`
	RequiredPermissions []string `json:"required_permissions,omitempty"`
	ApprovalScope       string   `json:"approval_scope,omitempty"`
}

type wireExecutionResult struct {
	Success          bool              `json:"success"`
	RequiresInput    bool              `json:"requires_input"`
	Message          string            `json:"message,omitempty"`
	QuestionPrompt   string            `json:"question_prompt,omitempty"`
	Questions        []wireQuestion    `json:"questions,omitempty"`
	Continuation     *wireContinuation `json:"continuation,omitempty"`
	Remediation      *wireRemediation  `json:"remediation,omitempty"`
	ResumeContext    json.RawMessage   `json:"resume_context,omitempty"`
	Error            string            `json:"error,omitempty"`
	FinalOutcome     string            `json:"final_outcome,omitempty"`
	NextRetrySeconds int               `json:"next_retry_seconds,omitempty"`

	// Normalized resource fields, present when the request touched one
	// concrete resource.
	ResourceType string `json:"resource_type,omitempty"`
	ResourceName string `json:"resource_name,omitempty"`
	Region       string `json:"region,omitempty"`
	State        string `json:"state,omitempty"`
	Ready        bool   `json:"ready,omitempty"`
}

// ResourceRef identifies the concrete resource a submission touched, with
// its last reported state.
type ResourceRef struct {
	Type   string
	Name   string
	Region string
	State  string
	Ready  bool
}

type submitResponse struct {
	RequestID       string               `json:"request_id"`
	Status          string               `json:"status"`
	ExecutionResult *wireExecutionResult `json:"execution_result"`
	Error           string               `json:"error,omitempty"`
}

type statusResponse struct {
	Success          bool   `json:"success"`
	Ready            bool   `json:"ready"`
	State            string `json:"state"`
	InstanceStatus   string `json:"instance_status,omitempty"`
	SystemStatus     string `json:"system_status,omitempty"`
	Message          string `json:"message,omitempty"`
	Error            string `json:"error,omitempty"`
	NextRetrySeconds int    `json:"next_retry_seconds,omitempty"`
	RemediationHint  string `json:"remediation_hint,omitempty"`
}

type wireDeployment struct {
	RequestID        string          `json:"request_id"`
	RequestText      string          `json:"request_text"`
	Action           string          `json:"action"`
	ResourceType     string          `json:"resource_type"`
	ResourceName     string          `json:"resource_name"`
	Region           string          `json:"region"`
	Environment      string          `json:"environment"`
	Status           string          `json:"status"`
	ExecutionSummary json.RawMessage `json:"execution_summary,omitempty"`
	CreatedAt        string          `json:"created_at"`
}

type deploymentsResponse struct {
	Deployments []wireDeployment `json:"deployments"`
	Count       int              `json:"count"`
}

type promptImproveResponse struct {
	OriginalPrompt string `json:"original_prompt"`
	ImprovedPrompt string `json:"improved_prompt"`
	Summary        string `json:"summary"`
}

type remediationRunResponse struct {
	Success bool             `json:"success"`
	Run     *wireRemediation `json:"run"`
}

type remediationDecisionResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	RunID   string `json:"run_id"`
	Message string `json:"message,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

func (q wireQuestion) toDomain() domain.PendingQuestion {
	qt := domain.QuestionType(strings.ToLower(strings.TrimSpace(q.Type)))
	switch qt {
	case domain.QuestionNumber, domain.QuestionBoolean:
	default:
		qt = domain.QuestionString
	}
	return domain.PendingQuestion{
		Variable: q.Variable,
		Prompt:   q.Question,
		Type:     qt,
		Options:  q.Options,
		Hint:     q.Hint,
	}
}

func (c *wireContinuation) toDomain() *domain.Continuation {
	if c == nil {
		return nil
	}
	switch c.Kind {
	case "auto_remediation":
		return &domain.Continuation{
			Kind:      domain.ContinuationAutoRemediation,
			RunID:     c.RunID,
			RequestID: c.RequestID,
		}
	case "auto_deploy", "auto_deploy_ssm":
		return &domain.Continuation{
			Kind:                   domain.ContinuationAutoDeploy,
			TargetID:               c.InstanceID,
			Region:                 c.Region,
			RecommendedWaitSeconds: c.RecommendedWaitSeconds,
		}
	default:
		return nil
	}
}

func (r *wireRemediation) toDomain() *domain.RemediationRun {
	if r == nil || r.RunID == "" {
		return nil
	}
	status := domain.RemediationStatus(r.Status)
	if status == "" {
		status = domain.RemediationPendingApproval
	}
	return &domain.RemediationRun{
		RunID:               r.RunID,
		RequestID:           r.RequestID,
		Status:              status,
		Reason:              r.Reason,
		ProposedActions:     r.ProposedActions,
		RequiredPermissions: r.RequiredPermissions,
	}
}

// decodeOutcome folds the backend status plus execution result into the
// conversation-level outcome union.
func decodeOutcome(resp *submitResponse) (domain.Outcome, *wireExecutionResult) {
	exec := resp.ExecutionResult
	if exec == nil {
		exec = &wireExecutionResult{Error: resp.Error}
	}

	if exec.RequiresInput || resp.Status == "needs_input" {
		prompt := exec.QuestionPrompt
		if prompt == "" {
			prompt = exec.Message
		}
		questions := make([]domain.PendingQuestion, 0, len(exec.Questions))
		for _, q := range exec.Questions {
			questions = append(questions, q.toDomain())
		}
		return domain.NeedsInput{
			Prompt:       prompt,
			Questions:    questions,
			Continuation: exec.Continuation.toDomain(),
			Remediation:  exec.Remediation.toDomain(),
		}, exec
	}

	if exec.Success {
		summary := exec.Message
		if summary == "" {
			summary = exec.FinalOutcome
		}
		return domain.Completed{Summary: summary}, exec
	}

	reason := exec.Error
	if reason == "" {
		reason = resp.Error
	}
	if reason == "" {
		reason = "request failed"
	}
	return domain.Failed{Reason: reason}, exec
}

func (s *statusResponse) toSnapshot(track domain.MonitorTrack, now time.Time) *domain.ResourceStatusSnapshot {
	snap := &domain.ResourceStatusSnapshot{
		State:     strings.ToLower(strings.TrimSpace(s.State)),
		Ready:     s.Ready,
		Message:   s.Message,
		RetryHint: s.NextRetrySeconds,
		CheckedAt: now,
	}
	if track == domain.TrackCompute {
		snap.InstanceStatus = strings.ToLower(strings.TrimSpace(s.InstanceStatus))
		snap.SystemStatus = strings.ToLower(strings.TrimSpace(s.SystemStatus))
	}
	return snap
}

func (d wireDeployment) toDomain() domain.DeploymentRecord {
	rec := domain.DeploymentRecord{
		RequestID:    d.RequestID,
		RequestText:  d.RequestText,
		Action:       d.Action,
		ResourceType: d.ResourceType,
		ResourceName: d.ResourceName,
		Region:       d.Region,
		Environment:  d.Environment,
		Status:       d.Status,
	}
	if t, err := time.Parse(time.RFC3339, d.CreatedAt); err == nil {
		rec.CreatedAt = t
	}
	if len(d.ExecutionSummary) > 0 {
		var summary domain.ExecutionSummary
		if err := json.Unmarshal(d.ExecutionSummary, &summary); err == nil {
			rec.Summary = &summary
		}
	}
	return rec
}
