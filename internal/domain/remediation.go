package domain

// RemediationStatus is the lifecycle state of a remediation run.
type RemediationStatus string

const (
	RemediationPendingApproval RemediationStatus = "pending_approval"
	RemediationInProgress      RemediationStatus = "in_progress"
	RemediationCompleted       RemediationStatus = "completed"
	RemediationFailed          RemediationStatus = "failed"
	RemediationDenied          RemediationStatus = "denied"
	RemediationExpired         RemediationStatus = "expired"
)

// Terminal reports whether the status ends the approval workflow.
// in_progress counts as pending: the gate probes again rather than clearing.
func (s RemediationStatus) Terminal() bool {
	switch s {
	case RemediationCompleted, RemediationFailed, RemediationDenied, RemediationExpired:
		return true
	}
	return false
}

// RemediationRun is a backend-proposed corrective action awaiting human
// approval.
type RemediationRun struct {
	RunID               string            `json:"run_id"`
	RequestID           string            `json:"request_id"`
	Status              RemediationStatus `json:"status"`
	Reason              string            `json:"reason,omitempty"`
	ProposedActions     []string          `json:"proposed_actions,omitempty"`
	RequiredPermissions []string          `json:"required_permissions,omitempty"`
}
