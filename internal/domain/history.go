package domain

import (
	"encoding/json"
	"sort"
	"time"
)

// DeploymentStatus values recorded by the backend per history entry.
const (
	DeploymentCompleted  = "completed"
	DeploymentFailed     = "failed"
	DeploymentNeedsInput = "needs_input"
	DeploymentInProgress = "in_progress"
)

// ExecutionSummary is the structured payload the backend attaches to a
// deployment history record. ResumeContext is opaque to this service and
// passed back verbatim when resuming.
type ExecutionSummary struct {
	Success       bool            `json:"success"`
	Error         string          `json:"error,omitempty"`
	RequestText   string          `json:"request_text,omitempty"`
	Continuation  *Continuation   `json:"continuation,omitempty"`
	ResumeContext json.RawMessage `json:"resume_context,omitempty"`
}

// DeploymentRecord is one chronologically orderable entry of the backend's
// deployment history for a request.
type DeploymentRecord struct {
	RequestID    string            `json:"request_id"`
	RequestText  string            `json:"request_text,omitempty"`
	Action       string            `json:"action,omitempty"`
	ResourceType string            `json:"resource_type,omitempty"`
	ResourceName string            `json:"resource_name,omitempty"`
	Region       string            `json:"region,omitempty"`
	Environment  string            `json:"environment,omitempty"`
	Status       string            `json:"status"`
	Summary      *ExecutionSummary `json:"execution_summary,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Unfinished reports whether the record's status leaves work outstanding.
func (r DeploymentRecord) Unfinished() bool {
	return r.Status != DeploymentCompleted
}

// SortByCreatedAt orders records oldest first, matching the backend's
// per-request history ordering.
func SortByCreatedAt(records []DeploymentRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}

// LatestPerRequest reduces a history listing to the most recent record per
// distinct request identifier, newest first.
func LatestPerRequest(records []DeploymentRecord) []DeploymentRecord {
	latest := make(map[string]DeploymentRecord, len(records))
	for _, r := range records {
		if r.RequestID == "" {
			continue
		}
		cur, ok := latest[r.RequestID]
		if !ok || r.CreatedAt.After(cur.CreatedAt) {
			latest[r.RequestID] = r
		}
	}
	out := make([]DeploymentRecord, 0, len(latest))
	for _, r := range latest {
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
