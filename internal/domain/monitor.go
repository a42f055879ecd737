package domain

import (
	"strings"
	"time"
)

// MonitorTrack distinguishes the two independent polling tracks a session
// may run. They never watch the same target.
type MonitorTrack string

const (
	// TrackCompute watches a primary compute resource with tri-part state.
	TrackCompute MonitorTrack = "compute"
	// TrackService watches any other managed resource with a single state.
	TrackService MonitorTrack = "service"
)

// DeferredAction is an action attached to a monitor target, to run
// automatically once the target reports ready.
type DeferredAction struct {
	// Kind is currently always "deploy".
	Kind        string         `json:"kind"`
	RequestText string         `json:"request_text,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"`
}

// MonitorTarget is a resource being polled for readiness.
type MonitorTarget struct {
	ID       string       `json:"id"`
	Category string       `json:"category"`
	Track    MonitorTrack `json:"track"`
	Region   string       `json:"region,omitempty"`

	// LastSignature is the last state signature the user was notified about.
	LastSignature string `json:"last_signature,omitempty"`

	// Paused marks a track whose credentials became unavailable. A paused
	// track keeps its target but schedules no probes until resumed.
	Paused bool `json:"paused,omitempty"`

	Deferred *DeferredAction `json:"deferred,omitempty"`
}

// ResourceStatusSnapshot is the last poll result for a resource.
type ResourceStatusSnapshot struct {
	State string `json:"state"`
	Ready bool   `json:"ready"`

	// Tri-part sub-states, populated on the compute track only.
	InstanceStatus string `json:"instance_status,omitempty"`
	SystemStatus   string `json:"system_status,omitempty"`

	Message   string    `json:"message,omitempty"`
	RetryHint int       `json:"retry_hint,omitempty"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
}

// Signature returns the composite state signature used for duplicate
// notification suppression. Compute targets include both sub-states.
func (s ResourceStatusSnapshot) Signature() string {
	if s.InstanceStatus != "" || s.SystemStatus != "" {
		return strings.Join([]string{s.State, s.InstanceStatus, s.SystemStatus}, ":")
	}
	return s.State
}
