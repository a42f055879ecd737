// Package backend talks to the infrastructure execution service over
// HTTP/JSON. It hides the wire shapes behind domain types so the rest of
// the application never sees backend field names.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rvasily/cloudchat/internal/domain"
)

// ErrUnauthorized signals that the backend rejected our credentials. The
// poller pauses its track on this instead of tearing it down.
var ErrUnauthorized = errors.New("backend: unauthorized")

// ErrNotFound signals a missing remediation run or request.
var ErrNotFound = errors.New("backend: not found")

// Client is the execution backend surface the orchestrator depends on.
type Client interface {
	// Submit sends a natural-language request, optionally with collected
	// variables and a resume context from an earlier attempt.
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error)

	// ResourceStatus probes one resource's readiness.
	ResourceStatus(ctx context.Context, req StatusRequest) (*domain.ResourceStatusSnapshot, error)

	// Deploy runs the deferred application deploy against a ready instance.
	Deploy(ctx context.Context, req DeployRequest) (*SubmitResult, error)

	// RemediationPeek fetches the current state of a remediation run
	// without deciding it.
	RemediationPeek(ctx context.Context, userID, runID, requestID string) (*domain.RemediationRun, error)

	// RemediationDecide records an approve or deny decision and, on
	// approval, executes the remediation.
	RemediationDecide(ctx context.Context, userID, runID, requestID string, approved bool, note string) (*domain.RemediationRun, error)

	// ListDeployments returns the caller's deployment history, newest first.
	ListDeployments(ctx context.Context, userID string, limit int) ([]domain.DeploymentRecord, error)

	// ImprovePrompt asks the backend to rewrite a raw request into a
	// clearer execution prompt without running it.
	ImprovePrompt(ctx context.Context, req ImprovePromptRequest) (*PromptSuggestion, error)
}

// HTTPClient implements Client against the REST backend.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
	now     func() time.Time
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying http.Client, mainly for tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *HTTPClient) { c.http = h }
}

// WithClock replaces the snapshot timestamp source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *HTTPClient) { c.now = now }
}

// NewHTTPClient creates a backend client. Timeouts are the caller's
// responsibility via ctx: submissions run for hours, probes for seconds.
func NewHTTPClient(baseURL, token string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPClient) do(ctx context.Context, method, path, userID string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if userID != "" {
		req.Header.Set("X-Requester-ID", userID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, apiDetail(data))
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, apiDetail(data))
	case resp.StatusCode >= 400:
		return fmt.Errorf("backend %s %s: status %d: %s", method, path, resp.StatusCode, apiDetail(data))
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func apiDetail(data []byte) string {
	var e struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(data, &e); err == nil && e.Detail != "" {
		return e.Detail
	}
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func (c *HTTPClient) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	payload := submitPayload{
		RequestID:              req.RequestID,
		RequesterID:            req.UserID,
		Environment:            req.Environment,
		CloudProvider:          "aws",
		NaturalLanguageRequest: req.Text,
		Region:                 req.Region,
		InputVariables:         req.Variables,
		ResumeContext:          req.ResumeContext,
	}

	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, "/api/requests", req.UserID, payload, &resp); err != nil {
		return nil, err
	}
	return c.toResult(&resp), nil
}

func (c *HTTPClient) toResult(resp *submitResponse) *SubmitResult {
	outcome, exec := decodeOutcome(resp)
	result := &SubmitResult{
		RequestID: resp.RequestID,
		Outcome:   outcome,
	}
	if exec != nil {
		result.ResumeContext = exec.ResumeContext
		result.Remediation = exec.Remediation.toDomain()
		result.RetryHintSeconds = exec.NextRetrySeconds
		if exec.ResourceType != "" || exec.ResourceName != "" {
			result.Resource = &ResourceRef{
				Type:   exec.ResourceType,
				Name:   exec.ResourceName,
				Region: exec.Region,
				State:  strings.ToLower(strings.TrimSpace(exec.State)),
				Ready:  exec.Ready,
			}
		}
	}
	return result
}

func (c *HTTPClient) ResourceStatus(ctx context.Context, req StatusRequest) (*domain.ResourceStatusSnapshot, error) {
	var (
		path string
		body any
	)
	if req.Track == domain.TrackCompute {
		path = "/api/ec2/status"
		body = map[string]any{
			"instance_id": req.TargetID,
			"aws_region":  req.Region,
		}
	} else {
		path = "/api/resource/status"
		body = map[string]any{
			"resource_type": req.Category,
			"resource_name": req.TargetID,
			"aws_region":    req.Region,
		}
	}

	var resp statusResponse
	if err := c.do(ctx, http.MethodPost, path, "", body, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = resp.Message
		}
		return nil, fmt.Errorf("status probe for %s: %s", req.TargetID, msg)
	}
	return resp.toSnapshot(req.Track, c.now()), nil
}

func (c *HTTPClient) Deploy(ctx context.Context, req DeployRequest) (*SubmitResult, error) {
	body := map[string]any{
		"request_id":   req.RequestID,
		"instance_id":  req.InstanceID,
		"aws_region":   req.Region,
		"environment":  req.Environment,
		"request_text": req.RequestText,
	}
	for k, v := range req.Variables {
		switch k {
		case "app_targets", "app_port", "public_access", "custom_commands", "wait_seconds":
			body[k] = v
		}
	}

	var resp wireExecutionResult
	if err := c.do(ctx, http.MethodPost, "/api/ec2/deploy", req.UserID, body, &resp); err != nil {
		return nil, err
	}
	sub := &submitResponse{RequestID: req.RequestID, ExecutionResult: &resp}
	return c.toResult(sub), nil
}

func (c *HTTPClient) RemediationPeek(ctx context.Context, userID, runID, requestID string) (*domain.RemediationRun, error) {
	body := map[string]any{"run_id": runID, "request_id": requestID}

	var resp remediationRunResponse
	if err := c.do(ctx, http.MethodPost, "/api/remediation/preview", userID, body, &resp); err != nil {
		return nil, err
	}
	run := resp.Run.toDomain()
	if run == nil {
		return nil, fmt.Errorf("%w: remediation run %s", ErrNotFound, runID)
	}
	return run, nil
}

func (c *HTTPClient) RemediationDecide(ctx context.Context, userID, runID, requestID string, approved bool, note string) (*domain.RemediationRun, error) {
	body := map[string]any{
		"run_id":     runID,
		"request_id": requestID,
		"approved":   approved,
	}
	if note != "" {
		body["note"] = note
	}

	var resp remediationDecisionResponse
	if err := c.do(ctx, http.MethodPost, "/api/remediation/execute", userID, body, &resp); err != nil {
		return nil, err
	}
	status := domain.RemediationStatus(resp.Status)
	if status == "" {
		if resp.Success {
			status = domain.RemediationCompleted
		} else {
			status = domain.RemediationFailed
		}
	}
	return &domain.RemediationRun{
		RunID:     runID,
		RequestID: requestID,
		Status:    status,
		Reason:    resp.Message,
	}, nil
}

func (c *HTTPClient) ImprovePrompt(ctx context.Context, req ImprovePromptRequest) (*PromptSuggestion, error) {
	body := map[string]any{
		"natural_language_request": req.Text,
		"environment":              req.Environment,
		"aws_region":               req.Region,
	}

	var resp promptImproveResponse
	if err := c.do(ctx, http.MethodPost, "/api/prompt/improve", req.UserID, body, &resp); err != nil {
		return nil, err
	}
	return &PromptSuggestion{
		Original: resp.OriginalPrompt,
		Improved: resp.ImprovedPrompt,
		Summary:  resp.Summary,
	}, nil
}

func (c *HTTPClient) ListDeployments(ctx context.Context, userID string, limit int) ([]domain.DeploymentRecord, error) {
	path := "/api/deployments"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}

	var resp deploymentsResponse
	if err := c.do(ctx, http.MethodGet, path, userID, nil, &resp); err != nil {
		return nil, err
	}
	records := make([]domain.DeploymentRecord, 0, len(resp.Deployments))
	for _, d := range resp.Deployments {
		records = append(records, d.toDomain())
	}
	return records, nil
}
