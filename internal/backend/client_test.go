package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rvasily/cloudchat/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(srv.URL, "test-token")
}

func TestSubmitNeedsInput(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/requests" {
			t.Errorf("path = %q, want /api/requests", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}

		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload["natural_language_request"] != "create an ec2 instance" {
			t.Errorf("request text = %v", payload["natural_language_request"])
		}

		json.NewEncoder(w).Encode(map[string]any{
			"request_id": "req-1",
			"status":     "needs_input",
			"execution_result": map[string]any{
				"success":         false,
				"requires_input":  true,
				"question_prompt": "A few details are needed.",
				"questions": []map[string]any{
					{"variable": "instance_type", "question": "Which instance type?", "type": "string", "options": []string{"t3.micro", "t3.small"}},
					{"variable": "count", "question": "How many?", "type": "integer"},
				},
				"continuation": map[string]any{
					"kind":                     "auto_deploy_ssm",
					"instance_id":              "i-0abc",
					"region":                   "eu-west-1",
					"recommended_wait_seconds": 120,
				},
			},
		})
	})

	result, err := client.Submit(context.Background(), SubmitRequest{
		UserID: "u1",
		Text:   "create an ec2 instance",
	})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if result.RequestID != "req-1" {
		t.Errorf("RequestID = %q", result.RequestID)
	}

	ni, ok := result.Outcome.(domain.NeedsInput)
	if !ok {
		t.Fatalf("Outcome = %T, want NeedsInput", result.Outcome)
	}
	if len(ni.Questions) != 2 {
		t.Fatalf("questions = %d, want 2", len(ni.Questions))
	}
	if ni.Questions[0].Variable != "instance_type" {
		t.Errorf("first question = %q, want instance_type", ni.Questions[0].Variable)
	}
	// Unknown declared types fall back to string.
	if ni.Questions[1].Type != domain.QuestionString {
		t.Errorf("second question type = %q, want string", ni.Questions[1].Type)
	}
	if ni.Continuation == nil || ni.Continuation.Kind != domain.ContinuationAutoDeploy {
		t.Fatalf("continuation = %+v", ni.Continuation)
	}
	if ni.Continuation.TargetID != "i-0abc" {
		t.Errorf("TargetID = %q, want i-0abc", ni.Continuation.TargetID)
	}
	if ni.Continuation.RecommendedWaitSeconds != 120 {
		t.Errorf("RecommendedWaitSeconds = %d, want 120", ni.Continuation.RecommendedWaitSeconds)
	}
}

func TestSubmitContinuationKindAliases(t *testing.T) {
	// The backend reports the deploy continuation as either "auto_deploy"
	// or "auto_deploy_ssm" depending on its version.
	for _, kind := range []string{"auto_deploy", "auto_deploy_ssm"} {
		t.Run(kind, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]any{
					"request_id": "req-9",
					"status":     "needs_input",
					"execution_result": map[string]any{
						"success":         false,
						"requires_input":  true,
						"question_prompt": "Pick a key pair.",
						"questions": []map[string]any{
							{"variable": "key_name", "question": "Key pair?", "type": "string"},
						},
						"continuation": map[string]any{
							"kind":                     kind,
							"instance_id":              "i-0def",
							"region":                   "us-east-1",
							"recommended_wait_seconds": 60,
						},
					},
				})
			})

			result, err := client.Submit(context.Background(), SubmitRequest{UserID: "u1", Text: "deploy app"})
			if err != nil {
				t.Fatalf("Submit() error: %v", err)
			}
			ni, ok := result.Outcome.(domain.NeedsInput)
			if !ok {
				t.Fatalf("Outcome = %T, want NeedsInput", result.Outcome)
			}
			if ni.Continuation == nil {
				t.Fatalf("continuation dropped for kind %q", kind)
			}
			if ni.Continuation.Kind != domain.ContinuationAutoDeploy {
				t.Errorf("Kind = %q, want auto deploy", ni.Continuation.Kind)
			}
			if ni.Continuation.TargetID != "i-0def" {
				t.Errorf("TargetID = %q, want i-0def", ni.Continuation.TargetID)
			}
		})
	}
}

func TestSubmitTerminalOutcomes(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
		want string
	}{
		{
			name: "completed",
			body: map[string]any{
				"request_id": "req-2",
				"status":     "completed",
				"execution_result": map[string]any{
					"success": true,
					"message": "Instance created.",
				},
			},
			want: "completed",
		},
		{
			name: "failed",
			body: map[string]any{
				"request_id": "req-3",
				"status":     "failed",
				"execution_result": map[string]any{
					"success": false,
					"error":   "quota exceeded",
				},
			},
			want: "failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(tt.body)
			})
			result, err := client.Submit(context.Background(), SubmitRequest{UserID: "u1", Text: "x"})
			if err != nil {
				t.Fatalf("Submit() error: %v", err)
			}
			switch tt.want {
			case "completed":
				if c, ok := result.Outcome.(domain.Completed); !ok || c.Summary != "Instance created." {
					t.Errorf("Outcome = %#v", result.Outcome)
				}
			case "failed":
				if f, ok := result.Outcome.(domain.Failed); !ok || f.Reason != "quota exceeded" {
					t.Errorf("Outcome = %#v", result.Outcome)
				}
			}
		})
	}
}

func TestResourceStatusCompute(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ec2/status" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success":         true,
			"ready":           false,
			"state":           "Running",
			"instance_status": "initializing",
			"system_status":   "OK",
		})
	})

	snap, err := client.ResourceStatus(context.Background(), StatusRequest{
		Track:    domain.TrackCompute,
		TargetID: "i-0abc",
		Region:   "us-east-1",
	})
	if err != nil {
		t.Fatalf("ResourceStatus() error: %v", err)
	}
	if snap.Ready {
		t.Error("Ready = true, want false")
	}
	if got := snap.Signature(); got != "running:initializing:ok" {
		t.Errorf("Signature() = %q, want running:initializing:ok", got)
	}
}

func TestResourceStatusService(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/resource/status" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["resource_type"] != "rds" {
			t.Errorf("resource_type = %v", body["resource_type"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"ready":   true,
			"state":   "available",
		})
	})

	snap, err := client.ResourceStatus(context.Background(), StatusRequest{
		Track:    domain.TrackService,
		TargetID: "orders-db",
		Category: "rds",
		Region:   "us-east-1",
	})
	if err != nil {
		t.Fatalf("ResourceStatus() error: %v", err)
	}
	if !snap.Ready || snap.Signature() != "available" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestUnauthorizedSentinel(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{"detail": "token expired"})
	})

	_, err := client.ResourceStatus(context.Background(), StatusRequest{
		Track:    domain.TrackCompute,
		TargetID: "i-0abc",
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("error = %v, want ErrUnauthorized", err)
	}
}

func TestRemediationDecide(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/remediation/execute" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["approved"] != false {
			t.Errorf("approved = %v, want false", body["approved"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"status":  "denied",
			"run_id":  "run-1",
			"message": "Remediation denied.",
		})
	})

	run, err := client.RemediationDecide(context.Background(), "u1", "run-1", "req-1", false, "")
	if err != nil {
		t.Fatalf("RemediationDecide() error: %v", err)
	}
	if run.Status != domain.RemediationDenied {
		t.Errorf("Status = %q, want denied", run.Status)
	}
	if !run.Status.Terminal() {
		t.Error("denied should be terminal")
	}
}

func TestImprovePrompt(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/prompt/improve" {
			t.Errorf("path = %q, want /api/prompt/improve", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["natural_language_request"] != "make me a server" {
			t.Errorf("request text = %v", body["natural_language_request"])
		}
		if body["aws_region"] != "eu-west-1" {
			t.Errorf("aws_region = %v", body["aws_region"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"original_prompt": "make me a server",
			"improved_prompt": "Create a t3.micro EC2 instance in eu-west-1.",
			"summary":         "I rewrote your request into a clearer execution prompt.",
		})
	})

	suggestion, err := client.ImprovePrompt(context.Background(), ImprovePromptRequest{
		UserID:      "u1",
		Text:        "make me a server",
		Environment: "dev",
		Region:      "eu-west-1",
	})
	if err != nil {
		t.Fatalf("ImprovePrompt() error: %v", err)
	}
	if suggestion.Improved != "Create a t3.micro EC2 instance in eu-west-1." {
		t.Errorf("Improved = %q", suggestion.Improved)
	}
	if suggestion.Original != "make me a server" {
		t.Errorf("Original = %q", suggestion.Original)
	}
}

func TestListDeployments(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "50" {
			t.Errorf("limit = %q, want 50", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"deployments": []map[string]any{
				{
					"request_id":   "req-1",
					"request_text": "create a bucket",
					"status":       "completed",
					"created_at":   "2026-02-10T12:00:00Z",
					"execution_summary": map[string]any{
						"success": true,
					},
				},
			},
			"count": 1,
		})
	})

	records, err := client.ListDeployments(context.Background(), "u1", 50)
	if err != nil {
		t.Fatalf("ListDeployments() error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].Unfinished() {
		t.Error("completed record reported unfinished")
	}
	if records[0].Summary == nil || !records[0].Summary.Success {
		t.Errorf("summary = %+v", records[0].Summary)
	}
}
