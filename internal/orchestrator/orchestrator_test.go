package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rvasily/cloudchat/internal/backend"
	"github.com/rvasily/cloudchat/internal/config"
	"github.com/rvasily/cloudchat/internal/domain"
	"github.com/rvasily/cloudchat/internal/kvstore"
	"github.com/rvasily/cloudchat/internal/session"
)

// fakeBackend scripts backend responses and records calls.
type fakeBackend struct {
	mu sync.Mutex

	submits       []backend.SubmitRequest
	submitResults []*backend.SubmitResult
	submitErr     error

	statusFn func(backend.StatusRequest) (*domain.ResourceStatusSnapshot, error)

	deploys      []backend.DeployRequest
	deployResult *backend.SubmitResult

	decided      []bool
	decideResult *domain.RemediationRun

	records []domain.DeploymentRecord

	improveFn func(backend.ImprovePromptRequest) (*backend.PromptSuggestion, error)
}

func (f *fakeBackend) Submit(ctx context.Context, req backend.SubmitRequest) (*backend.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, req)
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	if len(f.submitResults) == 0 {
		return &backend.SubmitResult{RequestID: "req-auto", Outcome: domain.Completed{Summary: "Done."}}, nil
	}
	r := f.submitResults[0]
	if len(f.submitResults) > 1 {
		f.submitResults = f.submitResults[1:]
	}
	return r, nil
}

func (f *fakeBackend) ResourceStatus(ctx context.Context, req backend.StatusRequest) (*domain.ResourceStatusSnapshot, error) {
	f.mu.Lock()
	fn := f.statusFn
	f.mu.Unlock()
	if fn == nil {
		return &domain.ResourceStatusSnapshot{State: "pending"}, nil
	}
	return fn(req)
}

func (f *fakeBackend) Deploy(ctx context.Context, req backend.DeployRequest) (*backend.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deploys = append(f.deploys, req)
	if f.deployResult != nil {
		return f.deployResult, nil
	}
	return &backend.SubmitResult{RequestID: req.RequestID, Outcome: domain.Completed{Summary: "Deployed."}}, nil
}

func (f *fakeBackend) RemediationPeek(ctx context.Context, userID, runID, requestID string) (*domain.RemediationRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.decideResult != nil {
		return f.decideResult, nil
	}
	return &domain.RemediationRun{RunID: runID, RequestID: requestID, Status: domain.RemediationPendingApproval}, nil
}

func (f *fakeBackend) RemediationDecide(ctx context.Context, userID, runID, requestID string, approved bool, note string) (*domain.RemediationRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decided = append(f.decided, approved)
	if f.decideResult != nil {
		return f.decideResult, nil
	}
	status := domain.RemediationCompleted
	if !approved {
		status = domain.RemediationDenied
	}
	return &domain.RemediationRun{RunID: runID, RequestID: requestID, Status: status}, nil
}

func (f *fakeBackend) ListDeployments(ctx context.Context, userID string, limit int) ([]domain.DeploymentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.DeploymentRecord(nil), f.records...), nil
}

func (f *fakeBackend) ImprovePrompt(ctx context.Context, req backend.ImprovePromptRequest) (*backend.PromptSuggestion, error) {
	f.mu.Lock()
	fn := f.improveFn
	f.mu.Unlock()
	if fn == nil {
		return &backend.PromptSuggestion{
			Original: req.Text,
			Improved: "Provision " + req.Text,
			Summary:  "Here is a clearer version of your request.",
		}, nil
	}
	return fn(req)
}

func (f *fakeBackend) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

func (f *fakeBackend) lastSubmit() backend.SubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits[len(f.submits)-1]
}

func (f *fakeBackend) deployCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deploys)
}

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(userID string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Type == EventMessage && ev.Message != nil {
			out = append(out, ev.Message.Content)
		}
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		Port: "0",
		Backend: config.BackendConfig{
			URL:           "http://test",
			SubmitTimeout: 5 * time.Second,
			ProbeTimeout:  time.Second,
		},
		Session: config.SessionConfig{
			DefaultEnvironment: "dev",
			DefaultRegion:      "us-east-1",
		},
		Polling: config.PollingConfig{
			Interval:  10 * time.Millisecond,
			Heartbeat: 35 * time.Millisecond,
			PendingStates: []string{
				"creating", "pending", "initializing", "starting", "provisioning",
				"inprogress", "in_progress", "modifying", "updating", "configuring",
			},
			ReadyStates: []string{
				"available", "active", "running", "ready", "ok", "completed",
				"enabled", "issued", "inservice",
			},
			SyncCategories: []string{"s3", "iam"},
		},
	}
}

func newTestOrchestrator(t *testing.T, fb *fakeBackend) (*Orchestrator, *recorder) {
	t.Helper()
	kv, err := kvstore.New(kvstore.DriverMemory)
	if err != nil {
		t.Fatalf("kvstore.New error: %v", err)
	}
	t.Cleanup(func() { kv.Close() })

	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	o := New(ctx, testConfig(), fb, session.NewStore(kv), rec, logger)
	return o, rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func question(variable, prompt string, qt domain.QuestionType) domain.PendingQuestion {
	return domain.PendingQuestion{Variable: variable, Prompt: prompt, Type: qt}
}

func TestClarificationFIFO(t *testing.T) {
	fb := &fakeBackend{
		submitResults: []*backend.SubmitResult{
			{
				RequestID: "req-1",
				Outcome: domain.NeedsInput{
					Prompt: "I need three details.",
					Questions: []domain.PendingQuestion{
						question("bucket_name", "Bucket name?", domain.QuestionString),
						question("versioning", "Enable versioning?", domain.QuestionBoolean),
						question("replicas", "How many replicas?", domain.QuestionNumber),
					},
				},
			},
			{RequestID: "req-1", Outcome: domain.Completed{Summary: "Bucket created."}},
		},
	}
	o, _ := newTestOrchestrator(t, fb)
	ctx := context.Background()

	conv, err := o.Conversation(ctx, "u1")
	if err != nil {
		t.Fatalf("Conversation() error: %v", err)
	}

	if _, err := conv.HandleMessage(ctx, "create a bucket"); err != nil {
		t.Fatalf("HandleMessage error: %v", err)
	}
	waitFor(t, "first question", func() bool {
		st := conv.State()
		return !st.Busy && st.ActiveQuestion != nil
	})

	st := conv.State()
	if st.ActiveQuestion.Variable != "bucket_name" {
		t.Fatalf("active question = %q, want bucket_name", st.ActiveQuestion.Variable)
	}
	if st.QueuedCount != 2 {
		t.Errorf("queued = %d, want 2", st.QueuedCount)
	}

	if _, err := conv.HandleMessage(ctx, "my-bucket"); err != nil {
		t.Fatal(err)
	}
	st = conv.State()
	if st.ActiveQuestion == nil || st.ActiveQuestion.Variable != "versioning" {
		t.Fatalf("second question = %+v", st.ActiveQuestion)
	}

	if _, err := conv.HandleMessage(ctx, "yes"); err != nil {
		t.Fatal(err)
	}
	st = conv.State()
	if st.ActiveQuestion == nil || st.ActiveQuestion.Variable != "replicas" {
		t.Fatalf("third question = %+v", st.ActiveQuestion)
	}

	// The last answer drains the queue and triggers a resubmission with
	// all collected answers.
	if _, err := conv.HandleMessage(ctx, "3"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "resubmission", func() bool { return fb.submitCount() == 2 })

	resub := fb.lastSubmit()
	if resub.Variables["bucket_name"] != "my-bucket" {
		t.Errorf("bucket_name = %v", resub.Variables["bucket_name"])
	}
	if v, ok := resub.Variables["versioning"].(bool); !ok || !v {
		t.Errorf("versioning = %v (%T), want true bool", resub.Variables["versioning"], resub.Variables["versioning"])
	}
	if n, ok := resub.Variables["replicas"].(int64); !ok || n != 3 {
		t.Errorf("replicas = %v (%T), want int64(3)", resub.Variables["replicas"], resub.Variables["replicas"])
	}

	waitFor(t, "completion", func() bool {
		st := conv.State()
		return !st.Busy && st.ActiveQuestion == nil
	})
}

func TestBadNumberReasksSameQuestion(t *testing.T) {
	fb := &fakeBackend{
		submitResults: []*backend.SubmitResult{
			{
				RequestID: "req-1",
				Outcome: domain.NeedsInput{
					Questions: []domain.PendingQuestion{
						question("port", "Which port?", domain.QuestionNumber),
					},
				},
			},
		},
	}
	o, _ := newTestOrchestrator(t, fb)
	ctx := context.Background()

	conv, _ := o.Conversation(ctx, "u1")
	conv.HandleMessage(ctx, "deploy my app")
	waitFor(t, "question", func() bool { return conv.State().ActiveQuestion != nil })

	conv.HandleMessage(ctx, "the usual one")
	st := conv.State()
	if st.ActiveQuestion == nil || st.ActiveQuestion.Variable != "port" {
		t.Fatalf("question not re-asked: %+v", st.ActiveQuestion)
	}
	if fb.submitCount() != 1 {
		t.Errorf("submits = %d, want 1 (no resubmit on bad answer)", fb.submitCount())
	}
}

func TestBusyRejectsNewRequests(t *testing.T) {
	block := make(chan struct{})
	fb := &fakeBackend{}
	o, _ := newTestOrchestrator(t, fb)

	// Wrap Submit to block until released.
	slow := &slowBackend{fakeBackend: fb, gate: block}
	o.backend = slow

	ctx := context.Background()
	conv, _ := o.Conversation(ctx, "u1")
	conv.HandleMessage(ctx, "create a bucket")

	waitFor(t, "busy", func() bool { return conv.State().Busy })

	st, err := conv.HandleMessage(ctx, "also create a queue")
	if err != nil {
		t.Fatal(err)
	}
	last := st.Messages[len(st.Messages)-1]
	if last.Role != domain.RoleAssistant || !strings.Contains(last.Content, "Still working") {
		t.Errorf("busy reply = %q", last.Content)
	}

	close(block)
	waitFor(t, "idle", func() bool { return !conv.State().Busy })
	if fb.submitCount() != 1 {
		t.Errorf("submits = %d, want 1", fb.submitCount())
	}
}

type slowBackend struct {
	*fakeBackend
	gate chan struct{}
}

func (s *slowBackend) Submit(ctx context.Context, req backend.SubmitRequest) (*backend.SubmitResult, error) {
	<-s.gate
	return s.fakeBackend.Submit(ctx, req)
}


func TestHeartbeatSuppression(t *testing.T) {
	var probes int
	fb := &fakeBackend{}
	fb.statusFn = func(req backend.StatusRequest) (*domain.ResourceStatusSnapshot, error) {
		fb.mu.Lock()
		probes++
		fb.mu.Unlock()
		return &domain.ResourceStatusSnapshot{State: "running", InstanceStatus: "initializing", SystemStatus: "initializing"}, nil
	}
	fb.submitResults = []*backend.SubmitResult{
		{
			RequestID: "req-1",
			Outcome: domain.NeedsInput{
				Prompt: "Instance is being prepared.",
				Continuation: &domain.Continuation{
					Kind:                   domain.ContinuationAutoDeploy,
					TargetID:               "i-0abc",
					Region:                 "us-east-1",
					RecommendedWaitSeconds: 1,
				},
			},
		},
	}
	o, rec := newTestOrchestrator(t, fb)
	// Shrink the recommended first wait by launching with zero via config
	// interval; the continuation still carries 1s which is fine here.
	ctx := context.Background()
	conv, _ := o.Conversation(ctx, "u1")
	conv.HandleMessage(ctx, "create an instance and deploy my app")

	waitFor(t, "monitor armed", func() bool { return len(conv.State().Monitors) == 1 })

	// Let several probe intervals pass beyond the first-wait second.
	time.Sleep(1200 * time.Millisecond)

	fb.mu.Lock()
	probeCount := probes
	fb.mu.Unlock()
	if probeCount < 3 {
		t.Fatalf("probes = %d, want several", probeCount)
	}

	statusMsgs := 0
	for _, m := range rec.messages() {
		if strings.Contains(m, "i-0abc") && (strings.Contains(m, "not ready") || strings.Contains(m, "Still waiting")) {
			statusMsgs++
		}
	}
	// One initial state notification plus heartbeats, far fewer than one
	// message per probe.
	if statusMsgs == 0 {
		t.Error("no status messages at all")
	}
	if statusMsgs >= probeCount {
		t.Errorf("status messages = %d for %d probes, suppression not working", statusMsgs, probeCount)
	}
}

func TestRetryHintArmsMonitor(t *testing.T) {
	var mu sync.Mutex
	state := "optimizing"
	fb := &fakeBackend{}
	fb.statusFn = func(req backend.StatusRequest) (*domain.ResourceStatusSnapshot, error) {
		mu.Lock()
		defer mu.Unlock()
		return &domain.ResourceStatusSnapshot{State: state}, nil
	}
	// "optimizing" is not a pending state; only the retry hint says the
	// resource is still settling.
	fb.submitResults = []*backend.SubmitResult{
		{
			RequestID: "req-1",
			Outcome:   domain.Completed{Summary: "Database created."},
			Resource: &backend.ResourceRef{
				Type:   "rds",
				Name:   "orders-db",
				Region: "us-east-1",
				State:  "optimizing",
			},
			RetryHintSeconds: 1,
		},
	}
	o, _ := newTestOrchestrator(t, fb)
	ctx := context.Background()
	conv, _ := o.Conversation(ctx, "u1")
	conv.HandleMessage(ctx, "create an rds database")

	waitFor(t, "monitor armed from retry hint", func() bool {
		return len(conv.State().Monitors) == 1
	})
	if m := conv.State().Monitors[0]; m.Track != domain.TrackService || m.ID != "orders-db" {
		t.Errorf("monitor = %+v", m)
	}

	// The probe reports a ready state token without the ready flag; that
	// still counts as settled for a service resource.
	mu.Lock()
	state = "available"
	mu.Unlock()

	waitFor(t, "monitor cleared on ready state", func() bool {
		return len(conv.State().Monitors) == 0
	})
}

func TestReadyTriggersDeferredDeployOnce(t *testing.T) {
	var mu sync.Mutex
	ready := false
	fb := &fakeBackend{}
	fb.statusFn = func(req backend.StatusRequest) (*domain.ResourceStatusSnapshot, error) {
		mu.Lock()
		defer mu.Unlock()
		if ready {
			return &domain.ResourceStatusSnapshot{State: "running", InstanceStatus: "ok", SystemStatus: "ok", Ready: true}, nil
		}
		return &domain.ResourceStatusSnapshot{State: "running", InstanceStatus: "initializing", SystemStatus: "initializing"}, nil
	}
	fb.submitResults = []*backend.SubmitResult{
		{
			RequestID: "req-1",
			Outcome: domain.NeedsInput{
				Continuation: &domain.Continuation{
					Kind:                   domain.ContinuationAutoDeploy,
					TargetID:               "i-0abc",
					Region:                 "us-east-1",
					RecommendedWaitSeconds: 1,
				},
			},
		},
	}
	o, _ := newTestOrchestrator(t, fb)
	ctx := context.Background()
	conv, _ := o.Conversation(ctx, "u1")
	conv.HandleMessage(ctx, "create an instance and deploy")

	waitFor(t, "monitor armed", func() bool { return len(conv.State().Monitors) == 1 })

	mu.Lock()
	ready = true
	mu.Unlock()

	waitFor(t, "deferred deploy", func() bool { return fb.deployCount() >= 1 })
	waitFor(t, "monitor cleared", func() bool { return len(conv.State().Monitors) == 0 })

	// Give stray ticks a chance to misfire, then confirm exactly one.
	time.Sleep(100 * time.Millisecond)
	if got := fb.deployCount(); got != 1 {
		t.Errorf("deploys = %d, want exactly 1", got)
	}
}

func TestStatusQueryProbesNamedIdentifier(t *testing.T) {
	var mu sync.Mutex
	var probes []backend.StatusRequest
	fb := &fakeBackend{}
	fb.statusFn = func(req backend.StatusRequest) (*domain.ResourceStatusSnapshot, error) {
		mu.Lock()
		defer mu.Unlock()
		probes = append(probes, req)
		return &domain.ResourceStatusSnapshot{State: "running", InstanceStatus: "ok", SystemStatus: "ok", Ready: true}, nil
	}
	o, rec := newTestOrchestrator(t, fb)
	ctx := context.Background()
	conv, _ := o.Conversation(ctx, "u1")

	// No monitors armed; the identifier in the question is probed directly.
	conv.HandleMessage(ctx, "is i-0abc ready?")

	waitFor(t, "direct probe", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(probes) == 1
	})
	mu.Lock()
	probe := probes[0]
	mu.Unlock()
	if probe.Track != domain.TrackCompute || probe.TargetID != "i-0abc" || probe.Category != "ec2" {
		t.Errorf("probe = %+v", probe)
	}
	waitFor(t, "status reply", func() bool {
		for _, m := range rec.messages() {
			if strings.Contains(m, "i-0abc") && strings.Contains(m, "ready") {
				return true
			}
		}
		return false
	})
}

func TestZeroWaitDeployStillChecksReadiness(t *testing.T) {
	var mu sync.Mutex
	ready := false
	fb := &fakeBackend{}
	fb.statusFn = func(req backend.StatusRequest) (*domain.ResourceStatusSnapshot, error) {
		mu.Lock()
		defer mu.Unlock()
		if ready {
			return &domain.ResourceStatusSnapshot{State: "running", InstanceStatus: "ok", SystemStatus: "ok", Ready: true}, nil
		}
		return &domain.ResourceStatusSnapshot{State: "pending"}, nil
	}
	fb.submitResults = []*backend.SubmitResult{
		{
			RequestID: "req-1",
			Outcome: domain.NeedsInput{
				Continuation: &domain.Continuation{
					Kind:     domain.ContinuationAutoDeploy,
					TargetID: "i-0abc",
					Region:   "us-east-1",
					// No recommended wait: probe immediately, but
					// never deploy before the instance is ready.
				},
			},
		},
	}
	o, _ := newTestOrchestrator(t, fb)
	ctx := context.Background()
	conv, _ := o.Conversation(ctx, "u1")
	conv.HandleMessage(ctx, "create an instance and deploy")

	waitFor(t, "monitor armed", func() bool { return len(conv.State().Monitors) == 1 })

	// Several probes happen while the instance is still pending; none may
	// trigger the deploy.
	time.Sleep(60 * time.Millisecond)
	if got := fb.deployCount(); got != 0 {
		t.Fatalf("deploys before ready = %d, want 0", got)
	}

	mu.Lock()
	ready = true
	mu.Unlock()

	waitFor(t, "deferred deploy", func() bool { return fb.deployCount() == 1 })
}

func TestStatusQueryRefreshesOpenGate(t *testing.T) {
	fb := &fakeBackend{
		submitResults: []*backend.SubmitResult{
			{
				RequestID: "req-1",
				Outcome: domain.NeedsInput{
					Remediation: &domain.RemediationRun{
						RunID:     "run-1",
						RequestID: "req-1",
						Status:    domain.RemediationPendingApproval,
						Reason:    "Instance is not SSM managed.",
					},
				},
			},
		},
	}
	o, rec := newTestOrchestrator(t, fb)
	ctx := context.Background()
	conv, _ := o.Conversation(ctx, "u1")
	conv.HandleMessage(ctx, "deploy to my instance")

	waitFor(t, "gate open", func() bool { return conv.State().Remediation != nil })

	// The run expired on the backend: a status question must surface that
	// and close the gate instead of re-asking from the cached run.
	fb.mu.Lock()
	fb.decideResult = &domain.RemediationRun{
		RunID:     "run-1",
		RequestID: "req-1",
		Status:    domain.RemediationExpired,
	}
	fb.mu.Unlock()

	conv.HandleMessage(ctx, "status?")

	waitFor(t, "gate closed after peek", func() bool {
		st := conv.State()
		return st.Remediation == nil || st.Remediation.Status.Terminal()
	})
	found := false
	for _, m := range rec.messages() {
		if strings.Contains(m, "expired") {
			found = true
		}
	}
	if !found {
		t.Error("expiry was not reported to the user")
	}
}

func TestRemediationDenialClosesGate(t *testing.T) {
	fb := &fakeBackend{
		submitResults: []*backend.SubmitResult{
			{
				RequestID: "req-1",
				Outcome: domain.NeedsInput{
					Questions: []domain.PendingQuestion{
						{
							Variable: "remediation_approval",
							Prompt:   "Approve automatic remediation and continue? (approve/deny)",
							Type:     domain.QuestionString,
							Options:  []string{"approve", "deny"},
						},
					},
					Continuation: &domain.Continuation{
						Kind:      domain.ContinuationAutoRemediation,
						RunID:     "run-1",
						RequestID: "req-1",
					},
					Remediation: &domain.RemediationRun{
						RunID:     "run-1",
						RequestID: "req-1",
						Status:    domain.RemediationPendingApproval,
						Reason:    "Instance is not SSM managed.",
					},
				},
			},
		},
	}
	o, _ := newTestOrchestrator(t, fb)
	ctx := context.Background()
	conv, _ := o.Conversation(ctx, "u1")
	conv.HandleMessage(ctx, "deploy to my instance")

	waitFor(t, "approval question", func() bool { return conv.State().ActiveQuestion != nil })

	conv.HandleMessage(ctx, "deny")
	waitFor(t, "decision recorded", func() bool {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		return len(fb.decided) == 1
	})
	fb.mu.Lock()
	approved := fb.decided[0]
	fb.mu.Unlock()
	if approved {
		t.Error("decision = approved, want denied")
	}

	waitFor(t, "gate cleared", func() bool {
		st := conv.State()
		return !st.Busy && st.Remediation == nil && st.ActiveQuestion == nil
	})
	// The request stays resumable.
	if conv.State().RequestID != "req-1" {
		t.Errorf("request id = %q, want req-1", conv.State().RequestID)
	}
}

func TestContinuePicksMostRecentUnfinished(t *testing.T) {
	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	fb := &fakeBackend{
		records: []domain.DeploymentRecord{
			{RequestID: "req-old", Status: domain.DeploymentFailed, CreatedAt: base,
				RequestText: "create a db", Summary: &domain.ExecutionSummary{Error: "boom"}},
			{RequestID: "req-new", Status: domain.DeploymentNeedsInput, CreatedAt: base.Add(time.Hour),
				RequestText: "deploy app", Summary: &domain.ExecutionSummary{
					ResumeContext: []byte(`{"next_phase":"deploy_app"}`),
				}},
			{RequestID: "req-done", Status: domain.DeploymentCompleted, CreatedAt: base.Add(2 * time.Hour)},
		},
		submitResults: []*backend.SubmitResult{
			{RequestID: "req-new", Outcome: domain.Completed{Summary: "Resumed and finished."}},
		},
	}
	o, _ := newTestOrchestrator(t, fb)
	ctx := context.Background()
	conv, _ := o.Conversation(ctx, "u1")

	conv.HandleMessage(ctx, "continue")

	waitFor(t, "resume submit", func() bool { return fb.submitCount() >= 1 })
	sub := fb.lastSubmit()
	if sub.RequestID != "req-new" {
		t.Errorf("resumed request = %q, want req-new", sub.RequestID)
	}
	if string(sub.ResumeContext) != `{"next_phase":"deploy_app"}` {
		t.Errorf("resume context = %s", sub.ResumeContext)
	}
}

func TestUnauthorizedPausesTrack(t *testing.T) {
	fb := &fakeBackend{}
	fb.statusFn = func(req backend.StatusRequest) (*domain.ResourceStatusSnapshot, error) {
		return nil, backend.ErrUnauthorized
	}
	fb.submitResults = []*backend.SubmitResult{
		{
			RequestID: "req-1",
			Outcome: domain.NeedsInput{
				Continuation: &domain.Continuation{
					Kind:                   domain.ContinuationAutoDeploy,
					TargetID:               "i-0abc",
					RecommendedWaitSeconds: 1,
				},
			},
		},
	}
	o, _ := newTestOrchestrator(t, fb)
	ctx := context.Background()
	conv, _ := o.Conversation(ctx, "u1")
	conv.HandleMessage(ctx, "create and deploy")

	waitFor(t, "paused monitor", func() bool {
		st := conv.State()
		return len(st.Monitors) == 1 && st.Monitors[0].Paused
	})

	// The target survives the pause and can be resumed.
	st, err := conv.ResumeTrack(ctx, domain.TrackCompute)
	if err != nil {
		t.Fatalf("ResumeTrack() error: %v", err)
	}
	if len(st.Monitors) != 1 || st.Monitors[0].Paused {
		t.Errorf("monitors after resume = %+v", st.Monitors)
	}
}

func TestPromptReviewConfirmRunsImprovedText(t *testing.T) {
	improved := "Create a t3.micro EC2 instance named web-1 in us-east-1."
	fb := &fakeBackend{}
	fb.improveFn = func(req backend.ImprovePromptRequest) (*backend.PromptSuggestion, error) {
		if req.Text != "make me a small server" {
			t.Errorf("improve text = %q", req.Text)
		}
		return &backend.PromptSuggestion{
			Original: req.Text,
			Improved: improved,
			Summary:  "I rewrote your request into a clearer execution prompt.",
		}, nil
	}
	o, rec := newTestOrchestrator(t, fb)
	ctx := context.Background()
	conv, _ := o.Conversation(ctx, "u1")

	conv.HandleMessage(ctx, "improve: make me a small server")

	waitFor(t, "suggestion", func() bool { return conv.State().DraftPrompt == improved })
	if fb.submitCount() != 0 {
		t.Fatalf("submits = %d, suggestion must not run anything", fb.submitCount())
	}
	found := false
	for _, m := range rec.messages() {
		if strings.Contains(m, improved) {
			found = true
		}
	}
	if !found {
		t.Error("suggestion was not shown to the user")
	}

	conv.HandleMessage(ctx, "continue")
	waitFor(t, "submit", func() bool { return fb.submitCount() == 1 })
	if got := fb.lastSubmit().Text; got != improved {
		t.Errorf("submitted text = %q, want the improved prompt", got)
	}
	if st := conv.State(); st.DraftPrompt != "" {
		t.Errorf("draft survived confirmation: %q", st.DraftPrompt)
	}
}

func TestPromptReviewDiscard(t *testing.T) {
	fb := &fakeBackend{}
	o, _ := newTestOrchestrator(t, fb)
	ctx := context.Background()
	conv, _ := o.Conversation(ctx, "u1")

	conv.HandleMessage(ctx, "improve: make me a small server")
	waitFor(t, "suggestion", func() bool { return conv.State().DraftPrompt != "" })

	st, err := conv.HandleMessage(ctx, "no")
	if err != nil {
		t.Fatal(err)
	}
	if st.DraftPrompt != "" {
		t.Errorf("draft survived discard: %q", st.DraftPrompt)
	}
	if fb.submitCount() != 0 {
		t.Errorf("submits = %d, discard must not run anything", fb.submitCount())
	}
}

func TestStrategyPhraseSetsPreference(t *testing.T) {
	fb := &fakeBackend{}
	o, _ := newTestOrchestrator(t, fb)
	ctx := context.Background()
	conv, _ := o.Conversation(ctx, "u1")

	st, err := conv.HandleMessage(ctx, "use existing resources")
	if err != nil {
		t.Fatal(err)
	}
	if st.Strategy != domain.StrategyReuseExisting {
		t.Errorf("strategy = %q, want use_existing", st.Strategy)
	}
	if fb.submitCount() != 0 {
		t.Errorf("submits = %d, strategy phrase must not submit", fb.submitCount())
	}

	conv.HandleMessage(ctx, "create a bucket please")
	waitFor(t, "submit", func() bool { return fb.submitCount() == 1 })
	if fb.lastSubmit().Variables["resource_strategy"] != "use_existing" {
		t.Errorf("resource_strategy = %v", fb.lastSubmit().Variables["resource_strategy"])
	}
}

func TestResetStartsFresh(t *testing.T) {
	fb := &fakeBackend{
		submitResults: []*backend.SubmitResult{
			{RequestID: "req-1", Outcome: domain.Completed{Summary: "Done."}},
		},
	}
	o, _ := newTestOrchestrator(t, fb)
	ctx := context.Background()
	conv, _ := o.Conversation(ctx, "u1")

	conv.HandleMessage(ctx, "create a bucket")
	waitFor(t, "done", func() bool {
		st := conv.State()
		return !st.Busy && st.RequestID == "req-1"
	})

	st, err := conv.Reset(ctx)
	if err != nil {
		t.Fatalf("Reset() error: %v", err)
	}
	if st.RequestID != "" || len(st.Messages) != 0 {
		t.Errorf("state after reset = %+v", st)
	}
}
