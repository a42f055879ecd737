package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/rvasily/cloudchat/internal/backend"
	"github.com/rvasily/cloudchat/internal/domain"
	"github.com/rvasily/cloudchat/internal/identity"
	"github.com/rvasily/cloudchat/internal/orchestrator"
)

type messageRequest struct {
	Message string `json:"message"`
}

type decisionRequest struct {
	Approved bool   `json:"approved"`
	Note     string `json:"note,omitempty"`
}

type resumeRequest struct {
	RequestID string `json:"request_id"`
}

type monitorResumeRequest struct {
	Track string `json:"track"`
}

type sessionRequest struct {
	Environment string `json:"environment,omitempty"`
	Region      string `json:"region,omitempty"`
}

func (h *Handler) conversation(w http.ResponseWriter, r *http.Request) (*orchestrator.Conversation, string, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, "", false
	}
	conv, err := h.orch.Conversation(r.Context(), userID)
	if err != nil {
		slog.Error("failed to load conversation", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to load conversation")
		return nil, "", false
	}
	return conv, userID, true
}

// HandleMessage handles POST /api/chat/message requests.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	conv, userID, ok := h.conversation(w, r)
	if !ok {
		return
	}

	if !h.rateLimiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.SSE.MaxRequestBodySize)
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}

	slog.Info("chat message",
		"user_id", userID,
		"session_id", identity.SessionIDFromContext(r.Context()),
		"message_length", len(req.Message),
	)

	st, err := conv.HandleMessage(r.Context(), req.Message)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	JSON(w, http.StatusOK, st)
}

// HandleDecision handles POST /api/chat/decision requests. It approves or
// denies a pending remediation gate outside the chat flow.
func (h *Handler) HandleDecision(w http.ResponseWriter, r *http.Request) {
	conv, userID, ok := h.conversation(w, r)
	if !ok {
		return
	}

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	slog.Info("remediation decision", "user_id", userID, "approved", req.Approved)

	st, err := conv.Decide(r.Context(), req.Approved, req.Note)
	if err != nil {
		Error(w, http.StatusConflict, err.Error())
		return
	}
	JSON(w, http.StatusOK, st)
}

// HandleReset handles POST /api/chat/reset requests.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	conv, userID, ok := h.conversation(w, r)
	if !ok {
		return
	}

	slog.Info("session reset", "user_id", userID)

	st, err := conv.Reset(r.Context())
	if err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, st)
}

// HandleResume handles POST /api/chat/resume requests. With a request_id it
// reopens that deployment; without one it picks the most recent unfinished one.
func (h *Handler) HandleResume(w http.ResponseWriter, r *http.Request) {
	conv, userID, ok := h.conversation(w, r)
	if !ok {
		return
	}

	var req resumeRequest
	if r.Body != nil {
		// Body is optional; decode errors on an empty body are fine.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	slog.Info("session resume", "user_id", userID, "request_id", req.RequestID)

	st, err := conv.Resume(r.Context(), req.RequestID)
	if err != nil {
		Error(w, http.StatusBadGateway, err.Error())
		return
	}
	JSON(w, http.StatusOK, st)
}

// HandleMonitorResume handles POST /api/chat/monitor/resume requests. It
// restarts a readiness track that was paused after an authorization failure.
func (h *Handler) HandleMonitorResume(w http.ResponseWriter, r *http.Request) {
	conv, _, ok := h.conversation(w, r)
	if !ok {
		return
	}

	var req monitorResumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	track := domain.MonitorTrack(req.Track)
	if track != domain.TrackCompute && track != domain.TrackService {
		Error(w, http.StatusBadRequest, "track must be compute or service")
		return
	}

	st, err := conv.ResumeTrack(r.Context(), track)
	if err != nil {
		Error(w, http.StatusConflict, err.Error())
		return
	}
	JSON(w, http.StatusOK, st)
}

// HandleSession handles POST /api/chat/session requests. It sets the
// environment and region upcoming requests target.
func (h *Handler) HandleSession(w http.ResponseWriter, r *http.Request) {
	conv, userID, ok := h.conversation(w, r)
	if !ok {
		return
	}

	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Environment == "" && req.Region == "" {
		Error(w, http.StatusBadRequest, "environment or region is required")
		return
	}

	slog.Info("session defaults updated", "user_id", userID, "environment", req.Environment, "region", req.Region)

	st, err := conv.SetDefaults(r.Context(), req.Environment, req.Region)
	if err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, st)
}

// HandleState handles GET /api/chat/state requests.
func (h *Handler) HandleState(w http.ResponseWriter, r *http.Request) {
	conv, _, ok := h.conversation(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, conv.State())
}

// HandleRemediationPeek handles GET /api/chat/remediation requests. It
// refreshes the pending remediation run from the backend without deciding.
func (h *Handler) HandleRemediationPeek(w http.ResponseWriter, r *http.Request) {
	conv, _, ok := h.conversation(w, r)
	if !ok {
		return
	}

	run, err := conv.PeekRemediation(r.Context())
	if err != nil {
		Error(w, http.StatusNotFound, err.Error())
		return
	}
	JSON(w, http.StatusOK, run)
}

// HandleDeployments handles GET /api/deployments requests. It returns the
// newest record per request, newest first.
func (h *Handler) HandleDeployments(w http.ResponseWriter, r *http.Request) {
	conv, userID, ok := h.conversation(w, r)
	if !ok {
		return
	}

	records, err := conv.Deployments(r.Context())
	if err != nil {
		if errors.Is(err, backend.ErrUnauthorized) {
			Error(w, http.StatusUnauthorized, "backend rejected credentials")
			return
		}
		slog.Error("failed to list deployments", "error", err, "user_id", userID)
		Error(w, http.StatusBadGateway, "failed to list deployments")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"deployments": records,
		"count":       len(records),
	})
}
