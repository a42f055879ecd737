package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/rvasily/cloudchat/internal/identity"
	"github.com/rvasily/cloudchat/internal/orchestrator"
)

// WebSocketHandler carries the chat conversation over a single WebSocket:
// inbound user messages and decisions, outbound orchestrator events.
type WebSocketHandler struct {
	orch          *orchestrator.Orchestrator
	stream        *Stream
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket chat handler.
func NewWebSocketHandler(orch *orchestrator.Orchestrator, stream *Stream, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		orch:          orch,
		stream:        stream,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

var errUnknownMessageType = errors.New("unknown message type")

// wsInbound represents a client-to-server WebSocket message.
type wsInbound struct {
	Type     string `json:"type"`
	Content  string `json:"content,omitempty"`
	Approved bool   `json:"approved,omitempty"`
	Note     string `json:"note,omitempty"`
}

// wsOutbound represents a server-to-client WebSocket message.
type wsOutbound struct {
	Type  string              `json:"type"`
	State *orchestrator.State `json:"state,omitempty"`
	Event *orchestrator.Event `json:"event,omitempty"`
	Error string              `json:"error,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	slog.Info("WebSocket connection request", "user_id", userID, "ip", identity.IPFromRequest(r))
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conv, err := h.orch.Conversation(ctx, userID)
	if err != nil {
		slog.Error("failed to load conversation", "error", err, "user_id", userID)
		if writeErr := h.writeJSON(ws, wsOutbound{Type: "error", Error: "failed to load conversation"}); writeErr != nil {
			slog.Debug("Failed to send load error", "error", writeErr)
		}
		return
	}

	events, unsubscribe := h.stream.Subscribe(userID)
	defer unsubscribe()

	// Current state on connect so a reloading tab catches up immediately.
	st := conv.State()
	if err := h.writeJSON(ws, wsOutbound{Type: "state", State: &st}); err != nil {
		slog.Debug("Failed to send initial state", "error", err, "user_id", userID)
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)

	// Input loop: WebSocket -> conversation.
	go func() {
		defer wg.Done()
		defer cancel()
		h.inputLoop(ctx, ws, conv, userID)
	}()

	// Event loop: orchestrator -> WebSocket.
	go func() {
		defer wg.Done()
		defer cancel()
		h.eventLoop(ctx, ws, events, userID)
	}()

	wg.Wait()
	slog.Info("WebSocket chat session ended", "user_id", userID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) inputLoop(ctx context.Context, ws *websocket.Conn, conv *orchestrator.Conversation, userID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var msg wsInbound
		if err := json.Unmarshal(message, &msg); err != nil {
			// Fallback: treat raw text as a chat message.
			msg = wsInbound{Type: "message", Content: string(message)}
		}

		var st orchestrator.State
		var handleErr error
		switch msg.Type {
		case "message":
			st, handleErr = conv.HandleMessage(ctx, msg.Content)
		case "decision":
			st, handleErr = conv.Decide(ctx, msg.Approved, msg.Note)
		case "reset":
			st, handleErr = conv.Reset(ctx)
		case "ping":
			if err := h.writeJSON(ws, wsOutbound{Type: "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
			continue
		default:
			handleErr = errUnknownMessageType
		}

		if handleErr != nil {
			if err := h.writeJSON(ws, wsOutbound{Type: "error", Error: handleErr.Error()}); err != nil {
				slog.Debug("Failed to send error response", "error", err, "user_id", userID)
				return
			}
			continue
		}
		if err := h.writeJSON(ws, wsOutbound{Type: "state", State: &st}); err != nil {
			slog.Debug("Failed to send state response", "error", err, "user_id", userID)
			return
		}
	}
}

func (h *WebSocketHandler) eventLoop(ctx context.Context, ws *websocket.Conn, events <-chan orchestrator.Event, userID string) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := h.writeJSON(ws, wsOutbound{Type: "event", Event: &ev}); err != nil {
				slog.Debug("Failed to forward event", "error", err, "user_id", userID)
				return
			}
		}
	}
}

func (h *WebSocketHandler) writeJSON(ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(context.Background(), websocket.MessageText, data)
}
