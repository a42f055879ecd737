package api

import (
	"container/list"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rvasily/cloudchat/internal/config"
	"github.com/rvasily/cloudchat/internal/identity"
	"github.com/rvasily/cloudchat/internal/orchestrator"
)

// SSEConnection represents a single SSE client connection.
type SSEConnection struct {
	ID          int64
	UserID      string
	EventID     int64
	ConnectedAt time.Time
	LastEventID int64
	Writer      http.ResponseWriter
	Flusher     http.Flusher
	Done        chan struct{}
	mu          sync.Mutex
}

// QueuedEvent represents an event retained for replay.
type QueuedEvent struct {
	EventID   int64
	Event     orchestrator.Event
	Timestamp time.Time
}

// eventQueue buffers events for disconnected clients, sharded per user.
// Each user gets their own bounded list so one user's burst cannot evict
// events belonging to another user.
type eventQueue struct {
	mu      sync.RWMutex
	queues  map[string]*list.List
	maxSize int
}

func newEventQueue(maxSize int) *eventQueue {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &eventQueue{
		queues:  make(map[string]*list.List),
		maxSize: maxSize,
	}
}

func (q *eventQueue) enqueue(userID string, eventID int64, ev orchestrator.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.queues[userID]; !ok {
		q.queues[userID] = list.New()
	}
	l := q.queues[userID]
	l.PushBack(&QueuedEvent{
		EventID:   eventID,
		Event:     ev,
		Timestamp: time.Now(),
	})
	// Evict oldest events only within this user's queue.
	for l.Len() > q.maxSize {
		l.Remove(l.Front())
	}
}

func (q *eventQueue) missedAfter(userID string, afterEventID int64) []*QueuedEvent {
	q.mu.RLock()
	defer q.mu.RUnlock()

	l, ok := q.queues[userID]
	if !ok {
		return nil
	}
	var missed []*QueuedEvent
	for e := l.Front(); e != nil; e = e.Next() {
		qe := e.Value.(*QueuedEvent)
		if qe.EventID > afterEventID {
			missed = append(missed, qe)
		}
	}
	return missed
}

func (q *eventQueue) prune(userID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, userID)
}

// Stream fans orchestrator events out to connected clients over SSE and
// WebSocket. It implements orchestrator.Notifier.
type Stream struct {
	cfg   *config.Config
	queue *eventQueue

	connectionsMu sync.RWMutex
	connections   map[string]map[int64]*SSEConnection // userID -> connID -> conn
	subscribers   map[string]map[int64]chan orchestrator.Event

	counterMu    sync.Mutex
	eventCounter int64
	connectionID int64
}

// NewStream creates the event hub.
func NewStream(cfg *config.Config) *Stream {
	return &Stream{
		cfg:         cfg,
		queue:       newEventQueue(cfg.SSE.QueueSize),
		connections: make(map[string]map[int64]*SSEConnection),
		subscribers: make(map[string]map[int64]chan orchestrator.Event),
	}
}

// Publish delivers an event to all of a user's connected clients. It never
// blocks; slow subscribers drop events and recover via state refetch.
func (s *Stream) Publish(userID string, ev orchestrator.Event) {
	s.counterMu.Lock()
	s.eventCounter++
	eventID := s.eventCounter
	s.counterMu.Unlock()

	s.queue.enqueue(userID, eventID, ev)

	s.connectionsMu.RLock()
	conns := make([]*SSEConnection, 0, len(s.connections[userID]))
	for _, c := range s.connections[userID] {
		conns = append(conns, c)
	}
	subs := make([]chan orchestrator.Event, 0, len(s.subscribers[userID]))
	for _, ch := range s.subscribers[userID] {
		subs = append(subs, ch)
	}
	s.connectionsMu.RUnlock()

	for _, conn := range conns {
		s.sendToConnection(conn, eventID, ev)
	}
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("dropping event for slow subscriber", "user_id", userID, "type", ev.Type)
		}
	}
}

// Subscribe registers a channel subscriber (used by the WebSocket transport).
// The returned cancel func must be called when the consumer goes away.
func (s *Stream) Subscribe(userID string) (<-chan orchestrator.Event, func()) {
	s.counterMu.Lock()
	s.connectionID++
	id := s.connectionID
	s.counterMu.Unlock()

	ch := make(chan orchestrator.Event, s.cfg.SSE.QueueSize)

	s.connectionsMu.Lock()
	if _, ok := s.subscribers[userID]; !ok {
		s.subscribers[userID] = make(map[int64]chan orchestrator.Event)
	}
	s.subscribers[userID][id] = ch
	s.connectionsMu.Unlock()

	cancel := func() {
		s.connectionsMu.Lock()
		if subs, ok := s.subscribers[userID]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(s.subscribers, userID)
			}
		}
		s.connectionsMu.Unlock()
	}
	return ch, cancel
}

func (s *Stream) sendToConnection(conn *SSEConnection, eventID int64, ev orchestrator.Event) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	select {
	case <-conn.Done:
		return
	default:
	}

	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("failed to marshal event", "error", err, "conn_id", conn.ID)
		return
	}

	// Write with event ID for replay capability.
	if err := writeSSEWithID(conn.Writer, eventID, string(ev.Type), string(data)); err != nil {
		slog.Error("failed to write to SSE connection",
			"error", err,
			"conn_id", conn.ID,
			"user_id", conn.UserID,
		)
		return
	}

	conn.Flusher.Flush()
	conn.EventID = eventID
}

// HandleStream handles the SSE stream for proactive conversation events:
// transcript messages produced by background work, readiness status updates,
// and state-change signals. Supports Last-Event-ID replay on reconnect.
//
//nolint:gocognit // SSE lifecycle handling intentionally keeps branches together.
func (s *Stream) HandleStream(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	// Parse Last-Event-ID header or query param for replay.
	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	// Configure client retry behavior.
	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", s.cfg.SSE.RetryDelay.Milliseconds())); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err, "user_id", userID)
		return
	}
	flusher.Flush()

	s.counterMu.Lock()
	s.connectionID++
	connID := s.connectionID
	s.counterMu.Unlock()

	conn := &SSEConnection{
		ID:          connID,
		UserID:      userID,
		ConnectedAt: time.Now(),
		LastEventID: lastEventID,
		Writer:      w,
		Flusher:     flusher,
		Done:        make(chan struct{}),
	}

	s.connectionsMu.Lock()
	if _, exists := s.connections[userID]; !exists {
		s.connections[userID] = make(map[int64]*SSEConnection)
	}
	s.connections[userID][connID] = conn
	s.connectionsMu.Unlock()

	defer func() {
		close(conn.Done)
		s.connectionsMu.Lock()
		if userConns, exists := s.connections[userID]; exists {
			delete(userConns, connID)
			if len(userConns) == 0 {
				delete(s.connections, userID)
				// Prune the replay queue when the last connection for this
				// user closes, freeing memory promptly.
				s.queue.prune(userID)
			}
		}
		s.connectionsMu.Unlock()
		slog.Info("SSE connection closed", "user_id", userID, "conn_id", connID)
	}()

	// Send missed events if reconnecting.
	if lastEventID > 0 {
		missed := s.queue.missedAfter(userID, lastEventID)
		if len(missed) > 0 {
			slog.Info("replaying missed events", "user_id", userID, "count", len(missed))
			for _, qe := range missed {
				s.sendToConnection(conn, qe.EventID, qe.Event)
			}
		}
	}

	// Send initial connection event.
	s.counterMu.Lock()
	s.eventCounter++
	eventID := s.eventCounter
	s.counterMu.Unlock()

	conn.EventID = eventID
	connectedData := fmt.Sprintf(`{"status":"connected","user_id":"%s","event_id":%d}`, userID, eventID)
	if err := writeSSEWithID(w, eventID, "connected", connectedData); err != nil {
		slog.Warn("failed to write SSE connected event", "error", err, "user_id", userID)
		return
	}
	flusher.Flush()

	slog.Info("SSE connection established",
		"user_id", userID,
		"conn_id", connID,
		"event_id", eventID,
		"reconnect", lastEventID > 0,
	)

	keepalive := time.NewTicker(s.cfg.SSE.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Info("SSE stream disconnected", "user_id", userID, "conn_id", connID)
			return
		case <-keepalive.C:
			conn.mu.Lock()
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				conn.mu.Unlock()
				slog.Warn("failed to write SSE keepalive ping", "error", err, "user_id", userID)
				return
			}
			flusher.Flush()
			conn.mu.Unlock()
		}
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
