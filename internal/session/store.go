// Package session persists conversation state and rebuilds it from the
// deployment history when no snapshot survives.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rvasily/cloudchat/internal/domain"
	"github.com/rvasily/cloudchat/internal/kvstore"
)

// DraftKey is the per-user slot for a conversation whose request has not
// been assigned a backend identifier yet.
const DraftKey = "draft"

// Store snapshots sessions into the key-value layer.
type Store struct {
	kv kvstore.Store
}

// NewStore creates a session store on top of a key-value store.
func NewStore(kv kvstore.Store) *Store {
	return &Store{kv: kv}
}

func sessionKey(userID, requestID string) string {
	if requestID == "" {
		requestID = DraftKey
	}
	return "sessions/" + userID + "/" + requestID
}

// Snapshot persists the session under its request identifier, or under the
// per-user draft slot when none is assigned yet. Snapshotting never mutates
// the session, so writing the same state twice produces identical bytes.
// Once a request identifier exists the draft slot is released.
func (s *Store) Snapshot(ctx context.Context, sess *domain.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	key := sessionKey(sess.UserID, sess.RequestID)
	if err := s.kv.Set(ctx, key, data); err != nil {
		return fmt.Errorf("persist session %s: %w", key, err)
	}
	if sess.RequestID != "" {
		if err := s.kv.Delete(ctx, sessionKey(sess.UserID, "")); err != nil {
			return fmt.Errorf("release draft slot: %w", err)
		}
	}
	return nil
}

// Restore loads a snapshot. A missing snapshot returns (nil, nil).
func (s *Store) Restore(ctx context.Context, userID, requestID string) (*domain.Session, error) {
	data, err := s.kv.Get(ctx, sessionKey(userID, requestID))
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var sess domain.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

// RestoreDraft loads the user's draft conversation, if any.
func (s *Store) RestoreDraft(ctx context.Context, userID string) (*domain.Session, error) {
	return s.Restore(ctx, userID, "")
}

// Delete removes a snapshot.
func (s *Store) Delete(ctx context.Context, userID, requestID string) error {
	return s.kv.Delete(ctx, sessionKey(userID, requestID))
}

// ListRequestIDs returns the request identifiers with a stored snapshot
// for the user, excluding the draft slot.
func (s *Store) ListRequestIDs(ctx context.Context, userID string) ([]string, error) {
	prefix := "sessions/" + userID + "/"
	keys, err := s.kv.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var ids []string
	for _, k := range keys {
		id := strings.TrimPrefix(k, prefix)
		if id != DraftKey {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// PurgeStaleDrafts removes draft snapshots not touched since the cutoff.
// Snapshots keyed by request identifier are kept: they remain resumable
// for as long as the store holds them.
func (s *Store) PurgeStaleDrafts(ctx context.Context, cutoff time.Time) (int, error) {
	keys, err := s.kv.List(ctx, "sessions/")
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	purged := 0
	for _, k := range keys {
		if !strings.HasSuffix(k, "/"+DraftKey) {
			continue
		}
		data, err := s.kv.Get(ctx, k)
		if err != nil || data == nil {
			continue
		}
		var sess domain.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			// Undecodable drafts are garbage either way.
			if err := s.kv.Delete(ctx, k); err == nil {
				purged++
			}
			continue
		}
		if sess.UpdatedAt.Before(cutoff) {
			if err := s.kv.Delete(ctx, k); err != nil {
				return purged, fmt.Errorf("purge draft %s: %w", k, err)
			}
			purged++
		}
	}
	return purged, nil
}

// RebuildFromHistory synthesizes a resumable session from deployment
// history records when no snapshot survives. The transcript is rebuilt as
// one result message per record, oldest first, and the latest record's
// execution summary re-seeds the continuation and resume context.
func RebuildFromHistory(userID, requestID string, records []domain.DeploymentRecord, now time.Time) *domain.Session {
	if len(records) == 0 {
		return nil
	}

	history := make([]domain.DeploymentRecord, 0, len(records))
	for _, r := range records {
		if r.RequestID == requestID {
			history = append(history, r)
		}
	}
	if len(history) == 0 {
		return nil
	}
	domain.SortByCreatedAt(history)

	sess := domain.NewSession(userID, now)
	sess.Mode = domain.ModeExisting
	sess.RequestID = requestID
	sess.History = history

	for _, r := range history {
		sess.Append(domain.NewMessage(domain.RoleAssistant, domain.KindResult, describeRecord(r), r.CreatedAt))
	}

	latest := history[len(history)-1]
	sess.Region = latest.Region
	sess.Environment = latest.Environment
	sess.LastRequestText = latest.RequestText
	if latest.Summary != nil {
		sess.ResumeContext = latest.Summary.ResumeContext
		if latest.Unfinished() {
			sess.Continuation = latest.Summary.Continuation
		}
	}
	sess.UpdatedAt = now
	return sess
}

func describeRecord(r domain.DeploymentRecord) string {
	var b strings.Builder
	if r.Action != "" && r.ResourceType != "" {
		fmt.Fprintf(&b, "%s %s", r.Action, r.ResourceType)
		if r.ResourceName != "" {
			fmt.Fprintf(&b, " %q", r.ResourceName)
		}
	} else if r.RequestText != "" {
		b.WriteString(r.RequestText)
	} else {
		b.WriteString("request " + r.RequestID)
	}
	fmt.Fprintf(&b, ": %s", r.Status)
	if r.Summary != nil && r.Summary.Error != "" {
		fmt.Fprintf(&b, " (%s)", r.Summary.Error)
	}
	return b.String()
}

// MostRecentUnfinished picks the newest unfinished request from a history
// listing, used when the user says "continue" without naming a request.
func MostRecentUnfinished(records []domain.DeploymentRecord) (string, bool) {
	latest := domain.LatestPerRequest(records)
	sort.SliceStable(latest, func(i, j int) bool {
		return latest[i].CreatedAt.After(latest[j].CreatedAt)
	})
	for _, r := range latest {
		if r.Unfinished() {
			return r.RequestID, true
		}
	}
	return "", false
}
