// Package domain contains core domain types for the deployment conversation.
package domain

import (
	"time"
)

// MessageRole identifies who produced a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// MessageKind categorizes a conversation message.
type MessageKind string

const (
	// KindText is a plain conversational message.
	KindText MessageKind = "text"
	// KindQuestion is an assistant message asking for a variable value.
	KindQuestion MessageKind = "question"
	// KindResult is a terminal outcome of a request (success or failure).
	KindResult MessageKind = "result"
	// KindPromptReview is an improved-prompt suggestion awaiting confirmation.
	KindPromptReview MessageKind = "prompt_review"
)

// Message is a single entry in the conversation transcript.
// The transcript is append-only; ordering is the sole source of
// conversation truth.
type Message struct {
	Role      MessageRole `json:"role"`
	Kind      MessageKind `json:"kind"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}

// NewMessage builds a message stamped with the given time.
func NewMessage(role MessageRole, kind MessageKind, content string, at time.Time) Message {
	return Message{Role: role, Kind: kind, Content: content, CreatedAt: at}
}
