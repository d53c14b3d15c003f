package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageRole identifies the author of a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

// Session is one ongoing conversation between a user and the assistant.
// At most one session per (user_id, chat_id) pair is active at a time.
type Session struct {
	ID                   uuid.UUID  `db:"id" json:"id"`
	UserID               string     `db:"user_id" json:"user_id"`
	ChatID               string     `db:"chat_id" json:"chat_id"`
	IsActive             bool       `db:"is_active" json:"is_active"`
	CreatedAt            time.Time  `db:"created_at" json:"created_at"`
	ClosedAt             *time.Time `db:"closed_at" json:"closed_at,omitempty"`
	MessagesSinceSummary int        `db:"messages_since_summary" json:"messages_since_summary"`
	LastSeq              int64      `db:"last_seq" json:"last_seq"`
	Summarizing          bool       `db:"summarizing" json:"summarizing"`
}

// Message is one entry in the full conversation log. Immutable once written.
// Seq is the strictly increasing insertion order within the session.
type Message struct {
	ID        uuid.UUID   `db:"id" json:"id"`
	SessionID uuid.UUID   `db:"session_id" json:"session_id"`
	Seq       int64       `db:"seq" json:"seq"`
	Role      MessageRole `db:"role" json:"role"`
	Content   string      `db:"content" json:"content"`
	Tokens    int         `db:"tokens" json:"tokens"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
}

// Summary is one version of a session's progressive summary.
// LastMessageSeq is the watermark: the next compaction only reads messages
// with seq greater than it. Versions are strictly increasing from 1.
type Summary struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	SessionID      uuid.UUID  `db:"session_id" json:"session_id"`
	Version        int        `db:"version" json:"version"`
	Content        string     `db:"content" json:"content"`
	LastMessageID  *uuid.UUID `db:"last_message_id" json:"last_message_id,omitempty"`
	LastMessageSeq int64      `db:"last_message_seq" json:"last_message_seq"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// EmbeddingRecord is the provider-independent metadata shadow of a vector
// stored in the retrieval index. The vector itself lives only in the index,
// keyed by this record's id, which makes index rebuilds possible.
type EmbeddingRecord struct {
	ID         uuid.UUID   `db:"id" json:"id"`
	SessionID  *uuid.UUID  `db:"session_id" json:"session_id,omitempty"`
	MessageID  *uuid.UUID  `db:"message_id" json:"message_id,omitempty"`
	Role       MessageRole `db:"role" json:"role"`
	Content    string      `db:"content" json:"content"`
	Importance int         `db:"importance" json:"importance"`
	CreatedAt  time.Time   `db:"created_at" json:"created_at"`
}
