package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/membot/membot-backend/internal/models"
)

// SessionRepository defines durable session storage operations.
type SessionRepository interface {
	// Create inserts a new active session. Returns ErrConflict when an
	// active session for the pair already exists.
	Create(ctx context.Context, userID, chatID string) (*models.Session, error)
	// FindActive returns the active session for the pair, or ErrNotFound.
	FindActive(ctx context.Context, userID, chatID string) (*models.Session, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Session, error)
	// CloseByChat marks all active sessions for the chat as closed and
	// returns how many were closed. Zero is not an error.
	CloseByChat(ctx context.Context, chatID string) (int64, error)
	CloseByID(ctx context.Context, id uuid.UUID) (int64, error)
	// IncrementCounter adds n to messages_since_summary and returns the
	// new value.
	IncrementCounter(ctx context.Context, id uuid.UUID, n int) (int, error)
	// TrySetSummarizing is an atomic check-and-set of the in-flight
	// compaction flag. It returns true iff this caller won the flag.
	TrySetSummarizing(ctx context.Context, id uuid.UUID) (bool, error)
	ClearSummarizing(ctx context.Context, id uuid.UUID) error
}

// MessageRepository defines the append-only conversation log.
type MessageRepository interface {
	// Append assigns the next per-session seq and stores the message.
	Append(ctx context.Context, sessionID uuid.UUID, role models.MessageRole, content string, tokens int) (*models.Message, error)
	// ListRecent returns the last limit messages in chronological order.
	ListRecent(ctx context.Context, sessionID uuid.UUID, limit int) ([]models.Message, error)
	// ListAfter returns up to limit messages with seq > afterSeq, in order.
	ListAfter(ctx context.Context, sessionID uuid.UUID, afterSeq int64, limit int) ([]models.Message, error)
}

// SummaryWrite carries everything one compaction commit needs.
type SummaryWrite struct {
	SessionID      uuid.UUID
	Version        int
	Content        string
	LastMessageID  uuid.UUID
	LastMessageSeq int64
	// MessagesConsumed is subtracted from the session counter in the
	// same transaction as the summary insert.
	MessagesConsumed int
}

// SummaryRepository defines progressive summary storage.
type SummaryRepository interface {
	// GetCurrent returns the highest-version summary, or ErrNotFound.
	GetCurrent(ctx context.Context, sessionID uuid.UUID) (*models.Summary, error)
	// Write inserts the summary row and decrements the session counter
	// atomically. A duplicate (session, version) returns ErrConflict,
	// which signals a stale compaction job.
	Write(ctx context.Context, w SummaryWrite) (*models.Summary, error)
}

// EmbeddingRepository stores the metadata shadow of indexed vectors.
type EmbeddingRepository interface {
	Create(ctx context.Context, rec *models.EmbeddingRecord) error
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.EmbeddingRecord, error)
}
