package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/membot/membot-backend/internal/models"
	"github.com/membot/membot-backend/internal/repository"
)

// SessionRepository implements repository.SessionRepository using PostgreSQL
type SessionRepository struct {
	db *sqlx.DB
}

// NewSessionRepository creates a new PostgreSQL session repository
func NewSessionRepository(db *sqlx.DB) repository.SessionRepository {
	return &SessionRepository{db: db}
}

// Create inserts a new active session. The partial unique index on
// (user_id, chat_id) WHERE is_active turns a lost creation race into
// repository.ErrConflict.
func (r *SessionRepository) Create(ctx context.Context, userID, chatID string) (*models.Session, error) {
	var session models.Session
	query := `
		INSERT INTO chat_sessions (id, user_id, chat_id)
		VALUES ($1, $2, $3)
		RETURNING id, user_id, chat_id, is_active, created_at, closed_at,
		          messages_since_summary, last_seq, summarizing
	`

	err := r.db.GetContext(ctx, &session, query, uuid.New(), userID, chatID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, repository.ErrConflict
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &session, nil
}

// FindActive retrieves the active session for a (user, chat) pair
func (r *SessionRepository) FindActive(ctx context.Context, userID, chatID string) (*models.Session, error) {
	var session models.Session
	query := `
		SELECT id, user_id, chat_id, is_active, created_at, closed_at,
		       messages_since_summary, last_seq, summarizing
		FROM chat_sessions
		WHERE user_id = $1 AND chat_id = $2 AND is_active
		LIMIT 1
	`

	err := r.db.GetContext(ctx, &session, query, userID, chatID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find active session: %w", err)
	}

	return &session, nil
}

// Get retrieves a session by ID
func (r *SessionRepository) Get(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	var session models.Session
	query := `
		SELECT id, user_id, chat_id, is_active, created_at, closed_at,
		       messages_since_summary, last_seq, summarizing
		FROM chat_sessions
		WHERE id = $1
	`

	err := r.db.GetContext(ctx, &session, query, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return &session, nil
}

// CloseByChat closes all active sessions for a chat
func (r *SessionRepository) CloseByChat(ctx context.Context, chatID string) (int64, error) {
	query := `
		UPDATE chat_sessions
		SET is_active = FALSE, closed_at = NOW()
		WHERE chat_id = $1 AND is_active
	`

	result, err := r.db.ExecContext(ctx, query, chatID)
	if err != nil {
		return 0, fmt.Errorf("failed to close sessions by chat: %w", err)
	}

	return result.RowsAffected()
}

// CloseByID closes a session by its identifier
func (r *SessionRepository) CloseByID(ctx context.Context, id uuid.UUID) (int64, error) {
	query := `
		UPDATE chat_sessions
		SET is_active = FALSE, closed_at = NOW()
		WHERE id = $1 AND is_active
	`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return 0, fmt.Errorf("failed to close session: %w", err)
	}

	return result.RowsAffected()
}

// IncrementCounter adds n to messages_since_summary and returns the new value
func (r *SessionRepository) IncrementCounter(ctx context.Context, id uuid.UUID, n int) (int, error) {
	var counter int
	query := `
		UPDATE chat_sessions
		SET messages_since_summary = messages_since_summary + $2
		WHERE id = $1
		RETURNING messages_since_summary
	`

	err := r.db.GetContext(ctx, &counter, query, id, n)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, repository.ErrNotFound
		}
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	return counter, nil
}

// TrySetSummarizing atomically claims the in-flight compaction flag.
// The conditional update is the single check-and-set the scheduler
// relies on; two concurrent callers cannot both see rows affected = 1.
func (r *SessionRepository) TrySetSummarizing(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE chat_sessions
		SET summarizing = TRUE
		WHERE id = $1 AND NOT summarizing
	`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to set summarizing flag: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows == 1, nil
}

// ClearSummarizing releases the in-flight compaction flag
func (r *SessionRepository) ClearSummarizing(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE chat_sessions SET summarizing = FALSE WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to clear summarizing flag: %w", err)
	}

	return nil
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}
