package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/membot/membot-backend/internal/models"
	"github.com/membot/membot-backend/internal/repository"
)

// MessageRepository implements repository.MessageRepository using PostgreSQL
type MessageRepository struct {
	db *sqlx.DB
}

// NewMessageRepository creates a new PostgreSQL message repository
func NewMessageRepository(db *sqlx.DB) repository.MessageRepository {
	return &MessageRepository{db: db}
}

// Append assigns the next seq from the session row and inserts the message
// in one transaction. The UPDATE takes a row lock on the session, so two
// appends for the same session cannot claim the same seq.
func (r *MessageRepository) Append(ctx context.Context, sessionID uuid.UUID, role models.MessageRole, content string, tokens int) (*models.Message, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.GetContext(ctx, &seq, `
		UPDATE chat_sessions
		SET last_seq = last_seq + 1
		WHERE id = $1
		RETURNING last_seq
	`, sessionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to assign message seq: %w", err)
	}

	var message models.Message
	err = tx.GetContext(ctx, &message, `
		INSERT INTO messages (id, session_id, seq, role, content, tokens)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, session_id, seq, role, content, tokens, created_at
	`, uuid.New(), sessionID, seq, role, content, tokens)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit append: %w", err)
	}

	return &message, nil
}

// ListRecent retrieves the last limit messages in chronological order
func (r *MessageRepository) ListRecent(ctx context.Context, sessionID uuid.UUID, limit int) ([]models.Message, error) {
	var messages []models.Message
	query := `
		SELECT id, session_id, seq, role, content, tokens, created_at
		FROM (
			SELECT id, session_id, seq, role, content, tokens, created_at
			FROM messages
			WHERE session_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) recent
		ORDER BY seq ASC
	`

	err := r.db.SelectContext(ctx, &messages, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent messages: %w", err)
	}

	return messages, nil
}

// ListAfter retrieves up to limit messages past the watermark, in order
func (r *MessageRepository) ListAfter(ctx context.Context, sessionID uuid.UUID, afterSeq int64, limit int) ([]models.Message, error) {
	var messages []models.Message
	query := `
		SELECT id, session_id, seq, role, content, tokens, created_at
		FROM messages
		WHERE session_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`

	err := r.db.SelectContext(ctx, &messages, query, sessionID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages after watermark: %w", err)
	}

	return messages, nil
}
