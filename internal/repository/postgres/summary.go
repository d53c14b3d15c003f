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

// SummaryRepository implements repository.SummaryRepository using PostgreSQL
type SummaryRepository struct {
	db *sqlx.DB
}

// NewSummaryRepository creates a new PostgreSQL summary repository
func NewSummaryRepository(db *sqlx.DB) repository.SummaryRepository {
	return &SummaryRepository{db: db}
}

// GetCurrent retrieves the highest-version summary for a session
func (r *SummaryRepository) GetCurrent(ctx context.Context, sessionID uuid.UUID) (*models.Summary, error) {
	var summary models.Summary
	query := `
		SELECT id, session_id, version, content, last_message_id,
		       last_message_seq, created_at
		FROM conversation_summaries
		WHERE session_id = $1
		ORDER BY version DESC
		LIMIT 1
	`

	err := r.db.GetContext(ctx, &summary, query, sessionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get current summary: %w", err)
	}

	return &summary, nil
}

// Write inserts the summary row and decrements messages_since_summary in the
// same transaction. The unique (session_id, version) constraint turns a
// stale job's commit into repository.ErrConflict; the counter stays
// untouched in that case because the whole transaction rolls back.
func (r *SummaryRepository) Write(ctx context.Context, w repository.SummaryWrite) (*models.Summary, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin summary transaction: %w", err)
	}
	defer tx.Rollback()

	var summary models.Summary
	err = tx.GetContext(ctx, &summary, `
		INSERT INTO conversation_summaries
			(id, session_id, version, content, last_message_id, last_message_seq)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, session_id, version, content, last_message_id,
		          last_message_seq, created_at
	`, uuid.New(), w.SessionID, w.Version, w.Content, w.LastMessageID, w.LastMessageSeq)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, repository.ErrConflict
		}
		return nil, fmt.Errorf("failed to insert summary: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE chat_sessions
		SET messages_since_summary = GREATEST(messages_since_summary - $2, 0)
		WHERE id = $1
	`, w.SessionID, w.MessagesConsumed)
	if err != nil {
		return nil, fmt.Errorf("failed to decrement counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit summary: %w", err)
	}

	return &summary, nil
}
