package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/membot/membot-backend/internal/models"
	"github.com/membot/membot-backend/internal/repository"
)

// EmbeddingRepository implements repository.EmbeddingRepository using PostgreSQL
type EmbeddingRepository struct {
	db *sqlx.DB
}

// NewEmbeddingRepository creates a new PostgreSQL embedding repository
func NewEmbeddingRepository(db *sqlx.DB) repository.EmbeddingRepository {
	return &EmbeddingRepository{db: db}
}

// Create persists the metadata shadow of an indexed vector
func (r *EmbeddingRepository) Create(ctx context.Context, rec *models.EmbeddingRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	query := `
		INSERT INTO embeddings (id, session_id, message_id, role, content, importance)
		VALUES (:id, :session_id, :message_id, :role, :content, :importance)
	`

	if _, err := r.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("failed to create embedding record: %w", err)
	}

	return nil
}

// ListBySession retrieves all embedding records for a session, oldest first.
// Used to rebuild the vector index from the metadata shadow.
func (r *EmbeddingRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.EmbeddingRecord, error) {
	var records []models.EmbeddingRecord
	query := `
		SELECT id, session_id, message_id, role, content, importance, created_at
		FROM embeddings
		WHERE session_id = $1
		ORDER BY created_at ASC
	`

	err := r.db.SelectContext(ctx, &records, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list embedding records: %w", err)
	}

	return records, nil
}
