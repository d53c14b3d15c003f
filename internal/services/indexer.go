package services

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/membot/membot-backend/internal/config"
	"github.com/membot/membot-backend/internal/models"
	"github.com/membot/membot-backend/internal/providers"
	"github.com/membot/membot-backend/internal/repository"
	"github.com/membot/membot-backend/internal/retrieval"
)

// ImportancePolicy scores a message for the retrieval tier. The exact
// formula is a tunable, not a correctness contract.
type ImportancePolicy func(role models.MessageRole, content string) int

// DefaultImportancePolicy favors longer content and assistant-authored
// messages, which tend to carry the facts worth recalling.
func DefaultImportancePolicy(role models.MessageRole, content string) int {
	score := 0
	if len(content) > 200 {
		score += 2
	} else if len(content) > 50 {
		score++
	}
	if role == models.RoleAssistant {
		score++
	}
	return score
}

const indexTimeout = 30 * time.Second

// SemanticIndexer maintains the optional retrieval tier: it embeds messages
// into the vector index with a metadata shadow row, and answers similarity
// searches. Everything here is best-effort; a broken index degrades the
// conversation to two memory tiers, it never breaks it.
type SemanticIndexer struct {
	enabled    bool
	topK       int
	records    repository.EmbeddingRepository
	provider   providers.CompletionProvider
	index      retrieval.Provider
	policy     ImportancePolicy
	embedCache *ristretto.Cache
	logger     *logrus.Logger
}

// NewSemanticIndexer creates a new indexer. With cfg.Enabled false (or a nil
// index) Search always returns an empty result and Index is a no-op.
func NewSemanticIndexer(
	cfg config.RetrievalConfig,
	records repository.EmbeddingRepository,
	provider providers.CompletionProvider,
	index retrieval.Provider,
	logger *logrus.Logger,
) *SemanticIndexer {
	// Query texts repeat across a conversation; caching their vectors
	// saves an embedding round-trip. Failures fall back to embedding.
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		logger.WithError(err).Warn("embedding cache disabled")
		cache = nil
	}

	return &SemanticIndexer{
		enabled:    cfg.Enabled && index != nil,
		topK:       cfg.TopK,
		records:    records,
		provider:   provider,
		index:      index,
		policy:     DefaultImportancePolicy,
		embedCache: cache,
		logger:     logger,
	}
}

// SetImportancePolicy replaces the scoring policy.
func (s *SemanticIndexer) SetImportancePolicy(policy ImportancePolicy) {
	if policy != nil {
		s.policy = policy
	}
}

// Enabled reports whether the retrieval tier is active.
func (s *SemanticIndexer) Enabled() bool {
	return s.enabled
}

// Index embeds one message into the retrieval tier: importance score,
// embedding vector, index upsert keyed by a fresh record id, metadata row.
func (s *SemanticIndexer) Index(ctx context.Context, msg *models.Message) (*models.EmbeddingRecord, error) {
	if !s.enabled {
		return nil, nil
	}

	vector, err := s.embed(ctx, msg.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to embed message %s: %w", msg.ID, err)
	}

	rec := &models.EmbeddingRecord{
		ID:         uuid.New(),
		SessionID:  &msg.SessionID,
		MessageID:  &msg.ID,
		Role:       msg.Role,
		Content:    msg.Content,
		Importance: s.policy(msg.Role, msg.Content),
	}

	err = s.index.Upsert(ctx, rec.ID.String(), vector, retrieval.Metadata{
		SessionID:  msg.SessionID.String(),
		MessageID:  msg.ID.String(),
		Role:       string(msg.Role),
		Content:    msg.Content,
		Importance: rec.Importance,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert vector: %w", err)
	}

	if err := s.records.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to persist embedding record: %w", err)
	}

	return rec, nil
}

// IndexTurn indexes the user message and the assistant reply of one turn.
// It runs detached from the request with its own deadline and only logs
// failures: indexing must never fail the enclosing conversation turn.
func (s *SemanticIndexer) IndexTurn(userMsg, assistantMsg *models.Message) {
	if !s.enabled {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), indexTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, msg := range []*models.Message{userMsg, assistantMsg} {
		msg := msg
		if msg == nil {
			continue
		}
		g.Go(func() error {
			_, err := s.Index(gctx, msg)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		s.logger.WithError(err).Warn("turn indexing incomplete")
	}
}

// Search embeds the query and returns the top-k facts for the session, in
// descending score order. A disabled tier or an unreachable provider yields
// an empty result, never an error: retrieval is advisory enrichment.
func (s *SemanticIndexer) Search(ctx context.Context, sessionID uuid.UUID, query string, k int) []retrieval.Fact {
	if !s.enabled || query == "" {
		return nil
	}
	if k <= 0 {
		k = s.topK
	}

	vector, err := s.embed(ctx, query)
	if err != nil {
		s.logger.WithError(err).Warn("semantic search skipped: embedding failed")
		return nil
	}

	facts, err := s.index.Query(ctx, sessionID.String(), vector, k)
	if err != nil {
		s.logger.WithError(err).Warn("semantic search skipped: index query failed")
		return nil
	}

	return facts
}

func (s *SemanticIndexer) embed(ctx context.Context, text string) ([]float32, error) {
	if s.embedCache != nil {
		if v, ok := s.embedCache.Get(text); ok {
			if vec, ok := v.([]float32); ok {
				return vec, nil
			}
		}
	}

	vectors, err := s.provider.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: empty embedding response", providers.ErrProviderFailure)
	}

	if s.embedCache != nil {
		s.embedCache.Set(text, vectors[0], 1)
	}

	return vectors[0], nil
}
