package chromem

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	chromem "github.com/philippgille/chromem-go"

	"github.com/membot/membot-backend/internal/retrieval"
)

// Store implements retrieval.Provider on chromem-go, a pure Go embedded
// vector database with cosine similarity. All vectors live in a single
// collection; queries filter on the session_id metadata field.
type Store struct {
	db  *chromem.DB
	col *chromem.Collection
}

// New creates a Store. A non-empty path persists the index to disk so
// restarts do not require a rebuild from the embeddings table.
func New(collection, path string) (*Store, error) {
	var (
		db  *chromem.DB
		err error
	)
	if path != "" {
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open persistent index: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	// Embeddings are always provided explicitly, so no embedding func.
	col, err := db.GetOrCreateCollection(collection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}

	return &Store{db: db, col: col}, nil
}

// Upsert writes a vector keyed by the embedding record id
func (s *Store) Upsert(ctx context.Context, id string, vector []float32, meta retrieval.Metadata) error {
	doc := chromem.Document{
		ID:        id,
		Content:   meta.Content,
		Embedding: vector,
		Metadata: map[string]string{
			"session_id": meta.SessionID,
			"message_id": meta.MessageID,
			"role":       meta.Role,
			"importance": strconv.Itoa(meta.Importance),
		},
	}

	if err := s.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}

	return nil
}

// Query returns the top-k nearest vectors within the session scope,
// descending by similarity.
func (s *Store) Query(ctx context.Context, scope string, vector []float32, k int) ([]retrieval.Fact, error) {
	// chromem rejects nResults larger than the collection, so clamp.
	count := s.col.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	var where map[string]string
	if scope != "" {
		where = map[string]string{"session_id": scope}
	}

	// The metadata filter can shrink the candidate set below k, which
	// chromem reports as an error, so back off until the query fits.
	var results []chromem.Result
	var err error
	for ; k >= 1; k-- {
		results, err = s.col.QueryEmbedding(ctx, vector, k, where, nil)
		if err == nil {
			break
		}
		if !strings.Contains(err.Error(), "nResults must be") &&
			!strings.Contains(err.Error(), "number of documents") {
			return nil, fmt.Errorf("failed to query index: %w", err)
		}
	}
	if err != nil {
		// No documents matched the scope at all.
		return nil, nil
	}

	facts := make([]retrieval.Fact, 0, len(results))
	for _, res := range results {
		importance, _ := strconv.Atoi(res.Metadata["importance"])
		facts = append(facts, retrieval.Fact{
			ID:         res.ID,
			Content:    res.Content,
			Role:       res.Metadata["role"],
			Importance: importance,
			Score:      res.Similarity,
		})
	}

	return facts, nil
}
