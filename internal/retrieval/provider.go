package retrieval

import "context"

// Metadata is the payload stored alongside a vector in the index. It
// mirrors the embeddings table row so the index stays rebuildable.
type Metadata struct {
	SessionID  string
	MessageID  string
	Role       string
	Content    string
	Importance int
}

// Fact is one retrieved passage with its similarity score, higher is
// closer. Results come back in descending score order.
type Fact struct {
	ID         string
	Content    string
	Role       string
	Importance int
	Score      float32
}

// Provider is the narrow surface to the vector index: nearest-neighbor
// search plus upsert. Scope restricts a query to one session's vectors.
type Provider interface {
	Upsert(ctx context.Context, id string, vector []float32, meta Metadata) error
	Query(ctx context.Context, scope string, vector []float32, k int) ([]Fact, error)
}
