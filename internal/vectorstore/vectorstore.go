// Package vectorstore provides the dense retrieval arc: note vectors kept in
// a vector database and searched by embedding the query.
package vectorstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/knoguchi/shortlist/internal/embedder"
	"github.com/knoguchi/shortlist/internal/retrieval"
)

const (
	// Payload keys reserved for the note id and body.
	payloadDocID = "doc_id"
	payloadText  = "text"
)

// Point is one note and its embedding.
type Point struct {
	ID       string
	Text     string
	Vector   []float32
	Metadata map[string]any
}

// PointID maps a note id to the deterministic UUID the store keys it by.
func PointID(id string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(id)).String()
}

// Searcher runs a nearest-neighbour query and returns candidates scored by
// similarity.
type Searcher interface {
	Search(ctx context.Context, vector []float32, topK int, minScore float32) ([]retrieval.Candidate, error)
}

// VectorStore defines the storage operations the indexer and the dense arc need.
type VectorStore interface {
	Searcher

	// EnsureCollection creates the collection if it does not exist yet.
	EnsureCollection(ctx context.Context, dimension int) error

	// Upsert inserts or replaces points keyed by PointID.
	Upsert(ctx context.Context, points []Point) error

	// Delete removes points by note id.
	Delete(ctx context.Context, ids []string) error
}

// DenseBackend is a retrieval arc that embeds the query and searches a store.
type DenseBackend struct {
	embedder embedder.Embedder
	searcher Searcher
	minScore float32
}

// NewDenseBackend creates a dense arc. Hits scoring below minScore are dropped.
func NewDenseBackend(emb embedder.Embedder, s Searcher, minScore float32) *DenseBackend {
	return &DenseBackend{embedder: emb, searcher: s, minScore: minScore}
}

// Retrieve embeds query and returns up to max(1, k) nearest notes.
func (b *DenseBackend) Retrieve(ctx context.Context, query string, k int, _ retrieval.Filters) ([]retrieval.Candidate, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if k < 1 {
		k = 1
	}

	vec, err := b.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	hits, err := b.searcher.Search(ctx, vec, k, b.minScore)
	if err != nil {
		return nil, err
	}
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Ensure DenseBackend implements retrieval.Backend.
var _ retrieval.Backend = (*DenseBackend)(nil)
