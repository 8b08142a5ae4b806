package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/shortlist/internal/retrieval"
	"github.com/knoguchi/shortlist/internal/vectorstore"
)

type stubEmbedder struct {
	batches int
	err     error
}

func (e *stubEmbedder) Embed(context.Context, string) ([]float32, error) { return []float32{1, 0}, nil }

func (e *stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	e.batches++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i), 1}
	}
	return out, nil
}

func (e *stubEmbedder) Dimension() int { return 2 }
func (e *stubEmbedder) ModelName() string { return "stub" }

type memVectorStore struct {
	dimension int
	points    map[string]vectorstore.Point
}

func (s *memVectorStore) EnsureCollection(_ context.Context, dimension int) error {
	s.dimension = dimension
	return nil
}

func (s *memVectorStore) Upsert(_ context.Context, points []vectorstore.Point) error {
	for _, p := range points {
		s.points[p.ID] = p
	}
	return nil
}

func (s *memVectorStore) Delete(_ context.Context, ids []string) error {
	for _, id := range ids {
		delete(s.points, id)
	}
	return nil
}

func (s *memVectorStore) Search(context.Context, []float32, int, float32) ([]retrieval.Candidate, error) {
	return nil, nil
}

func TestIndexDocuments(t *testing.T) {
	docs := make([]retrieval.Document, 0, indexBatchSize+5)
	for i := 0; i < indexBatchSize+4; i++ {
		docs = append(docs, retrieval.Document{ID: fmt.Sprintf("n%02d.md", i), Text: "body"})
	}
	docs = append(docs, retrieval.Document{ID: "empty.md"})

	emb := &stubEmbedder{}
	store := &memVectorStore{points: map[string]vectorstore.Point{}}

	n, err := indexDocuments(context.Background(), docs, emb, store)
	require.NoError(t, err)
	assert.Equal(t, indexBatchSize+4, n)
	assert.Equal(t, 2, emb.batches)
	assert.Equal(t, 2, store.dimension)
	assert.Len(t, store.points, indexBatchSize+4)
	assert.NotContains(t, store.points, "empty.md")
	assert.Equal(t, []float32{3, 1}, store.points["n03.md"].Vector)
}

func TestIndexDocuments_EmbedError(t *testing.T) {
	emb := &stubEmbedder{err: errors.New("ollama down")}
	store := &memVectorStore{points: map[string]vectorstore.Point{}}

	n, err := indexDocuments(context.Background(), []retrieval.Document{{ID: "a", Text: "x"}}, emb, store)
	assert.ErrorContains(t, err, "ollama down")
	assert.Zero(t, n)
	assert.Empty(t, store.points)
}
