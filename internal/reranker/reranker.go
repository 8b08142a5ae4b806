// Package reranker re-orders a shortlist by blending each candidate's incoming
// score with a query-relevance signal.
//
// Two implementations are provided. KeywordCosineReranker is the default and
// needs nothing but the candidate text. LLMReranker asks an LLM to grade each
// candidate and is slower; it falls back to another Reranker when the model
// output cannot be used.
//
// Both compute final = alpha*prior + (1-alpha)*relevance with relevance in
// [0,1], so the final score stays a convex combination of its inputs.
package reranker

import (
	"context"
	"errors"
	"sort"

	"github.com/knoguchi/shortlist/internal/retrieval"
)

// ErrInvalidConfig is returned for out-of-range reranker settings.
var ErrInvalidConfig = errors.New("invalid reranker config")

// Reranker defines the interface for re-ranking candidates.
type Reranker interface {
	// Rerank returns new candidates ordered by blended score. topK <= 0
	// disables the cut; otherwise at most topK candidates are returned.
	Rerank(ctx context.Context, query string, cands []retrieval.Candidate, topK int) ([]retrieval.Candidate, error)
}

// Blend returns alpha*prior + (1-alpha)*relevance.
func Blend(alpha, prior, relevance float64) float64 {
	return alpha*prior + (1-alpha)*relevance
}

func sortAndCut(cands []retrieval.Candidate, topK int) []retrieval.Candidate {
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].Score > cands[j].Score
	})
	return cut(cands, topK)
}

func cut(cands []retrieval.Candidate, topK int) []retrieval.Candidate {
	if topK > 0 && len(cands) > topK {
		return cands[:topK]
	}
	return cands
}
