package reranker

import (
	"context"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/shortlist/internal/retrieval"
)

func newKeyword(t *testing.T) *KeywordCosineReranker {
	t.Helper()
	r, err := NewKeywordCosineReranker(DefaultKeywordConfig())
	require.NoError(t, err)
	return r
}

func TestNewKeywordCosineReranker_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  KeywordConfig
	}{
		{"alpha below zero", KeywordConfig{AlphaPrior: -0.1, TitleWeight: 1, DocChars: 800}},
		{"alpha above one", KeywordConfig{AlphaPrior: 1.1, TitleWeight: 1, DocChars: 800}},
		{"zero title weight", KeywordConfig{AlphaPrior: 0.7, TitleWeight: 0, DocChars: 800}},
		{"zero doc chars", KeywordConfig{AlphaPrior: 0.7, TitleWeight: 1, DocChars: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewKeywordCosineReranker(tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestKeywordRerank_TaboshiYield(t *testing.T) {
	r := newKeyword(t)
	qv := TermVector(retrieval.Tokenize("taboshi yield"))

	body := retrieval.Candidate{ID: "a", Text: "Taboshi yield grows"}
	cos := Cosine(qv, TermVector(r.docTokens(body)))
	assert.InDelta(t, math.Sqrt(2.0/3.0), cos, 1e-12)

	titled := retrieval.Candidate{ID: "b", Text: "Taboshi yield grows", Metadata: map[string]any{"title": "Harvest"}}
	cos = Cosine(qv, TermVector(r.docTokens(titled)))
	assert.InDelta(t, 1/math.Sqrt2, cos, 1e-12)

	out, err := r.Rerank(context.Background(), "taboshi yield", []retrieval.Candidate{{ID: "a", Text: "Taboshi yield grows", Score: 1.0}}, 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.InDelta(t, 0.7+0.3*math.Sqrt(2.0/3.0), out[0].Score, 1e-12)
}

func TestKeywordRerank_TitleWeight(t *testing.T) {
	r, err := NewKeywordCosineReranker(KeywordConfig{AlphaPrior: 0.7, TitleWeight: 3, DocChars: 800})
	require.NoError(t, err)

	c := retrieval.Candidate{Text: "body", Metadata: map[string]any{"title": "Patience Lore"}}
	assert.Equal(t, []string{"body", "patience", "lore", "patience", "lore", "patience", "lore"}, r.docTokens(c))
}

func TestKeywordRerank_DocCharsPrefix(t *testing.T) {
	r, err := NewKeywordCosineReranker(KeywordConfig{AlphaPrior: 0.7, TitleWeight: 1, DocChars: 10})
	require.NoError(t, err)

	c := retrieval.Candidate{Text: "lotus lore taboshi"}
	assert.Equal(t, []string{"lotus", "lore"}, r.docTokens(c))
}

func TestCosine_Bounds(t *testing.T) {
	texts := []string{
		"", "taboshi", "taboshi taboshi taboshi", "yield of the lotus pond",
		"#satoby @toby epoch_3", "patience patience yields yield",
	}
	for _, a := range texts {
		for _, b := range texts {
			c := Cosine(TermVector(retrieval.Tokenize(a)), TermVector(retrieval.Tokenize(b)))
			assert.GreaterOrEqual(t, c, 0.0)
			assert.LessOrEqual(t, c, 1.0)
		}
	}

	v := TermVector(retrieval.Tokenize("taboshi yield"))
	assert.InDelta(t, 1.0, Cosine(v, v), 1e-12)
	assert.Equal(t, 0.0, Cosine(v, TermVector(nil)))
}

func TestKeywordRerank_ConvexCombination(t *testing.T) {
	r := newKeyword(t)
	cands := []retrieval.Candidate{
		{ID: "a", Text: "taboshi yield", Score: 0.9},
		{ID: "b", Text: "unrelated", Score: 0.2},
		{ID: "c", Text: "taboshi", Score: 0.5},
	}
	out, err := r.Rerank(context.Background(), "taboshi yield", cands, 0)
	require.NoError(t, err)

	prior := map[string]float64{"a": 0.9, "b": 0.2, "c": 0.5}
	for _, c := range out {
		lo := math.Min(prior[c.ID], 0)
		hi := math.Max(prior[c.ID], 1)
		assert.GreaterOrEqual(t, c.Score, lo)
		assert.LessOrEqual(t, c.Score, hi)
	}
	assert.InDelta(t, 0.7*0.2, out[2].Score, 1e-12)
	assert.Equal(t, "b", out[2].ID)
}

func TestKeywordRerank_SortAndCut(t *testing.T) {
	r := newKeyword(t)
	cands := []retrieval.Candidate{
		{ID: "low", Text: "nothing here", Score: 0.1},
		{ID: "high", Text: "taboshi", Score: 0.1},
		{ID: "mid", Text: "taboshi and more words here", Score: 0.1},
	}
	out, err := r.Rerank(context.Background(), "taboshi", cands, 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "high", out[0].ID)
	assert.Equal(t, "mid", out[1].ID)

	// Input is left untouched.
	assert.Equal(t, 0.1, cands[1].Score)
}

func TestKeywordRerank_EmptyQueryKeepsOrder(t *testing.T) {
	r := newKeyword(t)
	cands := []retrieval.Candidate{
		{ID: "a", Score: 0.1},
		{ID: "b", Score: 0.9},
		{ID: "c", Score: 0.5},
	}
	out, err := r.Rerank(context.Background(), "  ?? ", cands, 2)
	require.NoError(t, err)
	assert.Equal(t, []retrieval.Candidate{cands[0], cands[1]}, out)

	out, err = r.Rerank(context.Background(), "", nil, 3)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestKeywordRerank_Deterministic(t *testing.T) {
	r := newKeyword(t)
	var cands []retrieval.Candidate
	for i := 0; i < 20; i++ {
		cands = append(cands, retrieval.Candidate{
			ID:    fmt.Sprintf("d%02d", i),
			Text:  strings.Repeat("taboshi yield lotus pond epoch ", i%4+1),
			Score: 0.5,
		})
	}
	first, err := r.Rerank(context.Background(), "taboshi lotus epoch", cands, 0)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := r.Rerank(context.Background(), "taboshi lotus epoch", cands, 0)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
