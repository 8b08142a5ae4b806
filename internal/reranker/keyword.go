package reranker

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/knoguchi/shortlist/internal/retrieval"
)

const (
	// DefaultAlphaPrior weights the incoming score.
	DefaultAlphaPrior = 0.7
	// DefaultTitleWeight is how many times title tokens are repeated.
	DefaultTitleWeight = 1
	// DefaultDocChars is the body prefix considered per candidate.
	DefaultDocChars = 800
)

// KeywordConfig configures a KeywordCosineReranker.
type KeywordConfig struct {
	AlphaPrior  float64
	TitleWeight int
	DocChars    int
}

// DefaultKeywordConfig returns the reference settings.
func DefaultKeywordConfig() KeywordConfig {
	return KeywordConfig{
		AlphaPrior:  DefaultAlphaPrior,
		TitleWeight: DefaultTitleWeight,
		DocChars:    DefaultDocChars,
	}
}

// KeywordCosineReranker blends the prior score with the cosine similarity of
// L2-normalised term-frequency vectors of the query and the candidate.
// It uses retrieval.Tokenize so its signal lines up with the lexical arc.
type KeywordCosineReranker struct {
	cfg KeywordConfig
}

// NewKeywordCosineReranker validates cfg and creates a reranker.
func NewKeywordCosineReranker(cfg KeywordConfig) (*KeywordCosineReranker, error) {
	if cfg.AlphaPrior < 0 || cfg.AlphaPrior > 1 || math.IsNaN(cfg.AlphaPrior) {
		return nil, fmt.Errorf("%w: alpha prior must be in [0,1], got %v", ErrInvalidConfig, cfg.AlphaPrior)
	}
	if cfg.TitleWeight < 1 {
		return nil, fmt.Errorf("%w: title weight must be >= 1, got %d", ErrInvalidConfig, cfg.TitleWeight)
	}
	if cfg.DocChars < 1 {
		return nil, fmt.Errorf("%w: doc chars must be >= 1, got %d", ErrInvalidConfig, cfg.DocChars)
	}
	return &KeywordCosineReranker{cfg: cfg}, nil
}

// Rerank never returns an error.
func (r *KeywordCosineReranker) Rerank(_ context.Context, query string, cands []retrieval.Candidate, topK int) ([]retrieval.Candidate, error) {
	if len(cands) == 0 {
		return []retrieval.Candidate{}, nil
	}
	if topK < 0 {
		topK = 0
	}

	qTokens := retrieval.Tokenize(query)
	if len(qTokens) == 0 {
		out := append([]retrieval.Candidate(nil), cands...)
		return cut(out, topK), nil
	}
	qv := TermVector(qTokens)

	out := make([]retrieval.Candidate, len(cands))
	for i, c := range cands {
		cos := Cosine(qv, TermVector(r.docTokens(c)))
		c.Score = Blend(r.cfg.AlphaPrior, c.Score, cos)
		out[i] = c
	}
	return sortAndCut(out, topK), nil
}

func (r *KeywordCosineReranker) docTokens(c retrieval.Candidate) []string {
	body := c.Text
	if len(body) > r.cfg.DocChars {
		if runes := []rune(body); len(runes) > r.cfg.DocChars {
			body = string(runes[:r.cfg.DocChars])
		}
	}
	toks := retrieval.Tokenize(body)
	if title := c.Title(); title != "" {
		tt := retrieval.Tokenize(title)
		for i := 0; i < r.cfg.TitleWeight; i++ {
			toks = append(toks, tt...)
		}
	}
	return toks
}

// TermVector returns the L2-normalised term frequencies of tokens.
func TermVector(tokens []string) map[string]float64 {
	tf := make(map[string]float64, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}
	var sum float64
	for _, v := range tf {
		sum += v * v
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		norm = 1
	}
	for k := range tf {
		tf[k] /= norm
	}
	return tf
}

// Cosine returns the dot product of two normalised vectors over their shared
// keys, clamped to [0,1].
func Cosine(a, b map[string]float64) float64 {
	if len(a) > len(b) {
		a, b = b, a
	}
	keys := make([]string, 0, len(a))
	for k := range a {
		if _, ok := b[k]; ok {
			keys = append(keys, k)
		}
	}
	// Fixed summation order keeps scores bit-identical across runs.
	sort.Strings(keys)
	var dot float64
	for _, k := range keys {
		dot += a[k] * b[k]
	}
	return min(1, max(0, dot))
}

// Ensure KeywordCosineReranker implements Reranker.
var _ Reranker = (*KeywordCosineReranker)(nil)
