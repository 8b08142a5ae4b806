package reranker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knoguchi/shortlist/internal/llm"
	"github.com/knoguchi/shortlist/internal/retrieval"
)

// LLMReranker uses an LLM to grade query-candidate pairs. The grade is
// blended with the prior score the same way KeywordCosineReranker blends
// cosine similarity.
type LLMReranker struct {
	llmClient  llm.LLM
	model      string
	alphaPrior float64
	snippet    int
	fallback   Reranker
	logger     *slog.Logger
}

// LLMRerankerOption is a functional option for configuring LLMReranker.
type LLMRerankerOption func(*LLMReranker)

// WithModel sets the model to use for reranking.
func WithModel(model string) LLMRerankerOption {
	return func(r *LLMReranker) {
		r.model = model
	}
}

// WithAlphaPrior sets the weight of the incoming score.
func WithAlphaPrior(alpha float64) LLMRerankerOption {
	return func(r *LLMReranker) {
		r.alphaPrior = alpha
	}
}

// WithFallback sets the reranker used when the LLM call or its output fails.
func WithFallback(fb Reranker) LLMRerankerOption {
	return func(r *LLMReranker) {
		r.fallback = fb
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) LLMRerankerOption {
	return func(r *LLMReranker) {
		r.logger = l
	}
}

// NewLLMReranker creates a new LLM-based reranker.
func NewLLMReranker(llmClient llm.LLM, opts ...LLMRerankerOption) (*LLMReranker, error) {
	r := &LLMReranker{
		llmClient:  llmClient,
		alphaPrior: DefaultAlphaPrior,
		snippet:    500,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if llmClient == nil {
		return nil, fmt.Errorf("%w: llm client is required", ErrInvalidConfig)
	}
	if r.alphaPrior < 0 || r.alphaPrior > 1 {
		return nil, fmt.Errorf("%w: alpha prior must be in [0,1], got %v", ErrInvalidConfig, r.alphaPrior)
	}
	return r, nil
}

// relevanceScore represents the structured output from the LLM.
type relevanceScore struct {
	DocIndex int     `json:"doc_index"`
	Score    float64 `json:"score"`
}

type rerankResponse struct {
	Scores []relevanceScore `json:"scores"`
}

// Rerank grades every candidate in one LLM call.
func (r *LLMReranker) Rerank(ctx context.Context, query string, cands []retrieval.Candidate, topK int) ([]retrieval.Candidate, error) {
	if len(cands) == 0 {
		return []retrieval.Candidate{}, nil
	}
	if strings.TrimSpace(query) == "" {
		return cut(append([]retrieval.Candidate(nil), cands...), topK), nil
	}

	opts := llm.GenerateOptions{
		Model:       r.model,
		Temperature: 0.0, // Deterministic scoring
		MaxTokens:   1024,
		JSON:        true,
	}

	response, err := r.llmClient.Generate(ctx, r.buildRerankPrompt(query, cands), opts)
	if err != nil {
		return r.fallbackRerank(ctx, query, cands, topK, fmt.Errorf("LLM reranking failed: %w", err))
	}

	scores, err := parseRerankResponse(response, len(cands))
	if err != nil {
		return r.fallbackRerank(ctx, query, cands, topK, err)
	}

	out := make([]retrieval.Candidate, len(cands))
	for i, c := range cands {
		c.Score = Blend(r.alphaPrior, c.Score, scores[i])
		out[i] = c
	}
	return sortAndCut(out, topK), nil
}

func (r *LLMReranker) fallbackRerank(ctx context.Context, query string, cands []retrieval.Candidate, topK int, cause error) ([]retrieval.Candidate, error) {
	if r.fallback == nil {
		return nil, cause
	}
	r.logger.Warn("llm rerank unavailable, using fallback", "error", cause)
	return r.fallback.Rerank(ctx, query, cands, topK)
}

// buildRerankPrompt constructs the prompt for LLM-based reranking.
func (r *LLMReranker) buildRerankPrompt(query string, cands []retrieval.Candidate) string {
	var sb strings.Builder

	sb.WriteString("You are a relevance scoring system. Score each document's relevance to the query.\n\n")
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\n")

	sb.WriteString("Documents to score:\n")
	for i, c := range cands {
		content := c.Text
		if runes := []rune(content); len(runes) > r.snippet {
			content = string(runes[:r.snippet]) + "..."
		}
		if title := c.Title(); title != "" {
			fmt.Fprintf(&sb, "[Doc %d] %s: %s\n\n", i, title, content)
		} else {
			fmt.Fprintf(&sb, "[Doc %d]: %s\n\n", i, content)
		}
	}

	sb.WriteString(`Score each document from 0.0 to 1.0 based on relevance to the query.
Output ONLY valid JSON in this exact format:
{"scores": [{"doc_index": 0, "score": 0.9}, {"doc_index": 1, "score": 0.3}, ...]}

Be strict: irrelevant documents should score below 0.3, somewhat relevant 0.3-0.7, highly relevant above 0.7.
Output only JSON, no explanation:`)

	return sb.String()
}

// parseRerankResponse extracts per-candidate grades, clamped to [0,1].
// Candidates the model skipped get 0.5.
func parseRerankResponse(response string, n int) ([]float64, error) {
	var parsed rerankResponse
	if err := json.Unmarshal([]byte(llm.ExtractJSON(response)), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse rerank response: %w", err)
	}

	scores := make([]float64, n)
	for i := range scores {
		scores[i] = 0.5
	}
	for _, s := range parsed.Scores {
		if s.DocIndex >= 0 && s.DocIndex < n {
			scores[s.DocIndex] = min(1, max(0, s.Score))
		}
	}
	return scores, nil
}

// Ensure LLMReranker implements Reranker.
var _ Reranker = (*LLMReranker)(nil)
