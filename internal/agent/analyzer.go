package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/knoguchi/shortlist/internal/llm"
	"github.com/knoguchi/shortlist/internal/retrieval"
)

const (
	analyzerSnippetChars = 280
	analyzerMaxSubs      = 2
	analyzerMaxTokens    = 220
)

// LLMAnalyzer asks an LLM to plan missing sub-questions and a refined query.
type LLMAnalyzer struct {
	llmClient llm.LLM
	model     string
}

// AnalyzerOption is a functional option for configuring LLMAnalyzer.
type AnalyzerOption func(*LLMAnalyzer)

// WithAnalyzerModel sets the model used for analysis.
func WithAnalyzerModel(model string) AnalyzerOption {
	return func(a *LLMAnalyzer) {
		a.model = model
	}
}

// NewLLMAnalyzer creates an analyzer backed by llmClient.
func NewLLMAnalyzer(llmClient llm.LLM, opts ...AnalyzerOption) *LLMAnalyzer {
	a := &LLMAnalyzer{llmClient: llmClient}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type analysis struct {
	Subs    []string `json:"subs"`
	Refined string   `json:"refined"`
}

// Analyze returns at most two sub-questions and a refined query. An empty
// refinement from the model is reported as the original query.
func (a *LLMAnalyzer) Analyze(ctx context.Context, query string, _ Context, top []retrieval.Candidate) ([]string, string, error) {
	resp, err := a.llmClient.Generate(ctx, buildAnalyzePrompt(query, top), llm.GenerateOptions{
		Model:       a.model,
		Temperature: 0,
		MaxTokens:   analyzerMaxTokens,
		JSON:        true,
	})
	if err != nil {
		return nil, query, fmt.Errorf("analyzing query: %w", err)
	}

	var out analysis
	if err := json.Unmarshal([]byte(llm.ExtractJSON(resp)), &out); err != nil {
		return nil, query, fmt.Errorf("parsing analysis: %w", err)
	}

	subs := make([]string, 0, analyzerMaxSubs)
	for _, s := range out.Subs {
		if s = strings.TrimSpace(s); s != "" {
			subs = append(subs, s)
		}
		if len(subs) == analyzerMaxSubs {
			break
		}
	}
	refined := strings.TrimSpace(out.Refined)
	if refined == "" {
		refined = query
	}
	return subs, refined, nil
}

func buildAnalyzePrompt(query string, top []retrieval.Candidate) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are a concise research planner. User asked: %q\n", query)
	sb.WriteString("Snippets:\n")
	for i, c := range top {
		fmt.Fprintf(&sb, "[%d] %s\n", i+1, prefix(c.Text, analyzerSnippetChars))
	}
	sb.WriteString("\n1) List at most 2 missing sub-questions.\n")
	sb.WriteString("2) Predict a refined query (at most 20 words).\n")
	sb.WriteString(`Return JSON: {"subs":["..."],"refined":"..."}`)
	return sb.String()
}

// prefix returns the first n runes of s.
func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if r := []rune(s); len(r) > n {
		return string(r[:n])
	}
	return s
}

// Ensure LLMAnalyzer implements Analyzer.
var _ Analyzer = (*LLMAnalyzer)(nil)
