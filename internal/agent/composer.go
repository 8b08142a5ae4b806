package agent

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/knoguchi/shortlist/internal/llm"
	"github.com/knoguchi/shortlist/internal/retrieval"
)

// DefaultSystemPrompt instructs the model to answer from the shortlist only.
const DefaultSystemPrompt = `You are a concise knowledge assistant. Answer questions using ONLY the provided documents.

IMPORTANT: Be brief and direct. Most answers should be 2-5 sentences.

Rules:
- Give the direct answer first, then brief supporting details only if needed
- Cite the documents you use as [Doc N]
- If the documents don't cover the topic, say "The documents don't cover this."
- Never invent information not in the provided documents`

var citationRx = regexp.MustCompile(`\[Doc (\d+)\]`)

// LLMComposer writes an answer citing [Doc N] markers and derives the used
// references and a clarity score from those citations.
type LLMComposer struct {
	llmClient    llm.LLM
	model        string
	systemPrompt string
	temperature  float32
}

// ComposerOption is a functional option for configuring LLMComposer.
type ComposerOption func(*LLMComposer)

// WithComposerModel sets the model used for synthesis.
func WithComposerModel(model string) ComposerOption {
	return func(c *LLMComposer) {
		c.model = model
	}
}

// WithSystemPrompt replaces DefaultSystemPrompt.
func WithSystemPrompt(prompt string) ComposerOption {
	return func(c *LLMComposer) {
		c.systemPrompt = prompt
	}
}

// WithTemperature sets the generation temperature.
func WithTemperature(t float32) ComposerOption {
	return func(c *LLMComposer) {
		c.temperature = t
	}
}

// NewLLMComposer creates a composer backed by llmClient.
func NewLLMComposer(llmClient llm.LLM, opts ...ComposerOption) *LLMComposer {
	c := &LLMComposer{
		llmClient:    llmClient,
		systemPrompt: DefaultSystemPrompt,
		temperature:  0.3, // Low temperature for factual answers
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compose generates the answer. Cited documents become usedRefs; with no
// citations every candidate is reported as used.
func (c *LLMComposer) Compose(ctx context.Context, query string, qc Context, cands []retrieval.Candidate, maxTokens int) (string, []string, float64, error) {
	answer, err := c.llmClient.Generate(ctx, buildComposePrompt(query, qc, cands), llm.GenerateOptions{
		Model:        c.model,
		SystemPrompt: c.systemPrompt,
		Temperature:  c.temperature,
		MaxTokens:    maxTokens,
	})
	if err != nil {
		return "", nil, 0, fmt.Errorf("generating answer: %w", err)
	}
	answer = strings.TrimSpace(answer)

	cited := citedRefs(answer, cands)
	used := cited
	if len(used) == 0 {
		used = make([]string, len(cands))
		for i, cand := range cands {
			used[i] = cand.ID
		}
	}
	return answer, used, clarityScore(answer, len(cited), len(cands)), nil
}

// citedRefs returns the ids of the candidates cited in answer, in citation
// order without duplicates. Out-of-range markers are ignored.
func citedRefs(answer string, cands []retrieval.Candidate) []string {
	seen := make(map[int]bool)
	var out []string
	for _, m := range citationRx.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > len(cands) || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, cands[n-1].ID)
	}
	return out
}

// clarityScore is half for a non-empty answer plus half the cited share of
// the shortlist.
func clarityScore(answer string, cited, total int) float64 {
	if answer == "" {
		return 0
	}
	score := 0.5
	if total > 0 {
		score += 0.5 * float64(cited) / float64(total)
	}
	return min(1, score)
}

func buildComposePrompt(query string, qc Context, cands []retrieval.Candidate) string {
	var sb strings.Builder

	if qc.Depth == "deep" {
		sb.WriteString("The user asked for a thorough answer; cover every relevant document.\n\n")
	}

	sb.WriteString("## Context Documents\n\n")
	for i, cand := range cands {
		fmt.Fprintf(&sb, "[Doc %d]", i+1)
		if title := cand.Title(); title != "" {
			fmt.Fprintf(&sb, " (Title: %s)", title)
		}
		if source := retrieval.MetaString(cand.Metadata, "path"); source != "" {
			fmt.Fprintf(&sb, " (Source: %s)", source)
		}
		sb.WriteString("\n")
		text := cand.Text
		if text == "" {
			text = retrieval.MetaString(cand.Metadata, "excerpt")
		}
		sb.WriteString(text)
		sb.WriteString("\n\n")
	}

	sb.WriteString("## Question\n")
	sb.WriteString(query)
	sb.WriteString("\n\n")

	sb.WriteString("## Answer (be brief and direct)\n")

	return sb.String()
}

// Ensure LLMComposer implements Composer.
var _ Composer = (*LLMComposer)(nil)
