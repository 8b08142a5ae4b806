// Package agent holds the LLM-backed collaborators of the ranking pipeline:
// an Analyzer that proposes a refined query and a Composer that writes the
// final answer from the shortlist.
package agent

import (
	"context"

	"github.com/knoguchi/shortlist/internal/retrieval"
)

// Context is the read-only query context visible to collaborators.
type Context struct {
	UserID      string
	RouteSymbol string
	Depth       string
}

// Analyzer proposes follow-up sub-questions and a refined query.
// A refined query equal to the input means "no refinement".
type Analyzer interface {
	Analyze(ctx context.Context, query string, qc Context, top []retrieval.Candidate) (subQuestions []string, refined string, err error)
}

// Composer synthesises an answer from the final candidates. usedRefs lists
// the ids of the candidates the answer relies on and clarity is in [0,1].
type Composer interface {
	Compose(ctx context.Context, query string, qc Context, cands []retrieval.Candidate, maxTokens int) (answer string, usedRefs []string, clarity float64, err error)
}
