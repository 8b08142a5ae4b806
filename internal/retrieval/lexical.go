package retrieval

import (
	"context"
	"sort"
	"strings"
)

const (
	phraseBonus = 2.0
	titleBonus  = 1.0
)

// Document is a corpus row searchable by LexicalBackend.
type Document struct {
	ID       string
	Text     string
	Metadata map[string]any
}

// LexicalBackend scores an in-memory corpus by query term frequency with a
// phrase bonus and a title bonus. It is immutable and safe for concurrent use.
type LexicalBackend struct {
	docs []Document
}

// NewLexicalBackend creates a lexical backend over docs. The slice is copied.
func NewLexicalBackend(docs []Document) *LexicalBackend {
	cp := make([]Document, len(docs))
	copy(cp, docs)
	return &LexicalBackend{docs: cp}
}

// Len returns the number of indexed documents.
func (b *LexicalBackend) Len() int {
	return len(b.docs)
}

// Retrieve returns at most max(1, k) candidates with a positive score, ordered
// by score descending and id ascending.
func (b *LexicalBackend) Retrieve(ctx context.Context, query string, k int, _ Filters) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	qTokens := Tokenize(strings.TrimSpace(query))
	if len(qTokens) == 0 {
		return nil, nil
	}
	phrase := strings.Join(qTokens, " ")

	distinct := make(map[string]struct{}, len(qTokens))
	for _, t := range qTokens {
		distinct[t] = struct{}{}
	}

	var scored []Candidate
	for _, doc := range b.docs {
		score := scoreDocument(doc, qTokens, distinct, phrase)
		if score <= 0 {
			continue
		}
		scored = append(scored, Candidate{
			ID:       doc.ID,
			Text:     doc.Text,
			Metadata: doc.Metadata,
			Score:    score,
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ID < scored[j].ID
	})

	if k < 1 {
		k = 1
	}
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func scoreDocument(doc Document, qTokens []string, distinct map[string]struct{}, phrase string) float64 {
	if doc.Text == "" {
		return 0
	}
	tokens := Tokenize(doc.Text)
	if len(tokens) == 0 {
		return 0
	}

	var tf int
	for _, t := range tokens {
		if _, ok := distinct[t]; ok {
			tf++
		}
	}
	score := float64(tf)

	if phrase != "" && strings.Contains(strings.ToLower(doc.Text), phrase) {
		score += phraseBonus
	}

	if title := strings.ToLower(MetaString(doc.Metadata, "title")); title != "" {
		for _, t := range qTokens {
			if strings.Contains(title, t) {
				score += titleBonus
				break
			}
		}
	}
	return score
}

// Ensure LexicalBackend implements Backend.
var _ Backend = (*LexicalBackend)(nil)
