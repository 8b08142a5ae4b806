package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCorpus() []Document {
	return []Document{
		{ID: "a", Text: "Taboshi yield grows with patience. Taboshi!", Metadata: map[string]any{"title": "Taboshi"}},
		{ID: "b", Text: "The yield of patience is taboshi yield", Metadata: map[string]any{"title": "Patience"}},
		{ID: "c", Text: "Nothing relevant here", Metadata: map[string]any{"title": "Other"}},
		{ID: "d", Text: "", Metadata: map[string]any{"title": "taboshi empty"}},
	}
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"hello", "world_1", "#tag", "@me"}, Tokenize("Hello, World_1! #tag @me"))
	assert.Empty(t, Tokenize("  ...  "))
}

func TestLexicalBackend_Scoring(t *testing.T) {
	b := NewLexicalBackend(testCorpus())

	got, err := b.Retrieve(context.Background(), "taboshi yield", 10, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// a: tf taboshi=2 + yield=1 -> 3, phrase "taboshi yield" present -> +2, title hit -> +1
	assert.Equal(t, "a", got[0].ID)
	assert.InDelta(t, 6.0, got[0].Score, 1e-9)

	// b: tf yield=2 + taboshi=1 -> 3, phrase present -> +2, no title hit
	assert.Equal(t, "b", got[1].ID)
	assert.InDelta(t, 5.0, got[1].Score, 1e-9)
}

func TestLexicalBackend_TieBreakByID(t *testing.T) {
	b := NewLexicalBackend([]Document{
		{ID: "z", Text: "alpha"},
		{ID: "m", Text: "alpha"},
		{ID: "a", Text: "alpha"},
	})

	got, err := b.Retrieve(context.Background(), "alpha", 2, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "m", got[1].ID)
}

func TestLexicalBackend_MinimumK(t *testing.T) {
	b := NewLexicalBackend(testCorpus())

	got, err := b.Retrieve(context.Background(), "taboshi", 0, nil)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestLexicalBackend_EmptyQuery(t *testing.T) {
	b := NewLexicalBackend(testCorpus())

	for _, q := range []string{"", "   ", "\t\n", "!!!"} {
		got, err := b.Retrieve(context.Background(), q, 5, nil)
		require.NoError(t, err)
		assert.Empty(t, got, "query %q", q)
	}
}

func TestLexicalBackend_ExcludesEmptyTextAndNonMatches(t *testing.T) {
	b := NewLexicalBackend(testCorpus())

	got, err := b.Retrieve(context.Background(), "taboshi", 10, nil)
	require.NoError(t, err)
	for _, c := range got {
		assert.NotEqual(t, "d", c.ID)
		assert.NotEqual(t, "c", c.ID)
		assert.Greater(t, c.Score, 0.0)
	}
}

func TestLexicalBackend_TitleBonusAlone(t *testing.T) {
	b := NewLexicalBackend([]Document{
		{ID: "t", Text: "unrelated body", Metadata: map[string]any{"title": "Lore of Taboshi"}},
	})

	got, err := b.Retrieve(context.Background(), "taboshi", 3, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 1.0, got[0].Score, 1e-9)
}

func TestFilters_Int(t *testing.T) {
	f := Filters{"a": 3, "b": 4.0, "c": "x"}

	v, ok := f.Int("a")
	assert.True(t, ok)
	assert.Equal(t, 3, v)

	v, ok = f.Int("b")
	assert.True(t, ok)
	assert.Equal(t, 4, v)

	_, ok = f.Int("c")
	assert.False(t, ok)

	_, ok = Filters(nil).Int("a")
	assert.False(t, ok)
}
