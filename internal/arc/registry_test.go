package arc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/shortlist/internal/retrieval"
)

func staticBackend(cands ...retrieval.Candidate) retrieval.Backend {
	return retrieval.BackendFunc(func(_ context.Context, _ string, k int, _ retrieval.Filters) ([]retrieval.Candidate, error) {
		out := append([]retrieval.Candidate(nil), cands...)
		if len(out) > k {
			out = out[:k]
		}
		return out, nil
	})
}

func failingBackend(err error) retrieval.Backend {
	return retrieval.BackendFunc(func(context.Context, string, int, retrieval.Filters) ([]retrieval.Candidate, error) {
		return nil, err
	})
}

func TestNewRegistry_Validation(t *testing.T) {
	b := staticBackend()
	tests := []struct {
		name     string
		bindings []Binding
	}{
		{"empty name", []Binding{{Name: "", Weight: 1, Limit: 1, Backend: b}}},
		{"negative weight", []Binding{{Name: "x", Weight: -0.1, Limit: 1, Backend: b}}},
		{"zero limit", []Binding{{Name: "x", Weight: 1, Limit: 0, Backend: b}}},
		{"duplicate", []Binding{{Name: "x", Weight: 1, Limit: 1}, {Name: "x", Weight: 1, Limit: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.bindings)
			assert.ErrorIs(t, err, ErrInvalidBinding)
		})
	}

	_, err := NewRegistry([]Binding{{Name: "x", Weight: 1, Limit: 1}}, WithArcTimeout(0))
	assert.ErrorIs(t, err, ErrInvalidBinding)
}

func TestRegistry_AdditiveMerge(t *testing.T) {
	reg, err := NewRegistry([]Binding{
		{Name: "lexical", Weight: 1.0, Limit: 5, Enabled: true, Backend: staticBackend(
			retrieval.Candidate{ID: "doc1", Text: "one", Score: 3.0},
			retrieval.Candidate{ID: "doc2", Text: "two", Score: 1.0},
		)},
		{Name: "dense", Weight: 0.5, Limit: 5, Enabled: true, Backend: staticBackend(
			retrieval.Candidate{ID: "doc1", Text: "one", Score: 2.0},
			retrieval.Candidate{ID: "doc3", Text: "three", Score: 4.0},
		)},
	})
	require.NoError(t, err)

	got, stats := reg.RetrieveWithStats(context.Background(), "q", 10, nil)
	require.Len(t, got, 3)

	byID := map[string]float64{}
	for _, c := range got {
		byID[c.ID] = c.Score
	}
	assert.InDelta(t, 1.0*3.0+0.5*2.0, byID["doc1"], 1e-12)
	assert.InDelta(t, 1.0, byID["doc2"], 1e-12)
	assert.InDelta(t, 2.0, byID["doc3"], 1e-12)

	assert.Equal(t, "doc1", got[0].ID)
	assert.Equal(t, map[string]int{"lexical": 2, "dense": 2}, stats.PerArc)
	assert.Equal(t, 3, stats.UniqueBeforeCut)
	assert.Equal(t, 3, stats.Returned)
	assert.Equal(t, stats, reg.LastStats())
}

func TestRegistry_TruncatesToK(t *testing.T) {
	reg, err := NewRegistry([]Binding{
		{Name: "a", Weight: 1, Limit: 10, Enabled: true, Backend: staticBackend(
			retrieval.Candidate{ID: "x", Score: 3},
			retrieval.Candidate{ID: "y", Score: 2},
			retrieval.Candidate{ID: "z", Score: 1},
		)},
	})
	require.NoError(t, err)

	got, stats := reg.RetrieveWithStats(context.Background(), "q", 2, nil)
	require.Len(t, got, 2)
	assert.Equal(t, []string{"x", "y"}, []string{got[0].ID, got[1].ID})
	assert.Equal(t, 3, stats.UniqueBeforeCut)
	assert.Equal(t, 2, stats.Returned)
}

func TestRegistry_PassesPerArcLimit(t *testing.T) {
	var gotK int
	be := retrieval.BackendFunc(func(_ context.Context, _ string, k int, _ retrieval.Filters) ([]retrieval.Candidate, error) {
		gotK = k
		return nil, nil
	})
	reg, err := NewRegistry([]Binding{{Name: "a", Weight: 1, Limit: 7, Enabled: true, Backend: be}})
	require.NoError(t, err)

	_, _ = reg.Retrieve(context.Background(), "q", 3, nil)
	assert.Equal(t, 7, gotK)
}

func TestRegistry_SkipsDisabledAndUnbound(t *testing.T) {
	reg, err := NewRegistry([]Binding{
		{Name: "off", Weight: 1, Limit: 5, Enabled: false, Backend: staticBackend(retrieval.Candidate{ID: "a", Score: 1})},
		{Name: "unbound", Weight: 1, Limit: 5, Enabled: true},
		{Name: "on", Weight: 1, Limit: 5, Enabled: true, Backend: staticBackend(retrieval.Candidate{ID: "b", Score: 1})},
	})
	require.NoError(t, err)

	got, stats := reg.RetrieveWithStats(context.Background(), "q", 5, nil)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, map[string]int{"on": 1}, stats.PerArc)
}

func TestRegistry_IsolatesArcFailures(t *testing.T) {
	panicking := retrieval.BackendFunc(func(context.Context, string, int, retrieval.Filters) ([]retrieval.Candidate, error) {
		panic("boom")
	})
	reg, err := NewRegistry([]Binding{
		{Name: "broken", Weight: 1, Limit: 5, Enabled: true, Backend: failingBackend(errors.New("backend down"))},
		{Name: "panicky", Weight: 1, Limit: 5, Enabled: true, Backend: panicking},
		{Name: "ok", Weight: 2, Limit: 5, Enabled: true, Backend: staticBackend(retrieval.Candidate{ID: "a", Score: 1.5})},
	})
	require.NoError(t, err)

	got, stats := reg.RetrieveWithStats(context.Background(), "q", 5, nil)
	require.Len(t, got, 1)
	assert.InDelta(t, 3.0, got[0].Score, 1e-12)
	assert.Equal(t, map[string]int{"broken": 0, "panicky": 0, "ok": 1}, stats.PerArc)
}

func TestRegistry_DropsMalformedHits(t *testing.T) {
	reg, err := NewRegistry([]Binding{
		{Name: "good", Weight: 1, Limit: 5, Enabled: true, Backend: staticBackend(
			retrieval.Candidate{ID: "a", Score: 3},
			retrieval.Candidate{ID: "b", Score: 2},
		)},
		{Name: "bad", Weight: 1, Limit: 5, Enabled: true, Backend: staticBackend(
			retrieval.Candidate{ID: "a", Score: math.NaN()},
			retrieval.Candidate{ID: "b", Score: math.Inf(1)},
			retrieval.Candidate{ID: "c", Score: -1},
			retrieval.Candidate{ID: "", Score: 5},
			retrieval.Candidate{ID: "d", Score: 0.5},
		)},
	})
	require.NoError(t, err)

	got, stats := reg.RetrieveWithStats(context.Background(), "q", 5, nil)
	require.Len(t, got, 3)
	for _, c := range got {
		assert.False(t, math.IsNaN(c.Score) || math.IsInf(c.Score, 0), "score for %s", c.ID)
	}
	assert.Equal(t, []string{"a", "b", "d"}, []string{got[0].ID, got[1].ID, got[2].ID})
	assert.InDelta(t, 3.0, got[0].Score, 1e-12)
	assert.Equal(t, map[string]int{"good": 2, "bad": 1}, stats.PerArc)
}

func TestRegistry_TimeoutCountsAsEmpty(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stuck := retrieval.BackendFunc(func(context.Context, string, int, retrieval.Filters) ([]retrieval.Candidate, error) {
		<-release
		return []retrieval.Candidate{{ID: "late", Score: 100}}, nil
	})
	reg, err := NewRegistry([]Binding{
		{Name: "slow", Weight: 1, Limit: 5, Enabled: true, Backend: stuck},
		{Name: "fast", Weight: 1, Limit: 5, Enabled: true, Backend: staticBackend(retrieval.Candidate{ID: "a", Score: 1})},
	}, WithArcTimeout(20*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	got, stats := reg.RetrieveWithStats(context.Background(), "q", 5, nil)
	assert.Less(t, time.Since(start), 2*time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, 0, stats.PerArc["slow"])
}

func TestRegistry_EmptyQueryWithLexicalBackend(t *testing.T) {
	lex := retrieval.NewLexicalBackend([]retrieval.Document{{ID: "a", Text: "hello world"}})
	reg, err := NewRegistry([]Binding{{Name: "lexical", Weight: 1, Limit: 5, Enabled: true, Backend: lex}})
	require.NoError(t, err)

	got, stats := reg.RetrieveWithStats(context.Background(), "   ", 5, nil)
	assert.Empty(t, got)
	assert.Equal(t, 0, stats.UniqueBeforeCut)
	assert.Equal(t, 0, stats.Returned)
}

func TestRegistry_ConcurrentCalls(t *testing.T) {
	docs := make([]retrieval.Document, 0, 20)
	for i := 0; i < 20; i++ {
		docs = append(docs, retrieval.Document{ID: fmt.Sprintf("d%02d", i), Text: fmt.Sprintf("term%02d shared", i)})
	}
	lex := retrieval.NewLexicalBackend(docs)
	reg, err := NewRegistry([]Binding{
		{Name: "a", Weight: 1, Limit: 20, Enabled: true, Backend: lex},
		{Name: "b", Weight: 0.5, Limit: 20, Enabled: true, Backend: lex},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, stats := reg.RetrieveWithStats(context.Background(), fmt.Sprintf("term%02d", i), 5, nil)
			assert.Equal(t, 1, stats.PerArc["a"])
			if assert.Len(t, got, 1) {
				// tf 1 + phrase bonus 2, weighted 1.0 + 0.5
				assert.InDelta(t, 4.5, got[0].Score, 1e-12)
			}
			_ = reg.LastStats()
		}(i)
	}
	wg.Wait()
}
