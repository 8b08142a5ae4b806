package rescore

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/shortlist/internal/feedback"
	"github.com/knoguchi/shortlist/internal/retrieval"
)

type staticTopics []feedback.TopicStat

func (s staticTopics) TopTopics(n int) []feedback.TopicStat {
	if n < len(s) {
		return s[:n]
	}
	return s
}

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func daysAgo(d float64) float64 {
	return feedback.UnixSeconds(now) - d*86400
}

func newRescorer(t *testing.T, topics TopicSource) *HalfLifeRescorer {
	t.Helper()
	r, err := NewHalfLifeRescorer(topics, DefaultConfig())
	require.NoError(t, err)
	return r
}

func TestNewHalfLifeRescorer_Validation(t *testing.T) {
	_, err := NewHalfLifeRescorer(nil, Config{HalfLifeDays: 0, Alpha: 0.25})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewHalfLifeRescorer(nil, Config{HalfLifeDays: 14, Alpha: -1})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	r, err := NewHalfLifeRescorer(nil, Config{HalfLifeDays: 7})
	require.NoError(t, err)
	assert.Equal(t, DefaultTopicWindow, r.cfg.TopicWindow)
	assert.Equal(t, DefaultTimestampKey, r.cfg.TimestampKey)
}

func TestDecay(t *testing.T) {
	r := newRescorer(t, nil)

	assert.Equal(t, 1.0, r.Decay(0))
	assert.Equal(t, 0.5, r.Decay(14))
	assert.Equal(t, 0.25, r.Decay(28))

	prev := r.Decay(0)
	for age := 0.5; age < 100; age += 0.5 {
		d := r.Decay(age)
		assert.Less(t, d, prev, "decay must strictly decrease at age %v", age)
		prev = d
	}
}

func TestAgeDays(t *testing.T) {
	r := newRescorer(t, nil)

	assert.InDelta(t, 14.0, r.AgeDays(map[string]any{"timestamp": daysAgo(14)}, now), 1e-9)
	assert.Equal(t, 0.0, r.AgeDays(map[string]any{"timestamp": daysAgo(-3)}, now), "future timestamps clamp to zero")
	assert.Equal(t, UnknownAgeDays, r.AgeDays(nil, now))
	assert.Equal(t, UnknownAgeDays, r.AgeDays(map[string]any{"timestamp": "yesterday"}, now))
	assert.InDelta(t, 1.0, r.AgeDays(map[string]any{"timestamp": int64(daysAgo(1))}, now), 1e-9)
}

func TestRescore_FourteenDaysHalves(t *testing.T) {
	r := newRescorer(t, nil)
	cands := []retrieval.Candidate{
		{ID: "a", Score: 4, Metadata: map[string]any{"timestamp": daysAgo(14)}},
	}

	out := r.Rescore("taboshi", cands, now)
	require.Len(t, out, 1)
	assert.InDelta(t, 2.0, out[0].Score, 1e-12)
}

func TestRescore_MissingTimestampDecaysToZero(t *testing.T) {
	r := newRescorer(t, nil)
	cands := []retrieval.Candidate{
		{ID: "old", Score: 10},
		{ID: "new", Score: 1, Metadata: map[string]any{"timestamp": daysAgo(0)}},
	}

	out := r.Rescore("q", cands, now)
	assert.Equal(t, "new", out[0].ID)
	assert.Equal(t, 1.0, out[0].Score)
	assert.Equal(t, 0.0, out[1].Score)
}

func TestRescore_NonFiniteTimestampDecaysToZero(t *testing.T) {
	r := newRescorer(t, nil)
	assert.Equal(t, UnknownAgeDays, r.AgeDays(map[string]any{"timestamp": math.NaN()}, now))
	assert.Equal(t, UnknownAgeDays, r.AgeDays(map[string]any{"timestamp": math.Inf(-1)}, now))

	cands := []retrieval.Candidate{
		{ID: "nan", Score: 10, Metadata: map[string]any{"timestamp": math.NaN()}},
		{ID: "new", Score: 1, Metadata: map[string]any{"timestamp": daysAgo(0)}},
	}
	out := r.Rescore("q", cands, now)
	require.Len(t, out, 2)
	assert.Equal(t, "new", out[0].ID)
	assert.Equal(t, 0.0, out[1].Score)
}

func TestRescore_Resorts(t *testing.T) {
	r := newRescorer(t, nil)
	cands := []retrieval.Candidate{
		{ID: "stale", Score: 3, Metadata: map[string]any{"timestamp": daysAgo(42)}},
		{ID: "fresh", Score: 1, Metadata: map[string]any{"timestamp": daysAgo(0)}},
	}

	out := r.Rescore("q", cands, now)
	assert.Equal(t, []string{"fresh", "stale"}, []string{out[0].ID, out[1].ID})
	assert.InDelta(t, 3.0/8, out[1].Score, 1e-12)
}

func TestTopicBoost(t *testing.T) {
	topics := staticTopics{
		{Topic: "taboshi", Count: 20},
		{Topic: "yield", Count: 5},
		{Topic: "lore", Count: 2},
	}
	r := newRescorer(t, topics)

	assert.Equal(t, 0.0, newRescorer(t, nil).TopicBoost("taboshi"))
	assert.Equal(t, 0.0, r.TopicBoost("what is it"))
	assert.Equal(t, 0.0, r.TopicBoost("unrelated words"))
	assert.Equal(t, 1.0, r.TopicBoost("taboshi"))
	assert.Equal(t, 1.0, r.TopicBoost("taboshi yield"), "boost saturates at one")
	assert.InDelta(t, math.Log(3)/math.Log(21), r.TopicBoost("lore"), 1e-12)
}

func TestRescore_BoostBounded(t *testing.T) {
	topics := staticTopics{{Topic: "taboshi", Count: 1000}}
	r := newRescorer(t, topics)

	for _, age := range []float64{0, 1, 7, 14, 30} {
		cands := []retrieval.Candidate{{ID: "a", Score: 2, Metadata: map[string]any{"timestamp": daysAgo(age)}}}
		out := r.Rescore("taboshi", cands, now)
		bound := 2 * r.Decay(age) * (1 + DefaultAlpha)
		assert.LessOrEqual(t, out[0].Score, bound+1e-12)
	}

	cands := []retrieval.Candidate{{ID: "a", Score: 2, Metadata: map[string]any{"timestamp": daysAgo(0)}}}
	out := r.Rescore("taboshi", cands, now)
	assert.InDelta(t, 2.5, out[0].Score, 1e-12)
}

func TestRescore_UsesTopicWindow(t *testing.T) {
	topics := staticTopics{{Topic: "alpha", Count: 50}, {Topic: "taboshi", Count: 50}}
	r, err := NewHalfLifeRescorer(topics, Config{HalfLifeDays: 14, Alpha: 0.25, TopicWindow: 1})
	require.NoError(t, err)

	assert.Equal(t, 0.0, r.TopicBoost("taboshi"))
	assert.Equal(t, 1.0, r.TopicBoost("alpha"))
}
