// Package rescore applies recency decay and a feedback-driven topic boost to
// merged retrieval scores.
package rescore

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/knoguchi/shortlist/internal/feedback"
	"github.com/knoguchi/shortlist/internal/retrieval"
)

const (
	// DefaultHalfLifeDays is the age at which a score is halved.
	DefaultHalfLifeDays = 14.0
	// DefaultAlpha weights the topic boost.
	DefaultAlpha = 0.25
	// DefaultTopicWindow is how many top topics are consulted per query.
	DefaultTopicWindow = 64
	// DefaultTimestampKey is the metadata key holding unix seconds.
	DefaultTimestampKey = "timestamp"

	// UnknownAgeDays is the age assigned to candidates without a usable
	// timestamp. It decays the score to effectively zero.
	UnknownAgeDays = 1e9

	// boostSaturation is the topic hit count at which the boost reaches 1.
	boostSaturation = 20.0
	secondsPerDay   = 86400.0
)

// ErrInvalidConfig is returned for out-of-range rescorer settings.
var ErrInvalidConfig = errors.New("invalid rescorer config")

// TopicSource supplies topic counters. feedback.Store satisfies it.
type TopicSource interface {
	TopTopics(n int) []feedback.TopicStat
}

// Rescorer rewrites candidate scores in place and returns them resorted.
type Rescorer interface {
	Rescore(query string, cands []retrieval.Candidate, now time.Time) []retrieval.Candidate
}

// Config configures a HalfLifeRescorer.
type Config struct {
	HalfLifeDays float64
	Alpha        float64
	TopicWindow  int
	TimestampKey string
}

// DefaultConfig returns the reference settings.
func DefaultConfig() Config {
	return Config{
		HalfLifeDays: DefaultHalfLifeDays,
		Alpha:        DefaultAlpha,
		TopicWindow:  DefaultTopicWindow,
		TimestampKey: DefaultTimestampKey,
	}
}

// HalfLifeRescorer computes
//
//	score' = score * 0.5^(age_days/half_life) * (1 + alpha*topic_boost)
//
// where topic_boost is in [0,1], so score' never exceeds score*decay*(1+alpha).
type HalfLifeRescorer struct {
	topics TopicSource
	cfg    Config
}

// NewHalfLifeRescorer creates a rescorer. topics may be nil, which disables
// the boost.
func NewHalfLifeRescorer(topics TopicSource, cfg Config) (*HalfLifeRescorer, error) {
	if cfg.HalfLifeDays <= 0 || math.IsNaN(cfg.HalfLifeDays) {
		return nil, fmt.Errorf("%w: half-life must be positive, got %v", ErrInvalidConfig, cfg.HalfLifeDays)
	}
	if cfg.Alpha < 0 || math.IsNaN(cfg.Alpha) {
		return nil, fmt.Errorf("%w: alpha must be non-negative, got %v", ErrInvalidConfig, cfg.Alpha)
	}
	if cfg.TopicWindow <= 0 {
		cfg.TopicWindow = DefaultTopicWindow
	}
	if cfg.TimestampKey == "" {
		cfg.TimestampKey = DefaultTimestampKey
	}
	return &HalfLifeRescorer{topics: topics, cfg: cfg}, nil
}

// Rescore multiplies each score by its decay and the query's topic boost,
// then stable-sorts by score descending.
func (r *HalfLifeRescorer) Rescore(query string, cands []retrieval.Candidate, now time.Time) []retrieval.Candidate {
	boost := r.TopicBoost(query)
	mult := 1 + r.cfg.Alpha*boost
	for i := range cands {
		age := r.AgeDays(cands[i].Metadata, now)
		cands[i].Score = cands[i].Score * r.Decay(age) * mult
	}
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].Score > cands[j].Score
	})
	return cands
}

// AgeDays returns the candidate's age in days, clamped at zero.
func (r *HalfLifeRescorer) AgeDays(meta map[string]any, now time.Time) float64 {
	ts, ok := retrieval.MetaFloat(meta, r.cfg.TimestampKey)
	if !ok || math.IsNaN(ts) || math.IsInf(ts, 0) {
		return UnknownAgeDays
	}
	return max(0, (feedback.UnixSeconds(now)-ts)/secondsPerDay)
}

// Decay returns 0.5^(age/half_life).
func (r *HalfLifeRescorer) Decay(ageDays float64) float64 {
	return math.Pow(0.5, ageDays/r.cfg.HalfLifeDays)
}

// TopicBoost returns min(1, ln(1+s)/ln(21)) where s sums the counts of the
// query's topics among the top topics.
func (r *HalfLifeRescorer) TopicBoost(query string) float64 {
	if r.topics == nil {
		return 0
	}
	qt := feedback.Topics(query)
	if len(qt) == 0 {
		return 0
	}
	counts := make(map[string]int)
	for _, t := range r.topics.TopTopics(r.cfg.TopicWindow) {
		counts[t.Topic] = t.Count
	}
	s := 0
	for _, t := range qt {
		s += counts[t]
	}
	if s <= 0 {
		return 0
	}
	return min(1, math.Log1p(float64(s))/math.Log1p(boostSaturation))
}

// Ensure HalfLifeRescorer implements Rescorer.
var _ Rescorer = (*HalfLifeRescorer)(nil)
