package service

import (
	"math"
	"sync"
)

// Level is a lucidity bucket.
type Level string

const (
	LevelPassive    Level = "PASSIVE"
	LevelAware      Level = "AWARE"
	LevelEngaged    Level = "ENGAGED"
	LevelAutonomous Level = "AUTONOMOUS"
)

// Traits are the behaviour hints attached to a level.
type Traits struct {
	Autonomy   float64 `json:"autonomy"`
	Creativity float64 `json:"creativity"`
	Initiative float64 `json:"initiative"`
	Score      float64 `json:"score"`
}

var levelTraits = map[Level]Traits{
	LevelPassive:    {Autonomy: 0.1, Creativity: 0.2, Initiative: 0.0},
	LevelAware:      {Autonomy: 0.3, Creativity: 0.4, Initiative: 0.2},
	LevelEngaged:    {Autonomy: 0.6, Creativity: 0.7, Initiative: 0.5},
	LevelAutonomous: {Autonomy: 0.9, Creativity: 0.8, Initiative: 0.8},
}

// DefaultLucidityAlpha is the EWMA smoothing factor.
const DefaultLucidityAlpha = 0.3

// Lucidity is an exponentially smoothed blend of engagement and clarity
// across runs. It is shared by all runs of a pipeline.
type Lucidity struct {
	alpha float64

	mu    sync.Mutex
	score float64
	level Level
}

// NewLucidity creates a tracker; alpha is clamped to [0.05, 0.95].
func NewLucidity(alpha float64) *Lucidity {
	return &Lucidity{
		alpha: min(0.95, max(0.05, alpha)),
		score: 0.5,
		level: LevelAware,
	}
}

// Adjust folds one run into the average and returns the resulting level.
func (l *Lucidity) Adjust(engagement, clarity float64) (Level, Traits) {
	s := 0.6*engagement + 0.4*clarity

	l.mu.Lock()
	defer l.mu.Unlock()

	l.score = (1-l.alpha)*l.score + l.alpha*s
	switch {
	case l.score < 0.3:
		l.level = LevelPassive
	case l.score < 0.55:
		l.level = LevelAware
	case l.score < 0.8:
		l.level = LevelEngaged
	default:
		l.level = LevelAutonomous
	}

	t := levelTraits[l.level]
	t.Score = round(l.score, 3)
	return l.level, t
}

// Level returns the current level.
func (l *Lucidity) Level() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

func round(x float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(x*p) / p
}
