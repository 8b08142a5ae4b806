// Package arc fans a query out to weighted retrieval backends ("arcs") and
// merges their hits into one score per candidate id.
package arc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/knoguchi/shortlist/internal/metrics"
	"github.com/knoguchi/shortlist/internal/retrieval"
)

// DefaultArcTimeout bounds a single backend call.
const DefaultArcTimeout = 5 * time.Second

// ErrInvalidBinding is returned by NewRegistry for a malformed binding.
var ErrInvalidBinding = errors.New("invalid arc binding")

// Binding is a named, weighted link between the merger and one backend.
type Binding struct {
	Name    string
	Weight  float64
	Limit   int
	Enabled bool
	Backend retrieval.Backend
}

// Stats describes the most recent merge.
type Stats struct {
	PerArc          map[string]int `json:"per_arc"`
	UniqueBeforeCut int            `json:"unique_before_cut"`
	Returned        int            `json:"returned"`
}

func (s Stats) clone() Stats {
	per := make(map[string]int, len(s.PerArc))
	for k, v := range s.PerArc {
		per[k] = v
	}
	s.PerArc = per
	return s
}

// Registry owns the arc bindings. Bindings are read-only after construction;
// the only mutable state is the last-stats snapshot.
type Registry struct {
	bindings []Binding
	timeout  time.Duration
	logger   *slog.Logger
	recorder *metrics.Recorder

	mu   sync.Mutex
	last Stats
}

// Option is a functional option for configuring Registry.
type Option func(*Registry)

// WithArcTimeout sets the per-arc call timeout.
func WithArcTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.timeout = d
	}
}

// WithLogger sets the logger used for arc failures.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// WithRecorder sets a metrics recorder.
func WithRecorder(m *metrics.Recorder) Option {
	return func(r *Registry) {
		r.recorder = m
	}
}

// NewRegistry validates the bindings and creates a registry. Arcs are merged
// in the order given.
func NewRegistry(bindings []Binding, opts ...Option) (*Registry, error) {
	seen := make(map[string]struct{}, len(bindings))
	for _, b := range bindings {
		if b.Name == "" {
			return nil, fmt.Errorf("%w: empty name", ErrInvalidBinding)
		}
		if _, dup := seen[b.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate arc %q", ErrInvalidBinding, b.Name)
		}
		seen[b.Name] = struct{}{}
		if b.Weight < 0 || math.IsNaN(b.Weight) || math.IsInf(b.Weight, 0) {
			return nil, fmt.Errorf("%w: arc %q has invalid weight %v", ErrInvalidBinding, b.Name, b.Weight)
		}
		if b.Limit <= 0 {
			return nil, fmt.Errorf("%w: arc %q has non-positive limit %d", ErrInvalidBinding, b.Name, b.Limit)
		}
	}

	r := &Registry{
		bindings: append([]Binding(nil), bindings...),
		timeout:  DefaultArcTimeout,
		logger:   slog.Default(),
		last:     Stats{PerArc: map[string]int{}},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.timeout <= 0 {
		return nil, fmt.Errorf("%w: non-positive arc timeout %v", ErrInvalidBinding, r.timeout)
	}
	return r, nil
}

// Arcs returns a copy of the registered bindings.
func (r *Registry) Arcs() []Binding {
	return append([]Binding(nil), r.bindings...)
}

// LastStats returns a copy of the stats of the most recent call.
func (r *Registry) LastStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last.clone()
}

// Retrieve merges the enabled arcs' hits and returns the top k. It never
// fails: arc errors count as empty contributions.
func (r *Registry) Retrieve(ctx context.Context, query string, k int, filters retrieval.Filters) ([]retrieval.Candidate, error) {
	out, _ := r.RetrieveWithStats(ctx, query, k, filters)
	return out, nil
}

// RetrieveWithStats is Retrieve that also returns this call's stats, which
// concurrent callers cannot overwrite.
func (r *Registry) RetrieveWithStats(ctx context.Context, query string, k int, filters retrieval.Filters) ([]retrieval.Candidate, Stats) {
	hits := r.fanOut(ctx, query, filters)

	stats := Stats{PerArc: make(map[string]int)}
	bucket := make(map[string]int)
	var merged []retrieval.Candidate

	for i, b := range r.bindings {
		arcHits, called := hits[i].candidates, hits[i].called
		if !called {
			continue
		}
		stats.PerArc[b.Name] = len(arcHits)

		for _, h := range arcHits {
			weighted := h.Score * b.Weight
			if idx, ok := bucket[h.ID]; ok {
				merged[idx].Score += weighted
				continue
			}
			bucket[h.ID] = len(merged)
			merged = append(merged, retrieval.Candidate{
				ID:       h.ID,
				Text:     h.Text,
				Metadata: h.Metadata,
				Score:    weighted,
			})
		}
	}

	stats.UniqueBeforeCut = len(merged)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})

	if k < 1 {
		k = 1
	}
	if len(merged) > k {
		merged = merged[:k]
	}
	stats.Returned = len(merged)

	r.mu.Lock()
	r.last = stats.clone()
	r.mu.Unlock()

	return merged, stats
}

type arcResult struct {
	called     bool
	candidates []retrieval.Candidate
}

// fanOut calls every enabled arc in parallel and waits for all of them.
func (r *Registry) fanOut(ctx context.Context, query string, filters retrieval.Filters) []arcResult {
	results := make([]arcResult, len(r.bindings))

	var g errgroup.Group
	for i, b := range r.bindings {
		if !b.Enabled || b.Backend == nil {
			continue
		}
		results[i].called = true

		i, b := i, b
		g.Go(func() error {
			// Unique index per goroutine, no mutex needed
			results[i].candidates = r.callArc(ctx, b, query, filters)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

type arcReply struct {
	hits []retrieval.Candidate
	err  error
}

// callArc runs one backend under the arc timeout. A backend that ignores its
// context is abandoned once the deadline passes.
func (r *Registry) callArc(ctx context.Context, b Binding, query string, filters retrieval.Filters) []retrieval.Candidate {
	start := time.Now()
	arcCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	replyCh := make(chan arcReply, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				replyCh <- arcReply{err: fmt.Errorf("backend panic: %v", p)}
			}
		}()
		hits, err := b.Backend.Retrieve(arcCtx, query, b.Limit, filters)
		replyCh <- arcReply{hits: hits, err: err}
	}()

	var reply arcReply
	select {
	case reply = <-replyCh:
	case <-arcCtx.Done():
		reply.err = arcCtx.Err()
	}

	if reply.err != nil {
		r.logger.Warn("retrieval arc failed",
			"arc", b.Name,
			"error", reply.err,
			"duration", time.Since(start),
		)
		r.recorder.RecordArc(b.Name, 0, time.Since(start), true)
		return nil
	}

	hits, dropped := wellFormed(reply.hits)
	if dropped > 0 {
		r.logger.Warn("dropping malformed arc hits",
			"arc", b.Name,
			"dropped", dropped,
		)
	}
	r.recorder.RecordArc(b.Name, len(hits), time.Since(start), dropped > 0)
	return hits
}

// wellFormed keeps hits with an id and a finite, non-negative score.
func wellFormed(hits []retrieval.Candidate) ([]retrieval.Candidate, int) {
	out := hits[:0:0]
	for _, h := range hits {
		if h.ID == "" || math.IsNaN(h.Score) || math.IsInf(h.Score, 0) || h.Score < 0 {
			continue
		}
		out = append(out, h)
	}
	return out, len(hits) - len(out)
}

// Ensure Registry can itself serve as a backend.
var _ retrieval.Backend = (*Registry)(nil)
