// Package service runs the ranking pipeline: multi-arc retrieval, decay and
// boost rescoring, reranking, optional query refinement, the final cut,
// answer synthesis and feedback recording.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/shortlist/internal/agent"
	"github.com/knoguchi/shortlist/internal/arc"
	"github.com/knoguchi/shortlist/internal/feedback"
	"github.com/knoguchi/shortlist/internal/metrics"
	"github.com/knoguchi/shortlist/internal/rescore"
	"github.com/knoguchi/shortlist/internal/reranker"
	"github.com/knoguchi/shortlist/internal/retrieval"
)

// ErrSynthesis marks a failed answer synthesis. It is the only error Run
// returns.
var ErrSynthesis = errors.New("synthesis failed")

// DefaultRouteSymbol is recorded when the caller gives no route.
const DefaultRouteSymbol = "🪞"

// Filter keys that override budgets per run.
const (
	FilterUseDocs      = "use_docs"
	FilterPerNoteChars = "per_note_chars"
)

const (
	DefaultReasoningTimeout = 20 * time.Second
	DefaultSynthesisTimeout = 90 * time.Second
)

// Depth selects how much analysis a run performs.
type Depth string

const (
	DepthNormal Depth = "normal"
	DepthDeep   Depth = "deep"
)

// QueryContext is the read-only per-run input threaded through every stage.
// A zero Now is replaced by the pipeline clock.
type QueryContext struct {
	UserID      string
	RouteSymbol string
	Depth       Depth
	Now         time.Time
	Extra       map[string]any
}

// Budgets bound the size of each stage's output.
type Budgets struct {
	TopKCeiling    int // hard cap on retrieval k
	FinalDocCount  int // documents passed to synthesis
	PerNoteChars   int // characters kept per document
	SynthMaxTokens int // token target for synthesis
	ShortlistFloor int // rerank cap is max(FinalDocCount, min(k, ShortlistFloor))
}

// DefaultBudgets returns the reference budgets.
func DefaultBudgets() Budgets {
	return Budgets{
		TopKCeiling:    24,
		FinalDocCount:  6,
		PerNoteChars:   1200,
		SynthMaxTokens: 2000,
		ShortlistFloor: 12,
	}
}

func (b Budgets) validate() error {
	if b.TopKCeiling <= 0 || b.FinalDocCount <= 0 || b.PerNoteChars <= 0 || b.SynthMaxTokens <= 0 || b.ShortlistFloor <= 0 {
		return fmt.Errorf("budgets must be positive: %+v", b)
	}
	return nil
}

// Retriever is the stage A contract. *arc.Registry satisfies it.
type Retriever interface {
	RetrieveWithStats(ctx context.Context, query string, k int, filters retrieval.Filters) ([]retrieval.Candidate, arc.Stats)
}

// DocView is one returned document.
type DocView struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata"`
}

// Stats are per-stage counts of one run.
type Stats struct {
	Arcs                  map[string]int `json:"arcs"`
	UniqueBeforeCut       int            `json:"unique_before_cut"`
	ReturnedFromRetriever int            `json:"returned_from_retriever"`
	AfterResonance        int            `json:"after_resonance"`
	AfterRerank           int            `json:"after_rerank"`
	RefinedUsed           *bool          `json:"refined_used,omitempty"`
	AfterBlend            *int           `json:"after_blend,omitempty"`
	RefineError           string         `json:"refine_error,omitempty"`
	SubQuestions          []string       `json:"sub_questions,omitempty"`
	UsedDocs              int            `json:"used_docs"`
	TargetTokens          int            `json:"target_tokens"`
	LucidityLevel         Level          `json:"lucidity_level"`
	LucidityTraits        Traits         `json:"lucidity_traits"`
	Engagement            float64        `json:"engagement"`
	Clarity               float64        `json:"clarity"`
}

// Result is the output of Run.
type Result struct {
	RunID        string    `json:"run_id"`
	Answer       string    `json:"answer"`
	UsedRefs     []string  `json:"used_refs"`
	ClarityScore float64   `json:"clarity_score"`
	Docs         []DocView `json:"docs"`
	Stats        Stats     `json:"stats"`
}

// Pipeline sequences the ranking stages. All collaborators are shared across
// concurrent runs.
type Pipeline struct {
	retriever Retriever
	rescorer  rescore.Rescorer
	reranker  reranker.Reranker
	analyzer  agent.Analyzer
	composer  agent.Composer
	store     feedback.Store
	circuit   Circuit
	lucidity  *Lucidity
	budgets   Budgets

	reasoningTimeout time.Duration
	synthesisTimeout time.Duration

	clock    func() time.Time
	logger   *slog.Logger
	recorder *metrics.Recorder

	pending sync.WaitGroup
}

// Option is a functional option for configuring Pipeline.
type Option func(*Pipeline)

// WithAnalyzer enables the refinement stage.
func WithAnalyzer(a agent.Analyzer) Option {
	return func(p *Pipeline) {
		p.analyzer = a
	}
}

// WithRescorer replaces the default half-life rescorer.
func WithRescorer(r rescore.Rescorer) Option {
	return func(p *Pipeline) {
		p.rescorer = r
	}
}

// WithReranker replaces the default keyword cosine reranker.
func WithReranker(r reranker.Reranker) Option {
	return func(p *Pipeline) {
		p.reranker = r
	}
}

// WithBudgets sets the stage budgets.
func WithBudgets(b Budgets) Option {
	return func(p *Pipeline) {
		p.budgets = b
	}
}

// WithCircuit sets the refinement step budget.
func WithCircuit(c Circuit) Option {
	return func(p *Pipeline) {
		p.circuit = c
	}
}

// WithLucidity shares a lucidity tracker.
func WithLucidity(l *Lucidity) Option {
	return func(p *Pipeline) {
		p.lucidity = l
	}
}

// WithTimeouts bounds the reasoning and synthesis calls.
func WithTimeouts(reasoning, synthesis time.Duration) Option {
	return func(p *Pipeline) {
		p.reasoningTimeout = reasoning
		p.synthesisTimeout = synthesis
	}
}

// WithClock sets the time source used when QueryContext.Now is zero.
func WithClock(clock func() time.Time) Option {
	return func(p *Pipeline) {
		p.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// WithRecorder sets a metrics recorder.
func WithRecorder(m *metrics.Recorder) Option {
	return func(p *Pipeline) {
		p.recorder = m
	}
}

// NewPipeline creates a pipeline. The rescorer defaults to a half-life
// rescorer boosted by store and the reranker to a keyword cosine reranker.
func NewPipeline(retriever Retriever, composer agent.Composer, store feedback.Store, opts ...Option) (*Pipeline, error) {
	if retriever == nil {
		return nil, errors.New("retriever is required")
	}
	if composer == nil {
		return nil, errors.New("composer is required")
	}
	if store == nil {
		return nil, errors.New("feedback store is required")
	}

	p := &Pipeline{
		retriever:        retriever,
		composer:         composer,
		store:            store,
		circuit:          NewCircuit(DefaultMaxSteps),
		budgets:          DefaultBudgets(),
		reasoningTimeout: DefaultReasoningTimeout,
		synthesisTimeout: DefaultSynthesisTimeout,
		clock:            time.Now,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := p.budgets.validate(); err != nil {
		return nil, err
	}
	if p.reasoningTimeout <= 0 || p.synthesisTimeout <= 0 {
		return nil, errors.New("timeouts must be positive")
	}
	if p.rescorer == nil {
		r, err := rescore.NewHalfLifeRescorer(store, rescore.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("creating rescorer: %w", err)
		}
		p.rescorer = r
	}
	if p.reranker == nil {
		r, err := reranker.NewKeywordCosineReranker(reranker.DefaultKeywordConfig())
		if err != nil {
			return nil, fmt.Errorf("creating reranker: %w", err)
		}
		p.reranker = r
	}
	if p.lucidity == nil {
		p.lucidity = NewLucidity(DefaultLucidityAlpha)
	}
	return p, nil
}

// Wait blocks until every in-flight feedback record has finished.
func (p *Pipeline) Wait() {
	p.pending.Wait()
}

// Store returns the feedback store.
func (p *Pipeline) Store() feedback.Store {
	return p.store
}

// Run answers query. k <= 0 means the top-k ceiling. Only a synthesis
// failure is returned as an error; every other stage degrades in place.
func (p *Pipeline) Run(ctx context.Context, query string, qc QueryContext, k int, filters retrieval.Filters) (*Result, error) {
	start := time.Now()
	runID := uuid.NewString()

	if qc.Now.IsZero() {
		qc.Now = p.clock()
	}
	if qc.RouteSymbol == "" {
		qc.RouteSymbol = DefaultRouteSymbol
	}
	if qc.Depth == "" {
		qc.Depth = DepthNormal
	}
	actx := agent.Context{UserID: qc.UserID, RouteSymbol: qc.RouteSymbol, Depth: string(qc.Depth)}

	capped := p.budgets.TopKCeiling
	if k > 0 {
		capped = min(k, capped)
	}
	final := p.budgets.FinalDocCount
	if v, ok := filters.Int(FilterUseDocs); ok && v > 0 {
		final = v
	}
	perNote := p.budgets.PerNoteChars
	if v, ok := filters.Int(FilterPerNoteChars); ok && v > 0 {
		perNote = v
	}
	shortlist := max(final, min(capped, p.budgets.ShortlistFloor))

	// A: retrieve
	cands, astats := p.retriever.RetrieveWithStats(ctx, query, capped, filters)
	stats := Stats{
		Arcs:                  astats.PerArc,
		UniqueBeforeCut:       astats.UniqueBeforeCut,
		ReturnedFromRetriever: astats.Returned,
	}

	// B: decay and boost
	cands = p.rescorer.Rescore(query, cands, qc.Now)
	stats.AfterResonance = len(cands)

	// C: rerank
	cands = p.rerank(ctx, query, cands, shortlist)
	stats.AfterRerank = len(cands)

	// D: refine
	if qc.Depth == DepthDeep && p.analyzer != nil && p.circuit.AllowStep(0) {
		cands = p.refine(ctx, query, actx, cands, capped, shortlist, filters, &stats)
	}

	// E: final cut
	use := make([]retrieval.Candidate, min(final, len(cands)))
	for i := range use {
		use[i] = clampCandidate(cands[i], perNote)
	}

	// F: compose
	sctx, cancel := context.WithTimeout(ctx, p.synthesisTimeout)
	answer, usedRefs, clarity, err := p.composer.Compose(sctx, query, actx, use, p.budgets.SynthMaxTokens)
	cancel()
	if err != nil {
		p.recorder.RecordRun(time.Since(start), false)
		p.logger.Error("synthesis failed", "run_id", runID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrSynthesis, err)
	}
	clarity = min(1, max(0, clarity))

	usedCount := len(use)
	if usedRefs != nil {
		usedCount = len(usedRefs)
	}
	engagement := min(1, float64(usedCount)/float64(max(1, final)))
	level, traits := p.lucidity.Adjust(engagement, clarity)

	stats.UsedDocs = len(use)
	stats.TargetTokens = p.budgets.SynthMaxTokens
	stats.LucidityLevel = level
	stats.LucidityTraits = traits
	stats.Engagement = round(engagement, 3)
	stats.Clarity = round(clarity, 3)

	res := &Result{
		RunID:        runID,
		Answer:       answer,
		UsedRefs:     usedRefs,
		ClarityScore: clarity,
		Docs:         make([]DocView, len(use)),
		Stats:        stats,
	}
	for i, c := range use {
		res.Docs[i] = DocView{ID: c.ID, Score: round(c.Score, 4), Metadata: c.Metadata}
	}

	// G: feedback
	if ctx.Err() == nil {
		p.recordAsync(ctx, runID, query, qc, answer, use, clarity, stats)
	}

	p.recorder.RecordRun(time.Since(start), true)
	p.logger.Debug("pipeline run complete",
		"run_id", runID,
		"query", query,
		"depth", qc.Depth,
		"used_docs", len(use),
		"duration", time.Since(start),
	)
	return res, nil
}

// rerank falls back to the incoming order cut to topK when the reranker fails.
func (p *Pipeline) rerank(ctx context.Context, query string, cands []retrieval.Candidate, topK int) []retrieval.Candidate {
	out, err := p.reranker.Rerank(ctx, query, cands, topK)
	if err != nil {
		p.logger.Warn("rerank failed, keeping prior order", "error", err)
		if len(cands) > topK {
			cands = cands[:topK]
		}
		return cands
	}
	return out
}

// refine asks the analyzer for a better query and, if it differs, blends the
// shortlist of the refined query into the current one. Analyzer errors leave
// the shortlist unchanged.
func (p *Pipeline) refine(ctx context.Context, query string, actx agent.Context, cands []retrieval.Candidate, capped, shortlist int, filters retrieval.Filters, stats *Stats) []retrieval.Candidate {
	rctx, cancel := context.WithTimeout(ctx, p.reasoningTimeout)
	subs, refined, err := p.analyzer.Analyze(rctx, query, actx, cands)
	cancel()

	used := false
	stats.RefinedUsed = &used
	if err != nil {
		p.logger.Warn("refinement failed", "error", err)
		p.recorder.RecordRefinement("failed")
		stats.RefineError = err.Error()
		return cands
	}
	stats.SubQuestions = subs

	refined = strings.TrimSpace(refined)
	if refined == "" || refined == query {
		p.recorder.RecordRefinement("unchanged")
		return cands
	}
	used = true
	p.recorder.RecordRefinement("refined")

	refCands, _ := p.retriever.RetrieveWithStats(ctx, refined, capped, filters)
	refCands = p.rerank(ctx, refined, refCands, shortlist)

	cands = Blend(cands, refCands, shortlist)
	n := len(cands)
	stats.AfterBlend = &n
	return cands
}

// Blend merges two ranked lists by id keeping the higher-scored entry, then
// stable-sorts by score descending and cuts to topK. On equal scores the
// entry from a is kept.
func Blend(a, b []retrieval.Candidate, topK int) []retrieval.Candidate {
	idx := make(map[string]int, len(a)+len(b))
	merged := make([]retrieval.Candidate, 0, len(a)+len(b))
	for _, list := range [][]retrieval.Candidate{a, b} {
		for _, c := range list {
			if i, ok := idx[c.ID]; ok {
				if c.Score > merged[i].Score {
					merged[i] = c
				}
				continue
			}
			idx[c.ID] = len(merged)
			merged = append(merged, c)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})
	if topK > 0 && len(merged) > topK {
		merged = merged[:topK]
	}
	return merged
}

// clampCandidate returns a copy of c whose text (or, when the text is empty,
// its excerpt metadata) is cut to n characters.
func clampCandidate(c retrieval.Candidate, n int) retrieval.Candidate {
	meta := make(map[string]any, len(c.Metadata)+1)
	for k, v := range c.Metadata {
		meta[k] = v
	}
	out := retrieval.Candidate{ID: c.ID, Score: c.Score, Metadata: meta}
	if c.Text != "" {
		out.Text = truncate(c.Text, n)
		return out
	}
	ex := retrieval.MetaString(meta, "excerpt")
	if ex == "" {
		ex = retrieval.MetaString(meta, "text")
	}
	meta["excerpt"] = truncate(ex, n)
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if r := []rune(s); len(r) > n {
		return string(r[:n])
	}
	return s
}

func (p *Pipeline) recordAsync(ctx context.Context, runID, query string, qc QueryContext, answer string, use []retrieval.Candidate, clarity float64, stats Stats) {
	ids := make([]string, len(use))
	titles := make([]string, len(use))
	for i, c := range use {
		ids[i] = c.ID
		titles[i] = c.Title()
	}
	ev := feedback.NewEvent(qc.Now, qc.UserID, qc.RouteSymbol, query, answer, ids, titles, clarity, map[string]any{
		"depth":  string(qc.Depth),
		"run_id": runID,
		"stats":  stats,
	})

	// Detached: the caller may return before the record lands.
	rctx := context.WithoutCancel(ctx)

	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("feedback record panicked", "run_id", runID, "panic", r)
			}
		}()
		p.store.Record(rctx, ev)
	}()
}
