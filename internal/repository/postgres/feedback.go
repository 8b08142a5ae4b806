package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/knoguchi/shortlist/internal/feedback"
	"github.com/knoguchi/shortlist/internal/metrics"
)

const defaultReadTimeout = 3 * time.Second

// FeedbackRepo implements feedback.Store. Each event and its counter updates
// are written in a single transaction, event row first.
type FeedbackRepo struct {
	db          *DB
	logger      *slog.Logger
	recorder    *metrics.Recorder
	readTimeout time.Duration
}

// FeedbackOption configures a FeedbackRepo.
type FeedbackOption func(*FeedbackRepo)

// WithLogger sets the logger for swallowed failures.
func WithLogger(l *slog.Logger) FeedbackOption {
	return func(r *FeedbackRepo) {
		r.logger = l
	}
}

// WithRecorder sets a metrics recorder for write outcomes.
func WithRecorder(m *metrics.Recorder) FeedbackOption {
	return func(r *FeedbackRepo) {
		r.recorder = m
	}
}

// WithReadTimeout bounds the read accessors, which take no context.
func WithReadTimeout(d time.Duration) FeedbackOption {
	return func(r *FeedbackRepo) {
		if d > 0 {
			r.readTimeout = d
		}
	}
}

// NewFeedbackRepo creates a new feedback repository
func NewFeedbackRepo(db *DB, opts ...FeedbackOption) *FeedbackRepo {
	r := &FeedbackRepo{
		db:          db,
		logger:      slog.Default(),
		readTimeout: defaultReadTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record stores the event and updates the counters. Failures are logged.
func (r *FeedbackRepo) Record(ctx context.Context, ev feedback.Event) {
	if ctx.Err() != nil {
		return
	}
	if err := r.record(ctx, ev); err != nil {
		r.logger.Warn("feedback record failed", "error", err, "user_id", ev.UserID)
		r.recorder.RecordFeedback(false)
		return
	}
	r.recorder.RecordFeedback(true)
}

func (r *FeedbackRepo) record(ctx context.Context, ev feedback.Event) error {
	ids, err := json.Marshal(nonNil(ev.UsedDocIDs))
	if err != nil {
		return fmt.Errorf("failed to marshal doc ids: %w", err)
	}
	titles, err := json.Marshal(nonNil(ev.UsedDocTitles))
	if err != nil {
		return fmt.Errorf("failed to marshal doc titles: %w", err)
	}
	var extra []byte
	if ev.Extra != nil {
		if extra, err = json.Marshal(ev.Extra); err != nil {
			return fmt.Errorf("failed to marshal extra: %w", err)
		}
	}

	return pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO feedback_events (ts, user_id, route_symbol, query, answer_preview, used_doc_ids, used_doc_titles, clarity_score, extra)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, ev.Timestamp, ev.UserID, ev.RouteSymbol, ev.Query, ev.AnswerPreview, ids, titles, ev.ClarityScore, extra)
		if err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO feedback_routes (route_symbol, count) VALUES ($1, 1)
			ON CONFLICT (route_symbol) DO UPDATE SET count = feedback_routes.count + 1
		`, ev.RouteSymbol)
		if err != nil {
			return fmt.Errorf("failed to update route counter: %w", err)
		}

		for _, d := range docsInLockOrder(ev) {
			_, err = tx.Exec(ctx, `
				INSERT INTO feedback_docs (doc_id, count, last_seen, title) VALUES ($1, 1, $2, $3)
				ON CONFLICT (doc_id) DO UPDATE SET
					count = feedback_docs.count + 1,
					last_seen = GREATEST(feedback_docs.last_seen, EXCLUDED.last_seen),
					title = CASE WHEN feedback_docs.title = '' THEN EXCLUDED.title ELSE feedback_docs.title END
			`, d.ID, ev.Timestamp, d.Title)
			if err != nil {
				return fmt.Errorf("failed to update doc counter: %w", err)
			}
		}

		for _, topic := range topicsInLockOrder(ev.Query) {
			_, err = tx.Exec(ctx, `
				INSERT INTO feedback_topics (topic, count, last_seen) VALUES ($1, 1, $2)
				ON CONFLICT (topic) DO UPDATE SET
					count = feedback_topics.count + 1,
					last_seen = GREATEST(feedback_topics.last_seen, EXCLUDED.last_seen)
			`, topic, ev.Timestamp)
			if err != nil {
				return fmt.Errorf("failed to update topic counter: %w", err)
			}
		}
		return nil
	})
}

// Row upserts run in key order so concurrent records lock counter rows in the
// same sequence. The sort is stable: duplicate ids keep their title order.
func docsInLockOrder(ev feedback.Event) []feedback.UsedDoc {
	docs := ev.UsedDocs()
	sort.SliceStable(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs
}

func topicsInLockOrder(query string) []string {
	topics := feedback.Topics(query)
	sort.Strings(topics)
	return topics
}

// TopTopics returns up to n topics by count desc, last_seen desc.
func (r *FeedbackRepo) TopTopics(n int) []feedback.TopicStat {
	if n <= 0 {
		return []feedback.TopicStat{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.readTimeout)
	defer cancel()

	rows, err := r.db.Pool.Query(ctx, `
		SELECT topic, count, last_seen FROM feedback_topics
		ORDER BY count DESC, last_seen DESC, topic ASC
		LIMIT $1
	`, n)
	if err != nil {
		r.logger.Warn("failed to list topics", "error", err)
		return []feedback.TopicStat{}
	}
	defer rows.Close()

	out := []feedback.TopicStat{}
	for rows.Next() {
		var ts feedback.TopicStat
		if err := rows.Scan(&ts.Topic, &ts.Count, &ts.LastSeen); err != nil {
			r.logger.Warn("failed to scan topic", "error", err)
			return []feedback.TopicStat{}
		}
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		r.logger.Warn("failed to iterate topics", "error", err)
		return []feedback.TopicStat{}
	}
	return out
}

// DocStats returns the usage of a document, zero-valued if unseen.
func (r *FeedbackRepo) DocStats(id string) feedback.DocStat {
	ctx, cancel := context.WithTimeout(context.Background(), r.readTimeout)
	defer cancel()

	var ds feedback.DocStat
	err := r.db.Pool.QueryRow(ctx, `
		SELECT count, last_seen, title FROM feedback_docs WHERE doc_id = $1
	`, id).Scan(&ds.Count, &ds.LastSeen, &ds.Title)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			r.logger.Warn("failed to get doc stats", "error", err, "doc_id", id)
		}
		return feedback.DocStat{}
	}
	return ds
}

// RouteStats returns per-route event counts.
func (r *FeedbackRepo) RouteStats() map[string]int {
	ctx, cancel := context.WithTimeout(context.Background(), r.readTimeout)
	defer cancel()

	out := make(map[string]int)
	rows, err := r.db.Pool.Query(ctx, `SELECT route_symbol, count FROM feedback_routes`)
	if err != nil {
		r.logger.Warn("failed to list routes", "error", err)
		return out
	}
	defer rows.Close()

	for rows.Next() {
		var route string
		var count int
		if err := rows.Scan(&route, &count); err != nil {
			r.logger.Warn("failed to scan route", "error", err)
			return make(map[string]int)
		}
		out[route] = count
	}
	if err := rows.Err(); err != nil {
		r.logger.Warn("failed to iterate routes", "error", err)
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Ensure FeedbackRepo implements feedback.Store
var _ feedback.Store = (*FeedbackRepo)(nil)
