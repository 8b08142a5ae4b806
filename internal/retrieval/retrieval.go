// Package retrieval defines the candidate model shared by every ranking stage
// and the Backend interface that retrieval arcs implement.
package retrieval

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Candidate is a scored document fragment flowing through the pipeline.
// Score is overwritten by each stage; ID is the identity.
type Candidate struct {
	ID       string
	Text     string
	Metadata map[string]any
	Score    float64
}

// Title returns the "title" metadata entry as a string, or "" if absent.
func (c Candidate) Title() string {
	return MetaString(c.Metadata, "title")
}

// Filters are opaque per-query hints passed through to every backend.
type Filters map[string]any

// Int returns the integer value stored under key, if it holds a number.
func (f Filters) Int(key string) (int, bool) {
	if f == nil {
		return 0, false
	}
	switch v := f[key].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case float32:
		return int(v), true
	}
	return 0, false
}

// Backend returns up to k candidates for a query with a backend-local score.
// Recoverable conditions such as an empty query or an empty corpus yield an
// empty slice and a nil error.
type Backend interface {
	Retrieve(ctx context.Context, query string, k int, filters Filters) ([]Candidate, error)
}

// BackendFunc adapts a plain function to the Backend interface.
type BackendFunc func(ctx context.Context, query string, k int, filters Filters) ([]Candidate, error)

// Retrieve calls f.
func (f BackendFunc) Retrieve(ctx context.Context, query string, k int, filters Filters) ([]Candidate, error) {
	return f(ctx, query, k, filters)
}

var tokenRx = regexp.MustCompile(`[A-Za-z0-9_#@]+`)

// Tokenize lowercases s and returns its maximal runs of [A-Za-z0-9_#@].
// The lexical backend and the keyword reranker share it so their signals align.
func Tokenize(s string) []string {
	return tokenRx.FindAllString(strings.ToLower(s), -1)
}

// MetaString returns metadata[key] rendered as a string, or "" when missing.
func MetaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	switch v := meta[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// MetaFloat returns metadata[key] as a float64 when it holds any Go number.
func MetaFloat(meta map[string]any, key string) (float64, bool) {
	if meta == nil {
		return 0, false
	}
	switch v := meta[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}
