// Package corpus loads a directory of markdown and text notes into retrieval
// documents. Notes may start with a YAML front matter block delimited by "---".
package corpus

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/knoguchi/shortlist/internal/retrieval"
)

// Metadata keys set on every loaded document.
const (
	KeyTitle     = "title"
	KeyTimestamp = "timestamp"
	KeyPath      = "path"
)

// DefaultExtensions are the file extensions loaded when none are configured.
var DefaultExtensions = []string{".md", ".markdown", ".mdx", ".txt"}

// timestampKeys are the front matter keys consulted for a note's age, in order.
var timestampKeys = []string{"timestamp", "date", "updated_at", "created_at"}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Loader walks a notes directory.
type Loader struct {
	root       string
	extensions map[string]struct{}
	logger     *slog.Logger
}

// Option is a functional option for configuring Loader.
type Option func(*Loader)

// WithExtensions replaces the set of loaded file extensions.
func WithExtensions(exts ...string) Option {
	return func(l *Loader) {
		l.extensions = make(map[string]struct{}, len(exts))
		for _, e := range exts {
			l.extensions[strings.ToLower(e)] = struct{}{}
		}
	}
}

// WithLogger sets the logger used for skipped files.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// NewLoader creates a loader rooted at dir.
func NewLoader(dir string, opts ...Option) *Loader {
	l := &Loader{root: dir, logger: slog.Default()}
	WithExtensions(DefaultExtensions...)(l)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads every matching file under the root. Document ids are the
// slash-separated paths relative to the root; the result is sorted by id.
// Unreadable files are logged and skipped.
func (l *Loader) Load() ([]retrieval.Document, error) {
	info, err := os.Stat(l.root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat corpus dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("corpus path %q is not a directory", l.root)
	}

	var docs []retrieval.Document
	err = filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != l.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := l.extensions[strings.ToLower(filepath.Ext(path))]; !ok {
			return nil
		}

		doc, err := l.loadFile(path)
		if err != nil {
			l.logger.Warn("skipping note", "path", path, "error", err)
			return nil
		}
		docs = append(docs, doc)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk corpus dir: %w", err)
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func (l *Loader) loadFile(path string) (retrieval.Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return retrieval.Document{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return retrieval.Document{}, err
	}
	rel, err := filepath.Rel(l.root, path)
	if err != nil {
		return retrieval.Document{}, err
	}
	id := filepath.ToSlash(rel)

	front, body, err := SplitFrontMatter(raw)
	if err != nil {
		return retrieval.Document{}, err
	}

	meta := make(map[string]any, len(front)+3)
	for k, v := range front {
		if isScalar(v) {
			meta[k] = v
		}
	}
	meta[KeyPath] = id
	meta[KeyTitle] = resolveTitle(front, body, path)
	meta[KeyTimestamp] = resolveTimestamp(front, info.ModTime())

	return retrieval.Document{ID: id, Text: strings.TrimSpace(body), Metadata: meta}, nil
}

// SplitFrontMatter separates a leading "---" YAML block from the body.
// Content without front matter is returned whole with a nil map.
func SplitFrontMatter(raw []byte) (map[string]any, string, error) {
	raw = bytes.TrimPrefix(raw, []byte("\ufeff"))
	if !bytes.HasPrefix(raw, []byte("---\n")) && !bytes.HasPrefix(raw, []byte("---\r\n")) {
		return nil, string(raw), nil
	}

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	scanner.Scan()
	offset := len(scanner.Bytes()) + 1

	var block bytes.Buffer
	for scanner.Scan() {
		line := scanner.Bytes()
		offset += len(line) + 1
		if trimmed := strings.TrimRight(string(line), "\r"); trimmed == "---" || trimmed == "..." {
			var front map[string]any
			if err := yaml.Unmarshal(block.Bytes(), &front); err != nil {
				return nil, "", fmt.Errorf("invalid front matter: %w", err)
			}
			if offset > len(raw) {
				offset = len(raw)
			}
			return front, string(raw[offset:]), nil
		}
		block.Write(line)
		block.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return nil, "", err
	}
	return nil, "", errors.New("unterminated front matter")
}

func resolveTitle(front map[string]any, body, path string) string {
	if t, ok := front[KeyTitle].(string); ok && strings.TrimSpace(t) != "" {
		return strings.TrimSpace(t)
	}
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			if h := strings.TrimSpace(strings.TrimLeft(line, "#")); h != "" {
				return h
			}
		}
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// resolveTimestamp returns unix seconds from the first parseable front matter
// key, falling back to the file modification time.
func resolveTimestamp(front map[string]any, mtime time.Time) float64 {
	for _, key := range timestampKeys {
		if ts, ok := ParseTimestamp(front[key]); ok {
			return ts
		}
	}
	return float64(mtime.UnixNano()) / 1e9
}

// ParseTimestamp converts a front matter value to unix seconds. Numbers are
// taken as unix seconds; strings are tried against common date layouts.
func ParseTimestamp(v any) (float64, bool) {
	switch x := v.(type) {
	case time.Time:
		return float64(x.UnixNano()) / 1e9, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0, false
		}
		return x, true
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return float64(t.UnixNano()) / 1e9, true
			}
		}
	}
	return 0, false
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool, int, int64, float64, time.Time:
		return true
	}
	return false
}
