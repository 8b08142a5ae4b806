package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/knoguchi/shortlist/internal/metrics"
)

const (
	eventsFile   = "events.jsonl"
	countersFile = "counters.json"
)

// FileStore keeps the event log as an append-only JSONL file and the counters
// as a JSON snapshot rewritten atomically after every event.
type FileStore struct {
	root         string
	eventsPath   string
	countersPath string
	logger       *slog.Logger
	recorder     *metrics.Recorder

	mu       sync.RWMutex
	events   *os.File
	counters *Counters
}

// FileStoreOption is a functional option for configuring FileStore.
type FileStoreOption func(*FileStore)

// WithLogger sets the logger used for swallowed write failures.
func WithLogger(l *slog.Logger) FileStoreOption {
	return func(s *FileStore) {
		s.logger = l
	}
}

// WithRecorder sets a metrics recorder for write outcomes.
func WithRecorder(m *metrics.Recorder) FileStoreOption {
	return func(s *FileStore) {
		s.recorder = m
	}
}

// OpenFileStore opens (creating if needed) a store under root. A missing or
// unreadable counters snapshot is rebuilt from the event log.
func OpenFileStore(root string, opts ...FileStoreOption) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("feedback root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating feedback root: %w", err)
	}

	s := &FileStore{
		root:         root,
		eventsPath:   filepath.Join(root, eventsFile),
		countersPath: filepath.Join(root, countersFile),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	counters, err := s.loadSnapshot()
	if err != nil {
		s.logger.Warn("feedback counters unreadable, rebuilding from log", "path", s.countersPath, "error", err)
		counters = nil
	}
	if counters == nil {
		res, err := s.replayLog()
		if err != nil {
			return nil, err
		}
		counters = res.Counters
		if res.Events > 0 {
			if err := writeSnapshot(s.countersPath, counters); err != nil {
				return nil, err
			}
		}
	}
	s.counters = counters

	f, err := os.OpenFile(s.eventsPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	if err := terminateTornTail(f); err != nil {
		f.Close()
		return nil, err
	}
	s.events = f

	return s, nil
}

// terminateTornTail ends an interrupted final line with a newline so the next
// append starts a fresh record. The torn bytes stay behind as one undecodable
// line that replay skips.
func terminateTornTail(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("checking event log: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return fmt.Errorf("reading event log tail: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}
	if _, err := f.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("terminating torn event: %w", err)
	}
	return f.Sync()
}

// Root returns the store directory.
func (s *FileStore) Root() string {
	return s.root
}

// Close closes the event log.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		return nil
	}
	err := s.events.Close()
	s.events = nil
	return err
}

// Record appends ev to the log, then updates and persists the counters, all
// under the store lock. Failures are logged and swallowed.
func (s *FileStore) Record(ctx context.Context, ev Event) {
	if ctx.Err() != nil {
		return
	}
	if err := s.record(ev); err != nil {
		s.logger.Warn("feedback record failed", "error", err, "user_id", ev.UserID)
		s.recorder.RecordFeedback(false)
		return
	}
	s.recorder.RecordFeedback(true)
}

func (s *FileStore) record(ev Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.events == nil {
		return errors.New("store is closed")
	}
	// Log first: counters must never run ahead of the log.
	if _, err := s.events.Write(line); err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	if err := s.events.Sync(); err != nil {
		return fmt.Errorf("syncing event log: %w", err)
	}

	next := s.counters.Clone()
	next.Apply(ev)
	s.counters = next

	if err := writeSnapshot(s.countersPath, next); err != nil {
		return fmt.Errorf("persisting counters: %w", err)
	}
	return nil
}

// TopTopics returns up to n topics by count desc, then last_seen desc.
func (s *FileStore) TopTopics(n int) []TopicStat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters.TopTopics(n)
}

// DocStats returns the usage of a document.
func (s *FileStore) DocStats(id string) DocStat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters.DocStats(id)
}

// RouteStats returns per-route counts.
func (s *FileStore) RouteStats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters.RouteStats()
}

// Snapshot returns a copy of the current counters.
func (s *FileStore) Snapshot() *Counters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters.Clone()
}

// Rebuild replays the event log, replaces the in-memory counters and
// rewrites the snapshot.
func (s *FileStore) Rebuild() (ReplayResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.replayLog()
	if err != nil {
		return res, err
	}
	if err := writeSnapshot(s.countersPath, res.Counters); err != nil {
		return res, err
	}
	s.counters = res.Counters.Clone()
	return res, nil
}

func (s *FileStore) replayLog() (ReplayResult, error) {
	f, err := os.Open(s.eventsPath)
	if errors.Is(err, fs.ErrNotExist) {
		return ReplayResult{Counters: NewCounters()}, nil
	}
	if err != nil {
		return ReplayResult{}, fmt.Errorf("opening event log: %w", err)
	}
	defer f.Close()

	res, err := Replay(f)
	if err != nil {
		return res, err
	}
	if res.Skipped > 0 {
		s.logger.Warn("skipped undecodable feedback events", "count", res.Skipped)
	}
	return res, nil
}

// loadSnapshot returns nil counters when no snapshot exists.
func (s *FileStore) loadSnapshot() (*Counters, error) {
	data, err := os.ReadFile(s.countersPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading counters: %w", err)
	}
	c := NewCounters()
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("decoding counters: %w", err)
	}
	c.ensure()
	return c, nil
}

// writeSnapshot writes counters to a temporary file and renames it into place.
func writeSnapshot(path string, c *Counters) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding counters: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("creating counters temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("writing counters temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing counters temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing counters temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing counters: %w", err)
	}
	return nil
}

// Ensure FileStore implements Store.
var _ Store = (*FileStore)(nil)
