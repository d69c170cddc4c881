// Package store implements the task-sharded append-only file store (C2)
// backed by an LRU handle cache (C3). Every report body that reaches disk
// does so through a single append call that writes the raw report text
// followed by the blank-line terminator the query surface's report scanner
// relies on.
package store

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"xtrace/internal/logging"
)

// DefaultValidFor is the LRU staleness window used when none is configured.
const DefaultValidFor = 500 * time.Millisecond

// Store is the on-disk, task-sharded report file store.
type Store struct {
	root   string
	cache  *Cache
	logger *slog.Logger

	mu          sync.Mutex
	lastSynched time.Time
}

// New creates a Store rooted at root, whose LRU handle cache evicts idle
// writers after validFor of inactivity.
func New(root string, validFor time.Duration, logger *slog.Logger) (*Store, error) {
	logger = logging.Default(logger).With("component", "task_file_store")
	cache, err := NewCache(root, validFor, logger)
	if err != nil {
		return nil, fmt.Errorf("create handle cache: %w", err)
	}
	return &Store{
		root:        root,
		cache:       cache,
		logger:      logger,
		lastSynched: time.Now(),
	}, nil
}

// Append writes rawText followed by a blank-line terminator to the task's
// file. On I/O error it logs and returns the error; callers must not
// propagate this beyond logging — per the error-handling policy a failed
// append means the pending-update count must not be recorded for this
// report.
func (s *Store) Append(taskID string, rawText []byte) error {
	w, err := s.cache.Access(taskID)
	if err != nil {
		s.logger.Warn("handle cache error, dropping report", "task_id", taskID, "error", err)
		return err
	}

	if _, err := w.Write(rawText); err != nil {
		s.logger.Warn("i/o error appending report", "task_id", taskID, "error", err)
		return err
	}
	if _, err := w.WriteString("\n\n"); err != nil {
		s.logger.Warn("i/o error appending report terminator", "task_id", taskID, "error", err)
		return err
	}
	// Append does not flush; bytes reach the file on FlushAll, on eviction
	// of the handle, or on Close.
	return nil
}

// Path returns the on-disk path for a task's report file, whether or not it
// has been created yet.
func (s *Store) Path(taskID string) string {
	if len(taskID) < 2 {
		return filepath.Join(s.root, taskID)
	}
	return filepath.Join(s.root, taskID[:2], taskID+".txt")
}

// FlushAll flushes every open writer without closing them, and records the
// flush time for DataAsOf.
func (s *Store) FlushAll() {
	s.cache.FlushAll()
	s.mu.Lock()
	s.lastSynched = time.Now()
	s.mu.Unlock()
}

// Close flushes and closes every open writer.
func (s *Store) Close() {
	s.cache.CloseAll()
	s.mu.Lock()
	s.lastSynched = time.Now()
	s.mu.Unlock()
}

// DataAsOf returns the wall-clock time of the most recent flush, letting a
// caller gauge how fresh the on-disk data is without forcing a flush.
// Grounded on the original FileTreeReportStore's LRUFileHandleCache.lastSynched.
func (s *Store) DataAsOf() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSynched
}
