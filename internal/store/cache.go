package store

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"

	"xtrace/internal/logging"
)

// writeBufferSize matches the original report store's BufferedWriter size.
const writeBufferSize = 64 * 1024

// handle is a cached, open append-mode writer for one task's file, along
// with the bookkeeping the LRU eviction policy needs.
type handle struct {
	file             *os.File
	writer           *bufio.Writer
	lastAccessMillis int64
}

// Cache is a size-unbounded, recency-ordered map of open task file writers.
// It self-trims only under sustained ingest pressure: on every insertion it
// inspects the least-recently-used entry and evicts it if it has been idle
// longer than validFor. Idle tasks otherwise remain open indefinitely.
//
// All operations serialize on a single mutex. This is safe for concurrent
// callers, though the design assumes a single ingest goroutine ever calls
// Access for writes (see the concurrency model in SPEC_FULL.md §5).
type Cache struct {
	mu       sync.Mutex
	lru      *lru.LRU[string, *handle]
	validFor time.Duration
	root     string
	logger   *slog.Logger
}

// NewCache creates an LRU handle cache rooted at root. validFor is the
// staleness window; entries idle longer than this are candidates for
// eviction on the next insertion.
func NewCache(root string, validFor time.Duration, logger *slog.Logger) (*Cache, error) {
	c := &Cache{
		validFor: validFor,
		root:     root,
		logger:   logging.Default(logger).With("component", "handle_cache"),
	}
	// No fixed capacity: eviction is staleness-triggered, not count-triggered.
	// golang-lru requires a positive size; use a value large enough that its
	// own count-based eviction never fires, and implement staleness
	// eviction manually via GetOldest before each Add.
	l, err := lru.NewLRU[string, *handle](1<<31-1, nil)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	c.lru = l
	return c, nil
}

// Access returns the writer for taskID, opening a new file if this is the
// first write for the task, and bumps its recency. Task-ids shorter than 6
// characters are rejected with a fail-fast error. On I/O error the caller
// should drop the report; a failed open is not cached, so a later Access
// for the same task-id tries to open the file again.
func (c *Cache) Access(taskID string) (*bufio.Writer, error) {
	if len(taskID) < 6 {
		return nil, fmt.Errorf("invalid task id %q: must be at least 6 characters", taskID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if h, ok := c.lru.Get(taskID); ok {
		h.lastAccessMillis = nowMillis()
		return h.writer, nil
	}

	c.evictStaleOldest()

	h, err := c.open(taskID)
	if err != nil {
		return nil, err
	}
	c.lru.Add(taskID, h)
	return h.writer, nil
}

// evictStaleOldest closes and removes the least-recently-used entry if it
// has been idle longer than validFor. Called before every insertion.
func (c *Cache) evictStaleOldest() {
	key, h, ok := c.lru.GetOldest()
	if !ok {
		return
	}
	if nowMillis()-h.lastAccessMillis < c.validFor.Milliseconds() {
		return
	}
	if err := h.writer.Flush(); err != nil {
		c.logger.Warn("error flushing evicted handle", "task_id", key, "error", err)
	}
	if err := h.file.Close(); err != nil {
		c.logger.Warn("error closing evicted handle", "task_id", key, "error", err)
	}
	c.lru.Remove(key)
}

// open creates the shard directory if necessary and opens the task's file
// in append mode, wrapping it in a buffered writer.
func (c *Cache) open(taskID string) (*handle, error) {
	shardDir := filepath.Join(c.root, taskID[:2])
	if err := os.MkdirAll(shardDir, 0o755); err != nil {
		return nil, fmt.Errorf("create shard dir for task %s: %w", taskID, err)
	}

	path := filepath.Join(shardDir, taskID+".txt")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open task file %s: %w", taskID, err)
	}

	return &handle{
		file:             f,
		writer:           bufio.NewWriterSize(f, writeBufferSize),
		lastAccessMillis: nowMillis(),
	}, nil
}

// FlushAll flushes every open writer without closing them.
func (c *Cache) FlushAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.lru.Keys() {
		h, ok := c.lru.Get(key)
		if !ok {
			continue
		}
		if err := h.writer.Flush(); err != nil {
			c.logger.Warn("error flushing handle", "task_id", key, "error", err)
		}
	}
}

// CloseAll flushes, closes, and removes every open writer.
func (c *Cache) CloseAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.lru.Keys() {
		h, ok := c.lru.Get(key)
		if !ok {
			continue
		}
		if err := h.writer.Flush(); err != nil {
			c.logger.Warn("error flushing handle on shutdown", "task_id", key, "error", err)
		}
		if err := h.file.Close(); err != nil {
			c.logger.Warn("error closing handle on shutdown", "task_id", key, "error", err)
		}
	}
	c.lru.Purge()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
